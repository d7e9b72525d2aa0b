// File format codec for on-disk file segments. Layout:
//
//	header:    magic(8) | codecVersion(2) | blockSize(2) | reserved(4)
//	metaLen:   u64 byte length of the metadata block
//	metadata:  counts, attributes, docs, block index, CRC footer
//	blocks:    numBlocks fixed-size slots, each self-describing
//
// Checksums use github.com/zeebo/xxh3 rather than a literal CRC-32,
// giving the same detect-corruption-on-read guarantee.
package segment

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/zeebo/xxh3"

	fperrors "github.com/epokhe/fpindex/pkg/errors"

	"github.com/epokhe/fpindex/internal/item"
)

const (
	magic         = "FPIDXSG1"
	codecVersion  = uint16(1)
	headerSize    = 16
	footerCRCSize = 8
)

// WriteHeader writes the fixed-size segment file header.
func WriteHeader(blockSize uint16) []byte {
	buf := make([]byte, headerSize)
	copy(buf, magic)
	binary.LittleEndian.PutUint16(buf[8:10], codecVersion)
	binary.LittleEndian.PutUint16(buf[10:12], blockSize)
	return buf
}

// ReadHeader parses and validates the header, returning the block
// size it declares.
func ReadHeader(buf []byte) (blockSize uint16, err error) {
	if len(buf) < headerSize {
		return 0, fperrors.New(fperrors.Corruption, "segment header truncated", nil)
	}
	if string(buf[:8]) != magic {
		return 0, fperrors.New(fperrors.Corruption, "bad segment magic", nil)
	}
	version := binary.LittleEndian.Uint16(buf[8:10])
	if version > codecVersion {
		return 0, fperrors.New(fperrors.Corruption, fmt.Sprintf("segment codec version %d newer than supported %d", version, codecVersion), nil)
	}
	return binary.LittleEndian.Uint16(buf[10:12]), nil
}

// Metadata is the decoded contents of a segment's metadata block.
type Metadata struct {
	NumItems       uint32
	NumBlocks      uint32
	MinDocID       uint32
	MaxDocID       uint32
	MaxCommitID    uint64
	SegVersion     uint64
	SegMerges      uint64
	Attributes     map[string]uint64
	Docs           map[uint32]bool
	BlockIndex     []uint32 // first hash of each block
	BlockOffsets   []uint64 // byte offset of each block within the block region
}

// EncodeMetadata serializes m with a trailing CRC footer.
func EncodeMetadata(m Metadata) []byte {
	var buf bytes.Buffer

	var u32 [4]byte
	var u64 [8]byte

	putU32 := func(v uint32) {
		binary.LittleEndian.PutUint32(u32[:], v)
		buf.Write(u32[:])
	}
	putU64 := func(v uint64) {
		binary.LittleEndian.PutUint64(u64[:], v)
		buf.Write(u64[:])
	}

	putU32(m.NumItems)
	putU32(m.NumBlocks)
	putU32(m.MinDocID)
	putU32(m.MaxDocID)
	putU64(m.MaxCommitID)
	putU64(m.SegVersion)
	putU64(m.SegMerges)

	// attributes: count, then (u16 keylen, key bytes, u64 value) sorted
	// by key for deterministic encoding.
	keys := make([]string, 0, len(m.Attributes))
	for k := range m.Attributes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	putU32(uint32(len(keys)))
	for _, k := range keys {
		kb := []byte(k)
		var u16 [2]byte
		binary.LittleEndian.PutUint16(u16[:], uint16(len(kb)))
		buf.Write(u16[:])
		buf.Write(kb)
		putU64(m.Attributes[k])
	}

	// docs: count, then (u32 id, u8 status) sorted by id for
	// deterministic encoding.
	ids := make([]uint32, 0, len(m.Docs))
	for id := range m.Docs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	putU32(uint32(len(ids)))
	for _, id := range ids {
		putU32(id)
		if m.Docs[id] {
			buf.WriteByte(1)
		} else {
			buf.WriteByte(0)
		}
	}

	// block index
	putU32(uint32(len(m.BlockIndex)))
	for _, first := range m.BlockIndex {
		putU32(first)
	}

	// block offsets
	putU32(uint32(len(m.BlockOffsets)))
	for _, off := range m.BlockOffsets {
		putU64(off)
	}

	checksum := xxh3.Hash(buf.Bytes())
	binary.LittleEndian.PutUint64(u64[:], checksum)
	buf.Write(u64[:])

	return buf.Bytes()
}

// DecodeMetadata parses a metadata block previously produced by
// EncodeMetadata, verifying its CRC footer.
func DecodeMetadata(buf []byte) (Metadata, error) {
	if len(buf) < footerCRCSize {
		return Metadata{}, fperrors.New(fperrors.Corruption, "metadata block truncated", nil)
	}

	body := buf[:len(buf)-footerCRCSize]
	wantCRC := binary.LittleEndian.Uint64(buf[len(buf)-footerCRCSize:])
	if gotCRC := xxh3.Hash(body); gotCRC != wantCRC {
		return Metadata{}, fperrors.New(fperrors.Corruption, fmt.Sprintf("metadata checksum mismatch: expected %x, got %x", wantCRC, gotCRC), nil)
	}

	r := bytes.NewReader(body)

	readU32 := func() (uint32, error) {
		var b [4]byte
		if _, err := r.Read(b[:]); err != nil {
			return 0, err
		}
		return binary.LittleEndian.Uint32(b[:]), nil
	}
	readU64 := func() (uint64, error) {
		var b [8]byte
		if _, err := r.Read(b[:]); err != nil {
			return 0, err
		}
		return binary.LittleEndian.Uint64(b[:]), nil
	}

	var m Metadata
	var err error

	corrupt := func(e error) (Metadata, error) {
		return Metadata{}, fperrors.New(fperrors.Corruption, "malformed metadata block", e)
	}

	if m.NumItems, err = readU32(); err != nil {
		return corrupt(err)
	}
	if m.NumBlocks, err = readU32(); err != nil {
		return corrupt(err)
	}
	if m.MinDocID, err = readU32(); err != nil {
		return corrupt(err)
	}
	if m.MaxDocID, err = readU32(); err != nil {
		return corrupt(err)
	}
	if m.MaxCommitID, err = readU64(); err != nil {
		return corrupt(err)
	}
	if m.SegVersion, err = readU64(); err != nil {
		return corrupt(err)
	}
	if m.SegMerges, err = readU64(); err != nil {
		return corrupt(err)
	}

	numAttrs, err := readU32()
	if err != nil {
		return corrupt(err)
	}
	m.Attributes = make(map[string]uint64, numAttrs)
	for i := uint32(0); i < numAttrs; i++ {
		var u16 [2]byte
		if _, err := r.Read(u16[:]); err != nil {
			return corrupt(err)
		}
		keyLen := binary.LittleEndian.Uint16(u16[:])
		kb := make([]byte, keyLen)
		if _, err := r.Read(kb); err != nil {
			return corrupt(err)
		}
		val, err := readU64()
		if err != nil {
			return corrupt(err)
		}
		m.Attributes[string(kb)] = val
	}

	numDocs, err := readU32()
	if err != nil {
		return corrupt(err)
	}
	m.Docs = make(map[uint32]bool, numDocs)
	for i := uint32(0); i < numDocs; i++ {
		id, err := readU32()
		if err != nil {
			return corrupt(err)
		}
		status, err := r.ReadByte()
		if err != nil {
			return corrupt(err)
		}
		m.Docs[id] = status == 1
	}

	numBlockIdx, err := readU32()
	if err != nil {
		return corrupt(err)
	}
	m.BlockIndex = make([]uint32, numBlockIdx)
	for i := range m.BlockIndex {
		v, err := readU32()
		if err != nil {
			return corrupt(err)
		}
		m.BlockIndex[i] = v
	}

	numBlockOffsets, err := readU32()
	if err != nil {
		return corrupt(err)
	}
	m.BlockOffsets = make([]uint64, numBlockOffsets)
	for i := range m.BlockOffsets {
		v, err := readU64()
		if err != nil {
			return corrupt(err)
		}
		m.BlockOffsets[i] = v
	}

	return m, nil
}

// EncodeBlocks splits the sorted items into block slots (each
// targeting blockSize bytes, padded with zeroes when smaller) filled
// greedily: a block accepts items until the next one would overflow
// it. When a single hash has more postings than one block can hold,
// the run simply continues into the following block, whose first key
// is that same hash — satisfied for free by greedy fill since the
// remaining postings of that hash are still next in sorted order.
// Oversized blocks grow past blockSize instead of truncating, so
// blockOffsets (the byte offset of each block within the returned
// buffer) must be used for random access rather than i*blockSize. It
// returns the concatenated block bytes, the first hash of each block
// for the block index, and those offsets.
func EncodeBlocks(items []item.Item, blockSize uint16) (blocks []byte, blockIndex []uint32, blockOffsets []uint64) {
	i := 0
	for i < len(items) {
		start := i
		minHash := items[start].Hash

		var itemBytes bytes.Buffer
		count := 0
		prevHash := minHash
		first := true

		for i < len(items) {
			it := items[i]
			var tmp [2 * binary.MaxVarintLen64]byte
			n := 0

			var delta uint64
			if !first {
				delta = uint64(it.Hash - prevHash)
			}
			n += binary.PutUvarint(tmp[n:], delta)
			n += binary.PutUvarint(tmp[n:], uint64(it.ID))

			projected := 6 + itemBytes.Len() + n + footerCRCSize
			if projected > int(blockSize) && count > 0 {
				break
			}

			itemBytes.Write(tmp[:n])
			count++
			prevHash = it.Hash
			first = false
			i++
		}

		var header [6]byte
		binary.LittleEndian.PutUint16(header[0:2], uint16(count))
		binary.LittleEndian.PutUint32(header[2:6], minHash)

		encoded := append(header[:], itemBytes.Bytes()...)

		checksum := xxh3.Hash(encoded)
		var crcBuf [8]byte
		binary.LittleEndian.PutUint64(crcBuf[:], checksum)
		encoded = append(encoded, crcBuf[:]...)

		slot := encoded
		if len(encoded) < int(blockSize) {
			slot = make([]byte, blockSize)
			copy(slot, encoded)
		}

		blockOffsets = append(blockOffsets, uint64(len(blocks)))
		blocks = append(blocks, slot...)
		blockIndex = append(blockIndex, minHash)
	}

	return blocks, blockIndex, blockOffsets
}

// DecodeBlock decodes a single block slot (exactly blockSize bytes,
// or larger for an oversized single-hash run) back into its items.
func DecodeBlock(slot []byte) ([]item.Item, error) {
	if len(slot) < 6 {
		return nil, fperrors.New(fperrors.Corruption, "block slot truncated", nil)
	}
	count := binary.LittleEndian.Uint16(slot[0:2])
	minHash := binary.LittleEndian.Uint32(slot[2:6])

	r := bytes.NewReader(slot[6:])
	items := make([]item.Item, 0, count)
	curHash := minHash
	first := true

	for n := uint16(0); n < count; n++ {
		delta, err := binary.ReadUvarint(r)
		if err != nil {
			return nil, fperrors.New(fperrors.Corruption, "malformed block item", err)
		}
		if !first {
			curHash += uint32(delta)
		}
		first = false

		id, err := binary.ReadUvarint(r)
		if err != nil {
			return nil, fperrors.New(fperrors.Corruption, "malformed block item", err)
		}

		items = append(items, item.Item{Hash: curHash, ID: uint32(id)})
	}

	// verify checksum over header+items region only.
	consumed := len(slot) - r.Len()
	body := slot[:consumed]
	if consumed+footerCRCSize > len(slot) {
		return nil, fperrors.New(fperrors.Corruption, "block checksum truncated", nil)
	}
	wantCRC := binary.LittleEndian.Uint64(slot[consumed : consumed+footerCRCSize])
	if gotCRC := xxh3.Hash(body); gotCRC != wantCRC {
		return nil, fperrors.New(fperrors.Corruption, fmt.Sprintf("block checksum mismatch: expected %x, got %x", wantCRC, gotCRC), nil)
	}

	return items, nil
}
