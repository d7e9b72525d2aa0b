package segment

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	mmap "github.com/blevesearch/mmap-go"

	fperrors "github.com/epokhe/fpindex/pkg/errors"

	"github.com/epokhe/fpindex/internal/item"
)

// File is an immutable on-disk segment: a header, a metadata block,
// and a region of block-indexed, block-compressed postings, mapped
// read-only into the process's address space.
type File struct {
	id   ID
	path string

	f    *os.File
	data mmap.MMap

	meta      Metadata
	blockBase int // byte offset of the block region within data

	mu        sync.Mutex // guards the decoded-block cache only
	cacheIdx  int
	cacheItem []item.Item
}

// OpenFile maps an existing segment file from dir for id.
func OpenFile(dir string, id ID) (*File, error) {
	path := filepath.Join(dir, id.FileName())

	f, err := os.Open(path)
	if err != nil {
		return nil, fperrors.ClassifySyscallError(err, "open segment", path)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fperrors.ClassifySyscallError(err, "stat segment", path)
	}
	if info.Size() < headerSize {
		f.Close()
		return nil, fperrors.New(fperrors.Corruption, fmt.Sprintf("segment %s truncated below header", path), nil)
	}

	data, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		f.Close()
		return nil, fperrors.New(fperrors.IOError, fmt.Sprintf("mmap segment %s", path), err)
	}

	fs := &File{id: id, path: path, f: f, data: data, cacheIdx: -1}
	if err := fs.parse(); err != nil {
		data.Unmap()
		f.Close()
		return nil, err
	}

	return fs, nil
}

// parse reads the header and metadata block, establishing blockBase.
// Layout is header | metaLen(u64) | metadata bytes | block region: the
// length prefix lets us locate the metadata block (whose own encoding
// is variable-length) without scanning from the end of the file.
func (fs *File) parse() error {
	if _, err := ReadHeader(fs.data); err != nil {
		return err
	}

	if len(fs.data) < headerSize+8 {
		return fperrors.New(fperrors.Corruption, fmt.Sprintf("segment %s truncated before metadata length", fs.path), nil)
	}

	metaLen := leU64(fs.data[headerSize:])
	metaStart := headerSize + 8
	metaEnd := metaStart + int(metaLen)
	if metaEnd < metaStart || metaEnd > len(fs.data) {
		return fperrors.New(fperrors.Corruption, fmt.Sprintf("segment %s has invalid metadata length", fs.path), nil)
	}

	meta, err := DecodeMetadata(fs.data[metaStart:metaEnd])
	if err != nil {
		return err
	}

	fs.meta = meta
	fs.blockBase = metaEnd

	return nil
}

// GetID returns the segment's lineage id.
func (fs *File) GetID() ID { return fs.id }

// MaxCommitID returns the oplog watermark this segment covers.
func (fs *File) MaxCommitID() uint64 { return fs.meta.MaxCommitID }

// Docs returns the segment's doc-id -> live/tombstone map.
func (fs *File) Docs() map[uint32]bool { return fs.meta.Docs }

// Attributes returns the segment's index-wide attribute map.
func (fs *File) Attributes() map[string]uint64 { return fs.meta.Attributes }

// Size returns the number of (hash,id) postings the segment holds.
func (fs *File) Size() int { return int(fs.meta.NumItems) }

// FileSize returns the on-disk size in bytes.
func (fs *File) FileSize() int64 {
	info, err := fs.f.Stat()
	if err != nil {
		return 0
	}
	return info.Size()
}

// Path returns the segment's file path.
func (fs *File) Path() string { return fs.path }

// Close unmaps the segment and closes its file handle.
func (fs *File) Close() error {
	var err error
	if fs.data != nil {
		err = fs.data.Unmap()
	}
	if cerr := fs.f.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

// Delete closes the segment and removes its backing file. Callers
// must ensure no other goroutine still holds a reference (see
// segmentlist's ref-counted handles).
func (fs *File) Delete() error {
	if err := fs.Close(); err != nil {
		return err
	}
	if err := os.Remove(fs.path); err != nil && !os.IsNotExist(err) {
		return fperrors.ClassifySyscallError(err, "remove segment", fs.path)
	}
	return nil
}

// blockSlot returns the raw bytes for block i using the BlockOffsets
// table, since oversized blocks make uniform i*blockSize addressing
// unsafe.
func (fs *File) blockSlot(i int) []byte {
	start := fs.blockBase + int(fs.meta.BlockOffsets[i])

	var end int
	if i+1 < len(fs.meta.BlockOffsets) {
		end = fs.blockBase + int(fs.meta.BlockOffsets[i+1])
	} else {
		end = len(fs.data)
	}

	return fs.data[start:end]
}

// decodeBlock decodes block i, serving from the single-entry cache
// when possible. The cache is scoped to the segment, not to a single
// search call, so concurrent searches may thrash it under contention;
// correctness does not depend on cache hits.
func (fs *File) decodeBlock(i int) ([]item.Item, error) {
	fs.mu.Lock()
	if fs.cacheIdx == i {
		items := fs.cacheItem
		fs.mu.Unlock()
		return items, nil
	}
	fs.mu.Unlock()

	items, err := DecodeBlock(fs.blockSlot(i))
	if err != nil {
		return nil, err
	}

	fs.mu.Lock()
	fs.cacheIdx = i
	fs.cacheItem = items
	fs.mu.Unlock()

	return items, nil
}

// Search looks up each sorted query hash via binary search over the
// block index, decoding only the blocks that can contain a match.
func (fs *File) Search(sortedHashes []uint32, rs *ResultSet, deadline time.Time) error {
	blockIndex := fs.meta.BlockIndex
	if len(blockIndex) == 0 {
		return nil
	}

	for _, h := range sortedHashes {
		if !deadline.IsZero() && time.Now().After(deadline) {
			return fperrors.New(fperrors.Timeout, "search deadline exceeded", nil)
		}

		// start at the last block whose first hash is < h, since h's
		// postings may begin at its tail, or at block 0 if there is none
		bi := sort.Search(len(blockIndex), func(i int) bool { return blockIndex[i] >= h }) - 1
		if bi < 0 {
			bi = 0
		}

		// a hash's postings may spill into following blocks whose first
		// hash is equal to h (see EncodeBlocks); scan forward while
		// that holds.
		for ; bi < len(blockIndex) && blockIndex[bi] <= h; bi++ {
			items, err := fs.decodeBlock(bi)
			if err != nil {
				return err
			}

			lo := item.LowerBound(items, h)
			for i := lo; i < len(items) && items[i].Hash == h; i++ {
				rs.UpsertMatch(items[i].ID, fs.id.Version)
			}
		}
	}

	return nil
}

// Iterator returns a forward iterator over the segment's sorted
// items, decoding blocks lazily, for use by the N-way merger.
func (fs *File) Iterator() *FileIterator {
	return &FileIterator{fs: fs}
}

// FileIterator walks a File segment's postings block by block.
type FileIterator struct {
	fs      *File
	block   int
	items   []item.Item
	pos     int
	started bool
}

// Next returns the next item and true, or the zero item and false
// once every block has been consumed.
func (it *FileIterator) Next() (item.Item, bool) {
	for {
		if it.started && it.pos < len(it.items) {
			v := it.items[it.pos]
			it.pos++
			return v, true
		}

		if it.block >= len(it.fs.meta.BlockIndex) {
			return item.Item{}, false
		}

		items, err := it.fs.decodeBlock(it.block)
		it.block++
		it.started = true
		it.pos = 0
		it.items = items
		if err != nil {
			// surfaced as end-of-iteration rather than a panic. OpenFile
			// checks only the header and metadata, so a block failing
			// its checksum or varint decoding is first detected here.
			return item.Item{}, false
		}
	}
}

func leU64(b []byte) uint64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v |= uint64(b[i]) << (8 * i)
	}
	return v
}
