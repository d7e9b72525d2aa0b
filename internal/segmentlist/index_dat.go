package segmentlist

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"

	"github.com/zeebo/xxh3"

	fperrors "github.com/epokhe/fpindex/pkg/errors"

	"github.com/epokhe/fpindex/internal/segment"
)

const (
	indexDatName    = "index.dat"
	indexDatMagic   = "FPIDXMF1"
	indexDatCRCSize = 8
)

// WriteIndexDat atomically replaces dir/index.dat with the given
// ordered file-segment ids: little-endian magic, count, then
// (version, included_merges) pairs, then a CRC footer. Write-to-temp +
// rename + directory fsync, same discipline as segment file writes
// (see segment.WriteFile).
func WriteIndexDat(dir string, ids []segment.ID) error {
	var buf bytes.Buffer
	buf.WriteString(indexDatMagic)

	var u32 [4]byte
	var u64 [8]byte

	binary.LittleEndian.PutUint32(u32[:], uint32(len(ids)))
	buf.Write(u32[:])

	for _, id := range ids {
		binary.LittleEndian.PutUint64(u64[:], id.Version)
		buf.Write(u64[:])
		binary.LittleEndian.PutUint64(u64[:], id.IncludedMerges)
		buf.Write(u64[:])
	}

	checksum := xxh3.Hash(buf.Bytes())
	binary.LittleEndian.PutUint64(u64[:], checksum)
	buf.Write(u64[:])

	path := filepath.Join(dir, indexDatName)
	tmpPath := path + ".tmp"

	if err := writeAtomic(dir, path, tmpPath, buf.Bytes()); err != nil {
		return err
	}
	return nil
}

// ReadIndexDat parses dir/index.dat, returning the ordered list of
// file segment ids it names.
func ReadIndexDat(dir string) ([]segment.ID, error) {
	path := filepath.Join(dir, indexDatName)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fperrors.ClassifySyscallError(err, "read index.dat", path)
	}

	minLen := len(indexDatMagic) + 4 + indexDatCRCSize
	if len(data) < minLen {
		return nil, fperrors.New(fperrors.Corruption, "index.dat truncated", nil)
	}

	body := data[:len(data)-indexDatCRCSize]
	wantCRC := binary.LittleEndian.Uint64(data[len(data)-indexDatCRCSize:])
	if gotCRC := xxh3.Hash(body); gotCRC != wantCRC {
		return nil, fperrors.New(fperrors.Corruption, fmt.Sprintf("index.dat checksum mismatch: expected %x, got %x", wantCRC, gotCRC), nil)
	}

	if string(body[:len(indexDatMagic)]) != indexDatMagic {
		return nil, fperrors.New(fperrors.Corruption, "bad index.dat magic", nil)
	}
	body = body[len(indexDatMagic):]

	count := binary.LittleEndian.Uint32(body[:4])
	body = body[4:]

	const pairSize = 16
	if len(body) != int(count)*pairSize {
		return nil, fperrors.New(fperrors.Corruption, "index.dat length mismatch with declared count", nil)
	}

	ids := make([]segment.ID, count)
	for i := range ids {
		ids[i].Version = binary.LittleEndian.Uint64(body[:8])
		body = body[8:]
		ids[i].IncludedMerges = binary.LittleEndian.Uint64(body[:8])
		body = body[8:]
	}

	return ids, nil
}

// IndexDatExists reports whether dir already has an index.dat, used
// by Open to decide between loading an existing index and honoring
// the create option.
func IndexDatExists(dir string) bool {
	_, err := os.Stat(filepath.Join(dir, indexDatName))
	return err == nil
}

// writeAtomic writes data to tmpPath, fsyncs it, renames it onto path,
// then fsyncs dir so the rename survives a crash.
func writeAtomic(dir, path, tmpPath string, data []byte) error {
	f, err := os.OpenFile(tmpPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fperrors.ClassifySyscallError(err, "create index.dat temp file", tmpPath)
	}

	var werr error
	defer func() {
		if werr != nil {
			os.Remove(tmpPath)
		}
	}()

	if _, werr = f.Write(data); werr != nil {
		f.Close()
		return fperrors.ClassifySyscallError(werr, "write index.dat temp file", tmpPath)
	}
	if werr = f.Sync(); werr != nil {
		f.Close()
		return fperrors.ClassifySyscallError(werr, "sync index.dat temp file", tmpPath)
	}
	if werr = f.Close(); werr != nil {
		return fperrors.ClassifySyscallError(werr, "close index.dat temp file", tmpPath)
	}

	if werr = os.Rename(tmpPath, path); werr != nil {
		return fperrors.ClassifySyscallError(werr, "rename index.dat into place", path)
	}

	d, err := os.Open(dir)
	if err != nil {
		return fperrors.ClassifySyscallError(err, "open data dir for fsync", dir)
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		return fperrors.ClassifySyscallError(err, "sync data dir", dir)
	}

	return nil
}
