package segment

import (
	"encoding/binary"
	"os"
	"path/filepath"

	fperrors "github.com/epokhe/fpindex/pkg/errors"

	"github.com/epokhe/fpindex/internal/item"
)

// WriteSpec bundles everything needed to build a File segment.
type WriteSpec struct {
	ID          ID
	Items       []item.Item // must already be sorted by (hash,id)
	Docs        map[uint32]bool
	Attributes  map[string]uint64
	MaxCommitID uint64
	BlockSize   uint16
}

// WriteFile builds a segment file for spec under dir, durably: it
// writes to a temp file in the same directory, fsyncs it, renames it
// into place, then fsyncs the directory — the same atomic-replace
// discipline index.dat uses (see segmentlist). It returns the opened,
// mmapped File.
func WriteFile(dir string, spec WriteSpec) (*File, error) {
	blocks, blockIndex, blockOffsets := EncodeBlocks(spec.Items, spec.BlockSize)

	var minDocID, maxDocID uint32
	first := true
	for id := range spec.Docs {
		if first {
			minDocID, maxDocID = id, id
			first = false
			continue
		}
		if id < minDocID {
			minDocID = id
		}
		if id > maxDocID {
			maxDocID = id
		}
	}

	meta := Metadata{
		NumItems:     uint32(len(spec.Items)),
		NumBlocks:    uint32(len(blockIndex)),
		MinDocID:     minDocID,
		MaxDocID:     maxDocID,
		MaxCommitID:  spec.MaxCommitID,
		SegVersion:   spec.ID.Version,
		SegMerges:    spec.ID.IncludedMerges,
		Attributes:   spec.Attributes,
		Docs:         spec.Docs,
		BlockIndex:   blockIndex,
		BlockOffsets: blockOffsets,
	}
	metaBytes := EncodeMetadata(meta)

	buf := make([]byte, 0, headerSize+8+len(metaBytes)+len(blocks))
	buf = append(buf, WriteHeader(spec.BlockSize)...)

	var metaLen [8]byte
	binary.LittleEndian.PutUint64(metaLen[:], uint64(len(metaBytes)))
	buf = append(buf, metaLen[:]...)
	buf = append(buf, metaBytes...)
	buf = append(buf, blocks...)

	path := filepath.Join(dir, spec.ID.FileName())
	if err := writeFileDurable(dir, path, buf); err != nil {
		return nil, err
	}

	return OpenFile(dir, spec.ID)
}

// writeFileDurable writes data to path via a temp file in dir, fsyncs
// it, renames it into place, then fsyncs the directory so the rename
// itself survives a crash.
func writeFileDurable(dir, path string, data []byte) error {
	tmpPath := path + ".tmp"

	tmpf, err := os.OpenFile(tmpPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fperrors.ClassifySyscallError(err, "create segment temp file", tmpPath)
	}

	var werr error
	defer func() {
		if werr != nil {
			os.Remove(tmpPath)
		}
	}()

	if _, werr = tmpf.Write(data); werr != nil {
		tmpf.Close()
		return fperrors.ClassifySyscallError(werr, "write segment temp file", tmpPath)
	}
	if werr = tmpf.Sync(); werr != nil {
		tmpf.Close()
		return fperrors.ClassifySyscallError(werr, "sync segment temp file", tmpPath)
	}
	if werr = tmpf.Close(); werr != nil {
		return fperrors.ClassifySyscallError(werr, "close segment temp file", tmpPath)
	}

	if werr = os.Rename(tmpPath, path); werr != nil {
		return fperrors.ClassifySyscallError(werr, "rename segment into place", path)
	}

	d, err := os.Open(dir)
	if err != nil {
		return fperrors.ClassifySyscallError(err, "open segment dir for fsync", dir)
	}
	defer d.Close()

	if err := d.Sync(); err != nil {
		return fperrors.ClassifySyscallError(err, "sync segment dir", dir)
	}

	return nil
}
