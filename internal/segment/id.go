package segment

import (
	"fmt"
	"strconv"
	"strings"
)

// ID identifies a segment's position in the merge lineage. A segment
// produced by a single commit has IncludedMerges == 0; merging the
// contiguous run [A..B] produces IncludedMerges that spans both
// endpoints.
type ID struct {
	Version        uint64
	IncludedMerges uint64
}

// First is the id assigned to the very first segment an index ever
// creates.
var First = ID{Version: 1, IncludedMerges: 0}

// End returns the exclusive upper bound of the version range this id
// covers: [Version, End).
func (id ID) End() uint64 {
	return id.Version + id.IncludedMerges + 1
}

// Next returns the id the following single-commit segment must take.
func (id ID) Next() ID {
	return ID{Version: id.End(), IncludedMerges: 0}
}

// Merge computes the id of a segment produced by merging the
// contiguous run from first to last (inclusive), in list order.
func Merge(first, last ID) ID {
	return ID{
		Version:        first.Version,
		IncludedMerges: (last.Version + last.IncludedMerges) - first.Version,
	}
}

// Contains reports whether child's version range is fully covered by
// id's version range.
func (id ID) Contains(child ID) bool {
	return child.Version >= id.Version && child.Version+child.IncludedMerges <= id.Version+id.IncludedMerges
}

// FileName returns the on-disk filename for a file segment with this
// id, zero-padded so lexical and numeric ordering agree.
func (id ID) FileName() string {
	return fmt.Sprintf("segment_%020d_%020d.dat", id.Version, id.IncludedMerges)
}

func (id ID) String() string {
	return fmt.Sprintf("%d+%d", id.Version, id.IncludedMerges)
}

// ParseFileName parses a filename produced by FileName back into an
// ID. It returns false if name doesn't match the expected shape.
func ParseFileName(name string) (ID, bool) {
	name = strings.TrimSuffix(name, ".dat")
	if !strings.HasPrefix(name, "segment_") {
		return ID{}, false
	}
	parts := strings.Split(strings.TrimPrefix(name, "segment_"), "_")
	if len(parts) != 2 {
		return ID{}, false
	}

	version, err := strconv.ParseUint(parts[0], 10, 64)
	if err != nil {
		return ID{}, false
	}
	merges, err := strconv.ParseUint(parts[1], 10, 64)
	if err != nil {
		return ID{}, false
	}

	return ID{Version: version, IncludedMerges: merges}, true
}
