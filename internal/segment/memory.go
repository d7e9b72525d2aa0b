package segment

import (
	"time"

	fperrors "github.com/epokhe/fpindex/pkg/errors"

	"github.com/epokhe/fpindex/internal/item"
)

// Memory is an in-memory posting buffer built from one commit's worth
// of Change records. It is mutable only during Build; once published
// to a SegmentList it is read-only until a checkpoint freezes it for
// removal.
type Memory struct {
	id          ID
	maxCommitID uint64
	docs        map[uint32]bool // true = live, false = tombstone
	items       []item.Item     // sorted by (hash, id) after Build

	frozen bool // one-way transition set by the checkpoint worker
}

// NewMemory allocates an empty Memory segment with the given id. Call
// Build before publishing it.
func NewMemory(id ID) *Memory {
	return &Memory{id: id, docs: make(map[uint32]bool)}
}

// Build populates the segment from a commit's doc-level changes
// (SetAttribute changes are not segment-level state; Build skips
// any it is given).
//
// Changes are processed in reverse so that only the final state of
// each id survives: once an id has been seen, further changes for it
// earlier in the batch are ignored. This implements "last write in
// the batch wins" without a second pass.
func (m *Memory) Build(changes []Change, maxCommitID uint64) {
	m.maxCommitID = maxCommitID
	seen := make(map[uint32]bool, len(changes))

	for i := len(changes) - 1; i >= 0; i-- {
		c := changes[i]
		if c.Kind == SetAttribute {
			continue
		}
		if seen[c.ID] {
			continue
		}
		seen[c.ID] = true

		switch c.Kind {
		case Insert:
			m.docs[c.ID] = true
			for _, h := range c.Hashes {
				m.items = append(m.items, item.Item{Hash: h, ID: c.ID})
			}
		case Delete:
			m.docs[c.ID] = false
		}
	}

	item.Sort(m.items)
}

// NewMemoryFromItems builds an already-populated Memory segment
// directly from merge output, bypassing Build: the merger has already
// produced sorted items and a resolved docs map, so there is no
// change batch left to process.
func NewMemoryFromItems(id ID, items []item.Item, docs map[uint32]bool, maxCommitID uint64) *Memory {
	return &Memory{id: id, items: items, docs: docs, maxCommitID: maxCommitID}
}

// SetMaxCommitID stamps the oplog watermark this segment covers. The
// engine's three-phase update protocol builds a segment before the
// real commit id is assigned, so this is set separately once the
// oplog has durably recorded the commit.
func (m *Memory) SetMaxCommitID(id uint64) { m.maxCommitID = id }

// GetID returns the segment's lineage id.
func (m *Memory) GetID() ID { return m.id }

// MaxCommitID returns the oplog watermark this segment covers.
func (m *Memory) MaxCommitID() uint64 { return m.maxCommitID }

// Docs returns the segment's doc-id -> live/tombstone map.
func (m *Memory) Docs() map[uint32]bool { return m.docs }

// Size returns the number of (hash,id) postings held.
func (m *Memory) Size() int { return len(m.items) }

// Frozen reports whether the checkpoint worker has claimed this
// segment for promotion to disk.
func (m *Memory) Frozen() bool { return m.frozen }

// Freeze performs the one-way Live -> Frozen transition. Only the
// checkpoint worker should call this.
func (m *Memory) Freeze() { m.frozen = true }

// Search scans the sorted item buffer for each query hash (also
// sorted), resuming the scan cursor between hashes since both sides
// are sorted ascending.
func (m *Memory) Search(sortedHashes []uint32, rs *ResultSet, deadline time.Time) error {
	cursor := 0
	for _, h := range sortedHashes {
		if !deadline.IsZero() && time.Now().After(deadline) {
			return fperrors.New(fperrors.Timeout, "search deadline exceeded", nil)
		}

		// advance cursor to the first item with Hash >= h
		for cursor < len(m.items) && m.items[cursor].Hash < h {
			cursor++
		}

		for i := cursor; i < len(m.items) && m.items[i].Hash == h; i++ {
			rs.UpsertMatch(m.items[i].ID, m.id.Version)
		}
	}
	return nil
}

// Iterator returns a forward iterator over the segment's sorted
// items, used by the N-way merger.
func (m *Memory) Iterator() *SliceIterator {
	return &SliceIterator{items: m.items}
}

// SliceIterator walks an in-memory sorted item slice; it backs both
// Memory's merge input and unit tests for the merger.
type SliceIterator struct {
	items []item.Item
	pos   int
}

// Next returns the next item and true, or the zero item and false
// when exhausted.
func (s *SliceIterator) Next() (item.Item, bool) {
	if s.pos >= len(s.items) {
		return item.Item{}, false
	}
	it := s.items[s.pos]
	s.pos++
	return it, true
}
