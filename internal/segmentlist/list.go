// Package segmentlist implements the copy-on-write segment list spec
// §4.4: an immutable ordered array of reference-counted handles where
// every mutation clones the array and atomically swaps it in, so
// readers holding an older snapshot stay valid for its lifetime.
package segmentlist

import (
	"sync/atomic"
	"time"

	"github.com/epokhe/fpindex/internal/segment"
)

// Segment is the subset of MemorySegment/FileSegment behavior the
// list needs to search and reason about versions.
type Segment interface {
	GetID() segment.ID
	MaxCommitID() uint64
	Docs() map[uint32]bool
	Size() int
	Search(sortedHashes []uint32, rs *segment.ResultSet, deadline time.Time) error
}

// handle wraps a segment with a reference count: one reference is
// held by the list itself (released when a mutation drops the
// element), plus one per outstanding Snapshot. The element's Closer
// runs once the count reaches zero, i.e. once it's both unlisted and
// unread.
type handle[T Segment] struct {
	seg    T
	refs   int32
	closer func(T) error
}

func newHandle[T Segment](seg T, closer func(T) error) *handle[T] {
	return &handle[T]{seg: seg, refs: 1, closer: closer}
}

func (h *handle[T]) acquire() { atomic.AddInt32(&h.refs, 1) }

func (h *handle[T]) release() error {
	if atomic.AddInt32(&h.refs, -1) == 0 && h.closer != nil {
		return h.closer(h.seg)
	}
	return nil
}

// List is a copy-on-write ordered segment array. The zero value is
// not usable; construct with New.
type List[T Segment] struct {
	ptr    atomic.Pointer[[]*handle[T]]
	closer func(T) error
}

// New returns an empty list. closer is invoked (e.g. to unmap+unlink
// a FileSegment) once a removed element's last reference is released;
// pass nil for segment types needing no release action.
func New[T Segment](closer func(T) error) *List[T] {
	l := &List[T]{closer: closer}
	empty := []*handle[T]{}
	l.ptr.Store(&empty)
	return l
}

func (l *List[T]) load() []*handle[T] { return *l.ptr.Load() }

// Append publishes seg as the new tail element.
func (l *List[T]) Append(seg T) {
	old := l.load()
	next := make([]*handle[T], len(old)+1)
	copy(next, old)
	next[len(old)] = newHandle(seg, l.closer)
	l.ptr.Store(&next)
}

// ReplaceRange atomically swaps out the half-open range [start, end)
// for the segments in replacements, preserving order. The replaced
// handles' list-owned reference is released, running their closer
// once no outstanding Snapshot still holds them.
func (l *List[T]) ReplaceRange(start, end int, replacements ...T) error {
	old := l.load()

	next := make([]*handle[T], 0, len(old)-(end-start)+len(replacements))
	next = append(next, old[:start]...)
	for _, r := range replacements {
		next = append(next, newHandle(r, l.closer))
	}
	next = append(next, old[end:]...)
	l.ptr.Store(&next)

	var firstErr error
	for _, h := range old[start:end] {
		if err := h.release(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Count returns the number of segments currently published.
func (l *List[T]) Count() int { return len(l.load()) }

// GetIds returns the lineage id of every published segment, in order.
func (l *List[T]) GetIds() []segment.ID {
	cur := l.load()
	ids := make([]segment.ID, len(cur))
	for i, h := range cur {
		ids[i] = h.seg.GetID()
	}
	return ids
}

// GetMaxCommitID returns the highest MaxCommitID across all published
// segments, or 0 for an empty list.
func (l *List[T]) GetMaxCommitID() uint64 {
	var max uint64
	for _, h := range l.load() {
		if v := h.seg.MaxCommitID(); v > max {
			max = v
		}
	}
	return max
}

// Snapshot is a reference-holding view of the list's segments at the
// moment Acquire was called; it stays valid (backing files kept open)
// until Release, even across concurrent mutations of the live list.
type Snapshot[T Segment] struct {
	handles []*handle[T]
}

// Acquire takes out a reference on every currently published segment
// and returns a Snapshot that keeps them alive until Release.
func (l *List[T]) Acquire() *Snapshot[T] {
	cur := l.load()
	for _, h := range cur {
		h.acquire()
	}
	return &Snapshot[T]{handles: cur}
}

// Search traverses the snapshot's segments in order, accumulating
// per-id best-version scores into rs. Segments are visited
// oldest-to-newest so ResultSet.UpsertMatch's "higher version
// supersedes" rule behaves as "last write wins". Operating on the
// snapshot rather than the live list means a concurrent merge or
// checkpoint can't mutate the segments out from under a search in
// progress.
func (s *Snapshot[T]) Search(sortedHashes []uint32, rs *segment.ResultSet, deadline time.Time) error {
	for _, h := range s.handles {
		if err := h.seg.Search(sortedHashes, rs, deadline); err != nil {
			return err
		}
	}
	return nil
}

// HasNewerVersion scans from the tail while a segment's version
// exceeds version, reporting whether any such segment's docs map
// contains docID (live overwrite or tombstone either way shadow an
// older match).
func (s *Snapshot[T]) HasNewerVersion(docID uint32, version uint64) bool {
	for i := len(s.handles) - 1; i >= 0; i-- {
		h := s.handles[i]
		if h.seg.GetID().Version <= version {
			break
		}
		if _, ok := h.seg.Docs()[docID]; ok {
			return true
		}
	}
	return false
}

// Release drops the snapshot's references, running any now-orphaned
// segment's closer.
func (s *Snapshot[T]) Release() error {
	var firstErr error
	for _, h := range s.handles {
		if err := h.release(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Segments returns the snapshot's segments in list order.
func (s *Snapshot[T]) Segments() []T {
	out := make([]T, len(s.handles))
	for i, h := range s.handles {
		out[i] = h.seg
	}
	return out
}

// Len returns the number of segments in the snapshot.
func (s *Snapshot[T]) Len() int { return len(s.handles) }
