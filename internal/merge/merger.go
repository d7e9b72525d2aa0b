// Package merge implements an N-way streaming segment merger and the
// tiered merge policy that decides when to run it.
package merge

import (
	"github.com/epokhe/fpindex/internal/item"
	"github.com/epokhe/fpindex/internal/segment"
)

// ItemIterator is the lazy sorted-item stream a merge source exposes;
// both segment.Memory and segment.File satisfy it via their Iterator
// methods.
type ItemIterator interface {
	Next() (item.Item, bool)
}

// Source is one input to a merge: a lazy item stream plus the
// metadata needed to compute output attributes, docs and shadowing.
type Source struct {
	ID          segment.ID
	MaxCommitID uint64
	Docs        map[uint32]bool
	Attributes  map[string]uint64
	Items       ItemIterator
}

// Result is the merged output: the sorted item stream to hand to a
// segment writer, plus the aggregated output metadata.
type Result struct {
	ID          segment.ID
	MaxCommitID uint64
	Docs        map[uint32]bool
	Attributes  map[string]uint64
	Items       []item.Item
}

// Merge combines sources (given in ascending-version order) into a
// single sorted Result.
//
// hasNewerVersion reports whether some segment outside the merge
// window, newer than the given version, carries docID in its docs map
// — either a live overwrite or a tombstone. Either way any item for
// that doc-id coming out of this merge would be stale, so it is
// suppressed.
func Merge(sources []Source, hasNewerVersion func(docID uint32, version uint64) bool) Result {
	if len(sources) == 0 {
		return Result{}
	}

	res := Result{
		ID:         segment.Merge(sources[0].ID, sources[len(sources)-1].ID),
		Docs:       make(map[uint32]bool),
		Attributes: make(map[string]uint64),
	}

	// attributes: later source (by position, i.e. by version since
	// sources are ascending) wins outright.
	for _, src := range sources {
		for k, v := range src.Attributes {
			res.Attributes[k] = v
		}
		if src.MaxCommitID > res.MaxCommitID {
			res.MaxCommitID = src.MaxCommitID
		}
	}

	// docs: keep an id's entry only if no later segment (in or out of
	// the merge window) also names it — within the window the newest
	// source naming an id decides its entry, live or tombstone, since
	// sources are visited oldest-first.
	newestSrc := make(map[uint32]int)
	for i, src := range sources {
		for id, live := range src.Docs {
			res.Docs[id] = live
			newestSrc[id] = i
		}
	}
	for id, version := range maxVersionPerDoc(sources) {
		if hasNewerVersion(id, version) {
			delete(res.Docs, id)
		}
	}

	// tombstone/shadow suppression: an item survives only if its doc
	// is currently live in res.Docs (i.e. not deleted within the
	// window and not shadowed from outside it) and it comes from the
	// newest source in the window naming that doc.
	heapItems := make([]struct {
		it   item.Item
		from int
	}, 0, len(sources))
	cursors := make([]ItemIterator, len(sources))
	for i, src := range sources {
		cursors[i] = src.Items
		if it, ok := cursors[i].Next(); ok {
			heapItems = append(heapItems, struct {
				it   item.Item
				from int
			}{it, i})
		}
	}

	for len(heapItems) > 0 {
		minIdx := 0
		for i := 1; i < len(heapItems); i++ {
			if item.Less(heapItems[i].it, heapItems[minIdx].it) {
				minIdx = i
			}
		}

		h := heapItems[minIdx]
		if res.Docs[h.it.ID] && newestSrc[h.it.ID] == h.from {
			res.Items = append(res.Items, h.it)
		}

		if next, ok := cursors[h.from].Next(); ok {
			heapItems[minIdx] = struct {
				it   item.Item
				from int
			}{next, h.from}
		} else {
			heapItems[minIdx] = heapItems[len(heapItems)-1]
			heapItems = heapItems[:len(heapItems)-1]
		}
	}

	return res
}

// maxVersionPerDoc returns, for every doc-id touched by sources, the
// highest segment version among those sources — the version to
// consult hasNewerVersion against.
func maxVersionPerDoc(sources []Source) map[uint32]uint64 {
	out := make(map[uint32]uint64)
	for _, src := range sources {
		for id := range src.Docs {
			if v := src.ID.Version; v > out[id] {
				out[id] = v
			}
		}
	}
	return out
}
