// Package item defines the (hash, id) posting pair that every segment
// tier stores, and the ordering every codec, merger and search path
// relies on.
package item

import "sort"

// Item is a single (hash, id) posting. Items are ordered lexically by
// (Hash, ID) everywhere in fpindex: within a memory segment's sorted
// buffer, within a file segment's blocks, and in merger output.
type Item struct {
	Hash uint32
	ID   uint32
}

// Less reports whether a sorts before b under (Hash, ID) lexical
// order.
func Less(a, b Item) bool {
	if a.Hash != b.Hash {
		return a.Hash < b.Hash
	}
	return a.ID < b.ID
}

// Sort sorts items in place by (Hash, ID).
func Sort(items []Item) {
	sort.Slice(items, func(i, j int) bool { return Less(items[i], items[j]) })
}

// SortHashes returns a sorted, deduplicated copy of a query hash
// list, leaving the input slice unchanged. Search treats a query hash
// appearing more than once as contributing once to the score, per the
// "duplicates yield identical per-hash contribution" boundary
// behaviour.
func SortHashes(hashes []uint32) []uint32 {
	cp := append([]uint32(nil), hashes...)
	sort.Slice(cp, func(i, j int) bool { return cp[i] < cp[j] })

	out := cp[:0]
	var prev uint32
	havePrev := false
	for _, h := range cp {
		if havePrev && h == prev {
			continue
		}
		out = append(out, h)
		prev = h
		havePrev = true
	}
	return out
}

// LowerBound returns the index of the first item in items (sorted by
// Less) whose Hash is >= hash.
func LowerBound(items []Item, hash uint32) int {
	return sort.Search(len(items), func(i int) bool { return items[i].Hash >= hash })
}
