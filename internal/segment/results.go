package segment

import "sort"

// SearchResult is one row of a search response: the matched document,
// its co-occurrence score, and the version of the segment the score
// was computed against.
type SearchResult struct {
	ID      uint32
	Score   int
	Version uint64
}

type resultEntry struct {
	score   int
	version uint64
}

// ResultSet aggregates per-document scores across a search's segment
// traversal. Callers must feed segments in increasing-version order
// (the natural head-to-tail order of a SegmentList) so that
// UpsertMatch's "newer version wins" rule degenerates to "the last
// write for this id wins".
type ResultSet struct {
	best map[uint32]*resultEntry
}

// NewResultSet returns an empty ResultSet.
func NewResultSet() *ResultSet {
	return &ResultSet{best: make(map[uint32]*resultEntry)}
}

// UpsertMatch records that a query hash matched id in a segment with
// the given version. A segment with a higher version than what's
// currently recorded entirely supersedes the prior score (the old
// segment's matches no longer reflect the document's current
// contents); a match at the same version accumulates.
func (rs *ResultSet) UpsertMatch(id uint32, version uint64) {
	e, ok := rs.best[id]
	if !ok {
		rs.best[id] = &resultEntry{score: 1, version: version}
		return
	}

	switch {
	case version > e.version:
		e.score = 1
		e.version = version
	case version == e.version:
		e.score++
		// version < e.version: a result from an older segment arrived
		// after a newer one; ignore it.
	}
}

// Finish applies deletion/overwrite shadowing: for every aggregated
// result, hasNewerVersion reports whether some segment newer than the
// result's version carries this document id in its docs map (as
// either a live overwrite with different hashes, or a tombstone).
// Either way the result's current score no longer reflects the
// document's live contents, so it is zeroed and dropped.
func (rs *ResultSet) Finish(hasNewerVersion func(id uint32, version uint64) bool) {
	for id, e := range rs.best {
		if hasNewerVersion(id, e.version) {
			e.score = 0
		}
	}
}

// Sorted returns the non-zero-score results ordered by score desc, id
// asc.
func (rs *ResultSet) Sorted() []SearchResult {
	out := make([]SearchResult, 0, len(rs.best))
	for id, e := range rs.best {
		if e.score <= 0 {
			continue
		}
		out = append(out, SearchResult{ID: id, Score: e.score, Version: e.version})
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].ID < out[j].ID
	})

	return out
}
