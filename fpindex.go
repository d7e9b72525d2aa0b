// Package fpindex is an embedded audio-fingerprint posting index: a
// two-tier log-structured segment engine (write-ahead oplog, memory
// segments, mmap-backed file segments) exposing insert/delete/search
// over per-document hash sets. See internal/engine for the core.
package fpindex

import (
	"time"

	"github.com/epokhe/fpindex/internal/engine"
	"github.com/epokhe/fpindex/internal/segment"
	"github.com/epokhe/fpindex/pkg/options"
)

// Change is one entry of an Update batch: insert/overwrite a
// document's hash set, tombstone a document, or set an index-wide
// attribute.
type Change = segment.Change

// NewInsert builds a Change that replaces (or creates) id's hash set.
func NewInsert(id uint32, hashes []uint32) Change { return segment.NewInsert(id, hashes) }

// NewDelete builds a Change that tombstones id.
func NewDelete(id uint32) Change { return segment.NewDelete(id) }

// NewSetAttribute builds a Change that records an index-wide
// key -> u64 attribute, applied at the next checkpoint.
func NewSetAttribute(name string, value uint64) Change { return segment.NewSetAttribute(name, value) }

// SearchResult is one row of a Search response.
type SearchResult = segment.SearchResult

// DocInfo is the result of GetDocInfo.
type DocInfo = engine.DocInfo

// Option configures Open; see pkg/options for the full set
// (WithCreate, WithMinSegmentSize, WithMaxSegmentSize,
// WithSegmentsPerLevel, WithSegmentsPerMerge, WithMaxSegments,
// WithBlockSize, WithSchedulerWorkers, WithLogger).
type Option = options.Option

// Index is an open fingerprint index rooted at one directory.
type Index struct {
	e *engine.Engine
}

// Open loads dir, or initializes a fresh index there if WithCreate(true)
// is among opts and dir has no index.dat yet. Fails with IndexNotFound
// otherwise.
func Open(dir string, opts ...Option) (*Index, error) {
	e, err := engine.Open(dir, options.Apply(opts...))
	if err != nil {
		return nil, err
	}
	return &Index{e: e}, nil
}

// Update durably appends changes as one commit, returning after it is
// on disk and visible to subsequent searches.
func (idx *Index) Update(changes []Change) error {
	return idx.e.Update(changes)
}

// Search returns documents matching any of hashes, scored by
// co-occurrence count, ordered by score desc then id asc. A zero
// deadline means no timeout.
func (idx *Index) Search(hashes []uint32, deadline time.Time) ([]SearchResult, error) {
	return idx.e.Search(hashes, deadline)
}

// GetDocInfo reports a document's current segment version and
// liveness, or nil if the id has never been seen.
func (idx *Index) GetDocInfo(id uint32) *DocInfo {
	return idx.e.GetDocInfo(id)
}

// GetAttributes returns the index-wide attribute map, including the
// built-in min_document_id/max_document_id.
func (idx *Index) GetAttributes() map[string]uint64 {
	return idx.e.GetAttributes()
}

// Close quiesces background workers and flushes the oplog.
func (idx *Index) Close() error {
	return idx.e.Close()
}
