// Package engine implements the Index core: the four ordered locks,
// the oplog-backed write path, the multi-version read path, and the
// three background workers that keep the memory and file segment
// tiers checkpointed and merged.
package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"go.uber.org/zap"

	fperrors "github.com/epokhe/fpindex/pkg/errors"
	"github.com/epokhe/fpindex/pkg/options"

	"github.com/epokhe/fpindex/internal/item"
	"github.com/epokhe/fpindex/internal/merge"
	"github.com/epokhe/fpindex/internal/oplog"
	"github.com/epokhe/fpindex/internal/scheduler"
	"github.com/epokhe/fpindex/internal/segment"
	"github.com/epokhe/fpindex/internal/segmentlist"
)

const (
	dataSubdir  = "data"
	oplogSubdir = "oplog"
)

// DocInfo is the result of GetDocInfo: a document's current segment
// version and whether it is live or tombstoned.
type DocInfo struct {
	ID      uint32
	Version uint64
	Deleted bool
}

// Engine is the Index core. Exported for internal/engine tests; the
// public API (fpindex.Index) wraps one.
type Engine struct {
	dataDir  string
	oplogDir string
	opts     options.Options
	log      *zap.SugaredLogger

	// Lock ordering, always acquired in this order:
	// updateLock -> memSegLock -> fileSegLock -> segsLock.
	updateLock  sync.Mutex
	memSegLock  sync.Mutex
	fileSegLock sync.Mutex
	segsLock    sync.RWMutex

	memSegs  *segmentlist.List[*segment.Memory]
	fileSegs *segmentlist.List[*segment.File]

	oplog *oplog.Oplog

	pendingAttrsMu sync.Mutex
	pendingAttrs   map[string]uint64

	sched          *scheduler.Scheduler
	memMergeWake   chan struct{}
	checkpointWake chan struct{}
	fileMergeWake  chan struct{}
	stopping       atomic.Bool
	workersWG      sync.WaitGroup
}

// Open loads dir (creating it if opts.Create) and recovers any
// oplog commits past the last checkpoint, starting the three
// background workers.
func Open(dir string, opts options.Options) (*Engine, error) {
	dataDir := filepath.Join(dir, dataSubdir)
	oplogDir := filepath.Join(dir, oplogSubdir)

	exists := segmentlist.IndexDatExists(dataDir)
	if !exists && !opts.Create {
		return nil, fperrors.New(fperrors.IndexNotFound, fmt.Sprintf("no index.dat under %s", dataDir), nil)
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fperrors.ClassifySyscallError(err, "create data dir", dataDir)
	}
	if !exists {
		if err := segmentlist.WriteIndexDat(dataDir, nil); err != nil {
			return nil, err
		}
	}

	e := &Engine{
		dataDir:        dataDir,
		oplogDir:       oplogDir,
		opts:           opts,
		log:            opts.Logger,
		memSegs:        segmentlist.New[*segment.Memory](nil),
		pendingAttrs:   make(map[string]uint64),
		memMergeWake:   make(chan struct{}, 1),
		checkpointWake: make(chan struct{}, 1),
		fileMergeWake:  make(chan struct{}, 1),
	}
	e.fileSegs = segmentlist.New[*segment.File](func(fs *segment.File) error { return fs.Delete() })

	var fileIDs []segment.ID
	if exists {
		ids, err := segmentlist.ReadIndexDat(dataDir)
		if err != nil {
			return nil, err
		}
		fileIDs = ids
	}

	for _, id := range fileIDs {
		fs, err := segment.OpenFile(dataDir, id)
		if err != nil {
			return nil, err
		}
		e.fileSegs.Append(fs)
	}

	if err := e.cleanOrphanedSegmentFiles(fileIDs); err != nil {
		e.log.Warnw("orphaned segment file cleanup failed", "error", err)
	}

	watermark := e.fileSegs.GetMaxCommitID()

	log, err := oplog.Open(oplogDir, watermark, e)
	if err != nil {
		return nil, err
	}
	e.oplog = log

	e.sched = scheduler.New(opts.SchedulerWorkers)
	e.startWorkers()

	return e, nil
}

// cleanOrphanedSegmentFiles scans dataDir for segment_*.dat files not
// named by index.dat — left behind by a crash between a checkpoint or
// merge writing its segment file and durably updating index.dat — and
// removes them.
func (e *Engine) cleanOrphanedSegmentFiles(liveIDs []segment.ID) error {
	entries, err := os.ReadDir(e.dataDir)
	if err != nil {
		return fperrors.ClassifySyscallError(err, "list data dir", e.dataDir)
	}

	expected := mapset.NewSet[string]()
	for _, id := range liveIDs {
		expected.Add(id.FileName())
	}

	actual := mapset.NewSet[string]()
	for _, ent := range entries {
		name := ent.Name()
		if ent.IsDir() || name == "index.dat" || filepath.Ext(name) != ".dat" {
			continue
		}
		actual.Add(name)
	}

	orphans := actual.Difference(expected)
	var firstErr error
	orphans.Each(func(name string) bool {
		if err := os.Remove(filepath.Join(e.dataDir, name)); err != nil && firstErr == nil {
			firstErr = err
		}
		return false
	})
	return firstErr
}

// pendingUpdate is the Updater.PrepareUpdate result threaded through
// to CommitUpdate/CancelUpdate for one commit.
type pendingUpdate struct {
	mem   *segment.Memory
	attrs map[string]uint64
}

// PrepareUpdate builds (but does not publish) a memory segment from
// changes, and stages any SetAttribute changes. It implements
// oplog.Updater; the oplog serializes calls to it under its own
// write mutex, which plays update_lock's role for SegmentId/commit_id
// assignment ordering.
func (e *Engine) PrepareUpdate(changes []segment.Change) (any, error) {
	attrs := make(map[string]uint64)
	var docChanges []segment.Change
	for _, c := range changes {
		if c.Kind == segment.SetAttribute {
			attrs[c.Name] = c.Value
			continue
		}
		docChanges = append(docChanges, c)
	}

	prevIDs := e.memSegs.GetIds()
	var nextID segment.ID
	if len(prevIDs) == 0 {
		nextID = e.nextIDAfterFileSegments()
	} else {
		nextID = prevIDs[len(prevIDs)-1].Next()
	}

	mem := segment.NewMemory(nextID)
	mem.Build(docChanges, 0)

	return &pendingUpdate{mem: mem, attrs: attrs}, nil
}

// nextIDAfterFileSegments picks the next SegmentId when the memory
// list is empty: continuing after the newest file segment, or
// SegmentId.First if there is none.
func (e *Engine) nextIDAfterFileSegments() segment.ID {
	ids := e.fileSegs.GetIds()
	if len(ids) == 0 {
		return segment.First
	}
	return ids[len(ids)-1].Next()
}

// CommitUpdate publishes pending's memory segment with its final
// commit id, publishes its staged attribute changes, and signals the
// memory-merge worker.
func (e *Engine) CommitUpdate(pending any, commitID uint64) error {
	pu := pending.(*pendingUpdate)
	pu.mem.SetMaxCommitID(commitID)

	e.pendingAttrsMu.Lock()
	for k, v := range pu.attrs {
		e.pendingAttrs[k] = v
	}
	e.pendingAttrsMu.Unlock()

	e.memSegLock.Lock()
	e.segsLock.Lock()
	e.memSegs.Append(pu.mem)
	e.segsLock.Unlock()
	e.memSegLock.Unlock()

	e.wake(e.memMergeWake)
	return nil
}

// CancelUpdate discards a failed pending update; nothing was
// published, so there is nothing to undo.
func (e *Engine) CancelUpdate(pending any) {}

// Update durably appends changes as one commit and makes them visible
// to subsequent searches.
func (e *Engine) Update(changes []segment.Change) error {
	if e.stopping.Load() {
		return fperrors.New(fperrors.NotOpen, "index is closing", nil)
	}

	e.updateLock.Lock()
	defer e.updateLock.Unlock()

	_, err := e.oplog.Write(changes, e)
	return err
}

// Search sorts and deduplicates hashes, takes a consistent snapshot
// of both segment tiers, and returns matches ordered by score desc,
// id asc.
func (e *Engine) Search(hashes []uint32, deadline time.Time) ([]segment.SearchResult, error) {
	if len(hashes) == 0 {
		return nil, fperrors.New(fperrors.InvalidArgument, "search requires at least one hash", nil)
	}

	sorted := item.SortHashes(hashes)

	e.segsLock.RLock()
	fileSnap := e.fileSegs.Acquire()
	memSnap := e.memSegs.Acquire()
	e.segsLock.RUnlock()
	defer fileSnap.Release()
	defer memSnap.Release()

	rs := segment.NewResultSet()
	// file segments' versions are always older than any still-live
	// memory segment's (checkpointing only ever drains the memory
	// list's head), so searching file-then-memory visits segments in
	// increasing version order overall.
	if err := fileSnap.Search(sorted, rs, deadline); err != nil {
		return nil, err
	}
	if err := memSnap.Search(sorted, rs, deadline); err != nil {
		return nil, err
	}

	rs.Finish(func(id uint32, version uint64) bool {
		return fileSnap.HasNewerVersion(id, version) || memSnap.HasNewerVersion(id, version)
	})

	return rs.Sorted(), nil
}

// GetDocInfo reports a document's current segment version and
// liveness, scanning both tiers tail-to-head for its most recent
// entry. Returns nil if the document has never been seen.
func (e *Engine) GetDocInfo(id uint32) *DocInfo {
	e.segsLock.RLock()
	fileSnap := e.fileSegs.Acquire()
	memSnap := e.memSegs.Acquire()
	e.segsLock.RUnlock()
	defer fileSnap.Release()
	defer memSnap.Release()

	memSegsList := memSnap.Segments()
	for i := len(memSegsList) - 1; i >= 0; i-- {
		if live, ok := memSegsList[i].Docs()[id]; ok {
			return &DocInfo{ID: id, Version: memSegsList[i].GetID().Version, Deleted: !live}
		}
	}

	fileSegsList := fileSnap.Segments()
	for i := len(fileSegsList) - 1; i >= 0; i-- {
		if live, ok := fileSegsList[i].Docs()[id]; ok {
			return &DocInfo{ID: id, Version: fileSegsList[i].GetID().Version, Deleted: !live}
		}
	}

	return nil
}

// GetAttributes returns the index-wide attribute map, merging the
// newest file segment's persisted attributes, any pending
// not-yet-checkpointed attribute changes, and the built-in
// min_document_id/max_document_id derived from the live segment
// lists.
func (e *Engine) GetAttributes() map[string]uint64 {
	out := make(map[string]uint64)

	fileSnap := e.fileSegs.Acquire()
	defer fileSnap.Release()

	fileList := fileSnap.Segments()
	if len(fileList) > 0 {
		for k, v := range fileList[len(fileList)-1].Attributes() {
			out[k] = v
		}
	}

	e.pendingAttrsMu.Lock()
	for k, v := range e.pendingAttrs {
		out[k] = v
	}
	e.pendingAttrsMu.Unlock()

	minID, maxID, ok := e.docIDRange()
	if ok {
		out["min_document_id"] = uint64(minID)
		out["max_document_id"] = uint64(maxID)
	}

	return out
}

func (e *Engine) docIDRange() (min, max uint32, ok bool) {
	memSnap := e.memSegs.Acquire()
	defer memSnap.Release()
	fileSnap := e.fileSegs.Acquire()
	defer fileSnap.Release()

	first := true
	consider := func(id uint32) {
		if first || id < min {
			min = id
		}
		if first || id > max {
			max = id
		}
		first = false
	}

	for _, s := range memSnap.Segments() {
		for id, live := range s.Docs() {
			if live {
				consider(id)
			}
		}
	}
	for _, s := range fileSnap.Segments() {
		for id, live := range s.Docs() {
			if live {
				consider(id)
			}
		}
	}

	return min, max, !first
}

// mergeParams projects the engine's options into the tiered merge
// policy's tuning knobs, shared by the memory and file merge workers.
func (e *Engine) mergeParams() merge.PolicyParams {
	return merge.PolicyParams{
		MinSegmentSize:   e.opts.MinSegmentSize,
		MaxSegmentSize:   e.opts.MaxSegmentSize,
		SegmentsPerLevel: e.opts.SegmentsPerLevel,
		SegmentsPerMerge: e.opts.SegmentsPerMerge,
		MaxSegments:      e.opts.MaxSegments,
	}
}

// itemIterator is the lazy sorted-item stream both segment.Memory and
// segment.File expose via their Iterator methods.
type itemIterator interface {
	Next() (item.Item, bool)
}

func drainItems(it itemIterator) []item.Item {
	var out []item.Item
	for {
		i, ok := it.Next()
		if !ok {
			return out
		}
		out = append(out, i)
	}
}

// maybeMergeMemorySegments is the memory-merge worker's step: if the
// memory list is over the tiered merge budget, it coalesces the
// selected window into one replacement segment.
func (e *Engine) maybeMergeMemorySegments() bool {
	memSnap := e.memSegs.Acquire()
	segs := memSnap.Segments()
	if len(segs) < 2 {
		memSnap.Release()
		return false
	}

	sizes := make([]int, len(segs))
	skip := make([]bool, len(segs))
	for i, s := range segs {
		sizes[i] = s.Size()
		skip[i] = s.Frozen() // already claimed by the checkpoint worker
	}

	cand, ok := merge.SelectMerge(sizes, skip, e.mergeParams())
	if !ok {
		memSnap.Release()
		return false
	}

	window := segs[cand.Start:cand.End]
	sources := make([]merge.Source, len(window))
	for i, s := range window {
		sources[i] = merge.Source{ID: s.GetID(), MaxCommitID: s.MaxCommitID(), Docs: s.Docs(), Items: s.Iterator()}
	}

	fileSnap := e.fileSegs.Acquire()
	result := merge.Merge(sources, fileSnap.HasNewerVersion)
	fileSnap.Release()
	memSnap.Release()

	merged := segment.NewMemoryFromItems(result.ID, result.Items, result.Docs, result.MaxCommitID)

	e.memSegLock.Lock()
	e.segsLock.Lock()
	err := e.memSegs.ReplaceRange(cand.Start, cand.End, merged)
	e.segsLock.Unlock()
	e.memSegLock.Unlock()
	if err != nil {
		e.log.Warnw("releasing merged-away memory segments", "error", err)
	}

	if merged.Size() >= e.opts.MinSegmentSize {
		e.wake(e.checkpointWake)
	}

	return true
}

// doCheckpoint is the checkpoint worker's step: it freezes the oldest
// memory segment once it's large enough, writes it out as a new file
// segment, and retires it from the memory tier.
func (e *Engine) doCheckpoint() bool {
	memSnap := e.memSegs.Acquire()
	segs := memSnap.Segments()
	if len(segs) == 0 {
		memSnap.Release()
		return false
	}

	head := segs[0]
	if head.Size() < e.opts.MinSegmentSize {
		memSnap.Release()
		return false
	}
	head.Freeze()
	memSnap.Release()

	items := drainItems(head.Iterator())

	fileSnap := e.fileSegs.Acquire()
	var prevAttrs map[string]uint64
	if fl := fileSnap.Segments(); len(fl) > 0 {
		prevAttrs = fl[len(fl)-1].Attributes()
	}
	fileSnap.Release()

	e.pendingAttrsMu.Lock()
	newAttrs := make(map[string]uint64, len(prevAttrs)+len(e.pendingAttrs))
	for k, v := range prevAttrs {
		newAttrs[k] = v
	}
	for k, v := range e.pendingAttrs {
		newAttrs[k] = v
	}
	e.pendingAttrs = make(map[string]uint64)
	e.pendingAttrsMu.Unlock()

	fs, err := segment.WriteFile(e.dataDir, segment.WriteSpec{
		ID:          head.GetID(),
		Items:       items,
		Docs:        head.Docs(),
		Attributes:  newAttrs,
		MaxCommitID: head.MaxCommitID(),
		BlockSize:   e.opts.BlockSize,
	})
	if err != nil {
		e.log.Errorw("checkpoint build failed", "error", err)
		return false
	}

	e.fileSegLock.Lock()
	newIDs := append(e.fileSegs.GetIds(), fs.GetID())
	werr := segmentlist.WriteIndexDat(e.dataDir, newIDs)
	e.fileSegLock.Unlock()
	if werr != nil {
		fs.Delete()
		e.log.Errorw("checkpoint index.dat write failed", "error", werr)
		return false
	}

	e.memSegLock.Lock()
	e.segsLock.Lock()
	e.fileSegs.Append(fs)
	if err := e.memSegs.ReplaceRange(0, 1); err != nil {
		e.log.Warnw("releasing checkpointed memory segment", "error", err)
	}
	e.segsLock.Unlock()
	e.memSegLock.Unlock()

	if err := e.oplog.Truncate(fs.MaxCommitID()); err != nil {
		e.log.Warnw("oplog truncate after checkpoint failed", "error", err)
	}

	e.wake(e.fileMergeWake)
	return true
}

// maybeMergeFileSegments is the file-merge worker's step: the build
// runs outside any lock since file segments are append-only under
// file_segments_lock and can't disappear mid-build.
func (e *Engine) maybeMergeFileSegments() bool {
	e.segsLock.RLock()
	fileSnap := e.fileSegs.Acquire()
	e.segsLock.RUnlock()

	segs := fileSnap.Segments()
	if len(segs) < 2 {
		fileSnap.Release()
		return false
	}

	sizes := make([]int, len(segs))
	skip := make([]bool, len(segs))
	for i, s := range segs {
		sizes[i] = s.Size()
	}

	cand, ok := merge.SelectMerge(sizes, skip, e.mergeParams())
	if !ok {
		fileSnap.Release()
		return false
	}

	window := segs[cand.Start:cand.End]
	newID := segment.Merge(window[0].GetID(), window[len(window)-1].GetID())

	sources := make([]merge.Source, len(window))
	for i, s := range window {
		sources[i] = merge.Source{ID: s.GetID(), MaxCommitID: s.MaxCommitID(), Docs: s.Docs(), Attributes: s.Attributes(), Items: s.Iterator()}
	}

	hasNewer := func(docID uint32, version uint64) bool {
		for i := cand.End; i < len(segs); i++ {
			if segs[i].GetID().Version <= version {
				continue
			}
			if _, ok := segs[i].Docs()[docID]; ok {
				return true
			}
		}
		return false
	}

	result := merge.Merge(sources, hasNewer)
	fileSnap.Release()

	mergedFile, err := segment.WriteFile(e.dataDir, segment.WriteSpec{
		ID:          newID,
		Items:       result.Items,
		Docs:        result.Docs,
		Attributes:  result.Attributes,
		MaxCommitID: result.MaxCommitID,
		BlockSize:   e.opts.BlockSize,
	})
	if err != nil {
		e.log.Errorw("file merge build failed", "error", err)
		return false
	}

	e.fileSegLock.Lock()
	ids := e.fileSegs.GetIds()
	newIDs := make([]segment.ID, 0, len(ids)-len(window)+1)
	newIDs = append(newIDs, ids[:cand.Start]...)
	newIDs = append(newIDs, mergedFile.GetID())
	newIDs = append(newIDs, ids[cand.End:]...)
	werr := segmentlist.WriteIndexDat(e.dataDir, newIDs)
	e.fileSegLock.Unlock()
	if werr != nil {
		mergedFile.Delete()
		e.log.Errorw("file merge index.dat write failed", "error", werr)
		return false
	}

	e.segsLock.Lock()
	replaceErr := e.fileSegs.ReplaceRange(cand.Start, cand.End, mergedFile)
	e.segsLock.Unlock()
	if replaceErr != nil {
		e.log.Warnw("releasing merged-away file segments", "error", replaceErr)
	}

	return true
}

// startWorkers launches the three background step loops, each with
// the same idle loop (call step; if did_work loop; else wait on its
// wake channel with a 1-minute timeout, check stopping, repeat), and
// schedules a 1-minute repeating nudge of each via the Scheduler as
// the timer-driven fallback to that event-driven signalling.
func (e *Engine) startWorkers() {
	e.workersWG.Add(3)
	go e.runWorker(e.maybeMergeMemorySegments, e.memMergeWake)
	go e.runWorker(e.doCheckpoint, e.checkpointWake)
	go e.runWorker(e.maybeMergeFileSegments, e.fileMergeWake)

	e.sched.Schedule(func(ctx context.Context) { e.wake(e.memMergeWake) },
		scheduler.ScheduleOptions{In: time.Minute, Repeat: time.Minute, Strand: "memory-merge"})
	e.sched.Schedule(func(ctx context.Context) { e.wake(e.checkpointWake) },
		scheduler.ScheduleOptions{In: time.Minute, Repeat: time.Minute, Strand: "checkpoint"})
	e.sched.Schedule(func(ctx context.Context) { e.wake(e.fileMergeWake) },
		scheduler.ScheduleOptions{In: time.Minute, Repeat: time.Minute, Strand: "file-merge"})
}

func (e *Engine) runWorker(step func() bool, wakeCh chan struct{}) {
	defer e.workersWG.Done()
	for {
		if e.stopping.Load() {
			return
		}
		if step() {
			continue
		}
		select {
		case <-wakeCh:
		case <-time.After(time.Minute):
		}
		if e.stopping.Load() {
			return
		}
	}
}

// Close quiesces the background workers and flushes the oplog. It
// does not force a final checkpoint; any un-checkpointed memory
// segments are recovered from the oplog on next Open.
func (e *Engine) Close() error {
	if !e.stopping.CompareAndSwap(false, true) {
		return fperrors.New(fperrors.NotOpen, "index already closed", nil)
	}

	e.wake(e.memMergeWake)
	e.wake(e.checkpointWake)
	e.wake(e.fileMergeWake)
	e.workersWG.Wait()

	e.sched.Stop()

	return e.oplog.Close()
}

// wake signals a worker's event channel without blocking if it's
// already pending.
func (e *Engine) wake(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
