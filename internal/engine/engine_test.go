package engine

import (
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/epokhe/fpindex/internal/segment"
	"github.com/epokhe/fpindex/pkg/options"
)

func openTest(t *testing.T, dir string, opts ...options.Option) *Engine {
	t.Helper()
	all := append([]options.Option{options.WithCreate(true)}, opts...)
	e, err := Open(dir, options.Apply(all...))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return e
}

func mustUpdate(t *testing.T, e *Engine, changes ...segment.Change) {
	t.Helper()
	if err := e.Update(changes); err != nil {
		t.Fatalf("Update: %v", err)
	}
}

func scoresOf(results []segment.SearchResult) map[uint32]int {
	out := make(map[uint32]int, len(results))
	for _, r := range results {
		out[r.ID] = r.Score
	}
	return out
}

func TestBasicRecall(t *testing.T) {
	e := openTest(t, t.TempDir())
	defer e.Close()

	mustUpdate(t, e, segment.NewInsert(1, []uint32{1, 2, 3}))

	got, err := e.Search([]uint32{1, 2, 3}, time.Time{})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(got) != 1 || got[0].ID != 1 || got[0].Score != 3 {
		t.Fatalf("expected [(id=1,score=3)], got %+v", got)
	}
}

func TestPartialOverwrite(t *testing.T) {
	e := openTest(t, t.TempDir())
	defer e.Close()

	mustUpdate(t, e, segment.NewInsert(1, []uint32{1, 2, 3}))
	mustUpdate(t, e, segment.NewInsert(1, []uint32{1, 2, 4}))

	got, err := e.Search([]uint32{1, 2, 3}, time.Time{})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(got) != 1 || got[0].ID != 1 || got[0].Score != 2 {
		t.Fatalf("expected [(id=1,score=2)], got %+v", got)
	}
}

func TestFullOverwrite(t *testing.T) {
	e := openTest(t, t.TempDir())
	defer e.Close()

	mustUpdate(t, e, segment.NewInsert(1, []uint32{1, 2, 3}))
	mustUpdate(t, e, segment.NewInsert(1, []uint32{100, 200, 300}))

	got, err := e.Search([]uint32{1, 2, 3}, time.Time{})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected no results, got %+v", got)
	}
}

func TestDelete(t *testing.T) {
	e := openTest(t, t.TempDir())
	defer e.Close()

	mustUpdate(t, e, segment.NewInsert(1, []uint32{1, 2, 3}))
	mustUpdate(t, e, segment.NewDelete(1))

	got, err := e.Search([]uint32{1, 2, 3}, time.Time{})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected no results after delete, got %+v", got)
	}
}

func TestPersistenceAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	e := openTest(t, dir)

	rng := rand.New(rand.NewSource(1))
	fingerprints := make([][]uint32, 100)
	for i := range fingerprints {
		hashes := make([]uint32, 20)
		for j := range hashes {
			hashes[j] = rng.Uint32()
		}
		fingerprints[i] = hashes
		mustUpdate(t, e, segment.NewInsert(uint32(i), hashes))
	}

	if err := e.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened := openTest(t, dir, options.WithCreate(false))
	defer reopened.Close()

	for i, hashes := range fingerprints {
		got, err := reopened.Search(hashes, time.Time{})
		if err != nil {
			t.Fatalf("Search after reopen: %v", err)
		}
		if len(got) != 1 || got[0].ID != uint32(i) || got[0].Score != len(hashes) {
			t.Fatalf("fingerprint %d: expected single match score %d, got %+v", i, len(hashes), got)
		}
	}
}

func TestMergeInvarianceAtScale(t *testing.T) {
	if testing.Short() {
		t.Skip("scale test skipped in -short mode")
	}

	dir := t.TempDir()
	e := openTest(t, dir,
		options.WithMinSegmentSize(64),
		options.WithMaxSegmentSize(4096),
		options.WithSegmentsPerMerge(4),
		options.WithSegmentsPerLevel(2),
	)
	defer e.Close()

	const n = 2000
	rng := rand.New(rand.NewSource(7))
	fingerprints := make([][]uint32, n)
	for i := 0; i < n; i++ {
		hashes := make([]uint32, 8)
		for j := range hashes {
			hashes[j] = rng.Uint32()
		}
		fingerprints[i] = hashes
		mustUpdate(t, e, segment.NewInsert(uint32(i), hashes))
	}

	deadline := time.Now().Add(10 * time.Second)
	for !e.doCheckpoint() && time.Now().Before(deadline) {
		e.maybeMergeMemorySegments()
	}
	for e.doCheckpoint() {
	}
	for e.maybeMergeFileSegments() {
	}

	sample := []int{0, n / 4, n / 2, 3 * n / 4, n - 1}
	for _, i := range sample {
		got, err := e.Search(fingerprints[i], time.Time{})
		if err != nil {
			t.Fatalf("Search: %v", err)
		}
		if len(got) != 1 || got[0].ID != uint32(i) || got[0].Score != len(fingerprints[i]) {
			t.Fatalf("fingerprint %d: expected single exact match, got %+v", i, got)
		}
	}
}

func TestSearchRejectsEmptyHashes(t *testing.T) {
	e := openTest(t, t.TempDir())
	defer e.Close()

	if _, err := e.Search(nil, time.Time{}); err == nil {
		t.Fatal("expected an error for an empty hash list")
	}
}

func TestSearchDeduplicatesQueryHashes(t *testing.T) {
	e := openTest(t, t.TempDir())
	defer e.Close()

	mustUpdate(t, e, segment.NewInsert(1, []uint32{5}))

	got, err := e.Search([]uint32{5, 5, 5}, time.Time{})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(got) != 1 || got[0].Score != 1 {
		t.Fatalf("expected duplicate query hashes to collapse to score 1, got %+v", got)
	}
}

func TestRepeatedInsertIsIdempotent(t *testing.T) {
	e := openTest(t, t.TempDir())
	defer e.Close()

	mustUpdate(t, e, segment.NewInsert(1, []uint32{1, 2, 3}))
	mustUpdate(t, e, segment.NewInsert(1, []uint32{1, 2, 3}))

	got, err := e.Search([]uint32{1, 2, 3}, time.Time{})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(got) != 1 || got[0].Score != 3 {
		t.Fatalf("expected repeated identical insert to behave as one, got %+v", got)
	}
}

func TestRepeatedDeleteIsIdempotent(t *testing.T) {
	e := openTest(t, t.TempDir())
	defer e.Close()

	mustUpdate(t, e, segment.NewInsert(1, []uint32{1, 2, 3}))
	mustUpdate(t, e, segment.NewDelete(1))
	mustUpdate(t, e, segment.NewDelete(1))

	got, err := e.Search([]uint32{1, 2, 3}, time.Time{})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected deleted doc to stay absent, got %+v", got)
	}
}

func TestGetDocInfoAndAttributes(t *testing.T) {
	e := openTest(t, t.TempDir())
	defer e.Close()

	mustUpdate(t, e, segment.NewInsert(1, []uint32{1, 2, 3}))
	mustUpdate(t, e, segment.NewInsert(2, []uint32{4, 5}))
	mustUpdate(t, e, segment.NewSetAttribute("model_version", 7))

	info := e.GetDocInfo(1)
	if info == nil || info.Deleted {
		t.Fatalf("expected doc 1 to be live, got %+v", info)
	}

	if e.GetDocInfo(999) != nil {
		t.Fatal("expected unknown doc id to have no info")
	}

	attrs := e.GetAttributes()
	if attrs["model_version"] != 7 {
		t.Fatalf("expected pending attribute to be visible, got %+v", attrs)
	}
	if attrs["min_document_id"] != 1 || attrs["max_document_id"] != 2 {
		t.Fatalf("expected min/max document id 1/2, got %+v", attrs)
	}
}

func TestOpenWithoutCreateFailsOnMissingIndex(t *testing.T) {
	dir := t.TempDir()
	_, err := Open(dir, options.Apply(options.WithCreate(false)))
	if err == nil {
		t.Fatal("expected IndexNotFound for a directory with no index.dat")
	}
}

func TestBruteForceReferenceEquivalence(t *testing.T) {
	dir := t.TempDir()
	e := openTest(t, dir)
	defer e.Close()

	type doc struct {
		hashes []uint32
		live   bool
	}
	reference := make(map[uint32]doc)

	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 200; i++ {
		id := uint32(rng.Intn(30))
		if rng.Intn(5) == 0 {
			mustUpdate(t, e, segment.NewDelete(id))
			reference[id] = doc{live: false}
			continue
		}
		n := rng.Intn(5) + 1
		hashes := make([]uint32, n)
		for j := range hashes {
			hashes[j] = uint32(rng.Intn(50))
		}
		mustUpdate(t, e, segment.NewInsert(id, hashes))
		reference[id] = doc{hashes: hashes, live: true}
	}

	query := []uint32{0, 1, 2, 3, 4, 5, 10, 20, 30, 40}
	want := make(map[uint32]int)
	for id, d := range reference {
		if !d.live {
			continue
		}
		score := 0
		qset := make(map[uint32]bool)
		for _, h := range query {
			qset[h] = true
		}
		for _, h := range d.hashes {
			if qset[h] {
				score++
			}
		}
		if score > 0 {
			want[id] = score
		}
	}

	got, err := e.Search(query, time.Time{})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	gotMap := scoresOf(got)
	if len(gotMap) != len(want) {
		t.Fatalf("result count mismatch: got %d want %d (got=%v want=%v)", len(gotMap), len(want), gotMap, want)
	}
	for id, score := range want {
		if gotMap[id] != score {
			t.Fatalf("doc %d: got score %d, want %d", id, gotMap[id], score)
		}
	}
}

func TestRecoversOplogOnCrashBeforeCheckpoint(t *testing.T) {
	dir := t.TempDir()
	e := openTest(t, dir, options.WithMinSegmentSize(1<<30)) // never checkpoints on its own

	for i := 0; i < 10; i++ {
		mustUpdate(t, e, segment.NewInsert(uint32(i), []uint32{uint32(i), uint32(i) + 1000}))
	}

	// simulate a crash: drop the in-memory engine without a clean Close,
	// leaving everything durable only in the oplog.
	e.stopping.Store(true)

	reopened := openTest(t, dir, options.WithCreate(false), options.WithMinSegmentSize(1<<30))
	defer reopened.Close()

	for i := 0; i < 10; i++ {
		got, err := reopened.Search([]uint32{uint32(i)}, time.Time{})
		if err != nil {
			t.Fatalf("Search: %v", err)
		}
		if len(got) != 1 || got[0].ID != uint32(i) {
			t.Fatalf("doc %d: expected recovery from oplog, got %+v", i, got)
		}
	}
}

func TestSegmentIDAlgebra(t *testing.T) {
	a := segment.First
	b := a.Next()
	merged := segment.Merge(a, b)

	if merged.Version != a.Version {
		t.Fatalf("merge start mismatch: got %d want %d", merged.Version, a.Version)
	}
	if merged.End() != b.End() {
		t.Fatalf("merge(a,next(a)) should cover through next(a)'s end: got %d want %d", merged.End(), b.End())
	}
}

func TestDisjointDocIDsDontInterfere(t *testing.T) {
	e := openTest(t, t.TempDir())
	defer e.Close()

	for i := 0; i < 50; i++ {
		mustUpdate(t, e, segment.NewInsert(uint32(i), []uint32{uint32(i)}))
	}

	for i := 0; i < 50; i++ {
		got, err := e.Search([]uint32{uint32(i)}, time.Time{})
		if err != nil {
			t.Fatalf("Search %d: %v", i, err)
		}
		if len(got) != 1 || got[0].ID != uint32(i) {
			t.Fatalf("doc %d: expected exactly itself, got %+v", i, got)
		}
	}
}

func TestStringerSmoke(t *testing.T) {
	id := segment.ID{Version: 3, IncludedMerges: 1}
	if id.String() == "" {
		t.Fatal("expected a non-empty id string")
	}
	if got := fmt.Sprintf("%s", id); got == "" {
		t.Fatal("expected Stringer to be used by fmt")
	}
}
