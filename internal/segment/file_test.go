package segment

import (
	"testing"
	"time"

	"github.com/epokhe/fpindex/internal/item"
)

func buildTestFile(t *testing.T, dir string, id ID, items []item.Item, docs map[uint32]bool, attrs map[string]uint64, blockSize uint16) *File {
	t.Helper()
	fs, err := WriteFile(dir, WriteSpec{
		ID:          id,
		Items:       items,
		Docs:        docs,
		Attributes:  attrs,
		MaxCommitID: 7,
		BlockSize:   blockSize,
	})
	if err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	t.Cleanup(func() { fs.Close() })
	return fs
}

func TestFileWriteOpenSearch(t *testing.T) {
	dir := t.TempDir()
	items := []item.Item{
		{Hash: 1, ID: 10},
		{Hash: 1, ID: 11},
		{Hash: 5, ID: 12},
		{Hash: 9, ID: 13},
	}
	docs := map[uint32]bool{10: true, 11: true, 12: true, 13: true}

	fs := buildTestFile(t, dir, ID{Version: 1}, items, docs, map[string]uint64{"sr": 44100}, 64)

	if fs.Size() != 4 {
		t.Fatalf("expected size 4, got %d", fs.Size())
	}
	if fs.Attributes()["sr"] != 44100 {
		t.Fatalf("expected attribute sr=44100, got %v", fs.Attributes())
	}

	rs := NewResultSet()
	if err := fs.Search([]uint32{1, 9}, rs, time.Time{}); err != nil {
		t.Fatalf("Search: %v", err)
	}
	rs.Finish(func(id uint32, version uint64) bool { return false })
	got := rs.Sorted()

	want := map[uint32]int{10: 1, 11: 1, 13: 1}
	if len(got) != len(want) {
		t.Fatalf("expected %d results, got %d: %+v", len(want), len(got), got)
	}
	for _, r := range got {
		if want[r.ID] != r.Score {
			t.Errorf("id %d: expected score %d, got %d", r.ID, want[r.ID], r.Score)
		}
	}
}

func TestFileReopen(t *testing.T) {
	dir := t.TempDir()
	items := []item.Item{{Hash: 3, ID: 1}, {Hash: 3, ID: 2}}
	docs := map[uint32]bool{1: true, 2: true}

	id := ID{Version: 5, IncludedMerges: 2}
	fs1 := buildTestFile(t, dir, id, items, docs, nil, 4096)
	if err := fs1.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	fs2, err := OpenFile(dir, id)
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	defer fs2.Close()

	if fs2.Size() != 2 {
		t.Fatalf("expected size 2 after reopen, got %d", fs2.Size())
	}
	if fs2.MaxCommitID() != 7 {
		t.Fatalf("expected max commit id 7, got %d", fs2.MaxCommitID())
	}
}

func TestFileIterator(t *testing.T) {
	dir := t.TempDir()
	items := []item.Item{
		{Hash: 1, ID: 1}, {Hash: 2, ID: 2}, {Hash: 2, ID: 3}, {Hash: 8, ID: 4},
	}
	fs := buildTestFile(t, dir, ID{Version: 1}, items, map[uint32]bool{1: true, 2: true, 3: true, 4: true}, nil, 32)

	it := fs.Iterator()
	var got []item.Item
	for {
		v, ok := it.Next()
		if !ok {
			break
		}
		got = append(got, v)
	}
	if len(got) != len(items) {
		t.Fatalf("expected %d items, got %d", len(items), len(got))
	}
}

func TestFileSearchSplitAcrossBlocks(t *testing.T) {
	dir := t.TempDir()
	// a single hash with enough postings to spill into a following block.
	var items []item.Item
	for i := uint32(0); i < 20; i++ {
		items = append(items, item.Item{Hash: 100, ID: i})
	}
	items = append(items, item.Item{Hash: 200, ID: 99})

	docs := make(map[uint32]bool, 21)
	for i := uint32(0); i < 20; i++ {
		docs[i] = true
	}
	docs[99] = true

	fs := buildTestFile(t, dir, ID{Version: 1}, items, docs, nil, 48)

	rs := NewResultSet()
	if err := fs.Search([]uint32{100}, rs, time.Time{}); err != nil {
		t.Fatalf("Search: %v", err)
	}
	rs.Finish(func(id uint32, version uint64) bool { return false })
	got := rs.Sorted()
	if len(got) != 20 {
		t.Fatalf("expected 20 matches for hash split across blocks, got %d", len(got))
	}
}
