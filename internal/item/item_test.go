package item

import "testing"

func TestSortHashesDedup(t *testing.T) {
	got := SortHashes([]uint32{3, 1, 2, 1, 3, 3})
	want := []uint32{1, 2, 3}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
}

func TestLowerBound(t *testing.T) {
	items := []Item{{Hash: 1, ID: 1}, {Hash: 3, ID: 1}, {Hash: 3, ID: 2}, {Hash: 5, ID: 1}}
	if idx := LowerBound(items, 3); idx != 1 {
		t.Errorf("expected index 1, got %d", idx)
	}
	if idx := LowerBound(items, 4); idx != 3 {
		t.Errorf("expected index 3, got %d", idx)
	}
	if idx := LowerBound(items, 0); idx != 0 {
		t.Errorf("expected index 0, got %d", idx)
	}
	if idx := LowerBound(items, 6); idx != len(items) {
		t.Errorf("expected index %d, got %d", len(items), idx)
	}
}
