package segment

import "testing"

func TestNext(t *testing.T) {
	a := ID{Version: 1, IncludedMerges: 0}
	n := a.Next()
	if n.Version != 2 || n.IncludedMerges != 0 {
		t.Fatalf("unexpected next: %+v", n)
	}
}

func TestMergeThenNext(t *testing.T) {
	a := ID{Version: 1, IncludedMerges: 0}
	b := a.Next() // {2, 0}
	merged := Merge(a, b)
	if merged.Version != 1 || merged.IncludedMerges != 1 {
		t.Fatalf("unexpected merge: %+v", merged)
	}

	// merge(a, next(a)) == a U next(a) as [version, version+includedMerges] intervals
	if merged.Version != a.Version || merged.Version+merged.IncludedMerges != b.Version+b.IncludedMerges {
		t.Fatalf("merge interval mismatch: %+v", merged)
	}

	n := merged.Next()
	if n.Version != 3 || n.IncludedMerges != 0 {
		t.Fatalf("unexpected next-after-merge: %+v", n)
	}
}

func TestContains(t *testing.T) {
	parent := ID{Version: 1, IncludedMerges: 2} // covers versions 1,2,3
	if !parent.Contains(ID{Version: 2, IncludedMerges: 0}) {
		t.Errorf("expected parent to contain version 2")
	}
	if parent.Contains(ID{Version: 4, IncludedMerges: 0}) {
		t.Errorf("expected parent to not contain version 4")
	}
}

func TestFileNameRoundTrip(t *testing.T) {
	id := ID{Version: 7, IncludedMerges: 3}
	name := id.FileName()
	got, ok := ParseFileName(name)
	if !ok {
		t.Fatalf("ParseFileName failed on %q", name)
	}
	if got != id {
		t.Fatalf("expected %+v, got %+v", id, got)
	}
}
