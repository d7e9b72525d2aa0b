package segmentlist

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/epokhe/fpindex/internal/segment"
)

func TestIndexDatRoundTrip(t *testing.T) {
	dir := t.TempDir()
	ids := []segment.ID{
		{Version: 1, IncludedMerges: 0},
		{Version: 2, IncludedMerges: 3},
	}

	if err := WriteIndexDat(dir, ids); err != nil {
		t.Fatalf("WriteIndexDat: %v", err)
	}
	if !IndexDatExists(dir) {
		t.Fatal("expected index.dat to exist")
	}

	got, err := ReadIndexDat(dir)
	if err != nil {
		t.Fatalf("ReadIndexDat: %v", err)
	}
	if len(got) != len(ids) {
		t.Fatalf("expected %d ids, got %d", len(ids), len(got))
	}
	for i := range ids {
		if got[i] != ids[i] {
			t.Errorf("id %d: expected %+v, got %+v", i, ids[i], got[i])
		}
	}
}

func TestIndexDatMissing(t *testing.T) {
	dir := t.TempDir()
	if IndexDatExists(dir) {
		t.Fatal("expected no index.dat in empty dir")
	}
	if _, err := ReadIndexDat(dir); err == nil {
		t.Fatal("expected error reading missing index.dat")
	}
}

func TestIndexDatCorruption(t *testing.T) {
	dir := t.TempDir()
	if err := WriteIndexDat(dir, []segment.ID{{Version: 1}}); err != nil {
		t.Fatalf("WriteIndexDat: %v", err)
	}

	path := filepath.Join(dir, indexDatName)
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	data[0] ^= 0xFF
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	if _, err := ReadIndexDat(dir); err == nil {
		t.Fatal("expected checksum error on corrupted index.dat")
	}
}
