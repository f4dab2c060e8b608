package discovery

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/falconscript/proxyratemanager/internal/circuit"
)

func TestFileStorageLoadMissingFileYieldsEmptyMapNotError(t *testing.T) {
	fs := NewFileStorage(filepath.Join(t.TempDir(), "missing.json"))

	candidates, err := fs.Load()
	if err != nil {
		t.Fatalf("Load() on a missing file returned an error: %v", err)
	}
	if len(candidates) != 0 {
		t.Errorf("expected an empty map, got %d entries", len(candidates))
	}
}

func TestFileStorageSaveLoadRoundTrip(t *testing.T) {
	fs := NewFileStorage(filepath.Join(t.TempDir(), "candidates.json"))

	c := newCandidate("198.51.100.1", 8080, circuit.SchemeHTTP, "ip3366.net")
	c.markSuccess(10 * time.Millisecond)
	original := map[string]*Candidate{c.ID: c}

	if err := fs.Save(original); err != nil {
		t.Fatalf("Save() failed: %v", err)
	}

	loaded, err := fs.Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if len(loaded) != 1 {
		t.Fatalf("expected 1 loaded candidate, got %d", len(loaded))
	}
	got, ok := loaded[c.ID]
	if !ok {
		t.Fatalf("expected candidate %s to round-trip", c.ID)
	}
	if got.Host != c.Host || got.Port != c.Port || got.Verified != c.Verified {
		t.Errorf("round-tripped candidate = %+v, want matching %+v", got, c)
	}
}

func TestFileStorageLoadCorruptFileReturnsError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "corrupt.json")
	fs := NewFileStorage(path)
	if err := os.WriteFile(path, []byte("not json"), 0o644); err != nil {
		t.Fatalf("failed to seed corrupt file: %v", err)
	}

	if _, err := fs.Load(); err == nil {
		t.Error("expected Load() to return an error for invalid JSON")
	}
}
