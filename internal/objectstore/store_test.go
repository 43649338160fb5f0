package objectstore

import (
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir(), zerolog.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	return s
}

func TestPutAcquireRoundTrip(t *testing.T) {
	s := openTestStore(t)
	payload := []byte("hello quarry")
	if err := s.Put("s1/o1", payload); err != nil {
		t.Fatalf("put: %v", err)
	}
	if !s.Contains("s1/o1") {
		t.Fatalf("object not resident")
	}
	h, err := s.Acquire("s1/o1")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer h.Close()
	got, err := h.Bytes()
	if err != nil {
		t.Fatalf("bytes: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("payload mismatch: %q", got)
	}
	if h.Size() != uint64(len(payload)) {
		t.Fatalf("size=%d", h.Size())
	}
}

func TestLargeObjectSpillsToDisk(t *testing.T) {
	s := openTestStore(t)
	big := bytes.Repeat([]byte("x"), MemBackedLimit+1024)
	if err := s.Put("s1/big", big); err != nil {
		t.Fatalf("put: %v", err)
	}

	// The bytes must live under objects/, not in memory.
	matches, _ := filepath.Glob(filepath.Join(s.dir, "objects", "*"))
	if len(matches) != 1 {
		t.Fatalf("expected one spilled file, got %v", matches)
	}

	h, err := s.Acquire("s1/big")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer h.Close()
	got, err := io.ReadAll(h)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(got, big) {
		t.Fatalf("spilled payload mismatch (%d bytes)", len(got))
	}
}

func TestHoldPinsBytesPastRemove(t *testing.T) {
	s := openTestStore(t)
	big := bytes.Repeat([]byte("y"), MemBackedLimit+1)
	if err := s.Put("s1/o", big); err != nil {
		t.Fatalf("put: %v", err)
	}
	h, err := s.Acquire("s1/o")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	if err := s.Remove("s1/o"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if s.Contains("s1/o") {
		t.Fatalf("object still listed after remove")
	}

	// The open hold still reads the full bytes.
	got, err := io.ReadAll(h)
	if err != nil {
		t.Fatalf("read through hold: %v", err)
	}
	if len(got) != len(big) {
		t.Fatalf("read %d bytes through hold, want %d", len(got), len(big))
	}

	// After the last hold closes, the spill file is gone.
	h.Close()
	matches, _ := filepath.Glob(filepath.Join(s.dir, "objects", "*"))
	if len(matches) != 0 {
		t.Fatalf("spill file survived reclaim: %v", matches)
	}
}

func TestRemovedIDNeverReused(t *testing.T) {
	s := openTestStore(t)
	s.Put("s1/o", []byte("a"))
	if err := s.Remove("s1/o"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := s.Put("s1/o", []byte("b")); !errors.Is(err, ErrRemoved) {
		t.Fatalf("expected removed error, got %v", err)
	}
	if _, err := s.Acquire("s1/o"); !errors.Is(err, ErrRemoved) {
		t.Fatalf("expected removed error on acquire, got %v", err)
	}
	// Removing twice is a no-op, not a double free.
	if err := s.Remove("s1/o"); err != nil {
		t.Fatalf("second remove: %v", err)
	}
}

func TestDuplicatePutRejected(t *testing.T) {
	s := openTestStore(t)
	s.Put("s1/o", []byte("a"))
	if err := s.Put("s1/o", []byte("b")); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected duplicate error, got %v", err)
	}
}

func TestBuilderAbortLeavesNothing(t *testing.T) {
	s := openTestStore(t)
	b, err := s.NewBuilder("s1/o", MemBackedLimit*2)
	if err != nil {
		t.Fatalf("builder: %v", err)
	}
	b.Write([]byte("partial"))
	b.Abort()

	if s.Contains("s1/o") {
		t.Fatalf("aborted object became visible")
	}
	matches, _ := filepath.Glob(filepath.Join(s.dir, "tmp", "*"))
	if len(matches) != 0 {
		t.Fatalf("stage file leaked: %v", matches)
	}
	// The id was never committed, so it is reusable.
	if err := s.Put("s1/o", []byte("final")); err != nil {
		t.Fatalf("put after abort: %v", err)
	}
}

func TestPutFileAdoptsBytes(t *testing.T) {
	s := openTestStore(t)
	src := filepath.Join(t.TempDir(), "out")
	if err := os.WriteFile(src, []byte("task output"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := s.PutFile("s1/o", src); err != nil {
		t.Fatalf("putfile: %v", err)
	}
	if size, ok := s.Size("s1/o"); !ok || size != 11 {
		t.Fatalf("size=%d ok=%v", size, ok)
	}
	if s.TotalBytes() != 11 {
		t.Fatalf("total=%d", s.TotalBytes())
	}
}

func TestListStableOrder(t *testing.T) {
	s := openTestStore(t)
	s.Put("s1/b", []byte("1"))
	s.Put("s1/a", []byte("2"))
	got := s.List()
	if len(got) != 2 || got[0] != "s1/a" || got[1] != "s1/b" {
		t.Fatalf("list: %v", got)
	}
}
