// Package objectstore is a governor's local cache of finished object
// bytes. Small objects stay memory-backed; anything past the spill
// threshold is staged to a file. Readers take scoped holds that pin the
// bytes: a removal during an active read defers physical reclaim until
// the last hold closes.
package objectstore

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"
)

var (
	ErrNotFound  = errors.New("objectstore: object not found")
	ErrRemoved   = errors.New("objectstore: object id was removed")
	ErrDuplicate = errors.New("objectstore: object already stored")
	ErrClosed    = errors.New("objectstore: store closed")
)

// MemBackedLimit is the size up to which object bytes stay in memory.
const MemBackedLimit = 256 * 1024

type entry struct {
	id      string
	size    uint64
	data    []byte // memory-backed, nil when spilled
	path    string // spill file, empty when memory-backed
	holds   int
	removed bool
}

// Store holds finished objects for one governor.
type Store struct {
	mu         sync.Mutex
	dir        string
	objects    map[string]*entry
	tombstones map[string]struct{}
	totalBytes uint64
	closed     bool
	log        zerolog.Logger
	tempSeq    int
}

func Open(dir string, log zerolog.Logger) (*Store, error) {
	if err := os.MkdirAll(filepath.Join(dir, "objects"), 0o755); err != nil {
		return nil, fmt.Errorf("objectstore: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(dir, "tmp"), 0o755); err != nil {
		return nil, fmt.Errorf("objectstore: %w", err)
	}
	return &Store{
		dir:        dir,
		objects:    make(map[string]*entry),
		tombstones: make(map[string]struct{}),
		log:        log.With().Str("component", "objectstore").Logger(),
	}, nil
}

func (s *Store) objectPath(id string) string {
	// Object ids are session-scoped "session/object" keys; flatten the
	// separator for the filesystem.
	return filepath.Join(s.dir, "objects", sanitize(id))
}

func sanitize(id string) string {
	out := make([]rune, 0, len(id))
	for _, r := range id {
		switch r {
		case '/', '\\', ':':
			out = append(out, '_')
		default:
			out = append(out, r)
		}
	}
	return string(out)
}

// Put stores a fully materialized object.
func (s *Store) Put(id string, data []byte) error {
	b, err := s.NewBuilder(id, uint64(len(data)))
	if err != nil {
		return err
	}
	if _, err := b.Write(data); err != nil {
		b.Abort()
		return err
	}
	return b.Commit()
}

// PutFile adopts an existing file as an object's bytes, moving it into
// the store directory.
func (s *Store) PutFile(id, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.insertableLocked(id); err != nil {
		return err
	}
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("objectstore: %w", err)
	}
	dst := s.objectPath(id)
	if err := os.Rename(path, dst); err != nil {
		return fmt.Errorf("objectstore: %w", err)
	}
	s.objects[id] = &entry{id: id, size: uint64(info.Size()), path: dst}
	s.totalBytes += uint64(info.Size())
	s.log.Debug().Str("object", id).Str("size", humanize.IBytes(uint64(info.Size()))).Msg("stored object from file")
	return nil
}

func (s *Store) insertableLocked(id string) error {
	if s.closed {
		return ErrClosed
	}
	if _, dead := s.tombstones[id]; dead {
		return fmt.Errorf("%w: %s", ErrRemoved, id)
	}
	if _, ok := s.objects[id]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicate, id)
	}
	return nil
}

// Hold is a scoped read handle. The underlying bytes cannot be
// reclaimed while it is open.
type Hold struct {
	store *Store
	ent   *entry
	r     io.ReadCloser
	once  sync.Once
}

func (h *Hold) Size() uint64 { return h.ent.size }

func (h *Hold) Read(p []byte) (int, error) { return h.r.Read(p) }

// Bytes reads the full object into memory.
func (h *Hold) Bytes() ([]byte, error) {
	if h.ent.data != nil {
		return append([]byte(nil), h.ent.data...), nil
	}
	return io.ReadAll(h.r)
}

func (h *Hold) Close() error {
	var err error
	h.once.Do(func() {
		err = h.r.Close()
		h.store.releaseHold(h.ent)
	})
	return err
}

type nopCloser struct{ io.Reader }

func (nopCloser) Close() error { return nil }

// Acquire opens a scoped hold on an object's bytes.
func (s *Store) Acquire(id string) (*Hold, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	ent, ok := s.objects[id]
	if !ok {
		if _, dead := s.tombstones[id]; dead {
			return nil, fmt.Errorf("%w: %s", ErrRemoved, id)
		}
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	var r io.ReadCloser
	if ent.data != nil {
		r = nopCloser{bytes.NewReader(ent.data)}
	} else {
		f, err := os.Open(ent.path)
		if err != nil {
			return nil, fmt.Errorf("objectstore: %w", err)
		}
		r = f
	}
	ent.holds++
	return &Hold{store: s, ent: ent, r: r}, nil
}

func (s *Store) releaseHold(ent *entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ent.holds--
	if ent.removed && ent.holds == 0 {
		s.reclaimLocked(ent)
	}
}

// Remove logically deletes an object. Physical reclaim happens now if
// nothing holds the bytes, otherwise when the last hold closes. The id
// is tombstoned either way and never reused.
func (s *Store) Remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ent, ok := s.objects[id]
	if !ok {
		if _, dead := s.tombstones[id]; dead {
			return nil
		}
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	delete(s.objects, id)
	s.tombstones[id] = struct{}{}
	ent.removed = true
	if ent.holds == 0 {
		s.reclaimLocked(ent)
	}
	return nil
}

func (s *Store) reclaimLocked(ent *entry) {
	s.totalBytes -= ent.size
	ent.data = nil
	if ent.path != "" {
		if err := os.Remove(ent.path); err != nil && !os.IsNotExist(err) {
			s.log.Warn().Err(err).Str("object", ent.id).Msg("failed to delete spilled object file")
		}
	}
}

// Contains reports whether an object's bytes are resident.
func (s *Store) Contains(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.objects[id]
	return ok
}

// Size returns a resident object's byte size.
func (s *Store) Size(id string) (uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ent, ok := s.objects[id]
	if !ok {
		return 0, false
	}
	return ent.size, true
}

// List returns resident object ids in stable order.
func (s *Store) List() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.objects))
	for id := range s.objects {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// TotalBytes reports resident (non-reclaimed) byte usage.
func (s *Store) TotalBytes() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.totalBytes
}

// Close releases the store. Held readers remain usable until closed.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
