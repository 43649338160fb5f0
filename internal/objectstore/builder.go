package objectstore

import (
	"fmt"
	"os"
	"path/filepath"
)

// Builder stages one object's bytes before they become visible. Writes
// below MemBackedLimit stay in memory; larger outputs, or any output
// with a large size hint, go straight to a temp file that Commit moves
// into place.
type Builder struct {
	store *Store
	id    string
	mem   []byte
	file  *os.File
	path  string
	size  uint64
	done  bool
}

// NewBuilder reserves an id and returns a staged writer for it. A size
// hint of zero means unknown and starts memory-backed.
func (s *Store) NewBuilder(id string, sizeHint uint64) (*Builder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.insertableLocked(id); err != nil {
		return nil, err
	}
	b := &Builder{store: s, id: id}
	if sizeHint >= MemBackedLimit {
		if err := b.spillLocked(); err != nil {
			return nil, err
		}
	} else if sizeHint > 0 {
		b.mem = make([]byte, 0, sizeHint)
	}
	return b, nil
}

func (b *Builder) spillLocked() error {
	b.store.tempSeq++
	path := filepath.Join(b.store.dir, "tmp", fmt.Sprintf("stage-%d", b.store.tempSeq))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("objectstore: stage: %w", err)
	}
	b.file = f
	b.path = path
	if len(b.mem) > 0 {
		if _, err := f.Write(b.mem); err != nil {
			f.Close()
			os.Remove(path)
			return fmt.Errorf("objectstore: stage: %w", err)
		}
		b.mem = nil
	}
	return nil
}

func (b *Builder) Write(p []byte) (int, error) {
	if b.done {
		return 0, fmt.Errorf("objectstore: write after commit")
	}
	if b.file == nil && uint64(len(b.mem)+len(p)) > MemBackedLimit {
		b.store.mu.Lock()
		err := b.spillLocked()
		b.store.mu.Unlock()
		if err != nil {
			return 0, err
		}
	}
	b.size += uint64(len(p))
	if b.file != nil {
		return b.file.Write(p)
	}
	b.mem = append(b.mem, p...)
	return len(p), nil
}

// Commit publishes the staged bytes under the builder's id.
func (b *Builder) Commit() error {
	if b.done {
		return nil
	}
	b.done = true

	s := b.store
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.insertableLocked(b.id); err != nil {
		b.discardLocked()
		return err
	}

	ent := &entry{id: b.id, size: b.size}
	if b.file != nil {
		if err := b.file.Close(); err != nil {
			b.discardLocked()
			return fmt.Errorf("objectstore: commit: %w", err)
		}
		dst := s.objectPath(b.id)
		if err := os.Rename(b.path, dst); err != nil {
			b.discardLocked()
			return fmt.Errorf("objectstore: commit: %w", err)
		}
		ent.path = dst
	} else {
		ent.data = b.mem
	}
	s.objects[b.id] = ent
	s.totalBytes += b.size
	return nil
}

// Abort discards staged bytes without publishing.
func (b *Builder) Abort() {
	if b.done {
		return
	}
	b.done = true
	b.store.mu.Lock()
	defer b.store.mu.Unlock()
	b.discardLocked()
}

func (b *Builder) discardLocked() {
	if b.file != nil {
		b.file.Close()
		os.Remove(b.path)
		b.file = nil
	}
	b.mem = nil
}
