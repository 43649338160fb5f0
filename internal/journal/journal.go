// Package journal persists graph state transitions to a local badger
// database. Every accepted transition is written before the server acts
// on it; replaying the journal in key order reconstructs the in-memory
// graph state after a restart.
package journal

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/dgraph-io/badger/v2"
	"github.com/dgraph-io/badger/v2/options"
	"github.com/rs/zerolog"

	"github.com/quarrylab/quarry/internal/graph"
)

var (
	// ErrStorage wraps any badger failure. It is fatal to the server:
	// the durable-before-acknowledged invariant cannot hold without a
	// writable journal.
	ErrStorage = errors.New("journal: storage failure")

	ErrClosed = errors.New("journal: closed")
)

var recordPrefix = []byte("j/")

// Journal is an append-only record log keyed by global sequence number.
type Journal struct {
	mu     sync.Mutex
	db     *badger.DB
	closed bool
	log    zerolog.Logger
}

func Open(dir string, log zerolog.Logger) (*Journal, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	opts := badger.DefaultOptions(filepath.Join(dir, "journal.badger"))
	opts = opts.WithSyncWrites(true).
		WithCompression(options.None).
		WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("%w: open: %v", ErrStorage, err)
	}
	return &Journal{db: db, log: log.With().Str("component", "journal").Logger()}, nil
}

func key(seq uint64) []byte {
	k := make([]byte, len(recordPrefix)+8)
	copy(k, recordPrefix)
	binary.BigEndian.PutUint64(k[len(recordPrefix):], seq)
	return k
}

// Append durably writes a batch of records in one transaction. Records
// must carry their final sequence numbers.
func (j *Journal) Append(records []graph.Record) error {
	if len(records) == 0 {
		return nil
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return ErrClosed
	}

	err := j.db.Update(func(txn *badger.Txn) error {
		for _, rec := range records {
			raw, err := json.Marshal(rec)
			if err != nil {
				return err
			}
			if err := txn.Set(key(rec.Seq), raw); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: append: %v", ErrStorage, err)
	}
	return nil
}

// Replay streams every record in sequence order.
func (j *Journal) Replay(fn func(graph.Record) error) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return ErrClosed
	}

	err := j.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = recordPrefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var rec graph.Record
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			})
			if err != nil {
				return err
			}
			if err := fn(rec); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: replay: %v", ErrStorage, err)
	}
	return nil
}

// Records loads the full journal into memory, in sequence order.
func (j *Journal) Records() ([]graph.Record, error) {
	var out []graph.Record
	if err := j.Replay(func(rec graph.Record) error {
		out = append(out, rec)
		return nil
	}); err != nil {
		return nil, err
	}
	return out, nil
}

func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return nil
	}
	j.closed = true
	if err := j.db.Close(); err != nil {
		return fmt.Errorf("%w: close: %v", ErrStorage, err)
	}
	return nil
}
