// Package archive is the Badger-backed cold store for pruned concepts.
// Prune moves a concept here before removing it from the live graph, so
// forgetting is reversible: an archived concept can be inspected, exported,
// or learned back into the graph later.
package archive

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"

	"github.com/nranjan2code/sutra-engine-sub007/pkg/concept"
)

var (
	// ErrClosed is returned by every method after Close.
	ErrClosed = errors.New("archive: store closed")
	// ErrNotFound is returned when the id has never been archived.
	ErrNotFound = errors.New("archive: concept not found")
)

// Key prefixes for Badger key organization.
const (
	prefixConcept = byte(0x01) // 0x01 + id bytes -> JSON(entry)
)

// entry is the stored envelope: the concept as it looked at prune time
// plus when it was archived.
type entry struct {
	Node       *concept.ConceptNode `json:"node"`
	ArchivedAt time.Time            `json:"archived_at"`
}

// Options configures the archive store.
type Options struct {
	// Dir is the directory for Badger's data files. Required unless
	// InMemory is set.
	Dir string

	// InMemory keeps everything in RAM. For tests.
	InMemory bool

	// SyncWrites forces fsync after each write. Archived concepts were
	// already durable in the live store's log, so this defaults off.
	SyncWrites bool

	// Logger receives Badger's internal logging. Nil silences it.
	Logger *zap.Logger
}

// Store is the cold store. Safe for concurrent use.
type Store struct {
	db     *badger.DB
	logger *zap.Logger

	mu     sync.RWMutex
	closed bool
}

// Open opens or creates the archive at opts.Dir.
func Open(opts Options) (*Store, error) {
	var badgerOpts badger.Options
	if opts.InMemory {
		badgerOpts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if opts.Dir == "" {
			return nil, errors.New("archive: empty directory")
		}
		badgerOpts = badger.DefaultOptions(opts.Dir)
	}

	badgerOpts = badgerOpts.WithSyncWrites(opts.SyncWrites)
	if opts.Logger != nil {
		badgerOpts = badgerOpts.WithLogger(badgerLogger{opts.Logger.Sugar()})
	} else {
		badgerOpts = badgerOpts.WithLogger(nil)
	}

	// The archive sees a trickle of writes from prune passes, never a
	// hot path, so it runs with small tables and caches.
	badgerOpts = badgerOpts.
		WithMemTableSize(16 << 20).
		WithValueLogFileSize(64 << 20).
		WithNumMemtables(2).
		WithNumLevelZeroTables(2).
		WithNumLevelZeroTablesStall(4).
		WithValueThreshold(1024).
		WithBlockCacheSize(32 << 20).
		WithIndexCacheSize(16 << 20)

	db, err := badger.Open(badgerOpts)
	if err != nil {
		return nil, fmt.Errorf("archive: open badger: %w", err)
	}

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{db: db, logger: logger}, nil
}

// OpenInMemory opens a RAM-only archive for tests.
func OpenInMemory() (*Store, error) {
	return Open(Options{InMemory: true})
}

func conceptKey(id concept.ConceptID) []byte {
	return append([]byte{prefixConcept}, id[:]...)
}

func encodeEntry(e *entry) ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("archive: encode concept: %w", err)
	}
	return data, nil
}

func decodeEntry(data []byte) (*entry, error) {
	var e entry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("archive: decode concept: %w", err)
	}
	if e.Node == nil {
		return nil, errors.New("archive: entry without concept")
	}
	return &e, nil
}

func (s *Store) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

// Archive stores a concept under its id, stamped with the current time.
// Archiving the same id again replaces the previous copy; the newest
// state is the one worth keeping.
func (s *Store) Archive(node *concept.ConceptNode) error {
	if node == nil || node.ID.IsZero() {
		return &concept.ValidationError{Field: "id", Reason: "nil or zero-id concept"}
	}
	if err := s.checkOpen(); err != nil {
		return err
	}

	data, err := encodeEntry(&entry{Node: node.Clone(), ArchivedAt: time.Now().UTC()})
	if err != nil {
		return err
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(conceptKey(node.ID), data)
	})
	if err != nil {
		return fmt.Errorf("archive: write concept: %w", err)
	}
	s.logger.Debug("concept archived", zap.String("id", node.ID.String()))
	return nil
}

// Get returns the archived concept and when it was archived.
func (s *Store) Get(id concept.ConceptID) (*concept.ConceptNode, time.Time, error) {
	if err := s.checkOpen(); err != nil {
		return nil, time.Time{}, err
	}

	var found *entry
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(conceptKey(id))
		if err == badger.ErrKeyNotFound {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			var decodeErr error
			found, decodeErr = decodeEntry(val)
			return decodeErr
		})
	})
	if err != nil {
		return nil, time.Time{}, err
	}
	return found.Node, found.ArchivedAt, nil
}

// Remove deletes an archived concept, for callers that restored it into
// the live graph. Removing an absent id is not an error.
func (s *Store) Remove(id concept.ConceptID) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(conceptKey(id))
	})
	if err != nil {
		return fmt.Errorf("archive: delete concept: %w", err)
	}
	return nil
}

// Each streams every archived concept to fn in key order. A non-nil
// error from fn stops the sweep and is returned.
func (s *Store) Each(fn func(node *concept.ConceptNode, archivedAt time.Time) error) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	return s.db.View(func(txn *badger.Txn) error {
		prefix := []byte{prefixConcept}
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var found *entry
			if err := it.Item().Value(func(val []byte) error {
				var decodeErr error
				found, decodeErr = decodeEntry(val)
				return decodeErr
			}); err != nil {
				s.logger.Warn("skipping undecodable archive entry", zap.Error(err))
				continue
			}
			if err := fn(found.Node, found.ArchivedAt); err != nil {
				return err
			}
		}
		return nil
	})
}

// Count returns how many concepts the archive holds.
func (s *Store) Count() (int, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}

	count := 0
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte{prefixConcept}
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			count++
		}
		return nil
	})
	return count, err
}

// Sync flushes Badger to disk.
func (s *Store) Sync() error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.db.Sync()
}

// RunGC compacts the value log. Call it periodically from a maintenance
// loop; "nothing to rewrite" is a normal outcome, not an error.
func (s *Store) RunGC() error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	err := s.db.RunValueLogGC(0.5)
	if errors.Is(err, badger.ErrNoRewrite) {
		return nil
	}
	return err
}

// Close shuts the database down. Idempotent.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// badgerLogger adapts Badger's internal logging onto zap.
type badgerLogger struct {
	s *zap.SugaredLogger
}

func (l badgerLogger) Errorf(format string, args ...interface{}) { l.s.Errorf(format, args...) }

func (l badgerLogger) Warningf(format string, args ...interface{}) { l.s.Warnf(format, args...) }

func (l badgerLogger) Infof(format string, args ...interface{}) { l.s.Debugf(format, args...) }

func (l badgerLogger) Debugf(format string, args ...interface{}) { l.s.Debugf(format, args...) }
