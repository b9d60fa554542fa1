// Package snapshots holds the latest known read-path snapshot of each entity.
//
// It backs the entity-data view the UI renders from. The orchestrator replaces
// an entity's snapshot exactly once per successful update, immediately before
// the entity is marked succeeded. Concurrent replacements for the same entity
// are last-write-wins.
//
// The store runs BadgerDB in in-memory mode: nothing survives the process.
package snapshots

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
)

var (
	ErrEntityRequired = errors.New("snapshots: entity id required")
	ErrClosed         = errors.New("snapshots: store closed")
)

const keyPrefix = "snap/"

// Config holds configuration for the backing BadgerDB instance.
type Config struct {
	// NumVersionsToKeep bounds per-key history kept by badger.
	NumVersionsToKeep int
	// Logger enables badger's internal logging when set.
	Logger badger.Logger
}

// DefaultConfig keeps a single version per entity with badger logging off.
func DefaultConfig() Config {
	return Config{NumVersionsToKeep: 1}
}

// Record is one stored snapshot.
type Record struct {
	EntityID  string          `json:"entity_id"`
	UpdatedAt time.Time       `json:"updated_at"`
	Data      json.RawMessage `json:"data"`
}

// Store is an in-memory, badger-backed snapshot table.
type Store struct {
	db *badger.DB
}

// Open starts an in-memory badger instance.
func Open(cfg Config) (*Store, error) {
	if cfg.NumVersionsToKeep <= 0 {
		cfg.NumVersionsToKeep = 1
	}
	opts := badger.DefaultOptions("").
		WithInMemory(true).
		WithNumVersionsToKeep(cfg.NumVersionsToKeep).
		WithLogger(cfg.Logger)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("snapshots: open badger: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the badger instance.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Replace stores snapshot as the current view of entityID.
func (s *Store) Replace(ctx context.Context, entityID string, snapshot any) error {
	id := strings.TrimSpace(entityID)
	if id == "" {
		return ErrEntityRequired
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("snapshots: encode %s: %w", id, err)
	}
	rec, err := json.Marshal(Record{EntityID: id, UpdatedAt: time.Now().UTC(), Data: data})
	if err != nil {
		return fmt.Errorf("snapshots: encode record %s: %w", id, err)
	}
	if s.db.IsClosed() {
		return ErrClosed
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(keyPrefix+id), rec)
	})
}

// Get returns the stored record for entityID.
func (s *Store) Get(entityID string) (Record, bool, error) {
	id := strings.TrimSpace(entityID)
	if id == "" {
		return Record{}, false, ErrEntityRequired
	}
	if s.db.IsClosed() {
		return Record{}, false, ErrClosed
	}
	var raw []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(keyPrefix + id))
		if err != nil {
			return err
		}
		raw, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("snapshots: read %s: %w", id, err)
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return Record{}, false, fmt.Errorf("snapshots: decode %s: %w", id, err)
	}
	return rec, true, nil
}

// Decode unmarshals the stored snapshot of entityID into out.
func (s *Store) Decode(entityID string, out any) (bool, error) {
	rec, ok, err := s.Get(entityID)
	if err != nil || !ok {
		return ok, err
	}
	if err := json.Unmarshal(rec.Data, out); err != nil {
		return false, fmt.Errorf("snapshots: decode data %s: %w", entityID, err)
	}
	return true, nil
}

// EntityIDs lists every entity with a stored snapshot, in key order.
func (s *Store) EntityIDs() ([]string, error) {
	if s.db.IsClosed() {
		return nil, ErrClosed
	}
	var out []string
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(keyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(opts.Prefix); it.ValidForPrefix(opts.Prefix); it.Next() {
			key := string(it.Item().KeyCopy(nil))
			out = append(out, strings.TrimPrefix(key, keyPrefix))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("snapshots: list: %w", err)
	}
	return out, nil
}
