// Package prefs persists small host preferences such as the logging flag.
//
// Reads and writes are independent: a caller doing read-modify-write through
// a Store gets no atomicity against a concurrent writer.
package prefs

import (
	"errors"
	"fmt"
	"sync"

	"github.com/dgraph-io/badger/v4"
)

// LoggingEnabled is the key of the performance logging flag
const LoggingEnabled = "LOGGING_ENABLED"

// Store reads and writes boolean preferences. Unknown keys read as false.
type Store interface {
	Bool(key string) (bool, error)
	SetBool(key string, value bool) error
	Close() error
}

// Memory is a map-backed Store
type Memory struct {
	mu     sync.RWMutex
	values map[string]bool
}

// NewMemory creates an empty in-memory store
func NewMemory() *Memory {
	return &Memory{values: make(map[string]bool)}
}

// Bool implements Store
func (m *Memory) Bool(key string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.values[key], nil
}

// SetBool implements Store
func (m *Memory) SetBool(key string, value bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = value
	return nil
}

// Close implements Store
func (m *Memory) Close() error {
	return nil
}

const keyPrefix = "pref/"

// Badger is a Store persisted in BadgerDB
type Badger struct {
	db *badger.DB
}

// OpenBadger opens (or creates) a preference store at dir. An empty dir
// keeps the store in memory.
func OpenBadger(dir string) (*Badger, error) {
	opts := badger.DefaultOptions(dir)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	opts.Logger = nil // Disable BadgerDB logging

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open BadgerDB: %w", err)
	}
	return &Badger{db: db}, nil
}

// Bool implements Store
func (b *Badger) Bool(key string) (bool, error) {
	var value bool
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(keyPrefix + key))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			value = len(val) == 1 && val[0] == 1
			return nil
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read preference %s: %w", key, err)
	}
	return value, nil
}

// SetBool implements Store
func (b *Badger) SetBool(key string, value bool) error {
	v := []byte{0}
	if value {
		v[0] = 1
	}
	err := b.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(keyPrefix+key), v)
	})
	if err != nil {
		return fmt.Errorf("failed to write preference %s: %w", key, err)
	}
	return nil
}

// Close implements Store
func (b *Badger) Close() error {
	if b.db != nil {
		return b.db.Close()
	}
	return nil
}
