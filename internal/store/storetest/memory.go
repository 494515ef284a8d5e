// Package storetest provides an in-memory kv.DB for exercising the store,
// indexer, and query packages without an on-disk database.
package storetest

import (
	"bytes"
	"sort"
	"strings"
	"sync"

	"github.com/Klingon-tech/blockidx/internal/kv"
)

// MemoryDB implements kv.DB over an in-memory map. The history row
// family depends on byte-ordered scans, so every iteration sorts the
// matching keys first.
type MemoryDB struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemory creates an empty in-memory database.
func NewMemory() *MemoryDB {
	return &MemoryDB{data: make(map[string][]byte)}
}

func (m *MemoryDB) Get(key []byte) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[string(key)]
	if !ok {
		return nil, kv.ErrNotFound
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

func (m *MemoryDB) Put(key, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[string(key)] = append([]byte(nil), value...)
	return nil
}

func (m *MemoryDB) PutSync(key, value []byte) error {
	return m.Put(key, value)
}

func (m *MemoryDB) Write(b *kv.Batch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, op := range b.Ops() {
		if op.Value == nil {
			delete(m.data, string(op.Key))
		} else {
			m.data[string(op.Key)] = append([]byte(nil), op.Value...)
		}
	}
	return nil
}

func (m *MemoryDB) Flush() error { return nil }

func (m *MemoryDB) sortedKeys(prefix []byte) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p := string(prefix)
	var keys []string
	for k := range m.data {
		if strings.HasPrefix(k, p) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

func (m *MemoryDB) IterScan(prefix []byte, fn func(key, value []byte) error) error {
	for _, k := range m.sortedKeys(prefix) {
		m.mu.RLock()
		v := m.data[k]
		m.mu.RUnlock()
		if err := fn([]byte(k), v); err != nil {
			return err
		}
	}
	return nil
}

func (m *MemoryDB) IterScanFrom(prefix, seek []byte, fn func(key, value []byte) error) error {
	start := string(seek)
	for _, k := range m.sortedKeys(prefix) {
		if len(seek) > 0 && k < start {
			continue
		}
		m.mu.RLock()
		v := m.data[k]
		m.mu.RUnlock()
		if err := fn([]byte(k), v); err != nil {
			return err
		}
	}
	return nil
}

func (m *MemoryDB) IterScanReverse(prefix, seekEnd []byte, fn func(key, value []byte) error) error {
	keys := m.sortedKeys(prefix)
	for i := len(keys) - 1; i >= 0; i-- {
		k := keys[i]
		if len(seekEnd) > 0 && bytes.Compare([]byte(k), seekEnd) > 0 {
			continue
		}
		m.mu.RLock()
		v := m.data[k]
		m.mu.RUnlock()
		if err := fn([]byte(k), v); err != nil {
			return err
		}
	}
	return nil
}

func (m *MemoryDB) FullCompaction() error { return nil }
func (m *MemoryDB) EnableAutoCompaction() {}
func (m *MemoryDB) Close() error          { return nil }

var _ kv.DB = (*MemoryDB)(nil)
