package kv

import (
	"fmt"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/Klingon-tech/blockidx/internal/xlog"
)

// BadgerDB implements DB on Badger: ordered iteration, prefix scans in
// both directions, atomic write batches, and compaction control.
type BadgerDB struct {
	db *badger.DB

	autoCompactMu sync.Mutex
	autoCompact   bool
	stopAuto      chan struct{}
}

// Open opens (or creates) a Badger database at path.
func Open(path string) (*BadgerDB, error) {
	opts := badger.DefaultOptions(path)
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		errMsg := err.Error()
		if strings.Contains(errMsg, "Cannot acquire directory lock") ||
			strings.Contains(errMsg, "resource temporarily unavailable") {
			return nil, fmt.Errorf("database at %s is locked by another process: %w", path, err)
		}
		return nil, fmt.Errorf("open database at %s: %w", path, err)
	}
	return &BadgerDB{db: db}, nil
}

func (b *BadgerDB) Get(key []byte) ([]byte, error) {
	var val []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		val, err = item.ValueCopy(nil)
		return err
	})
	if err == badger.ErrKeyNotFound {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("badger get: %w", err)
	}
	return val, nil
}

func (b *BadgerDB) Put(key, value []byte) error {
	if err := b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, value)
	}); err != nil {
		return fmt.Errorf("badger put: %w", err)
	}
	return nil
}

// PutSync writes key/value and forces a disk sync before returning. The
// indexer uses this for the tip sentinel, the last write of an update: a
// crash before it leaves the next run able to re-derive everything from
// the completion markers.
func (b *BadgerDB) PutSync(key, value []byte) error {
	txn := b.db.NewTransaction(true)
	defer txn.Discard()
	if err := txn.Set(key, value); err != nil {
		return fmt.Errorf("badger put-sync set: %w", err)
	}
	if err := txn.Commit(); err != nil {
		return fmt.Errorf("badger put-sync commit: %w", err)
	}
	if err := b.db.Sync(); err != nil {
		return fmt.Errorf("badger put-sync fsync: %w", err)
	}
	return nil
}

func (b *BadgerDB) Write(batch *Batch) error {
	wb := b.db.NewWriteBatch()
	defer wb.Cancel()
	for _, op := range batch.ops {
		var err error
		if op.Value == nil {
			err = wb.Delete(op.Key)
		} else {
			err = wb.Set(op.Key, op.Value)
		}
		if err != nil {
			return fmt.Errorf("badger batch op: %w", err)
		}
	}
	if err := wb.Flush(); err != nil {
		return fmt.Errorf("badger batch flush: %w", err)
	}
	return nil
}

// Flush blocks until previously committed writes are durable on disk.
func (b *BadgerDB) Flush() error {
	if err := b.db.Sync(); err != nil {
		return fmt.Errorf("badger flush: %w", err)
	}
	return nil
}

func (b *BadgerDB) IterScan(prefix []byte, fn func(key, value []byte) error) error {
	return b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			key := item.KeyCopy(nil)
			if err := item.Value(func(val []byte) error { return fn(key, val) }); err != nil {
				return err
			}
		}
		return nil
	})
}

func (b *BadgerDB) IterScanFrom(prefix, seek []byte, fn func(key, value []byte) error) error {
	return b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		start := seek
		if len(start) == 0 {
			start = prefix
		}
		for it.Seek(start); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			key := item.KeyCopy(nil)
			if err := item.Value(func(val []byte) error { return fn(key, val) }); err != nil {
				return err
			}
		}
		return nil
	})
}

// IterScanReverse iterates keys with prefix in descending order. Badger's
// reverse iterator seeks to the largest key <= the seek value, so when
// seekEnd is nil we build a key one unit past the prefix's range to land
// just after the last matching key.
func (b *BadgerDB) IterScanReverse(prefix, seekEnd []byte, fn func(key, value []byte) error) error {
	return b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		opts.Reverse = true
		it := txn.NewIterator(opts)
		defer it.Close()

		start := seekEnd
		if len(start) == 0 {
			start = prefixUpperBound(prefix)
		}
		for it.Seek(start); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			key := item.KeyCopy(nil)
			if err := item.Value(func(val []byte) error { return fn(key, val) }); err != nil {
				return err
			}
		}
		return nil
	})
}

// prefixUpperBound returns the smallest key greater than every key with
// the given prefix, used as the reverse-scan seek point for "no bound".
func prefixUpperBound(prefix []byte) []byte {
	up := append([]byte(nil), prefix...)
	for i := len(up) - 1; i >= 0; i-- {
		if up[i] != 0xff {
			up[i]++
			return up[:i+1]
		}
	}
	// All 0xff: no finite upper bound: pad with a max byte, which still
	// sorts after every fixed-width key actually used by this schema.
	return append(up, 0xff)
}

// FullCompaction runs a one-shot blocking compaction of the entire
// keyspace, collapsing every level into the bottom level.
func (b *BadgerDB) FullCompaction() error {
	if err := b.db.Flatten(runtime.GOMAXPROCS(0)); err != nil {
		return fmt.Errorf("badger full compaction: %w", err)
	}
	return nil
}

// EnableAutoCompaction starts a background loop running periodic value-log
// garbage collection, Badger's closest analogue to "auto compaction" since
// its LSM levels already compact incrementally as writes land.
func (b *BadgerDB) EnableAutoCompaction() {
	b.autoCompactMu.Lock()
	defer b.autoCompactMu.Unlock()
	if b.autoCompact {
		return
	}
	b.autoCompact = true
	b.stopAuto = make(chan struct{})
	go b.autoCompactLoop(b.stopAuto)
}

func (b *BadgerDB) autoCompactLoop(stop chan struct{}) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			for {
				if err := b.db.RunValueLogGC(0.5); err != nil {
					if err != badger.ErrNoRewrite {
						xlog.Store.Debug().Err(err).Msg("value log gc")
					}
					break
				}
			}
		}
	}
}

func (b *BadgerDB) Close() error {
	b.autoCompactMu.Lock()
	if b.autoCompact && b.stopAuto != nil {
		close(b.stopAuto)
		b.autoCompact = false
	}
	b.autoCompactMu.Unlock()
	return b.db.Close()
}

var _ DB = (*BadgerDB)(nil)
