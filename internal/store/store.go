// Package store implements the single shared resource that owns the
// four KV namespaces (txstore, history, tweak, cache), the three
// completion sets, and the in-memory header list. Indexer and ChainQuery
// both hold a handle to the same Store; Indexer is its sole writer.
package store

import (
	"fmt"
	"path/filepath"
	"sync"

	"github.com/Klingon-tech/blockidx/internal/chainwire"
	"github.com/Klingon-tech/blockidx/internal/headers"
	"github.com/Klingon-tech/blockidx/internal/kv"
	"github.com/Klingon-tech/blockidx/internal/schema"
	"github.com/Klingon-tech/blockidx/internal/xlog"
)

// Namespace identifies one of the four independent KV databases.
type Namespace int

const (
	NamespaceTxStore Namespace = iota
	NamespaceHistory
	NamespaceTweak
	NamespaceCache
	numNamespaces
)

func (n Namespace) dirName() string {
	switch n {
	case NamespaceTxStore:
		return "txstore"
	case NamespaceHistory:
		return "history"
	case NamespaceTweak:
		return "tweak"
	case NamespaceCache:
		return "cache"
	default:
		return "unknown"
	}
}

// completionSet is a reader/writer-locked set of block hashes, reloaded
// from a namespace's D-prefix at open time and extended by the indexer
// between batches.
type completionSet struct {
	mu   sync.RWMutex
	done map[chainwire.Hash]struct{}
}

func newCompletionSet() *completionSet {
	return &completionSet{done: make(map[chainwire.Hash]struct{})}
}

func (c *completionSet) has(h chainwire.Hash) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.done[h]
	return ok
}

func (c *completionSet) addAll(hs []chainwire.Hash) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, h := range hs {
		c.done[h] = struct{}{}
	}
}

func (c *completionSet) len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.done)
}

// Store owns every persisted namespace and the in-memory best-chain
// header list. Safe for concurrent use: Indexer is the only writer, and
// only between batches; ChainQuery reads concurrently, waiting only while
// the header list's write lock is held.
type Store struct {
	TxStore kv.DB
	History kv.DB
	Tweak   kv.DB
	Cache   kv.DB

	Headers *headers.List

	added   *completionSet
	indexed *completionSet
	tweaked *completionSet

	openDBs [numNamespaces]kv.DB
}

// Open opens the four KV namespaces under path, loads the three
// completion sets by scanning each namespace's D prefix, and loads the
// header list from the txstore's B prefix and t key. If t is absent the
// header list is empty (fresh install).
func Open(path string) (*Store, error) {
	dbs := make([]*kv.BadgerDB, numNamespaces)
	for i := Namespace(0); i < numNamespaces; i++ {
		db, err := kv.Open(filepath.Join(path, i.dirName()))
		if err != nil {
			for j := 0; j < int(i); j++ {
				dbs[j].Close()
			}
			return nil, fmt.Errorf("open %s namespace: %w", i.dirName(), err)
		}
		dbs[i] = db
	}

	var handles [numNamespaces]kv.DB
	for i, db := range dbs {
		handles[i] = db
	}
	return openWithHandles(handles)
}

// OpenWithHandles builds a Store against four already-open namespace
// handles, loading completion sets and the header list exactly as Open
// does. Exported for other packages' tests to drive a Store against
// storetest.MemoryDB without a Badger directory on disk.
func OpenWithHandles(txstore, history, tweak, cache kv.DB) (*Store, error) {
	var handles [numNamespaces]kv.DB
	handles[NamespaceTxStore] = txstore
	handles[NamespaceHistory] = history
	handles[NamespaceTweak] = tweak
	handles[NamespaceCache] = cache
	return openWithHandles(handles)
}

// openWithHandles loads completion sets and the header list against
// already-open namespace handles. Factored out of Open so tests can drive
// the same loading logic against storetest.MemoryDB without a Badger
// directory on disk.
func openWithHandles(handles [numNamespaces]kv.DB) (*Store, error) {
	s := &Store{
		added:   newCompletionSet(),
		indexed: newCompletionSet(),
		tweaked: newCompletionSet(),
		openDBs: handles,
	}
	s.TxStore = handles[NamespaceTxStore]
	s.History = handles[NamespaceHistory]
	s.Tweak = handles[NamespaceTweak]
	s.Cache = handles[NamespaceCache]

	if err := loadCompletionSet(s.TxStore, s.added); err != nil {
		return nil, fmt.Errorf("load added set: %w", err)
	}
	if err := loadCompletionSet(s.History, s.indexed); err != nil {
		return nil, fmt.Errorf("load indexed set: %w", err)
	}
	if err := loadCompletionSet(s.Tweak, s.tweaked); err != nil {
		return nil, fmt.Errorf("load tweaked set: %w", err)
	}

	byHash := make(map[chainwire.Hash]chainwire.Header)
	if err := s.TxStore.IterScan([]byte{schema.PrefixHeader}, func(key, value []byte) error {
		var hash chainwire.Hash
		copy(hash[:], key[1:])
		h, err := schema.DecodeHeader(value)
		if err != nil {
			return fmt.Errorf("decode header %s: %w", hash, err)
		}
		byHash[hash] = *h
		return nil
	}); err != nil {
		return nil, fmt.Errorf("scan headers: %w", err)
	}

	tipBytes, err := s.TxStore.Get(schema.TipKey())
	if err == kv.ErrNotFound {
		list, err := headers.New(nil, chainwire.Hash{})
		if err != nil {
			return nil, fmt.Errorf("init empty header list: %w", err)
		}
		s.Headers = list
		return s, nil
	} else if err != nil {
		return nil, fmt.Errorf("read tip: %w", err)
	}
	var tip chainwire.Hash
	copy(tip[:], tipBytes)

	list, err := headers.New(byHash, tip)
	if err != nil {
		return nil, fmt.Errorf("rebuild header list: %w", err)
	}
	s.Headers = list
	xlog.Store.Info().Int("headers", list.Len()).Msg("loaded header list")
	return s, nil
}

func loadCompletionSet(db kv.DB, set *completionSet) error {
	var hashes []chainwire.Hash
	if err := db.IterScan(schema.DonePrefix(), func(key, value []byte) error {
		hashes = append(hashes, schema.DecodeDoneKey(key))
		return nil
	}); err != nil {
		return err
	}
	set.addAll(hashes)
	return nil
}

// DoneInitialSync reports whether the tip sentinel has ever been written.
func (s *Store) DoneInitialSync() bool {
	_, ok := s.Headers.Tip()
	return ok
}

// Added reports whether blockhash has completed the add stage.
func (s *Store) Added(blockhash chainwire.Hash) bool { return s.added.has(blockhash) }

// Indexed reports whether blockhash has completed the index stage.
func (s *Store) Indexed(blockhash chainwire.Hash) bool { return s.indexed.has(blockhash) }

// Tweaked reports whether blockhash has completed the tweak stage.
func (s *Store) Tweaked(blockhash chainwire.Hash) bool { return s.tweaked.has(blockhash) }

// MarkAdded extends the added set after a batch's writes are committed.
func (s *Store) MarkAdded(hashes []chainwire.Hash) { s.added.addAll(hashes) }

// MarkIndexed extends the indexed set after a batch's writes are committed.
func (s *Store) MarkIndexed(hashes []chainwire.Hash) { s.indexed.addAll(hashes) }

// MarkTweaked extends the tweaked set after a batch's writes are committed.
func (s *Store) MarkTweaked(hashes []chainwire.Hash) { s.tweaked.addAll(hashes) }

// AddedCount, IndexedCount, TweakedCount expose completion-set sizes for
// metrics and tests.
func (s *Store) AddedCount() int   { return s.added.len() }
func (s *Store) IndexedCount() int { return s.indexed.len() }
func (s *Store) TweakedCount() int { return s.tweaked.len() }

// CommitTip writes the synced-tip sentinel with a blocking sync write,
// the indexer's commit point: if the process crashes before this call
// returns, the next run re-derives everything from the completion
// markers instead of trusting a partially-written header list.
func (s *Store) CommitTip(tip chainwire.Hash) error {
	return s.TxStore.PutSync(schema.TipKey(), tip[:])
}

// Flush blocks until every namespace's buffered writes are durable.
func (s *Store) Flush() error {
	for i, db := range s.openDBs {
		if err := db.Flush(); err != nil {
			return fmt.Errorf("flush %s: %w", Namespace(i).dirName(), err)
		}
	}
	return nil
}

// MaybeCompact runs a namespace's one-shot full compaction exactly once,
// gated on the F sentinel, then enables its background auto-compaction.
func MaybeCompact(db kv.DB) error {
	_, err := db.Get(schema.FullCompactionDoneKey())
	if err == nil {
		db.EnableAutoCompaction()
		return nil
	}
	if err != kv.ErrNotFound {
		return err
	}
	if err := db.FullCompaction(); err != nil {
		return fmt.Errorf("full compaction: %w", err)
	}
	if err := db.Put(schema.FullCompactionDoneKey(), []byte{}); err != nil {
		return err
	}
	db.EnableAutoCompaction()
	return nil
}

// ConfirmingHeight resolves a txid's best-chain confirmation height by
// scanning its C{txid} rows (one per block that ever confirmed it,
// across every fork the indexer has ever seen) and returning the height
// of whichever one is still on the current best chain. Reorg invalidation
// is read-time only: a stale C row pointing at an orphaned block is
// skipped, never deleted. ok is false if txid was never confirmed, or
// every block that once confirmed it has since been orphaned.
func (s *Store) ConfirmingHeight(txid chainwire.Hash) (height uint32, ok bool, err error) {
	scanErr := s.TxStore.IterScan(schema.ConfirmedPrefix(txid), func(key, _ []byte) error {
		if ok {
			return nil
		}
		blockhash := schema.DecodeConfirmedKey(key)
		if e, onChain := s.Headers.HeaderByBlockhash(blockhash); onChain {
			height, ok = e.Height, true
		}
		return nil
	})
	if scanErr != nil {
		return 0, false, scanErr
	}
	return height, ok, nil
}

// ConfirmingBlockhash is ConfirmingHeight plus the confirming block's hash,
// used by callers that need the BlockId tag rather than a bare height.
func (s *Store) ConfirmingBlockhash(txid chainwire.Hash) (blockhash chainwire.Hash, ok bool, err error) {
	scanErr := s.TxStore.IterScan(schema.ConfirmedPrefix(txid), func(key, _ []byte) error {
		if ok {
			return nil
		}
		bh := schema.DecodeConfirmedKey(key)
		if _, onChain := s.Headers.HeaderByBlockhash(bh); onChain {
			blockhash, ok = bh, true
		}
		return nil
	})
	if scanErr != nil {
		return chainwire.Hash{}, false, scanErr
	}
	return blockhash, ok, nil
}

// Close releases every namespace's underlying database handle.
func (s *Store) Close() error {
	var firstErr error
	for i, db := range s.openDBs {
		if db == nil {
			continue
		}
		if err := db.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close %s: %w", Namespace(i).dirName(), err)
		}
	}
	return firstErr
}
