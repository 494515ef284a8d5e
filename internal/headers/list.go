// Package headers implements the in-memory best-chain header list: an
// append-mostly vector of header entries with hash/height lookups and
// median-time-past, kept under a reader/writer lock: query readers share
// the read lock, and wait only while the indexer's Apply holds the write
// lock.
//
// The list carries no undo log: Store never deletes rows on reorg, so
// the only state that needs to move is the list itself. Apply truncates
// the diverged suffix and re-extends, and stale rows left behind in the
// KV namespaces are filtered out at read time because their block no
// longer appears on the list.
package headers

import (
	"fmt"
	"sort"
	"sync"

	"github.com/Klingon-tech/blockidx/internal/chainwire"
)

// Entry is a single header-list slot: height, hash, and the header itself.
type Entry struct {
	Height uint32
	Hash   chainwire.Hash
	Header chainwire.Header
}

// BlockId is a value-copy tag attached to query results.
type BlockId struct {
	Height uint32
	Hash   chainwire.Hash
	Time   int64
}

func (e Entry) blockId() BlockId {
	return BlockId{Height: e.Height, Hash: e.Hash, Time: e.Header.Timestamp.Unix()}
}

// ErrOrphan is returned by Order when a candidate header's parent is
// neither already on the list nor among the other candidates.
var ErrOrphan = fmt.Errorf("headers: orphan header, parent not found")

// List is the shared best-chain header vector. Zero value is not usable;
// construct with New.
type List struct {
	mu      sync.RWMutex
	entries []Entry
	byHash  map[chainwire.Hash]int // hash -> index in entries
}

// New builds a header list from a persisted hash->header map and a tip
// hash, walking backward from tip via prev-hash links to produce a
// contiguous height-ordered vector. Mirrors Store.Open loading headers
// from the B-prefix scan and the tip from key t.
func New(byHash map[chainwire.Hash]chainwire.Header, tip chainwire.Hash) (*List, error) {
	l := &List{byHash: make(map[chainwire.Hash]int)}
	if len(byHash) == 0 {
		return l, nil
	}

	var chain []chainwire.Hash
	cur := tip
	seen := make(map[chainwire.Hash]bool)
	for {
		h, ok := byHash[cur]
		if !ok {
			return nil, fmt.Errorf("headers: tip chain broken at %s", cur)
		}
		if seen[cur] {
			return nil, fmt.Errorf("headers: cycle detected at %s", cur)
		}
		seen[cur] = true
		chain = append(chain, cur)
		if h.PrevBlock.IsEqual(&chainwire.Hash{}) {
			break
		}
		cur = h.PrevBlock
		if _, ok := byHash[cur]; !ok {
			break
		}
	}

	// chain is tip-to-genesis; reverse to genesis-to-tip and assign heights.
	l.entries = make([]Entry, len(chain))
	for i := range chain {
		hash := chain[len(chain)-1-i]
		l.entries[i] = Entry{Height: uint32(i), Hash: hash, Header: byHash[hash]}
		l.byHash[hash] = i
	}
	return l, nil
}

// Apply extends the list with newHeaders, which must be height-contiguous
// starting immediately after the current tip or after a common ancestor
// strictly earlier than the tip (a reorg). On a reorg, the first new
// header's PrevBlock identifies the fork point: any entries above it are
// truncated before the new headers are appended.
//
// Invariant after Apply: Tip() equals the hash of the last element of
// newHeaders (asserted by the caller, the indexer, after every batch).
func (l *List) Apply(newHeaders []Entry) error {
	if len(newHeaders) == 0 {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	first := newHeaders[0]
	if len(l.entries) > 0 {
		tipHash := l.entries[len(l.entries)-1].Hash
		if first.Header.PrevBlock != tipHash {
			forkIdx, ok := l.byHash[first.Header.PrevBlock]
			if !ok {
				return fmt.Errorf("headers: reorg parent %s not found on current list", first.Header.PrevBlock)
			}
			for _, e := range l.entries[forkIdx+1:] {
				delete(l.byHash, e.Hash)
			}
			l.entries = l.entries[:forkIdx+1]
		}
	}

	for _, e := range newHeaders {
		l.entries = append(l.entries, e)
		l.byHash[e.Hash] = len(l.entries) - 1
	}
	return nil
}

// HeaderByBlockhash returns the entry for hash if it is on the current
// best chain.
func (l *List) HeaderByBlockhash(hash chainwire.Hash) (Entry, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	idx, ok := l.byHash[hash]
	if !ok {
		return Entry{}, false
	}
	return l.entries[idx], true
}

// HeaderByHeight returns the entry at height, if within range.
func (l *List) HeaderByHeight(height uint32) (Entry, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if int(height) >= len(l.entries) {
		return Entry{}, false
	}
	return l.entries[height], true
}

// BlockIdByHash returns the BlockId tag for a hash on the best chain.
func (l *List) BlockIdByHash(hash chainwire.Hash) (BlockId, bool) {
	e, ok := l.HeaderByBlockhash(hash)
	if !ok {
		return BlockId{}, false
	}
	return e.blockId(), true
}

// BlockIdByHeight returns the BlockId tag for a height on the best chain.
func (l *List) BlockIdByHeight(height uint32) (BlockId, bool) {
	e, ok := l.HeaderByHeight(height)
	if !ok {
		return BlockId{}, false
	}
	return e.blockId(), true
}

// Snapshot returns a copy of every entry currently on the best chain, used
// by the indexer to build the "known hashes" set passed to the daemon's
// header-gap discovery call without holding the list's lock for the
// duration of an RPC round trip.
func (l *List) Snapshot() []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Entry, len(l.entries))
	copy(out, l.entries)
	return out
}

// Tip returns the current best-chain tip entry. ok is false for an empty
// list (fresh install, nothing synced yet).
func (l *List) Tip() (Entry, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if len(l.entries) == 0 {
		return Entry{}, false
	}
	return l.entries[len(l.entries)-1], true
}

// Len returns the number of headers on the current best chain.
func (l *List) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// medianTimePastWindow is the number of trailing blocks whose median is MTP,
// matching Bitcoin consensus's own 11-block window.
const medianTimePastWindow = 11

// GetMTP returns the median time past at height: the median timestamp of
// up to the 11 most recent blocks ending at height inclusive.
func (l *List) GetMTP(height uint32) (int64, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if int(height) >= len(l.entries) {
		return 0, false
	}
	start := 0
	if int(height) >= medianTimePastWindow-1 {
		start = int(height) - (medianTimePastWindow - 1)
	}
	times := make([]int64, 0, medianTimePastWindow)
	for i := start; i <= int(height); i++ {
		times = append(times, l.entries[i].Header.Timestamp.Unix())
	}
	sort.Slice(times, func(i, j int) bool { return times[i] < times[j] })
	return times[len(times)/2], true
}

// Order topologically sorts a bag of candidate headers against the
// current list, producing the contiguous run reachable from the current
// tip (or from a shared ancestor, for a reorg). Returns ErrOrphan if any
// candidate's parent is neither already on the list nor among the other
// candidates, since such a header can never be placed.
func (l *List) Order(candidates []chainwire.Header) ([]Entry, error) {
	l.mu.RLock()
	knownHeights := make(map[chainwire.Hash]uint32, len(l.entries))
	for _, e := range l.entries {
		knownHeights[e.Hash] = e.Height
	}
	l.mu.RUnlock()

	byPrev := make(map[chainwire.Hash]chainwire.Header, len(candidates))
	hashOf := make(map[chainwire.Hash]chainwire.Header, len(candidates))
	for _, h := range candidates {
		hash := h.BlockHash()
		hashOf[hash] = h
		byPrev[h.PrevBlock] = h
	}

	// Find the root: a candidate whose parent is already known (normal
	// extension or reorg fork point), or, for a fresh install with an
	// empty list, the candidate with the zero prev-hash (genesis).
	var rootHash chainwire.Hash
	var rootHeight uint32
	foundRoot := false
	for hash, h := range hashOf {
		if parentHeight, ok := knownHeights[h.PrevBlock]; ok {
			rootHash, rootHeight, foundRoot = hash, parentHeight+1, true
			break
		}
	}
	if !foundRoot && len(l.entries) == 0 {
		for hash, h := range hashOf {
			if h.PrevBlock == (chainwire.Hash{}) {
				rootHash, rootHeight, foundRoot = hash, 0, true
				break
			}
		}
	}
	if !foundRoot {
		return nil, ErrOrphan
	}

	var ordered []Entry
	height := rootHeight
	cur := rootHash
	visited := make(map[chainwire.Hash]bool)
	for {
		h, ok := hashOf[cur]
		if !ok {
			break
		}
		if visited[cur] {
			return nil, fmt.Errorf("headers: cycle in candidate set at %s", cur)
		}
		visited[cur] = true
		ordered = append(ordered, Entry{Height: height, Hash: cur, Header: h})
		height++
		next, ok := byPrev[cur]
		if !ok {
			break
		}
		cur = next.BlockHash()
	}

	if len(ordered) != len(candidates) {
		return nil, ErrOrphan
	}
	return ordered, nil
}
