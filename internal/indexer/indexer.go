// Package indexer implements the three-stage pipeline (add, index,
// tweak) that turns newly-seen headers into persisted rows, plus the
// fetch-source selection and per-batch bookkeeping that ties a single
// Update call together. Each stage tracks completion independently via
// its namespace's D markers, so a crash mid-stage re-enters cleanly.
package indexer

import (
	"context"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg"

	"github.com/Klingon-tech/blockidx/config"
	"github.com/Klingon-tech/blockidx/internal/chainwire"
	"github.com/Klingon-tech/blockidx/internal/fetch"
	"github.com/Klingon-tech/blockidx/internal/headers"
	"github.com/Klingon-tech/blockidx/internal/metrics"
	"github.com/Klingon-tech/blockidx/internal/query"
	"github.com/Klingon-tech/blockidx/internal/rpc"
	"github.com/Klingon-tech/blockidx/internal/store"
	"github.com/Klingon-tech/blockidx/internal/xlog"
)

// Indexer orchestrates fetch -> add -> index -> tweak for one Store.
// Indexer is the Store's sole writer; construct one per running daemon.
// It holds a shared ChainQuery handle over the same Store: the tweak
// stage calls back into LookupSpend for its best-chain-filtered spender
// resolution rather than scanning spent edges itself. The reference is
// one-way (query never points back at the indexer), so no cycle forms.
type Indexer struct {
	Store   *store.Store
	Fetcher *fetch.Fetcher
	Query   *query.ChainQuery
	Metrics *metrics.Registry
	Cfg     *config.Config
	Net     *chaincfg.Params

	pool       *workerPool
	lookupPool *workerPool
	source     fetch.Source
}

// lookupPoolSize is the previous-TXO lookup pool's fixed width, sized
// for SSD random-read saturation rather than GOMAXPROCS.
const lookupPoolSize = 16

// New builds an Indexer over the same Store that q reads. The initial
// fetch source is the bulk block-file scan if cfg.BlkFilesDir is
// configured, otherwise live RPC.
func New(st *store.Store, fetcher *fetch.Fetcher, q *query.ChainQuery, reg *metrics.Registry, cfg *config.Config, net *chaincfg.Params) *Indexer {
	source := fetch.RPCSource
	if cfg.BlkFilesDir != "" {
		source = fetch.BlkFiles
	}
	return &Indexer{
		Store:      st,
		Fetcher:    fetcher,
		Query:      q,
		Metrics:    reg,
		Cfg:        cfg,
		Net:        net,
		pool:       newWorkerPool(cfg.Parallelism),
		lookupPool: newWorkerPool(lookupPoolSize),
		source:     source,
	}
}

// Update runs one full indexing round: discover new headers from
// daemon, compute the three stage work-lists, drive each non-empty list
// through its stage routine in order, then flush every namespace and
// commit the tip sentinel. The returned tip is the daemon's reported
// best-chain hash, whether or not there was anything to do.
func (ix *Indexer) Update(ctx context.Context, daemon *rpc.Daemon) (chainwire.Hash, error) {
	defer ix.Metrics.Timer("indexer_update")()

	tip, err := daemon.GetBestBlockHash()
	if err != nil {
		return chainwire.Hash{}, fmt.Errorf("indexer: get best block hash: %w", err)
	}

	known := make(map[chainwire.Hash]struct{})
	for _, e := range ix.Store.Headers.Snapshot() {
		known[e.Hash] = struct{}{}
	}

	newHeaders, err := daemon.GetNewHeaders(known)
	if err != nil {
		return chainwire.Hash{}, fmt.Errorf("indexer: get new headers: %w", err)
	}
	if len(newHeaders) == 0 {
		return tip, nil
	}

	// Order rejects an empty candidate set as an orphan against a
	// non-empty list, so this call is only ever made with a non-empty
	// newHeaders slice (guaranteed by the check above).
	headersNotIndexed, err := ix.Store.Headers.Order(newHeaders)
	if err != nil {
		return chainwire.Hash{}, fmt.Errorf("indexer: order new headers: %w", err)
	}
	if len(headersNotIndexed) == 0 {
		return tip, nil
	}

	toAdd := filterByCompletion(headersNotIndexed, ix.Store.Added)
	toIndex := filterByCompletion(headersNotIndexed, ix.Store.Indexed)
	toTweak := filterForTweak(headersNotIndexed, ix.Store.Tweaked, ix.Cfg.SpBeginHeight)

	startHeight := headersNotIndexed[0].Height
	ix.source = fetch.SelectSource(ix.source, startHeight, len(toIndex), ix.Store.Headers.Len())

	if len(toAdd) > 0 {
		if err := ix.runStage(ctx, toAdd, ix.stageAdd); err != nil {
			return chainwire.Hash{}, fmt.Errorf("indexer: stage add: %w", err)
		}
		if err := store.MaybeCompact(ix.Store.TxStore); err != nil {
			return chainwire.Hash{}, fmt.Errorf("indexer: compact txstore: %w", err)
		}
	}
	if len(toIndex) > 0 {
		if err := ix.runStage(ctx, toIndex, ix.stageIndex); err != nil {
			return chainwire.Hash{}, fmt.Errorf("indexer: stage index: %w", err)
		}
		if err := store.MaybeCompact(ix.Store.History); err != nil {
			return chainwire.Hash{}, fmt.Errorf("indexer: compact history: %w", err)
		}
	}
	if len(toTweak) > 0 {
		if err := ix.runStage(ctx, toTweak, func(b []fetch.BlockEntry) error {
			return ix.stageTweak(b, daemon)
		}); err != nil {
			return chainwire.Hash{}, fmt.Errorf("indexer: stage tweak: %w", err)
		}
		if err := store.MaybeCompact(ix.Store.Tweak); err != nil {
			return chainwire.Hash{}, fmt.Errorf("indexer: compact tweak: %w", err)
		}
	}

	if err := ix.Store.Flush(); err != nil {
		return chainwire.Hash{}, fmt.Errorf("indexer: flush: %w", err)
	}
	if err := ix.Store.CommitTip(tip); err != nil {
		return chainwire.Hash{}, fmt.Errorf("indexer: commit tip: %w", err)
	}

	if err := ix.Store.Headers.Apply(headersNotIndexed); err != nil {
		return chainwire.Hash{}, fmt.Errorf("indexer: apply headers: %w", err)
	}
	newTip, ok := ix.Store.Headers.Tip()
	if !ok || newTip.Hash != tip {
		xlog.Fatal().Str("want", tip.String()).Msg("indexer: header list tip does not match committed tip after apply")
	}
	ix.Metrics.TipHeight.Set(float64(newTip.Height))

	if ix.source == fetch.BlkFiles || ix.source == fetch.BlkFilesReverse {
		ix.source = fetch.RPCSource
	}

	return tip, nil
}

// runStage fetches every batch for work in the indexer's current source
// and hands each to fn in turn, stopping at the first error from either
// the fetcher or the stage routine.
func (ix *Indexer) runStage(ctx context.Context, work []headers.Entry, fn func([]fetch.BlockEntry) error) error {
	batches, errs := ix.Fetcher.Fetch(ctx, ix.source, work)
	var stageErr error
	for batch := range batches {
		if stageErr != nil {
			continue // drain so the fetcher goroutine isn't left blocked on a send
		}
		if err := fn(batch); err != nil {
			stageErr = err
		}
	}
	if stageErr != nil {
		return stageErr
	}
	return <-errs
}

// filterByCompletion returns the subset of entries not yet present in a
// completion set.
func filterByCompletion(entries []headers.Entry, done func(chainwire.Hash) bool) []headers.Entry {
	var out []headers.Entry
	for _, e := range entries {
		if !done(e.Hash) {
			out = append(out, e)
		}
	}
	return out
}

// filterForTweak additionally requires height >= spBeginHeight, since
// silent-payment activation is height-gated independent of completion.
func filterForTweak(entries []headers.Entry, done func(chainwire.Hash) bool, spBeginHeight uint32) []headers.Entry {
	var out []headers.Entry
	for _, e := range entries {
		if e.Height < spBeginHeight {
			continue
		}
		if !done(e.Hash) {
			out = append(out, e)
		}
	}
	return out
}
