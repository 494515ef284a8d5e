package indexer

import (
	"fmt"
	"sync"

	"github.com/Klingon-tech/blockidx/internal/chainwire"
	"github.com/Klingon-tech/blockidx/internal/fetch"
	"github.com/Klingon-tech/blockidx/internal/kv"
	"github.com/Klingon-tech/blockidx/internal/schema"
	"github.com/Klingon-tech/blockidx/internal/xlog"
)

// stageIndex runs in two phases: a bulk previous-TXO lookup across the
// whole batch on the dedicated lookup pool, then parallel per-block
// Funding/Spending history row construction.
func (ix *Indexer) stageIndex(batch []fetch.BlockEntry) error {
	stopLookup := ix.Metrics.Timer("index_lookup")
	prevouts, err := ix.lookupPreviousTxos(batch)
	stopLookup()
	if err != nil {
		return err
	}

	stopProcess := ix.Metrics.Timer("index_process")

	type blockOps struct {
		hash chainwire.Hash
		ops  []kv.Op
	}
	results := make([]blockOps, len(batch))

	if err := ix.pool.run(len(batch), func(i int) error {
		entry := batch[i]
		hash := chainwire.Hash(entry.Block.Header.BlockHash())
		height := entry.Height

		var ops []kv.Op
		for _, tx := range entry.Block.Transactions {
			txid := chainwire.Hash(tx.TxHash())

			for vout, out := range tx.TxOut {
				spendable := chainwire.IsSpendable(out.PkScript)
				if !spendable && !ix.Cfg.IndexUnspendables {
					continue
				}
				sh := chainwire.ScriptHash(out.PkScript)
				ops = append(ops, kv.Op{
					Key:   schema.HistoryFundingKey(sh, height, txid, uint16(vout), out.Value),
					Value: []byte{},
				})
				if ix.Cfg.AddressSearch {
					if addr, ok := chainwire.DecodeAddress(out.PkScript, ix.Net); ok {
						ops = append(ops, kv.Op{Key: schema.AddressKey(addr), Value: []byte{}})
					}
				}
			}

			for vin, in := range tx.TxIn {
				if chainwire.IsCoinbase(in) {
					continue
				}
				prevOut, ok := prevouts[in.PreviousOutPoint]
				if !ok {
					xlog.Fatal().
						Str("prev_txid", in.PreviousOutPoint.Hash.String()).
						Uint32("prev_vout", in.PreviousOutPoint.Index).
						Msg("index stage: previous output not resolved after bulk lookup")
				}
				sh := chainwire.ScriptHash(prevOut.PkScript)
				prevTxid := chainwire.Hash(in.PreviousOutPoint.Hash)
				ops = append(ops, kv.Op{
					Key: schema.HistorySpendingKey(sh, height, txid, uint16(vin), prevTxid,
						uint16(in.PreviousOutPoint.Index), prevOut.Value),
					Value: []byte{},
				})
				ops = append(ops, kv.Op{
					Key:   schema.SpentEdgeKey(prevTxid, uint16(in.PreviousOutPoint.Index), txid, uint16(vin)),
					Value: []byte{},
				})
			}
		}
		ops = append(ops, kv.Op{Key: schema.DoneKey(hash), Value: []byte{}})
		results[i] = blockOps{hash: hash, ops: ops}
		return nil
	}); err != nil {
		return err
	}
	stopProcess()

	var wb kv.Batch
	hashes := make([]chainwire.Hash, 0, len(batch))
	for _, r := range results {
		for _, op := range r.ops {
			wb.Put(op.Key, op.Value)
		}
		hashes = append(hashes, r.hash)
	}
	if err := ix.Store.History.Write(&wb); err != nil {
		return fmt.Errorf("write index batch: %w", err)
	}
	ix.Store.MarkIndexed(hashes)
	return nil
}

// lookupPreviousTxos collects every non-coinbase input's previous
// outpoint across the batch, deduplicates, and bulk-fetches the O rows
// written by stage add via the dedicated lookup pool. A missing row
// means a funding block never completed stage add, which is fatal:
// recovery requires deleting the database and reindexing.
func (ix *Indexer) lookupPreviousTxos(batch []fetch.BlockEntry) (map[chainwire.OutPoint]*chainwire.TxOut, error) {
	seen := make(map[chainwire.OutPoint]struct{})
	var outpoints []chainwire.OutPoint
	for _, entry := range batch {
		for _, tx := range entry.Block.Transactions {
			for _, in := range tx.TxIn {
				if chainwire.IsCoinbase(in) {
					continue
				}
				op := in.PreviousOutPoint
				if _, ok := seen[op]; ok {
					continue
				}
				seen[op] = struct{}{}
				outpoints = append(outpoints, op)
			}
		}
	}
	if len(outpoints) == 0 {
		return nil, nil
	}

	result := make(map[chainwire.OutPoint]*chainwire.TxOut, len(outpoints))
	var mu sync.Mutex
	err := ix.lookupPool.run(len(outpoints), func(i int) error {
		op := outpoints[i]
		val, getErr := ix.Store.TxStore.Get(schema.TxOutKey(chainwire.Hash(op.Hash), uint16(op.Index)))
		if getErr == kv.ErrNotFound {
			xlog.Fatal().
				Str("txid", op.Hash.String()).
				Uint32("vout", op.Index).
				Msg("index stage: funding output not in txstore")
			return fmt.Errorf("index stage: missing precondition for %s:%d", op.Hash, op.Index)
		}
		if getErr != nil {
			return fmt.Errorf("lookup prevout %s:%d: %w", op.Hash, op.Index, getErr)
		}
		out, decErr := schema.DecodeTxOut(val)
		if decErr != nil {
			return fmt.Errorf("decode prevout %s:%d: %w", op.Hash, op.Index, decErr)
		}
		mu.Lock()
		result[op] = out
		mu.Unlock()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}
