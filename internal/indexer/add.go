package indexer

import (
	"fmt"

	"github.com/btcsuite/btcd/wire"

	"github.com/Klingon-tech/blockidx/internal/chainwire"
	"github.com/Klingon-tech/blockidx/internal/fetch"
	"github.com/Klingon-tech/blockidx/internal/kv"
	"github.com/Klingon-tech/blockidx/internal/schema"
)

// stageAdd builds the raw-store rows (T/C/O/X/M/B) plus the D completion
// marker for each block in the batch, in parallel across blocks, then
// writes the whole batch atomically and extends the added set.
func (ix *Indexer) stageAdd(batch []fetch.BlockEntry) error {
	stopProcess := ix.Metrics.Timer("add_process")

	type blockOps struct {
		hash chainwire.Hash
		ops  []kv.Op
	}
	results := make([]blockOps, len(batch))

	if err := ix.pool.run(len(batch), func(i int) error {
		entry := batch[i]
		hash := chainwire.Hash(entry.Block.Header.BlockHash())

		var ops []kv.Op
		txids := make([]chainwire.Hash, len(entry.Block.Transactions))
		for ti, tx := range entry.Block.Transactions {
			txid := chainwire.Hash(tx.TxHash())
			txids[ti] = txid

			ops = append(ops, kv.Op{Key: schema.ConfirmedKey(txid, hash), Value: []byte{}})

			if !ix.Cfg.LightMode {
				raw, err := schema.EncodeRawTx(tx)
				if err != nil {
					return fmt.Errorf("encode tx %s: %w", txid, err)
				}
				ops = append(ops, kv.Op{Key: schema.TxKey(txid), Value: raw})
			}

			for vout, out := range tx.TxOut {
				if !chainwire.IsSpendable(out.PkScript) {
					continue
				}
				ops = append(ops, kv.Op{Key: schema.TxOutKey(txid, uint16(vout)), Value: schema.EncodeTxOut(out)})
			}
		}

		if !ix.Cfg.LightMode {
			ops = append(ops, kv.Op{Key: schema.BlockTxidsKey(hash), Value: schema.EncodeTxids(txids)})
			size, weight := blockSizeWeight(entry.Block)
			meta := schema.BlockMeta{TxCount: uint32(len(txids)), Size: uint32(size), Weight: uint32(weight)}
			ops = append(ops, kv.Op{Key: schema.BlockMetaKey(hash), Value: schema.EncodeBlockMeta(meta)})
		}

		headerBytes, err := schema.EncodeHeader(&entry.Block.Header)
		if err != nil {
			return fmt.Errorf("encode header %s: %w", hash, err)
		}
		ops = append(ops, kv.Op{Key: schema.HeaderKey(hash), Value: headerBytes})
		ops = append(ops, kv.Op{Key: schema.DoneKey(hash), Value: []byte{}})

		results[i] = blockOps{hash: hash, ops: ops}
		return nil
	}); err != nil {
		return err
	}
	stopProcess()

	defer ix.Metrics.Timer("add_write")()

	var wb kv.Batch
	hashes := make([]chainwire.Hash, 0, len(batch))
	for _, r := range results {
		for _, op := range r.ops {
			wb.Put(op.Key, op.Value)
		}
		hashes = append(hashes, r.hash)
	}
	if err := ix.Store.TxStore.Write(&wb); err != nil {
		return fmt.Errorf("write add batch: %w", err)
	}
	ix.Store.MarkAdded(hashes)
	return nil
}

// blockSizeWeight computes a block's serialized size and BIP141 weight
// (3*stripped_size + total_size) without relying on a convenience helper
// wire.MsgBlock doesn't expose directly.
func blockSizeWeight(blk *wire.MsgBlock) (size, weight int) {
	size = blk.SerializeSize()
	stripped := 80 + wire.VarIntSerializeSize(uint64(len(blk.Transactions)))
	for _, tx := range blk.Transactions {
		stripped += tx.SerializeSizeStripped()
	}
	weight = stripped*3 + size
	return size, weight
}
