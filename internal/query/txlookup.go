package query

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/Klingon-tech/blockidx/internal/chainwire"
	"github.com/Klingon-tech/blockidx/internal/kv"
	"github.com/Klingon-tech/blockidx/internal/schema"
)

// SpendResult is the LookupSpend result: the spending input, plus the
// height of its confirming block if the spend itself is on the best chain.
type SpendResult struct {
	Txid      chainwire.Hash
	Vin       uint32
	Confirmed bool
	Height    uint32
}

// LookupRawTxn returns a transaction's raw serialized bytes. In light
// mode the T row was never written at index time, so this falls back to
// the node via the transaction's confirming block hash.
func (q *ChainQuery) LookupRawTxn(txid chainwire.Hash) ([]byte, bool, error) {
	defer q.Metrics.Timer("lookup_raw_txn")()
	raw, err := q.Store.TxStore.Get(schema.TxKey(txid))
	if err == nil {
		return raw, true, nil
	}
	if err != kv.ErrNotFound {
		return nil, false, fmt.Errorf("query: lookup raw txn %s: %w", txid, err)
	}
	if q.Daemon == nil {
		return nil, false, nil
	}
	blockhash, ok, cerr := q.Store.ConfirmingBlockhash(txid)
	if cerr != nil {
		return nil, false, fmt.Errorf("query: lookup raw txn %s: %w", txid, cerr)
	}
	if !ok {
		return nil, false, nil
	}
	tx, derr := q.Daemon.GetTransactionRaw(txid, &blockhash)
	if derr != nil {
		return nil, false, fmt.Errorf("query: daemon fetch raw txn %s: %w", txid, derr)
	}
	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return nil, false, fmt.Errorf("query: serialize fetched txn %s: %w", txid, err)
	}
	return buf.Bytes(), true, nil
}

// LookupTxn returns a transaction's decoded form.
func (q *ChainQuery) LookupTxn(txid chainwire.Hash) (*chainwire.Tx, bool, error) {
	defer q.Metrics.Timer("lookup_txn")()
	raw, ok, err := q.LookupRawTxn(txid)
	if err != nil || !ok {
		return nil, ok, err
	}
	tx, derr := schema.DecodeRawTx(raw)
	if derr != nil {
		return nil, false, fmt.Errorf("query: decode txn %s: %w", txid, derr)
	}
	return tx, true, nil
}

// LookupTxo returns a single output's value and script.
func (q *ChainQuery) LookupTxo(txid chainwire.Hash, vout uint16) (*chainwire.TxOut, bool, error) {
	defer q.Metrics.Timer("lookup_txo")()
	val, err := q.Store.TxStore.Get(schema.TxOutKey(txid, vout))
	if err == kv.ErrNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("query: lookup txo %s:%d: %w", txid, vout, err)
	}
	out, derr := schema.DecodeTxOut(val)
	if derr != nil {
		return nil, false, fmt.Errorf("query: decode txo %s:%d: %w", txid, vout, derr)
	}
	return out, true, nil
}

// LookupTxos bulk-loads a set of outpoints. If allowMissing is false, a
// missing outpoint is an error; if true, it is silently omitted from the
// result map.
func (q *ChainQuery) LookupTxos(outpoints []chainwire.OutPoint, allowMissing bool) (map[chainwire.OutPoint]*chainwire.TxOut, error) {
	defer q.Metrics.Timer("lookup_txos")()
	out := make(map[chainwire.OutPoint]*chainwire.TxOut, len(outpoints))
	for _, op := range outpoints {
		txo, ok, err := q.LookupTxo(chainwire.Hash(op.Hash), uint16(op.Index))
		if err != nil {
			return nil, err
		}
		if !ok {
			if !allowMissing {
				return nil, fmt.Errorf("query: lookup txos: missing outpoint %s:%d", op.Hash, op.Index)
			}
			continue
		}
		out[op] = txo
	}
	return out, nil
}

// LookupSpend finds the spender of a funding outpoint, filtering to the
// spend still on the best chain.
func (q *ChainQuery) LookupSpend(outpoint chainwire.OutPoint) (SpendResult, bool, error) {
	defer q.Metrics.Timer("lookup_spend")()
	fundingTxid := chainwire.Hash(outpoint.Hash)
	var found bool
	var result SpendResult
	err := q.Store.History.IterScan(schema.SpentEdgePrefix(fundingTxid, uint16(outpoint.Index)), func(key, _ []byte) error {
		if found {
			return nil
		}
		spendTxid, vin := schema.DecodeSpentEdgeKey(key)
		height, onChain, cerr := q.Store.ConfirmingHeight(spendTxid)
		if cerr != nil {
			return cerr
		}
		if !onChain {
			return nil
		}
		found = true
		result = SpendResult{Txid: spendTxid, Vin: uint32(vin), Confirmed: true, Height: height}
		return nil
	})
	if err != nil {
		return SpendResult{}, false, fmt.Errorf("query: lookup spend %s:%d: %w", fundingTxid, outpoint.Index, err)
	}
	return result, found, nil
}

// GetBlockRaw reconstructs a block's raw bytes: the header followed by a
// compact-size transaction count and every raw transaction in order.
// Light mode never persisted the transaction bodies, so there it falls
// back to the node for the whole block.
func (q *ChainQuery) GetBlockRaw(hash chainwire.Hash) ([]byte, bool, error) {
	defer q.Metrics.Timer("get_block_raw")()
	headerBytes, err := q.Store.TxStore.Get(schema.HeaderKey(hash))
	if err == kv.ErrNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("query: get block raw %s: header: %w", hash, err)
	}
	txidBytes, err := q.Store.TxStore.Get(schema.BlockTxidsKey(hash))
	if err == kv.ErrNotFound {
		if q.Cfg.LightMode && q.Daemon != nil {
			blk, derr := q.Daemon.GetBlockRaw(hash)
			if derr != nil {
				return nil, false, fmt.Errorf("query: get block raw %s: daemon fallback: %w", hash, derr)
			}
			var buf bytes.Buffer
			if err := blk.Serialize(&buf); err != nil {
				return nil, false, fmt.Errorf("query: get block raw %s: serialize: %w", hash, err)
			}
			return buf.Bytes(), true, nil
		}
		return nil, false, fmt.Errorf("query: get block raw %s: missing M/txids row outside light mode", hash)
	}
	if err != nil {
		return nil, false, fmt.Errorf("query: get block raw %s: txids: %w", hash, err)
	}
	txids, derr := schema.DecodeTxids(txidBytes)
	if derr != nil {
		return nil, false, fmt.Errorf("query: get block raw %s: decode txids: %w", hash, derr)
	}

	var buf bytes.Buffer
	buf.Write(headerBytes)
	writeCompactSize(&buf, uint64(len(txids)))
	for _, txid := range txids {
		raw, ok, lerr := q.LookupRawTxn(txid)
		if lerr != nil {
			return nil, false, fmt.Errorf("query: get block raw %s: tx %s: %w", hash, txid, lerr)
		}
		if !ok {
			return nil, false, fmt.Errorf("query: get block raw %s: tx %s missing", hash, txid)
		}
		buf.Write(raw)
	}
	return buf.Bytes(), true, nil
}

func writeCompactSize(buf *bytes.Buffer, v uint64) {
	switch {
	case v < 0xfd:
		buf.WriteByte(byte(v))
	case v <= 0xffff:
		buf.WriteByte(0xfd)
		binary.Write(buf, binary.LittleEndian, uint16(v))
	case v <= 0xffffffff:
		buf.WriteByte(0xfe)
		binary.Write(buf, binary.LittleEndian, uint32(v))
	default:
		buf.WriteByte(0xff)
		binary.Write(buf, binary.LittleEndian, v)
	}
}
