package query_test

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"

	"github.com/Klingon-tech/blockidx/config"
	"github.com/Klingon-tech/blockidx/internal/chainwire"
	"github.com/Klingon-tech/blockidx/internal/fetch"
	"github.com/Klingon-tech/blockidx/internal/indexer"
	"github.com/Klingon-tech/blockidx/internal/metrics"
	"github.com/Klingon-tech/blockidx/internal/query"
	"github.com/Klingon-tech/blockidx/internal/rpc"
	"github.com/Klingon-tech/blockidx/internal/rpc/rpctest"
	"github.com/Klingon-tech/blockidx/internal/store"
	"github.com/Klingon-tech/blockidx/internal/store/storetest"
)

func mkCoinbase(value int64, pkScript []byte, nonce uint32) *wire.MsgTx {
	tx := wire.NewMsgTx(wire.TxVersion)
	tx.AddTxIn(&wire.TxIn{
		PreviousOutPoint: *wire.NewOutPoint(&chainwire.Hash{}, wire.MaxPrevOutIndex),
		SignatureScript:  []byte{0x01, byte(nonce)},
		Sequence:         wire.MaxTxInSequenceNum,
	})
	tx.AddTxOut(wire.NewTxOut(value, pkScript))
	return tx
}

// p2pkhScript builds a pay-to-pubkey-hash script with a synthetic
// 20-byte hash, enough for the indexer to treat the output as spendable
// and derive a distinct script-hash per tag.
func p2pkhScript(tag byte) []byte {
	script := make([]byte, 0, 25)
	script = append(script, txscript.OP_DUP, txscript.OP_HASH160, txscript.OP_DATA_20)
	for i := 0; i < 20; i++ {
		script = append(script, tag)
	}
	return append(script, txscript.OP_EQUALVERIFY, txscript.OP_CHECKSIG)
}

func mkBlock(prev chainwire.Hash, nonce uint32, txs ...*wire.MsgTx) *wire.MsgBlock {
	blk := wire.NewMsgBlock(&wire.BlockHeader{
		Version:   1,
		PrevBlock: prev,
		Timestamp: time.Unix(1800000000+int64(nonce), 0),
		Bits:      0x1d00ffff,
		Nonce:     nonce,
	})
	for _, tx := range txs {
		blk.AddTransaction(tx)
	}
	blk.Header.MerkleRoot = blk.Transactions[0].TxHash()
	return blk
}

type testHarness struct {
	ix   *indexer.Indexer
	st   *store.Store
	q    *query.ChainQuery
	node *rpctest.Node
}

func newTestHarness(t *testing.T, cfg *config.Config) *testHarness {
	t.Helper()
	st, err := store.OpenWithHandles(storetest.NewMemory(), storetest.NewMemory(), storetest.NewMemory(), storetest.NewMemory())
	require.NoError(t, err)

	node := rpctest.NewNode()
	t.Cleanup(node.Close)

	daemon, err := rpc.NewDaemon(config.DaemonConfig{RPCURL: node.URL()})
	require.NoError(t, err)
	t.Cleanup(daemon.Close)

	reg := metrics.New()
	fetcher := fetch.New(daemon, "", 10)
	q := query.New(st, daemon, reg, cfg, &chaincfg.MainNetParams)
	ix := indexer.New(st, fetcher, q, reg, cfg, &chaincfg.MainNetParams)
	return &testHarness{ix: ix, st: st, q: q, node: node}
}

func (h *testHarness) update(t *testing.T) {
	t.Helper()
	daemon, err := rpc.NewDaemon(config.DaemonConfig{RPCURL: h.node.URL()})
	require.NoError(t, err)
	defer daemon.Close()
	_, err = h.ix.Update(context.Background(), daemon)
	require.NoError(t, err)
}

// TestChainQueryFundingAndHistory indexes a single block with one
// funding transaction paying two distinct scripts, then reads back the
// output, the history, and the per-script stats.
func TestChainQueryFundingAndHistory(t *testing.T) {
	spkA := p2pkhScript(0xaa)
	spkB := p2pkhScript(0xbb)

	cfg := config.Default()
	h := newTestHarness(t, cfg)

	genesis := mkBlock(chainwire.Hash{}, 0, mkCoinbase(5000000000, []byte{0x51}, 0))
	genesisHash := chainwire.Hash(genesis.Header.BlockHash())
	h.node.AppendBlock(genesis)

	fundingTx := wire.NewMsgTx(wire.TxVersion)
	fundingTx.AddTxIn(&wire.TxIn{
		PreviousOutPoint: *wire.NewOutPoint(&chainwire.Hash{}, wire.MaxPrevOutIndex),
		SignatureScript:  []byte{0x01, 0x01},
		Sequence:         wire.MaxTxInSequenceNum,
	})
	fundingTx.AddTxOut(wire.NewTxOut(1000, spkA))
	fundingTx.AddTxOut(wire.NewTxOut(2000, spkB))
	block1 := mkBlock(genesisHash, 1, fundingTx)
	h.node.AppendBlock(block1)

	h.update(t)

	fundingTxid := chainwire.Hash(fundingTx.TxHash())

	txo, ok, err := h.q.LookupTxo(fundingTxid, 0)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int64(1000), txo.Value)

	shA := chainwire.ScriptHash(spkA)
	entries, err := h.q.HistoryTxids(shA, nil, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, fundingTxid, entries[0].Txid)
	require.Equal(t, uint32(1), entries[0].Block.Height)

	shB := chainwire.ScriptHash(spkB)
	stats, err := h.q.Stats(shB)
	require.NoError(t, err)
	require.Equal(t, uint64(1), stats.TxCount)
	require.Equal(t, uint64(1), stats.FundedTxoCount)
	require.Equal(t, uint64(0), stats.SpentTxoCount)
	require.Equal(t, uint64(2000), stats.FundedSum)
	require.Equal(t, uint64(0), stats.SpentSum)
}

// TestChainQuerySpendUpdatesStatsAndUtxo spends the funding output in a
// second block: the spent edge resolves, the spent counters move, and
// the UTXO set empties.
func TestChainQuerySpendUpdatesStatsAndUtxo(t *testing.T) {
	spkA := p2pkhScript(0xaa)
	spkC := p2pkhScript(0xcc)

	cfg := config.Default()
	h := newTestHarness(t, cfg)

	genesis := mkBlock(chainwire.Hash{}, 0, mkCoinbase(5000000000, []byte{0x51}, 0))
	genesisHash := chainwire.Hash(genesis.Header.BlockHash())
	h.node.AppendBlock(genesis)

	fundingTx := mkCoinbase(1000, spkA, 1)
	block1 := mkBlock(genesisHash, 1, fundingTx)
	block1Hash := chainwire.Hash(block1.Header.BlockHash())
	h.node.AppendBlock(block1)

	fundingTxid := chainwire.Hash(fundingTx.TxHash())

	spendTx := wire.NewMsgTx(wire.TxVersion)
	spendTx.AddTxIn(&wire.TxIn{
		PreviousOutPoint: *wire.NewOutPoint(&fundingTxid, 0),
		SignatureScript:  []byte{0x01},
		Sequence:         wire.MaxTxInSequenceNum,
	})
	spendTx.AddTxOut(wire.NewTxOut(900, spkC))
	block2 := mkBlock(block1Hash, 2, spendTx)
	h.node.AppendBlock(block2)

	h.update(t)

	shA := chainwire.ScriptHash(spkA)

	spend, found, err := h.q.LookupSpend(*wire.NewOutPoint(&fundingTxid, 0))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, chainwire.Hash(spendTx.TxHash()), spend.Txid)
	require.Equal(t, uint32(2), spend.Height)

	stats, err := h.q.Stats(shA)
	require.NoError(t, err)
	require.Equal(t, uint64(1), stats.SpentTxoCount)
	require.Equal(t, uint64(1000), stats.SpentSum)

	utxos, err := h.q.Utxo(shA, 10)
	require.NoError(t, err)
	require.Empty(t, utxos)
}

// TestChainQueryReorgInvalidatesSpendAndStats replaces the spending
// block with a fork block that does not spend the funding output. The
// spent edge and its stale history rows survive on disk but stop being
// served, and cached aggregates recompute from scratch.
func TestChainQueryReorgInvalidatesSpendAndStats(t *testing.T) {
	spkA := p2pkhScript(0xaa)
	spkC := p2pkhScript(0xcc)

	cfg := config.Default()
	h := newTestHarness(t, cfg)

	genesis := mkBlock(chainwire.Hash{}, 0, mkCoinbase(5000000000, []byte{0x51}, 0))
	genesisHash := chainwire.Hash(genesis.Header.BlockHash())
	h.node.AppendBlock(genesis)

	fundingTx := mkCoinbase(1000, spkA, 1)
	block1 := mkBlock(genesisHash, 1, fundingTx)
	block1Hash := chainwire.Hash(block1.Header.BlockHash())
	h.node.AppendBlock(block1)

	fundingTxid := chainwire.Hash(fundingTx.TxHash())
	outpoint := *wire.NewOutPoint(&fundingTxid, 0)

	spendTx := wire.NewMsgTx(wire.TxVersion)
	spendTx.AddTxIn(&wire.TxIn{
		PreviousOutPoint: outpoint,
		SignatureScript:  []byte{0x01},
		Sequence:         wire.MaxTxInSequenceNum,
	})
	spendTx.AddTxOut(wire.NewTxOut(900, spkC))
	block2 := mkBlock(block1Hash, 2, spendTx)
	h.node.AppendBlock(block2)

	h.update(t)

	shA := chainwire.ScriptHash(spkA)
	_, found, err := h.q.LookupSpend(outpoint)
	require.NoError(t, err)
	require.True(t, found)
	statsBefore, err := h.q.Stats(shA)
	require.NoError(t, err)
	require.Equal(t, uint64(1), statsBefore.SpentTxoCount)

	// Same-height fork block with a coinbase only: the spend disappears.
	block2Prime := mkBlock(block1Hash, 99, mkCoinbase(5000000000, []byte{0x52}, 99))
	h.node.ReorgTip(2, block2Prime)
	h.update(t)

	_, found, err = h.q.LookupSpend(outpoint)
	require.NoError(t, err)
	require.False(t, found)

	stats, err := h.q.Stats(shA)
	require.NoError(t, err)
	require.Equal(t, uint64(1), stats.FundedTxoCount)
	require.Equal(t, uint64(0), stats.SpentTxoCount)

	utxos, err := h.q.Utxo(shA, 10)
	require.NoError(t, err)
	require.Len(t, utxos, 1)
	require.Equal(t, outpoint, utxos[0].Outpoint)
}

// TestChainQueryHistoryPagination checks that two cursor-chained pages
// concatenate to the same result as a single double-size query, for
// both the descending and the ascending accessor.
func TestChainQueryHistoryPagination(t *testing.T) {
	spk := p2pkhScript(0xdd)

	cfg := config.Default()
	h := newTestHarness(t, cfg)

	genesis := mkBlock(chainwire.Hash{}, 0, mkCoinbase(5000000000, []byte{0x51}, 0))
	prev := chainwire.Hash(genesis.Header.BlockHash())
	h.node.AppendBlock(genesis)

	const txCount = 12
	for i := uint32(1); i <= txCount; i++ {
		blk := mkBlock(prev, i, mkCoinbase(int64(i)*100, spk, i))
		prev = chainwire.Hash(blk.Header.BlockHash())
		h.node.AppendBlock(blk)
	}
	h.update(t)

	sh := chainwire.ScriptHash(spk)

	full, err := h.q.History(sh, nil, 10)
	require.NoError(t, err)
	require.Len(t, full, 10)
	page1, err := h.q.History(sh, nil, 5)
	require.NoError(t, err)
	require.Len(t, page1, 5)
	page2, err := h.q.History(sh, &page1[4].Txid, 5)
	require.NoError(t, err)
	require.Len(t, page2, 5)
	for i := range full {
		want := full[i]
		got := page1[i%5]
		if i >= 5 {
			got = page2[i-5]
		}
		require.Equal(t, want.Txid, got.Txid)
		require.Equal(t, want.Block, got.Block)
	}
	// History pages newest-first.
	require.Equal(t, uint32(txCount), full[0].Block.Height)

	asc, err := h.q.HistoryTxids(sh, nil, 5)
	require.NoError(t, err)
	require.Len(t, asc, 5)
	for i, e := range asc {
		require.Equal(t, uint32(i+1), e.Block.Height)
	}
	asc2, err := h.q.HistoryTxids(sh, &asc[4].Txid, 5)
	require.NoError(t, err)
	require.Len(t, asc2, 5)
	for i, e := range asc2 {
		require.Equal(t, uint32(i+6), e.Block.Height)
	}
}

// TestChainQueryGetBlockStatusAndRaw checks best-chain status and that
// a reconstructed raw block decodes with its original Merkle root.
func TestChainQueryGetBlockStatusAndRaw(t *testing.T) {
	cfg := config.Default()
	h := newTestHarness(t, cfg)

	genesis := mkBlock(chainwire.Hash{}, 0, mkCoinbase(5000000000, []byte{0x51}, 0))
	genesisHash := chainwire.Hash(genesis.Header.BlockHash())
	h.node.AppendBlock(genesis)
	h.update(t)

	status, err := h.q.GetBlockStatus(genesisHash)
	require.NoError(t, err)
	require.True(t, status.Confirmed)
	require.Equal(t, uint32(0), status.Height)

	raw, ok, err := h.q.GetBlockRaw(genesisHash)
	require.NoError(t, err)
	require.True(t, ok)

	var decoded wire.MsgBlock
	require.NoError(t, decoded.Deserialize(bytes.NewReader(raw)))
	require.True(t, decoded.Header.MerkleRoot.IsEqual(&genesis.Header.MerkleRoot))
}
