package cache_test

import (
	"context"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"

	"github.com/Klingon-tech/blockidx/config"
	"github.com/Klingon-tech/blockidx/internal/cache"
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
		SignatureScript:  []byte{0x01, byte(nonce), byte(nonce >> 8)},
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
	node *rpctest.Node
}

func newTestHarness(t *testing.T) *testHarness {
	t.Helper()
	st, err := store.OpenWithHandles(storetest.NewMemory(), storetest.NewMemory(), storetest.NewMemory(), storetest.NewMemory())
	require.NoError(t, err)

	node := rpctest.NewNode()
	t.Cleanup(node.Close)

	daemon, err := rpc.NewDaemon(config.DaemonConfig{RPCURL: node.URL()})
	require.NoError(t, err)
	t.Cleanup(daemon.Close)

	cfg := config.Default()
	reg := metrics.New()
	fetcher := fetch.New(daemon, "", 10)
	q := query.New(st, daemon, reg, cfg, &chaincfg.MainNetParams)
	ix := indexer.New(st, fetcher, q, reg, cfg, &chaincfg.MainNetParams)
	return &testHarness{ix: ix, st: st, node: node}
}

func (h *testHarness) update(t *testing.T) {
	t.Helper()
	daemon, err := rpc.NewDaemon(config.DaemonConfig{RPCURL: h.node.URL()})
	require.NoError(t, err)
	defer daemon.Close()
	_, err = h.ix.Update(context.Background(), daemon)
	require.NoError(t, err)
}

// TestUtxoCacheTooPopular funds a script with more distinct outpoints
// than the caller's limit: the query fails with ErrTooPopular, and
// succeeds once the limit is raised.
func TestUtxoCacheTooPopular(t *testing.T) {
	spk := p2pkhScript(0xaa)
	h := newTestHarness(t)

	genesis := mkBlock(chainwire.Hash{}, 0, mkCoinbase(5000000000, []byte{0x51}, 0))
	prev := chainwire.Hash(genesis.Header.BlockHash())
	h.node.AppendBlock(genesis)

	for i := uint32(1); i <= 10; i++ {
		tx := mkCoinbase(1000, spk, i)
		blk := mkBlock(prev, i, tx)
		prev = chainwire.Hash(blk.Header.BlockHash())
		h.node.AppendBlock(blk)
	}
	h.update(t)

	sh := chainwire.ScriptHash(spk)
	uc := cache.NewUtxoCache(h.st, metrics.New())
	_, err := uc.Get(sh, 5)
	require.ErrorIs(t, err, cache.ErrTooPopular)

	_, err = uc.Get(sh, 20)
	require.NoError(t, err)
}

// TestStatsCacheIncrementalAcrossCalls checks that two calls separated
// by further indexing produce monotonically increasing counters,
// matching a from-scratch computation either way.
func TestStatsCacheIncrementalAcrossCalls(t *testing.T) {
	spk := p2pkhScript(0xbb)
	h := newTestHarness(t)

	genesis := mkBlock(chainwire.Hash{}, 0, mkCoinbase(5000000000, []byte{0x51}, 0))
	genesisHash := chainwire.Hash(genesis.Header.BlockHash())
	h.node.AppendBlock(genesis)

	fundingTx1 := mkCoinbase(1000, spk, 1)
	block1 := mkBlock(genesisHash, 1, fundingTx1)
	block1Hash := chainwire.Hash(block1.Header.BlockHash())
	h.node.AppendBlock(block1)
	h.update(t)

	sh := chainwire.ScriptHash(spk)
	sc := cache.NewStatsCache(h.st, metrics.New())
	stats1, err := sc.Get(sh)
	require.NoError(t, err)
	require.Equal(t, uint64(1), stats1.FundedTxoCount)

	fundingTx2 := mkCoinbase(2000, spk, 2)
	block2 := mkBlock(block1Hash, 2, fundingTx2)
	h.node.AppendBlock(block2)
	h.update(t)

	stats2, err := sc.Get(sh)
	require.NoError(t, err)
	require.GreaterOrEqual(t, stats2.FundedTxoCount, stats1.FundedTxoCount)
	require.Equal(t, uint64(2), stats2.FundedTxoCount)
	require.Equal(t, uint64(3000), stats2.FundedSum)
}
