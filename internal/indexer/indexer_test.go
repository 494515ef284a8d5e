package indexer

import (
	"context"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/stretchr/testify/require"

	"github.com/Klingon-tech/blockidx/config"
	"github.com/Klingon-tech/blockidx/internal/chainwire"
	"github.com/Klingon-tech/blockidx/internal/fetch"
	"github.com/Klingon-tech/blockidx/internal/metrics"
	"github.com/Klingon-tech/blockidx/internal/query"
	"github.com/Klingon-tech/blockidx/internal/rpc"
	"github.com/Klingon-tech/blockidx/internal/rpc/rpctest"
	"github.com/Klingon-tech/blockidx/internal/schema"
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

func p2wpkhScript(t *testing.T, pub *secp256k1.PublicKey) []byte {
	t.Helper()
	hash := btcutil.Hash160(pub.SerializeCompressed())
	script, err := txscript.NewScriptBuilder().AddOp(txscript.OP_0).AddData(hash).Script()
	require.NoError(t, err)
	return script
}

func p2trScript(pub *secp256k1.PublicKey) []byte {
	xOnly := pub.SerializeCompressed()[1:33]
	out := make([]byte, 0, 34)
	out = append(out, txscript.OP_1, txscript.OP_DATA_32)
	return append(out, xOnly...)
}

type testHarness struct {
	ix   *Indexer
	st   *store.Store
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
	ix := New(st, fetcher, q, reg, cfg, &chaincfg.MainNetParams)
	return &testHarness{ix: ix, st: st, node: node}
}

func (h *testHarness) update(t *testing.T) chainwire.Hash {
	t.Helper()
	daemon, err := rpc.NewDaemon(config.DaemonConfig{RPCURL: h.node.URL()})
	require.NoError(t, err)
	defer daemon.Close()
	tip, err := h.ix.Update(context.Background(), daemon)
	require.NoError(t, err)
	return tip
}

func TestIndexerAddAndIndexPipeline(t *testing.T) {
	priv1, err := secp256k1.GeneratePrivateKey()
	require.NoError(t, err)
	fundingScript := p2wpkhScript(t, priv1.PubKey())

	cfg := config.Default()
	cfg.Parallelism = 2
	cfg.SpBeginHeight = 1 << 30 // keep tweak stage out of scope for this test
	h := newTestHarness(t, cfg)

	genesis := mkBlock(chainwire.Hash{}, 0, mkCoinbase(5000000000, []byte{0x51}, 0))
	genesisHash := chainwire.Hash(genesis.Header.BlockHash())
	h.node.AppendBlock(genesis)

	fundingTx := mkCoinbase(50000, fundingScript, 1)
	block1 := mkBlock(genesisHash, 1, fundingTx)
	h.node.AppendBlock(block1)

	h.update(t)

	require.Equal(t, 2, h.st.AddedCount())
	require.Equal(t, 2, h.st.IndexedCount())

	txid := chainwire.Hash(fundingTx.TxHash())
	raw, err := h.st.TxStore.Get(schema.TxOutKey(txid, 0))
	require.NoError(t, err)
	out, err := schema.DecodeTxOut(raw)
	require.NoError(t, err)
	require.Equal(t, int64(50000), out.Value)

	sh := chainwire.ScriptHash(fundingScript)
	var found bool
	require.NoError(t, h.st.History.IterScan(schema.HistoryPrefix(sh), func(key, _ []byte) error {
		row := schema.DecodeHistoryKey(key)
		require.True(t, row.IsFunding)
		require.Equal(t, uint32(1), row.Height)
		found = true
		return nil
	}))
	require.True(t, found)
}

func TestIndexerSpendingCreatesSpentEdge(t *testing.T) {
	priv1, err := secp256k1.GeneratePrivateKey()
	require.NoError(t, err)
	fundingScript := p2wpkhScript(t, priv1.PubKey())

	cfg := config.Default()
	cfg.SpBeginHeight = 1 << 30
	h := newTestHarness(t, cfg)

	genesis := mkBlock(chainwire.Hash{}, 0, mkCoinbase(5000000000, []byte{0x51}, 0))
	genesisHash := chainwire.Hash(genesis.Header.BlockHash())
	h.node.AppendBlock(genesis)

	fundingTx := mkCoinbase(50000, fundingScript, 1)
	block1 := mkBlock(genesisHash, 1, fundingTx)
	block1Hash := chainwire.Hash(block1.Header.BlockHash())
	h.node.AppendBlock(block1)

	fundingTxid := fundingTx.TxHash()
	spendTx := wire.NewMsgTx(wire.TxVersion)
	spendTx.AddTxIn(&wire.TxIn{
		PreviousOutPoint: *wire.NewOutPoint(&fundingTxid, 0),
		Witness:          wire.TxWitness{{0x01}, priv1.PubKey().SerializeCompressed()},
		Sequence:         wire.MaxTxInSequenceNum,
	})
	spendTx.AddTxOut(wire.NewTxOut(900, []byte{0x6a}))
	block2 := mkBlock(block1Hash, 2, spendTx)
	h.node.AppendBlock(block2)

	h.update(t)

	require.Equal(t, 3, h.st.IndexedCount())

	var spenderFound chainwire.Hash
	var hit bool
	require.NoError(t, h.st.History.IterScan(schema.SpentEdgePrefix(chainwire.Hash(fundingTxid), 0), func(key, _ []byte) error {
		spenderFound, _ = schema.DecodeSpentEdgeKey(key)
		hit = true
		return nil
	}))
	require.True(t, hit)
	require.Equal(t, chainwire.Hash(spendTx.TxHash()), spenderFound)
}

func TestIndexerTweakStageEmitsTweak(t *testing.T) {
	priv1, err := secp256k1.GeneratePrivateKey()
	require.NoError(t, err)
	priv2, err := secp256k1.GeneratePrivateKey()
	require.NoError(t, err)
	fundingScript := p2wpkhScript(t, priv1.PubKey())
	taprootScript := p2trScript(priv2.PubKey())

	cfg := config.Default()
	cfg.SpBeginHeight = 0
	cfg.SpMinDust = 1000
	h := newTestHarness(t, cfg)

	genesis := mkBlock(chainwire.Hash{}, 0, mkCoinbase(5000000000, []byte{0x51}, 0))
	genesisHash := chainwire.Hash(genesis.Header.BlockHash())
	h.node.AppendBlock(genesis)

	fundingTx := mkCoinbase(50000, fundingScript, 1)
	block1 := mkBlock(genesisHash, 1, fundingTx)
	block1Hash := chainwire.Hash(block1.Header.BlockHash())
	h.node.AppendBlock(block1)

	fundingTxid := fundingTx.TxHash()
	spendTx := wire.NewMsgTx(wire.TxVersion)
	spendTx.AddTxIn(&wire.TxIn{
		PreviousOutPoint: *wire.NewOutPoint(&fundingTxid, 0),
		Witness:          wire.TxWitness{{0x01}, priv1.PubKey().SerializeCompressed()},
		Sequence:         wire.MaxTxInSequenceNum,
	})
	spendTx.AddTxOut(wire.NewTxOut(5000, taprootScript))
	block2 := mkBlock(block1Hash, 2, spendTx)
	h.node.AppendBlock(block2)

	h.update(t)

	require.Equal(t, 3, h.st.TweakedCount())

	var tweakData schema.TweakData
	var hit bool
	require.NoError(t, h.st.Tweak.IterScan(schema.TweakHeightPrefix(2), func(key, value []byte) error {
		_, txid := schema.DecodeTweakKey(key)
		require.Equal(t, chainwire.Hash(spendTx.TxHash()), txid)
		data, err := schema.DecodeTweakData(value)
		require.NoError(t, err)
		tweakData = data
		hit = true
		return nil
	}))
	require.True(t, hit)
	require.NotEmpty(t, tweakData.TweakHex)
	require.Len(t, tweakData.Outputs, 1)
	require.Equal(t, int64(5000), tweakData.Outputs[0].Value)
}
