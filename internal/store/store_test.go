package store

import (
	"testing"
	"time"

	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"

	"github.com/Klingon-tech/blockidx/internal/chainwire"
	"github.com/Klingon-tech/blockidx/internal/kv"
	"github.com/Klingon-tech/blockidx/internal/schema"
	"github.com/Klingon-tech/blockidx/internal/store/storetest"
)

func mkHandles() [numNamespaces]kv.DB {
	var handles [numNamespaces]kv.DB
	for i := range handles {
		handles[i] = storetest.NewMemory()
	}
	return handles
}

func mkHeader(prev chainwire.Hash, nonce uint32) chainwire.Header {
	return wire.BlockHeader{
		Version:   1,
		PrevBlock: prev,
		Timestamp: time.Unix(1600000000+int64(nonce), 0),
		Bits:      0x1d00ffff,
		Nonce:     nonce,
	}
}

func TestOpenWithHandlesFreshInstall(t *testing.T) {
	s, err := openWithHandles(mkHandles())
	require.NoError(t, err)
	require.Equal(t, 0, s.Headers.Len())
	require.False(t, s.DoneInitialSync())
	require.Equal(t, 0, s.AddedCount())
	require.Equal(t, 0, s.IndexedCount())
	require.Equal(t, 0, s.TweakedCount())
}

func TestOpenWithHandlesReloadsCompletionSets(t *testing.T) {
	handles := mkHandles()

	var h1, h2 chainwire.Hash
	h1[0] = 0xaa
	h2[0] = 0xbb
	require.NoError(t, handles[NamespaceTxStore].Put(schema.DoneKey(h1), []byte{}))
	require.NoError(t, handles[NamespaceHistory].Put(schema.DoneKey(h2), []byte{}))

	s, err := openWithHandles(handles)
	require.NoError(t, err)
	require.True(t, s.Added(h1))
	require.False(t, s.Added(h2))
	require.True(t, s.Indexed(h2))
	require.False(t, s.Indexed(h1))
}

func TestOpenWithHandlesRebuildsHeaderList(t *testing.T) {
	handles := mkHandles()

	genesis := mkHeader(chainwire.Hash{}, 0)
	genesisHash := genesis.BlockHash()
	child := mkHeader(genesisHash, 1)
	childHash := child.BlockHash()

	genesisBytes, err := schema.EncodeHeader(&genesis)
	require.NoError(t, err)
	childBytes, err := schema.EncodeHeader(&child)
	require.NoError(t, err)

	require.NoError(t, handles[NamespaceTxStore].Put(schema.HeaderKey(genesisHash), genesisBytes))
	require.NoError(t, handles[NamespaceTxStore].Put(schema.HeaderKey(childHash), childBytes))
	require.NoError(t, handles[NamespaceTxStore].Put(schema.TipKey(), childHash[:]))

	s, err := openWithHandles(handles)
	require.NoError(t, err)
	require.Equal(t, 2, s.Headers.Len())
	require.True(t, s.DoneInitialSync())

	tip, ok := s.Headers.Tip()
	require.True(t, ok)
	require.Equal(t, childHash, tip.Hash)
	require.Equal(t, uint32(1), tip.Height)
}

func TestMarkAndCommitTip(t *testing.T) {
	s, err := openWithHandles(mkHandles())
	require.NoError(t, err)

	var h chainwire.Hash
	h[0] = 0x42
	s.MarkAdded([]chainwire.Hash{h})
	require.True(t, s.Added(h))
	require.Equal(t, 1, s.AddedCount())

	require.NoError(t, s.CommitTip(h))
	tipBytes, err := s.TxStore.Get(schema.TipKey())
	require.NoError(t, err)
	require.Equal(t, h[:], tipBytes)
}

func TestMaybeCompactRunsOnceThenEnablesAutoCompaction(t *testing.T) {
	db := storetest.NewMemory()

	require.NoError(t, MaybeCompact(db))
	_, err := db.Get(schema.FullCompactionDoneKey())
	require.NoError(t, err)

	require.NoError(t, MaybeCompact(db))
}

func TestStoreClose(t *testing.T) {
	s, err := openWithHandles(mkHandles())
	require.NoError(t, err)
	require.NoError(t, s.Close())
}
