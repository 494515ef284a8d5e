package headers

import (
	"testing"
	"time"

	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"

	"github.com/Klingon-tech/blockidx/internal/chainwire"
)

func mkHeader(prev chainwire.Hash, nonce uint32, t time.Time) chainwire.Header {
	return wire.BlockHeader{
		Version:    1,
		PrevBlock:  prev,
		MerkleRoot: chainwire.Hash{byte(nonce)},
		Timestamp:  t,
		Bits:       0x1d00ffff,
		Nonce:      nonce,
	}
}

func chainOf(n int) []Entry {
	base := time.Unix(1600000000, 0)
	entries := make([]Entry, n)
	var prev chainwire.Hash
	for i := 0; i < n; i++ {
		h := mkHeader(prev, uint32(i+1), base.Add(time.Duration(i)*10*time.Minute))
		hash := h.BlockHash()
		entries[i] = Entry{Height: uint32(i), Hash: hash, Header: h}
		prev = hash
	}
	return entries
}

func TestApplyExtendsContiguously(t *testing.T) {
	l := &List{byHash: make(map[chainwire.Hash]int)}
	chain := chainOf(5)
	require.NoError(t, l.Apply(chain))

	require.Equal(t, 5, l.Len())
	tip, ok := l.Tip()
	require.True(t, ok)
	require.Equal(t, chain[4].Hash, tip.Hash)

	e, ok := l.HeaderByHeight(2)
	require.True(t, ok)
	require.Equal(t, chain[2].Hash, e.Hash)

	e, ok = l.HeaderByBlockhash(chain[3].Hash)
	require.True(t, ok)
	require.Equal(t, uint32(3), e.Height)
}

func TestApplyReorgTruncatesSuffix(t *testing.T) {
	l := &List{byHash: make(map[chainwire.Hash]int)}
	chain := chainOf(5)
	require.NoError(t, l.Apply(chain))

	// Fork from height 2: new branch replaces heights 3 and 4.
	forkBase := time.Unix(1600999999, 0)
	h3 := mkHeader(chain[2].Hash, 100, forkBase)
	h3Hash := h3.BlockHash()
	h4 := mkHeader(h3Hash, 101, forkBase.Add(10*time.Minute))
	h4Hash := h4.BlockHash()
	newBranch := []Entry{
		{Height: 3, Hash: h3Hash, Header: h3},
		{Height: 4, Hash: h4Hash, Header: h4},
	}

	require.NoError(t, l.Apply(newBranch))
	require.Equal(t, 5, l.Len())

	tip, ok := l.Tip()
	require.True(t, ok)
	require.Equal(t, h4Hash, tip.Hash)

	_, ok = l.HeaderByBlockhash(chain[3].Hash)
	require.False(t, ok, "old branch entry must be gone after reorg")
}

func TestApplyRejectsUnknownParent(t *testing.T) {
	l := &List{byHash: make(map[chainwire.Hash]int)}
	chain := chainOf(3)
	require.NoError(t, l.Apply(chain))

	var randomParent chainwire.Hash
	randomParent[0] = 0xff
	orphan := mkHeader(randomParent, 99, time.Unix(1700000000, 0))
	err := l.Apply([]Entry{{Height: 3, Hash: orphan.BlockHash(), Header: orphan}})
	require.Error(t, err)
}

func TestGetMTP(t *testing.T) {
	l := &List{byHash: make(map[chainwire.Hash]int)}
	chain := chainOf(15)
	require.NoError(t, l.Apply(chain))

	mtp, ok := l.GetMTP(14)
	require.True(t, ok)
	// Median of the 11 timestamps ending at height 14 (heights 4..14):
	// block times step by 10 minutes from a fixed base, so the median is
	// the timestamp at height 9.
	require.Equal(t, chain[9].Header.Timestamp.Unix(), mtp)

	_, ok = l.GetMTP(15)
	require.False(t, ok)
}

func TestOrderExtendsFromKnownTip(t *testing.T) {
	l := &List{byHash: make(map[chainwire.Hash]int)}
	chain := chainOf(3)
	require.NoError(t, l.Apply(chain))

	next := mkHeader(chain[2].Hash, 55, time.Unix(1700000001, 0))
	ordered, err := l.Order([]chainwire.Header{next})
	require.NoError(t, err)
	require.Len(t, ordered, 1)
	require.Equal(t, uint32(3), ordered[0].Height)
}

func TestOrderRejectsOrphan(t *testing.T) {
	l := &List{byHash: make(map[chainwire.Hash]int)}
	chain := chainOf(3)
	require.NoError(t, l.Apply(chain))

	var randomParent chainwire.Hash
	randomParent[0] = 0xaa
	orphan := mkHeader(randomParent, 77, time.Unix(1700000002, 0))
	_, err := l.Order([]chainwire.Header{orphan})
	require.ErrorIs(t, err, ErrOrphan)
}

func TestOrderFromEmptyListAcceptsGenesis(t *testing.T) {
	l := &List{byHash: make(map[chainwire.Hash]int)}
	var zero chainwire.Hash
	genesis := mkHeader(zero, 1, time.Unix(1600000000, 0))
	ordered, err := l.Order([]chainwire.Header{genesis})
	require.NoError(t, err)
	require.Len(t, ordered, 1)
	require.Equal(t, uint32(0), ordered[0].Height)
}
