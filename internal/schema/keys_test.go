package schema

import (
	"bytes"
	"sort"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Klingon-tech/blockidx/internal/chainwire"
)

func testHash(b byte) chainwire.Hash {
	var h chainwire.Hash
	h[0] = b
	return h
}

func testFullHash(b byte) chainwire.FullHash {
	var h chainwire.FullHash
	h[0] = b
	return h
}

// History keys must sort by (scripthash, height) ascending under a raw
// byte compare, since every history scan relies on iteration order
// instead of sorting results. Heights straddling byte boundaries are the
// cases a little-endian encoding would get wrong.
func TestHistoryKeysSortByHeight(t *testing.T) {
	sh := testFullHash(0x11)
	heights := []uint32{0, 1, 255, 256, 257, 65535, 65536, 1 << 24, 1<<31 + 5}

	keys := make([][]byte, len(heights))
	for i, height := range heights {
		keys[i] = HistoryFundingKey(sh, height, testHash(0x22), 0, 1000)
	}

	shuffled := make([][]byte, len(keys))
	copy(shuffled, keys)
	for i, j := 0, len(shuffled)-1; i < j; i, j = i+1, j-1 {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	}
	sort.Slice(shuffled, func(i, j int) bool { return bytes.Compare(shuffled[i], shuffled[j]) < 0 })

	for i := range keys {
		require.Equal(t, keys[i], shuffled[i], "height %d out of order", heights[i])
	}

	prefix := HistoryPrefix(sh)
	for _, k := range keys {
		require.True(t, bytes.HasPrefix(k, prefix))
	}
	require.True(t, bytes.HasPrefix(keys[3], HistoryHeightSeek(sh, 256)))
}

func TestHistoryKeyRoundTrip(t *testing.T) {
	sh := testFullHash(0x33)

	funding := HistoryFundingKey(sh, 840000, testHash(0x44), 7, 12345)
	row := DecodeHistoryKey(funding)
	require.True(t, row.IsFunding)
	require.Equal(t, sh, row.ScriptHash)
	require.Equal(t, uint32(840000), row.Height)
	require.Equal(t, testHash(0x44), row.FundingTxid)
	require.Equal(t, uint16(7), row.FundingVout)
	require.Equal(t, int64(12345), row.Value)

	spending := HistorySpendingKey(sh, 840001, testHash(0x55), 2, testHash(0x44), 7, 12345)
	row = DecodeHistoryKey(spending)
	require.False(t, row.IsFunding)
	require.Equal(t, uint32(840001), row.Height)
	require.Equal(t, testHash(0x55), row.SpendingTxid)
	require.Equal(t, uint16(2), row.SpendingVin)
	require.Equal(t, testHash(0x44), row.PrevTxid)
	require.Equal(t, uint16(7), row.PrevVout)
	require.Equal(t, int64(12345), row.Value)
}

func TestSpentEdgeKeyRoundTrip(t *testing.T) {
	key := SpentEdgeKey(testHash(0x66), 3, testHash(0x77), 1)
	require.True(t, bytes.HasPrefix(key, SpentEdgePrefix(testHash(0x66), 3)))

	spender, vin := DecodeSpentEdgeKey(key)
	require.Equal(t, testHash(0x77), spender)
	require.Equal(t, uint16(1), vin)
}

// Tweak keys are height-prefixed big-endian so a forward scan of the
// whole K family walks heights in ascending order.
func TestTweakKeysSortByHeight(t *testing.T) {
	low := TweakKey(823807, testHash(0xff))
	high := TweakKey(823808, testHash(0x00))
	require.True(t, bytes.Compare(low, high) < 0)

	require.True(t, bytes.HasPrefix(low, TweakHeightPrefix(823807)))
	height, txid := DecodeTweakKey(low)
	require.Equal(t, uint32(823807), height)
	require.Equal(t, testHash(0xff), txid)
}

// TweakData carries an optional spender per output; the flag byte
// distinguishes spent from unspent without padding unspent entries.
func TestTweakDataRoundTrip(t *testing.T) {
	spender := testHash(0x99)
	data := TweakData{
		TweakHex: "02deadbeef",
		Outputs: []TaprootOutput{
			{Vout: 0, Value: 5000, PubKey: [32]byte{0x01}},
			{Vout: 2, Value: 7000, PubKey: [32]byte{0x02}, SpentBy: &spender, SpentInput: 4},
		},
	}

	decoded, err := DecodeTweakData(EncodeTweakData(data))
	require.NoError(t, err)
	require.Equal(t, data.TweakHex, decoded.TweakHex)
	require.Len(t, decoded.Outputs, 2)
	require.Nil(t, decoded.Outputs[0].SpentBy)
	require.NotNil(t, decoded.Outputs[1].SpentBy)
	require.Equal(t, spender, *decoded.Outputs[1].SpentBy)
	require.Equal(t, uint32(4), decoded.Outputs[1].SpentInput)
}

func TestUtxoCacheEntryRoundTrip(t *testing.T) {
	entry := UtxoCacheEntry{
		Utxos: map[chainwire.OutPoint]CachedUtxoEntry{
			{Hash: testHash(0xaa), Index: 0}: {Height: 100, Value: 1000},
			{Hash: testHash(0xbb), Index: 5}: {Height: 200, Value: 2000},
		},
		TipBlockhash: testHash(0xcc),
	}

	decoded, err := DecodeUtxoCache(EncodeUtxoCache(entry))
	require.NoError(t, err)
	require.Equal(t, entry.TipBlockhash, decoded.TipBlockhash)
	require.Equal(t, entry.Utxos, decoded.Utxos)
}

func TestStatsCacheRejectsTruncatedValue(t *testing.T) {
	entry := StatsCacheEntry{
		Stats:        ScriptStats{TxCount: 3, FundedTxoCount: 2, SpentTxoCount: 1, FundedSum: 3000, SpentSum: 1000},
		TipBlockhash: testHash(0xdd),
	}
	encoded := EncodeStatsCache(entry)

	decoded, err := DecodeStatsCache(encoded)
	require.NoError(t, err)
	require.Equal(t, entry, decoded)

	_, err = DecodeStatsCache(encoded[:len(encoded)-1])
	require.Error(t, err)
}
