// Package schema implements the key schema and row codecs for every row
// family the indexer persists. Every row family gets a key builder;
// families that are scanned or decoded also get a prefix constructor
// returning the longest common byte prefix usable for a scan and a key
// decoder. There is no length-prefixing, only fixed-width composite keys.
//
// History keys (H) must sort by (scripthash, height) ascending and tweak
// keys (K) by height ascending, so their height fields are big-endian;
// the other integer key fields (vout, vin) are little-endian since their
// scans only rely on the fixed leading prefix portion.
package schema

import (
	"encoding/binary"

	"github.com/Klingon-tech/blockidx/internal/chainwire"
)

// Row prefix bytes, one per persisted row family.
const (
	PrefixTx            byte = 'T'
	PrefixConfirmed     byte = 'C'
	PrefixTxOut         byte = 'O'
	PrefixHeader        byte = 'B'
	PrefixBlockTxids    byte = 'X'
	PrefixBlockMeta     byte = 'M'
	PrefixDone          byte = 'D'
	PrefixHistory       byte = 'H'
	PrefixSpentEdge     byte = 'S'
	PrefixAddress       byte = 'a'
	PrefixTweak         byte = 'K'
	PrefixBlockTweaks   byte = 'W'
	PrefixStatsCache    byte = 'A'
	PrefixUtxoCache     byte = 'U'
	PrefixTip           byte = 't'
	PrefixFullCompacted byte = 'F'
)

// History row discriminants, appended right after the height field.
const (
	DiscriminantFunding  byte = 'F'
	DiscriminantSpending byte = 'S'
)

const hashSize = 32

func appendHash(dst []byte, h chainwire.Hash) []byte {
	return append(dst, h[:]...)
}

func appendFullHash(dst []byte, h chainwire.FullHash) []byte {
	return append(dst, h[:]...)
}

func appendU16LE(dst []byte, v uint16) []byte {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	return append(dst, b[:]...)
}

func appendU32BE(dst []byte, v uint32) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return append(dst, b[:]...)
}

func appendU64LE(dst []byte, v uint64) []byte {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	return append(dst, b[:]...)
}

// --- T: txstore, T{txid} -> raw tx ---

// TxKey returns the key for the raw-transaction row.
func TxKey(txid chainwire.Hash) []byte {
	k := make([]byte, 0, 1+hashSize)
	k = append(k, PrefixTx)
	return appendHash(k, txid)
}

// --- C: txstore, C{txid}{blockhash} -> empty ---

// ConfirmedKey returns the key for a tx-confirmed-in-block edge row.
func ConfirmedKey(txid, blockhash chainwire.Hash) []byte {
	k := make([]byte, 0, 1+2*hashSize)
	k = append(k, PrefixConfirmed)
	k = appendHash(k, txid)
	k = appendHash(k, blockhash)
	return k
}

// ConfirmedPrefix returns the longest common prefix for scanning all
// confirmation edges of a single transaction.
func ConfirmedPrefix(txid chainwire.Hash) []byte {
	k := make([]byte, 0, 1+hashSize)
	k = append(k, PrefixConfirmed)
	return appendHash(k, txid)
}

// DecodeConfirmedKey extracts the blockhash suffix from a C-row key.
func DecodeConfirmedKey(key []byte) (blockhash chainwire.Hash) {
	copy(blockhash[:], key[1+hashSize:1+2*hashSize])
	return blockhash
}

// --- O: txstore, O{txid}{vout:u16} -> serialized TxOut ---

// TxOutKey returns the key for an output lookup row.
func TxOutKey(txid chainwire.Hash, vout uint16) []byte {
	k := make([]byte, 0, 1+hashSize+2)
	k = append(k, PrefixTxOut)
	k = appendHash(k, txid)
	return appendU16LE(k, vout)
}

// TxOutPrefix returns the prefix scanning all outputs of a transaction.
func TxOutPrefix(txid chainwire.Hash) []byte {
	k := make([]byte, 0, 1+hashSize)
	k = append(k, PrefixTxOut)
	return appendHash(k, txid)
}

// --- B: txstore, B{blockhash} -> serialized header ---

// HeaderKey returns the key for a block header row.
func HeaderKey(blockhash chainwire.Hash) []byte {
	k := make([]byte, 0, 1+hashSize)
	k = append(k, PrefixHeader)
	return appendHash(k, blockhash)
}

// --- X: txstore, X{blockhash} -> list of txids ---

// BlockTxidsKey returns the key for a block's ordered txid-list row.
func BlockTxidsKey(blockhash chainwire.Hash) []byte {
	k := make([]byte, 0, 1+hashSize)
	k = append(k, PrefixBlockTxids)
	return appendHash(k, blockhash)
}

// --- M: txstore, M{blockhash} -> (tx_count,size,weight) ---

// BlockMetaKey returns the key for a block-meta row.
func BlockMetaKey(blockhash chainwire.Hash) []byte {
	k := make([]byte, 0, 1+hashSize)
	k = append(k, PrefixBlockMeta)
	return appendHash(k, blockhash)
}

// --- D: all namespaces, D{blockhash} -> empty ---

// DoneKey returns the completion-marker key for a block in whichever
// namespace it's written to.
func DoneKey(blockhash chainwire.Hash) []byte {
	k := make([]byte, 0, 1+hashSize)
	k = append(k, PrefixDone)
	return appendHash(k, blockhash)
}

// DonePrefix is the scan prefix used at startup to rebuild a namespace's
// completion set.
func DonePrefix() []byte {
	return []byte{PrefixDone}
}

// DecodeDoneKey extracts the blockhash from a D-row key.
func DecodeDoneKey(key []byte) (blockhash chainwire.Hash) {
	copy(blockhash[:], key[1:1+hashSize])
	return blockhash
}

// --- H: history, H{scripthash}{height:u32-be}{F|S}{...} -> empty ---

const historyFixedHeaderLen = 1 + 32 + 4 + 1 // prefix + scripthash + height + discriminant

// HistoryFundingKey builds a Funding history row key:
// H{scripthash}{height-be}{F}{funding_txid}{vout:u16}{value}.
func HistoryFundingKey(sh chainwire.FullHash, height uint32, txid chainwire.Hash, vout uint16, value int64) []byte {
	k := make([]byte, 0, historyFixedHeaderLen+hashSize+2+8)
	k = append(k, PrefixHistory)
	k = appendFullHash(k, sh)
	k = appendU32BE(k, height)
	k = append(k, DiscriminantFunding)
	k = appendHash(k, txid)
	k = appendU16LE(k, vout)
	k = appendU64LE(k, uint64(value))
	return k
}

// HistorySpendingKey builds a Spending history row key:
// H{scripthash}{height-be}{S}{spending_txid}{vin:u16}{prev_txid}{prev_vout:u16}{value}.
func HistorySpendingKey(sh chainwire.FullHash, height uint32, spendTxid chainwire.Hash, vin uint16, prevTxid chainwire.Hash, prevVout uint16, value int64) []byte {
	k := make([]byte, 0, historyFixedHeaderLen+hashSize+2+hashSize+2+8)
	k = append(k, PrefixHistory)
	k = appendFullHash(k, sh)
	k = appendU32BE(k, height)
	k = append(k, DiscriminantSpending)
	k = appendHash(k, spendTxid)
	k = appendU16LE(k, vin)
	k = appendHash(k, prevTxid)
	k = appendU16LE(k, prevVout)
	k = appendU64LE(k, uint64(value))
	return k
}

// HistoryPrefix returns the prefix scanning every history row for a
// script-hash, in ascending height order (forward scan) or used as the
// base for a reverse scan.
func HistoryPrefix(sh chainwire.FullHash) []byte {
	k := make([]byte, 0, 1+hashSize)
	k = append(k, PrefixHistory)
	return appendFullHash(k, sh)
}

// HistoryHeightSeek returns the seek key for a script-hash's history rows
// starting at a given height, used by the incremental cache deltas to
// scan "from start_height forward".
func HistoryHeightSeek(sh chainwire.FullHash, height uint32) []byte {
	k := make([]byte, 0, 1+hashSize+4)
	k = append(k, PrefixHistory)
	k = appendFullHash(k, sh)
	return appendU32BE(k, height)
}

// DecodedHistoryRow is the decomposed form of any H-row key, discriminant
// included; Funding and Spending variants fill disjoint tail fields.
type DecodedHistoryRow struct {
	ScriptHash   chainwire.FullHash
	Height       uint32
	IsFunding    bool
	FundingTxid  chainwire.Hash
	FundingVout  uint16
	SpendingTxid chainwire.Hash
	SpendingVin  uint16
	PrevTxid     chainwire.Hash
	PrevVout     uint16
	Value        int64
}

// DecodeHistoryKey decomposes an H-row key by its fixed-width layout.
func DecodeHistoryKey(key []byte) DecodedHistoryRow {
	var row DecodedHistoryRow
	off := 1
	copy(row.ScriptHash[:], key[off:off+hashSize])
	off += hashSize
	row.Height = binary.BigEndian.Uint32(key[off : off+4])
	off += 4
	disc := key[off]
	off++
	row.IsFunding = disc == DiscriminantFunding
	if row.IsFunding {
		copy(row.FundingTxid[:], key[off:off+hashSize])
		off += hashSize
		row.FundingVout = binary.LittleEndian.Uint16(key[off : off+2])
		off += 2
		row.Value = int64(binary.LittleEndian.Uint64(key[off : off+8]))
	} else {
		copy(row.SpendingTxid[:], key[off:off+hashSize])
		off += hashSize
		row.SpendingVin = binary.LittleEndian.Uint16(key[off : off+2])
		off += 2
		copy(row.PrevTxid[:], key[off:off+hashSize])
		off += hashSize
		row.PrevVout = binary.LittleEndian.Uint16(key[off : off+2])
		off += 2
		row.Value = int64(binary.LittleEndian.Uint64(key[off : off+8]))
	}
	return row
}

// --- S: history, S{funding_txid}{funding_vout:u16}{spending_txid}{spending_vin:u16} -> empty ---

// SpentEdgeKey returns the key for a spent-by edge row.
func SpentEdgeKey(fundingTxid chainwire.Hash, fundingVout uint16, spendingTxid chainwire.Hash, spendingVin uint16) []byte {
	k := make([]byte, 0, 1+hashSize+2+hashSize+2)
	k = append(k, PrefixSpentEdge)
	k = appendHash(k, fundingTxid)
	k = appendU16LE(k, fundingVout)
	k = appendHash(k, spendingTxid)
	k = appendU16LE(k, spendingVin)
	return k
}

// SpentEdgePrefix returns the prefix scanning all spends of a single
// funding output (should be at most one on any single best chain, but
// orphaned forks can leave more than one edge behind).
func SpentEdgePrefix(fundingTxid chainwire.Hash, fundingVout uint16) []byte {
	k := make([]byte, 0, 1+hashSize+2)
	k = append(k, PrefixSpentEdge)
	k = appendHash(k, fundingTxid)
	return appendU16LE(k, fundingVout)
}

// DecodeSpentEdgeKey decomposes an S-row key.
func DecodeSpentEdgeKey(key []byte) (spendingTxid chainwire.Hash, spendingVin uint16) {
	off := 1 + hashSize + 2
	copy(spendingTxid[:], key[off:off+hashSize])
	off += hashSize
	spendingVin = binary.LittleEndian.Uint16(key[off : off+2])
	return spendingTxid, spendingVin
}

// --- a: history, a{address} -> empty ---

// AddressKey returns the key for an address-prefix search row.
func AddressKey(address string) []byte {
	k := make([]byte, 0, 1+len(address))
	k = append(k, PrefixAddress)
	return append(k, address...)
}

// AddressSearchPrefix returns the scan prefix for an address-prefix search.
func AddressSearchPrefix(prefix string) []byte {
	return AddressKey(prefix)
}

// DecodeAddressKey recovers the address string from an a-row key.
func DecodeAddressKey(key []byte) string {
	return string(key[1:])
}

// --- K: tweak, K{height:u32-be}{txid} -> TweakData ---

// TweakKey returns the key for a per-tx silent-payment tweak row.
func TweakKey(height uint32, txid chainwire.Hash) []byte {
	k := make([]byte, 0, 1+4+hashSize)
	k = append(k, PrefixTweak)
	k = appendU32BE(k, height)
	return appendHash(k, txid)
}

// TweakHeightPrefix returns the prefix scanning every tweak row at a
// given height, used by ChainQuery.Tweaks(height).
func TweakHeightPrefix(height uint32) []byte {
	k := make([]byte, 0, 1+4)
	k = append(k, PrefixTweak)
	return appendU32BE(k, height)
}

// DecodeTweakKey extracts height and txid from a K-row key.
func DecodeTweakKey(key []byte) (height uint32, txid chainwire.Hash) {
	height = binary.BigEndian.Uint32(key[1:5])
	copy(txid[:], key[5:5+hashSize])
	return height, txid
}

// --- W: tweak, W{blockhash} -> list of tweaks ---

// BlockTweaksKey returns the key for a block's tweak bundle row.
func BlockTweaksKey(blockhash chainwire.Hash) []byte {
	k := make([]byte, 0, 1+hashSize)
	k = append(k, PrefixBlockTweaks)
	return appendHash(k, blockhash)
}

// --- A: cache, A{scripthash} -> (ScriptStats, tip_blockhash) ---

// StatsCacheKey returns the key for a script's cached stats row.
func StatsCacheKey(sh chainwire.FullHash) []byte {
	k := make([]byte, 0, 1+hashSize)
	k = append(k, PrefixStatsCache)
	return appendFullHash(k, sh)
}

// --- U: cache, U{scripthash} -> (CachedUtxoMap, tip_blockhash) ---

// UtxoCacheKey returns the key for a script's cached UTXO-map row.
func UtxoCacheKey(sh chainwire.FullHash) []byte {
	k := make([]byte, 0, 1+hashSize)
	k = append(k, PrefixUtxoCache)
	return appendFullHash(k, sh)
}

// --- t: txstore, t -> best-chain tip hash ---

// TipKey returns the fixed singleton key for the synced-tip sentinel.
func TipKey() []byte { return []byte{PrefixTip} }

// --- F: all namespaces, F -> empty ---

// FullCompactionDoneKey returns the fixed singleton key for the
// one-shot-compaction-done sentinel.
func FullCompactionDoneKey() []byte { return []byte{PrefixFullCompacted} }
