package schema

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/Klingon-tech/blockidx/internal/chainwire"
)

// putVarBytes writes a length-prefixed byte slice: compact-size length,
// then the bytes. The one variable-length encoding used across row values.
func putVarBytes(buf *bytes.Buffer, b []byte) {
	putVarUint(buf, uint64(len(b)))
	buf.Write(b)
}

func getVarBytes(r *bytes.Reader) ([]byte, error) {
	n, err := getVarUint(r)
	if err != nil {
		return nil, err
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, fmt.Errorf("read var bytes: %w", err)
	}
	return b, nil
}

// putVarUint writes a Bitcoin-style compact-size integer.
func putVarUint(buf *bytes.Buffer, v uint64) {
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

func getVarUint(r *bytes.Reader) (uint64, error) {
	b, err := r.ReadByte()
	if err != nil {
		return 0, err
	}
	switch b {
	case 0xfd:
		var v uint16
		if err := binary.Read(r, binary.LittleEndian, &v); err != nil {
			return 0, err
		}
		return uint64(v), nil
	case 0xfe:
		var v uint32
		if err := binary.Read(r, binary.LittleEndian, &v); err != nil {
			return 0, err
		}
		return uint64(v), nil
	case 0xff:
		var v uint64
		if err := binary.Read(r, binary.LittleEndian, &v); err != nil {
			return 0, err
		}
		return v, nil
	default:
		return uint64(b), nil
	}
}

// EncodeTxOut serializes a TxOut as 8 bytes little-endian value followed
// by a varint-prefixed pkScript.
func EncodeTxOut(out *chainwire.TxOut) []byte {
	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, out.Value)
	putVarBytes(&buf, out.PkScript)
	return buf.Bytes()
}

// DecodeTxOut parses the value written by EncodeTxOut.
func DecodeTxOut(data []byte) (*chainwire.TxOut, error) {
	r := bytes.NewReader(data)
	var value int64
	if err := binary.Read(r, binary.LittleEndian, &value); err != nil {
		return nil, fmt.Errorf("decode txout value: %w", err)
	}
	pkScript, err := getVarBytes(r)
	if err != nil {
		return nil, fmt.Errorf("decode txout script: %w", err)
	}
	return &chainwire.TxOut{Value: value, PkScript: pkScript}, nil
}

// EncodeRawTx serializes a transaction using the chain's wire format.
func EncodeRawTx(tx *chainwire.Tx) ([]byte, error) {
	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return nil, fmt.Errorf("serialize tx: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeRawTx parses the value written by EncodeRawTx.
func DecodeRawTx(data []byte) (*chainwire.Tx, error) {
	tx := &chainwire.Tx{}
	if err := tx.Deserialize(bytes.NewReader(data)); err != nil {
		return nil, fmt.Errorf("deserialize tx: %w", err)
	}
	return tx, nil
}

// EncodeHeader serializes a block header using the chain's wire format.
func EncodeHeader(h *chainwire.Header) ([]byte, error) {
	var buf bytes.Buffer
	if err := h.Serialize(&buf); err != nil {
		return nil, fmt.Errorf("serialize header: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeHeader parses the value written by EncodeHeader.
func DecodeHeader(data []byte) (*chainwire.Header, error) {
	h := &chainwire.Header{}
	if err := h.Deserialize(bytes.NewReader(data)); err != nil {
		return nil, fmt.Errorf("deserialize header: %w", err)
	}
	return h, nil
}

// EncodeTxids serializes an ordered list of txids.
func EncodeTxids(txids []chainwire.Hash) []byte {
	var buf bytes.Buffer
	putVarUint(&buf, uint64(len(txids)))
	for _, h := range txids {
		buf.Write(h[:])
	}
	return buf.Bytes()
}

// DecodeTxids parses the value written by EncodeTxids.
func DecodeTxids(data []byte) ([]chainwire.Hash, error) {
	r := bytes.NewReader(data)
	n, err := getVarUint(r)
	if err != nil {
		return nil, fmt.Errorf("decode txid count: %w", err)
	}
	out := make([]chainwire.Hash, n)
	for i := range out {
		if _, err := io.ReadFull(r, out[i][:]); err != nil {
			return nil, fmt.Errorf("decode txid %d: %w", i, err)
		}
	}
	return out, nil
}

// BlockMeta is the M-row value: (tx_count, size, weight).
type BlockMeta struct {
	TxCount uint32
	Size    uint32
	Weight  uint32
}

// EncodeBlockMeta serializes a BlockMeta.
func EncodeBlockMeta(m BlockMeta) []byte {
	buf := make([]byte, 12)
	binary.LittleEndian.PutUint32(buf[0:4], m.TxCount)
	binary.LittleEndian.PutUint32(buf[4:8], m.Size)
	binary.LittleEndian.PutUint32(buf[8:12], m.Weight)
	return buf
}

// DecodeBlockMeta parses the value written by EncodeBlockMeta.
func DecodeBlockMeta(data []byte) (BlockMeta, error) {
	if len(data) != 12 {
		return BlockMeta{}, fmt.Errorf("corrupt block meta: %d bytes", len(data))
	}
	return BlockMeta{
		TxCount: binary.LittleEndian.Uint32(data[0:4]),
		Size:    binary.LittleEndian.Uint32(data[4:8]),
		Weight:  binary.LittleEndian.Uint32(data[8:12]),
	}, nil
}

// TaprootOutput describes one silent-payment-eligible output in a
// TweakData row: its index and, if already spent, the spending input.
type TaprootOutput struct {
	Vout       uint32
	Value      int64
	PubKey     [32]byte
	SpentBy    *chainwire.Hash // nil if unspent at index time
	SpentInput uint32
}

// TweakData is the K-row value: a derived silent-payment tweak plus every
// eligible taproot output in the transaction.
type TweakData struct {
	TweakHex string
	Outputs  []TaprootOutput
}

// EncodeTweakData serializes a TweakData value.
func EncodeTweakData(t TweakData) []byte {
	var buf bytes.Buffer
	putVarBytes(&buf, []byte(t.TweakHex))
	putVarUint(&buf, uint64(len(t.Outputs)))
	for _, o := range t.Outputs {
		binary.Write(&buf, binary.LittleEndian, o.Vout)
		binary.Write(&buf, binary.LittleEndian, o.Value)
		buf.Write(o.PubKey[:])
		if o.SpentBy == nil {
			buf.WriteByte(0)
		} else {
			buf.WriteByte(1)
			buf.Write(o.SpentBy[:])
			binary.Write(&buf, binary.LittleEndian, o.SpentInput)
		}
	}
	return buf.Bytes()
}

// DecodeTweakData parses the value written by EncodeTweakData.
func DecodeTweakData(data []byte) (TweakData, error) {
	r := bytes.NewReader(data)
	hexBytes, err := getVarBytes(r)
	if err != nil {
		return TweakData{}, fmt.Errorf("decode tweak hex: %w", err)
	}
	n, err := getVarUint(r)
	if err != nil {
		return TweakData{}, fmt.Errorf("decode output count: %w", err)
	}
	outs := make([]TaprootOutput, n)
	for i := range outs {
		if err := binary.Read(r, binary.LittleEndian, &outs[i].Vout); err != nil {
			return TweakData{}, fmt.Errorf("decode output %d vout: %w", i, err)
		}
		if err := binary.Read(r, binary.LittleEndian, &outs[i].Value); err != nil {
			return TweakData{}, fmt.Errorf("decode output %d value: %w", i, err)
		}
		if _, err := io.ReadFull(r, outs[i].PubKey[:]); err != nil {
			return TweakData{}, fmt.Errorf("decode output %d pubkey: %w", i, err)
		}
		flag, err := r.ReadByte()
		if err != nil {
			return TweakData{}, fmt.Errorf("decode output %d spent flag: %w", i, err)
		}
		if flag == 1 {
			var spentBy chainwire.Hash
			if _, err := io.ReadFull(r, spentBy[:]); err != nil {
				return TweakData{}, fmt.Errorf("decode output %d spender: %w", i, err)
			}
			if err := binary.Read(r, binary.LittleEndian, &outs[i].SpentInput); err != nil {
				return TweakData{}, fmt.Errorf("decode output %d spender vin: %w", i, err)
			}
			outs[i].SpentBy = &spentBy
		}
	}
	return TweakData{TweakHex: string(hexBytes), Outputs: outs}, nil
}

// EncodeBlockTweaks serializes a block's raw tweak-bytes bundle.
func EncodeBlockTweaks(tweaks [][]byte) []byte {
	var buf bytes.Buffer
	putVarUint(&buf, uint64(len(tweaks)))
	for _, t := range tweaks {
		putVarBytes(&buf, t)
	}
	return buf.Bytes()
}

// DecodeBlockTweaks parses the value written by EncodeBlockTweaks.
func DecodeBlockTweaks(data []byte) ([][]byte, error) {
	r := bytes.NewReader(data)
	n, err := getVarUint(r)
	if err != nil {
		return nil, fmt.Errorf("decode tweak count: %w", err)
	}
	out := make([][]byte, n)
	for i := range out {
		out[i], err = getVarBytes(r)
		if err != nil {
			return nil, fmt.Errorf("decode tweak %d: %w", i, err)
		}
	}
	return out, nil
}

// ScriptStats is the cacheable per-script aggregate: transaction count
// plus funded/spent output counts and sums. Monotone non-decreasing over
// the best chain's growth; reset only by cache invalidation on reorg.
type ScriptStats struct {
	TxCount        uint64
	FundedTxoCount uint64
	SpentTxoCount  uint64
	FundedSum      uint64
	SpentSum       uint64
}

// StatsCacheEntry is the A-row value: stats plus the tip they were
// computed against.
type StatsCacheEntry struct {
	Stats        ScriptStats
	TipBlockhash chainwire.Hash
}

// EncodeStatsCache serializes a StatsCacheEntry.
func EncodeStatsCache(e StatsCacheEntry) []byte {
	buf := make([]byte, 40+32)
	binary.LittleEndian.PutUint64(buf[0:8], e.Stats.TxCount)
	binary.LittleEndian.PutUint64(buf[8:16], e.Stats.FundedTxoCount)
	binary.LittleEndian.PutUint64(buf[16:24], e.Stats.SpentTxoCount)
	binary.LittleEndian.PutUint64(buf[24:32], e.Stats.FundedSum)
	binary.LittleEndian.PutUint64(buf[32:40], e.Stats.SpentSum)
	copy(buf[40:72], e.TipBlockhash[:])
	return buf
}

// DecodeStatsCache parses the value written by EncodeStatsCache.
func DecodeStatsCache(data []byte) (StatsCacheEntry, error) {
	if len(data) != 72 {
		return StatsCacheEntry{}, fmt.Errorf("corrupt stats cache: %d bytes", len(data))
	}
	var e StatsCacheEntry
	e.Stats.TxCount = binary.LittleEndian.Uint64(data[0:8])
	e.Stats.FundedTxoCount = binary.LittleEndian.Uint64(data[8:16])
	e.Stats.SpentTxoCount = binary.LittleEndian.Uint64(data[16:24])
	e.Stats.FundedSum = binary.LittleEndian.Uint64(data[24:32])
	e.Stats.SpentSum = binary.LittleEndian.Uint64(data[32:40])
	copy(e.TipBlockhash[:], data[40:72])
	return e, nil
}

// CachedUtxoEntry is one entry of a cached UTXO map: height and value
// only. The full BlockId tag is re-derived from the header list on load,
// so a cached entry stays valid as long as its height is still on the
// best chain.
type CachedUtxoEntry struct {
	Height uint32
	Value  int64
}

// UtxoCacheEntry is the U-row value.
type UtxoCacheEntry struct {
	Utxos        map[chainwire.OutPoint]CachedUtxoEntry
	TipBlockhash chainwire.Hash
}

// EncodeUtxoCache serializes a UtxoCacheEntry.
func EncodeUtxoCache(e UtxoCacheEntry) []byte {
	var buf bytes.Buffer
	buf.Write(e.TipBlockhash[:])
	putVarUint(&buf, uint64(len(e.Utxos)))
	for op, v := range e.Utxos {
		buf.Write(op.Hash[:])
		binary.Write(&buf, binary.LittleEndian, op.Index)
		binary.Write(&buf, binary.LittleEndian, v.Height)
		binary.Write(&buf, binary.LittleEndian, v.Value)
	}
	return buf.Bytes()
}

// DecodeUtxoCache parses the value written by EncodeUtxoCache.
func DecodeUtxoCache(data []byte) (UtxoCacheEntry, error) {
	r := bytes.NewReader(data)
	var e UtxoCacheEntry
	if _, err := io.ReadFull(r, e.TipBlockhash[:]); err != nil {
		return e, fmt.Errorf("decode utxo cache tip: %w", err)
	}
	n, err := getVarUint(r)
	if err != nil {
		return e, fmt.Errorf("decode utxo cache count: %w", err)
	}
	e.Utxos = make(map[chainwire.OutPoint]CachedUtxoEntry, n)
	for i := uint64(0); i < n; i++ {
		var op chainwire.OutPoint
		if _, err := io.ReadFull(r, op.Hash[:]); err != nil {
			return e, fmt.Errorf("decode utxo cache entry %d hash: %w", i, err)
		}
		if err := binary.Read(r, binary.LittleEndian, &op.Index); err != nil {
			return e, fmt.Errorf("decode utxo cache entry %d index: %w", i, err)
		}
		var v CachedUtxoEntry
		if err := binary.Read(r, binary.LittleEndian, &v.Height); err != nil {
			return e, fmt.Errorf("decode utxo cache entry %d height: %w", i, err)
		}
		if err := binary.Read(r, binary.LittleEndian, &v.Value); err != nil {
			return e, fmt.Errorf("decode utxo cache entry %d value: %w", i, err)
		}
		e.Utxos[op] = v
	}
	return e, nil
}
