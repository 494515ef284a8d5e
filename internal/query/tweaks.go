package query

import (
	"fmt"

	"github.com/Klingon-tech/blockidx/internal/chainwire"
	"github.com/Klingon-tech/blockidx/internal/kv"
	"github.com/Klingon-tech/blockidx/internal/schema"
)

// TweakEntry pairs a transaction with its derived silent-payment tweak.
type TweakEntry struct {
	Txid chainwire.Hash
	Data schema.TweakData
}

// GetBlockTweaks returns a block's raw tweak-bytes bundle, one entry per
// tweak-eligible transaction in the block, in indexing order.
func (q *ChainQuery) GetBlockTweaks(blockhash chainwire.Hash) ([][]byte, bool, error) {
	defer q.Metrics.Timer("get_block_tweaks")()
	val, err := q.Store.Tweak.Get(schema.BlockTweaksKey(blockhash))
	if err == kv.ErrNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("query: get block tweaks %s: %w", blockhash, err)
	}
	bundle, derr := schema.DecodeBlockTweaks(val)
	if derr != nil {
		return nil, false, fmt.Errorf("query: get block tweaks %s: decode: %w", blockhash, derr)
	}
	return bundle, true, nil
}

// Tweaks returns every tweak-eligible transaction's derived TweakData at
// a given height, regardless of which fork indexed them. K rows are
// keyed by height and txid, not by blockhash, so no best-chain filter
// applies: the tweak namespace is append-only derived data, not a
// best-chain-scoped index.
func (q *ChainQuery) Tweaks(height uint32) ([]TweakEntry, error) {
	defer q.Metrics.Timer("tweaks")()

	var out []TweakEntry
	err := q.Store.Tweak.IterScan(schema.TweakHeightPrefix(height), func(key, value []byte) error {
		_, txid := schema.DecodeTweakKey(key)
		data, derr := schema.DecodeTweakData(value)
		if derr != nil {
			return fmt.Errorf("decode tweak data for %s: %w", txid, derr)
		}
		out = append(out, TweakEntry{Txid: txid, Data: data})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("query: tweaks at height %d: %w", height, err)
	}
	return out, nil
}
