package rpctest

import (
	"bytes"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/Klingon-tech/blockidx/internal/chainwire"
)

func hashFromString(s string) (chainwire.Hash, error) {
	h, err := chainhash.NewHashFromStr(s)
	if err != nil {
		return chainwire.Hash{}, err
	}
	return chainwire.Hash(*h), nil
}

func serializeHeader(h *wire.BlockHeader) ([]byte, error) {
	var buf bytes.Buffer
	if err := h.Serialize(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func serializeBlock(blk *wire.MsgBlock) ([]byte, error) {
	var buf bytes.Buffer
	if err := blk.Serialize(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func serializeTx(tx *wire.MsgTx) ([]byte, error) {
	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
