// Package chainwire adapts btcd's Bitcoin wire types to the small
// surface the indexer needs: transaction/block decoding, script-hash
// derivation, and spendability/taproot classification. The wire format
// itself belongs to the chain; this package wraps it rather than
// reinventing it.
package chainwire

import (
	"crypto/sha256"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

// Tx is the transaction type every component downstream of the fetcher
// operates on.
type Tx = wire.MsgTx

// TxOut is a single transaction output.
type TxOut = wire.TxOut

// TxIn is a single transaction input.
type TxIn = wire.TxIn

// OutPoint identifies a transaction output: (txid, vout).
type OutPoint = wire.OutPoint

// Header is a block header.
type Header = wire.BlockHeader

// Block is a full block: header plus transactions.
type Block = wire.MsgBlock

// Hash is a 32-byte double-SHA256 hash (txid or block hash).
type Hash = chainhash.Hash

// FullHash is a fixed 32-byte script-hash.
type FullHash [32]byte

// ScriptHash computes SHA-256(script_pubkey_bytes), the addressing key
// used throughout the history and cache row families.
func ScriptHash(pkScript []byte) FullHash {
	return FullHash(sha256.Sum256(pkScript))
}

// maxStandardScriptSize bounds what counts as spendable. 10KB comfortably
// exceeds any standard relay policy limit while still rejecting
// pathological scripts.
const maxStandardScriptSize = 10000

// IsSpendable reports whether an output is eligible for history/UTXO
// indexing: not a provably-unspendable OP_RETURN output and not oversize.
func IsSpendable(pkScript []byte) bool {
	if len(pkScript) > maxStandardScriptSize {
		return false
	}
	return !txscript.IsUnspendable(pkScript)
}

// IsTaprootOutput reports whether pkScript is a v1 witness program
// (P2TR): OP_1 followed by a 32-byte push.
func IsTaprootOutput(pkScript []byte) bool {
	if len(pkScript) != 34 {
		return false
	}
	if pkScript[0] != txscript.OP_1 {
		return false
	}
	if pkScript[1] != txscript.OP_DATA_32 {
		return false
	}
	return true
}

// TaprootProgram extracts the 32-byte x-only output key from a P2TR
// pkScript. Caller must have already checked IsTaprootOutput.
func TaprootProgram(pkScript []byte) []byte {
	return pkScript[2:34]
}

// DecodeAddress decodes a pkScript to a human-readable address string for
// the given network, returning ok=false if the script doesn't encode a
// single standard address (e.g. bare multisig, non-standard scripts).
func DecodeAddress(pkScript []byte, params *chaincfg.Params) (string, bool) {
	_, addrs, _, err := txscript.ExtractPkScriptAddrs(pkScript, params)
	if err != nil || len(addrs) != 1 {
		return "", false
	}
	return addrs[0].EncodeAddress(), true
}

// IsCoinbase reports whether in references no real previous output.
func IsCoinbase(in *TxIn) bool {
	return in.PreviousOutPoint.Hash == (chainhash.Hash{}) && in.PreviousOutPoint.Index == wire.MaxPrevOutIndex
}
