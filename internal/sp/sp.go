// Package sp implements silent-payment tweak derivation: extracting a
// spending input's public key per BIP-352's input-pubkey rules, and
// combining a transaction's input pubkeys with its outpoints into the
// single tweak value a wallet later combines with its scan private key
// to detect ownership.
package sp

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"sort"

	"github.com/btcsuite/btcd/txscript"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"

	"github.com/Klingon-tech/blockidx/internal/chainwire"
)

// inputsTag is BIP-352's domain-separation tag for the input-hash.
const inputsTag = "BIP0352/Inputs"

// taggedHash computes BIP-340's tagged hash: SHA256(SHA256(tag) ||
// SHA256(tag) || msg).
func taggedHash(tag string, msg ...[]byte) [32]byte {
	tagHash := sha256.Sum256([]byte(tag))
	h := sha256.New()
	h.Write(tagHash[:])
	h.Write(tagHash[:])
	for _, m := range msg {
		h.Write(m)
	}
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// ExtractInputPubKey derives the public key spending an input, per
// BIP-352's "Inputs For Shared Secret Derivation". Returns ok=false (not
// an error) for input types the silent-payments protocol excludes from
// tweak derivation (bare multisig, P2WSH, non-key-path P2TR spends, and
// so on): these don't contribute a pubkey, but they don't break the
// transaction's eligibility either.
func ExtractInputPubKey(scriptSig []byte, witness [][]byte, prevPkScript []byte) (*secp256k1.PublicKey, bool, error) {
	switch {
	case txscript.IsPayToTaproot(prevPkScript):
		return extractTaprootKeyPathPubKey(witness, prevPkScript)
	case txscript.IsPayToWitnessPubKeyHash(prevPkScript):
		return extractWitnessPubKey(witness)
	case isPayToScriptHash(prevPkScript):
		return extractNestedSegwitPubKey(scriptSig, witness)
	case txscript.IsPayToPubKeyHash(prevPkScript):
		return extractLegacyPubKey(scriptSig)
	default:
		return nil, false, nil
	}
}

func isPayToScriptHash(pkScript []byte) bool {
	return len(pkScript) == 23 && pkScript[0] == txscript.OP_HASH160 &&
		pkScript[1] == txscript.OP_DATA_20 && pkScript[22] == txscript.OP_EQUAL
}

// extractTaprootKeyPathPubKey handles only the key-path spend case: a
// single signature on the witness stack (optionally followed by a BIP-341
// annex). Script-path spends reveal a script, not the output key's
// discrete log, so they carry no usable pubkey.
func extractTaprootKeyPathPubKey(witness [][]byte, prevPkScript []byte) (*secp256k1.PublicKey, bool, error) {
	stack := witness
	if len(stack) > 0 && len(stack[len(stack)-1]) > 0 && stack[len(stack)-1][0] == 0x50 {
		stack = stack[:len(stack)-1] // strip the annex
	}
	if len(stack) != 1 {
		return nil, false, nil // script-path spend, not eligible
	}
	if len(prevPkScript) != 34 {
		return nil, false, nil
	}
	return parseXOnlyPubKey(prevPkScript[2:34])
}

// extractWitnessPubKey handles P2WPKH: the witness stack is
// [signature, compressed_pubkey].
func extractWitnessPubKey(witness [][]byte) (*secp256k1.PublicKey, bool, error) {
	if len(witness) != 2 {
		return nil, false, nil
	}
	return parseCompressedPubKey(witness[1])
}

// extractNestedSegwitPubKey handles P2SH-wrapped P2WPKH: the redeemScript
// pushed in scriptSig is a witness-program push, and the actual pubkey is
// still on the witness stack.
func extractNestedSegwitPubKey(scriptSig []byte, witness [][]byte) (*secp256k1.PublicKey, bool, error) {
	pushes, err := txscript.PushedData(scriptSig)
	if err != nil || len(pushes) != 1 {
		return nil, false, nil
	}
	redeem := pushes[0]
	if len(redeem) != 22 || redeem[0] != txscript.OP_0 || redeem[1] != txscript.OP_DATA_20 {
		return nil, false, nil // not a P2WPKH redeem script
	}
	return extractWitnessPubKey(witness)
}

// extractLegacyPubKey handles P2PKH: scriptSig is [signature, pubkey].
func extractLegacyPubKey(scriptSig []byte) (*secp256k1.PublicKey, bool, error) {
	pushes, err := txscript.PushedData(scriptSig)
	if err != nil || len(pushes) != 2 {
		return nil, false, nil
	}
	return parseCompressedPubKey(pushes[1])
}

func parseCompressedPubKey(b []byte) (*secp256k1.PublicKey, bool, error) {
	if len(b) != 33 {
		return nil, false, nil
	}
	pk, err := secp256k1.ParsePubKey(b)
	if err != nil {
		return nil, false, nil
	}
	return pk, true, nil
}

// parseXOnlyPubKey lifts a 32-byte x-only key to the even-y point BIP-340
// always uses for taproot output keys.
func parseXOnlyPubKey(xOnly []byte) (*secp256k1.PublicKey, bool, error) {
	if len(xOnly) != 32 {
		return nil, false, nil
	}
	full := append([]byte{0x02}, xOnly...)
	pk, err := secp256k1.ParsePubKey(full)
	if err != nil {
		return nil, false, fmt.Errorf("parse taproot output key: %w", err)
	}
	return pk, true, nil
}

// sumPubKeys adds a set of public keys together as elliptic-curve points,
// per BIP-352's "sum of the public keys of each input" step.
func sumPubKeys(keys []*secp256k1.PublicKey) *secp256k1.PublicKey {
	var acc secp256k1.JacobianPoint
	keys[0].AsJacobian(&acc)
	for _, k := range keys[1:] {
		var p, sum secp256k1.JacobianPoint
		k.AsJacobian(&p)
		secp256k1.AddNonConst(&acc, &p, &sum)
		acc = sum
	}
	acc.ToAffine()
	return secp256k1.NewPublicKey(&acc.X, &acc.Y)
}

// smallestOutpoint returns the lexicographically-smallest serialized
// outpoint (32-byte txid||4-byte little-endian vout) among a
// transaction's inputs, per BIP-352's input-hash construction.
func smallestOutpoint(outpoints []chainwire.OutPoint) []byte {
	serialized := make([][]byte, len(outpoints))
	for i, op := range outpoints {
		b := make([]byte, 36)
		copy(b[:32], op.Hash[:])
		b[32] = byte(op.Index)
		b[33] = byte(op.Index >> 8)
		b[34] = byte(op.Index >> 16)
		b[35] = byte(op.Index >> 24)
		serialized[i] = b
	}
	sort.Slice(serialized, func(i, j int) bool { return bytes.Compare(serialized[i], serialized[j]) < 0 })
	return serialized[0]
}

// CalculateTweak combines a transaction's collected input pubkeys with
// every one of its outpoints (not just the silent-payments-eligible
// ones: BIP-352 requires the smallest outpoint across all inputs) into
// the tweak point persisted in the K row's TweakData. Returns an error
// only for empty inputs; callers skip transactions with no usable pubkey
// before getting here.
func CalculateTweak(pubkeys []*secp256k1.PublicKey, outpoints []chainwire.OutPoint) (*secp256k1.PublicKey, error) {
	if len(pubkeys) == 0 {
		return nil, fmt.Errorf("sp: calculate tweak: no input pubkeys")
	}
	if len(outpoints) == 0 {
		return nil, fmt.Errorf("sp: calculate tweak: no outpoints")
	}

	sum := sumPubKeys(pubkeys)
	outpoint := smallestOutpoint(outpoints)
	inputHash := taggedHash(inputsTag, outpoint, sum.SerializeCompressed())

	var scalar secp256k1.ModNScalar
	scalar.SetBytes(&inputHash)

	var sumJ, tweakJ secp256k1.JacobianPoint
	sum.AsJacobian(&sumJ)
	secp256k1.ScalarMultNonConst(&scalar, &sumJ, &tweakJ)
	tweakJ.ToAffine()
	return secp256k1.NewPublicKey(&tweakJ.X, &tweakJ.Y), nil
}
