// Package rpc implements the node client: a concrete adapter over a
// Bitcoin Core-compatible node's JSON-RPC surface, covering exactly the
// calls the indexer and query layer need (getbestblockhash, header
// discovery, raw block/transaction fetch, reconnect). There is no
// Daemon interface; callers hold a *Daemon directly.
package rpc

import (
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/rpcclient"
	"github.com/btcsuite/btcd/wire"

	"github.com/Klingon-tech/blockidx/config"
	"github.com/Klingon-tech/blockidx/internal/chainwire"
)

// Daemon wraps a live connection to a Bitcoin Core-compatible node.
type Daemon struct {
	cfg    config.DaemonConfig
	client *rpcclient.Client
}

// NewDaemon dials cfg's node over HTTP JSON-RPC.
func NewDaemon(cfg config.DaemonConfig) (*Daemon, error) {
	d := &Daemon{cfg: cfg}
	if err := d.dial(); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *Daemon) dial() error {
	host := strings.TrimPrefix(strings.TrimPrefix(d.cfg.RPCURL, "https://"), "http://")
	connCfg := &rpcclient.ConnConfig{
		Host:         host,
		User:         d.cfg.RPCUser,
		Pass:         d.cfg.RPCPass,
		HTTPPostMode: true,
		DisableTLS:   !strings.HasPrefix(d.cfg.RPCURL, "https://"),
	}
	client, err := rpcclient.New(connCfg, nil)
	if err != nil {
		return fmt.Errorf("dial daemon %s: %w", d.cfg.RPCURL, err)
	}
	d.client = client
	return nil
}

// Reconnect tears down and redials the connection. Called by
// cmd/blockidxd's poll loop after a failed update.
func (d *Daemon) Reconnect() error {
	if d.client != nil {
		d.client.Shutdown()
	}
	return d.dial()
}

// Close shuts down the underlying connection.
func (d *Daemon) Close() {
	if d.client != nil {
		d.client.Shutdown()
	}
}

// GetBestBlockHash returns the node's current best-chain tip.
func (d *Daemon) GetBestBlockHash() (chainwire.Hash, error) {
	h, err := d.client.GetBestBlockHash()
	if err != nil {
		return chainwire.Hash{}, fmt.Errorf("getbestblockhash: %w", err)
	}
	return chainwire.Hash(*h), nil
}

// GetNewHeaders walks backward from the node's current best-chain tip,
// collecting headers until it reaches a hash already present in known
// (the indexer's local header set) or the zero prev-hash (genesis), then
// returns them in ascending-height order. bitcoind's JSON-RPC surface has
// no batch "headers after locator" call, so unlike a P2P getheaders
// round trip this costs one getblockheader call per missing header;
// acceptable since Update only calls it once per call, not per block.
func (d *Daemon) GetNewHeaders(known map[chainwire.Hash]struct{}) ([]chainwire.Header, error) {
	bestHash, err := d.client.GetBestBlockHash()
	if err != nil {
		return nil, fmt.Errorf("getbestblockhash: %w", err)
	}

	var headers []chainwire.Header
	cursor := bestHash
	for {
		if _, ok := known[chainwire.Hash(*cursor)]; ok {
			break
		}
		hdr, err := d.client.GetBlockHeader(cursor)
		if err != nil {
			return nil, fmt.Errorf("getblockheader %s: %w", cursor, err)
		}
		headers = append(headers, *hdr)
		if hdr.PrevBlock == (chainhash.Hash{}) {
			break
		}
		prev := hdr.PrevBlock
		cursor = &prev
	}

	for i, j := 0, len(headers)-1; i < j; i, j = i+1, j-1 {
		headers[i], headers[j] = headers[j], headers[i]
	}
	return headers, nil
}

// GetBlockRaw fetches and deserializes the full block for hash, used as
// the light-mode fallback when the indexer's own txstore namespace
// doesn't carry raw transactions.
func (d *Daemon) GetBlockRaw(hash chainwire.Hash) (*wire.MsgBlock, error) {
	h := chainhash.Hash(hash)
	blk, err := d.client.GetBlock(&h)
	if err != nil {
		return nil, fmt.Errorf("getblock %s: %w", hash, err)
	}
	return blk, nil
}

// GetTransactionRaw fetches and deserializes a single transaction by
// txid. blockhash is accepted but not sent to the node: the lookup is a
// plain getrawtransaction by txid, which relies on the node's txindex.
func (d *Daemon) GetTransactionRaw(txid chainwire.Hash, blockhash *chainwire.Hash) (*wire.MsgTx, error) {
	h := chainhash.Hash(txid)
	tx, err := d.client.GetRawTransaction(&h)
	if err != nil {
		return nil, fmt.Errorf("getrawtransaction %s: %w", txid, err)
	}
	return tx.MsgTx(), nil
}
