// Package rpctest provides a fake Bitcoin Core-compatible JSON-RPC node
// for exercising rpc.Daemon and the indexer pipeline without a live
// daemon: a real HTTP server the real client dials, serving bitcoind's
// wire shapes from an in-memory block list.
package rpctest

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"

	"github.com/btcsuite/btcd/wire"

	"github.com/Klingon-tech/blockidx/internal/chainwire"
)

type rpcRequest struct {
	JSONRPC string            `json:"jsonrpc"`
	ID      json.RawMessage   `json:"id"`
	Method  string            `json:"method"`
	Params  []json.RawMessage `json:"params"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
	ID     json.RawMessage `json:"id"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Node is an in-memory fake bitcoind: a height-ordered block list served
// over HTTP JSON-RPC, addressable by internal/rpc.Daemon like a real node.
type Node struct {
	mu     sync.RWMutex
	blocks []*wire.MsgBlock // height-ordered, index 0 is genesis
	byHash map[chainwire.Hash]int

	srv *httptest.Server
}

// NewNode starts a fake node with no blocks. Use AppendBlock to extend its
// chain before or during a test.
func NewNode() *Node {
	n := &Node{byHash: make(map[chainwire.Hash]int)}
	n.srv = httptest.NewServer(http.HandlerFunc(n.handle))
	return n
}

// URL returns the node's HTTP endpoint, suitable for config.DaemonConfig.RPCURL.
func (n *Node) URL() string { return n.srv.URL }

// Close shuts down the underlying HTTP server.
func (n *Node) Close() { n.srv.Close() }

// AppendBlock extends the fake chain by one block and returns its height.
func (n *Node) AppendBlock(blk *wire.MsgBlock) uint32 {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.blocks = append(n.blocks, blk)
	height := uint32(len(n.blocks) - 1)
	n.byHash[chainwire.Hash(blk.BlockHash())] = int(height)
	return height
}

// ReorgTip replaces every block from height onward with blocks,
// simulating the node switching to a heavier fork. Orphaned blocks stop
// being served entirely, like a pruned bitcoind's stale branches.
func (n *Node) ReorgTip(height uint32, blocks ...*wire.MsgBlock) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, blk := range n.blocks[height:] {
		delete(n.byHash, chainwire.Hash(blk.BlockHash()))
	}
	n.blocks = n.blocks[:height]
	for _, blk := range blocks {
		n.blocks = append(n.blocks, blk)
		n.byHash[chainwire.Hash(blk.BlockHash())] = len(n.blocks) - 1
	}
}

// BestHash returns the fake chain's current tip hash.
func (n *Node) BestHash() chainwire.Hash {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if len(n.blocks) == 0 {
		return chainwire.Hash{}
	}
	return chainwire.Hash(n.blocks[len(n.blocks)-1].BlockHash())
}

func (n *Node) blockByHash(hash chainwire.Hash) (*wire.MsgBlock, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	idx, ok := n.byHash[hash]
	if !ok {
		return nil, false
	}
	return n.blocks[idx], true
}

func (n *Node) handle(w http.ResponseWriter, r *http.Request) {
	var req rpcRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	result, err := n.dispatch(req.Method, req.Params)
	resp := rpcResponse{ID: req.ID}
	if err != nil {
		resp.Error = &rpcError{Code: -1, Message: err.Error()}
	} else {
		raw, merr := json.Marshal(result)
		if merr != nil {
			http.Error(w, merr.Error(), http.StatusInternalServerError)
			return
		}
		resp.Result = raw
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func (n *Node) dispatch(method string, params []json.RawMessage) (interface{}, error) {
	switch method {
	case "getbestblockhash":
		return n.BestHash().String(), nil

	case "getblockheader":
		var hashStr string
		if err := unmarshalParam(params, 0, &hashStr); err != nil {
			return nil, err
		}
		hash, err := hashFromString(hashStr)
		if err != nil {
			return nil, err
		}
		blk, ok := n.blockByHash(hash)
		if !ok {
			return nil, fmt.Errorf("block not found")
		}
		raw, err := serializeHeader(&blk.Header)
		if err != nil {
			return nil, err
		}
		return hex.EncodeToString(raw), nil

	case "getblock":
		var hashStr string
		if err := unmarshalParam(params, 0, &hashStr); err != nil {
			return nil, err
		}
		hash, err := hashFromString(hashStr)
		if err != nil {
			return nil, err
		}
		blk, ok := n.blockByHash(hash)
		if !ok {
			return nil, fmt.Errorf("block not found")
		}
		raw, err := serializeBlock(blk)
		if err != nil {
			return nil, err
		}
		return hex.EncodeToString(raw), nil

	case "getrawtransaction":
		var txidStr string
		if err := unmarshalParam(params, 0, &txidStr); err != nil {
			return nil, err
		}
		txid, err := hashFromString(txidStr)
		if err != nil {
			return nil, err
		}
		n.mu.RLock()
		defer n.mu.RUnlock()
		for _, blk := range n.blocks {
			for _, tx := range blk.Transactions {
				if chainwire.Hash(tx.TxHash()) == txid {
					raw, err := serializeTx(tx)
					if err != nil {
						return nil, err
					}
					return hex.EncodeToString(raw), nil
				}
			}
		}
		return nil, fmt.Errorf("transaction not found")

	default:
		return nil, fmt.Errorf("rpctest: unimplemented method %q", method)
	}
}

func unmarshalParam(params []json.RawMessage, idx int, out interface{}) error {
	if idx >= len(params) {
		return fmt.Errorf("missing param %d", idx)
	}
	return json.Unmarshal(params[idx], out)
}
