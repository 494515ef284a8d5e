// Package fetch implements the Fetcher: a concrete adapter that turns a
// list of headers into batches of full blocks, from whichever source the
// indexer currently prefers (bulk block files, forward or reverse, or
// live node RPC). A goroutine produces bounded batches over a channel;
// the caller drains them.
package fetch

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/btcsuite/btcd/wire"

	"github.com/Klingon-tech/blockidx/internal/chainwire"
	"github.com/Klingon-tech/blockidx/internal/headers"
	"github.com/Klingon-tech/blockidx/internal/rpc"
)

// Source identifies where Fetch pulls full blocks from.
type Source int

const (
	// BlkFiles scans raw block files in ascending (oldest-first) order.
	BlkFiles Source = iota
	// BlkFilesReverse scans raw block files in descending order, useful
	// once the indexer is close to the chain tip.
	BlkFilesReverse
	// RPCSource fetches each block individually from the node.
	RPCSource
)

func (s Source) String() string {
	switch s {
	case BlkFiles:
		return "blk_files"
	case BlkFilesReverse:
		return "blk_files_reverse"
	case RPCSource:
		return "rpc"
	default:
		return "unknown"
	}
}

// BlockEntry pairs a header with its full deserialized block and the
// height want requested it at, so downstream indexing stages don't need
// a second lookup against a header list that may not have this batch's
// headers applied yet.
type BlockEntry struct {
	Height uint32
	Header chainwire.Header
	Block  *wire.MsgBlock
}

// Fetcher streams BlockEntry batches for a list of wanted headers.
type Fetcher struct {
	Daemon      *rpc.Daemon
	BlkFilesDir string
	BatchSize   int
}

// New constructs a Fetcher. batchSize <= 0 defaults to 500.
func New(daemon *rpc.Daemon, blkFilesDir string, batchSize int) *Fetcher {
	if batchSize <= 0 {
		batchSize = 500
	}
	return &Fetcher{Daemon: daemon, BlkFilesDir: blkFilesDir, BatchSize: batchSize}
}

// SelectSource applies the fetch-source heuristic: once the indexer has
// consumed most of the backlog it switches the bulk block file scan from
// forward to reverse, since the blocks it still needs are clustered near
// the tip rather than near the start of the archive. The comparison runs
// in signed 64-bit arithmetic; lookupLen-total is negative whenever the
// guard before it holds, and unsigned subtraction would wrap there.
func SelectSource(current Source, startHeight uint32, lookupLen, indexedLen int) Source {
	if current != BlkFiles {
		return current
	}
	total := int64(indexedLen) - int64(startHeight)
	if total > int64(lookupLen) && int64(lookupLen)-total < int64(indexedLen)/2 {
		return BlkFilesReverse
	}
	return current
}

// Fetch streams batches of BlockEntry for want over the returned channel:
// RPCSource in the order want is given, the block-file sources in the
// order blocks are found while scanning the files. The error channel carries at most
// one error and is closed alongside the batch channel. Callers drain
// both until the batch channel closes.
func (f *Fetcher) Fetch(ctx context.Context, source Source, want []headers.Entry) (<-chan []BlockEntry, <-chan error) {
	batches := make(chan []BlockEntry)
	errs := make(chan error, 1)

	go func() {
		defer close(batches)
		defer close(errs)

		var err error
		switch source {
		case RPCSource:
			err = f.fetchRPC(ctx, want, batches)
		case BlkFiles:
			err = f.fetchBlkFiles(ctx, want, false, batches)
		case BlkFilesReverse:
			err = f.fetchBlkFiles(ctx, want, true, batches)
		default:
			err = fmt.Errorf("fetch: unknown source %v", source)
		}
		if err != nil {
			errs <- err
		}
	}()

	return batches, errs
}

func (f *Fetcher) fetchRPC(ctx context.Context, want []headers.Entry, out chan<- []BlockEntry) error {
	batch := make([]BlockEntry, 0, f.BatchSize)
	for _, e := range want {
		if err := ctx.Err(); err != nil {
			return err
		}
		blk, err := f.Daemon.GetBlockRaw(e.Hash)
		if err != nil {
			return fmt.Errorf("fetch block %s: %w", e.Hash, err)
		}
		batch = append(batch, BlockEntry{Height: e.Height, Header: e.Header, Block: blk})
		if len(batch) >= f.BatchSize {
			out <- batch
			batch = make([]BlockEntry, 0, f.BatchSize)
		}
	}
	if len(batch) > 0 {
		out <- batch
	}
	return nil
}

// fetchBlkFiles scans raw block files under BlkFilesDir for the hashes in
// want, in ascending (ascending filename order) or descending order, and
// emits them batched, stopping early once every wanted hash has been
// found.
func (f *Fetcher) fetchBlkFiles(ctx context.Context, want []headers.Entry, reverse bool, out chan<- []BlockEntry) error {
	headerOf := make(map[chainwire.Hash]chainwire.Header, len(want))
	heightOf := make(map[chainwire.Hash]uint32, len(want))
	pending := make(map[chainwire.Hash]struct{}, len(want))
	for _, e := range want {
		headerOf[e.Hash] = e.Header
		heightOf[e.Hash] = e.Height
		pending[e.Hash] = struct{}{}
	}

	files, err := blkFileList(f.BlkFilesDir, reverse)
	if err != nil {
		return fmt.Errorf("list blk files: %w", err)
	}

	batch := make([]BlockEntry, 0, f.BatchSize)
	for _, path := range files {
		if len(pending) == 0 {
			break
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := scanBlkFile(path, func(blk *wire.MsgBlock) error {
			hash := chainwire.Hash(blk.Header.BlockHash())
			if _, ok := pending[hash]; !ok {
				return nil
			}
			delete(pending, hash)
			batch = append(batch, BlockEntry{Height: heightOf[hash], Header: headerOf[hash], Block: blk})
			if len(batch) >= f.BatchSize {
				out <- batch
				batch = make([]BlockEntry, 0, f.BatchSize)
			}
			return nil
		}); err != nil {
			return fmt.Errorf("scan %s: %w", path, err)
		}
	}

	if len(pending) > 0 {
		return fmt.Errorf("fetch: %d requested blocks not found under %s", len(pending), f.BlkFilesDir)
	}
	if len(batch) > 0 {
		out <- batch
	}
	return nil
}

func blkFileList(dir string, reverse bool) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	if reverse {
		for i, j := 0, len(names)-1; i < j; i, j = i+1, j-1 {
			names[i], names[j] = names[j], names[i]
		}
	}
	paths := make([]string, len(names))
	for i, n := range names {
		paths[i] = filepath.Join(dir, n)
	}
	return paths, nil
}

// scanBlkFile reads one bitcoind-style raw block file: a sequence of
// {4-byte magic}{4-byte little-endian length}{serialized block} records,
// calling fn for each successfully deserialized block.
func scanBlkFile(path string, fn func(*wire.MsgBlock) error) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	r := bufio.NewReader(file)
	var header [8]byte
	for {
		if _, err := io.ReadFull(r, header[:]); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				return nil
			}
			return err
		}
		length := binary.LittleEndian.Uint32(header[4:8])
		if length == 0 {
			return nil
		}

		blk := &wire.MsgBlock{}
		if err := blk.Deserialize(io.LimitReader(r, int64(length))); err != nil {
			return fmt.Errorf("deserialize block: %w", err)
		}
		if err := fn(blk); err != nil {
			return err
		}
	}
}
