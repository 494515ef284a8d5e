package query

import (
	"errors"
	"fmt"

	"github.com/Klingon-tech/blockidx/internal/schema"
)

var errStopScan = errors.New("query: scan limit reached")

// AddressSearch prefix-scans the a-row family and decodes keys back to
// address strings, capped at limit results. The rows only exist when the
// indexer runs with address_search enabled; against a disabled index an
// empty result is indistinguishable from "no match".
func (q *ChainQuery) AddressSearch(prefix string, limit int) ([]string, error) {
	defer q.Metrics.Timer("address_search")()

	var out []string
	err := q.Store.History.IterScan(schema.AddressSearchPrefix(prefix), func(key, _ []byte) error {
		out = append(out, schema.DecodeAddressKey(key))
		if len(out) >= limit {
			return errStopScan
		}
		return nil
	})
	if err != nil && err != errStopScan {
		return nil, fmt.Errorf("query: address search %q: %w", prefix, err)
	}
	return out, nil
}
