package testutils

import (
	"github.com/latticedb/lattice-go/common/pool"
)

// RoutingRecord builds a wire-shaped routing procedure record.
func RoutingRecord(ttlSeconds int64, readers, writers, routers []string) pool.Record {
	return pool.Record{
		"ttl": ttlSeconds,
		"servers": []any{
			map[string]any{"role": "READ", "addresses": toAnyList(readers)},
			map[string]any{"role": "WRITE", "addresses": toAnyList(writers)},
			map[string]any{"role": "ROUTE", "addresses": toAnyList(routers)},
		},
	}
}

func toAnyList(strs []string) []any {
	out := make([]any, len(strs))
	for i, s := range strs {
		out[i] = s
	}
	return out
}
