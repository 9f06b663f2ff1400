package discovery

import (
	"fmt"
	"sort"
	"strings"
)

// RoutingContext is driver-supplied key/value metadata forwarded to the
// routing procedure so the server can answer with a topology appropriate to
// this client (by data-center, policy name, and so on).
type RoutingContext map[string]string

// ToParams converts the context into procedure parameters.
func (c RoutingContext) ToParams() map[string]any {
	out := make(map[string]any, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out
}

func (c RoutingContext) String() string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([]string, len(keys))
	for i, k := range keys {
		pairs[i] = fmt.Sprintf("%s=%s", k, c[k])
	}
	return "{" + strings.Join(pairs, ", ") + "}"
}
