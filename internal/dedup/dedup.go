// Package dedup reduces a batch of decoded records to unique entries under
// a selectable equality policy, preserving first-seen order.
package dedup

import (
	"fmt"
	"strings"

	"github.com/gustycube/subharvest/internal/types"
	"go.uber.org/zap"
)

// Strategy names an equality policy.
type Strategy string

const (
	StrategyExact          Strategy = "exact"
	StrategyServerPort     Strategy = "server_port"
	StrategyServerProtocol Strategy = "server_protocol"
	StrategyContentHash    Strategy = "content_hash"
)

// Key returns the dedup key for a record under s.
func (s Strategy) Key(c *types.Configuration) string {
	switch s {
	case StrategyServerPort:
		return fmt.Sprintf("%s:%d", c.Server, c.Port)
	case StrategyServerProtocol:
		return fmt.Sprintf("%s|%s", c.Server, c.Protocol)
	case StrategyContentHash:
		return c.Fingerprint()
	default:
		return strings.Join([]string{
			string(c.Protocol), c.Server, fmt.Sprint(c.Port),
			c.Identity, c.Secret, c.Cipher, c.Network,
			c.Path, c.HostHeader, fmt.Sprint(c.TLS),
		}, "|")
	}
}

// Parse resolves a strategy name; unknown names fall back to exact with a
// logged warning rather than an error.
func Parse(name string, log *zap.SugaredLogger) Strategy {
	switch Strategy(name) {
	case StrategyExact, StrategyServerPort, StrategyServerProtocol, StrategyContentHash:
		return Strategy(name)
	default:
		if log != nil {
			log.Warnw("unknown dedup strategy, falling back to exact", "strategy", name)
		}
		return StrategyExact
	}
}

// Dedupe returns the unique records in first-seen order.
func Dedupe(records []*types.Configuration, strategy Strategy) []*types.Configuration {
	seen := make(map[string]struct{}, len(records))
	out := make([]*types.Configuration, 0, len(records))
	for _, c := range records {
		k := strategy.Key(c)
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, c)
	}
	return out
}

// FindDuplicates groups records by key without discarding any. Used for
// reporting, not filtering: only keys with more than one record appear.
func FindDuplicates(records []*types.Configuration, strategy Strategy) map[string][]*types.Configuration {
	groups := make(map[string][]*types.Configuration)
	for _, c := range records {
		k := strategy.Key(c)
		groups[k] = append(groups[k], c)
	}
	for k, g := range groups {
		if len(g) < 2 {
			delete(groups, k)
		}
	}
	return groups
}
