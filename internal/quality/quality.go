// Package quality scores decoded records through an external oracle,
// absorbing repeated lookups with the multi-tier cache.
package quality

import (
	"context"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/gustycube/subharvest/internal/cache"
	"github.com/gustycube/subharvest/internal/metrics"
	"github.com/gustycube/subharvest/internal/types"
)

// NeutralScore is used whenever the oracle fails or misbehaves.
const NeutralScore = 0.5

// Oracle predicts the quality of one endpoint record, in [0,1].
type Oracle interface {
	Score(ctx context.Context, c *types.Configuration) (float64, error)
}

// OracleFunc adapts a function to the Oracle interface.
type OracleFunc func(ctx context.Context, c *types.Configuration) (float64, error)

func (f OracleFunc) Score(ctx context.Context, c *types.Configuration) (float64, error) {
	return f(ctx, c)
}

// CachedScorer wraps an Oracle with the multi-tier cache, keyed by record
// fingerprint. Oracle failures degrade to the neutral score.
type CachedScorer struct {
	oracle Oracle
	cache  *cache.MultiTier
	ttl    time.Duration
	log    *zap.SugaredLogger
}

func NewCachedScorer(oracle Oracle, c *cache.MultiTier, ttl time.Duration, log *zap.SugaredLogger) *CachedScorer {
	if ttl == 0 {
		ttl = time.Hour
	}
	return &CachedScorer{oracle: oracle, cache: c, ttl: ttl, log: log}
}

// Score returns the cached or freshly computed quality score, always in
// [0,1], never an error.
func (s *CachedScorer) Score(ctx context.Context, c *types.Configuration) float64 {
	key := "quality:" + c.Fingerprint()

	if raw, ok := s.cache.Get(ctx, key); ok {
		if score, err := strconv.ParseFloat(string(raw), 64); err == nil && score >= 0 && score <= 1 {
			return score
		}
		s.cache.Invalidate(ctx, key)
	}

	score, err := s.oracle.Score(ctx, c)
	if err != nil || score < 0 || score > 1 {
		metrics.OracleDegradations.Inc()
		s.log.Warnw("quality oracle degraded, using neutral score",
			"fingerprint", c.Fingerprint(), "err", err)
		return NeutralScore
	}

	raw := strconv.FormatFloat(score, 'f', -1, 64)
	s.cache.Set(ctx, key, []byte(raw), s.ttl)
	return score
}

// Heuristic is the built-in stand-in oracle: a cheap arithmetic estimate
// from record shape. Deployments replace it with the real model endpoint.
type Heuristic struct{}

func (Heuristic) Score(_ context.Context, c *types.Configuration) (float64, error) {
	score := 0.4
	if c.TLS {
		score += 0.2
	}
	switch c.Network {
	case "grpc", "ws":
		score += 0.15
	case "tcp":
		score += 0.1
	}
	switch c.Port {
	case 443, 8443:
		score += 0.15
	case 80, 8080:
		score += 0.05
	}
	if c.Identity != "" || c.Secret != "" {
		score += 0.1
	}
	if score > 1 {
		score = 1
	}
	return score, nil
}
