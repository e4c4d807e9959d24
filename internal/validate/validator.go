// Package validate probes source URLs for reachability and scores their
// reliability before any fetch is attempted.
package validate

import (
	"context"
	"io"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/gustycube/subharvest/internal/decode"
	"github.com/gustycube/subharvest/internal/types"
)

// Weights shape the reliability score. The defaults mirror the historical
// tuning; the shape of the formula is the contract, not the constants.
type Weights struct {
	Status    float64
	Configs   float64
	Protocols float64
	Latency   float64
}

// DefaultWeights returns the standard weighting.
func DefaultWeights() Weights {
	return Weights{Status: 0.3, Configs: 0.4, Protocols: 0.2, Latency: 0.1}
}

// Options configures a Validator.
type Options struct {
	Timeout      time.Duration
	MaxBodyBytes int64
	UA           string
	Weights      Weights
	HistoryCap   int
}

// Validator issues reachability probes and keeps a bounded in-memory
// history for aggregate reporting.
type Validator struct {
	hc     *http.Client
	opts   Options
	robots *robotsGate // nil unless robots politeness is enabled
	log    *zap.SugaredLogger

	mu      sync.Mutex
	history []types.ValidationResult
}

// New creates a Validator around the given HTTP client.
func New(hc *http.Client, opts Options, log *zap.SugaredLogger) *Validator {
	if opts.Timeout == 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.MaxBodyBytes == 0 {
		opts.MaxBodyBytes = 8 << 20
	}
	if opts.Weights == (Weights{}) {
		opts.Weights = DefaultWeights()
	}
	if opts.HistoryCap == 0 {
		opts.HistoryCap = 1000
	}
	return &Validator{hc: hc, opts: opts, log: log}
}

// EnableRobots turns on the robots.txt politeness gate.
func (v *Validator) EnableRobots() {
	v.robots = newRobotsGate(v.hc, v.opts.UA)
}

// Validate probes one source URL. It never returns an error: any failure
// is captured in the result with Accessible=false and a zero score.
func (v *Validator) Validate(ctx context.Context, url string) types.ValidationResult {
	result := types.ValidationResult{URL: url, Timestamp: time.Now().UTC()}

	if v.robots != nil && !v.robots.allowed(ctx, url) {
		result.Error = "blocked by robots.txt"
		v.record(result)
		return result
	}

	ctx, cancel := context.WithTimeout(ctx, v.opts.Timeout)
	defer cancel()

	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		result.Error = err.Error()
		v.record(result)
		return result
	}
	req.Header.Set("User-Agent", v.opts.UA)

	resp, err := v.hc.Do(req)
	result.ResponseTime = time.Since(start)
	if err != nil {
		result.Error = err.Error()
		v.record(result)
		return result
	}
	defer func() {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	result.StatusCode = resp.StatusCode
	if resp.StatusCode != http.StatusOK {
		result.Error = resp.Status
		v.record(result)
		return result
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, v.opts.MaxBodyBytes))
	if err != nil {
		result.Error = err.Error()
		v.record(result)
		return result
	}

	count, protocols := decode.Scan(body)
	result.Accessible = true
	result.ContentLength = int64(len(body))
	result.EstimatedConfigCount = count
	result.ProtocolsFound = protocols
	result.ReliabilityScore = v.score(count, len(protocols), result.ResponseTime)

	v.record(result)
	return result
}

// score is a weighted sum over reachability, payload richness, protocol
// diversity, and latency, clamped to [0,1].
func (v *Validator) score(configCount, protocolCount int, rt time.Duration) float64 {
	w := v.opts.Weights

	s := w.Status
	s += w.Configs * clamp01(float64(configCount)/1000)
	s += w.Protocols * clamp01(float64(protocolCount)/5)

	latency := 1 - rt.Seconds()/5
	if latency < 0 {
		latency = 0
	}
	s += w.Latency * latency

	return clamp01(s)
}

func clamp01(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}

func (v *Validator) record(r types.ValidationResult) {
	v.mu.Lock()
	v.history = append(v.history, r)
	if len(v.history) > v.opts.HistoryCap {
		v.history = v.history[len(v.history)-v.opts.HistoryCap:]
	}
	v.mu.Unlock()
}

// History returns a copy of the bounded validation history.
func (v *Validator) History() []types.ValidationResult {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]types.ValidationResult, len(v.history))
	copy(out, v.history)
	return out
}

// SuccessRate reports the fraction of accessible probes in the history.
func (v *Validator) SuccessRate() float64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	if len(v.history) == 0 {
		return 0
	}
	ok := 0
	for _, r := range v.history {
		if r.Accessible {
			ok++
		}
	}
	return float64(ok) / float64(len(v.history))
}
