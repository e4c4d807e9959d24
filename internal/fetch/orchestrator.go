// Package fetch coordinates the aggregation run: concurrency-bounded
// admission of source URLs, validation, retried fetching behind per-origin
// circuit breakers, decoding, deduplication, and quality scoring.
package fetch

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/gustycube/subharvest/internal/circuitbreaker"
	"github.com/gustycube/subharvest/internal/decode"
	"github.com/gustycube/subharvest/internal/dedup"
	"github.com/gustycube/subharvest/internal/httpclient"
	"github.com/gustycube/subharvest/internal/metrics"
	"github.com/gustycube/subharvest/internal/quality"
	"github.com/gustycube/subharvest/internal/rate"
	"github.com/gustycube/subharvest/internal/stats"
	"github.com/gustycube/subharvest/internal/types"
	"github.com/gustycube/subharvest/internal/validate"
)

// Options tunes one orchestrator.
type Options struct {
	Concurrency   int
	MaxRetries    int
	BackoffBase   time.Duration
	BackoffCap    time.Duration
	FetchTimeout  time.Duration
	MaxBodyBytes  int64
	DedupStrategy dedup.Strategy
	HostRate      float64
	HostBurst     int
}

func (o *Options) setDefaults() {
	if o.Concurrency == 0 {
		o.Concurrency = 50
	}
	if o.MaxRetries == 0 {
		o.MaxRetries = 3
	}
	if o.BackoffBase == 0 {
		o.BackoffBase = 500 * time.Millisecond
	}
	if o.BackoffCap == 0 {
		o.BackoffCap = 10 * time.Second
	}
	if o.FetchTimeout == 0 {
		o.FetchTimeout = 30 * time.Second
	}
	if o.MaxBodyBytes == 0 {
		o.MaxBodyBytes = 8 << 20
	}
	if o.DedupStrategy == "" {
		o.DedupStrategy = dedup.StrategyExact
	}
	if o.HostRate == 0 {
		o.HostRate = 2.0
	}
	if o.HostBurst == 0 {
		o.HostBurst = 2
	}
}

// Result is the produced artifact of one run: the ordered unique scored
// catalog plus the statistics snapshot.
type Result struct {
	Configurations []*types.Configuration `json:"configurations"`
	Stats          stats.Snapshot         `json:"stats"`
}

// Orchestrator drives source URLs through validate -> fetch -> decode ->
// dedupe -> score. One source's failure never aborts the batch.
type Orchestrator struct {
	client    *httpclient.ResilientClient
	validator *validate.Validator
	scorer    *quality.CachedScorer
	seen      dedup.SeenSet // optional cross-run suppression
	ratelim   *rate.PerHost
	opts      Options
	log       *zap.SugaredLogger

	inFlight atomic.Int64
	peak     atomic.Int64
}

// New builds an orchestrator. client, validator, and scorer are injected
// so breaker and cache lifetimes are owned by the caller and resettable
// between runs.
func New(client *httpclient.ResilientClient, validator *validate.Validator, scorer *quality.CachedScorer, seen dedup.SeenSet, opts Options, log *zap.SugaredLogger) *Orchestrator {
	opts.setDefaults()
	return &Orchestrator{
		client:    client,
		validator: validator,
		scorer:    scorer,
		seen:      seen,
		ratelim:   rate.New(opts.HostRate, opts.HostBurst),
		opts:      opts,
		log:       log,
	}
}

// InFlight returns the number of sources currently inside the gate.
func (o *Orchestrator) InFlight() int { return int(o.inFlight.Load()) }

// PeakInFlight returns the high-water mark of concurrent sources.
func (o *Orchestrator) PeakInFlight() int { return int(o.peak.Load()) }

// Run processes every source URL and returns the deduplicated, scored
// catalog. A run where every source fails still returns an empty catalog
// and statistics, not an error.
func (o *Orchestrator) Run(ctx context.Context, urls []string) (*Result, error) {
	if o.client == nil || o.validator == nil || o.scorer == nil {
		return nil, errors.New("orchestrator missing a dependency")
	}

	st := stats.NewProcessing()
	gate := make(chan struct{}, o.opts.Concurrency)
	results := make(chan []*types.Configuration, o.opts.Concurrency)

	var wg sync.WaitGroup
	for _, u := range urls {
		wg.Add(1)
		go func(sourceURL string) {
			defer wg.Done()

			// Admission gate: drainable on cancellation, no new
			// sources admitted once ctx is done.
			select {
			case gate <- struct{}{}:
			case <-ctx.Done():
				st.AddSource()
				st.SourceFailed()
				st.RecordSourceError(sourceURL)
				metrics.SourcesTotal.WithLabelValues("cancelled").Inc()
				return
			}
			defer func() { <-gate }()

			n := o.inFlight.Add(1)
			metrics.InFlightFetches.Inc()
			for {
				p := o.peak.Load()
				if n <= p || o.peak.CompareAndSwap(p, n) {
					break
				}
			}
			defer func() {
				o.inFlight.Add(-1)
				metrics.InFlightFetches.Dec()
			}()

			if cfgs := o.processSource(ctx, sourceURL, st); len(cfgs) > 0 {
				results <- cfgs
			}
		}(u)
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	// Merge as sources complete; no ordering across sources.
	var batch []*types.Configuration
	for cfgs := range results {
		batch = append(batch, cfgs...)
	}

	unique := dedup.Dedupe(batch, o.opts.DedupStrategy)
	if o.seen != nil {
		fresh := unique[:0]
		for _, c := range unique {
			if o.seen.Seen(c.Fingerprint()) {
				continue
			}
			fresh = append(fresh, c)
		}
		unique = fresh
	}
	duplicates := len(batch) - len(unique)
	st.AddDuplicates(duplicates)
	st.AddValid(len(unique))
	if duplicates > 0 {
		metrics.DuplicatesTotal.Add(float64(duplicates))
	}

	for _, c := range unique {
		c.QualityScore = o.scorer.Score(ctx, c)
	}
	sort.SliceStable(unique, func(i, j int) bool {
		return unique[i].QualityScore > unique[j].QualityScore
	})

	st.Finalize()
	return &Result{Configurations: unique, Stats: st.Snapshot()}, nil
}

// processSource walks one source through the state machine
// PENDING -> VALIDATING -> (SKIPPED | FETCHING) -> DECODING -> DONE.
// Every failure is contained and converted into a zero-result outcome.
func (o *Orchestrator) processSource(ctx context.Context, sourceURL string, st *stats.Processing) []*types.Configuration {
	tr := otel.Tracer("subharvest/fetch")
	ctx, span := tr.Start(ctx, "ProcessSource")
	defer span.End()

	st.AddSource()
	start := time.Now()
	defer func() { st.RecordSourceTime(sourceURL, time.Since(start)) }()

	defer func() {
		if r := recover(); r != nil {
			o.log.Errorw("source processing panicked", "url", sourceURL, "panic", r)
			st.SourceFailed()
			st.RecordSourceError(sourceURL)
			metrics.SourcesTotal.WithLabelValues("panic").Inc()
		}
	}()

	vr := o.validator.Validate(ctx, sourceURL)
	if !vr.Accessible {
		// Known-dead source: skip the fetch, record the failure.
		o.log.Debugw("source failed validation", "url", sourceURL, "err", vr.Error)
		st.SourceFailed()
		st.RecordSourceError(sourceURL)
		metrics.SourcesTotal.WithLabelValues("validation_failed").Inc()
		return nil
	}

	body, err := o.fetchSource(ctx, sourceURL)
	if err != nil {
		o.log.Debugw("source fetch failed", "url", sourceURL, "err", err)
		st.SourceFailed()
		st.RecordSourceError(sourceURL)
		metrics.SourcesTotal.WithLabelValues("fetch_failed").Inc()
		return nil
	}

	cfgs := decode.Body(body, sourceURL)
	st.AddConfigs(len(cfgs))
	for _, c := range cfgs {
		metrics.ConfigsTotal.WithLabelValues(string(c.Protocol)).Inc()
	}

	st.SourceSucceeded()
	metrics.SourcesTotal.WithLabelValues("ok").Inc()
	o.log.Infow("source processed", "url", sourceURL,
		"configs", len(cfgs), "reliability", vr.ReliabilityScore)
	return cfgs
}

// fetchSource retrieves one source body with exponential backoff and
// jitter. Only transient failures are retried; 4xx responses and an open
// circuit breaker are terminal.
func (o *Orchestrator) fetchSource(ctx context.Context, sourceURL string) ([]byte, error) {
	host := ""
	if u, err := url.Parse(sourceURL); err == nil {
		host = u.Host
	}

	var body []byte
	attempt := 0
	op := func() error {
		attempt++
		if attempt > 1 {
			metrics.FetchRetries.Inc()
		}

		actx, cancel := context.WithTimeout(ctx, o.opts.FetchTimeout)
		defer cancel()

		if host != "" {
			if err := o.ratelim.Wait(actx, host); err != nil {
				return backoff.Permanent(err)
			}
		}

		resp, err := o.client.Get(actx, sourceURL)
		if err != nil {
			if errors.Is(err, circuitbreaker.ErrOpenState) || errors.Is(err, circuitbreaker.ErrTooManyRequests) {
				// An open breaker must not consume the retry budget.
				return backoff.Permanent(err)
			}
			return &TransientError{Err: err}
		}
		defer func() {
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
		}()

		if resp.StatusCode != http.StatusOK {
			httpErr := &httpclient.HTTPError{StatusCode: resp.StatusCode, Status: resp.Status}
			if resp.StatusCode >= 400 && resp.StatusCode < 500 {
				return backoff.Permanent(&TerminalError{Err: httpErr})
			}
			return &TransientError{Err: httpErr}
		}

		b, err := io.ReadAll(io.LimitReader(resp.Body, o.opts.MaxBodyBytes))
		if err != nil {
			return &TransientError{Err: err}
		}
		body = b
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = o.opts.BackoffBase
	bo.Multiplier = 2
	bo.RandomizationFactor = 0.25
	bo.MaxInterval = o.opts.BackoffCap
	bo.MaxElapsedTime = 0

	err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(bo, uint64(o.opts.MaxRetries-1)), ctx))
	if err != nil {
		return nil, err
	}
	return body, nil
}
