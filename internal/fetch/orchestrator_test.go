package fetch

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/gustycube/subharvest/internal/cache"
	"github.com/gustycube/subharvest/internal/circuitbreaker"
	"github.com/gustycube/subharvest/internal/dedup"
	"github.com/gustycube/subharvest/internal/httpclient"
	"github.com/gustycube/subharvest/internal/quality"
	"github.com/gustycube/subharvest/internal/validate"
)

func testOptions() Options {
	return Options{
		Concurrency:  10,
		MaxRetries:   3,
		BackoffBase:  time.Millisecond,
		BackoffCap:   5 * time.Millisecond,
		FetchTimeout: 2 * time.Second,
		HostRate:     10000,
		HostBurst:    1000,
	}
}

// newTestOrchestrator wires real components around httptest servers. The
// breaker threshold is high because every httptest server shares the
// 127.0.0.1 scope.
func newTestOrchestrator(t *testing.T, seen dedup.SeenSet, opts Options) *Orchestrator {
	t.Helper()
	log := zap.NewNop().Sugar()

	hc := &http.Client{Timeout: 2 * time.Second}
	client := httpclient.NewResilientClient(hc, "test-agent", &circuitbreaker.Config{
		Threshold:       1000,
		RecoveryTimeout: time.Minute,
	})
	validator := validate.New(hc, validate.Options{
		Timeout: 300 * time.Millisecond,
		UA:      "test-agent",
	}, log)

	mt, err := cache.NewMultiTier(cache.Options{L1Size: 64}, log)
	if err != nil {
		t.Fatal(err)
	}
	scorer := quality.NewCachedScorer(quality.Heuristic{}, mt, time.Minute, log)

	return New(client, validator, scorer, seen, opts, log)
}

func feedBody(n int) string {
	body := ""
	for i := 0; i < n; i++ {
		body += fmt.Sprintf("vless://user-%d@node-%d.example.com:443?type=tcp\n", i, i)
	}
	return body
}

func TestRun_MixedSources(t *testing.T) {
	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, feedBody(10))
	}))
	defer good.Close()

	// Healthy to the validation probe, then failing every fetch attempt.
	var flakyHits atomic.Int32
	flaky := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if flakyHits.Add(1) == 1 {
			fmt.Fprint(w, feedBody(3))
			return
		}
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer flaky.Close()

	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(time.Second)
	}))
	defer slow.Close()

	orch := newTestOrchestrator(t, nil, testOptions())
	result, err := orch.Run(context.Background(), []string{good.URL, flaky.URL, slow.URL})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(result.Configurations) != 10 {
		t.Errorf("got %d records, want 10", len(result.Configurations))
	}
	if result.Stats.TotalSources != 3 {
		t.Errorf("total sources = %d, want 3", result.Stats.TotalSources)
	}
	if result.Stats.SuccessfulSources != 1 {
		t.Errorf("successful = %d, want 1", result.Stats.SuccessfulSources)
	}
	if result.Stats.FailedSources != 2 {
		t.Errorf("failed = %d, want 2", result.Stats.FailedSources)
	}

	// One probe plus the full retry budget of fetch attempts.
	if got := flakyHits.Load(); got != 4 {
		t.Errorf("flaky server saw %d requests, want 4 (probe + 3 attempts)", got)
	}

	for _, c := range result.Configurations {
		if c.QualityScore < 0 || c.QualityScore > 1 {
			t.Errorf("record %s has score %f out of range", c.Fingerprint(), c.QualityScore)
		}
		if c.SourceURL != good.URL {
			t.Errorf("record source = %s, want %s", c.SourceURL, good.URL)
		}
	}
	for i := 1; i < len(result.Configurations); i++ {
		if result.Configurations[i-1].QualityScore < result.Configurations[i].QualityScore {
			t.Error("records not sorted by quality descending")
			break
		}
	}
}

func TestRun_AllSourcesFailIsNotAnError(t *testing.T) {
	dead := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusGone)
	}))
	defer dead.Close()

	orch := newTestOrchestrator(t, nil, testOptions())
	result, err := orch.Run(context.Background(), []string{dead.URL, dead.URL + "/b"})
	if err != nil {
		t.Fatalf("Run should not fail on source failures: %v", err)
	}
	if len(result.Configurations) != 0 {
		t.Errorf("got %d records, want 0", len(result.Configurations))
	}
	if result.Stats.FailedSources != 2 {
		t.Errorf("failed = %d, want 2", result.Stats.FailedSources)
	}
}

func TestRun_TerminalStatusSkipsRetries(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			fmt.Fprint(w, feedBody(1))
			return
		}
		http.Error(w, "forbidden", http.StatusForbidden)
	}))
	defer srv.Close()

	orch := newTestOrchestrator(t, nil, testOptions())
	result, err := orch.Run(context.Background(), []string{srv.URL})
	if err != nil {
		t.Fatal(err)
	}
	if result.Stats.FailedSources != 1 {
		t.Errorf("failed = %d, want 1", result.Stats.FailedSources)
	}
	// Probe plus exactly one fetch attempt: 4xx is terminal.
	if got := hits.Load(); got != 2 {
		t.Errorf("server saw %d requests, want 2", got)
	}
}

func TestRun_DeduplicatesAcrossSources(t *testing.T) {
	body := feedBody(5)
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, body)
	})
	a := httptest.NewServer(handler)
	defer a.Close()
	b := httptest.NewServer(handler)
	defer b.Close()

	orch := newTestOrchestrator(t, nil, testOptions())
	result, err := orch.Run(context.Background(), []string{a.URL, b.URL})
	if err != nil {
		t.Fatal(err)
	}

	// Both sources serve the same 5 endpoints; source_url is not part of
	// the exact key fields compared.
	if len(result.Configurations) != 5 {
		t.Errorf("got %d records, want 5", len(result.Configurations))
	}
	if result.Stats.DuplicateConfigs != 5 {
		t.Errorf("duplicates = %d, want 5", result.Stats.DuplicateConfigs)
	}
	if result.Stats.TotalConfigs != 10 {
		t.Errorf("total configs = %d, want 10", result.Stats.TotalConfigs)
	}
}

func TestRun_SeenSetSuppressesAcrossRuns(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, feedBody(4))
	}))
	defer srv.Close()

	orch := newTestOrchestrator(t, dedup.NewMemory(), testOptions())

	first, err := orch.Run(context.Background(), []string{srv.URL})
	if err != nil {
		t.Fatal(err)
	}
	if len(first.Configurations) != 4 {
		t.Fatalf("first run got %d records, want 4", len(first.Configurations))
	}

	second, err := orch.Run(context.Background(), []string{srv.URL})
	if err != nil {
		t.Fatal(err)
	}
	if len(second.Configurations) != 0 {
		t.Errorf("second run got %d records, want 0 (all seen)", len(second.Configurations))
	}
}

func TestRun_ConcurrencyBounded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(5 * time.Millisecond)
		fmt.Fprint(w, "vless://u@n.example.com:443?type=tcp\n")
	}))
	defer srv.Close()

	opts := testOptions()
	opts.Concurrency = 10

	urls := make([]string, 120)
	for i := range urls {
		urls[i] = fmt.Sprintf("%s/feed-%d", srv.URL, i)
	}

	orch := newTestOrchestrator(t, nil, opts)
	if _, err := orch.Run(context.Background(), urls); err != nil {
		t.Fatal(err)
	}

	if peak := orch.PeakInFlight(); peak > opts.Concurrency {
		t.Errorf("peak in-flight %d exceeded gate %d", peak, opts.Concurrency)
	}
	if orch.PeakInFlight() < 2 {
		t.Error("expected some overlap between sources")
	}
	if orch.InFlight() != 0 {
		t.Errorf("in-flight = %d after run, want 0", orch.InFlight())
	}
}

func TestRun_CancelledContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, feedBody(1))
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	orch := newTestOrchestrator(t, nil, testOptions())
	result, err := orch.Run(ctx, []string{srv.URL, srv.URL + "/b"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(result.Configurations) != 0 {
		t.Errorf("got %d records under cancelled context, want 0", len(result.Configurations))
	}
	if result.Stats.FailedSources != 2 {
		t.Errorf("failed = %d, want 2", result.Stats.FailedSources)
	}
}

func TestRun_MissingDependency(t *testing.T) {
	orch := &Orchestrator{}
	if _, err := orch.Run(context.Background(), []string{"http://x"}); err == nil {
		t.Error("expected contract error for missing dependencies")
	}
}
