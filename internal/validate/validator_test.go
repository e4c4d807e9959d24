package validate

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
)

func newTestValidator(opts Options) *Validator {
	if opts.UA == "" {
		opts.UA = "test-agent"
	}
	return New(&http.Client{}, opts, zap.NewNop().Sugar())
}

func TestValidate_HealthySource(t *testing.T) {
	body := strings.Repeat("vless://uuid@vl.example.com:443?type=tcp\n", 20) +
		"trojan://pw@tr.example.com:443\n"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, body)
	}))
	defer srv.Close()

	v := newTestValidator(Options{})
	result := v.Validate(context.Background(), srv.URL)

	if !result.Accessible {
		t.Fatalf("expected accessible, got error %q", result.Error)
	}
	if result.StatusCode != http.StatusOK {
		t.Errorf("status = %d", result.StatusCode)
	}
	if result.EstimatedConfigCount != 21 {
		t.Errorf("estimated count = %d, want 21", result.EstimatedConfigCount)
	}
	if len(result.ProtocolsFound) != 2 {
		t.Errorf("protocols found = %v", result.ProtocolsFound)
	}
	if result.ReliabilityScore <= 0 || result.ReliabilityScore > 1 {
		t.Errorf("score %f out of range", result.ReliabilityScore)
	}
}

func TestValidate_EmptyBodyStillClamped(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	v := newTestValidator(Options{})
	result := v.Validate(context.Background(), srv.URL)

	if !result.Accessible {
		t.Fatal("empty 200 body is still accessible")
	}
	if result.EstimatedConfigCount != 0 {
		t.Errorf("estimated count = %d", result.EstimatedConfigCount)
	}
	if result.ReliabilityScore < 0 || result.ReliabilityScore > 1 {
		t.Errorf("score %f out of range", result.ReliabilityScore)
	}
}

func TestValidate_Non200(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer srv.Close()

	v := newTestValidator(Options{})
	result := v.Validate(context.Background(), srv.URL)

	if result.Accessible {
		t.Error("404 should not be accessible")
	}
	if result.ReliabilityScore != 0 {
		t.Errorf("score = %f, want 0", result.ReliabilityScore)
	}
	if result.Error == "" {
		t.Error("expected error string")
	}
}

func TestValidate_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(500 * time.Millisecond)
	}))
	defer srv.Close()

	v := newTestValidator(Options{Timeout: 50 * time.Millisecond})
	result := v.Validate(context.Background(), srv.URL)

	if result.Accessible {
		t.Error("timed-out probe should not be accessible")
	}
	if result.ReliabilityScore != 0 {
		t.Errorf("score = %f, want 0", result.ReliabilityScore)
	}
}

func TestValidate_UnreachableHost(t *testing.T) {
	v := newTestValidator(Options{Timeout: 200 * time.Millisecond})
	result := v.Validate(context.Background(), "http://127.0.0.1:1/feed.txt")

	if result.Accessible {
		t.Error("unreachable host should not be accessible")
	}
	if result.Error == "" {
		t.Error("expected error string")
	}
}

func TestScore_WeightsAndClamp(t *testing.T) {
	v := newTestValidator(Options{})

	// Reachable, empty, instant: status weight plus full latency weight.
	got := v.score(0, 0, 0)
	want := 0.3 + 0.1
	if got < want-0.001 || got > want+0.001 {
		t.Errorf("score(0,0,0) = %f, want %f", got, want)
	}

	// Saturated inputs must clamp at 1.
	if got := v.score(100000, 50, 0); got > 1 {
		t.Errorf("score = %f, exceeds 1", got)
	}

	// Pathological latency never drags the score negative.
	if got := v.score(0, 0, time.Hour); got < 0 {
		t.Errorf("score = %f, below 0", got)
	}
}

func TestHistoryBounded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "vless://u@h.example.com:443?type=tcp\n")
	}))
	defer srv.Close()

	v := newTestValidator(Options{HistoryCap: 5})
	for i := 0; i < 8; i++ {
		v.Validate(context.Background(), srv.URL)
	}

	if got := len(v.History()); got != 5 {
		t.Errorf("history length = %d, want 5", got)
	}
	if rate := v.SuccessRate(); rate != 1 {
		t.Errorf("success rate = %f, want 1", rate)
	}
}

func TestSuccessRate_Mixed(t *testing.T) {
	ok := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "vless://u@h.example.com:443?type=tcp\n")
	}))
	defer ok.Close()
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer bad.Close()

	v := newTestValidator(Options{})
	v.Validate(context.Background(), ok.URL)
	v.Validate(context.Background(), bad.URL)

	if rate := v.SuccessRate(); rate != 0.5 {
		t.Errorf("success rate = %f, want 0.5", rate)
	}
}
