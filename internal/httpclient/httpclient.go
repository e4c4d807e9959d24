package httpclient

import (
	"context"
	"crypto/tls"
	"io"
	"net/http"
	"time"

	"github.com/gustycube/subharvest/internal/circuitbreaker"
)

func Default() *http.Client {
	tr := &http.Transport{
		TLSClientConfig:       &tls.Config{InsecureSkipVerify: false},
		DisableCompression:    false,
		MaxIdleConns:          1024,
		MaxConnsPerHost:       128,
		MaxIdleConnsPerHost:   64,
		ResponseHeaderTimeout: 10 * time.Second,
		IdleConnTimeout:       30 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	return &http.Client{
		Transport: tr,
		Timeout:   30 * time.Second,
	}
}

// ResilientClient wraps http.Client with a per-origin circuit breaker.
// Requests to an origin whose breaker is open fail immediately with
// circuitbreaker.ErrOpenState, without any I/O.
type ResilientClient struct {
	client  *http.Client
	breaker *circuitbreaker.ScopeBreaker
	ua      string
}

// NewResilientClient creates a new HTTP client with circuit breaker
func NewResilientClient(client *http.Client, ua string, cfg *circuitbreaker.Config) *ResilientClient {
	if client == nil {
		client = Default()
	}
	return &ResilientClient{
		client:  client,
		breaker: circuitbreaker.NewScopeBreaker(cfg),
		ua:      ua,
	}
}

// Do executes an HTTP request with circuit breaker protection
func (c *ResilientClient) Do(req *http.Request) (*http.Response, error) {
	if c.ua != "" && req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", c.ua)
	}
	scope := circuitbreaker.Scope(req.URL.Host)

	var resp *http.Response
	err := c.breaker.Execute(scope, func() error {
		var err error
		resp, err = c.client.Do(req)

		// Connection errors and 5xx responses count against the breaker.
		if err != nil {
			return err
		}
		if resp.StatusCode >= 500 {
			httpErr := &HTTPError{StatusCode: resp.StatusCode, Status: resp.Status}
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			resp = nil
			return httpErr
		}
		return nil
	})

	return resp, err
}

// Get performs a GET request with context and circuit breaker
func (c *ResilientClient) Get(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	return c.Do(req)
}

// BreakerState returns the breaker state for a host's scope
func (c *ResilientClient) BreakerState(host string) circuitbreaker.State {
	return c.breaker.State(circuitbreaker.Scope(host))
}

// BreakerStats returns circuit breaker statistics for all scopes
func (c *ResilientClient) BreakerStats() map[string]struct {
	State    string
	Failures uint32
} {
	return c.breaker.Stats()
}

// ResetBreakers clears all breaker state, e.g. between runs
func (c *ResilientClient) ResetBreakers() {
	c.breaker.ResetAll()
}

// HTTPError represents an HTTP error response
type HTTPError struct {
	StatusCode int
	Status     string
}

func (e *HTTPError) Error() string {
	return e.Status
}

// StatusCodeOf returns the HTTP status code carried by err, or 0
func StatusCodeOf(err error) int {
	if httpErr, ok := err.(*HTTPError); ok {
		return httpErr.StatusCode
	}
	return 0
}
