package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/gustycube/subharvest/internal/health"
)

var (
	SourcesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "subharvest_sources_total", Help: "sources processed by outcome"}, []string{"status"})
	ConfigsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "subharvest_configs_total", Help: "configurations decoded"}, []string{"protocol"})
	DuplicatesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "subharvest_duplicates_total", Help: "duplicate configurations removed"})
	FetchRetries = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "subharvest_fetch_retries_total", Help: "fetch attempts beyond the first"})
	BreakerTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "subharvest_breaker_transitions_total", Help: "circuit breaker state changes"}, []string{"to"})
	CacheRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "subharvest_cache_requests_total", Help: "cache lookups by tier and result"}, []string{"tier", "result"})
	OracleDegradations = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "subharvest_oracle_degradations_total", Help: "quality oracle failures defaulted to neutral"})
	InFlightFetches = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "subharvest_inflight_fetches", Help: "sources currently inside the admission gate"})
)

func init() {
	prometheus.MustRegister(
		SourcesTotal, ConfigsTotal, DuplicatesTotal, FetchRetries,
		BreakerTransitions, CacheRequests, OracleDegradations, InFlightFetches,
	)
}

func Serve(addr string, log *zap.SugaredLogger) {
	http.Handle("/metrics", promhttp.Handler())
	if err := http.ListenAndServe(addr, nil); err != nil {
		log.Warnw("metrics server stopped", "err", err)
	}
}

func ServeWithHealth(addr string, healthHandler *health.Handler, log *zap.SugaredLogger) {
	http.Handle("/metrics", promhttp.Handler())
	http.HandleFunc("/health", healthHandler.HealthHandler)
	http.HandleFunc("/ready", healthHandler.ReadinessHandler)
	http.HandleFunc("/live", healthHandler.LivenessHandler)
	if err := http.ListenAndServe(addr, nil); err != nil {
		log.Warnw("metrics server stopped", "err", err)
	}
}
