package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/gustycube/subharvest/internal/cache"
	"github.com/gustycube/subharvest/internal/circuitbreaker"
	"github.com/gustycube/subharvest/internal/config"
	"github.com/gustycube/subharvest/internal/dedup"
	"github.com/gustycube/subharvest/internal/fetch"
	"github.com/gustycube/subharvest/internal/health"
	"github.com/gustycube/subharvest/internal/httpclient"
	"github.com/gustycube/subharvest/internal/logging"
	"github.com/gustycube/subharvest/internal/metrics"
	"github.com/gustycube/subharvest/internal/output"
	"github.com/gustycube/subharvest/internal/quality"
	"github.com/gustycube/subharvest/internal/queue"
	"github.com/gustycube/subharvest/internal/telemetry"
	"github.com/gustycube/subharvest/internal/validate"
)

const version = "1.0.0"

func main() {
	var configFile string
	var sourcesFile string
	var runID string
	var concurrency int
	var maxRetries int
	var ua string
	var dedupStrategy string
	var cacheDir string
	var outputFormat string
	var metricsAddr string
	var otelEndpoint string
	var otelInsecure bool
	var otelService string
	var respectRobots bool
	var showVersion bool

	flag.StringVar(&configFile, "config", "", "path to config file (YAML or JSON)")
	flag.StringVar(&sourcesFile, "sources", "", "path to newline-separated source URLs")
	flag.StringVar(&runID, "run", "", "run id")
	flag.IntVar(&concurrency, "concurrency", 0, "concurrent source workers")
	flag.IntVar(&maxRetries, "max_retries", 0, "fetch attempts per source")
	flag.StringVar(&ua, "ua", "", "user-agent")
	flag.StringVar(&dedupStrategy, "dedup_strategy", "", "dedup policy (exact, server_port, server_protocol, content_hash)")
	flag.StringVar(&cacheDir, "cache_dir", "", "disk cache directory")
	flag.StringVar(&outputFormat, "output_format", "", "output format (json, jsonl, csv)")
	flag.StringVar(&metricsAddr, "metrics_addr", "", "metrics listen addr (empty to disable)")
	flag.StringVar(&otelEndpoint, "otel_endpoint", "", "OTLP HTTP endpoint (host:port)")
	flag.BoolVar(&otelInsecure, "otel_insecure", true, "OTLP insecure (no TLS)")
	flag.StringVar(&otelService, "otel_service", "", "OTEL service.name")
	flag.BoolVar(&respectRobots, "respect_robots", false, "honor robots.txt on source hosts")
	flag.BoolVar(&showVersion, "version", false, "show version and exit")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "subharvest - proxy subscription aggregation pipeline\n")
		fmt.Fprintf(os.Stderr, "Fetches connection-string feeds, decodes them into canonical records,\n")
		fmt.Fprintf(os.Stderr, "and emits a deduplicated, quality-ranked catalog.\n\n")
		fmt.Fprintf(os.Stderr, "Usage: %s [options]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  %s -sources=sources.txt -concurrency=50\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s -config=config.yaml -output_format=csv > catalog.csv\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "\nEnvironment Variables:\n")
		fmt.Fprintf(os.Stderr, "  REDIS_ADDR            Redis server for the shared cache tier and seen-set\n")
		fmt.Fprintf(os.Stderr, "  REDIS_QUEUE_ADDR      Redis server for the source work queue\n")
		fmt.Fprintf(os.Stderr, "  SUBHARVEST_CACHE_DIR  Disk cache directory\n")
		fmt.Fprintf(os.Stderr, "  LOG_LEVEL             Log level (debug, info, warn, error)\n")
	}

	flag.Parse()

	if showVersion {
		fmt.Println("subharvest v" + version)
		fmt.Println("Built with Go", strings.TrimPrefix(runtime.Version(), "go"))
		os.Exit(0)
	}

	if sourcesFile == "" && configFile == "" {
		flag.Usage()
		os.Exit(1)
	}

	log := logging.New()
	defer log.Sync()

	var cfg *config.Config
	var err error

	if configFile != "" {
		cfg, err = config.LoadFromFile(configFile)
		if err != nil {
			log.Fatalw("failed to load config file", "file", configFile, "err", err)
		}
		log.Infow("loaded config from file", "file", configFile)
	} else {
		cfg = &config.Config{}
		cfg.SetDefaults()
	}

	cfg.LoadFromEnv()

	flags := make(map[string]interface{})
	if sourcesFile != "" {
		flags["sources"] = sourcesFile
	}
	if runID != "" {
		flags["run"] = runID
	}
	if ua != "" {
		flags["ua"] = ua
	}
	if concurrency > 0 {
		flags["concurrency"] = concurrency
	}
	if maxRetries > 0 {
		flags["max_retries"] = maxRetries
	}
	if dedupStrategy != "" {
		flags["dedup_strategy"] = dedupStrategy
	}
	if cacheDir != "" {
		flags["cache_dir"] = cacheDir
	}
	if outputFormat != "" {
		flags["output_format"] = outputFormat
	}
	if metricsAddr != "" {
		flags["metrics_addr"] = metricsAddr
	}
	if otelEndpoint != "" {
		flags["otel_endpoint"] = otelEndpoint
	}
	if otelService != "" {
		flags["otel_service"] = otelService
	}
	flags["otel_insecure"] = otelInsecure
	flags["respect_robots"] = respectRobots

	cfg.MergeWithFlags(flags)

	if cfg.Run == "" {
		cfg.Run = "run-" + uuid.NewString()
	}

	if err := cfg.Validate(); err != nil {
		log.Fatalw("invalid configuration", "err", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	shutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.OTELService, cfg.Run, cfg.OTELInsecure)
	if err != nil {
		log.Warnw("otel init failed", "err", err)
	} else {
		defer shutdown(context.Background())
	}

	healthHandler := health.NewHandler()
	healthHandler.SetMetadata("run", cfg.Run)
	healthHandler.SetMetadata("version", version)

	// Multi-tier cache: L1 in process, L2 shared (optional), L3 disk.
	tiered, err := cache.NewMultiTier(cache.Options{
		L1Size:    cfg.CacheL1Size,
		RedisAddr: cfg.RedisAddr,
		Dir:       cfg.CacheDir,
		KeyPrefix: "subharvest:cache:",
	}, log)
	if err != nil {
		log.Fatalw("cache init", "err", err)
	}
	healthHandler.RegisterChecker("cache", health.NewPingChecker("shared cache tier", tiered.PingShared))

	go func() {
		ticker := time.NewTicker(5 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				tiered.Sweep(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()

	hc := httpclient.Default()
	hc.Timeout = cfg.FetchTimeout()
	client := httpclient.NewResilientClient(hc, cfg.UA, &circuitbreaker.Config{
		Threshold:       uint32(cfg.BreakerThreshold),
		RecoveryTimeout: time.Duration(cfg.BreakerRecoverySec) * time.Second,
		OnStateChange: func(scope string, from, to circuitbreaker.State) {
			metrics.BreakerTransitions.WithLabelValues(to.String()).Inc()
			log.Infow("circuit breaker state change", "scope", scope, "from", from.String(), "to", to.String())
		},
	})

	validator := validate.New(hc, validate.Options{
		Timeout:      cfg.ValidateTimeout(),
		MaxBodyBytes: cfg.MaxBodyBytes,
		UA:           cfg.UA,
		Weights: validate.Weights{
			Status:    cfg.WeightStatus,
			Configs:   cfg.WeightConfigs,
			Protocols: cfg.WeightProtocols,
			Latency:   cfg.WeightLatency,
		},
	}, log)
	if cfg.RespectRobots {
		validator.EnableRobots()
	}

	scorer := quality.NewCachedScorer(quality.Heuristic{}, tiered,
		time.Duration(cfg.QualityTTLSec)*time.Second, log)

	var seen dedup.SeenSet
	if cfg.RedisAddr != "" {
		rd, err := dedup.NewRedis(cfg.RedisAddr, 24*time.Hour, log)
		if err != nil {
			log.Warnw("redis seen-set init failed, continuing without cross-run dedup", "err", err)
		} else {
			seen = rd
			healthHandler.RegisterChecker("redis", health.NewPingChecker("redis", rd.Ping))
			log.Infow("redis seen-set enabled", "addr", cfg.RedisAddr)
		}
	}

	orch := fetch.New(client, validator, scorer, seen, fetch.Options{
		Concurrency:   cfg.Concurrency,
		MaxRetries:    cfg.MaxRetries,
		BackoffBase:   time.Duration(cfg.BackoffBaseMS) * time.Millisecond,
		BackoffCap:    time.Duration(cfg.BackoffCapSec) * time.Second,
		FetchTimeout:  cfg.FetchTimeout(),
		MaxBodyBytes:  cfg.MaxBodyBytes,
		DedupStrategy: dedup.Parse(cfg.DedupStrategy, log),
		HostRate:      cfg.HostRate,
		HostBurst:     cfg.HostBurst,
	}, log)
	healthHandler.RegisterChecker("gate", health.NewGateChecker(orch.InFlight, cfg.Concurrency))

	if cfg.MetricsAddr != "" {
		go metrics.ServeWithHealth(cfg.MetricsAddr, healthHandler, log)
		log.Infow("metrics and health server started", "addr", cfg.MetricsAddr)
	}

	urls, err := loadSources(ctx, cfg, log)
	if err != nil {
		log.Fatalw("load sources", "err", err)
	}

	log.Infow("starting aggregation run",
		"run", cfg.Run,
		"sources", len(urls),
		"concurrency", cfg.Concurrency,
		"dedup_strategy", cfg.DedupStrategy,
	)

	healthHandler.SetReady(true)

	result, err := orch.Run(ctx, urls)
	if err != nil {
		log.Fatalw("aggregation run failed", "err", err)
	}

	w, err := output.NewStdoutWriter(cfg.OutputFormat)
	if err != nil {
		log.Fatalw("output writer", "err", err)
	}
	if err := w.WriteResult(result); err != nil {
		log.Errorw("write result", "err", err)
	}
	w.Flush()

	log.Infow("run complete",
		"sources_ok", result.Stats.SuccessfulSources,
		"sources_failed", result.Stats.FailedSources,
		"configs_total", result.Stats.TotalConfigs,
		"configs_unique", result.Stats.ValidConfigs,
		"duplicates", result.Stats.DuplicateConfigs,
		"took", result.Stats.FinishedAt.Sub(result.Stats.StartedAt),
	)
}

// loadSources reads the source URLs from the Redis queue when configured,
// otherwise from the sources file. Blank lines and comments are skipped.
func loadSources(ctx context.Context, cfg *config.Config, log *logging.Logger) ([]string, error) {
	if cfg.RedisQueueAddr != "" {
		log.Infow("redis source queue enabled", "addr", cfg.RedisQueueAddr, "key", cfg.RedisQueueKey)
		q, err := queue.NewRedis(cfg.RedisQueueAddr, cfg.RedisQueueKey, 120*time.Second)
		if err != nil {
			return nil, err
		}
		var urls []string
		for {
			u, ack, err := q.Lease(ctx)
			if err != nil {
				return urls, nil
			}
			if u == "" {
				return urls, nil
			}
			urls = append(urls, u)
			_ = ack()
		}
	}

	f, err := os.Open(cfg.Sources)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var urls []string
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		urls = append(urls, line)
	}
	return urls, sc.Err()
}
