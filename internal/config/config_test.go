package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestSetDefaults(t *testing.T) {
	cfg := &Config{}
	cfg.SetDefaults()

	if cfg.Concurrency != 50 {
		t.Errorf("expected default concurrency 50, got %d", cfg.Concurrency)
	}
	if cfg.MaxRetries != 3 {
		t.Errorf("expected default max_retries 3, got %d", cfg.MaxRetries)
	}
	if cfg.BreakerThreshold != 5 {
		t.Errorf("expected default breaker_threshold 5, got %d", cfg.BreakerThreshold)
	}
	if cfg.BreakerRecoverySec != 60 {
		t.Errorf("expected default breaker_recovery_sec 60, got %d", cfg.BreakerRecoverySec)
	}
	if cfg.DedupStrategy != "exact" {
		t.Errorf("expected default dedup strategy exact, got %s", cfg.DedupStrategy)
	}
	sum := cfg.WeightStatus + cfg.WeightConfigs + cfg.WeightProtocols + cfg.WeightLatency
	if sum < 0.999 || sum > 1.001 {
		t.Errorf("default reliability weights should sum to 1.0, got %f", sum)
	}
	if cfg.UA == "" {
		t.Error("expected a default user-agent")
	}
	// Run ids are minted by the caller, not defaulted.
	if cfg.Run != "" {
		t.Errorf("run id should stay empty, got %s", cfg.Run)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid", func(c *Config) {}, false},
		{"missing sources", func(c *Config) { c.Sources = ""; c.RedisQueueAddr = "" }, true},
		{"queue instead of file", func(c *Config) { c.Sources = ""; c.RedisQueueAddr = "127.0.0.1:6379" }, false},
		{"zero concurrency", func(c *Config) { c.Concurrency = -1 }, true},
		{"bad output format", func(c *Config) { c.OutputFormat = "xml" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{Sources: "sources.txt"}
			cfg.SetDefaults()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoadFromFile_YAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	data := `
sources: sources.txt
concurrency: 8
dedup_strategy: server_port
output_format: jsonl
respect_robots: true
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile: %v", err)
	}
	if cfg.Concurrency != 8 {
		t.Errorf("expected concurrency 8, got %d", cfg.Concurrency)
	}
	if cfg.DedupStrategy != "server_port" {
		t.Errorf("expected server_port, got %s", cfg.DedupStrategy)
	}
	if !cfg.RespectRobots {
		t.Error("expected respect_robots true")
	}
	// Defaults fill unset fields
	if cfg.MaxRetries != 3 {
		t.Errorf("expected default max_retries, got %d", cfg.MaxRetries)
	}
}

func TestLoadFromFile_UnsupportedExtension(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	if err := os.WriteFile(path, []byte("x = 1"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadFromFile(path); err == nil {
		t.Error("expected error for unsupported extension")
	}
}

func TestMergeWithFlags(t *testing.T) {
	cfg := &Config{Sources: "a.txt"}
	cfg.SetDefaults()

	cfg.MergeWithFlags(map[string]interface{}{
		"sources":        "b.txt",
		"concurrency":    16,
		"dedup_strategy": "content_hash",
	})

	if cfg.Sources != "b.txt" {
		t.Errorf("expected flag to override sources, got %s", cfg.Sources)
	}
	if cfg.Concurrency != 16 {
		t.Errorf("expected concurrency 16, got %d", cfg.Concurrency)
	}
	if cfg.DedupStrategy != "content_hash" {
		t.Errorf("expected content_hash, got %s", cfg.DedupStrategy)
	}
}
