// Package stats accumulates the counters for one aggregation run. Counters
// are commutative: results merge as sources complete, in no particular
// order.
package stats

import (
	"sync"
	"sync/atomic"
	"time"
)

// Processing owns the mutable counters for the duration of one run.
type Processing struct {
	totalSources      atomic.Int64
	successfulSources atomic.Int64
	failedSources     atomic.Int64
	totalConfigs      atomic.Int64
	validConfigs      atomic.Int64
	duplicateConfigs  atomic.Int64

	mu            sync.Mutex
	perSourceTime map[string]time.Duration
	perSourceErrs map[string]int
	startedAt     time.Time
	finishedAt    time.Time
}

// Snapshot is the immutable view handed to output writers.
type Snapshot struct {
	TotalSources      int64                    `json:"total_sources"`
	SuccessfulSources int64                    `json:"successful_sources"`
	FailedSources     int64                    `json:"failed_sources"`
	TotalConfigs      int64                    `json:"total_configs"`
	ValidConfigs      int64                    `json:"valid_configs"`
	DuplicateConfigs  int64                    `json:"duplicate_configs"`
	PerSourceTime     map[string]time.Duration `json:"per_source_time,omitempty"`
	PerSourceErrors   map[string]int           `json:"per_source_errors,omitempty"`
	StartedAt         time.Time                `json:"started_at"`
	FinishedAt        time.Time                `json:"finished_at"`
}

func NewProcessing() *Processing {
	return &Processing{
		perSourceTime: make(map[string]time.Duration),
		perSourceErrs: make(map[string]int),
		startedAt:     time.Now().UTC(),
	}
}

func (p *Processing) AddSource() { p.totalSources.Add(1) }
func (p *Processing) SourceSucceeded() { p.successfulSources.Add(1) }
func (p *Processing) SourceFailed() { p.failedSources.Add(1) }
func (p *Processing) AddConfigs(n int) { p.totalConfigs.Add(int64(n)) }
func (p *Processing) AddValid(n int) { p.validConfigs.Add(int64(n)) }
func (p *Processing) AddDuplicates(n int) { p.duplicateConfigs.Add(int64(n)) }

// RecordSourceTime notes how long one source took. URLs are unique per
// run, so concurrent writers never collide on a key.
func (p *Processing) RecordSourceTime(url string, d time.Duration) {
	p.mu.Lock()
	p.perSourceTime[url] = d
	p.mu.Unlock()
}

// RecordSourceError increments the error count for one source.
func (p *Processing) RecordSourceError(url string) {
	p.mu.Lock()
	p.perSourceErrs[url]++
	p.mu.Unlock()
}

// Finalize stamps the end of the run. Call once, after all workers drain.
func (p *Processing) Finalize() {
	p.mu.Lock()
	p.finishedAt = time.Now().UTC()
	p.mu.Unlock()
}

// Snapshot copies the current counters.
func (p *Processing) Snapshot() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()

	times := make(map[string]time.Duration, len(p.perSourceTime))
	for k, v := range p.perSourceTime {
		times[k] = v
	}
	errs := make(map[string]int, len(p.perSourceErrs))
	for k, v := range p.perSourceErrs {
		errs[k] = v
	}

	return Snapshot{
		TotalSources:      p.totalSources.Load(),
		SuccessfulSources: p.successfulSources.Load(),
		FailedSources:     p.failedSources.Load(),
		TotalConfigs:      p.totalConfigs.Load(),
		ValidConfigs:      p.validConfigs.Load(),
		DuplicateConfigs:  p.duplicateConfigs.Load(),
		PerSourceTime:     times,
		PerSourceErrors:   errs,
		StartedAt:         p.startedAt,
		FinishedAt:        p.finishedAt,
	}
}
