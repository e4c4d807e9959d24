package dedup

import "sync"

// SeenSet suppresses records already observed, possibly across runs.
type SeenSet interface {
	Seen(key string) bool
}

// Memory is a process-local seen-set.
type Memory struct{ m sync.Map }

func NewMemory() *Memory { return &Memory{} }

func (d *Memory) Seen(key string) bool {
	_, ok := d.m.LoadOrStore(key, struct{}{})
	return ok
}
