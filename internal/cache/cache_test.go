package cache

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"
)

func newTestCache(t *testing.T, l1 int) *MultiTier {
	t.Helper()
	mt, err := NewMultiTier(Options{L1Size: l1, Dir: t.TempDir()}, zap.NewNop().Sugar())
	if err != nil {
		t.Fatal(err)
	}
	return mt
}

func TestSetGet(t *testing.T) {
	mt := newTestCache(t, 16)
	ctx := context.Background()

	if err := mt.Set(ctx, "k1", []byte(`"v1"`), time.Minute); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got, ok := mt.Get(ctx, "k1")
	if !ok {
		t.Fatal("expected hit")
	}
	if string(got) != `"v1"` {
		t.Errorf("got %q", got)
	}
}

func TestGet_Miss(t *testing.T) {
	mt := newTestCache(t, 16)
	if _, ok := mt.Get(context.Background(), "absent"); ok {
		t.Error("expected miss for absent key")
	}
}

func TestGet_ExpiredIsMiss(t *testing.T) {
	mt := newTestCache(t, 16)
	ctx := context.Background()

	mt.Set(ctx, "k1", []byte("x"), 10*time.Millisecond)
	time.Sleep(25 * time.Millisecond)

	if _, ok := mt.Get(ctx, "k1"); ok {
		t.Error("expired entry should be a miss")
	}
	// The expired L1 entry is removed on access.
	if _, ok := mt.l1.Peek("k1"); ok {
		t.Error("expired entry should be evicted from L1")
	}
}

func TestGet_DiskPromotion(t *testing.T) {
	mt := newTestCache(t, 16)
	ctx := context.Background()

	mt.Set(ctx, "k1", []byte("payload"), time.Minute)
	// Drop the fast tier; the disk copy must survive and repopulate it.
	mt.l1.Purge()

	got, ok := mt.Get(ctx, "k1")
	if !ok {
		t.Fatal("expected hit from disk tier")
	}
	if string(got) != "payload" {
		t.Errorf("got %q", got)
	}
	if _, ok := mt.l1.Peek("k1"); !ok {
		t.Error("disk hit should be promoted into L1")
	}
}

func TestInvalidate(t *testing.T) {
	mt := newTestCache(t, 16)
	ctx := context.Background()

	mt.Set(ctx, "k1", []byte("x"), time.Minute)
	mt.Invalidate(ctx, "k1")

	if _, ok := mt.Get(ctx, "k1"); ok {
		t.Error("invalidated key should be a miss")
	}
}

func TestClear(t *testing.T) {
	mt := newTestCache(t, 16)
	ctx := context.Background()

	mt.Set(ctx, "k1", []byte("x"), time.Minute)
	mt.Set(ctx, "k2", []byte("y"), time.Minute)
	mt.Clear(ctx)

	if _, ok := mt.Get(ctx, "k1"); ok {
		t.Error("cleared key k1 should be a miss")
	}
	if _, ok := mt.Get(ctx, "k2"); ok {
		t.Error("cleared key k2 should be a miss")
	}
}

func TestSweep_RemovesExpired(t *testing.T) {
	dir := t.TempDir()
	mt, err := NewMultiTier(Options{L1Size: 16, Dir: dir}, zap.NewNop().Sugar())
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	mt.Set(ctx, "stale", []byte("x"), 10*time.Millisecond)
	mt.Set(ctx, "fresh", []byte("y"), time.Minute)
	time.Sleep(25 * time.Millisecond)

	mt.Sweep(ctx)

	if _, ok := mt.l1.Peek("stale"); ok {
		t.Error("sweep should evict expired L1 entry")
	}
	if _, ok := mt.l1.Peek("fresh"); !ok {
		t.Error("sweep should keep live L1 entry")
	}

	files, _ := os.ReadDir(dir)
	count := 0
	for _, f := range files {
		if filepath.Ext(f.Name()) == ".json" {
			count++
		}
	}
	if count != 1 {
		t.Errorf("expected 1 disk file after sweep, got %d", count)
	}
}

func TestDiskTier_CorruptedFileDeleted(t *testing.T) {
	dir := t.TempDir()
	d, err := newDiskTier(dir)
	if err != nil {
		t.Fatal(err)
	}

	if err := os.WriteFile(d.path("k1"), []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, ok := d.read("k1", time.Now()); ok {
		t.Error("corrupted file should be a miss")
	}
	if _, err := os.Stat(d.path("k1")); !os.IsNotExist(err) {
		t.Error("corrupted file should be deleted")
	}
}

func TestDiskTier_RoundTrip(t *testing.T) {
	d, err := newDiskTier(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	now := time.Now()
	in := Entry{Value: json.RawMessage(`{"a":1}`), Expiry: now.Add(time.Minute), Created: now}
	if err := d.write("k1", in); err != nil {
		t.Fatalf("write: %v", err)
	}

	out, ok := d.read("k1", now)
	if !ok {
		t.Fatal("expected hit")
	}
	if string(out.Value) != `{"a":1}` {
		t.Errorf("got %s", out.Value)
	}
}

func TestL1Eviction_DiskSurvives(t *testing.T) {
	mt := newTestCache(t, 2)
	ctx := context.Background()

	mt.Set(ctx, "k1", []byte("1"), time.Minute)
	mt.Set(ctx, "k2", []byte("2"), time.Minute)
	mt.Set(ctx, "k3", []byte("3"), time.Minute) // evicts k1 from L1

	if _, ok := mt.l1.Peek("k1"); ok {
		t.Fatal("k1 should be evicted from L1")
	}
	if _, ok := mt.Get(ctx, "k1"); !ok {
		t.Error("evicted key should still hit via disk tier")
	}
}
