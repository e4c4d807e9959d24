package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// diskTier stores one JSON entry file per key. Files are opaque to other
// processes and may be deleted freely by the sweep.
type diskTier struct {
	dir string
}

func newDiskTier(dir string) (*diskTier, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &diskTier{dir: dir}, nil
}

func (d *diskTier) path(key string) string {
	sum := sha256.Sum256([]byte(key))
	return filepath.Join(d.dir, hex.EncodeToString(sum[:])+".json")
}

func (d *diskTier) read(key string, now time.Time) (Entry, bool) {
	raw, err := os.ReadFile(d.path(key))
	if err != nil {
		return Entry{}, false
	}
	var e Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		// Corrupted files are deleted rather than retried.
		os.Remove(d.path(key))
		return Entry{}, false
	}
	if e.expired(now) {
		os.Remove(d.path(key))
		return Entry{}, false
	}
	return e, true
}

func (d *diskTier) write(key string, e Entry) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return err
	}
	tmp := d.path(key) + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, d.path(key))
}

func (d *diskTier) remove(key string) {
	os.Remove(d.path(key))
}

func (d *diskTier) clear() {
	entries, _ := os.ReadDir(d.dir)
	for _, ent := range entries {
		if strings.HasSuffix(ent.Name(), ".json") {
			os.Remove(filepath.Join(d.dir, ent.Name()))
		}
	}
}

func (d *diskTier) sweep(now time.Time) {
	entries, _ := os.ReadDir(d.dir)
	for _, ent := range entries {
		if !strings.HasSuffix(ent.Name(), ".json") {
			continue
		}
		p := filepath.Join(d.dir, ent.Name())
		raw, err := os.ReadFile(p)
		if err != nil {
			continue
		}
		var e Entry
		if err := json.Unmarshal(raw, &e); err != nil || e.expired(now) {
			os.Remove(p)
		}
	}
}
