// Package cache is the local object cache for downloaded artifacts,
// keyrings, and the trust anchor bundle.
//
// Entries are published atomically: content is written to a temp file in
// the cache directory and renamed into place only once complete, so a
// reader never observes a partial write. Publish of a given key is
// serialized; distinct keys publish fully in parallel.
package cache

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/keithlinneman/otaclient/internal/pathutil"
	"github.com/keithlinneman/otaclient/internal/xerrors"
)

// Entry describes a published cache object.
type Entry struct {
	Key    string    `json:"key"`
	Path   string    `json:"-"`
	Expiry time.Time `json:"expiry,omitzero"`
}

// Expired reports whether the entry has an expiry in the past. Entries
// without an expiry never expire.
func (e Entry) Expired(now time.Time) bool {
	return !e.Expiry.IsZero() && now.After(e.Expiry)
}

// Cache stores objects under a root directory, keyed by relative path.
type Cache struct {
	dir string

	// per-key publish serialization
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// Open creates the cache directory (and its temp area) if needed.
func Open(dir string) (*Cache, error) {
	if err := os.MkdirAll(filepath.Join(dir, "tmp"), 0o700); err != nil {
		return nil, xerrors.Wrapf(err, "create cache dir %s", dir)
	}
	return &Cache{dir: dir, locks: make(map[string]*sync.Mutex)}, nil
}

// Dir returns the cache root.
func (c *Cache) Dir() string { return c.dir }

func (c *Cache) keyLock(key string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.locks[key]
	if !ok {
		l = &sync.Mutex{}
		c.locks[key] = l
	}
	return l
}

func (c *Cache) keyPath(key string) (string, error) {
	if key == "" || strings.HasPrefix(key, "/") || pathutil.HasDotSegments(key) {
		return "", xerrors.Newf("invalid cache key %q", key)
	}
	return filepath.Join(c.dir, filepath.FromSlash(key)), nil
}

// TempFile creates a file in the cache's temp area, on the same filesystem
// as published entries so the final rename is atomic.
func (c *Cache) TempFile(pattern string) (*os.File, error) {
	f, err := os.CreateTemp(filepath.Join(c.dir, "tmp"), pattern)
	if err != nil {
		return nil, xerrors.Wrap(err, "create cache temp file")
	}
	return f, nil
}

// Publish moves a fully-written temp file into place under key. The source
// must live on the cache filesystem (use TempFile). A zero expiry means the
// entry never expires.
func (c *Cache) Publish(key, src string, expiry time.Time) (Entry, error) {
	lock := c.keyLock(key)
	lock.Lock()
	defer lock.Unlock()

	dst, err := c.keyPath(key)
	if err != nil {
		return Entry{}, err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o700); err != nil {
		return Entry{}, xerrors.Wrapf(err, "create cache subdir for %s", key)
	}

	e := Entry{Key: key, Path: dst, Expiry: expiry}

	// sidecar first: if we crash between the two writes, a meta file
	// without content reads as absent, never as a partial entry
	meta, err := json.Marshal(e)
	if err != nil {
		return Entry{}, xerrors.Wrap(err, "marshal cache meta")
	}
	if err := os.WriteFile(dst+".meta", meta, 0o600); err != nil {
		return Entry{}, xerrors.Wrapf(err, "write cache meta for %s", key)
	}
	if err := os.Rename(src, dst); err != nil {
		os.Remove(dst + ".meta")
		return Entry{}, xerrors.Wrapf(err, "publish cache entry %s", key)
	}
	return e, nil
}

// PublishBytes is Publish for small in-memory objects (keyrings, indexes).
func (c *Cache) PublishBytes(key string, data []byte, expiry time.Time) (Entry, error) {
	f, err := c.TempFile("obj-*")
	if err != nil {
		return Entry{}, err
	}
	tmp := f.Name()
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return Entry{}, xerrors.Wrapf(err, "write cache object %s", key)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return Entry{}, xerrors.Wrapf(err, "close cache object %s", key)
	}
	return c.Publish(key, tmp, expiry)
}

// Get returns the entry for key if it exists and has not expired. Expired
// entries are removed on access.
func (c *Cache) Get(key string) (Entry, bool) {
	dst, err := c.keyPath(key)
	if err != nil {
		return Entry{}, false
	}
	if _, err := os.Stat(dst); err != nil {
		return Entry{}, false
	}

	e := Entry{Key: key, Path: dst}
	if meta, err := os.ReadFile(dst + ".meta"); err == nil {
		// a corrupt sidecar degrades to "no expiry", not a miss
		_ = json.Unmarshal(meta, &e)
		e.Path = dst
	}
	if e.Expired(time.Now()) {
		c.Remove(key)
		return Entry{}, false
	}
	return e, true
}

// Remove deletes the entry and its sidecar. Removing an absent key is a no-op.
func (c *Cache) Remove(key string) {
	dst, err := c.keyPath(key)
	if err != nil {
		return
	}
	lock := c.keyLock(key)
	lock.Lock()
	defer lock.Unlock()
	os.Remove(dst)
	os.Remove(dst + ".meta")
}

// Sweep drops expired entries and any stragglers in the temp area.
func (c *Cache) Sweep() error {
	now := time.Now()
	err := filepath.Walk(c.dir, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() || !strings.HasSuffix(path, ".meta") {
			return err
		}
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil
		}
		var e Entry
		if json.Unmarshal(raw, &e) != nil {
			return nil
		}
		if e.Expired(now) {
			os.Remove(strings.TrimSuffix(path, ".meta"))
			os.Remove(path)
		}
		return nil
	})
	if err != nil {
		return xerrors.Wrap(err, "sweep cache")
	}

	tmps, _ := os.ReadDir(filepath.Join(c.dir, "tmp"))
	for _, t := range tmps {
		os.Remove(filepath.Join(c.dir, "tmp", t.Name()))
	}
	return nil
}
