package scan

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/sinbad-tools/foldersync/item"
)

// CacheFileName is the fixed name of the stat cache under the private dir,
// per spec.md §6 (<root>/<private>/cache).
const CacheFileName = "cache"

// cacheEntry is the on-disk shape of one stat-cache record: everything a
// FileItem carries except Path, which is the map key.
type cacheEntry struct {
	Checksum string
	Size     int64
	Mtime    float64
}

// StatCache maps repo-relative path to the FileItem most recently produced
// for it. It is strictly advisory: any corruption or absence just costs a
// full rehash, never correctness (spec.md §9).
type StatCache map[string]item.FileItem

// LoadStatCache reads a msgpack-encoded stat cache from path. Any read or
// decode error is treated as "no cache" rather than fatal, matching
// spec.md §9's "corruption must be tolerated by falling back to a full
// rehash".
func LoadStatCache(path string) StatCache {
	f, err := os.Open(path)
	if err != nil {
		return StatCache{}
	}
	defer f.Close()

	var entries map[string]cacheEntry
	if err := msgpack.NewDecoder(f).Decode(&entries); err != nil {
		return StatCache{}
	}

	cache := make(StatCache, len(entries))
	for path, e := range entries {
		cache[path] = item.FileItem{
			Path:     path,
			Checksum: e.Checksum,
			Size:     e.Size,
			Mtime:    e.Mtime,
			HasMtime: true,
		}
	}
	return cache
}

// Save atomically replaces the stat cache at path with the contents of c,
// via a temp-file-then-rename in the same directory -- the same discipline
// blobstore uses for blob inserts, applied here per spec.md §4.4's "the new
// stat cache replaces the old one on disk atomically".
func (c StatCache) Save(path string) error {
	entries := make(map[string]cacheEntry, len(c))
	for p, it := range c {
		entries[p] = cacheEntry{Checksum: it.Checksum, Size: it.Size, Mtime: it.Mtime}
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "statcache-*")
	if err != nil {
		return fmt.Errorf("create temp stat cache: %w", err)
	}
	tmpName := tmp.Name()

	if err := msgpack.NewEncoder(tmp).Encode(entries); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("encode stat cache: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("fsync stat cache: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close stat cache: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename stat cache into place: %w", err)
	}
	return nil
}

// Lookup returns the cached FileItem for path if its (size, mtime) match,
// per spec.md §4.4 step 2.
func (c StatCache) Lookup(path string, size int64, mtime float64) (item.FileItem, bool) {
	cached, ok := c[path]
	if !ok || cached.Size != size || cached.Mtime != mtime {
		return item.FileItem{}, false
	}
	return cached, true
}

