package cache

import (
	"os"
	"path/filepath"
	"regexp"
	"time"

	"mspk/utils/fileutil"
)

var unsafeKeyRe = regexp.MustCompile(`[^a-zA-Z0-9._-]`)

// diskTier is the durable tier: one file per key, remaining TTL encoded by
// the file's modification time. Stale entries are deleted lazily on read.
type diskTier struct {
	dir string
}

func newDiskTier(dir string) (*diskTier, error) {
	if err := fileutil.CreateDir(dir); err != nil {
		return nil, err
	}
	return &diskTier{dir: dir}, nil
}

func (d *diskTier) path(key string) string {
	return filepath.Join(d.dir, unsafeKeyRe.ReplaceAllString(key, "_")+".json")
}

// get returns the value when the file is younger than maxAge, deleting it
// otherwise.
func (d *diskTier) get(key string, maxAge time.Duration) ([]byte, bool) {
	path := d.path(key)
	stat, err := os.Stat(path)
	if err != nil {
		return nil, false
	}
	if time.Since(stat.ModTime()) >= maxAge {
		os.Remove(path)
		return nil, false
	}
	val, err := os.ReadFile(path)
	if err != nil {
		return nil, false
	}
	return val, true
}

func (d *diskTier) set(key string, val []byte) error {
	return os.WriteFile(d.path(key), val, 0o644)
}
