// Package store defines how artifacts are named and laid out on disk:
// root/<YYYY-MM-DD>/<HH>/<prefix>_<YYYY-MM-DD>Z<HH-mm-ss>.<SSS>.<ext>, in UTC.
package store

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// PartSuffix marks an artifact that is still being written
const PartSuffix = ".part"

const (
	dayLayout  = "2006-01-02"
	hourLayout = "15"
	fileLayout = "2006-01-02Z15-04-05.000"
)

// Artifact is one finalized, encoded frame on disk
type Artifact struct {
	Timestamp time.Time `json:"timestamp"`
	Dir       string    `json:"dir"`
	Filename  string    `json:"filename"`
	Path      string    `json:"path"`
	SizeBytes int64     `json:"size_bytes"`
	Container string    `json:"container"`
	Codec     string    `json:"codec"`
}

// RelativePath returns the artifact path relative to root, with forward slashes
func (a *Artifact) RelativePath(root string) string {
	rel, err := filepath.Rel(root, a.Path)
	if err != nil {
		return filepath.ToSlash(filepath.Join(filepath.Base(a.Dir), a.Filename))
	}
	return filepath.ToSlash(rel)
}

// Layout maps timestamps to artifact paths
type Layout struct {
	Root   string
	Prefix string
	Ext    string
}

// Dir returns root/<YYYY-MM-DD>/<HH> for ts
func (l Layout) Dir(ts time.Time) string {
	ts = ts.UTC()
	return filepath.Join(l.Root, ts.Format(dayLayout), ts.Format(hourLayout))
}

// FileName returns <prefix>_<YYYY-MM-DD>Z<HH-mm-ss>.<SSS>.<ext> for ts
func (l Layout) FileName(ts time.Time) string {
	return fmt.Sprintf("%s_%s.%s", l.Prefix, ts.UTC().Format(fileLayout), l.Ext)
}

// Path returns the full artifact path for ts
func (l Layout) Path(ts time.Time) string {
	return filepath.Join(l.Dir(ts), l.FileName(ts))
}

// ParseTimestamp recovers the timestamp encoded in an artifact file name
func (l Layout) ParseTimestamp(name string) (time.Time, error) {
	base := filepath.Base(name)
	head := l.Prefix + "_"
	tail := "." + l.Ext

	if !strings.HasPrefix(base, head) || !strings.HasSuffix(base, tail) {
		return time.Time{}, fmt.Errorf("file name %q does not match %s*%s", base, head, tail)
	}

	stamp := strings.TrimSuffix(strings.TrimPrefix(base, head), tail)
	ts, err := time.ParseInLocation(fileLayout, stamp, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse timestamp in %q: %w", base, err)
	}
	return ts, nil
}

// IsFinalized reports whether name is a closed artifact rather than one in progress
func IsFinalized(name string) bool {
	return !strings.HasSuffix(name, PartSuffix)
}

// Recent returns up to limit finalized artifacts under the layout root,
// newest first by the timestamp in their names. Files that do not match the
// layout are ignored.
func (l Layout) Recent(limit int) ([]Artifact, error) {
	var artifacts []Artifact

	err := filepath.WalkDir(l.Root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == l.Root && os.IsNotExist(err) {
				return filepath.SkipAll
			}
			return nil
		}
		if d.IsDir() || !IsFinalized(path) {
			return nil
		}

		ts, err := l.ParseTimestamp(path)
		if err != nil {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return nil
		}

		artifacts = append(artifacts, Artifact{
			Timestamp: ts,
			Dir:       filepath.Dir(path),
			Filename:  filepath.Base(path),
			Path:      path,
			SizeBytes: info.Size(),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list artifacts under %s: %w", l.Root, err)
	}

	sort.SliceStable(artifacts, func(i, j int) bool {
		return artifacts[i].Timestamp.After(artifacts[j].Timestamp)
	})
	if limit > 0 && len(artifacts) > limit {
		artifacts = artifacts[:limit]
	}
	return artifacts, nil
}
