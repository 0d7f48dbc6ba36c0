package manifest

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/openmined/csync/internal/filter"
	"github.com/openmined/csync/internal/utils"
	"golang.org/x/sync/errgroup"
)

const statConcurrency = 16

// Entry is a data file found on local disk.
type Entry struct {
	Name    string // basename, the manifest key
	Path    string // absolute path
	RelPath string // slash-separated, relative to the scanned root
	Size    int64
}

// SkipFunc excludes a directory (and everything below it) from a scan.
type SkipFunc func(path string) bool

// Scan walks sourceDir, keeps the files selected by f and stats every one of them in parallel.
// The first stat error fails the whole scan; no partial result is returned.
func Scan(ctx context.Context, sourceDir string, f filter.Filter, skip SkipFunc) ([]Entry, error) {
	var entries []Entry

	err := filepath.WalkDir(sourceDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != sourceDir && skip != nil && skip(path) {
				return filepath.SkipDir
			}
			return nil
		}
		rel, err := utils.RelSlash(sourceDir, path)
		if err != nil {
			return err
		}
		if !f.Match(rel) {
			return nil
		}
		entries = append(entries, Entry{Name: filepath.Base(path), Path: path, RelPath: rel})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", sourceDir, err)
	}

	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(statConcurrency)
	for i := range entries {
		eg.Go(func() error {
			if err := egCtx.Err(); err != nil {
				return err
			}
			info, err := os.Stat(entries[i].Path)
			if err != nil {
				return fmt.Errorf("stat %s: %w", entries[i].Path, err)
			}
			entries[i].Size = info.Size()
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	return entries, nil
}

// Generate builds a manifest of every data file below sourceDir.
func Generate(ctx context.Context, sourceDir string, f filter.Filter, skip SkipFunc) (*Manifest, error) {
	entries, err := Scan(ctx, sourceDir, f, skip)
	if err != nil {
		return nil, err
	}

	m := New()
	for _, e := range entries {
		if prev, ok := m.files[e.Name]; ok {
			slog.Warn("manifest duplicate name", "name", e.Name, "path", e.Path, "prevSize", prev)
		}
		m.files[e.Name] = e.Size
	}
	slog.Debug("manifest generated", "dir", sourceDir, "files", m.Len())
	return m, nil
}
