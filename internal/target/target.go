// Package target binds a watched source tree to a storage backend and implements the
// safe-copy sync protocol, restore and fsck on top of it.
package target

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/openmined/csync/internal/backend"
	"github.com/openmined/csync/internal/manifest"
	"github.com/openmined/csync/internal/utils"
	"golang.org/x/sync/errgroup"
)

// RestoreConcurrency bounds the number of simultaneous downloads during a restore.
const RestoreConcurrency = 4

// Options configures a Target built from a URL.
type Options struct {
	// Source is the watched tree. Relative paths of synced files are computed against it.
	Source string
	// BackupDir holds the staging area for hardlinks.
	BackupDir string
	// S3 carries credentials and endpoint settings for s3:// targets.
	S3 S3Options
}

// Target couples a storage backend with the source tree and the staging area used to
// transfer files from it.
type Target struct {
	backend    backend.Backend
	kind       Kind
	source     string
	stagingDir string
}

// SyncResult describes the outcome of a single Target.Sync call.
type SyncResult struct {
	Name    string
	RelPath string
	Size    int64
	// Skipped is set when the file vanished before it could be staged, or is a staging path itself.
	Skipped bool
}

// RestoreResult counts the files a restore retrieved and the ones it gave up on.
type RestoreResult struct {
	Restored int
	Failed   int
}

// New parses rawURL, builds the matching backend and returns a Target over it.
func New(ctx context.Context, rawURL string, opts Options) (*Target, error) {
	kind, u, err := ParseKind(rawURL)
	if err != nil {
		return nil, err
	}
	b, err := newBackend(ctx, kind, u, opts.S3)
	if err != nil {
		return nil, err
	}
	t := NewWithBackend(b, opts.Source, opts.BackupDir)
	t.kind = kind
	return t, nil
}

// NewWithBackend returns a Target over an already constructed backend. Staged links live
// under <backupDir>/data.
func NewWithBackend(b backend.Backend, source, backupDir string) *Target {
	return &Target{
		backend:    b,
		kind:       KindLocal,
		source:     filepath.Clean(source),
		stagingDir: filepath.Join(backupDir, backend.DataDir),
	}
}

func (t *Target) Backend() backend.Backend {
	return t.backend
}

func (t *Target) Kind() Kind {
	return t.kind
}

func (t *Target) StagingDir() string {
	return t.stagingDir
}

// Initialize prepares the backend, creating the bucket or root directory if needed.
func (t *Target) Initialize(ctx context.Context) error {
	return t.backend.Initialize(ctx)
}

// Sync copies one stabilized file to the backend through a hardlink in the staging area,
// so the database may delete the original at any moment without breaking the transfer.
func (t *Target) Sync(ctx context.Context, localPath string) (SyncResult, error) {
	file, err := filepath.Abs(localPath)
	if err != nil {
		return SyncResult{}, err
	}

	rel, err := utils.RelSlash(t.source, file)
	if err != nil {
		return SyncResult{}, err
	}
	if rel == ".." || strings.HasPrefix(rel, "../") {
		return SyncResult{}, fmt.Errorf("%s is outside source %s", file, t.source)
	}

	res := SyncResult{Name: filepath.Base(file), RelPath: rel}
	staged := filepath.Join(t.stagingDir, filepath.FromSlash(rel))
	if staged == file {
		res.Skipped = true
		return res, nil
	}

	if err := os.MkdirAll(filepath.Dir(staged), 0o755); err != nil {
		return res, fmt.Errorf("create staging dir: %w", err)
	}

	// a leftover entry that cannot be removed surfaces as a link failure below
	if err := os.Remove(staged); err != nil && !errors.Is(err, fs.ErrNotExist) {
		slog.Debug("remove stale link", "path", staged, "error", err)
	}

	if err := os.Link(file, staged); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			slog.Info("file vanished before sync", "path", file)
			res.Skipped = true
			return res, nil
		}
		return res, fmt.Errorf("hardlink %s: %w", file, err)
	}

	info, statErr := os.Stat(staged)
	var storeErr error
	if statErr == nil {
		storeErr = t.backend.Store(ctx, staged, rel)
	}

	if err := os.Remove(staged); err != nil && !errors.Is(err, fs.ErrNotExist) {
		slog.Warn("remove staged link", "path", staged, "error", err)
	}

	if statErr != nil {
		return res, fmt.Errorf("stat staged %s: %w", staged, statErr)
	}
	if storeErr != nil {
		return res, fmt.Errorf("store %s: %w", rel, storeErr)
	}

	res.Size = info.Size()
	slog.Debug("synced", "name", res.Name, "rel", rel, "size", res.Size)
	return res, nil
}

func (t *Target) ReadManifest(ctx context.Context) (*manifest.Manifest, error) {
	return t.backend.ReadManifest(ctx)
}

func (t *Target) WriteManifest(ctx context.Context, m *manifest.Manifest) (string, error) {
	return t.backend.WriteManifest(ctx, m)
}

// Stat returns backend.ErrNotFound when the data object is absent.
func (t *Target) Stat(ctx context.Context, remoteRel string) (backend.ObjectInfo, error) {
	return t.backend.Stat(ctx, remoteRel)
}

// Restore downloads every file of the latest manifest into destDir, preserving the
// relative layout of the source tree. Per-file failures are logged and counted.
func (t *Target) Restore(ctx context.Context, destDir string) (RestoreResult, error) {
	m, err := t.backend.ReadManifest(ctx)
	if err != nil {
		return RestoreResult{}, fmt.Errorf("read manifest: %w", err)
	}

	objects, err := t.backend.List(ctx, nil)
	if err != nil {
		return RestoreResult{}, fmt.Errorf("list data objects: %w", err)
	}
	keys := make(map[string]string, len(objects))
	for _, obj := range objects {
		name := filepath.Base(filepath.FromSlash(obj.Key))
		if _, dup := keys[name]; !dup {
			keys[name] = obj.Key
		}
	}

	destDir = filepath.Clean(destDir)
	slog.Info("restore started", "files", m.Len(), "dest", destDir)

	var restored, failed atomic.Int64
	var eg errgroup.Group
	eg.SetLimit(RestoreConcurrency)

	for _, name := range m.Names() {
		eg.Go(func() error {
			key, ok := keys[name]
			if !ok {
				slog.Error("restore missing object", "name", name)
				failed.Add(1)
				return nil
			}

			dst := filepath.Join(destDir, filepath.FromSlash(key))
			if dst == destDir || !utils.IsWithin(destDir, dst) {
				slog.Error("restore key escapes destination", "name", name, "key", key, "dest", destDir)
				failed.Add(1)
				return nil
			}
			if err := utils.EnsureParent(dst); err != nil {
				slog.Error("restore mkdir", "path", dst, "error", err)
				failed.Add(1)
				return nil
			}
			if err := t.backend.Retrieve(ctx, key, dst); err != nil {
				slog.Error("restore download", "name", name, "error", err)
				failed.Add(1)
				return nil
			}

			slog.Info("finished downloading", "name", name, "path", dst)
			restored.Add(1)
			return nil
		})
	}
	_ = eg.Wait()

	res := RestoreResult{Restored: int(restored.Load()), Failed: int(failed.Load())}
	slog.Info("restore finished", "restored", res.Restored, "failed", res.Failed)
	return res, nil
}
