// Package local is the directory backend: data and manifests are plain files below a root.
package local

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/openmined/csync/internal/backend"
	"github.com/openmined/csync/internal/filter"
	"github.com/openmined/csync/internal/manifest"
	"github.com/openmined/csync/internal/utils"
	"github.com/spf13/afero"
)

const tmpSuffix = ".tmp"

type Backend struct {
	root string
	fs   afero.Fs
	now  func() time.Time
}

type Option func(*Backend)

// WithFs replaces the filesystem the backend writes to. Paths are relative to its root.
func WithFs(fs afero.Fs) Option {
	return func(b *Backend) {
		b.fs = fs
	}
}

func New(root string, opts ...Option) *Backend {
	b := &Backend{
		root: filepath.Clean(root),
		now:  time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.fs == nil {
		b.fs = afero.NewBasePathFs(afero.NewOsFs(), b.root)
	}
	return b
}

func (b *Backend) Initialize(ctx context.Context) error {
	for _, dir := range []string{backend.DataDir, backend.ManifestDir} {
		if err := b.fs.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", b.DisplayName(dir), err)
		}
	}
	slog.Info("directory target", "root", b.root)
	return nil
}

func (b *Backend) Store(ctx context.Context, localPath, remoteRel string) error {
	src, err := os.Open(localPath)
	if err != nil {
		return err
	}
	defer src.Close()

	info, err := src.Stat()
	if err != nil {
		return err
	}
	if info.IsDir() {
		return fmt.Errorf("source path must be a file: %s", localPath)
	}

	dst := dataPath(remoteRel)
	slog.Debug("directory target store", "src", localPath, "dst", b.DisplayName(remoteRel))
	return b.writeAtomic(dst, src)
}

func (b *Backend) Retrieve(ctx context.Context, remoteRel, localPath string) error {
	src, err := b.fs.Open(dataPath(remoteRel))
	if err != nil {
		return notFound(err, remoteRel)
	}
	defer src.Close()

	if err := utils.EnsureParent(localPath); err != nil {
		return err
	}

	tmp := localPath + "." + uuid.NewString() + tmpSuffix
	dst, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		os.Remove(tmp)
		return err
	}
	if err := dst.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, localPath)
}

func (b *Backend) List(ctx context.Context, f filter.Filter) ([]backend.ObjectInfo, error) {
	var objects []backend.ObjectInfo

	err := afero.Walk(b.fs, backend.DataDir, func(p string, info fs.FileInfo, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if info.IsDir() || strings.HasSuffix(p, tmpSuffix) {
			return nil
		}
		key := strings.TrimPrefix(filepath.ToSlash(p), backend.DataDir+"/")
		if backend.Match(f, key) {
			objects = append(objects, backend.ObjectInfo{Key: key, Size: info.Size()})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", b.root, err)
	}
	return objects, nil
}

func (b *Backend) ReadFileStream(ctx context.Context, remoteRel string) (io.ReadCloser, error) {
	f, err := b.fs.Open(dataPath(remoteRel))
	if err != nil {
		return nil, notFound(err, remoteRel)
	}
	return f, nil
}

func (b *Backend) DisplayName(remoteRel string) string {
	return filepath.Join(b.root, backend.DataDir, filepath.FromSlash(remoteRel))
}

func (b *Backend) Stat(ctx context.Context, remoteRel string) (backend.ObjectInfo, error) {
	info, err := b.fs.Stat(dataPath(remoteRel))
	if err != nil {
		return backend.ObjectInfo{}, notFound(err, remoteRel)
	}
	return backend.ObjectInfo{Key: remoteRel, Size: info.Size()}, nil
}

func (b *Backend) ReadManifest(ctx context.Context) (*manifest.Manifest, error) {
	entries, err := afero.ReadDir(b.fs, backend.ManifestDir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return manifest.New(), nil
		}
		return nil, fmt.Errorf("list manifests: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	latest, ok := manifest.Latest(names)
	if !ok {
		return manifest.New(), nil
	}

	data, err := afero.ReadFile(b.fs, path.Join(backend.ManifestDir, latest))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return manifest.New(), nil
		}
		return nil, fmt.Errorf("read manifest %s: %w", latest, err)
	}

	m, err := manifest.Deserialize(data)
	if err != nil {
		return nil, fmt.Errorf("read manifest %s: %w", latest, err)
	}
	slog.Debug("directory target manifest", "name", latest, "files", m.Len())
	return m, nil
}

func (b *Backend) WriteManifest(ctx context.Context, m *manifest.Manifest) (string, error) {
	data, err := m.Serialize()
	if err != nil {
		return "", err
	}

	name := manifest.Filename(b.now())
	slog.Info("writing manifest", "name", name, "files", m.Len())
	if err := b.writeAtomic(path.Join(backend.ManifestDir, name), strings.NewReader(string(data))); err != nil {
		return "", fmt.Errorf("write manifest %s: %w", name, err)
	}
	return name, nil
}

// writeAtomic copies r into a uniquely named temp file next to dst and renames it into place,
// so readers never see a partially written object.
func (b *Backend) writeAtomic(dst string, r io.Reader) error {
	if err := b.fs.MkdirAll(path.Dir(dst), 0o755); err != nil {
		return err
	}

	tmp := dst + "." + uuid.NewString() + tmpSuffix
	f, err := b.fs.Create(tmp)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		b.fs.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		b.fs.Remove(tmp)
		return err
	}
	if err := b.fs.Rename(tmp, dst); err != nil {
		b.fs.Remove(tmp)
		return err
	}
	return nil
}

func dataPath(remoteRel string) string {
	return path.Join(backend.DataDir, remoteRel)
}

func notFound(err error, remoteRel string) error {
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%s: %w", remoteRel, backend.ErrNotFound)
	}
	return err
}

var _ backend.Backend = (*Backend)(nil)
