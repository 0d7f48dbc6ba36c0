// Package backend defines the contract every storage driver satisfies.
//
// Drivers keep data objects under DataDir, addressed by the file's path
// relative to the watched source tree, and manifests under ManifestDir.
package backend

import (
	"context"
	"errors"
	"io"

	"github.com/openmined/csync/internal/filter"
	"github.com/openmined/csync/internal/manifest"
)

const (
	DataDir     = "data"
	ManifestDir = "manifest"
)

// ErrNotFound is returned (wrapped) when a remote object does not exist.
var ErrNotFound = errors.New("object not found")

// ObjectInfo describes a stored data object. Key is relative to the data area.
type ObjectInfo struct {
	Key  string `json:"key"`
	Size int64  `json:"size"`
}

type Backend interface {
	// Initialize prepares the remote side, e.g. creates the bucket.
	Initialize(ctx context.Context) error

	// Store uploads the local file to the data object remoteRel.
	Store(ctx context.Context, localPath, remoteRel string) error

	// Retrieve downloads the data object remoteRel to localPath.
	Retrieve(ctx context.Context, remoteRel, localPath string) error

	// List returns the data objects whose key matches f. A nil filter lists everything.
	List(ctx context.Context, f filter.Filter) ([]ObjectInfo, error)

	// ReadFileStream opens the data object remoteRel for reading.
	ReadFileStream(ctx context.Context, remoteRel string) (io.ReadCloser, error)

	// DisplayName is a human readable location of remoteRel.
	DisplayName(remoteRel string) string

	// Stat returns the stored size of remoteRel, or ErrNotFound.
	Stat(ctx context.Context, remoteRel string) (ObjectInfo, error)

	// ReadManifest returns the newest persisted manifest, or an empty one if none exists.
	ReadManifest(ctx context.Context) (*manifest.Manifest, error)

	// WriteManifest persists m and returns the name it was written under.
	WriteManifest(ctx context.Context, m *manifest.Manifest) (string, error)
}

// Match applies an optional filter to a key.
func Match(f filter.Filter, key string) bool {
	return f == nil || f.Match(key)
}
