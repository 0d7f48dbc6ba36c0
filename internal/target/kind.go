package target

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"path/filepath"

	"github.com/openmined/csync/internal/backend"
	"github.com/openmined/csync/internal/backend/local"
	"github.com/openmined/csync/internal/backend/s3"
)

//nolint:staticcheck
var ErrInvalidTargetType = errors.New("Invalid Target type")

// Kind is the closed set of supported backends.
type Kind int

const (
	KindLocal Kind = iota + 1
	KindS3
)

func (k Kind) String() string {
	switch k {
	case KindLocal:
		return "local"
	case KindS3:
		return "s3"
	default:
		return "invalid"
	}
}

// ParseKind maps a target URL scheme to its Kind.
func ParseKind(rawURL string) (Kind, *url.URL, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return 0, nil, fmt.Errorf("%w: %w", ErrInvalidTargetType, err)
	}

	switch u.Scheme {
	case "file", "dir":
		return KindLocal, u, nil
	case "s3":
		return KindS3, u, nil
	default:
		return 0, nil, fmt.Errorf("%w: %q", ErrInvalidTargetType, rawURL)
	}
}

// S3Options carries credentials and endpoint settings for s3:// targets.
type S3Options struct {
	Region    string
	Endpoint  string
	AccessKey string
	SecretKey string
}

func newBackend(ctx context.Context, kind Kind, u *url.URL, opts S3Options) (backend.Backend, error) {
	switch kind {
	case KindLocal:
		return local.New(localRoot(u)), nil
	case KindS3:
		return s3.New(ctx, &s3.Config{
			Bucket:    u.Host,
			Prefix:    u.Path,
			Region:    opts.Region,
			Endpoint:  opts.Endpoint,
			AccessKey: opts.AccessKey,
			SecretKey: opts.SecretKey,
		})
	default:
		return nil, ErrInvalidTargetType
	}
}

// localRoot joins host and path, so both file:///abs and dir://relative/path work.
func localRoot(u *url.URL) string {
	return filepath.Clean(filepath.FromSlash(u.Host + u.Path))
}
