package target

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/goccy/go-json"
)

// IndexVersion is the only backup index version fsck accepts.
const IndexVersion = "csync1"

// ErrInvalidIndexVersion is returned for an index whose version is not IndexVersion.
var ErrInvalidIndexVersion = errors.New("invalid version in index")

// BackupIndex is a backup index document read from the data area.
type BackupIndex struct {
	Version string `json:"version"`
	Name    string `json:"name"`
	// Location is the backend display name of the index object.
	Location string `json:"-"`
	// Fields holds the whole document, including keys BackupIndex does not model.
	Fields map[string]any `json:"-"`
}

func (t *Target) fetchIndex(ctx context.Context, key string) (*BackupIndex, error) {
	rc, err := t.backend.ReadFileStream(ctx, key)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("read index: %w", err)
	}

	idx := &BackupIndex{Location: t.backend.DisplayName(key)}
	if err := json.Unmarshal(data, &idx.Fields); err != nil {
		return nil, fmt.Errorf("parse index: %w", err)
	}
	if err := json.Unmarshal(data, idx); err != nil {
		return idx, fmt.Errorf("%w: %v", ErrInvalidIndexVersion, err)
	}
	if idx.Version != IndexVersion {
		return idx, fmt.Errorf("%w: %q", ErrInvalidIndexVersion, idx.Version)
	}
	return idx, nil
}
