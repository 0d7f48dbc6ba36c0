// Package journal keeps a local record of stored files and manifest writes.
package journal

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/openmined/csync/internal/db"
)

const schema = `
CREATE TABLE IF NOT EXISTS uploads (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    name TEXT NOT NULL,
    rel_path TEXT NOT NULL,
    size INTEGER NOT NULL,
    stored_at TEXT NOT NULL -- RFC3339Nano
);

CREATE INDEX IF NOT EXISTS idx_uploads_name ON uploads(name);
CREATE INDEX IF NOT EXISTS idx_uploads_stored_at ON uploads(stored_at);

CREATE TABLE IF NOT EXISTS manifest_writes (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    name TEXT NOT NULL,
    files INTEGER NOT NULL,
    bytes INTEGER NOT NULL,
    written_at TEXT NOT NULL -- RFC3339Nano
);
`

type Upload struct {
	Name     string    `json:"name"`
	RelPath  string    `json:"relPath"`
	Size     int64     `json:"size"`
	StoredAt time.Time `json:"storedAt"`
}

type ManifestWrite struct {
	Name      string    `json:"name"`
	Files     int       `json:"files"`
	Bytes     int64     `json:"bytes"`
	WrittenAt time.Time `json:"writtenAt"`
}

type Stats struct {
	Uploads        int   `json:"uploads" db:"uploads"`
	UploadedBytes  int64 `json:"uploadedBytes" db:"bytes"`
	ManifestWrites int   `json:"manifestWrites" db:"manifests"`
}

type dbUpload struct {
	Name     string `db:"name"`
	RelPath  string `db:"rel_path"`
	Size     int64  `db:"size"`
	StoredAt string `db:"stored_at"`
}

type dbManifestWrite struct {
	Name      string `db:"name"`
	Files     int    `db:"files"`
	Bytes     int64  `db:"bytes"`
	WrittenAt string `db:"written_at"`
}

type Journal struct {
	db  *sqlx.DB
	now func() time.Time
}

// Open opens the journal at path. An empty path keeps the journal in memory.
func Open(path string) (*Journal, error) {
	opts := []db.Option{db.WithMaxOpenConns(1)}
	if path != "" {
		opts = append(opts, db.WithPath(path))
	}

	conn, err := db.Open(schema, opts...)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	return &Journal{db: conn, now: time.Now}, nil
}

func (j *Journal) Close() error {
	if err := j.db.Close(); err != nil {
		slog.Error("close journal", "error", err)
		return err
	}
	return nil
}

func (j *Journal) RecordUpload(ctx context.Context, name, relPath string, size int64) error {
	row := dbUpload{
		Name:     name,
		RelPath:  relPath,
		Size:     size,
		StoredAt: j.now().UTC().Format(time.RFC3339Nano),
	}
	_, err := j.db.NamedExecContext(ctx, `
		INSERT INTO uploads (name, rel_path, size, stored_at)
		VALUES (:name, :rel_path, :size, :stored_at)`, row)
	if err != nil {
		return fmt.Errorf("record upload %s: %w", name, err)
	}
	return nil
}

func (j *Journal) RecordManifestWrite(ctx context.Context, name string, files int, bytes int64) error {
	row := dbManifestWrite{
		Name:      name,
		Files:     files,
		Bytes:     bytes,
		WrittenAt: j.now().UTC().Format(time.RFC3339Nano),
	}
	_, err := j.db.NamedExecContext(ctx, `
		INSERT INTO manifest_writes (name, files, bytes, written_at)
		VALUES (:name, :files, :bytes, :written_at)`, row)
	if err != nil {
		return fmt.Errorf("record manifest write %s: %w", name, err)
	}
	return nil
}

// RecentUploads returns up to limit uploads, newest first.
func (j *Journal) RecentUploads(ctx context.Context, limit int) ([]Upload, error) {
	var rows []dbUpload
	err := j.db.SelectContext(ctx, &rows, `
		SELECT name, rel_path, size, stored_at FROM uploads
		ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query uploads: %w", err)
	}

	uploads := make([]Upload, 0, len(rows))
	for _, r := range rows {
		ts, err := time.Parse(time.RFC3339Nano, r.StoredAt)
		if err != nil {
			return nil, fmt.Errorf("parse stored_at for %s: %w", r.Name, err)
		}
		uploads = append(uploads, Upload{Name: r.Name, RelPath: r.RelPath, Size: r.Size, StoredAt: ts})
	}
	return uploads, nil
}

// RecentManifestWrites returns up to limit manifest writes, newest first.
func (j *Journal) RecentManifestWrites(ctx context.Context, limit int) ([]ManifestWrite, error) {
	var rows []dbManifestWrite
	err := j.db.SelectContext(ctx, &rows, `
		SELECT name, files, bytes, written_at FROM manifest_writes
		ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query manifest writes: %w", err)
	}

	writes := make([]ManifestWrite, 0, len(rows))
	for _, r := range rows {
		ts, err := time.Parse(time.RFC3339Nano, r.WrittenAt)
		if err != nil {
			return nil, fmt.Errorf("parse written_at for %s: %w", r.Name, err)
		}
		writes = append(writes, ManifestWrite{Name: r.Name, Files: r.Files, Bytes: r.Bytes, WrittenAt: ts})
	}
	return writes, nil
}

func (j *Journal) Stats(ctx context.Context) (Stats, error) {
	var s Stats
	err := j.db.GetContext(ctx, &s, `
		SELECT
			(SELECT COUNT(*) FROM uploads) AS uploads,
			(SELECT COALESCE(SUM(size), 0) FROM uploads) AS bytes,
			(SELECT COUNT(*) FROM manifest_writes) AS manifests`)
	if err != nil {
		return Stats{}, fmt.Errorf("query stats: %w", err)
	}
	return s, nil
}
