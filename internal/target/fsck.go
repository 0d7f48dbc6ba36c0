package target

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"

	"github.com/openmined/csync/internal/filter"
)

// FsckEntry is the result of checking one backup index.
type FsckEntry struct {
	Key     string `json:"key" yaml:"key"`
	Name    string `json:"name" yaml:"name"`
	Version string `json:"version,omitempty" yaml:"version,omitempty"`
	Valid   bool   `json:"valid" yaml:"valid"`
	Error   string `json:"error,omitempty" yaml:"error,omitempty"`
}

// ManifestAudit compares the latest manifest with the stored data objects.
type ManifestAudit struct {
	Files        int      `json:"files" yaml:"files"`
	Bytes        int64    `json:"bytes" yaml:"bytes"`
	Missing      []string `json:"missing,omitempty" yaml:"missing,omitempty"`
	SizeMismatch []string `json:"sizeMismatch,omitempty" yaml:"sizeMismatch,omitempty"`
	Error        string   `json:"error,omitempty" yaml:"error,omitempty"`
}

// OK reports whether the audit found no problem.
func (a *ManifestAudit) OK() bool {
	return a.Error == "" && len(a.Missing) == 0 && len(a.SizeMismatch) == 0
}

// FsckReport collects the index checks and the manifest audit of one fsck run.
type FsckReport struct {
	Entries  []FsckEntry    `json:"entries" yaml:"entries"`
	Manifest *ManifestAudit `json:"manifest,omitempty" yaml:"manifest,omitempty"`
}

// Valid reports whether every index passed and the manifest audit found nothing.
func (r *FsckReport) Valid() bool {
	for _, e := range r.Entries {
		if !e.Valid {
			return false
		}
	}
	return r.Manifest == nil || r.Manifest.OK()
}

// Fsck validates every backup index matching indexFilter, one at a time. A broken index
// is recorded and checking moves on to the next one.
func (t *Target) Fsck(ctx context.Context, indexFilter filter.Filter) (*FsckReport, error) {
	objects, err := t.backend.List(ctx, indexFilter)
	if err != nil {
		return nil, fmt.Errorf("list indexes: %w", err)
	}

	report := &FsckReport{Entries: make([]FsckEntry, 0, len(objects))}
	for _, obj := range objects {
		entry := FsckEntry{Key: obj.Key, Name: t.backend.DisplayName(obj.Key)}

		idx, err := t.fetchIndex(ctx, obj.Key)
		if idx != nil {
			entry.Version = idx.Version
		}
		if err != nil {
			entry.Error = err.Error()
			slog.Error("fsck index", "name", entry.Name, "error", err)
		} else {
			entry.Valid = true
			slog.Info("fsck index ok", "name", entry.Name, "version", entry.Version)
		}
		report.Entries = append(report.Entries, entry)
	}

	report.Manifest = t.auditManifest(ctx)
	return report, nil
}

func (t *Target) auditManifest(ctx context.Context) *ManifestAudit {
	audit := &ManifestAudit{}

	m, err := t.backend.ReadManifest(ctx)
	if err != nil {
		audit.Error = err.Error()
		return audit
	}
	audit.Files = m.Len()
	audit.Bytes = m.TotalSize()

	objects, err := t.backend.List(ctx, nil)
	if err != nil {
		audit.Error = err.Error()
		return audit
	}
	sizes := make(map[string]int64, len(objects))
	for _, obj := range objects {
		sizes[filepath.Base(filepath.FromSlash(obj.Key))] = obj.Size
	}

	for name, want := range m.Files() {
		got, ok := sizes[name]
		switch {
		case !ok:
			audit.Missing = append(audit.Missing, name)
		case got != want:
			audit.SizeMismatch = append(audit.SizeMismatch, name)
		}
	}
	sort.Strings(audit.Missing)
	sort.Strings(audit.SizeMismatch)

	if !audit.OK() {
		slog.Warn("manifest audit", "missing", len(audit.Missing), "sizeMismatch", len(audit.SizeMismatch))
	}
	return audit
}
