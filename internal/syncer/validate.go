package syncer

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"time"

	"github.com/openmined/csync/internal/backend"
	"golang.org/x/sync/errgroup"
)

const (
	ValidationInterval    = 17 * time.Minute
	ValidationJitter      = 17 * time.Minute
	ValidationConcurrency = 4
)

func (s *SyncMaster) scheduleValidation(ctx context.Context) {
	d := ValidationInterval + s.jitter()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.validation = s.clock.AfterFunc(d, func() {
		select {
		case <-s.done:
			return
		default:
		}
		s.Validate(ctx)
		s.scheduleValidation(ctx)
	})
	slog.Debug("validation scheduled", "in", d)
}

// Validate compares every manifest entry with the local file and the stored object and
// resubmits the ones that drifted. A manifest left unwritten by a failed write is
// persisted first. It returns the resubmitted paths.
func (s *SyncMaster) Validate(ctx context.Context) []string {
	s.flushManifest(ctx)

	m, err := s.target.ReadManifest(ctx)
	if err != nil {
		slog.Warn("validation falls back to in-memory manifest", "error", err)
		m = s.Manifest()
	}

	s.mu.Lock()
	locs := make(map[string]location, len(s.locations))
	for k, v := range s.locations {
		locs[k] = v
	}
	s.mu.Unlock()

	results := make(chan string, ValidationConcurrency)
	var eg errgroup.Group
	eg.SetLimit(ValidationConcurrency)

	go func() {
		for name, size := range m.Files() {
			loc, ok := locs[name]
			if !ok {
				continue
			}
			eg.Go(func() error {
				if s.drifted(ctx, name, size, loc) {
					results <- loc.path
				}
				return nil
			})
		}
		eg.Wait()
		close(results)
	}()

	var resubmitted []string
	for path := range results {
		if !s.resubmitting.Add(path) {
			continue
		}
		slog.Info("validation resubmit", "path", path)
		s.metrics.Resubmitted()
		s.Submit(ctx, path)
		resubmitted = append(resubmitted, path)
	}

	s.metrics.ValidationRun()
	slog.Info("validation finished", "checked", m.Len(), "resubmitted", len(resubmitted))
	return resubmitted
}

func (s *SyncMaster) drifted(ctx context.Context, name string, size int64, loc location) bool {
	info, err := os.Stat(loc.path)
	if err != nil {
		// rotated away by compaction
		return false
	}
	if info.Size() != size {
		slog.Warn("validation local size mismatch", "name", name, "manifest", size, "local", info.Size())
		return true
	}

	obj, err := s.target.Stat(ctx, loc.rel)
	if errors.Is(err, backend.ErrNotFound) {
		slog.Warn("validation object missing", "name", name)
		return true
	}
	if err != nil {
		slog.Error("validation stat", "name", name, "error", err)
		return false
	}
	if obj.Size != size {
		slog.Warn("validation remote size mismatch", "name", name, "manifest", size, "remote", obj.Size)
		return true
	}
	return false
}
