// Package syncer drives continuous mirroring of a source tree to a target, and the
// one-shot fsck and restore runs.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/gofrs/flock"
	"github.com/jonboulle/clockwork"
	"github.com/openmined/csync/internal/backend"
	"github.com/openmined/csync/internal/config"
	"github.com/openmined/csync/internal/journal"
	"github.com/openmined/csync/internal/manifest"
	"github.com/openmined/csync/internal/metrics"
	"github.com/openmined/csync/internal/statusapi"
	"github.com/openmined/csync/internal/target"
	"github.com/openmined/csync/internal/utils"
	"github.com/openmined/csync/internal/watcher"
)

// ErrBackupDirLocked is returned by Start when another process holds the backup directory.
var ErrBackupDirLocked = errors.New("backup directory is locked by another csync process")

// Options configures a SyncMaster and the one-shot fsck and restore runs.
type Options struct {
	Config *config.Config

	// Optional. Defaults are a real clock, a backend built from Config.Target,
	// the journal at Config.JournalPath() and a fresh metrics collector.
	Clock   clockwork.Clock
	Backend backend.Backend
	Journal *journal.Journal
	Metrics *metrics.Collector
}

type location struct {
	path string
	rel  string
}

// SyncMaster mirrors a source tree to a target: it uploads files once the watcher reports
// them stable and writes a manifest snapshot whenever the last in-flight upload finishes.
type SyncMaster struct {
	cfg     *config.Config
	target  *target.Target
	watcher *watcher.FileWatcher
	journal *journal.Journal
	metrics *metrics.Collector
	clock   clockwork.Clock
	lock    *flock.Flock
	jitter  func() time.Duration

	ownsJournal bool
	startedAt   time.Time
	cancel      context.CancelFunc

	mu           sync.Mutex
	manifest     *manifest.Manifest
	pending      *PendingUploads
	locations    map[string]location
	dirty        bool
	seq          uint64
	lastManifest string
	validation   clockwork.Timer
	stopped      bool

	writeMu     sync.Mutex
	lastWritten uint64

	paths        *pathLocks
	resubmitting mapset.Set[string]
	uploads      sync.WaitGroup
	loops        sync.WaitGroup
	done         chan struct{}
	stopOnce     sync.Once
}

// NewSyncMaster builds a SyncMaster from a validated config. Nothing runs until Start.
func NewSyncMaster(ctx context.Context, opts Options) (*SyncMaster, error) {
	cfg := opts.Config
	if cfg == nil {
		return nil, errors.New("syncer: config is required")
	}

	tgt, err := newTarget(ctx, opts)
	if err != nil {
		return nil, err
	}

	clock := opts.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	m := opts.Metrics
	if m == nil {
		m = metrics.New()
	}

	s := &SyncMaster{
		cfg:          cfg,
		target:       tgt,
		journal:      opts.Journal,
		metrics:      m,
		clock:        clock,
		lock:         flock.New(cfg.LockPath()),
		jitter:       func() time.Duration { return rand.N(ValidationJitter) },
		manifest:     manifest.New(),
		pending:      NewPendingUploads(),
		locations:    make(map[string]location),
		paths:        newPathLocks(),
		resubmitting: mapset.NewSet[string](),
		done:         make(chan struct{}),
	}
	s.watcher = watcher.New(cfg.Source, cfg.Filter,
		watcher.WithClock(clock),
		watcher.WithIgnore(s.ignored),
	)
	return s, nil
}

func newTarget(ctx context.Context, opts Options) (*target.Target, error) {
	cfg := opts.Config
	if opts.Backend != nil {
		return target.NewWithBackend(opts.Backend, cfg.Source, cfg.BackupDirectory), nil
	}
	return target.New(ctx, cfg.Target, cfg.TargetOptions())
}

// Start locks the backup directory, catches up with files the target is missing and
// begins watching. It returns once everything is running.
func (s *SyncMaster) Start(ctx context.Context) error {
	s.startedAt = s.clock.Now()
	ctx, s.cancel = context.WithCancel(ctx)

	if err := utils.EnsureDir(s.cfg.BackupDirectory); err != nil {
		return fmt.Errorf("backup directory: %w", err)
	}
	locked, err := s.lock.TryLock()
	if err != nil {
		return fmt.Errorf("lock %s: %w", s.cfg.LockPath(), err)
	}
	if !locked {
		return fmt.Errorf("%w: %s", ErrBackupDirLocked, s.cfg.LockPath())
	}

	if s.journal == nil && !s.cfg.NoJournal {
		j, err := journal.Open(s.cfg.JournalPath())
		if err != nil {
			slog.Warn("journal unavailable, continuing without it", "error", err)
		} else {
			s.journal = j
			s.ownsJournal = true
		}
	}

	if err := s.target.Initialize(ctx); err != nil {
		s.release()
		return fmt.Errorf("initialize target: %w", err)
	}

	remote, err := s.target.ReadManifest(ctx)
	if err != nil {
		s.release()
		return fmt.Errorf("read manifest: %w", err)
	}

	entries, err := manifest.Scan(ctx, s.cfg.Source, s.cfg.Filter, s.ignored)
	if err != nil {
		s.release()
		return fmt.Errorf("scan %s: %w", s.cfg.Source, err)
	}

	local := manifest.New()
	s.mu.Lock()
	s.manifest = remote
	for _, e := range entries {
		s.locations[e.Name] = location{path: e.Path, rel: e.RelPath}
		local = local.Add(e.Name, e.Size)
	}
	s.mu.Unlock()

	missing := manifest.Delta(local, remote)
	slog.Info("sync start",
		"source", s.cfg.Source,
		"target", s.target.Backend().DisplayName(""),
		"remote", remote.Len(),
		"local", local.Len(),
		"missing", missing.Len(),
	)

	if err := s.watcher.Start(ctx); err != nil {
		s.release()
		return fmt.Errorf("start watcher: %w", err)
	}

	s.loops.Add(1)
	go s.dispatch(ctx)

	for _, e := range entries {
		if missing.Contains(e.Name) {
			s.watcher.Track(e.Path)
		}
	}

	if s.cfg.HTTPAddr != "" {
		api := statusapi.New(s.cfg.HTTPAddr, s, s.metrics.Handler())
		s.loops.Add(1)
		go func() {
			defer s.loops.Done()
			if err := api.Start(ctx); err != nil {
				slog.Error("status api", "error", err)
			}
		}()
	}

	s.scheduleValidation(ctx)
	return nil
}

// Stop halts watching and validation, then waits for in-flight uploads to finish.
func (s *SyncMaster) Stop() {
	s.stopOnce.Do(func() {
		close(s.done)
		if s.cancel != nil {
			s.cancel()
		}
		s.watcher.Stop()

		s.mu.Lock()
		s.stopped = true
		if s.validation != nil {
			s.validation.Stop()
		}
		s.mu.Unlock()

		s.loops.Wait()
		s.uploads.Wait()
		s.release()
		slog.Info("sync stopped")
	})
}

func (s *SyncMaster) release() {
	if s.ownsJournal && s.journal != nil {
		s.journal.Close()
		s.journal = nil
	}
	if err := s.lock.Unlock(); err != nil {
		slog.Warn("unlock backup directory", "error", err)
	}
}

func (s *SyncMaster) dispatch(ctx context.Context) {
	defer s.loops.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case path := <-s.watcher.Events():
			s.Submit(ctx, path)
			s.metrics.SetTracked(s.watcher.Tracked())
		}
	}
}

// Submit runs the sync protocol for path in the background.
func (s *SyncMaster) Submit(ctx context.Context, path string) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		slog.Warn("sync stopped, dropping", "path", path)
		return
	}
	s.pending.Add(path)
	n := s.pending.Len()
	s.uploads.Add(1)
	s.mu.Unlock()
	s.metrics.SetPending(n)

	go func() {
		defer s.uploads.Done()
		s.upload(context.WithoutCancel(ctx), path)
	}()
}

func (s *SyncMaster) upload(ctx context.Context, path string) {
	defer s.resubmitting.Remove(path)

	unlock := s.paths.Lock(path)
	res, err := s.target.Sync(ctx, path)
	unlock()

	switch {
	case err != nil:
		slog.Error("sync failed", "path", path, "error", err)
		s.metrics.Upload(metrics.ResultError, 0)
	case res.Skipped:
		s.metrics.Upload(metrics.ResultSkipped, 0)
	default:
		slog.Info("synced", "name", res.Name, "size", res.Size)
		s.metrics.Upload(metrics.ResultOK, res.Size)
		if s.journal != nil {
			if err := s.journal.RecordUpload(ctx, res.Name, res.RelPath, res.Size); err != nil {
				slog.Warn("journal upload", "error", err)
			}
		}
	}

	s.mu.Lock()
	if err == nil && !res.Skipped {
		s.manifest = s.manifest.Add(res.Name, res.Size)
		s.locations[res.Name] = location{path: path, rel: res.RelPath}
		s.dirty = true
	}
	s.pending.Done(path)

	seq, snapshot := s.takeSnapshot()
	n := s.pending.Len()
	s.mu.Unlock()
	s.metrics.SetPending(n)

	if snapshot != nil {
		s.writeManifest(ctx, seq, snapshot)
	}
}

// takeSnapshot returns the manifest to persist when no upload is pending and it changed
// since the last snapshot. Callers hold s.mu.
func (s *SyncMaster) takeSnapshot() (uint64, *manifest.Manifest) {
	if !s.pending.Empty() || !s.dirty {
		return 0, nil
	}
	s.seq++
	s.dirty = false
	return s.seq, s.manifest
}

// flushManifest writes a snapshot that an earlier failed write left behind.
func (s *SyncMaster) flushManifest(ctx context.Context) {
	s.mu.Lock()
	seq, snapshot := s.takeSnapshot()
	s.mu.Unlock()

	if snapshot != nil {
		slog.Info("retrying manifest write", "files", snapshot.Len())
		s.writeManifest(ctx, seq, snapshot)
	}
}

// writeManifest persists snapshot unless a newer one was already written.
func (s *SyncMaster) writeManifest(ctx context.Context, seq uint64, snapshot *manifest.Manifest) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if seq <= s.lastWritten {
		return
	}

	name, err := s.target.WriteManifest(ctx, snapshot)
	s.metrics.ManifestWrite(err)
	if err != nil {
		slog.Error("write manifest", "error", err)
		s.mu.Lock()
		s.dirty = true
		s.mu.Unlock()
		return
	}

	s.lastWritten = seq
	s.mu.Lock()
	s.lastManifest = name
	s.mu.Unlock()

	if s.journal != nil {
		if err := s.journal.RecordManifestWrite(ctx, name, snapshot.Len(), snapshot.TotalSize()); err != nil {
			slog.Warn("journal manifest write", "error", err)
		}
	}
}

func (s *SyncMaster) ignored(path string) bool {
	return utils.IsWithin(s.cfg.BackupDirectory, path)
}

func (s *SyncMaster) Manifest() *manifest.Manifest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.manifest
}

func (s *SyncMaster) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending.Len()
}

func (s *SyncMaster) Status(ctx context.Context) statusapi.Status {
	s.mu.Lock()
	st := statusapi.Status{
		Version:           versionString(),
		Source:            s.cfg.Source,
		Target:            s.cfg.Target,
		StartedAt:         s.startedAt,
		Pending:           s.pending.Len(),
		ManifestFiles:     s.manifest.Len(),
		ManifestBytes:     s.manifest.TotalSize(),
		LastManifestWrite: s.lastManifest,
	}
	s.mu.Unlock()

	st.Tracked = s.watcher.Tracked()
	if s.journal != nil {
		if stats, err := s.journal.Stats(ctx); err == nil {
			st.Journal = &stats
		}
	}
	return st
}

// Sync runs a SyncMaster until ctx is cancelled.
func Sync(ctx context.Context, opts Options) error {
	s, err := NewSyncMaster(ctx, opts)
	if err != nil {
		return err
	}
	if err := s.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	s.Stop()
	return nil
}
