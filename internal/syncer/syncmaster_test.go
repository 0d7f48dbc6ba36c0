package syncer

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gofrs/flock"
	"github.com/jonboulle/clockwork"
	"github.com/openmined/csync/internal/backend"
	"github.com/openmined/csync/internal/backend/local"
	"github.com/openmined/csync/internal/config"
	"github.com/openmined/csync/internal/journal"
	"github.com/openmined/csync/internal/manifest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// gatedBackend wraps a directory backend. Stores can be held until released,
// and every manifest write is recorded with the pending count at that moment.
type gatedBackend struct {
	backend.Backend

	entered chan string
	release chan struct{}
	failFor string
	pending func() int

	// failWrites fails that many manifest writes before letting them through.
	failWrites int

	mu             sync.Mutex
	stores         []string
	writes         []*manifest.Manifest
	pendingAtWrite []int
}

func (g *gatedBackend) Store(ctx context.Context, localPath, remoteRel string) error {
	g.mu.Lock()
	g.stores = append(g.stores, remoteRel)
	g.mu.Unlock()

	if g.entered != nil {
		g.entered <- remoteRel
		<-g.release
	}
	if g.failFor != "" && strings.HasSuffix(remoteRel, g.failFor) {
		return errors.New("injected store failure")
	}
	return g.Backend.Store(ctx, localPath, remoteRel)
}

func (g *gatedBackend) WriteManifest(ctx context.Context, m *manifest.Manifest) (string, error) {
	g.mu.Lock()
	g.writes = append(g.writes, m)
	if g.pending != nil {
		g.pendingAtWrite = append(g.pendingAtWrite, g.pending())
	}
	if g.failWrites > 0 {
		g.failWrites--
		g.mu.Unlock()
		return "", errors.New("injected manifest write failure")
	}
	g.mu.Unlock()
	return g.Backend.WriteManifest(ctx, m)
}

func (g *gatedBackend) manifestWrites() []*manifest.Manifest {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]*manifest.Manifest(nil), g.writes...)
}

func (g *gatedBackend) storeCalls() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.stores...)
}

type fakeClock interface {
	clockwork.Clock
	Advance(d time.Duration)
	BlockUntil(n int)
}

type fixture struct {
	cfg     *config.Config
	remote  string
	backend *gatedBackend
	clock   fakeClock
	sm      *SyncMaster
	journal *journal.Journal
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	remote := t.TempDir()
	cfg := &config.Config{Source: t.TempDir(), Target: "file://" + remote}
	require.NoError(t, cfg.Validate())

	j, err := journal.Open("")
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })

	f := &fixture{
		cfg:     cfg,
		remote:  remote,
		backend: &gatedBackend{Backend: local.New(remote)},
		clock:   clockwork.NewFakeClock(),
		journal: j,
	}

	sm, err := NewSyncMaster(context.Background(), Options{
		Config:  cfg,
		Clock:   f.clock,
		Backend: f.backend,
		Journal: j,
	})
	require.NoError(t, err)
	f.backend.pending = sm.Pending
	f.sm = sm
	require.NoError(t, sm.target.Initialize(context.Background()))
	return f
}

func (f *fixture) write(t *testing.T, rel string, size int) string {
	t.Helper()
	p := filepath.Join(f.cfg.Source, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte(strings.Repeat("x", size)), 0o644))
	return p
}

func (f *fixture) remoteManifest(t *testing.T) *manifest.Manifest {
	t.Helper()
	m, err := f.backend.ReadManifest(context.Background())
	require.NoError(t, err)
	return m
}

func blockUntil(t *testing.T, clock fakeClock, n int) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		clock.BlockUntil(n)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for %d timers", n)
	}
}

func TestConcurrentUploadsWriteManifestOnce(t *testing.T) {
	f := newFixture(t)
	f.backend.entered = make(chan string)
	f.backend.release = make(chan struct{})

	const n = 5
	ctx := context.Background()
	for i := range n {
		f.sm.Submit(ctx, f.write(t, filepath.Join("ks", "t", "ks-t-"+string(rune('1'+i))+"-Data.db"), 10*(i+1)))
	}
	for range n {
		<-f.backend.entered
	}
	assert.Equal(t, n, f.sm.Pending())
	assert.Empty(t, f.backend.manifestWrites(), "no manifest write while uploads are in flight")

	close(f.backend.release)
	f.sm.uploads.Wait()

	writes := f.backend.manifestWrites()
	require.Len(t, writes, 1)
	assert.Equal(t, n, writes[0].Len())
	assert.Equal(t, []int{0}, f.backend.pendingAtWrite)
	assert.Equal(t, 0, f.sm.Pending())

	got := f.remoteManifest(t)
	assert.True(t, got.Equal(writes[0]))

	uploads, err := f.journal.RecentUploads(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, uploads, n)
	mw, err := f.journal.RecentManifestWrites(ctx, 10)
	require.NoError(t, err)
	require.Len(t, mw, 1)
	assert.Equal(t, n, mw[0].Files)
}

func TestVanishedFileLeavesManifestUntouched(t *testing.T) {
	f := newFixture(t)
	p := f.write(t, "ks-t-9-Data.db", 10)
	require.NoError(t, os.Remove(p))

	f.sm.Submit(context.Background(), p)
	f.sm.uploads.Wait()

	assert.Equal(t, 0, f.sm.Pending())
	assert.Equal(t, 0, f.sm.Manifest().Len())
	assert.Empty(t, f.backend.manifestWrites())
}

func TestFailedUploadStaysOutOfManifest(t *testing.T) {
	f := newFixture(t)
	f.backend.entered = make(chan string)
	f.backend.release = make(chan struct{})
	f.backend.failFor = "ks-t-2-Data.db"

	ctx := context.Background()
	f.sm.Submit(ctx, f.write(t, "ks-t-1-Data.db", 10))
	f.sm.Submit(ctx, f.write(t, "ks-t-2-Data.db", 20))
	<-f.backend.entered
	<-f.backend.entered
	close(f.backend.release)
	f.sm.uploads.Wait()

	writes := f.backend.manifestWrites()
	require.Len(t, writes, 1)
	assert.True(t, writes[0].Contains("ks-t-1-Data.db"))
	assert.False(t, writes[0].Contains("ks-t-2-Data.db"))
	assert.Equal(t, 0, f.sm.Pending())
}

func TestStaleSnapshotNotWritten(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	newer := manifest.New().Add("b-Data.db", 2)
	f.sm.writeManifest(ctx, 2, newer)
	f.sm.writeManifest(ctx, 1, manifest.New().Add("a-Data.db", 1))

	writes := f.backend.manifestWrites()
	require.Len(t, writes, 1)
	assert.True(t, writes[0].Equal(newer))
}

func TestStartCatchesUpMissingFiles(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	already := f.write(t, "ks/table/ks-table-0-Data.db", 50)
	f.write(t, "ks/table/ks-table-1-Data.db", 100)
	f.write(t, "ks/table/ks-table-1-Index.db", 7)

	require.NoError(t, f.backend.Backend.Store(ctx, already, "ks/table/ks-table-0-Data.db"))
	_, err := f.backend.Backend.WriteManifest(ctx, manifest.New().Add("ks-table-0-Data.db", 50))
	require.NoError(t, err)

	require.NoError(t, f.sm.Start(ctx))
	defer f.sm.Stop()

	// validation timer plus one stabilization poll
	blockUntil(t, f.clock, 2)
	f.clock.Advance(3 * time.Second)

	require.Eventually(t, func() bool {
		size, ok := f.remoteManifest(t).Get("ks-table-1-Data.db")
		return ok && size == 100
	}, 5*time.Second, 20*time.Millisecond)

	m := f.remoteManifest(t)
	assert.Equal(t, 2, m.Len())
	assert.Equal(t, []string{"ks/table/ks-table-1-Data.db"}, f.backend.storeCalls(), "only the missing file is uploaded")
	assert.FileExists(t, filepath.Join(f.remote, "data", "ks", "table", "ks-table-1-Data.db"))
}

func TestStartRefusesLockedBackupDir(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, os.MkdirAll(f.cfg.BackupDirectory, 0o755))

	other := flock.New(f.cfg.LockPath())
	locked, err := other.TryLock()
	require.NoError(t, err)
	require.True(t, locked)
	defer other.Unlock()

	err = f.sm.Start(context.Background())
	assert.ErrorIs(t, err, ErrBackupDirLocked)
}

func TestStartFailsOnCorruptManifest(t *testing.T) {
	f := newFixture(t)
	dir := filepath.Join(f.remote, "manifest")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "manifest-20240101T000000.000Z.json"), []byte("garbage"), 0o644))

	err := f.sm.Start(context.Background())
	assert.ErrorIs(t, err, manifest.ErrInvalidManifest)

	// the lock is released so a fixed configuration can start again
	again := flock.New(f.cfg.LockPath())
	locked, err := again.TryLock()
	require.NoError(t, err)
	assert.True(t, locked)
	again.Unlock()
}

func TestStatus(t *testing.T) {
	f := newFixture(t)
	f.sm.Submit(context.Background(), f.write(t, "a-Data.db", 3))
	f.sm.uploads.Wait()

	st := f.sm.Status(context.Background())
	assert.Equal(t, f.cfg.Source, st.Source)
	assert.Equal(t, 1, st.ManifestFiles)
	assert.EqualValues(t, 3, st.ManifestBytes)
	assert.NotEmpty(t, st.LastManifestWrite)
	require.NotNil(t, st.Journal)
	assert.Equal(t, 1, st.Journal.Uploads)
}
