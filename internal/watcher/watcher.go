// Package watcher reports data files once they have stopped growing.
//
// The database writing the files and this process share no close or EOF
// signal, so a file is considered finished when its size is unchanged between
// two polls. Polls start 3s apart and back off linearly up to 30s, which keeps
// write bursts responsive without hammering long-running writes.
package watcher

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/openmined/csync/internal/filter"
	"github.com/openmined/csync/internal/utils"
	"github.com/rjeczalik/notify"
)

const (
	StepTimeout = 3 * time.Second
	MaxTimeout  = 30 * time.Second
	MaxSteps    = 10

	eventBufferSize = 64
)

// IgnoreFunc returns true for absolute paths the watcher must never track.
type IgnoreFunc func(path string) bool

// Timeout is the delay before the poll that follows the count-th size change.
func Timeout(count int) time.Duration {
	if count > MaxSteps {
		return MaxTimeout
	}
	return time.Duration(count) * StepTimeout
}

type watchEntry struct {
	path  string
	size  int64
	count int
	timer clockwork.Timer
}

type FileWatcher struct {
	dir    string
	filter filter.Filter
	ignore IgnoreFunc
	clock  clockwork.Clock

	rawEvents chan notify.EventInfo
	events    chan string

	watches map[string]*watchEntry
	mu      sync.Mutex

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

type Option func(*FileWatcher)

func WithClock(clock clockwork.Clock) Option {
	return func(fw *FileWatcher) {
		fw.clock = clock
	}
}

func WithIgnore(fn IgnoreFunc) Option {
	return func(fw *FileWatcher) {
		fw.ignore = fn
	}
}

func New(dir string, f filter.Filter, opts ...Option) *FileWatcher {
	fw := &FileWatcher{
		dir:     filepath.Clean(dir),
		filter:  f,
		clock:   clockwork.NewRealClock(),
		events:  make(chan string, eventBufferSize),
		watches: make(map[string]*watchEntry),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(fw)
	}
	return fw
}

// Events delivers the absolute path of every file that stabilized, once per episode.
func (fw *FileWatcher) Events() <-chan string {
	return fw.events
}

// Start begins observing the directory tree. It does not block.
func (fw *FileWatcher) Start(ctx context.Context) error {
	slog.Info("file watcher start", "dir", fw.dir, "filter", fw.filter.String())

	fw.rawEvents = make(chan notify.EventInfo, eventBufferSize)
	recursivePath := filepath.Join(fw.dir, "...")
	if err := notify.Watch(recursivePath, fw.rawEvents, notify.Create, notify.Write, notify.Rename); err != nil {
		return err
	}

	fw.wg.Add(1)
	go fw.handleRawEvents(ctx)

	return nil
}

// Stop ends observation and cancels every pending poll. Files mid-stabilization are not reported.
func (fw *FileWatcher) Stop() {
	fw.stopOnce.Do(func() {
		slog.Info("file watcher stopping")
		close(fw.done)

		if fw.rawEvents != nil {
			notify.Stop(fw.rawEvents)
		}

		fw.mu.Lock()
		for path, entry := range fw.watches {
			if entry.timer != nil {
				entry.timer.Stop()
			}
			delete(fw.watches, path)
		}
		fw.mu.Unlock()

		fw.wg.Wait()
		slog.Info("file watcher stopped")
	})
}

// Tracked is the number of files currently waiting to stabilize.
func (fw *FileWatcher) Tracked() int {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	return len(fw.watches)
}

// Track starts a stabilization episode for path unless one is already running.
func (fw *FileWatcher) Track(path string) {
	info, err := os.Stat(path)
	if err != nil {
		slog.Warn("file watcher stat", "path", path, "error", err)
		return
	}

	fw.mu.Lock()
	defer fw.mu.Unlock()

	if fw.stopped() {
		return
	}
	if _, ok := fw.watches[path]; ok {
		return
	}

	entry := &watchEntry{path: path, size: info.Size()}
	entry.timer = fw.clock.AfterFunc(StepTimeout, func() { fw.poll(entry) })
	fw.watches[path] = entry

	slog.Debug("file watcher add", "path", path, "size", entry.size, "timeout", StepTimeout)
}

func (fw *FileWatcher) handleRawEvents(ctx context.Context) {
	defer fw.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-fw.done:
			return
		case event, ok := <-fw.rawEvents:
			if !ok {
				return
			}
			path := event.Path()
			if fw.ignore != nil && fw.ignore(path) {
				continue
			}
			rel, err := utils.RelSlash(fw.dir, path)
			if err != nil || !fw.filter.Match(rel) {
				continue
			}
			fw.Track(path)
		}
	}
}

// poll runs when an entry's timer fires. The next timer is only armed here,
// so polls for one file never overlap.
func (fw *FileWatcher) poll(entry *watchEntry) {
	info, err := os.Stat(entry.path)

	fw.mu.Lock()
	if fw.stopped() || fw.watches[entry.path] != entry {
		fw.mu.Unlock()
		return
	}

	if err != nil {
		delete(fw.watches, entry.path)
		fw.mu.Unlock()
		slog.Error("file watcher stat", "path", entry.path, "error", err)
		return
	}

	if info.Size() == entry.size {
		delete(fw.watches, entry.path)
		fw.mu.Unlock()
		slog.Info("file watcher stable", "path", entry.path, "size", entry.size, "polls", entry.count+1)
		fw.emit(entry.path)
		return
	}

	entry.count++
	entry.size = info.Size()
	timeout := Timeout(entry.count)
	entry.timer = fw.clock.AfterFunc(timeout, func() { fw.poll(entry) })
	fw.mu.Unlock()

	slog.Debug("file watcher growing", "path", entry.path, "size", entry.size, "timeout", timeout)
}

func (fw *FileWatcher) emit(path string) {
	select {
	case fw.events <- path:
	case <-fw.done:
	}
}

func (fw *FileWatcher) stopped() bool {
	select {
	case <-fw.done:
		return true
	default:
		return false
	}
}
