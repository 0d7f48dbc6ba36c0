package syncer

import "sync"

// PendingUploads counts uploads in flight per file. The manifest may only be written
// when it is empty. It is not safe for concurrent use; SyncMaster guards it.
type PendingUploads struct {
	counts map[string]int
}

// NewPendingUploads returns an empty set.
func NewPendingUploads() *PendingUploads {
	return &PendingUploads{counts: make(map[string]int)}
}

// Add marks one more upload of path as in flight.
func (p *PendingUploads) Add(path string) {
	p.counts[path]++
}

// Done releases one upload of path. The path leaves the set once its last upload is done.
func (p *PendingUploads) Done(path string) {
	n, ok := p.counts[path]
	if !ok {
		return
	}
	if n <= 1 {
		delete(p.counts, path)
		return
	}
	p.counts[path] = n - 1
}

func (p *PendingUploads) Contains(path string) bool {
	_, ok := p.counts[path]
	return ok
}

// Len is the number of distinct files in flight.
func (p *PendingUploads) Len() int {
	return len(p.counts)
}

// Empty reports whether no upload is in flight.
func (p *PendingUploads) Empty() bool {
	return len(p.counts) == 0
}

// pathLocks serializes uploads of the same file, which share one staging link.
type pathLocks struct {
	mu    sync.Mutex
	locks map[string]*pathLock
}

type pathLock struct {
	sync.Mutex
	refs int
}

func newPathLocks() *pathLocks {
	return &pathLocks{locks: make(map[string]*pathLock)}
}

// Lock blocks until path is free and returns the function releasing it.
func (l *pathLocks) Lock(path string) (unlock func()) {
	l.mu.Lock()
	pl, ok := l.locks[path]
	if !ok {
		pl = &pathLock{}
		l.locks[path] = pl
	}
	pl.refs++
	l.mu.Unlock()

	pl.Lock()
	return func() {
		pl.Unlock()
		l.mu.Lock()
		pl.refs--
		if pl.refs == 0 {
			delete(l.locks, path)
		}
		l.mu.Unlock()
	}
}
