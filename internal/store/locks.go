package store

import (
	"sort"
	"sync"
)

// PathLocks provides per-store-path mutual exclusion. Realisations of
// different paths may write to the store concurrently, but two writers of
// the same path must serialize: one goal copying a substitute and another
// registering a fresh build of the same path would otherwise race.
type PathLocks struct {
	mu    sync.Mutex                // Guards the locks map itself
	locks map[StorePath]*sync.Mutex // Per-path mutexes
}

// NewPathLocks creates a new PathLocks.
func NewPathLocks() *PathLocks {
	return &PathLocks{
		locks: make(map[StorePath]*sync.Mutex),
	}
}

// Lock acquires the per-path mutex, creating it on first access.
func (l *PathLocks) Lock(p StorePath) {
	l.mu.Lock()
	pathLock, exists := l.locks[p]
	if !exists {
		pathLock = &sync.Mutex{}
		l.locks[p] = pathLock
	}
	l.mu.Unlock()

	// Acquire the per-path lock outside the manager lock to avoid contention
	pathLock.Lock()
}

// Unlock releases the per-path mutex.
func (l *PathLocks) Unlock(p StorePath) {
	l.mu.Lock()
	pathLock, exists := l.locks[p]
	l.mu.Unlock()

	if exists {
		pathLock.Unlock()
	}
}

// LockAll acquires locks for all given paths. Paths are sorted
// lexicographically before acquiring to prevent deadlocks between goals
// locking overlapping sets.
func (l *PathLocks) LockAll(paths []StorePath) {
	if len(paths) == 0 {
		return
	}

	sorted := make([]StorePath, len(paths))
	copy(sorted, paths)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	for _, p := range sorted {
		l.Lock(p)
	}
}

// UnlockAll releases locks for all given paths, in reverse sorted order.
func (l *PathLocks) UnlockAll(paths []StorePath) {
	if len(paths) == 0 {
		return
	}

	sorted := make([]StorePath, len(paths))
	copy(sorted, paths)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	for i := len(sorted) - 1; i >= 0; i-- {
		l.Unlock(sorted[i])
	}
}
