package scheduler

import (
	"slices"
	"sort"
	"sync"
)

// ResourceLockManager provides per-path mutual exclusion for concurrently
// executing tasks. Each path gets its own mutex, created on first use and
// dropped once nobody holds or waits for it.
type ResourceLockManager struct {
	mu    sync.Mutex // Guards the locks map itself
	locks map[string]*pathLock
}

type pathLock struct {
	mu   sync.Mutex
	refs int // Holders plus waiters
}

// NewResourceLockManager creates a new ResourceLockManager.
func NewResourceLockManager() *ResourceLockManager {
	return &ResourceLockManager{
		locks: make(map[string]*pathLock),
	}
}

// Lock acquires the mutex for path.
func (r *ResourceLockManager) Lock(path string) {
	r.mu.Lock()
	l, exists := r.locks[path]
	if !exists {
		l = &pathLock{}
		r.locks[path] = l
	}
	l.refs++
	r.mu.Unlock()

	// acquire outside the manager lock so other paths stay available
	l.mu.Lock()
}

// Unlock releases the mutex for path.
func (r *ResourceLockManager) Unlock(path string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	l, exists := r.locks[path]
	if !exists {
		return
	}
	l.mu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(r.locks, path)
	}
}

// LockAll acquires the mutexes for every path in lexicographic order, which
// rules out lock-order deadlocks between tasks. Duplicates are locked once.
func (r *ResourceLockManager) LockAll(paths []string) {
	for _, path := range sortedUnique(paths) {
		r.Lock(path)
	}
}

// UnlockAll releases what LockAll acquired, in reverse order.
func (r *ResourceLockManager) UnlockAll(paths []string) {
	sorted := sortedUnique(paths)
	for i := len(sorted) - 1; i >= 0; i-- {
		r.Unlock(sorted[i])
	}
}

// Held returns the number of paths currently locked or awaited.
func (r *ResourceLockManager) Held() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.locks)
}

func sortedUnique(paths []string) []string {
	if len(paths) == 0 {
		return nil
	}
	sorted := slices.Clone(paths)
	sort.Strings(sorted)
	return slices.Compact(sorted)
}
