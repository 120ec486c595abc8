package scheduler

import (
	"sort"
	"sync"
)

// ListLockManager provides per-list mutual exclusion for planning and wave
// progression. Uses a keyed mutex pattern: each list id gets its own mutex,
// created on first use and dropped once nobody holds or waits on it.
type ListLockManager struct {
	mu    sync.Mutex           // Guards the locks map itself
	locks map[string]*listLock // Per-list mutexes
}

type listLock struct {
	mu   sync.Mutex
	refs int // Holders plus waiters
}

// NewListLockManager creates a new ListLockManager.
func NewListLockManager() *ListLockManager {
	return &ListLockManager{
		locks: make(map[string]*listLock),
	}
}

func (m *ListLockManager) acquireRef(key string) *listLock {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, exists := m.locks[key]
	if !exists {
		l = &listLock{}
		m.locks[key] = l
	}
	l.refs++
	return l
}

func (m *ListLockManager) releaseRef(key string, l *listLock) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(m.locks, key)
	}
}

// Lock acquires the mutex for the given list.
func (m *ListLockManager) Lock(listID string) {
	l := m.acquireRef(listID)
	// Acquire outside the manager lock to avoid contention
	l.mu.Lock()
}

// TryLock acquires the list mutex without waiting. Returns false when another
// caller holds it.
func (m *ListLockManager) TryLock(listID string) bool {
	l := m.acquireRef(listID)
	if l.mu.TryLock() {
		return true
	}
	m.releaseRef(listID, l)
	return false
}

// Unlock releases the mutex for the given list.
func (m *ListLockManager) Unlock(listID string) {
	m.mu.Lock()
	l, exists := m.locks[listID]
	m.mu.Unlock()

	if exists {
		l.mu.Unlock()
		m.releaseRef(listID, l)
	}
}

// LockAll acquires locks for all given lists in sorted order to prevent deadlocks.
func (m *ListLockManager) LockAll(listIDs []string) {
	for _, id := range sortedCopy(listIDs) {
		m.Lock(id)
	}
}

// UnlockAll releases locks for all given lists in reverse sorted order.
func (m *ListLockManager) UnlockAll(listIDs []string) {
	sorted := sortedCopy(listIDs)
	for i := len(sorted) - 1; i >= 0; i-- {
		m.Unlock(sorted[i])
	}
}

// Held returns the number of lists currently tracked.
func (m *ListLockManager) Held() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.locks)
}

func sortedCopy(ids []string) []string {
	sorted := make([]string, len(ids))
	copy(sorted, ids)
	sort.Strings(sorted)
	return sorted
}
