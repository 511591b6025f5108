package scheduler

import "sync"

// taskLocks hands out one mutex per task id. Holding a task's mutex across
// a transition (legality check, durable write, in-memory update) keeps that
// task's history strictly ordered while unrelated tasks proceed in parallel.
type taskLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newTaskLocks() *taskLocks {
	return &taskLocks{
		locks: make(map[string]*sync.Mutex),
	}
}

// get returns the mutex for a task id, creating it on first use.
func (m *taskLocks) get(id string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()

	if l, ok := m.locks[id]; ok {
		return l
	}
	l := &sync.Mutex{}
	m.locks[id] = l
	return l
}

// Lock acquires the per-task mutex.
func (m *taskLocks) Lock(id string) {
	m.get(id).Lock()
}

// Unlock releases the per-task mutex.
func (m *taskLocks) Unlock(id string) {
	m.get(id).Unlock()
}
