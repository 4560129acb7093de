package services

import "sync"

// ProjectLocks is a process-local, non-reentrant try-lock per project id.
// A second acquire for a busy project fails instead of waiting.
type ProjectLocks struct {
	mu   sync.Mutex
	busy map[int64]struct{}
}

func NewProjectLocks() *ProjectLocks {
	return &ProjectLocks{busy: make(map[int64]struct{})}
}

// TryAcquire returns a release func, or false when the project is busy.
func (l *ProjectLocks) TryAcquire(projectID int64) (func(), bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.busy[projectID]; ok {
		return nil, false
	}
	l.busy[projectID] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.busy, projectID)
			l.mu.Unlock()
		})
	}, true
}
