package marksync

import (
	"sync"
	"time"
)

// WriteLock suppresses inbound host events for a while after marksync itself
// writes to the host. It is one deadline for the whole engine, not per node:
// any event inside the window is dropped, including unrelated ones.
type WriteLock struct {
	mu          sync.Mutex
	now         func() time.Time
	lockedUntil time.Time
}

func NewWriteLock(now func() time.Time) *WriteLock {
	if now == nil {
		now = time.Now
	}
	return &WriteLock{now: now}
}

// Lock extends the window to at least d from now. A shorter call never cuts an
// open window short.
func (l *WriteLock) Lock(d time.Duration) {
	if d <= 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	until := l.now().Add(d)
	if until.After(l.lockedUntil) {
		l.lockedUntil = until
	}
}

func (l *WriteLock) Locked() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.now().Before(l.lockedUntil)
}

func (l *WriteLock) LockedUntil() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lockedUntil
}
