package service

import "sync"

// requestLocks hands out one mutex per request ID. Entries are reference counted and
// dropped once nobody holds or waits on them.
type requestLocks struct {
	mu    sync.Mutex
	locks map[string]*requestLock
}

type requestLock struct {
	mu   sync.Mutex
	refs int
}

func newRequestLocks() *requestLocks {
	return &requestLocks{locks: make(map[string]*requestLock)}
}

// lock blocks until the caller owns requestID and returns the matching unlock.
func (l *requestLocks) lock(requestID string) func() {
	l.mu.Lock()
	rl, ok := l.locks[requestID]
	if !ok {
		rl = &requestLock{}
		l.locks[requestID] = rl
	}
	rl.refs++
	l.mu.Unlock()

	rl.mu.Lock()
	return func() {
		rl.mu.Unlock()

		l.mu.Lock()
		rl.refs--
		if rl.refs == 0 {
			delete(l.locks, requestID)
		}
		l.mu.Unlock()
	}
}

func (l *requestLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
