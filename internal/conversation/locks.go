package conversation

import (
	"context"
	"sync"
)

// sessionLocks hands out one exclusion token per session. The token is a
// 1-buffered channel: acquiring sends into it, releasing receives. Goroutines
// blocked on the send are woken in the order they started waiting, so turns
// on one session are granted first-come, first-served. Entries are reference
// counted and removed when no holder or waiter remains.
type sessionLocks struct {
	mu    sync.Mutex
	locks map[string]*sessionLock
}

type sessionLock struct {
	token chan struct{}
	refs  int
}

func newSessionLocks() *sessionLocks {
	return &sessionLocks{locks: make(map[string]*sessionLock)}
}

// acquire blocks until the session's token is held or ctx is done. The
// returned release func must be called exactly once.
func (l *sessionLocks) acquire(ctx context.Context, id string) (func(), error) {
	l.mu.Lock()
	sl, ok := l.locks[id]
	if !ok {
		sl = &sessionLock{token: make(chan struct{}, 1)}
		l.locks[id] = sl
	}
	sl.refs++
	l.mu.Unlock()

	select {
	case sl.token <- struct{}{}:
	case <-ctx.Done():
		l.unref(id, sl)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-sl.token
			l.unref(id, sl)
		})
	}, nil
}

func (l *sessionLocks) unref(id string, sl *sessionLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	sl.refs--
	if sl.refs == 0 {
		delete(l.locks, id)
	}
}

// size reports how many sessions currently have holders or waiters.
func (l *sessionLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
