package sessionlock

import (
	"fmt"
	"sync"

	"github.com/fairyhunter13/ai-chat-proxy/internal/domain"
)

type entry struct {
	ch   chan struct{}
	refs int
}

// LocalLocker implements domain.SessionLocker within one process.
type LocalLocker struct {
	mu    sync.Mutex
	locks map[string]*entry
}

// NewLocalLocker creates an in-process locker.
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{locks: make(map[string]*entry)}
}

var _ domain.SessionLocker = (*LocalLocker)(nil)

// Lock blocks until the session is free. Giving up because ctx is done
// yields domain.ErrConflict wrapping the context error.
func (l *LocalLocker) Lock(ctx domain.Context, sessionID string) (func(), error) {
	l.mu.Lock()
	e, ok := l.locks[sessionID]
	if !ok {
		e = &entry{ch: make(chan struct{}, 1)}
		l.locks[sessionID] = e
	}
	e.refs++
	l.mu.Unlock()

	select {
	case e.ch <- struct{}{}:
	case <-ctx.Done():
		l.release(sessionID, e, false)
		return nil, fmt.Errorf("op=sessionlock.lock: %w: conversation busy: %w", domain.ErrConflict, ctx.Err())
	}

	var once sync.Once
	return func() { once.Do(func() { l.release(sessionID, e, true) }) }, nil
}

func (l *LocalLocker) release(sessionID string, e *entry, held bool) {
	if held {
		<-e.ch
	}
	l.mu.Lock()
	e.refs--
	if e.refs == 0 {
		delete(l.locks, sessionID)
	}
	l.mu.Unlock()
}

// Len reports how many sessions currently have holders or waiters.
func (l *LocalLocker) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
