package engine

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// allWeight is the gate weight taken by LockAll. Each symbol holder takes
// one unit, so LockAll waits for every holder and blocks new ones.
const allWeight = 1 << 30

// symbolLocks serializes work per symbol. Entries are reference counted
// and removed when the last holder or waiter leaves. LockAll excludes
// every symbol at once.
type symbolLocks struct {
	gate *semaphore.Weighted

	mu    sync.Mutex
	slots map[string]*lockSlot
}

type lockSlot struct {
	ch   chan struct{}
	refs int
}

func newSymbolLocks() *symbolLocks {
	return &symbolLocks{
		gate:  semaphore.NewWeighted(allWeight),
		slots: make(map[string]*lockSlot),
	}
}

// Lock blocks until symbol is free or ctx is done. The returned func
// releases the lock.
func (l *symbolLocks) Lock(ctx context.Context, symbol string) (func(), error) {
	if err := l.gate.Acquire(ctx, 1); err != nil {
		return nil, err
	}

	l.mu.Lock()
	s, ok := l.slots[symbol]
	if !ok {
		s = &lockSlot{ch: make(chan struct{}, 1)}
		l.slots[symbol] = s
	}
	s.refs++
	l.mu.Unlock()

	select {
	case s.ch <- struct{}{}:
	case <-ctx.Done():
		l.release(symbol, s)
		l.gate.Release(1)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-s.ch
			l.release(symbol, s)
			l.gate.Release(1)
		})
	}, nil
}

// LockAll blocks until no symbol is held, then holds off every Lock call
// until the returned func is called. Waiting Lock calls queue behind it.
func (l *symbolLocks) LockAll(ctx context.Context) (func(), error) {
	if err := l.gate.Acquire(ctx, allWeight); err != nil {
		return nil, err
	}
	var once sync.Once
	return func() {
		once.Do(func() { l.gate.Release(allWeight) })
	}, nil
}

func (l *symbolLocks) release(symbol string, s *lockSlot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s.refs--
	if s.refs == 0 {
		delete(l.slots, symbol)
	}
}

func (l *symbolLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.slots)
}
