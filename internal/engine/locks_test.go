package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSymbolLocksSerializeSameSymbol(t *testing.T) {
	l := newSymbolLocks()
	var inside, maxInside int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := l.Lock(context.Background(), "AAPL")
			if !assert.NoError(t, err) {
				return
			}
			n := atomic.AddInt32(&inside, 1)
			for {
				m := atomic.LoadInt32(&maxInside)
				if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&inside, -1)
			unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), maxInside)
	assert.Equal(t, 0, l.size())
}

func TestSymbolLocksIndependentSymbols(t *testing.T) {
	l := newSymbolLocks()
	unlockA, err := l.Lock(context.Background(), "AAPL")
	require.NoError(t, err)
	defer unlockA()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	unlockB, err := l.Lock(ctx, "MSFT")
	require.NoError(t, err)
	unlockB()
	assert.Equal(t, 1, l.size())
}

func TestSymbolLocksContextCancel(t *testing.T) {
	l := newSymbolLocks()
	unlock, err := l.Lock(context.Background(), "AAPL")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = l.Lock(ctx, "AAPL")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	unlock()
	unlock() // second call is a no-op
	assert.Equal(t, 0, l.size())
}

func TestSymbolLocksLockAllWaitsForHolders(t *testing.T) {
	l := newSymbolLocks()
	unlockA, err := l.Lock(context.Background(), "AAPL")
	require.NoError(t, err)

	acquired := make(chan func(), 1)
	go func() {
		unlock, err := l.LockAll(context.Background())
		if assert.NoError(t, err) {
			acquired <- unlock
		}
	}()

	select {
	case <-acquired:
		t.Fatal("LockAll acquired while AAPL was held")
	case <-time.After(20 * time.Millisecond):
	}

	unlockA()
	var unlockAll func()
	select {
	case unlockAll = <-acquired:
	case <-time.After(time.Second):
		t.Fatal("LockAll never acquired")
	}

	// Other symbols wait while everything is held.
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = l.Lock(ctx, "MSFT")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	unlockAll()
	unlockAll()
	unlockB, err := l.Lock(context.Background(), "MSFT")
	require.NoError(t, err)
	unlockB()
	assert.Equal(t, 0, l.size())
}

func TestSymbolLocksLockAllContextCancel(t *testing.T) {
	l := newSymbolLocks()
	unlock, err := l.Lock(context.Background(), "AAPL")
	require.NoError(t, err)
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = l.LockAll(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// A cancelled LockAll leaves the gate usable.
	unlockB, err := l.Lock(context.Background(), "MSFT")
	require.NoError(t, err)
	unlockB()
}
