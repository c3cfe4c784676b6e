package synch

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSemaDownBlocksUntilUp(t *testing.T) {
	s := MkSema(0)
	done := make(chan struct{})
	go func() {
		s.Down()
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("Down returned before Up")
	case <-time.After(20 * time.Millisecond):
	}

	s.Up()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Down never returned after Up")
	}
}

func TestSemaTryDown(t *testing.T) {
	s := MkSema(1)
	require.True(t, s.TryDown())
	require.False(t, s.TryDown())
	s.Up()
	require.True(t, s.TryDown())
}

func TestLockMutualExclusion(t *testing.T) {
	l := &Lock_t{}
	var counter int
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.Lock()
			defer l.Unlock()
			counter++
		}()
	}
	wg.Wait()
	require.Equal(t, 50, counter)
}

func TestLockassertPanicsWhenNotHeld(t *testing.T) {
	l := &Lock_t{}
	require.Panics(t, func() { l.Lockassert() })
	l.Lock()
	require.NotPanics(t, func() { l.Lockassert() })
}

func TestCondSignal(t *testing.T) {
	l := &Lock_t{}
	c := MkCond(l)
	ready := false
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		l.Lock()
		for !ready {
			c.Wait()
		}
		l.Unlock()
	}()

	time.Sleep(10 * time.Millisecond)
	l.Lock()
	ready = true
	c.Signal()
	l.Unlock()

	wg.Wait()
}

func TestRWLockAllowsConcurrentReaders(t *testing.T) {
	l := MkRWLock()
	l.RLock()
	defer l.RUnlock()

	done := make(chan struct{})
	go func() {
		l.RLock()
		l.RUnlock()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("second reader blocked behind first reader")
	}
}

func TestRWLockWriterExcludesReaders(t *testing.T) {
	l := MkRWLock()
	l.Lock()

	acquired := make(chan struct{})
	go func() {
		l.RLock()
		close(acquired)
		l.RUnlock()
	}()

	select {
	case <-acquired:
		t.Fatal("reader acquired lock while writer held it")
	case <-time.After(20 * time.Millisecond):
	}
	l.Unlock()

	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("reader never acquired lock after writer released it")
	}
}

// TestRWLockWriterPreference exercises writer-preference starvation
// avoidance: once a writer is waiting, a reader that arrives afterward
// must not cut in front of it.
func TestRWLockWriterPreference(t *testing.T) {
	l := MkRWLock()
	l.RLock() // first reader in, holding the lock

	writerWaiting := make(chan struct{})
	writerDone := make(chan struct{})
	go func() {
		// Give the writer a moment to start waiting before the second
		// reader shows up.
		time.Sleep(10 * time.Millisecond)
		close(writerWaiting)
		l.Lock()
		close(writerDone)
		l.Unlock()
	}()

	<-writerWaiting
	time.Sleep(10 * time.Millisecond) // let the writer block on l.Lock()

	readerAcquired := make(chan struct{})
	go func() {
		l.RLock()
		close(readerAcquired)
		l.RUnlock()
	}()

	select {
	case <-readerAcquired:
		t.Fatal("second reader cut in front of a waiting writer")
	case <-time.After(20 * time.Millisecond):
	}

	l.RUnlock() // release the first reader; writer should go next
	<-writerDone
	<-readerAcquired
}
