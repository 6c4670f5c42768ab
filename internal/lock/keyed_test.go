package lock

import (
	"sync"
	"testing"
)

func TestKeyed_MutualExclusion(t *testing.T) {
	k := NewKeyed()
	var counter int

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release := k.Acquire("market-1")
			defer release()
			counter++
		}()
	}
	wg.Wait()

	if counter != 50 {
		t.Errorf("expected 50 increments, got %d", counter)
	}
}

func TestKeyed_IndependentKeys(t *testing.T) {
	k := NewKeyed()

	releaseA := k.Acquire("a")
	done := make(chan struct{})
	go func() {
		releaseB := k.Acquire("b")
		releaseB()
		close(done)
	}()
	<-done // key "b" must not block behind key "a"
	releaseA()
}

func TestKeyed_EntriesReclaimed(t *testing.T) {
	k := NewKeyed()
	release := k.Acquire("x")
	release()

	k.mu.Lock()
	defer k.mu.Unlock()
	if len(k.locks) != 0 {
		t.Errorf("expected idle entries to be reclaimed, %d remain", len(k.locks))
	}
}
