package engine

import (
	"sync"
	"testing"
)

func TestLockExclusive(t *testing.T) {
	lock := NewLock()

	if !lock.TryAcquire() {
		t.Fatal("first acquire should succeed")
	}
	if lock.TryAcquire() {
		t.Fatal("second acquire should fail while held")
	}
	if !lock.Held() {
		t.Error("lock should report held")
	}

	lock.Release()
	if lock.Held() {
		t.Error("lock should report unheld after release")
	}
	if !lock.TryAcquire() {
		t.Error("acquire should succeed after release")
	}
}

func TestLockReleaseIdempotent(t *testing.T) {
	lock := NewLock()

	if !lock.TryAcquire() {
		t.Fatal("acquire failed")
	}
	lock.Release()
	lock.Release() // second release is a no-op

	if !lock.TryAcquire() {
		t.Error("acquire should succeed after double release")
	}
}

func TestLockConcurrentAcquire(t *testing.T) {
	lock := NewLock()

	const goroutines = 64
	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0

	start := make(chan struct{})
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if lock.TryAcquire() {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}()
	}
	close(start)
	wg.Wait()

	if winners != 1 {
		t.Errorf("expected exactly 1 winner, got %d", winners)
	}
}
