package scheduler

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestResourceLockManager_SamePathBlocks(t *testing.T) {
	mgr := NewResourceLockManager()
	order := make(chan int, 2)

	mgr.Lock("build/app")
	go func() {
		mgr.Lock("build/app")
		order <- 2
		mgr.Unlock("build/app")
	}()

	time.Sleep(20 * time.Millisecond)
	order <- 1
	mgr.Unlock("build/app")

	if first, second := <-order, <-order; first != 1 || second != 2 {
		t.Errorf("order = [%d, %d], want [1, 2]", first, second)
	}
}

func TestResourceLockManager_DifferentPathsConcurrent(t *testing.T) {
	mgr := NewResourceLockManager()
	var wg sync.WaitGroup
	var holding atomic.Int32

	for _, path := range []string{"a.o", "b.o"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			mgr.Lock(path)
			holding.Add(1)
			time.Sleep(30 * time.Millisecond)
			mgr.Unlock(path)
		}()
	}

	time.Sleep(15 * time.Millisecond)
	if got := holding.Load(); got != 2 {
		t.Errorf("holders = %d, want both paths locked at once", got)
	}
	wg.Wait()
}

func TestResourceLockManager_LockAll(t *testing.T) {
	tests := []struct {
		name  string
		first []string
		then  []string
	}{
		{name: "opposite orders", first: []string{"b.o", "a.o"}, then: []string{"a.o", "b.o"}},
		{name: "duplicates", first: []string{"a.o", "a.o"}, then: []string{"a.o"}},
		{name: "empty", first: nil, then: []string{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mgr := NewResourceLockManager()
			var wg sync.WaitGroup
			for _, paths := range [][]string{tt.first, tt.then} {
				wg.Add(1)
				go func() {
					defer wg.Done()
					mgr.LockAll(paths)
					time.Sleep(5 * time.Millisecond)
					mgr.UnlockAll(paths)
				}()
			}

			done := make(chan struct{})
			go func() {
				wg.Wait()
				close(done)
			}()
			select {
			case <-done:
			case <-time.After(2 * time.Second):
				t.Fatal("LockAll deadlocked")
			}

			if held := mgr.Held(); held != 0 {
				t.Errorf("Held() = %d after release, want 0", held)
			}
		})
	}
}
