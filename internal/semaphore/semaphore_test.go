package semaphore

import (
	"sync"
	"testing"
	"time"
)

func TestLimiterBoundsConcurrency(t *testing.T) {
	lim := NewLimiter(2)
	active := 0
	maxActive := 0
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			lim.Acquire()
			defer lim.Release()
			mu.Lock()
			active++
			if active > maxActive {
				maxActive = active
			}
			mu.Unlock()
			time.Sleep(time.Millisecond)
			mu.Lock()
			active--
			mu.Unlock()
		}()
	}
	wg.Wait()
	if maxActive > 2 {
		t.Fatalf("limiter allowed %d concurrent holders, want <= 2", maxActive)
	}
}

func TestLimiterUnlimited(t *testing.T) {
	lim := NewLimiter(0)
	lim.Acquire()
	lim.Acquire()
	lim.Release()
	lim.Release()
}
