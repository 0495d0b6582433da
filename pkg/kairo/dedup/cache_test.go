package dedup

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.t
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.t = f.t.Add(d)
	f.mu.Unlock()
}

func newTestCache(window time.Duration) (*Cache, *fakeClock) {
	clock := &fakeClock{t: time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)}
	c := New(window)
	c.now = clock.Now
	return c, clock
}

func TestShouldProcess(t *testing.T) {
	t.Parallel()
	c, clock := newTestCache(30 * time.Second)

	if !c.ShouldProcess("m1") {
		t.Fatal("first delivery rejected")
	}
	if c.ShouldProcess("m1") {
		t.Fatal("duplicate within window accepted")
	}
	if !c.ShouldProcess("m2") {
		t.Fatal("distinct id rejected")
	}

	clock.Advance(31 * time.Second)
	if !c.ShouldProcess("m1") {
		t.Fatal("id not forgotten after window")
	}
}

func TestShouldProcessEmptyID(t *testing.T) {
	t.Parallel()
	c, _ := newTestCache(time.Minute)

	for i := 0; i < 3; i++ {
		if !c.ShouldProcess("") {
			t.Fatalf("empty id rejected on call %d", i)
		}
	}
	if c.Len() != 0 {
		t.Errorf("Len = %d, want 0", c.Len())
	}
}

func TestExpiredEntriesEvicted(t *testing.T) {
	t.Parallel()
	c, clock := newTestCache(10 * time.Second)

	for i := 0; i < 100; i++ {
		c.ShouldProcess(fmt.Sprintf("m%d", i))
	}
	clock.Advance(11 * time.Second)
	c.ShouldProcess("fresh")

	if c.Len() != 1 {
		t.Errorf("Len = %d, want 1 after eviction", c.Len())
	}
}

func TestConcurrentDuplicates(t *testing.T) {
	t.Parallel()
	c := New(time.Minute)

	var (
		wg       sync.WaitGroup
		accepted atomic.Int32
	)
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if c.ShouldProcess("same") {
				accepted.Add(1)
			}
		}()
	}
	wg.Wait()

	if got := accepted.Load(); got != 1 {
		t.Errorf("accepted = %d, want 1", got)
	}
}
