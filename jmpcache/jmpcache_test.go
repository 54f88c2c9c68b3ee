package jmpcache

import (
	"sync"
	"testing"
)

func TestAttachIsPerThread(t *testing.T) {
	r := NewRegistry(16)
	a := r.Attach(1)
	if r.Attach(1) != a {
		t.Fatalf("Attach must return the same cache for the same thread")
	}
	if r.Attach(2) == a {
		t.Fatalf("threads must not share caches")
	}
	a.Add(0x1000, 0x41000000)
	if jit, ok := a.Lookup(0x1000); !ok || jit != 0x41000000 {
		t.Fatalf("lookup: 0x%x %v", jit, ok)
	}
	if _, ok := r.Attach(2).Lookup(0x1000); ok {
		t.Fatalf("entry leaked into another thread")
	}
}

func TestPurgeAllThreads(t *testing.T) {
	r := NewRegistry(64)
	for tid := 0; tid < 8; tid++ {
		c := r.Attach(tid)
		c.Add(0x0fff, 1)
		c.Add(0x1000, 2)
		c.Add(0x1ffc, 3)
		c.Add(0x2000, 4)
	}

	r.Purge(0x1000, 0x1000)

	for tid := 0; tid < 8; tid++ {
		c := r.Attach(tid)
		if c.Len() != 2 {
			t.Errorf("thread %d: %d entries left, want 2", tid, c.Len())
		}
		for _, gone := range []uint64{0x1000, 0x1ffc} {
			if _, ok := c.Lookup(gone); ok {
				t.Errorf("thread %d still caches 0x%x", tid, gone)
			}
		}
		for _, kept := range []uint64{0x0fff, 0x2000} {
			if _, ok := c.Lookup(kept); !ok {
				t.Errorf("thread %d lost 0x%x", tid, kept)
			}
		}
	}
	if r.Purges() != 1 {
		t.Errorf("Purges = %d", r.Purges())
	}
}

func TestDetach(t *testing.T) {
	r := NewRegistry(0)
	c := r.Attach(7)
	c.Add(0x1000, 1)
	r.Detach(7)
	r.Purge(0x1000, 0x1000)
	if c.Len() != 1 {
		t.Fatalf("detached cache must not be touched by purges")
	}
	if r.Attach(7) == c {
		t.Fatalf("re-attach after detach must give a fresh cache")
	}
}

func TestPurgeWhileThreadsRun(t *testing.T) {
	r := NewRegistry(128)
	var wg sync.WaitGroup
	for tid := 0; tid < 4; tid++ {
		wg.Add(1)
		go func(tid int) {
			defer wg.Done()
			c := r.Attach(tid)
			for i := uint64(0); i < 1000; i++ {
				c.Add(0x10000+i, i)
				c.Lookup(0x10000 + i/2)
			}
		}(tid)
	}
	for i := 0; i < 50; i++ {
		r.Purge(0x10000, 0x100)
	}
	wg.Wait()
}
