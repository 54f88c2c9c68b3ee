// Package jmpcache holds each thread's guest-to-translated address cache
// and purges all of them when guest code goes away.
package jmpcache

import (
	"fmt"
	"sync"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
	ds "github.com/ranmrdrakono/shroud/data_structures"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const DefaultSize = 4096

// Cache maps guest addresses to translated addresses for one thread.
type Cache struct {
	entries *lru.Cache[uint64, uint64]
}

func newCache(size int) (*Cache, error) {
	entries, err := lru.New[uint64, uint64](size)
	if err != nil {
		return nil, err
	}
	return &Cache{entries: entries}, nil
}

func (c *Cache) Lookup(guest uint64) (uint64, bool) {
	return c.entries.Get(guest)
}

func (c *Cache) Add(guest, jit uint64) {
	c.entries.Add(guest, jit)
}

func (c *Cache) Len() int {
	return c.entries.Len()
}

func (c *Cache) purge(rng ds.Range) int {
	n := 0
	for _, guest := range c.entries.Keys() {
		if rng.Contains(guest) && c.entries.Remove(guest) {
			n++
		}
	}
	return n
}

// Registry knows the cache of every live thread.
type Registry struct {
	size   int
	purges atomic.Uint64

	mu     sync.RWMutex
	caches map[int]*Cache
}

func NewRegistry(size int) *Registry {
	if size <= 0 {
		size = DefaultSize
	}
	return &Registry{size: size, caches: make(map[int]*Cache)}
}

// Attach returns the cache of thread tid, creating it on first use.
func (r *Registry) Attach(tid int) *Cache {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.caches[tid]; ok {
		return c
	}
	c, err := newCache(r.size)
	if err != nil {
		// size is positive, lru.New cannot fail
		panic(err)
	}
	r.caches[tid] = c
	return c
}

func (r *Registry) Detach(tid int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.caches, tid)
}

// Purge removes every cached entry inside [addr, addr+length) from every
// thread's cache and returns once all of them are done.
func (r *Registry) Purge(addr, length uint64) {
	rng := ds.Range{From: addr, To: addr + length}
	r.purges.Add(1)

	r.mu.RLock()
	defer r.mu.RUnlock()

	var dropped atomic.Int64
	var g errgroup.Group
	for _, c := range r.caches {
		c := c
		g.Go(func() error {
			dropped.Add(int64(c.purge(rng)))
			return nil
		})
	}
	g.Wait()

	log.WithFields(log.Fields{"range": rng, "threads": len(r.caches), "dropped": dropped.Load()}).Debug("Purged Translation Caches")
}

// Purges counts the Purge calls so far.
func (r *Registry) Purges() uint64 {
	return r.purges.Load()
}

func (r *Registry) String() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return fmt.Sprintf("jmpcache(%d threads)", len(r.caches))
}
