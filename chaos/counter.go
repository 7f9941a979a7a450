package chaos

import (
	"sync"
	"sync/atomic"
)

// keyedCounter hands out monotonically increasing counts per key with no
// lost or duplicate updates under concurrency. The empty key acts as a
// global counter.
type keyedCounter struct {
	counts sync.Map
}

func (c *keyedCounter) next(key string) int64 {
	v, _ := c.counts.LoadOrStore(key, &atomic.Int64{})
	return v.(*atomic.Int64).Add(1)
}

func (c *keyedCounter) reset() {
	c.counts.Range(func(k, _ any) bool {
		c.counts.Delete(k)
		return true
	})
}
