// Package resource tracks global budgets shared by all tile fetch and parse
// work: retained raw bytes, concurrent fetches and fetch throughput.
package resource

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// Config holds resource limits.
type Config struct {
	// RawBytesLimit is the hard limit for retained raw tile bytes.
	// If 0, no hard limit is enforced (only tracking).
	RawBytesLimit int64

	// MaxConcurrentFetches bounds in-flight network fetches.
	// If 0, defaults to 16.
	MaxConcurrentFetches int64

	// FetchBytesPerSec is the maximum fetch throughput.
	// If 0, unlimited.
	FetchBytesPerSec int64
}

// Controller manages the global budgets. A nil *Controller is valid and
// enforces nothing.
type Controller struct {
	cfg Config

	byteSem  *semaphore.Weighted // nil if unlimited
	byteUsed atomic.Int64

	fetchSem *semaphore.Weighted

	limiter *rate.Limiter
}

// NewController creates a controller from cfg.
func NewController(cfg Config) *Controller {
	if cfg.MaxConcurrentFetches <= 0 {
		cfg.MaxConcurrentFetches = 16
	}

	c := &Controller{
		cfg:      cfg,
		fetchSem: semaphore.NewWeighted(cfg.MaxConcurrentFetches),
	}
	if cfg.RawBytesLimit > 0 {
		c.byteSem = semaphore.NewWeighted(cfg.RawBytesLimit)
	}
	if cfg.FetchBytesPerSec > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.FetchBytesPerSec), int(cfg.FetchBytesPerSec))
	}
	return c
}

// AcquireBytes reserves raw-byte budget, blocking until available or ctx is
// canceled.
func (c *Controller) AcquireBytes(ctx context.Context, n int64) error {
	if c == nil || n <= 0 {
		return nil
	}
	if c.byteSem != nil {
		if err := c.byteSem.Acquire(ctx, n); err != nil {
			return err
		}
	}
	c.byteUsed.Add(n)
	return nil
}

// TryAcquireBytes reserves raw-byte budget without blocking.
func (c *Controller) TryAcquireBytes(n int64) bool {
	if c == nil || n <= 0 {
		return true
	}
	if c.byteSem != nil && !c.byteSem.TryAcquire(n) {
		return false
	}
	c.byteUsed.Add(n)
	return true
}

// ReleaseBytes returns raw-byte budget.
func (c *Controller) ReleaseBytes(n int64) {
	if c == nil || n <= 0 {
		return
	}
	if c.byteSem != nil {
		c.byteSem.Release(n)
	}
	c.byteUsed.Add(-n)
}

// BytesInUse returns the currently reserved raw bytes.
func (c *Controller) BytesInUse() int64 {
	if c == nil {
		return 0
	}
	return c.byteUsed.Load()
}

// BeginFetch blocks until a fetch slot is free.
func (c *Controller) BeginFetch(ctx context.Context) error {
	if c == nil {
		return nil
	}
	return c.fetchSem.Acquire(ctx, 1)
}

// EndFetch releases a fetch slot.
func (c *Controller) EndFetch() {
	if c == nil {
		return
	}
	c.fetchSem.Release(1)
}

// WaitThroughput charges n bytes against the fetch rate limit, blocking if
// the budget is exhausted. Requests larger than one second of budget are
// charged in burst-sized slices.
func (c *Controller) WaitThroughput(ctx context.Context, n int64) error {
	if c == nil || c.limiter == nil || n <= 0 {
		return nil
	}
	burst := int64(c.limiter.Burst())
	for n > 0 {
		chunk := n
		if chunk > burst {
			chunk = burst
		}
		if err := c.limiter.WaitN(ctx, int(chunk)); err != nil {
			return err
		}
		n -= chunk
	}
	return nil
}
