// Package gpu arbitrates access to the shared GPU. A mutex-protected set
// of named holders bounds concurrency; an optional memory callback gates
// admission when allocated VRAM is already high. There is no fairness
// among waiters: the waiter count equals the (small, bounded) worker
// count, and urgency is handled upstream at the queue.
package gpu

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// ErrOutOfMemory marks inference failures caused by GPU memory
// exhaustion. Engines wrap it; the dispatcher reacts by clearing the
// accelerator cache before releasing the lease.
var ErrOutOfMemory = errors.New("gpu out of memory")

// MemStats is a snapshot of GPU memory, in GiB.
type MemStats struct {
	AllocatedGiB float64 `json:"allocated_gib"`
	FreeGiB      float64 `json:"free_gib"`
	TotalGiB     float64 `json:"total_gib"`
}

// MemFunc reports live GPU memory. A nil MemFunc, or one that errors,
// disables the memory gate (treated as sufficient memory).
type MemFunc func() (*MemStats, error)

// Options configures the admission controller.
type Options struct {
	// MaxConcurrent is the holder-set capacity. Default: 1.
	MaxConcurrent int
	// MemoryThresholdGiB denies admission while allocated VRAM is at or
	// above this value. Default: 12.0.
	MemoryThresholdGiB float64
	// Mem supplies live memory readings for the gate and Stats.
	Mem MemFunc
	// ClearCache is invoked (at most once per failed job) after an
	// out-of-memory inference error, before the lease is released.
	ClearCache func()
	// PollInterval is the retry delay inside WaitAcquire. Default: 2s.
	PollInterval time.Duration
	// Logger overrides the default slog logger.
	Logger *slog.Logger
}

func (o *Options) defaults() {
	if o.MaxConcurrent <= 0 {
		o.MaxConcurrent = 1
	}
	if o.MemoryThresholdGiB <= 0 {
		o.MemoryThresholdGiB = 12.0
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 2 * time.Second
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Controller is the single admission gate for the GPU.
type Controller struct {
	opts Options

	mu      sync.Mutex
	holders map[string]struct{}
}

// New creates a controller.
func New(opts Options) *Controller {
	opts.defaults()
	return &Controller{
		opts:    opts,
		holders: make(map[string]struct{}),
	}
}

// TryAcquire attempts a non-blocking acquire for holder. It returns true
// iff the holder set is below capacity and the memory gate passes; the
// holder is then inserted atomically. A second acquire under an id
// already in the set is refused with a warning.
func (c *Controller) TryAcquire(holder string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, dup := c.holders[holder]; dup {
		c.opts.Logger.Warn("gpu: duplicate acquire ignored", "holder", holder)
		return false
	}

	if len(c.holders) >= c.opts.MaxConcurrent {
		c.opts.Logger.Debug("gpu: acquire denied, at capacity",
			"holder", holder,
			"active", len(c.holders),
			"capacity", c.opts.MaxConcurrent)
		return false
	}

	if c.opts.Mem != nil {
		mem, err := c.opts.Mem()
		if err != nil {
			// Memory stats unavailable: skip the gate rather than stall
			// every job behind a broken probe.
			c.opts.Logger.Warn("gpu: memory stats unavailable, skipping gate", "error", err)
		} else if mem.AllocatedGiB >= c.opts.MemoryThresholdGiB {
			c.opts.Logger.Warn("gpu: acquire denied, memory pressure",
				"holder", holder,
				"allocated_gib", mem.AllocatedGiB,
				"threshold_gib", c.opts.MemoryThresholdGiB)
			return false
		}
	}

	c.holders[holder] = struct{}{}
	c.opts.Logger.Info("gpu: acquired",
		"holder", holder,
		"active", len(c.holders),
		"capacity", c.opts.MaxConcurrent)
	return true
}

// WaitAcquire polls TryAcquire until it succeeds, the timeout elapses, or
// ctx is cancelled. Returns true only on a successful acquire.
func (c *Controller) WaitAcquire(ctx context.Context, holder string, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)

	for {
		if c.TryAcquire(holder) {
			return true
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			c.opts.Logger.Error("gpu: acquisition timeout", "holder", holder, "timeout", timeout)
			return false
		}

		wait := c.opts.PollInterval
		if remaining < wait {
			wait = remaining
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(wait):
		}
	}
}

// Release removes holder from the set. Releasing an id that is not
// present is logged and otherwise ignored.
func (c *Controller) Release(holder string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.holders[holder]; !ok {
		c.opts.Logger.Warn("gpu: release without acquire", "holder", holder)
		return
	}
	delete(c.holders, holder)
	c.opts.Logger.Info("gpu: released",
		"holder", holder,
		"active", len(c.holders),
		"capacity", c.opts.MaxConcurrent)
}

// ClearCache invokes the post-OOM cleanup hook, if configured.
func (c *Controller) ClearCache() {
	if c.opts.ClearCache == nil {
		return
	}
	c.opts.Logger.Info("gpu: clearing cache after OOM")
	c.opts.ClearCache()
}

// Stats is an advisory snapshot of the controller state.
type Stats struct {
	Holders       []string  `json:"holders"`
	ActiveCount   int       `json:"active_count"`
	MaxConcurrent int       `json:"max_concurrent"`
	Available     bool      `json:"gpu_available"`
	Memory        *MemStats `json:"gpu_memory,omitempty"`
}

// Stats returns a consistent snapshot of the holder set plus a
// best-effort memory reading.
func (c *Controller) Stats() Stats {
	c.mu.Lock()
	holders := make([]string, 0, len(c.holders))
	for h := range c.holders {
		holders = append(holders, h)
	}
	active := len(c.holders)
	capacity := c.opts.MaxConcurrent
	c.mu.Unlock()

	sort.Strings(holders)

	st := Stats{
		Holders:       holders,
		ActiveCount:   active,
		MaxConcurrent: capacity,
		Available:     active < capacity,
	}
	if c.opts.Mem != nil {
		if mem, err := c.opts.Mem(); err == nil {
			st.Memory = mem
		}
	}
	return st
}
