package replay

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dgnsrekt/heightsync/internal/telemetry"
)

// Chain reveals log entries over time, one per tick, so the log behaves like a growing
// source. An interval of zero reveals everything at once.
type Chain struct {
	log      *Log
	interval time.Duration
	logger   *zap.Logger

	mu       sync.RWMutex
	revealed int
	changed  chan struct{}
}

func NewChain(log *Log, interval time.Duration, logger *zap.Logger) *Chain {
	c := &Chain{
		log:      log,
		interval: interval,
		logger:   logger,
		changed:  make(chan struct{}),
	}
	if interval <= 0 {
		c.revealed = log.Len()
		telemetry.ReplayRevealed.Set(float64(c.revealed))
	}
	return c
}

// Run reveals one entry per interval until the log is exhausted or ctx is done.
func (c *Chain) Run(ctx context.Context) {
	if c.interval <= 0 {
		return
	}

	c.logger.Info("chain ticking",
		zap.Duration("interval", c.interval),
		zap.Int("entries", c.log.Len()),
	)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("chain stopping")
			return
		case <-ticker.C:
			if !c.advance() {
				c.logger.Info("chain exhausted", zap.Int("entries", c.log.Len()))
				return
			}
		}
	}
}

// advance reveals the next entry and wakes every waiter. It returns false once nothing is
// left to reveal.
func (c *Chain) advance() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.revealed >= c.log.Len() {
		return false
	}
	c.revealed++
	telemetry.ReplayRevealed.Set(float64(c.revealed))

	close(c.changed)
	c.changed = make(chan struct{})
	return c.revealed < c.log.Len()
}

// Revealed returns how many entries are visible, and a channel closed on the next reveal.
func (c *Chain) Revealed() (int, <-chan struct{}) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.revealed, c.changed
}

// Tip returns the height of the last visible entry.
func (c *Chain) Tip() (uint64, bool) {
	n, _ := c.Revealed()
	if n == 0 {
		return 0, false
	}
	return c.log.Height(n - 1), true
}

// Exhausted reports whether every entry is visible.
func (c *Chain) Exhausted() bool {
	n, _ := c.Revealed()
	return n >= c.log.Len()
}
