package engine

import (
	"context"
	"sync"

	"kbcoder/logger"
	"kbcoder/types"
)

// Canceller is a single cancellation token shared by every cancel source of
// a session. The first Trigger (or Close) wins; later calls are no-ops.
type Canceller struct {
	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once

	mu     sync.Mutex
	source types.CancelSource
	ended  bool
}

func NewCanceller() *Canceller {
	ctx, cancel := context.WithCancel(context.Background())
	return &Canceller{ctx: ctx, cancel: cancel}
}

// Context is cancelled when the canceller fires or closes; the request runs under it
func (c *Canceller) Context() context.Context { return c.ctx }

// Trigger cancels on behalf of source. It reports whether this call had any effect.
func (c *Canceller) Trigger(source types.CancelSource) bool {
	fired := false
	c.once.Do(func() {
		c.mu.Lock()
		c.source = source
		c.ended = true
		c.mu.Unlock()
		c.cancel()
		fired = true
	})
	if !fired {
		logger.Debug("cancel from %s ignored, already ended", source)
		return false
	}
	logger.Debug("cancelled by %s", source)
	return true
}

// Close ends the token without cancelling. Later triggers are no-ops.
func (c *Canceller) Close() {
	c.once.Do(func() {
		c.mu.Lock()
		c.ended = true
		c.mu.Unlock()
		c.cancel()
	})
}

// Watch triggers source when ctx is done. The returned func stops watching.
func (c *Canceller) Watch(ctx context.Context, source types.CancelSource) (stop func() bool) {
	return context.AfterFunc(ctx, func() { c.Trigger(source) })
}

// Cancelled reports whether a Trigger fired
func (c *Canceller) Cancelled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.source != ""
}

// Ended reports whether the token fired or was closed
func (c *Canceller) Ended() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ended
}

// Source returns the source that cancelled, or "" if none did
func (c *Canceller) Source() types.CancelSource {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.source
}
