package download

import (
	"context"
	"sync"
)

// controller is the pause/cancel token shared by every transfer in a
// session. Transfers poll it at each buffered chunk, so a signal takes
// effect within one chunk's worth of I/O.
type controller struct {
	mu       sync.Mutex
	paused   bool
	resume   chan struct{}
	canceled bool
	cancel   context.CancelFunc
}

func newController(cancel context.CancelFunc) *controller {
	return &controller{cancel: cancel}
}

// pauseRequested is the fast check inside the copy loop.
func (c *controller) pauseRequested() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused
}

// awaitResume blocks until Resume or cancellation. The caller has already
// released its network connection.
func (c *controller) awaitResume(ctx context.Context) error {
	c.mu.Lock()
	if !c.paused {
		c.mu.Unlock()
		return ctx.Err()
	}
	resume := c.resume
	c.mu.Unlock()

	select {
	case <-resume:
		return ctx.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pause requests suspension. No-op when already paused or canceled.
func (c *controller) Pause() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.paused || c.canceled {
		return
	}
	c.paused = true
	c.resume = make(chan struct{})
}

// Resume releases paused transfers. No-op when not paused.
func (c *controller) Resume() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.paused {
		return
	}
	c.paused = false
	close(c.resume)
}

// Cancel aborts the session. Paused transfers are woken so they can
// observe the canceled context and exit.
func (c *controller) Cancel() {
	c.mu.Lock()
	if c.canceled {
		c.mu.Unlock()
		return
	}
	c.canceled = true
	if c.paused {
		c.paused = false
		close(c.resume)
	}
	c.mu.Unlock()
	c.cancel()
}

func (c *controller) wasCanceled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.canceled
}
