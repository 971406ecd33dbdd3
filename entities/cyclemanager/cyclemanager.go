// Package cyclemanager runs a set of periodic background jobs against a
// single ticker and gives callers one join point to stop all of them.
//
// The segment store uses one manager per background worker named in the
// concurrency model: flush every 5s, compaction on trigger, and the
// disk-space probe every minute. Shutdown becomes a single StopAndWait
// call instead of three separate goroutine teardowns.
package cyclemanager

import (
	"context"
	"fmt"
	"sync"
)

type (
	// ShouldBreakFunc reports whether the running cycle should abandon any
	// remaining work because a stop was requested.
	ShouldBreakFunc func() bool
	// CycleFunc performs one unit of periodic work. Its return value
	// indicates whether it actually did anything, which callers use to
	// decide whether to log at a noisier level.
	CycleFunc func(shouldBreak ShouldBreakFunc) bool
)

// CycleManager drives a single CycleFunc off a CycleTicker until stopped.
type CycleManager interface {
	Start()
	Stop(ctx context.Context) chan bool
	StopAndWait(ctx context.Context) error
	Running() bool
}

type cycleManager struct {
	sync.RWMutex

	cycleFunc   CycleFunc
	cycleTicker CycleTicker
	running     bool
	stopSignal  chan struct{}

	// The store's three background workers are each stopped exactly once,
	// from GC.StopAndWait, so one pending stop request is all this manager
	// ever needs to track.
	stopContext context.Context
	stopResult  chan bool
}

// New creates a CycleManager that invokes cycleFunc every time cycleTicker
// fires, until Stop or StopAndWait is called.
func New(cycleTicker CycleTicker, cycleFunc CycleFunc) CycleManager {
	return &cycleManager{
		cycleFunc:   cycleFunc,
		cycleTicker: cycleTicker,
		stopSignal:  make(chan struct{}, 1),
	}
}

// Start begins the background loop. It does not block and is a no-op if
// already running.
func (c *cycleManager) Start() {
	c.Lock()
	defer c.Unlock()

	if c.running {
		return
	}

	go func() {
		c.cycleTicker.Start()
		defer c.cycleTicker.Stop()

		for {
			if c.isStopRequested() {
				c.Lock()
				if c.shouldStop() {
					c.handleStopRequest(true)
					c.Unlock()
					break
				}
				c.handleStopRequest(false)
				c.Unlock()
				continue
			}
			c.cycleTicker.CycleExecuted(c.cycleFunc(c.shouldBreakCallback))
		}
	}()

	c.running = true
}

// Stop requests the loop to stop and returns a channel that receives the
// final outcome. It does not block. A manager is only ever stopped once in
// this store's lifecycle, so a second call before the first resolves simply
// replaces the pending request rather than queuing alongside it.
func (c *cycleManager) Stop(ctx context.Context) (stopResult chan bool) {
	c.Lock()
	defer c.Unlock()

	stopResult = make(chan bool, 1)
	if !c.running {
		stopResult <- true
		close(stopResult)
		return stopResult
	}

	alreadyPending := c.stopContext != nil
	c.stopContext = ctx
	c.stopResult = stopResult
	if !alreadyPending {
		c.stopSignal <- struct{}{}
	}

	return stopResult
}

// StopAndWait requests a stop and blocks until it completes or ctx expires.
func (c *cycleManager) StopAndWait(ctx context.Context) error {
	stop := c.Stop(ctx)
	done := ctx.Done()

	select {
	case <-done:
		select {
		case stopped := <-stop:
			if !stopped {
				return ctx.Err()
			}
		default:
			return ctx.Err()
		}
	case stopped := <-stop:
		if !stopped {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("stop cycle manager: no result")
		}
	}
	return nil
}

func (c *cycleManager) Running() bool {
	c.RLock()
	defer c.RUnlock()

	return c.running
}

func (c *cycleManager) shouldStop() bool {
	return c.stopContext != nil && c.stopContext.Err() == nil
}

func (c *cycleManager) shouldBreakCallback() bool {
	c.RLock()
	defer c.RUnlock()

	return c.shouldStop()
}

func (c *cycleManager) isStopRequested() bool {
	select {
	case <-c.stopSignal:
	case <-c.cycleTicker.C():
		select {
		case <-c.stopSignal:
		default:
			return false
		}
	}
	return true
}

func (c *cycleManager) handleStopRequest(stopped bool) {
	if c.stopResult != nil {
		c.stopResult <- stopped
		close(c.stopResult)
	}
	c.running = !stopped
	c.stopContext = nil
	c.stopResult = nil
}

// noop is used where a manager is required by an interface but no
// background work should actually run, e.g. compact-inline test setups.
type noop struct{ running bool }

func NewNoop() CycleManager { return &noop{} }

func (n *noop) Start() { n.running = true }

func (n *noop) Stop(ctx context.Context) chan bool {
	ch := make(chan bool, 1)
	if ctx.Err() != nil && n.running {
		ch <- false
	} else {
		n.running = false
		ch <- true
	}
	close(ch)
	return ch
}

func (n *noop) StopAndWait(ctx context.Context) error {
	if <-n.Stop(ctx) {
		return nil
	}
	return ctx.Err()
}

func (n *noop) Running() bool { return n.running }
