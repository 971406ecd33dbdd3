package cyclemanager

import "time"

// CycleTicker abstracts the timing source driving a CycleManager, so tests
// can substitute an immediate or manually-stepped ticker.
type CycleTicker interface {
	Start()
	Stop()
	C() <-chan time.Time
	// CycleExecuted is called after every cycle with whether it did work,
	// giving adaptive tickers a chance to change their interval.
	CycleExecuted(executed bool)
}

type fixedIntervalTicker struct {
	interval time.Duration
	ticker   *time.Ticker
}

// NewFixedIntervalTicker fires at a constant interval regardless of
// whether a cycle actually performed work.
func NewFixedIntervalTicker(interval time.Duration) CycleTicker {
	return &fixedIntervalTicker{interval: interval}
}

func (t *fixedIntervalTicker) Start() {
	t.ticker = time.NewTicker(t.interval)
}

func (t *fixedIntervalTicker) Stop() {
	t.ticker.Stop()
}

func (t *fixedIntervalTicker) C() <-chan time.Time {
	return t.ticker.C
}

func (t *fixedIntervalTicker) CycleExecuted(executed bool) {}

// FlushCycleTicker fires every 5 seconds, matching the store's flush
// worker cadence.
func FlushCycleTicker() CycleTicker {
	return NewFixedIntervalTicker(5 * time.Second)
}

// DiskSpaceCycleTicker fires every minute, matching the disk-space probe.
func DiskSpaceCycleTicker() CycleTicker {
	return NewFixedIntervalTicker(time.Minute)
}

// TriggeredTicker only fires when Trigger is called, used for compaction
// which runs on an explicit signal rather than a fixed clock.
type TriggeredTicker struct {
	ch     chan time.Time
	stopCh chan struct{}
}

func NewTriggeredTicker() *TriggeredTicker {
	return &TriggeredTicker{
		ch:     make(chan time.Time, 1),
		stopCh: make(chan struct{}),
	}
}

func (t *TriggeredTicker) Start() {}

func (t *TriggeredTicker) Stop() {}

func (t *TriggeredTicker) C() <-chan time.Time {
	return t.ch
}

func (t *TriggeredTicker) CycleExecuted(executed bool) {}

// Trigger schedules one cycle to run as soon as the manager is ready for
// it. Non-blocking: a pending trigger is coalesced with an already queued
// one.
func (t *TriggeredTicker) Trigger() {
	select {
	case t.ch <- time.Now():
	default:
	}
}
