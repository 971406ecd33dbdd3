package cyclemanager

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCycleManagerRunsCycleFuncOnEveryTick(t *testing.T) {
	ticker := NewTriggeredTicker()
	ran := make(chan struct{}, 4)
	m := New(ticker, func(shouldBreak ShouldBreakFunc) bool {
		ran <- struct{}{}
		return true
	})

	m.Start()
	require.True(t, m.Running())

	ticker.Trigger()
	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("cycle func did not run after trigger")
	}

	require.NoError(t, m.StopAndWait(context.Background()))
	require.False(t, m.Running())
}

func TestCycleManagerStopOnNotRunningReturnsImmediately(t *testing.T) {
	m := New(NewTriggeredTicker(), func(shouldBreak ShouldBreakFunc) bool { return true })

	stopped := <-m.Stop(context.Background())
	require.True(t, stopped)
}

func TestCycleManagerStopAndWaitTimesOutIfCycleFuncHangs(t *testing.T) {
	ticker := NewTriggeredTicker()
	unblock := make(chan struct{})
	started := make(chan struct{}, 1)
	m := New(ticker, func(shouldBreak ShouldBreakFunc) bool {
		started <- struct{}{}
		<-unblock
		return true
	})
	m.Start()
	ticker.Trigger()
	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("cycle func did not start after trigger")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := m.StopAndWait(ctx)
	require.Error(t, err)

	close(unblock)
}

func TestNoopCycleManagerTracksRunningWithoutBackgroundWork(t *testing.T) {
	m := NewNoop()
	require.False(t, m.Running())
	m.Start()
	require.True(t, m.Running())
	require.NoError(t, m.StopAndWait(context.Background()))
	require.False(t, m.Running())
}
