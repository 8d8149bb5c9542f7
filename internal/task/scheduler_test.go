package task

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
)

const (
	testSchedulerInterval = 10 * time.Millisecond
	testSchedulerTimeout  = 2 * time.Second
)

func runScheduler(testingT *testing.T, scheduler *Scheduler) (context.CancelFunc, <-chan error) {
	testingT.Helper()
	runtimeContext, cancel := context.WithCancel(context.Background())
	finished := make(chan error, 1)
	go func() {
		finished <- scheduler.Run(runtimeContext)
	}()
	return cancel, finished
}

func waitForExit(testingT *testing.T, finished <-chan error) {
	testingT.Helper()
	select {
	case err := <-finished:
		require.NoError(testingT, err)
	case <-time.After(testSchedulerTimeout):
		testingT.Fatal("scheduler did not stop")
	}
}

func TestNewSchedulerDefaultsInterval(testingT *testing.T) {
	scheduler := NewScheduler("noop", 0, func(context.Context) error { return nil }, nil)
	require.Equal(testingT, time.Minute, scheduler.interval)
}

func TestSchedulerRunsImmediatelyAndOnTrigger(testingT *testing.T) {
	defer goleak.VerifyNone(testingT)

	scheduler := NewScheduler("counter", time.Hour, func(context.Context) error { return nil }, zap.NewNop())
	cancel, finished := runScheduler(testingT, scheduler)

	require.Eventually(testingT, func() bool { return scheduler.Runs() == 1 }, testSchedulerTimeout, time.Millisecond)
	scheduler.Trigger()
	require.Eventually(testingT, func() bool { return scheduler.Runs() == 2 }, testSchedulerTimeout, time.Millisecond)

	cancel()
	waitForExit(testingT, finished)
}

func TestSchedulerRunsOnInterval(testingT *testing.T) {
	defer goleak.VerifyNone(testingT)

	scheduler := NewScheduler("ticker", testSchedulerInterval, func(context.Context) error { return nil }, nil)
	cancel, finished := runScheduler(testingT, scheduler)

	require.Eventually(testingT, func() bool { return scheduler.Runs() >= 3 }, testSchedulerTimeout, testSchedulerInterval)

	cancel()
	waitForExit(testingT, finished)
}

func TestSchedulerCountsFailuresAndKeepsRunning(testingT *testing.T) {
	defer goleak.VerifyNone(testingT)

	scheduler := NewScheduler("failing", testSchedulerInterval, func(context.Context) error {
		return errors.New("boom")
	}, zap.NewNop())
	cancel, finished := runScheduler(testingT, scheduler)

	require.Eventually(testingT, func() bool { return scheduler.Failures() >= 2 }, testSchedulerTimeout, testSchedulerInterval)

	cancel()
	waitForExit(testingT, finished)
}

func TestSchedulerWithoutJobWaitsForCancellation(testingT *testing.T) {
	defer goleak.VerifyNone(testingT)

	scheduler := NewScheduler("empty", testSchedulerInterval, nil, nil)
	cancel, finished := runScheduler(testingT, scheduler)
	cancel()
	waitForExit(testingT, finished)
	require.Zero(testingT, scheduler.Runs())
}

func TestSchedulerHandlesNilReceiver(testingT *testing.T) {
	var scheduler *Scheduler
	scheduler.Trigger()
	require.Zero(testingT, scheduler.Runs())
	require.Zero(testingT, scheduler.Failures())

	runtimeContext, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(testingT, scheduler.Run(runtimeContext))
}
