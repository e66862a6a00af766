package fairsched

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestController_CoalescesBurstsIntoOneDispatch(t *testing.T) {
	var queuedCalls int32
	c := NewController(func() { atomic.AddInt32(&queuedCalls, 1) }, func() {})
	c.delay = 30 * time.Millisecond

	for i := 0; i < 5; i++ {
		c.ScheduleQueuedTasksSoon()
	}

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&queuedCalls) == 1
	}, time.Second, 5*time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	require.EqualValues(t, 1, atomic.LoadInt32(&queuedCalls))
}

func TestController_QueuedAndResumeCoalesceIndependently(t *testing.T) {
	var queuedCalls, resumeCalls int32
	c := NewController(
		func() { atomic.AddInt32(&queuedCalls, 1) },
		func() { atomic.AddInt32(&resumeCalls, 1) },
	)
	c.delay = 20 * time.Millisecond

	c.ScheduleQueuedTasksSoon()
	c.ScheduleResumeTasksSoon()
	c.ScheduleResumeTasksSoon()

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&queuedCalls) == 1 && atomic.LoadInt32(&resumeCalls) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestController_SecondBurstAfterFirstFiresDispatchesAgain(t *testing.T) {
	var queuedCalls int32
	c := NewController(func() { atomic.AddInt32(&queuedCalls, 1) }, func() {})
	c.delay = 15 * time.Millisecond

	c.ScheduleQueuedTasksSoon()
	require.Eventually(t, func() bool { return atomic.LoadInt32(&queuedCalls) == 1 }, time.Second, 5*time.Millisecond)

	c.ScheduleQueuedTasksSoon()
	require.Eventually(t, func() bool { return atomic.LoadInt32(&queuedCalls) == 2 }, time.Second, 5*time.Millisecond)
}
