package scheduler

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPhaseRotationOrder(t *testing.T) {
	s := New()
	var mu sync.Mutex
	var order []string

	for _, id := range []string{"gm", "sc", "lb"} {
		id := id
		s.RegisterModule(ModuleId(id), 30*time.Millisecond)
		handle := s.AllocateTimer(ModuleId(id))
		s.Schedule(handle, 10*time.Millisecond, func(expired bool) {
			mu.Lock()
			order = append(order, id)
			mu.Unlock()
		})
	}
	s.Start()
	defer s.Stop()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) >= 3
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"gm", "sc", "lb"}, order[:3])
}

func TestNextPhaseTimerFiresOnceAtBoundary(t *testing.T) {
	s := New()
	s.RegisterModule("lb", 20*time.Millisecond)
	s.RegisterModule("gm", 20*time.Millisecond)

	handle := s.AllocateTimer("lb")
	var fired int32
	var mu sync.Mutex
	s.Schedule(handle, -1, func(expired bool) {
		mu.Lock()
		fired++
		mu.Unlock()
		require.True(t, expired)
	})

	s.Start()
	defer s.Stop()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return fired == 1
	}, time.Second, 5*time.Millisecond)

	time.Sleep(60 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, int32(1), fired)
}

func TestCancelPendingTimerDropsSilently(t *testing.T) {
	s := New()
	s.RegisterModule("lb", 50*time.Millisecond)
	handle := s.AllocateTimer("lb")
	var fired bool
	s.Schedule(handle, 10*time.Millisecond, func(expired bool) { fired = true })
	s.CancelTimer(handle)

	time.Sleep(40 * time.Millisecond)
	require.False(t, fired)
}

func TestScheduleTaskRunsUnderOwningModule(t *testing.T) {
	s := New()
	s.RegisterModule("lb", 100*time.Millisecond)
	done := make(chan struct{})
	s.Start()
	defer s.Stop()
	s.ScheduleTask("lb", func(expired bool) { close(done) }, true)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("task never ran")
	}
}
