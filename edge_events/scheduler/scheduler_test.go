package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mobiledgex/edge-cloud-sdk-android/edge_events/events_config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func fixed(interval time.Duration, max int) *events_config.UpdateConfig {
	return &events_config.UpdateConfig{Pattern: events_config.FixedInterval, Interval: interval, MaxUpdates: max}
}

func TestFixedIntervalMaxUpdates(t *testing.T) {
	s := New()
	defer s.Stop()

	var count atomic.Int32
	done := make(chan struct{})
	_, err := s.Add("latency", fixed(5*time.Millisecond, 3), func(ctx context.Context) {
		if count.Add(1) == 3 {
			close(done)
		}
	})
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("task did not fire three times")
	}
	require.Eventually(t, func() bool { return s.Len() == 0 }, time.Second, 5*time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, int32(3), count.Load())
}

func TestOnStartFiresOnce(t *testing.T) {
	s := New()
	defer s.Stop()

	fired := make(chan struct{}, 2)
	_, err := s.Add("location", &events_config.UpdateConfig{Pattern: events_config.OnStart}, func(ctx context.Context) {
		fired <- struct{}{}
	})
	require.NoError(t, err)

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("OnStart task did not fire")
	}
	require.Eventually(t, func() bool { return s.Len() == 0 }, time.Second, 5*time.Millisecond)
	assert.Len(t, fired, 0)
}

func TestDoneHookRunsWhenTaskEnds(t *testing.T) {
	s := New()
	defer s.Stop()

	done := make(chan TaskID, 2)
	maxed, err := s.AddWithDone("latency", &events_config.UpdateConfig{
		Pattern:    events_config.FixedInterval,
		Interval:   5 * time.Millisecond,
		MaxUpdates: 2,
	}, func(context.Context) {}, func(id TaskID) { done <- id })
	require.NoError(t, err)
	removed, err := s.AddWithDone("location", &events_config.UpdateConfig{
		Pattern:  events_config.FixedInterval,
		Interval: time.Hour,
	}, func(context.Context) {}, func(id TaskID) { done <- id })
	require.NoError(t, err)
	s.Remove(removed)

	var got []TaskID
	for len(got) < 2 {
		select {
		case id := <-done:
			got = append(got, id)
		case <-time.After(2 * time.Second):
			t.Fatalf("done hook ran for %v only", got)
		}
	}
	assert.ElementsMatch(t, []TaskID{maxed, removed}, got)
}

func TestOnTriggerRejected(t *testing.T) {
	s := New()
	defer s.Stop()

	_, err := s.Add("latency", &events_config.UpdateConfig{Pattern: events_config.OnTrigger}, func(context.Context) {})
	assert.ErrorIs(t, err, ErrNoSchedule)

	_, err = s.Add("latency", fixed(0, 0), func(context.Context) {})
	assert.Error(t, err)
}

func TestRemoveIsPrompt(t *testing.T) {
	s := New()
	defer s.Stop()

	var count atomic.Int32
	var removed atomic.Bool
	var afterRemoval atomic.Int32
	id, err := s.Add("location", fixed(time.Millisecond, 0), func(ctx context.Context) {
		if removed.Load() {
			afterRemoval.Add(1)
		}
		count.Add(1)
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return count.Load() >= 2 }, time.Second, time.Millisecond)
	removed.Store(true)
	s.Remove(id)
	time.Sleep(20 * time.Millisecond)

	assert.LessOrEqual(t, afterRemoval.Load(), int32(1))
	assert.Equal(t, 0, s.Len())

	// unknown ids are a no-op
	s.Remove(id)
	s.Remove(TaskID(9999))
}

func TestRemoveFromCallback(t *testing.T) {
	s := New()
	defer s.Stop()

	var id TaskID
	var mu sync.Mutex
	var count atomic.Int32
	mu.Lock()
	id, err := s.Add("self", fixed(time.Millisecond, 0), func(ctx context.Context) {
		count.Add(1)
		mu.Lock()
		defer mu.Unlock()
		s.Remove(id)
	})
	mu.Unlock()
	require.NoError(t, err)

	require.Eventually(t, func() bool { return s.Len() == 0 }, time.Second, time.Millisecond)
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, int32(1), count.Load())
}

func TestConcurrentAdds(t *testing.T) {
	s := New()
	defer s.Stop()

	var wg sync.WaitGroup
	ids := make(chan TaskID, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id, err := s.Add("task", fixed(time.Hour, 0), func(context.Context) {})
			assert.NoError(t, err)
			ids <- id
		}()
	}
	wg.Wait()
	close(ids)

	seen := make(map[TaskID]bool)
	for id := range ids {
		assert.False(t, seen[id])
		seen[id] = true
	}
	assert.Equal(t, 20, s.Len())
}

func TestAdaptiveBackoffSlowsDown(t *testing.T) {
	s := New()
	defer s.Stop()

	var mu sync.Mutex
	var stamps []time.Time
	_, err := s.Add("adaptive", &events_config.UpdateConfig{
		Pattern:    events_config.AdaptiveBackoff,
		Interval:   5 * time.Millisecond,
		MaxUpdates: 4,
	}, func(context.Context) {
		mu.Lock()
		stamps = append(stamps, time.Now())
		mu.Unlock()
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return s.Len() == 0 }, 2*time.Second, 5*time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, stamps, 4)
	// 10ms then 20ms then 40ms between firings
	assert.Greater(t, stamps[3].Sub(stamps[2]), stamps[1].Sub(stamps[0]))
}

func TestStopRejectsNewTasks(t *testing.T) {
	s := New()
	_, err := s.Add("task", fixed(time.Hour, 0), func(context.Context) {})
	require.NoError(t, err)
	s.Stop()

	_, err = s.Add("task", fixed(time.Hour, 0), func(context.Context) {})
	assert.ErrorIs(t, err, ErrStopped)
}
