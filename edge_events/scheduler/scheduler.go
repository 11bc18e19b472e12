package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/mobiledgex/edge-cloud-sdk-android/edge_events/events_config"
	log "github.com/sirupsen/logrus"
)

var (
	ErrStopped    = errors.New("scheduler stopped")
	ErrNoSchedule = errors.New("update pattern has no schedule")
)

// adaptive backoff never waits longer than this many base intervals
const adaptiveMaxFactor = 32

type TaskID uint64

// Callback is one firing of an interval task. ctx is cancelled when the task
// is removed or the scheduler stops.
type Callback func(ctx context.Context)

// Scheduler runs named recurring jobs. Each task fires sequentially on its own
// goroutine, so one task's callbacks never overlap.
type Scheduler struct {
	mu      sync.Mutex
	tasks   map[TaskID]*intervalTask
	nextID  TaskID
	stopped bool

	wg sync.WaitGroup
}

type intervalTask struct {
	id       TaskID
	name     string
	cfg      events_config.UpdateConfig
	callback Callback

	// done runs once the task goroutine exits, however it ended
	done func(TaskID)

	ctx     context.Context
	cancel  context.CancelFunc
	removed atomic.Bool
	fired   atomic.Int64
}

func New() *Scheduler {
	return &Scheduler{tasks: make(map[TaskID]*intervalTask)}
}

// Add registers a task. OnStart tasks fire once right away; FixedInterval and
// AdaptiveBackoff tasks first fire one interval from now. OnTrigger has no
// schedule and is rejected with ErrNoSchedule.
func (s *Scheduler) Add(name string, cfg *events_config.UpdateConfig, callback Callback) (TaskID, error) {
	return s.AddWithDone(name, cfg, callback, nil)
}

// AddWithDone is Add with a hook that runs after the task has stopped
// firing, whether it was removed or ran out of updates. done must not call
// Stop.
func (s *Scheduler) AddWithDone(name string, cfg *events_config.UpdateConfig, callback Callback, done func(TaskID)) (TaskID, error) {
	if cfg == nil || callback == nil {
		return 0, fmt.Errorf("add task %s: nil config or callback", name)
	}
	if cfg.Pattern == events_config.OnTrigger {
		return 0, fmt.Errorf("add task %s: %w", name, ErrNoSchedule)
	}
	if err := cfg.Validate(); err != nil {
		return 0, fmt.Errorf("add task %s: %w", name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return 0, ErrStopped
	}

	s.nextID++
	ctx, cancel := context.WithCancel(context.Background())
	t := &intervalTask{
		id:       s.nextID,
		name:     name,
		cfg:      *cfg,
		callback: callback,
		done:     done,
		ctx:      ctx,
		cancel:   cancel,
	}
	s.tasks[t.id] = t
	s.wg.Add(1)
	go s.run(t)

	log.Debugf("[Scheduler] task added, id:%d, name:%s, schedule:%s", t.id, name, cfg)
	return t.id, nil
}

// Remove cancels a task. A callback already running finishes, but no new one
// starts. Unknown ids are ignored. Safe to call from inside the callback.
func (s *Scheduler) Remove(id TaskID) {
	s.mu.Lock()
	t, ok := s.tasks[id]
	delete(s.tasks, id)
	s.mu.Unlock()
	if !ok {
		return
	}
	t.removed.Store(true)
	t.cancel()
	log.Debugf("[Scheduler] task removed, id:%d, name:%s, fired:%d", id, t.name, t.fired.Load())
}

// Len is the number of live tasks.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

// Stop removes every task and waits for running callbacks to return. Must
// not be called from a callback.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
	s.RemoveAll()
	s.wg.Wait()
}

// RemoveAll cancels every task but leaves the scheduler usable.
func (s *Scheduler) RemoveAll() {
	s.mu.Lock()
	tasks := s.tasks
	s.tasks = make(map[TaskID]*intervalTask)
	s.mu.Unlock()
	for _, t := range tasks {
		t.removed.Store(true)
		t.cancel()
	}
}

func (s *Scheduler) run(t *intervalTask) {
	defer s.wg.Done()
	defer s.forget(t)

	if t.cfg.Pattern == events_config.OnStart {
		t.fire()
		return
	}

	next := func() time.Duration { return t.cfg.Interval }
	if t.cfg.Pattern == events_config.AdaptiveBackoff {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = t.cfg.Interval
		b.MaxInterval = t.cfg.Interval * adaptiveMaxFactor
		b.RandomizationFactor = 0
		b.Multiplier = 2
		b.Reset()
		next = b.NextBackOff
	}

	timer := time.NewTimer(next())
	defer timer.Stop()
	for {
		select {
		case <-t.ctx.Done():
			return
		case <-timer.C:
			if !t.fire() {
				return
			}
			timer.Reset(next())
		}
	}
}

// fire runs the callback once and reports whether more firings remain.
func (t *intervalTask) fire() bool {
	if t.removed.Load() || t.ctx.Err() != nil {
		return false
	}
	n := t.fired.Add(1)
	t.callback(t.ctx)
	if t.cfg.MaxUpdates > 0 && n >= int64(t.cfg.MaxUpdates) {
		log.Debugf("[Scheduler] task reached max updates, id:%d, name:%s, max:%d", t.id, t.name, t.cfg.MaxUpdates)
		return false
	}
	return true
}

func (s *Scheduler) forget(t *intervalTask) {
	s.mu.Lock()
	if cur, ok := s.tasks[t.id]; ok && cur == t {
		delete(s.tasks, t.id)
	}
	s.mu.Unlock()
	t.cancel()
	if t.done != nil {
		t.done(t.id)
	}
}
