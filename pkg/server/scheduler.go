package server

import (
	"sync"
	"sync/atomic"
	"time"
)

// Task is periodic work run by the Scheduler
type Task interface {
	Tick()
}

// TaskFunc adapts a function to Task
type TaskFunc func()

func (f TaskFunc) Tick() { f() }

// Scheduler runs periodic tasks on a fixed pool of worker goroutines.
// A task's next run is armed only after its current run returns, so one
// task never runs concurrently with itself.
type Scheduler struct {
	ready   chan *ScheduleHandle
	quit    chan struct{}
	wg      sync.WaitGroup
	stopped atomic.Bool
}

// ScheduleHandle controls one scheduled task
type ScheduleHandle struct {
	task      Task
	interval  time.Duration
	scheduler *Scheduler
	timer     *time.Timer
	mu        sync.Mutex
	cancelled atomic.Bool
}

// NewScheduler starts workers goroutines
func NewScheduler(workers int) *Scheduler {
	if workers <= 0 {
		workers = 1
	}
	s := &Scheduler{
		ready: make(chan *ScheduleHandle, workers),
		quit:  make(chan struct{}),
	}
	for i := 0; i < workers; i++ {
		s.wg.Add(1)
		go s.worker()
	}
	return s
}

func (s *Scheduler) worker() {
	defer s.wg.Done()
	for {
		select {
		case <-s.quit:
			return
		case h := <-s.ready:
			if h.cancelled.Load() {
				continue
			}
			h.task.Tick()
			h.arm()
		}
	}
}

// Schedule runs task every interval, first after one interval
func (s *Scheduler) Schedule(task Task, interval time.Duration) *ScheduleHandle {
	h := &ScheduleHandle{task: task, interval: interval, scheduler: s}
	if s.stopped.Load() {
		h.cancelled.Store(true)
		return h
	}
	h.arm()
	return h
}

// arm queues the next run after one interval
func (h *ScheduleHandle) arm() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cancelled.Load() {
		return
	}
	if h.timer == nil {
		h.timer = time.AfterFunc(h.interval, h.fire)
		return
	}
	h.timer.Reset(h.interval)
}

func (h *ScheduleHandle) fire() {
	if h.cancelled.Load() {
		return
	}
	select {
	case h.scheduler.ready <- h:
	case <-h.scheduler.quit:
	}
}

// Cancel stops future runs. It is safe to call from inside the task's own Tick.
func (h *ScheduleHandle) Cancel() {
	if h == nil {
		return
	}
	h.cancelled.Store(true)
	h.mu.Lock()
	if h.timer != nil {
		h.timer.Stop()
	}
	h.mu.Unlock()
}

// Cancelled reports whether Cancel has been called
func (h *ScheduleHandle) Cancelled() bool {
	return h.cancelled.Load()
}

// Stop stops all workers and waits for running ticks to return.
// Tasks still scheduled never run again.
func (s *Scheduler) Stop() {
	if !s.stopped.CompareAndSwap(false, true) {
		return
	}
	close(s.quit)
	s.wg.Wait()
}
