// Package scheduler runs one recurring refresh timer per subscription.
package scheduler

import (
	"log/slog"
	"sync"
	"time"
)

type job struct {
	id       string
	interval time.Duration
	fn       func()
	stop     chan struct{}
	next     time.Time
}

// Scheduler owns the refresh timers, keyed by subscription id.
type Scheduler struct {
	mu   sync.Mutex
	jobs map[string]*job
	now  func() time.Time
	log  *slog.Logger
}

// New creates an empty Scheduler.
func New(log *slog.Logger) *Scheduler {
	return &Scheduler{
		jobs: make(map[string]*job),
		now:  time.Now,
		log:  log,
	}
}

// Start calls fn every interval for id. An existing timer for id is replaced,
// so there is never more than one timer per id.
func (s *Scheduler) Start(id string, interval time.Duration, fn func()) {
	if interval <= 0 {
		s.log.Warn("refusing to schedule non-positive interval", "id", id, "interval", interval)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.jobs[id]; ok {
		close(old.stop)
	}
	j := &job{
		id:       id,
		interval: interval,
		fn:       fn,
		stop:     make(chan struct{}),
		next:     s.now().Add(interval),
	}
	s.jobs[id] = j
	go s.loop(j)
}

func (s *Scheduler) loop(j *job) {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-j.stop:
			return
		case <-ticker.C:
			if !s.due(j) {
				return
			}
			j.fn()
		}
	}
}

// due reports whether j is still the live timer for its id and, if so,
// advances its next run time.
func (s *Scheduler) due(j *job) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.jobs[j.id] != j {
		return false
	}
	j.next = s.now().Add(j.interval)
	return true
}

// Stop cancels the timer for id. A tick that has not yet reached fn when Stop
// returns will not reach it. Stop does not wait for an fn already running.
func (s *Scheduler) Stop(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return false
	}
	close(j.stop)
	delete(s.jobs, id)
	return true
}

// Reset restarts the timer for id with a new interval, keeping its function.
// It returns false when id has no timer.
func (s *Scheduler) Reset(id string, interval time.Duration) bool {
	s.mu.Lock()
	j, ok := s.jobs[id]
	s.mu.Unlock()
	if !ok {
		return false
	}
	s.Start(id, interval, j.fn)
	return true
}

// Active reports whether id has a running timer.
func (s *Scheduler) Active(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.jobs[id]
	return ok
}

// NextRun returns when the timer for id fires next.
func (s *Scheduler) NextRun(id string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return time.Time{}, false
	}
	return j.next, true
}

// Len returns the number of running timers.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}

// StopAll cancels every timer.
func (s *Scheduler) StopAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, j := range s.jobs {
		close(j.stop)
		delete(s.jobs, id)
	}
}
