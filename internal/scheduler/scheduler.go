// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Statsig (https://www.statsig.com/).
// Copyright 2024 Statsig, Inc.

// Package scheduler owns the SDK's background goroutines. Tasks are spawned
// under a tag so that shutdown can await related work together, and every
// task receives the shared stop signal it must observe at each suspension
// point.
package scheduler

import (
	"sync"
	"time"

	"github.com/statsig-io/statsig-server-core-sub001/internal/log"
)

// Task is a background function. It must return promptly once stop is
// closed.
type Task func(stop <-chan struct{})

// Scheduler runs tagged background tasks and fans a single shutdown signal
// out to all of them.
type Scheduler struct {
	mu      sync.Mutex
	tags    map[string]*sync.WaitGroup
	stop    chan struct{}
	stopped bool
}

// New returns a running scheduler.
func New() *Scheduler {
	return &Scheduler{
		tags: make(map[string]*sync.WaitGroup),
		stop: make(chan struct{}),
	}
}

// StopSignal exposes the shared shutdown channel, closed exactly once by
// Shutdown.
func (s *Scheduler) StopSignal() <-chan struct{} { return s.stop }

// Spawn starts f in a fresh goroutine under tag. After Shutdown the task is
// not started.
func (s *Scheduler) Spawn(tag string, f Task) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		log.Debug("scheduler: dropping task %q spawned after shutdown", tag)
		return
	}
	wg, ok := s.tags[tag]
	if !ok {
		wg = &sync.WaitGroup{}
		s.tags[tag] = wg
	}
	wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer wg.Done()
		f(s.stop)
	}()
}

// SpawnTicker runs f every interval under tag until the stop signal fires.
// Ticks never stack: a slow f simply delays the next run.
func (s *Scheduler) SpawnTicker(tag string, interval time.Duration, f func()) {
	s.Spawn(tag, func(stop <-chan struct{}) {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				f()
			}
		}
	})
}

// AwaitTag blocks until every task spawned under tag has returned, or the
// timeout expires. It reports whether the tag fully drained.
func (s *Scheduler) AwaitTag(tag string, timeout time.Duration) bool {
	s.mu.Lock()
	wg, ok := s.tags[tag]
	s.mu.Unlock()
	if !ok {
		return true
	}
	return waitTimeout(wg, timeout)
}

// Shutdown closes the stop signal and waits up to timeout for all tasks to
// observe it and return. Tasks still running at expiry are abandoned.
func (s *Scheduler) Shutdown(timeout time.Duration) bool {
	s.mu.Lock()
	if !s.stopped {
		s.stopped = true
		close(s.stop)
	}
	wgs := make([]*sync.WaitGroup, 0, len(s.tags))
	for _, wg := range s.tags {
		wgs = append(wgs, wg)
	}
	s.mu.Unlock()

	deadline := time.Now().Add(timeout)
	for _, wg := range wgs {
		remaining := time.Until(deadline)
		if remaining <= 0 || !waitTimeout(wg, remaining) {
			log.Warn("scheduler: shutdown deadline expired with tasks still running")
			return false
		}
	}
	return true
}

func waitTimeout(wg *sync.WaitGroup, d time.Duration) bool {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-done:
		return true
	case <-t.C:
		return false
	}
}
