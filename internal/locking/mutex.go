// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Statsig (https://www.statsig.com/).
// Copyright 2024 Statsig, Inc.

// Package locking provides mutexes with a bounded acquire. A lock that cannot
// be taken within the bound is reported and the critical section proceeds
// unguarded rather than deadlocking the host application.
package locking

import (
	"sync"
	"time"

	"github.com/statsig-io/statsig-server-core-sub001/internal/log"
)

// acquireTimeout bounds every lock acquisition.
const acquireTimeout = 5 * time.Second

// Mutex is a drop-in replacement for sync.Mutex with a bounded acquire.
type Mutex struct {
	ch     chan struct{}
	chOnce sync.Once
}

func (m *Mutex) init() {
	m.chOnce.Do(func() {
		m.ch = make(chan struct{}, 1)
	})
}

// Lock acquires the mutex, giving up after acquireTimeout. The failure is
// logged and the caller proceeds; this trades exclusion for liveness.
func (m *Mutex) Lock() {
	m.init()
	if !m.TryLockTimeout(acquireTimeout) {
		log.Error("locking", "mutex acquire exceeded %s, proceeding unguarded", acquireTimeout)
	}
}

// TryLockTimeout attempts to acquire the mutex within d and reports whether
// it succeeded.
func (m *Mutex) TryLockTimeout(d time.Duration) bool {
	m.init()
	select {
	case m.ch <- struct{}{}:
		return true
	default:
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case m.ch <- struct{}{}:
		return true
	case <-t.C:
		return false
	}
}

// TryLock attempts to acquire the mutex without blocking.
func (m *Mutex) TryLock() bool {
	m.init()
	select {
	case m.ch <- struct{}{}:
		return true
	default:
		return false
	}
}

// Unlock releases the mutex. An unlock without a matching successful lock is
// tolerated; the degraded path in Lock makes that pairing possible.
func (m *Mutex) Unlock() {
	m.init()
	select {
	case <-m.ch:
	default:
	}
}

// RWMutex wraps sync.RWMutex. Writers here hold the lock only for pointer
// swaps, so the bounded-acquire treatment is reserved for Mutex.
type RWMutex struct {
	mu sync.RWMutex
}

// Lock acquires the write lock.
func (m *RWMutex) Lock() { m.mu.Lock() }

// Unlock releases the write lock.
func (m *RWMutex) Unlock() { m.mu.Unlock() }

// RLock acquires a read lock.
func (m *RWMutex) RLock() { m.mu.RLock() }

// RUnlock releases a read lock.
func (m *RWMutex) RUnlock() { m.mu.RUnlock() }
