// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Statsig (https://www.statsig.com/).
// Copyright 2024 Statsig, Inc.

package locking

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMutexInterface(t *testing.T) {
	var m Mutex
	var _ sync.Locker = &m

	m.Lock()
	m.Unlock()
}

func TestMutexExclusion(t *testing.T) {
	var m Mutex
	var wg sync.WaitGroup
	counter := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.Lock()
			counter++
			m.Unlock()
		}()
	}
	wg.Wait()
	require.Equal(t, 50, counter)
}

func TestMutexBoundedAcquire(t *testing.T) {
	var m Mutex
	m.Lock()
	require.False(t, m.TryLock())
	require.False(t, m.TryLockTimeout(10*time.Millisecond))
	m.Unlock()
	require.True(t, m.TryLockTimeout(10*time.Millisecond))
	m.Unlock()
}

func TestRWMutex(t *testing.T) {
	var m RWMutex
	m.RLock()
	m.RLock()
	m.RUnlock()
	m.RUnlock()
	m.Lock()
	m.Unlock()
}
