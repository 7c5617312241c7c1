// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Statsig (https://www.statsig.com/).
// Copyright 2024 Statsig, Inc.

package specsync

import (
	"sync"
	"time"

	"github.com/statsig-io/statsig-server-core-sub001/internal/scheduler"
	"github.com/statsig-io/statsig-server-core-sub001/internal/specstore"
)

// BootstrapAdapter publishes a caller-supplied payload once at start.
// SetData publishes replacements at any time.
type BootstrapAdapter struct {
	mu       sync.Mutex
	data     []byte
	listener Listener
}

// NewBootstrapAdapter creates an adapter around the given payload.
func NewBootstrapAdapter(data []byte) *BootstrapAdapter {
	return &BootstrapAdapter{data: data}
}

// Name implements Adapter.
func (a *BootstrapAdapter) Name() string { return "bootstrap" }

// Start implements Adapter.
func (a *BootstrapAdapter) Start(listener Listener) error {
	a.mu.Lock()
	a.listener = listener
	data := a.data
	a.mu.Unlock()
	return listener.DidReceiveSpecsUpdate(Update{
		Data:       data,
		Source:     specstore.SourceBootstrap,
		ReceivedAt: nowMS(),
	})
}

// SetData publishes a new payload to the attached listener.
func (a *BootstrapAdapter) SetData(data []byte) error {
	a.mu.Lock()
	a.data = data
	listener := a.listener
	a.mu.Unlock()
	if listener == nil {
		return ErrUnstartedAdapter
	}
	return listener.DidReceiveSpecsUpdate(Update{
		Data:       data,
		Source:     specstore.SourceBootstrap,
		ReceivedAt: nowMS(),
	})
}

// ScheduleBackgroundSync implements Adapter; bootstrap data has no remote to
// poll.
func (a *BootstrapAdapter) ScheduleBackgroundSync(*scheduler.Scheduler, time.Duration) error {
	return ErrPollingUnsupported
}

// Shutdown implements Adapter.
func (a *BootstrapAdapter) Shutdown(time.Duration) error { return nil }
