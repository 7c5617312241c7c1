// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Statsig (https://www.statsig.com/).
// Copyright 2024 Statsig, Inc.

package specsync

import (
	"fmt"
	"sync"
	"time"

	"github.com/statsig-io/statsig-server-core-sub001/internal/datastore"
	"github.com/statsig-io/statsig-server-core-sub001/internal/log"
	"github.com/statsig-io/statsig-server-core-sub001/internal/scheduler"
	"github.com/statsig-io/statsig-server-core-sub001/internal/specstore"
)

// DataStoreAdapter reads rulesets from a caller-supplied key-value store.
type DataStoreAdapter struct {
	store  datastore.Adapter
	sdkKey string
	key    string

	mu       sync.Mutex
	listener Listener
	started  bool
}

// NewDataStoreAdapter wraps the given store.
func NewDataStoreAdapter(store datastore.Adapter, sdkKey string) *DataStoreAdapter {
	return &DataStoreAdapter{
		store:  store,
		sdkKey: sdkKey,
		key:    datastore.RulesetsKey(sdkKey, "plain_text"),
	}
}

// Name implements Adapter.
func (a *DataStoreAdapter) Name() string { return "data_store" }

// Start implements Adapter: initializes the store and reads once.
func (a *DataStoreAdapter) Start(listener Listener) error {
	if err := a.store.Initialize(); err != nil {
		return fmt.Errorf("data store initialize: %w", err)
	}
	a.mu.Lock()
	a.listener = listener
	a.started = true
	a.mu.Unlock()
	return a.readOnce()
}

// ScheduleBackgroundSync implements Adapter. Polling is refused when the
// store does not support repeated reads for the rulesets path.
func (a *DataStoreAdapter) ScheduleBackgroundSync(sched *scheduler.Scheduler, interval time.Duration) error {
	a.mu.Lock()
	started := a.started
	a.mu.Unlock()
	if !started {
		return ErrUnstartedAdapter
	}
	if !a.store.SupportsPollingUpdatesFor(datastore.RulesetsV2) {
		return ErrPollingUnsupported
	}
	sched.SpawnTicker("specs_sync", interval, func() {
		if err := a.readOnce(); err != nil {
			log.Debug("specsync: data store poll: %v", err)
		}
	})
	return nil
}

// Shutdown implements Adapter.
func (a *DataStoreAdapter) Shutdown(time.Duration) error {
	return a.store.Shutdown()
}

func (a *DataStoreAdapter) readOnce() error {
	a.mu.Lock()
	listener := a.listener
	a.mu.Unlock()
	if listener == nil {
		return ErrUnstartedAdapter
	}
	res, err := a.store.Get(a.key)
	if err != nil {
		return fmt.Errorf("data store get %s: %w", a.key, err)
	}
	if len(res.Value) == 0 {
		return fmt.Errorf("data store key %s is empty", a.key)
	}
	receivedAt := res.Time
	if receivedAt == 0 {
		receivedAt = nowMS()
	}
	return listener.DidReceiveSpecsUpdate(Update{
		Data:       res.Value,
		Source:     specstore.SourceAdapter(a.Name()),
		ReceivedAt: receivedAt,
	})
}
