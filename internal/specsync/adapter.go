// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Statsig (https://www.statsig.com/).
// Copyright 2024 Statsig, Inc.

// Package specsync keeps the spec store fresh. Adapters fetch rulesets from
// somewhere (network, file, data store, caller-supplied bytes) and deliver
// raw payloads to a listener; parsing and publication happen on the
// listener's side so one bad payload never poisons an adapter.
package specsync

import (
	"errors"
	"time"

	"github.com/statsig-io/statsig-server-core-sub001/internal/scheduler"
	"github.com/statsig-io/statsig-server-core-sub001/internal/specstore"
)

// ErrUnstartedAdapter is returned when scheduling is requested before Start.
var ErrUnstartedAdapter = errors.New("specs adapter not started")

// ErrPollingUnsupported is returned by adapters that cannot serve periodic
// refresh.
var ErrPollingUnsupported = errors.New("adapter does not support polling")

// Update is one raw ruleset delivery.
type Update struct {
	Data       []byte
	Source     specstore.Source
	ReceivedAt int64 // ms
}

// Listener consumes updates and exposes the current freshness for
// conditional fetches. A Listener returning an error does not stop the
// adapter; the next delivery is attempted as usual.
type Listener interface {
	DidReceiveSpecsUpdate(u Update) error
	CurrentSpecsInfo() specstore.SpecsInfo
}

// Adapter fetches rulesets and delivers them to a Listener.
type Adapter interface {
	// Name tags the adapter in logs and sources.
	Name() string
	// Start attaches the listener and performs a synchronous initial
	// fetch. An error means no payload was delivered.
	Start(listener Listener) error
	// ScheduleBackgroundSync begins periodic refresh on the scheduler.
	ScheduleBackgroundSync(sched *scheduler.Scheduler, interval time.Duration) error
	// Shutdown stops background work, bounded by timeout.
	Shutdown(timeout time.Duration) error
}

// Persister is implemented by adapters that can store a successful payload
// for later restarts (the file adapter). The sync pipeline tees network
// deliveries into every configured persister.
type Persister interface {
	PersistSpecs(data []byte) error
}

func nowMS() int64 { return time.Now().UnixMilli() }
