// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Statsig (https://www.statsig.com/).
// Copyright 2024 Statsig, Inc.

package specsync

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/statsig-io/statsig-server-core-sub001/internal/log"
	"github.com/statsig-io/statsig-server-core-sub001/internal/scheduler"
	"github.com/statsig-io/statsig-server-core-sub001/internal/specstore"
	"github.com/statsig-io/statsig-server-core-sub001/internal/transport"
)

// DefaultSpecsURL is the canonical download-config-specs host.
const DefaultSpecsURL = "https://api.statsigcdn.com/v2/download_config_specs"

const networkFetchRetries = 2

// fallbackAfterFailures is how many consecutive custom-URL failures trigger
// the canonical-host fallback when enabled.
const fallbackAfterFailures = 3

// NetworkAdapter polls download_config_specs over HTTP.
type NetworkAdapter struct {
	client   *transport.Client
	sdkKey   string
	specsURL string
	fallback bool // fall back to DefaultSpecsURL after repeated failures

	mu        sync.Mutex
	listener  Listener
	failures  int
	useFallbk bool
	inFlight  bool
}

// NewNetworkAdapter builds a network adapter. specsURL may be "" for the
// canonical host.
func NewNetworkAdapter(client *transport.Client, sdkKey, specsURL string, fallbackToStatsigAPI bool) *NetworkAdapter {
	if specsURL == "" {
		specsURL = DefaultSpecsURL
		fallbackToStatsigAPI = false
	}
	return &NetworkAdapter{
		client:   client,
		sdkKey:   sdkKey,
		specsURL: specsURL,
		fallback: fallbackToStatsigAPI,
	}
}

// Name implements Adapter.
func (a *NetworkAdapter) Name() string { return "network" }

// Start implements Adapter: attaches the listener and fetches once
// synchronously.
func (a *NetworkAdapter) Start(listener Listener) error {
	a.mu.Lock()
	a.listener = listener
	a.mu.Unlock()
	return a.fetchOnce(context.Background())
}

// ScheduleBackgroundSync implements Adapter. A tick that finds the previous
// fetch still in flight is skipped instead of stacking.
func (a *NetworkAdapter) ScheduleBackgroundSync(sched *scheduler.Scheduler, interval time.Duration) error {
	a.mu.Lock()
	started := a.listener != nil
	a.mu.Unlock()
	if !started {
		return ErrUnstartedAdapter
	}
	sched.SpawnTicker("specs_sync", interval, func() {
		a.mu.Lock()
		if a.inFlight {
			a.mu.Unlock()
			return
		}
		a.inFlight = true
		a.mu.Unlock()
		defer func() {
			a.mu.Lock()
			a.inFlight = false
			a.mu.Unlock()
		}()
		if err := a.fetchOnce(context.Background()); err != nil {
			log.Debug("specsync: background fetch: %v", err)
		}
	})
	return nil
}

// Shutdown implements Adapter. The scheduler owns the polling goroutine, so
// there is nothing left to stop here.
func (a *NetworkAdapter) Shutdown(time.Duration) error { return nil }

func (a *NetworkAdapter) fetchOnce(ctx context.Context) error {
	a.mu.Lock()
	listener := a.listener
	url := a.specsURL
	if a.useFallbk {
		url = DefaultSpecsURL
	}
	a.mu.Unlock()
	if listener == nil {
		return ErrUnstartedAdapter
	}

	info := listener.CurrentSpecsInfo()
	query := map[string]string{}
	if info.LCUT > 0 {
		query["sinceTime"] = strconv.FormatUint(info.LCUT, 10)
	}
	if info.Checksum != "" {
		query["checksum"] = info.Checksum
	}
	resp, err := a.client.Get(ctx, transport.RequestArgs{
		URL:            fmt.Sprintf("%s/%s.json", url, a.sdkKey),
		Query:          query,
		Retries:        networkFetchRetries,
		AcceptGzip:     true,
		DiagnosticsKey: "download_config_specs",
	})
	if err != nil {
		a.noteFailure()
		return err
	}
	a.noteSuccess()

	if err := listener.DidReceiveSpecsUpdate(Update{
		Data:       resp.Body,
		Source:     specstore.SourceNetwork,
		ReceivedAt: nowMS(),
	}); err != nil {
		// a parse failure must not poison future updates
		log.Warn("specsync: listener rejected network update: %v", err)
	}
	return nil
}

func (a *NetworkAdapter) noteFailure() {
	if !a.fallback {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.failures++
	if !a.useFallbk && a.failures >= fallbackAfterFailures {
		log.Warn("specsync: %d consecutive failures on %s, falling back to %s", a.failures, a.specsURL, DefaultSpecsURL)
		a.useFallbk = true
	}
}

func (a *NetworkAdapter) noteSuccess() {
	if !a.fallback {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.failures = 0
}
