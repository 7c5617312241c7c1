// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Statsig (https://www.statsig.com/).
// Copyright 2024 Statsig, Inc.

// Package diagnostics records timing markers around initialization and config
// syncs and ships them as statsig::diagnostics events, sampled by rates the
// control plane delivers in the ruleset payload.
package diagnostics

import (
	"math/rand/v2"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/statsig-io/statsig-server-core-sub001/internal/events"
	"github.com/statsig-io/statsig-server-core-sub001/internal/log"
	"github.com/statsig-io/statsig-server-core-sub001/internal/specstore"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Context groups markers that belong to one operation.
type Context string

const (
	ContextInitialize Context = "initialize"
	ContextConfigSync Context = "config_sync"
	ContextAPICall    Context = "api_call"
)

// Marker keys.
const (
	KeyOverall             = "overall"
	KeyDownloadConfigSpecs = "download_config_specs"
	KeyGetIDLists          = "get_id_lists"
	KeyBootstrap           = "bootstrap"
	KeyDataStore           = "data_store"
	KeyProcess             = "process"
)

const (
	maxMarkersPerContext = 50
	sampleMax            = 10_000
)

// Marker is one timing record.
type Marker struct {
	Key        string `json:"key"`
	Action     string `json:"action"` // "start" or "end"
	Step       string `json:"step,omitempty"`
	Timestamp  int64  `json:"timestamp"`
	Success    *bool  `json:"success,omitempty"`
	StatusCode int    `json:"statusCode,omitempty"`
	Attempt    int    `json:"attempt,omitempty"`
}

// Recorder collects markers per context. It also implements the transport
// observer so every outbound request lands as a marker pair. Safe for
// concurrent use.
type Recorder struct {
	mu      sync.Mutex
	markers map[Context][]Marker
	active  Context
	sink    func(events.Event)
	// sampler is replaceable in tests
	sampler func(rate uint64) bool
}

// NewRecorder returns a recorder with no sink; markers accumulate until
// SetSink is called and a context is emitted.
func NewRecorder() *Recorder {
	return &Recorder{
		markers: make(map[Context][]Marker),
		active:  ContextConfigSync,
		sampler: func(rate uint64) bool { return rand.Uint64N(sampleMax) < rate },
	}
}

// SetSink points emitted events at the logging pipeline.
func (r *Recorder) SetSink(sink func(events.Event)) {
	r.mu.Lock()
	r.sink = sink
	r.mu.Unlock()
}

// SetActiveContext names the context network markers attach to. Initialize
// sets it for the duration of startup and restores it after.
func (r *Recorder) SetActiveContext(ctx Context) {
	r.mu.Lock()
	r.active = ctx
	r.mu.Unlock()
}

func (r *Recorder) add(ctx Context, m Marker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.markers[ctx]) >= maxMarkersPerContext {
		return
	}
	r.markers[ctx] = append(r.markers[ctx], m)
}

// Start records the beginning of key within ctx.
func (r *Recorder) Start(ctx Context, key, step string) {
	r.add(ctx, Marker{Key: key, Action: "start", Step: step, Timestamp: time.Now().UnixMilli()})
}

// End records the completion of key within ctx.
func (r *Recorder) End(ctx Context, key, step string, success bool) {
	r.add(ctx, Marker{Key: key, Action: "end", Step: step, Timestamp: time.Now().UnixMilli(), Success: &success})
}

// RequestFinished implements transport.Observer. log_event outcomes are
// skipped so the event pipeline cannot feed itself.
func (r *Recorder) RequestFinished(key string, status int, attempt int, err error) {
	if key == "log_event" {
		return
	}
	r.mu.Lock()
	ctx := r.active
	r.mu.Unlock()
	success := err == nil
	r.add(ctx, Marker{
		Key:        key,
		Action:     "end",
		Step:       "network_request",
		Timestamp:  time.Now().UnixMilli(),
		Success:    &success,
		StatusCode: status,
		Attempt:    attempt,
	})
}

func sampleRate(ctx Context, data *specstore.Data) uint64 {
	var fallback uint64 = 100
	if ctx == ContextInitialize {
		fallback = sampleMax
	}
	if data == nil {
		return fallback
	}
	if rate, ok := data.Diagnostics[string(ctx)]; ok {
		if rate > sampleMax {
			return sampleMax
		}
		return rate
	}
	return fallback
}

// Emit drains ctx's markers into one statsig::diagnostics event, subject to
// the context's sampling rate. Markers are cleared either way.
func (r *Recorder) Emit(ctx Context, data *specstore.Data) {
	r.mu.Lock()
	markers := r.markers[ctx]
	delete(r.markers, ctx)
	sink := r.sink
	r.mu.Unlock()

	if len(markers) == 0 || sink == nil {
		return
	}
	if !r.sampler(sampleRate(ctx, data)) {
		return
	}
	serialized, err := json.Marshal(markers)
	if err != nil {
		log.Warn("diagnostics: serializing markers: %v", err)
		return
	}
	sink(events.Event{
		EventName: events.DiagnosticsEventName,
		Metadata: map[string]string{
			"context": string(ctx),
			"markers": string(serialized),
		},
		Time: time.Now().UnixMilli(),
	})
}
