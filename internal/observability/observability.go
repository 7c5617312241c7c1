// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Statsig (https://www.statsig.com/).
// Copyright 2024 Statsig, Inc.

// Package observability defines the metrics/error contract the SDK reports
// through and fans events out to subscribers without ever blocking the hot
// path.
package observability

import (
	"sync"

	"golang.org/x/time/rate"

	"github.com/statsig-io/statsig-server-core-sub001/internal/log"
)

// Client receives operational metrics and internal errors from the SDK.
// Implementations must be safe for concurrent use; calls arrive from
// background goroutines.
type Client interface {
	Init()
	Increment(metric string, value float64, tags map[string]string)
	Gauge(metric string, value float64, tags map[string]string)
	Dist(metric string, value float64, tags map[string]string)
	Error(tag string, message string)
	ShouldEnableHighCardinalityForThisTag(tag string) bool
}

// Metric names emitted by the SDK.
const (
	MetricInitialization        = "statsig.sdk.initialization"
	MetricConfigPropagationDiff = "statsig.sdk.config_propagation_diff"
	MetricEventsDropped         = "statsig::log_event_dropped_event_count"
	MetricEventsFlushed         = "statsig.sdk.events_successfully_sent_count"
)

type event struct {
	kind   string // "increment", "gauge", "dist", "error"
	metric string
	value  float64
	tags   map[string]string
	errTag string
	errMsg string
}

// Dispatcher forwards SDK signals to an optional Client on a dedicated
// goroutine. Producers never block: when the subscriber is slow, signals are
// dropped. Error forwarding is rate limited so a hot failure loop cannot
// flood the subscriber.
type Dispatcher struct {
	client  Client
	ch      chan event
	done    chan struct{}
	errRate *rate.Limiter

	mu      sync.Mutex
	started bool
	closed  bool
}

// NewDispatcher wraps client; client may be nil, making every call a no-op.
func NewDispatcher(client Client) *Dispatcher {
	return &Dispatcher{
		client:  client,
		ch:      make(chan event, 256),
		done:    make(chan struct{}),
		errRate: rate.NewLimiter(rate.Limit(10), 20),
	}
}

// Start initializes the subscriber and begins draining.
func (d *Dispatcher) Start() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started || d.client == nil {
		return
	}
	d.started = true
	d.client.Init()
	go d.loop()
}

func (d *Dispatcher) loop() {
	for {
		select {
		case <-d.done:
			return
		case ev := <-d.ch:
			switch ev.kind {
			case "increment":
				d.client.Increment(ev.metric, ev.value, ev.tags)
			case "gauge":
				d.client.Gauge(ev.metric, ev.value, ev.tags)
			case "dist":
				d.client.Dist(ev.metric, ev.value, ev.tags)
			case "error":
				d.client.Error(ev.errTag, ev.errMsg)
			}
		}
	}
}

func (d *Dispatcher) send(ev event) {
	d.mu.Lock()
	ok := d.started && !d.closed
	d.mu.Unlock()
	if !ok {
		return
	}
	select {
	case d.ch <- ev:
	default:
		// subscriber too slow; losing a metric beats blocking an evaluation
	}
}

// Increment reports a counter delta.
func (d *Dispatcher) Increment(metric string, value float64, tags map[string]string) {
	d.send(event{kind: "increment", metric: metric, value: value, tags: tags})
}

// Gauge reports a point-in-time value.
func (d *Dispatcher) Gauge(metric string, value float64, tags map[string]string) {
	d.send(event{kind: "gauge", metric: metric, value: value, tags: tags})
}

// Dist reports a distribution sample.
func (d *Dispatcher) Dist(metric string, value float64, tags map[string]string) {
	d.send(event{kind: "dist", metric: metric, value: value, tags: tags})
}

// Error reports an internal error. Always logged; forwarded to the
// subscriber subject to the rate limit.
func (d *Dispatcher) Error(tag string, message string) {
	log.Error(tag, "%s", message)
	if d.errRate.Allow() {
		d.send(event{kind: "error", errTag: tag, errMsg: message})
	}
}

// HighCardinalityAllowed asks the subscriber whether tag may carry
// high-cardinality values.
func (d *Dispatcher) HighCardinalityAllowed(tag string) bool {
	d.mu.Lock()
	started := d.started
	d.mu.Unlock()
	if !started {
		return false
	}
	return d.client.ShouldEnableHighCardinalityForThisTag(tag)
}

// Shutdown stops the drain loop. Pending signals are dropped.
func (d *Dispatcher) Shutdown() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.closed = true
	if d.started {
		close(d.done)
	}
}
