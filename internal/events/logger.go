// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Statsig (https://www.statsig.com/).
// Copyright 2024 Statsig, Inc.

package events

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/eapache/queue/v2"
	uatomic "go.uber.org/atomic"

	"github.com/statsig-io/statsig-server-core-sub001/internal/locking"
	"github.com/statsig-io/statsig-server-core-sub001/internal/log"
	"github.com/statsig-io/statsig-server-core-sub001/internal/observability"
	"github.com/statsig-io/statsig-server-core-sub001/internal/scheduler"
	"github.com/statsig-io/statsig-server-core-sub001/internal/transport"
	"github.com/statsig-io/statsig-server-core-sub001/internal/version"
)

const (
	defaultMaxQueueSize   = 10_000
	defaultMaxPending     = 60
	defaultFlushInterval  = time.Minute
	defaultMaxRetries     = 3
	loggerTag             = "event_logger"
	shutdownFlushInterval = 250 * time.Millisecond
)

// LoggerOptions tunes the event pipeline. Zero values select defaults.
type LoggerOptions struct {
	// MaxQueueSize is the number of buffered events that triggers an early
	// flush and bounds each delivered batch.
	MaxQueueSize int
	// MaxPendingBatches bounds batches awaiting delivery. Beyond it the
	// newest batch is dropped and counted.
	MaxPendingBatches int
	FlushInterval     time.Duration
	// MaxRetries is how many redeliveries a batch gets before it is dropped.
	MaxRetries int
	SessionID  string
	// Disabled turns Enqueue into a no-op.
	Disabled bool
}

func (o *LoggerOptions) withDefaults() {
	if o.MaxQueueSize <= 0 {
		o.MaxQueueSize = defaultMaxQueueSize
	}
	if o.MaxPendingBatches <= 0 {
		o.MaxPendingBatches = defaultMaxPending
	}
	if o.FlushInterval <= 0 {
		o.FlushInterval = defaultFlushInterval
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = defaultMaxRetries
	}
}

type batch struct {
	events  []Event
	retries int
	isLimit bool
}

// Logger buffers events and ships them in batches on a background task.
// Enqueue never blocks on the network; when the pipeline is saturated events
// are dropped and the drop is counted.
type Logger struct {
	adapter Adapter
	obs     *observability.Dispatcher
	opts    LoggerOptions

	mu      locking.Mutex
	buffer  []Event
	pending *queue.Queue[*batch]

	flushNow  chan struct{}
	lastFlush uatomic.Int64 // unix ms of the last delivery attempt
	dropped   uatomic.Int64
}

// NewLogger builds a logger delivering through adapter. obs may be nil.
func NewLogger(adapter Adapter, obs *observability.Dispatcher, opts LoggerOptions) *Logger {
	opts.withDefaults()
	l := &Logger{
		adapter:  adapter,
		obs:      obs,
		opts:     opts,
		pending:  queue.New[*batch](),
		flushNow: make(chan struct{}, 1),
	}
	l.lastFlush.Store(time.Now().UnixMilli())
	return l
}

// Start spawns the background flusher on sched.
func (l *Logger) Start(sched *scheduler.Scheduler) {
	interval := l.opts.FlushInterval
	sched.Spawn(loggerTag, func(stop <-chan struct{}) {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				l.flushAll(context.Background())
			case <-l.flushNow:
				l.flushAll(context.Background())
			}
		}
	})
}

// Enqueue adds one event. When the buffer reaches MaxQueueSize it is rotated
// into a pending batch and the flusher is woken.
func (l *Logger) Enqueue(ev Event) {
	if l.opts.Disabled {
		return
	}
	l.mu.Lock()
	l.buffer = append(l.buffer, ev)
	full := len(l.buffer) >= l.opts.MaxQueueSize
	if full {
		l.rotateLocked(true)
	}
	l.mu.Unlock()
	if full {
		l.wake()
	}
}

// Dropped reports the number of events discarded so far.
func (l *Logger) Dropped() int64 { return l.dropped.Load() }

func (l *Logger) wake() {
	select {
	case l.flushNow <- struct{}{}:
	default:
	}
}

// rotateLocked moves the buffer into the pending queue, dropping the batch
// when the queue is at capacity. Callers hold l.mu.
func (l *Logger) rotateLocked(isLimit bool) {
	if len(l.buffer) == 0 {
		return
	}
	b := &batch{events: l.buffer, isLimit: isLimit}
	l.buffer = nil
	if l.pending.Length() >= l.opts.MaxPendingBatches {
		l.dropBatch(b, "pending queue full")
		return
	}
	l.pending.Add(b)
}

func (l *Logger) dropBatch(b *batch, reason string) {
	n := int64(len(b.events))
	l.dropped.Add(n)
	log.Warn("events: dropping %d events: %s", n, reason)
	if l.obs != nil {
		l.obs.Increment(observability.MetricEventsDropped, float64(n), map[string]string{"reason": reason})
	}
}

// Flush synchronously delivers everything buffered so far. Batches that fail
// with retryable errors stay queued for the background flusher.
func (l *Logger) Flush(ctx context.Context) {
	l.flushAll(ctx)
}

// Shutdown drains the pipeline until ctx expires. Remaining events are
// counted as dropped.
func (l *Logger) Shutdown(ctx context.Context) {
	for {
		l.flushAll(ctx)
		l.mu.Lock()
		remaining := l.pending.Length()
		l.mu.Unlock()
		if remaining == 0 {
			break
		}
		select {
		case <-ctx.Done():
			l.discardRemaining()
			return
		case <-time.After(shutdownFlushInterval):
		}
	}
}

func (l *Logger) discardRemaining() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for l.pending.Length() > 0 {
		l.dropBatch(l.pending.Remove(), "shutdown deadline")
	}
	if len(l.buffer) > 0 {
		l.dropBatch(&batch{events: l.buffer}, "shutdown deadline")
		l.buffer = nil
	}
}

// flushAll rotates the buffer and attempts delivery of every batch pending at
// entry. Requeued failures wait for the next cycle.
func (l *Logger) flushAll(ctx context.Context) {
	l.mu.Lock()
	l.rotateLocked(false)
	n := l.pending.Length()
	l.mu.Unlock()

	for i := 0; i < n; i++ {
		l.mu.Lock()
		if l.pending.Length() == 0 {
			l.mu.Unlock()
			return
		}
		b := l.pending.Remove()
		l.mu.Unlock()

		if err := l.deliver(ctx, b); err != nil {
			l.handleFailure(b, err)
		}
		if ctx.Err() != nil {
			return
		}
	}
}

func (l *Logger) deliver(ctx context.Context, b *batch) error {
	elapsed := time.Now().UnixMilli() - l.lastFlush.Load()
	meta := BatchMetadata{
		SDKType:            version.SDKType,
		SDKVersion:         version.Tag,
		SessionID:          l.opts.SessionID,
		FlushingIntervalMs: elapsed,
		IsLimitBatch:       b.isLimit,
	}
	err := l.adapter.LogEvents(ctx, b.events, meta, b.retries)
	l.lastFlush.Store(time.Now().UnixMilli())
	if err != nil {
		return err
	}
	log.Debug("events: delivered batch of %d", len(b.events))
	if l.obs != nil {
		l.obs.Increment(observability.MetricEventsFlushed, float64(len(b.events)), nil)
	}
	return nil
}

func (l *Logger) handleFailure(b *batch, err error) {
	var nerr *transport.NetworkError
	retryable := errors.As(err, &nerr) && nerr.Retryable()
	if errors.Is(err, transport.ErrShutdown) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		retryable = true
	}
	if !retryable {
		l.dropBatch(b, "rejected: "+err.Error())
		return
	}
	b.retries++
	if b.retries > l.opts.MaxRetries {
		l.dropBatch(b, "retry limit after "+strconv.Itoa(b.retries-1)+" retries")
		return
	}
	log.Debug("events: batch delivery failed (retry %d): %v", b.retries, err)
	l.mu.Lock()
	if l.pending.Length() >= l.opts.MaxPendingBatches {
		l.dropBatch(b, "pending queue full")
	} else {
		l.pending.Add(b)
	}
	l.mu.Unlock()
}
