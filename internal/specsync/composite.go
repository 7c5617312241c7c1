// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Statsig (https://www.statsig.com/).
// Copyright 2024 Statsig, Inc.

package specsync

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/statsig-io/statsig-server-core-sub001/internal/log"
	"github.com/statsig-io/statsig-server-core-sub001/internal/scheduler"
)

// CompositeAdapter tries an ordered list of adapters. Start stops at the
// first adapter that delivers; background sync goes to the first adapter
// that accepts the schedule.
type CompositeAdapter struct {
	adapters []Adapter
}

// NewCompositeAdapter builds a composite over the given order.
func NewCompositeAdapter(adapters ...Adapter) *CompositeAdapter {
	return &CompositeAdapter{adapters: adapters}
}

// Name implements Adapter.
func (a *CompositeAdapter) Name() string {
	names := make([]string, len(a.adapters))
	for i, ad := range a.adapters {
		names[i] = ad.Name()
	}
	return "composite(" + strings.Join(names, ",") + ")"
}

// Start implements Adapter.
func (a *CompositeAdapter) Start(listener Listener) error {
	var errs []error
	for _, ad := range a.adapters {
		if err := ad.Start(listener); err != nil {
			log.Warn("specsync: adapter %s failed to start: %v", ad.Name(), err)
			errs = append(errs, fmt.Errorf("%s: %w", ad.Name(), err))
			continue
		}
		return nil
	}
	if len(errs) == 0 {
		return errors.New("composite adapter has no adapters")
	}
	return errors.Join(errs...)
}

// ScheduleBackgroundSync implements Adapter.
func (a *CompositeAdapter) ScheduleBackgroundSync(sched *scheduler.Scheduler, interval time.Duration) error {
	for _, ad := range a.adapters {
		err := ad.ScheduleBackgroundSync(sched, interval)
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrPollingUnsupported) && !errors.Is(err, ErrUnstartedAdapter) {
			return err
		}
	}
	return ErrPollingUnsupported
}

// Shutdown implements Adapter: every member is shut down; the first error
// wins.
func (a *CompositeAdapter) Shutdown(timeout time.Duration) error {
	var first error
	for _, ad := range a.adapters {
		if err := ad.Shutdown(timeout); err != nil && first == nil {
			first = err
		}
	}
	return first
}
