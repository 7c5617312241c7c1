// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Statsig (https://www.statsig.com/).
// Copyright 2024 Statsig, Inc.

package specsync

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/statsig-io/statsig-server-core-sub001/internal/scheduler"
	"github.com/statsig-io/statsig-server-core-sub001/internal/specstore"
)

// FileAdapter reads a ruleset from disk at start and persists successful
// network payloads back to the same path, so short-lived processes restart
// warm.
type FileAdapter struct {
	path string

	mu       sync.Mutex
	listener Listener
}

// NewFileAdapter creates a file adapter for path.
func NewFileAdapter(path string) *FileAdapter {
	return &FileAdapter{path: path}
}

// Name implements Adapter.
func (a *FileAdapter) Name() string { return "file" }

// Start implements Adapter: reads the file and delivers it once.
func (a *FileAdapter) Start(listener Listener) error {
	a.mu.Lock()
	a.listener = listener
	a.mu.Unlock()

	data, err := os.ReadFile(a.path)
	if err != nil {
		return fmt.Errorf("reading specs file: %w", err)
	}
	return listener.DidReceiveSpecsUpdate(Update{
		Data:       data,
		Source:     specstore.SourceAdapter(a.Name()),
		ReceivedAt: nowMS(),
	})
}

// ScheduleBackgroundSync implements Adapter. The file does not change
// underneath us; freshness comes from write-backs.
func (a *FileAdapter) ScheduleBackgroundSync(*scheduler.Scheduler, time.Duration) error {
	return ErrPollingUnsupported
}

// Shutdown implements Adapter.
func (a *FileAdapter) Shutdown(time.Duration) error { return nil }

// PersistSpecs implements Persister: atomically replaces the file contents.
func (a *FileAdapter) PersistSpecs(data []byte) error {
	tmp := a.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, a.path)
}
