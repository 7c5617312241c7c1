// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Statsig (https://www.statsig.com/).
// Copyright 2024 Statsig, Inc.

package specstore

import (
	"fmt"
	"sync/atomic"

	uatomic "go.uber.org/atomic"

	"github.com/statsig-io/statsig-server-core-sub001/internal/locking"
	"github.com/statsig-io/statsig-server-core-sub001/internal/log"
)

// Source identifies where a snapshot came from.
type Source string

const (
	SourceUninitialized Source = "Uninitialized"
	SourceNetwork       Source = "Network"
	SourceBootstrap     Source = "Bootstrap"
)

// SourceAdapter names a custom adapter source.
func SourceAdapter(name string) Source {
	return Source(fmt.Sprintf("Adapter(%s)", name))
}

// Snapshot is one immutable published ruleset. ReceivedAt is the only field
// mutated after publication, and only through an atomic.
type Snapshot struct {
	Data       *Data
	Source     Source
	LCUT       uint64
	Checksum   string
	receivedAt uatomic.Int64
}

// ReceivedAt returns when the snapshot content was last confirmed fresh, in
// ms since epoch.
func (s *Snapshot) ReceivedAt() int64 { return s.receivedAt.Load() }

// SpecsInfo is what adapters send with conditional fetches.
type SpecsInfo struct {
	LCUT     uint64
	Checksum string
}

// Store publishes snapshots to concurrent readers. Writers are serialized;
// readers never block and never observe a partially constructed snapshot.
// Old snapshots stay valid for readers that still hold them.
type Store struct {
	current atomic.Pointer[Snapshot]
	writeMu locking.Mutex
}

// NewStore returns a store holding an empty Uninitialized snapshot.
func NewStore() *Store {
	s := &Store{}
	empty := &Snapshot{Data: &Data{}, Source: SourceUninitialized}
	s.current.Store(empty)
	return s
}

// Current returns the active snapshot. The caller keeps it for the duration
// of one evaluation; a concurrent update never invalidates it.
func (s *Store) Current() *Snapshot {
	return s.current.Load()
}

// Initialized reports whether a real ruleset has been published.
func (s *Store) Initialized() bool {
	return s.Current().Source != SourceUninitialized
}

// CurrentSpecsInfo returns the conditional-fetch parameters of the active
// snapshot.
func (s *Store) CurrentSpecsInfo() SpecsInfo {
	snap := s.Current()
	return SpecsInfo{LCUT: snap.LCUT, Checksum: snap.Checksum}
}

// ApplyUpdate swaps in data as the new active snapshot. Updates carrying
// has_updates=false, or an LCUT not newer than the active snapshot from the
// same source, only refresh ReceivedAt. Returns true when a swap happened.
func (s *Store) ApplyUpdate(data *Data, source Source, receivedAt int64) bool {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	cur := s.current.Load()
	if !data.HasUpdates {
		cur.receivedAt.Store(receivedAt)
		return false
	}
	if cur.Source != SourceUninitialized && data.Time > 0 && data.Time < cur.LCUT {
		log.Debug("specstore: ignoring stale update lcut=%d current=%d source=%s", data.Time, cur.LCUT, source)
		cur.receivedAt.Store(receivedAt)
		return false
	}
	next := &Snapshot{
		Data:     data,
		Source:   source,
		LCUT:     data.Time,
		Checksum: data.Checksum,
	}
	next.receivedAt.Store(receivedAt)
	s.current.Store(next)
	log.Debug("specstore: published snapshot lcut=%d source=%s", next.LCUT, source)
	return true
}
