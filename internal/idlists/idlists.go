// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Statsig (https://www.statsig.com/).
// Copyright 2024 Statsig, Inc.

// Package idlists maintains large hashed-id membership sets downloaded as
// append-only delta files. Each line of a delta file is "+<hash>" or
// "-<hash>".
package idlists

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	"golang.org/x/sync/errgroup"

	"github.com/statsig-io/statsig-server-core-sub001/internal/log"
	"github.com/statsig-io/statsig-server-core-sub001/internal/scheduler"
	"github.com/statsig-io/statsig-server-core-sub001/internal/specstore"
	"github.com/statsig-io/statsig-server-core-sub001/internal/transport"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// DefaultIDListsURL is the canonical manifest endpoint.
const DefaultIDListsURL = "https://api.statsigcdn.com/v1/get_id_lists"

// downloadConcurrency bounds parallel delta downloads per sync.
const downloadConcurrency = 4

// list is one membership set plus its download cursor.
type list struct {
	mu           sync.RWMutex
	ids          map[string]struct{}
	readBytes    int64
	url          string
	fileID       string
	creationTime int64
}

func (l *list) contains(hashed string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.ids[hashed]
	return ok
}

func (l *list) apply(delta []byte) {
	l.mu.Lock()
	defer l.mu.Unlock()
	sc := bufio.NewScanner(bytes.NewReader(delta))
	for sc.Scan() {
		line := sc.Text()
		if len(line) < 2 {
			continue
		}
		switch line[0] {
		case '+':
			l.ids[line[1:]] = struct{}{}
		case '-':
			delete(l.ids, line[1:])
		}
	}
	l.readBytes += int64(len(delta))
}

// Adapter polls the id-list manifest and keeps every advertised list
// current.
type Adapter struct {
	client *transport.Client
	url    string

	mu    sync.RWMutex
	lists map[string]*list
}

// New creates an id-list adapter. url may be "" for the canonical endpoint.
func New(client *transport.Client, url string) *Adapter {
	if url == "" {
		url = DefaultIDListsURL
	}
	return &Adapter{client: client, url: url, lists: make(map[string]*list)}
}

// ListContains reports whether hashed is a member of the named list. Unknown
// lists report false.
func (a *Adapter) ListContains(name, hashed string) bool {
	a.mu.RLock()
	l := a.lists[name]
	a.mu.RUnlock()
	if l == nil {
		return false
	}
	return l.contains(hashed)
}

// Start performs one synchronous sync.
func (a *Adapter) Start(ctx context.Context) error {
	return a.syncOnce(ctx)
}

// ScheduleBackgroundSync polls the manifest at interval.
func (a *Adapter) ScheduleBackgroundSync(sched *scheduler.Scheduler, interval time.Duration) {
	sched.SpawnTicker("id_lists_sync", interval, func() {
		if err := a.syncOnce(context.Background()); err != nil {
			log.Debug("idlists: background sync: %v", err)
		}
	})
}

func (a *Adapter) syncOnce(ctx context.Context) error {
	resp, err := a.client.Get(ctx, transport.RequestArgs{
		URL:            a.url,
		Retries:        1,
		AcceptGzip:     true,
		DiagnosticsKey: "get_id_lists",
	})
	if err != nil {
		return fmt.Errorf("fetching id list manifest: %w", err)
	}
	var manifest map[string]specstore.IDListMeta
	if err := json.Unmarshal(resp.Body, &manifest); err != nil {
		return fmt.Errorf("parsing id list manifest: %w", err)
	}
	a.reconcile(manifest)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(downloadConcurrency)
	for name, meta := range manifest {
		name, meta := name, meta
		g.Go(func() error {
			if err := a.download(gctx, name, meta); err != nil {
				// one failed list must not fail the others
				log.Debug("idlists: %s: %v", name, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// reconcile drops lists gone from the manifest and resets lists whose file
// was replaced or truncated.
func (a *Adapter) reconcile(manifest map[string]specstore.IDListMeta) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for name := range a.lists {
		if _, ok := manifest[name]; !ok {
			delete(a.lists, name)
		}
	}
	for name, meta := range manifest {
		l, ok := a.lists[name]
		if !ok {
			a.lists[name] = &list{
				ids:          make(map[string]struct{}),
				url:          meta.URL,
				fileID:       meta.FileID,
				creationTime: meta.CreationTime,
			}
			continue
		}
		l.mu.Lock()
		if meta.FileID != l.fileID || meta.Size < l.readBytes {
			l.ids = make(map[string]struct{})
			l.readBytes = 0
			l.fileID = meta.FileID
			l.creationTime = meta.CreationTime
		}
		l.url = meta.URL
		l.mu.Unlock()
	}
}

func (a *Adapter) download(ctx context.Context, name string, meta specstore.IDListMeta) error {
	a.mu.RLock()
	l := a.lists[name]
	a.mu.RUnlock()
	if l == nil {
		return nil
	}
	l.mu.RLock()
	read := l.readBytes
	url := l.url
	l.mu.RUnlock()
	if meta.Size <= read {
		return nil
	}
	resp, err := a.client.Get(ctx, transport.RequestArgs{
		URL:     url,
		Headers: map[string]string{"Range": fmt.Sprintf("bytes=%d-", read)},
		Retries: 1,
	})
	if err != nil {
		return err
	}
	if len(resp.Body) > 0 && resp.Body[0] != '+' && resp.Body[0] != '-' {
		// the server re-served from offset zero with unexpected content;
		// resync from scratch next tick
		l.mu.Lock()
		l.ids = make(map[string]struct{})
		l.readBytes = 0
		l.mu.Unlock()
		return fmt.Errorf("unexpected delta content for %s", name)
	}
	l.apply(resp.Body)
	return nil
}
