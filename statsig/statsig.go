// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Statsig (https://www.statsig.com/).
// Copyright 2024 Statsig, Inc.

// Package statsig is the public surface of the SDK. One instance per secret
// key owns a spec store kept fresh by background sync, a deterministic
// evaluator and a batched event pipeline; every user-visible call returns
// defaults instead of failing.
package statsig

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/statsig-io/statsig-server-core-sub001/internal/diagnostics"
	"github.com/statsig-io/statsig-server-core-sub001/internal/evaluator"
	"github.com/statsig-io/statsig-server-core-sub001/internal/events"
	"github.com/statsig-io/statsig-server-core-sub001/internal/idlists"
	"github.com/statsig-io/statsig-server-core-sub001/internal/log"
	"github.com/statsig-io/statsig-server-core-sub001/internal/observability"
	"github.com/statsig-io/statsig-server-core-sub001/internal/sampling"
	"github.com/statsig-io/statsig-server-core-sub001/internal/scheduler"
	"github.com/statsig-io/statsig-server-core-sub001/internal/specstore"
	"github.com/statsig-io/statsig-server-core-sub001/internal/specsync"
	"github.com/statsig-io/statsig-server-core-sub001/internal/transport"
)

// ErrInitialization reports that Initialize finished without ever receiving
// a ruleset from any source. The instance still works and evaluates
// everything to defaults until a background sync succeeds.
var ErrInitialization = errors.New("no ruleset received during initialization")

var (
	registryMu sync.Mutex
	registry   = make(map[string]*Statsig)
)

// Statsig is one SDK instance bound to a secret key.
type Statsig struct {
	sdkKey    string
	cfg       *config
	sessionID string

	store      *specstore.Store
	sched      *scheduler.Scheduler
	client     *transport.Client
	adapter    specsync.Adapter
	persisters []specsync.Persister
	eval       *evaluator.Evaluator
	sampler    *sampling.Processor
	logger     *events.Logger
	diag       *diagnostics.Recorder
	obs        *observability.Dispatcher
	idLists    *idlists.Adapter

	shutdownOnce sync.Once
}

// Initialize creates (or returns) the instance for sdkKey and waits up to
// the configured init timeout for a first ruleset. The returned instance is
// usable even when the error is non-nil.
func Initialize(sdkKey string, opts ...Option) (*Statsig, error) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if inst, ok := registry[sdkKey]; ok {
		// readiness is re-derived so a recovered instance stops reporting
		// its initialization failure
		if !inst.store.Initialized() {
			return inst, ErrInitialization
		}
		return inst, nil
	}
	inst, err := newInstance(sdkKey, opts...)
	registry[sdkKey] = inst
	return inst, err
}

// Instance returns the already initialized instance for sdkKey, or nil.
func Instance(sdkKey string) *Statsig {
	registryMu.Lock()
	defer registryMu.Unlock()
	return registry[sdkKey]
}

func newInstance(sdkKey string, opts ...Option) (*Statsig, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.logLevelSet {
		log.SetLevel(cfg.outputLogLevel)
	}

	s := &Statsig{
		sdkKey:    sdkKey,
		cfg:       cfg,
		sessionID: uuid.NewString(),
		store:     specstore.NewStore(),
		sched:     scheduler.New(),
		sampler:   sampling.NewProcessor(),
		diag:      diagnostics.NewRecorder(),
	}

	obsClient := cfg.observabilityClient
	if obsClient == nil && cfg.statsdAddr != "" {
		obsClient = observability.NewStatsdClient(cfg.statsdAddr, cfg.serviceName)
	}
	s.obs = observability.NewDispatcher(obsClient)
	s.obs.Start()

	s.client = transport.New(transport.Options{
		SDKKey:    sdkKey,
		SessionID: s.sessionID,
		Shutdown:  s.sched.StopSignal(),
		Disabled:  cfg.disableNetwork,
		Observer:  s.diag,
	})

	eventAdapter := cfg.eventLoggingAdapter
	if eventAdapter == nil {
		eventAdapter = events.NewNetworkAdapter(s.client, cfg.logEventURL, cfg.compression)
	}
	s.logger = events.NewLogger(eventAdapter, s.obs, events.LoggerOptions{
		MaxQueueSize:      cfg.maxQueueSize,
		MaxPendingBatches: cfg.maxPendingBatches,
		FlushInterval:     cfg.flushInterval,
		SessionID:         s.sessionID,
		Disabled:          cfg.disableAllLogging,
	})
	s.logger.Start(s.sched)
	s.diag.SetSink(s.logger.Enqueue)

	if cfg.enableIDLists {
		s.idLists = idlists.New(s.client, cfg.idListsURL)
	}

	evalOpts := evaluator.Options{
		Override:         cfg.overrideAdapter,
		UserAgentParsing: cfg.enableUserAgentParsing,
		CountryLookup:    cfg.enableCountryLookup,
	}
	if s.idLists != nil {
		evalOpts.Segments = s.idLists
	}
	s.eval = evaluator.New(evalOpts)

	s.adapter, s.persisters = s.buildSpecsPipeline()

	err := s.start()
	return s, err
}

// buildSpecsPipeline assembles the sync adapter chain from options: an
// explicit adapter list wins; otherwise bootstrap, file, data store and
// network stack up in that order.
func (s *Statsig) buildSpecsPipeline() (specsync.Adapter, []specsync.Persister) {
	if len(s.cfg.specsAdapters) > 0 {
		return specsync.NewCompositeAdapter(s.cfg.specsAdapters...), persistersOf(s.cfg.specsAdapters)
	}
	var chain []specsync.Adapter
	if s.cfg.bootstrapSpecs != nil {
		chain = append(chain, specsync.NewBootstrapAdapter(s.cfg.bootstrapSpecs))
	}
	if s.cfg.specsFilePath != "" {
		chain = append(chain, specsync.NewFileAdapter(s.cfg.specsFilePath))
	}
	if s.cfg.dataStore != nil {
		chain = append(chain, specsync.NewDataStoreAdapter(s.cfg.dataStore, s.sdkKey))
	}
	if !s.cfg.disableNetwork {
		chain = append(chain, specsync.NewNetworkAdapter(s.client, s.sdkKey, s.cfg.specsURL, s.cfg.fallbackToStatsigAPI))
	}
	if len(chain) == 1 {
		return chain[0], persistersOf(chain)
	}
	return specsync.NewCompositeAdapter(chain...), persistersOf(chain)
}

func persistersOf(adapters []specsync.Adapter) []specsync.Persister {
	var out []specsync.Persister
	for _, a := range adapters {
		if p, ok := a.(specsync.Persister); ok {
			out = append(out, p)
		}
	}
	return out
}

func (s *Statsig) start() error {
	begin := time.Now()
	s.diag.SetActiveContext(diagnostics.ContextInitialize)
	s.diag.Start(diagnostics.ContextInitialize, diagnostics.KeyOverall, "")

	startErr := make(chan error, 1)
	go func() { startErr <- s.adapter.Start(&specsListener{s: s}) }()
	var err error
	select {
	case err = <-startErr:
	case <-time.After(s.cfg.initTimeout):
		err = fmt.Errorf("initialize timed out after %s", s.cfg.initTimeout)
	}

	if scheduleErr := s.adapter.ScheduleBackgroundSync(s.sched, s.cfg.specsSyncInterval); scheduleErr != nil &&
		!errors.Is(scheduleErr, specsync.ErrPollingUnsupported) {
		log.Warn("statsig: scheduling background sync: %v", scheduleErr)
	}

	if s.idLists != nil {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.initTimeout)
		if idErr := s.idLists.Start(ctx); idErr != nil {
			log.Warn("statsig: id list sync: %v", idErr)
		}
		cancel()
		s.idLists.ScheduleBackgroundSync(s.sched, s.cfg.idListsSyncInterval)
	}

	initialized := s.store.Initialized()
	s.diag.End(diagnostics.ContextInitialize, diagnostics.KeyOverall, "", initialized)
	var snapData *specstore.Data
	if snap := s.store.Current(); snap != nil {
		snapData = snap.Data
	}
	s.diag.Emit(diagnostics.ContextInitialize, snapData)
	s.diag.SetActiveContext(diagnostics.ContextConfigSync)

	s.obs.Dist(observability.MetricInitialization, float64(time.Since(begin).Milliseconds()), map[string]string{
		"success": fmt.Sprintf("%t", initialized),
		"source":  string(s.store.Current().Source),
	})

	if !initialized {
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInitialization, err)
		}
		return ErrInitialization
	}
	return nil
}

// Flush synchronously delivers everything buffered in the event pipeline.
func (s *Statsig) Flush(ctx context.Context) {
	s.logger.Flush(ctx)
}

// Shutdown drains the event pipeline, stops background work within timeout
// and removes the instance from the registry. After Shutdown no network I/O
// is issued.
func (s *Statsig) Shutdown(timeout time.Duration) {
	s.shutdownOnce.Do(func() {
		deadline := time.Now().Add(timeout)
		ctx, cancel := context.WithDeadline(context.Background(), deadline)
		s.logger.Shutdown(ctx)
		cancel()

		if err := s.adapter.Shutdown(time.Until(deadline)); err != nil {
			log.Debug("statsig: adapter shutdown: %v", err)
		}
		s.sched.Shutdown(time.Until(deadline))
		s.obs.Shutdown()

		registryMu.Lock()
		delete(registry, s.sdkKey)
		registryMu.Unlock()
	})
}

// specsListener wires adapter deliveries into the store, persistence and
// diagnostics.
type specsListener struct {
	s *Statsig
}

// DidReceiveSpecsUpdate implements specsync.Listener.
func (l *specsListener) DidReceiveSpecsUpdate(u specsync.Update) error {
	data, err := specstore.ParseData(u.Data)
	if err != nil {
		l.s.obs.Error("specs_parse", err.Error())
		return err
	}
	swapped := l.s.store.ApplyUpdate(data, u.Source, u.ReceivedAt)
	if swapped {
		l.s.obs.Dist(observability.MetricConfigPropagationDiff,
			float64(u.ReceivedAt-int64(data.Time)), map[string]string{"source": string(u.Source)})
		if u.Source == specstore.SourceNetwork {
			for _, p := range l.s.persisters {
				if perr := p.PersistSpecs(u.Data); perr != nil {
					log.Warn("statsig: persisting specs: %v", perr)
				}
			}
		}
	}
	l.s.diag.Emit(diagnostics.ContextConfigSync, data)
	return nil
}

// CurrentSpecsInfo implements specsync.Listener.
func (l *specsListener) CurrentSpecsInfo() specstore.SpecsInfo {
	return l.s.store.CurrentSpecsInfo()
}
