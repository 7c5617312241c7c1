// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Statsig (https://www.statsig.com/).
// Copyright 2024 Statsig, Inc.

package statsig

import (
	"os"
	"time"

	"github.com/statsig-io/statsig-server-core-sub001/internal/datastore"
	"github.com/statsig-io/statsig-server-core-sub001/internal/evaluator"
	"github.com/statsig-io/statsig-server-core-sub001/internal/events"
	"github.com/statsig-io/statsig-server-core-sub001/internal/log"
	"github.com/statsig-io/statsig-server-core-sub001/internal/observability"
	"github.com/statsig-io/statsig-server-core-sub001/internal/specsync"
	"github.com/statsig-io/statsig-server-core-sub001/internal/transport"
)

// Option configures an instance at Initialize time.
type Option func(*config)

type config struct {
	specsURL    string
	logEventURL string
	idListsURL  string

	specsSyncInterval   time.Duration
	idListsSyncInterval time.Duration
	enableIDLists       bool

	maxQueueSize      int
	maxPendingBatches int
	flushInterval     time.Duration

	initTimeout time.Duration
	environment string

	disableAllLogging    bool
	disableNetwork       bool
	fallbackToStatsigAPI bool

	outputLogLevel         log.Level
	logLevelSet            bool
	enableCountryLookup    bool
	enableUserAgentParsing bool

	globalCustomFields map[string]interface{}
	serviceName        string
	statsdAddr         string
	compression        transport.Compression

	observabilityClient observability.Client
	dataStore           datastore.Adapter
	overrideAdapter     evaluator.OverrideAdapter
	persistentStorage   evaluator.PersistentStorage
	specsAdapters       []specsync.Adapter
	eventLoggingAdapter events.Adapter
	bootstrapSpecs      []byte
	specsFilePath       string
}

func defaultConfig() *config {
	// endpoint env vars seed the defaults; explicit options override them
	return &config{
		specsURL:            os.Getenv("STATSIG_SPECS_URL"),
		logEventURL:         os.Getenv("STATSIG_LOG_EVENT_URL"),
		idListsURL:          os.Getenv("STATSIG_ID_LISTS_URL"),
		specsSyncInterval:   10 * time.Second,
		idListsSyncInterval: time.Minute,
		flushInterval:       time.Minute,
		initTimeout:         10 * time.Second,
		compression:         transport.CompressionGzip,
	}
}

// WithSpecsURL points spec syncing at a custom download_config_specs host.
func WithSpecsURL(url string) Option {
	return func(c *config) { c.specsURL = url }
}

// WithLogEventURL points event delivery at a custom log_event endpoint.
func WithLogEventURL(url string) Option {
	return func(c *config) { c.logEventURL = url }
}

// WithIDListsURL points id-list syncing at a custom manifest endpoint.
func WithIDListsURL(url string) Option {
	return func(c *config) { c.idListsURL = url }
}

// WithSpecsSyncInterval sets the ruleset poll cadence.
func WithSpecsSyncInterval(d time.Duration) Option {
	return func(c *config) { c.specsSyncInterval = d }
}

// WithIDListsSyncInterval sets the id-list poll cadence.
func WithIDListsSyncInterval(d time.Duration) Option {
	return func(c *config) { c.idListsSyncInterval = d }
}

// WithIDLists starts the id-list adapter, required for in_segment_list
// conditions.
func WithIDLists() Option {
	return func(c *config) { c.enableIDLists = true }
}

// WithEventQueueSize caps buffered events before a batch is cut.
func WithEventQueueSize(n int) Option {
	return func(c *config) { c.maxQueueSize = n }
}

// WithPendingBatchQueueSize caps batches awaiting delivery.
func WithPendingBatchQueueSize(n int) Option {
	return func(c *config) { c.maxPendingBatches = n }
}

// WithFlushInterval sets the event flush cadence.
func WithFlushInterval(d time.Duration) Option {
	return func(c *config) { c.flushInterval = d }
}

// WithInitTimeout bounds the wall time Initialize spends waiting for the
// first ruleset.
func WithInitTimeout(d time.Duration) Option {
	return func(c *config) { c.initTimeout = d }
}

// WithEnvironment defaults the environment tier for users that carry none.
func WithEnvironment(tier string) Option {
	return func(c *config) { c.environment = tier }
}

// WithAllLoggingDisabled drops every event instead of shipping it.
func WithAllLoggingDisabled() Option {
	return func(c *config) { c.disableAllLogging = true }
}

// WithNetworkDisabled blocks all outbound HTTP. Only bootstrap or data-store
// rulesets can initialize the instance.
func WithNetworkDisabled() Option {
	return func(c *config) { c.disableNetwork = true }
}

// WithFallbackToStatsigAPI retries against the canonical hosts after
// repeated failures of a custom specs URL.
func WithFallbackToStatsigAPI() Option {
	return func(c *config) { c.fallbackToStatsigAPI = true }
}

// WithOutputLogLevel sets SDK log verbosity, 0 (silent) through 4 (debug).
func WithOutputLogLevel(level int) Option {
	return func(c *config) {
		c.outputLogLevel = log.Level(level)
		c.logLevelSet = true
	}
}

// WithCountryLookup enables offline IP-to-country resolution for ip_based
// conditions.
func WithCountryLookup() Option {
	return func(c *config) { c.enableCountryLookup = true }
}

// WithUserAgentParsing enables user-agent parsing for ua_based conditions.
func WithUserAgentParsing() Option {
	return func(c *config) { c.enableUserAgentParsing = true }
}

// WithGlobalCustomFields merges fields into every logged user's custom map;
// the user's own values win.
func WithGlobalCustomFields(fields map[string]interface{}) Option {
	return func(c *config) { c.globalCustomFields = fields }
}

// WithServiceName tags metrics with the host service.
func WithServiceName(name string) Option {
	return func(c *config) { c.serviceName = name }
}

// WithStatsdAddress enables the default dogstatsd observability client.
func WithStatsdAddress(addr string) Option {
	return func(c *config) { c.statsdAddr = addr }
}

// WithEventCompression selects the log_event body codec, gzip by default.
func WithEventCompression(codec transport.Compression) Option {
	return func(c *config) { c.compression = codec }
}

// WithObservabilityClient plugs a metrics/error subscriber.
func WithObservabilityClient(client ObservabilityClient) Option {
	return func(c *config) { c.observabilityClient = client }
}

// WithDataStore plugs an external key-value store serving rulesets.
func WithDataStore(store DataStoreAdapter) Option {
	return func(c *config) { c.dataStore = store }
}

// WithOverrideAdapter plugs an adapter consulted before every evaluation.
func WithOverrideAdapter(adapter OverrideAdapter) Option {
	return func(c *config) { c.overrideAdapter = adapter }
}

// WithPersistentStorage plugs sticky-bucketing storage.
func WithPersistentStorage(storage PersistentStorage) Option {
	return func(c *config) { c.persistentStorage = storage }
}

// WithSpecsAdapters replaces the default sync pipeline with an ordered list
// of adapters; the first to start successfully wins.
func WithSpecsAdapters(adapters ...SpecsAdapter) Option {
	return func(c *config) { c.specsAdapters = adapters }
}

// WithEventLoggingAdapter replaces batch delivery.
func WithEventLoggingAdapter(adapter EventLoggingAdapter) Option {
	return func(c *config) { c.eventLoggingAdapter = adapter }
}

// WithBootstrapSpecs seeds the instance with a caller-supplied ruleset
// payload published on start.
func WithBootstrapSpecs(data []byte) Option {
	return func(c *config) { c.bootstrapSpecs = data }
}

// WithSpecsFile reads the ruleset from path on start and persists every
// later network payload back to it.
func WithSpecsFile(path string) Option {
	return func(c *config) { c.specsFilePath = path }
}
