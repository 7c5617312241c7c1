// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Statsig (https://www.statsig.com/).
// Copyright 2024 Statsig, Inc.

package statsig

import (
	"github.com/statsig-io/statsig-server-core-sub001/internal/datastore"
	"github.com/statsig-io/statsig-server-core-sub001/internal/evaluator"
	"github.com/statsig-io/statsig-server-core-sub001/internal/events"
	"github.com/statsig-io/statsig-server-core-sub001/internal/observability"
	"github.com/statsig-io/statsig-server-core-sub001/internal/specsync"
	"github.com/statsig-io/statsig-server-core-sub001/internal/user"
)

// User identifies a caller. At least one of UserID and CustomIDs must be
// set.
type User = user.User

// Plug-in contracts, re-exported for host applications.
type (
	DataStoreAdapter    = datastore.Adapter
	ObservabilityClient = observability.Client
	OverrideAdapter     = evaluator.OverrideAdapter
	PersistentStorage   = evaluator.PersistentStorage
	StickyValues        = evaluator.StickyValues
	UserPersistedValues = evaluator.UserPersistedValues
	SpecsAdapter        = specsync.Adapter
	EventLoggingAdapter = events.Adapter
	Event               = events.Event
	BatchMetadata       = events.BatchMetadata

	// ClientInitializeResponse bundles every evaluation for one user, used
	// by client SDKs to bootstrap.
	ClientInitializeResponse = evaluator.ClientInitializeResponse
)

// NewLocalOverrideAdapter returns an in-process OverrideAdapter.
func NewLocalOverrideAdapter() *evaluator.LocalOverrideAdapter {
	return evaluator.NewLocalOverrideAdapter()
}

// EvaluationDetails annotates where a result came from.
type EvaluationDetails struct {
	// Reason encodes source and recognition, e.g. "Network:Recognized",
	// "Uninitialized", "LocalOverride".
	Reason string
	// LCUT is the ruleset's last-config-updated-time in ms.
	LCUT uint64
	// ReceivedAt is when the ruleset was last confirmed fresh, in ms.
	ReceivedAt int64
}

// FeatureGate is the full outcome of a gate check.
type FeatureGate struct {
	Name    string
	Value   bool
	RuleID  string
	IDType  string
	Details EvaluationDetails
}

// DynamicConfig is the outcome of a dynamic config fetch.
type DynamicConfig struct {
	Name    string
	Value   map[string]interface{}
	RuleID  string
	IDType  string
	Details EvaluationDetails
}

// Experiment is the outcome of an experiment fetch.
type Experiment struct {
	Name      string
	Value     map[string]interface{}
	RuleID    string
	GroupName string
	IDType    string
	Details   EvaluationDetails
}

// Layer is the outcome of a layer fetch. Parameter exposures are logged on
// access through Get, not when the layer is fetched.
type Layer struct {
	Name                string
	RuleID              string
	GroupName           string
	AllocatedExperiment string
	Details             EvaluationDetails

	value    map[string]interface{}
	explicit map[string]struct{}
	// logExposure records one parameter access; nil when exposure logging
	// is disabled for this fetch.
	logExposure func(param string, explicit bool)
}

// Get returns the layer parameter named param, or fallback when absent, and
// logs the parameter exposure.
func (l *Layer) Get(param string, fallback interface{}) interface{} {
	v, ok := l.value[param]
	if !ok {
		return fallback
	}
	if l.logExposure != nil {
		_, explicit := l.explicit[param]
		l.logExposure(param, explicit)
	}
	return v
}

// GetExperimentOptions tunes one experiment fetch.
type GetExperimentOptions struct {
	// UserPersistedValues enables sticky bucketing with the assignments the
	// host loaded from persistent storage.
	UserPersistedValues UserPersistedValues
}

// GCIROptions tunes GetClientInitializeResponse.
type GCIROptions struct {
	// ClientSDKKey filters specs by target app id.
	ClientSDKKey string
	// HashAlgorithm keys entries: "djb2" (default), "sha256" or "none".
	HashAlgorithm string
}
