// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Statsig (https://www.statsig.com/).
// Copyright 2024 Statsig, Inc.

package evaluator

import (
	"github.com/statsig-io/statsig-server-core-sub001/internal/events"
	"github.com/statsig-io/statsig-server-core-sub001/internal/hashing"
	"github.com/statsig-io/statsig-server-core-sub001/internal/specstore"
	"github.com/statsig-io/statsig-server-core-sub001/internal/user"
)

// ClientInitializeOptions tunes GCIR generation.
type ClientInitializeOptions struct {
	// ClientSDKKey filters specs by target app id when the ruleset maps the
	// key to an app.
	ClientSDKKey string
	// HashAlgorithm names entries in the response: "djb2" (default),
	// "sha256" or "none".
	HashAlgorithm string
}

// GateInitEntry is one gate in a client initialize response.
type GateInitEntry struct {
	Name               string                     `json:"name"`
	Value              bool                       `json:"value"`
	RuleID             string                     `json:"rule_id"`
	IDType             string                     `json:"id_type"`
	SecondaryExposures []events.SecondaryExposure `json:"secondary_exposures"`
}

// ConfigInitEntry is one dynamic config or experiment.
type ConfigInitEntry struct {
	Name               string                     `json:"name"`
	Value              map[string]interface{}     `json:"value"`
	RuleID             string                     `json:"rule_id"`
	Group              string                     `json:"group"`
	GroupName          string                     `json:"group_name,omitempty"`
	IDType             string                     `json:"id_type"`
	IsDeviceBased      bool                       `json:"is_device_based"`
	Passed             bool                       `json:"passed"`
	IsExperimentActive bool                       `json:"is_experiment_active,omitempty"`
	IsUserInExperiment bool                       `json:"is_user_in_experiment,omitempty"`
	IsInLayer          bool                       `json:"is_in_layer,omitempty"`
	ExplicitParameters []string                   `json:"explicit_parameters,omitempty"`
	SecondaryExposures []events.SecondaryExposure `json:"secondary_exposures"`
}

// LayerInitEntry is one layer.
type LayerInitEntry struct {
	Name                          string                     `json:"name"`
	Value                         map[string]interface{}     `json:"value"`
	RuleID                        string                     `json:"rule_id"`
	GroupName                     string                     `json:"group_name,omitempty"`
	AllocatedExperimentName       string                     `json:"allocated_experiment_name,omitempty"`
	IsExperimentActive            bool                       `json:"is_experiment_active,omitempty"`
	IsUserInExperiment            bool                       `json:"is_user_in_experiment,omitempty"`
	ExplicitParameters            []string                   `json:"explicit_parameters"`
	SecondaryExposures            []events.SecondaryExposure `json:"secondary_exposures"`
	UndelegatedSecondaryExposures []events.SecondaryExposure `json:"undelegated_secondary_exposures"`
}

// ClientInitializeResponse bundles every evaluation for one user, consumed
// by client SDKs to bootstrap without further requests.
type ClientInitializeResponse struct {
	FeatureGates   map[string]GateInitEntry   `json:"feature_gates"`
	DynamicConfigs map[string]ConfigInitEntry `json:"dynamic_configs"`
	LayerConfigs   map[string]LayerInitEntry  `json:"layer_configs"`
	HasUpdates     bool                       `json:"has_updates"`
	Time           uint64                     `json:"time"`
	HashUsed       string                     `json:"hash_used"`
	User           map[string]interface{}     `json:"user"`
}

func hashName(name, algorithm string) string {
	switch algorithm {
	case "none":
		return name
	case "sha256":
		return hashing.Sha256Base64(name)
	default:
		return hashing.DJB2(name)
	}
}

// ClientInitializeResponse evaluates every eligible spec in data for u.
// Segment and holdout entities never appear; target-app filtering applies
// when opts carries a client SDK key the ruleset knows. Any evaluation error
// yields a blank has_updates=false response.
func (e *Evaluator) ClientInitializeResponse(
	data *specstore.Data,
	u *user.User,
	opts ClientInitializeOptions,
) *ClientInitializeResponse {
	algorithm := opts.HashAlgorithm
	if algorithm == "" {
		algorithm = "djb2"
	}
	appID, filterByApp := "", false
	if opts.ClientSDKKey != "" {
		appID, filterByApp = data.AppIDForSDKKey(opts.ClientSDKKey, hashing.DJB2(opts.ClientSDKKey))
	}

	resp := &ClientInitializeResponse{
		FeatureGates:   make(map[string]GateInitEntry),
		DynamicConfigs: make(map[string]ConfigInitEntry),
		LayerConfigs:   make(map[string]LayerInitEntry),
		HasUpdates:     true,
		Time:           data.Time,
		HashUsed:       algorithm,
		User:           u.Loggable(nil),
	}

	for name, spec := range data.FeatureGates {
		if skipInClientResponse(spec, appID, filterByApp) {
			continue
		}
		r := e.Evaluate(data, u, "gate", name)
		if r.Err != nil {
			return &ClientInitializeResponse{HasUpdates: false}
		}
		hashed := hashName(name, algorithm)
		resp.FeatureGates[hashed] = GateInitEntry{
			Name:               hashed,
			Value:              r.BoolValue,
			RuleID:             r.RuleID,
			IDType:             spec.IDType,
			SecondaryExposures: emptyIfNil(r.SecondaryExposures),
		}
	}

	for name, spec := range data.DynamicConfigs {
		if skipInClientResponse(spec, appID, filterByApp) {
			continue
		}
		r := e.Evaluate(data, u, "config", name)
		if r.Err != nil {
			return &ClientInitializeResponse{HasUpdates: false}
		}
		hashed := hashName(name, algorithm)
		entry := ConfigInitEntry{
			Name:               hashed,
			Value:              r.ValueMap(),
			RuleID:             r.RuleID,
			Group:              r.RuleID,
			GroupName:          r.GroupName,
			IDType:             spec.IDType,
			IsDeviceBased:      spec.IDType == "stableID",
			Passed:             r.BoolValue,
			SecondaryExposures: emptyIfNil(r.SecondaryExposures),
		}
		if spec.Entity == specstore.EntityExperiment || spec.Entity == specstore.EntityAutotune {
			entry.IsExperimentActive = r.IsExperimentActive
			entry.IsUserInExperiment = r.IsExperimentGroup
			if _, inLayer := data.ExperimentToLayer[name]; inLayer {
				entry.IsInLayer = true
				entry.ExplicitParameters = spec.ExplicitParameters
			}
		}
		resp.DynamicConfigs[hashed] = entry
	}

	for name, spec := range data.LayerConfigs {
		if skipInClientResponse(spec, appID, filterByApp) {
			continue
		}
		r := e.Evaluate(data, u, "layer", name)
		if r.Err != nil {
			return &ClientInitializeResponse{HasUpdates: false}
		}
		hashed := hashName(name, algorithm)
		explicit := spec.ExplicitParameters
		if r.ExplicitParameters != nil {
			explicit = r.ExplicitParameters
		}
		if explicit == nil {
			explicit = []string{}
		}
		resp.LayerConfigs[hashed] = LayerInitEntry{
			Name:                          hashed,
			Value:                         r.ValueMap(),
			RuleID:                        r.RuleID,
			GroupName:                     r.GroupName,
			AllocatedExperimentName:       r.AllocatedExperiment,
			IsExperimentActive:            r.IsExperimentActive,
			IsUserInExperiment:            r.IsExperimentGroup,
			ExplicitParameters:            explicit,
			SecondaryExposures:            emptyIfNil(r.SecondaryExposures),
			UndelegatedSecondaryExposures: emptyIfNil(r.UndelegatedSecondaryExposures),
		}
	}

	return resp
}

// skipInClientResponse filters entities that must never reach clients plus
// specs targeted at other apps.
func skipInClientResponse(spec *specstore.Spec, appID string, filterByApp bool) bool {
	switch spec.Entity {
	case specstore.EntitySegment, specstore.EntityHoldout:
		return true
	}
	if len(spec.TargetAppIDs) > 0 {
		if !filterByApp {
			return true
		}
		for _, id := range spec.TargetAppIDs {
			if id == appID {
				return false
			}
		}
		return true
	}
	return false
}

func emptyIfNil(s []events.SecondaryExposure) []events.SecondaryExposure {
	if s == nil {
		return []events.SecondaryExposure{}
	}
	return s
}
