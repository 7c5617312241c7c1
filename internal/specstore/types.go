// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Statsig (https://www.statsig.com/).
// Copyright 2024 Statsig, Inc.

// Package specstore holds the parsed ruleset and the atomically swappable
// snapshot the evaluator reads from.
package specstore

import (
	"fmt"
	"regexp"
	"strings"

	jsoniter "github.com/json-iterator/go"

	"github.com/statsig-io/statsig-server-core-sub001/internal/dynamic"
	"github.com/statsig-io/statsig-server-core-sub001/internal/log"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Entity kinds a Spec can describe.
const (
	EntityFeatureGate   = "feature_gate"
	EntityDynamicConfig = "dynamic_config"
	EntityExperiment    = "experiment"
	EntityLayer         = "layer"
	EntitySegment       = "segment"
	EntityHoldout       = "holdout"
	EntityAutotune      = "autotune"
)

// Spec is one gate, dynamic config, experiment or layer.
type Spec struct {
	Name                string        `json:"name"`
	Type                string        `json:"type"`
	Entity              string        `json:"entity"`
	Salt                string        `json:"salt"`
	Enabled             bool          `json:"enabled"`
	DefaultValue        dynamic.Value `json:"defaultValue"`
	Rules               []Rule        `json:"rules"`
	IDType              string        `json:"idType"`
	ExplicitParameters  []string      `json:"explicitParameters"`
	HasSharedParams     bool          `json:"hasSharedParams"`
	IsActive            *bool         `json:"isActive"`
	Version             *uint32       `json:"version"`
	TargetAppIDs        []string      `json:"targetAppIDs"`
	ForwardAllExposures bool          `json:"forwardAllExposures"`
}

// Rule is one ordered entry in a Spec. Conditions hold ids into the shared
// condition map.
type Rule struct {
	Name              string        `json:"name"`
	ID                string        `json:"id"`
	Salt              string        `json:"salt"`
	GroupName         string        `json:"groupName"`
	PassPercentage    float64       `json:"passPercentage"`
	Conditions        []string      `json:"conditions"`
	ReturnValue       dynamic.Value `json:"returnValue"`
	IDType            string        `json:"idType"`
	ConfigDelegate    string        `json:"configDelegate"`
	IsExperimentGroup bool          `json:"isExperimentGroup"`
	SamplingRate      *uint64       `json:"samplingRate"`
}

// Condition is a single check shared between rules through the condition map.
type Condition struct {
	Type             string                   `json:"type"`
	Operator         string                   `json:"operator"`
	Field            string                   `json:"field"`
	TargetValue      dynamic.Value            `json:"targetValue"`
	AdditionalValues map[string]dynamic.Value `json:"additionalValues"`
	IDType           string                   `json:"idType"`

	// derived at parse time
	compiledRegex *regexp.Regexp
	loweredSet    map[string]struct{}
	exactSet      map[string]struct{}
}

// CompiledRegex returns the precompiled pattern for str_matches conditions,
// or nil when the pattern failed to compile or the operator is not a match.
func (c *Condition) CompiledRegex() *regexp.Regexp { return c.compiledRegex }

// InLoweredSet reports whether the lowercase form of s is one of the target
// values. Only populated for membership operators.
func (c *Condition) InLoweredSet(s string) bool {
	_, ok := c.loweredSet[strings.ToLower(s)]
	return ok
}

// InExactSet reports whether s is exactly one of the target values.
func (c *Condition) InExactSet(s string) bool {
	_, ok := c.exactSet[s]
	return ok
}

func (c *Condition) derive() error {
	switch c.Operator {
	case "str_matches":
		if s := c.TargetValue.StringValue; s != nil {
			re, err := regexp.Compile(*s)
			if err != nil {
				return fmt.Errorf("str_matches pattern %q: %w", *s, err)
			}
			c.compiledRegex = re
		}
	case "any", "none", "str_contains_any", "str_contains_none",
		"any_case_sensitive", "none_case_sensitive":
		if arr := c.TargetValue.ArrayValue; arr != nil {
			c.loweredSet = make(map[string]struct{}, len(arr))
			c.exactSet = make(map[string]struct{}, len(arr))
			for i := range arr {
				s := arr[i].String()
				c.loweredSet[strings.ToLower(s)] = struct{}{}
				c.exactSet[s] = struct{}{}
			}
		}
	}
	return nil
}

// IDListMeta describes one id list advertised by /v1/get_id_lists.
type IDListMeta struct {
	Size         int64  `json:"size"`
	URL          string `json:"url"`
	FileID       string `json:"fileID"`
	CreationTime int64  `json:"creationTime"`
}

// Data is the full parsed DCS payload: everything one sync delivers.
type Data struct {
	HasUpdates            bool                     `json:"has_updates"`
	Time                  uint64                   `json:"time"`
	Checksum              string                   `json:"checksum"`
	CompanyID             string                   `json:"company_id"`
	DefaultEnvironment    string                   `json:"default_environment"`
	AppID                 string                   `json:"app_id"`
	SDKKeysToAppIDs       map[string]string        `json:"sdk_keys_to_app_ids"`
	HashedSDKKeysToAppIDs map[string]string        `json:"hashed_sdk_keys_to_app_ids"`
	FeatureGates          map[string]*Spec         `json:"feature_gates"`
	DynamicConfigs        map[string]*Spec         `json:"dynamic_configs"`
	LayerConfigs          map[string]*Spec         `json:"layer_configs"`
	ConditionMap          map[string]*Condition    `json:"condition_map"`
	ExperimentToLayer     map[string]string        `json:"experiment_to_layer"`
	SDKConfigs            map[string]dynamic.Value `json:"sdk_configs"`
	SDKFlags              map[string]bool          `json:"sdk_flags"`
	IDLists               map[string]bool          `json:"id_lists"`
	Diagnostics           map[string]uint64        `json:"diagnostics"`
	ParamStores           jsoniter.RawMessage      `json:"param_stores,omitempty"`
	CMABConfigs           jsoniter.RawMessage      `json:"cmab_configs,omitempty"`
	Overrides             jsoniter.RawMessage      `json:"overrides,omitempty"`
	SessionReplayInfo     jsoniter.RawMessage      `json:"session_replay_info,omitempty"`
}

// ParseData decodes a DCS response body. A short-form has_updates=false body
// parses to a Data with HasUpdates false and no content. Conditions with
// malformed derived state (a bad regex) do not fail the whole payload; the
// condition is left uncompiled and the evaluator treats it as failing.
func ParseData(body []byte) (*Data, error) {
	var d Data
	if err := json.Unmarshal(body, &d); err != nil {
		return nil, fmt.Errorf("parsing specs response: %w", err)
	}
	for name, spec := range d.FeatureGates {
		if spec.Name == "" {
			spec.Name = name
		}
	}
	for name, spec := range d.DynamicConfigs {
		if spec.Name == "" {
			spec.Name = name
		}
	}
	for name, spec := range d.LayerConfigs {
		if spec.Name == "" {
			spec.Name = name
		}
	}
	for id, cond := range d.ConditionMap {
		if err := cond.derive(); err != nil {
			// one bad condition must not poison the update
			log.Warn("specstore: condition %s: %v", id, err)
		}
	}
	return &d, nil
}

// Serialize re-encodes the data, used by the file adapter write-back path.
func (d *Data) Serialize() ([]byte, error) {
	return json.Marshal(d)
}

// SpecForType returns the spec named name in the map for specType, one of
// "gate", "config" or "layer".
func (d *Data) SpecForType(specType, name string) *Spec {
	switch specType {
	case "gate":
		return d.FeatureGates[name]
	case "config":
		return d.DynamicConfigs[name]
	case "layer":
		return d.LayerConfigs[name]
	}
	return nil
}

// AppIDForSDKKey resolves the app id a client SDK key maps to, consulting the
// plain map first and then the djb2-hashed one. The second return is false
// when the key is unknown.
func (d *Data) AppIDForSDKKey(clientKey string, hashed string) (string, bool) {
	if id, ok := d.SDKKeysToAppIDs[clientKey]; ok {
		return id, true
	}
	if id, ok := d.HashedSDKKeysToAppIDs[hashed]; ok {
		return id, true
	}
	return "", false
}
