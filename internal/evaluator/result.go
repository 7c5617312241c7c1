// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Statsig (https://www.statsig.com/).
// Copyright 2024 Statsig, Inc.

package evaluator

import (
	"errors"

	"github.com/statsig-io/statsig-server-core-sub001/internal/dynamic"
	"github.com/statsig-io/statsig-server-core-sub001/internal/events"
	"github.com/statsig-io/statsig-server-core-sub001/internal/specstore"
)

// ErrStackOverflow reports that nested gate evaluation exceeded the depth
// bound.
var ErrStackOverflow = errors.New("evaluation recursion depth exceeded")

// ErrEvaluation reports a broken internal invariant, such as a rule
// referencing a condition missing from the condition map.
var ErrEvaluation = errors.New("evaluation error")

// Result is the full outcome of evaluating one spec for one user.
type Result struct {
	BoolValue bool
	JSONValue *dynamic.Value

	RuleID            string
	GroupName         string
	IDType            string
	IsExperimentGroup bool
	// IsExperimentActive mirrors the spec's is_active flag.
	IsExperimentActive bool
	IsInLayer          bool
	ExplicitParameters []string
	ConfigDelegate     string
	// AllocatedExperiment is set on layer results that delegated to an
	// experiment.
	AllocatedExperiment string

	SecondaryExposures []events.SecondaryExposure
	// UndelegatedSecondaryExposures holds the exposures accumulated before a
	// layer delegated, used for parameter accesses outside the delegate's
	// explicit parameters.
	UndelegatedSecondaryExposures []events.SecondaryExposure

	Version             *uint32
	SamplingRate        *uint64
	ForwardAllExposures bool

	// Unrecognized is set when the spec name is unknown to the snapshot.
	Unrecognized bool
	// OverrideReason annotates how the result bypassed normal evaluation,
	// "LocalOverride" or "Persisted".
	OverrideReason string
	// Err is set when evaluation aborted; the rest of the result holds
	// defaults.
	Err error
}

func unrecognizedResult() Result {
	v := dynamic.New(map[string]interface{}{})
	return Result{Unrecognized: true, JSONValue: &v}
}

func errorResult(err error) Result {
	v := dynamic.New(map[string]interface{}{})
	return Result{Err: err, JSONValue: &v}
}

// specResult seeds a result with the fields every outcome of spec shares.
func specResult(spec *specstore.Spec) Result {
	r := Result{
		IDType:              spec.IDType,
		Version:             spec.Version,
		ForwardAllExposures: spec.ForwardAllExposures,
		ExplicitParameters:  spec.ExplicitParameters,
	}
	if spec.IsActive != nil {
		r.IsExperimentActive = *spec.IsActive
	}
	return r
}

func (r *Result) setValue(v dynamic.Value) {
	if v.BoolValue != nil {
		r.BoolValue = *v.BoolValue
	}
	vv := v
	r.JSONValue = &vv
}

// ValueMap returns the object form of the result value, or an empty map.
func (r *Result) ValueMap() map[string]interface{} {
	if r.JSONValue == nil {
		return map[string]interface{}{}
	}
	if m, ok := r.JSONValue.Raw().(map[string]interface{}); ok {
		return m
	}
	return map[string]interface{}{}
}
