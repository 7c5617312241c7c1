// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Statsig (https://www.statsig.com/).
// Copyright 2024 Statsig, Inc.

// Package evaluator implements the deterministic rule engine. Evaluation is
// side-effect free: it reads one ruleset snapshot and the user, and returns a
// value plus the full exposure trail.
package evaluator

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/statsig-io/statsig-server-core-sub001/internal/dynamic"
	"github.com/statsig-io/statsig-server-core-sub001/internal/events"
	"github.com/statsig-io/statsig-server-core-sub001/internal/hashing"
	"github.com/statsig-io/statsig-server-core-sub001/internal/log"
	"github.com/statsig-io/statsig-server-core-sub001/internal/specstore"
	"github.com/statsig-io/statsig-server-core-sub001/internal/user"
)

// maxDepth bounds nested gate evaluation.
const maxDepth = 64

// Rule ids used when no rule produced the result.
const (
	RuleIDDisabled = "disabled"
	RuleIDDefault  = "default"
)

// SegmentResolver answers id-list membership questions. The id-list adapter
// implements it.
type SegmentResolver interface {
	ListContains(listName, hashedID string) bool
}

// OverrideAdapter is consulted before normal evaluation and may substitute
// the result for any (spec, user).
type OverrideAdapter interface {
	GateOverride(u *user.User, name string) (value bool, ok bool)
	ConfigOverride(u *user.User, name string) (value map[string]interface{}, ok bool)
	LayerOverride(u *user.User, name string) (value map[string]interface{}, ok bool)
}

// Options tunes optional attribute resolution.
type Options struct {
	Segments SegmentResolver
	Override OverrideAdapter
	// UserAgentParsing derives os_name/os_version/browser_name/
	// browser_version from the user agent when the user lacks the field.
	UserAgentParsing bool
	// CountryLookup derives the country from the user's IP when the user
	// lacks it.
	CountryLookup bool
}

// Evaluator maps (user, spec) to a Result against a given snapshot.
type Evaluator struct {
	segments SegmentResolver
	override OverrideAdapter
	ua       bool
	country  bool
}

// New builds an evaluator.
func New(opts Options) *Evaluator {
	return &Evaluator{
		segments: opts.Segments,
		override: opts.Override,
		ua:       opts.UserAgentParsing,
		country:  opts.CountryLookup,
	}
}

type secKey struct {
	gate   string
	value  bool
	ruleID string
}

// evalContext carries the per-call state threaded through nested gates.
type evalContext struct {
	data  *specstore.Data
	user  *user.User
	depth int
	sec   []events.SecondaryExposure
	seen  map[secKey]struct{}
}

func (c *evalContext) addSecondaryExposure(gate string, value bool, ruleID string) {
	// segment gates are implementation detail; they never surface
	if strings.HasPrefix(gate, "segment:") {
		return
	}
	k := secKey{gate: gate, value: value, ruleID: ruleID}
	if c.seen == nil {
		c.seen = make(map[secKey]struct{})
	}
	if _, dup := c.seen[k]; dup {
		return
	}
	c.seen[k] = struct{}{}
	c.sec = append(c.sec, events.SecondaryExposure{
		Gate:      gate,
		GateValue: strconv.FormatBool(value),
		RuleID:    ruleID,
	})
}

// Evaluate resolves the spec named name of specType ("gate", "config" or
// "layer") for u against data. It never panics; internal failures come back
// as a Result with Err set and default values.
func (e *Evaluator) Evaluate(data *specstore.Data, u *user.User, specType, name string) Result {
	if r, ok := e.overrideResult(u, specType, name); ok {
		return r
	}
	spec := data.SpecForType(specType, name)
	if spec == nil {
		return unrecognizedResult()
	}
	ctx := &evalContext{data: data, user: u}
	r := e.evaluateSpec(ctx, spec)
	r.SecondaryExposures = ctx.sec
	if r.UndelegatedSecondaryExposures == nil {
		r.UndelegatedSecondaryExposures = r.SecondaryExposures
	}
	if r.Err != nil {
		log.Warn("evaluator: %s %q: %v", specType, name, r.Err)
	}
	return r
}

func (e *Evaluator) overrideResult(u *user.User, specType, name string) (Result, bool) {
	if e.override == nil {
		return Result{}, false
	}
	switch specType {
	case "gate":
		if v, ok := e.override.GateOverride(u, name); ok {
			return Result{BoolValue: v, RuleID: "override", OverrideReason: "LocalOverride"}, true
		}
	case "config":
		if v, ok := e.override.ConfigOverride(u, name); ok {
			r := Result{RuleID: "override", OverrideReason: "LocalOverride"}
			r.setValue(dynamic.New(mapToTree(v)))
			return r, true
		}
	case "layer":
		if v, ok := e.override.LayerOverride(u, name); ok {
			r := Result{RuleID: "override", OverrideReason: "LocalOverride"}
			r.setValue(dynamic.New(mapToTree(v)))
			return r, true
		}
	}
	return Result{}, false
}

func mapToTree(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return map[string]interface{}{}
	}
	return m
}

func (e *Evaluator) evaluateSpec(ctx *evalContext, spec *specstore.Spec) Result {
	if ctx.depth >= maxDepth {
		return errorResult(ErrStackOverflow)
	}
	ctx.depth++
	defer func() { ctx.depth-- }()

	r := specResult(spec)
	if !spec.Enabled {
		r.setValue(spec.DefaultValue)
		r.BoolValue = false
		r.RuleID = RuleIDDisabled
		return r
	}

	for i := range spec.Rules {
		rule := &spec.Rules[i]
		matched, err := e.evaluateRule(ctx, rule)
		if err != nil {
			return errorResult(err)
		}
		if !matched {
			continue
		}

		if rule.ConfigDelegate != "" {
			if delegated, ok := e.evaluateDelegate(ctx, spec, rule); ok {
				return delegated
			}
		}

		r.RuleID = rule.ID
		r.GroupName = rule.GroupName
		r.IsExperimentGroup = rule.IsExperimentGroup
		r.SamplingRate = rule.SamplingRate
		if e.passesPercentage(ctx, spec, rule) {
			r.setValue(rule.ReturnValue)
		} else {
			r.setValue(spec.DefaultValue)
			r.BoolValue = false
		}
		return r
	}

	r.setValue(spec.DefaultValue)
	r.BoolValue = false
	r.RuleID = RuleIDDefault
	return r
}

// evaluateDelegate runs the experiment a layer rule delegates to. The layer
// inherits the delegate's outcome; exposures gathered before delegation are
// preserved separately for parameters the delegate does not own.
func (e *Evaluator) evaluateDelegate(ctx *evalContext, spec *specstore.Spec, rule *specstore.Rule) (Result, bool) {
	delegate := ctx.data.DynamicConfigs[rule.ConfigDelegate]
	if delegate == nil {
		return Result{}, false
	}
	undelegated := make([]events.SecondaryExposure, len(ctx.sec))
	copy(undelegated, ctx.sec)

	r := e.evaluateSpec(ctx, delegate)
	if r.Err != nil {
		return r, true
	}
	r.ConfigDelegate = rule.ConfigDelegate
	r.AllocatedExperiment = rule.ConfigDelegate
	r.ExplicitParameters = delegate.ExplicitParameters
	r.UndelegatedSecondaryExposures = undelegated
	r.IsInLayer = true
	if spec.Version != nil {
		r.Version = spec.Version
	}
	return r, true
}

func (e *Evaluator) evaluateRule(ctx *evalContext, rule *specstore.Rule) (bool, error) {
	for _, condID := range rule.Conditions {
		cond := ctx.data.ConditionMap[condID]
		if cond == nil {
			return false, fmt.Errorf("%w: missing condition %q", ErrEvaluation, condID)
		}
		ok, err := e.evaluateCondition(ctx, cond)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

func (e *Evaluator) evaluateCondition(ctx *evalContext, cond *specstore.Condition) (bool, error) {
	var subject dynamic.Value
	switch cond.Type {
	case "public":
		return true, nil

	case "pass_gate":
		res, err := e.nestedGate(ctx, cond.TargetValue.String())
		if err != nil {
			return false, err
		}
		return res, nil
	case "fail_gate":
		res, err := e.nestedGate(ctx, cond.TargetValue.String())
		if err != nil {
			return false, err
		}
		return !res, nil
	case "multi_pass_gate":
		return e.multiGate(ctx, cond, true)
	case "multi_fail_gate":
		return e.multiGate(ctx, cond, false)

	case "segment", "passes_segment":
		return e.segmentMembership(ctx, cond)
	case "fails_segment":
		res, err := e.segmentMembership(ctx, cond)
		if err != nil {
			return false, err
		}
		return !res, nil

	case "user_field", "custom_field":
		subject = ctx.user.Attribute(cond.Field)
	case "environment_field":
		subject = ctx.user.EnvironmentValue(cond.Field)
	case "current_time":
		subject = dynamic.New(time.Now().UnixMilli())
	case "unit_id":
		if id := ctx.user.UnitID(cond.IDType); id != "" {
			subject = dynamic.New(id)
		}
	case "ip_based":
		subject = e.ipAttribute(ctx.user, cond.Field)
	case "ua_based":
		subject = e.uaAttribute(ctx.user, cond.Field)

	default:
		return false, fmt.Errorf("%w: unsupported condition type %q", ErrEvaluation, cond.Type)
	}
	return e.applyOperator(subject, cond)
}

// segmentMembership resolves a segment condition: a segment gate in the
// ruleset wins; otherwise membership comes from the id-list resolver.
func (e *Evaluator) segmentMembership(ctx *evalContext, cond *specstore.Condition) (bool, error) {
	target := cond.TargetValue.String()
	name := target
	if ctx.data.FeatureGates[name] == nil && !strings.HasPrefix(name, "segment:") {
		name = "segment:" + target
	}
	if ctx.data.FeatureGates[name] != nil {
		return e.nestedGate(ctx, name)
	}
	if e.segments == nil {
		return false, nil
	}
	id := ctx.user.UnitID(cond.IDType)
	if id == "" {
		return false, nil
	}
	return e.segments.ListContains(target, hashing.IDListEntry(id)), nil
}

// nestedGate evaluates another gate by name and records the secondary
// exposure. An unknown gate fails closed and still leaves an exposure.
func (e *Evaluator) nestedGate(ctx *evalContext, name string) (bool, error) {
	gate := ctx.data.FeatureGates[name]
	if gate == nil {
		ctx.addSecondaryExposure(name, false, "")
		return false, nil
	}
	r := e.evaluateSpec(ctx, gate)
	if r.Err != nil {
		return false, r.Err
	}
	ctx.addSecondaryExposure(name, r.BoolValue, r.RuleID)
	return r.BoolValue, nil
}

// multiGate passes when any listed gate evaluates to want.
func (e *Evaluator) multiGate(ctx *evalContext, cond *specstore.Condition, want bool) (bool, error) {
	for _, t := range cond.TargetValue.ArrayValue {
		res, err := e.nestedGate(ctx, t.String())
		if err != nil {
			return false, err
		}
		if res == want {
			return true, nil
		}
	}
	return false, nil
}

// passesPercentage buckets the user's unit id into [0, 10000) and compares
// against pass_percentage * 100. An absent unit id never passes a partial
// rollout.
func (e *Evaluator) passesPercentage(ctx *evalContext, spec *specstore.Spec, rule *specstore.Rule) bool {
	if rule.PassPercentage >= 100 {
		return true
	}
	if rule.PassPercentage <= 0 {
		return false
	}
	idType := rule.IDType
	if idType == "" {
		idType = spec.IDType
	}
	unitID := ctx.user.UnitID(idType)
	if unitID == "" {
		return false
	}
	bucket := hashing.EvaluationBucket(spec.Salt + "." + rule.Salt + "." + unitID)
	return float64(bucket) < rule.PassPercentage*100
}
