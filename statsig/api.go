// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Statsig (https://www.statsig.com/).
// Copyright 2024 Statsig, Inc.

package statsig

import (
	"time"

	"github.com/statsig-io/statsig-server-core-sub001/internal/evaluator"
	"github.com/statsig-io/statsig-server-core-sub001/internal/events"
	"github.com/statsig-io/statsig-server-core-sub001/internal/sampling"
	"github.com/statsig-io/statsig-server-core-sub001/internal/specstore"
	"github.com/statsig-io/statsig-server-core-sub001/internal/user"
)

// CheckGate evaluates the gate named name for u and logs the exposure.
func (s *Statsig) CheckGate(u User, name string) bool {
	return s.GetFeatureGate(u, name).Value
}

// CheckGateWithExposureLoggingDisabled evaluates without logging.
func (s *Statsig) CheckGateWithExposureLoggingDisabled(u User, name string) bool {
	return s.featureGate(u, name, false, false).Value
}

// GetFeatureGate returns the full gate outcome and logs the exposure.
func (s *Statsig) GetFeatureGate(u User, name string) FeatureGate {
	return s.featureGate(u, name, true, false)
}

// ManuallyLogGateExposure logs the exposure a prior
// CheckGateWithExposureLoggingDisabled suppressed.
func (s *Statsig) ManuallyLogGateExposure(u User, name string) {
	s.featureGate(u, name, true, true)
}

func (s *Statsig) featureGate(u User, name string, logIt, manual bool) FeatureGate {
	nu := s.normalizeUser(u)
	snap := s.store.Current()
	r := s.eval.Evaluate(snap.Data, nu, "gate", name)
	if logIt {
		s.logExposure(nu, name, &r, snap, manual, events.NewGateExposure)
	}
	return FeatureGate{
		Name:    name,
		Value:   r.BoolValue,
		RuleID:  r.RuleID,
		IDType:  r.IDType,
		Details: s.details(snap, &r),
	}
}

// GetDynamicConfig returns the dynamic config named name and logs the
// exposure.
func (s *Statsig) GetDynamicConfig(u User, name string) DynamicConfig {
	r, snap, nu := s.configResult(u, name, nil)
	s.logExposure(nu, name, &r, snap, false, events.NewConfigExposure)
	return newDynamicConfig(name, &r, s.details(snap, &r))
}

// GetDynamicConfigWithExposureLoggingDisabled evaluates without logging.
func (s *Statsig) GetDynamicConfigWithExposureLoggingDisabled(u User, name string) DynamicConfig {
	r, snap, _ := s.configResult(u, name, nil)
	return newDynamicConfig(name, &r, s.details(snap, &r))
}

// ManuallyLogDynamicConfigExposure logs a previously suppressed config
// exposure.
func (s *Statsig) ManuallyLogDynamicConfigExposure(u User, name string) {
	r, snap, nu := s.configResult(u, name, nil)
	s.logExposure(nu, name, &r, snap, true, events.NewConfigExposure)
}

// GetExperiment returns the experiment named name and logs the exposure.
func (s *Statsig) GetExperiment(u User, name string) Experiment {
	return s.GetExperimentWithOptions(u, name, GetExperimentOptions{})
}

// GetExperimentWithOptions returns the experiment with sticky bucketing
// applied when opts carries persisted values.
func (s *Statsig) GetExperimentWithOptions(u User, name string, opts GetExperimentOptions) Experiment {
	r, snap, nu := s.configResult(u, name, opts.UserPersistedValues)
	s.logExposure(nu, name, &r, snap, false, events.NewConfigExposure)
	return newExperiment(name, &r, s.details(snap, &r))
}

// GetExperimentWithExposureLoggingDisabled evaluates without logging.
func (s *Statsig) GetExperimentWithExposureLoggingDisabled(u User, name string) Experiment {
	r, snap, _ := s.configResult(u, name, nil)
	return newExperiment(name, &r, s.details(snap, &r))
}

// ManuallyLogExperimentExposure logs a previously suppressed experiment
// exposure.
func (s *Statsig) ManuallyLogExperimentExposure(u User, name string) {
	r, snap, nu := s.configResult(u, name, nil)
	s.logExposure(nu, name, &r, snap, true, events.NewConfigExposure)
}

// GetLayer returns the layer named name. Exposures are logged per parameter
// access through Layer.Get.
func (s *Statsig) GetLayer(u User, name string) Layer {
	return s.layer(u, name, true)
}

// GetLayerWithExposureLoggingDisabled returns the layer with parameter
// exposure logging off.
func (s *Statsig) GetLayerWithExposureLoggingDisabled(u User, name string) Layer {
	return s.layer(u, name, false)
}

// ManuallyLogLayerParameterExposure logs one parameter exposure for the
// layer named name.
func (s *Statsig) ManuallyLogLayerParameterExposure(u User, name, param string) {
	nu := s.normalizeUser(u)
	snap := s.store.Current()
	r := s.eval.Evaluate(snap.Data, nu, "layer", name)
	s.logLayerParam(nu, name, param, &r, snap, true)
}

func (s *Statsig) layer(u User, name string, logIt bool) Layer {
	nu := s.normalizeUser(u)
	snap := s.store.Current()
	r := s.eval.Evaluate(snap.Data, nu, "layer", name)

	explicit := make(map[string]struct{}, len(r.ExplicitParameters))
	for _, p := range r.ExplicitParameters {
		explicit[p] = struct{}{}
	}
	l := Layer{
		Name:                name,
		RuleID:              r.RuleID,
		GroupName:           r.GroupName,
		AllocatedExperiment: r.AllocatedExperiment,
		Details:             s.details(snap, &r),
		value:               r.ValueMap(),
		explicit:            explicit,
	}
	if logIt {
		l.logExposure = func(param string, _ bool) {
			s.logLayerParam(nu, name, param, &r, snap, false)
		}
	}
	return l
}

// GetClientInitializeResponse evaluates every eligible spec for u, the
// bundle client SDKs bootstrap from.
func (s *Statsig) GetClientInitializeResponse(u User, opts ...GCIROptions) *ClientInitializeResponse {
	var o GCIROptions
	if len(opts) > 0 {
		o = opts[0]
	}
	nu := s.normalizeUser(u)
	snap := s.store.Current()
	if !s.store.Initialized() {
		return &ClientInitializeResponse{HasUpdates: false}
	}
	return s.eval.ClientInitializeResponse(snap.Data, nu, evaluator.ClientInitializeOptions{
		ClientSDKKey:  o.ClientSDKKey,
		HashAlgorithm: o.HashAlgorithm,
	})
}

// LogEvent enqueues a custom event.
func (s *Statsig) LogEvent(u User, eventName string, value interface{}, metadata map[string]string) {
	nu := s.normalizeUser(u)
	s.logger.Enqueue(events.Event{
		EventName: eventName,
		User:      nu.Loggable(s.cfg.globalCustomFields),
		Value:     value,
		Metadata:  metadata,
		Time:      time.Now().UnixMilli(),
	})
}

func (s *Statsig) configResult(u User, name string, persisted UserPersistedValues) (evaluator.Result, *specstore.Snapshot, *user.User) {
	nu := s.normalizeUser(u)
	snap := s.store.Current()
	var r evaluator.Result
	if persisted != nil || s.cfg.persistentStorage != nil {
		r = s.eval.EvaluateWithPersisted(snap.Data, nu, "config", name, persisted, s.cfg.persistentStorage)
	} else {
		r = s.eval.Evaluate(snap.Data, nu, "config", name)
	}
	return r, snap, nu
}

// normalizeUser copies u, filling the environment tier default when the
// user carries none.
func (s *Statsig) normalizeUser(u User) *user.User {
	if u.Environment == nil && s.cfg.environment != "" {
		u.Environment = map[string]string{"tier": s.cfg.environment}
	}
	return &u
}

func (s *Statsig) details(snap *specstore.Snapshot, r *evaluator.Result) EvaluationDetails {
	return EvaluationDetails{
		Reason:     evaluationReason(snap, r),
		LCUT:       snap.LCUT,
		ReceivedAt: snap.ReceivedAt(),
	}
}

func evaluationReason(snap *specstore.Snapshot, r *evaluator.Result) string {
	if r.OverrideReason != "" {
		return r.OverrideReason
	}
	if snap.Source == specstore.SourceUninitialized {
		return "Uninitialized"
	}
	suffix := "Recognized"
	switch {
	case r.Err != nil:
		suffix = "Error"
	case r.Unrecognized:
		suffix = "Unrecognized"
	}
	return string(snap.Source) + ":" + suffix
}

// logExposure runs the sampling decision and enqueues one gate/config
// exposure built by mk.
func (s *Statsig) logExposure(
	nu *user.User,
	name string,
	r *evaluator.Result,
	snap *specstore.Snapshot,
	manual bool,
	mk func(map[string]interface{}, events.ExposureInfo, sampling.Decision) events.Event,
) {
	if s.cfg.disableAllLogging {
		return
	}
	d := s.sampler.Decide(sampling.Input{
		SpecName:     name,
		RuleID:       r.RuleID,
		ValueHash:    sampling.ValueHash(r.BoolValue, r.JSONValue),
		UserHash:     nu.IdentityHash(),
		SamplingRate: r.SamplingRate,
		ForwardAll:   r.ForwardAllExposures,
	}, snap.Data)
	if !d.Log {
		return
	}
	info := s.exposureInfo(name, r, snap, manual)
	s.logger.Enqueue(mk(nu.Loggable(s.cfg.globalCustomFields), info, d))
}

func (s *Statsig) logLayerParam(
	nu *user.User,
	name, param string,
	r *evaluator.Result,
	snap *specstore.Snapshot,
	manual bool,
) {
	if s.cfg.disableAllLogging {
		return
	}
	explicit := false
	for _, p := range r.ExplicitParameters {
		if p == param {
			explicit = true
			break
		}
	}
	d := s.sampler.Decide(sampling.Input{
		SpecName:     name + ":" + param,
		RuleID:       r.RuleID,
		ValueHash:    sampling.ValueHash(r.BoolValue, r.JSONValue),
		UserHash:     nu.IdentityHash(),
		SamplingRate: r.SamplingRate,
		ForwardAll:   r.ForwardAllExposures,
	}, snap.Data)
	if !d.Log {
		return
	}
	info := s.exposureInfo(name, r, snap, manual)
	info.ParameterName = param
	info.IsExplicitParameter = &explicit
	if explicit {
		info.AllocatedExperiment = r.AllocatedExperiment
	} else {
		info.SecondaryExposures = r.UndelegatedSecondaryExposures
	}
	s.logger.Enqueue(events.NewLayerExposure(nu.Loggable(s.cfg.globalCustomFields), info, d))
}

func (s *Statsig) exposureInfo(name string, r *evaluator.Result, snap *specstore.Snapshot, manual bool) events.ExposureInfo {
	passed := r.BoolValue
	return events.ExposureInfo{
		SpecName:           name,
		RuleID:             r.RuleID,
		Reason:             evaluationReason(snap, r),
		LCUT:               snap.LCUT,
		ReceivedAt:         snap.ReceivedAt(),
		Version:            r.Version,
		GateValue:          r.BoolValue,
		RulePassed:         &passed,
		SecondaryExposures: r.SecondaryExposures,
		IsManual:           manual,
	}
}

func newDynamicConfig(name string, r *evaluator.Result, d EvaluationDetails) DynamicConfig {
	return DynamicConfig{
		Name:    name,
		Value:   r.ValueMap(),
		RuleID:  r.RuleID,
		IDType:  r.IDType,
		Details: d,
	}
}

func newExperiment(name string, r *evaluator.Result, d EvaluationDetails) Experiment {
	return Experiment{
		Name:      name,
		Value:     r.ValueMap(),
		RuleID:    r.RuleID,
		GroupName: r.GroupName,
		IDType:    r.IDType,
		Details:   d,
	}
}
