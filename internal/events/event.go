// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Statsig (https://www.statsig.com/).
// Copyright 2024 Statsig, Inc.

// Package events implements the exposure/event pipeline: preparation,
// bounded queueing, batch delivery with retries and graceful drain.
package events

import (
	"strconv"
	"time"

	"github.com/statsig-io/statsig-server-core-sub001/internal/sampling"
)

// Event names emitted by the SDK.
const (
	GateExposureEventName   = "statsig::gate_exposure"
	ConfigExposureEventName = "statsig::config_exposure"
	LayerExposureEventName  = "statsig::layer_exposure"
	DiagnosticsEventName    = "statsig::diagnostics"
)

// SecondaryExposure records one gate evaluated transitively during another
// evaluation.
type SecondaryExposure struct {
	Gate      string `json:"gate"`
	GateValue string `json:"gateValue"`
	RuleID    string `json:"ruleID"`
}

// Event is the wire form of one logged event.
type Event struct {
	EventName          string                 `json:"eventName"`
	User               map[string]interface{} `json:"user"`
	Value              interface{}            `json:"value,omitempty"`
	Metadata           map[string]string      `json:"metadata,omitempty"`
	SecondaryExposures []SecondaryExposure    `json:"secondaryExposures,omitempty"`
	Time               int64                  `json:"time"`
}

// ExposureInfo carries the evaluation facts an exposure event is built from.
// The facade fills it from an evaluation result.
type ExposureInfo struct {
	SpecName           string
	RuleID             string
	Reason             string
	LCUT               uint64
	ReceivedAt         int64
	Version            *uint32
	GateValue          bool
	RulePassed         *bool
	SecondaryExposures []SecondaryExposure
	IsManual           bool
	OverrideConfigName string

	// layer-only fields
	AllocatedExperiment string
	ParameterName       string
	IsExplicitParameter *bool
}

func (info *ExposureInfo) baseMetadata() map[string]string {
	md := map[string]string{
		"ruleID":     info.RuleID,
		"reason":     info.Reason,
		"lcut":       strconv.FormatUint(info.LCUT, 10),
		"receivedAt": strconv.FormatInt(info.ReceivedAt, 10),
	}
	if info.Version != nil {
		md["configVersion"] = strconv.FormatUint(uint64(*info.Version), 10)
	}
	if info.RulePassed != nil {
		md["rulePassed"] = strconv.FormatBool(*info.RulePassed)
	}
	if info.IsManual {
		md["isManualExposure"] = "true"
	}
	if info.OverrideConfigName != "" {
		md["overrideConfigName"] = info.OverrideConfigName
	}
	return md
}

func annotateSampling(md map[string]string, d sampling.Decision) {
	if d.Mode == "" {
		return
	}
	md["samplingMode"] = string(d.Mode)
	md["samplingRate"] = strconv.FormatUint(d.Rate, 10)
	md["shadowLogged"] = d.ShadowLogged
}

// NewGateExposure prepares a statsig::gate_exposure event.
func NewGateExposure(user map[string]interface{}, info ExposureInfo, d sampling.Decision) Event {
	md := info.baseMetadata()
	md["gate"] = info.SpecName
	md["gateValue"] = strconv.FormatBool(info.GateValue)
	annotateSampling(md, d)
	return Event{
		EventName:          GateExposureEventName,
		User:               user,
		Metadata:           md,
		SecondaryExposures: info.SecondaryExposures,
		Time:               time.Now().UnixMilli(),
	}
}

// NewConfigExposure prepares a statsig::config_exposure event for dynamic
// configs and experiments.
func NewConfigExposure(user map[string]interface{}, info ExposureInfo, d sampling.Decision) Event {
	md := info.baseMetadata()
	md["config"] = info.SpecName
	annotateSampling(md, d)
	return Event{
		EventName:          ConfigExposureEventName,
		User:               user,
		Metadata:           md,
		SecondaryExposures: info.SecondaryExposures,
		Time:               time.Now().UnixMilli(),
	}
}

// NewLayerExposure prepares a statsig::layer_exposure event for one
// parameter access.
func NewLayerExposure(user map[string]interface{}, info ExposureInfo, d sampling.Decision) Event {
	md := info.baseMetadata()
	md["config"] = info.SpecName
	md["allocatedExperiment"] = info.AllocatedExperiment
	md["parameterName"] = info.ParameterName
	if info.IsExplicitParameter != nil {
		md["isExplicitParameter"] = strconv.FormatBool(*info.IsExplicitParameter)
	}
	annotateSampling(md, d)
	return Event{
		EventName:          LayerExposureEventName,
		User:               user,
		Metadata:           md,
		SecondaryExposures: info.SecondaryExposures,
		Time:               time.Now().UnixMilli(),
	}
}
