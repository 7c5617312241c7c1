// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Statsig (https://www.statsig.com/).
// Copyright 2024 Statsig, Inc.

package diagnostics

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/statsig-io/statsig-server-core-sub001/internal/events"
	"github.com/statsig-io/statsig-server-core-sub001/internal/specstore"
)

func collect(r *Recorder) *[]events.Event {
	var got []events.Event
	r.SetSink(func(ev events.Event) { got = append(got, ev) })
	return &got
}

func TestEmitBuildsDiagnosticsEvent(t *testing.T) {
	r := NewRecorder()
	got := collect(r)

	r.Start(ContextInitialize, KeyOverall, "")
	r.Start(ContextInitialize, KeyDownloadConfigSpecs, "process")
	r.End(ContextInitialize, KeyDownloadConfigSpecs, "process", true)
	r.End(ContextInitialize, KeyOverall, "", true)
	r.Emit(ContextInitialize, nil)

	require.Len(t, *got, 1)
	ev := (*got)[0]
	require.Equal(t, events.DiagnosticsEventName, ev.EventName)
	require.Equal(t, "initialize", ev.Metadata["context"])
	require.Contains(t, ev.Metadata["markers"], `"key":"overall"`)
	require.Contains(t, ev.Metadata["markers"], `"success":true`)
}

func TestEmitClearsMarkers(t *testing.T) {
	r := NewRecorder()
	got := collect(r)

	r.Start(ContextConfigSync, KeyDownloadConfigSpecs, "")
	r.Emit(ContextConfigSync, nil)
	r.Emit(ContextConfigSync, nil)

	require.Len(t, *got, 1)
}

func TestSamplingRateFromRuleset(t *testing.T) {
	data, err := specstore.ParseData([]byte(`{"has_updates":true,"time":1,"diagnostics":{"config_sync":0}}`))
	require.NoError(t, err)

	r := NewRecorder()
	got := collect(r)
	var lastRate uint64
	r.sampler = func(rate uint64) bool {
		lastRate = rate
		return rate > 0
	}

	r.Start(ContextConfigSync, KeyDownloadConfigSpecs, "")
	r.Emit(ContextConfigSync, data)
	require.Empty(t, *got)
	require.Equal(t, uint64(0), lastRate)

	// initialize defaults to always-sampled when the payload has no entry
	r.Start(ContextInitialize, KeyOverall, "")
	r.Emit(ContextInitialize, data)
	require.Len(t, *got, 1)
	require.Equal(t, uint64(sampleMax), lastRate)
}

func TestRequestFinishedAttachesToActiveContext(t *testing.T) {
	r := NewRecorder()
	got := collect(r)

	r.SetActiveContext(ContextInitialize)
	r.RequestFinished("download_config_specs", 200, 0, nil)
	r.RequestFinished("download_config_specs", 503, 1, errors.New("unavailable"))
	r.RequestFinished("log_event", 200, 0, nil)
	r.Emit(ContextInitialize, nil)

	require.Len(t, *got, 1)
	markers := (*got)[0].Metadata["markers"]
	require.Contains(t, markers, `"statusCode":200`)
	require.Contains(t, markers, `"statusCode":503`)
	require.Contains(t, markers, `"success":false`)
	require.NotContains(t, markers, "log_event")
}

func TestMarkerCap(t *testing.T) {
	r := NewRecorder()
	for i := 0; i < maxMarkersPerContext*2; i++ {
		r.Start(ContextConfigSync, KeyDownloadConfigSpecs, "")
	}
	r.mu.Lock()
	n := len(r.markers[ContextConfigSync])
	r.mu.Unlock()
	require.Equal(t, maxMarkersPerContext, n)
}
