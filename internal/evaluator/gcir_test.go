// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Statsig (https://www.statsig.com/).
// Copyright 2024 Statsig, Inc.

package evaluator

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/statsig-io/statsig-server-core-sub001/internal/hashing"
	"github.com/statsig-io/statsig-server-core-sub001/internal/specstore"
	"github.com/statsig-io/statsig-server-core-sub001/internal/user"
)

func TestClientInitializeResponse(t *testing.T) {
	e := New(Options{})
	d := testData(t)
	u := &user.User{UserID: "a_user", Email: "dev@statsig.com"}

	resp := e.ClientInitializeResponse(d, u, ClientInitializeOptions{})
	require.True(t, resp.HasUpdates)
	require.Equal(t, uint64(1729), resp.Time)
	require.Equal(t, "djb2", resp.HashUsed)
	require.Equal(t, "a_user", resp.User["userID"])

	gateKey := hashing.DJB2("test_public")
	gate, ok := resp.FeatureGates[gateKey]
	require.True(t, ok)
	require.True(t, gate.Value)
	require.Equal(t, "rule_public_id", gate.RuleID)

	// segment entities never reach clients
	_, ok = resp.FeatureGates[hashing.DJB2("segment:seg1")]
	require.False(t, ok)

	expKey := hashing.DJB2("exp_a")
	exp, ok := resp.DynamicConfigs[expKey]
	require.True(t, ok)
	require.Equal(t, "exp_value", exp.Value["param"])
	require.True(t, exp.IsUserInExperiment)
	require.True(t, exp.IsExperimentActive)
	require.True(t, exp.IsInLayer)

	layerKey := hashing.DJB2("layer_a")
	layer, ok := resp.LayerConfigs[layerKey]
	require.True(t, ok)
	require.Equal(t, "exp_a", layer.AllocatedExperimentName)
	require.Equal(t, []string{"param"}, layer.ExplicitParameters)
	require.Len(t, layer.UndelegatedSecondaryExposures, 1)
}

func TestClientInitializeResponseHashAlgorithms(t *testing.T) {
	e := New(Options{})
	d := testData(t)
	u := &user.User{UserID: "a_user"}

	plain := e.ClientInitializeResponse(d, u, ClientInitializeOptions{HashAlgorithm: "none"})
	_, ok := plain.FeatureGates["test_public"]
	require.True(t, ok)
	require.Equal(t, "none", plain.HashUsed)

	sha := e.ClientInitializeResponse(d, u, ClientInitializeOptions{HashAlgorithm: "sha256"})
	_, ok = sha.FeatureGates[hashing.Sha256Base64("test_public")]
	require.True(t, ok)
}

func TestTargetAppFiltering(t *testing.T) {
	d, err := specstore.ParseData([]byte(`{
	  "has_updates": true, "time": 5,
	  "sdk_keys_to_app_ids": {"client-sdk-key": "app_1"},
	  "feature_gates": {
	    "for_app_1": {
	      "type": "feature_gate", "entity": "feature_gate", "salt": "s",
	      "enabled": true, "defaultValue": false, "idType": "userID",
	      "targetAppIDs": ["app_1"],
	      "rules": []
	    },
	    "for_app_2": {
	      "type": "feature_gate", "entity": "feature_gate", "salt": "s",
	      "enabled": true, "defaultValue": false, "idType": "userID",
	      "targetAppIDs": ["app_2"],
	      "rules": []
	    },
	    "for_everyone": {
	      "type": "feature_gate", "entity": "feature_gate", "salt": "s",
	      "enabled": true, "defaultValue": false, "idType": "userID",
	      "rules": []
	    }
	  }
	}`))
	require.NoError(t, err)

	e := New(Options{})
	u := &user.User{UserID: "u"}

	resp := e.ClientInitializeResponse(d, u, ClientInitializeOptions{ClientSDKKey: "client-sdk-key", HashAlgorithm: "none"})
	_, ok := resp.FeatureGates["for_app_1"]
	require.True(t, ok)
	_, ok = resp.FeatureGates["for_app_2"]
	require.False(t, ok)
	_, ok = resp.FeatureGates["for_everyone"]
	require.True(t, ok)

	// unknown client key drops every app-targeted spec
	resp = e.ClientInitializeResponse(d, u, ClientInitializeOptions{ClientSDKKey: "other-key", HashAlgorithm: "none"})
	_, ok = resp.FeatureGates["for_app_1"]
	require.False(t, ok)
	_, ok = resp.FeatureGates["for_everyone"]
	require.True(t, ok)
}

func TestEvaluationErrorYieldsBlankResponse(t *testing.T) {
	d, err := specstore.ParseData([]byte(`{
	  "has_updates": true, "time": 5,
	  "feature_gates": {
	    "broken": {
	      "type": "feature_gate", "entity": "feature_gate", "salt": "s",
	      "enabled": true, "defaultValue": false, "idType": "userID",
	      "rules": [
	        {"name": "r", "id": "r", "salt": "s", "passPercentage": 100,
	         "conditions": ["missing_condition"], "returnValue": true,
	         "idType": "userID"}
	      ]
	    }
	  }
	}`))
	require.NoError(t, err)

	e := New(Options{})
	resp := e.ClientInitializeResponse(d, &user.User{UserID: "u"}, ClientInitializeOptions{})
	require.False(t, resp.HasUpdates)
	require.Empty(t, resp.FeatureGates)
}
