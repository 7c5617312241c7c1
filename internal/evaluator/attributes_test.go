// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Statsig (https://www.statsig.com/).
// Copyright 2024 Statsig, Inc.

package evaluator

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/statsig-io/statsig-server-core-sub001/internal/specstore"
	"github.com/statsig-io/statsig-server-core-sub001/internal/user"
)

const chromeOnMac = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) " +
	"AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

func uaData(t *testing.T) *specstore.Data {
	t.Helper()
	d, err := specstore.ParseData([]byte(`{
	  "has_updates": true, "time": 1,
	  "feature_gates": {
	    "test_browser": {
	      "type": "feature_gate", "entity": "feature_gate", "salt": "s",
	      "enabled": true, "defaultValue": false, "idType": "userID",
	      "rules": [
	        {"name": "chrome", "id": "rule_browser_id", "salt": "s",
	         "passPercentage": 100, "conditions": ["cond_browser"],
	         "returnValue": true, "idType": "userID"}
	      ]
	    },
	    "test_country": {
	      "type": "feature_gate", "entity": "feature_gate", "salt": "s",
	      "enabled": true, "defaultValue": false, "idType": "userID",
	      "rules": [
	        {"name": "us", "id": "rule_country_id", "salt": "s",
	         "passPercentage": 100, "conditions": ["cond_country"],
	         "returnValue": true, "idType": "userID"}
	      ]
	    }
	  },
	  "condition_map": {
	    "cond_browser": {"type": "ua_based", "operator": "any",
	                     "field": "browser_name", "targetValue": ["Chrome"]},
	    "cond_country": {"type": "ip_based", "operator": "any",
	                     "field": "country", "targetValue": ["US"]}
	  }
	}`))
	require.NoError(t, err)
	return d
}

func TestUserAgentParsing(t *testing.T) {
	d := uaData(t)
	u := &user.User{UserID: "u", UserAgent: chromeOnMac}

	enabled := New(Options{UserAgentParsing: true})
	r := enabled.Evaluate(d, u, "gate", "test_browser")
	require.True(t, r.BoolValue)

	disabled := New(Options{})
	r = disabled.Evaluate(d, u, "gate", "test_browser")
	require.False(t, r.BoolValue)
}

func TestExplicitFieldBeatsParsedUserAgent(t *testing.T) {
	d := uaData(t)
	e := New(Options{UserAgentParsing: true})
	u := &user.User{
		UserID:    "u",
		UserAgent: chromeOnMac,
		Custom:    map[string]interface{}{"browser_name": "Firefox"},
	}
	r := e.Evaluate(d, u, "gate", "test_browser")
	require.False(t, r.BoolValue)
}

func TestCountryLookup(t *testing.T) {
	d := uaData(t)
	u := &user.User{UserID: "u", IP: "8.8.8.8"}

	enabled := New(Options{CountryLookup: true})
	r := enabled.Evaluate(d, u, "gate", "test_country")
	require.True(t, r.BoolValue)

	disabled := New(Options{})
	r = disabled.Evaluate(d, u, "gate", "test_country")
	require.False(t, r.BoolValue)
}

func TestExplicitCountryBeatsLookup(t *testing.T) {
	d := uaData(t)
	e := New(Options{CountryLookup: true})
	u := &user.User{UserID: "u", IP: "8.8.8.8", Country: "DE"}
	r := e.Evaluate(d, u, "gate", "test_country")
	require.False(t, r.BoolValue)
}
