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

type fakeStorage struct {
	saved   map[string]map[string]StickyValues
	deleted []string
}

func newFakeStorage() *fakeStorage {
	return &fakeStorage{saved: make(map[string]map[string]StickyValues)}
}

func (f *fakeStorage) Load(key string) UserPersistedValues {
	return f.saved[key]
}

func (f *fakeStorage) Save(key, configName string, values StickyValues) {
	if f.saved[key] == nil {
		f.saved[key] = make(map[string]StickyValues)
	}
	f.saved[key][configName] = values
}

func (f *fakeStorage) Delete(key, configName string) {
	f.deleted = append(f.deleted, key+"/"+configName)
	delete(f.saved[key], configName)
}

func inactiveExpData(t *testing.T) *specstore.Data {
	t.Helper()
	d, err := specstore.ParseData([]byte(`{
	  "has_updates": true, "time": 2000,
	  "dynamic_configs": {
	    "exp_a": {
	      "type": "dynamic_config", "entity": "experiment", "salt": "exp_salt",
	      "enabled": true, "defaultValue": {"param": "control_default"},
	      "idType": "userID", "isActive": false,
	      "rules": [
	        {"name": "Test", "id": "rule_exp2_id", "salt": "s",
	         "passPercentage": 100, "conditions": ["cond_public"],
	         "returnValue": {"param": "new_value"}, "idType": "userID",
	         "groupName": "Test", "isExperimentGroup": true}
	      ]
	    }
	  },
	  "condition_map": {"cond_public": {"type": "public"}}
	}`))
	require.NoError(t, err)
	return d
}

func TestStickySaveOnActiveExperiment(t *testing.T) {
	e := New(Options{})
	storage := newFakeStorage()
	d := testData(t)
	u := &user.User{UserID: "a_user"}
	key := PersistedKey(u, "userID")

	r := e.EvaluateWithPersisted(d, u, "config", "exp_a", UserPersistedValues{}, storage)
	require.Equal(t, "exp_value", r.ValueMap()["param"])

	sv, ok := storage.saved[key]["exp_a"]
	require.True(t, ok)
	require.Equal(t, "rule_exp_id", sv.RuleID)
	require.Equal(t, "exp_value", sv.JSONValue["param"])
	require.Equal(t, int64(1729), sv.ConfigSyncTime)
}

func TestStickyValueWinsWhileSupplied(t *testing.T) {
	e := New(Options{})
	storage := newFakeStorage()
	u := &user.User{UserID: "a_user"}

	// first call against the active ruleset persists the assignment
	active := testData(t)
	e.EvaluateWithPersisted(active, u, "config", "exp_a", UserPersistedValues{}, storage)
	persisted := storage.Load(PersistedKey(u, "userID"))
	require.NotNil(t, persisted)

	// the experiment flips inactive and re-buckets, but the sticky value holds
	inactive := inactiveExpData(t)
	r := e.EvaluateWithPersisted(inactive, u, "config", "exp_a", persisted, storage)
	require.Equal(t, "exp_value", r.ValueMap()["param"])
	require.Equal(t, "rule_exp_id", r.RuleID)
	require.Equal(t, "Persisted", r.OverrideReason)
	require.Empty(t, storage.deleted)
}

func TestStickyDeletedWhenInactiveAndUnsupplied(t *testing.T) {
	e := New(Options{})
	storage := newFakeStorage()
	u := &user.User{UserID: "a_user"}

	active := testData(t)
	e.EvaluateWithPersisted(active, u, "config", "exp_a", UserPersistedValues{}, storage)

	inactive := inactiveExpData(t)
	r := e.EvaluateWithPersisted(inactive, u, "config", "exp_a", nil, storage)
	require.Equal(t, "new_value", r.ValueMap()["param"])
	require.Equal(t, []string{"a_user:userID/exp_a"}, storage.deleted)
}

func TestNoStorageFallsBackToPlainEvaluation(t *testing.T) {
	e := New(Options{})
	r := e.EvaluateWithPersisted(testData(t), &user.User{UserID: "a_user"}, "config", "exp_a", nil, nil)
	require.Equal(t, "rule_exp_id", r.RuleID)
}
