// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Statsig (https://www.statsig.com/).
// Copyright 2024 Statsig, Inc.

package evaluator

import (
	"strconv"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/statsig-io/statsig-server-core-sub001/internal/specstore"
	"github.com/statsig-io/statsig-server-core-sub001/internal/user"
)

const testDCS = `{
  "has_updates": true,
  "time": 1729,
  "feature_gates": {
    "test_public": {
      "type": "feature_gate", "entity": "feature_gate", "salt": "salt_public",
      "enabled": true, "defaultValue": false, "idType": "userID",
      "rules": [
        {"name": "public", "id": "rule_public_id", "salt": "rule_salt",
         "passPercentage": 100, "conditions": ["cond_public"],
         "returnValue": true, "idType": "userID"}
      ]
    },
    "test_50": {
      "type": "feature_gate", "entity": "feature_gate", "salt": "S",
      "enabled": true, "defaultValue": false, "idType": "userID",
      "rules": [
        {"name": "half", "id": "rule_50_id", "salt": "R",
         "passPercentage": 50, "conditions": ["cond_public"],
         "returnValue": true, "idType": "userID"}
      ]
    },
    "test_disabled": {
      "type": "feature_gate", "entity": "feature_gate", "salt": "x",
      "enabled": false, "defaultValue": false, "idType": "userID",
      "rules": [
        {"name": "public", "id": "r", "salt": "r", "passPercentage": 100,
         "conditions": ["cond_public"], "returnValue": true, "idType": "userID"}
      ]
    },
    "test_email": {
      "type": "feature_gate", "entity": "feature_gate", "salt": "email_salt",
      "enabled": true, "defaultValue": false, "idType": "userID",
      "rules": [
        {"name": "employees", "id": "rule_email_id", "salt": "s",
         "passPercentage": 100, "conditions": ["cond_email"],
         "returnValue": true, "idType": "userID"}
      ]
    },
    "test_nested": {
      "type": "feature_gate", "entity": "feature_gate", "salt": "nested_salt",
      "enabled": true, "defaultValue": false, "idType": "userID",
      "rules": [
        {"name": "nested", "id": "rule_nested_id", "salt": "s",
         "passPercentage": 100,
         "conditions": ["cond_pass_email", "cond_pass_email_again"],
         "returnValue": true, "idType": "userID"}
      ]
    },
    "test_fail_gate": {
      "type": "feature_gate", "entity": "feature_gate", "salt": "fg_salt",
      "enabled": true, "defaultValue": false, "idType": "userID",
      "rules": [
        {"name": "not_employee", "id": "rule_fail_id", "salt": "s",
         "passPercentage": 100, "conditions": ["cond_fail_email"],
         "returnValue": true, "idType": "userID"}
      ]
    },
    "test_version": {
      "type": "feature_gate", "entity": "feature_gate", "salt": "v_salt",
      "enabled": true, "defaultValue": false, "idType": "userID",
      "rules": [
        {"name": "new_app", "id": "rule_version_id", "salt": "s",
         "passPercentage": 100, "conditions": ["cond_version"],
         "returnValue": true, "idType": "userID"}
      ]
    },
    "test_env": {
      "type": "feature_gate", "entity": "feature_gate", "salt": "env_salt",
      "enabled": true, "defaultValue": false, "idType": "userID",
      "rules": [
        {"name": "prod", "id": "rule_env_id", "salt": "s",
         "passPercentage": 100, "conditions": ["cond_env"],
         "returnValue": true, "idType": "userID"}
      ]
    },
    "test_employee_id": {
      "type": "feature_gate", "entity": "feature_gate", "salt": "emp_salt",
      "enabled": true, "defaultValue": false, "idType": "employeeID",
      "rules": [
        {"name": "allowed", "id": "rule_emp_id", "salt": "s",
         "passPercentage": 100, "conditions": ["cond_unit"],
         "returnValue": true, "idType": "employeeID"}
      ]
    },
    "test_loop": {
      "type": "feature_gate", "entity": "feature_gate", "salt": "loop_salt",
      "enabled": true, "defaultValue": false, "idType": "userID",
      "rules": [
        {"name": "loop", "id": "rule_loop_id", "salt": "s",
         "passPercentage": 100, "conditions": ["cond_loop"],
         "returnValue": true, "idType": "userID"}
      ]
    },
    "segment:seg1": {
      "type": "feature_gate", "entity": "segment", "salt": "seg_salt",
      "enabled": true, "defaultValue": false, "idType": "userID",
      "rules": [
        {"name": "public", "id": "rule_seg_id", "salt": "s",
         "passPercentage": 100, "conditions": ["cond_public"],
         "returnValue": true, "idType": "userID"}
      ]
    },
    "test_segment_gate": {
      "type": "feature_gate", "entity": "feature_gate", "salt": "sg_salt",
      "enabled": true, "defaultValue": false, "idType": "userID",
      "rules": [
        {"name": "in_seg", "id": "rule_sg_id", "salt": "s",
         "passPercentage": 100, "conditions": ["cond_pass_segment"],
         "returnValue": true, "idType": "userID"}
      ]
    },
    "test_passes_segment": {
      "type": "feature_gate", "entity": "feature_gate", "salt": "ps_salt",
      "enabled": true, "defaultValue": false, "idType": "userID",
      "rules": [
        {"name": "member", "id": "rule_ps_id", "salt": "s",
         "passPercentage": 100, "conditions": ["cond_passes_seg"],
         "returnValue": true, "idType": "userID"}
      ]
    },
    "test_fails_segment": {
      "type": "feature_gate", "entity": "feature_gate", "salt": "fs_salt",
      "enabled": true, "defaultValue": false, "idType": "userID",
      "rules": [
        {"name": "outsider", "id": "rule_fs_id", "salt": "s",
         "passPercentage": 100, "conditions": ["cond_fails_seg"],
         "returnValue": true, "idType": "userID"}
      ]
    },
    "test_segment_list": {
      "type": "feature_gate", "entity": "feature_gate", "salt": "sl_salt",
      "enabled": true, "defaultValue": false, "idType": "userID",
      "rules": [
        {"name": "listed", "id": "rule_sl_id", "salt": "s",
         "passPercentage": 100, "conditions": ["cond_seg_list"],
         "returnValue": true, "idType": "userID"}
      ]
    }
  },
  "dynamic_configs": {
    "exp_a": {
      "type": "dynamic_config", "entity": "experiment", "salt": "exp_salt",
      "enabled": true, "defaultValue": {"param": "control_default"},
      "idType": "userID", "isActive": true, "version": 7,
      "explicitParameters": ["param"],
      "rules": [
        {"name": "Control", "id": "rule_exp_id", "salt": "s",
         "passPercentage": 100, "conditions": ["cond_pass_public"],
         "returnValue": {"param": "exp_value"}, "idType": "userID",
         "groupName": "Control", "isExperimentGroup": true}
      ]
    }
  },
  "layer_configs": {
    "layer_a": {
      "type": "layer", "entity": "layer", "salt": "layer_salt",
      "enabled": true, "defaultValue": {"param": "layer_default"},
      "idType": "userID", "explicitParameters": [],
      "rules": [
        {"name": "delegate", "id": "rule_delegate_id", "salt": "s",
         "passPercentage": 100, "conditions": ["cond_pass_email"],
         "returnValue": {}, "idType": "userID", "configDelegate": "exp_a"}
      ]
    }
  },
  "experiment_to_layer": {"exp_a": "layer_a"},
  "condition_map": {
    "cond_public": {"type": "public"},
    "cond_email": {"type": "user_field", "operator": "str_contains_any",
                   "field": "email", "targetValue": ["@statsig.com"]},
    "cond_pass_email": {"type": "pass_gate", "targetValue": "test_email"},
    "cond_pass_email_again": {"type": "pass_gate", "targetValue": "test_email"},
    "cond_fail_email": {"type": "fail_gate", "targetValue": "test_email"},
    "cond_pass_public": {"type": "pass_gate", "targetValue": "test_public"},
    "cond_version": {"type": "user_field", "operator": "version_gt",
                     "field": "app_version", "targetValue": "1.2"},
    "cond_env": {"type": "environment_field", "operator": "any",
                 "field": "tier", "targetValue": ["production"]},
    "cond_unit": {"type": "unit_id", "operator": "any",
                  "idType": "employeeID", "targetValue": ["emp_7"]},
    "cond_loop": {"type": "pass_gate", "targetValue": "test_loop"},
    "cond_pass_segment": {"type": "pass_gate", "targetValue": "segment:seg1"},
    "cond_passes_seg": {"type": "passes_segment", "targetValue": "segment:seg1"},
    "cond_fails_seg": {"type": "fails_segment", "targetValue": "seg1"},
    "cond_seg_list": {"type": "passes_segment", "idType": "userID",
                      "targetValue": "list_1"}
  }
}`

func testData(t *testing.T) *specstore.Data {
	t.Helper()
	d, err := specstore.ParseData([]byte(testDCS))
	require.NoError(t, err)
	return d
}

func TestPublicGatePasses(t *testing.T) {
	e := New(Options{})
	d := testData(t)
	u := &user.User{UserID: "a_user"}

	r := e.Evaluate(d, u, "gate", "test_public")
	require.True(t, r.BoolValue)
	require.Equal(t, "rule_public_id", r.RuleID)
	require.NoError(t, r.Err)
}

func TestUnrecognizedGate(t *testing.T) {
	e := New(Options{})
	r := e.Evaluate(testData(t), &user.User{UserID: "a_user"}, "gate", "no_such_gate")
	require.False(t, r.BoolValue)
	require.True(t, r.Unrecognized)
	require.Empty(t, r.RuleID)
}

func TestDisabledGate(t *testing.T) {
	e := New(Options{})
	r := e.Evaluate(testData(t), &user.User{UserID: "a_user"}, "gate", "test_disabled")
	require.False(t, r.BoolValue)
	require.Equal(t, RuleIDDisabled, r.RuleID)
}

func TestNoRuleMatchesReturnsDefault(t *testing.T) {
	e := New(Options{})
	r := e.Evaluate(testData(t), &user.User{UserID: "x", Email: "x@example.com"}, "gate", "test_email")
	require.False(t, r.BoolValue)
	require.Equal(t, RuleIDDefault, r.RuleID)
}

func TestPercentageBucketVector(t *testing.T) {
	// sha256("S.R.1") as u128 big-endian mod 10000 == 3776, under 50%
	e := New(Options{})
	d := testData(t)

	r := e.Evaluate(d, &user.User{UserID: "1"}, "gate", "test_50")
	require.True(t, r.BoolValue)
	require.Equal(t, "rule_50_id", r.RuleID)
}

func TestPercentageDistribution(t *testing.T) {
	e := New(Options{})
	d := testData(t)

	passed := 0
	for i := 0; i < 10_000; i++ {
		r := e.Evaluate(d, &user.User{UserID: strconv.Itoa(i)}, "gate", "test_50")
		if r.BoolValue {
			passed++
		}
	}
	require.Equal(t, 5000, passed)
}

func TestEmptyUnitIDFailsPartialRollout(t *testing.T) {
	e := New(Options{})
	r := e.Evaluate(testData(t), &user.User{CustomIDs: map[string]string{"other": "x"}}, "gate", "test_50")
	require.False(t, r.BoolValue)
	require.Equal(t, "rule_50_id", r.RuleID)
}

func TestNestedGateSecondaryExposures(t *testing.T) {
	e := New(Options{})
	u := &user.User{UserID: "a_user", Email: "dev@statsig.com"}

	r := e.Evaluate(testData(t), u, "gate", "test_nested")
	require.True(t, r.BoolValue)
	// two conditions on the same gate dedupe to one exposure
	require.Len(t, r.SecondaryExposures, 1)
	require.Equal(t, "test_email", r.SecondaryExposures[0].Gate)
	require.Equal(t, "true", r.SecondaryExposures[0].GateValue)
	require.Equal(t, "rule_email_id", r.SecondaryExposures[0].RuleID)
}

func TestFailGate(t *testing.T) {
	e := New(Options{})
	d := testData(t)

	r := e.Evaluate(d, &user.User{UserID: "u", Email: "u@other.com"}, "gate", "test_fail_gate")
	require.True(t, r.BoolValue)
	require.Len(t, r.SecondaryExposures, 1)
	require.Equal(t, "false", r.SecondaryExposures[0].GateValue)

	r = e.Evaluate(d, &user.User{UserID: "u", Email: "u@statsig.com"}, "gate", "test_fail_gate")
	require.False(t, r.BoolValue)
}

func TestSegmentGateLeavesNoExposure(t *testing.T) {
	e := New(Options{})
	r := e.Evaluate(testData(t), &user.User{UserID: "u"}, "gate", "test_segment_gate")
	require.True(t, r.BoolValue)
	require.Empty(t, r.SecondaryExposures)
}

func TestPassesSegmentCondition(t *testing.T) {
	// seg1 is public, so every user is a member
	e := New(Options{})
	r := e.Evaluate(testData(t), &user.User{UserID: "u"}, "gate", "test_passes_segment")
	require.True(t, r.BoolValue)
	require.NoError(t, r.Err)
	require.Empty(t, r.SecondaryExposures)
}

func TestFailsSegmentCondition(t *testing.T) {
	// the bare target resolves to the segment:seg1 gate; membership holds,
	// so the rule never matches
	e := New(Options{})
	r := e.Evaluate(testData(t), &user.User{UserID: "u"}, "gate", "test_fails_segment")
	require.False(t, r.BoolValue)
	require.Equal(t, RuleIDDefault, r.RuleID)
	require.NoError(t, r.Err)
	require.Empty(t, r.SecondaryExposures)
}

func TestPassesSegmentFallsBackToIDList(t *testing.T) {
	seg := &fakeSegments{lists: map[string]map[string]struct{}{
		"list_1": {"Q1Wha2PJ": {}},
	}}
	e := New(Options{Segments: seg})
	d := testData(t)

	r := e.Evaluate(d, &user.User{UserID: "a_user"}, "gate", "test_segment_list")
	require.True(t, r.BoolValue)
	require.Empty(t, r.SecondaryExposures)

	r = e.Evaluate(d, &user.User{UserID: "b_user"}, "gate", "test_segment_list")
	require.False(t, r.BoolValue)

	// no resolver means no membership
	r = New(Options{}).Evaluate(d, &user.User{UserID: "a_user"}, "gate", "test_segment_list")
	require.False(t, r.BoolValue)
	require.NoError(t, r.Err)
}

func TestUnknownNestedGateFailsClosedWithExposure(t *testing.T) {
	e := New(Options{})
	d, err := specstore.ParseData([]byte(`{
	  "has_updates": true, "time": 1,
	  "feature_gates": {
	    "test_dangling": {
	      "type": "feature_gate", "entity": "feature_gate", "salt": "s",
	      "enabled": true, "defaultValue": false, "idType": "userID",
	      "rules": [
	        {"name": "dangling", "id": "rule_dangling_id", "salt": "s",
	         "passPercentage": 100, "conditions": ["cond_dangling"],
	         "returnValue": true, "idType": "userID"}
	      ]
	    }
	  },
	  "condition_map": {
	    "cond_dangling": {"type": "pass_gate", "targetValue": "gone_gate"}
	  }
	}`))
	require.NoError(t, err)

	r := e.Evaluate(d, &user.User{UserID: "u"}, "gate", "test_dangling")
	require.False(t, r.BoolValue)
	require.NoError(t, r.Err)
	require.Len(t, r.SecondaryExposures, 1)
	require.Equal(t, "gone_gate", r.SecondaryExposures[0].Gate)
	require.Equal(t, "false", r.SecondaryExposures[0].GateValue)
	require.Empty(t, r.SecondaryExposures[0].RuleID)
}

func TestVersionCondition(t *testing.T) {
	e := New(Options{})
	d := testData(t)

	r := e.Evaluate(d, &user.User{UserID: "u", AppVersion: "1.3.0"}, "gate", "test_version")
	require.True(t, r.BoolValue)
	r = e.Evaluate(d, &user.User{UserID: "u", AppVersion: "1.2"}, "gate", "test_version")
	require.False(t, r.BoolValue)
	r = e.Evaluate(d, &user.User{UserID: "u"}, "gate", "test_version")
	require.False(t, r.BoolValue)
}

func TestEnvironmentCondition(t *testing.T) {
	e := New(Options{})
	d := testData(t)

	r := e.Evaluate(d, &user.User{UserID: "u", Environment: map[string]string{"tier": "production"}}, "gate", "test_env")
	require.True(t, r.BoolValue)
	r = e.Evaluate(d, &user.User{UserID: "u", Environment: map[string]string{"tier": "staging"}}, "gate", "test_env")
	require.False(t, r.BoolValue)
}

func TestUnitIDCondition(t *testing.T) {
	e := New(Options{})
	d := testData(t)

	r := e.Evaluate(d, &user.User{UserID: "u", CustomIDs: map[string]string{"employeeID": "emp_7"}}, "gate", "test_employee_id")
	require.True(t, r.BoolValue)
	r = e.Evaluate(d, &user.User{UserID: "u", CustomIDs: map[string]string{"employeeID": "emp_8"}}, "gate", "test_employee_id")
	require.False(t, r.BoolValue)
}

func TestRecursionBound(t *testing.T) {
	e := New(Options{})
	r := e.Evaluate(testData(t), &user.User{UserID: "u"}, "gate", "test_loop")
	require.ErrorIs(t, r.Err, ErrStackOverflow)
	require.False(t, r.BoolValue)
	require.Empty(t, r.RuleID)
}

func TestLayerDelegation(t *testing.T) {
	e := New(Options{})
	u := &user.User{UserID: "a_user", Email: "dev@statsig.com"}

	r := e.Evaluate(testData(t), u, "layer", "layer_a")
	require.NoError(t, r.Err)
	require.Equal(t, "rule_exp_id", r.RuleID)
	require.Equal(t, "exp_a", r.AllocatedExperiment)
	require.Equal(t, "exp_value", r.ValueMap()["param"])
	require.Equal(t, []string{"param"}, r.ExplicitParameters)
	require.True(t, r.IsInLayer)
	require.True(t, r.IsExperimentGroup)

	// the delegate's nested gate shows in the full trail but not in the
	// undelegated one
	require.Len(t, r.SecondaryExposures, 2)
	require.Len(t, r.UndelegatedSecondaryExposures, 1)
	require.Equal(t, "test_email", r.UndelegatedSecondaryExposures[0].Gate)
}

func TestExperimentEvaluation(t *testing.T) {
	e := New(Options{})
	r := e.Evaluate(testData(t), &user.User{UserID: "a_user"}, "config", "exp_a")
	require.Equal(t, "rule_exp_id", r.RuleID)
	require.Equal(t, "Control", r.GroupName)
	require.True(t, r.IsExperimentGroup)
	require.True(t, r.IsExperimentActive)
	require.Equal(t, "exp_value", r.ValueMap()["param"])
	require.Equal(t, uint32(7), *r.Version)
}

func TestDeterminismAcrossGoroutines(t *testing.T) {
	e := New(Options{})
	d := testData(t)
	u := &user.User{UserID: "a_user", Email: "dev@statsig.com"}

	want := e.Evaluate(d, u, "gate", "test_nested")
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				r := e.Evaluate(d, u, "gate", "test_nested")
				if r.BoolValue != want.BoolValue || r.RuleID != want.RuleID {
					t.Errorf("non-deterministic result: %v vs %v", r, want)
					return
				}
			}
		}()
	}
	wg.Wait()
}

func TestRoundTripEquivalence(t *testing.T) {
	e := New(Options{})
	d := testData(t)
	serialized, err := d.Serialize()
	require.NoError(t, err)
	d2, err := specstore.ParseData(serialized)
	require.NoError(t, err)

	users := []*user.User{
		{UserID: "a_user", Email: "dev@statsig.com"},
		{UserID: "1"},
		{UserID: "user-123", AppVersion: "1.3.0"},
	}
	for _, u := range users {
		for _, gate := range []string{"test_public", "test_50", "test_email", "test_nested", "test_version"} {
			a := e.Evaluate(d, u, "gate", gate)
			b := e.Evaluate(d2, u, "gate", gate)
			require.Equal(t, a.BoolValue, b.BoolValue, "%s / %s", u.UserID, gate)
			require.Equal(t, a.RuleID, b.RuleID)
		}
	}
}

func TestLocalOverride(t *testing.T) {
	ov := NewLocalOverrideAdapter()
	ov.SetGate("test_public", "", false)
	ov.SetGate("test_public", "special", true)
	e := New(Options{Override: ov})
	d := testData(t)

	r := e.Evaluate(d, &user.User{UserID: "a_user"}, "gate", "test_public")
	require.False(t, r.BoolValue)
	require.Equal(t, "LocalOverride", r.OverrideReason)

	r = e.Evaluate(d, &user.User{UserID: "special"}, "gate", "test_public")
	require.True(t, r.BoolValue)

	ov.RemoveGate("test_public")
	r = e.Evaluate(d, &user.User{UserID: "a_user"}, "gate", "test_public")
	require.True(t, r.BoolValue)
	require.Empty(t, r.OverrideReason)
}

type fakeSegments struct {
	lists map[string]map[string]struct{}
}

func (f *fakeSegments) ListContains(list, hashed string) bool {
	_, ok := f.lists[list][hashed]
	return ok
}

func TestInSegmentList(t *testing.T) {
	// base64(sha256("a_user"))[:8] == "Q1Wha2PJ"
	seg := &fakeSegments{lists: map[string]map[string]struct{}{
		"list_1": {"Q1Wha2PJ": {}},
	}}
	e := New(Options{Segments: seg})

	d, err := specstore.ParseData([]byte(`{
	  "has_updates": true, "time": 1,
	  "feature_gates": {
	    "test_list": {
	      "type": "feature_gate", "entity": "feature_gate", "salt": "s",
	      "enabled": true, "defaultValue": false, "idType": "userID",
	      "rules": [
	        {"name": "listed", "id": "rule_list_id", "salt": "s",
	         "passPercentage": 100, "conditions": ["cond_list"],
	         "returnValue": true, "idType": "userID"}
	      ]
	    }
	  },
	  "condition_map": {
	    "cond_list": {"type": "unit_id", "operator": "in_segment_list",
	                  "idType": "userID", "targetValue": "list_1"}
	  }
	}`))
	require.NoError(t, err)

	r := e.Evaluate(d, &user.User{UserID: "a_user"}, "gate", "test_list")
	require.True(t, r.BoolValue)
	r = e.Evaluate(d, &user.User{UserID: "b_user"}, "gate", "test_list")
	require.False(t, r.BoolValue)
}
