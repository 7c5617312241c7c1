// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Statsig (https://www.statsig.com/).
// Copyright 2024 Statsig, Inc.

package evaluator

import (
	"github.com/statsig-io/statsig-server-core-sub001/internal/dynamic"
	"github.com/statsig-io/statsig-server-core-sub001/internal/events"
	"github.com/statsig-io/statsig-server-core-sub001/internal/specstore"
	"github.com/statsig-io/statsig-server-core-sub001/internal/user"
)

// StickyValues is one persisted experiment assignment.
type StickyValues struct {
	Value                         bool                       `json:"value"`
	JSONValue                     map[string]interface{}     `json:"json_value"`
	RuleID                        string                     `json:"rule_id"`
	GroupName                     string                     `json:"group_name"`
	SecondaryExposures            []events.SecondaryExposure `json:"secondary_exposures"`
	UndelegatedSecondaryExposures []events.SecondaryExposure `json:"undelegated_secondary_exposures"`
	ConfigSyncTime                int64                      `json:"config_sync_time"`
	Time                          int64                      `json:"time"`
}

// UserPersistedValues maps config name to its sticky assignment for one
// storage key.
type UserPersistedValues map[string]StickyValues

// PersistentStorage is the sticky-bucketing plugin contract. Implementations
// are supplied by the host application.
type PersistentStorage interface {
	Load(key string) UserPersistedValues
	Save(key string, configName string, values StickyValues)
	Delete(key string, configName string)
}

// PersistedKey is the storage key for one user identity under idType.
func PersistedKey(u *user.User, idType string) string {
	return u.UnitID(idType) + ":" + idType
}

// EvaluateWithPersisted evaluates like Evaluate but applies sticky
// bucketing:
//   - a sticky entry in the supplied persisted map always wins;
//   - a fresh experiment-group assignment on an active experiment is saved;
//   - when the experiment went inactive and the caller supplied no persisted
//     map, the stored entry is deleted.
func (e *Evaluator) EvaluateWithPersisted(
	data *specstore.Data,
	u *user.User,
	specType, name string,
	persisted UserPersistedValues,
	storage PersistentStorage,
) Result {
	spec := data.SpecForType(specType, name)
	if spec == nil || storage == nil {
		return e.Evaluate(data, u, specType, name)
	}
	idType := spec.IDType
	key := PersistedKey(u, idType)

	active := spec.IsActive != nil && *spec.IsActive
	if persisted != nil {
		if sv, ok := persisted[name]; ok {
			return stickyResult(sv, spec)
		}
		r := e.Evaluate(data, u, specType, name)
		if active && r.IsExperimentGroup && r.Err == nil {
			storage.Save(key, name, toSticky(&r, data))
		}
		return r
	}

	r := e.Evaluate(data, u, specType, name)
	// a stored assignment outlives its experiment only until the next
	// unsupplied fetch; plain configs (no isActive) are left alone
	if spec.IsActive != nil && !active {
		storage.Delete(key, name)
	}
	return r
}

func toSticky(r *Result, data *specstore.Data) StickyValues {
	return StickyValues{
		Value:                         r.BoolValue,
		JSONValue:                     r.ValueMap(),
		RuleID:                        r.RuleID,
		GroupName:                     r.GroupName,
		SecondaryExposures:            r.SecondaryExposures,
		UndelegatedSecondaryExposures: r.UndelegatedSecondaryExposures,
		ConfigSyncTime:                int64(data.Time),
	}
}

func stickyResult(sv StickyValues, spec *specstore.Spec) Result {
	r := specResult(spec)
	r.BoolValue = sv.Value
	v := dynamic.New(sv.JSONValue)
	r.JSONValue = &v
	r.RuleID = sv.RuleID
	r.GroupName = sv.GroupName
	r.IsExperimentGroup = true
	r.SecondaryExposures = sv.SecondaryExposures
	r.UndelegatedSecondaryExposures = sv.UndelegatedSecondaryExposures
	r.OverrideReason = "Persisted"
	return r
}
