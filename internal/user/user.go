// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Statsig (https://www.statsig.com/).
// Copyright 2024 Statsig, Inc.

// Package user holds the caller-identity record evaluations run against.
// Users are created by the host application and read-only inside the SDK.
package user

import (
	"sort"
	"strings"

	"github.com/statsig-io/statsig-server-core-sub001/internal/dynamic"
	"github.com/statsig-io/statsig-server-core-sub001/internal/hashing"
)

// User identifies a caller. At least one of UserID and CustomIDs must be
// set. PrivateAttributes participate in evaluation but are stripped from
// every logged exposure.
type User struct {
	UserID            string
	Email             string
	IP                string
	UserAgent         string
	Country           string
	Locale            string
	AppVersion        string
	CustomIDs         map[string]string
	Custom            map[string]interface{}
	PrivateAttributes map[string]interface{}
	Environment       map[string]string
}

// UnitID resolves the bucketing identity named by idType. An empty or
// "userid" idType resolves to UserID; anything else is looked up in
// CustomIDs case-insensitively.
func (u *User) UnitID(idType string) string {
	lowered := strings.ToLower(idType)
	if lowered == "" || lowered == "userid" {
		return u.UserID
	}
	if u.CustomIDs == nil {
		return ""
	}
	if v, ok := u.CustomIDs[idType]; ok {
		return v
	}
	for k, v := range u.CustomIDs {
		if strings.ToLower(k) == lowered {
			return v
		}
	}
	return ""
}

// Attribute fetches the user field named by field, checking the canonical
// top-level fields first, then Custom, then PrivateAttributes. Missing
// fields return an absent value.
func (u *User) Attribute(field string) dynamic.Value {
	switch strings.ToLower(field) {
	case "userid", "user_id":
		return nonEmpty(u.UserID)
	case "email":
		return nonEmpty(u.Email)
	case "ip", "ipaddress", "ip_address":
		return nonEmpty(u.IP)
	case "useragent", "user_agent":
		return nonEmpty(u.UserAgent)
	case "country":
		return nonEmpty(u.Country)
	case "locale":
		return nonEmpty(u.Locale)
	case "appversion", "app_version":
		return nonEmpty(u.AppVersion)
	}
	if v, ok := lookup(u.Custom, field); ok {
		return v
	}
	if v, ok := lookup(u.PrivateAttributes, field); ok {
		return v
	}
	return dynamic.Value{}
}

// EnvironmentValue fetches from the user's environment mapping, matching
// field case-insensitively.
func (u *User) EnvironmentValue(field string) dynamic.Value {
	if u.Environment == nil {
		return dynamic.Value{}
	}
	if v, ok := u.Environment[field]; ok {
		return dynamic.New(v)
	}
	lowered := strings.ToLower(field)
	for k, v := range u.Environment {
		if strings.ToLower(k) == lowered {
			return dynamic.New(v)
		}
	}
	return dynamic.Value{}
}

func lookup(m map[string]interface{}, field string) (dynamic.Value, bool) {
	if m == nil {
		return dynamic.Value{}, false
	}
	if v, ok := m[field]; ok {
		return dynamic.New(v), true
	}
	lowered := strings.ToLower(field)
	for k, v := range m {
		if strings.ToLower(k) == lowered {
			return dynamic.New(v), true
		}
	}
	return dynamic.Value{}, false
}

func nonEmpty(s string) dynamic.Value {
	if s == "" {
		return dynamic.Value{}
	}
	return dynamic.New(s)
}

// IdentityHash returns a stable hash of the user's identity fields, used in
// exposure dedupe and sampling keys.
func (u *User) IdentityHash() uint64 {
	var b strings.Builder
	b.WriteString(u.UserID)
	if len(u.CustomIDs) > 0 {
		keys := make([]string, 0, len(u.CustomIDs))
		for k := range u.CustomIDs {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			b.WriteString("|")
			b.WriteString(k)
			b.WriteString("=")
			b.WriteString(u.CustomIDs[k])
		}
	}
	return hashing.Stable64String(b.String())
}

// Loggable produces the wire form of the user for event payloads:
// PrivateAttributes are stripped, globalCustom is merged under Custom with
// the user's own values winning, and the environment rides along as
// statsigEnvironment.
func (u *User) Loggable(globalCustom map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, 8)
	if u.UserID != "" {
		out["userID"] = u.UserID
	}
	if len(u.CustomIDs) > 0 {
		out["customIDs"] = u.CustomIDs
	}
	for k, v := range map[string]string{
		"email":      u.Email,
		"ip":         u.IP,
		"userAgent":  u.UserAgent,
		"country":    u.Country,
		"locale":     u.Locale,
		"appVersion": u.AppVersion,
	} {
		if v != "" {
			out[k] = v
		}
	}
	if len(u.Custom) > 0 || len(globalCustom) > 0 {
		custom := make(map[string]interface{}, len(u.Custom)+len(globalCustom))
		for k, v := range globalCustom {
			custom[k] = v
		}
		for k, v := range u.Custom {
			custom[k] = v
		}
		out["custom"] = custom
	}
	if len(u.Environment) > 0 {
		out["statsigEnvironment"] = u.Environment
	}
	return out
}
