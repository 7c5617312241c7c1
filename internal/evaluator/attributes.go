// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Statsig (https://www.statsig.com/).
// Copyright 2024 Statsig, Inc.

package evaluator

import (
	"net"
	"strings"

	"github.com/mileusna/useragent"
	"github.com/phuslu/iploc"

	"github.com/statsig-io/statsig-server-core-sub001/internal/dynamic"
	"github.com/statsig-io/statsig-server-core-sub001/internal/user"
)

// ipAttribute resolves fields for ip_based conditions. When the user lacks a
// country and lookup is enabled, it is derived offline from the IP.
func (e *Evaluator) ipAttribute(u *user.User, field string) dynamic.Value {
	v := u.Attribute(field)
	if !v.Absent() {
		return v
	}
	if !e.country || strings.ToLower(field) != "country" || u.IP == "" {
		return v
	}
	ip := net.ParseIP(u.IP)
	if ip == nil {
		return dynamic.Value{}
	}
	country := string(iploc.Country(ip))
	if country == "" || country == "ZZ" {
		return dynamic.Value{}
	}
	return dynamic.New(country)
}

// uaAttribute resolves fields for ua_based conditions, parsing the user
// agent when the user does not carry the field directly.
func (e *Evaluator) uaAttribute(u *user.User, field string) dynamic.Value {
	v := u.Attribute(field)
	if !v.Absent() {
		return v
	}
	if !e.ua || u.UserAgent == "" {
		return v
	}
	parsed := useragent.Parse(u.UserAgent)
	var s string
	switch strings.ToLower(field) {
	case "os_name", "osname":
		s = parsed.OS
	case "os_version", "osversion":
		s = parsed.OSVersion
	case "browser_name", "browsername":
		s = parsed.Name
	case "browser_version", "browserversion":
		s = parsed.Version
	}
	if s == "" {
		return dynamic.Value{}
	}
	return dynamic.New(s)
}
