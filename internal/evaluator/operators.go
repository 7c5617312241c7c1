// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Statsig (https://www.statsig.com/).
// Copyright 2024 Statsig, Inc.

package evaluator

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/statsig-io/statsig-server-core-sub001/internal/dynamic"
	"github.com/statsig-io/statsig-server-core-sub001/internal/hashing"
	"github.com/statsig-io/statsig-server-core-sub001/internal/specstore"
)

// applyOperator runs cond's operator against the resolved subject value.
// Missing subject fields arrive as an absent Value; membership operators see
// them as null, comparators fail.
func (e *Evaluator) applyOperator(val dynamic.Value, cond *specstore.Condition) (bool, error) {
	switch cond.Operator {
	case "any":
		return membershipMatch(val, cond, false), nil
	case "none":
		return !membershipMatch(val, cond, false), nil
	case "any_case_sensitive":
		return membershipMatch(val, cond, true), nil
	case "none_case_sensitive":
		return !membershipMatch(val, cond, true), nil

	case "str_contains_any":
		return stringMatchAny(val, cond, strings.Contains), nil
	case "str_contains_none":
		return !stringMatchAny(val, cond, strings.Contains), nil
	case "str_starts_with_any":
		return stringMatchAny(val, cond, strings.HasPrefix), nil
	case "str_ends_with_any":
		return stringMatchAny(val, cond, strings.HasSuffix), nil
	case "str_matches":
		re := cond.CompiledRegex()
		if re == nil || val.Absent() {
			return false, nil
		}
		return re.MatchString(val.String()), nil

	case "eq":
		return valuesEqual(val, cond.TargetValue), nil
	case "neq":
		return !valuesEqual(val, cond.TargetValue), nil

	case "lt":
		return numericCompare(val, cond.TargetValue, func(a, b float64) bool { return a < b }), nil
	case "lte":
		return numericCompare(val, cond.TargetValue, func(a, b float64) bool { return a <= b }), nil
	case "gt":
		return numericCompare(val, cond.TargetValue, func(a, b float64) bool { return a > b }), nil
	case "gte":
		return numericCompare(val, cond.TargetValue, func(a, b float64) bool { return a >= b }), nil

	case "version_gt":
		return versionCompare(val, cond.TargetValue, func(c int) bool { return c > 0 }), nil
	case "version_gte":
		return versionCompare(val, cond.TargetValue, func(c int) bool { return c >= 0 }), nil
	case "version_lt":
		return versionCompare(val, cond.TargetValue, func(c int) bool { return c < 0 }), nil
	case "version_lte":
		return versionCompare(val, cond.TargetValue, func(c int) bool { return c <= 0 }), nil
	case "version_eq":
		return versionCompare(val, cond.TargetValue, func(c int) bool { return c == 0 }), nil
	case "version_neq":
		return versionCompare(val, cond.TargetValue, func(c int) bool { return c != 0 }), nil

	case "before":
		return timeCompare(val, cond.TargetValue, func(a, b int64) bool { return a < b }), nil
	case "after":
		return timeCompare(val, cond.TargetValue, func(a, b int64) bool { return a > b }), nil
	case "on":
		return timeCompare(val, cond.TargetValue, sameUTCDay), nil
	case "on_after":
		return timeCompare(val, cond.TargetValue, func(a, b int64) bool { return a >= b }), nil

	case "in_segment_list":
		return e.segmentListContains(val, cond), nil
	case "not_in_segment_list":
		return !e.segmentListContains(val, cond), nil
	}
	return false, fmt.Errorf("%w: unsupported operator %q", ErrEvaluation, cond.Operator)
}

// membershipMatch checks val against the condition's precompiled target set.
// A null or absent subject matches only an explicit null target.
func membershipMatch(val dynamic.Value, cond *specstore.Condition, caseSensitive bool) bool {
	if val.Absent() || val.Null {
		return cond.InExactSet("null")
	}
	s := val.String()
	if caseSensitive {
		return cond.InExactSet(s)
	}
	if cond.InLoweredSet(s) {
		return true
	}
	// numeric targets like 31 must match the subject "31.0"
	if val.FloatValue != nil {
		return cond.InLoweredSet(strconv.FormatFloat(*val.FloatValue, 'f', -1, 64))
	}
	return false
}

func stringMatchAny(val dynamic.Value, cond *specstore.Condition, match func(s, sub string) bool) bool {
	if val.Absent() {
		return false
	}
	subject := strings.ToLower(val.String())
	for _, t := range cond.TargetValue.ArrayValue {
		if match(subject, strings.ToLower(t.String())) {
			return true
		}
	}
	return false
}

// valuesEqual compares on the strongest shared projection: bool, then
// number, then string.
func valuesEqual(a, b dynamic.Value) bool {
	if a.Null || b.Null {
		return a.Null == b.Null && a.Absent() == b.Absent()
	}
	if a.Absent() || b.Absent() {
		return false
	}
	if a.BoolValue != nil && b.BoolValue != nil {
		return *a.BoolValue == *b.BoolValue
	}
	if a.FloatValue != nil && b.FloatValue != nil {
		return *a.FloatValue == *b.FloatValue
	}
	return strings.EqualFold(a.String(), b.String())
}

func numericCompare(a, b dynamic.Value, cmp func(a, b float64) bool) bool {
	if a.FloatValue == nil || b.FloatValue == nil {
		return false
	}
	return cmp(*a.FloatValue, *b.FloatValue)
}

func timeCompare(a, b dynamic.Value, cmp func(a, b int64) bool) bool {
	if a.TimeValue == nil || b.TimeValue == nil {
		return false
	}
	return cmp(*a.TimeValue, *b.TimeValue)
}

func sameUTCDay(a, b int64) bool {
	ta := time.UnixMilli(a).UTC()
	tb := time.UnixMilli(b).UTC()
	return ta.Year() == tb.Year() && ta.YearDay() == tb.YearDay()
}

// versionCompare compares dotted version strings segment by numeric segment.
// A shorter version is zero-extended; a pre-release suffix after "-" is
// ignored.
func versionCompare(a, b dynamic.Value, accept func(int) bool) bool {
	if a.Absent() || b.Absent() {
		return false
	}
	return accept(compareVersions(a.String(), b.String()))
}

func compareVersions(a, b string) int {
	as := versionSegments(a)
	bs := versionSegments(b)
	n := len(as)
	if len(bs) > n {
		n = len(bs)
	}
	for i := 0; i < n; i++ {
		var av, bv int64
		if i < len(as) {
			av = as[i]
		}
		if i < len(bs) {
			bv = bs[i]
		}
		if av != bv {
			if av < bv {
				return -1
			}
			return 1
		}
	}
	return 0
}

func versionSegments(v string) []int64 {
	if i := strings.IndexByte(v, '-'); i >= 0 {
		v = v[:i]
	}
	parts := strings.Split(v, ".")
	out := make([]int64, 0, len(parts))
	for _, p := range parts {
		n, err := strconv.ParseInt(strings.TrimSpace(p), 10, 64)
		if err != nil {
			n = 0
		}
		out = append(out, n)
	}
	return out
}

// segmentListContains hashes the subject the way id-list files store members
// and asks the resolver.
func (e *Evaluator) segmentListContains(val dynamic.Value, cond *specstore.Condition) bool {
	if e.segments == nil || val.Absent() {
		return false
	}
	return e.segments.ListContains(cond.TargetValue.String(), hashing.IDListEntry(val.String()))
}
