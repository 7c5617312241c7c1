// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Statsig (https://www.statsig.com/).
// Copyright 2024 Statsig, Inc.

// Package sampling decides whether an exposure is worth logging: TTL-bounded
// dedupe, first-seen guarantees, and per-rule rate sampling with a shadow
// mode that logs everything while annotating the would-be decision.
package sampling

import (
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/statsig-io/statsig-server-core-sub001/internal/dynamic"
	"github.com/statsig-io/statsig-server-core-sub001/internal/hashing"
	"github.com/statsig-io/statsig-server-core-sub001/internal/specstore"
)

// Mode is the runtime-tunable sampling behavior from sdk_configs.
type Mode string

const (
	ModeOn     Mode = "on"
	ModeShadow Mode = "shadow"
	ModeOff    Mode = "off"
)

// Kind classifies the outcome.
type Kind int

const (
	// ForceSampled events are logged with no sampling annotation.
	ForceSampled Kind = iota
	// Sampled events went through a rate check.
	Sampled
	// NotSampled events are dropped by the rate check.
	NotSampled
	// Deduped events are identical to one logged within the TTL.
	Deduped
)

// Decision is the processor's verdict for one exposure.
type Decision struct {
	Kind Kind
	// Log is whether the event should be enqueued at all.
	Log bool
	// Rate, Mode and ShadowLogged annotate the event metadata when a rate
	// check happened.
	Rate         uint64
	Mode         Mode
	ShadowLogged string // "logged" or "dropped"
}

const (
	setTTL     = time.Minute
	setMaxSize = 100_000
)

// specialCaseRules get the special-case rate instead of a per-rule one.
func specialCaseRule(ruleID string) bool {
	return ruleID == "" || ruleID == "disabled" || ruleID == "default"
}

// Input describes one exposure about to be enqueued.
type Input struct {
	SpecName     string
	RuleID       string
	ValueHash    uint64 // hash of the evaluated result (gate value / config value)
	UserHash     uint64
	SamplingRate *uint64 // the matched rule's rate, if any
	ForwardAll   bool    // spec's forward_all_exposures
}

// Processor applies dedupe and sampling. Safe for concurrent use.
type Processor struct {
	dedupe    *expirable.LRU[string, struct{}]
	firstSeen *expirable.LRU[string, struct{}]
}

// NewProcessor builds a processor with the default TTL and cap.
func NewProcessor() *Processor {
	return &Processor{
		dedupe:    expirable.NewLRU[string, struct{}](setMaxSize, nil, setTTL),
		firstSeen: expirable.NewLRU[string, struct{}](setMaxSize, nil, setTTL),
	}
}

// Reset clears both sets, for tests and for long-idle wakeups.
func (p *Processor) Reset() {
	p.dedupe.Purge()
	p.firstSeen.Purge()
}

// Decide returns the verdict for in, reading mode and the special-case rate
// from the snapshot's sdk_configs.
func (p *Processor) Decide(in Input, data *specstore.Data) Decision {
	mode := ModeOn
	var specialRate *uint64
	if data != nil {
		if v, ok := data.SDKConfigs["sampling_mode"]; ok && v.StringValue != nil {
			mode = Mode(*v.StringValue)
		}
		if v, ok := data.SDKConfigs["special_case_sampling_rate"]; ok && v.IntValue != nil && *v.IntValue > 0 {
			r := uint64(*v.IntValue)
			specialRate = &r
		}
	}

	dedupeKey := fmt.Sprintf("%s:%d:%s:%d", in.SpecName, in.ValueHash, in.RuleID, in.UserHash)
	if _, seen := p.dedupe.Get(dedupeKey); seen {
		return Decision{Kind: Deduped, Log: false}
	}
	p.dedupe.Add(dedupeKey, struct{}{})

	if mode == ModeOff || in.ForwardAll {
		return Decision{Kind: ForceSampled, Log: true}
	}

	// the first exposure of each (spec, rule) always ships
	firstKey := in.SpecName + ":" + in.RuleID
	if _, seen := p.firstSeen.Get(firstKey); !seen {
		p.firstSeen.Add(firstKey, struct{}{})
		return Decision{Kind: ForceSampled, Log: true}
	}

	var rate *uint64
	if specialCaseRule(in.RuleID) {
		rate = specialRate
	} else {
		rate = in.SamplingRate
	}
	if rate == nil || *rate <= 1 {
		return Decision{Kind: ForceSampled, Log: true}
	}

	key := fmt.Sprintf("%s:%s:%d", in.SpecName, in.RuleID, in.UserHash)
	keep := hashing.SamplingBucket(key, *rate) == 0

	switch mode {
	case ModeShadow:
		shadow := "dropped"
		if keep {
			shadow = "logged"
		}
		return Decision{Kind: Sampled, Log: true, Rate: *rate, Mode: mode, ShadowLogged: shadow}
	default: // ModeOn
		if keep {
			return Decision{Kind: Sampled, Log: true, Rate: *rate, Mode: mode, ShadowLogged: "logged"}
		}
		return Decision{Kind: NotSampled, Log: false, Rate: *rate, Mode: mode}
	}
}

// ValueHash hashes an evaluation result value for dedupe keys.
func ValueHash(boolValue bool, jsonValue *dynamic.Value) uint64 {
	if jsonValue != nil {
		return jsonValue.Hash()
	}
	if boolValue {
		return 1
	}
	return 0
}
