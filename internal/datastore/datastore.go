// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Statsig (https://www.statsig.com/).
// Copyright 2024 Statsig, Inc.

// Package datastore defines the external key-value store contract used to
// read rulesets from a caller-supplied backing store (redis, dynamo, ...).
package datastore

import (
	"errors"
	"fmt"

	"github.com/statsig-io/statsig-server-core-sub001/internal/hashing"
)

// ErrUnstarted is returned when an adapter is used before Initialize.
var ErrUnstarted = errors.New("data store adapter used before initialize")

// RulesetsV2 is the request path rulesets are stored under.
const RulesetsV2 = "/v2/download_config_specs"

// Result is one read from the store.
type Result struct {
	Value []byte
	Time  int64
}

// Adapter is implemented by the host application.
type Adapter interface {
	Initialize() error
	Shutdown() error
	Get(key string) (Result, error)
	Set(key string, value []byte, time int64) error
	// SupportsPollingUpdatesFor reports whether the store can serve
	// repeated reads for the given request path. When false the SDK will
	// not schedule background polling against the store.
	SupportsPollingUpdatesFor(requestPath string) bool
}

// RulesetsKey derives the storage key for a given sdk key and compression
// label. The sdk key is hashed so secrets never appear in the store.
func RulesetsKey(sdkKey, compression string) string {
	sum := hashing.Sha256(sdkKey)
	return fmt.Sprintf("statsig|%s|%s|%x", RulesetsV2, compression, sum)
}
