// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Statsig (https://www.statsig.com/).
// Copyright 2024 Statsig, Inc.

// Package hashing implements the hash functions the evaluator and the event
// pipeline agree on with the Statsig backend. These are wire-stable: changing
// any of them silently re-buckets every user.
package hashing

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"strconv"

	"github.com/cespare/xxhash/v2"
)

// DJB2 computes the 32-bit DJB2 hash of s, returned in its decimal string
// form as used by hashed_sdk_keys_to_app_ids and client response keys.
func DJB2(s string) string {
	var h uint32
	for i := 0; i < len(s); i++ {
		h = (h << 5) - h + uint32(s[i])
	}
	return strconv.FormatUint(uint64(h), 10)
}

// Sha256 returns the raw SHA-256 digest of s.
func Sha256(s string) [32]byte {
	return sha256.Sum256([]byte(s))
}

// EvaluationBucket hashes the pass-percentage key "specSalt.ruleSalt.unitID"
// and reduces it to [0, 10000). The digest is interpreted as an unsigned
// 128-bit big-endian integer before the modulo.
func EvaluationBucket(key string) uint64 {
	sum := sha256.Sum256([]byte(key))
	var r uint64
	for _, b := range sum[:16] {
		r = (r*256 + uint64(b)) % 10000
	}
	return r
}

// SamplingBucket reduces the SHA-256 of key modulo rate. A result of 0 keeps
// the event. rate must be > 0.
func SamplingBucket(key string, rate uint64) uint64 {
	sum := sha256.Sum256([]byte(key))
	return binary.BigEndian.Uint64(sum[:8]) % rate
}

// Sha256Base64 returns the base64 form of the SHA-256 digest of s, the
// "sha256" key scheme of client initialize responses.
func Sha256Base64(s string) string {
	sum := sha256.Sum256([]byte(s))
	return base64.StdEncoding.EncodeToString(sum[:])
}

// IDListEntry hashes an id the way id-list files store their members: the
// first 8 characters of the base64 encoding of the SHA-256 digest.
func IDListEntry(id string) string {
	sum := sha256.Sum256([]byte(id))
	return base64.StdEncoding.EncodeToString(sum[:])[:8]
}

// Stable64 is a fast, process-stable 64-bit hash used for DynamicValue
// identity and exposure dedupe keys. It is never sent over the wire.
func Stable64(data []byte) uint64 {
	return xxhash.Sum64(data)
}

// Stable64String is Stable64 over a string without copying.
func Stable64String(s string) uint64 {
	return xxhash.Sum64String(s)
}
