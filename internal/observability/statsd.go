// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Statsig (https://www.statsig.com/).
// Copyright 2024 Statsig, Inc.

package observability

import (
	"fmt"

	"github.com/DataDog/datadog-go/v5/statsd"

	"github.com/statsig-io/statsig-server-core-sub001/internal/log"
)

// StatsdClient is a Client backed by a DogStatsD endpoint, for hosts that
// want SDK metrics without writing their own subscriber.
type StatsdClient struct {
	addr    string
	service string
	client  statsd.ClientInterface
}

// NewStatsdClient reports to the DogStatsD agent at addr (e.g.
// "127.0.0.1:8125"). service is attached to every metric.
func NewStatsdClient(addr, service string) *StatsdClient {
	return &StatsdClient{addr: addr, service: service}
}

// Init connects the underlying statsd client.
func (s *StatsdClient) Init() {
	client, err := statsd.New(s.addr, statsd.WithoutTelemetry())
	if err != nil {
		log.Warn("observability: statsd connect %s: %v", s.addr, err)
		s.client = &statsd.NoOpClient{}
		return
	}
	s.client = client
}

func (s *StatsdClient) tagList(tags map[string]string) []string {
	out := make([]string, 0, len(tags)+1)
	if s.service != "" {
		out = append(out, "service:"+s.service)
	}
	for k, v := range tags {
		out = append(out, fmt.Sprintf("%s:%s", k, v))
	}
	return out
}

// Increment implements Client.
func (s *StatsdClient) Increment(metric string, value float64, tags map[string]string) {
	s.client.Count(metric, int64(value), s.tagList(tags), 1)
}

// Gauge implements Client.
func (s *StatsdClient) Gauge(metric string, value float64, tags map[string]string) {
	s.client.Gauge(metric, value, s.tagList(tags), 1)
}

// Dist implements Client.
func (s *StatsdClient) Dist(metric string, value float64, tags map[string]string) {
	s.client.Distribution(metric, value, s.tagList(tags), 1)
}

// Error implements Client.
func (s *StatsdClient) Error(tag string, message string) {
	s.client.Count("statsig.sdk.internal_error", 1, append(s.tagList(nil), "tag:"+tag), 1)
}

// ShouldEnableHighCardinalityForThisTag implements Client. Statsd backends
// price by series, so high-cardinality tags stay off.
func (s *StatsdClient) ShouldEnableHighCardinalityForThisTag(string) bool { return false }

// Close flushes and closes the statsd connection.
func (s *StatsdClient) Close() {
	if s.client != nil {
		s.client.Close()
	}
}
