// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Statsig (https://www.statsig.com/).
// Copyright 2024 Statsig, Inc.

package events

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	jsoniter "github.com/json-iterator/go"

	"github.com/statsig-io/statsig-server-core-sub001/internal/transport"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// DefaultLogEventURL is the canonical log_event endpoint.
const DefaultLogEventURL = "https://statsigapi.net/v1/log_event"

// ErrLogEventRejected is returned when the endpoint answered but did not
// accept the batch.
var ErrLogEventRejected = errors.New("log_event batch rejected")

// BatchMetadata is the statsigMetadata object attached to each request.
type BatchMetadata struct {
	SDKType            string `json:"sdkType"`
	SDKVersion         string `json:"sdkVersion"`
	SessionID          string `json:"sessionID"`
	FlushingIntervalMs int64  `json:"flushingIntervalMs"`
	IsLimitBatch       bool   `json:"isLimitBatch"`
}

// Adapter delivers prepared batches. Implementations must be safe for
// concurrent use.
type Adapter interface {
	LogEvents(ctx context.Context, events []Event, meta BatchMetadata, retryCount int) error
}

// NetworkAdapter posts batches to the log_event endpoint.
type NetworkAdapter struct {
	client      *transport.Client
	url         string
	compression transport.Compression
}

// NewNetworkAdapter builds the default adapter. url may be "" for the
// canonical endpoint.
func NewNetworkAdapter(client *transport.Client, url string, compression transport.Compression) *NetworkAdapter {
	if url == "" {
		url = DefaultLogEventURL
	}
	if compression == transport.CompressionNone {
		compression = transport.CompressionGzip
	}
	return &NetworkAdapter{client: client, url: url, compression: compression}
}

type logEventRequest struct {
	Events          []Event       `json:"events"`
	StatsigMetadata BatchMetadata `json:"statsigMetadata"`
}

type logEventResponse struct {
	Success bool `json:"success"`
}

// LogEvents implements Adapter.
func (a *NetworkAdapter) LogEvents(ctx context.Context, events []Event, meta BatchMetadata, retryCount int) error {
	payload, err := json.Marshal(logEventRequest{Events: events, StatsigMetadata: meta})
	if err != nil {
		return fmt.Errorf("serializing log_event batch: %w", err)
	}
	body, encoding, err := transport.Compress(payload, a.compression)
	if err != nil {
		return fmt.Errorf("compressing log_event batch: %w", err)
	}
	resp, err := a.client.Post(ctx, transport.RequestArgs{
		URL: a.url,
		Headers: map[string]string{
			"statsig-event-count": strconv.Itoa(len(events)),
			"statsig-retry-count": strconv.Itoa(retryCount),
		},
		DiagnosticsKey: "log_event",
	}, body, encoding)
	if err != nil {
		return err
	}
	var out logEventResponse
	if err := json.Unmarshal(resp.Body, &out); err != nil || !out.Success {
		return ErrLogEventRejected
	}
	return nil
}
