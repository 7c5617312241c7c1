// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Statsig (https://www.statsig.com/).
// Copyright 2024 Statsig, Inc.

// Package transport is the thin HTTP layer every outbound call goes through:
// retries with exponential backoff, request/response compression and
// cooperative shutdown.
package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/statsig-io/statsig-server-core-sub001/internal/log"
	"github.com/statsig-io/statsig-server-core-sub001/internal/version"
)

// ErrShutdown is returned when a request is aborted because the SDK is
// shutting down.
var ErrShutdown = errors.New("operation aborted by shutdown")

// ErrNetworkDisabled is returned when outbound HTTP is disabled by options.
var ErrNetworkDisabled = errors.New("network is disabled")

// NetworkError carries the HTTP status of a failed request. A zero status
// means the failure happened below HTTP.
type NetworkError struct {
	Status  int
	Message string
}

func (e *NetworkError) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("network error: %s", e.Message)
	}
	return fmt.Sprintf("network error: status %d: %s", e.Status, e.Message)
}

// Retryable reports whether the failure is worth retrying.
func (e *NetworkError) Retryable() bool {
	if e.Status == 0 {
		return true
	}
	switch e.Status {
	case 408, 500, 502, 503, 504, 522, 524, 599:
		return true
	}
	return false
}

// RequestArgs describes one logical request; retries happen inside the
// client.
type RequestArgs struct {
	URL            string
	Headers        map[string]string
	Query          map[string]string
	Retries        int
	AcceptGzip     bool
	Timeout        time.Duration
	DiagnosticsKey string
}

// Response is the outcome of a successful exchange. Body is fully read and
// decompressed.
type Response struct {
	StatusCode int
	Body       []byte
	Headers    http.Header
}

// Observer is notified of request outcomes, keyed by DiagnosticsKey.
type Observer interface {
	RequestFinished(key string, status int, attempt int, err error)
}

// Client wraps http.Client with the SDK's process-wide headers and retry
// policy. Copied transport settings follow the shape of a tuned
// http.DefaultTransport so outbound calls are never traced through an
// instrumented default client.
type Client struct {
	http      *http.Client
	sdkKey    string
	sessionID string
	shutdown  <-chan struct{}
	disabled  bool
	observer  Observer
}

// Options configures a Client.
type Options struct {
	SDKKey    string
	SessionID string
	Timeout   time.Duration
	Shutdown  <-chan struct{}
	Disabled  bool
	Observer  Observer
	Proxy     func(*http.Request) (*url.URL, error)
}

// New creates a transport client.
func New(opts Options) *Client {
	if opts.Timeout == 0 {
		opts.Timeout = 10 * time.Second
	}
	proxy := opts.Proxy
	if proxy == nil {
		proxy = http.ProxyFromEnvironment
	}
	return &Client{
		http: &http.Client{
			Transport: &http.Transport{
				Proxy: proxy,
				DialContext: (&net.Dialer{
					Timeout:   30 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				MaxIdleConns:          100,
				IdleConnTimeout:       90 * time.Second,
				TLSHandshakeTimeout:   10 * time.Second,
				ExpectContinueTimeout: 1 * time.Second,
				// body decompression is handled here, not by net/http
				DisableCompression: true,
			},
			Timeout: opts.Timeout,
		},
		sdkKey:    opts.SDKKey,
		sessionID: opts.SessionID,
		shutdown:  opts.Shutdown,
		disabled:  opts.Disabled,
		observer:  opts.Observer,
	}
}

// Get performs a GET request.
func (c *Client) Get(ctx context.Context, args RequestArgs) (*Response, error) {
	return c.do(ctx, http.MethodGet, args, nil, "")
}

// Post performs a POST request. encoding names the Content-Encoding already
// applied to body ("" for identity).
func (c *Client) Post(ctx context.Context, args RequestArgs, body []byte, encoding string) (*Response, error) {
	return c.do(ctx, http.MethodPost, args, body, encoding)
}

func (c *Client) do(ctx context.Context, method string, args RequestArgs, body []byte, encoding string) (*Response, error) {
	if c.disabled {
		return nil, ErrNetworkDisabled
	}
	var lastErr error
	for attempt := 0; attempt <= args.Retries; attempt++ {
		if attempt > 0 {
			if err := c.backoff(ctx, attempt); err != nil {
				return nil, err
			}
		}
		select {
		case <-c.shutdown:
			return nil, ErrShutdown
		default:
		}
		resp, err := c.once(ctx, method, args, body, encoding, attempt)
		if c.observer != nil && args.DiagnosticsKey != "" {
			status := 0
			if resp != nil {
				status = resp.StatusCode
			}
			c.observer.RequestFinished(args.DiagnosticsKey, status, attempt, err)
		}
		if err == nil {
			return resp, nil
		}
		lastErr = err
		var nerr *NetworkError
		if errors.As(err, &nerr) && !nerr.Retryable() {
			return nil, err
		}
		if errors.Is(err, ErrShutdown) || ctx.Err() != nil {
			return nil, err
		}
		log.Debug("transport: %s %s attempt %d failed: %v", method, args.URL, attempt, err)
	}
	return nil, lastErr
}

// backoff sleeps 2^attempt * 100ms, aborting early on shutdown or context
// cancellation.
func (c *Client) backoff(ctx context.Context, attempt int) error {
	d := time.Duration(1<<uint(attempt)) * 100 * time.Millisecond
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-c.shutdown:
		return ErrShutdown
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) once(ctx context.Context, method string, args RequestArgs, body []byte, encoding string, attempt int) (*Response, error) {
	u := args.URL
	if len(args.Query) > 0 {
		q := url.Values{}
		for k, v := range args.Query {
			q.Set(k, v)
		}
		u = u + "?" + q.Encode()
	}
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, rd)
	if err != nil {
		return nil, &NetworkError{Message: err.Error()}
	}
	req.Header.Set("STATSIG-API-KEY", c.sdkKey)
	req.Header.Set("STATSIG-SDK-TYPE", version.SDKType)
	req.Header.Set("STATSIG-SDK-VERSION", version.Tag)
	req.Header.Set("STATSIG-SERVER-SESSION-ID", c.sessionID)
	req.Header.Set("STATSIG-CLIENT-TIME", strconv.FormatInt(time.Now().UnixMilli(), 10))
	if attempt > 0 {
		req.Header.Set("STATSIG-RETRY", strconv.Itoa(attempt))
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
		if encoding != "" {
			req.Header.Set("Content-Encoding", encoding)
		}
	}
	if args.AcceptGzip {
		req.Header.Set("Accept-Encoding", "gzip")
	}
	for k, v := range args.Headers {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &NetworkError{Message: err.Error()}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &NetworkError{Status: resp.StatusCode, Message: fmt.Sprintf("reading body: %v", err)}
	}
	decoded, err := decompress(raw, resp.Header.Get("Content-Encoding"))
	if err != nil {
		return nil, &NetworkError{Status: resp.StatusCode, Message: fmt.Sprintf("decompressing body: %v", err)}
	}
	out := &Response{StatusCode: resp.StatusCode, Body: decoded, Headers: resp.Header}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return out, &NetworkError{Status: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
	}
	return out, nil
}
