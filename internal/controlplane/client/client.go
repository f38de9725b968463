// Copyright 2025 The gwrs Authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package client implements the control protocol client: connect,
// handshake, send payload, read response, with timeouts and retry/backoff
// on connection-class errors only.
package client

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"gwrs/internal/controlplane/protocol"
	"gwrs/internal/gwlog"
	"gwrs/internal/telemetry/metrics"
)

const component = "control-client"

// ErrConnection marks a socket open/read/write/connect failure or
// timeout, the only class of error this client retries.
var ErrConnection = errors.New("control client connection error")

const (
	connectTimeout = 15 * time.Second
	actionTimeout  = 15 * time.Second
	defaultRetries = 3
	initialBackoff = 100 * time.Millisecond
)

// Client pushes actions to a control protocol server at Addr.
type Client struct {
	Addr       string
	MaxRetries int

	// limiterMu guards limiters, one rate.Limiter per target address, used
	// to pace repeated reconnect attempts so concurrent callers targeting
	// the same data-plane don't retry in lockstep (a "thundering herd"
	// guard layered on top of the exponential backoff below).
	limiterMu sync.Mutex
	limiters  map[string]*rate.Limiter
}

// New creates a client targeting addr.
func New(addr string) *Client {
	return &Client{Addr: addr, MaxRetries: defaultRetries, limiters: make(map[string]*rate.Limiter)}
}

func (c *Client) limiterFor(addr string) *rate.Limiter {
	c.limiterMu.Lock()
	defer c.limiterMu.Unlock()
	l, ok := c.limiters[addr]
	if !ok {
		l = rate.NewLimiter(rate.Every(initialBackoff), 1)
		c.limiters[addr] = l
	}
	return l
}

// PerformAction runs one handshake+payload+response exchange, retrying up
// to MaxRetries times with exponential backoff (100ms, 200ms, 400ms, ...)
// when the failure is connection-class. Protocol and serialization errors
// are not retried.
func (c *Client) PerformAction(ctx context.Context, service, action string, params map[string]string, payload interface{}) (protocol.ActionResponse, error) {
	maxRetries := c.MaxRetries
	if maxRetries <= 0 {
		maxRetries = defaultRetries
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return protocol.ActionResponse{}, fmt.Errorf("control client: marshal payload: %w", err)
	}

	var lastErr error
	backoff := initialBackoff
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			metrics.ControlClientRetries.WithLabelValues(action).Inc()
			limiter := c.limiterFor(c.Addr)
			if err := limiter.Wait(ctx); err != nil {
				return protocol.ActionResponse{}, err
			}
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return protocol.ActionResponse{}, ctx.Err()
			}
			backoff *= 2
		}

		resp, err := c.attempt(ctx, service, action, params, body)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !errors.Is(err, ErrConnection) {
			return protocol.ActionResponse{}, err
		}
		gwlog.Warnf(component, "attempt %d/%d for %s/%s failed: %v", attempt+1, maxRetries+1, service, action, err)
	}
	return protocol.ActionResponse{}, lastErr
}

func (c *Client) attempt(ctx context.Context, service, action string, params map[string]string, body []byte) (protocol.ActionResponse, error) {
	dialer := net.Dialer{Timeout: connectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", c.Addr)
	if err != nil {
		return protocol.ActionResponse{}, fmt.Errorf("%w: dial %s: %v", ErrConnection, c.Addr, err)
	}
	defer conn.Close()

	deadline := time.Now().Add(actionTimeout)
	_ = conn.SetDeadline(deadline)

	hs := protocol.Handshake{Service: service, Action: action, Params: params}
	line := protocol.FormatHandshake(hs) + "\n"
	if _, err := conn.Write([]byte(line)); err != nil {
		return protocol.ActionResponse{}, fmt.Errorf("%w: write handshake: %v", ErrConnection, err)
	}

	r := bufio.NewReader(conn)
	ack, err := r.ReadString('\n')
	if err != nil {
		return protocol.ActionResponse{}, fmt.Errorf("%w: read handshake ack: %v", ErrConnection, err)
	}
	if !protocol.IsHandshakeAck(ack) {
		return protocol.ActionResponse{}, fmt.Errorf("%w: handshake not acknowledged: %q", protocol.ErrProtocol, ack)
	}

	if _, err := conn.Write(body); err != nil {
		return protocol.ActionResponse{}, fmt.Errorf("%w: write payload: %v", ErrConnection, err)
	}
	// Half-close the write side so the server can detect end-of-payload
	// without a length prefix.
	if cw, ok := conn.(interface{ CloseWrite() error }); ok {
		_ = cw.CloseWrite()
	}

	var resp protocol.ActionResponse
	if err := json.NewDecoder(r).Decode(&resp); err != nil {
		return protocol.ActionResponse{}, fmt.Errorf("%w: read response: %v", ErrConnection, err)
	}
	return resp, nil
}
