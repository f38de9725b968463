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

// Package configstore optionally mirrors the Config Registry's latest
// pushed proxy/gateway version strings into Redis, so an operator can
// inspect the live configuration version out-of-process without querying
// the data-plane daemon directly. This is strictly a convenience mirror:
// the in-process registry (gwrs/internal/registry) remains authoritative.
package configstore

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// Client abstracts the minimal surface this package needs from a Redis
// client, so tests can supply a fake instead of dialing a real server.
// *redis.Client already satisfies this.
type Client interface {
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) *redis.StatusCmd
	Get(ctx context.Context, key string) *redis.StringCmd
	Ping(ctx context.Context) *redis.StatusCmd
	Close() error
}

// Mirror publishes version strings to Redis under small, fixed keys.
type Mirror struct {
	client Client
}

// NewMirror connects to a Redis instance at addr. The connection is lazy;
// go-redis dials on first use.
func NewMirror(addr string) *Mirror {
	return &Mirror{client: redis.NewClient(&redis.Options{Addr: addr})}
}

// NewMirrorWithClient builds a Mirror over an already-constructed Client,
// letting callers (and tests) inject a fake or a pre-configured instance.
func NewMirrorWithClient(c Client) *Mirror {
	return &Mirror{client: c}
}

// PublishProxyVersion records the current proxy configuration version.
func (m *Mirror) PublishProxyVersion(ctx context.Context, version string) error {
	return m.client.Set(ctx, "gwrs:version:proxy", version, 0).Err()
}

// PublishGatewayVersion records the current gateway configuration version.
func (m *Mirror) PublishGatewayVersion(ctx context.Context, version string) error {
	return m.client.Set(ctx, "gwrs:version:gateway", version, 0).Err()
}

// ProxyVersion returns the last mirrored proxy version, or "" if unset.
func (m *Mirror) ProxyVersion(ctx context.Context) (string, error) {
	v, err := m.client.Get(ctx, "gwrs:version:proxy").Result()
	if err == redis.Nil {
		return "", nil
	}
	return v, err
}

// GatewayVersion returns the last mirrored gateway version, or "" if unset.
func (m *Mirror) GatewayVersion(ctx context.Context) (string, error) {
	v, err := m.client.Get(ctx, "gwrs:version:gateway").Result()
	if err == redis.Nil {
		return "", nil
	}
	return v, err
}

// Close releases the underlying connection pool.
func (m *Mirror) Close() error { return m.client.Close() }

// pingTimeout bounds the initial connectivity check an operator may run
// before trusting the mirror.
const pingTimeout = 2 * time.Second

// Ping verifies connectivity, bounded by pingTimeout.
func (m *Mirror) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	return m.client.Ping(ctx).Err()
}
