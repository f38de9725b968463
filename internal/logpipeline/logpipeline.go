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

// Package logpipeline bridges the shared-memory ring to the segmented log
// store: producers (proxy/gateway sessions) enqueue encoded TemporaryLog
// records into the ring without ever touching the store directly, and a
// single consumer task drains the ring into the store, so producers never
// take the store's lock.
package logpipeline

import (
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"gwrs/internal/gwlog"
	"gwrs/internal/logstore"
	"gwrs/internal/shmring"
)

const component = "logpipeline"

// dequeueTimeout bounds one poll cycle of the consumer's timed dequeue.
const dequeueTimeout = 200 * time.Millisecond

// NewConnID mints a connection identifier for a TemporaryLog's conn_id
// field as a UUIDv4 string.
func NewConnID() string {
	return uuid.NewString()
}

// Producer enqueues encoded log records into a shared-memory ring.
type Producer struct {
	ring *shmring.Ring
}

// NewProducer wraps an already-opened ring for producing.
func NewProducer(ring *shmring.Ring) *Producer {
	return &Producer{ring: ring}
}

// Enqueue encodes log with the segmented store's compact codec and writes
// it to the ring. Overflow/full-ring errors are returned to the caller.
func (p *Producer) Enqueue(log logstore.TemporaryLog) error {
	return p.ring.Enqueue(logstore.Encode(log))
}

// Consumer drains a shared-memory ring into a segmented Store.
type Consumer struct {
	ring  *shmring.Ring
	store *logstore.Store

	running atomic.Bool
	done    chan struct{}
}

// NewConsumer pairs a ring with the store it feeds.
func NewConsumer(ring *shmring.Ring, store *logstore.Store) *Consumer {
	return &Consumer{ring: ring, store: store, done: make(chan struct{})}
}

// Run drains the ring until Stop is called, decoding each dequeued record
// and appending it to the store. Decode failures are logged and skipped
// (a malformed slot must not stall the pipeline).
func (c *Consumer) Run() {
	c.running.Store(true)
	defer close(c.done)

	for c.running.Load() {
		payload, ok, err := c.ring.DequeueTimed(dequeueTimeout)
		if err != nil {
			gwlog.Errorf(component, "dequeue: %v", err)
			continue
		}
		if !ok {
			continue
		}
		log, err := logstore.Decode(payload)
		if err != nil {
			gwlog.Errorf(component, "decode dequeued record: %v", err)
			continue
		}
		if err := c.store.Append(log); err != nil {
			gwlog.Errorf(component, "append to store: %v", err)
		}
	}
}

// Stop signals Run to exit at its next poll and blocks until it has.
func (c *Consumer) Stop() {
	c.running.Store(false)
	<-c.done
}
