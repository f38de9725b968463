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

// Package supervisor reconciles the running set of listeners against the
// Proxy list currently held by the Config Registry: compute the desired
// bind set, stop what disappeared, start what's new, leave the rest
// running.
package supervisor

import (
	"context"
	"reflect"
	"sync"

	"gwrs/internal/gwlog"
	"gwrs/internal/listener"
	"gwrs/internal/logpipeline"
	"gwrs/internal/registry"
	"gwrs/internal/routing"
)

const component = "supervisor"

// Supervisor owns every running Listener, keyed by bind address.
type Supervisor struct {
	reg      *registry.Registry
	engine   *routing.Engine
	producer *logpipeline.Producer

	mu        sync.Mutex
	listeners map[string]*listener.Listener
	configs   map[string]registry.Proxy
}

// New builds a Supervisor driven by reg's pushed Proxy list.
func New(reg *registry.Registry, engine *routing.Engine, producer *logpipeline.Producer) *Supervisor {
	return &Supervisor{
		reg:       reg,
		engine:    engine,
		producer:  producer,
		listeners: make(map[string]*listener.Listener),
		configs:   make(map[string]registry.Proxy),
	}
}

// Reconcile computes the desired bind set from the registry's current
// Proxy list and stops/starts/leaves-alone listeners to match it.
// A bind whose Proxy configuration changed (not just
// appeared/disappeared) is restarted so its TLS material and high-speed
// target stay in sync.
func (s *Supervisor) Reconcile() {
	desired := s.reg.Proxies()
	desiredByBind := make(map[string]registry.Proxy, len(desired))
	for _, p := range desired {
		desiredByBind[p.Bind] = p
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for bind, l := range s.listeners {
		p, stillWanted := desiredByBind[bind]
		if !stillWanted {
			gwlog.Infof(component, "bind %s removed from configuration, draining listener", bind)
			l.Stop()
			delete(s.listeners, bind)
			delete(s.configs, bind)
			continue
		}
		if !reflect.DeepEqual(s.configs[bind], p) {
			gwlog.Infof(component, "bind %s configuration changed, restarting listener", bind)
			l.Stop()
			delete(s.listeners, bind)
		}
	}

	for bind, p := range desiredByBind {
		if _, running := s.listeners[bind]; running {
			continue
		}
		l, err := listener.New(p, s.engine, s.producer)
		if err != nil {
			gwlog.Errorf(component, "bind %s: build listener: %v", bind, err)
			continue
		}
		if err := l.Start(); err != nil {
			gwlog.Errorf(component, "bind %s: start listener: %v", bind, err)
			continue
		}
		s.listeners[bind] = l
		s.configs[bind] = p
	}
}

// Run reconciles once immediately, then again each time the registry
// signals a restart, until ctx is canceled.
func (s *Supervisor) Run(ctx context.Context) {
	s.Reconcile()
	for {
		select {
		case <-ctx.Done():
			s.shutdown()
			return
		case <-s.reg.Restarts():
			s.Reconcile()
		}
	}
}

func (s *Supervisor) shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for bind, l := range s.listeners {
		l.Stop()
		delete(s.listeners, bind)
	}
}

// Listeners returns a snapshot of bind->state, for status reporting.
func (s *Supervisor) Listeners() map[string]listener.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]listener.State, len(s.listeners))
	for bind, l := range s.listeners {
		out[bind] = l.State()
	}
	return out
}
