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

package registry

import (
	"testing"

	"gwrs/internal/rulestore"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	return New(t.TempDir(), rulestore.New())
}

func Test_Registry_PushProxy_AssignsVersionAndNotifiesRestart(t *testing.T) {
	r := newTestRegistry(t)
	v1, err := r.PushProxy(Proxy{ID: "p1", Bind: ":8080", ForwardTarget: "10.0.0.1:80"})
	if err != nil {
		t.Fatalf("push proxy: %v", err)
	}
	if v1 == "" {
		t.Fatalf("expected non-empty version")
	}

	select {
	case bind := <-r.Restarts():
		if bind != ":8080" {
			t.Fatalf("expected restart signal for :8080, got %q", bind)
		}
	default:
		t.Fatalf("expected a restart signal after first push")
	}
}

func Test_Registry_PushProxy_SameConfigSameVersion(t *testing.T) {
	r := newTestRegistry(t)
	p := Proxy{ID: "p1", Bind: ":8080", ForwardTarget: "10.0.0.1:80"}
	v1, err := r.PushProxy(p)
	if err != nil {
		t.Fatalf("push 1: %v", err)
	}
	<-r.Restarts()

	v2, err := r.PushProxy(p)
	if err != nil {
		t.Fatalf("push 2: %v", err)
	}
	if v1 != v2 {
		t.Fatalf("expected identical version for identical config, got %q vs %q", v1, v2)
	}
}

func Test_Registry_PushProxy_PersistsTLSMaterial(t *testing.T) {
	r := newTestRegistry(t)
	p := Proxy{
		ID:   "p1",
		Bind: ":8443",
		Domains: []ProxyDomain{
			{ID: "d1", ProxyID: "p1", TLS: true, SNI: "example.com", PEM: "PEM-BYTES", Key: "KEY-BYTES"},
		},
	}
	if _, err := r.PushProxy(p); err != nil {
		t.Fatalf("push proxy: %v", err)
	}

	stored, ok := r.Proxy("p1")
	if !ok {
		t.Fatalf("expected proxy p1 to be stored")
	}
	if stored.Domains[0].PEM == "PEM-BYTES" {
		t.Fatalf("expected PEM field replaced with a path after persistence, got raw bytes")
	}
}

func Test_Registry_RemoveProxy_UnbindsOwnedNodes(t *testing.T) {
	r := newTestRegistry(t)
	if _, err := r.PushProxy(Proxy{ID: "p1", Bind: ":8080"}); err != nil {
		t.Fatalf("push proxy: %v", err)
	}
	<-r.Restarts()

	if _, err := r.PushGateway([]GatewayNode{{ID: "n1", Owner: BoundTo("p1"), Target: "10.0.0.1:80"}}, nil); err != nil {
		t.Fatalf("push gateway: %v", err)
	}

	r.RemoveProxy("p1")
	<-r.Restarts()

	if _, ok := r.Proxy("p1"); ok {
		t.Fatalf("expected proxy p1 removed")
	}
	if n := r.gateways["n1"]; !n.Owner.IsUnbound() {
		t.Fatalf("expected node n1 owned by p1 to be marked unbound, got %+v", n.Owner)
	}
}

func Test_Registry_PushGateway_CompilesRulesForBind(t *testing.T) {
	r := newTestRegistry(t)
	paths := []GatewayPath{
		{NodeID: "n1", Bind: ":8080", Target: "10.0.0.1:80", Pattern: "/api/*", Template: "/v2/$1", Priority: 0},
	}
	if _, err := r.PushGateway(nil, paths); err != nil {
		t.Fatalf("push gateway: %v", err)
	}
	if snap := r.rules.Snapshot(":8080"); len(snap) != 1 {
		t.Fatalf("expected 1 compiled rule for :8080, got %d", len(snap))
	}
}

func Test_Registry_ProxiesReturnsSortedByID(t *testing.T) {
	r := newTestRegistry(t)
	if _, err := r.PushProxy(Proxy{ID: "b", Bind: ":2"}); err != nil {
		t.Fatalf("push b: %v", err)
	}
	<-r.Restarts()
	if _, err := r.PushProxy(Proxy{ID: "a", Bind: ":1"}); err != nil {
		t.Fatalf("push a: %v", err)
	}
	<-r.Restarts()

	all := r.Proxies()
	if len(all) != 2 || all[0].ID != "a" || all[1].ID != "b" {
		t.Fatalf("expected proxies sorted by id [a b], got %+v", all)
	}
}
