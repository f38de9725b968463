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
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"sync"

	"gwrs/internal/gwlog"
	"gwrs/internal/pattern"
	"gwrs/internal/rulestore"
	"gwrs/internal/tlsmaterial"
)

const component = "config-registry"

// Registry is the single authoritative store for pushed Proxy and Gateway
// configuration. It persists TLS material, recomputes content-hash
// versions on every push, keeps the Rule Store in sync, and notifies
// listener supervision of binds that need a restart.
type Registry struct {
	certRoot string
	rules    *rulestore.Store

	mu       sync.RWMutex
	proxies  map[string]Proxy
	gateways map[string]GatewayNode
	paths    []GatewayPath

	restarts chan string
}

// New creates a Registry that persists TLS material under certRoot and
// keeps rules mirrored into store.
func New(certRoot string, store *rulestore.Store) *Registry {
	return &Registry{
		certRoot: certRoot,
		rules:    store,
		proxies:  make(map[string]Proxy),
		gateways: make(map[string]GatewayNode),
		restarts: make(chan string, 64),
	}
}

// Restarts exposes binds whose proxy was added, changed or removed and
// need the supervisor to reconcile.
func (r *Registry) Restarts() <-chan string { return r.restarts }

func (r *Registry) notifyRestart(bind string) {
	select {
	case r.restarts <- bind:
	default:
		gwlog.Warnf(component, "restart signal queue full, dropping notification for bind %s", bind)
	}
}

// PushProxy handles a "registry/proxy" action: it persists any inbound TLS
// material under the content-addressed cert store, replaces the PEM/Key
// fields with their on-disk paths, stores the proxy, and returns the new
// proxy configuration version (a hex SHA-256 digest over every known proxy,
// sorted by id, for determinism).
func (r *Registry) PushProxy(p Proxy) (version string, err error) {
	for i := range p.Domains {
		d := &p.Domains[i]
		if !d.TLS || d.PEM == "" {
			continue
		}
		serialized, err := json.Marshal(*d)
		if err != nil {
			return "", fmt.Errorf("config registry: serialize domain %s: %w", d.SNI, err)
		}
		hash := tlsmaterial.ContentHash(serialized)
		pemPath, keyPath, err := tlsmaterial.Persist(r.certRoot, hash, []byte(d.PEM), []byte(d.Key))
		if err != nil {
			return "", fmt.Errorf("config registry: persist TLS material for domain %s: %w", d.SNI, err)
		}
		d.PEM = pemPath
		d.Key = keyPath
	}

	r.mu.Lock()
	old, existed := r.proxies[p.ID]
	r.proxies[p.ID] = p
	version = r.hashProxiesLocked()
	r.mu.Unlock()

	gwlog.Infof(component, "proxy %s pushed, version=%s", p.ID, version)
	if !existed || !reflect.DeepEqual(old, p) {
		r.notifyRestart(p.Bind)
	}
	return version, nil
}

// RemoveProxy deletes a proxy by id and returns the recomputed version.
func (r *Registry) RemoveProxy(id string) (version string) {
	r.mu.Lock()
	p, ok := r.proxies[id]
	delete(r.proxies, id)
	version = r.hashProxiesLocked()
	r.mu.Unlock()
	if ok {
		r.unbindOwnerOf(id)
		r.notifyRestart(p.Bind)
	}
	return version
}

// unbindOwnerOf marks every Gateway Node owned by proxyID as unbound
// rather than deleting orphaned nodes outright.
func (r *Registry) unbindOwnerOf(proxyID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, n := range r.gateways {
		if n.Owner.ID() == proxyID && !n.Owner.IsUnbound() {
			n.Owner = Unbound()
			r.gateways[id] = n
		}
	}
}

// PushGateway handles a "registry/gateway" action: it stores the gateway
// nodes and their routing paths, recompiles affected binds' rule snapshots,
// and returns the new gateway configuration version.
func (r *Registry) PushGateway(nodes []GatewayNode, paths []GatewayPath) (version string, err error) {
	r.mu.Lock()
	for _, n := range nodes {
		r.gateways[n.ID] = n
	}
	r.paths = mergePaths(r.paths, paths)
	version = r.hashGatewayLocked()
	byBind := groupPathsByBind(r.paths)
	r.mu.Unlock()

	for bind, bindPaths := range byBind {
		r.rules.Replace(bind, compileRules(bind, bindPaths), version)
	}

	gwlog.Infof(component, "gateway config pushed: %d nodes, %d paths, version=%s", len(nodes), len(paths), version)
	return version, nil
}

// mergePaths replaces any existing path with the same NodeID+Pattern+Bind
// key and appends genuinely new ones, so a re-push of an unchanged node
// doesn't duplicate its rules.
func mergePaths(existing, incoming []GatewayPath) []GatewayPath {
	key := func(p GatewayPath) string { return p.Bind + "|" + p.NodeID + "|" + p.Pattern }
	merged := make(map[string]GatewayPath, len(existing)+len(incoming))
	for _, p := range existing {
		merged[key(p)] = p
	}
	for _, p := range incoming {
		merged[key(p)] = p
	}
	out := make([]GatewayPath, 0, len(merged))
	for _, p := range merged {
		out = append(out, p)
	}
	return out
}

func groupPathsByBind(paths []GatewayPath) map[string][]GatewayPath {
	byBind := make(map[string][]GatewayPath)
	for _, p := range paths {
		byBind[p.Bind] = append(byBind[p.Bind], p)
	}
	return byBind
}

// compileRules compiles every path pushed for bind. An invalid pattern is
// logged and skipped; it does not prevent loading of the other rules.
func compileRules(bind string, paths []GatewayPath) []*rulestore.CompiledRule {
	rules := make([]*rulestore.CompiledRule, 0, len(paths))
	for _, p := range paths {
		m, err := pattern.Compile(p.Pattern)
		if err != nil {
			gwlog.Errorf(component, "skipping pattern %q for bind %s: %v", p.Pattern, bind, err)
			continue
		}
		rules = append(rules, &rulestore.CompiledRule{
			Matcher:  m,
			Target:   p.Template,
			Peer:     p.Target,
			Priority: p.Priority,
			Bind:     bind,
		})
	}
	return rules
}

// Proxy returns a pushed proxy by id.
func (r *Registry) Proxy(id string) (Proxy, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.proxies[id]
	return p, ok
}

// Proxies returns a stable-ordered snapshot of every pushed proxy.
func (r *Registry) Proxies() []Proxy {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Proxy, 0, len(r.proxies))
	for _, p := range r.proxies {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// hashProxiesLocked must be called with mu held.
func (r *Registry) hashProxiesLocked() string {
	ids := make([]string, 0, len(r.proxies))
	for id := range r.proxies {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	ordered := make([]Proxy, len(ids))
	for i, id := range ids {
		ordered[i] = r.proxies[id]
	}
	b, _ := json.Marshal(ordered)
	return tlsmaterial.ContentHash(b)
}

// hashGatewayLocked must be called with mu held.
func (r *Registry) hashGatewayLocked() string {
	ids := make([]string, 0, len(r.gateways))
	for id := range r.gateways {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	orderedNodes := make([]GatewayNode, len(ids))
	for i, id := range ids {
		orderedNodes[i] = r.gateways[id]
	}
	orderedPaths := make([]GatewayPath, len(r.paths))
	copy(orderedPaths, r.paths)
	sort.Slice(orderedPaths, func(i, j int) bool {
		if orderedPaths[i].Bind != orderedPaths[j].Bind {
			return orderedPaths[i].Bind < orderedPaths[j].Bind
		}
		return orderedPaths[i].Pattern < orderedPaths[j].Pattern
	})

	combined := struct {
		Nodes []GatewayNode
		Paths []GatewayPath
	}{orderedNodes, orderedPaths}
	b, _ := json.Marshal(combined)
	return tlsmaterial.ContentHash(b)
}
