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

// Package routing implements the routing engine: it matches an incoming
// request against a listener's rule snapshot, rewrites the target using
// capture groups, and caches the decision per listener bind.
package routing

import (
	"strconv"
	"strings"
	"sync"
	"time"

	"gwrs/internal/routecache"
	"gwrs/internal/rulestore"
	"gwrs/internal/telemetry/metrics"
)

// recheckInterval bounds how often a listener re-reads the process-wide
// configuration version before trusting its cached snapshot.
const recheckInterval = 5 * time.Second

// Engine ties a Rule Store and a sharded route cache together and exposes
// the single public operation, ChooseUpstream.
type Engine struct {
	store    *rulestore.Store
	fallback string // upstream peer address serving the static 404 page

	mu        sync.Mutex
	caches    map[string]*routecache.Cache
	lastSeen  map[string]string
	lastCheck map[string]time.Time
}

// NewEngine builds a routing engine backed by store. fallbackPeer is the
// address of the static responder used when no rule matches.
func NewEngine(store *rulestore.Store, fallbackPeer string) *Engine {
	return &Engine{
		store:     store,
		fallback:  fallbackPeer,
		caches:    make(map[string]*routecache.Cache),
		lastSeen:  make(map[string]string),
		lastCheck: make(map[string]time.Time),
	}
}

func (e *Engine) cacheFor(bind string) *routecache.Cache {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.caches[bind]
	if !ok {
		c = routecache.New(routecache.Options{})
		e.caches[bind] = c
	}
	return c
}

// maybeReload compares the store's current version against the last one
// this listener observed, at most once per recheckInterval. On a mismatch
// it clears this listener's cache, so a stale entry can be served for at
// most recheckInterval after a reload.
func (e *Engine) maybeReload(bind string) {
	e.mu.Lock()
	last := e.lastCheck[bind]
	if time.Since(last) < recheckInterval {
		e.mu.Unlock()
		return
	}
	e.lastCheck[bind] = time.Now()
	seen := e.lastSeen[bind]
	e.mu.Unlock()

	current := e.store.CurrentVersion()
	if current == seen {
		return
	}

	e.mu.Lock()
	e.lastSeen[bind] = current
	c, ok := e.caches[bind]
	e.mu.Unlock()
	if ok {
		c.Clear()
	}
}

// Decision is the result of ChooseUpstream.
type Decision struct {
	RewrittenPathQuery string
	Peer               string
	Fallback           bool
}

// ChooseUpstream resolves a request: cache lookup, priority-ordered rule
// matching, template expansion, and fallback to the 404 responder.
func (e *Engine) ChooseUpstream(bind, path, query string) Decision {
	e.maybeReload(bind)

	key := path
	if query != "" {
		key = path + "?" + query
	}

	cache := e.cacheFor(bind)
	if v, ok := cache.Get(key); ok {
		metrics.RouteCacheHits.Inc()
		return Decision{RewrittenPathQuery: v.Rewritten, Peer: v.Peer}
	}
	metrics.RouteCacheMisses.Inc()

	snapshot := e.store.Snapshot(bind)
	if len(snapshot) == 0 {
		return Decision{Peer: e.fallback, Fallback: true}
	}

	for _, rule := range snapshot {
		ok, captures := rule.Matcher.Match(path)
		if !ok {
			continue
		}
		rewritten := expandTemplate(rule.Target, captures)
		if query != "" {
			rewritten += "?" + query
		}
		cache.Insert(key, routecache.Value{Rewritten: rewritten, Peer: rule.Peer})
		return Decision{RewrittenPathQuery: rewritten, Peer: rule.Peer}
	}

	return Decision{Peer: e.fallback, Fallback: true}
}

// expandTemplate substitutes $1..$9 in tmpl with the corresponding capture
// group; every other byte is copied literally.
func expandTemplate(tmpl string, captures []string) string {
	var b strings.Builder
	b.Grow(len(tmpl))
	for i := 0; i < len(tmpl); i++ {
		c := tmpl[i]
		if c == '$' && i+1 < len(tmpl) && tmpl[i+1] >= '1' && tmpl[i+1] <= '9' {
			idx, _ := strconv.Atoi(string(tmpl[i+1]))
			if idx < len(captures) {
				b.WriteString(captures[idx])
			}
			i++
			continue
		}
		b.WriteByte(c)
	}
	return b.String()
}
