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

package routing

import (
	"testing"

	"gwrs/internal/pattern"
	"gwrs/internal/rulestore"
)

func compileRule(t *testing.T, raw, target, peer string, priority int32, bind string) *rulestore.CompiledRule {
	t.Helper()
	m, err := pattern.Compile(raw)
	if err != nil {
		t.Fatalf("compile %q: %v", raw, err)
	}
	return &rulestore.CompiledRule{Matcher: m, Target: target, Peer: peer, Priority: priority, Bind: bind}
}

func Test_Engine_MatchesAndRewrites(t *testing.T) {
	store := rulestore.New()
	store.Replace(":80", []*rulestore.CompiledRule{
		compileRule(t, "/api/v1/*", "/internal/$1", "10.0.0.1:9000", 0, ":80"),
	}, "v1")

	e := NewEngine(store, "127.0.0.1:404")
	d := e.ChooseUpstream(":80", "/api/v1/users/7", "")
	if d.Fallback {
		t.Fatalf("expected a matched rule, got fallback")
	}
	if d.Peer != "10.0.0.1:9000" || d.RewrittenPathQuery != "/internal/users/7" {
		t.Fatalf("unexpected decision: %+v", d)
	}
}

func Test_Engine_FallsBackWhenNoRuleMatches(t *testing.T) {
	store := rulestore.New()
	store.Replace(":80", []*rulestore.CompiledRule{
		compileRule(t, "/only", "/only", "10.0.0.1:9000", 0, ":80"),
	}, "v1")

	e := NewEngine(store, "127.0.0.1:404")
	d := e.ChooseUpstream(":80", "/elsewhere", "")
	if !d.Fallback || d.Peer != "127.0.0.1:404" {
		t.Fatalf("expected fallback decision, got %+v", d)
	}
}

func Test_Engine_FallsBackWhenBindHasNoRules(t *testing.T) {
	store := rulestore.New()
	e := NewEngine(store, "127.0.0.1:404")
	d := e.ChooseUpstream(":9999", "/anything", "")
	if !d.Fallback {
		t.Fatalf("expected fallback for bind with no rules")
	}
}

func Test_Engine_PriorityOrderWins(t *testing.T) {
	store := rulestore.New()
	store.Replace(":80", []*rulestore.CompiledRule{
		compileRule(t, "/*", "/low/$1", "low-peer", 100, ":80"),
		compileRule(t, "/api/*", "/high/$1", "high-peer", 1, ":80"),
	}, "v1")

	e := NewEngine(store, "fallback")
	d := e.ChooseUpstream(":80", "/api/thing", "")
	if d.Peer != "high-peer" {
		t.Fatalf("expected the higher-priority (lower number) rule to win, got peer %q", d.Peer)
	}
}

func Test_Engine_QueryStringPreserved(t *testing.T) {
	store := rulestore.New()
	store.Replace(":80", []*rulestore.CompiledRule{
		compileRule(t, "/search", "/v2/search", "peer", 0, ":80"),
	}, "v1")

	e := NewEngine(store, "fallback")
	d := e.ChooseUpstream(":80", "/search", "q=go")
	if d.RewrittenPathQuery != "/v2/search?q=go" {
		t.Fatalf("expected query string preserved, got %q", d.RewrittenPathQuery)
	}
}

func Test_Engine_CachesDecisionAcrossCalls(t *testing.T) {
	store := rulestore.New()
	store.Replace(":80", []*rulestore.CompiledRule{
		compileRule(t, "/cached", "/v2/cached", "peer-1", 0, ":80"),
	}, "v1")

	e := NewEngine(store, "fallback")
	first := e.ChooseUpstream(":80", "/cached", "")
	store.Remove(":80") // mutate the store; a cached decision should still serve stale data
	second := e.ChooseUpstream(":80", "/cached", "")

	if first != second {
		t.Fatalf("expected cached decision to be reused: first=%+v second=%+v", first, second)
	}
}

func Test_ExpandTemplate_MultipleCaptures(t *testing.T) {
	store := rulestore.New()
	store.Replace(":80", []*rulestore.CompiledRule{
		compileRule(t, `/users/(\d+)/orders/(\d+)`, "/v2/u/$1/o/$2", "peer", 0, ":80"),
	}, "v1")

	e := NewEngine(store, "fallback")
	d := e.ChooseUpstream(":80", "/users/7/orders/42", "")
	if d.RewrittenPathQuery != "/v2/u/7/o/42" {
		t.Fatalf("expected multi-capture expansion, got %q", d.RewrittenPathQuery)
	}
}
