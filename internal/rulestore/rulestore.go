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

// Package rulestore holds compiled, priority-sorted rule snapshots keyed by
// listener bind address. Readers hold a read lock only long enough to fetch
// the shared snapshot slice; writers swap a new snapshot in under the write
// lock. Ownership is one-way:
// listeners hold a bind string and read snapshots by key, rules keep no
// back-pointers to listeners.
package rulestore

import (
	"sort"
	"sync"
	"sync/atomic"

	"gwrs/internal/pattern"
)

// CompiledRule is the in-memory, ready-to-match form of a Gateway Rule.
type CompiledRule struct {
	Matcher  *pattern.Matcher
	Target   string // target template, e.g. "/v2/api/$1"
	Peer     string // upstream peer address, shared by reference across rules
	Priority int32  // lower sorts first
	Bind     string // listener bind address this rule belongs to
}

// Snapshot is an immutable, priority-sorted view of the rules for one bind.
type Snapshot = []*CompiledRule

// Store maps listener bind address to its current rule snapshot.
type Store struct {
	mu      sync.RWMutex
	byBind  map[string]Snapshot
	version atomic.Pointer[string]
}

// New creates an empty rule store.
func New() *Store {
	s := &Store{byBind: make(map[string]Snapshot)}
	empty := ""
	s.version.Store(&empty)
	return s
}

// Snapshot returns the current rule snapshot for bind. The returned slice
// must not be mutated by the caller; replace it wholesale via Replace.
func (s *Store) Snapshot(bind string) Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.byBind[bind]
}

// Replace atomically swaps in a new, priority-sorted snapshot for bind and
// records newVersion as the process-wide current configuration version.
// Old readers holding a previously returned Snapshot keep observing it
// (slices are immutable once published) until they fetch again.
func (s *Store) Replace(bind string, rules []*CompiledRule, newVersion string) {
	sorted := make(Snapshot, len(rules))
	copy(sorted, rules)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Priority < sorted[j].Priority })

	s.mu.Lock()
	s.byBind[bind] = sorted
	s.mu.Unlock()

	s.version.Store(&newVersion)
}

// Remove drops a bind entirely, used when a listener is torn down.
func (s *Store) Remove(bind string) {
	s.mu.Lock()
	delete(s.byBind, bind)
	s.mu.Unlock()
}

// CurrentVersion returns the most recently stored configuration version
// string (a hex SHA-256 digest), regardless of which bind last changed.
func (s *Store) CurrentVersion() string {
	return *s.version.Load()
}
