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

package logstore

import (
	"testing"
	"time"

	"gwrs/internal/monotonic"
)

func Test_Store_AppendAndLoad(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, "proxy", monotonic.NewRegistry().For("proxy"), time.Hour)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()

	now := time.Now()
	if err := s.Append(TemporaryLog{Time: now, ConnID: "a"}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := s.Append(TemporaryLog{Time: now.Add(time.Second), ConnID: "b"}); err != nil {
		t.Fatalf("append: %v", err)
	}

	recs, err := s.Load(now.Add(-time.Minute), now.Add(time.Minute))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(recs) != 2 || recs[0].ConnID != "a" || recs[1].ConnID != "b" {
		t.Fatalf("unexpected records: %+v", recs)
	}
}

func Test_Store_LoadFiltersOutOfRange(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, "proxy", monotonic.NewRegistry().For("proxy"), time.Hour)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()

	// Append clamps record times to be non-decreasing per owner, so the
	// out-of-range record lies after the window rather than before it.
	now := time.Now()
	s.Append(TemporaryLog{Time: now, ConnID: "recent"})
	s.Append(TemporaryLog{Time: now.Add(time.Hour), ConnID: "future"})

	recs, err := s.Load(now.Add(-time.Minute), now.Add(time.Minute))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(recs) != 1 || recs[0].ConnID != "recent" {
		t.Fatalf("expected only the recent record, got %+v", recs)
	}
}

func Test_Store_RotateMovesRecordsIntoArchive(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, "proxy", monotonic.NewRegistry().For("proxy"), time.Hour)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()

	now := time.Now()
	if err := s.Append(TemporaryLog{Time: now, ConnID: "pre-rotation"}); err != nil {
		t.Fatalf("append: %v", err)
	}

	s.mu.Lock()
	if err := s.rotateLocked(); err != nil {
		s.mu.Unlock()
		t.Fatalf("rotate: %v", err)
	}
	archivedCount := len(s.archived)
	s.mu.Unlock()

	if archivedCount != 1 {
		t.Fatalf("expected 1 archived segment after rotation, got %d", archivedCount)
	}

	recs, err := s.Load(now.Add(-time.Minute), now.Add(time.Minute))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	found := false
	for _, r := range recs {
		if r.ConnID == "pre-rotation" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected the pre-rotation record to still be loadable from the archive, got %+v", recs)
	}
}

func Test_Store_ReopenRecoversActiveSegment(t *testing.T) {
	dir := t.TempDir()
	clock := monotonic.NewRegistry().For("proxy")

	s1, err := Open(dir, "proxy", clock, time.Hour)
	if err != nil {
		t.Fatalf("open 1: %v", err)
	}
	now := time.Now()
	s1.Append(TemporaryLog{Time: now, ConnID: "surviving"})
	if err := s1.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	s2, err := Open(dir, "proxy", clock, time.Hour)
	if err != nil {
		t.Fatalf("open 2: %v", err)
	}
	defer s2.Close()

	recs, err := s2.Load(now.Add(-time.Minute), now.Add(time.Minute))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	found := false
	for _, r := range recs {
		if r.ConnID == "surviving" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected reopened store to recover the previously appended record, got %+v", recs)
	}
}
