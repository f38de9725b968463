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
	"os"
	"testing"
	"time"
)

func Test_ActiveSegment_AppendAndRecords(t *testing.T) {
	dir := t.TempDir()
	start := time.Now().UTC()
	seg, err := createActiveSegment(dir, "proxy", start)
	if err != nil {
		t.Fatalf("create active segment: %v", err)
	}
	defer seg.close()

	log1 := TemporaryLog{Time: start, ConnID: "a"}
	log2 := TemporaryLog{Time: start.Add(time.Second), ConnID: "b"}
	if !seg.append(Encode(log1)) {
		t.Fatalf("expected first append to fit")
	}
	if !seg.append(Encode(log2)) {
		t.Fatalf("expected second append to fit")
	}

	recs := seg.records()
	if len(recs) != 2 || recs[0].ConnID != "a" || recs[1].ConnID != "b" {
		t.Fatalf("unexpected records: %+v", recs)
	}
}

func Test_ActiveSegment_AppendFailsWhenFull(t *testing.T) {
	dir := t.TempDir()
	seg, err := createActiveSegment(dir, "proxy", time.Now().UTC())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer seg.close()

	seg.cursor = segmentDataSize - 4 // leave room for only a length prefix, no payload
	if seg.append(Encode(TemporaryLog{Time: time.Now(), ConnID: "x"})) {
		t.Fatalf("expected append to fail when segment has no room")
	}
}

func Test_ReopenActiveSegment_RecoversCursor(t *testing.T) {
	dir := t.TempDir()
	start := time.Now().UTC()
	seg, err := createActiveSegment(dir, "proxy", start)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	seg.append(Encode(TemporaryLog{Time: start, ConnID: "persisted-1"}))
	seg.append(Encode(TemporaryLog{Time: start, ConnID: "persisted-2"}))
	wantCursor := seg.cursor
	if err := seg.close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := reopenActiveSegment(seg.path, start)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.close()

	if reopened.cursor != wantCursor {
		t.Fatalf("expected recovered cursor %d, got %d", wantCursor, reopened.cursor)
	}
	recs := reopened.records()
	if len(recs) != 2 || recs[0].ConnID != "persisted-1" || recs[1].ConnID != "persisted-2" {
		t.Fatalf("unexpected recovered records: %+v", recs)
	}
}

func Test_ActiveSegment_Finalize_TruncatesToCursor(t *testing.T) {
	dir := t.TempDir()
	seg, err := createActiveSegment(dir, "proxy", time.Now().UTC())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	seg.append(Encode(TemporaryLog{Time: time.Now(), ConnID: "x"}))
	wantSize := int64(seg.cursor)

	if err := seg.finalize(); err != nil {
		t.Fatalf("finalize: %v", err)
	}

	info, err := os.Stat(seg.path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Size() != wantSize {
		t.Fatalf("expected finalized file truncated to %d bytes, got %d", wantSize, info.Size())
	}
}
