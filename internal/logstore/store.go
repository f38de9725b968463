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
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ulikunitz/xz/lzma"

	"gwrs/internal/gwlog"
	"gwrs/internal/monotonic"
	"gwrs/internal/telemetry/metrics"
)

const component = "logstore"

const (
	rotationInterval      = 1 * time.Minute
	rotationCheckThrottle = 10 * time.Second
	// DefaultRetention is the default archival window.
	DefaultRetention = 35 * time.Minute
)

// archivedSegment is a rotated, renamed segment file tracked by its time
// window. compressed is true once the background LZMA task has replaced
// the .bin with a .lzma counterpart.
type archivedSegment struct {
	path       string
	start      time.Time
	end        time.Time
	compressed bool
}

// Store is the segmented log store for a single owner (e.g. "proxy" or
// "gateway").
type Store struct {
	dir   string
	owner string

	retention time.Duration
	clock     *monotonic.Clock

	mu                sync.Mutex
	active            *activeSegment
	archived          []archivedSegment
	cache             []TemporaryLog
	lastRotationCheck time.Time
}

// Open scans dir for an existing active segment to reopen and any already
// rotated segments to index, creating a fresh active segment if none
// exists.
func Open(root, owner string, clock *monotonic.Clock, retention time.Duration) (*Store, error) {
	if retention <= 0 {
		retention = DefaultRetention
	}
	dir := filepath.Join(root, "logment")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("logstore: mkdir %s: %w", dir, err)
	}

	s := &Store{dir: dir, owner: owner, retention: retention, clock: clock}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("logstore: scan %s: %w", dir, err)
	}

	activePrefix := fmt.Sprintf("active_segment_%s_", owner)
	segmentPrefix := fmt.Sprintf("segment_%s_", owner)

	for _, e := range entries {
		name := e.Name()
		switch {
		case strings.HasPrefix(name, activePrefix) && strings.HasSuffix(name, ".bin"):
			start := parseActiveSegmentStart(name, activePrefix)
			seg, err := reopenActiveSegment(filepath.Join(dir, name), start)
			if err != nil {
				gwlog.Errorf(component, "reopen active segment %s: %v", name, err)
				continue
			}
			s.active = seg
		case strings.HasPrefix(name, segmentPrefix):
			start, end, ok := parseArchivedSegmentName(name, segmentPrefix)
			if !ok {
				continue
			}
			s.archived = append(s.archived, archivedSegment{
				path:       filepath.Join(dir, name),
				start:      start,
				end:        end,
				compressed: strings.HasSuffix(name, ".lzma"),
			})
		}
	}
	sort.Slice(s.archived, func(i, j int) bool { return s.archived[i].start.Before(s.archived[j].start) })

	if s.active == nil {
		seg, err := createActiveSegment(dir, owner, s.clock.Now())
		if err != nil {
			return nil, err
		}
		s.active = seg
	}
	s.lastRotationCheck = time.Now()
	return s, nil
}

func parseActiveSegmentStart(name, prefix string) time.Time {
	stamp := strings.TrimSuffix(strings.TrimPrefix(name, prefix), ".bin")
	var unixSec int64
	fmt.Sscanf(stamp, "%d", &unixSec)
	return time.Unix(unixSec, 0).UTC()
}

func parseArchivedSegmentName(name, prefix string) (start, end time.Time, ok bool) {
	rest := strings.TrimPrefix(name, prefix)
	rest = strings.TrimSuffix(rest, ".lzma")
	rest = strings.TrimSuffix(rest, ".bin")
	parts := strings.SplitN(rest, "_", 3)
	if len(parts) != 3 {
		return time.Time{}, time.Time{}, false
	}
	startStamp := parts[0] + "_" + parts[1]
	st, err := time.ParseInLocation("20060102_150405", startStamp, time.UTC)
	if err != nil {
		return time.Time{}, time.Time{}, false
	}
	endStamp := parts[2]
	if len(endStamp) != 6 {
		return time.Time{}, time.Time{}, false
	}
	et, err := time.ParseInLocation("20060102_150405", startStamp[:9]+endStamp, time.UTC)
	if err != nil {
		return time.Time{}, time.Time{}, false
	}
	return st, et, true
}

// Append performs a throttled rotation check, encodes the record, writes
// it with a rotate-and-retry on overflow, then mirrors it into the
// bounded in-memory cache.
func (s *Store) Append(log TemporaryLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	log.Time = s.clock.Observe(log.Time)

	if time.Since(s.lastRotationCheck) >= rotationCheckThrottle {
		s.lastRotationCheck = time.Now()
		if time.Since(s.active.start) >= rotationInterval {
			if err := s.rotateLocked(); err != nil {
				return err
			}
		}
	}

	encoded := Encode(log)
	if !s.active.append(encoded) {
		if err := s.rotateLocked(); err != nil {
			return err
		}
		if !s.active.append(encoded) {
			return fmt.Errorf("logstore: record of %d bytes does not fit in a fresh segment", len(encoded))
		}
	}

	s.cache = append(s.cache, log)
	s.trimCacheLocked()
	return nil
}

func (s *Store) trimCacheLocked() {
	cutoff := time.Now().Add(-s.retention)
	i := 0
	for i < len(s.cache) && s.cache[i].Time.Before(cutoff) {
		i++
	}
	if i > 0 {
		s.cache = append([]TemporaryLog(nil), s.cache[i:]...)
	}
}

// rotateLocked syncs/unmaps/truncates the active segment, renames it into
// the archived index, spawns background LZMA compaction, opens a fresh
// active segment, and reaps retired segments. Caller must hold s.mu.
func (s *Store) rotateLocked() error {
	finished := s.active
	end := s.clock.Now()

	if err := finished.finalize(); err != nil {
		return fmt.Errorf("logstore: finalize segment: %w", err)
	}

	name := fmt.Sprintf("segment_%s_%s_%s.bin", s.owner, finished.start.Format("20060102_150405"), end.Format("150405"))
	newPath := filepath.Join(s.dir, name)
	if err := os.Rename(finished.path, newPath); err != nil {
		return fmt.Errorf("logstore: rename rotated segment: %w", err)
	}

	seg := archivedSegment{path: newPath, start: finished.start, end: end}
	s.archived = append(s.archived, seg)
	metrics.SegmentRotations.WithLabelValues(s.owner).Inc()

	go s.compress(newPath)

	fresh, err := createActiveSegment(s.dir, s.owner, s.clock.Now())
	if err != nil {
		return fmt.Errorf("logstore: open fresh active segment: %w", err)
	}
	s.active = fresh

	s.reapExpiredLocked()
	return nil
}

// compress LZMA-compresses a rotated .bin segment in the background.
// Storage errors here are logged, not surfaced, and the uncompressed
// segment stays in place.
func (s *Store) compress(path string) {
	start := time.Now()
	defer func() {
		metrics.CompactionDuration.Observe(time.Since(start).Seconds())
	}()

	in, err := os.Open(path)
	if err != nil {
		gwlog.Errorf(component, "compaction: open %s: %v", path, err)
		return
	}
	defer in.Close()

	outPath := path + ".lzma"
	out, err := os.Create(outPath)
	if err != nil {
		gwlog.Errorf(component, "compaction: create %s: %v", outPath, err)
		return
	}

	w, err := lzma.NewWriter(out)
	if err != nil {
		out.Close()
		os.Remove(outPath)
		gwlog.Errorf(component, "compaction: lzma writer for %s: %v", outPath, err)
		return
	}
	if _, err := io.Copy(w, in); err != nil {
		w.Close()
		out.Close()
		os.Remove(outPath)
		gwlog.Errorf(component, "compaction: compress %s: %v", path, err)
		return
	}
	if err := w.Close(); err != nil {
		out.Close()
		os.Remove(outPath)
		gwlog.Errorf(component, "compaction: finalize %s: %v", outPath, err)
		return
	}
	if err := out.Sync(); err != nil {
		gwlog.Errorf(component, "compaction: fsync %s: %v", outPath, err)
		return
	}
	out.Close()

	if err := os.Remove(path); err != nil {
		gwlog.Errorf(component, "compaction: remove uncompressed %s: %v", path, err)
		return
	}

	s.mu.Lock()
	for i := range s.archived {
		if s.archived[i].path == path {
			s.archived[i].path = outPath
			s.archived[i].compressed = true
			break
		}
	}
	s.mu.Unlock()
}

// reapExpiredLocked deletes archived segments whose end time has fallen
// outside the retention window. Caller must hold s.mu.
func (s *Store) reapExpiredLocked() {
	cutoff := time.Now().Add(-s.retention)
	kept := s.archived[:0]
	for _, seg := range s.archived {
		if seg.end.Before(cutoff) {
			if err := os.Remove(seg.path); err != nil && !os.IsNotExist(err) {
				gwlog.Errorf(component, "retention: remove %s: %v", seg.path, err)
			}
			continue
		}
		kept = append(kept, seg)
	}
	s.archived = kept
}

// Load answers a range query from the in-memory cache, the active
// segment's tail, and overlapping archives, merged by ascending
// timestamp. The cache is authoritative for everything at or after its
// oldest entry; on-disk sources only supply records from before that
// floor (entries written by a previous process incarnation), so a record
// present in both the cache and a mapped segment is returned once.
func (s *Store) Load(start, end time.Time) ([]TemporaryLog, error) {
	s.mu.Lock()
	var out []TemporaryLog
	haveFloor := len(s.cache) > 0
	var floor time.Time
	if haveFloor {
		floor = s.cache[0].Time
	}
	for _, rec := range s.cache {
		if inRange(rec.Time, start, end) {
			out = append(out, rec)
		}
	}
	for _, rec := range s.active.records() {
		if haveFloor && !rec.Time.Before(floor) {
			continue
		}
		if inRange(rec.Time, start, end) {
			out = append(out, rec)
		}
	}
	overlapping := make([]archivedSegment, 0, len(s.archived))
	for _, seg := range s.archived {
		if seg.end.Before(start) || seg.start.After(end) {
			continue
		}
		overlapping = append(overlapping, seg)
	}
	s.mu.Unlock()

	for _, seg := range overlapping {
		recs, err := loadArchivedSegment(seg)
		if err != nil {
			gwlog.Errorf(component, "load archived segment %s: %v", seg.path, err)
			continue
		}
		for _, rec := range recs {
			if haveFloor && !rec.Time.Before(floor) {
				continue
			}
			if inRange(rec.Time, start, end) {
				out = append(out, rec)
			}
		}
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Time.Before(out[j].Time) })
	return out, nil
}

func inRange(t, start, end time.Time) bool {
	return !t.Before(start) && !t.After(end)
}

func loadArchivedSegment(seg archivedSegment) ([]TemporaryLog, error) {
	f, err := os.Open(seg.path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var r io.Reader = f
	if strings.HasSuffix(seg.path, ".lzma") {
		lr, err := lzma.NewReader(f)
		if err != nil {
			return nil, fmt.Errorf("lzma reader: %w", err)
		}
		r = lr
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	return decodeAll(data), nil
}

// Close flushes and unmaps the active segment without rotating it.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active.close()
}
