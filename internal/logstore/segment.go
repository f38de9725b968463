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
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sys/unix"
)

// segmentDataSize is the preallocated size of an active segment mapping.
const segmentDataSize = 100 << 20

const lengthPrefixSize = 4

// activeSegment is the current write target for one owner: a memory-mapped
// file with an in-memory write cursor.
type activeSegment struct {
	path   string
	file   *os.File
	mem    []byte
	cursor int
	start  time.Time
}

func activeSegmentName(owner string, start time.Time) string {
	return fmt.Sprintf("active_segment_%s_%d.bin", owner, start.Unix())
}

// createActiveSegment preallocates and maps a fresh active segment.
func createActiveSegment(dir, owner string, start time.Time) (*activeSegment, error) {
	path := filepath.Join(dir, activeSegmentName(owner, start))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("logstore: create active segment: %w", err)
	}
	if err := f.Truncate(segmentDataSize); err != nil {
		f.Close()
		return nil, fmt.Errorf("logstore: preallocate active segment: %w", err)
	}
	mem, err := unix.Mmap(int(f.Fd()), 0, segmentDataSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("logstore: mmap active segment: %w", err)
	}
	return &activeSegment{path: path, file: f, mem: mem, cursor: 0, start: start}, nil
}

// reopenActiveSegment reattaches to an existing active segment file found
// during a startup directory scan, recovering the write cursor by walking
// length-prefixed records until an invalid or zero length is found.
func reopenActiveSegment(path string, start time.Time) (*activeSegment, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("logstore: reopen active segment: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	size := info.Size()
	if size < segmentDataSize {
		if err := f.Truncate(segmentDataSize); err != nil {
			f.Close()
			return nil, fmt.Errorf("logstore: re-preallocate active segment: %w", err)
		}
	}
	mem, err := unix.Mmap(int(f.Fd()), 0, segmentDataSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("logstore: mmap active segment: %w", err)
	}
	cursor := recoverCursor(mem)
	return &activeSegment{path: path, file: f, mem: mem, cursor: cursor, start: start}, nil
}

// recoverCursor walks length-prefixed records from offset 0 until it finds
// an implausible length, returning the offset just past the last valid
// record.
func recoverCursor(mem []byte) int {
	pos := 0
	for pos+lengthPrefixSize <= len(mem) {
		length := int(binary.LittleEndian.Uint32(mem[pos : pos+lengthPrefixSize]))
		if length <= 0 || pos+lengthPrefixSize+length > len(mem) {
			break
		}
		pos += lengthPrefixSize + length
	}
	return pos
}

// append writes one pre-encoded record if it fits, returning false if the
// segment has no room left.
func (s *activeSegment) append(encoded []byte) bool {
	need := lengthPrefixSize + len(encoded)
	if s.cursor+need > segmentDataSize {
		return false
	}
	binary.LittleEndian.PutUint32(s.mem[s.cursor:s.cursor+lengthPrefixSize], uint32(len(encoded)))
	copy(s.mem[s.cursor+lengthPrefixSize:s.cursor+need], encoded)
	s.cursor += need
	return true
}

// records decodes every record currently written to this segment.
func (s *activeSegment) records() []TemporaryLog {
	return decodeAll(s.mem[:s.cursor])
}

func decodeAll(b []byte) []TemporaryLog {
	var out []TemporaryLog
	pos := 0
	for pos+lengthPrefixSize <= len(b) {
		length := int(binary.LittleEndian.Uint32(b[pos : pos+lengthPrefixSize]))
		if length <= 0 || pos+lengthPrefixSize+length > len(b) {
			break
		}
		rec, err := Decode(b[pos+lengthPrefixSize : pos+lengthPrefixSize+length])
		pos += lengthPrefixSize + length
		if err != nil {
			continue
		}
		out = append(out, rec)
	}
	return out
}

// close msyncs, unmaps, and closes the backing file without renaming it —
// used for an orderly shutdown rather than a rotation.
func (s *activeSegment) close() error {
	_ = unix.Msync(s.mem, unix.MS_SYNC)
	if err := unix.Munmap(s.mem); err != nil {
		return err
	}
	return s.file.Close()
}

// finalize prepares a segment for archiving: sync, unmap, truncate down
// to the live cursor, close. The caller renames the result.
func (s *activeSegment) finalize() error {
	if err := unix.Msync(s.mem, unix.MS_SYNC); err != nil {
		return fmt.Errorf("logstore: msync: %w", err)
	}
	if err := unix.Munmap(s.mem); err != nil {
		return fmt.Errorf("logstore: munmap: %w", err)
	}
	if err := s.file.Truncate(int64(s.cursor)); err != nil {
		s.file.Close()
		return fmt.Errorf("logstore: truncate to cursor: %w", err)
	}
	return s.file.Close()
}
