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

// Package logstore is the segmented, memory-mapped, LZMA-archiving log
// store: one active segment per owner, a sorted archived-segment index,
// and a range query that merges the in-memory cache, the active segment's
// tail, and overlapping archives.
package logstore

import (
	"encoding/binary"
	"fmt"
	"time"
)

// TemporaryLog is one connection-lifecycle event. Field order here is the
// codec's wire order: (secs, nanos, status, src, dst, conn_id, conn_type,
// conn_req, conn_res, bytes_in, bytes_out).
type TemporaryLog struct {
	Time     time.Time
	Status   int32
	Src      string
	Dst      string
	ConnID   string
	ConnType string
	ConnReq  int8
	ConnRes  int8
	BytesIn  int32
	BytesOut int32
}

// encodeString writes a u32-LE length prefix followed by the UTF-8 bytes.
func encodeString(buf []byte, s string) []byte {
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(s)))
	buf = append(buf, lenBuf[:]...)
	return append(buf, s...)
}

func decodeString(b []byte) (string, []byte, error) {
	if len(b) < 4 {
		return "", nil, fmt.Errorf("logstore: truncated string length")
	}
	n := binary.LittleEndian.Uint32(b[:4])
	b = b[4:]
	if uint64(len(b)) < uint64(n) {
		return "", nil, fmt.Errorf("logstore: truncated string body")
	}
	return string(b[:n]), b[n:], nil
}

// Encode serializes a TemporaryLog with the compact binary codec: fields
// in declared order, the timestamp as (i64 seconds, u32 nanos). All
// integers are little-endian for cross-host log portability.
func Encode(log TemporaryLog) []byte {
	buf := make([]byte, 0, 64)
	var tmp [8]byte

	binary.LittleEndian.PutUint64(tmp[:8], uint64(log.Time.Unix()))
	buf = append(buf, tmp[:8]...)

	binary.LittleEndian.PutUint32(tmp[:4], uint32(log.Time.Nanosecond()))
	buf = append(buf, tmp[:4]...)

	binary.LittleEndian.PutUint32(tmp[:4], uint32(log.Status))
	buf = append(buf, tmp[:4]...)

	buf = encodeString(buf, log.Src)
	buf = encodeString(buf, log.Dst)
	buf = encodeString(buf, log.ConnID)
	buf = encodeString(buf, log.ConnType)

	buf = append(buf, byte(log.ConnReq), byte(log.ConnRes))

	binary.LittleEndian.PutUint32(tmp[:4], uint32(log.BytesIn))
	buf = append(buf, tmp[:4]...)
	binary.LittleEndian.PutUint32(tmp[:4], uint32(log.BytesOut))
	buf = append(buf, tmp[:4]...)

	return buf
}

// Decode parses one record body (without its length prefix) back into a
// TemporaryLog. Decode(Encode(x)) == x on every field.
func Decode(b []byte) (TemporaryLog, error) {
	var log TemporaryLog
	if len(b) < 20 {
		return log, fmt.Errorf("logstore: record too short")
	}
	secs := int64(binary.LittleEndian.Uint64(b[:8]))
	b = b[8:]
	nanos := int64(binary.LittleEndian.Uint32(b[:4]))
	b = b[4:]
	log.Time = time.Unix(secs, nanos).UTC()

	log.Status = int32(binary.LittleEndian.Uint32(b[:4]))
	b = b[4:]

	var err error
	log.Src, b, err = decodeString(b)
	if err != nil {
		return log, err
	}
	log.Dst, b, err = decodeString(b)
	if err != nil {
		return log, err
	}
	log.ConnID, b, err = decodeString(b)
	if err != nil {
		return log, err
	}
	log.ConnType, b, err = decodeString(b)
	if err != nil {
		return log, err
	}

	if len(b) < 10 {
		return log, fmt.Errorf("logstore: truncated tail fields")
	}
	log.ConnReq = int8(b[0])
	log.ConnRes = int8(b[1])
	b = b[2:]
	log.BytesIn = int32(binary.LittleEndian.Uint32(b[:4]))
	b = b[4:]
	log.BytesOut = int32(binary.LittleEndian.Uint32(b[:4]))

	return log, nil
}
