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

// Package aggregator buckets the result of a logstore range query into
// 15-second intervals and computes the dashboard views: request/response
// counts, response-time pairing, stalled connections, and byte rates.
package aggregator

import (
	"time"

	"gwrs/internal/logstore"
	"gwrs/internal/telemetry/metrics"
)

// bucketSeconds is the fixed aggregation interval.
const bucketSeconds = 15

// BytesSelector chooses which byte counter the Byte view aggregates.
type BytesSelector int

const (
	BytesIn BytesSelector = iota
	BytesOut
	BytesTotal
)

// Bucket is one 15-second output row, shared by all four views. Not every
// field is meaningful for every view; see the doc comment on each View
// function for which fields it populates.
type Bucket struct {
	Timestamp time.Time
	Value     float64
	High      float64
	Low       float64
}

func bucketIndex(t time.Time) int64 {
	return t.Unix() / bucketSeconds
}

func bucketStart(idx int64) time.Time {
	return time.Unix(idx*bucketSeconds, 0).UTC()
}

// allBucketIndexes returns every bucket index in [start,end], inclusive,
// so empty buckets get explicit zero-filled entries.
func allBucketIndexes(start, end time.Time) []int64 {
	first := bucketIndex(start)
	last := bucketIndex(end)
	out := make([]int64, 0, last-first+1)
	for i := first; i <= last; i++ {
		out = append(out, i)
	}
	return out
}

// CountView computes the count-style view: per bucket, low = sum of
// conn_req, high = sum of conn_res, value = low - high.
func CountView(records []logstore.TemporaryLog, start, end time.Time) []Bucket {
	timer := metrics.AggregatorQueryDuration
	t0 := time.Now()
	defer func() { timer.Observe(time.Since(t0).Seconds()) }()

	type acc struct{ low, high float64 }
	byBucket := make(map[int64]*acc)
	for _, r := range records {
		idx := bucketIndex(r.Time)
		a, ok := byBucket[idx]
		if !ok {
			a = &acc{}
			byBucket[idx] = a
		}
		a.low += float64(r.ConnReq)
		a.high += float64(r.ConnRes)
	}

	out := make([]Bucket, 0, len(allBucketIndexes(start, end)))
	for _, idx := range allBucketIndexes(start, end) {
		a := byBucket[idx]
		b := Bucket{Timestamp: bucketStart(idx)}
		if a != nil {
			b.Low, b.High = a.low, a.high
			b.Value = a.low - a.high
		}
		out = append(out, b)
	}
	return out
}

// StatusView pairs REQ->RES records by connection id across the whole
// record set and measures response time in milliseconds; a completed pair
// is counted in the bucket of its response. Buckets with no completed
// pairs fall back to a raw record count in Value.
func StatusView(records []logstore.TemporaryLog, start, end time.Time) []Bucket {
	t0 := time.Now()
	defer func() { metrics.AggregatorQueryDuration.Observe(time.Since(t0).Seconds()) }()

	type pending struct{ reqAt time.Time }
	reqByConn := make(map[string]pending)

	type acc struct {
		count        int
		maxRT, minRT float64
		haveRT       bool
		rawCount     int
	}
	byBucket := make(map[int64]*acc)

	getAcc := func(idx int64) *acc {
		a, ok := byBucket[idx]
		if !ok {
			a = &acc{minRT: -1}
			byBucket[idx] = a
		}
		return a
	}

	for _, r := range records {
		idx := bucketIndex(r.Time)
		a := getAcc(idx)
		a.rawCount++

		if r.ConnReq == 1 && r.ConnRes == 0 {
			reqByConn[r.ConnID] = pending{reqAt: r.Time}
			continue
		}
		if r.ConnRes == 1 {
			if p, ok := reqByConn[r.ConnID]; ok {
				rt := float64(r.Time.Sub(p.reqAt).Milliseconds())
				a.count++
				a.haveRT = true
				if rt > a.maxRT {
					a.maxRT = rt
				}
				if a.minRT < 0 || rt < a.minRT {
					a.minRT = rt
				}
				delete(reqByConn, r.ConnID)
			}
		}
	}

	out := make([]Bucket, 0, len(allBucketIndexes(start, end)))
	for _, idx := range allBucketIndexes(start, end) {
		a := byBucket[idx]
		b := Bucket{Timestamp: bucketStart(idx)}
		if a != nil {
			if a.haveRT {
				b.Value = float64(a.count)
				b.High = a.maxRT
				b.Low = a.minRT
			} else {
				b.Value = float64(a.rawCount)
			}
		}
		out = append(out, b)
	}
	return out
}

// StallView emits, per bucket, the count of distinct connection ids among
// records flagged conn_req=1, conn_res=0, along with the earliest/latest
// timestamp of those records. Response records for the same connection are
// not consulted.
func StallView(records []logstore.TemporaryLog, start, end time.Time) []Bucket {
	t0 := time.Now()
	defer func() { metrics.AggregatorQueryDuration.Observe(time.Since(t0).Seconds()) }()

	type acc struct {
		ids        map[string]struct{}
		earliest   time.Time
		latest     time.Time
		haveBounds bool
	}
	byBucket := make(map[int64]*acc)

	for _, r := range records {
		if !(r.ConnReq == 1 && r.ConnRes == 0) {
			continue
		}
		idx := bucketIndex(r.Time)
		a, ok := byBucket[idx]
		if !ok {
			a = &acc{ids: make(map[string]struct{})}
			byBucket[idx] = a
		}
		a.ids[r.ConnID] = struct{}{}
		if !a.haveBounds || r.Time.Before(a.earliest) {
			a.earliest = r.Time
		}
		if !a.haveBounds || r.Time.After(a.latest) {
			a.latest = r.Time
		}
		a.haveBounds = true
	}

	out := make([]Bucket, 0, len(allBucketIndexes(start, end)))
	for _, idx := range allBucketIndexes(start, end) {
		a := byBucket[idx]
		b := Bucket{Timestamp: bucketStart(idx)}
		if a != nil {
			b.Value = float64(len(a.ids))
			b.High = float64(a.latest.Unix())
			b.Low = float64(a.earliest.Unix())
		}
		out = append(out, b)
	}
	return out
}

// ByteView computes per-bucket average, max-of-1s-average, and
// min-of-1s-average for the selected byte counter.
func ByteView(records []logstore.TemporaryLog, start, end time.Time, sel BytesSelector) []Bucket {
	t0 := time.Now()
	defer func() { metrics.AggregatorQueryDuration.Observe(time.Since(t0).Seconds()) }()

	value := func(r logstore.TemporaryLog) float64 {
		switch sel {
		case BytesIn:
			return float64(r.BytesIn)
		case BytesOut:
			return float64(r.BytesOut)
		default:
			return float64(r.BytesIn + r.BytesOut)
		}
	}

	// Two levels of aggregation: 1-second sums feed the bucket's
	// high/low, and the bucket average is computed over all records.
	type secondAcc struct{ sum float64 }
	perSecond := make(map[int64]*secondAcc)
	type bucketAcc struct {
		sum   float64
		count int
	}
	byBucket := make(map[int64]*bucketAcc)

	for _, r := range records {
		secIdx := r.Time.Unix()
		sa, ok := perSecond[secIdx]
		if !ok {
			sa = &secondAcc{}
			perSecond[secIdx] = sa
		}
		sa.sum += value(r)

		bIdx := bucketIndex(r.Time)
		ba, ok := byBucket[bIdx]
		if !ok {
			ba = &bucketAcc{}
			byBucket[bIdx] = ba
		}
		ba.sum += value(r)
		ba.count++
	}

	out := make([]Bucket, 0, len(allBucketIndexes(start, end)))
	for _, idx := range allBucketIndexes(start, end) {
		b := Bucket{Timestamp: bucketStart(idx)}
		if ba, ok := byBucket[idx]; ok && ba.count > 0 {
			b.Value = ba.sum / float64(ba.count)
			secStart := idx * bucketSeconds
			first := true
			for s := secStart; s < secStart+bucketSeconds; s++ {
				sa, ok := perSecond[s]
				if !ok {
					continue
				}
				if first || sa.sum > b.High {
					b.High = sa.sum
				}
				if first || sa.sum < b.Low {
					b.Low = sa.sum
				}
				first = false
			}
		}
		out = append(out, b)
	}
	return out
}
