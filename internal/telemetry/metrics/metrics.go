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

// Package metrics centralizes the Prometheus collectors exported by the
// core. Collectors register eagerly at init() and are exposed behind a
// small dedicated HTTP server.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	RouteCacheHits = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gwrs_route_cache_hits_total",
		Help: "Routing decisions served from the sharded LRU cache.",
	})
	RouteCacheMisses = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gwrs_route_cache_misses_total",
		Help: "Routing decisions that required a rule-snapshot scan.",
	})
	ProxySessionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "gwrs_proxy_sessions_active",
		Help: "Number of proxy sessions currently in the duplex copy loop.",
	})
	ProxySessionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gwrs_proxy_sessions_total",
		Help: "Proxy sessions accepted, labeled by outcome.",
	}, []string{"outcome"})
	ControlClientRetries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gwrs_control_client_retries_total",
		Help: "Control protocol client retry attempts, labeled by action.",
	}, []string{"action"})
	RingOverflow = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "gwrs_shmring_overflow_total",
		Help: "Current overflow_count of a shared-memory ring, labeled by ring name.",
	}, []string{"ring"})
	SegmentRotations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gwrs_logstore_segment_rotations_total",
		Help: "Segment rotations performed, labeled by owner.",
	}, []string{"owner"})
	CompactionDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "gwrs_logstore_compaction_seconds",
		Help:    "Wall time spent LZMA-compressing a rotated segment.",
		Buckets: prometheus.DefBuckets,
	})
	AggregatorQueryDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "gwrs_aggregator_query_seconds",
		Help:    "Wall time spent servicing a time-series aggregation query.",
		Buckets: prometheus.DefBuckets,
	})
)

func init() {
	prometheus.MustRegister(
		RouteCacheHits, RouteCacheMisses,
		ProxySessionsActive, ProxySessionsTotal,
		ControlClientRetries, RingOverflow,
		SegmentRotations, CompactionDuration, AggregatorQueryDuration,
	)
}

// Serve starts a dedicated /metrics HTTP server on addr in the background.
// An empty addr disables the endpoint.
func Serve(addr string) {
	if addr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		_ = server.ListenAndServe()
	}()
}
