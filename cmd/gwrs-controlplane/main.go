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

// gwrs-controlplane is a demo/soak harness for the control protocol: it
// pushes a synthetic proxy/gateway configuration to one or more data planes
// on a fixed interval and reports success/failure counts, a repeatable way
// to validate the push path end to end without wiring a real control UI.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"gwrs/internal/controlplane/client"
	"gwrs/internal/registry"
)

func main() {
	// Overview:
	//   gwrs-controlplane pushes a synthetic fleet of Proxy and Gateway Node
	//   configurations to one or more data planes over the control protocol,
	//   on a fixed interval, mimicking what a real control UI would do when
	//   an operator edits routing rules. It reports push latency and
	//   success/failure counts as Prometheus metrics so the push path
	//   (handshake, payload framing, retry/backoff) can be soak-tested.
	//
	// Usage:
	//   go run ./cmd/gwrs-controlplane -targets 127.0.0.1:7700 -proxies 3 \
	//       -paths-per-proxy 5 -interval 10s -http :8090
	targets := flag.String("targets", "127.0.0.1:7700", "comma-separated data-plane control addresses")
	numProxies := flag.Int("proxies", 3, "number of synthetic proxies to generate")
	pathsPerProxy := flag.Int("paths-per-proxy", 5, "gateway paths generated per proxy")
	interval := flag.Duration("interval", 10*time.Second, "push interval; 0 pushes once and exits")
	httpAddr := flag.String("http", ":8090", "HTTP listen address for /metrics")
	flag.Parse()

	addrs := strings.Split(*targets, ",")
	for i := range addrs {
		addrs[i] = strings.TrimSpace(addrs[i])
	}

	reg := prometheus.DefaultRegisterer
	pushTotal := prometheus.NewCounterVec(prometheus.CounterOpts{Name: "gwrs_cp_push_total", Help: "Control protocol pushes by target and outcome"}, []string{"target", "action", "outcome"})
	pushLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: "gwrs_cp_push_latency_seconds", Help: "Push round-trip latency", Buckets: prometheus.DefBuckets}, []string{"target", "action"})
	reg.MustRegister(pushTotal, pushLatency)

	http.Handle("/metrics", promhttp.Handler())
	go func() {
		log.Printf("gwrs-controlplane metrics listening on %s", *httpAddr)
		if err := http.ListenAndServe(*httpAddr, nil); err != nil {
			log.Fatalf("http: %v", err)
		}
	}()

	rng := rand.New(rand.NewSource(42))
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	pushOnce := func() {
		proxies := generateProxies(*numProxies)
		nodes, paths := generateGateway(rng, proxies, *pathsPerProxy)

		for _, addr := range addrs {
			c := client.New(addr)
			pushAction(ctx, c, addr, "proxy", proxies, pushTotal, pushLatency)
			pushAction(ctx, c, addr, "gwnode", nodes, pushTotal, pushLatency)
			pushAction(ctx, c, addr, "gateway", paths, pushTotal, pushLatency)
		}
	}

	pushOnce()
	if *interval <= 0 {
		return
	}

	ticker := time.NewTicker(*interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pushOnce()
		}
	}
}

func pushAction(ctx context.Context, c *client.Client, addr, action string, payload interface{}, total *prometheus.CounterVec, latency *prometheus.HistogramVec) {
	start := time.Now()
	resp, err := c.PerformAction(ctx, "registry", action, nil, payload)
	latency.WithLabelValues(addr, action).Observe(time.Since(start).Seconds())
	if err != nil {
		total.WithLabelValues(addr, action, "error").Inc()
		log.Printf("push %s to %s failed: %v", action, addr, err)
		return
	}
	if resp.Status != "success" {
		total.WithLabelValues(addr, action, "rejected").Inc()
		log.Printf("push %s to %s rejected: %s", action, addr, resp.Message)
		return
	}
	total.WithLabelValues(addr, action, "success").Inc()
}

func generateProxies(n int) []registry.Proxy {
	proxies := make([]registry.Proxy, 0, n)
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("proxy-%d", i)
		proxies = append(proxies, registry.Proxy{
			ID:            id,
			Title:         fmt.Sprintf("synthetic proxy %d", i),
			Bind:          fmt.Sprintf("0.0.0.0:%d", 9100+i),
			ForwardTarget: fmt.Sprintf("127.0.0.1:%d", 9200+i),
			Domains: []registry.ProxyDomain{
				{ID: id + "-dom-0", ProxyID: id, TLS: false, SNI: fmt.Sprintf("svc%d.internal.example", i)},
			},
		})
	}
	return proxies
}

func generateGateway(rng *rand.Rand, proxies []registry.Proxy, pathsPerProxy int) ([]registry.GatewayNode, []registry.GatewayPath) {
	var nodes []registry.GatewayNode
	var paths []registry.GatewayPath
	for _, p := range proxies {
		nodeID := p.ID + "-node-0"
		nodes = append(nodes, registry.GatewayNode{
			ID:       nodeID,
			Owner:    registry.BoundTo(p.ID),
			Title:    p.Title + " primary node",
			Target:   p.ForwardTarget,
			Priority: 10,
		})
		for j := 0; j < pathsPerProxy; j++ {
			paths = append(paths, registry.GatewayPath{
				NodeID:   nodeID,
				Priority: int32(rng.Intn(100)),
				Bind:     p.Bind,
				Target:   p.ForwardTarget,
				Pattern:  fmt.Sprintf("/api/v%d/*", j+1),
				Template: fmt.Sprintf("/internal/v%d/$1", j+1),
			})
		}
	}
	return nodes, paths
}
