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

// gwrs-dataplane runs the full data-plane: the control protocol server
// that receives registry/proxy and registry/gateway pushes, the listener
// supervisor that reconciles bound sockets against the pushed Proxy list,
// the shared-memory log pipeline, and the Prometheus metrics endpoint.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"net"
	"os"
	"os/signal"
	"syscall"

	"gwrs/internal/controlplane/configstore"
	"gwrs/internal/controlplane/protocol"
	"gwrs/internal/controlplane/server"
	"gwrs/internal/defaultpage"
	"gwrs/internal/gwlog"
	"gwrs/internal/logpipeline"
	"gwrs/internal/logstore"
	"gwrs/internal/monotonic"
	"gwrs/internal/registry"
	"gwrs/internal/routing"
	"gwrs/internal/rulestore"
	"gwrs/internal/shmring"
	"gwrs/internal/supervisor"
	"gwrs/internal/telemetry/metrics"
)

const component = "dataplane"

func main() {
	controlAddr := flag.String("control", ":7700", "control protocol listen address")
	metricsAddr := flag.String("metrics", ":7701", "Prometheus /metrics listen address")
	certRoot := flag.String("cert-root", "./data/tls", "root directory for persisted TLS material")
	logRoot := flag.String("log-root", "./data", "root directory for the segmented log store")
	fallbackPeer := flag.String("fallback", "127.0.0.1:7799", "404 fallback responder address")
	ringCapacity := flag.Int("ring-capacity", 4096, "requested shared-memory ring slot capacity")
	retention := flag.Duration("retention", logstore.DefaultRetention, "log segment retention window")
	redisAddr := flag.String("redis-addr", "", "optional Redis address to mirror config versions to, for out-of-process inspection")
	flag.Parse()

	gwlog.Init()

	var versionMirror *configstore.Mirror
	if *redisAddr != "" {
		versionMirror = configstore.NewMirror(*redisAddr)
		defer versionMirror.Close()
	}

	store := rulestore.New()
	engine := routing.NewEngine(store, *fallbackPeer)
	reg := registry.New(*certRoot, store)

	clocks := monotonic.NewRegistry()
	logstores := make(map[string]*logstore.Store)
	rings := make(map[string]*shmring.Ring)
	consumers := make(map[string]*logpipeline.Consumer)
	producers := make(map[string]*logpipeline.Producer)

	for _, owner := range []string{"proxy", "gateway"} {
		ls, err := logstore.Open(*logRoot, owner, clocks.For(owner), *retention)
		if err != nil {
			gwlog.Errorf(component, "open log store for %s: %v", owner, err)
			os.Exit(1)
		}
		logstores[owner] = ls

		ring, err := shmring.Open("/gwrs-"+owner, *ringCapacity, shmring.Overwrite)
		if err != nil {
			gwlog.Errorf(component, "open shared-memory ring for %s: %v", owner, err)
			os.Exit(1)
		}
		rings[owner] = ring
		producers[owner] = logpipeline.NewProducer(ring)

		consumer := logpipeline.NewConsumer(ring, ls)
		consumers[owner] = consumer
		go consumer.Run()
	}

	sup := supervisor.New(reg, engine, producers["proxy"])

	ctlServer := server.New()
	ctlServer.Register("registry", "proxy", registryProxyHandler(reg, versionMirror))
	ctlServer.Register("registry", "gateway", registryGatewayHandler(reg, versionMirror))
	ctlServer.Register("registry", "gwnode", registryGwnodeHandler(reg, versionMirror))

	metrics.Serve(*metricsAddr)

	ctx, cancel := context.WithCancel(context.Background())
	go sup.Run(ctx)
	go serveFallback(ctx, *fallbackPeer)

	go func() {
		if err := ctlServer.ListenAndServe(*controlAddr); err != nil {
			gwlog.Errorf(component, "control server: %v", err)
		}
	}()

	gwlog.Infof(component, "gwrs-dataplane up: control=%s metrics=%s", *controlAddr, *metricsAddr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	gwlog.Infof(component, "shutting down")
	cancel()
	for owner, c := range consumers {
		c.Stop()
		_ = logstores[owner].Close()
		_ = rings[owner].Close()
	}
}

// serveFallback binds the fallback peer address and answers every
// connection with the static 404 page, so unmatched routing decisions
// resolve to a reachable upstream instead of a dangling address.
func serveFallback(ctx context.Context, addr string) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		gwlog.Errorf(component, "fallback responder: listen %s: %v", addr, err)
		return
	}
	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		go func() {
			defer conn.Close()
			buf := make([]byte, 4096)
			conn.Read(buf)
			conn.Write(defaultpage.Response())
		}()
	}
}

func mirrorProxyVersion(m *configstore.Mirror, version string) {
	if m == nil {
		return
	}
	if err := m.PublishProxyVersion(context.Background(), version); err != nil {
		gwlog.Warnf(component, "mirror proxy version to redis: %v", err)
	}
}

func mirrorGatewayVersion(m *configstore.Mirror, version string) {
	if m == nil {
		return
	}
	if err := m.PublishGatewayVersion(context.Background(), version); err != nil {
		gwlog.Warnf(component, "mirror gateway version to redis: %v", err)
	}
}

func registryProxyHandler(reg *registry.Registry, mirror *configstore.Mirror) server.Handler {
	return func(params map[string]string, payload []byte) (protocol.ActionResponse, error) {
		var proxies []registry.Proxy
		if err := json.Unmarshal(payload, &proxies); err != nil {
			return protocol.ActionResponse{Status: protocol.StatusError, Message: err.Error()}, err
		}
		var version string
		for _, p := range proxies {
			v, err := reg.PushProxy(p)
			if err != nil {
				return protocol.ActionResponse{Status: protocol.StatusError, Message: err.Error()}, err
			}
			version = v
		}
		mirrorProxyVersion(mirror, version)
		return protocol.ActionResponse{Status: protocol.StatusSuccess, Message: "proxy version " + version}, nil
	}
}

func registryGatewayHandler(reg *registry.Registry, mirror *configstore.Mirror) server.Handler {
	return func(params map[string]string, payload []byte) (protocol.ActionResponse, error) {
		var paths []registry.GatewayPath
		if err := json.Unmarshal(payload, &paths); err != nil {
			return protocol.ActionResponse{Status: protocol.StatusError, Message: err.Error()}, err
		}
		version, err := reg.PushGateway(nil, paths)
		if err != nil {
			return protocol.ActionResponse{Status: protocol.StatusError, Message: err.Error()}, err
		}
		mirrorGatewayVersion(mirror, version)
		return protocol.ActionResponse{Status: protocol.StatusSuccess, Message: "gateway version " + version}, nil
	}
}

func registryGwnodeHandler(reg *registry.Registry, mirror *configstore.Mirror) server.Handler {
	return func(params map[string]string, payload []byte) (protocol.ActionResponse, error) {
		var nodes []registry.GatewayNode
		if err := json.Unmarshal(payload, &nodes); err != nil {
			return protocol.ActionResponse{Status: protocol.StatusError, Message: err.Error()}, err
		}
		version, err := reg.PushGateway(nodes, nil)
		if err != nil {
			return protocol.ActionResponse{Status: protocol.StatusError, Message: err.Error()}, err
		}
		mirrorGatewayVersion(mirror, version)
		return protocol.ActionResponse{Status: protocol.StatusSuccess, Message: "gateway version " + version}, nil
	}
}
