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

// Package proxysession implements the L7 proxy session: read the client's
// first bytes, parse an HTTP request line if present, ask the Routing
// Engine for an upstream, rewrite the buffer, and run a duplex copy loop
// until either side closes.
package proxysession

import (
	"bytes"
	"net"
	"strings"
	"time"

	"gwrs/internal/gwlog"
	"gwrs/internal/logpipeline"
	"gwrs/internal/logstore"
	"gwrs/internal/routing"
	"gwrs/internal/telemetry/metrics"
)

const component = "proxy-session"

const (
	readBufSize       = 4096
	connectDeadline   = 120 * time.Millisecond
	duplexReadTimeout = 60 * time.Second
)

var allowedMethods = map[string]bool{
	"GET": true, "POST": true, "PUT": true, "DELETE": true,
	"HEAD": true, "OPTIONS": true, "CONNECT": true,
}

// ParsedRequest is the result of a best-effort HTTP request-line parse.
type ParsedRequest struct {
	Method             string
	Path               string
	Query              string
	Proto              string
	IsWebSocketUpgrade bool
	Recognized         bool
}

// ParseRequestLine locates the first CRLF and splits "METHOD SP PATH SP
// PROTO". Recognized is false if the method isn't a known HTTP verb, in
// which case callers should treat the connection as opaque TCP
// passthrough.
func ParseRequestLine(buf []byte) ParsedRequest {
	idx := bytes.Index(buf, []byte("\r\n"))
	if idx < 0 {
		return ParsedRequest{}
	}
	line := string(buf[:idx])
	parts := strings.SplitN(line, " ", 3)
	if len(parts) != 3 {
		return ParsedRequest{}
	}
	method, target, proto := parts[0], parts[1], parts[2]

	pr := ParsedRequest{Method: method, Proto: proto, Recognized: allowedMethods[method]}
	if q := strings.IndexByte(target, '?'); q >= 0 {
		pr.Path, pr.Query = target[:q], target[q+1:]
	} else {
		pr.Path = target
	}

	headers := strings.ToLower(string(buf))
	pr.IsWebSocketUpgrade = strings.Contains(headers, "upgrade: websocket") && strings.Contains(headers, "connection: upgrade")
	return pr
}

// RewriteBuffer replaces the first occurrence of originalTarget in the
// request line with rewrittenTarget. It returns ok=false (and the
// original buffer) if the rewritten buffer would exceed the original
// capacity.
func RewriteBuffer(buf []byte, originalTarget, rewrittenTarget string) ([]byte, bool) {
	if originalTarget == rewrittenTarget {
		return buf, true
	}
	idx := bytes.Index(buf, []byte(originalTarget))
	if idx < 0 {
		return buf, true
	}
	rewritten := make([]byte, 0, len(buf))
	rewritten = append(rewritten, buf[:idx]...)
	rewritten = append(rewritten, rewrittenTarget...)
	rewritten = append(rewritten, buf[idx+len(originalTarget):]...)
	if len(rewritten) > cap(buf) {
		gwlog.Warnf(component, "rewritten request (%d bytes) exceeds original buffer capacity (%d); using original request", len(rewritten), cap(buf))
		return buf, false
	}
	return rewritten, true
}

// Handle runs one accepted client connection to completion: parse, route,
// rewrite, dial upstream, duplex copy. When forwardTarget is set, a
// connection whose first bytes are not a recognized HTTP request line is
// treated as opaque TCP and forwarded to it without rewriting; otherwise
// such a connection is routed by the engine. The client never sees an
// error beyond TCP close; every failure variant is logged with the
// connection id.
func Handle(conn net.Conn, bind, forwardTarget string, engine *routing.Engine, producer *logpipeline.Producer, connType string) {
	defer conn.Close()
	metrics.ProxySessionsActive.Inc()
	defer metrics.ProxySessionsActive.Dec()

	connID := logpipeline.NewConnID()
	start := time.Now()

	_ = conn.SetReadDeadline(time.Now().Add(duplexReadTimeout))
	buf := make([]byte, readBufSize)
	n, err := conn.Read(buf)
	if err != nil && n == 0 {
		metrics.ProxySessionsTotal.WithLabelValues("read_error").Inc()
		return
	}
	buf = buf[:n]

	req := ParseRequestLine(buf)
	sessionType := connType
	if req.IsWebSocketUpgrade {
		sessionType = "websocket"
	}

	var decision routing.Decision
	if req.Recognized {
		decision = engine.ChooseUpstream(bind, req.Path, req.Query)
	} else if forwardTarget != "" {
		decision = routing.Decision{Peer: forwardTarget}
		sessionType = "tcp"
	} else {
		decision = engine.ChooseUpstream(bind, req.Path, req.Query)
	}

	outBuf := buf
	if req.Recognized && !decision.Fallback {
		originalTarget := req.Path
		if req.Query != "" {
			originalTarget += "?" + req.Query
		}
		outBuf, _ = RewriteBuffer(buf, originalTarget, decision.RewrittenPathQuery)
	}

	upstream, err := net.DialTimeout("tcp", decision.Peer, connectDeadline)
	if err != nil {
		gwlog.Warnf(component, "conn %s: dial upstream %s: %v", connID, decision.Peer, err)
		metrics.ProxySessionsTotal.WithLabelValues("dial_error").Inc()
		logConnection(producer, connID, sessionType, decision.Peer, 0, len(outBuf), 0, true)
		return
	}
	defer upstream.Close()

	if _, err := upstream.Write(outBuf); err != nil {
		gwlog.Warnf(component, "conn %s: write to upstream: %v", connID, err)
		metrics.ProxySessionsTotal.WithLabelValues("write_error").Inc()
		return
	}

	bytesIn, bytesOut := duplex(conn, upstream)
	metrics.ProxySessionsTotal.WithLabelValues("closed").Inc()
	logConnection(producer, connID, sessionType, decision.Peer, bytesIn, bytesOut+len(outBuf), time.Since(start).Milliseconds(), false)
}

// HandleDirect serves the high-speed bypass path: it skips pattern
// matching and the route cache entirely and proxies straight to target.
func HandleDirect(conn net.Conn, target string, producer *logpipeline.Producer, connType string) {
	defer conn.Close()
	metrics.ProxySessionsActive.Inc()
	defer metrics.ProxySessionsActive.Dec()

	connID := logpipeline.NewConnID()
	start := time.Now()

	upstream, err := net.DialTimeout("tcp", target, connectDeadline)
	if err != nil {
		gwlog.Warnf(component, "conn %s: high-speed dial %s: %v", connID, target, err)
		metrics.ProxySessionsTotal.WithLabelValues("dial_error").Inc()
		logConnection(producer, connID, connType, target, 0, 0, 0, true)
		return
	}
	defer upstream.Close()

	bytesIn, bytesOut := duplex(conn, upstream)
	metrics.ProxySessionsTotal.WithLabelValues("closed").Inc()
	logConnection(producer, connID, connType, target, bytesIn, bytesOut, time.Since(start).Milliseconds(), false)
}

// duplex copies bytes concurrently in both directions until either side
// hits EOF or an error.
func duplex(client, upstream net.Conn) (bytesFromClient, bytesFromUpstream int) {
	fromClient := make(chan int, 1)
	fromUpstream := make(chan int, 1)
	cp := func(dst, src net.Conn, out chan<- int) {
		n := 0
		buf := make([]byte, readBufSize)
		for {
			_ = src.SetReadDeadline(time.Now().Add(duplexReadTimeout))
			rn, rerr := src.Read(buf)
			if rn > 0 {
				if _, werr := dst.Write(buf[:rn]); werr != nil {
					break
				}
				n += rn
			}
			if rerr != nil {
				break
			}
		}
		out <- n
	}
	go cp(upstream, client, fromClient)
	go cp(client, upstream, fromUpstream)
	return <-fromClient, <-fromUpstream
}

func logConnection(p *logpipeline.Producer, connID, connType, dst string, bytesIn, bytesOut int, statusMs int64, failed bool) {
	if p == nil {
		return
	}
	log := logstore.TemporaryLog{
		Time:     time.Now(),
		Status:   int32(statusMs),
		Dst:      dst,
		ConnID:   connID,
		ConnType: connType,
		ConnReq:  1,
		ConnRes:  boolToInt8(!failed),
		BytesIn:  int32(bytesIn),
		BytesOut: int32(bytesOut),
	}
	if err := p.Enqueue(log); err != nil {
		gwlog.Warnf(component, "conn %s: enqueue log record: %v", connID, err)
	}
}

func boolToInt8(b bool) int8 {
	if b {
		return 1
	}
	return 0
}

// DrainGracePeriod bounds how long a listener waits for in-flight
// connections during a Draining->Stopped transition.
const DrainGracePeriod = 5 * time.Second
