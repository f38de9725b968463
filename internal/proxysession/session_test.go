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

package proxysession

import (
	"bufio"
	"net"
	"testing"
	"time"

	"gwrs/internal/pattern"
	"gwrs/internal/routing"
	"gwrs/internal/rulestore"
)

func Test_ParseRequestLine_RecognizedMethod(t *testing.T) {
	req := []byte("GET /users?id=7 HTTP/1.1\r\nHost: example.com\r\n\r\n")
	pr := ParseRequestLine(req)
	if !pr.Recognized {
		t.Fatalf("expected GET to be recognized")
	}
	if pr.Path != "/users" || pr.Query != "id=7" {
		t.Fatalf("expected path=/users query=id=7, got path=%q query=%q", pr.Path, pr.Query)
	}
}

func Test_ParseRequestLine_UnrecognizedMethodIsOpaque(t *testing.T) {
	req := []byte("PROPFIND /dav HTTP/1.1\r\n\r\n")
	pr := ParseRequestLine(req)
	if pr.Recognized {
		t.Fatalf("expected PROPFIND to be unrecognized")
	}
}

func Test_ParseRequestLine_DetectsWebSocketUpgrade(t *testing.T) {
	req := []byte("GET /ws HTTP/1.1\r\nHost: x\r\nUpgrade: websocket\r\nConnection: Upgrade\r\n\r\n")
	pr := ParseRequestLine(req)
	if !pr.IsWebSocketUpgrade {
		t.Fatalf("expected websocket upgrade to be detected")
	}
}

func Test_ParseRequestLine_NoCRLFYieldsZeroValue(t *testing.T) {
	pr := ParseRequestLine([]byte("not a request"))
	if pr.Recognized || pr.Method != "" {
		t.Fatalf("expected zero-value ParsedRequest for input with no CRLF, got %+v", pr)
	}
}

func Test_RewriteBuffer_ReplacesTarget(t *testing.T) {
	buf := make([]byte, 0, 128)
	buf = append(buf, "GET /old HTTP/1.1\r\n\r\n"...)
	out, ok := RewriteBuffer(buf, "/old", "/new")
	if !ok {
		t.Fatalf("expected rewrite to succeed")
	}
	if string(out) != "GET /new HTTP/1.1\r\n\r\n" {
		t.Fatalf("unexpected rewritten buffer: %q", out)
	}
}

func Test_RewriteBuffer_FallsBackWhenOverCapacity(t *testing.T) {
	small := make([]byte, 10, 10)
	copy(small, "GET /a X\r\n")
	out, ok := RewriteBuffer(small, "/a", "/a-much-longer-path-than-before")
	if ok {
		t.Fatalf("expected overflow to report ok=false")
	}
	if string(out) != string(small) {
		t.Fatalf("expected original buffer returned unchanged on overflow")
	}
}

func Test_RewriteBuffer_NoOccurrenceLeavesBufferUnchanged(t *testing.T) {
	buf := []byte("GET /other HTTP/1.1\r\n\r\n")
	out, ok := RewriteBuffer(buf, "/not-present", "/new")
	if !ok || string(out) != string(buf) {
		t.Fatalf("expected unchanged buffer when target absent, got %q ok=%v", out, ok)
	}
}

func startEchoUpstream(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				buf := make([]byte, 4096)
				n, _ := c.Read(buf)
				c.Write([]byte("HTTP/1.1 200 OK\r\nContent-Length: 0\r\n\r\n"))
				_ = n
			}(conn)
		}
	}()
	t.Cleanup(func() { ln.Close() })
	return ln.Addr().String()
}

func Test_Handle_RoutesToMatchedUpstream(t *testing.T) {
	upstream := startEchoUpstream(t)

	store := rulestore.New()
	m, err := pattern.Compile("/api/*")
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	store.Replace(":0", []*rulestore.CompiledRule{
		{Matcher: m, Target: "/v2/$1", Peer: upstream, Bind: ":0"},
	}, "v1")
	engine := routing.NewEngine(store, "127.0.0.1:1")

	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()

	done := make(chan struct{})
	go func() {
		Handle(serverConn, ":0", "", engine, nil, "http")
		close(done)
	}()

	clientConn.SetDeadline(time.Now().Add(2 * time.Second))
	if _, err := clientConn.Write([]byte("GET /api/widgets HTTP/1.1\r\nHost: x\r\n\r\n")); err != nil {
		t.Fatalf("write: %v", err)
	}

	r := bufio.NewReader(clientConn)
	line, err := r.ReadString('\n')
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	if line != "HTTP/1.1 200 OK\r\n" {
		t.Fatalf("expected 200 OK status line, got %q", line)
	}
	clientConn.Close()
	<-done
}

func Test_Handle_OpaquePassthroughUsesForwardTarget(t *testing.T) {
	upstream := startEchoUpstream(t)

	store := rulestore.New()
	engine := routing.NewEngine(store, "127.0.0.1:1")

	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()

	done := make(chan struct{})
	go func() {
		Handle(serverConn, ":0", upstream, engine, nil, "http")
		close(done)
	}()

	clientConn.SetDeadline(time.Now().Add(2 * time.Second))
	if _, err := clientConn.Write([]byte("\x00\x01not-http")); err != nil {
		t.Fatalf("write: %v", err)
	}

	r := bufio.NewReader(clientConn)
	line, err := r.ReadString('\n')
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	if line != "HTTP/1.1 200 OK\r\n" {
		t.Fatalf("expected opaque bytes forwarded to the forward target, got %q", line)
	}
	clientConn.Close()
	<-done
}

func Test_HandleDirect_BypassesRoutingEngine(t *testing.T) {
	upstream := startEchoUpstream(t)

	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()

	done := make(chan struct{})
	go func() {
		HandleDirect(serverConn, upstream, nil, "tcp")
		close(done)
	}()

	clientConn.SetDeadline(time.Now().Add(2 * time.Second))
	if _, err := clientConn.Write([]byte("anything")); err != nil {
		t.Fatalf("write: %v", err)
	}

	r := bufio.NewReader(clientConn)
	line, err := r.ReadString('\n')
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	if line != "HTTP/1.1 200 OK\r\n" {
		t.Fatalf("expected the upstream's response relayed verbatim, got %q", line)
	}
	clientConn.Close()
	<-done
}
