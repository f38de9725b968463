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

// Package listener implements one Proxy's accepted-connection lifecycle:
// a plain L7 listener for proxies with no TLS domains, or an L4+SNI
// listener for proxies with at least one. Both hand accepted connections
// to proxysession. The overall Stopped->Starting->Running->Draining->
// Stopped state machine lives here; reconciling the set of listeners
// against pushed Proxy configuration is supervisor's job.
package listener

import (
	"bytes"
	"crypto/tls"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"gwrs/internal/gwlog"
	"gwrs/internal/logpipeline"
	"gwrs/internal/proxysession"
	"gwrs/internal/registry"
	"gwrs/internal/routing"
	"gwrs/internal/snisniff"
)

const component = "listener"

// State is a listener's position in the lifecycle state machine.
type State int32

const (
	Stopped State = iota
	Starting
	Running
	Draining
)

func (s State) String() string {
	switch s {
	case Stopped:
		return "stopped"
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Draining:
		return "draining"
	default:
		return "unknown"
	}
}

const snifPeekTimeout = 5 * time.Second

// Listener owns one Proxy's bound socket.
type Listener struct {
	proxy    registry.Proxy
	engine   *routing.Engine
	producer *logpipeline.Producer

	mu    sync.Mutex
	state State
	ln    net.Listener
	wg    sync.WaitGroup

	certsByHost map[string]*tls.Certificate
	defaultCert *tls.Certificate
}

// New constructs a Listener for proxy, loading any TLS material it
// declares. Certificates must already have been persisted to disk by the
// Config Registry (PEM/Key fields hold paths, not raw material).
func New(proxy registry.Proxy, engine *routing.Engine, producer *logpipeline.Producer) (*Listener, error) {
	l := &Listener{
		proxy:       proxy,
		engine:      engine,
		producer:    producer,
		certsByHost: make(map[string]*tls.Certificate),
	}
	for _, d := range proxy.Domains {
		if !d.TLS {
			continue
		}
		cert, err := tls.LoadX509KeyPair(d.PEM, d.Key)
		if err != nil {
			return nil, fmt.Errorf("listener: load TLS material for domain %s: %w", d.SNI, err)
		}
		l.certsByHost[strings.ToLower(d.SNI)] = &cert
		if l.defaultCert == nil {
			l.defaultCert = &cert
		}
	}
	return l, nil
}

// Bind returns the listener bind address.
func (l *Listener) Bind() string { return l.proxy.Bind }

// State returns the current lifecycle state.
func (l *Listener) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Start transitions Stopped->Starting->Running: binds the socket and
// spawns the accept loop.
func (l *Listener) Start() error {
	l.mu.Lock()
	l.state = Starting
	l.mu.Unlock()

	ln, err := net.Listen("tcp", l.proxy.Bind)
	if err != nil {
		l.mu.Lock()
		l.state = Stopped
		l.mu.Unlock()
		return fmt.Errorf("listener: bind %s: %w", l.proxy.Bind, err)
	}

	l.mu.Lock()
	l.ln = ln
	l.state = Running
	l.mu.Unlock()

	gwlog.Infof(component, "listener %s running (tls=%v, high-speed=%v)", l.proxy.Bind, l.proxy.HasTLS(), l.proxy.HighSpeed())
	go l.acceptLoop()
	return nil
}

// Drain transitions Running->Draining: the accept loop is stopped (by
// closing the listening socket) while in-flight connections keep running.
func (l *Listener) Drain() {
	l.mu.Lock()
	if l.state != Running {
		l.mu.Unlock()
		return
	}
	l.state = Draining
	ln := l.ln
	l.mu.Unlock()
	if ln != nil {
		_ = ln.Close()
	}
}

// Stop waits up to proxysession.DrainGracePeriod for in-flight connections
// to finish, then returns; Draining->Stopped.
func (l *Listener) Stop() {
	l.Drain()
	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(proxysession.DrainGracePeriod):
		gwlog.Warnf(component, "listener %s: grace period elapsed with connections still open", l.proxy.Bind)
	}
	l.mu.Lock()
	l.state = Stopped
	l.mu.Unlock()
}

func (l *Listener) acceptLoop() {
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			return
		}
		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			l.handle(conn)
		}()
	}
}

func (l *Listener) handle(conn net.Conn) {
	if !l.proxy.HasTLS() {
		if l.proxy.HighSpeed() {
			proxysession.HandleDirect(conn, l.proxy.HighSpeedTarget, l.producer, "tcp")
			return
		}
		proxysession.Handle(conn, l.proxy.Bind, l.proxy.ForwardTarget, l.engine, l.producer, "http")
		return
	}
	l.handleTLS(conn)
}

// handleTLS peeks the ClientHello with snisniff before handing the
// connection to crypto/tls, so a sniffed-but-unmatched hostname can still
// be logged. TLS termination decides the listener type; high-speed bypass
// decides routing after the handshake.
func (l *Listener) handleTLS(raw net.Conn) {
	_ = raw.SetReadDeadline(time.Now().Add(snifPeekTimeout))
	peek := make([]byte, 4096)
	n, err := raw.Read(peek)
	if err != nil {
		raw.Close()
		return
	}
	_ = raw.SetReadDeadline(time.Time{})
	peek = peek[:n]

	hostname, ok := snisniff.Extract(peek)
	if ok {
		gwlog.Infof(component, "listener %s: sniffed SNI %q", l.proxy.Bind, hostname)
	} else {
		gwlog.Warnf(component, "listener %s: no SNI in ClientHello, falling back to default domain", l.proxy.Bind)
	}

	wrapped := &peekedConn{Conn: raw, buffered: bytes.NewReader(peek)}
	tlsConn := tls.Server(wrapped, &tls.Config{GetCertificate: l.getCertificate})

	if l.proxy.HighSpeed() {
		proxysession.HandleDirect(tlsConn, l.proxy.HighSpeedTarget, l.producer, "tls")
		return
	}
	proxysession.Handle(tlsConn, l.proxy.Bind, l.proxy.ForwardTarget, l.engine, l.producer, "tls")
}

// getCertificate selects by hostname (case-insensitive), falling back to
// the first configured domain's certificate if no domain matches or no
// SNI was presented.
func (l *Listener) getCertificate(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
	if cert, ok := l.certsByHost[strings.ToLower(hello.ServerName)]; ok {
		return cert, nil
	}
	if l.defaultCert != nil {
		return l.defaultCert, nil
	}
	return nil, fmt.Errorf("listener: no TLS certificate configured for bind %s", l.proxy.Bind)
}

// peekedConn replays bytes already consumed while sniffing the ClientHello
// before falling through to the underlying connection's own Read.
type peekedConn struct {
	net.Conn
	buffered *bytes.Reader
}

func (c *peekedConn) Read(p []byte) (int, error) {
	if c.buffered.Len() > 0 {
		return c.buffered.Read(p)
	}
	return c.Conn.Read(p)
}
