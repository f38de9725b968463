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

// Package server implements the control protocol server: it accepts one
// framed handshake+payload exchange per TCP connection and dispatches to
// a registered service/action handler.
package server

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"

	"gwrs/internal/controlplane/protocol"
	"gwrs/internal/gwlog"
)

const component = "control-server"

// Handler processes one action's payload and returns the response to
// write back to the client.
type Handler func(params map[string]string, payload []byte) (protocol.ActionResponse, error)

// maxPayloadBytes bounds a single action payload to keep a misbehaving
// client from exhausting memory.
const maxPayloadBytes = 16 << 20

// Server dispatches incoming gate:// handshakes to registered handlers,
// keyed by "service/action".
type Server struct {
	handlers map[string]Handler
}

// New creates an empty Server; register handlers with Register before
// calling ListenAndServe.
func New() *Server {
	return &Server{handlers: make(map[string]Handler)}
}

// Register installs h for the given service/action pair.
func (s *Server) Register(service, action string, h Handler) {
	s.handlers[service+"/"+action] = h
}

// ListenAndServe binds addr and serves connections on it until Accept
// returns an error.
func (s *Server) ListenAndServe(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("control server: listen %s: %w", addr, err)
	}
	gwlog.Infof(component, "listening on %s", addr)
	return s.Serve(lis)
}

// Serve accepts connections from an already-bound listener.
func (s *Server) Serve(lis net.Listener) error {
	for {
		conn, err := lis.Accept()
		if err != nil {
			return err
		}
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()
	r := bufio.NewReader(conn)

	line, err := r.ReadString('\n')
	if err != nil {
		gwlog.Warnf(component, "handshake read failed: %v", err)
		return
	}
	hs, err := protocol.ParseHandshake(line)
	if err != nil {
		gwlog.Warnf(component, "bad handshake %q: %v", line, err)
		return
	}

	if _, err := conn.Write([]byte(protocol.HandshakeAckLine)); err != nil {
		gwlog.Warnf(component, "handshake ack write failed: %v", err)
		return
	}

	payload, err := protocol.ReadJSONPayload(r, maxPayloadBytes)
	if err != nil {
		gwlog.Warnf(component, "%s/%s: payload read failed: %v", hs.Service, hs.Action, err)
		s.writeResponse(conn, protocol.ActionResponse{Status: protocol.StatusError, Message: err.Error()})
		return
	}

	key := hs.Service + "/" + hs.Action
	h, ok := s.handlers[key]
	if !ok {
		s.writeResponse(conn, protocol.ActionResponse{
			Status:  protocol.StatusError,
			Message: fmt.Sprintf("unknown service/action: %s", key),
		})
		return
	}

	resp, err := h(hs.Params, payload)
	if err != nil {
		gwlog.Errorf(component, "%s handler error: %v", key, err)
		if resp.Status == "" {
			resp = protocol.ActionResponse{Status: protocol.StatusError, Message: err.Error()}
		}
	}
	s.writeResponse(conn, resp)
}

func (s *Server) writeResponse(conn net.Conn, resp protocol.ActionResponse) {
	enc := json.NewEncoder(conn)
	if err := enc.Encode(resp); err != nil {
		gwlog.Warnf(component, "response write failed: %v", err)
	}
}
