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

// Package protocol implements the wire format shared by the control
// protocol client and server: one handshake line, one JSON payload, one
// JSON response, per connection.
package protocol

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// ErrProtocol marks a non-retryable protocol violation.
var ErrProtocol = errors.New("control protocol error")

// Handshake is a parsed "gate://<service>/<action>[?k=v&...]" line.
type Handshake struct {
	Service string
	Action  string
	Params  map[string]string
}

const scheme = "gate://"

// FormatHandshake renders a Handshake back into its wire form.
func FormatHandshake(h Handshake) string {
	u := &url.URL{Scheme: "gate", Host: h.Service, Path: "/" + h.Action}
	if len(h.Params) > 0 {
		q := url.Values{}
		for k, v := range h.Params {
			q.Set(k, v)
		}
		u.RawQuery = q.Encode()
	}
	return u.String()
}

// ParseHandshake parses a "gate://service/action[?...]" line.
func ParseHandshake(line string) (Handshake, error) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, scheme) {
		return Handshake{}, fmt.Errorf("%w: missing gate:// prefix", ErrProtocol)
	}
	u, err := url.Parse(line)
	if err != nil {
		return Handshake{}, fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	action := strings.Trim(u.Path, "/")
	if u.Host == "" || action == "" {
		return Handshake{}, fmt.Errorf("%w: handshake missing service or action", ErrProtocol)
	}
	params := make(map[string]string, len(u.Query()))
	for k, v := range u.Query() {
		if len(v) > 0 {
			params[k] = v[0]
		}
	}
	return Handshake{Service: u.Host, Action: action, Params: params}, nil
}

// successToken is the substring a client looks for in the server's
// handshake acknowledgement line.
const successToken = "successful"

// HandshakeAckLine is the line the server writes after accepting a
// handshake.
const HandshakeAckLine = "handshake successful\n"

// IsHandshakeAck reports whether line acknowledges a successful handshake.
func IsHandshakeAck(line string) bool {
	return strings.Contains(line, successToken)
}

// Status values for ActionResponse.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// ActionResponse is the JSON document returned after an action completes.
type ActionResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// maxPayloadChunk bounds each read while accumulating a JSON payload.
const maxPayloadChunk = 1024

// ReadJSONPayload reads from r, 1 KiB at a time, concatenating until the
// accumulated bytes form one complete, valid JSON value, and returns the
// raw bytes of that value (not yet unmarshaled, so callers can re-hash or
// re-parse as needed).
func ReadJSONPayload(r *bufio.Reader, maxTotal int) ([]byte, error) {
	var buf bytes.Buffer
	chunk := make([]byte, maxPayloadChunk)
	for {
		n, err := r.Read(chunk)
		if n > 0 {
			buf.Write(chunk[:n])
			if maxTotal > 0 && buf.Len() > maxTotal {
				return nil, fmt.Errorf("%w: payload exceeds %d bytes", ErrProtocol, maxTotal)
			}
			if json.Valid(buf.Bytes()) {
				return buf.Bytes(), nil
			}
		}
		if err != nil {
			// EOF with a still-incomplete value is a protocol error; EOF
			// right after a complete value was already returned above.
			return nil, fmt.Errorf("%w: incomplete JSON payload: %v", ErrProtocol, err)
		}
	}
}
