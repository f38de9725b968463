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

package snisniff

import (
	"encoding/binary"
	"testing"
)

// buildClientHello assembles a minimal, syntactically valid TLS 1.2
// ClientHello record carrying a server_name extension for hostname (or no
// extension at all if hostname is empty).
func buildClientHello(hostname string) []byte {
	var body []byte
	body = append(body, 0x03, 0x03)               // client version
	body = append(body, make([]byte, 32)...)      // random
	body = append(body, 0x00)                     // session id length 0
	body = append(body, 0x00, 0x02, 0x00, 0x2f)    // cipher suites: 1 suite
	body = append(body, 0x01, 0x00)                // compression methods: 1, null

	var extensions []byte
	if hostname != "" {
		var sni []byte
		sni = append(sni, 0x00) // name type host_name
		nameLen := make([]byte, 2)
		binary.BigEndian.PutUint16(nameLen, uint16(len(hostname)))
		sni = append(sni, nameLen...)
		sni = append(sni, hostname...)

		listLen := make([]byte, 2)
		binary.BigEndian.PutUint16(listLen, uint16(len(sni)))
		sniExt := append(listLen, sni...)

		extHeader := make([]byte, 4)
		binary.BigEndian.PutUint16(extHeader[0:2], 0x0000) // server_name
		binary.BigEndian.PutUint16(extHeader[2:4], uint16(len(sniExt)))
		extensions = append(extensions, extHeader...)
		extensions = append(extensions, sniExt...)
	}

	extTotalLen := make([]byte, 2)
	binary.BigEndian.PutUint16(extTotalLen, uint16(len(extensions)))
	body = append(body, extTotalLen...)
	body = append(body, extensions...)

	handshake := make([]byte, 4)
	handshake[0] = 0x01 // ClientHello
	handshake[1] = byte(len(body) >> 16)
	handshake[2] = byte(len(body) >> 8)
	handshake[3] = byte(len(body))
	handshake = append(handshake, body...)

	record := make([]byte, 5)
	record[0] = 0x16 // Handshake content type
	record[1], record[2] = 0x03, 0x03
	binary.BigEndian.PutUint16(record[3:5], uint16(len(handshake)))
	record = append(record, handshake...)
	return record
}

func Test_Extract_FindsHostname(t *testing.T) {
	hello := buildClientHello("example.internal")
	host, ok := Extract(hello)
	if !ok {
		t.Fatalf("expected SNI to be found")
	}
	if host != "example.internal" {
		t.Fatalf("expected hostname example.internal, got %q", host)
	}
}

func Test_Extract_NoExtensionYieldsNotOK(t *testing.T) {
	hello := buildClientHello("")
	_, ok := Extract(hello)
	if ok {
		t.Fatalf("expected no SNI when no extension present")
	}
}

func Test_Extract_NonHandshakeRecordIsRejected(t *testing.T) {
	buf := []byte{0x17, 0x03, 0x03, 0x00, 0x01, 0xff} // application data, not handshake
	if _, ok := Extract(buf); ok {
		t.Fatalf("expected non-handshake record to yield ok=false")
	}
}

func Test_Extract_TruncatedInputDoesNotPanic(t *testing.T) {
	hello := buildClientHello("example.internal")
	for n := 0; n < len(hello); n++ {
		if _, ok := Extract(hello[:n]); ok {
			t.Fatalf("truncated input at %d bytes unexpectedly reported ok=true", n)
		}
	}
}

func Test_IsHandshake(t *testing.T) {
	if !IsHandshake([]byte{0x16, 0x03, 0x03, 0x00, 0x00}) {
		t.Fatalf("expected handshake byte 0x16 to be recognized")
	}
	if IsHandshake([]byte{0x17, 0x03, 0x03, 0x00, 0x00}) {
		t.Fatalf("expected non-handshake byte to be rejected")
	}
	if IsHandshake([]byte{0x16}) {
		t.Fatalf("expected too-short buffer to be rejected")
	}
}
