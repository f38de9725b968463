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

// Package snisniff extracts the SNI (Server Name Indication) hostname
// from a raw TLS ClientHello record. Extraction is a pure function of the
// input bytes: identical ClientHello bytes always yield the same result.
package snisniff

import "encoding/binary"

// IsHandshake reports whether buf starts with a TLS record header whose
// content type is Handshake (0x16).
func IsHandshake(buf []byte) bool {
	return len(buf) >= 5 && buf[0] == 0x16
}

// Extract walks a ClientHello's extensions looking for server_name
// (extension type 0x0000) and returns the first host_name entry it finds.
// Malformed input yields ok=false rather than an error; callers fall back
// to "no SNI".
func Extract(buf []byte) (hostname string, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			hostname, ok = "", false
		}
	}()

	if !IsHandshake(buf) {
		return "", false
	}
	if len(buf) < 5 {
		return "", false
	}
	pos := 5 // skip TLS record header

	if pos+4 > len(buf) {
		return "", false
	}
	pos += 4 // skip handshake header (type + 3-byte length)

	if pos+2 > len(buf) {
		return "", false
	}
	pos += 2 // client version

	if pos+32 > len(buf) {
		return "", false
	}
	pos += 32 // random

	// session id: 1-byte length prefix
	if pos+1 > len(buf) {
		return "", false
	}
	sessLen := int(buf[pos])
	pos++
	pos += sessLen
	if pos > len(buf) {
		return "", false
	}

	// cipher suites: 2-byte length prefix (bytes, not count)
	if pos+2 > len(buf) {
		return "", false
	}
	cipherLen := int(binary.BigEndian.Uint16(buf[pos : pos+2]))
	pos += 2
	pos += cipherLen
	if pos > len(buf) {
		return "", false
	}

	// compression methods: 1-byte length prefix
	if pos+1 > len(buf) {
		return "", false
	}
	compLen := int(buf[pos])
	pos++
	pos += compLen
	if pos > len(buf) {
		return "", false
	}

	// extensions: 2-byte length prefix, then a vector of (type,len,data)
	if pos+2 > len(buf) {
		return "", false
	}
	extTotal := int(binary.BigEndian.Uint16(buf[pos : pos+2]))
	pos += 2
	extEnd := pos + extTotal
	if extEnd > len(buf) {
		extEnd = len(buf)
	}

	for pos+4 <= extEnd {
		extType := binary.BigEndian.Uint16(buf[pos : pos+2])
		extLen := int(binary.BigEndian.Uint16(buf[pos+2 : pos+4]))
		pos += 4
		if pos+extLen > extEnd {
			return "", false
		}
		if extType == 0x0000 {
			return parseServerNameExtension(buf[pos : pos+extLen])
		}
		pos += extLen
	}

	return "", false
}

// parseServerNameExtension reads the ServerNameList: a 2-byte length,
// then entries of (name type, 2-byte length, name bytes). Only name type
// 0x00 (host_name) is recognized.
func parseServerNameExtension(ext []byte) (string, bool) {
	if len(ext) < 2 {
		return "", false
	}
	listLen := int(binary.BigEndian.Uint16(ext[0:2]))
	pos := 2
	end := pos + listLen
	if end > len(ext) {
		end = len(ext)
	}
	for pos+3 <= end {
		nameType := ext[pos]
		nameLen := int(binary.BigEndian.Uint16(ext[pos+1 : pos+3]))
		pos += 3
		if pos+nameLen > end {
			return "", false
		}
		if nameType == 0x00 {
			return string(ext[pos : pos+nameLen]), true
		}
		pos += nameLen
	}
	return "", false
}
