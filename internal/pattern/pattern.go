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

// Package pattern compiles gateway path patterns (literal, trailing
// wildcard, or regex) into matchers with capture-group semantics.
package pattern

import (
	"regexp"
	"strings"
	"sync"
)

// regexMeta is the set of bytes that, if present anywhere in a pattern,
// force regex classification.
const regexMeta = `^$.+?()[]{}|\`

// Matcher matches a compiled pattern against a request path and exposes
// capture groups by index 1..N.
type Matcher struct {
	raw string
	re  *regexp.Regexp
}

// Match reports whether path matches and, if so, returns the capture
// groups ($1..$9-addressable) in order. Index 0 of the returned slice is
// the whole match, so captures[i] lines up with $i for i >= 1.
func (m *Matcher) Match(path string) (ok bool, captures []string) {
	sub := m.re.FindStringSubmatch(path)
	if sub == nil {
		return false, nil
	}
	return true, sub
}

// String returns the original, uncompiled pattern string.
func (m *Matcher) String() string { return m.raw }

var (
	cacheMu sync.Mutex
	cache   = make(map[string]*Matcher)
)

// Compile classifies and compiles pattern:
//   - any regex metacharacter, or a '*' that is not the final byte, forces
//     regex compilation of the pattern as-is;
//   - a trailing "/*" is a prefix wildcard, compiled as "^<prefix>(.*)$" so
//     the suffix is capturable as $1;
//   - anything else is an exact match, compiled as "^<literal>$".
//
// Compiled matchers are cached by their raw pattern string so repeated
// reloads of an unchanged rule set do not recompile.
func Compile(raw string) (*Matcher, error) {
	cacheMu.Lock()
	if m, ok := cache[raw]; ok {
		cacheMu.Unlock()
		return m, nil
	}
	cacheMu.Unlock()

	expr, err := classify(raw)
	if err != nil {
		return nil, err
	}
	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, err
	}
	m := &Matcher{raw: raw, re: re}

	cacheMu.Lock()
	cache[raw] = m
	cacheMu.Unlock()
	return m, nil
}

func classify(raw string) (string, error) {
	if isRegexLike(raw) {
		return raw, nil
	}
	if strings.HasSuffix(raw, "/*") {
		prefix := strings.TrimSuffix(raw, "*")
		return "^" + prefix + "(.*)$", nil
	}
	return "^" + regexp.QuoteMeta(raw) + "$", nil
}

func isRegexLike(raw string) bool {
	if strings.ContainsAny(raw, regexMeta) {
		return true
	}
	if idx := strings.IndexByte(raw, '*'); idx >= 0 && idx != len(raw)-1 {
		return true
	}
	return false
}
