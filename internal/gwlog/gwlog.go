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

// Package gwlog is the core's minimal tag-based logger. Every line is
// stamped with a component tag and level so the error taxonomy of the
// system (connection, protocol, serialization, configuration, storage,
// resource, fatal) stays visible in plain text output, the same register
// the rest of the core uses for its own diagnostics.
package gwlog

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// Level orders the verbosity of a line.
type Level int

const (
	LevelTrace Level = iota
	LevelDebug
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelTrace:
		return "TRACE"
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

var (
	mu  sync.Mutex
	out io.Writer = os.Stdout
)

// Init points the logger at GWRS_LOG_PATH when set, falling back to stdout.
// Safe to call multiple times; the last call wins.
func Init() {
	path := os.Getenv("GWRS_LOG_PATH")
	if path == "" {
		return
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "gwlog: cannot open GWRS_LOG_PATH %q: %v\n", path, err)
		return
	}
	mu.Lock()
	out = f
	mu.Unlock()
}

// Tagged writes one line: "[time] LEVEL [component] message".
func Tagged(level Level, component, format string, args ...interface{}) {
	mu.Lock()
	defer mu.Unlock()
	fmt.Fprintf(out, "[%s] %-5s [%s] %s\n",
		time.Now().Format(time.RFC3339Nano), level.String(), component, fmt.Sprintf(format, args...))
}

// Infof logs an informational line for component.
func Infof(component, format string, args ...interface{}) { Tagged(LevelInfo, component, format, args...) }

// Warnf logs a warning line for component.
func Warnf(component, format string, args ...interface{}) { Tagged(LevelWarn, component, format, args...) }

// Errorf logs an error line for component.
func Errorf(component, format string, args ...interface{}) {
	Tagged(LevelError, component, format, args...)
}
