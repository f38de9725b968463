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

package tlsmaterial

import (
	"os"
	"path/filepath"
	"testing"
)

func Test_ContentHash_IsDeterministic(t *testing.T) {
	a := ContentHash([]byte("same-bytes"))
	b := ContentHash([]byte("same-bytes"))
	if a != b {
		t.Fatalf("expected identical hash for identical input, got %q vs %q", a, b)
	}
	if c := ContentHash([]byte("different-bytes")); c == a {
		t.Fatalf("expected different hash for different input")
	}
}

func Test_Persist_WritesFilesWithExpectedModes(t *testing.T) {
	root := t.TempDir()
	hash := ContentHash([]byte("cert-material"))

	pemPath, keyPath, err := Persist(root, hash, []byte("PEM-DATA"), []byte("KEY-DATA"))
	if err != nil {
		t.Fatalf("persist: %v", err)
	}

	wantDir := filepath.Join(root, "cert", hash)
	info, err := os.Stat(wantDir)
	if err != nil {
		t.Fatalf("stat dir: %v", err)
	}
	if info.Mode().Perm() != 0700 {
		t.Fatalf("expected dir mode 0700, got %v", info.Mode().Perm())
	}

	pemInfo, err := os.Stat(pemPath)
	if err != nil {
		t.Fatalf("stat pem: %v", err)
	}
	if pemInfo.Mode().Perm() != 0644 {
		t.Fatalf("expected pem mode 0644, got %v", pemInfo.Mode().Perm())
	}

	keyInfo, err := os.Stat(keyPath)
	if err != nil {
		t.Fatalf("stat key: %v", err)
	}
	if keyInfo.Mode().Perm() != 0600 {
		t.Fatalf("expected key mode 0600, got %v", keyInfo.Mode().Perm())
	}

	pemBytes, err := os.ReadFile(pemPath)
	if err != nil || string(pemBytes) != "PEM-DATA" {
		t.Fatalf("unexpected pem contents: %q err=%v", pemBytes, err)
	}
}
