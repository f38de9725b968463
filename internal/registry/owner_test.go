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

package registry

import (
	"encoding/json"
	"testing"
)

func Test_Owner_BoundTo(t *testing.T) {
	o := BoundTo("proxy-1")
	if o.IsUnbound() {
		t.Fatalf("expected bound owner")
	}
	if o.ID() != "proxy-1" {
		t.Fatalf("expected id proxy-1, got %q", o.ID())
	}
	if o.String() != "proxy-1" {
		t.Fatalf("expected string proxy-1, got %q", o.String())
	}
}

func Test_Owner_Unbound(t *testing.T) {
	o := Unbound()
	if !o.IsUnbound() {
		t.Fatalf("expected unbound owner")
	}
	if o.ID() != "" {
		t.Fatalf("expected empty id for unbound owner, got %q", o.ID())
	}
	if o.String() != "unbound" {
		t.Fatalf("expected literal 'unbound' string, got %q", o.String())
	}
}

func Test_Owner_JSONRoundTrip(t *testing.T) {
	for _, o := range []Owner{BoundTo("proxy-1"), Unbound()} {
		data, err := json.Marshal(o)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		var got Owner
		if err := json.Unmarshal(data, &got); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if got != o {
			t.Fatalf("round trip mismatch: want %+v got %+v", o, got)
		}
	}
}

func Test_Owner_UnmarshalRecognizesUnboundSentinel(t *testing.T) {
	var o Owner
	if err := json.Unmarshal([]byte(`"unbound"`), &o); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !o.IsUnbound() {
		t.Fatalf("expected literal 'unbound' to unmarshal to the unbound sentinel")
	}
}
