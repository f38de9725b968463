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

import "encoding/json"

// unboundSentinel is the on-wire string used when a Gateway Node's owning
// Proxy has been deleted.
const unboundSentinel = "unbound"

// Owner models a Gateway Node's owning Proxy id. A node whose proxy was
// deleted keeps the literal "unbound" wire string, modeled as a tagged
// variant instead of an ad-hoc magic string comparison.
type Owner struct {
	id      string
	unbound bool
}

// BoundTo returns an Owner referencing proxy id.
func BoundTo(id string) Owner { return Owner{id: id} }

// Unbound returns the sentinel Owner used when the owning proxy is gone.
func Unbound() Owner { return Owner{unbound: true} }

// IsUnbound reports whether this Owner is the unbound sentinel.
func (o Owner) IsUnbound() bool { return o.unbound }

// ID returns the bound proxy id, or "" if unbound.
func (o Owner) ID() string {
	if o.unbound {
		return ""
	}
	return o.id
}

func (o Owner) String() string {
	if o.unbound {
		return unboundSentinel
	}
	return o.id
}

// MarshalJSON preserves the literal "unbound" wire string.
func (o Owner) MarshalJSON() ([]byte, error) {
	return json.Marshal(o.String())
}

// UnmarshalJSON recognizes the literal "unbound" wire string.
func (o *Owner) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if s == unboundSentinel {
		*o = Unbound()
		return nil
	}
	*o = BoundTo(s)
	return nil
}
