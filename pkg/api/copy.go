// Copyright 2025 Tom Barlow
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

package api

import (
	"fmt"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// DeepCopy returns an independent copy of the resource. The copy round-trips
// through YAML so the typed spec is re-decoded by kind; callers may mutate
// the result freely without touching the stored object.
func (r *Resource) DeepCopy() (*Resource, error) {
	data, err := yaml.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("copying resource %s: %w", r.Key(), err)
	}
	var out Resource
	if err := yaml.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("copying resource %s: %w", r.Key(), err)
	}
	// Timestamps survive the round trip, but a nil status should stay nil.
	if r.Status == nil {
		out.Status = nil
	}
	return &out, nil
}

// MustDeepCopy is DeepCopy for callers that already validated the resource.
// It panics only on marshaling bugs, never on user input.
func (r *Resource) MustDeepCopy() *Resource {
	out, err := r.DeepCopy()
	if err != nil {
		panic(err)
	}
	return out
}

// ApplyDefaults fills metadata defaults on a copy taken at admission:
// namespace, uid, and an empty status block. The input is not mutated.
func ApplyDefaults(r *Resource) (*Resource, error) {
	out, err := r.DeepCopy()
	if err != nil {
		return nil, err
	}
	if out.Metadata.Namespace == "" {
		out.Metadata.Namespace = DefaultNamespace
	}
	if out.Metadata.UID == "" {
		out.Metadata.UID = uuid.New().String()
	}
	if out.Status == nil {
		out.Status = &Status{Phase: PhasePending}
	}
	return out, nil
}
