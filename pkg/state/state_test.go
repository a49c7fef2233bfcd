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

package state

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mastra-ai/runtime/pkg/store"
)

func TestSetGet(t *testing.T) {
	s := NewStore(nil)

	old := s.Set("default.net", "phase", "triage")
	assert.Nil(t, old)

	old = s.Set("default.net", "phase", "resolve")
	assert.Equal(t, "triage", old)

	v, ok := s.Get("default.net", "phase")
	require.True(t, ok)
	assert.Equal(t, "resolve", v)

	_, ok = s.Get("default.net", "missing")
	assert.False(t, ok)
}

func TestNetworksAreIsolated(t *testing.T) {
	s := NewStore(nil)
	s.Set("default.a", "k", 1)
	s.Set("default.b", "k", 2)

	v, _ := s.Get("default.a", "k")
	assert.Equal(t, 1, v)
	v, _ = s.Get("default.b", "k")
	assert.Equal(t, 2, v)
}

func TestUpdateIdempotent(t *testing.T) {
	s := NewStore(nil)
	updates := map[string]any{"a": 1, "b": "x"}

	s.Update("default.net", updates)
	first := s.GetAll("default.net")

	s.Update("default.net", updates)
	second := s.GetAll("default.net")

	assert.Equal(t, first, second)
}

func TestSubscribeAndClear(t *testing.T) {
	s := NewStore(nil)

	var changes []ChangeEvent
	unsub := s.Subscribe(func(ev ChangeEvent) { changes = append(changes, ev) })
	defer unsub()

	s.Set("default.net", "k", "v")
	s.Set("default.net", "k", "v") // no-op: same value, no event
	s.Delete("default.net", "k")
	s.Set("default.net", "x", 1)
	s.Clear("default.net")

	require.Len(t, changes, 4)
	assert.Equal(t, "k", changes[0].Key)
	assert.True(t, changes[1].Deleted)
	assert.Equal(t, "x", changes[2].Key)
	assert.True(t, changes[3].Deleted)
	assert.Empty(t, changes[3].Key)

	assert.Empty(t, s.GetAll("default.net"))
}

func TestSeedDoesNotOverwrite(t *testing.T) {
	s := NewStore(nil)
	s.Set("default.net", "phase", "running")

	s.Seed("default.net", map[string]any{"phase": "initial", "count": 0})

	v, _ := s.Get("default.net", "phase")
	assert.Equal(t, "running", v)
	v, _ = s.Get("default.net", "count")
	assert.Equal(t, 0, v)
}

func TestPersistenceRoundTrip(t *testing.T) {
	driver := store.NewMemoryDriver()

	s := NewStore(driver)
	s.Set("default.net", "k", "v")

	// A fresh store over the same driver sees the persisted state.
	s2 := NewStore(driver)
	v, ok := s2.Get("default.net", "k")
	require.True(t, ok)
	assert.Equal(t, "v", v)
}
