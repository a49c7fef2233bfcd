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

// Package state provides the shared mutable state of agent networks: a
// keyed map per network id with atomic single-key reads and writes, change
// subscriptions, and optional write-through persistence.
package state

import (
	"sync"
	"sync/atomic"

	"github.com/mastra-ai/runtime/pkg/store"
)

// ChangeEvent describes a single-key mutation in a network's state.
type ChangeEvent struct {
	NetworkID string
	Key       string
	OldValue  any
	NewValue  any
	Deleted   bool
}

// Store holds state for every network, created lazily at first use and
// cleared when the owning resource is deleted. No transactional semantics
// are offered; each key write is individually atomic.
type Store struct {
	mu       sync.RWMutex
	networks map[string]map[string]any
	driver   store.Driver

	watchMu  sync.RWMutex
	watchers map[uint64]func(ChangeEvent)
	watchID  uint64
}

// NewStore creates an empty state store. driver may be nil (in-memory only).
func NewStore(driver store.Driver) *Store {
	// Hydration is lazy: the first touch of a network pulls its persisted
	// map from the driver.
	return &Store{
		networks: make(map[string]map[string]any),
		driver:   driver,
		watchers: make(map[uint64]func(ChangeEvent)),
	}
}

// Get reads a single key. ok is false when the key is absent.
func (s *Store) Get(networkID, key string) (value any, ok bool) {
	s.mu.RLock()
	network, exists := s.networks[networkID]
	if exists {
		value, ok = network[key]
		s.mu.RUnlock()
		return value, ok
	}
	s.mu.RUnlock()

	s.hydrate(networkID)

	s.mu.RLock()
	defer s.mu.RUnlock()
	value, ok = s.networks[networkID][key]
	return value, ok
}

// GetAll returns a copy of a network's full state map.
func (s *Store) GetAll(networkID string) map[string]any {
	s.hydrate(networkID)

	s.mu.RLock()
	defer s.mu.RUnlock()

	network := s.networks[networkID]
	out := make(map[string]any, len(network))
	for k, v := range network {
		out[k] = v
	}
	return out
}

// Set writes a single key and returns the previous value. Writing a value
// equal to the current one is a no-op for watchers.
func (s *Store) Set(networkID, key string, value any) (oldValue any) {
	s.hydrate(networkID)

	s.mu.Lock()
	network := s.networks[networkID]
	if network == nil {
		network = make(map[string]any)
		s.networks[networkID] = network
	}
	oldValue, had := network[key]
	network[key] = value
	s.persist(networkID, network)
	s.mu.Unlock()

	if !had || !equalValue(oldValue, value) {
		s.notify(ChangeEvent{NetworkID: networkID, Key: key, OldValue: oldValue, NewValue: value})
	}
	return oldValue
}

// Update applies every key in updates. Applying the same updates twice
// leaves the state identical to applying them once.
func (s *Store) Update(networkID string, updates map[string]any) {
	for k, v := range updates {
		s.Set(networkID, k, v)
	}
}

// Delete removes a single key.
func (s *Store) Delete(networkID, key string) {
	s.mu.Lock()
	network := s.networks[networkID]
	oldValue, had := network[key]
	if had {
		delete(network, key)
		s.persist(networkID, network)
	}
	s.mu.Unlock()

	if had {
		s.notify(ChangeEvent{NetworkID: networkID, Key: key, OldValue: oldValue, Deleted: true})
	}
}

// Clear drops a network's entire state. Called when the owning Network
// resource is deleted.
func (s *Store) Clear(networkID string) {
	s.mu.Lock()
	_, had := s.networks[networkID]
	delete(s.networks, networkID)
	if s.driver != nil {
		_ = s.driver.DeleteNetworkState(networkID)
	}
	s.mu.Unlock()

	if had {
		s.notify(ChangeEvent{NetworkID: networkID, Deleted: true})
	}
}

// Seed initializes a network's state from initial values without
// overwriting keys that already exist.
func (s *Store) Seed(networkID string, initial map[string]any) {
	if len(initial) == 0 {
		return
	}
	s.hydrate(networkID)

	s.mu.Lock()
	network := s.networks[networkID]
	if network == nil {
		network = make(map[string]any)
		s.networks[networkID] = network
	}
	for k, v := range initial {
		if _, exists := network[k]; !exists {
			network[k] = v
		}
	}
	s.persist(networkID, network)
	s.mu.Unlock()
}

// Subscribe registers a change watcher and returns an idempotent
// unsubscribe. Watchers run synchronously on the mutating call.
func (s *Store) Subscribe(fn func(ChangeEvent)) func() {
	id := atomic.AddUint64(&s.watchID, 1)

	s.watchMu.Lock()
	s.watchers[id] = fn
	s.watchMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.watchMu.Lock()
			delete(s.watchers, id)
			s.watchMu.Unlock()
		})
	}
}

func (s *Store) notify(ev ChangeEvent) {
	s.watchMu.RLock()
	defer s.watchMu.RUnlock()
	for _, fn := range s.watchers {
		fn(ev)
	}
}

// hydrate pulls a network's persisted map on first touch.
func (s *Store) hydrate(networkID string) {
	if s.driver == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.networks[networkID]; exists {
		return
	}
	persisted, ok, err := s.driver.GetNetworkState(networkID)
	if err != nil || !ok {
		return
	}
	s.networks[networkID] = persisted
}

// persist writes through to the driver. Caller holds s.mu.
func (s *Store) persist(networkID string, network map[string]any) {
	if s.driver == nil {
		return
	}
	cp := make(map[string]any, len(network))
	for k, v := range network {
		cp[k] = v
	}
	_ = s.driver.SetNetworkState(networkID, cp)
}

// equalValue compares scalar state values; non-comparable values are
// treated as changed.
func equalValue(a, b any) (eq bool) {
	defer func() {
		if recover() != nil {
			eq = false
		}
	}()
	return a == b
}
