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

package store

import (
	"sync"
	"sync/atomic"

	"github.com/mastra-ai/runtime/pkg/api"
)

// MemoryDriver is the default, in-process Driver.
type MemoryDriver struct {
	mu        sync.RWMutex
	resources map[api.Key]*api.Resource
	networks  map[string]map[string]any

	watchMu  sync.RWMutex
	watchers map[uint64]func(Change)
	watchID  uint64
}

// NewMemoryDriver creates an empty in-memory driver.
func NewMemoryDriver() *MemoryDriver {
	return &MemoryDriver{
		resources: make(map[api.Key]*api.Resource),
		networks:  make(map[string]map[string]any),
		watchers:  make(map[uint64]func(Change)),
	}
}

// SetResource implements Driver.
func (d *MemoryDriver) SetResource(r *api.Resource) error {
	cp, err := r.DeepCopy()
	if err != nil {
		return err
	}
	key := cp.Key()

	d.mu.Lock()
	d.resources[key] = cp
	d.mu.Unlock()

	d.notify(Change{Resource: &key})
	return nil
}

// GetResource implements Driver.
func (d *MemoryDriver) GetResource(key api.Key) (*api.Resource, bool, error) {
	d.mu.RLock()
	r, ok := d.resources[key]
	d.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}
	cp, err := r.DeepCopy()
	if err != nil {
		return nil, false, err
	}
	return cp, true, nil
}

// DeleteResource implements Driver.
func (d *MemoryDriver) DeleteResource(key api.Key) error {
	d.mu.Lock()
	_, existed := d.resources[key]
	delete(d.resources, key)
	d.mu.Unlock()

	if existed {
		d.notify(Change{Resource: &key, Deleted: true})
	}
	return nil
}

// ListResources implements Driver.
func (d *MemoryDriver) ListResources() ([]*api.Resource, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]*api.Resource, 0, len(d.resources))
	for _, r := range d.resources {
		cp, err := r.DeepCopy()
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	return out, nil
}

// SetNetworkState implements Driver.
func (d *MemoryDriver) SetNetworkState(networkID string, state map[string]any) error {
	cp := make(map[string]any, len(state))
	for k, v := range state {
		cp[k] = v
	}

	d.mu.Lock()
	d.networks[networkID] = cp
	d.mu.Unlock()

	d.notify(Change{NetworkID: networkID})
	return nil
}

// GetNetworkState implements Driver.
func (d *MemoryDriver) GetNetworkState(networkID string) (map[string]any, bool, error) {
	d.mu.RLock()
	state, ok := d.networks[networkID]
	d.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}
	cp := make(map[string]any, len(state))
	for k, v := range state {
		cp[k] = v
	}
	return cp, true, nil
}

// DeleteNetworkState implements Driver.
func (d *MemoryDriver) DeleteNetworkState(networkID string) error {
	d.mu.Lock()
	_, existed := d.networks[networkID]
	delete(d.networks, networkID)
	d.mu.Unlock()

	if existed {
		d.notify(Change{NetworkID: networkID, Deleted: true})
	}
	return nil
}

// Watch implements Driver.
func (d *MemoryDriver) Watch(fn func(Change)) func() {
	id := atomic.AddUint64(&d.watchID, 1)

	d.watchMu.Lock()
	d.watchers[id] = fn
	d.watchMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			d.watchMu.Lock()
			delete(d.watchers, id)
			d.watchMu.Unlock()
		})
	}
}

// Close implements Driver.
func (d *MemoryDriver) Close() error {
	return nil
}

func (d *MemoryDriver) notify(change Change) {
	d.watchMu.RLock()
	defer d.watchMu.RUnlock()
	for _, fn := range d.watchers {
		fn(change)
	}
}
