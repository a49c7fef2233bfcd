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
	"fmt"

	"github.com/mastra-ai/runtime/pkg/api"
	"github.com/mastra-ai/runtime/pkg/errors"
)

// Change describes a single driver-level mutation observed by watchers.
type Change struct {
	// Resource is set for resource mutations.
	Resource *api.Key

	// NetworkID is set for network state mutations.
	NetworkID string

	// Deleted marks removals.
	Deleted bool
}

// Driver is the persisted-state interface of the runtime (optional; the
// default is in-memory). Implementations cover two keyspaces: resources by
// (kind, namespace, name) and network state by network id.
type Driver interface {
	// SetResource persists a resource snapshot.
	SetResource(r *api.Resource) error

	// GetResource loads a resource; ok is false when absent.
	GetResource(key api.Key) (r *api.Resource, ok bool, err error)

	// DeleteResource removes a resource. Deleting an absent key is a no-op.
	DeleteResource(key api.Key) error

	// ListResources loads every persisted resource.
	ListResources() ([]*api.Resource, error)

	// SetNetworkState persists a network's full state map.
	SetNetworkState(networkID string, state map[string]any) error

	// GetNetworkState loads a network's state map; ok is false when absent.
	GetNetworkState(networkID string) (state map[string]any, ok bool, err error)

	// DeleteNetworkState removes a network's state.
	DeleteNetworkState(networkID string) error

	// Watch registers a change observer and returns an idempotent
	// unsubscribe. Watchers run synchronously on the mutating call.
	Watch(fn func(Change)) func()

	// Close releases driver resources.
	Close() error
}

// Config selects and parameterizes a driver, mirroring the MastraPod
// memory block.
type Config struct {
	// Type is "memory" or "sqlite".
	Type string

	// URL locates the backing store (file path for sqlite).
	URL string

	// Config carries driver-specific options.
	Config map[string]any
}

// OpenDriver builds a driver from config. An empty type means memory.
func OpenDriver(cfg Config) (Driver, error) {
	switch cfg.Type {
	case "", "memory":
		return NewMemoryDriver(), nil
	case "sqlite":
		return OpenSQLiteDriver(cfg.URL)
	default:
		return nil, &errors.ConfigError{
			Key:    "memory.type",
			Reason: fmt.Sprintf("unknown driver type %q", cfg.Type),
		}
	}
}
