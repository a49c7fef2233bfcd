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

package controller

import (
	"log/slog"
	"sync"

	"github.com/mastra-ai/runtime/pkg/agent"
	"github.com/mastra-ai/runtime/pkg/crd"
	"github.com/mastra-ai/runtime/pkg/events"
	"github.com/mastra-ai/runtime/pkg/network"
	"github.com/mastra-ai/runtime/pkg/state"
	"github.com/mastra-ai/runtime/pkg/store"
	"github.com/mastra-ai/runtime/pkg/tool"
)

// Deps bundles the collaborators every controller shares.
type Deps struct {
	Store         *store.ResourceStore
	Handles       *Handles
	Providers     *agent.Registry
	ToolFunctions *tool.FunctionRegistry
	States        *state.Store
	CRDs          *crd.Engine
	Bus           *events.Bus
	Logger        *slog.Logger

	routingMu      sync.RWMutex
	customRouting  map[string]network.CustomHandler
}

// RegisterCustomRouting binds a CUSTOM strategy handler to a network
// resource id. Must be registered before the Network resource reconciles.
func (d *Deps) RegisterCustomRouting(networkID string, handler network.CustomHandler) {
	d.routingMu.Lock()
	defer d.routingMu.Unlock()
	if d.customRouting == nil {
		d.customRouting = make(map[string]network.CustomHandler)
	}
	d.customRouting[networkID] = handler
}

// CustomRouting returns the handler bound to a network id, if any.
func (d *Deps) CustomRouting(networkID string) network.CustomHandler {
	d.routingMu.RLock()
	defer d.routingMu.RUnlock()
	return d.customRouting[networkID]
}

func (d *Deps) logger() *slog.Logger {
	if d.Logger == nil {
		return slog.Default()
	}
	return d.Logger
}

// splitID splits a "{namespace}.{name}" resource id.
func splitID(id string) (namespace, name string) {
	return store.SplitID(id)
}
