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

// Package controller implements the per-kind reconcilers (Agent, Tool,
// Workflow, Network, LLM, CustomResourceDefinition) on top of the
// reconcile framework, maintaining the registry of resolved handles the
// executors run against.
package controller

import (
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/mastra-ai/runtime/pkg/agent"
	"github.com/mastra-ai/runtime/pkg/api"
	"github.com/mastra-ai/runtime/pkg/errors"
	"github.com/mastra-ai/runtime/pkg/network"
	"github.com/mastra-ai/runtime/pkg/tool"
)

// Handles is the shared registry of resolved resources: reconciled specs
// become executable handles here, and executors resolve references through
// it. Cross-resource refs are resolved at reconcile time into handles,
// never stored as pointers inside specs.
type Handles struct {
	mu        sync.RWMutex
	agents    map[string]*agent.Agent
	tools     map[string]*tool.Handle
	workflows map[string]*api.WorkflowSpec
	networks  map[string]*network.Executor

	// applied maps resource ids to the spec fingerprint last applied,
	// backing the reconcilers' desired-vs-current diff.
	applied map[string]string
}

// NewHandles creates an empty registry.
func NewHandles() *Handles {
	return &Handles{
		agents:    make(map[string]*agent.Agent),
		tools:     make(map[string]*tool.Handle),
		workflows: make(map[string]*api.WorkflowSpec),
		networks:  make(map[string]*network.Executor),
		applied:   make(map[string]string),
	}
}

// Agent returns the resolved agent handle for a resource id.
func (h *Handles) Agent(id string) (*agent.Agent, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	a, ok := h.agents[id]
	if !ok {
		return nil, &errors.NotFoundError{Resource: "agent", ID: id}
	}
	return a, nil
}

// SetAgent caches an agent handle.
func (h *Handles) SetAgent(id string, a *agent.Agent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.agents[id] = a
}

// DeleteAgent drops an agent handle.
func (h *Handles) DeleteAgent(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.agents, id)
}

// Tool returns the resolved tool handle for a resource id.
func (h *Handles) Tool(id string) (*tool.Handle, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	t, ok := h.tools[id]
	if !ok {
		return nil, &errors.NotFoundError{Resource: "tool", ID: id}
	}
	return t, nil
}

// SetTool caches a tool handle.
func (h *Handles) SetTool(id string, t *tool.Handle) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.tools[id] = t
}

// DeleteTool drops a tool handle.
func (h *Handles) DeleteTool(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.tools, id)
}

// Workflow returns the validated workflow spec snapshot for a resource id.
func (h *Handles) Workflow(id string) (*api.WorkflowSpec, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	w, ok := h.workflows[id]
	if !ok {
		return nil, &errors.NotFoundError{Resource: "workflow", ID: id}
	}
	return w, nil
}

// SetWorkflow caches a validated workflow spec.
func (h *Handles) SetWorkflow(id string, spec *api.WorkflowSpec) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.workflows[id] = spec
}

// DeleteWorkflow drops a workflow snapshot.
func (h *Handles) DeleteWorkflow(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.workflows, id)
}

// Network returns the executor for a resource id.
func (h *Handles) Network(id string) (*network.Executor, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n, ok := h.networks[id]
	if !ok {
		return nil, &errors.NotFoundError{Resource: "network", ID: id}
	}
	return n, nil
}

// SetNetwork caches a network executor.
func (h *Handles) SetNetwork(id string, n *network.Executor) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.networks[id] = n
}

// DeleteNetwork drops a network executor.
func (h *Handles) DeleteNetwork(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.networks, id)
}

// Applied returns the fingerprint last applied for a resource.
func (h *Handles) Applied(resourceKey string) string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.applied[resourceKey]
}

// SetApplied records a resource's applied fingerprint.
func (h *Handles) SetApplied(resourceKey, fingerprint string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.applied[resourceKey] = fingerprint
}

// ClearApplied forgets a resource's fingerprint.
func (h *Handles) ClearApplied(resourceKey string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.applied, resourceKey)
}

// Fingerprint serializes a spec for desired-vs-current comparison.
func Fingerprint(spec any) (string, error) {
	data, err := yaml.Marshal(spec)
	if err != nil {
		return "", errors.Wrap(err, "fingerprinting spec")
	}
	return string(data), nil
}
