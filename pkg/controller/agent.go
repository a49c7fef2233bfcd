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
	"context"

	"github.com/mastra-ai/runtime/pkg/agent"
	"github.com/mastra-ai/runtime/pkg/api"
	"github.com/mastra-ai/runtime/pkg/errors"
	"github.com/mastra-ai/runtime/pkg/store"
)

// AgentController reconciles Agent resources into executable handles.
type AgentController struct {
	deps *Deps
}

// NewAgentController creates the Agent reconciler.
func NewAgentController(deps *Deps) *AgentController {
	return &AgentController{deps: deps}
}

// Kind implements reconcile.Controller.
func (c *AgentController) Kind() string { return api.KindAgent }

// SuccessPhase implements reconcile.Controller.
func (c *AgentController) SuccessPhase() api.Phase { return api.PhaseRunning }

// Validate implements reconcile.Controller.
func (c *AgentController) Validate(r *api.Resource) error {
	if err := api.ValidateMetadata(r); err != nil {
		return err
	}
	spec, ok := api.AgentSpecOf(r)
	if !ok {
		return &errors.ValidationError{Field: "spec", Message: "not an Agent spec"}
	}
	if spec.Instructions == "" {
		return &errors.ValidationError{Field: "spec.instructions", Message: "instructions are required"}
	}
	if spec.Model.Name == "" {
		return &errors.ValidationError{Field: "spec.model.name", Message: "model name is required"}
	}
	return nil
}

// ResolveDependencies implements reconcile.Controller: the provider must be
// registered and every tool reference must name a stored Tool resource.
// Both may appear later, so failures are retryable.
func (c *AgentController) ResolveDependencies(ctx context.Context, r *api.Resource) error {
	spec, _ := api.AgentSpecOf(r)

	if spec.Model.Provider != "" {
		if _, err := c.deps.Providers.Get(spec.Model.Provider); err != nil {
			return &errors.DependencyError{
				Resource:   r.ID(),
				Dependency: "provider " + spec.Model.Provider,
				Message:    err.Error(),
				Retryable:  true,
			}
		}
	}

	for alias, ref := range spec.Tools {
		if _, err := c.deps.Store.GetByID(api.KindTool, ref); err != nil {
			return &errors.DependencyError{
				Resource:   r.ID(),
				Dependency: "tool " + ref + " (alias " + alias + ")",
				Message:    "referenced Tool resource not found",
				Retryable:  true,
			}
		}
	}
	return nil
}

// GetDesiredState implements reconcile.Controller.
func (c *AgentController) GetDesiredState(r *api.Resource) (any, error) {
	spec, _ := api.AgentSpecOf(r)
	return Fingerprint(spec)
}

// GetCurrentState implements reconcile.Controller.
func (c *AgentController) GetCurrentState(r *api.Resource) (any, error) {
	return c.deps.Handles.Applied(r.Key().String()), nil
}

// UpdateResourceState implements reconcile.Controller: build the handle and
// cache it for executors.
func (c *AgentController) UpdateResourceState(ctx context.Context, r *api.Resource, desired, current any) error {
	spec, _ := api.AgentSpecOf(r)

	provider, err := c.deps.Providers.Get(spec.Model.Provider)
	if err != nil {
		return &errors.DependencyError{
			Resource:   r.ID(),
			Dependency: "provider " + spec.Model.Provider,
			Message:    err.Error(),
			Retryable:  true,
		}
	}

	handle := agent.New(r.ID(), spec, provider, c.deps.logger())
	c.deps.Handles.SetAgent(r.ID(), handle)
	c.deps.Handles.SetApplied(r.Key().String(), desired.(string))
	return nil
}

// CleanupResource implements reconcile.Controller.
func (c *AgentController) CleanupResource(ctx context.Context, r *api.Resource) error {
	c.deps.Handles.DeleteAgent(r.ID())
	c.deps.Handles.ClearApplied(r.Key().String())
	return nil
}

// resolveAgentRef normalizes a bare agent name to "namespace.name".
func resolveAgentRef(ref string) string {
	ns, name := store.SplitID(ref)
	return ns + "." + name
}
