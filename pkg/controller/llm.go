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
)

// LLMController reconciles LLM resources into provider configuration.
type LLMController struct {
	deps *Deps
}

// NewLLMController creates the LLM reconciler.
func NewLLMController(deps *Deps) *LLMController {
	return &LLMController{deps: deps}
}

// Kind implements reconcile.Controller.
func (c *LLMController) Kind() string { return api.KindLLM }

// SuccessPhase implements reconcile.Controller.
func (c *LLMController) SuccessPhase() api.Phase { return api.PhaseRunning }

// Validate implements reconcile.Controller.
func (c *LLMController) Validate(r *api.Resource) error {
	if err := api.ValidateMetadata(r); err != nil {
		return err
	}
	spec, ok := api.LLMSpecOf(r)
	if !ok {
		return &errors.ValidationError{Field: "spec", Message: "not an LLM spec"}
	}
	if spec.Provider == "" {
		return &errors.ValidationError{Field: "spec.provider", Message: "provider is required"}
	}
	if spec.Model == "" {
		return &errors.ValidationError{Field: "spec.model", Message: "model is required"}
	}
	return nil
}

// ResolveDependencies implements reconcile.Controller: a provider factory
// (or instance) must be registered for the name; embedders may register it
// after the resource is admitted.
func (c *LLMController) ResolveDependencies(ctx context.Context, r *api.Resource) error {
	spec, _ := api.LLMSpecOf(r)
	// Check registration without building: the provider is built once the
	// spec's credentials have been applied in UpdateResourceState.
	for _, name := range c.deps.Providers.Names() {
		if name == spec.Provider {
			return nil
		}
	}
	return &errors.DependencyError{
		Resource:   r.ID(),
		Dependency: "provider " + spec.Provider,
		Message:    (&errors.NotFoundError{Resource: "provider", ID: spec.Provider}).Error(),
		Retryable:  true,
	}
}

// GetDesiredState implements reconcile.Controller.
func (c *LLMController) GetDesiredState(r *api.Resource) (any, error) {
	spec, _ := api.LLMSpecOf(r)
	return Fingerprint(spec)
}

// GetCurrentState implements reconcile.Controller.
func (c *LLMController) GetCurrentState(r *api.Resource) (any, error) {
	return c.deps.Handles.Applied(r.Key().String()), nil
}

// UpdateResourceState implements reconcile.Controller: push the spec's
// credentials and options into the provider registry.
func (c *LLMController) UpdateResourceState(ctx context.Context, r *api.Resource, desired, current any) error {
	spec, _ := api.LLMSpecOf(r)
	c.deps.Providers.Configure(spec.Provider, agent.ProviderConfig{
		APIKey:  spec.APIKey,
		Model:   spec.Model,
		Options: spec.Options,
	})
	if _, err := c.deps.Providers.Get(spec.Provider); err != nil {
		return &errors.DependencyError{
			Resource:   r.ID(),
			Dependency: "provider " + spec.Provider,
			Message:    err.Error(),
			Retryable:  true,
		}
	}
	c.deps.Handles.SetApplied(r.Key().String(), desired.(string))
	return nil
}

// CleanupResource implements reconcile.Controller. Provider registrations
// outlive LLM resources (other resources may share the provider); only the
// fingerprint is dropped.
func (c *LLMController) CleanupResource(ctx context.Context, r *api.Resource) error {
	c.deps.Handles.ClearApplied(r.Key().String())
	return nil
}
