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
	"fmt"

	"github.com/mastra-ai/runtime/pkg/api"
	"github.com/mastra-ai/runtime/pkg/errors"
	"github.com/mastra-ai/runtime/pkg/tool"
)

// ToolController reconciles Tool resources into executable handles.
type ToolController struct {
	deps *Deps
}

// NewToolController creates the Tool reconciler.
func NewToolController(deps *Deps) *ToolController {
	return &ToolController{deps: deps}
}

// Kind implements reconcile.Controller.
func (c *ToolController) Kind() string { return api.KindTool }

// SuccessPhase implements reconcile.Controller.
func (c *ToolController) SuccessPhase() api.Phase { return api.PhaseRunning }

// Validate implements reconcile.Controller.
func (c *ToolController) Validate(r *api.Resource) error {
	if err := api.ValidateMetadata(r); err != nil {
		return err
	}
	spec, ok := api.ToolSpecOf(r)
	if !ok {
		return &errors.ValidationError{Field: "spec", Message: "not a Tool spec"}
	}
	if spec.ID == "" {
		return &errors.ValidationError{Field: "spec.id", Message: "tool id is required"}
	}
	if !api.ValidToolType(spec.Type) {
		return &errors.ValidationError{
			Field:   "spec.type",
			Message: fmt.Sprintf("unknown tool type %q", spec.Type),
		}
	}
	return nil
}

// ResolveDependencies implements reconcile.Controller: function tools need
// their Go function registered; it may be registered later.
func (c *ToolController) ResolveDependencies(ctx context.Context, r *api.Resource) error {
	spec, _ := api.ToolSpecOf(r)
	if spec.Type != api.ToolTypeFunction {
		return nil
	}
	if _, err := c.deps.ToolFunctions.Get(spec.Execute.Function); err != nil {
		return &errors.DependencyError{
			Resource:   r.ID(),
			Dependency: "function " + spec.Execute.Function,
			Message:    "function not registered",
			Retryable:  true,
		}
	}
	return nil
}

// GetDesiredState implements reconcile.Controller.
func (c *ToolController) GetDesiredState(r *api.Resource) (any, error) {
	spec, _ := api.ToolSpecOf(r)
	return Fingerprint(spec)
}

// GetCurrentState implements reconcile.Controller.
func (c *ToolController) GetCurrentState(r *api.Resource) (any, error) {
	return c.deps.Handles.Applied(r.Key().String()), nil
}

// UpdateResourceState implements reconcile.Controller.
func (c *ToolController) UpdateResourceState(ctx context.Context, r *api.Resource, desired, current any) error {
	spec, _ := api.ToolSpecOf(r)

	handle, err := tool.NewHandle(spec, c.deps.ToolFunctions, nil)
	if err != nil {
		return err
	}
	c.deps.Handles.SetTool(r.ID(), handle)
	c.deps.Handles.SetApplied(r.Key().String(), desired.(string))
	return nil
}

// CleanupResource implements reconcile.Controller.
func (c *ToolController) CleanupResource(ctx context.Context, r *api.Resource) error {
	c.deps.Handles.DeleteTool(r.ID())
	c.deps.Handles.ClearApplied(r.Key().String())
	return nil
}
