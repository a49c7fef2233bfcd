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

	"github.com/mastra-ai/runtime/pkg/api"
	"github.com/mastra-ai/runtime/pkg/errors"
	"github.com/mastra-ai/runtime/pkg/workflow"
)

// WorkflowController reconciles Workflow resources: static graph
// validation, agent dependency resolution, and snapshot registration for
// the executor.
type WorkflowController struct {
	deps *Deps
}

// NewWorkflowController creates the Workflow reconciler.
func NewWorkflowController(deps *Deps) *WorkflowController {
	return &WorkflowController{deps: deps}
}

// Kind implements reconcile.Controller.
func (c *WorkflowController) Kind() string { return api.KindWorkflow }

// SuccessPhase implements reconcile.Controller.
func (c *WorkflowController) SuccessPhase() api.Phase { return api.PhaseRunning }

// Validate implements reconcile.Controller: the whole step graph is
// validated statically, including cycle detection.
func (c *WorkflowController) Validate(r *api.Resource) error {
	if err := api.ValidateMetadata(r); err != nil {
		return err
	}
	spec, ok := api.WorkflowSpecOf(r)
	if !ok {
		return &errors.ValidationError{Field: "spec", Message: "not a Workflow spec"}
	}
	return workflow.Validate(r.ID(), spec)
}

// ResolveDependencies implements reconcile.Controller: every agent step
// must reference a reconciled agent handle.
func (c *WorkflowController) ResolveDependencies(ctx context.Context, r *api.Resource) error {
	spec, _ := api.WorkflowSpecOf(r)
	return c.resolveSteps(r, spec.Steps)
}

func (c *WorkflowController) resolveSteps(r *api.Resource, steps []api.Step) error {
	for i := range steps {
		step := &steps[i]
		if step.Type == api.StepTypeAgent {
			if _, err := c.deps.Handles.Agent(resolveAgentRef(step.Agent)); err != nil {
				return &errors.DependencyError{
					Resource:   r.ID(),
					Dependency: "agent " + step.Agent,
					Message:    "agent not reconciled yet",
					Retryable:  true,
				}
			}
		}
		if len(step.Steps) > 0 {
			if err := c.resolveSteps(r, step.Steps); err != nil {
				return err
			}
		}
	}
	return nil
}

// GetDesiredState implements reconcile.Controller.
func (c *WorkflowController) GetDesiredState(r *api.Resource) (any, error) {
	spec, _ := api.WorkflowSpecOf(r)
	return Fingerprint(spec)
}

// GetCurrentState implements reconcile.Controller.
func (c *WorkflowController) GetCurrentState(r *api.Resource) (any, error) {
	return c.deps.Handles.Applied(r.Key().String()), nil
}

// UpdateResourceState implements reconcile.Controller: register the frozen
// spec snapshot executions run against.
func (c *WorkflowController) UpdateResourceState(ctx context.Context, r *api.Resource, desired, current any) error {
	cp, err := r.DeepCopy()
	if err != nil {
		return err
	}
	spec, _ := api.WorkflowSpecOf(cp)
	c.deps.Handles.SetWorkflow(r.ID(), spec)
	c.deps.Handles.SetApplied(r.Key().String(), desired.(string))
	return nil
}

// CleanupResource implements reconcile.Controller.
func (c *WorkflowController) CleanupResource(ctx context.Context, r *api.Resource) error {
	c.deps.Handles.DeleteWorkflow(r.ID())
	c.deps.Handles.ClearApplied(r.Key().String())
	return nil
}
