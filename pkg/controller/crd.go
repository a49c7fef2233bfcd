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
)

// CRDController reconciles CustomResourceDefinition resources into the CRD
// engine's registrations.
type CRDController struct {
	deps *Deps
}

// NewCRDController creates the CustomResourceDefinition reconciler.
func NewCRDController(deps *Deps) *CRDController {
	return &CRDController{deps: deps}
}

// Kind implements reconcile.Controller.
func (c *CRDController) Kind() string { return api.KindCRD }

// SuccessPhase implements reconcile.Controller.
func (c *CRDController) SuccessPhase() api.Phase { return api.PhaseRunning }

// Validate implements reconcile.Controller. Registration-level checks
// (group/plural format, schema shape) run in UpdateResourceState so a
// failed re-registration preserves the previous one; here only the
// envelope and spec presence are checked.
func (c *CRDController) Validate(r *api.Resource) error {
	if err := api.ValidateMetadata(r); err != nil {
		return err
	}
	if _, ok := api.CRDSpecOf(r); !ok {
		return &errors.ValidationError{Field: "spec", Message: "not a CustomResourceDefinition spec"}
	}
	return nil
}

// ResolveDependencies implements reconcile.Controller. CRDs have none.
func (c *CRDController) ResolveDependencies(ctx context.Context, r *api.Resource) error {
	return nil
}

// GetDesiredState implements reconcile.Controller.
func (c *CRDController) GetDesiredState(r *api.Resource) (any, error) {
	spec, _ := api.CRDSpecOf(r)
	return Fingerprint(spec)
}

// GetCurrentState implements reconcile.Controller.
func (c *CRDController) GetCurrentState(r *api.Resource) (any, error) {
	return c.deps.Handles.Applied(r.Key().String()), nil
}

// UpdateResourceState implements reconcile.Controller: register the schema.
// Registration failures are fatal and leave any previous registration in
// place.
func (c *CRDController) UpdateResourceState(ctx context.Context, r *api.Resource, desired, current any) error {
	spec, _ := api.CRDSpecOf(r)
	if err := c.deps.CRDs.Register(spec); err != nil {
		return err
	}
	c.deps.Handles.SetApplied(r.Key().String(), desired.(string))
	return nil
}

// CleanupResource implements reconcile.Controller.
func (c *CRDController) CleanupResource(ctx context.Context, r *api.Resource) error {
	spec, _ := api.CRDSpecOf(r)
	if spec != nil {
		c.deps.CRDs.Unregister(spec.Group, spec.Names.Kind)
	}
	c.deps.Handles.ClearApplied(r.Key().String())
	return nil
}
