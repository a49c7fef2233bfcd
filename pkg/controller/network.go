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
	"github.com/mastra-ai/runtime/pkg/network"
)

// NetworkController reconciles Network resources into router executors.
type NetworkController struct {
	deps *Deps
}

// NewNetworkController creates the Network reconciler.
func NewNetworkController(deps *Deps) *NetworkController {
	return &NetworkController{deps: deps}
}

// Kind implements reconcile.Controller.
func (c *NetworkController) Kind() string { return api.KindNetwork }

// SuccessPhase implements reconcile.Controller.
func (c *NetworkController) SuccessPhase() api.Phase { return api.PhaseRunning }

// Validate implements reconcile.Controller.
func (c *NetworkController) Validate(r *api.Resource) error {
	if err := api.ValidateMetadata(r); err != nil {
		return err
	}
	spec, ok := api.NetworkSpecOf(r)
	if !ok {
		return &errors.ValidationError{Field: "spec", Message: "not a Network spec"}
	}
	if len(spec.Agents) == 0 {
		return &errors.ValidationError{Field: "spec.agents", Message: "network requires at least one agent"}
	}
	for i, a := range spec.Agents {
		if a.Name == "" || a.Ref == "" {
			return &errors.ValidationError{
				Field:   "spec.agents",
				Message: "agents require name and ref",
			}
		}
		for _, other := range spec.Agents[:i] {
			if other.Name == a.Name {
				return &errors.ValidationError{
					Field:   "spec.agents",
					Message: "duplicate agent name " + a.Name,
				}
			}
		}
	}
	if spec.Router.Model.Name == "" {
		return &errors.ValidationError{Field: "spec.router.model.name", Message: "router model is required"}
	}
	if spec.Router.Strategy == api.RoutingCustom && c.deps.CustomRouting(r.ID()) == nil {
		return &errors.ValidationError{
			Field:   "spec.router.strategy",
			Message: "CUSTOM strategy requires a registered handler",
		}
	}
	return nil
}

// ResolveDependencies implements reconcile.Controller: worker refs must be
// reconciled agents, and the router's provider must exist.
func (c *NetworkController) ResolveDependencies(ctx context.Context, r *api.Resource) error {
	spec, _ := api.NetworkSpecOf(r)

	for _, a := range spec.Agents {
		if _, err := c.deps.Handles.Agent(resolveAgentRef(a.Ref)); err != nil {
			return &errors.DependencyError{
				Resource:   r.ID(),
				Dependency: "agent " + a.Ref,
				Message:    "agent not reconciled yet",
				Retryable:  true,
			}
		}
	}

	if spec.Router.Model.Provider != "" {
		if _, err := c.deps.Providers.Get(spec.Router.Model.Provider); err != nil {
			return &errors.DependencyError{
				Resource:   r.ID(),
				Dependency: "provider " + spec.Router.Model.Provider,
				Message:    err.Error(),
				Retryable:  true,
			}
		}
	}
	return nil
}

// GetDesiredState implements reconcile.Controller.
func (c *NetworkController) GetDesiredState(r *api.Resource) (any, error) {
	spec, _ := api.NetworkSpecOf(r)
	return Fingerprint(spec)
}

// GetCurrentState implements reconcile.Controller.
func (c *NetworkController) GetCurrentState(r *api.Resource) (any, error) {
	return c.deps.Handles.Applied(r.Key().String()), nil
}

// UpdateResourceState implements reconcile.Controller: assemble the agent
// pool, synthesize the router, and cache the executor.
func (c *NetworkController) UpdateResourceState(ctx context.Context, r *api.Resource, desired, current any) error {
	spec, _ := api.NetworkSpecOf(r)

	pool := make([]network.PoolAgent, 0, len(spec.Agents))
	for _, ref := range spec.Agents {
		worker, err := c.deps.Handles.Agent(resolveAgentRef(ref.Ref))
		if err != nil {
			return &errors.DependencyError{
				Resource:   r.ID(),
				Dependency: "agent " + ref.Ref,
				Message:    "agent not reconciled yet",
				Retryable:  true,
			}
		}
		pool = append(pool, network.PoolAgent{
			Name:        ref.Name,
			Role:        ref.Role,
			Specialties: ref.Specialties,
			Description: ref.Description,
			Worker:      worker,
		})
	}

	maxSteps := spec.Router.MaxSteps
	if maxSteps <= 0 {
		maxSteps = network.DefaultMaxSteps
	}

	provider, err := c.deps.Providers.Get(spec.Router.Model.Provider)
	if err != nil {
		return &errors.DependencyError{
			Resource:   r.ID(),
			Dependency: "provider " + spec.Router.Model.Provider,
			Message:    err.Error(),
			Retryable:  true,
		}
	}
	router := agent.New(r.ID()+"/router", &api.AgentSpec{
		Instructions: network.SynthesizeInstructions(spec.Instructions, pool, maxSteps),
		Model:        spec.Router.Model,
	}, provider, c.deps.logger())

	var initial map[string]any
	if spec.State != nil {
		initial = spec.State.Initial
	}

	executor, err := network.NewExecutor(network.Config{
		NetworkID:    r.ID(),
		Instructions: spec.Instructions,
		MaxSteps:     maxSteps,
		Strategy:     spec.Router.Strategy,
		Custom:       c.deps.CustomRouting(r.ID()),
		Router:       router,
		Agents:       pool,
		States:       c.deps.States,
		Bus:          c.deps.Bus,
		Logger:       c.deps.logger(),
		StatusWriter: c.statusWriter(),
		InitialState: initial,
	})
	if err != nil {
		return err
	}

	c.deps.Handles.SetNetwork(r.ID(), executor)
	c.deps.Handles.SetApplied(r.Key().String(), desired.(string))
	return nil
}

// CleanupResource implements reconcile.Controller: clear shared state and
// drop the executor.
func (c *NetworkController) CleanupResource(ctx context.Context, r *api.Resource) error {
	if executor, err := c.deps.Handles.Network(r.ID()); err == nil {
		executor.Cleanup()
	}
	c.deps.Handles.DeleteNetwork(r.ID())
	c.deps.Handles.ClearApplied(r.Key().String())
	return nil
}

func (c *NetworkController) statusWriter() network.StatusWriter {
	st := c.deps.Store
	return func(networkID string, mutate func(*api.Status)) {
		ns, name := splitID(networkID)
		_ = st.UpdateStatus(api.Key{Kind: api.KindNetwork, Namespace: ns, Name: name}, mutate)
	}
}
