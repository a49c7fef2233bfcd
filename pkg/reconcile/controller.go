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

// Package reconcile provides the abstract controller framework: a Runner
// drives a per-kind Controller through the shared reconcile flow
// (validate, resolve, diff, apply) with per-resource serialization,
// exponential-backoff retry, and phase/condition status transitions.
package reconcile

import (
	"context"

	"github.com/mastra-ai/runtime/pkg/api"
)

// Controller implements the kind-specific parts of reconciliation.
// The shared flow lives in Runner; controllers supply the steps, not the
// loop. All methods must be idempotent.
type Controller interface {
	// Kind returns the resource kind this controller owns.
	Kind() string

	// Validate checks the spec beyond schema validation. A returned error
	// fails the resource permanently (no retry).
	Validate(r *api.Resource) error

	// ResolveDependencies resolves cross-resource references. Errors are
	// classified: retryable dependency errors re-run reconciliation with
	// backoff, fatal ones fail the resource.
	ResolveDependencies(ctx context.Context, r *api.Resource) error

	// GetDesiredState derives the desired state from the spec.
	GetDesiredState(r *api.Resource) (any, error)

	// GetCurrentState reports the currently applied state.
	GetCurrentState(r *api.Resource) (any, error)

	// UpdateResourceState applies side effects to move current toward
	// desired (cache handles, register with executors).
	UpdateResourceState(ctx context.Context, r *api.Resource, desired, current any) error

	// CleanupResource releases everything the controller holds for the
	// resource. Invoked exactly once after deletion is requested, before
	// the store entry is removed.
	CleanupResource(ctx context.Context, r *api.Resource) error

	// SuccessPhase is the phase written after a successful reconciliation:
	// PhaseRunning for long-lived kinds, PhaseSucceeded for one-shot kinds.
	SuccessPhase() api.Phase
}

// PhaseChange is the payload of "{kind}.phase.changed" events.
type PhaseChange struct {
	Resource string
	Kind     string
	Previous api.Phase
	Current  api.Phase
}

// Condition reasons written by the framework.
const (
	ReasonValidationFailed  = "ValidationFailed"
	ReasonDependencyPending = "DependencyPending"
	ReasonDependencyFailed  = "DependencyFailed"
	ReasonNoChange          = "NoChange"
	ReasonReconciled        = "Reconciled"
	ReasonApplyFailed       = "ApplyFailed"
	ReasonApplyDegraded     = "ApplyDegraded"
	ReasonTerminating       = "Terminating"
)
