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

package errors

import (
	"fmt"
	"time"
)

// ValidationError represents spec or CRD validation failures.
// Validation errors are always fatal: retrying the same spec cannot succeed.
type ValidationError struct {
	// Field identifies which field failed validation (e.g., "spec.initialStep")
	Field string

	// Message is the human-readable error description
	Message string

	// Suggestion provides actionable guidance for fixing the error
	Suggestion string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation failed: %s", e.Message)
}

// ErrorType implements ErrorClassifier.
func (e *ValidationError) ErrorType() string { return "validation" }

// IsRetryable implements ErrorClassifier. Validation failures never retry.
func (e *ValidationError) IsRetryable() bool { return false }

// NotFoundError represents a missing resource, agent, or tool.
type NotFoundError struct {
	// Resource is the type of resource (e.g., "workflow", "agent", "step")
	Resource string

	// ID is the identifier that was not found
	ID string
}

// Error implements the error interface.
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// ErrorType implements ErrorClassifier.
func (e *NotFoundError) ErrorType() string { return "not_found" }

// IsRetryable implements ErrorClassifier.
func (e *NotFoundError) IsRetryable() bool { return false }

// DependencyError represents an unresolved reference between resources.
// A dependency that may still appear (e.g., an agent whose resource is
// pending creation) is retryable; a structurally impossible reference is not.
type DependencyError struct {
	// Resource is the resource whose dependency failed to resolve
	Resource string

	// Dependency is the reference that could not be resolved
	Dependency string

	// Message is the human-readable error description
	Message string

	// Retryable marks whether the dependency might appear later
	Retryable bool
}

// Error implements the error interface.
func (e *DependencyError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("dependency %s of %s: %s", e.Dependency, e.Resource, e.Message)
	}
	return fmt.Sprintf("unresolved dependency %s of %s", e.Dependency, e.Resource)
}

// ErrorType implements ErrorClassifier.
func (e *DependencyError) ErrorType() string { return "dependency" }

// IsRetryable implements ErrorClassifier.
func (e *DependencyError) IsRetryable() bool { return e.Retryable }

// ExecutionError represents a failed agent, function, or tool call.
type ExecutionError struct {
	// Target describes what was being executed (e.g., "agent default.writer")
	Target string

	// Message is the human-readable error message
	Message string

	// Retryable marks transient failures (network, rate limits)
	Retryable bool

	// Cause is the underlying error
	Cause error
}

// Error implements the error interface.
func (e *ExecutionError) Error() string {
	if e.Target != "" {
		return fmt.Sprintf("execution of %s failed: %s", e.Target, e.Message)
	}
	return fmt.Sprintf("execution failed: %s", e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *ExecutionError) Unwrap() error { return e.Cause }

// ErrorType implements ErrorClassifier.
func (e *ExecutionError) ErrorType() string { return "execution" }

// IsRetryable implements ErrorClassifier.
func (e *ExecutionError) IsRetryable() bool { return e.Retryable }

// TimeoutError represents operation timeouts.
type TimeoutError struct {
	// Operation describes what timed out (e.g., "workflow step", "task")
	Operation string

	// Duration is how long the operation ran before timing out
	Duration time.Duration

	// Cause is the underlying error (if any)
	Cause error
}

// Error implements the error interface.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s operation timed out after %v", e.Operation, e.Duration)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *TimeoutError) Unwrap() error { return e.Cause }

// ErrorType implements ErrorClassifier.
func (e *TimeoutError) ErrorType() string { return "timeout" }

// IsRetryable implements ErrorClassifier. Timeouts retry per task policy.
func (e *TimeoutError) IsRetryable() bool { return true }

// CyclicDependencyError represents a cycle detected during static workflow
// validation. Always fatal; the graph cannot execute.
type CyclicDependencyError struct {
	// Workflow is the workflow resource id
	Workflow string

	// Cycle lists the step ids forming the cycle, in traversal order
	Cycle []string
}

// Error implements the error interface.
func (e *CyclicDependencyError) Error() string {
	if len(e.Cycle) > 0 {
		path := e.Cycle[0]
		for _, id := range e.Cycle[1:] {
			path += " -> " + id
		}
		return fmt.Sprintf("workflow %s contains a step cycle: %s", e.Workflow, path)
	}
	return fmt.Sprintf("workflow %s contains a step cycle", e.Workflow)
}

// ErrorType implements ErrorClassifier.
func (e *CyclicDependencyError) ErrorType() string { return "cyclic_dependency" }

// IsRetryable implements ErrorClassifier.
func (e *CyclicDependencyError) IsRetryable() bool { return false }

// ConfigError represents bad MastraPod or provider setup.
// Fatal at admission time.
type ConfigError struct {
	// Key is the configuration key that has the problem (e.g., "providers.openai")
	Key string

	// Reason explains what's wrong with the configuration
	Reason string

	// Cause is the underlying error (e.g., file read error, parse error)
	Cause error
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("config error at %s: %s", e.Key, e.Reason)
	}
	return fmt.Sprintf("config error: %s", e.Reason)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *ConfigError) Unwrap() error { return e.Cause }

// ErrorType implements ErrorClassifier.
func (e *ConfigError) ErrorType() string { return "config" }

// IsRetryable implements ErrorClassifier.
func (e *ConfigError) IsRetryable() bool { return false }
