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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestValidationError(t *testing.T) {
	err := &ValidationError{Field: "spec.initialStep", Message: "references unknown step"}
	assert.Contains(t, err.Error(), "spec.initialStep")
	assert.Equal(t, "validation", err.ErrorType())
	assert.False(t, err.IsRetryable())

	bare := &ValidationError{Message: "missing name"}
	assert.Equal(t, "validation failed: missing name", bare.Error())
}

func TestNotFoundError(t *testing.T) {
	err := &NotFoundError{Resource: "agent", ID: "default.writer"}
	assert.Equal(t, "agent not found: default.writer", err.Error())
	assert.False(t, err.IsRetryable())
}

func TestDependencyErrorRetryable(t *testing.T) {
	pending := &DependencyError{Resource: "default.wf", Dependency: "default.writer", Retryable: true}
	assert.True(t, pending.IsRetryable())

	impossible := &DependencyError{Resource: "default.wf", Dependency: "default.writer"}
	assert.False(t, impossible.IsRetryable())
	assert.Contains(t, impossible.Error(), "default.writer")
}

func TestExecutionErrorUnwrap(t *testing.T) {
	cause := New("boom")
	err := &ExecutionError{Target: "agent default.writer", Message: "boom", Cause: cause}
	assert.Equal(t, cause, err.Unwrap())
	assert.Contains(t, err.Error(), "agent default.writer")
}

func TestTimeoutError(t *testing.T) {
	err := &TimeoutError{Operation: "task", Duration: 50 * time.Millisecond}
	assert.Contains(t, err.Error(), "timed out after 50ms")
	assert.True(t, err.IsRetryable())
	assert.Equal(t, "timeout", err.ErrorType())
}

func TestCyclicDependencyError(t *testing.T) {
	err := &CyclicDependencyError{Workflow: "default.wf", Cycle: []string{"a", "b", "a"}}
	assert.Equal(t, "workflow default.wf contains a step cycle: a -> b -> a", err.Error())
	assert.False(t, err.IsRetryable())
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Classification
	}{
		{"nil", nil, Fatal},
		{"validation", &ValidationError{Message: "bad"}, Fatal},
		{"timeout", &TimeoutError{Operation: "task"}, Retryable},
		{"retryable execution", &ExecutionError{Message: "rate limited", Retryable: true}, Retryable},
		{"fatal execution", &ExecutionError{Message: "bad input"}, Fatal},
		{"transient marker", New("dial tcp: ECONNREFUSED"), Transient},
		{"conflict marker", New("write CONFLICT on key"), Transient},
		{"plain", New("boom"), Fatal},
		{"wrapped typed", fmt.Errorf("step failed: %w", &TimeoutError{Operation: "agent"}), Retryable},
		{"wrapped marker", fmt.Errorf("submit: %w", New("ETIMEDOUT waiting for socket")), Transient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(&TimeoutError{Operation: "x"}))
	assert.True(t, IsRetryable(New("NETWORK_ERROR: connection dropped")))
	assert.False(t, IsRetryable(&ValidationError{Message: "bad"}))
	assert.False(t, IsRetryable(nil))
}
