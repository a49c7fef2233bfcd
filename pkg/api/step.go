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

package api

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// StepType enumerates the workflow step kinds.
type StepType string

const (
	StepTypeAgent     StepType = "agent"
	StepTypeFunction  StepType = "function"
	StepTypeCondition StepType = "condition"
	StepTypeParallel  StepType = "parallel"
)

// ValidStepType reports whether t is one of the closed set of step types.
func ValidStepType(t StepType) bool {
	switch t {
	case StepTypeAgent, StepTypeFunction, StepTypeCondition, StepTypeParallel:
		return true
	}
	return false
}

// StepEnd is the sentinel next-target that terminates a workflow.
const StepEnd = "END"

// NextSteps holds a step's downstream targets. In YAML it is either a
// scalar step id (or "END") or a sequence of step ids.
type NextSteps []string

// UnmarshalYAML accepts both scalar and sequence forms.
func (n *NextSteps) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		var s string
		if err := node.Decode(&s); err != nil {
			return err
		}
		*n = NextSteps{s}
		return nil
	case yaml.SequenceNode:
		var list []string
		if err := node.Decode(&list); err != nil {
			return err
		}
		*n = NextSteps(list)
		return nil
	default:
		return fmt.Errorf("next must be a step id or a list of step ids")
	}
}

// IsEnd reports whether the targets are exactly the END sentinel.
func (n NextSteps) IsEnd() bool {
	return len(n) == 1 && n[0] == StepEnd
}

// Single returns the sole target when there is exactly one.
func (n NextSteps) Single() (string, bool) {
	if len(n) == 1 {
		return n[0], true
	}
	return "", false
}

// Step is a node in a workflow graph. Exactly one of Agent, Function,
// Condition, or Steps is meaningful, selected by Type.
type Step struct {
	// ID is the step's unique identifier within the workflow.
	ID string `yaml:"id" json:"id"`

	// Name is an optional display name.
	Name string `yaml:"name,omitempty" json:"name,omitempty"`

	// Type selects the step semantics.
	Type StepType `yaml:"type" json:"type"`

	// Agent references the agent to invoke (type: agent).
	Agent string `yaml:"agent,omitempty" json:"agent,omitempty"`

	// Function names a bound function (type: function), or, for condition
	// steps with no expression, a bound predicate.
	Function string `yaml:"function,omitempty" json:"function,omitempty"`

	// Condition is an expression evaluated against the resolved input and
	// variables (type: condition). When empty, Function names the predicate.
	Condition string `yaml:"condition,omitempty" json:"condition,omitempty"`

	// Steps are the children of a parallel step.
	Steps []Step `yaml:"steps,omitempty" json:"steps,omitempty"`

	// Input maps parameter names to literals or "$variable" references.
	Input map[string]any `yaml:"input,omitempty" json:"input,omitempty"`

	// Output maps variable names to fields extracted from the step output.
	Output map[string]string `yaml:"output,omitempty" json:"output,omitempty"`

	// Next lists downstream step ids, or the END sentinel.
	Next NextSteps `yaml:"next,omitempty" json:"next,omitempty"`

	// Timeout bounds a single attempt, in milliseconds. Zero means the
	// execution default applies.
	Timeout int `yaml:"timeout,omitempty" json:"timeout,omitempty"`

	// Retries bounds the total executions of this step (first attempt
	// included). Nil means the execution default applies.
	Retries *int `yaml:"retries,omitempty" json:"retries,omitempty"`

	// RetryDelayMs is the fixed delay between attempts.
	RetryDelayMs int `yaml:"retryDelayMs,omitempty" json:"retryDelayMs,omitempty"`

	// Transitions maps symbolic outcomes (e.g. "true"/"false") to step ids.
	Transitions map[string]string `yaml:"transitions,omitempty" json:"transitions,omitempty"`
}

// StepIndex arranges a workflow's steps for id lookup. Steps live in the
// spec's slice; the index references them by position, never by pointer
// into decoded YAML.
type StepIndex map[string]int

// IndexSteps builds an id index over the top-level steps.
func IndexSteps(steps []Step) (StepIndex, error) {
	idx := make(StepIndex, len(steps))
	for i, s := range steps {
		if s.ID == "" {
			return nil, fmt.Errorf("step %d has no id", i)
		}
		if _, dup := idx[s.ID]; dup {
			return nil, fmt.Errorf("duplicate step id %q", s.ID)
		}
		idx[s.ID] = i
	}
	return idx, nil
}
