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

package workflow

import (
	"fmt"

	"github.com/mastra-ai/runtime/pkg/api"
	"github.com/mastra-ai/runtime/pkg/errors"
)

// Validate statically checks a workflow spec before execution: the initial
// step exists, every next/transitions target references a known step (or
// the END sentinel), each step carries the fields its type requires, and
// pure `next` chains are acyclic.
func Validate(workflowID string, spec *api.WorkflowSpec) error {
	if spec.InitialStep == "" {
		return &errors.ValidationError{Field: "spec.initialStep", Message: "initialStep is required"}
	}
	if len(spec.Steps) == 0 {
		return &errors.ValidationError{Field: "spec.steps", Message: "at least one step is required"}
	}

	index, err := api.IndexSteps(spec.Steps)
	if err != nil {
		return &errors.ValidationError{Field: "spec.steps", Message: err.Error()}
	}

	if _, ok := index[spec.InitialStep]; !ok {
		return &errors.ValidationError{
			Field:   "spec.initialStep",
			Message: fmt.Sprintf("references unknown step %q", spec.InitialStep),
		}
	}

	for i := range spec.Steps {
		if err := validateStep(&spec.Steps[i], index); err != nil {
			return err
		}
	}

	return detectCycle(workflowID, spec.Steps, index)
}

func validateStep(step *api.Step, index api.StepIndex) error {
	field := fmt.Sprintf("spec.steps[%s]", step.ID)

	if !api.ValidStepType(step.Type) {
		return &errors.ValidationError{
			Field:   field + ".type",
			Message: fmt.Sprintf("unknown step type %q", step.Type),
		}
	}

	switch step.Type {
	case api.StepTypeAgent:
		if step.Agent == "" {
			return &errors.ValidationError{Field: field + ".agent", Message: "agent steps require an agent reference"}
		}
	case api.StepTypeFunction:
		if step.Function == "" {
			return &errors.ValidationError{Field: field + ".function", Message: "function steps require a function name"}
		}
	case api.StepTypeCondition:
		if step.Condition == "" && step.Function == "" {
			return &errors.ValidationError{
				Field:   field,
				Message: "condition steps require an expression or a bound predicate",
			}
		}
	case api.StepTypeParallel:
		if len(step.Steps) == 0 {
			return &errors.ValidationError{Field: field + ".steps", Message: "parallel steps require children"}
		}
		childIDs := make(map[string]struct{}, len(step.Steps))
		for i := range step.Steps {
			child := &step.Steps[i]
			if child.ID == "" {
				return &errors.ValidationError{Field: field + ".steps", Message: "child steps require ids"}
			}
			if _, dup := childIDs[child.ID]; dup {
				return &errors.ValidationError{
					Field:   field + ".steps",
					Message: fmt.Sprintf("duplicate child step id %q", child.ID),
				}
			}
			childIDs[child.ID] = struct{}{}
			if child.Type == api.StepTypeParallel {
				return &errors.ValidationError{
					Field:   field + ".steps",
					Message: "parallel steps cannot nest parallel children",
				}
			}
			if err := validateStep(child, index); err != nil {
				return err
			}
		}
	}

	for _, target := range step.Next {
		if target == api.StepEnd {
			continue
		}
		if _, ok := index[target]; !ok {
			return &errors.ValidationError{
				Field:   field + ".next",
				Message: fmt.Sprintf("references unknown step %q", target),
			}
		}
	}
	for outcome, target := range step.Transitions {
		if target == api.StepEnd {
			continue
		}
		if _, ok := index[target]; !ok {
			return &errors.ValidationError{
				Field:   field + ".transitions",
				Message: fmt.Sprintf("outcome %q references unknown step %q", outcome, target),
			}
		}
	}
	return nil
}

// detectCycle walks pure `next` edges (transitions excluded: condition
// loops are legitimate) and reports the first cycle found.
func detectCycle(workflowID string, steps []api.Step, index api.StepIndex) error {
	const (
		white = 0 // unvisited
		gray  = 1 // on stack
		black = 2 // done
	)
	colors := make(map[string]int, len(steps))
	var stack []string

	var visit func(id string) error
	visit = func(id string) error {
		colors[id] = gray
		stack = append(stack, id)

		i := index[id]
		for _, target := range steps[i].Next {
			if target == api.StepEnd {
				continue
			}
			switch colors[target] {
			case gray:
				cycle := append(append([]string{}, stack...), target)
				return &errors.CyclicDependencyError{Workflow: workflowID, Cycle: trimCycle(cycle, target)}
			case white:
				if err := visit(target); err != nil {
					return err
				}
			}
		}

		stack = stack[:len(stack)-1]
		colors[id] = black
		return nil
	}

	for _, step := range steps {
		if colors[step.ID] == white {
			if err := visit(step.ID); err != nil {
				return err
			}
		}
	}
	return nil
}

// trimCycle drops the acyclic prefix so the reported path starts at the
// repeated step.
func trimCycle(path []string, start string) []string {
	for i, id := range path {
		if id == start {
			return path[i:]
		}
	}
	return path
}
