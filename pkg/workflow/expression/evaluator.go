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

// Package expression evaluates condition expressions against workflow
// context using expr-lang, caching compiled programs for repeated
// evaluation.
package expression

import (
	"fmt"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/mastra-ai/runtime/pkg/errors"
)

// Evaluator compiles and runs expressions. Safe for concurrent use.
type Evaluator struct {
	cache map[string]*vm.Program
	mu    sync.RWMutex
}

// New creates an expression evaluator.
func New() *Evaluator {
	return &Evaluator{cache: make(map[string]*vm.Program)}
}

// Evaluate runs an expression against the given environment and returns
// its value. An empty expression evaluates to true.
//
// The environment for condition steps contains:
//   - input: the step's resolved input map
//   - vars: the execution's variable map
func (e *Evaluator) Evaluate(expression string, env map[string]any) (any, error) {
	if expression == "" {
		return true, nil
	}

	program, err := e.compile(expression)
	if err != nil {
		return nil, &errors.ValidationError{
			Field:      "expression",
			Message:    fmt.Sprintf("failed to compile expression: %s", err.Error()),
			Suggestion: "check expression syntax and ensure all referenced variables exist",
		}
	}

	evalEnv := make(map[string]any, len(env)+2)
	for k, v := range env {
		evalEnv[k] = v
	}
	evalEnv["has"] = containsFunc
	evalEnv["length"] = lenFunc

	result, err := expr.Run(program, evalEnv)
	if err != nil {
		return nil, &errors.ValidationError{
			Field:      "expression",
			Message:    fmt.Sprintf("expression evaluation failed: %s", err.Error()),
			Suggestion: "verify that all referenced variables exist in the workflow context",
		}
	}
	return result, nil
}

// EvaluateBool runs an expression that must produce a boolean.
func (e *Evaluator) EvaluateBool(expression string, env map[string]any) (bool, error) {
	result, err := e.Evaluate(expression, env)
	if err != nil {
		return false, err
	}
	b, ok := result.(bool)
	if !ok {
		return false, &errors.ValidationError{
			Field:      "expression",
			Message:    fmt.Sprintf("expression must return boolean, got %T (%v)", result, result),
			Suggestion: "use comparison operators (==, !=, <, >, etc.) or boolean functions",
		}
	}
	return b, nil
}

// Truthy evaluates an expression under config-style truthiness: the empty
// string, "false", and "0" are falsy, everything else follows Go-ish
// conventions. Used by MastraPod `when` clauses.
func (e *Evaluator) Truthy(expression string, env map[string]any) (bool, error) {
	result, err := e.Evaluate(expression, env)
	if err != nil {
		return false, err
	}
	switch v := result.(type) {
	case bool:
		return v, nil
	case string:
		return v != "" && v != "false" && v != "0", nil
	case nil:
		return false, nil
	case int:
		return v != 0, nil
	case int64:
		return v != 0, nil
	case float64:
		return v != 0, nil
	default:
		return true, nil
	}
}

func (e *Evaluator) compile(expression string) (*vm.Program, error) {
	e.mu.RLock()
	program, ok := e.cache[expression]
	e.mu.RUnlock()
	if ok {
		return program, nil
	}

	program, err := expr.Compile(expression, expr.AllowUndefinedVariables())
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.cache[expression] = program
	e.mu.Unlock()
	return program, nil
}

func containsFunc(collection any, item any) bool {
	switch c := collection.(type) {
	case []any:
		for _, v := range c {
			if v == item {
				return true
			}
		}
	case []string:
		s, ok := item.(string)
		if !ok {
			return false
		}
		for _, v := range c {
			if v == s {
				return true
			}
		}
	case map[string]any:
		s, ok := item.(string)
		if !ok {
			return false
		}
		_, present := c[s]
		return present
	}
	return false
}

func lenFunc(collection any) int {
	switch c := collection.(type) {
	case []any:
		return len(c)
	case []string:
		return len(c)
	case map[string]any:
		return len(c)
	case string:
		return len(c)
	}
	return 0
}
