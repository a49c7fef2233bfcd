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
	"context"
	"strings"
	"sync"

	"github.com/mastra-ai/runtime/internal/jq"
)

// variableScope is the per-execution mutable variable map, seeded with the
// execution input. Guarded for the parallel step case where children write
// outputs concurrently.
type variableScope struct {
	mu   sync.RWMutex
	vars map[string]any
	jq   *jq.Executor
}

func newVariableScope(input map[string]any, jqExec *jq.Executor) *variableScope {
	vars := make(map[string]any, len(input))
	for k, v := range input {
		vars[k] = v
	}
	return &variableScope{vars: vars, jq: jqExec}
}

// Set writes one variable.
func (s *variableScope) Set(name string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.vars[name] = value
}

// Get reads one variable.
func (s *variableScope) Get(name string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.vars[name]
	return v, ok
}

// Snapshot copies the variable map.
func (s *variableScope) Snapshot() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]any, len(s.vars))
	for k, v := range s.vars {
		out[k] = v
	}
	return out
}

// ResolveInput substitutes variable references in a step's input map.
// A leaf string of form "$name" is replaced by the variable's value;
// "$name.field.sub" digs into the referenced value. Non-reference values
// pass through; nested maps and slices resolve recursively.
func (s *variableScope) ResolveInput(ctx context.Context, input map[string]any) (map[string]any, error) {
	if input == nil {
		return map[string]any{}, nil
	}
	resolved, err := s.resolveValue(ctx, input)
	if err != nil {
		return nil, err
	}
	return resolved.(map[string]any), nil
}

func (s *variableScope) resolveValue(ctx context.Context, value any) (any, error) {
	switch v := value.(type) {
	case string:
		return s.resolveString(ctx, v)
	case map[string]any:
		out := make(map[string]any, len(v))
		for key, inner := range v {
			resolved, err := s.resolveValue(ctx, inner)
			if err != nil {
				return nil, err
			}
			out[key] = resolved
		}
		return out, nil
	case []any:
		out := make([]any, len(v))
		for i, inner := range v {
			resolved, err := s.resolveValue(ctx, inner)
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil
	default:
		return value, nil
	}
}

func (s *variableScope) resolveString(ctx context.Context, str string) (any, error) {
	if !strings.HasPrefix(str, "$") || len(str) == 1 {
		return str, nil
	}
	ref := str[1:]

	name := ref
	path := ""
	if i := strings.Index(ref, "."); i >= 0 {
		name = ref[:i]
		path = ref[i+1:]
	}

	value, ok := s.Get(name)
	if !ok {
		// Unresolved references propagate as nil, matching the permissive
		// substitution semantics of the resource format.
		return nil, nil
	}
	if path == "" {
		return value, nil
	}
	return s.jq.Extract(ctx, path, value)
}

// StoreOutput records a completed step's output: always under
// "{stepId}_output", plus any declared output mapping of variable names to
// extracted fields.
func (s *variableScope) StoreOutput(ctx context.Context, stepID string, output any, mapping map[string]string) error {
	s.Set(stepID+"_output", output)
	for variable, field := range mapping {
		extracted, err := s.jq.Extract(ctx, field, output)
		if err != nil {
			return err
		}
		s.Set(variable, extracted)
	}
	return nil
}
