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

// Package jq evaluates jq expressions for workflow output extraction and
// variable dereferencing.
package jq

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/itchyny/gojq"
)

// DefaultTimeout bounds a single jq evaluation.
const DefaultTimeout = 1 * time.Second

// Executor evaluates jq expressions with timeout protection.
type Executor struct {
	timeout time.Duration
}

// NewExecutor creates a jq executor. A zero timeout uses DefaultTimeout.
func NewExecutor(timeout time.Duration) *Executor {
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	return &Executor{timeout: timeout}
}

// Execute runs a jq expression against data. An empty expression returns
// data unchanged. Data passes through JSON normalization so struct values
// and typed maps behave like decoded documents.
func (e *Executor) Execute(ctx context.Context, expression string, data any) (any, error) {
	if expression == "" {
		return data, nil
	}

	query, err := gojq.Parse(expression)
	if err != nil {
		return nil, fmt.Errorf("parsing jq expression %q: %w", expression, err)
	}

	normalized, err := normalize(data)
	if err != nil {
		return nil, err
	}

	execCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	iter := query.RunWithContext(execCtx, normalized)
	value, ok := iter.Next()
	if !ok {
		return nil, nil
	}
	if err, isErr := value.(error); isErr {
		return nil, fmt.Errorf("evaluating jq expression %q: %w", expression, err)
	}
	return value, nil
}

// Extract digs a dotted field path ("user.address.city") out of data.
// Paths are translated to jq queries, so array indexing ("items[0].name")
// also works.
func (e *Executor) Extract(ctx context.Context, path string, data any) (any, error) {
	if path == "" {
		return data, nil
	}
	if !strings.HasPrefix(path, ".") {
		path = "." + path
	}
	return e.Execute(ctx, path, data)
}

// normalize round-trips data through JSON so gojq sees only the types it
// understands (map[string]any, []any, float64, string, bool, nil).
func normalize(data any) (any, error) {
	switch data.(type) {
	case nil, string, bool, float64, map[string]any, []any:
		return data, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("normalizing jq input: %w", err)
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}
