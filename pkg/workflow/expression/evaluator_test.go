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

package expression

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvaluateEmptyIsTrue(t *testing.T) {
	e := New()
	result, err := e.Evaluate("", nil)
	require.NoError(t, err)
	assert.Equal(t, true, result)
}

func TestEvaluateComparison(t *testing.T) {
	e := New()
	env := map[string]any{
		"input": map[string]any{"score": 5},
	}

	ok, err := e.EvaluateBool("input.score > 3", env)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = e.EvaluateBool("input.score > 10", env)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestEvaluateNonBoolValue(t *testing.T) {
	e := New()
	result, err := e.Evaluate(`input.kind`, map[string]any{
		"input": map[string]any{"kind": "billing"},
	})
	require.NoError(t, err)
	assert.Equal(t, "billing", result)

	_, err = e.EvaluateBool(`input.kind`, map[string]any{
		"input": map[string]any{"kind": "billing"},
	})
	assert.Error(t, err, "non-boolean rejected by EvaluateBool")
}

func TestEvaluateBadSyntax(t *testing.T) {
	e := New()
	_, err := e.Evaluate("input.score >", nil)
	assert.Error(t, err)
}

func TestHelpers(t *testing.T) {
	e := New()
	env := map[string]any{
		"vars": map[string]any{"tags": []any{"alpha", "beta"}},
	}

	ok, err := e.EvaluateBool(`has(vars.tags, "alpha")`, env)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = e.EvaluateBool(`length(vars.tags) == 2`, env)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestTruthy(t *testing.T) {
	e := New()

	tests := []struct {
		expr string
		env  map[string]any
		want bool
	}{
		{`env.FEATURE`, map[string]any{"env": map[string]any{"FEATURE": "on"}}, true},
		{`env.FEATURE`, map[string]any{"env": map[string]any{"FEATURE": ""}}, false},
		{`env.FEATURE`, map[string]any{"env": map[string]any{"FEATURE": "false"}}, false},
		{`env.FEATURE`, map[string]any{"env": map[string]any{"FEATURE": "0"}}, false},
		{`env.MISSING`, map[string]any{"env": map[string]any{}}, false},
		{`1 == 1`, nil, true},
	}

	for _, tt := range tests {
		got, err := e.Truthy(tt.expr, tt.env)
		require.NoError(t, err, tt.expr)
		assert.Equal(t, tt.want, got, tt.expr)
	}
}

func TestCompileCache(t *testing.T) {
	e := New()
	for i := 0; i < 3; i++ {
		if _, err := e.Evaluate("1 + 1 == 2", nil); err != nil {
			t.Fatal(err)
		}
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	assert.Len(t, e.cache, 1)
}
