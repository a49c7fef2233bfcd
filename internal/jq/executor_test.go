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

package jq

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecuteEmptyExpressionPassthrough(t *testing.T) {
	e := NewExecutor(0)
	out, err := e.Execute(context.Background(), "", map[string]any{"a": 1})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"a": 1}, out)
}

func TestExtractNestedField(t *testing.T) {
	e := NewExecutor(0)
	data := map[string]any{
		"user": map[string]any{"address": map[string]any{"city": "berlin"}},
	}

	out, err := e.Extract(context.Background(), "user.address.city", data)
	require.NoError(t, err)
	assert.Equal(t, "berlin", out)
}

func TestExtractArrayIndex(t *testing.T) {
	e := NewExecutor(0)
	data := map[string]any{"items": []any{map[string]any{"name": "first"}}}

	out, err := e.Extract(context.Background(), "items[0].name", data)
	require.NoError(t, err)
	assert.Equal(t, "first", out)
}

func TestExtractMissingFieldIsNil(t *testing.T) {
	e := NewExecutor(0)
	out, err := e.Extract(context.Background(), "ghost", map[string]any{"a": 1})
	require.NoError(t, err)
	assert.Nil(t, out)
}

func TestExecuteBadExpression(t *testing.T) {
	e := NewExecutor(0)
	_, err := e.Execute(context.Background(), ".[broken", nil)
	assert.Error(t, err)
}

func TestNormalizeTypedInput(t *testing.T) {
	e := NewExecutor(0)
	type payload struct {
		Text string `json:"text"`
	}
	out, err := e.Extract(context.Background(), "text", payload{Text: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "hi", out)
}
