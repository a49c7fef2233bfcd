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

package tool

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mastra-ai/runtime/pkg/api"
	"github.com/mastra-ai/runtime/pkg/errors"
)

func TestFunctionTool(t *testing.T) {
	functions := NewFunctionRegistry()
	functions.Register("greet", func(ctx context.Context, input map[string]any) (any, error) {
		name, _ := input["name"].(string)
		return "hello " + name, nil
	})

	h, err := NewHandle(&api.ToolSpec{
		ID:      "greeter",
		Type:    api.ToolTypeFunction,
		Execute: api.ExecuteTarget{Function: "greet"},
	}, functions, nil)
	require.NoError(t, err)

	out, err := h.Execute(context.Background(), map[string]any{"name": "dev"})
	require.NoError(t, err)
	assert.Equal(t, "hello dev", out)
}

func TestFunctionToolMissingBinding(t *testing.T) {
	_, err := NewHandle(&api.ToolSpec{
		ID:      "greeter",
		Type:    api.ToolTypeFunction,
		Execute: api.ExecuteTarget{Function: "ghost"},
	}, NewFunctionRegistry(), nil)

	var dep *errors.DependencyError
	require.ErrorAs(t, err, &dep)
	assert.True(t, dep.IsRetryable(), "a function registered later should retry")
}

func TestHTTPTool(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "secret", r.Header.Get("X-Token"))
		json.NewEncoder(w).Encode(map[string]any{"echo": body["message"]})
	}))
	defer server.Close()

	h, err := NewHandle(&api.ToolSpec{
		ID:   "echo",
		Type: api.ToolTypeHTTP,
		Execute: api.ExecuteTarget{
			URL:     server.URL,
			Method:  "POST",
			Headers: map[string]string{"X-Token": "secret"},
		},
	}, NewFunctionRegistry(), server.Client())
	require.NoError(t, err)

	out, err := h.Execute(context.Background(), map[string]any{"message": "hi"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"echo": "hi"}, out)
}

func TestHTTPToolServerErrorRetryable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	h, err := NewHandle(&api.ToolSpec{
		ID:      "flaky",
		Type:    api.ToolTypeAPI,
		Execute: api.ExecuteTarget{URL: server.URL},
	}, NewFunctionRegistry(), server.Client())
	require.NoError(t, err)

	_, execErr := h.Execute(context.Background(), nil)
	require.Error(t, execErr)
	assert.True(t, errors.IsRetryable(execErr))
}

func TestHTTPToolClientErrorFatal(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad request", http.StatusBadRequest)
	}))
	defer server.Close()

	h, err := NewHandle(&api.ToolSpec{
		ID:      "strict",
		Type:    api.ToolTypeWebhook,
		Execute: api.ExecuteTarget{URL: server.URL},
	}, NewFunctionRegistry(), server.Client())
	require.NoError(t, err)

	_, execErr := h.Execute(context.Background(), nil)
	require.Error(t, execErr)
	assert.False(t, errors.IsRetryable(execErr))
}

func TestDatabaseTool(t *testing.T) {
	path := t.TempDir() + "/tool.db"

	seed, err := NewHandle(&api.ToolSpec{
		ID:   "seed",
		Type: api.ToolTypeDatabase,
		Execute: api.ExecuteTarget{
			DSN:   path,
			Query: "CREATE TABLE IF NOT EXISTS notes (id INTEGER PRIMARY KEY, body TEXT)",
		},
	}, NewFunctionRegistry(), nil)
	require.NoError(t, err)
	_, err = seed.Execute(context.Background(), nil)
	require.NoError(t, err)

	insert, err := NewHandle(&api.ToolSpec{
		ID:      "insert",
		Type:    api.ToolTypeDatabase,
		Execute: api.ExecuteTarget{DSN: path, Query: "INSERT INTO notes (body) VALUES (?)"},
	}, NewFunctionRegistry(), nil)
	require.NoError(t, err)
	_, err = insert.Execute(context.Background(), map[string]any{"args": []any{"first note"}})
	require.NoError(t, err)

	query, err := NewHandle(&api.ToolSpec{
		ID:      "list",
		Type:    api.ToolTypeDatabase,
		Execute: api.ExecuteTarget{DSN: path, Query: "SELECT body FROM notes"},
	}, NewFunctionRegistry(), nil)
	require.NoError(t, err)

	out, err := query.Execute(context.Background(), nil)
	require.NoError(t, err)
	rows, ok := out.([]map[string]any)
	require.True(t, ok)
	require.Len(t, rows, 1)
	assert.Equal(t, "first note", rows[0]["body"])
}

func TestUnknownDriverRejected(t *testing.T) {
	h, err := NewHandle(&api.ToolSpec{
		ID:      "pg",
		Type:    api.ToolTypeDatabase,
		Execute: api.ExecuteTarget{DSN: "postgres://localhost/app", Query: "SELECT 1"},
	}, NewFunctionRegistry(), nil)
	require.NoError(t, err)

	_, execErr := h.Execute(context.Background(), nil)
	var cfgErr *errors.ConfigError
	assert.ErrorAs(t, execErr, &cfgErr)
}

func TestInvalidSpecs(t *testing.T) {
	functions := NewFunctionRegistry()

	_, err := NewHandle(&api.ToolSpec{Type: api.ToolTypeFunction}, functions, nil)
	assert.Error(t, err, "missing id")

	_, err = NewHandle(&api.ToolSpec{ID: "x", Type: "grpc"}, functions, nil)
	assert.Error(t, err, "unknown type")

	_, err = NewHandle(&api.ToolSpec{ID: "x", Type: api.ToolTypeHTTP}, functions, nil)
	assert.Error(t, err, "missing url")
}
