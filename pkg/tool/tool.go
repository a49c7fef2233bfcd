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

// Package tool turns Tool resource specs into executable handles. The five
// execution targets (function, api, database, webhook, http) sit behind a
// single Execute seam so agents and workflow steps invoke tools uniformly.
package tool

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/mastra-ai/runtime/pkg/api"
	"github.com/mastra-ai/runtime/pkg/errors"
)

// DefaultHTTPTimeout bounds outgoing tool requests.
const DefaultHTTPTimeout = 30 * time.Second

// Handle is a resolved, executable tool.
type Handle struct {
	// ID is the tool's stable identifier.
	ID string

	// Description tells the model what the tool does.
	Description string

	// Type is the execution target kind.
	Type api.ToolType

	// InputSchema constrains tool input.
	InputSchema map[string]any

	execute func(ctx context.Context, input map[string]any) (any, error)
}

// NewHandle resolves a tool spec into a handle. Function targets resolve
// through the registry; api/webhook/http targets share the HTTP client.
func NewHandle(spec *api.ToolSpec, functions *FunctionRegistry, client *http.Client) (*Handle, error) {
	if spec.ID == "" {
		return nil, &errors.ValidationError{Field: "spec.id", Message: "tool id is required"}
	}
	if !api.ValidToolType(spec.Type) {
		return nil, &errors.ValidationError{
			Field:   "spec.type",
			Message: fmt.Sprintf("unknown tool type %q", spec.Type),
		}
	}
	if client == nil {
		client = &http.Client{Timeout: DefaultHTTPTimeout}
	}

	h := &Handle{
		ID:          spec.ID,
		Description: spec.Description,
		Type:        spec.Type,
		InputSchema: spec.InputSchema,
	}

	switch spec.Type {
	case api.ToolTypeFunction:
		if spec.Execute.Function == "" {
			return nil, &errors.ValidationError{Field: "spec.execute.function", Message: "function name is required"}
		}
		fn, err := functions.Get(spec.Execute.Function)
		if err != nil {
			return nil, &errors.DependencyError{
				Resource:   spec.ID,
				Dependency: spec.Execute.Function,
				Message:    "function not registered",
				Retryable:  true,
			}
		}
		h.execute = fn

	case api.ToolTypeAPI, api.ToolTypeWebhook, api.ToolTypeHTTP:
		if spec.Execute.URL == "" {
			return nil, &errors.ValidationError{Field: "spec.execute.url", Message: "url is required"}
		}
		target := spec.Execute
		h.execute = func(ctx context.Context, input map[string]any) (any, error) {
			return executeHTTP(ctx, client, target, input)
		}

	case api.ToolTypeDatabase:
		if spec.Execute.DSN == "" || spec.Execute.Query == "" {
			return nil, &errors.ValidationError{Field: "spec.execute", Message: "database tools require dsn and query"}
		}
		target := spec.Execute
		h.execute = func(ctx context.Context, input map[string]any) (any, error) {
			return executeQuery(ctx, target, input)
		}
	}

	return h, nil
}

// Execute runs the tool.
func (h *Handle) Execute(ctx context.Context, input map[string]any) (any, error) {
	output, err := h.execute(ctx, input)
	if err != nil {
		var classifier errors.ErrorClassifier
		if errors.As(err, &classifier) {
			return nil, err
		}
		return nil, &errors.ExecutionError{
			Target:    "tool " + h.ID,
			Message:   err.Error(),
			Retryable: errors.IsRetryable(err),
			Cause:     err,
		}
	}
	return output, nil
}

func executeHTTP(ctx context.Context, client *http.Client, target api.ExecuteTarget, input map[string]any) (any, error) {
	method := target.Method
	if method == "" {
		method = http.MethodPost
	}

	var body io.Reader
	if len(input) > 0 && method != http.MethodGet {
		data, err := json.Marshal(input)
		if err != nil {
			return nil, fmt.Errorf("encoding request body: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, target.URL, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range target.Headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, &errors.ExecutionError{
			Target:    target.URL,
			Message:   "NETWORK_ERROR: " + err.Error(),
			Retryable: true,
			Cause:     err,
		}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode >= 500 {
		return nil, &errors.ExecutionError{
			Target:    target.URL,
			Message:   fmt.Sprintf("server returned %d", resp.StatusCode),
			Retryable: true,
		}
	}
	if resp.StatusCode >= 400 {
		return nil, &errors.ExecutionError{
			Target:  target.URL,
			Message: fmt.Sprintf("server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(data))),
		}
	}

	var decoded any
	if json.Unmarshal(data, &decoded) == nil {
		return decoded, nil
	}
	return string(data), nil
}

func executeQuery(ctx context.Context, target api.ExecuteTarget, input map[string]any) (any, error) {
	driver, dsn, err := splitDSN(target.DSN)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	defer db.Close()

	args := make([]any, 0, len(input))
	if raw, ok := input["args"].([]any); ok {
		args = raw
	}

	rows, err := db.QueryContext(ctx, target.Query, args...)
	if err != nil {
		return nil, &errors.ExecutionError{
			Target:    "database " + driver,
			Message:   err.Error(),
			Retryable: true,
			Cause:     err,
		}
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	var result []map[string]any
	for rows.Next() {
		values := make([]any, len(columns))
		ptrs := make([]any, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make(map[string]any, len(columns))
		for i, col := range columns {
			row[col] = values[i]
		}
		result = append(result, row)
	}
	return result, rows.Err()
}

// splitDSN maps a "scheme://rest" connection string to a linked driver.
// Only sqlite ships with the runtime; other drivers must be linked by the
// embedder.
func splitDSN(dsn string) (driver, path string, err error) {
	switch {
	case strings.HasPrefix(dsn, "sqlite://"):
		return "sqlite", strings.TrimPrefix(dsn, "sqlite://"), nil
	case strings.HasPrefix(dsn, "file:"):
		return "sqlite", dsn, nil
	case !strings.Contains(dsn, "://"):
		return "sqlite", dsn, nil
	default:
		scheme := dsn[:strings.Index(dsn, "://")]
		return "", "", &errors.ConfigError{
			Key:    "spec.execute.dsn",
			Reason: fmt.Sprintf("database driver %q is not linked into this build", scheme),
		}
	}
}
