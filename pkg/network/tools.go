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

package network

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mastra-ai/runtime/pkg/agent"
	"github.com/mastra-ai/runtime/pkg/errors"
)

// Router tool names.
const (
	toolAgentPrefix       = "agent."
	toolGetState          = "network.getState"
	toolSetState          = "network.setState"
	toolRouteTo           = "network.routeTo"
	toolGetExecutionTrace = "network.getExecutionTrace"
)

// toolset synthesizes the router's tools: one agent.{name} tool per pool
// agent plus the network.* state, routing, and trace tools.
func (e *Executor) toolset(ctx context.Context) *agent.ToolSet {
	defs := make([]agent.ToolDef, 0, len(e.pool)+4)
	for _, a := range e.pool {
		description := a.Role
		if a.Specialties != "" {
			description = strings.TrimSpace(description + " — " + a.Specialties)
		}
		defs = append(defs, agent.ToolDef{
			Name:        toolAgentPrefix + a.Name,
			Description: "Invoke agent " + a.Name + ". " + description,
			Schema: map[string]any{
				"type":     "object",
				"required": []any{"message"},
				"properties": map[string]any{
					"message": map[string]any{"type": "string"},
					"state":   map[string]any{"type": "object"},
				},
			},
		})
	}
	defs = append(defs,
		agent.ToolDef{
			Name:        toolGetState,
			Description: "Read a key from the shared network state.",
			Schema: map[string]any{
				"type":     "object",
				"required": []any{"key"},
				"properties": map[string]any{
					"key":          map[string]any{"type": "string"},
					"defaultValue": map[string]any{},
				},
			},
		},
		agent.ToolDef{
			Name:        toolSetState,
			Description: "Write a key into the shared network state.",
			Schema: map[string]any{
				"type":     "object",
				"required": []any{"key", "value"},
				"properties": map[string]any{
					"key":   map[string]any{"type": "string"},
					"value": map[string]any{},
				},
			},
		},
		agent.ToolDef{
			Name:        toolRouteTo,
			Description: "Route the input to the best agent using the configured strategy.",
			Schema: map[string]any{
				"type":     "object",
				"required": []any{"input"},
				"properties": map[string]any{
					"input": map[string]any{"type": "string"},
				},
			},
		},
		agent.ToolDef{
			Name:        toolGetExecutionTrace,
			Description: "Return the execution traces, or a summary when summary=true.",
			Schema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"summary": map[string]any{"type": "boolean"},
				},
			},
		},
	)

	return &agent.ToolSet{
		Defs:    defs,
		Execute: e.executeTool,
	}
}

func (e *Executor) executeTool(ctx context.Context, call agent.ToolCall) (any, error) {
	switch {
	case strings.HasPrefix(call.Name, toolAgentPrefix):
		name := strings.TrimPrefix(call.Name, toolAgentPrefix)
		message, _ := call.Arguments["message"].(string)
		if stateArg, ok := call.Arguments["state"].(map[string]any); ok {
			e.states.Update(e.networkID, stateArg)
		}
		return e.invokeWorker(ctx, name, message)

	case call.Name == toolGetState:
		key, _ := call.Arguments["key"].(string)
		value, ok := e.states.Get(e.networkID, key)
		if !ok {
			if def, has := call.Arguments["defaultValue"]; has {
				return def, nil
			}
			return nil, nil
		}
		return value, nil

	case call.Name == toolSetState:
		key, _ := call.Arguments["key"].(string)
		if key == "" {
			return nil, &errors.ValidationError{Field: "key", Message: "setState requires a key"}
		}
		old := e.states.Set(e.networkID, key, call.Arguments["value"])
		return map[string]any{"oldValue": old, "newValue": call.Arguments["value"]}, nil

	case call.Name == toolRouteTo:
		input, _ := call.Arguments["input"].(string)
		return e.routeTo(ctx, input)

	case call.Name == toolGetExecutionTrace:
		if summary, _ := call.Arguments["summary"].(bool); summary {
			e.mu.Lock()
			traces := make([]Trace, len(e.traces))
			copy(traces, e.traces)
			stepCount := e.stepCount
			e.mu.Unlock()
			return Summarize(traces, stepCount), nil
		}
		return e.Traces(), nil

	default:
		return nil, &errors.NotFoundError{Resource: "tool", ID: call.Name}
	}
}

// routeTo applies the configured strategy and invokes the chosen agent.
func (e *Executor) routeTo(ctx context.Context, input string) (any, error) {
	e.mu.Lock()
	infos := make([]AgentInfo, 0, len(e.pool))
	for _, a := range e.pool {
		p := e.perf[a.Name]
		infos = append(infos, AgentInfo{
			Name:           a.Name,
			Role:           a.Role,
			Specialties:    a.Specialties,
			Description:    a.Description,
			Calls:          p.calls,
			Successes:      p.successes,
			TotalLatencyMs: p.totalLatencyMs,
		})
	}
	history := make([]Trace, len(e.traces))
	copy(history, e.traces)
	e.mu.Unlock()

	chosen, err := e.strategy.Select(ctx, input, infos, e.states.GetAll(e.networkID), history)
	if err != nil {
		return nil, err
	}

	response, err := e.invokeWorker(ctx, chosen, input)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"agentUsed": chosen,
		"response":  response,
		"state":     e.states.GetAll(e.networkID),
	}, nil
}

// invokeWorker calls a pool agent, enforcing maxSteps and recording the
// trace and performance counters. stepCount increments only here: router
// model calls and state tools never count.
func (e *Executor) invokeWorker(ctx context.Context, name, message string) (string, error) {
	e.mu.Lock()
	pa, ok := e.byName[name]
	if !ok {
		e.mu.Unlock()
		return "", &errors.NotFoundError{Resource: "agent", ID: name}
	}
	if e.stepCount >= e.maxSteps {
		e.mu.Unlock()
		return "", &errors.ExecutionError{
			Target:  "network " + e.networkID,
			Message: fmt.Sprintf("max steps (%d) exceeded", e.maxSteps),
		}
	}
	e.stepCount++
	step := e.stepCount
	e.mu.Unlock()

	stateBefore := e.states.GetAll(e.networkID)
	start := time.Now()

	output, err := pa.Worker.Generate(ctx, message)

	end := time.Now()
	latency := end.Sub(start).Milliseconds()
	stateAfter := e.states.GetAll(e.networkID)

	e.mu.Lock()
	perf := e.perf[name]
	perf.calls++
	perf.totalLatencyMs += latency
	if err == nil {
		perf.successes++
	}
	e.traces = append(e.traces, Trace{
		ID:           uuid.New().String(),
		Step:         step,
		AgentID:      name,
		Input:        message,
		Output:       output,
		StartTime:    start,
		EndTime:      end,
		Latency:      latency,
		IsRouterCall: false,
		StateChanges: diffState(stateBefore, stateAfter),
	})
	e.mu.Unlock()

	e.publish(TopicMessage, NetworkEvent{NetworkID: e.networkID, AgentName: name, Step: step})

	if err != nil {
		return "", &errors.ExecutionError{
			Target:    "agent " + name,
			Message:   err.Error(),
			Retryable: errors.IsRetryable(err),
			Cause:     err,
		}
	}
	return output, nil
}
