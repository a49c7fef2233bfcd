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

package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/mastra-ai/runtime/pkg/api"
	"github.com/mastra-ai/runtime/pkg/errors"
)

// DefaultMaxIterations bounds the tool-call loop when the caller does not
// set a limit.
const DefaultMaxIterations = 10

// ToolExecutor runs a tool call issued by the model. A fatal error aborts
// the loop and surfaces to the caller.
type ToolExecutor func(ctx context.Context, call ToolCall) (any, error)

// ToolSet bundles the tools offered to a model call with their executor.
type ToolSet struct {
	Defs    []ToolDef
	Execute ToolExecutor
}

// Agent is a resolved, executable agent handle: instructions, model
// binding, and provider. Executors hold Agents; they never reach back into
// resource specs.
type Agent struct {
	// ID is the owning resource id ("namespace.name").
	ID string

	// Instructions is the system prompt.
	Instructions string

	// Model names the backing model.
	Model api.ModelRef

	provider Provider
	options  map[string]any
	logger   *slog.Logger
}

// New builds an agent handle over a provider.
func New(id string, spec *api.AgentSpec, provider Provider, logger *slog.Logger) *Agent {
	if logger == nil {
		logger = slog.Default()
	}
	return &Agent{
		ID:           id,
		Instructions: spec.Instructions,
		Model:        spec.Model,
		provider:     provider,
		logger:       logger.With(slog.String("component", "agent"), slog.String("resource", id)),
	}
}

// RunResult is the outcome of a tool-call loop.
type RunResult struct {
	// Content is the model's final text response.
	Content string

	// Iterations is the number of model calls made.
	Iterations int

	// ToolCalls counts tool executions across the loop.
	ToolCalls int

	// Usage aggregates token consumption.
	Usage TokenUsage

	// Duration is the total wall time.
	Duration time.Duration
}

// Generate makes a single tool-free model call and returns the text.
func (a *Agent) Generate(ctx context.Context, input string) (string, error) {
	res, err := a.Run(ctx, input, nil, 1)
	if err != nil {
		return "", err
	}
	return res.Content, nil
}

// Run drives the tool-call loop: call the model, execute requested tools,
// feed results back, repeat until the model answers in text or maxIter is
// reached.
func (a *Agent) Run(ctx context.Context, input string, tools *ToolSet, maxIter int) (*RunResult, error) {
	if maxIter <= 0 {
		maxIter = DefaultMaxIterations
	}

	start := time.Now()
	req := CompletionRequest{
		Model:    a.Model.Name,
		System:   a.Instructions,
		Messages: []Message{{Role: "user", Content: input}},
		Options:  a.options,
	}
	if tools != nil {
		req.Tools = tools.Defs
	}

	result := &RunResult{}
	for result.Iterations < maxIter {
		resp, err := a.provider.Complete(ctx, req)
		if err != nil {
			return nil, &errors.ExecutionError{
				Target:    "agent " + a.ID,
				Message:   err.Error(),
				Retryable: errors.IsRetryable(err),
				Cause:     err,
			}
		}
		result.Iterations++
		result.Usage.InputTokens += resp.Usage.InputTokens
		result.Usage.OutputTokens += resp.Usage.OutputTokens
		result.Usage.TotalTokens += resp.Usage.TotalTokens

		if len(resp.ToolCalls) == 0 || tools == nil {
			result.Content = resp.Content
			result.Duration = time.Since(start)
			return result, nil
		}

		req.Messages = append(req.Messages, Message{
			Role:      "assistant",
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})
		for _, call := range resp.ToolCalls {
			output, err := tools.Execute(ctx, call)
			if err != nil {
				return nil, err
			}
			result.ToolCalls++
			req.Messages = append(req.Messages, Message{
				Role:       "tool",
				Content:    encodeToolOutput(output),
				ToolCallID: call.ID,
			})
		}
	}

	return nil, &errors.ExecutionError{
		Target:  "agent " + a.ID,
		Message: fmt.Sprintf("no final response after %d iterations", maxIter),
	}
}

// RunStream is Run over the provider's streaming variant. Text deltas are
// forwarded on the returned channel as they arrive; tool-call rounds run
// between streamed responses. onFinish, when set, receives the final
// result after the loop ends and before the channel closes.
func (a *Agent) RunStream(ctx context.Context, input string, tools *ToolSet, maxIter int, onFinish func(*RunResult, error)) (<-chan StreamEvent, error) {
	if maxIter <= 0 {
		maxIter = DefaultMaxIterations
	}

	out := make(chan StreamEvent, 16)
	go func() {
		defer close(out)

		start := time.Now()
		req := CompletionRequest{
			Model:    a.Model.Name,
			System:   a.Instructions,
			Messages: []Message{{Role: "user", Content: input}},
			Options:  a.options,
		}
		if tools != nil {
			req.Tools = tools.Defs
		}

		result := &RunResult{}
		finish := func(err error) {
			result.Duration = time.Since(start)
			if onFinish != nil {
				onFinish(result, err)
			}
		}

		for result.Iterations < maxIter {
			events, err := a.provider.Stream(ctx, req)
			if err != nil {
				finish(&errors.ExecutionError{
					Target:    "agent " + a.ID,
					Message:   err.Error(),
					Retryable: errors.IsRetryable(err),
					Cause:     err,
				})
				return
			}
			result.Iterations++

			var final *CompletionResponse
			for ev := range events {
				switch ev.Type {
				case StreamText:
					out <- ev
				case StreamFinish:
					final = ev.Response
				}
			}
			if final == nil {
				finish(&errors.ExecutionError{Target: "agent " + a.ID, Message: "stream ended without finish event"})
				return
			}
			result.Usage.InputTokens += final.Usage.InputTokens
			result.Usage.OutputTokens += final.Usage.OutputTokens
			result.Usage.TotalTokens += final.Usage.TotalTokens

			if len(final.ToolCalls) == 0 || tools == nil {
				result.Content = final.Content
				out <- StreamEvent{Type: StreamFinish, Response: final}
				finish(nil)
				return
			}

			req.Messages = append(req.Messages, Message{
				Role:      "assistant",
				Content:   final.Content,
				ToolCalls: final.ToolCalls,
			})
			for i := range final.ToolCalls {
				call := final.ToolCalls[i]
				out <- StreamEvent{Type: StreamToolCall, ToolCall: &call}
				output, err := tools.Execute(ctx, call)
				if err != nil {
					finish(err)
					return
				}
				result.ToolCalls++
				req.Messages = append(req.Messages, Message{
					Role:       "tool",
					Content:    encodeToolOutput(output),
					ToolCallID: call.ID,
				})
			}
		}

		finish(&errors.ExecutionError{
			Target:  "agent " + a.ID,
			Message: fmt.Sprintf("no final response after %d iterations", maxIter),
		})
	}()

	return out, nil
}

func encodeToolOutput(output any) string {
	if s, ok := output.(string); ok {
		return s
	}
	data, err := json.Marshal(output)
	if err != nil {
		return fmt.Sprintf("%v", output)
	}
	return string(data)
}
