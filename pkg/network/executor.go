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

// Package network coordinates multi-agent execution: a router agent issues
// tool calls into a pool of worker agents under a configurable routing
// strategy, with execution traces, step accounting, and shared state.
package network

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/mastra-ai/runtime/pkg/agent"
	"github.com/mastra-ai/runtime/pkg/api"
	"github.com/mastra-ai/runtime/pkg/errors"
	"github.com/mastra-ai/runtime/pkg/events"
	"github.com/mastra-ai/runtime/pkg/state"
)

// Topics published by the network executor.
const (
	TopicStart    = "network.start"
	TopicMessage  = "network.message"
	TopicComplete = "network.complete"
	TopicError    = "network.error"
	TopicCleaned  = "network.cleaned"
)

// DefaultMaxSteps bounds worker invocations per execution when the spec
// does not set router.maxSteps.
const DefaultMaxSteps = 10

// Worker is a pool agent's execution seam.
type Worker interface {
	Generate(ctx context.Context, input string) (string, error)
}

// Router is the router agent's execution seam, satisfied by *agent.Agent.
type Router interface {
	Run(ctx context.Context, input string, tools *agent.ToolSet, maxIter int) (*agent.RunResult, error)
	RunStream(ctx context.Context, input string, tools *agent.ToolSet, maxIter int, onFinish func(*agent.RunResult, error)) (<-chan agent.StreamEvent, error)
}

// PoolAgent is a named worker in the network.
type PoolAgent struct {
	Name        string
	Role        string
	Specialties string
	Description string
	Worker      Worker
}

// GenerateOptions tune a single execution.
type GenerateOptions struct {
	// OnFinish receives the result after the execution ends (streaming and
	// non-streaming).
	OnFinish func(*GenerateResult, error)
}

// GenerateResult is the outcome of a network execution.
type GenerateResult struct {
	Output    string           `json:"output"`
	StepCount int              `json:"stepCount"`
	Traces    []Trace          `json:"traces"`
	Summary   Summary          `json:"summary"`
	State     map[string]any   `json:"state"`
	Usage     agent.TokenUsage `json:"usage"`
	Duration  time.Duration    `json:"duration"`
}

// NetworkEvent is the payload of network.* topics.
type NetworkEvent struct {
	NetworkID string
	AgentName string
	Step      int
	Error     string
}

// StatusWriter mirrors the workflow executor's status callback.
type StatusWriter func(networkID string, mutate func(*api.Status))

type perfData struct {
	calls          int
	successes      int
	totalLatencyMs int64
}

// Executor runs one Network resource. stepCount and traces persist across
// Generate calls for the resource's lifetime; distinct networks hold
// distinct executors and distinct state maps.
type Executor struct {
	networkID    string
	instructions string
	maxSteps     int
	router       Router
	strategy     RoutingStrategy

	states       *state.Store
	bus          *events.Bus
	logger       *slog.Logger
	tracer       trace.Tracer
	statusWriter StatusWriter

	mu        sync.Mutex
	pool      []PoolAgent
	byName    map[string]*PoolAgent
	stepCount int
	traces    []Trace
	perf      map[string]*perfData
}

// Config assembles an executor.
type Config struct {
	NetworkID    string
	Instructions string
	MaxSteps     int
	Strategy     api.RoutingStrategyName
	Custom       CustomHandler
	Router       Router
	Agents       []PoolAgent
	States       *state.Store
	Bus          *events.Bus
	Logger       *slog.Logger
	StatusWriter StatusWriter
	InitialState map[string]any
}

// NewExecutor wires a network executor.
func NewExecutor(cfg Config) (*Executor, error) {
	if cfg.Router == nil {
		return nil, &errors.ValidationError{Field: "router", Message: "router agent is required"}
	}
	if len(cfg.Agents) == 0 {
		return nil, &errors.ValidationError{Field: "agents", Message: "network requires at least one agent"}
	}
	strategy, err := NewStrategy(cfg.Strategy, cfg.Custom)
	if err != nil {
		return nil, err
	}
	if cfg.MaxSteps <= 0 {
		cfg.MaxSteps = DefaultMaxSteps
	}
	if cfg.States == nil {
		cfg.States = state.NewStore(nil)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	e := &Executor{
		networkID:    cfg.NetworkID,
		instructions: cfg.Instructions,
		maxSteps:     cfg.MaxSteps,
		router:       cfg.Router,
		strategy:     strategy,
		states:       cfg.States,
		bus:          cfg.Bus,
		logger:       logger.With(slog.String("component", "network"), slog.String("resource", cfg.NetworkID)),
		tracer:       otel.Tracer("mastra-runtime/network"),
		statusWriter: cfg.StatusWriter,
		byName:       make(map[string]*PoolAgent, len(cfg.Agents)),
		perf:         make(map[string]*perfData, len(cfg.Agents)),
	}
	e.pool = append(e.pool, cfg.Agents...)
	for i := range e.pool {
		a := &e.pool[i]
		if _, dup := e.byName[a.Name]; dup {
			return nil, &errors.ValidationError{
				Field:   "agents",
				Message: fmt.Sprintf("duplicate agent name %q", a.Name),
			}
		}
		e.byName[a.Name] = a
		e.perf[a.Name] = &perfData{}
	}
	e.states.Seed(cfg.NetworkID, cfg.InitialState)
	return e, nil
}

// StepCount reports worker invocations since the executor was created.
func (e *Executor) StepCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stepCount
}

// Traces returns a copy of the execution trace list.
func (e *Executor) Traces() []Trace {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Trace, len(e.traces))
	copy(out, e.traces)
	return out
}

// State returns a copy of the network's shared state.
func (e *Executor) State() map[string]any {
	return e.states.GetAll(e.networkID)
}

// Cleanup clears network state when the owning resource is deleted.
func (e *Executor) Cleanup() {
	e.states.Clear(e.networkID)
	e.publish(TopicCleaned, NetworkEvent{NetworkID: e.networkID})
}

// Generate runs the router against the input and returns its final answer.
func (e *Executor) Generate(ctx context.Context, input string, opts *GenerateOptions) (*GenerateResult, error) {
	ctx, span := e.tracer.Start(ctx, "network.generate")
	defer span.End()

	e.publish(TopicStart, NetworkEvent{NetworkID: e.networkID})

	start := time.Now()
	stateBefore := e.states.GetAll(e.networkID)

	runResult, err := e.router.Run(ctx, input, e.toolset(ctx), e.routerIterations())

	result := e.finishExecution(input, runResult, stateBefore, start, err)
	if opts != nil && opts.OnFinish != nil {
		opts.OnFinish(result, err)
	}
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Stream is Generate over the router's streaming variant. The returned
// channel carries text deltas and tool-call markers; onFinish (via opts)
// fires with the aggregated result after the stream ends.
func (e *Executor) Stream(ctx context.Context, input string, opts *GenerateOptions) (<-chan agent.StreamEvent, error) {
	ctx, span := e.tracer.Start(ctx, "network.stream")

	e.publish(TopicStart, NetworkEvent{NetworkID: e.networkID})

	start := time.Now()
	stateBefore := e.states.GetAll(e.networkID)

	onFinish := func(runResult *agent.RunResult, err error) {
		defer span.End()
		result := e.finishExecution(input, runResult, stateBefore, start, err)
		if opts != nil && opts.OnFinish != nil {
			opts.OnFinish(result, err)
		}
	}

	return e.router.RunStream(ctx, input, e.toolset(ctx), e.routerIterations(), onFinish)
}

// finishExecution appends the router trace, updates resource status, and
// assembles the result.
func (e *Executor) finishExecution(input string, runResult *agent.RunResult, stateBefore map[string]any, start time.Time, err error) *GenerateResult {
	end := time.Now()
	stateAfter := e.states.GetAll(e.networkID)

	output := ""
	usage := agent.TokenUsage{}
	if runResult != nil {
		output = runResult.Content
		usage = runResult.Usage
	}

	e.mu.Lock()
	e.traces = append(e.traces, Trace{
		ID:           uuid.New().String(),
		Step:         e.stepCount,
		AgentID:      "router",
		Input:        input,
		Output:       output,
		StartTime:    start,
		EndTime:      end,
		Latency:      end.Sub(start).Milliseconds(),
		IsRouterCall: true,
		StateChanges: diffState(stateBefore, stateAfter),
	})
	traces := make([]Trace, len(e.traces))
	copy(traces, e.traces)
	stepCount := e.stepCount
	e.mu.Unlock()

	summary := Summarize(traces, stepCount)

	result := &GenerateResult{
		Output:    output,
		StepCount: stepCount,
		Traces:    traces,
		Summary:   summary,
		State:     stateAfter,
		Usage:     usage,
		Duration:  end.Sub(start),
	}

	if err != nil {
		e.publish(TopicError, NetworkEvent{NetworkID: e.networkID, Error: err.Error()})
		e.writeStatus(stepCount, summary, err.Error())
		return result
	}

	e.publish(TopicComplete, NetworkEvent{NetworkID: e.networkID, Step: stepCount})
	e.writeStatus(stepCount, summary, "")
	return result
}

func (e *Executor) writeStatus(stepCount int, summary Summary, errMsg string) {
	if e.statusWriter == nil {
		return
	}
	e.statusWriter(e.networkID, func(st *api.Status) {
		if errMsg != "" {
			st.Phase = api.PhaseFailed
			st.SetDetail("lastError", errMsg)
		}
		st.SetDetail("stepCount", stepCount)
		st.SetDetail("lastExecutionTime", time.Now().Format(time.RFC3339))
		st.SetDetail("lastExecutionSummary", summary)
	})
}

// routerIterations bounds the router's model-call loop: enough to issue
// maxSteps worker calls plus bookkeeping tool rounds and a final answer.
func (e *Executor) routerIterations() int {
	return e.maxSteps*2 + 2
}

// SynthesizeInstructions builds a router agent's instruction block from
// the network instructions and the agent roster. Controllers use it when
// constructing the router handle.
func SynthesizeInstructions(instructions string, agents []PoolAgent, maxSteps int) string {
	var b strings.Builder
	b.WriteString(instructions)
	b.WriteString("\n\nAvailable agents:\n")
	for _, a := range agents {
		b.WriteString("- ")
		b.WriteString(a.Name)
		if a.Role != "" {
			b.WriteString(" (")
			b.WriteString(a.Role)
			b.WriteString(")")
		}
		if a.Specialties != "" {
			b.WriteString(": ")
			b.WriteString(a.Specialties)
		}
		b.WriteString("\n")
	}
	b.WriteString(fmt.Sprintf("\nYou may invoke at most %d agent calls.", maxSteps))
	return b.String()
}

func (e *Executor) publish(topic string, payload NetworkEvent) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(topic, payload)
}
