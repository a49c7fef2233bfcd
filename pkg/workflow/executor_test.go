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
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mastra-ai/runtime/pkg/api"
	"github.com/mastra-ai/runtime/pkg/errors"
	"github.com/mastra-ai/runtime/pkg/events"
	"github.com/mastra-ai/runtime/pkg/scheduler"
)

// mockAgent echoes with a prefix, optionally failing or sleeping first.
type mockAgent struct {
	prefix    string
	failures  int64 // fail this many calls with a transient error
	sleep     time.Duration
	callCount int64
}

func (m *mockAgent) Generate(ctx context.Context, input string) (string, error) {
	n := atomic.AddInt64(&m.callCount, 1)
	if m.sleep > 0 {
		select {
		case <-time.After(m.sleep):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if n <= atomic.LoadInt64(&m.failures) {
		return "", fmt.Errorf("ETIMEOUT calling model")
	}
	return m.prefix + input, nil
}

type testEnv struct {
	executor *Executor
	sched    *scheduler.Scheduler
	bus      *events.Bus
	agents   map[string]Agent
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	bus := events.NewBus(nil)
	sched := scheduler.New(scheduler.Config{TickInterval: 5 * time.Millisecond}, bus, nil)
	sched.Start()
	t.Cleanup(sched.Stop)

	env := &testEnv{sched: sched, bus: bus, agents: make(map[string]Agent)}
	resolver := func(id string) (Agent, error) {
		a, ok := env.agents[id]
		if !ok {
			return nil, &errors.NotFoundError{Resource: "agent", ID: id}
		}
		return a, nil
	}
	env.executor = NewExecutor(sched, bus, resolver, nil, nil)
	return env
}

func agentStep(id, agentID string, next ...string) api.Step {
	return api.Step{ID: id, Type: api.StepTypeAgent, Agent: agentID,
		Input: map[string]any{"message": "$message"}, Next: api.NextSteps(next)}
}

func TestSimpleWorkflowCompletion(t *testing.T) {
	env := newTestEnv(t)
	env.agents["default.echo"] = &mockAgent{prefix: "reply: "}

	spec := &api.WorkflowSpec{
		InitialStep: "step1",
		Steps: []api.Step{
			{ID: "step1", Type: api.StepTypeAgent, Agent: "default.echo",
				Input: map[string]any{"message": "$message"}, Next: api.NextSteps{"step2"}},
			{ID: "step2", Type: api.StepTypeAgent, Agent: "default.echo",
				Input: map[string]any{"message": "$step1_output"}, Next: api.NextSteps{api.StepEnd}},
		},
	}

	result, err := env.executor.Execute(context.Background(), "default.wf", spec, Options{
		Input: map[string]any{"message": "hi"},
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if result.Status != StatusCompleted {
		t.Fatalf("status = %s, want completed (error: %+v)", result.Status, result.Error)
	}
	if result.Output != "reply: reply: hi" {
		t.Errorf("output = %q, want %q", result.Output, "reply: reply: hi")
	}
	if len(result.History) != 2 {
		t.Fatalf("history length = %d, want 2", len(result.History))
	}
	for _, rec := range result.History {
		if rec.Status != AttemptSuccess {
			t.Errorf("history[%s].status = %s, want success", rec.StepID, rec.Status)
		}
	}
}

func TestStepTimeout(t *testing.T) {
	env := newTestEnv(t)
	env.agents["default.slow"] = &mockAgent{prefix: "x", sleep: 50 * time.Millisecond}

	spec := &api.WorkflowSpec{
		InitialStep: "only",
		Steps: []api.Step{
			{ID: "only", Type: api.StepTypeAgent, Agent: "default.slow",
				Input: map[string]any{"message": "go"}, Timeout: 10, Next: api.NextSteps{api.StepEnd}},
		},
	}

	result, err := env.executor.Execute(context.Background(), "default.wf", spec, Options{})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if result.Status != StatusFailed {
		t.Fatalf("status = %s, want failed", result.Status)
	}
	if result.Error == nil || result.Error.Name != "TimeoutError" {
		t.Errorf("error = %+v, want TimeoutError", result.Error)
	}
	if len(result.History) != 1 || result.History[0].Status != AttemptTimeout {
		t.Errorf("history = %+v, want one timeout record", result.History)
	}
}

func TestRetrySuccess(t *testing.T) {
	env := newTestEnv(t)
	agent := &mockAgent{prefix: "ok:", failures: 2}
	env.agents["default.flaky"] = agent

	retries := 3
	spec := &api.WorkflowSpec{
		InitialStep: "only",
		Steps: []api.Step{
			{ID: "only", Type: api.StepTypeAgent, Agent: "default.flaky",
				Input: map[string]any{"message": "go"}, Retries: &retries, RetryDelayMs: 1,
				Next: api.NextSteps{api.StepEnd}},
		},
	}

	result, err := env.executor.Execute(context.Background(), "default.wf", spec, Options{})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if result.Status != StatusCompleted {
		t.Fatalf("status = %s, want completed (error: %+v)", result.Status, result.Error)
	}
	if result.Output != "ok:go" {
		t.Errorf("output = %q", result.Output)
	}
	if len(result.History) != 1 {
		t.Fatalf("history length = %d, want 1 (record updated across attempts)", len(result.History))
	}
	if result.History[0].Attempt != 3 {
		t.Errorf("history[0].attempt = %d, want 3", result.History[0].Attempt)
	}
	if n := atomic.LoadInt64(&agent.callCount); n != 3 {
		t.Errorf("agent called %d times, want exactly 3", n)
	}
}

func TestConditionBranching(t *testing.T) {
	env := newTestEnv(t)
	env.agents["default.echo"] = &mockAgent{prefix: "handled: "}

	spec := &api.WorkflowSpec{
		InitialStep: "check",
		Steps: []api.Step{
			{ID: "check", Type: api.StepTypeCondition,
				Condition: "input.score > 3",
				Input:     map[string]any{"score": "$score"},
				Transitions: map[string]string{
					"true":  "high",
					"false": "low",
				}},
			{ID: "high", Type: api.StepTypeAgent, Agent: "default.echo",
				Input: map[string]any{"message": "high"}, Next: api.NextSteps{api.StepEnd}},
			{ID: "low", Type: api.StepTypeAgent, Agent: "default.echo",
				Input: map[string]any{"message": "low"}, Next: api.NextSteps{api.StepEnd}},
		},
	}

	result, err := env.executor.Execute(context.Background(), "default.wf", spec, Options{
		Input: map[string]any{"score": 5},
	})
	if err != nil {
		t.Fatal(err)
	}
	if result.Output != "handled: high" {
		t.Errorf("output = %q, want high branch", result.Output)
	}

	result, err = env.executor.Execute(context.Background(), "default.wf", spec, Options{
		Input: map[string]any{"score": 1},
	})
	if err != nil {
		t.Fatal(err)
	}
	if result.Output != "handled: low" {
		t.Errorf("output = %q, want low branch", result.Output)
	}
}

func TestConditionMissingBranchEndsFlow(t *testing.T) {
	env := newTestEnv(t)

	spec := &api.WorkflowSpec{
		InitialStep: "check",
		Steps: []api.Step{
			{ID: "check", Type: api.StepTypeCondition,
				Condition:   "input.score > 3",
				Input:       map[string]any{"score": "$score"},
				Transitions: map[string]string{"true": "never"}},
			{ID: "never", Type: api.StepTypeFunction, Function: "noop"},
		},
	}
	env.executor.functions.Register("noop", func(ctx context.Context, input, vars map[string]any) (any, error) {
		t.Fatal("unreachable step executed")
		return nil, nil
	})

	result, err := env.executor.Execute(context.Background(), "default.wf", spec, Options{
		Input: map[string]any{"score": 1},
	})
	if err != nil {
		t.Fatal(err)
	}
	if result.Status != StatusCompleted {
		t.Errorf("status = %s, want completed", result.Status)
	}
}

func TestFunctionStepAndOutputMapping(t *testing.T) {
	env := newTestEnv(t)

	functions := env.executor.functions
	functions.Register("analyze", func(ctx context.Context, input, vars map[string]any) (any, error) {
		return map[string]any{"summary": "short", "detail": map[string]any{"words": 42}}, nil
	})
	functions.Register("use", func(ctx context.Context, input, vars map[string]any) (any, error) {
		return input["got"], nil
	})

	spec := &api.WorkflowSpec{
		InitialStep: "analyze",
		Steps: []api.Step{
			{ID: "analyze", Type: api.StepTypeFunction, Function: "analyze",
				Output: map[string]string{"wordCount": "detail.words"},
				Next:   api.NextSteps{"use"}},
			{ID: "use", Type: api.StepTypeFunction, Function: "use",
				Input: map[string]any{"got": "$wordCount"},
				Next:  api.NextSteps{api.StepEnd}},
		},
	}

	result, err := env.executor.Execute(context.Background(), "default.wf", spec, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if result.Status != StatusCompleted {
		t.Fatalf("status = %s (error %+v)", result.Status, result.Error)
	}
	if result.Output != 42 {
		t.Errorf("output = %v (%T), want 42", result.Output, result.Output)
	}
}

func TestParallelStep(t *testing.T) {
	env := newTestEnv(t)
	env.agents["default.echo"] = &mockAgent{prefix: "r:"}

	spec := &api.WorkflowSpec{
		InitialStep: "fan",
		Steps: []api.Step{
			{ID: "fan", Type: api.StepTypeParallel,
				Steps: []api.Step{
					{ID: "a", Type: api.StepTypeAgent, Agent: "default.echo", Input: map[string]any{"message": "one"}},
					{ID: "b", Type: api.StepTypeAgent, Agent: "default.echo", Input: map[string]any{"message": "two"}},
					{ID: "c", Type: api.StepTypeAgent, Agent: "default.echo", Input: map[string]any{"message": "three"}},
				},
				Next: api.NextSteps{api.StepEnd}},
		},
	}

	result, err := env.executor.Execute(context.Background(), "default.wf", spec, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if result.Status != StatusCompleted {
		t.Fatalf("status = %s (error %+v)", result.Status, result.Error)
	}

	outputs, ok := result.Output.([]any)
	if !ok {
		t.Fatalf("output type = %T, want ordered array", result.Output)
	}
	want := []any{"r:one", "r:two", "r:three"}
	for i := range want {
		if outputs[i] != want[i] {
			t.Errorf("outputs[%d] = %v, want %v", i, outputs[i], want[i])
		}
	}
}

func TestParallelStepFailureFailsWhole(t *testing.T) {
	env := newTestEnv(t)
	env.agents["default.ok"] = &mockAgent{prefix: "r:"}

	env.executor.functions.Register("explode", func(ctx context.Context, input, vars map[string]any) (any, error) {
		return nil, &errors.ExecutionError{Message: "child failed"}
	})

	spec := &api.WorkflowSpec{
		InitialStep: "fan",
		Steps: []api.Step{
			{ID: "fan", Type: api.StepTypeParallel,
				Steps: []api.Step{
					{ID: "a", Type: api.StepTypeAgent, Agent: "default.ok", Input: map[string]any{"message": "one"}},
					{ID: "b", Type: api.StepTypeFunction, Function: "explode"},
				},
				Next: api.NextSteps{api.StepEnd}},
		},
	}

	result, err := env.executor.Execute(context.Background(), "default.wf", spec, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if result.Status != StatusFailed {
		t.Errorf("status = %s, want failed", result.Status)
	}
}

func TestSequentialNextArray(t *testing.T) {
	env := newTestEnv(t)

	var order []string
	for _, name := range []string{"first", "second", "third"} {
		name := name
		env.executor.functions.Register(name, func(ctx context.Context, input, vars map[string]any) (any, error) {
			order = append(order, name)
			return name, nil
		})
	}

	spec := &api.WorkflowSpec{
		InitialStep: "start",
		Steps: []api.Step{
			{ID: "start", Type: api.StepTypeFunction, Function: "first", Next: api.NextSteps{"s2", "s3"}},
			{ID: "s2", Type: api.StepTypeFunction, Function: "second"},
			{ID: "s3", Type: api.StepTypeFunction, Function: "third"},
		},
	}

	result, err := env.executor.Execute(context.Background(), "default.wf", spec, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if result.Status != StatusCompleted {
		t.Fatalf("status = %s (error %+v)", result.Status, result.Error)
	}
	if len(order) != 3 || order[1] != "second" || order[2] != "third" {
		t.Errorf("execution order = %v", order)
	}
}

func TestCallbacksAndEvents(t *testing.T) {
	env := newTestEnv(t)
	env.agents["default.echo"] = &mockAgent{prefix: "r:"}

	var started, completed int64
	env.bus.Subscribe("workflow.step.started", func(e events.Event) { atomic.AddInt64(&started, 1) })
	env.bus.Subscribe("workflow.completed", func(e events.Event) { atomic.AddInt64(&completed, 1) })

	var executed, stepDone []string
	var onCompleteOutput any
	spec := &api.WorkflowSpec{
		InitialStep: "only",
		Steps:       []api.Step{agentStep("only", "default.echo", api.StepEnd)},
	}

	_, err := env.executor.Execute(context.Background(), "default.wf", spec, Options{
		Input:          map[string]any{"message": "x"},
		OnStepExecute:  func(stepID string, input map[string]any) { executed = append(executed, stepID) },
		OnStepComplete: func(rec HistoryRecord) { stepDone = append(stepDone, rec.StepID) },
		OnComplete:     func(output any) { onCompleteOutput = output },
	})
	if err != nil {
		t.Fatal(err)
	}

	if len(executed) != 1 || len(stepDone) != 1 {
		t.Errorf("callbacks: executed=%v stepDone=%v", executed, stepDone)
	}
	if onCompleteOutput != "r:x" {
		t.Errorf("onComplete output = %v", onCompleteOutput)
	}
	if atomic.LoadInt64(&started) != 1 || atomic.LoadInt64(&completed) != 1 {
		t.Errorf("events: started=%d completed=%d", started, completed)
	}
}

func TestOnErrorCalledOnFailure(t *testing.T) {
	env := newTestEnv(t)

	var gotErr error
	spec := &api.WorkflowSpec{
		InitialStep: "only",
		Steps:       []api.Step{agentStep("only", "default.ghost", api.StepEnd)},
	}

	result, err := env.executor.Execute(context.Background(), "default.wf", spec, Options{
		OnError: func(err error) { gotErr = err },
	})
	if err != nil {
		t.Fatal(err)
	}
	if result.Status != StatusFailed {
		t.Fatalf("status = %s", result.Status)
	}
	if gotErr == nil {
		t.Error("onError not invoked")
	}
	if result.Error.Name != "NotFoundError" {
		t.Errorf("error name = %s", result.Error.Name)
	}
}

func TestValidationRejectsBeforeAnyStepRuns(t *testing.T) {
	env := newTestEnv(t)

	ran := false
	env.executor.functions.Register("mark", func(ctx context.Context, input, vars map[string]any) (any, error) {
		ran = true
		return nil, nil
	})

	spec := &api.WorkflowSpec{
		InitialStep: "ghost",
		Steps:       []api.Step{{ID: "real", Type: api.StepTypeFunction, Function: "mark"}},
	}

	if _, err := env.executor.Execute(context.Background(), "default.wf", spec, Options{}); err == nil {
		t.Fatal("expected validation error")
	}
	if ran {
		t.Error("step ran despite invalid initialStep")
	}
}

func TestCycleDetection(t *testing.T) {
	spec := &api.WorkflowSpec{
		InitialStep: "a",
		Steps: []api.Step{
			{ID: "a", Type: api.StepTypeFunction, Function: "f", Next: api.NextSteps{"b"}},
			{ID: "b", Type: api.StepTypeFunction, Function: "f", Next: api.NextSteps{"a"}},
		},
	}

	err := Validate("default.wf", spec)
	var cyclic *errors.CyclicDependencyError
	if !errors.As(err, &cyclic) {
		t.Fatalf("error = %v, want CyclicDependencyError", err)
	}
}

func TestEndTargetExemptFromCycleCheck(t *testing.T) {
	spec := &api.WorkflowSpec{
		InitialStep: "a",
		Steps: []api.Step{
			{ID: "a", Type: api.StepTypeFunction, Function: "f", Next: api.NextSteps{api.StepEnd}},
		},
	}
	if err := Validate("default.wf", spec); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestTransitionLoopAllowed(t *testing.T) {
	// Cycles through transitions are legitimate (bounded by conditions);
	// only pure next chains are rejected.
	spec := &api.WorkflowSpec{
		InitialStep: "check",
		Steps: []api.Step{
			{ID: "check", Type: api.StepTypeCondition, Condition: "input.x > 0",
				Transitions: map[string]string{"true": "work", "false": "check"}},
			{ID: "work", Type: api.StepTypeFunction, Function: "f", Next: api.NextSteps{api.StepEnd}},
		},
	}
	if err := Validate("default.wf", spec); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestHistoryDurationsWithinWallClock(t *testing.T) {
	env := newTestEnv(t)
	env.agents["default.echo"] = &mockAgent{prefix: "r:", sleep: 5 * time.Millisecond}

	spec := &api.WorkflowSpec{
		InitialStep: "s1",
		Steps: []api.Step{
			agentStep("s1", "default.echo", "s2"),
			agentStep("s2", "default.echo", api.StepEnd),
		},
	}

	result, err := env.executor.Execute(context.Background(), "default.wf", spec, Options{
		Input: map[string]any{"message": "x"},
	})
	if err != nil {
		t.Fatal(err)
	}

	var sum int64
	for _, rec := range result.History {
		sum += rec.DurationMs
	}
	wall := result.EndTime.Sub(result.StartTime).Milliseconds()
	if sum > wall+50 {
		t.Errorf("sum of step durations %dms exceeds wall clock %dms", sum, wall)
	}
}
