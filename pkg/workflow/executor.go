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

// Package workflow interprets workflow step graphs: agent, function,
// condition, and parallel steps with variable propagation, per-step
// timeout and retry, execution history, and static cycle validation.
package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/mastra-ai/runtime/internal/jq"
	"github.com/mastra-ai/runtime/pkg/api"
	"github.com/mastra-ai/runtime/pkg/errors"
	"github.com/mastra-ai/runtime/pkg/events"
	"github.com/mastra-ai/runtime/pkg/scheduler"
	"github.com/mastra-ai/runtime/pkg/workflow/expression"
)

// Topics published by the workflow executor.
const (
	TopicStarted       = "workflow.started"
	TopicStepStarted   = "workflow.step.started"
	TopicStepCompleted = "workflow.step.completed"
	TopicStepFailed    = "workflow.step.failed"
	TopicCompleted     = "workflow.completed"
	TopicFailed        = "workflow.failed"
)

// Execution defaults.
const (
	DefaultStepTimeoutMs    = 30000
	DefaultStepRetryDelayMs = 1000
)

// taskKind is the scheduler resource type for workflow step tasks.
const taskKind = "WorkflowStep"

// Status is the lifecycle state of a workflow execution.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Step attempt outcomes recorded in history.
const (
	AttemptSuccess = "success"
	AttemptError   = "error"
	AttemptTimeout = "timeout"
)

// Agent is the worker seam the executor invokes for agent steps.
type Agent interface {
	Generate(ctx context.Context, input string) (string, error)
}

// AgentResolver maps a step's agent reference to a resolved handle.
type AgentResolver func(id string) (Agent, error)

// HistoryRecord captures one step execution. Retried attempts update the
// step's record in place; Attempt is the final attempt number.
type HistoryRecord struct {
	StepID     string    `json:"stepId"`
	Attempt    int       `json:"attempt"`
	Status     string    `json:"status"`
	Input      map[string]any `json:"input,omitempty"`
	Output     any       `json:"output,omitempty"`
	Error      string    `json:"error,omitempty"`
	StartTime  time.Time `json:"startTime"`
	EndTime    time.Time `json:"endTime"`
	DurationMs int64     `json:"durationMs"`
}

// ErrorInfo is the serializable error surface of a failed execution.
type ErrorInfo struct {
	Name    string `json:"name"`
	Message string `json:"message"`
}

// Result is the terminal outcome of an execution.
type Result struct {
	ExecutionID string          `json:"executionId"`
	WorkflowID  string          `json:"workflowId"`
	Status      Status          `json:"status"`
	Output      any             `json:"output,omitempty"`
	Error       *ErrorInfo      `json:"error,omitempty"`
	History     []HistoryRecord `json:"history"`
	StartTime   time.Time       `json:"startTime"`
	EndTime     time.Time       `json:"endTime"`
}

// Options configures a single execution.
type Options struct {
	// Input seeds the execution's variable scope.
	Input map[string]any

	// DefaultStepTimeoutMs bounds a single step attempt when the step does
	// not set its own timeout.
	DefaultStepTimeoutMs int

	// DefaultStepRetries is the per-step attempt budget when the step does
	// not set retries.
	DefaultStepRetries int

	// DefaultStepRetryDelayMs is the wait between attempts.
	DefaultStepRetryDelayMs int

	// OnStepExecute runs before each step attempt.
	OnStepExecute func(stepID string, input map[string]any)

	// OnStepComplete runs after each successful step.
	OnStepComplete func(record HistoryRecord)

	// OnError runs when the execution fails.
	OnError func(err error)

	// OnComplete runs on success only.
	OnComplete func(output any)
}

// StepEvent is the payload of workflow.step.* topics.
type StepEvent struct {
	WorkflowID  string
	ExecutionID string
	StepID      string
	Attempt     int
	Error       string
}

// ExecutionEvent is the payload of workflow.{started,completed,failed}.
type ExecutionEvent struct {
	WorkflowID  string
	ExecutionID string
	Status      Status
	Error       string
}

// StatusWriter lets the executor report terminal execution state onto the
// owning resource without touching the store directly.
type StatusWriter func(workflowID string, mutate func(*api.Status))

// Executor interprets workflow graphs. Safe for concurrent executions of
// distinct workflows; executions of the same workflow share only the
// scheduler group key.
type Executor struct {
	sched        *scheduler.Scheduler
	bus          *events.Bus
	agents       AgentResolver
	functions    *Functions
	eval         *expression.Evaluator
	jq           *jq.Executor
	logger       *slog.Logger
	tracer       trace.Tracer
	statusWriter StatusWriter

	mu         sync.RWMutex
	executions map[string]*execution
}

// NewExecutor wires the executor's collaborators. functions may be nil when
// no function steps are used.
func NewExecutor(sched *scheduler.Scheduler, bus *events.Bus, agents AgentResolver, functions *Functions, logger *slog.Logger) *Executor {
	if functions == nil {
		functions = NewFunctions()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		sched:      sched,
		bus:        bus,
		agents:     agents,
		functions:  functions,
		eval:       expression.New(),
		jq:         jq.NewExecutor(0),
		logger:     logger.With(slog.String("component", "workflow")),
		tracer:     otel.Tracer("mastra-runtime/workflow"),
		executions: make(map[string]*execution),
	}
}

// SetStatusWriter installs the resource status callback.
func (e *Executor) SetStatusWriter(w StatusWriter) {
	e.statusWriter = w
}

// execution is the per-run mutable state.
type execution struct {
	id         string
	workflowID string

	mu      sync.Mutex
	status  Status
	history []HistoryRecord
	// recordIndex maps a history slot per in-flight step execution.
	recordIndex map[string]int
}

func (x *execution) snapshotHistory() []HistoryRecord {
	x.mu.Lock()
	defer x.mu.Unlock()
	out := make([]HistoryRecord, len(x.history))
	copy(out, x.history)
	return out
}

// beginRecord opens (or reuses) the step's history slot for a new attempt.
func (x *execution) beginRecord(stepID string, attempt int, input map[string]any) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if i, ok := x.recordIndex[stepID]; ok && attempt > 1 {
		x.history[i].Attempt = attempt
		x.history[i].StartTime = time.Now()
		x.history[i].Input = input
		return
	}
	x.history = append(x.history, HistoryRecord{
		StepID:    stepID,
		Attempt:   attempt,
		Status:    "running",
		Input:     input,
		StartTime: time.Now(),
	})
	x.recordIndex[stepID] = len(x.history) - 1
}

func (x *execution) closeRecord(stepID, status string, output any, err error) HistoryRecord {
	x.mu.Lock()
	defer x.mu.Unlock()
	i := x.recordIndex[stepID]
	rec := &x.history[i]
	rec.Status = status
	rec.Output = output
	if err != nil {
		rec.Error = err.Error()
	}
	rec.EndTime = time.Now()
	rec.DurationMs = rec.EndTime.Sub(rec.StartTime).Milliseconds()
	return *rec
}

// History returns the current record list of an execution, during and
// after its run.
func (e *Executor) History(executionID string) []HistoryRecord {
	e.mu.RLock()
	x, ok := e.executions[executionID]
	e.mu.RUnlock()
	if !ok {
		return nil
	}
	return x.snapshotHistory()
}

// Execute runs a workflow to completion. The spec is a frozen snapshot:
// the executor never mutates it or reaches back into the store.
func (e *Executor) Execute(ctx context.Context, workflowID string, spec *api.WorkflowSpec, opts Options) (*Result, error) {
	if err := Validate(workflowID, spec); err != nil {
		return nil, err
	}
	normalizeOptions(&opts)

	x := &execution{
		id:          uuid.New().String(),
		workflowID:  workflowID,
		status:      StatusRunning,
		recordIndex: make(map[string]int),
	}
	e.mu.Lock()
	e.executions[x.id] = x
	e.mu.Unlock()

	ctx, span := e.tracer.Start(ctx, "workflow.execute")
	defer span.End()

	index, _ := api.IndexSteps(spec.Steps)
	scope := newVariableScope(opts.Input, e.jq)

	result := &Result{
		ExecutionID: x.id,
		WorkflowID:  workflowID,
		Status:      StatusRunning,
		StartTime:   time.Now(),
	}

	e.publish(TopicStarted, ExecutionEvent{WorkflowID: workflowID, ExecutionID: x.id, Status: StatusRunning})
	e.logger.Info("workflow started",
		slog.String("resource", workflowID),
		slog.String("execution_id", x.id))

	var lastOutput any
	worklist := []string{spec.InitialStep}

	fail := func(err error) (*Result, error) {
		status := StatusFailed
		if ctx.Err() != nil {
			status = StatusCancelled
		}
		x.mu.Lock()
		x.status = status
		x.mu.Unlock()

		result.Status = status
		result.Error = &ErrorInfo{Name: errorName(err), Message: err.Error()}
		result.History = x.snapshotHistory()
		result.EndTime = time.Now()

		e.publish(TopicFailed, ExecutionEvent{WorkflowID: workflowID, ExecutionID: x.id, Status: status, Error: err.Error()})
		e.writeStatus(workflowID, api.PhaseFailed, err.Error())
		if opts.OnError != nil {
			opts.OnError(err)
		}
		return result, nil
	}

	for len(worklist) > 0 {
		if ctx.Err() != nil {
			return fail(ctx.Err())
		}

		stepID := worklist[0]
		worklist = worklist[1:]
		step := &spec.Steps[index[stepID]]

		output, err := e.runStep(ctx, x, scope, step, &opts)
		if err != nil {
			return fail(err)
		}
		lastOutput = output

		if err := scope.StoreOutput(ctx, step.ID, output, step.Output); err != nil {
			return fail(err)
		}

		next, terminal := nextTargets(step, output)
		if terminal {
			worklist = nil
			break
		}
		worklist = append(worklist, next...)
	}

	x.mu.Lock()
	x.status = StatusCompleted
	x.mu.Unlock()

	result.Status = StatusCompleted
	result.Output = lastOutput
	result.History = x.snapshotHistory()
	result.EndTime = time.Now()

	e.publish(TopicCompleted, ExecutionEvent{WorkflowID: workflowID, ExecutionID: x.id, Status: StatusCompleted})
	e.writeStatus(workflowID, api.PhaseRunning, "")
	e.logger.Info("workflow completed",
		slog.String("resource", workflowID),
		slog.String("execution_id", x.id),
		slog.Int64("duration_ms", result.EndTime.Sub(result.StartTime).Milliseconds()))
	if opts.OnComplete != nil {
		opts.OnComplete(lastOutput)
	}
	return result, nil
}

// nextTargets applies the transition rules to a completed step.
// terminal reports the END sentinel.
func nextTargets(step *api.Step, output any) (targets []string, terminal bool) {
	if len(step.Transitions) > 0 {
		if target, ok := step.Transitions[outcomeKey(output)]; ok {
			if target == api.StepEnd {
				return nil, true
			}
			return []string{target}, false
		}
		if step.Type == api.StepTypeCondition {
			// Missing branch ends this flow.
			return nil, false
		}
	}

	if step.Next.IsEnd() {
		return nil, true
	}
	if len(step.Next) > 0 {
		return []string(step.Next), false
	}
	return nil, false
}

// outcomeKey renders a step output as a transitions key.
func outcomeKey(output any) string {
	switch v := output.(type) {
	case bool:
		if v {
			return "true"
		}
		return "false"
	case string:
		return v
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", v)
	}
}

// runStep executes one step with retry. Each attempt is submitted to the
// scheduler under the workflow's group key; the scheduler owns the timeout
// race, the executor owns attempt accounting and retry delays.
func (e *Executor) runStep(ctx context.Context, x *execution, scope *variableScope, step *api.Step, opts *Options) (any, error) {
	ctx, span := e.tracer.Start(ctx, "workflow.step")
	defer span.End()

	timeout := step.Timeout
	if timeout <= 0 {
		timeout = opts.DefaultStepTimeoutMs
	}
	maxAttempts := opts.DefaultStepRetries
	if step.Retries != nil {
		maxAttempts = *step.Retries
	}
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	delay := step.RetryDelayMs
	if delay <= 0 {
		delay = opts.DefaultStepRetryDelayMs
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		input, err := scope.ResolveInput(ctx, step.Input)
		if err != nil {
			return nil, err
		}

		x.beginRecord(step.ID, attempt, input)
		e.publish(TopicStepStarted, StepEvent{
			WorkflowID:  x.workflowID,
			ExecutionID: x.id,
			StepID:      step.ID,
			Attempt:     attempt,
		})
		if opts.OnStepExecute != nil {
			opts.OnStepExecute(step.ID, input)
		}

		output, err := e.attemptStep(ctx, x, scope, step, input, timeout, opts)
		if err == nil {
			rec := x.closeRecord(step.ID, AttemptSuccess, output, nil)
			e.publish(TopicStepCompleted, StepEvent{
				WorkflowID:  x.workflowID,
				ExecutionID: x.id,
				StepID:      step.ID,
				Attempt:     attempt,
			})
			if opts.OnStepComplete != nil {
				opts.OnStepComplete(rec)
			}
			return output, nil
		}

		lastErr = err
		status := AttemptError
		var timeoutErr *errors.TimeoutError
		if errors.As(err, &timeoutErr) {
			status = AttemptTimeout
		}
		x.closeRecord(step.ID, status, nil, err)

		if attempt >= maxAttempts || !errors.IsRetryable(err) || ctx.Err() != nil {
			e.publish(TopicStepFailed, StepEvent{
				WorkflowID:  x.workflowID,
				ExecutionID: x.id,
				StepID:      step.ID,
				Attempt:     attempt,
				Error:       err.Error(),
			})
			return nil, err
		}

		e.logger.Debug("step retry",
			slog.String("resource", x.workflowID),
			slog.String("step_id", step.ID),
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()))

		select {
		case <-time.After(time.Duration(delay) * time.Millisecond):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, lastErr
}

// attemptStep submits a single attempt as a scheduler task.
func (e *Executor) attemptStep(ctx context.Context, x *execution, scope *variableScope, step *api.Step, input map[string]any, timeoutMs int, opts *Options) (any, error) {
	if step.Type == api.StepTypeParallel {
		return e.runParallel(ctx, x, scope, step, opts)
	}

	future, err := e.sched.Submit(scheduler.Task{
		Priority:  scheduler.PriorityNormal,
		Resource:  x.workflowID,
		Type:      taskKind,
		GroupKey:  "workflow:" + x.workflowID,
		TimeoutMs: timeoutMs,
		Handler: func(taskCtx context.Context) (any, error) {
			return e.invoke(taskCtx, scope, step, input)
		},
	})
	if err != nil {
		return nil, err
	}

	res, err := future.Wait(ctx)
	if err != nil {
		return nil, err
	}
	if res.Status == scheduler.TaskCancelled {
		return nil, &errors.ExecutionError{Target: "step " + step.ID, Message: "task cancelled"}
	}
	if res.Err != nil {
		return nil, res.Err
	}
	return res.Output, nil
}

// invoke dispatches on step type inside the scheduler worker.
func (e *Executor) invoke(ctx context.Context, scope *variableScope, step *api.Step, input map[string]any) (any, error) {
	switch step.Type {
	case api.StepTypeAgent:
		handle, err := e.agents(step.Agent)
		if err != nil {
			return nil, err
		}
		return handle.Generate(ctx, renderMessage(input))

	case api.StepTypeFunction:
		fn, err := e.functions.Get(step.Function)
		if err != nil {
			return nil, err
		}
		return fn(ctx, input, scope.Snapshot())

	case api.StepTypeCondition:
		if step.Condition != "" {
			return e.eval.Evaluate(step.Condition, map[string]any{
				"input": input,
				"vars":  scope.Snapshot(),
			})
		}
		fn, err := e.functions.Get(step.Function)
		if err != nil {
			return nil, err
		}
		return fn(ctx, input, scope.Snapshot())

	default:
		return nil, &errors.ValidationError{
			Field:   "type",
			Message: fmt.Sprintf("step %s has unexecutable type %q", step.ID, step.Type),
		}
	}
}

// runParallel executes every child concurrently under the same workflow
// group. Output is the ordered array of child outputs; any failure fails
// the whole step.
func (e *Executor) runParallel(ctx context.Context, x *execution, scope *variableScope, step *api.Step, opts *Options) (any, error) {
	outputs := make([]any, len(step.Steps))

	group, groupCtx := errgroup.WithContext(ctx)
	for i := range step.Steps {
		i := i
		child := &step.Steps[i]
		group.Go(func() error {
			output, err := e.runStep(groupCtx, x, scope, child, opts)
			if err != nil {
				return err
			}
			outputs[i] = output
			return scope.StoreOutput(groupCtx, child.ID, output, child.Output)
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}
	return outputs, nil
}

// renderMessage extracts the agent message from a resolved input map:
// the "message" key when it is a string, otherwise the JSON encoding.
func renderMessage(input map[string]any) string {
	if msg, ok := input["message"].(string); ok {
		return msg
	}
	if len(input) == 0 {
		return ""
	}
	data, err := json.Marshal(input)
	if err != nil {
		return fmt.Sprintf("%v", input)
	}
	return string(data)
}

func (e *Executor) writeStatus(workflowID string, phase api.Phase, errMsg string) {
	if e.statusWriter == nil {
		return
	}
	e.statusWriter(workflowID, func(st *api.Status) {
		st.Phase = phase
		if errMsg != "" {
			st.SetDetail("lastError", errMsg)
		}
		st.SetDetail("lastExecutionTime", time.Now().Format(time.RFC3339))
	})
}

func (e *Executor) publish(topic string, payload any) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(topic, payload)
}

func normalizeOptions(opts *Options) {
	if opts.Input == nil {
		opts.Input = map[string]any{}
	}
	if opts.DefaultStepTimeoutMs <= 0 {
		opts.DefaultStepTimeoutMs = DefaultStepTimeoutMs
	}
	if opts.DefaultStepRetryDelayMs <= 0 {
		opts.DefaultStepRetryDelayMs = DefaultStepRetryDelayMs
	}
}

// errorName maps an error to its taxonomy name for result surfaces.
func errorName(err error) string {
	var classifier errors.ErrorClassifier
	if errors.As(err, &classifier) {
		switch classifier.ErrorType() {
		case "validation":
			return "ValidationError"
		case "not_found":
			return "NotFoundError"
		case "dependency":
			return "DependencyError"
		case "execution":
			return "ExecutionError"
		case "timeout":
			return "TimeoutError"
		case "cyclic_dependency":
			return "CyclicDependencyError"
		case "config":
			return "ConfigError"
		}
	}
	return "Error"
}
