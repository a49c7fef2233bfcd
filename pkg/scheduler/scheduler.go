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

// Package scheduler provides the global priority task queue: bounded
// queueing, per-kind and per-group concurrency limits, timeout races,
// retry with exponential backoff, and cancellation of queued tasks.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mastra-ai/runtime/pkg/errors"
	"github.com/mastra-ai/runtime/pkg/events"
)

// Topics published by the scheduler.
const (
	TopicStarted       = "scheduler.started"
	TopicStopped       = "scheduler.stopped"
	TopicTaskSubmitted = "scheduler.task.submitted"
	TopicTaskStarted   = "scheduler.task.started"
	TopicTaskCompleted = "scheduler.task.completed"
	TopicTaskFailed    = "scheduler.task.failed"
	TopicTaskRetry     = "scheduler.task.retry"
	TopicTaskCancelled = "scheduler.task.cancelled"
	TopicConfigUpdated = "scheduler.config.updated"
)

// Config parameterizes the scheduler.
type Config struct {
	// MaxConcurrentTasks bounds tasks running at once. Default 10.
	MaxConcurrentTasks int

	// MaxQueueLength bounds queued tasks; overflow fails submission.
	// Default 1000.
	MaxQueueLength int

	// ResourceTypeConcurrencyLimits bounds running tasks per kind.
	// Absent kinds are unlimited.
	ResourceTypeConcurrencyLimits map[string]int

	// GroupConcurrencyLimits bounds running tasks per group key.
	// Absent groups are unlimited.
	GroupConcurrencyLimits map[string]int

	// RetryDisabled globally disables retries.
	RetryDisabled bool

	// Backoff controls retry delays. Zero value uses DefaultBackoff.
	Backoff BackoffConfig

	// TickInterval is the idle dispatch tick. Default 1s.
	TickInterval time.Duration
}

func (c *Config) normalize() {
	if c.MaxConcurrentTasks <= 0 {
		c.MaxConcurrentTasks = 10
	}
	if c.MaxQueueLength <= 0 {
		c.MaxQueueLength = 1000
	}
	if c.Backoff == (BackoffConfig{}) {
		c.Backoff = DefaultBackoff()
	}
	if c.TickInterval <= 0 {
		c.TickInterval = time.Second
	}
}

type itemState int

const (
	stateQueued itemState = iota
	stateWaiting
	stateRunning
)

type item struct {
	task   Task
	future *Future
	state  itemState
	timer  *time.Timer
}

// Snapshot reports the scheduler's instantaneous occupancy.
type Snapshot struct {
	Queued         int
	Waiting        int
	Running        int
	RunningByKind  map[string]int
	RunningByGroup map[string]int
}

// Scheduler dispatches submitted tasks under concurrency limits. Failures
// surface through task futures; the scheduler itself never aborts.
type Scheduler struct {
	mu             sync.Mutex
	cfg            Config
	queue          []*item
	index          map[string]*item
	running        map[string]*item
	runningByKind  map[string]int
	runningByGroup map[string]int
	started        bool
	stopCh         chan struct{}

	bus    *events.Bus
	logger *slog.Logger
}

// New creates a scheduler publishing on bus.
func New(cfg Config, bus *events.Bus, logger *slog.Logger) *Scheduler {
	cfg.normalize()
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		cfg:            cfg,
		index:          make(map[string]*item),
		running:        make(map[string]*item),
		runningByKind:  make(map[string]int),
		runningByGroup: make(map[string]int),
		bus:            bus,
		logger:         logger.With(slog.String("component", "scheduler")),
	}
}

// Start begins dispatching. Tasks queued while stopped are picked up.
func (s *Scheduler) Start() {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.stopCh = make(chan struct{})
	stopCh := s.stopCh
	tick := s.cfg.TickInterval
	s.mu.Unlock()

	go s.run(stopCh, tick)

	s.publish(TopicStarted, nil)
	s.dispatch()
}

// Stop halts dispatch. In-flight tasks complete; queued tasks remain queued
// and resume on the next Start.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	close(s.stopCh)
	s.mu.Unlock()

	s.publish(TopicStopped, nil)
}

func (s *Scheduler) run(stopCh chan struct{}, tick time.Duration) {
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.dispatch()
		case <-stopCh:
			return
		}
	}
}

// Submit enqueues a task and returns its future. Submission fails
// immediately when the queue is full or the task is malformed.
func (s *Scheduler) Submit(task Task) (*Future, error) {
	if task.Handler == nil {
		return nil, &errors.ValidationError{Field: "handler", Message: "task handler is required"}
	}
	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	if task.SubmittedAt.IsZero() {
		task.SubmittedAt = time.Now()
	}
	task.Attempts = 0

	it := &item{task: task, future: newFuture(), state: stateQueued}

	s.mu.Lock()
	if len(s.queue) >= s.cfg.MaxQueueLength {
		s.mu.Unlock()
		return nil, fmt.Errorf("task queue is full (%d tasks)", s.cfg.MaxQueueLength)
	}
	if _, dup := s.index[task.ID]; dup {
		s.mu.Unlock()
		return nil, &errors.ValidationError{Field: "id", Message: fmt.Sprintf("task %s already submitted", task.ID)}
	}
	s.enqueueLocked(it)
	s.index[task.ID] = it
	s.mu.Unlock()

	s.publish(TopicTaskSubmitted, s.eventFor(it, nil))
	s.dispatch()
	return it.future, nil
}

// enqueueLocked inserts by (priority desc, submittedAt asc).
func (s *Scheduler) enqueueLocked(it *item) {
	pos := len(s.queue)
	for i, queued := range s.queue {
		if it.task.Priority > queued.task.Priority ||
			(it.task.Priority == queued.task.Priority && it.task.SubmittedAt.Before(queued.task.SubmittedAt)) {
			pos = i
			break
		}
	}
	s.queue = append(s.queue, nil)
	copy(s.queue[pos+1:], s.queue[pos:])
	s.queue[pos] = it
	it.state = stateQueued
}

// Cancel removes a queued (or backoff-waiting) task, resolving its future
// as cancelled. Running tasks are not cancellable.
func (s *Scheduler) Cancel(taskID string) error {
	s.mu.Lock()
	it, ok := s.index[taskID]
	if !ok {
		s.mu.Unlock()
		return &errors.NotFoundError{Resource: "task", ID: taskID}
	}
	if it.state == stateRunning {
		s.mu.Unlock()
		return fmt.Errorf("task %s is running and cannot be cancelled", taskID)
	}
	if it.timer != nil {
		it.timer.Stop()
		it.timer = nil
	}
	s.removeQueuedLocked(it)
	delete(s.index, taskID)
	s.mu.Unlock()

	it.future.resolve(TaskResult{
		TaskID:   taskID,
		Status:   TaskCancelled,
		Attempts: it.task.Attempts,
	})
	s.publish(TopicTaskCancelled, s.eventFor(it, nil))
	s.dispatch()
	return nil
}

func (s *Scheduler) removeQueuedLocked(it *item) {
	for i, queued := range s.queue {
		if queued == it {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			return
		}
	}
}

// UpdateConfig replaces the limits and retry policy, then re-dispatches.
func (s *Scheduler) UpdateConfig(cfg Config) {
	cfg.normalize()
	s.mu.Lock()
	cfg.TickInterval = s.cfg.TickInterval // tick changes require restart
	s.cfg = cfg
	s.mu.Unlock()

	s.publish(TopicConfigUpdated, nil)
	s.dispatch()
}

// Stats returns the current occupancy snapshot.
func (s *Scheduler) Stats() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{
		Queued:         len(s.queue),
		Running:        len(s.running),
		RunningByKind:  make(map[string]int, len(s.runningByKind)),
		RunningByGroup: make(map[string]int, len(s.runningByGroup)),
	}
	for k, v := range s.runningByKind {
		snap.RunningByKind[k] = v
	}
	for g, v := range s.runningByGroup {
		snap.RunningByGroup[g] = v
	}
	for _, it := range s.index {
		if it.state == stateWaiting {
			snap.Waiting++
		}
	}
	return snap
}

// dispatch starts every eligible task. Called on the idle tick and directly
// after submit, completion, cancellation, and config changes.
func (s *Scheduler) dispatch() {
	for {
		s.mu.Lock()
		if !s.started || len(s.running) >= s.cfg.MaxConcurrentTasks {
			s.mu.Unlock()
			return
		}

		var picked *item
		for _, it := range s.queue {
			if s.kindBlockedLocked(it.task.Type) || s.groupBlockedLocked(it.task.GroupKey) {
				continue
			}
			picked = it
			break
		}
		if picked == nil {
			s.mu.Unlock()
			return
		}

		s.removeQueuedLocked(picked)
		picked.state = stateRunning
		s.running[picked.task.ID] = picked
		s.runningByKind[picked.task.Type]++
		if picked.task.GroupKey != "" {
			s.runningByGroup[picked.task.GroupKey]++
		}
		picked.task.Attempts++
		s.mu.Unlock()

		s.publish(TopicTaskStarted, s.eventFor(picked, nil))
		go s.execute(picked)
	}
}

func (s *Scheduler) kindBlockedLocked(kind string) bool {
	limit, ok := s.cfg.ResourceTypeConcurrencyLimits[kind]
	return ok && s.runningByKind[kind] >= limit
}

func (s *Scheduler) groupBlockedLocked(group string) bool {
	if group == "" {
		return false
	}
	limit, ok := s.cfg.GroupConcurrencyLimits[group]
	return ok && s.runningByGroup[group] >= limit
}

// execute races the handler against the task deadline.
func (s *Scheduler) execute(it *item) {
	startedAt := time.Now()
	output, err := s.runHandler(it.task)
	s.complete(it, output, err, startedAt)
}

func (s *Scheduler) runHandler(task Task) (any, error) {
	if task.TimeoutMs < 0 {
		return task.Handler(context.Background())
	}
	if task.TimeoutMs == 0 {
		// A zero deadline expires before the handler can start.
		return nil, &errors.TimeoutError{Operation: "task", Duration: 0}
	}

	timeout := time.Duration(task.TimeoutMs) * time.Millisecond
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	type outcome struct {
		output any
		err    error
	}
	resultCh := make(chan outcome, 1)
	go func() {
		output, err := task.Handler(ctx)
		resultCh <- outcome{output: output, err: err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-resultCh:
		return res.output, res.err
	case <-timer.C:
		// The handler keeps running; its eventual result is discarded.
		cancel()
		return nil, &errors.TimeoutError{Operation: "task", Duration: timeout}
	}
}

func (s *Scheduler) complete(it *item, output any, err error, startedAt time.Time) {
	finishedAt := time.Now()

	s.mu.Lock()
	delete(s.running, it.task.ID)
	s.runningByKind[it.task.Type]--
	if s.runningByKind[it.task.Type] <= 0 {
		delete(s.runningByKind, it.task.Type)
	}
	if it.task.GroupKey != "" {
		s.runningByGroup[it.task.GroupKey]--
		if s.runningByGroup[it.task.GroupKey] <= 0 {
			delete(s.runningByGroup, it.task.GroupKey)
		}
	}

	if err == nil {
		delete(s.index, it.task.ID)
		s.mu.Unlock()

		it.future.resolve(TaskResult{
			TaskID:     it.task.ID,
			Status:     TaskCompleted,
			Output:     output,
			Attempts:   it.task.Attempts,
			StartedAt:  startedAt,
			FinishedAt: finishedAt,
		})
		s.publish(TopicTaskCompleted, s.eventFor(it, nil))
		s.dispatch()
		return
	}

	retryable := !s.cfg.RetryDisabled &&
		errors.IsRetryable(err) &&
		it.task.Attempts < it.task.MaxRetries
	if retryable {
		delay := s.cfg.Backoff.Delay(it.task.Attempts)
		it.state = stateWaiting
		it.timer = time.AfterFunc(delay, func() { s.requeue(it) })
		s.mu.Unlock()

		s.logger.Debug("task retry scheduled",
			slog.String("task_id", it.task.ID),
			slog.Int("attempts", it.task.Attempts),
			slog.Duration("delay", delay))
		s.publish(TopicTaskRetry, s.eventFor(it, err))
		s.dispatch()
		return
	}

	delete(s.index, it.task.ID)
	s.mu.Unlock()

	it.future.resolve(TaskResult{
		TaskID:     it.task.ID,
		Status:     TaskFailed,
		Err:        err,
		Attempts:   it.task.Attempts,
		StartedAt:  startedAt,
		FinishedAt: finishedAt,
	})
	s.publish(TopicTaskFailed, s.eventFor(it, err))
	s.dispatch()
}

// requeue returns a backoff-waiting task to the queue.
func (s *Scheduler) requeue(it *item) {
	s.mu.Lock()
	if it.state != stateWaiting || s.index[it.task.ID] != it {
		// Cancelled while waiting.
		s.mu.Unlock()
		return
	}
	it.timer = nil
	s.enqueueLocked(it)
	s.mu.Unlock()
	s.dispatch()
}

func (s *Scheduler) eventFor(it *item, err error) TaskEvent {
	ev := TaskEvent{
		TaskID:   it.task.ID,
		Resource: it.task.Resource,
		Type:     it.task.Type,
		Priority: it.task.Priority,
		GroupKey: it.task.GroupKey,
		Attempts: it.task.Attempts,
	}
	if err != nil {
		ev.Error = err.Error()
	}
	return ev
}

func (s *Scheduler) publish(topic string, payload any) {
	if s.bus == nil {
		return
	}
	if ev, ok := payload.(TaskEvent); ok {
		s.bus.Publish(topic, ev)
		return
	}
	s.bus.Publish(topic, payload)
}
