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

package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mastra-ai/runtime/pkg/errors"
	"github.com/mastra-ai/runtime/pkg/events"
)

func newTestScheduler(cfg Config) *Scheduler {
	if cfg.TickInterval == 0 {
		cfg.TickInterval = 10 * time.Millisecond
	}
	s := New(cfg, events.NewBus(nil), nil)
	s.Start()
	return s
}

func instantHandler(output any) Handler {
	return func(ctx context.Context) (any, error) { return output, nil }
}

func sleepHandler(d time.Duration) Handler {
	return func(ctx context.Context) (any, error) {
		select {
		case <-time.After(d):
			return "done", nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func TestSubmitAndComplete(t *testing.T) {
	s := newTestScheduler(Config{})
	defer s.Stop()

	future, err := s.Submit(Task{
		Resource:  "default.writer",
		Type:      "Agent",
		Handler:   instantHandler("hello"),
		TimeoutMs: 1000,
	})
	require.NoError(t, err)

	res := future.Result()
	assert.Equal(t, TaskCompleted, res.Status)
	assert.Equal(t, "hello", res.Output)
	assert.Equal(t, 1, res.Attempts)
}

func TestQueueOverflowFailsImmediately(t *testing.T) {
	s := New(Config{MaxQueueLength: 2, MaxConcurrentTasks: 1}, events.NewBus(nil), nil)
	// Not started: everything stays queued.

	for i := 0; i < 2; i++ {
		_, err := s.Submit(Task{Type: "Agent", Handler: instantHandler(nil), TimeoutMs: 1000})
		require.NoError(t, err)
	}

	_, err := s.Submit(Task{Type: "Agent", Handler: instantHandler(nil), TimeoutMs: 1000})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "queue is full")
}

func TestPriorityAndKindLimits(t *testing.T) {
	// Scenario: maxConcurrentTasks=3, Agent limit 2. Two Tool/Low, three
	// Agent/Normal, one Agent/Critical. After dispatch: 2 Agents running
	// (Critical + one Normal) and 1 Tool; over time all 6 complete, each
	// handler called exactly once.
	s := New(Config{
		MaxConcurrentTasks:            3,
		ResourceTypeConcurrencyLimits: map[string]int{"Agent": 2},
		TickInterval:                  5 * time.Millisecond,
	}, events.NewBus(nil), nil)

	var calls int64
	handler := func(ctx context.Context) (any, error) {
		atomic.AddInt64(&calls, 1)
		time.Sleep(100 * time.Millisecond)
		return nil, nil
	}

	var futures []*Future
	submit := func(kind string, prio Priority) {
		f, err := s.Submit(Task{Type: kind, Priority: prio, Handler: handler, TimeoutMs: 5000})
		require.NoError(t, err)
		futures = append(futures, f)
	}

	submit("Tool", PriorityLow)
	submit("Tool", PriorityLow)
	submit("Agent", PriorityNormal)
	submit("Agent", PriorityNormal)
	submit("Agent", PriorityNormal)
	submit("Agent", PriorityCritical)

	s.Start()
	defer s.Stop()
	time.Sleep(30 * time.Millisecond)

	snap := s.Stats()
	assert.Equal(t, 3, snap.Running)
	assert.Equal(t, 2, snap.RunningByKind["Agent"])
	assert.Equal(t, 1, snap.RunningByKind["Tool"])
	assert.Equal(t, 3, snap.Queued)

	for _, f := range futures {
		res := f.Result()
		assert.Equal(t, TaskCompleted, res.Status)
	}
	assert.Equal(t, int64(6), atomic.LoadInt64(&calls))
}

func TestGroupConcurrencyLimit(t *testing.T) {
	s := New(Config{
		MaxConcurrentTasks:     10,
		GroupConcurrencyLimits: map[string]int{"workflow:default.wf": 1},
		TickInterval:           5 * time.Millisecond,
	}, events.NewBus(nil), nil)

	var running, peak int64
	handler := func(ctx context.Context) (any, error) {
		cur := atomic.AddInt64(&running, 1)
		for {
			old := atomic.LoadInt64(&peak)
			if cur <= old || atomic.CompareAndSwapInt64(&peak, old, cur) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		atomic.AddInt64(&running, -1)
		return nil, nil
	}

	var futures []*Future
	for i := 0; i < 4; i++ {
		f, err := s.Submit(Task{Type: "Workflow", GroupKey: "workflow:default.wf", Handler: handler, TimeoutMs: 5000})
		require.NoError(t, err)
		futures = append(futures, f)
	}

	s.Start()
	defer s.Stop()
	for _, f := range futures {
		f.Result()
	}
	assert.Equal(t, int64(1), atomic.LoadInt64(&peak))
}

func TestTimeoutSurfacesTimeoutError(t *testing.T) {
	s := newTestScheduler(Config{})
	defer s.Stop()

	future, err := s.Submit(Task{Type: "Agent", Handler: sleepHandler(time.Second), TimeoutMs: 20})
	require.NoError(t, err)

	res := future.Result()
	assert.Equal(t, TaskFailed, res.Status)
	var timeout *errors.TimeoutError
	assert.ErrorAs(t, res.Err, &timeout)
}

func TestZeroTimeoutFailsImmediately(t *testing.T) {
	s := newTestScheduler(Config{})
	defer s.Stop()

	var called int64
	future, err := s.Submit(Task{Type: "Agent", Handler: func(ctx context.Context) (any, error) {
		atomic.AddInt64(&called, 1)
		return nil, nil
	}, TimeoutMs: 0})
	require.NoError(t, err)

	res := future.Result()
	assert.Equal(t, TaskFailed, res.Status)
	var timeout *errors.TimeoutError
	require.ErrorAs(t, res.Err, &timeout)
	assert.Equal(t, int64(0), atomic.LoadInt64(&called))
}

func TestRetryThenSuccess(t *testing.T) {
	s := newTestScheduler(Config{
		Backoff: BackoffConfig{Base: time.Millisecond, Max: 5 * time.Millisecond, Jitter: 0},
	})
	defer s.Stop()

	var calls int64
	future, err := s.Submit(Task{
		Type: "Agent",
		Handler: func(ctx context.Context) (any, error) {
			if atomic.AddInt64(&calls, 1) < 3 {
				return nil, errors.New("ETIMEOUT while calling provider")
			}
			return "ok", nil
		},
		TimeoutMs:  1000,
		MaxRetries: 3,
	})
	require.NoError(t, err)

	res := future.Result()
	assert.Equal(t, TaskCompleted, res.Status)
	assert.Equal(t, "ok", res.Output)
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, int64(3), atomic.LoadInt64(&calls))
}

func TestFatalErrorDoesNotRetry(t *testing.T) {
	s := newTestScheduler(Config{})
	defer s.Stop()

	var calls int64
	future, err := s.Submit(Task{
		Type: "Agent",
		Handler: func(ctx context.Context) (any, error) {
			atomic.AddInt64(&calls, 1)
			return nil, &errors.ValidationError{Message: "bad input"}
		},
		TimeoutMs:  1000,
		MaxRetries: 5,
	})
	require.NoError(t, err)

	res := future.Result()
	assert.Equal(t, TaskFailed, res.Status)
	assert.Equal(t, int64(1), atomic.LoadInt64(&calls))
}

func TestRetriesExhausted(t *testing.T) {
	s := newTestScheduler(Config{
		Backoff: BackoffConfig{Base: time.Millisecond, Max: 2 * time.Millisecond, Jitter: 0},
	})
	defer s.Stop()

	var calls int64
	future, err := s.Submit(Task{
		Type: "Agent",
		Handler: func(ctx context.Context) (any, error) {
			atomic.AddInt64(&calls, 1)
			return nil, errors.New("ECONNRESET")
		},
		TimeoutMs:  1000,
		MaxRetries: 3,
	})
	require.NoError(t, err)

	res := future.Result()
	assert.Equal(t, TaskFailed, res.Status)
	// attempts ≤ maxRetries: three executions total.
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, int64(3), atomic.LoadInt64(&calls))
}

func TestRetryDisabledGlobally(t *testing.T) {
	s := newTestScheduler(Config{RetryDisabled: true})
	defer s.Stop()

	var calls int64
	future, err := s.Submit(Task{
		Type: "Agent",
		Handler: func(ctx context.Context) (any, error) {
			atomic.AddInt64(&calls, 1)
			return nil, errors.New("ETIMEOUT")
		},
		TimeoutMs:  1000,
		MaxRetries: 3,
	})
	require.NoError(t, err)

	res := future.Result()
	assert.Equal(t, TaskFailed, res.Status)
	assert.Equal(t, int64(1), atomic.LoadInt64(&calls))
}

func TestCancelQueuedTask(t *testing.T) {
	s := New(Config{MaxConcurrentTasks: 1, TickInterval: 5 * time.Millisecond}, events.NewBus(nil), nil)
	// Not started: tasks stay queued and are cancellable.

	future, err := s.Submit(Task{ID: "victim", Type: "Agent", Handler: instantHandler(nil), TimeoutMs: 1000})
	require.NoError(t, err)

	require.NoError(t, s.Cancel("victim"))
	res := future.Result()
	assert.Equal(t, TaskCancelled, res.Status)

	assert.Error(t, s.Cancel("victim"), "second cancel reports not found")
}

func TestCancelRunningTaskRejected(t *testing.T) {
	s := newTestScheduler(Config{})
	defer s.Stop()

	started := make(chan struct{})
	future, err := s.Submit(Task{ID: "busy", Type: "Agent", Handler: func(ctx context.Context) (any, error) {
		close(started)
		time.Sleep(50 * time.Millisecond)
		return nil, nil
	}, TimeoutMs: 1000})
	require.NoError(t, err)

	<-started
	assert.Error(t, s.Cancel("busy"))
	future.Result()
}

func TestStopKeepsQueueAndResumes(t *testing.T) {
	s := New(Config{MaxConcurrentTasks: 1, TickInterval: 5 * time.Millisecond}, events.NewBus(nil), nil)

	futures := make([]*Future, 0, 3)
	for i := 0; i < 3; i++ {
		f, err := s.Submit(Task{Type: "Agent", Handler: instantHandler(nil), TimeoutMs: 1000})
		require.NoError(t, err)
		futures = append(futures, f)
	}

	// Never started: nothing dispatches.
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 3, s.Stats().Queued)

	s.Start()
	for _, f := range futures {
		assert.Equal(t, TaskCompleted, f.Result().Status)
	}
	s.Stop()
}

func TestEventsPublished(t *testing.T) {
	bus := events.NewBus(nil)

	var mu sync.Mutex
	topics := make(map[string]int)
	bus.Subscribe("scheduler.*", func(e events.Event) {
		mu.Lock()
		topics[e.Topic]++
		mu.Unlock()
	})

	s := New(Config{TickInterval: 5 * time.Millisecond}, bus, nil)
	s.Start()

	future, err := s.Submit(Task{Type: "Agent", Handler: instantHandler(nil), TimeoutMs: 1000})
	require.NoError(t, err)
	future.Result()
	s.Stop()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, topics[TopicStarted])
	assert.Equal(t, 1, topics[TopicTaskSubmitted])
	assert.Equal(t, 1, topics[TopicTaskStarted])
	assert.Equal(t, 1, topics[TopicTaskCompleted])
	assert.Equal(t, 1, topics[TopicStopped])
}

func TestBackoffDelaysNonDecreasing(t *testing.T) {
	cfg := BackoffConfig{Base: time.Second, Max: 30 * time.Second, Jitter: 0}

	var prev time.Duration
	for attempts := 1; attempts <= 8; attempts++ {
		d := cfg.Delay(attempts)
		assert.GreaterOrEqual(t, d, prev, "delay must not decrease")
		assert.LessOrEqual(t, d, 30*time.Second)
		prev = d
	}
	assert.Equal(t, time.Second, cfg.Delay(1))
	assert.Equal(t, 2*time.Second, cfg.Delay(2))
	assert.Equal(t, 30*time.Second, cfg.Delay(10))
}

func TestBackoffJitterBounds(t *testing.T) {
	cfg := DefaultBackoff()
	for i := 0; i < 100; i++ {
		d := cfg.Delay(1)
		assert.GreaterOrEqual(t, d, time.Second)
		assert.LessOrEqual(t, d, 1250*time.Millisecond)
	}
}
