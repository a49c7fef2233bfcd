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

// Package metrics exposes the runtime's prometheus collectors, fed by
// event-bus subscriptions so components stay metrics-agnostic.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/mastra-ai/runtime/pkg/events"
	"github.com/mastra-ai/runtime/pkg/reconcile"
	"github.com/mastra-ai/runtime/pkg/scheduler"
)

// Collector owns the runtime's metric instruments on a private registry.
type Collector struct {
	registry *prometheus.Registry

	tasksSubmitted *prometheus.CounterVec
	tasksCompleted *prometheus.CounterVec
	tasksFailed    *prometheus.CounterVec
	tasksRetried   *prometheus.CounterVec

	resourceEvents *prometheus.CounterVec
	phaseChanges   *prometheus.CounterVec

	workflowRuns  *prometheus.CounterVec
	workflowSteps *prometheus.CounterVec

	networkCalls prometheus.Counter

	unsubs []func()
}

// NewCollector builds the instruments on a fresh registry.
func NewCollector() *Collector {
	c := &Collector{registry: prometheus.NewRegistry()}

	c.tasksSubmitted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mastra", Subsystem: "scheduler",
		Name: "tasks_submitted_total", Help: "Tasks submitted to the scheduler.",
	}, []string{"kind"})
	c.tasksCompleted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mastra", Subsystem: "scheduler",
		Name: "tasks_completed_total", Help: "Tasks completed successfully.",
	}, []string{"kind"})
	c.tasksFailed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mastra", Subsystem: "scheduler",
		Name: "tasks_failed_total", Help: "Tasks that terminally failed.",
	}, []string{"kind"})
	c.tasksRetried = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mastra", Subsystem: "scheduler",
		Name: "tasks_retried_total", Help: "Task retry attempts scheduled.",
	}, []string{"kind"})

	c.resourceEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mastra", Subsystem: "store",
		Name: "resource_events_total", Help: "Resource add/update/delete events.",
	}, []string{"event"})
	c.phaseChanges = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mastra", Subsystem: "reconciler",
		Name: "phase_changes_total", Help: "Resource phase transitions.",
	}, []string{"kind", "phase"})

	c.workflowRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mastra", Subsystem: "workflow",
		Name: "runs_total", Help: "Workflow executions by terminal status.",
	}, []string{"status"})
	c.workflowSteps = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mastra", Subsystem: "workflow",
		Name: "steps_total", Help: "Workflow step attempts by outcome.",
	}, []string{"outcome"})

	c.networkCalls = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "mastra", Subsystem: "network",
		Name: "agent_calls_total", Help: "Worker agent invocations across networks.",
	})

	c.registry.MustRegister(
		c.tasksSubmitted, c.tasksCompleted, c.tasksFailed, c.tasksRetried,
		c.resourceEvents, c.phaseChanges,
		c.workflowRuns, c.workflowSteps,
		c.networkCalls,
	)
	return c
}

// Registry exposes the collector's registry for an embedder's HTTP
// handler.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Attach subscribes the collector to the bus.
func (c *Collector) Attach(bus *events.Bus) {
	sub := func(topic string, h events.Handler) {
		c.unsubs = append(c.unsubs, bus.Subscribe(topic, h))
	}

	sub(scheduler.TopicTaskSubmitted, func(e events.Event) {
		c.tasksSubmitted.WithLabelValues(taskKind(e)).Inc()
	})
	sub(scheduler.TopicTaskCompleted, func(e events.Event) {
		c.tasksCompleted.WithLabelValues(taskKind(e)).Inc()
	})
	sub(scheduler.TopicTaskFailed, func(e events.Event) {
		c.tasksFailed.WithLabelValues(taskKind(e)).Inc()
	})
	sub(scheduler.TopicTaskRetry, func(e events.Event) {
		c.tasksRetried.WithLabelValues(taskKind(e)).Inc()
	})

	sub("resource:added", func(e events.Event) { c.resourceEvents.WithLabelValues("added").Inc() })
	sub("resource:updated", func(e events.Event) { c.resourceEvents.WithLabelValues("updated").Inc() })
	sub("resource:deleted", func(e events.Event) { c.resourceEvents.WithLabelValues("deleted").Inc() })

	sub("*.phase.changed", func(e events.Event) {
		if p, ok := e.Payload.(reconcile.PhaseChange); ok {
			c.phaseChanges.WithLabelValues(p.Kind, string(p.Current)).Inc()
		}
	})

	sub("workflow.completed", func(e events.Event) { c.workflowRuns.WithLabelValues("completed").Inc() })
	sub("workflow.failed", func(e events.Event) { c.workflowRuns.WithLabelValues("failed").Inc() })
	sub("workflow.step.completed", func(e events.Event) { c.workflowSteps.WithLabelValues("success").Inc() })
	sub("workflow.step.failed", func(e events.Event) { c.workflowSteps.WithLabelValues("failed").Inc() })

	sub("network.message", func(e events.Event) { c.networkCalls.Inc() })
}

// Detach removes the bus subscriptions.
func (c *Collector) Detach() {
	for _, unsub := range c.unsubs {
		unsub()
	}
	c.unsubs = nil
}

func taskKind(e events.Event) string {
	if ev, ok := e.Payload.(scheduler.TaskEvent); ok && ev.Type != "" {
		return ev.Type
	}
	return "unknown"
}
