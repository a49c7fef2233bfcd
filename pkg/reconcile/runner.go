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

package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"sync"
	"time"

	"github.com/mastra-ai/runtime/pkg/api"
	"github.com/mastra-ai/runtime/pkg/errors"
	"github.com/mastra-ai/runtime/pkg/events"
	"github.com/mastra-ai/runtime/pkg/scheduler"
	"github.com/mastra-ai/runtime/pkg/store"
)

// DefaultMaxAttempts bounds retries of a failed reconciliation.
const DefaultMaxAttempts = 5

// entry tracks per-resource reconcile state: the concurrency guard,
// coalesced triggers, retry accounting, and cleanup bookkeeping.
type entry struct {
	inFlight   bool
	pending    bool
	attempts   int
	retryTimer *time.Timer
	cleanedUp  bool
}

// Runner drives one Controller. It watches the kind's topics on the event
// bus and serializes reconciliations per resource id: at most one in
// flight, overlapping triggers coalesce into a single next round.
type Runner struct {
	ctrl        Controller
	store       *store.ResourceStore
	bus         *events.Bus
	logger      *slog.Logger
	backoff     scheduler.BackoffConfig
	maxAttempts int

	mu      sync.Mutex
	entries map[string]*entry
	unsubs  []func()
	started bool
}

// NewRunner wires a controller to the store and bus.
func NewRunner(ctrl Controller, st *store.ResourceStore, bus *events.Bus, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		ctrl:        ctrl,
		store:       st,
		bus:         bus,
		logger:      logger.With(slog.String("component", "reconciler"), slog.String("kind", ctrl.Kind())),
		backoff:     scheduler.DefaultBackoff(),
		maxAttempts: DefaultMaxAttempts,
		entries:     make(map[string]*entry),
	}
}

// Start subscribes to the kind's change topics.
func (r *Runner) Start() {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return
	}
	r.started = true
	r.mu.Unlock()

	kind := r.ctrl.Kind()
	handler := func(e events.Event) {
		res, ok := e.Payload.(*api.Resource)
		if !ok || res.Kind != kind {
			return
		}
		go r.Trigger(res.Key())
	}
	r.unsubs = append(r.unsubs,
		r.bus.Subscribe(kind+".created", handler),
		r.bus.Subscribe(kind+".updated", handler),
	)
}

// Stop unsubscribes and cancels pending retries.
func (r *Runner) Stop() {
	r.mu.Lock()
	r.started = false
	for _, e := range r.entries {
		if e.retryTimer != nil {
			e.retryTimer.Stop()
			e.retryTimer = nil
		}
	}
	unsubs := r.unsubs
	r.unsubs = nil
	r.mu.Unlock()

	for _, unsub := range unsubs {
		unsub()
	}
}

// Trigger requests a reconciliation of the resource. Concurrent triggers
// for the same id coalesce.
func (r *Runner) Trigger(key api.Key) {
	id := key.ID()

	r.mu.Lock()
	e := r.entries[id]
	if e == nil {
		e = &entry{}
		r.entries[id] = e
	}
	if e.inFlight {
		e.pending = true
		r.mu.Unlock()
		return
	}
	e.inFlight = true
	r.mu.Unlock()

	for {
		err := r.reconcileOnce(context.Background(), key, e)
		if err != nil {
			r.logger.Debug("reconcile round failed",
				slog.String("resource", id),
				slog.String("error", err.Error()))
		}

		r.mu.Lock()
		if !e.pending {
			e.inFlight = false
			r.mu.Unlock()
			return
		}
		e.pending = false
		r.mu.Unlock()
	}
}

// Reconcile runs a single reconciliation synchronously and returns its
// error. Used by tests and by the runtime manager for on-demand syncs; the
// same per-resource guard applies.
func (r *Runner) Reconcile(ctx context.Context, key api.Key) error {
	id := key.ID()

	r.mu.Lock()
	e := r.entries[id]
	if e == nil {
		e = &entry{}
		r.entries[id] = e
	}
	if e.inFlight {
		e.pending = true
		r.mu.Unlock()
		return nil
	}
	e.inFlight = true
	r.mu.Unlock()

	err := r.reconcileOnce(ctx, key, e)

	r.mu.Lock()
	pending := e.pending
	e.pending = false
	e.inFlight = false
	r.mu.Unlock()

	if pending {
		go r.Trigger(key)
	}
	return err
}

// reconcileOnce executes the shared flow: terminating check, validate,
// resolve, diff, apply, status write.
func (r *Runner) reconcileOnce(ctx context.Context, key api.Key, e *entry) error {
	res, err := r.store.Get(key)
	if err != nil {
		// Deleted between trigger and fetch.
		r.forget(key.ID())
		return nil
	}

	if res.Metadata.DeletionTimestamp != nil {
		return r.terminate(ctx, key, res, e)
	}

	kind := r.ctrl.Kind()

	if err := r.ctrl.Validate(res); err != nil {
		r.cancelRetry(key.ID())
		r.writeStatus(key, api.PhaseFailed, api.ConditionReconciling, api.ConditionFalse, ReasonValidationFailed, err.Error())
		r.bus.Publish(kind+".validation.failed", res)
		return err
	}

	if err := r.ctrl.ResolveDependencies(ctx, res); err != nil {
		if errors.IsRetryable(err) {
			r.writeStatus(key, api.PhasePending, api.ConditionReconciling, api.ConditionFalse, ReasonDependencyPending, err.Error())
			r.scheduleRetry(key, e)
		} else {
			r.cancelRetry(key.ID())
			r.writeStatus(key, api.PhaseFailed, api.ConditionReconciling, api.ConditionFalse, ReasonDependencyFailed, err.Error())
		}
		return err
	}

	desired, err := r.ctrl.GetDesiredState(res)
	if err != nil {
		r.writeStatus(key, api.PhaseFailed, api.ConditionReconciling, api.ConditionFalse, ReasonApplyFailed, err.Error())
		return err
	}
	current, err := r.ctrl.GetCurrentState(res)
	if err != nil {
		r.writeStatus(key, api.PhaseFailed, api.ConditionReconciling, api.ConditionFalse, ReasonApplyFailed, err.Error())
		return err
	}

	if reflect.DeepEqual(desired, current) {
		r.settle(key, e)
		_ = r.store.UpdateStatus(key, func(st *api.Status) {
			st.SetCondition(api.ConditionReconciling, api.ConditionFalse, ReasonNoChange, "")
		})
		return nil
	}

	if err := r.ctrl.UpdateResourceState(ctx, res, desired, current); err != nil {
		if errors.IsRetryable(err) {
			r.writeStatus(key, api.PhaseDegraded, api.ConditionReady, api.ConditionFalse, ReasonApplyDegraded, err.Error())
			r.scheduleRetry(key, e)
		} else {
			r.cancelRetry(key.ID())
			r.writeStatus(key, api.PhaseFailed, api.ConditionReady, api.ConditionFalse, ReasonApplyFailed, err.Error())
		}
		return err
	}

	r.settle(key, e)
	r.writeStatus(key, r.ctrl.SuccessPhase(), api.ConditionReady, api.ConditionTrue, ReasonReconciled, "")
	_ = r.store.UpdateStatus(key, func(st *api.Status) {
		st.SetCondition(api.ConditionReconciling, api.ConditionFalse, ReasonReconciled, "")
	})
	r.bus.Publish(kind+".reconciled", resCopyOrNil(r.store, key))
	return nil
}

// terminate runs cleanup exactly once and removes the store entry.
func (r *Runner) terminate(ctx context.Context, key api.Key, res *api.Resource, e *entry) error {
	r.mu.Lock()
	alreadyCleaned := e.cleanedUp
	e.cleanedUp = true
	r.mu.Unlock()

	r.cancelRetry(key.ID())
	if alreadyCleaned {
		return nil
	}

	r.writeStatus(key, api.PhaseTerminating, api.ConditionReconciling, api.ConditionFalse, ReasonTerminating, "")

	if err := r.ctrl.CleanupResource(ctx, res); err != nil {
		r.logger.Warn("cleanup failed",
			slog.String("resource", key.ID()),
			slog.String("error", err.Error()))
	}

	if err := r.store.Remove(key); err != nil {
		return err
	}
	r.forget(key.ID())
	return nil
}

// writeStatus applies a phase and condition through the single status-write
// path, publishing a phase.changed event on transition.
func (r *Runner) writeStatus(key api.Key, phase api.Phase, condType string, condStatus api.ConditionStatus, reason, message string) {
	var previous api.Phase
	changed := false
	err := r.store.UpdateStatus(key, func(st *api.Status) {
		previous = st.Phase
		if st.Phase != phase {
			st.Phase = phase
			changed = true
		}
		st.SetCondition(condType, condStatus, reason, message)
	})
	if err != nil {
		return
	}
	if changed {
		r.bus.Publish(r.ctrl.Kind()+".phase.changed", PhaseChange{
			Resource: key.ID(),
			Kind:     r.ctrl.Kind(),
			Previous: previous,
			Current:  phase,
		})
	}
}

// scheduleRetry arms a backoff timer for the resource. Attempts are capped;
// after exhaustion the resource fails.
func (r *Runner) scheduleRetry(key api.Key, e *entry) {
	r.mu.Lock()
	e.attempts++
	attempts := e.attempts
	if attempts >= r.maxAttempts {
		r.mu.Unlock()
		r.writeStatus(key, api.PhaseFailed, api.ConditionReady, api.ConditionFalse, ReasonApplyFailed,
			fmt.Sprintf("retries exhausted after %d attempts", attempts))
		return
	}
	if e.retryTimer != nil {
		e.retryTimer.Stop()
	}
	delay := r.backoff.Delay(attempts)
	e.retryTimer = time.AfterFunc(delay, func() {
		r.mu.Lock()
		e.retryTimer = nil
		r.mu.Unlock()
		r.Trigger(key)
	})
	r.mu.Unlock()

	r.logger.Debug("retry scheduled",
		slog.String("resource", key.ID()),
		slog.Int("attempts", attempts),
		slog.Duration("delay", delay))
}

// settle resets retry state after success.
func (r *Runner) settle(key api.Key, e *entry) {
	r.mu.Lock()
	e.attempts = 0
	if e.retryTimer != nil {
		e.retryTimer.Stop()
		e.retryTimer = nil
	}
	r.mu.Unlock()
}

func (r *Runner) cancelRetry(id string) {
	r.mu.Lock()
	if e, ok := r.entries[id]; ok && e.retryTimer != nil {
		e.retryTimer.Stop()
		e.retryTimer = nil
	}
	r.mu.Unlock()
}

func (r *Runner) forget(id string) {
	r.mu.Lock()
	if e, ok := r.entries[id]; ok {
		if e.retryTimer != nil {
			e.retryTimer.Stop()
		}
		delete(r.entries, id)
	}
	r.mu.Unlock()
}

func resCopyOrNil(st *store.ResourceStore, key api.Key) *api.Resource {
	res, err := st.Get(key)
	if err != nil {
		return nil
	}
	return res
}
