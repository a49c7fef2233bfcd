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

// Package runtime assembles and owns the control plane: event bus,
// resource store, scheduler, controllers, CRD engine, executors, and the
// admission path for declarative resources.
package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/mastra-ai/runtime/internal/config"
	"github.com/mastra-ai/runtime/internal/log"
	"github.com/mastra-ai/runtime/internal/metrics"
	"github.com/mastra-ai/runtime/internal/pod"
	"github.com/mastra-ai/runtime/pkg/agent"
	"github.com/mastra-ai/runtime/pkg/api"
	"github.com/mastra-ai/runtime/pkg/controller"
	"github.com/mastra-ai/runtime/pkg/crd"
	"github.com/mastra-ai/runtime/pkg/errors"
	"github.com/mastra-ai/runtime/pkg/events"
	"github.com/mastra-ai/runtime/pkg/network"
	"github.com/mastra-ai/runtime/pkg/reconcile"
	"github.com/mastra-ai/runtime/pkg/scheduler"
	"github.com/mastra-ai/runtime/pkg/state"
	"github.com/mastra-ai/runtime/pkg/store"
	"github.com/mastra-ai/runtime/pkg/tool"
	"github.com/mastra-ai/runtime/pkg/workflow"
)

// Topics published by the runtime manager.
const (
	TopicProviderConfigUpdated = "config.provider.updated"
)

// Options configure the runtime.
type Options struct {
	// Logger is the root logger; components derive tagged children.
	Logger *slog.Logger

	// Scheduler overrides the task scheduler config.
	Scheduler scheduler.Config

	// Memory selects the persistence driver (default in-memory).
	Memory store.Config

	// DisableMetrics turns off prometheus collection, which is on by
	// default.
	DisableMetrics bool
}

// Runtime is the bootstrapped control plane.
type Runtime struct {
	logger    *slog.Logger
	bus       *events.Bus
	store     *store.ResourceStore
	states    *state.Store
	sched     *scheduler.Scheduler
	crds      *crd.Engine
	providers *agent.Registry
	toolFns   *tool.FunctionRegistry
	wfFns     *workflow.Functions
	handles   *controller.Handles
	deps      *controller.Deps
	runners   map[string]*reconcile.Runner
	wfExec    *workflow.Executor
	collector *metrics.Collector
	driver    store.Driver

	mu      sync.Mutex
	started bool
}

// New assembles a runtime.
func New(opts Options) (*Runtime, error) {
	logger := opts.Logger
	if logger == nil {
		logger = log.New(log.DefaultConfig())
	}

	bus := events.NewBus(logger)

	// Mirror log records onto the logger.log topic. The bus logs through
	// the unwrapped logger, so forwarding cannot recurse.
	logger = slog.New(log.NewBusHandler(logger.Handler(), bus.Publish))

	resourceStore := store.New(bus, logger)

	driver, err := store.OpenDriver(opts.Memory)
	if err != nil {
		return nil, err
	}
	if err := resourceStore.SetDriver(driver); err != nil {
		return nil, err
	}

	states := state.NewStore(driver)
	states.Subscribe(func(ev state.ChangeEvent) {
		bus.Publish(api.KindNetwork+".state.updated", ev)
	})

	sched := scheduler.New(opts.Scheduler, bus, logger)
	providers := agent.NewRegistry()
	toolFns := tool.NewFunctionRegistry()
	wfFns := workflow.NewFunctions()
	handles := controller.NewHandles()
	crds := crd.NewEngine()

	deps := &controller.Deps{
		Store:         resourceStore,
		Handles:       handles,
		Providers:     providers,
		ToolFunctions: toolFns,
		States:        states,
		CRDs:          crds,
		Bus:           bus,
		Logger:        logger,
	}

	rt := &Runtime{
		logger:    log.WithComponent(logger, "runtime"),
		bus:       bus,
		store:     resourceStore,
		states:    states,
		sched:     sched,
		crds:      crds,
		providers: providers,
		toolFns:   toolFns,
		wfFns:     wfFns,
		handles:   handles,
		deps:      deps,
		runners:   make(map[string]*reconcile.Runner),
		driver:    driver,
	}

	controllers := []reconcile.Controller{
		controller.NewCRDController(deps),
		controller.NewLLMController(deps),
		controller.NewToolController(deps),
		controller.NewAgentController(deps),
		controller.NewWorkflowController(deps),
		controller.NewNetworkController(deps),
	}
	for _, ctrl := range controllers {
		rt.runners[ctrl.Kind()] = reconcile.NewRunner(ctrl, resourceStore, bus, logger)
	}

	agentResolver := func(id string) (workflow.Agent, error) {
		ns, name := store.SplitID(id)
		return handles.Agent(ns + "." + name)
	}
	rt.wfExec = workflow.NewExecutor(sched, bus, agentResolver, wfFns, logger)
	rt.wfExec.SetStatusWriter(func(workflowID string, mutate func(*api.Status)) {
		ns, name := store.SplitID(workflowID)
		_ = resourceStore.UpdateStatus(api.Key{Kind: api.KindWorkflow, Namespace: ns, Name: name}, mutate)
	})

	if !opts.DisableMetrics {
		rt.collector = metrics.NewCollector()
		rt.collector.Attach(bus)
	}

	return rt, nil
}

// Start launches the scheduler and controller watchers.
func (r *Runtime) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return nil
	}
	r.started = true
	r.mu.Unlock()

	r.sched.Start()
	for _, runner := range r.runners {
		runner.Start()
	}
	r.logger.Info("runtime started")

	// Resources loaded from a persistence driver never saw an admission
	// event this process; reconcile them now.
	for _, kind := range r.store.Kinds() {
		if runner, ok := r.runners[kind]; ok {
			resources, err := r.store.List(kind)
			if err != nil {
				continue
			}
			for _, res := range resources {
				runner.Trigger(res.Key())
			}
		}
	}
	return nil
}

// Stop halts dispatch and watchers. In-flight work completes.
func (r *Runtime) Stop() {
	r.mu.Lock()
	if !r.started {
		r.mu.Unlock()
		return
	}
	r.started = false
	r.mu.Unlock()

	for _, runner := range r.runners {
		runner.Stop()
	}
	r.sched.Stop()
	if r.collector != nil {
		r.collector.Detach()
	}
	if r.driver != nil {
		_ = r.driver.Close()
	}
	r.logger.Info("runtime stopped")
}

// AddResource admits a resource: defaults are applied on a copy, the
// envelope and kind are checked, custom kinds validate against their CRD,
// and the store publishes the change that wakes the owning controller.
func (r *Runtime) AddResource(res *api.Resource) (*api.Resource, error) {
	if err := api.ValidateMetadata(res); err != nil {
		return nil, err
	}

	admitted, err := api.ApplyDefaults(res)
	if err != nil {
		return nil, err
	}

	if builtinKind(admitted.Kind) {
		if !api.RecognizedAPIVersion(admitted.APIVersion) {
			return nil, &errors.ValidationError{
				Field:   "apiVersion",
				Message: fmt.Sprintf("unrecognized apiVersion %q for kind %s", admitted.APIVersion, admitted.Kind),
			}
		}
	} else {
		ok, message, err := r.crds.ValidateCustomResource(admitted)
		if err != nil {
			return nil, &errors.ValidationError{
				Field:   "kind",
				Message: fmt.Sprintf("unknown kind %q and no matching CRD", admitted.Kind),
			}
		}
		if !ok {
			return nil, &errors.ValidationError{Field: "spec", Message: message}
		}
	}

	if err := r.store.Apply(admitted); err != nil {
		return nil, err
	}
	return admitted, nil
}

// DeleteResource requests deletion: the deletion timestamp is stamped and
// the owning controller runs cleanup before the store entry is removed.
// Kinds without a controller are removed directly.
func (r *Runtime) DeleteResource(kind, id string) error {
	ns, name := store.SplitID(id)
	key := api.Key{Kind: kind, Namespace: ns, Name: name}

	if err := r.store.MarkDeleting(key); err != nil {
		return err
	}
	if _, owned := r.runners[kind]; !owned {
		return r.store.Remove(key)
	}
	return nil
}

// GetResource fetches a copy of a stored resource.
func (r *Runtime) GetResource(kind, id string) (*api.Resource, error) {
	return r.store.GetByID(kind, id)
}

// GetAgent returns a reconciled agent handle.
func (r *Runtime) GetAgent(id string) (*agent.Agent, error) {
	ns, name := store.SplitID(id)
	return r.handles.Agent(ns + "." + name)
}

// GetWorkflow returns a reconciled workflow spec snapshot.
func (r *Runtime) GetWorkflow(id string) (*api.WorkflowSpec, error) {
	ns, name := store.SplitID(id)
	return r.handles.Workflow(ns + "." + name)
}

// GetNetwork returns a reconciled network executor.
func (r *Runtime) GetNetwork(id string) (*network.Executor, error) {
	ns, name := store.SplitID(id)
	return r.handles.Network(ns + "." + name)
}

// RunWorkflow executes a reconciled workflow by id.
func (r *Runtime) RunWorkflow(ctx context.Context, id string, opts workflow.Options) (*workflow.Result, error) {
	ns, name := store.SplitID(id)
	spec, err := r.handles.Workflow(ns + "." + name)
	if err != nil {
		return nil, err
	}
	return r.wfExec.Execute(ctx, ns+"."+name, spec, opts)
}

// SetProviderConfig updates a provider's credentials and rebroadcasts.
func (r *Runtime) SetProviderConfig(name string, cfg agent.ProviderConfig) {
	r.providers.Configure(name, cfg)
	r.bus.Publish(TopicProviderConfigUpdated, name)
}

// UpdateSchedulerConfig replaces the scheduler's limits.
func (r *Runtime) UpdateSchedulerConfig(cfg scheduler.Config) {
	r.sched.UpdateConfig(cfg)
}

// Collaborator accessors for embedders.

// Bus returns the event bus.
func (r *Runtime) Bus() *events.Bus { return r.bus }

// Scheduler returns the task scheduler.
func (r *Runtime) Scheduler() *scheduler.Scheduler { return r.sched }

// Providers returns the provider registry.
func (r *Runtime) Providers() *agent.Registry { return r.providers }

// ToolFunctions returns the tool function registry.
func (r *Runtime) ToolFunctions() *tool.FunctionRegistry { return r.toolFns }

// WorkflowFunctions returns the workflow function table.
func (r *Runtime) WorkflowFunctions() *workflow.Functions { return r.wfFns }

// CRDs returns the CRD engine.
func (r *Runtime) CRDs() *crd.Engine { return r.crds }

// Metrics returns the prometheus collector (nil when disabled).
func (r *Runtime) Metrics() *metrics.Collector { return r.collector }

// RegisterCustomRouting binds a CUSTOM routing handler to a network id.
func (r *Runtime) RegisterCustomRouting(networkID string, handler network.CustomHandler) {
	r.deps.RegisterCustomRouting(networkID, handler)
}

// ApplyPod applies a parsed MastraPod: provider configuration, then its
// resources in dependency-friendly kind order.
func (r *Runtime) ApplyPod(ctx context.Context, p *config.Pod, resources []*api.Resource) error {
	for name, pc := range p.Providers {
		r.SetProviderConfig(name, agent.ProviderConfig{
			APIKey:  pc.APIKey,
			Model:   pc.Model,
			Options: pc.Config,
		})
	}

	ordered := make([]*api.Resource, len(resources))
	copy(ordered, resources)
	sortByKind(ordered)

	for _, res := range ordered {
		if _, err := r.AddResource(res); err != nil {
			return errors.Wrapf(err, "admitting %s/%s", res.Kind, res.Metadata.Name)
		}
	}
	return nil
}

// LoadPodFile loads, parses, and applies a MastraPod file.
func (r *Runtime) LoadPodFile(ctx context.Context, path string) (*config.Pod, error) {
	loader := pod.NewLoader("", r.logger)
	p, resources, err := loader.LoadFile(path)
	if err != nil {
		return nil, err
	}
	if err := r.ApplyPod(ctx, p, resources); err != nil {
		return nil, err
	}
	return p, nil
}

// kindOrder admits definition-like kinds before the resources that
// reference them; admission order only shortens the retry window, it is
// not required for convergence.
var kindOrder = map[string]int{
	api.KindCRD:      0,
	api.KindLLM:      1,
	api.KindTool:     2,
	api.KindAgent:    3,
	api.KindWorkflow: 4,
	api.KindNetwork:  5,
}

func sortByKind(resources []*api.Resource) {
	order := func(kind string) int {
		if o, ok := kindOrder[kind]; ok {
			return o
		}
		return 10
	}
	// Stable insertion sort keeps document order within a kind.
	for i := 1; i < len(resources); i++ {
		for j := i; j > 0 && order(resources[j].Kind) < order(resources[j-1].Kind); j-- {
			resources[j], resources[j-1] = resources[j-1], resources[j]
		}
	}
}

func builtinKind(kind string) bool {
	switch kind {
	case api.KindAgent, api.KindTool, api.KindWorkflow, api.KindNetwork, api.KindLLM, api.KindCRD:
		return true
	}
	return false
}

// ValidatePodFile parses a pod file and checks every resource without
// admitting anything. Used by the CLI validate command.
func ValidatePodFile(path string) (*config.Pod, []*api.Resource, error) {
	loader := pod.NewLoader("", nil)
	p, resources, err := loader.LoadFile(path)
	if err != nil {
		return nil, nil, err
	}
	for _, res := range resources {
		if err := api.ValidateMetadata(res); err != nil {
			return nil, nil, errors.Wrapf(err, "resource %s/%s", res.Kind, res.Metadata.Name)
		}
		if builtinKind(res.Kind) && !api.RecognizedAPIVersion(res.APIVersion) {
			return nil, nil, &errors.ValidationError{
				Field:   "apiVersion",
				Message: fmt.Sprintf("unrecognized apiVersion %q for kind %s", res.APIVersion, res.Kind),
			}
		}
		if res.Kind == api.KindWorkflow {
			if spec, ok := api.WorkflowSpecOf(res); ok {
				if err := workflow.Validate(res.ID(), spec); err != nil {
					return nil, nil, err
				}
			}
		}
	}
	return p, resources, nil
}
