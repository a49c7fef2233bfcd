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

package runtime

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mastra-ai/runtime/pkg/agent"
	"github.com/mastra-ai/runtime/pkg/api"
	"github.com/mastra-ai/runtime/pkg/scheduler"
	"github.com/mastra-ai/runtime/pkg/workflow"
)

// prefixProvider replies with a prefix so call chains are observable.
type prefixProvider struct{}

func (p *prefixProvider) Name() string { return "test" }

func (p *prefixProvider) Complete(ctx context.Context, req agent.CompletionRequest) (*agent.CompletionResponse, error) {
	last := req.Messages[len(req.Messages)-1]
	return &agent.CompletionResponse{Content: "reply: " + last.Content, FinishReason: "stop"}, nil
}

func (p *prefixProvider) Stream(ctx context.Context, req agent.CompletionRequest) (<-chan agent.StreamEvent, error) {
	resp, _ := p.Complete(ctx, req)
	ch := make(chan agent.StreamEvent, 1)
	ch <- agent.StreamEvent{Type: agent.StreamFinish, Response: resp}
	close(ch)
	return ch, nil
}

func newRuntime(t *testing.T) *Runtime {
	t.Helper()
	rt, err := New(Options{
		Scheduler:      scheduler.Config{TickInterval: 5 * time.Millisecond},
		DisableMetrics: false,
	})
	require.NoError(t, err)
	rt.Providers().RegisterProvider(&prefixProvider{})
	require.NoError(t, rt.Start(context.Background()))
	t.Cleanup(rt.Stop)
	return rt
}

func agentResource(name string) *api.Resource {
	return &api.Resource{
		APIVersion: api.APIVersion,
		Kind:       api.KindAgent,
		Metadata:   api.Metadata{Name: name},
		Spec: &api.AgentSpec{
			Instructions: "echo things",
			Model:        api.ModelRef{Provider: "test", Name: "test-model"},
		},
	}
}

func waitForPhase(t *testing.T, rt *Runtime, kind, id string, phase api.Phase) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		res, err := rt.GetResource(kind, id)
		if err == nil && res.Status != nil && res.Status.Phase == phase {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	res, _ := rt.GetResource(kind, id)
	t.Fatalf("%s %s never reached %s (currently %+v)", kind, id, phase, res)
}

func TestAddResourceAssignsDefaults(t *testing.T) {
	rt := newRuntime(t)

	admitted, err := rt.AddResource(agentResource("writer"))
	require.NoError(t, err)

	assert.Equal(t, "default", admitted.Metadata.Namespace)
	assert.NotEmpty(t, admitted.Metadata.UID)
	require.NotNil(t, admitted.Status)
}

func TestAgentReconcilesToRunning(t *testing.T) {
	rt := newRuntime(t)

	_, err := rt.AddResource(agentResource("writer"))
	require.NoError(t, err)

	waitForPhase(t, rt, api.KindAgent, "default.writer", api.PhaseRunning)

	handle, err := rt.GetAgent("default.writer")
	require.NoError(t, err)
	out, err := handle.Generate(context.Background(), "hi")
	require.NoError(t, err)
	assert.Equal(t, "reply: hi", out)
}

func TestUnknownKindRejectedWithoutCRD(t *testing.T) {
	rt := newRuntime(t)

	_, err := rt.AddResource(&api.Resource{
		APIVersion: "example.com/v1",
		Kind:       "Widget",
		Metadata:   api.Metadata{Name: "w"},
		Spec:       map[string]any{},
	})
	assert.Error(t, err)
}

func TestCRDAdmitsCustomResources(t *testing.T) {
	rt := newRuntime(t)

	crdRes := &api.Resource{
		APIVersion: api.APIVersion,
		Kind:       api.KindCRD,
		Metadata:   api.Metadata{Name: "datasources.example.com"},
		Spec: &api.CRDSpec{
			Group: "example.com",
			Names: api.CRDNames{Kind: "DataSource", Plural: "datasources"},
			Validation: api.CRDValidation{OpenAPIV3Schema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"spec": map[string]any{
						"type":     "object",
						"required": []any{"type"},
						"properties": map[string]any{
							"type": map[string]any{
								"type": "string",
								"enum": []any{"postgres", "mysql"},
							},
						},
					},
				},
			}},
		},
	}
	_, err := rt.AddResource(crdRes)
	require.NoError(t, err)
	waitForPhase(t, rt, api.KindCRD, "default.datasources.example.com", api.PhaseRunning)

	// Bad enum rejected.
	_, err = rt.AddResource(&api.Resource{
		APIVersion: "example.com/v1",
		Kind:       "DataSource",
		Metadata:   api.Metadata{Name: "bad"},
		Spec:       map[string]any{"type": "oracle"},
	})
	assert.Error(t, err)

	// Conformant admitted.
	_, err = rt.AddResource(&api.Resource{
		APIVersion: "example.com/v1",
		Kind:       "DataSource",
		Metadata:   api.Metadata{Name: "good"},
		Spec:       map[string]any{"type": "postgres"},
	})
	assert.NoError(t, err)
}

func TestWorkflowEndToEnd(t *testing.T) {
	rt := newRuntime(t)

	_, err := rt.AddResource(agentResource("echo"))
	require.NoError(t, err)
	waitForPhase(t, rt, api.KindAgent, "default.echo", api.PhaseRunning)

	wf := &api.Resource{
		APIVersion: api.APIVersion,
		Kind:       api.KindWorkflow,
		Metadata:   api.Metadata{Name: "pipeline"},
		Spec: &api.WorkflowSpec{
			InitialStep: "step1",
			Steps: []api.Step{
				{ID: "step1", Type: api.StepTypeAgent, Agent: "default.echo",
					Input: map[string]any{"message": "$message"}, Next: api.NextSteps{"step2"}},
				{ID: "step2", Type: api.StepTypeAgent, Agent: "default.echo",
					Input: map[string]any{"message": "$step1_output"}, Next: api.NextSteps{api.StepEnd}},
			},
		},
	}
	_, err = rt.AddResource(wf)
	require.NoError(t, err)
	waitForPhase(t, rt, api.KindWorkflow, "default.pipeline", api.PhaseRunning)

	result, err := rt.RunWorkflow(context.Background(), "default.pipeline", workflow.Options{
		Input: map[string]any{"message": "hi"},
	})
	require.NoError(t, err)
	require.Equal(t, workflow.StatusCompleted, result.Status)
	assert.Equal(t, "reply: reply: hi", result.Output)
	assert.Len(t, result.History, 2)
}

func TestNetworkEndToEnd(t *testing.T) {
	rt := newRuntime(t)

	_, err := rt.AddResource(agentResource("specialist"))
	require.NoError(t, err)
	waitForPhase(t, rt, api.KindAgent, "default.specialist", api.PhaseRunning)

	net := &api.Resource{
		APIVersion: api.APIVersion,
		Kind:       api.KindNetwork,
		Metadata:   api.Metadata{Name: "team"},
		Spec: &api.NetworkSpec{
			Instructions: "route",
			Agents: []api.NetworkAgentRef{
				{Name: "specialist", Ref: "default.specialist", Role: "generalist"},
			},
			Router: api.RouterConfig{Model: api.ModelRef{Provider: "test", Name: "m"}, MaxSteps: 3},
		},
	}
	_, err = rt.AddResource(net)
	require.NoError(t, err)
	waitForPhase(t, rt, api.KindNetwork, "default.team", api.PhaseRunning)

	executor, err := rt.GetNetwork("default.team")
	require.NoError(t, err)
	result, err := executor.Generate(context.Background(), "hello", nil)
	require.NoError(t, err)
	assert.Equal(t, "reply: hello", result.Output)
}

func TestDeleteResourceRunsCleanup(t *testing.T) {
	rt := newRuntime(t)

	_, err := rt.AddResource(agentResource("doomed"))
	require.NoError(t, err)
	waitForPhase(t, rt, api.KindAgent, "default.doomed", api.PhaseRunning)

	require.NoError(t, rt.DeleteResource(api.KindAgent, "default.doomed"))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := rt.GetResource(api.KindAgent, "default.doomed"); err != nil {
			if _, err := rt.GetAgent("default.doomed"); err != nil {
				return
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("resource or handle survived deletion")
}

func TestLoadPodFile(t *testing.T) {
	rt := newRuntime(t)

	dir := t.TempDir()
	podPath := filepath.Join(dir, "pod.yaml")
	podDoc := `
apiVersion: mastra.ai/v1
kind: MastraPod
metadata:
  name: demo
providers:
  test:
    model: test-model
resources:
  - apiVersion: mastra.ai/v1
    kind: Agent
    metadata:
      name: pod-agent
    spec:
      instructions: from pod
      model:
        provider: test
        name: test-model
`
	require.NoError(t, os.WriteFile(podPath, []byte(podDoc), 0o644))

	_, err := rt.LoadPodFile(context.Background(), podPath)
	require.NoError(t, err)
	waitForPhase(t, rt, api.KindAgent, "default.pod-agent", api.PhaseRunning)
}

func TestDependencyOrderingEventuallyConverges(t *testing.T) {
	rt := newRuntime(t)

	// Workflow admitted before its agent: dependency retry converges once
	// the agent arrives.
	wf := &api.Resource{
		APIVersion: api.APIVersion,
		Kind:       api.KindWorkflow,
		Metadata:   api.Metadata{Name: "early"},
		Spec: &api.WorkflowSpec{
			InitialStep: "s1",
			Steps: []api.Step{
				{ID: "s1", Type: api.StepTypeAgent, Agent: "default.late", Next: api.NextSteps{api.StepEnd}},
			},
		},
	}
	_, err := rt.AddResource(wf)
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)
	_, err = rt.AddResource(agentResource("late"))
	require.NoError(t, err)

	waitForPhase(t, rt, api.KindWorkflow, "default.early", api.PhaseRunning)
}

func TestValidatePodFile(t *testing.T) {
	dir := t.TempDir()
	podPath := filepath.Join(dir, "pod.yaml")
	require.NoError(t, os.WriteFile(podPath, []byte(`
kind: MastraPod
resources:
  - apiVersion: mastra.ai/v1
    kind: Workflow
    metadata:
      name: cyclic
    spec:
      initialStep: a
      steps:
        - id: a
          type: function
          function: f
          next: b
        - id: b
          type: function
          function: f
          next: a
`), 0o644))

	_, _, err := ValidatePodFile(podPath)
	assert.Error(t, err, "cyclic workflow must fail validation")
}
