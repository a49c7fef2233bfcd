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

package api

// ModelRef names the LLM backing an agent or router.
type ModelRef struct {
	// Provider is the provider name (e.g., "openai", "anthropic").
	Provider string `yaml:"provider,omitempty" json:"provider,omitempty"`

	// Name is the provider-specific model id.
	Name string `yaml:"name" json:"name"`
}

// MemoryConfig configures an agent's conversational memory.
type MemoryConfig struct {
	Enabled bool           `yaml:"enabled,omitempty" json:"enabled,omitempty"`
	Type    string         `yaml:"type,omitempty" json:"type,omitempty"`
	URL     string         `yaml:"url,omitempty" json:"url,omitempty"`
	Config  map[string]any `yaml:"config,omitempty" json:"config,omitempty"`
}

// AgentSpec describes an LLM-backed agent.
type AgentSpec struct {
	// Instructions is the agent's system prompt.
	Instructions string `yaml:"instructions" json:"instructions"`

	// Model names the backing LLM.
	Model ModelRef `yaml:"model" json:"model"`

	// Tools maps tool aliases to Tool resource references
	// ("namespace.name" or bare name in the agent's namespace).
	Tools map[string]string `yaml:"tools,omitempty" json:"tools,omitempty"`

	// Memory configures conversational memory.
	Memory *MemoryConfig `yaml:"memory,omitempty" json:"memory,omitempty"`
}

// ToolType enumerates the supported tool execution targets.
type ToolType string

const (
	ToolTypeFunction ToolType = "function"
	ToolTypeAPI      ToolType = "api"
	ToolTypeDatabase ToolType = "database"
	ToolTypeWebhook  ToolType = "webhook"
	ToolTypeHTTP     ToolType = "http"
)

// ValidToolType reports whether t is one of the closed set of tool types.
func ValidToolType(t ToolType) bool {
	switch t {
	case ToolTypeFunction, ToolTypeAPI, ToolTypeDatabase, ToolTypeWebhook, ToolTypeHTTP:
		return true
	}
	return false
}

// ExecuteTarget describes how a tool is invoked.
type ExecuteTarget struct {
	// Function names a registered Go function (type: function).
	Function string `yaml:"function,omitempty" json:"function,omitempty"`

	// URL is the endpoint for api/webhook/http tools.
	URL string `yaml:"url,omitempty" json:"url,omitempty"`

	// Method is the HTTP method for api/webhook/http tools.
	Method string `yaml:"method,omitempty" json:"method,omitempty"`

	// Headers are added to outgoing requests.
	Headers map[string]string `yaml:"headers,omitempty" json:"headers,omitempty"`

	// DSN is the connection string for database tools.
	DSN string `yaml:"dsn,omitempty" json:"dsn,omitempty"`

	// Query is the statement executed by database tools.
	Query string `yaml:"query,omitempty" json:"query,omitempty"`
}

// ToolSpec describes an executable tool.
type ToolSpec struct {
	// ID is the tool's stable identifier exposed to agents.
	ID string `yaml:"id" json:"id"`

	// Description tells the model what the tool does.
	Description string `yaml:"description,omitempty" json:"description,omitempty"`

	// Type selects the execution target kind.
	Type ToolType `yaml:"type" json:"type"`

	// Execute is the execution target.
	Execute ExecuteTarget `yaml:"execute" json:"execute"`

	// InputSchema optionally constrains tool input (JSON-Schema subset).
	InputSchema map[string]any `yaml:"inputSchema,omitempty" json:"inputSchema,omitempty"`
}

// WorkflowSpec describes a step graph.
type WorkflowSpec struct {
	// Name is an optional display name.
	Name string `yaml:"name,omitempty" json:"name,omitempty"`

	// Description provides human-readable context.
	Description string `yaml:"description,omitempty" json:"description,omitempty"`

	// InitialStep is the id of the first step to execute.
	InitialStep string `yaml:"initialStep" json:"initialStep"`

	// Steps are the nodes of the workflow graph, referenced by id.
	Steps []Step `yaml:"steps" json:"steps"`
}

// RoutingStrategyName enumerates the network routing strategies.
type RoutingStrategyName string

const (
	RoutingDefault      RoutingStrategyName = "DEFAULT"
	RoutingRoundRobin   RoutingStrategyName = "ROUND_ROBIN"
	RoutingHistoryBased RoutingStrategyName = "HISTORY_BASED"
	RoutingSemantic     RoutingStrategyName = "SEMANTIC_MATCHING"
	RoutingCustom       RoutingStrategyName = "CUSTOM"
)

// NetworkAgentRef names a worker agent in a network pool.
type NetworkAgentRef struct {
	// Name is the agent's name inside the network (tool suffix, trace id).
	Name string `yaml:"name" json:"name"`

	// Ref references the Agent resource ("namespace.name" or bare name).
	Ref string `yaml:"ref" json:"ref"`

	// Role describes the agent's responsibility; used by semantic routing.
	Role string `yaml:"role,omitempty" json:"role,omitempty"`

	// Specialties is free text describing what the agent is good at.
	Specialties string `yaml:"specialties,omitempty" json:"specialties,omitempty"`

	// Description is a fallback for Specialties.
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
}

// RouterConfig configures a network's router agent.
type RouterConfig struct {
	// Model names the router's LLM.
	Model ModelRef `yaml:"model" json:"model"`

	// MaxSteps bounds worker-agent invocations per execution.
	MaxSteps int `yaml:"maxSteps,omitempty" json:"maxSteps,omitempty"`

	// Strategy selects the routing strategy. Defaults to DEFAULT.
	Strategy RoutingStrategyName `yaml:"strategy,omitempty" json:"strategy,omitempty"`
}

// NetworkStatePolicy configures network shared state.
type NetworkStatePolicy struct {
	// Persistence selects the backing driver ("memory" by default).
	Persistence string `yaml:"persistence,omitempty" json:"persistence,omitempty"`

	// Initial seeds the state map at first use.
	Initial map[string]any `yaml:"initial,omitempty" json:"initial,omitempty"`
}

// NetworkSpec describes a multi-agent network.
type NetworkSpec struct {
	// Instructions is the router agent's system prompt preamble.
	Instructions string `yaml:"instructions" json:"instructions"`

	// Agents is the worker pool in declaration order.
	Agents []NetworkAgentRef `yaml:"agents" json:"agents"`

	// Router configures the routing agent.
	Router RouterConfig `yaml:"router" json:"router"`

	// State configures shared state.
	State *NetworkStatePolicy `yaml:"state,omitempty" json:"state,omitempty"`
}

// LLMSpec describes a provider binding.
type LLMSpec struct {
	Provider string         `yaml:"provider" json:"provider"`
	Model    string         `yaml:"model" json:"model"`
	APIKey   string         `yaml:"apiKey,omitempty" json:"apiKey,omitempty"`
	Options  map[string]any `yaml:"options,omitempty" json:"options,omitempty"`
}

// CRDNames holds the naming block of a CustomResourceDefinition.
type CRDNames struct {
	Kind   string `yaml:"kind" json:"kind"`
	Plural string `yaml:"plural" json:"plural"`
}

// CRDValidation wraps the OpenAPI v3 schema of a CRD.
type CRDValidation struct {
	OpenAPIV3Schema map[string]any `yaml:"openAPIV3Schema" json:"openAPIV3Schema"`
}

// CRDSpec describes a CustomResourceDefinition.
type CRDSpec struct {
	Group      string        `yaml:"group" json:"group"`
	Names      CRDNames      `yaml:"names" json:"names"`
	Scope      string        `yaml:"scope,omitempty" json:"scope,omitempty"`
	Validation CRDValidation `yaml:"validation" json:"validation"`
}
