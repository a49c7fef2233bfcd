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

// Package agent provides LLM-backed agent handles: the Provider seam that
// concrete SDK adapters implement, a provider registry, and the tool-call
// loop shared by plain agents and network routers.
package agent

import (
	"context"
	"fmt"
	"sync"

	"github.com/mastra-ai/runtime/pkg/errors"
)

// Message represents a message in a conversation.
type Message struct {
	// Role is the message sender (system, user, assistant, tool).
	Role string `json:"role"`

	// Content is the message text.
	Content string `json:"content"`

	// ToolCalls are tool invocations requested by the assistant.
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`

	// ToolCallID links a tool result to its corresponding call.
	ToolCallID string `json:"tool_call_id,omitempty"`
}

// ToolCall represents a request to execute a tool.
type ToolCall struct {
	// ID is a unique identifier for this tool call.
	ID string `json:"id"`

	// Name is the tool to execute.
	Name string `json:"name"`

	// Arguments are the tool inputs.
	Arguments map[string]any `json:"arguments"`
}

// ToolDef describes a tool offered to the model.
type ToolDef struct {
	// Name is the tool identifier.
	Name string `json:"name"`

	// Description tells the model what the tool does.
	Description string `json:"description"`

	// Schema constrains the tool's input (JSON-Schema subset).
	Schema map[string]any `json:"schema,omitempty"`
}

// CompletionRequest is a single model call.
type CompletionRequest struct {
	// Model is the provider-specific model id.
	Model string

	// System is the system prompt.
	System string

	// Messages is the conversation so far.
	Messages []Message

	// Tools are offered for function calling.
	Tools []ToolDef

	// Options carries provider-specific knobs (temperature, etc.).
	Options map[string]any
}

// TokenUsage tracks token consumption for a request.
type TokenUsage struct {
	InputTokens  int
	OutputTokens int
	TotalTokens  int
}

// CompletionResponse is the model's reply.
type CompletionResponse struct {
	// Content is the text response.
	Content string

	// ToolCalls are tools the model wants to execute.
	ToolCalls []ToolCall

	// FinishReason indicates why the response ended ("stop", "tool_calls").
	FinishReason string

	// Usage tracks token consumption.
	Usage TokenUsage
}

// Stream event types.
const (
	StreamText     = "text_delta"
	StreamToolCall = "tool_call"
	StreamFinish   = "finish"
)

// StreamEvent is a single streaming chunk.
type StreamEvent struct {
	// Type is one of StreamText, StreamToolCall, StreamFinish.
	Type string

	// Text is the delta for StreamText events.
	Text string

	// ToolCall is set for StreamToolCall events.
	ToolCall *ToolCall

	// Response is the final aggregate for StreamFinish events.
	Response *CompletionResponse
}

// Provider is the seam concrete LLM SDK adapters implement. The runtime
// never imports provider SDKs; adapters are registered at startup.
type Provider interface {
	// Name returns the provider identifier ("openai", "anthropic", ...).
	Name() string

	// Complete makes a synchronous model call.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)

	// Stream makes a streaming model call. The channel closes after the
	// StreamFinish event.
	Stream(ctx context.Context, req CompletionRequest) (<-chan StreamEvent, error)
}

// ProviderConfig parameterizes provider construction, mirroring the
// MastraPod providers block and LLM resource specs.
type ProviderConfig struct {
	Name    string
	APIKey  string
	Model   string
	Options map[string]any
}

// ProviderFactory builds a provider from config.
type ProviderFactory func(cfg ProviderConfig) (Provider, error)

// Registry maps provider names to factories and caches built providers.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]ProviderFactory
	providers map[string]Provider
	configs   map[string]ProviderConfig
}

// NewRegistry creates an empty provider registry.
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]ProviderFactory),
		providers: make(map[string]Provider),
		configs:   make(map[string]ProviderConfig),
	}
}

// RegisterFactory installs a factory for a provider name.
func (r *Registry) RegisterFactory(name string, factory ProviderFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = factory
}

// RegisterProvider installs an already-built provider (used by embedders
// and tests).
func (r *Registry) RegisterProvider(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Name()] = p
}

// Configure stores provider config applied at next Get. Re-configuring
// drops the cached instance so the new config takes effect.
func (r *Registry) Configure(name string, cfg ProviderConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cfg.Name = name
	r.configs[name] = cfg
	if _, hasFactory := r.factories[name]; hasFactory {
		delete(r.providers, name)
	}
}

// Get returns the provider with the given name, building it on first use.
func (r *Registry) Get(name string) (Provider, error) {
	r.mu.RLock()
	if p, ok := r.providers[name]; ok {
		r.mu.RUnlock()
		return p, nil
	}
	factory, hasFactory := r.factories[name]
	cfg := r.configs[name]
	r.mu.RUnlock()

	if !hasFactory {
		return nil, &errors.NotFoundError{Resource: "provider", ID: name}
	}

	p, err := factory(cfg)
	if err != nil {
		return nil, &errors.ConfigError{
			Key:    fmt.Sprintf("providers.%s", name),
			Reason: "provider construction failed",
			Cause:  err,
		}
	}

	r.mu.Lock()
	r.providers[name] = p
	r.mu.Unlock()
	return p, nil
}

// Names lists registered provider names (factories and instances).
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]struct{})
	for name := range r.factories {
		seen[name] = struct{}{}
	}
	for name := range r.providers {
		seen[name] = struct{}{}
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	return names
}
