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

// Package config models the MastraPod aggregate document: global provider,
// memory, and logging configuration plus the resource manifest (inline,
// file, and directory entries with optional when-conditions).
package config

import (
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"

	"github.com/mastra-ai/runtime/pkg/api"
	"github.com/mastra-ai/runtime/pkg/errors"
	"github.com/mastra-ai/runtime/pkg/workflow/expression"
)

// ProviderConfig is one entry of the pod's providers block.
type ProviderConfig struct {
	APIKey string         `yaml:"apiKey,omitempty"`
	Model  string         `yaml:"model,omitempty"`
	Config map[string]any `yaml:"config,omitempty"`
}

// MemoryConfig selects the persistence driver.
type MemoryConfig struct {
	Type   string         `yaml:"type,omitempty"`
	URL    string         `yaml:"url,omitempty"`
	Config map[string]any `yaml:"config,omitempty"`
}

// LoggingConfig maps onto internal/log.Config.
type LoggingConfig struct {
	Level  string `yaml:"level,omitempty"`
	Format string `yaml:"format,omitempty"`
}

// ResourceEntry is one element of the pod's resources list: an inline
// resource, a file reference, or a directory reference.
type ResourceEntry struct {
	// Inline is set when the entry is a full resource document.
	Inline *api.Resource

	// File references a resource file, loaded when When is truthy.
	File string

	// Directory references a directory of resource files.
	Directory string

	// Pattern globs files inside Directory. Defaults to "*.yaml".
	Pattern string

	// When gates the entry. Empty means always load.
	When string
}

// UnmarshalYAML distinguishes the three entry forms.
func (e *ResourceEntry) UnmarshalYAML(node *yaml.Node) error {
	var probe struct {
		File      string `yaml:"file"`
		Directory string `yaml:"directory"`
		Pattern   string `yaml:"pattern"`
		When      string `yaml:"when"`
	}
	if err := node.Decode(&probe); err == nil && (probe.File != "" || probe.Directory != "") {
		e.File = probe.File
		e.Directory = probe.Directory
		e.Pattern = probe.Pattern
		e.When = probe.When
		return nil
	}

	var res api.Resource
	if err := node.Decode(&res); err != nil {
		return err
	}
	e.Inline = &res
	return nil
}

// Pod is the parsed MastraPod document.
type Pod struct {
	APIVersion string                    `yaml:"apiVersion"`
	Kind       string                    `yaml:"kind"`
	Metadata   api.Metadata              `yaml:"metadata"`
	Providers  map[string]ProviderConfig `yaml:"providers,omitempty"`
	Memory     MemoryConfig              `yaml:"memory,omitempty"`
	Logging    LoggingConfig             `yaml:"logging,omitempty"`
	Resources  []ResourceEntry           `yaml:"resources,omitempty"`
}

// envPattern matches ${env.NAME}. Bare ${NAME} references are left intact.
var envPattern = regexp.MustCompile(`\$\{env\.([A-Za-z_][A-Za-z0-9_]*)\}`)

// SubstituteEnv replaces every ${env.NAME} in the document text with the
// named environment variable's value (empty when unset).
func SubstituteEnv(doc []byte) []byte {
	return envPattern.ReplaceAllFunc(doc, func(match []byte) []byte {
		name := envPattern.FindSubmatch(match)[1]
		return []byte(os.Getenv(string(name)))
	})
}

// Parse decodes a MastraPod document after environment substitution.
func Parse(doc []byte) (*Pod, error) {
	var pod Pod
	if err := yaml.Unmarshal(SubstituteEnv(doc), &pod); err != nil {
		return nil, &errors.ConfigError{Reason: "invalid MastraPod document", Cause: err}
	}
	if pod.Kind != "" && pod.Kind != api.KindMastraPod {
		return nil, &errors.ConfigError{
			Key:    "kind",
			Reason: fmt.Sprintf("expected MastraPod, got %q", pod.Kind),
		}
	}
	if pod.Logging.Level != "" {
		switch pod.Logging.Level {
		case "debug", "info", "warn", "error":
		default:
			return nil, &errors.ConfigError{
				Key:    "logging.level",
				Reason: fmt.Sprintf("unknown level %q", pod.Logging.Level),
			}
		}
	}
	if pod.Logging.Format != "" && pod.Logging.Format != "json" && pod.Logging.Format != "text" {
		return nil, &errors.ConfigError{
			Key:    "logging.format",
			Reason: fmt.Sprintf("unknown format %q", pod.Logging.Format),
		}
	}
	return &pod, nil
}

// evaluator is shared across When evaluations (compiled-program cache).
var evaluator = expression.New()

// WhenTruthy evaluates an entry's when-condition. "false" and "0" are
// falsy; other bare words are truthy literals; anything more structured is
// evaluated as an expression against {env: environ}. An empty value is
// treated like an absent condition and loads the entry, including a value
// left empty by ${env.NAME} substitution.
func WhenTruthy(when string) (bool, error) {
	switch when {
	case "":
		return true, nil
	case "false", "0":
		return false, nil
	case "true", "1":
		return true, nil
	}

	// A bare word ("production") names nothing in the expression
	// environment, so it is taken as a non-empty literal.
	bare := true
	for i := 0; i < len(when); i++ {
		c := when[i]
		if !(c == '_' || c == '-' || c >= '0' && c <= '9' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z') {
			bare = false
			break
		}
	}
	if bare {
		return true, nil
	}

	env := make(map[string]any)
	for _, kv := range os.Environ() {
		for i := 0; i < len(kv); i++ {
			if kv[i] == '=' {
				env[kv[:i]] = kv[i+1:]
				break
			}
		}
	}

	truthy, err := evaluator.Truthy(when, map[string]any{"env": env})
	if err != nil {
		// Not an expression: a bare non-empty literal is truthy.
		return true, nil
	}
	return truthy, nil
}
