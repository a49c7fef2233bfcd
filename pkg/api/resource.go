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

// Package api defines the declarative resource model: the envelope shared by
// every kind (apiVersion, kind, metadata, spec, status), the per-kind spec
// types, and the phase/condition status machinery.
package api

import (
	"fmt"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mastra-ai/runtime/pkg/errors"
)

// Recognized apiVersion values for built-in kinds.
const (
	APIVersion      = "mastra.ai/v1"
	APIVersionShort = "mastra/v1"
)

// DefaultNamespace is applied when metadata omits a namespace.
const DefaultNamespace = "default"

// Built-in resource kinds.
const (
	KindAgent     = "Agent"
	KindTool      = "Tool"
	KindWorkflow  = "Workflow"
	KindNetwork   = "Network"
	KindLLM       = "LLM"
	KindCRD       = "CustomResourceDefinition"
	KindMastraPod = "MastraPod"
)

// dnsSubdomain matches RFC 1123 subdomain names (lowercase alphanumerics,
// '-' and '.', each label starting and ending with an alphanumeric).
var dnsSubdomain = regexp.MustCompile(`^[a-z0-9]([-a-z0-9]*[a-z0-9])?(\.[a-z0-9]([-a-z0-9]*[a-z0-9])?)*$`)

// dnsLabel matches a single RFC 1123 label. Namespaces are labels, not
// subdomains: the "{namespace}.{name}" id format reserves the first dot.
var dnsLabel = regexp.MustCompile(`^[a-z0-9]([-a-z0-9]*[a-z0-9])?$`)

// Metadata identifies a resource and carries its bookkeeping fields.
type Metadata struct {
	// Name is required and must be a DNS subdomain.
	Name string `yaml:"name" json:"name"`

	// Namespace defaults to "default".
	Namespace string `yaml:"namespace,omitempty" json:"namespace,omitempty"`

	// UID is assigned on admission and never changes afterwards.
	UID string `yaml:"uid,omitempty" json:"uid,omitempty"`

	// Labels are free-form identifying key/value pairs.
	Labels map[string]string `yaml:"labels,omitempty" json:"labels,omitempty"`

	// Annotations are free-form non-identifying key/value pairs.
	Annotations map[string]string `yaml:"annotations,omitempty" json:"annotations,omitempty"`

	// DeletionTimestamp is set when deletion is requested; the owning
	// controller runs cleanup and the store removes the entry afterwards.
	DeletionTimestamp *time.Time `yaml:"deletionTimestamp,omitempty" json:"deletionTimestamp,omitempty"`
}

// Resource is the envelope every declarative object shares. Spec holds the
// kind-specific typed spec (one of the *Spec types in this package) for
// built-in kinds, or a map[string]interface{} for CRD-defined kinds.
type Resource struct {
	APIVersion string    `yaml:"apiVersion" json:"apiVersion"`
	Kind       string    `yaml:"kind" json:"kind"`
	Metadata   Metadata  `yaml:"metadata" json:"metadata"`
	Spec       any       `yaml:"spec,omitempty" json:"spec,omitempty"`
	Status     *Status   `yaml:"status,omitempty" json:"status,omitempty"`
}

// ID returns the resource identity in "{namespace}.{name}" form.
func (r *Resource) ID() string {
	ns := r.Metadata.Namespace
	if ns == "" {
		ns = DefaultNamespace
	}
	return ns + "." + r.Metadata.Name
}

// Key returns the full store identity (kind, namespace, name).
func (r *Resource) Key() Key {
	ns := r.Metadata.Namespace
	if ns == "" {
		ns = DefaultNamespace
	}
	return Key{Kind: r.Kind, Namespace: ns, Name: r.Metadata.Name}
}

// Key uniquely identifies a resource in the store.
type Key struct {
	Kind      string
	Namespace string
	Name      string
}

// String formats the key as "kind/namespace.name".
func (k Key) String() string {
	return fmt.Sprintf("%s/%s.%s", k.Kind, k.Namespace, k.Name)
}

// ID returns the "{namespace}.{name}" resource id.
func (k Key) ID() string {
	return k.Namespace + "." + k.Name
}

// IsDNSSubdomain reports whether s is a valid DNS subdomain name.
func IsDNSSubdomain(s string) bool {
	return s != "" && len(s) <= 253 && dnsSubdomain.MatchString(s)
}

// ValidateMetadata checks the envelope's identity fields.
func ValidateMetadata(r *Resource) error {
	if r.Kind == "" {
		return &errors.ValidationError{Field: "kind", Message: "kind is required"}
	}
	if r.Metadata.Name == "" {
		return &errors.ValidationError{Field: "metadata.name", Message: "name is required"}
	}
	if !IsDNSSubdomain(r.Metadata.Name) {
		return &errors.ValidationError{
			Field:      "metadata.name",
			Message:    fmt.Sprintf("%q is not a DNS subdomain", r.Metadata.Name),
			Suggestion: "use lowercase alphanumerics, '-' and '.'",
		}
	}
	if r.Metadata.Namespace != "" && !dnsLabel.MatchString(r.Metadata.Namespace) {
		return &errors.ValidationError{
			Field:      "metadata.namespace",
			Message:    fmt.Sprintf("%q is not a DNS label", r.Metadata.Namespace),
			Suggestion: "namespaces cannot contain dots",
		}
	}
	return nil
}

// RecognizedAPIVersion reports whether the apiVersion belongs to the
// built-in group.
func RecognizedAPIVersion(v string) bool {
	return v == APIVersion || v == APIVersionShort
}

// resourceDoc mirrors Resource for decoding, deferring spec decoding until
// the kind is known.
type resourceDoc struct {
	APIVersion string    `yaml:"apiVersion"`
	Kind       string    `yaml:"kind"`
	Metadata   Metadata  `yaml:"metadata"`
	Spec       yaml.Node `yaml:"spec"`
	Status     *Status   `yaml:"status"`
}

// UnmarshalYAML decodes an envelope, dispatching spec decoding on kind.
// Unknown kinds decode their spec as a plain map so CRD validation can
// inspect it.
func (r *Resource) UnmarshalYAML(node *yaml.Node) error {
	var doc resourceDoc
	if err := node.Decode(&doc); err != nil {
		return err
	}

	r.APIVersion = doc.APIVersion
	r.Kind = doc.Kind
	r.Metadata = doc.Metadata
	r.Status = doc.Status

	if doc.Spec.Kind == 0 {
		return nil
	}

	spec, err := decodeSpec(doc.Kind, &doc.Spec)
	if err != nil {
		return err
	}
	r.Spec = spec
	return nil
}

func decodeSpec(kind string, node *yaml.Node) (any, error) {
	switch kind {
	case KindAgent:
		var s AgentSpec
		if err := node.Decode(&s); err != nil {
			return nil, fmt.Errorf("decoding Agent spec: %w", err)
		}
		return &s, nil
	case KindTool:
		var s ToolSpec
		if err := node.Decode(&s); err != nil {
			return nil, fmt.Errorf("decoding Tool spec: %w", err)
		}
		return &s, nil
	case KindWorkflow:
		var s WorkflowSpec
		if err := node.Decode(&s); err != nil {
			return nil, fmt.Errorf("decoding Workflow spec: %w", err)
		}
		return &s, nil
	case KindNetwork:
		var s NetworkSpec
		if err := node.Decode(&s); err != nil {
			return nil, fmt.Errorf("decoding Network spec: %w", err)
		}
		return &s, nil
	case KindLLM:
		var s LLMSpec
		if err := node.Decode(&s); err != nil {
			return nil, fmt.Errorf("decoding LLM spec: %w", err)
		}
		return &s, nil
	case KindCRD:
		var s CRDSpec
		if err := node.Decode(&s); err != nil {
			return nil, fmt.Errorf("decoding CustomResourceDefinition spec: %w", err)
		}
		return &s, nil
	default:
		var m map[string]interface{}
		if err := node.Decode(&m); err != nil {
			return nil, fmt.Errorf("decoding %s spec: %w", kind, err)
		}
		return m, nil
	}
}

// AgentSpecOf returns the typed spec when the resource is an Agent.
func AgentSpecOf(r *Resource) (*AgentSpec, bool) {
	s, ok := r.Spec.(*AgentSpec)
	return s, ok
}

// ToolSpecOf returns the typed spec when the resource is a Tool.
func ToolSpecOf(r *Resource) (*ToolSpec, bool) {
	s, ok := r.Spec.(*ToolSpec)
	return s, ok
}

// WorkflowSpecOf returns the typed spec when the resource is a Workflow.
func WorkflowSpecOf(r *Resource) (*WorkflowSpec, bool) {
	s, ok := r.Spec.(*WorkflowSpec)
	return s, ok
}

// NetworkSpecOf returns the typed spec when the resource is a Network.
func NetworkSpecOf(r *Resource) (*NetworkSpec, bool) {
	s, ok := r.Spec.(*NetworkSpec)
	return s, ok
}

// LLMSpecOf returns the typed spec when the resource is an LLM.
func LLMSpecOf(r *Resource) (*LLMSpec, bool) {
	s, ok := r.Spec.(*LLMSpec)
	return s, ok
}

// CRDSpecOf returns the typed spec when the resource is a
// CustomResourceDefinition.
func CRDSpecOf(r *Resource) (*CRDSpec, bool) {
	s, ok := r.Spec.(*CRDSpec)
	return s, ok
}
