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

// Package crd registers user-defined resource kinds and validates their
// instances against OpenAPI-v3-derived rules.
package crd

import (
	"fmt"
	"strings"
	"sync"

	"github.com/mastra-ai/runtime/pkg/api"
	"github.com/mastra-ai/runtime/pkg/errors"
)

// Registration is a compiled CRD keyed by "{group}/{kind}".
type Registration struct {
	Group     string
	Kind      string
	Plural    string
	Scope     string
	validator *Validator
}

// Engine holds CRD registrations and validates custom resources.
type Engine struct {
	mu            sync.RWMutex
	registrations map[string]*Registration
}

// NewEngine creates an empty CRD engine.
func NewEngine() *Engine {
	return &Engine{registrations: make(map[string]*Registration)}
}

// Register admits a CustomResourceDefinition. A failed registration leaves
// any previous registration for the same key in place.
func (e *Engine) Register(spec *api.CRDSpec) error {
	if spec == nil {
		return &errors.ValidationError{Field: "spec", Message: "CRD spec is required"}
	}
	if !api.IsDNSSubdomain(spec.Group) {
		return &errors.ValidationError{
			Field:   "spec.group",
			Message: fmt.Sprintf("%q is not a DNS subdomain", spec.Group),
		}
	}
	if spec.Names.Kind == "" {
		return &errors.ValidationError{Field: "spec.names.kind", Message: "kind is required"}
	}
	if !api.IsDNSSubdomain(spec.Names.Plural) {
		return &errors.ValidationError{
			Field:   "spec.names.plural",
			Message: fmt.Sprintf("%q is not a DNS subdomain", spec.Names.Plural),
		}
	}

	validator, err := NewValidator(spec.Validation.OpenAPIV3Schema)
	if err != nil {
		return err
	}

	reg := &Registration{
		Group:     spec.Group,
		Kind:      spec.Names.Kind,
		Plural:    spec.Names.Plural,
		Scope:     spec.Scope,
		validator: validator,
	}

	e.mu.Lock()
	e.registrations[registrationKey(spec.Group, spec.Names.Kind)] = reg
	e.mu.Unlock()
	return nil
}

// Unregister drops a registration.
func (e *Engine) Unregister(group, kind string) {
	e.mu.Lock()
	delete(e.registrations, registrationKey(group, kind))
	e.mu.Unlock()
}

// Lookup returns the registration for (group, kind).
func (e *Engine) Lookup(group, kind string) (*Registration, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	reg, ok := e.registrations[registrationKey(group, kind)]
	return reg, ok
}

// HasKind reports whether any registration defines the kind, regardless of
// group. Used to admit resources whose apiVersion carries the group.
func (e *Engine) HasKind(kind string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, reg := range e.registrations {
		if reg.Kind == kind {
			return true
		}
	}
	return false
}

// ValidateCustomResource validates a resource instance against its
// registration, derived from the resource's apiVersion group and kind.
// ok is false with a structured message when validation fails; an error is
// returned when no registration matches.
func (e *Engine) ValidateCustomResource(r *api.Resource) (ok bool, message string, err error) {
	group := groupOf(r.APIVersion)

	reg, found := e.Lookup(group, r.Kind)
	if !found {
		return false, "", &errors.NotFoundError{
			Resource: "CustomResourceDefinition",
			ID:       registrationKey(group, r.Kind),
		}
	}

	spec, isMap := r.Spec.(map[string]any)
	if !isMap {
		if r.Spec == nil {
			spec = map[string]any{}
		} else {
			return false, fmt.Sprintf("spec of %s is not an object", r.Kind), nil
		}
	}

	if verr := reg.validator.Validate(map[string]any{"spec": spec}); verr != nil {
		return false, verr.Error(), nil
	}
	return true, "", nil
}

func registrationKey(group, kind string) string {
	return group + "/" + kind
}

// groupOf extracts the group from an apiVersion ("example.com/v1").
func groupOf(apiVersion string) string {
	if i := strings.Index(apiVersion, "/"); i >= 0 {
		return apiVersion[:i]
	}
	return apiVersion
}
