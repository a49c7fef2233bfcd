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

// Package store provides the in-memory resource index keyed by
// (kind, namespace, name), with change notifications on the event bus and
// an optional write-through persistence driver.
package store

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/mastra-ai/runtime/pkg/api"
	"github.com/mastra-ai/runtime/pkg/errors"
	"github.com/mastra-ai/runtime/pkg/events"
)

// Topics published by the store. Kind-scoped topics ("Agent.created") are
// derived from the resource kind.
const (
	TopicResourceAdded   = "resource:added"
	TopicResourceUpdated = "resource:updated"
	TopicResourceDeleted = "resource:deleted"
)

// ResourceStore owns resource objects. Reads hand out deep copies; status
// mutation goes through UpdateStatus, the single status-write path.
type ResourceStore struct {
	mu     sync.RWMutex
	items  map[api.Key]*api.Resource
	bus    *events.Bus
	driver Driver
	logger *slog.Logger
}

// New creates a store publishing change notifications on bus.
func New(bus *events.Bus, logger *slog.Logger) *ResourceStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &ResourceStore{
		items:  make(map[api.Key]*api.Resource),
		bus:    bus,
		logger: logger.With(slog.String("component", "store")),
	}
}

// SetDriver installs a persistence driver and loads its current contents.
// Must be called before the store is in use.
func (s *ResourceStore) SetDriver(driver Driver) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.driver = driver
	if driver == nil {
		return nil
	}

	resources, err := driver.ListResources()
	if err != nil {
		return errors.Wrap(err, "loading persisted resources")
	}
	for _, r := range resources {
		s.items[r.Key()] = r
	}
	return nil
}

// Apply inserts or replaces a resource and publishes the change. The stored
// object is a private copy; the caller's object is not retained.
func (s *ResourceStore) Apply(r *api.Resource) error {
	stored, err := r.DeepCopy()
	if err != nil {
		return err
	}
	key := stored.Key()

	s.mu.Lock()
	_, existed := s.items[key]
	s.items[key] = stored
	if s.driver != nil {
		if derr := s.driver.SetResource(stored); derr != nil {
			s.logger.Warn("persist failed", slog.String("resource", key.String()), slog.String("error", derr.Error()))
		}
	}
	snapshot, copyErr := stored.DeepCopy()
	s.mu.Unlock()

	if copyErr != nil {
		return copyErr
	}
	if existed {
		s.publish(TopicResourceUpdated, snapshot)
		s.publishKind(snapshot, "updated")
	} else {
		s.publish(TopicResourceAdded, snapshot)
		s.publishKind(snapshot, "created")
	}
	return nil
}

// Get returns a deep copy of the resource, or NotFoundError. The copy is
// taken under the read lock so concurrent status writes never tear it.
func (s *ResourceStore) Get(key api.Key) (*api.Resource, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.items[key]
	if !ok {
		return nil, &errors.NotFoundError{Resource: key.Kind, ID: key.ID()}
	}
	return r.DeepCopy()
}

// GetByID looks up a resource by kind and "{namespace}.{name}" id. A bare
// name resolves in the default namespace.
func (s *ResourceStore) GetByID(kind, id string) (*api.Resource, error) {
	ns, name := SplitID(id)
	return s.Get(api.Key{Kind: kind, Namespace: ns, Name: name})
}

// List returns deep copies of all resources of a kind, ordered by id.
func (s *ResourceStore) List(kind string) ([]*api.Resource, error) {
	s.mu.RLock()
	out := make([]*api.Resource, 0)
	for key, r := range s.items {
		if key.Kind != kind {
			continue
		}
		cp, err := r.DeepCopy()
		if err != nil {
			s.mu.RUnlock()
			return nil, err
		}
		out = append(out, cp)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out, nil
}

// Kinds returns the distinct kinds currently stored.
func (s *ResourceStore) Kinds() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]struct{})
	for key := range s.items {
		seen[key.Kind] = struct{}{}
	}
	kinds := make([]string, 0, len(seen))
	for k := range seen {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// UpdateStatus mutates a resource's status sub-tree under the store lock.
// This is the only write path into status; mutate receives the live status
// block and must not retain it.
func (s *ResourceStore) UpdateStatus(key api.Key, mutate func(*api.Status)) error {
	s.mu.Lock()
	r, ok := s.items[key]
	if !ok {
		s.mu.Unlock()
		return &errors.NotFoundError{Resource: key.Kind, ID: key.ID()}
	}
	if r.Status == nil {
		r.Status = &api.Status{}
	}
	mutate(r.Status)
	if s.driver != nil {
		if derr := s.driver.SetResource(r); derr != nil {
			s.logger.Warn("persist failed", slog.String("resource", key.String()), slog.String("error", derr.Error()))
		}
	}
	s.mu.Unlock()
	return nil
}

// MarkDeleting stamps the deletion timestamp and publishes an update so the
// owning controller can run cleanup. Idempotent.
func (s *ResourceStore) MarkDeleting(key api.Key) error {
	s.mu.Lock()
	r, ok := s.items[key]
	if !ok {
		s.mu.Unlock()
		return &errors.NotFoundError{Resource: key.Kind, ID: key.ID()}
	}
	if r.Metadata.DeletionTimestamp == nil {
		now := time.Now()
		r.Metadata.DeletionTimestamp = &now
	}
	if s.driver != nil {
		if derr := s.driver.SetResource(r); derr != nil {
			s.logger.Warn("persist failed", slog.String("resource", key.String()), slog.String("error", derr.Error()))
		}
	}
	snapshot, copyErr := r.DeepCopy()
	s.mu.Unlock()

	if copyErr != nil {
		return copyErr
	}
	s.publish(TopicResourceUpdated, snapshot)
	s.publishKind(snapshot, "updated")
	return nil
}

// Remove drops the resource from the index after cleanup has run.
func (s *ResourceStore) Remove(key api.Key) error {
	s.mu.Lock()
	r, ok := s.items[key]
	if ok {
		delete(s.items, key)
		if s.driver != nil {
			if derr := s.driver.DeleteResource(key); derr != nil {
				s.logger.Warn("unpersist failed", slog.String("resource", key.String()), slog.String("error", derr.Error()))
			}
		}
	}
	s.mu.Unlock()

	if !ok {
		return &errors.NotFoundError{Resource: key.Kind, ID: key.ID()}
	}
	s.publish(TopicResourceDeleted, r)
	s.publishKind(r, "deleted")
	return nil
}

// Len returns the number of stored resources.
func (s *ResourceStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

func (s *ResourceStore) publish(topic string, r *api.Resource) {
	if s.bus == nil {
		return
	}
	cp, err := r.DeepCopy()
	if err != nil {
		s.logger.Warn("event copy failed", slog.String("resource", r.Key().String()), slog.String("error", err.Error()))
		return
	}
	s.bus.Publish(topic, cp)
}

func (s *ResourceStore) publishKind(r *api.Resource, verb string) {
	if s.bus == nil {
		return
	}
	cp, err := r.DeepCopy()
	if err != nil {
		return
	}
	s.bus.Publish(fmt.Sprintf("%s.%s", r.Kind, verb), cp)
}

// SplitID splits "{namespace}.{name}" into its parts. A bare name maps to
// the default namespace. Namespaces cannot contain dots, so the first dot
// separates the parts; the remainder is the (possibly dotted) name.
func SplitID(id string) (namespace, name string) {
	for i := 0; i < len(id); i++ {
		if id[i] == '.' {
			return id[:i], id[i+1:]
		}
	}
	return api.DefaultNamespace, id
}
