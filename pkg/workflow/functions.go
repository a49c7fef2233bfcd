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

package workflow

import (
	"context"
	"sync"

	"github.com/mastra-ai/runtime/pkg/errors"
)

// Function is a Go function bound to workflow function steps. It receives
// the step's resolved input and a snapshot of the execution variables.
type Function func(ctx context.Context, input map[string]any, vars map[string]any) (any, error)

// Functions maps names to bound functions. Function steps and condition
// steps without an expression resolve through it.
type Functions struct {
	mu    sync.RWMutex
	funcs map[string]Function
}

// NewFunctions creates an empty function table.
func NewFunctions() *Functions {
	return &Functions{funcs: make(map[string]Function)}
}

// Register binds a name, replacing any previous binding.
func (f *Functions) Register(name string, fn Function) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.funcs[name] = fn
}

// Get returns the function bound to name.
func (f *Functions) Get(name string) (Function, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	fn, ok := f.funcs[name]
	if !ok {
		return nil, &errors.NotFoundError{Resource: "function", ID: name}
	}
	return fn, nil
}
