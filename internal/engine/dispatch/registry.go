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

package dispatch

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/My-Epitech-Organisation/Area-sub002/internal/tokens"
	pkgerrors "github.com/My-Epitech-Organisation/Area-sub002/pkg/errors"
)

// Request is one reaction attempt.
type Request struct {
	ExecutionID  string
	AutomationID string
	OwnerID      string
	Reaction     string

	// Attempt is 1 for the first attempt.
	Attempt int

	// TriggerData is the sanitized payload recorded with the execution.
	TriggerData map[string]any

	// Params is the reaction configuration with mapped inputs merged over it.
	Params map[string]any

	// Credential is nil when the reaction service needs none.
	Credential *tokens.Credential
}

// Handler performs one reaction. It returns the result recorded on success.
// Errors are classified with Classify; wrap with Permanent to fail at once.
type Handler interface {
	Execute(ctx context.Context, req Request) (map[string]any, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, req Request) (map[string]any, error)

// Execute calls f.
func (f HandlerFunc) Execute(ctx context.Context, req Request) (map[string]any, error) {
	return f(ctx, req)
}

// Registry maps reaction names to handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register adds the handler of a reaction.
func (r *Registry) Register(reaction string, h Handler) error {
	if reaction == "" || h == nil {
		return fmt.Errorf("reaction name and handler are required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[reaction]; exists {
		return fmt.Errorf("handler for reaction %q already registered", reaction)
	}
	r.handlers[reaction] = h
	return nil
}

// Get returns the handler of a reaction.
func (r *Registry) Get(reaction string) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	h, ok := r.handlers[reaction]
	if !ok {
		return nil, &pkgerrors.NotFoundError{Resource: "reaction handler", ID: reaction}
	}
	return h, nil
}

// Names returns the registered reactions, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
