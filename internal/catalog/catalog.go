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

// Package catalog describes the services the engine knows about: their
// trigger actions and reactions, the configuration contract of each, and
// which reactions may follow which actions.
package catalog

import (
	"cmp"
	"fmt"
	"slices"
	"sync"

	"github.com/My-Epitech-Organisation/Area-sub002/internal/store"
	areaerrors "github.com/My-Epitech-Organisation/Area-sub002/pkg/errors"
)

// ServiceStatus is the availability of a service.
type ServiceStatus string

const (
	ServiceActive   ServiceStatus = "active"
	ServiceInactive ServiceStatus = "inactive"
)

// Definition describes one action or reaction.
type Definition struct {
	Name        string `yaml:"name" json:"name"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
	Schema      Schema `yaml:"config_schema" json:"config_schema"`
}

// Service is an external platform exposing actions and reactions.
type Service struct {
	Name        string        `yaml:"name" json:"name"`
	Description string        `yaml:"description,omitempty" json:"description,omitempty"`
	Status      ServiceStatus `yaml:"status,omitempty" json:"status"`

	// RequiresAuth is false for services that need no user credential,
	// such as the timer. Nil means true.
	RequiresAuth *bool `yaml:"requires_auth,omitempty" json:"requires_auth,omitempty"`

	Actions   []Definition `yaml:"actions,omitempty" json:"actions,omitempty"`
	Reactions []Definition `yaml:"reactions,omitempty" json:"reactions,omitempty"`
}

// NeedsCredential reports whether scanning or reacting needs a user token.
func (s *Service) NeedsCredential() bool {
	return s.RequiresAuth == nil || *s.RequiresAuth
}

type ref struct {
	service string
	index   int
}

// Wildcard in the compatibility matrix matches every reaction.
const Wildcard = "*"

// Catalog is the registry of services. It is safe for concurrent use.
type Catalog struct {
	mu        sync.RWMutex
	services  map[string]*Service
	actions   map[string]ref
	reactions map[string]ref
	compat    map[string]map[string]bool
}

// New creates an empty catalog.
func New() *Catalog {
	return &Catalog{
		services:  make(map[string]*Service),
		actions:   make(map[string]ref),
		reactions: make(map[string]ref),
		compat:    make(map[string]map[string]bool),
	}
}

// Register adds a service. Action and reaction names must be unique across
// the whole catalog. Re-registering a service name is an error.
func (c *Catalog) Register(svc Service) error {
	if svc.Name == "" {
		return fmt.Errorf("service has no name")
	}
	if svc.Status == "" {
		svc.Status = ServiceActive
	}
	if svc.Status != ServiceActive && svc.Status != ServiceInactive {
		return fmt.Errorf("service %s: unknown status %q", svc.Name, svc.Status)
	}

	svc.Actions = cloneDefinitions(svc.Actions)
	svc.Reactions = cloneDefinitions(svc.Reactions)
	for i := range svc.Actions {
		if err := svc.Actions[i].Schema.compile(); err != nil {
			return fmt.Errorf("service %s action %s: %w", svc.Name, svc.Actions[i].Name, err)
		}
	}
	for i := range svc.Reactions {
		if err := svc.Reactions[i].Schema.compile(); err != nil {
			return fmt.Errorf("service %s reaction %s: %w", svc.Name, svc.Reactions[i].Name, err)
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.services[svc.Name]; exists {
		return fmt.Errorf("service %s already registered", svc.Name)
	}
	for _, a := range svc.Actions {
		if _, exists := c.actions[a.Name]; exists {
			return fmt.Errorf("action %s already registered", a.Name)
		}
	}
	for _, r := range svc.Reactions {
		if _, exists := c.reactions[r.Name]; exists {
			return fmt.Errorf("reaction %s already registered", r.Name)
		}
	}

	c.services[svc.Name] = &svc
	for i, a := range svc.Actions {
		c.actions[a.Name] = ref{svc.Name, i}
	}
	for i, r := range svc.Reactions {
		c.reactions[r.Name] = ref{svc.Name, i}
	}
	return nil
}

func cloneDefinitions(defs []Definition) []Definition {
	out := slices.Clone(defs)
	for i := range out {
		out[i].Schema = out[i].Schema.clone()
	}
	return out
}

// SetStatus changes the status of a service.
func (c *Catalog) SetStatus(service string, status ServiceStatus) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	svc, ok := c.services[service]
	if !ok {
		return &areaerrors.NotFoundError{Resource: "service", ID: service}
	}
	svc.Status = status
	return nil
}

// Allow adds reactions that may follow action. Use Wildcard to allow all.
func (c *Catalog) Allow(action string, reactions ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	set, ok := c.compat[action]
	if !ok {
		set = make(map[string]bool)
		c.compat[action] = set
	}
	for _, r := range reactions {
		set[r] = true
	}
}

// Compatible reports whether reaction may follow action.
func (c *Catalog) Compatible(action, reaction string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	set := c.compat[action]
	return set[reaction] || set[Wildcard]
}

// Service returns a copy of a registered service.
func (c *Catalog) Service(name string) (Service, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	svc, ok := c.services[name]
	if !ok {
		return Service{}, false
	}
	return *svc, true
}

// Services returns all services sorted by name.
func (c *Catalog) Services() []Service {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]Service, 0, len(c.services))
	for _, svc := range c.services {
		out = append(out, *svc)
	}
	slices.SortFunc(out, func(a, b Service) int { return cmp.Compare(a.Name, b.Name) })
	return out
}

// Action returns an action definition and the service owning it.
func (c *Catalog) Action(name string) (Definition, string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	r, ok := c.actions[name]
	if !ok {
		return Definition{}, "", false
	}
	return c.services[r.service].Actions[r.index], r.service, true
}

// Reaction returns a reaction definition and the service owning it.
func (c *Catalog) Reaction(name string) (Definition, string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	r, ok := c.reactions[name]
	if !ok {
		return Definition{}, "", false
	}
	return c.services[r.service].Reactions[r.index], r.service, true
}

// NeedsCredential reports whether the named service requires a user token.
// Unknown services are assumed to need one.
func (c *Catalog) NeedsCredential(service string) bool {
	svc, ok := c.Service(service)
	if !ok {
		return true
	}
	return svc.NeedsCredential()
}

// ValidateAutomation checks that a's action and reaction exist on active
// services, that the pair is compatible and that both configurations satisfy
// their schemas. On success the configurations are replaced with their
// defaulted form.
func (c *Catalog) ValidateAutomation(a *store.Automation) error {
	action, actionSvc, ok := c.Action(a.TriggerAction)
	if !ok {
		return &areaerrors.ValidationError{Field: "trigger_action", Message: fmt.Sprintf("unknown action %q", a.TriggerAction)}
	}
	reaction, reactionSvc, ok := c.Reaction(a.Reaction)
	if !ok {
		return &areaerrors.ValidationError{Field: "reaction", Message: fmt.Sprintf("unknown reaction %q", a.Reaction)}
	}

	if a.TriggerService == "" {
		a.TriggerService = actionSvc
	} else if a.TriggerService != actionSvc {
		return &areaerrors.ValidationError{Field: "trigger_service",
			Message: fmt.Sprintf("action %s belongs to %s, not %s", a.TriggerAction, actionSvc, a.TriggerService)}
	}
	if a.ReactionService == "" {
		a.ReactionService = reactionSvc
	} else if a.ReactionService != reactionSvc {
		return &areaerrors.ValidationError{Field: "reaction_service",
			Message: fmt.Sprintf("reaction %s belongs to %s, not %s", a.Reaction, reactionSvc, a.ReactionService)}
	}

	for _, name := range []string{actionSvc, reactionSvc} {
		if svc, _ := c.Service(name); svc.Status != ServiceActive {
			return &areaerrors.ValidationError{Field: "service", Message: fmt.Sprintf("service %s is %s", name, svc.Status)}
		}
	}

	if !c.Compatible(a.TriggerAction, a.Reaction) {
		return &areaerrors.ValidationError{Field: "reaction",
			Message: fmt.Sprintf("reaction %s cannot follow action %s", a.Reaction, a.TriggerAction)}
	}

	triggerConfig, triggerErr := action.Schema.Validate("trigger_config", a.TriggerConfig)
	reactionConfig, reactionErr := reaction.Schema.Validate("reaction_config", a.ReactionConfig)
	if err := areaerrors.Join(triggerErr, reactionErr); err != nil {
		return err
	}

	a.TriggerConfig = triggerConfig
	a.ReactionConfig = reactionConfig
	return nil
}
