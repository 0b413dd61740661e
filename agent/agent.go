// Package agent holds the named processing configurations ("agents") that
// parameterize the completion step, and the registry that validates a
// selection every time it is about to be used.
package agent

import (
	"fmt"
	"sync"

	"github.com/go-playground/validator/v10"
)

// Config is immutable once loaded; changes go through Registry.Upsert.
type Config struct {
	ID            string  `toml:"id" json:"id" validate:"required"`
	Name          string  `toml:"name" json:"name" validate:"required"`
	Instruction   string  `toml:"instruction" json:"instruction" validate:"required"`
	Model         string  `toml:"model" json:"model" validate:"required"`
	Temperature   float64 `toml:"temperature" json:"temperature" validate:"gte=0,lte=2"`
	Enabled       bool    `toml:"enabled" json:"enabled"`
	AutoProcessAI bool    `toml:"auto_process_ai" json:"autoProcessAi"`
	Hotkey        string  `toml:"hotkey" json:"hotkey,omitempty"`
	Color         string  `toml:"color" json:"color,omitempty" validate:"omitempty,hexcolor"`
}

type Reason int

const (
	NotSelected Reason = iota
	NotFound
	Disabled
)

func (r Reason) String() string {
	switch r {
	case NotSelected:
		return "not_selected"
	case NotFound:
		return "not_found"
	case Disabled:
		return "disabled"
	}
	return "unknown"
}

// ValidationError rejects a command synchronously; it never reaches the
// session state machine.
type ValidationError struct {
	Reason  Reason
	AgentID string
}

func (e *ValidationError) Error() string {
	if e.AgentID == "" {
		return "agent validation failed: " + e.Reason.String()
	}
	return fmt.Sprintf("agent %q validation failed: %s", e.AgentID, e.Reason)
}

type Registry struct {
	mu       sync.RWMutex
	agents   []Config
	validate *validator.Validate
}

func NewRegistry() *Registry {
	return &Registry{validate: validator.New()}
}

// Load replaces the registry contents, preserving the given order.
func (r *Registry) Load(agents []Config) error {
	seen := make(map[string]bool, len(agents))
	for i := range agents {
		if err := r.validate.Struct(&agents[i]); err != nil {
			return fmt.Errorf("agent %q: %w", agents[i].ID, err)
		}
		if seen[agents[i].ID] {
			return fmt.Errorf("agent %q: duplicate id", agents[i].ID)
		}
		seen[agents[i].ID] = true
	}
	cp := make([]Config, len(agents))
	copy(cp, agents)
	r.mu.Lock()
	r.agents = cp
	r.mu.Unlock()
	return nil
}

func (r *Registry) Get(id string) (Config, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, a := range r.agents {
		if a.ID == id {
			return a, true
		}
	}
	return Config{}, false
}

// Enabled returns the enabled agents in registry order.
func (r *Registry) Enabled() []Config {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Config
	for _, a := range r.agents {
		if a.Enabled {
			out = append(out, a)
		}
	}
	return out
}

func (r *Registry) All() []Config {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Config, len(r.agents))
	copy(out, r.agents)
	return out
}

// ValidateSelection checks that id names an existing, enabled agent. A prior
// valid selection does not guarantee current validity, so this runs at every
// point of use: session start and completion routing.
func (r *Registry) ValidateSelection(id string) error {
	if id == "" {
		return &ValidationError{Reason: NotSelected}
	}
	a, ok := r.Get(id)
	if !ok {
		return &ValidationError{Reason: NotFound, AgentID: id}
	}
	if !a.Enabled {
		return &ValidationError{Reason: Disabled, AgentID: id}
	}
	return nil
}

func (r *Registry) Upsert(cfg Config) error {
	if err := r.validate.Struct(&cfg); err != nil {
		return fmt.Errorf("agent %q: %w", cfg.ID, err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.agents {
		if r.agents[i].ID == cfg.ID {
			r.agents[i] = cfg
			return nil
		}
	}
	r.agents = append(r.agents, cfg)
	return nil
}

func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.agents {
		if r.agents[i].ID == id {
			r.agents = append(r.agents[:i], r.agents[i+1:]...)
			return true
		}
	}
	return false
}
