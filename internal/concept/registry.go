package concept

import (
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"
)

var (
	ErrUnknownConcept   = errors.New("concept is not registered")
	ErrDuplicateConcept = errors.New("concept is already registered")
	ErrUnknownAction    = errors.New("concept has no such action")
	ErrNilConcept       = errors.New("concept is nil")
	ErrConceptNameEmpty = errors.New("concept name is empty")
)

// Registry stores concepts by name.
type Registry struct {
	mu       sync.RWMutex
	concepts map[string]Concept
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{concepts: make(map[string]Concept)}
}

// Register adds a concept under name. Names are unique.
func (r *Registry) Register(name string, c Concept) error {
	if name == "" {
		return ErrConceptNameEmpty
	}
	if c == nil {
		return fmt.Errorf("%w: %q", ErrNilConcept, name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.concepts[name]; exists {
		return fmt.Errorf("%w: %q", ErrDuplicateConcept, name)
	}
	r.concepts[name] = c
	return nil
}

// MustRegister is like Register but panics on error.
func (r *Registry) MustRegister(name string, c Concept) {
	if err := r.Register(name, c); err != nil {
		panic(err)
	}
}

// Lookup returns the concept registered under name.
func (r *Registry) Lookup(name string) (Concept, error) {
	r.mu.RLock()
	c, ok := r.concepts[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownConcept, name)
	}
	return c, nil
}

// CheckAction verifies that name is registered and, if the concept lists
// its actions, that action is one of them.
func (r *Registry) CheckAction(name, action string) error {
	c, err := r.Lookup(name)
	if err != nil {
		return err
	}
	lister, ok := c.(ActionLister)
	if !ok {
		return nil
	}
	if !slices.Contains(lister.Actions(), action) {
		return fmt.Errorf("%w: %s.%s", ErrUnknownAction, name, action)
	}
	return nil
}

// Names returns the registered concept names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.concepts))
	for name := range r.concepts {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
