package action

import (
	"fmt"
	"sort"
)

// Provider is a compiled-in bundle of actions that a module manifest can
// bind. Providers are the unit of isolation: a module path entry names a
// provider, and only that provider's actions become resolvable in the
// module's scope.
type Provider interface {
	// Name identifies the provider in module manifests.
	Name() string
	// Register binds the provider's actions into reg.
	Register(reg *Registry) error
}

// Catalog holds the providers compiled into this binary, indexed by name.
// The pool process and the worker binary share one catalog so a module
// path resolves identically on both sides of the process boundary.
type Catalog struct {
	providers map[string]Provider
}

// NewCatalog creates an empty provider catalog.
func NewCatalog() *Catalog {
	return &Catalog{
		providers: make(map[string]Provider),
	}
}

// Add registers a provider in the catalog.
func (c *Catalog) Add(p Provider) error {
	if p == nil {
		return fmt.Errorf("provider is nil")
	}
	name := p.Name()
	if name == "" {
		return fmt.Errorf("provider has no name")
	}
	if _, exists := c.providers[name]; exists {
		return fmt.Errorf("provider %q already registered", name)
	}
	c.providers[name] = p
	return nil
}

// Get retrieves a provider by name.
func (c *Catalog) Get(name string) (Provider, bool) {
	p, ok := c.providers[name]
	return p, ok
}

// Names returns the registered provider names, sorted.
func (c *Catalog) Names() []string {
	out := make([]string, 0, len(c.providers))
	for name := range c.providers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Registry builds the default resolution scope containing every provider's
// actions. Inline work and workers started without a module path resolve
// against this scope.
func (c *Catalog) Registry() (*Registry, error) {
	reg := NewRegistry()
	for _, name := range c.Names() {
		if err := c.providers[name].Register(reg); err != nil {
			return nil, fmt.Errorf("failed to register provider %q: %w", name, err)
		}
	}
	return reg, nil
}
