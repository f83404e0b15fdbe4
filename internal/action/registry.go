package action

import (
	"context"
	"fmt"
	"sort"

	"github.com/mattjoyce/journeyman/internal/codec"
)

// Func executes one unit of work. Parameters arrive in wire form; the
// action decodes the ones it needs and returns a serializable result, or
// nil for a void return.
type Func func(ctx context.Context, params []codec.RawMessage) (any, error)

// Registry maps action type identifiers to implementations. A registry is
// one resolution scope: the process-wide default set, or an isolated set
// instantiated from a module path.
type Registry struct {
	actions map[string]Func
}

// NewRegistry creates an empty action registry.
func NewRegistry() *Registry {
	return &Registry{
		actions: make(map[string]Func),
	}
}

// Register binds an action type to its implementation.
func (r *Registry) Register(actionType string, fn Func) error {
	if actionType == "" {
		return fmt.Errorf("action type is required")
	}
	if fn == nil {
		return fmt.Errorf("action %q has no implementation", actionType)
	}
	if _, exists := r.actions[actionType]; exists {
		return fmt.Errorf("action %q already registered", actionType)
	}
	r.actions[actionType] = fn
	return nil
}

// Lookup resolves an action type within this scope.
func (r *Registry) Lookup(actionType string) (Func, bool) {
	fn, ok := r.actions[actionType]
	return fn, ok
}

// Types returns the registered action types, sorted.
func (r *Registry) Types() []string {
	out := make([]string, 0, len(r.actions))
	for name := range r.actions {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Len returns the number of registered actions.
func (r *Registry) Len() int {
	return len(r.actions)
}
