package harness

import (
	"errors"
	"fmt"

	ports "github.com/ZanzyTHEbar/orion-gepa/orion/generation/harness/ports"
	"github.com/armon/go-radix"
)

var (
	ErrEmptyToolName     = errors.New("tool name cannot be empty")
	ErrDuplicateToolName = errors.New("duplicate tool name")
)

// Registry is the fixed catalog of callable tools. It is built once at
// startup and handed to the executor, the loop and the dispatcher.
type Registry struct {
	tree *radix.Tree
}

// NewRegistry indexes tools by name.
func NewRegistry(tools ...ports.Tool) (*Registry, error) {
	tree := radix.New()
	for _, t := range tools {
		name := t.Name()
		if name == "" {
			return nil, ErrEmptyToolName
		}
		if _, exists := tree.Get(name); exists {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateToolName, name)
		}
		tree.Insert(name, t)
	}
	return &Registry{tree: tree}, nil
}

// Lookup resolves a tool by exact name.
func (r *Registry) Lookup(name string) (ports.Tool, bool) {
	v, ok := r.tree.Get(name)
	if !ok {
		return nil, false
	}
	return v.(ports.Tool), true
}

// Tools returns every tool in name order.
func (r *Registry) Tools() []ports.Tool {
	out := make([]ports.Tool, 0, r.tree.Len())
	r.tree.Walk(func(_ string, v interface{}) bool {
		out = append(out, v.(ports.Tool))
		return false
	})
	return out
}

// Specs returns the model-facing declarations in name order.
func (r *Registry) Specs() []ports.ToolSpec {
	tools := r.Tools()
	specs := make([]ports.ToolSpec, len(tools))
	for i, t := range tools {
		specs[i] = ports.ToolSpec{
			Name:        t.Name(),
			Description: t.Description(),
			JSONSchema:  t.Schema(),
		}
	}
	return specs
}

func (r *Registry) Names() []string {
	names := make([]string, 0, r.tree.Len())
	r.tree.Walk(func(k string, _ interface{}) bool {
		names = append(names, k)
		return false
	})
	return names
}

func (r *Registry) Len() int { return r.tree.Len() }

// IsMutating reports whether name is registered and changes stored state.
func (r *Registry) IsMutating(name string) bool {
	t, ok := r.Lookup(name)
	return ok && t.Mutates()
}

// MutatingNames lists the state-changing tools.
func (r *Registry) MutatingNames() []string {
	var names []string
	for _, t := range r.Tools() {
		if t.Mutates() {
			names = append(names, t.Name())
		}
	}
	return names
}

// WithPrefix returns the tools whose names start with prefix, e.g. "search_".
func (r *Registry) WithPrefix(prefix string) []ports.Tool {
	var out []ports.Tool
	r.tree.WalkPrefix(prefix, func(_ string, v interface{}) bool {
		out = append(out, v.(ports.Tool))
		return false
	})
	return out
}
