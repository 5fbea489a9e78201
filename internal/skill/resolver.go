package skill

import "fmt"

// Resolver looks up skill definitions by id. Treated as a pure lookup by
// the dispatcher.
type Resolver interface {
	Resolve(id string) (*Definition, error)
}

// ErrNotFound distinguishes unknown skills from other resolver failures.
var ErrNotFound = fmt.Errorf("skill not found")

// StaticResolver serves definitions from an in-memory index.
type StaticResolver struct {
	defs map[string]*Definition
}

// NewStaticResolver indexes the given definitions.
func NewStaticResolver(defs []*Definition) *StaticResolver {
	m := make(map[string]*Definition, len(defs))
	for _, d := range defs {
		m[d.ID] = d
	}
	return &StaticResolver{defs: m}
}

// Resolve returns the definition for id, or ErrNotFound.
func (r *StaticResolver) Resolve(id string) (*Definition, error) {
	d, ok := r.defs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	return d, nil
}
