package transfer

import (
	"fmt"
	"sort"
	"strings"
)

// Registry is an immutable scheme -> backend table.
//
// It is built once at process start and shared by reference; resolution is a
// pure lookup.
type Registry struct {
	backends map[string]Backend
}

// NewRegistry builds a registry from the given backends.
//
// Every scheme reported by a backend is registered; the empty scheme is
// registered alongside SchemeLocal so bare paths resolve to the local backend.
// Registering the same scheme twice is an error.
func NewRegistry(backends ...Backend) (*Registry, error) {
	table := make(map[string]Backend)
	for _, b := range backends {
		if b == nil {
			return nil, fmt.Errorf("backend is nil")
		}
		for _, scheme := range b.Schemes() {
			scheme = strings.ToLower(strings.TrimSpace(scheme))
			if _, exists := table[scheme]; exists {
				return nil, fmt.Errorf("scheme %q registered twice", scheme)
			}
			table[scheme] = b
		}
	}
	if local, ok := table[SchemeLocal]; ok {
		if _, exists := table[""]; !exists {
			table[""] = local
		}
	}
	return &Registry{backends: table}, nil
}

// Resolve returns the backend registered for the URI's scheme.
func (r *Registry) Resolve(uri string) (Backend, error) {
	loc, err := ParseLocation(uri)
	if err != nil {
		return nil, err
	}
	return r.lookup(loc.Scheme)
}

func (r *Registry) lookup(scheme string) (Backend, error) {
	b, ok := r.backends[scheme]
	if !ok {
		return nil, fmt.Errorf("%w: %q (supported: %s)", ErrUnsupportedScheme, scheme, strings.Join(r.Schemes(), ", "))
	}
	return b, nil
}

// Schemes returns the registered schemes in sorted order, excluding the
// implicit empty scheme.
func (r *Registry) Schemes() []string {
	out := make([]string, 0, len(r.backends))
	for s := range r.backends {
		if s == "" {
			continue
		}
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
