// Package routing implements the Route Resolver (C2) and Target Builder
// (C3): given a host and request path it finds the matching mapping and
// rewrites the path for the upstream.
package routing

import "github.com/gatekeepd/gatekeepd/internal/store"

// mappingStore is the subset of store.Store the resolver depends on,
// narrowed for testability.
type mappingStore interface {
	Get(domain, requestPath string) (*store.Mapping, error)
}

// Resolver is stateless and deterministic: it only delegates to the
// mapping store.
type Resolver struct {
	store mappingStore
}

// NewResolver builds a Resolver backed by the given mapping store.
func NewResolver(s mappingStore) *Resolver {
	return &Resolver{store: s}
}

// Get returns the mapping for (host, requestPath), or nil if none matches.
// host must already be lowercased with any port stripped; requestPath must
// start with "/".
func (r *Resolver) Get(host, requestPath string) (*store.Mapping, error) {
	return r.store.Get(host, requestPath)
}
