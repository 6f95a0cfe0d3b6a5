package routing

import (
	"testing"

	"github.com/gatekeepd/gatekeepd/internal/store"
)

type stubStore struct {
	mappings map[string]*store.Mapping
}

func (s *stubStore) Get(domain, requestPath string) (*store.Mapping, error) {
	return s.mappings[domain], nil
}

func TestResolverDelegatesToStore(t *testing.T) {
	m := &store.Mapping{Domain: "example.com", BackPort: 3001}
	r := NewResolver(&stubStore{mappings: map[string]*store.Mapping{"example.com": m}})

	got, err := r.Get("example.com", "/")
	if err != nil {
		t.Fatal(err)
	}
	if got != m {
		t.Errorf("got %+v, want %+v", got, m)
	}

	got, err = r.Get("unknown.example", "/")
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Errorf("expected nil for unmapped domain, got %+v", got)
	}
}
