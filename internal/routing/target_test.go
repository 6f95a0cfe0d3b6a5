package routing

import (
	"testing"

	"github.com/gatekeepd/gatekeepd/internal/store"
)

func TestPathRewriteIdentity(t *testing.T) {
	b := NewTargetBuilder()
	m := &store.Mapping{BackPort: 3001}
	got, err := b.Build(m, "/a/b?x=1")
	if err != nil {
		t.Fatal(err)
	}
	want := "http://localhost:3001/a/b?x=1"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestPathRewriteReplacement(t *testing.T) {
	b := NewTargetBuilder()
	m := &store.Mapping{BackPort: 3001, FrontURI: "api/v1", BackURI: "v1"}
	got, err := b.Build(m, "/api/v1/users/42?q=1")
	if err != nil {
		t.Fatal(err)
	}
	want := "http://localhost:3001/v1/users/42?q=1"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestPathRewriteStripWhenBackEmpty(t *testing.T) {
	b := NewTargetBuilder()
	m := &store.Mapping{BackPort: 3001, FrontURI: "api", BackURI: ""}
	got, err := b.Build(m, "/api/users")
	if err != nil {
		t.Fatal(err)
	}
	want := "http://localhost:3001/users"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestPathRewriteStripToRootWhenRemainderEmpty(t *testing.T) {
	b := NewTargetBuilder()
	m := &store.Mapping{BackPort: 3001, FrontURI: "api", BackURI: ""}
	got, err := b.Build(m, "/api")
	if err != nil {
		t.Fatal(err)
	}
	want := "http://localhost:3001/"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestPathRewritePrependWhenFrontEmpty(t *testing.T) {
	b := NewTargetBuilder()
	m := &store.Mapping{BackPort: 3001, FrontURI: "", BackURI: "v2"}
	got, err := b.Build(m, "/users")
	if err != nil {
		t.Fatal(err)
	}
	want := "http://localhost:3001/v2/users"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestSlashCollapsing(t *testing.T) {
	b := NewTargetBuilder()
	m := &store.Mapping{BackPort: 3001, FrontURI: "api", BackURI: "v1"}
	got, err := b.Build(m, "/api//users")
	if err != nil {
		t.Fatal(err)
	}
	want := "http://localhost:3001/v1/users"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestQueryPreservedByteForByte(t *testing.T) {
	b := NewTargetBuilder()
	m := &store.Mapping{BackPort: 3001}
	got, err := b.Build(m, "/search?q=a+b&x=%20")
	if err != nil {
		t.Fatal(err)
	}
	want := "http://localhost:3001/search?q=a+b&x=%20"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}
