package routing

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/gatekeepd/gatekeepd/internal/store"
)

var slashRun = regexp.MustCompile(`/{2,}`)

// TargetBuilder rewrites a request path from front-URI to back-URI space
// and forms the upstream URL, per the four-case substitution in §4.3.
type TargetBuilder struct{}

// NewTargetBuilder returns a TargetBuilder. It holds no state.
func NewTargetBuilder() *TargetBuilder {
	return &TargetBuilder{}
}

// Build returns the absolute upstream URL for the given mapping and
// original request path (which may carry a query string and fragment,
// preserved byte-for-byte). Backend is a reserved column (see DESIGN.md);
// it is never consulted here.
func (b *TargetBuilder) Build(m *store.Mapping, requestPath string) (string, error) {
	path, rest := splitPathRest(requestPath)
	target := rewritePath(normalizeSlash(m.FrontURI), normalizeSlash(m.BackURI), path)
	return fmt.Sprintf("http://localhost:%d%s%s", m.BackPort, target, rest), nil
}

// rewritePath implements the four cases of §4.3. front and back are
// already normalized to begin with "/" if non-empty. When both are empty
// the path is returned byte-for-byte; the other cases collapse slash runs.
func rewritePath(front, back, path string) string {
	switch {
	case front == "" && back == "":
		return path
	case front != "" && back != "":
		if strings.HasPrefix(path, front) {
			return collapse(back + strings.TrimPrefix(path, front))
		}
		// defensive: front_uri given without its leading slash
		bare := strings.TrimPrefix(front, "/")
		if strings.HasPrefix(path, bare) {
			return collapse(back + strings.TrimPrefix(path, bare))
		}
		return collapse(path)
	case front != "" && back == "":
		remainder := strings.TrimPrefix(path, front)
		if remainder == path {
			remainder = strings.TrimPrefix(path, strings.TrimPrefix(front, "/"))
		}
		if remainder == "" {
			return "/"
		}
		return collapse(remainder)
	default: // front == "" && back != ""
		return collapse(back + path)
	}
}

// normalizeSlash ensures a non-empty fragment begins with "/".
func normalizeSlash(s string) string {
	if s == "" {
		return ""
	}
	if !strings.HasPrefix(s, "/") {
		return "/" + s
	}
	return s
}

// collapse squashes runs of "/" into one and guarantees a leading "/".
func collapse(path string) string {
	path = slashRun.ReplaceAllString(path, "/")
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return path
}

// splitPathRest separates the path component from any query string and/or
// fragment so rewriting never touches them.
func splitPathRest(requestPath string) (path, rest string) {
	if i := strings.IndexAny(requestPath, "?#"); i >= 0 {
		return requestPath[:i], requestPath[i:]
	}
	return requestPath, ""
}
