package forwarder

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/gatekeepd/gatekeepd/internal/store"
)

// defaultTimeout is the §4.7 connect/idle-read timeout; expiry maps to the
// Gateway Timeout / 502 path.
const defaultTimeout = 30 * time.Second

type routeResolver interface {
	Get(host, requestPath string) (*store.Mapping, error)
}

type targetBuilder interface {
	Build(m *store.Mapping, requestPath string) (string, error)
}

type challengeLookup interface {
	LookupChallenge(token string) (string, bool)
}

// Server is the HTTP/WS Forwarder (C7). One Server is shared by the plain
// HTTP listener and the TLS listener.
type Server struct {
	resolver   routeResolver
	builder    targetBuilder
	challenges challengeLookup
	certs      certEnsurer
	log        *zap.Logger
	transport  *http.Transport
}

// NewServer builds a Server. certs is used only for the fire-and-forget
// renewal/warm-up trigger on TLS connections (§4.7 step 5); certificate
// selection itself happens in the SNI callback, not here.
func NewServer(resolver routeResolver, builder targetBuilder, challenges challengeLookup, certs certEnsurer, log *zap.Logger) *Server {
	return &Server{
		resolver:   resolver,
		builder:    builder,
		challenges: challenges,
		certs:      certs,
		log:        log,
		transport: &http.Transport{
			DialContext: (&net.Dialer{Timeout: defaultTimeout}).DialContext,
			ResponseHeaderTimeout: defaultTimeout,
		},
	}
}

// ServeHTTP implements the short-circuit and routing steps of §4.7 for
// both the plain-HTTP and TLS listeners.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodGet && r.URL.Path == "/health" {
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
		return
	}

	if token, ok := strings.CutPrefix(r.URL.Path, "/.well-known/acme-challenge/"); ok {
		s.serveChallenge(w, token)
		return
	}

	if isUpgrade(r) {
		s.serveUpgrade(w, r)
		return
	}

	host := r.Host
	if host == "" {
		s.writeError(w, fmt.Errorf("%w: missing Host header", ErrBadHost))
		return
	}
	host = normalizeHost(host)

	m, err := s.resolver.Get(host, r.URL.Path)
	if err != nil {
		s.writeError(w, fmt.Errorf("%w: %v", ErrInternal, err))
		return
	}
	if m == nil {
		s.writeError(w, fmt.Errorf("%w: %s", ErrRouteNotFound, host))
		return
	}

	if r.TLS != nil {
		go func(h string) {
			ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
			defer cancel()
			if _, err := s.certs.Ensure(ctx, h, true); err != nil {
				s.log.Warn("post-handshake certificate warm-up failed", zap.String("host", h), zap.Error(err))
			}
		}(host)
	}

	// When both front_uri and back_uri are empty the builder's identity
	// case already forwards requestPath unchanged, satisfying the
	// "bypass the path rewriter" requirement without a separate branch.
	requestPath := r.URL.RequestURI()
	targetRaw, err := s.builder.Build(m, requestPath)
	if err != nil {
		s.writeError(w, fmt.Errorf("%w: target build: %v", ErrInternal, err))
		return
	}
	target, err := url.Parse(targetRaw)
	if err != nil {
		s.writeError(w, fmt.Errorf("%w: target url %q: %v", ErrInternal, targetRaw, err))
		return
	}

	s.proxy(w, r, target, host)
}

func (s *Server) proxy(w http.ResponseWriter, r *http.Request, target *url.URL, host string) {
	proxy := &httputil.ReverseProxy{
		Transport: s.transport,
		Director: func(out *http.Request) {
			out.URL.Scheme = target.Scheme
			out.URL.Host = target.Host
			out.URL.Path = target.Path
			out.URL.RawQuery = target.RawQuery
			rewriteHeaders(out, r, r.TLS != nil, out.URL.Port())
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				s.writeError(w, fmt.Errorf("%w: host %s: %v", ErrUpstreamTimeout, host, err))
				return
			}
			s.writeError(w, fmt.Errorf("%w: host %s: %v", ErrUpstreamUnavailable, host, err))
		},
	}
	proxy.ServeHTTP(w, r)
}

func (s *Server) serveChallenge(w http.ResponseWriter, token string) {
	keyAuth, ok := s.challenges.LookupChallenge(token)
	if !ok {
		writeStatus(w, http.StatusNotFound, "Challenge not found")
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(keyAuth))
}

func writeStatus(w http.ResponseWriter, code int, body string) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(code)
	w.Write([]byte(body))
}

// writeError is the single boundary (§7, §10.3) that classifies an error
// taxonomy sentinel into a client-visible status, logging the full wrapped
// error (except for route misses, which are not logged) before writing the
// status-only body.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrBadHost):
		s.log.Warn("bad request", zap.Error(err))
		writeStatus(w, http.StatusBadRequest, "Bad Request")
	case errors.Is(err, ErrRouteNotFound):
		writeStatus(w, http.StatusNotFound, "Not Found")
	case errors.Is(err, ErrUpstreamTimeout):
		s.log.Error("upstream timeout", zap.Error(err))
		writeStatus(w, http.StatusBadGateway, "Bad Gateway")
	case errors.Is(err, ErrUpstreamUnavailable):
		s.log.Error("upstream unavailable", zap.Error(err))
		writeStatus(w, http.StatusBadGateway, "Bad Gateway")
	default:
		s.log.Error("internal error", zap.Error(err))
		writeStatus(w, http.StatusInternalServerError, "Internal Server Error")
	}
}
