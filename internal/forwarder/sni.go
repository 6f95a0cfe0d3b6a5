// Package forwarder implements the SNI Resolver (C6) and the HTTP/WS
// Forwarder (C7): the TLS handshake certificate callback, the plain-HTTP
// and TLS listeners, the request short-circuits, routing, header
// rewriting, streaming proxy, and WebSocket/Upgrade splicing.
package forwarder

import (
	"context"
	"crypto/tls"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/net/idna"
)

// certEnsurer is the subset of certstore.CertStore the SNI resolver needs.
type certEnsurer interface {
	Ensure(ctx context.Context, host string, authorized bool) (tls.Certificate, error)
	GetDefault() (tls.Certificate, error)
}

// hostAuthorizer reports whether a mapping exists for host at path "/",
// used to decide whether the ACME broker may be contacted for it.
type hostAuthorizer interface {
	Authorized(host string) bool
}

// SNIResolver produces a tls.Config.GetCertificate callback per §4.6.
type SNIResolver struct {
	certs certEnsurer
	auth  hostAuthorizer
	log   *zap.Logger
}

// NewSNIResolver builds an SNIResolver.
func NewSNIResolver(certs certEnsurer, auth hostAuthorizer, log *zap.Logger) *SNIResolver {
	return &SNIResolver{certs: certs, auth: auth, log: log}
}

// GetCertificate implements the tls.Config.GetCertificate signature.
func (r *SNIResolver) GetCertificate(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
	name := normalizeHost(hello.ServerName)
	if name == "" {
		cert, err := r.certs.GetDefault()
		if err != nil {
			r.log.Error("failed to load default certificate for SNI-less handshake", zap.Error(err))
			return nil, err
		}
		return &cert, nil
	}

	authorized := r.auth.Authorized(name)
	cert, err := r.certs.Ensure(hello.Context(), name, authorized)
	if err != nil {
		r.log.Error("tls handshake certificate resolution failed", zap.String("server_name", name), zap.Error(err))
		return nil, err
	}
	return &cert, nil
}

// normalizeHost lowercases name, strips any trailing port, and folds it to
// its ASCII (punycode) form so lookups are stable regardless of how the
// client encoded an internationalized domain name in SNI.
func normalizeHost(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	if i := strings.LastIndex(name, ":"); i >= 0 && !strings.Contains(name[i:], "]") {
		name = name[:i]
	}
	name = strings.TrimSuffix(name, ".")

	if ascii, err := idna.Lookup.ToASCII(name); err == nil {
		name = ascii
	}
	return name
}
