package forwarder

import (
	"context"
	"crypto/tls"
	"testing"

	"go.uber.org/zap"
)

type recordingCerts struct {
	ensureCalls int
	authSeen    bool
}

func (c *recordingCerts) Ensure(ctx context.Context, host string, authorized bool) (tls.Certificate, error) {
	c.ensureCalls++
	c.authSeen = authorized
	return tls.Certificate{}, nil
}

func (c *recordingCerts) GetDefault() (tls.Certificate, error) {
	return tls.Certificate{}, nil
}

type stubAuthorizer struct{ authorized map[string]bool }

func (a *stubAuthorizer) Authorized(host string) bool { return a.authorized[host] }

func TestGetCertificateFallsBackForUnmappedSNIWithoutAcme(t *testing.T) {
	certs := &recordingCerts{}
	auth := &stubAuthorizer{authorized: map[string]bool{}}
	resolver := NewSNIResolver(certs, auth, zap.NewNop())

	hello := &tls.ClientHelloInfo{ServerName: "not-in-db.example"}
	cert, err := resolver.GetCertificate(hello)
	if err != nil {
		t.Fatalf("GetCertificate: %v", err)
	}
	if cert == nil {
		t.Fatal("expected a certificate, got nil")
	}
	if certs.ensureCalls != 1 {
		t.Fatalf("expected Ensure to be called once, got %d", certs.ensureCalls)
	}
	if certs.authSeen {
		t.Fatal("expected authorized=false to reach the certificate store for an unmapped host")
	}
}

func TestGetCertificateNormalizesHostBeforeLookup(t *testing.T) {
	certs := &recordingCerts{}
	auth := &stubAuthorizer{authorized: map[string]bool{"example.com": true}}
	resolver := NewSNIResolver(certs, auth, zap.NewNop())

	hello := &tls.ClientHelloInfo{ServerName: "EXAMPLE.COM."}
	if _, err := resolver.GetCertificate(hello); err != nil {
		t.Fatalf("GetCertificate: %v", err)
	}
	if !certs.authSeen {
		t.Fatal("expected normalized host to match the authorization map and reach Ensure as authorized")
	}
}

func TestGetCertificateUsesDefaultWhenSNIAbsent(t *testing.T) {
	certs := &recordingCerts{}
	auth := &stubAuthorizer{authorized: map[string]bool{}}
	resolver := NewSNIResolver(certs, auth, zap.NewNop())

	hello := &tls.ClientHelloInfo{ServerName: ""}
	cert, err := resolver.GetCertificate(hello)
	if err != nil {
		t.Fatalf("GetCertificate: %v", err)
	}
	if cert == nil {
		t.Fatal("expected the default certificate, got nil")
	}
	if certs.ensureCalls != 0 {
		t.Fatalf("expected Ensure not to be called for an SNI-less handshake, got %d calls", certs.ensureCalls)
	}
}
