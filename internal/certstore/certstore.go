// Package certstore implements the Certificate Store (C4): on-disk
// cert/key pairs plus an in-memory cache keyed by exact host, validity and
// self-signed-vs-real classification, and the ensure(host, authorized)
// entry point that ties disk, cache, and the ACME broker together per the
// algorithm in §4.5 of the specification this module implements.
package certstore

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrCertLoadFailure marks disk material that cannot be read or parsed, or
// a certificate that cannot be generated. Inside Ensure a load failure is
// recovered with a self-signed certificate and a generation failure with
// the default certificate; it is returned only when that also fails.
var ErrCertLoadFailure = errors.New("certstore: certificate load failure")

// renewalWindow is the §3 "valid" cutoff: a certificate stops being
// considered valid 30 days before its actual expiry, forcing renewal
// ahead of the real deadline.
const renewalWindow = 30 * 24 * time.Hour

const (
	// defaultCommonName is the CN the generated fallback certificate
	// carries; defaultBasename is the on-disk file pair name (§4.4/§6:
	// default.crt/default.key), kept distinct so an operator-supplied
	// default.crt naming any CN is still the one loaded and served.
	defaultCommonName = "localhost"
	defaultBasename   = "default"
	acmeChallengeDir  = ".well-known/acme-challenge"
)

// AcmeIssuer is the capability the certificate store needs from the ACME
// broker (C5): bootstrap the account on first use, and obtain a
// certificate for a single host via HTTP-01. It is a narrow seam so that
// certstore never depends on the broker's own internals (account keys,
// rate limiter state, challenge map) — only on these two operations.
type AcmeIssuer interface {
	Bootstrap(ctx context.Context) error
	Issue(ctx context.Context, host string) (certPEM, keyPEM []byte, err error)
}

// CertStore is the Certificate Store. It is safe for concurrent use.
type CertStore struct {
	dir    string
	broker AcmeIssuer
	log    *zap.Logger

	mu    sync.RWMutex
	cache map[string]*tls.Certificate

	rateMu      sync.Mutex
	lastAttempt map[string]time.Time
	attempts    map[string]int

	flightMu sync.Mutex
	flight   map[string]chan struct{}
}

const (
	perHostMinInterval = 5 * time.Minute
	perHostMaxAttempts = 5
	singleFlightWait   = 30 * time.Second
)

// Initialize ensures the certs directory exists, bootstraps the ACME
// broker, and warms the in-memory cache from any *.crt files already on
// disk whose expiry is still in the future.
func Initialize(dir string, broker AcmeIssuer, log *zap.Logger) (*CertStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: mkdir certs dir: %v", ErrCertLoadFailure, err)
	}
	if err := os.MkdirAll(filepath.Join(dir, acmeChallengeDir), 0o755); err != nil {
		return nil, fmt.Errorf("%w: mkdir challenge dir: %v", ErrCertLoadFailure, err)
	}

	cs := &CertStore{
		dir:         dir,
		broker:      broker,
		log:         log,
		cache:       make(map[string]*tls.Certificate),
		lastAttempt: make(map[string]time.Time),
		attempts:    make(map[string]int),
		flight:      make(map[string]chan struct{}),
	}

	if err := broker.Bootstrap(context.Background()); err != nil {
		log.Warn("acme broker bootstrap failed; continuing with self-signed fallback only", zap.Error(err))
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("%w: read certs dir: %v", ErrCertLoadFailure, err)
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".crt") {
			continue
		}
		host := strings.TrimSuffix(e.Name(), ".crt")
		cert, err := cs.loadFromDisk(host)
		if err != nil {
			continue
		}
		if time.Now().Before(cert.Leaf.NotAfter) {
			cs.mu.Lock()
			cs.cache[host] = cert
			cs.mu.Unlock()
		}
	}

	return cs, nil
}

// GetDefault returns the static fallback certificate served by the TLS
// listener before any SNI-specific cert is selected. It loads
// default.crt/default.key if an operator has placed one, otherwise
// generates and persists one for CN=localhost under that same basename.
func (cs *CertStore) GetDefault() (tls.Certificate, error) {
	cert, err := cs.loadFromDiskNamed(defaultBasename)
	if err == nil {
		return *cert, nil
	}

	cert2, err := newSelfSignedCertificate(defaultCommonName)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("%w: generate default: %v", ErrCertLoadFailure, err)
	}
	if err := cs.persist(defaultBasename, cert2); err != nil {
		cs.log.Warn("failed to persist default self-signed certificate", zap.Error(err))
	}
	return cert2, nil
}

// Ensure is the primary entry point (§4.4/§4.5): it returns a usable
// certificate for host, consulting disk, the in-memory cache, apex/wildcard
// material, the ACME broker (only if authorized and within rate limits),
// and finally self-signed generation as the universal fallback.
func (cs *CertStore) Ensure(ctx context.Context, host string, authorized bool) (tls.Certificate, error) {
	// 1. Disk-first check.
	if disk, err := cs.loadFromDisk(host); err == nil && cs.isValidCert(disk) {
		if IsReal(disk) {
			cs.store(host, disk)
			return *disk, nil
		}
		if cached := cs.cached(host); cached != nil && IsReal(cached) {
			return *cached, nil
		}
		cs.store(host, disk)
		return *disk, nil
	}

	// 2. Cache fallback.
	if cached := cs.cached(host); cached != nil {
		if cs.isValidCert(cached) {
			return *cached, nil
		}
		cs.evict(host)
	}

	// 3. Subdomain/apex/wildcard handling.
	if isStrictSubdomain(host) {
		a := apex(host)
		if wc := cs.wildcardFor(a); wc != nil && cs.isValidCert(wc) {
			cs.store(host, wc)
			return *wc, nil
		}
	}

	// 4. Authorization gate.
	if !authorized {
		return cs.selfSignedFor(host)
	}

	// 5. Rate limiting.
	if !cs.allowAttempt(host) {
		return cs.selfSignedFor(host)
	}

	// 6. Single-flight.
	if done, first := cs.joinFlight(host); !first {
		select {
		case <-done:
		case <-time.After(singleFlightWait):
		}
		if cached := cs.cached(host); cached != nil && cs.isValidCert(cached) {
			return *cached, nil
		}
		return cs.selfSignedFor(host)
	}
	defer cs.leaveFlight(host)

	// 7. Issuance.
	certPEM, keyPEM, err := cs.broker.Issue(ctx, host)
	if err != nil {
		cs.log.Warn("acme issuance failed, falling back to self-signed", zap.String("host", host), zap.Error(err))
		return cs.selfSignedFor(host)
	}

	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		cs.log.Warn("issued certificate failed to parse, falling back to self-signed", zap.String("host", host), zap.Error(err))
		return cs.selfSignedFor(host)
	}
	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		cs.log.Warn("issued certificate leaf failed to parse, falling back to self-signed", zap.String("host", host), zap.Error(err))
		return cs.selfSignedFor(host)
	}
	cert.Leaf = leaf

	// 8. Persist on success.
	if err := writePEM(filepath.Join(cs.dir, host+".crt"), "CERTIFICATE", cert.Certificate[0]); err != nil {
		cs.log.Warn("failed to persist issued certificate", zap.String("host", host), zap.Error(err))
	}
	if err := writeKeyPEM(filepath.Join(cs.dir, host+".key"), cert.PrivateKey); err != nil {
		cs.log.Warn("failed to persist issued key", zap.String("host", host), zap.Error(err))
	}
	cs.store(host, &cert)
	return cert, nil
}

func (cs *CertStore) selfSignedFor(host string) (tls.Certificate, error) {
	cert, err := newSelfSignedCertificate(host)
	if err != nil {
		err = fmt.Errorf("%w: %v", ErrCertLoadFailure, err)
		cs.log.Warn("self-signed generation failed, using default certificate", zap.String("host", host), zap.Error(err))
		def, defErr := cs.GetDefault()
		if defErr != nil {
			return tls.Certificate{}, err
		}
		return def, nil
	}
	return cert, nil
}

// IsValid reports whether now is within [notBefore, notAfter-30d).
func IsValid(cert *tls.Certificate) bool {
	if cert == nil || cert.Leaf == nil {
		return false
	}
	now := time.Now()
	return !now.Before(cert.Leaf.NotBefore) && now.Before(cert.Leaf.NotAfter.Add(-renewalWindow))
}

func (cs *CertStore) isValidCert(cert *tls.Certificate) bool { return IsValid(cert) }

// IsReal reports whether the certificate was issued by a distinct CA
// (subject DN differs from issuer DN) rather than self-signed, and its
// organization is not the self-signed sentinel.
func IsReal(cert *tls.Certificate) bool {
	if cert == nil || cert.Leaf == nil {
		return false
	}
	leaf := cert.Leaf
	if leaf.Subject.String() == leaf.Issuer.String() {
		return false
	}
	for _, o := range leaf.Subject.Organization {
		if o == selfSignedOrg || o == "Test" {
			return false
		}
	}
	return true
}

func (cs *CertStore) cached(host string) *tls.Certificate {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return cs.cache[host]
}

func (cs *CertStore) store(host string, cert *tls.Certificate) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.cache[host] = cert
}

func (cs *CertStore) evict(host string) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	delete(cs.cache, host)
}

func (cs *CertStore) wildcardFor(apexHost string) *tls.Certificate {
	name := "wildcard." + apexHost
	if c := cs.cached(name); c != nil {
		return c
	}
	if c, err := cs.loadFromDiskNamed(name); err == nil {
		cs.store(name, c)
		return c
	}
	return nil
}

func (cs *CertStore) loadFromDisk(host string) (*tls.Certificate, error) {
	return cs.loadFromDiskNamed(host)
}

func (cs *CertStore) loadFromDiskNamed(name string) (*tls.Certificate, error) {
	certPath := filepath.Join(cs.dir, name+".crt")
	keyPath := filepath.Join(cs.dir, name+".key")

	certPEM, err := os.ReadFile(certPath)
	if err != nil {
		return nil, fmt.Errorf("%w: read cert: %v", ErrCertLoadFailure, err)
	}
	keyPEM, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("%w: read key: %v", ErrCertLoadFailure, err)
	}

	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("%w: parse pair: %v", ErrCertLoadFailure, err)
	}
	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		return nil, fmt.Errorf("%w: parse leaf: %v", ErrCertLoadFailure, err)
	}
	cert.Leaf = leaf
	return &cert, nil
}

func (cs *CertStore) persist(host string, cert tls.Certificate) error {
	if err := writePEM(filepath.Join(cs.dir, host+".crt"), "CERTIFICATE", cert.Certificate[0]); err != nil {
		return err
	}
	return writeKeyPEM(filepath.Join(cs.dir, host+".key"), cert.PrivateKey)
}

func (cs *CertStore) allowAttempt(host string) bool {
	cs.rateMu.Lock()
	defer cs.rateMu.Unlock()

	if cs.attempts[host] >= perHostMaxAttempts {
		return false
	}
	if last, ok := cs.lastAttempt[host]; ok && time.Since(last) < perHostMinInterval {
		return false
	}
	cs.lastAttempt[host] = time.Now()
	cs.attempts[host]++
	return true
}

func (cs *CertStore) joinFlight(host string) (done chan struct{}, first bool) {
	cs.flightMu.Lock()
	defer cs.flightMu.Unlock()

	if ch, ok := cs.flight[host]; ok {
		return ch, false
	}
	ch := make(chan struct{})
	cs.flight[host] = ch
	return ch, true
}

func (cs *CertStore) leaveFlight(host string) {
	cs.flightMu.Lock()
	ch, ok := cs.flight[host]
	delete(cs.flight, host)
	cs.flightMu.Unlock()
	if ok {
		close(ch)
	}
}

func writePEM(path, blockType string, der []byte) error {
	return os.WriteFile(path, pem.EncodeToMemory(&pem.Block{Type: blockType, Bytes: der}), 0o600)
}

func writeKeyPEM(path string, key any) error {
	der, blockType, err := marshalKey(key)
	if err != nil {
		return err
	}
	return writePEM(path, blockType, der)
}
