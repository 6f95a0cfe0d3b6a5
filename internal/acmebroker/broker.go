// Package acmebroker implements the ACME Broker (C5): account key
// lifecycle and single-registration coordination across worker processes,
// HTTP-01 challenge publishing to memory and disk, and the order/finalize
// flow for single-name certificate issuance. Every failure here is
// recovered by the caller (certstore) with a self-signed certificate; this
// package never itself decides to give up permanently.
package acmebroker

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/mholt/acmez/v3"
	"github.com/mholt/acmez/v3/acme"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// ErrAcmeFailure is the sentinel wrapping every kind of ACME-path failure
// (account bootstrap, order, challenge, finalize). Callers always recover
// by falling back to a self-signed certificate; it is never fatal.
var ErrAcmeFailure = errors.New("acmebroker: acme failure")

const (
	accountKeyFile  = "account-key.pem"
	registeredFile  = ".account-registered"
	createLockFile  = ".account-create.lock"
	lockTimeout     = 5 * time.Second
	lockPollEvery   = 100 * time.Millisecond
	sentinelPollFor = 2 * time.Second
	challengeSubdir = ".well-known/acme-challenge"
)

// Broker is the ACME Broker. One Broker instance is owned by one worker
// process; coordination between workers for account creation happens
// through the filesystem (lock file + sentinel), not shared memory.
type Broker struct {
	dir        string
	directURL  string
	log        *zap.Logger
	httpClient *http.Client

	mu          sync.Mutex
	accountKey  *ecdsa.PrivateKey
	account     acme.Account
	registered  bool

	challengeMu sync.Mutex
	challenges  map[string]string // token -> keyAuth, in-memory short-circuit for this worker

	limiter *rate.Limiter
}

// New constructs a Broker. directoryURL should be the ACME production
// directory (staging MUST NOT be used by default — see spec §4.5 step 2).
func New(dir, directoryURL string, log *zap.Logger) *Broker {
	return &Broker{
		dir:        dir,
		directURL:  directoryURL,
		log:        log,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		challenges: make(map[string]string),
		limiter:    rate.NewLimiter(rate.Every(time.Second), 5),
	}
}

// Bootstrap loads or creates the account key and ensures the account is
// registered exactly once across all worker processes sharing dir, per the
// lock+sentinel protocol in §4.5 step 3.
func (b *Broker) Bootstrap(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	key, err := b.loadOrCreateAccountKey()
	if err != nil {
		return fmt.Errorf("%w: account key: %v", ErrAcmeFailure, err)
	}
	b.accountKey = key
	b.account = acme.Account{
		Contact:              nil,
		TermsOfServiceAgreed: true,
		PrivateKey:           key,
	}

	sentinelPath := filepath.Join(b.dir, registeredFile)
	if fileExists(sentinelPath) {
		b.registered = true
		return nil
	}

	acquired, err := acquireLock(filepath.Join(b.dir, createLockFile), lockTimeout, lockPollEvery)
	if err != nil {
		return fmt.Errorf("%w: lock: %v", ErrAcmeFailure, err)
	}
	if !acquired {
		if waitForFile(sentinelPath, sentinelPollFor) {
			b.registered = true
			return nil
		}
		b.log.Warn("acme account registration lock held by a peer worker and no sentinel appeared; continuing without ACME")
		return nil
	}
	defer releaseLock(filepath.Join(b.dir, createLockFile))

	if fileExists(sentinelPath) {
		b.registered = true
		return nil
	}

	client := b.newClient()
	account, err := client.NewAccount(ctx, b.account)
	if err != nil {
		return fmt.Errorf("%w: register account: %v", ErrAcmeFailure, err)
	}
	b.account = account

	if err := os.WriteFile(sentinelPath, []byte(time.Now().UTC().Format(time.RFC3339)), 0o600); err != nil {
		return fmt.Errorf("%w: write sentinel: %v", ErrAcmeFailure, err)
	}
	b.registered = true
	b.log.Info("acme account registered")
	return nil
}

// Issue runs the single-name HTTP-01 issuance flow for host and returns
// PEM-encoded certificate and key bytes on success.
func (b *Broker) Issue(ctx context.Context, host string) (certPEM, keyPEM []byte, err error) {
	b.mu.Lock()
	registered := b.registered
	account := b.account
	b.mu.Unlock()

	if !registered {
		return nil, nil, fmt.Errorf("%w: account not registered", ErrAcmeFailure)
	}

	if err := b.limiter.Wait(ctx); err != nil {
		return nil, nil, fmt.Errorf("%w: rate limiter: %v", ErrAcmeFailure, err)
	}

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: generate key: %v", ErrAcmeFailure, err)
	}

	csrDER, err := x509.CreateCertificateRequest(rand.Reader, &x509.CertificateRequest{
		Subject:  pkix.Name{CommonName: host},
		DNSNames: []string{host},
	}, key)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: create csr: %v", ErrAcmeFailure, err)
	}
	csr, err := x509.ParseCertificateRequest(csrDER)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: parse csr: %v", ErrAcmeFailure, err)
	}

	client := b.newClient()
	certs, err := client.ObtainCertificateUsingCSR(ctx, account, csr)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: obtain: %v", ErrAcmeFailure, err)
	}
	if len(certs) == 0 {
		return nil, nil, fmt.Errorf("%w: no certificates returned", ErrAcmeFailure)
	}

	keyDER := x509.MarshalPKCS1PrivateKey(key)
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: keyDER})
	return certs[0].ChainPEM, keyPEM, nil
}

func (b *Broker) newClient() *acmez.Client {
	return &acmez.Client{
		Client: &acme.Client{
			Directory:  b.directURL,
			HTTPClient: b.httpClient,
		},
		ChallengeSolvers: map[string]acmez.Solver{
			acme.ChallengeTypeHTTP01: &httpSolver{broker: b},
		},
	}
}

func (b *Broker) loadOrCreateAccountKey() (*ecdsa.PrivateKey, error) {
	path := filepath.Join(b.dir, accountKeyFile)
	if data, err := os.ReadFile(path); err == nil {
		block, _ := pem.Decode(data)
		if block == nil {
			return nil, fmt.Errorf("invalid account key PEM at %s", path)
		}
		key, err := x509.ParseECPrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parse account key: %w", err)
		}
		return key, nil
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate account key: %w", err)
	}
	der, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("marshal account key: %w", err)
	}
	if err := os.WriteFile(path, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: der}), 0o600); err != nil {
		return nil, fmt.Errorf("persist account key: %w", err)
	}
	return key, nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func waitForFile(path string, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if fileExists(path) {
			return true
		}
		time.Sleep(lockPollEvery)
	}
	return fileExists(path)
}

// acquireLock attempts to create path exclusively, spinning at pollEvery
// until timeout. It returns true if this call created the file.
func acquireLock(path string, timeout, pollEvery time.Duration) (bool, error) {
	deadline := time.Now().Add(timeout)
	for {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
		if err == nil {
			f.Close()
			return true, nil
		}
		if !os.IsExist(err) {
			return false, err
		}
		if time.Now().After(deadline) {
			return false, nil
		}
		time.Sleep(pollEvery)
	}
}

func releaseLock(path string) {
	os.Remove(path)
}
