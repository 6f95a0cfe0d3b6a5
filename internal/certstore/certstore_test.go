package certstore

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"go.uber.org/zap"
)

type stubBroker struct {
	bootstrapErr error
	issueErr     error
	issueCount   int
	certPEM      []byte
	keyPEM       []byte
}

func (s *stubBroker) Bootstrap(ctx context.Context) error { return s.bootstrapErr }

func (s *stubBroker) Issue(ctx context.Context, host string) ([]byte, []byte, error) {
	s.issueCount++
	if s.issueErr != nil {
		return nil, nil, s.issueErr
	}
	return s.certPEM, s.keyPEM, nil
}

func newTestCertStore(t *testing.T, broker AcmeIssuer) *CertStore {
	t.Helper()
	cs, err := Initialize(t.TempDir(), broker, zap.NewNop())
	if err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	return cs
}

func TestGetDefaultGeneratesAndPersists(t *testing.T) {
	cs := newTestCertStore(t, &stubBroker{})
	cert, err := cs.GetDefault()
	if err != nil {
		t.Fatalf("GetDefault: %v", err)
	}
	if cert.Leaf == nil || cert.Leaf.Subject.CommonName != "localhost" {
		t.Fatalf("unexpected leaf: %+v", cert.Leaf)
	}

	// second call should load from disk rather than regenerate.
	cert2, err := cs.GetDefault()
	if err != nil {
		t.Fatalf("GetDefault (2nd): %v", err)
	}
	if cert2.Leaf.SerialNumber.Cmp(cert.Leaf.SerialNumber) != 0 {
		t.Error("expected second GetDefault to reuse the persisted certificate")
	}
}

func TestGetDefaultPersistsUnderDefaultBasename(t *testing.T) {
	dir := t.TempDir()
	cs, err := Initialize(dir, &stubBroker{}, zap.NewNop())
	if err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if _, err := cs.GetDefault(); err != nil {
		t.Fatalf("GetDefault: %v", err)
	}

	if _, err := os.Stat(filepath.Join(dir, "default.crt")); err != nil {
		t.Fatalf("expected default.crt on disk: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "default.key")); err != nil {
		t.Fatalf("expected default.key on disk: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "localhost.crt")); err == nil {
		t.Fatal("did not expect a localhost.crt file; the on-disk basename must be 'default'")
	}
}

func TestGetDefaultLoadsOperatorSuppliedCertUnderDefaultName(t *testing.T) {
	dir := t.TempDir()
	cs, err := Initialize(dir, &stubBroker{}, zap.NewNop())
	if err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	// An operator-placed default.crt/default.key, with a CN other than
	// "localhost", must be the one GetDefault serves rather than being
	// silently regenerated.
	operatorCert, err := newSelfSignedCertificate("operator-supplied.example")
	if err != nil {
		t.Fatal(err)
	}
	if err := cs.persist(defaultBasename, operatorCert); err != nil {
		t.Fatal(err)
	}

	got, err := cs.GetDefault()
	if err != nil {
		t.Fatalf("GetDefault: %v", err)
	}
	if got.Leaf.Subject.CommonName != "operator-supplied.example" {
		t.Fatalf("CommonName = %q, want the operator-supplied cert to be loaded", got.Leaf.Subject.CommonName)
	}
}

func TestEnsureUnauthorizedNeverContactsAcme(t *testing.T) {
	broker := &stubBroker{}
	cs := newTestCertStore(t, broker)

	cert, err := cs.Ensure(context.Background(), "not-in-db.example", false)
	if err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	if IsReal(&cert) {
		t.Fatal("expected self-signed certificate for unauthorized host")
	}
	if broker.issueCount != 0 {
		t.Fatalf("expected 0 ACME issuance attempts, got %d", broker.issueCount)
	}
}

func TestEnsureAuthorizedFallsBackOnAcmeFailure(t *testing.T) {
	broker := &stubBroker{issueErr: errors.New("boom")}
	cs := newTestCertStore(t, broker)

	cert, err := cs.Ensure(context.Background(), "fails.example", true)
	if err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	if IsReal(&cert) {
		t.Fatal("expected self-signed fallback on ACME failure")
	}
	if broker.issueCount != 1 {
		t.Fatalf("expected exactly 1 issuance attempt, got %d", broker.issueCount)
	}
}

func TestEnsureRateLimitsRepeatAttempts(t *testing.T) {
	broker := &stubBroker{issueErr: errors.New("boom")}
	cs := newTestCertStore(t, broker)

	ctx := context.Background()
	if _, err := cs.Ensure(ctx, "h.example", true); err != nil {
		t.Fatal(err)
	}
	if _, err := cs.Ensure(ctx, "h.example", true); err != nil {
		t.Fatal(err)
	}
	if broker.issueCount != 1 {
		t.Fatalf("expected rate limiter to suppress the second attempt, got %d issuances", broker.issueCount)
	}
}

func TestIsValidAcceptsFreshCertificate(t *testing.T) {
	cert, err := newSelfSignedCertificate("expiring.example")
	if err != nil {
		t.Fatal(err)
	}
	// freshly generated certs are valid for a year, well outside the 30-day window.
	if !IsValid(&cert) {
		t.Fatal("expected freshly generated cert to be valid")
	}
}

func TestIsRealDistinguishesSelfSigned(t *testing.T) {
	cert, err := newSelfSignedCertificate("selfsigned.example")
	if err != nil {
		t.Fatal(err)
	}
	if IsReal(&cert) {
		t.Fatal("self-signed certificate must not classify as real")
	}
}
