package acmebroker

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/mholt/acmez/v3/acme"
)

// httpSolver implements acmez.Solver for the HTTP-01 challenge type. It
// publishes the key authorization both to the broker's in-memory map (for
// this worker's own request handler) and to a file under
// .well-known/acme-challenge/<token> inside the certs directory, so that
// whichever peer worker's listener the ACME server happens to connect to
// can serve the validation response (§4.5 step 7, §5 challenge-file
// visibility requirement).
type httpSolver struct {
	broker *Broker
}

func (s *httpSolver) Present(ctx context.Context, chal acme.Challenge) error {
	keyAuth := chal.KeyAuthorization
	if keyAuth == "" {
		return fmt.Errorf("%w: empty key authorization for token %s", ErrAcmeFailure, chal.Token)
	}

	s.broker.challengeMu.Lock()
	s.broker.challenges[chal.Token] = keyAuth
	s.broker.challengeMu.Unlock()

	path := filepath.Join(s.broker.dir, challengeSubdir, chal.Token)
	if err := os.WriteFile(path, []byte(keyAuth), 0o600); err != nil {
		return fmt.Errorf("%w: write challenge file: %v", ErrAcmeFailure, err)
	}
	return nil
}

func (s *httpSolver) CleanUp(ctx context.Context, chal acme.Challenge) error {
	s.broker.challengeMu.Lock()
	delete(s.broker.challenges, chal.Token)
	s.broker.challengeMu.Unlock()

	path := filepath.Join(s.broker.dir, challengeSubdir, chal.Token)
	_ = os.Remove(path)
	return nil
}

// LookupChallenge resolves a token to its key authorization, checking the
// in-memory map first (this worker may have presented it itself) and then
// the shared filesystem path (another worker may have).
func (b *Broker) LookupChallenge(token string) (string, bool) {
	b.challengeMu.Lock()
	keyAuth, ok := b.challenges[token]
	b.challengeMu.Unlock()
	if ok {
		return keyAuth, true
	}

	data, err := os.ReadFile(filepath.Join(b.dir, challengeSubdir, token))
	if err != nil {
		return "", false
	}
	return string(data), true
}
