package acmebroker

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestBootstrapCreatesAccountKey(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, challengeSubdir), 0o755); err != nil {
		t.Fatal(err)
	}

	b := New(dir, "https://example.invalid/directory", zap.NewNop())
	// Bootstrap will attempt to register against an unreachable directory
	// and fail the network call, but the account key must still be
	// generated and persisted before that point.
	_ = b.Bootstrap(context.TODO())

	if _, err := os.Stat(filepath.Join(dir, accountKeyFile)); err != nil {
		t.Fatalf("expected account key to be created: %v", err)
	}
}

func TestAcquireLockExclusive(t *testing.T) {
	dir := t.TempDir()
	lockPath := filepath.Join(dir, "test.lock")

	ok, err := acquireLock(lockPath, time.Second, 10*time.Millisecond)
	if err != nil || !ok {
		t.Fatalf("first acquire should succeed: ok=%v err=%v", ok, err)
	}

	ok2, err := acquireLock(lockPath, 100*time.Millisecond, 10*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	if ok2 {
		t.Fatal("second acquire should fail while lock is held")
	}

	releaseLock(lockPath)
	ok3, err := acquireLock(lockPath, time.Second, 10*time.Millisecond)
	if err != nil || !ok3 {
		t.Fatalf("acquire after release should succeed: ok=%v err=%v", ok3, err)
	}
}

func TestLookupChallengeSharedAcrossWorkers(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, challengeSubdir), 0o755); err != nil {
		t.Fatal(err)
	}

	workerA := New(dir, "https://example.invalid/directory", zap.NewNop())
	workerB := New(dir, "https://example.invalid/directory", zap.NewNop())

	token := "test-token"
	path := filepath.Join(dir, challengeSubdir, token)
	if err := os.WriteFile(path, []byte("key-auth-value"), 0o600); err != nil {
		t.Fatal(err)
	}

	if _, ok := workerA.LookupChallenge(token); !ok {
		t.Fatal("worker A should find the challenge file it wrote")
	}
	if keyAuth, ok := workerB.LookupChallenge(token); !ok || keyAuth != "key-auth-value" {
		t.Fatalf("worker B should find the same challenge via the filesystem, got %q ok=%v", keyAuth, ok)
	}
}

func TestLookupChallengeMiss(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, challengeSubdir), 0o755); err != nil {
		t.Fatal(err)
	}
	b := New(dir, "https://example.invalid/directory", zap.NewNop())
	if _, ok := b.LookupChallenge("nonexistent"); ok {
		t.Fatal("expected miss for unknown token")
	}
}
