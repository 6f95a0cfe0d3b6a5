package supervisor

import (
	"context"
	"testing"

	"go.uber.org/zap"
)

func TestWorkerCountBounded(t *testing.T) {
	n := WorkerCount()
	if n < 1 || n > maxWorkers {
		t.Fatalf("WorkerCount() = %d, want in [1,%d]", n, maxWorkers)
	}
}

func TestSpawnAndWaitCleanExit(t *testing.T) {
	s := &Supervisor{log: zap.NewNop(), binary: "/bin/true", args: nil}
	code, err := s.spawnAndWait(context.Background(), 0)
	if err != nil {
		t.Fatalf("spawnAndWait: %v", err)
	}
	if code != 0 {
		t.Fatalf("code = %d, want 0", code)
	}
}

func TestSpawnAndWaitNonZeroExit(t *testing.T) {
	s := &Supervisor{log: zap.NewNop(), binary: "/bin/false", args: nil}
	code, err := s.spawnAndWait(context.Background(), 0)
	if err != nil {
		t.Fatalf("spawnAndWait: %v", err)
	}
	if code != 1 {
		t.Fatalf("code = %d, want 1", code)
	}
}

func TestSpawnAndWaitSetsStableWorkerID(t *testing.T) {
	s := &Supervisor{log: zap.NewNop(), binary: "/bin/sh", args: []string{"-c", `test "$WORKER_ID" = "3"`}}
	for i := 0; i < 3; i++ {
		code, err := s.spawnAndWait(context.Background(), 3)
		if err != nil {
			t.Fatalf("spawnAndWait: %v", err)
		}
		if code != 0 {
			t.Fatalf("respawn %d: code = %d, want 0 (WORKER_ID was not 3)", i, code)
		}
	}
}

func TestSpawnAndWaitDoesNotLeakCallerWorkerID(t *testing.T) {
	t.Setenv("WORKER_ID", "stale-from-parent")
	s := &Supervisor{log: zap.NewNop(), binary: "/bin/sh", args: []string{"-c", `test "$WORKER_ID" = "7"`}}
	code, err := s.spawnAndWait(context.Background(), 7)
	if err != nil {
		t.Fatalf("spawnAndWait: %v", err)
	}
	if code != 0 {
		t.Fatalf("code = %d, want 0: child should see WORKER_ID=7, not the parent's stale value", code)
	}
}

func TestRunRespawnsAndRespectsCancellation(t *testing.T) {
	s := &Supervisor{log: zap.NewNop(), binary: "/bin/true", args: nil}
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan int, 1)
	go func() { done <- s.Run(ctx) }()

	cancel()
	<-done
}
