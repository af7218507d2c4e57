package queue

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"polycopy/internal/storage"
)

type nopWriter struct{}

func (nopWriter) Write(p []byte) (int, error) { return len(p), nil }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(nopWriter{}, nil))
}

func openTestDB(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	db, err := storage.Open(filepath.Join(dir, "queue_test.db"))
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewStore(db)
}

func TestClaimReturnsNilWhenNothingDue(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := openTestDB(t)

	job, err := s.Claim(ctx, CopyAttempt, "EXEC_GLOBAL")
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if job != nil {
		t.Fatalf("expected no job, got %+v", job)
	}
}

func TestEnqueueThenClaimRoundTrips(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := openTestDB(t)

	id, err := s.Enqueue(ctx, CopyAttempt, "EXEC_GLOBAL", []byte(`{"group":"g1"}`))
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	job, err := s.Claim(ctx, CopyAttempt, "EXEC_GLOBAL")
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if job == nil {
		t.Fatal("expected a claimed job")
	}
	if job.ID != id || string(job.Payload) != `{"group":"g1"}` {
		t.Errorf("claimed job = %+v", job)
	}

	// An in-progress job must not be claimed again.
	again, err := s.Claim(ctx, CopyAttempt, "EXEC_GLOBAL")
	if err != nil {
		t.Fatalf("Claim again: %v", err)
	}
	if again != nil {
		t.Errorf("expected no second claimable job, got %+v", again)
	}
}

func TestDepthCountsOnlyPendingJobsInNamedQueue(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := openTestDB(t)

	if _, err := s.Enqueue(ctx, CopyAttempt, "EXEC_GLOBAL", []byte("a")); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if _, err := s.Enqueue(ctx, CopyAttempt, "SHADOW_USER", []byte("b")); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if _, err := s.Enqueue(ctx, Reconcile, "EXEC_GLOBAL", []byte("c")); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	depth, err := s.Depth(ctx, CopyAttempt)
	if err != nil {
		t.Fatalf("Depth: %v", err)
	}
	if depth != 2 {
		t.Errorf("Depth(copy_attempt) = %d, want 2", depth)
	}

	if _, err := s.Claim(ctx, CopyAttempt, "EXEC_GLOBAL"); err != nil {
		t.Fatalf("Claim: %v", err)
	}
	depth, err = s.Depth(ctx, CopyAttempt)
	if err != nil {
		t.Fatalf("Depth after claim: %v", err)
	}
	if depth != 1 {
		t.Errorf("Depth(copy_attempt) after claiming one = %d, want 1", depth)
	}
}

func TestFailReschedulesWithBackoffUntilDeadLetter(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := openTestDB(t)

	if _, err := s.Enqueue(ctx, Reconcile, "m1", []byte("x")); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	job, err := s.Claim(ctx, Reconcile, "m1")
	if err != nil || job == nil {
		t.Fatalf("Claim: job=%+v err=%v", job, err)
	}

	if err := s.Fail(ctx, job.ID, 1); err != nil {
		t.Fatalf("Fail: %v", err)
	}

	// Backoff hasn't elapsed yet: not immediately reclaimable.
	retried, err := s.Claim(ctx, Reconcile, "m1")
	if err != nil {
		t.Fatalf("Claim after fail: %v", err)
	}
	if retried != nil {
		t.Errorf("expected job to still be backing off, got claimable %+v", retried)
	}

	if err := s.Fail(ctx, job.ID, maxAttempts); err != nil {
		t.Fatalf("Fail to dead-letter: %v", err)
	}
	var status string
	if err := s.db.SQL().QueryRowContext(ctx, `SELECT status FROM queue_jobs WHERE id = ?`, job.ID).Scan(&status); err != nil {
		t.Fatalf("query status: %v", err)
	}
	if status != "dead" {
		t.Errorf("status = %q, want dead", status)
	}
}

func TestCompleteRemovesJob(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := openTestDB(t)

	id, err := s.Enqueue(ctx, IngestPostproc, "tok1", []byte("x"))
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := s.Complete(ctx, id); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	var count int
	if err := s.db.SQL().QueryRowContext(ctx, `SELECT COUNT(*) FROM queue_jobs WHERE id = ?`, id).Scan(&count); err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 0 {
		t.Errorf("expected completed job to be removed, found %d rows", count)
	}
}

func TestPoolDrainsEachScopeIndependently(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s := openTestDB(t)

	var mu sync.Mutex
	processed := map[string]int{}
	handler := func(ctx context.Context, job Job) error {
		mu.Lock()
		processed[job.ScopeKey]++
		mu.Unlock()
		return nil
	}

	pool := NewPool(s, CopyAttempt, handler, 20*time.Millisecond, testLogger())

	for i := 0; i < 3; i++ {
		if _, err := pool.Enqueue(ctx, "EXEC_GLOBAL", []byte("x")); err != nil {
			t.Fatalf("Enqueue EXEC_GLOBAL: %v", err)
		}
	}
	if _, err := pool.Enqueue(ctx, "SHADOW_USER", []byte("x")); err != nil {
		t.Fatalf("Enqueue SHADOW_USER: %v", err)
	}

	done := make(chan struct{})
	go func() {
		pool.Run(ctx, []string{"EXEC_GLOBAL", "SHADOW_USER"})
		close(done)
	}()

	deadline := time.After(1500 * time.Millisecond)
	for {
		mu.Lock()
		got := processed["EXEC_GLOBAL"] == 3 && processed["SHADOW_USER"] == 1
		mu.Unlock()
		if got {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for drain, processed=%v", processed)
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	<-done
}

func TestHandlerErrorLeavesJobPendingWithIncrementedAttempts(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := openTestDB(t)

	id, err := s.Enqueue(ctx, CopyAttempt, "EXEC_GLOBAL", []byte("x"))
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	wantErr := errors.New("boom")
	pool := NewPool(s, CopyAttempt, func(ctx context.Context, j Job) error { return wantErr }, time.Hour, testLogger())
	pool.drain(ctx, "EXEC_GLOBAL")

	var status string
	var attempts int
	if err := s.db.SQL().QueryRowContext(ctx, `SELECT status, attempts FROM queue_jobs WHERE id = ?`, id).Scan(&status, &attempts); err != nil {
		t.Fatalf("query: %v", err)
	}
	if status != "pending" || attempts != 1 {
		t.Errorf("status=%q attempts=%d, want pending/1", status, attempts)
	}
}
