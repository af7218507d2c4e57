package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"polycopy/internal/queue"
	"polycopy/internal/storage"
)

func openTestQueue(t *testing.T) *queue.Store {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "queue_adapter_test.db"))
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return queue.NewStore(db)
}

func TestQueuedReconcilerEnqueuesReconnectJob(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := openTestQueue(t)
	logger := slog.New(slog.NewTextHandler(discardWriter{}, nil))
	pool := queue.NewPool(store, queue.Reconcile, func(context.Context, queue.Job) error { return nil }, time.Minute, logger)

	qr := &queuedReconciler{pool: pool, logger: logger}
	qr.Reconcile(ctx, 5*time.Minute)

	job, err := store.Claim(ctx, queue.Reconcile, "reconnect")
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if job == nil {
		t.Fatal("expected a reconnect job to have been enqueued")
	}

	var p reconcilePayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if p.WindowSeconds != int64(5*time.Minute/time.Second) {
		t.Errorf("WindowSeconds = %d, want %d", p.WindowSeconds, int64(5*time.Minute/time.Second))
	}
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }
