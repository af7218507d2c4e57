package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"polycopy/internal/queue"
	"polycopy/internal/reconcile"
)

// queuedReconciler satisfies chainfeed.Reconciler by enqueueing a durable
// job instead of calling reconcile.Reconciler.Reconcile synchronously off
// the chain feed's reader goroutine — a slow REST round-trip on reconnect
// would otherwise stall log decoding for as long as the catch-up takes.
// The reconcile queue's single worker drains it onto the real Reconciler.
type queuedReconciler struct {
	pool   *queue.Pool
	logger *slog.Logger
}

type reconcilePayload struct {
	WindowSeconds int64 `json:"windowSeconds"`
}

// Reconcile implements chainfeed.Reconciler.
func (q *queuedReconciler) Reconcile(ctx context.Context, window time.Duration) {
	payload, err := json.Marshal(reconcilePayload{WindowSeconds: int64(window / time.Second)})
	if err != nil {
		q.logger.Error("marshal reconcile job", "error", err)
		return
	}
	if _, err := q.pool.Enqueue(ctx, "reconnect", payload); err != nil {
		q.logger.Error("enqueue reconnect reconcile job", "error", err)
	}
}

// reconcileHandler builds the reconcile queue's job handler, which runs the
// backfill for the window the reconnect-triggered job carried.
func reconcileHandler(r *reconcile.Reconciler) queue.Handler {
	return func(ctx context.Context, job queue.Job) error {
		var p reconcilePayload
		if err := json.Unmarshal(job.Payload, &p); err != nil {
			return err
		}
		r.Reconcile(ctx, time.Duration(p.WindowSeconds)*time.Second)
		return nil
	}
}
