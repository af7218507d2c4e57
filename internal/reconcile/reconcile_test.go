package reconcile

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"polycopy/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeWriter struct {
	mu     sync.Mutex
	writes []types.TradeEvent
}

func (w *fakeWriter) Write(ctx context.Context, evt types.TradeEvent, blockNumber uint64) (bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, seen := range w.writes {
		if seen.Key() == evt.Key() {
			return false, nil
		}
	}
	w.writes = append(w.writes, evt)
	return true, nil
}

type fakeCursors struct {
	mu      sync.Mutex
	cursors map[string]time.Time
}

func newFakeCursors() *fakeCursors { return &fakeCursors{cursors: make(map[string]time.Time)} }

func (c *fakeCursors) LoadCursor(ctx context.Context, userID string) (time.Time, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cursors[userID], nil
}

func (c *fakeCursors) SaveCursor(ctx context.Context, userID string, cursor time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cursors[userID] = cursor
	return nil
}

type fakeUsers struct {
	users []types.FollowedUser
}

func (u fakeUsers) FollowedUsers() []types.FollowedUser { return u.users }

func TestReconcileWritesNewTrades(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		offset := r.URL.Query().Get("offset")
		if offset != "0" {
			json.NewEncoder(w).Encode([]remoteTrade{})
			return
		}
		json.NewEncoder(w).Encode([]remoteTrade{
			{
				TransactionHash: "0xtx1", LogIndex: 0, Timestamp: time.Now().Unix(),
				Price: "0.60", Size: "500", Side: "BUY", Asset: "42", ProxyWallet: "0xabc",
			},
		})
	}))
	defer srv.Close()

	writer := &fakeWriter{}
	cursors := newFakeCursors()
	users := fakeUsers{users: []types.FollowedUser{{ID: "u1", Address: "0xabc"}}}

	r := New(srv.URL, writer, cursors, users, testLogger())
	r.Reconcile(context.Background(), 5*time.Minute)

	if len(writer.writes) != 1 {
		t.Fatalf("expected 1 write, got %d", len(writer.writes))
	}
	if writer.writes[0].Side != types.BUY {
		t.Errorf("Side = %v, want BUY", writer.writes[0].Side)
	}

	cursor, _ := cursors.LoadCursor(context.Background(), "u1")
	if cursor.IsZero() {
		t.Error("expected cursor to advance after reconcile")
	}
}

func TestReconcileSkipsAlreadySeenTrades(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("offset") != "0" {
			json.NewEncoder(w).Encode([]remoteTrade{})
			return
		}
		json.NewEncoder(w).Encode([]remoteTrade{
			{TransactionHash: "0xtx1", LogIndex: 0, Timestamp: time.Now().Unix(), Price: "0.5", Size: "100", Side: "BUY", Asset: "1", ProxyWallet: "0xabc"},
		})
	}))
	defer srv.Close()

	writer := &fakeWriter{}
	users := fakeUsers{users: []types.FollowedUser{{ID: "u1", Address: "0xabc"}}}
	r := New(srv.URL, writer, nil, users, testLogger())

	r.Reconcile(context.Background(), 5*time.Minute)
	r.Reconcile(context.Background(), 5*time.Minute)

	if len(writer.writes) != 1 {
		t.Errorf("expected duplicate delivery to be ignored, got %d writes", len(writer.writes))
	}
}
