// Package bookfeed drives internal/book's Cache from an upstream order-book
// WebSocket. It holds a single multiplexed connection, subscribing and
// unsubscribing in response to the cache's event bus rather than holding a
// pointer back to the cache — the cache and the feed are two actors
// exchanging typed events, not mutual references.
package bookfeed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"polycopy/internal/book"
	"polycopy/internal/money"
	"polycopy/pkg/types"
)

const (
	pingInterval     = 50 * time.Second
	readTimeout      = 90 * time.Second
	maxReconnectWait = 30 * time.Second
	writeTimeout     = 10 * time.Second
)

// State is the feed's connection state machine.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
)

// Feed maintains a single book WebSocket connection and keeps it
// subscribed to exactly the set of tokens internal/book.Cache currently
// wants.
type Feed struct {
	url   string
	cache *book.Cache

	connMu sync.Mutex
	conn   *websocket.Conn
	state  State

	subscribedMu sync.RWMutex
	subscribed   map[string]bool

	logger *slog.Logger
}

// New creates a book feed that drives cache's Cache from wsURL.
func New(wsURL string, cache *book.Cache, logger *slog.Logger) *Feed {
	return &Feed{
		url:        wsURL,
		cache:      cache,
		subscribed: make(map[string]bool),
		logger:     logger.With("component", "bookfeed"),
	}
}

// Run connects and maintains the connection, consuming cache.Events() for
// subscribe/unsubscribe signals, until ctx is cancelled.
func (f *Feed) Run(ctx context.Context) error {
	go f.consumeCacheEvents(ctx)

	backoff := time.Second
	for {
		f.setState(Connecting)
		err := f.connectAndRead(ctx)
		if ctx.Err() != nil {
			f.setState(Disconnected)
			return ctx.Err()
		}

		f.setState(Disconnected)
		jittered := backoff + time.Duration(rand.Int63n(int64(backoff)/2+1))
		f.logger.Warn("book feed disconnected, reconnecting", "error", err, "backoff", jittered)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(jittered):
		}

		backoff *= 2
		if backoff > maxReconnectWait {
			backoff = maxReconnectWait
		}
	}
}

func (f *Feed) setState(s State) {
	f.connMu.Lock()
	f.state = s
	f.connMu.Unlock()
}

// State returns the feed's current connection state.
func (f *Feed) State() State {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	return f.state
}

// consumeCacheEvents reacts to the cache's subscribe/unsubscribe requests by
// updating the feed's own subscription set and, once connected, pushing the
// change upstream.
func (f *Feed) consumeCacheEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-f.cache.Events():
			if !ok {
				return
			}
			switch ev.Kind {
			case book.EventSubscribe:
				f.subscribedMu.Lock()
				f.subscribed[ev.AssetID] = true
				f.subscribedMu.Unlock()
				_ = f.writeJSON(types.WSUpdateMsg{Operation: "subscribe", AssetIDs: []string{ev.AssetID}})
			case book.EventUnsubscribe:
				f.subscribedMu.Lock()
				delete(f.subscribed, ev.AssetID)
				f.subscribedMu.Unlock()
				_ = f.writeJSON(types.WSUpdateMsg{Operation: "unsubscribe", AssetIDs: []string{ev.AssetID}})
			}
		}
	}
}

func (f *Feed) connectAndRead(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	f.connMu.Lock()
	f.conn = conn
	f.connMu.Unlock()
	f.setState(Connected)

	defer func() {
		f.connMu.Lock()
		conn.Close()
		f.conn = nil
		f.connMu.Unlock()
	}()

	if err := f.resubscribeAll(); err != nil {
		return fmt.Errorf("resubscribe: %w", err)
	}

	f.logger.Info("book feed connected")

	pingCtx, pingCancel := context.WithCancel(ctx)
	defer pingCancel()
	go f.pingLoop(pingCtx)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		f.dispatchMessage(msg)
	}
}

// resubscribeAll re-sends every currently-subscribed token id. Reconnect
// must preserve the subscription set exactly.
func (f *Feed) resubscribeAll() error {
	f.subscribedMu.RLock()
	ids := make([]string, 0, len(f.subscribed))
	for id := range f.subscribed {
		ids = append(ids, id)
	}
	f.subscribedMu.RUnlock()

	if len(ids) == 0 {
		return nil
	}
	return f.writeJSON(types.WSSubscribeMsg{Type: "market", AssetIDs: ids})
}

func (f *Feed) dispatchMessage(data []byte) {
	var envelope struct {
		EventType string `json:"event_type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		f.logger.Debug("ignoring non-json book feed message")
		return
	}

	now := time.Now()
	switch envelope.EventType {
	case "book":
		var evt types.WSBookEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			f.logger.Error("unmarshal book event", "error", err)
			return
		}
		f.cache.ApplyBookSnapshot(evt.AssetID, book.SourceWS, toLevels(evt.Buys), toLevels(evt.Sells), now)

	case "price_change":
		var evt types.WSPriceChangeEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			f.logger.Error("unmarshal price_change event", "error", err)
			return
		}
		for _, pc := range evt.PriceChanges {
			side := types.BUY
			if pc.Side == "SELL" {
				side = types.SELL
			}
			f.cache.ApplyDelta(pc.AssetID, book.SourceWS, side, money.ParsePriceMicros(pc.Price), money.ParseShareMicros(pc.Size), now)
		}

	default:
		f.logger.Debug("ignoring book feed event", "type", envelope.EventType)
	}
}

func toLevels(levels []types.PriceLevel) []types.OrderBookLevel {
	out := make([]types.OrderBookLevel, 0, len(levels))
	for _, l := range levels {
		out = append(out, types.OrderBookLevel{
			PriceMicros: money.ParsePriceMicros(l.Price),
			SizeMicros:  money.ParseShareMicros(l.Size),
		})
	}
	return out
}

func (f *Feed) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := f.writeMessage(websocket.TextMessage, []byte("PING")); err != nil {
				f.logger.Warn("ping failed", "error", err)
				return
			}
		}
	}
}

func (f *Feed) writeJSON(v interface{}) error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn == nil {
		return fmt.Errorf("book feed not connected")
	}
	f.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return f.conn.WriteJSON(v)
}

func (f *Feed) writeMessage(msgType int, data []byte) error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn == nil {
		return fmt.Errorf("book feed not connected")
	}
	f.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return f.conn.WriteMessage(msgType, data)
}
