package main

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"polycopy/internal/directory"
	"polycopy/internal/grouper"
	"polycopy/internal/storage"
	"polycopy/pkg/types"
)

func openTestDirectory(t *testing.T) *directory.Store {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "worker_test.db"))
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return directory.NewStore(db)
}

func TestToDecisionGroupResolvesFollowedUserAndScope(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	dir := openTestDirectory(t)
	if err := dir.Put(ctx, types.FollowedUser{ID: "u1", Address: "0xabc", Enabled: true, CreatedAt: time.Now()}); err != nil {
		t.Fatalf("Put: %v", err)
	}

	g := grouper.Group{
		FollowedAddress: "0xabc",
		AssetID:         "asset-1",
		Side:            types.BUY,
		ShareMicros:     1_000_000,
		NotionalMicros:  500_000,
		VWAPPriceMicros: 500_000,
		TradeKeys:       []string{"tx1:0", "tx1:1"},
	}

	dg, ok := toDecisionGroup(ctx, dir, g)
	if !ok {
		t.Fatal("expected toDecisionGroup to resolve the followed user")
	}
	if dg.FollowedUserID != "u1" {
		t.Errorf("FollowedUserID = %q, want u1", dg.FollowedUserID)
	}
	if dg.Scope != types.ScopeExecGlobal {
		t.Errorf("Scope = %q, want EXEC_GLOBAL", dg.Scope)
	}
	if dg.SourceType != types.SourceImmediate {
		t.Errorf("SourceType = %q, want IMMEDIATE", dg.SourceType)
	}
	if dg.BufferedTradeCount != 2 {
		t.Errorf("BufferedTradeCount = %d, want 2", dg.BufferedTradeCount)
	}
	if !dg.CloseTime.IsZero() {
		t.Errorf("CloseTime = %v, want zero (unknown)", dg.CloseTime)
	}
	if dg.GroupKey != "tx1:0+tx1:1" {
		t.Errorf("GroupKey = %q, want deterministic join of trade keys", dg.GroupKey)
	}
}

func TestToDecisionGroupDropsUnknownAddress(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	dir := openTestDirectory(t)

	g := grouper.Group{FollowedAddress: "0xnever-followed", AssetID: "asset-1", TradeKeys: []string{"tx1:0"}}
	if _, ok := toDecisionGroup(ctx, dir, g); ok {
		t.Error("expected toDecisionGroup to drop a group for an unknown address")
	}
}

func TestCopyAttemptPayloadRoundTrips(t *testing.T) {
	t.Parallel()
	g := grouper.Group{
		FollowedAddress: "0xabc",
		AssetID:         "asset-1",
		Side:            types.SELL,
		ShareMicros:     2_000_000,
		NotionalMicros:  1_000_000,
		TradeKeys:       []string{"tx2:0"},
		CloseReason:     grouper.CloseQuiet,
	}

	payload, err := encodeCopyAttempt(g)
	if err != nil {
		t.Fatalf("encodeCopyAttempt: %v", err)
	}
	got, err := decodeCopyAttempt(payload)
	if err != nil {
		t.Fatalf("decodeCopyAttempt: %v", err)
	}
	if got.FollowedAddress != g.FollowedAddress || got.AssetID != g.AssetID || got.NotionalMicros != g.NotionalMicros {
		t.Errorf("round-tripped group = %+v, want %+v", got, g)
	}
}

func TestIngestPostprocPayloadRoundTrips(t *testing.T) {
	t.Parallel()
	evt := types.TradeEvent{
		TxHash:         "0xdead",
		LogIndex:       3,
		BlockNumber:    12345,
		ProfileAddress: "0xabc",
		Side:           types.BUY,
		ShareMicros:    100,
		NotionalMicros: 50,
	}

	payload, err := encodeIngestPostproc(evt)
	if err != nil {
		t.Fatalf("encodeIngestPostproc: %v", err)
	}
	got, err := decodeIngestPostproc(payload)
	if err != nil {
		t.Fatalf("decodeIngestPostproc: %v", err)
	}
	if got.Key() != evt.Key() || got.BlockNumber != evt.BlockNumber {
		t.Errorf("round-tripped event = %+v, want %+v", got, evt)
	}
}
