package main

import (
	"context"
	"encoding/json"
	"strings"

	"polycopy/internal/decision"
	"polycopy/internal/directory"
	"polycopy/internal/grouper"
	"polycopy/pkg/types"
)

// toDecisionGroup enriches a closed grouper.Group with the portfolio user
// id and market id the decision pipeline needs but the grouper never
// carries. It always targets the EXEC_GLOBAL scope and SourceImmediate —
// Evaluate itself reroutes small trades into the buffer (which re-tags them
// SourceBuffer on flush) and the shadow/exec-user ledger rows fan out of a
// single EXEC_GLOBAL call, per decision.Engine.Evaluate's own fan-out.
//
// Returns false if the followed address isn't (or is no longer) in the
// roster — the group is dropped rather than evaluated against a user that
// doesn't exist.
func toDecisionGroup(ctx context.Context, dir *directory.Store, g grouper.Group) (decision.Group, bool) {
	user, ok := dir.ByAddress(ctx, g.FollowedAddress)
	if !ok {
		return decision.Group{}, false
	}
	marketID, _ := dir.MarketForAsset(ctx, g.AssetID)

	return decision.Group{
		GroupKey:        groupKey(g),
		FollowedUserID:  user.ID,
		FollowedAddress: g.FollowedAddress,
		MarketID:        marketID,
		AssetID:         g.AssetID,
		// CloseTime is left zero: market close time isn't denormalised onto
		// trade_events, and resolving it requires market-metadata
		// enrichment, which is out of scope. decision.Group's own CloseTime
		// doc treats zero as "unknown, don't filter on it".
		Side:               g.Side,
		ShareMicros:        g.ShareMicros,
		NotionalMicros:     g.NotionalMicros,
		RefPriceMicros:     g.VWAPPriceMicros,
		Scope:              types.ScopeExecGlobal,
		SourceType:         types.SourceImmediate,
		BufferedTradeCount: len(g.TradeKeys),
	}, true
}

// groupKey derives a deterministic id from the group's constituent trades,
// so a job redelivered after a crash (same TradeKeys, same order) commits
// to the same ledger RefIDs instead of double-crediting.
func groupKey(g grouper.Group) string {
	return strings.Join(g.TradeKeys, "+")
}

// copyAttemptPayload is the copy-attempt queue's job payload: a closed
// group, JSON-encoded for durability across a restart.
type copyAttemptPayload struct {
	Group grouper.Group `json:"group"`
}

func encodeCopyAttempt(g grouper.Group) ([]byte, error) {
	return json.Marshal(copyAttemptPayload{Group: g})
}

func decodeCopyAttempt(payload []byte) (grouper.Group, error) {
	var p copyAttemptPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return grouper.Group{}, err
	}
	return p.Group, nil
}

// ingestPostprocPayload carries a raw chain-fed TradeEvent to the
// canonical-trade writer through the durable queue, so a write blocked on a
// full downstream channel retries instead of silently dropping the fill.
type ingestPostprocPayload struct {
	Event types.TradeEvent `json:"event"`
}

func encodeIngestPostproc(evt types.TradeEvent) ([]byte, error) {
	return json.Marshal(ingestPostprocPayload{Event: evt})
}

func decodeIngestPostproc(payload []byte) (types.TradeEvent, error) {
	var p ingestPostprocPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return types.TradeEvent{}, err
	}
	return p.Event, nil
}
