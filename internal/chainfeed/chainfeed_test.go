package chainfeed

import (
	"io"
	"log/slog"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"

	"polycopy/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func encodeOrderFilled(t *testing.T, maker, taker common.Address, makerAssetID, takerAssetID, makerAmount, takerAmount, fee *big.Int) gethtypes.Log {
	t.Helper()
	data, err := nonIndexedArgs.Pack(makerAssetID, takerAssetID, makerAmount, takerAmount, fee)
	if err != nil {
		t.Fatalf("pack: %v", err)
	}
	return gethtypes.Log{
		Topics: []common.Hash{
			orderFilledTopic,
			common.HexToHash("0x0f0f"), // orderHash
			common.BytesToHash(maker.Bytes()),
			common.BytesToHash(taker.Bytes()),
		},
		Data:        data,
		TxHash:      common.HexToHash("0xabc123"),
		Index:       7,
		BlockNumber: 1000,
	}
}

func TestDecodeLogMakerBuysWhenTracked(t *testing.T) {
	t.Parallel()

	maker := common.HexToAddress("0x1111111111111111111111111111111111111111")
	taker := common.HexToAddress("0x2222222222222222222222222222222222222222")

	f := New("wss://example", nil, nil, testLogger())
	f.SetTracked([]string{maker.Hex()})

	// maker gives collateral (assetId 0), receives outcome token (assetId 42):
	// maker bought.
	lg := encodeOrderFilled(t, maker, taker,
		big.NewInt(0), big.NewInt(42),
		big.NewInt(600_000), big.NewInt(1_000_000), big.NewInt(1_000))

	evt, ok := f.decodeLog(lg)
	if !ok {
		t.Fatal("expected log to decode for a tracked maker")
	}
	if evt.Side != types.BUY {
		t.Errorf("Side = %v, want BUY", evt.Side)
	}
	if evt.ProfileAddress != maker.Hex() {
		t.Errorf("ProfileAddress = %s, want %s", evt.ProfileAddress, maker.Hex())
	}
	if evt.NotionalMicros != 600_000 {
		t.Errorf("NotionalMicros = %d, want 600_000", evt.NotionalMicros)
	}
	if evt.ShareMicros != 1_000_000 {
		t.Errorf("ShareMicros = %d, want 1_000_000", evt.ShareMicros)
	}
	if evt.RawTokenID != "42" {
		t.Errorf("RawTokenID = %s, want 42", evt.RawTokenID)
	}
	if evt.TxHash != lg.TxHash.Hex() || evt.LogIndex != 7 {
		t.Errorf("Key fields wrong: tx=%s logIndex=%d", evt.TxHash, evt.LogIndex)
	}
}

func TestDecodeLogTakerSellsWhenTracked(t *testing.T) {
	t.Parallel()

	maker := common.HexToAddress("0x1111111111111111111111111111111111111111")
	taker := common.HexToAddress("0x2222222222222222222222222222222222222222")

	f := New("wss://example", nil, nil, testLogger())
	f.SetTracked([]string{taker.Hex()})

	// maker gives collateral (assetId 0): maker buys, so taker (who gave the
	// token) sells.
	lg := encodeOrderFilled(t, maker, taker,
		big.NewInt(0), big.NewInt(42),
		big.NewInt(600_000), big.NewInt(1_000_000), big.NewInt(0))

	evt, ok := f.decodeLog(lg)
	if !ok {
		t.Fatal("expected log to decode for a tracked taker")
	}
	if evt.Side != types.SELL {
		t.Errorf("Side = %v, want SELL", evt.Side)
	}
	if evt.ProfileAddress != taker.Hex() {
		t.Errorf("ProfileAddress = %s, want %s", evt.ProfileAddress, taker.Hex())
	}
}

func TestDecodeLogIgnoresUntrackedParties(t *testing.T) {
	t.Parallel()

	maker := common.HexToAddress("0x1111111111111111111111111111111111111111")
	taker := common.HexToAddress("0x2222222222222222222222222222222222222222")

	f := New("wss://example", nil, nil, testLogger())
	// no SetTracked call: nobody is tracked

	lg := encodeOrderFilled(t, maker, taker,
		big.NewInt(0), big.NewInt(42),
		big.NewInt(600_000), big.NewInt(1_000_000), big.NewInt(0))

	if _, ok := f.decodeLog(lg); ok {
		t.Error("expected decodeLog to reject a log with no tracked party")
	}
}

func TestDecodeLogPriceMicros(t *testing.T) {
	t.Parallel()

	maker := common.HexToAddress("0x1111111111111111111111111111111111111111")
	taker := common.HexToAddress("0x2222222222222222222222222222222222222222")

	f := New("wss://example", nil, nil, testLogger())
	f.SetTracked([]string{maker.Hex()})

	// $0.60 notional for 1 share micros-worth of tokens -> price 600_000.
	lg := encodeOrderFilled(t, maker, taker,
		big.NewInt(0), big.NewInt(42),
		big.NewInt(600_000), big.NewInt(1_000_000), big.NewInt(0))

	evt, ok := f.decodeLog(lg)
	if !ok {
		t.Fatal("expected decode to succeed")
	}
	if evt.PriceMicros != 600_000 {
		t.Errorf("PriceMicros = %d, want 600_000", evt.PriceMicros)
	}
}
