// Package chainfeed subscribes to on-chain OrderFilled logs from the
// Polymarket exchange contracts and turns them into raw TradeEvents for the
// canonical trade writer (internal/canontrade) to upsert.
//
// There is no teacher file that does on-chain log subscription: this
// component extends the teacher's existing go-ethereum dependency surface
// (crypto/common/apitypes, used there for EIP-712 order signing) into
// ethclient.SubscribeFilterLogs and accounts/abi decoding. The reconnect
// shape — exponential backoff, state machine, re-subscribe-on-reconnect —
// is adapted from exchange.WSFeed.Run.
package chainfeed

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"math/rand"
	"sync"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"polycopy/internal/money"
	"polycopy/pkg/types"
)

// Exchange contract addresses named in the upstream log-subscription filter.
const (
	ExchangeLegacy  = "0x4bFb41d5B3570DeFd03C39a9A4D8dE6Bd8B8982E"
	ExchangeNegRisk = "0xC5d563A36AE78145C45a50134d48A1215220f80a"
)

const (
	maxReconnectWait = 30 * time.Second
	// BackfillWindow is how far back the reconcile job re-pulls from the
	// secondary trade API after a WS reconnect, to plug any gap missed while
	// disconnected.
	BackfillWindow = 5 * time.Minute
)

var orderFilledTopic = crypto.Keccak256Hash(
	[]byte("OrderFilled(bytes32,address,address,uint256,uint256,uint256,uint256,uint256)"),
)

var uint256Type, _ = abi.NewType("uint256", "", nil)

// nonIndexedArgs unpacks the five uint256 fields carried in the log's data:
// makerAssetId, takerAssetId, makerAmountFilled, takerAmountFilled, fee.
// orderHash, maker, and taker are indexed and read straight off the topics.
var nonIndexedArgs = abi.Arguments{
	{Type: uint256Type}, {Type: uint256Type}, {Type: uint256Type}, {Type: uint256Type}, {Type: uint256Type},
}

// State is the feed's connection/backfill state machine.
type State int

const (
	Starting State = iota
	Live
	Disconnected
	Backfilling
)

// Checkpointer persists and loads the last successfully processed block
// number, so a restart resumes rather than re-scanning from genesis.
type Checkpointer interface {
	LoadLastBlock(ctx context.Context) (uint64, error)
	SaveLastBlock(ctx context.Context, block uint64) error
}

// Reconciler is invoked after a reconnect to backfill the gap from the
// secondary trade REST API (internal/reconcile implements this).
type Reconciler interface {
	Reconcile(ctx context.Context, window time.Duration)
}

// Feed maintains a single eth_subscribe("logs", ...) subscription against
// the exchange contracts and decodes OrderFilled events for tracked
// wallets into TradeEvents.
type Feed struct {
	wsURL      string
	checkpoint Checkpointer
	reconciler Reconciler
	logger     *slog.Logger

	trackedMu sync.RWMutex
	tracked   map[common.Address]bool

	out chan types.TradeEvent

	stateMu sync.Mutex
	state   State
}

// New creates a fill subscriber dialing wsURL (a Polygon-style WS RPC
// endpoint). checkpoint and reconciler may be nil in tests.
func New(wsURL string, checkpoint Checkpointer, reconciler Reconciler, logger *slog.Logger) *Feed {
	return &Feed{
		wsURL:      wsURL,
		checkpoint: checkpoint,
		reconciler: reconciler,
		logger:     logger.With("component", "chainfeed"),
		tracked:    make(map[common.Address]bool),
		out:        make(chan types.TradeEvent, 256),
	}
}

// Out returns the channel of raw (unenriched) TradeEvents.
func (f *Feed) Out() <-chan types.TradeEvent {
	return f.out
}

// SetTracked replaces the set of wallet addresses (profile + proxy
// addresses of all followed users) the feed filters maker/taker topics
// against.
func (f *Feed) SetTracked(addrs []string) {
	next := make(map[common.Address]bool, len(addrs))
	for _, a := range addrs {
		next[common.HexToAddress(a)] = true
	}
	f.trackedMu.Lock()
	f.tracked = next
	f.trackedMu.Unlock()
}

func (f *Feed) isTracked(addr common.Address) bool {
	f.trackedMu.RLock()
	defer f.trackedMu.RUnlock()
	return f.tracked[addr]
}

func (f *Feed) setState(s State) {
	f.stateMu.Lock()
	f.state = s
	f.stateMu.Unlock()
}

// State returns the feed's current state.
func (f *Feed) State() State {
	f.stateMu.Lock()
	defer f.stateMu.Unlock()
	return f.state
}

// Run dials, subscribes, and decodes logs until ctx is cancelled,
// reconnecting with exponential backoff + jitter and triggering a reconcile
// backfill on every reconnect.
func (f *Feed) Run(ctx context.Context) error {
	f.setState(Starting)
	backoff := time.Second

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			f.setState(Disconnected)
			jittered := backoff + time.Duration(rand.Int63n(int64(backoff)/2+1))
			f.logger.Warn("chain feed disconnected, reconnecting", "backoff", jittered)

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(jittered):
			}

			backoff *= 2
			if backoff > maxReconnectWait {
				backoff = maxReconnectWait
			}

			f.setState(Backfilling)
			if f.reconciler != nil {
				f.reconciler.Reconcile(ctx, BackfillWindow)
			}
		}

		err := f.connectAndStream(ctx)
		if ctx.Err() != nil {
			f.setState(Disconnected)
			return ctx.Err()
		}
		f.logger.Warn("chain feed subscription ended", "error", err)
	}
}

func (f *Feed) connectAndStream(ctx context.Context) error {
	client, err := ethclient.DialContext(ctx, f.wsURL)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer client.Close()

	query := ethereum.FilterQuery{
		Addresses: []common.Address{
			common.HexToAddress(ExchangeLegacy),
			common.HexToAddress(ExchangeNegRisk),
		},
		Topics: [][]common.Hash{{orderFilledTopic}},
	}

	logs := make(chan gethtypes.Log, 256)
	sub, err := client.SubscribeFilterLogs(ctx, query, logs)
	if err != nil {
		return fmt.Errorf("subscribe filter logs: %w", err)
	}
	defer sub.Unsubscribe()

	f.setState(Live)
	f.logger.Info("chain feed subscribed")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-sub.Err():
			return fmt.Errorf("subscription: %w", err)
		case lg := <-logs:
			if lg.Removed {
				continue
			}
			if evt, ok := f.decodeLog(lg); ok {
				select {
				case f.out <- evt:
				default:
					f.logger.Warn("chain feed output channel full, dropping fill", "tx", evt.TxHash)
				}
			}
			if f.checkpoint != nil {
				if err := f.checkpoint.SaveLastBlock(ctx, lg.BlockNumber); err != nil {
					f.logger.Error("save checkpoint", "error", err, "block", lg.BlockNumber)
				}
			}
		}
	}
}

// decodeLog unpacks an OrderFilled log for a tracked maker or taker wallet.
// Returns false if neither party is tracked (the exchange-address/topic
// filter at the node only narrows by event signature, not by wallet — the
// maker/taker membership check happens here, client-side, since geth's
// topic-list filtering ANDs across topic positions and can't express
// "maker in set OR taker in set" in one subscription).
func (f *Feed) decodeLog(lg gethtypes.Log) (types.TradeEvent, bool) {
	if len(lg.Topics) < 4 {
		return types.TradeEvent{}, false
	}
	// Topics: [0] event signature, [1] orderHash, [2] maker, [3] taker.
	maker := common.BytesToAddress(lg.Topics[2].Bytes())
	taker := common.BytesToAddress(lg.Topics[3].Bytes())

	var followed common.Address
	var followedIsMaker bool
	switch {
	case f.isTracked(maker):
		followed, followedIsMaker = maker, true
	case f.isTracked(taker):
		followed, followedIsMaker = taker, false
	default:
		return types.TradeEvent{}, false
	}

	vals, err := nonIndexedArgs.Unpack(lg.Data)
	if err != nil || len(vals) != 5 {
		f.logger.Error("unpack OrderFilled data", "error", err, "tx", lg.TxHash.Hex())
		return types.TradeEvent{}, false
	}
	makerAssetID := vals[0].(*big.Int)
	takerAssetID := vals[1].(*big.Int)
	makerAmountFilled := vals[2].(*big.Int)
	takerAmountFilled := vals[3].(*big.Int)
	fee := vals[4].(*big.Int)

	var usdcRaw, tokenRaw, outcomeAssetID *big.Int
	var makerSide types.Side
	if makerAssetID.Sign() == 0 {
		// Maker gave collateral, received the outcome token: maker bought.
		usdcRaw, tokenRaw, outcomeAssetID = makerAmountFilled, takerAmountFilled, takerAssetID
		makerSide = types.BUY
	} else {
		// Maker gave the outcome token, received collateral: maker sold.
		usdcRaw, tokenRaw, outcomeAssetID = takerAmountFilled, makerAmountFilled, makerAssetID
		makerSide = types.SELL
	}

	side := makerSide
	if !followedIsMaker {
		side = makerSide.Opposite()
	}

	notional := types.CashMicros(usdcRaw.Int64())
	shares := types.ShareMicros(tokenRaw.Int64())

	return types.TradeEvent{
		TxHash:         lg.TxHash.Hex(),
		LogIndex:       int64(lg.Index),
		BlockNumber:    lg.BlockNumber,
		DetectTime:     time.Now(),
		ProfileAddress: followed.Hex(),
		RawTokenID:     outcomeAssetID.String(),
		Side:           side,
		PriceMicros:    money.RoundedPrice(notional, shares),
		ShareMicros:    shares,
		NotionalMicros: notional,
		FeeMicros:      types.CashMicros(fee.Int64()),
		Enrichment:     types.EnrichmentPending,
	}, true
}
