package main

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/prometheus/client_golang/prometheus"

	"polycopy/internal/book"
	"polycopy/internal/bookfeed"
	"polycopy/internal/buffer"
	"polycopy/internal/canontrade"
	"polycopy/internal/chainfeed"
	"polycopy/internal/config"
	"polycopy/internal/configstore"
	"polycopy/internal/decision"
	"polycopy/internal/directory"
	"polycopy/internal/grouper"
	"polycopy/internal/healthapi"
	"polycopy/internal/ledger"
	"polycopy/internal/queue"
	"polycopy/internal/reconcile"
	"polycopy/internal/settlement"
	"polycopy/internal/snapshot"
	"polycopy/internal/storage"
	"polycopy/pkg/types"
)

// Book cache sizing isn't a deployment knob worth exposing: it bounds
// memory for the subset of assets currently traded by followed wallets,
// not a correctness-affecting tunable.
const (
	bookCacheMaxEntries = 5000
	bookCacheTTL        = 10 * time.Minute
	bookCacheFreshness  = 5 * time.Second

	canonTradeTimestampLRU = 10_000

	grouperQuietPeriod = 15 * time.Second
	grouperMaxWindow   = 2 * time.Minute

	bufferQuietPeriod    = 20 * time.Second
	bufferMaxTime        = 2 * time.Minute
	bufferFlushMinMicros = 0
	bufferSweepInterval  = 5 * time.Second
)

// app wires every component into the running engine and owns its
// goroutine lifecycle.
type app struct {
	cfg    *config.Config
	logger *slog.Logger

	db          *storage.DB
	ethClient   *ethclient.Client
	books       *book.Cache
	chainFeed   *chainfeed.Feed
	bookFeed    *bookfeed.Feed
	canon       *canontrade.Writer
	grp         *grouper.Grouper
	dir         *directory.Store
	cfgStore    *configstore.Store
	ledgerStore *ledger.Store
	buf         *buffer.Buffer
	engine      *decision.Engine
	reconciler  *reconcile.Reconciler

	queueStore      *queue.Store
	ingestPool      *queue.Pool
	ingestScopeKeys []string
	copyPool        *queue.Pool
	reconcilePool   *queue.Pool

	snapshots  *snapshot.Loops
	settlement *settlement.Loop

	metrics *healthapi.Metrics
	health  *healthapi.Server
	rep     *reporter

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// noPayoutProvider reports every asset as unresolved. Settling a market
// requires an external payout-resolution feed, which is out of scope; the
// loop still runs (and will settle real positions once a provider exists)
// but has nothing to settle against until one is wired in.
type noPayoutProvider struct{}

func (noPayoutProvider) ResolvedPayoutMicros(ctx context.Context, assetID string) (types.PriceMicros, bool, error) {
	return 0, false, nil
}

// engineRef breaks the construction cycle between buffer.Buffer (which
// needs an Evaluator) and decision.Engine (which needs a Buffer): the
// buffer is built first against this indirection, then ref.engine is set
// once the real engine exists.
type engineRef struct {
	engine *decision.Engine
}

func (r *engineRef) Evaluate(ctx context.Context, g decision.Group) (types.CopyAttempt, error) {
	return r.engine.Evaluate(ctx, g)
}

func newApp(cfg *config.Config, logger *slog.Logger) (*app, error) {
	db, err := storage.Open(cfg.Store.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}

	ethClient, err := ethclient.Dial(cfg.ChainFeed.RPCWSURL)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("dial chain rpc: %w", err)
	}

	books := book.NewCache(bookCacheMaxEntries, bookCacheTTL, bookCacheFreshness)
	dir := directory.NewStore(db)
	cfgStore := configstore.NewStore(db)
	ledgerStore := ledger.NewStore(db, books, types.CashMicros(cfg.Ledger.InitialBankrollMicros))
	queueStore := queue.NewStore(db)
	canon := canontrade.New(db.SQL(), blockTimestampLookup(ethClient), canonTradeTimestampLRU)
	grp := grouper.New(grouperQuietPeriod, grouperMaxWindow)
	reconciler := reconcile.New(cfg.Reconcile.BaseURL, canon, dir, dir, logger)

	ref := &engineRef{}
	buf := buffer.New(bufferQuietPeriod, bufferMaxTime, types.CashMicros(bufferFlushMinMicros), types.NettingNetBuySell, ref, logger)
	engine := decision.New(cfgStore, books, ledgerStore, ledgerStore, buf, logger)
	ref.engine = engine

	reconcilePool := queue.NewPool(queueStore, queue.Reconcile, reconcileHandler(reconciler), cfg.Queue.PollInterval, logger)
	chainFeed := chainfeed.New(cfg.ChainFeed.RPCWSURL, dir, &queuedReconciler{pool: reconcilePool, logger: logger}, logger)
	bookFeed := bookfeed.New(cfg.BookFeed.WSURL, books, logger)

	rep := &reporter{db: db, chainFeed: chainFeed, bookFeed: bookFeed, books: books, queueStore: queueStore}

	registry := prometheus.NewRegistry()
	metrics := healthapi.NewMetrics(registry)
	healthServer := healthapi.NewServer(fmt.Sprintf(":%d", cfg.Health.Port), rep, registry)

	ingestPool := queue.NewPool(queueStore, queue.IngestPostproc, ingestHandler(canon, rep), cfg.Queue.PollInterval, logger)
	ingestScopeKeys := scopeKeyLanes(cfg.Queue.IngestPostprocWorkers)
	copyPool := queue.NewPool(queueStore, queue.CopyAttempt, copyHandler(dir, engine, metrics, cfg.DryRun, logger), cfg.Queue.PollInterval, logger)

	snapshots := snapshot.New(db, books, ledgerStore, cfg.Snapshot.PriceInterval, logger)
	settlementLoop := settlement.New(ledgerStore, noPayoutProvider{}, cfg.Settlement.PollInterval, logger)

	return &app{
		cfg:             cfg,
		logger:          logger,
		db:              db,
		ethClient:       ethClient,
		books:           books,
		chainFeed:       chainFeed,
		bookFeed:        bookFeed,
		canon:           canon,
		grp:             grp,
		dir:             dir,
		cfgStore:        cfgStore,
		ledgerStore:     ledgerStore,
		buf:             buf,
		engine:          engine,
		reconciler:      reconciler,
		queueStore:      queueStore,
		ingestPool:      ingestPool,
		ingestScopeKeys: ingestScopeKeys,
		copyPool:        copyPool,
		reconcilePool:   reconcilePool,
		snapshots:       snapshots,
		settlement:      settlementLoop,
		metrics:         metrics,
		health:          healthServer,
		rep:             rep,
	}, nil
}

// blockTimestampLookup resolves a block number to its timestamp via the
// same JSON-RPC connection the chain feed subscribes on.
func blockTimestampLookup(client *ethclient.Client) canontrade.BlockTimestampLookup {
	return func(ctx context.Context, blockNumber uint64) (time.Time, error) {
		header, err := client.HeaderByNumber(ctx, new(big.Int).SetUint64(blockNumber))
		if err != nil {
			return time.Time{}, err
		}
		return time.Unix(int64(header.Time), 0), nil
	}
}

// scopeKeyLanes builds n numbered scope-key lanes for a pool that needs
// worker-count-based fan-out rather than a single FIFO lane. Ordering
// doesn't matter for the ingest queue since writes are idempotent upserts,
// so spreading jobs across lanes by block number is safe.
func scopeKeyLanes(n int) []string {
	if n < 1 {
		n = 1
	}
	keys := make([]string, n)
	for i := range keys {
		keys[i] = fmt.Sprintf("%d", i)
	}
	return keys
}

// ingestHandler upserts a raw chain fill into the canonical trade table,
// retrying via the queue's own backoff on failure instead of blocking the
// chain feed's reader goroutine.
func ingestHandler(canon *canontrade.Writer, rep *reporter) queue.Handler {
	return func(ctx context.Context, job queue.Job) error {
		evt, err := decodeIngestPostproc(job.Payload)
		if err != nil {
			return err
		}
		wrote, err := canon.Write(ctx, evt, evt.BlockNumber)
		if err != nil {
			return err
		}
		if wrote {
			rep.markEvent(evt.EventTime)
		}
		return nil
	}
}

// copyHandler runs one closed group through the decision pipeline. In
// dry-run mode the ingest/grouping pipeline still runs end to end (so an
// operator can watch live chain activity flow through), but no group ever
// reaches the ledger: the job is logged and dropped before Evaluate, which
// is the only place ledger.Store.Commit gets called.
func copyHandler(dir *directory.Store, engine *decision.Engine, metrics *healthapi.Metrics, dryRun bool, logger *slog.Logger) queue.Handler {
	return func(ctx context.Context, job queue.Job) error {
		g, err := decodeCopyAttempt(job.Payload)
		if err != nil {
			return err
		}
		dg, ok := toDecisionGroup(ctx, dir, g)
		if !ok {
			logger.Warn("dropping copy-attempt job for unknown followed address", "address", g.FollowedAddress)
			return nil
		}
		if dryRun {
			logger.Info("dry-run: skipping ledger evaluation", "followed_user", dg.FollowedUserID, "asset", g.AssetID, "notional_micros", g.NotionalMicros)
			return nil
		}
		start := time.Now()
		attempt, err := engine.Evaluate(ctx, dg)
		if err != nil {
			return err
		}
		metrics.ObserveDecisionLatency(time.Since(start))
		metrics.IncDecision(string(attempt.Decision))
		return nil
	}
}

// Start launches every background loop and returns immediately.
func (a *app) Start(ctx context.Context) {
	a.ctx, a.cancel = context.WithCancel(ctx)

	a.refreshTracked()

	a.spawn("chain-feed", a.chainFeed.Run)
	a.spawn("book-feed", a.bookFeed.Run)
	a.spawn("reconcile-periodic", func(ctx context.Context) error {
		a.reconciler.Run(ctx, a.cfg.Reconcile.Interval, a.cfg.Reconcile.Window)
		return nil
	})
	a.spawn("ingest-pool", func(ctx context.Context) error { return a.ingestPool.Run(ctx, a.ingestScopeKeys) })
	a.spawn("copy-pool", func(ctx context.Context) error {
		return a.copyPool.Run(ctx, []string{string(types.ScopeExecGlobal)})
	})
	a.spawn("reconcile-pool", func(ctx context.Context) error { return a.reconcilePool.Run(ctx, []string{"reconnect"}) })
	a.spawn("grouper-sweep", func(ctx context.Context) error { a.grp.Run(ctx, 5*time.Second); return nil })
	a.spawn("buffer-sweep", func(ctx context.Context) error { a.buf.Run(ctx, bufferSweepInterval); return nil })
	a.spawn("canon-to-grouper", a.pumpCanonToGrouper)
	a.spawn("chainfeed-to-ingest", a.pumpChainFeedToIngest)
	a.spawn("grouper-to-copy", a.pumpGrouperToCopy)
	a.spawn("price-snapshots", func(ctx context.Context) error { a.snapshots.RunPriceSnapshots(ctx); return nil })
	a.spawn("portfolio-snapshots", func(ctx context.Context) error { a.snapshots.RunPortfolioSnapshots(ctx); return nil })
	a.spawn("settlement", func(ctx context.Context) error { a.settlement.Run(ctx); return nil })
	a.spawn("tracked-refresh", a.runTrackedRefresh)
	a.spawn("metrics-refresh", a.runMetricsRefresh)

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := a.health.Start(); err != nil {
			a.logger.Error("health server exited", "error", err)
		}
	}()
}

func (a *app) spawn(name string, fn func(context.Context) error) {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := fn(a.ctx); err != nil && a.ctx.Err() == nil {
			a.logger.Error("background loop exited", "loop", name, "error", err)
		}
	}()
}

// pumpChainFeedToIngest durably hands each raw fill to the ingest-postproc
// queue instead of calling canontrade directly, so a burst that outpaces
// the writer retries instead of blocking the WS reader.
func (a *app) pumpChainFeedToIngest(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-a.chainFeed.Out():
			if !ok {
				return nil
			}
			payload, err := encodeIngestPostproc(evt)
			if err != nil {
				a.logger.Error("encode ingest job", "error", err)
				continue
			}
			scopeKey := a.ingestScopeKeys[int(evt.BlockNumber)%len(a.ingestScopeKeys)]
			if _, err := a.ingestPool.Enqueue(ctx, scopeKey, payload); err != nil {
				a.logger.Error("enqueue ingest job", "error", err)
			}
		}
	}
}

// pumpCanonToGrouper feeds every newly-canonicalized trade into the
// grouper, folding bursts from the same wallet/asset/side into one group.
func (a *app) pumpCanonToGrouper(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-a.canon.Out():
			if !ok {
				return nil
			}
			a.grp.AddTrade(evt)
		}
	}
}

// pumpGrouperToCopy durably hands each closed group to the copy-attempt
// queue's single EXEC_GLOBAL lane.
func (a *app) pumpGrouperToCopy(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case g, ok := <-a.grp.Out():
			if !ok {
				return nil
			}
			payload, err := encodeCopyAttempt(g)
			if err != nil {
				a.logger.Error("encode copy-attempt job", "error", err)
				continue
			}
			if _, err := a.copyPool.Enqueue(ctx, string(types.ScopeExecGlobal), payload); err != nil {
				a.logger.Error("enqueue copy-attempt job", "error", err)
			}
		}
	}
}

// runTrackedRefresh periodically re-reads the followed-user roster so a
// user added after startup gets picked up by the chain feed's wallet
// filter without a restart.
func (a *app) runTrackedRefresh(ctx context.Context) error {
	ticker := time.NewTicker(a.cfg.Reconcile.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			a.refreshTracked()
		}
	}
}

// runMetricsRefresh samples queue depth and feed connectivity onto the
// Prometheus gauges at a fixed cadence — these are point-in-time reads,
// not events, so polling rather than pushing is the natural fit.
func (a *app) runMetricsRefresh(ctx context.Context) error {
	ticker := time.NewTicker(a.cfg.Queue.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			a.sampleMetrics(ctx)
		}
	}
}

func (a *app) sampleMetrics(ctx context.Context) {
	for _, name := range []string{queue.Reconcile, queue.IngestPostproc, queue.CopyAttempt} {
		if depth, err := a.queueStore.Depth(ctx, name); err == nil {
			a.metrics.SetQueueDepth(name, depth)
		}
	}
	a.metrics.SetWSConnected("chain", a.chainFeed.State() == chainfeed.Live)
	a.metrics.SetWSConnected("book", a.bookFeed.State() == bookfeed.Connected)
}

func (a *app) refreshTracked() {
	users := a.dir.FollowedUsers()
	addrs := make([]string, 0, len(users)+len(a.cfg.ChainFeed.TrackedAddrs))
	for _, u := range users {
		addrs = append(addrs, u.Address)
		addrs = append(addrs, u.Proxies...)
	}
	addrs = append(addrs, a.cfg.ChainFeed.TrackedAddrs...)
	a.chainFeed.SetTracked(addrs)
}

// Shutdown stops every loop in dependency order: cancel first (stops new
// work from every feed and pool), wait for in-flight handlers to finish,
// then close shared infrastructure last.
func (a *app) Shutdown(ctx context.Context) error {
	a.cancel()

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		a.logger.Warn("shutdown timed out waiting for background loops")
	}

	if err := a.health.Stop(ctx); err != nil {
		a.logger.Error("stop health server", "error", err)
	}
	a.books.Stop()
	a.ethClient.Close()
	return a.db.Close()
}
