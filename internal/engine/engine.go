// Package engine is the supervisor that wires and runs the trading system.
//
// It owns the long-running loops:
//
//  1. Per-venue feeds pump quotes and books into the market-data service.
//  2. The scan tick turns opportunities into allocated intents and hands
//     them to the OMS.
//  3. The allocation tick refreshes strategy metrics and reruns the
//     capital allocator.
//  4. The reconciliation tick runs per venue under its own lock.
//  5. The health tick persists venue health snapshots.
//
// Lifecycle: New() → Start() → [runs until SIGINT] → Stop()
package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"tradeforge/internal/allocator"
	"tradeforge/internal/config"
	"tradeforge/internal/edge"
	"tradeforge/internal/marketdata"
	"tradeforge/internal/oms"
	"tradeforge/internal/planner"
	"tradeforge/internal/recon"
	"tradeforge/internal/registry"
	"tradeforge/internal/risk"
	"tradeforge/internal/scanner"
	"tradeforge/internal/store"
	"tradeforge/internal/venue"
	"tradeforge/pkg/types"
)

// paperSeed keeps dry runs deterministic; live fills never touch it.
const paperSeed = 42

// paperStartingCash funds each simulated venue account.
const paperStartingCash = 1_000_000.0

// Services is the shared handle to every wired subsystem. The CLI and
// tests reach components through it instead of package-level globals.
type Services struct {
	Store     *store.Store
	Market    *marketdata.Service
	Venues    *venue.Registry
	Registry  *registry.Registry
	Risk      *risk.Engine
	Breakers  *risk.BreakerSet
	Cost      *edge.Model
	Planner   *planner.Planner
	OMS       *oms.OMS
	Allocator *allocator.Allocator
	Recon     *recon.Reconciler
	Scanner   *scanner.Scanner
	Bars      *BarRecorder
}

// Engine supervises the loops around the Services handle.
type Engine struct {
	cfg    *config.Config
	svc    *Services
	feeds  []*venue.Feed
	logger *slog.Logger

	benchmarkVenue      string
	benchmarkInstrument string
	benchmarkTimeframe  string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New wires all components. Paper mode builds simulator adapters backed
// by the market-data service; live mode builds HMAC-signed REST adapters
// plus a WebSocket feed per venue.
func New(cfg *config.Config, logger *slog.Logger) (*Engine, error) {
	st, err := store.Open(cfg.Store.DSN, logger)
	if err != nil {
		return nil, err
	}

	var pub marketdata.Publisher
	if cfg.Redis.Addr != "" {
		pub = marketdata.NewRedisPublisher(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	}
	md := marketdata.New(logger, pub, cfg.MarketData.StaleThreshold)

	reg, err := registry.Load(cfg.Scanner.StrategiesPath, cfg.TenantID, st, logger)
	if err != nil {
		st.Close()
		return nil, err
	}

	venues := venue.NewRegistry()
	var feeds []*venue.Feed
	var venueNames []string
	for name, vcfg := range cfg.Venues {
		if !vcfg.Enabled {
			continue
		}
		venueNames = append(venueNames, name)
		if cfg.PaperMode {
			quote := func(venueName string) venue.QuoteFunc {
				return func(instrument string) (types.MarketSnapshot, bool) {
					return md.GetPrice(venueName, instrument)
				}
			}(name)
			venues.Register(venue.NewPaperAdapter(name, paperSeed, paperStartingCash, quote, logger))
			continue
		}
		venues.Register(venue.NewLiveAdapter(vcfg, logger))
		if vcfg.WSURL != "" {
			feeds = append(feeds, venue.NewFeed(name, vcfg.WSURL, logger))
		}
	}

	bars := NewBarRecorder(collectTimeframes(reg))
	md.Subscribe("", nil, func(snap types.MarketSnapshot) {
		bars.Record(snap)
	})

	breakers := risk.NewBreakerSet(logger)
	riskEngine := risk.NewEngine(cfg.Risk, st, breakers, logger)
	cost := edge.NewModel(cfg.Risk.MinEdgeBufferBps)
	pl := planner.New(venues, st, cfg.TenantID, logger)
	omsSvc := oms.New(st, venues, md, reg, riskEngine, cost, pl, cfg.Venues, cfg.TenantID, logger)

	detector := allocator.NewDetector(cfg.TenantID, st, logger)
	weights, err := allocator.LoadWeights(cfg.Allocator.WeightsPath)
	if err != nil {
		st.Close()
		return nil, err
	}

	rec := recon.New(cfg.Recon, cfg.TenantID, st, venues, reg, breakers, omsSvc, logger)

	dataQuality := func(ctx context.Context) (bool, string) {
		for _, name := range venueNames {
			if q := md.CheckDataQuality(name); q.Stale {
				return false, "venue " + name + " stale"
			}
		}
		for venueName, count := range rec.MismatchCounts() {
			if count >= cfg.Recon.BreakerThreshold {
				return false, "reconciliation mismatch streak on " + venueName
			}
		}
		return true, ""
	}
	alloc := allocator.New(cfg.Allocator, weights, cfg.Risk.ClusterCaps, cfg.TenantID,
		st, reg, detector, dataQuality, logger)

	scan := scanner.New(cfg.Scanner, reg, md, bars, st, venueNames, logger)

	ctx, cancel := context.WithCancel(context.Background())

	e := &Engine{
		cfg: cfg,
		svc: &Services{
			Store:     st,
			Market:    md,
			Venues:    venues,
			Registry:  reg,
			Risk:      riskEngine,
			Breakers:  breakers,
			Cost:      cost,
			Planner:   pl,
			OMS:       omsSvc,
			Allocator: alloc,
			Recon:     rec,
			Scanner:   scan,
			Bars:      bars,
		},
		feeds:  feeds,
		logger: logger.With("component", "engine"),
		ctx:    ctx,
		cancel: cancel,
	}
	e.pickBenchmark()
	return e, nil
}

// Services returns the wired subsystem handle.
func (e *Engine) Services() *Services { return e.svc }

// pickBenchmark selects the regime benchmark series: the first enabled
// strategy's first universe instrument on its routed venue.
func (e *Engine) pickBenchmark() {
	for _, def := range e.svc.Registry.Enabled() {
		if len(def.Universe) == 0 {
			continue
		}
		e.benchmarkInstrument = def.Universe[0]
		e.benchmarkTimeframe = def.Timeframes.Fast
		e.benchmarkVenue = def.VenueRouting["default"]
		if e.benchmarkVenue == "" {
			for name, vcfg := range e.cfg.Venues {
				if vcfg.Enabled {
					e.benchmarkVenue = name
					break
				}
			}
		}
		return
	}
}

// Start launches feeds, connects adapters, and kicks off all loops.
func (e *Engine) Start() error {
	for _, name := range e.svc.Venues.Names() {
		adapter, _ := e.svc.Venues.Get(name)
		if err := adapter.Connect(e.ctx); err != nil {
			e.logger.Error("venue connect failed", "venue", name, "error", err)
		}
	}

	for _, feed := range e.feeds {
		feed := feed
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			if err := feed.Run(e.ctx); err != nil && e.ctx.Err() == nil {
				e.logger.Error("feed stopped", "error", err)
			}
		}()
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.pumpFeed(feed)
		}()
	}

	e.startLoop(e.cfg.Scanner.Interval, 10*time.Second, e.scanTick)
	e.startLoop(e.cfg.Allocator.Interval, 5*time.Minute, e.allocationTick)
	e.startLoop(e.cfg.Recon.Interval, time.Minute, e.reconTick)
	e.startLoop(30*time.Second, 30*time.Second, e.healthTick)

	e.logger.Info("engine started",
		"paper_mode", e.cfg.PaperMode,
		"venues", e.svc.Venues.Names(),
	)
	return nil
}

// Stop cancels the loops, waits for them, and releases resources.
func (e *Engine) Stop() {
	e.logger.Info("shutting down...")
	e.cancel()
	e.wg.Wait()

	for _, feed := range e.feeds {
		feed.Close()
	}
	for _, name := range e.svc.Venues.Names() {
		adapter, _ := e.svc.Venues.Get(name)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := adapter.Disconnect(ctx); err != nil {
			e.logger.Warn("venue disconnect failed", "venue", name, "error", err)
		}
		cancel()
	}
	if err := e.svc.Store.Close(); err != nil {
		e.logger.Warn("store close failed", "error", err)
	}
	e.logger.Info("shutdown complete")
}

func (e *Engine) startLoop(interval, fallback time.Duration, tick func(context.Context)) {
	if interval <= 0 {
		interval = fallback
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-e.ctx.Done():
				return
			case <-t.C:
				tick(e.ctx)
			}
		}
	}()
}

// pumpFeed moves feed events into the market-data service.
func (e *Engine) pumpFeed(feed *venue.Feed) {
	for {
		select {
		case <-e.ctx.Done():
			return
		case q := <-feed.Quotes():
			e.svc.Market.UpdateQuote(e.ctx, q.Venue, q.Instrument,
				q.Bid, q.Ask, q.Last, q.Volume24h, types.QualityRealtime, q.EventTime)
		case b := <-feed.Books():
			e.svc.Market.UpdateOrderBook(e.ctx, b.Venue, b.Instrument,
				b.Book, types.QualityRealtime, b.EventTime)
		}
	}
}

// scanTick runs one scan → allocate → execute pass.
func (e *Engine) scanTick(ctx context.Context) {
	opps := e.svc.Scanner.Scan(ctx)
	if len(opps) == 0 {
		return
	}

	books, err := e.loadBooks(ctx)
	if err != nil {
		e.logger.Error("load books failed", "error", err)
		return
	}

	intents := e.svc.Scanner.GenerateIntents(ctx, opps, books)
	intents = e.svc.Allocator.ApplyAllocations(intents)

	for _, intent := range intents {
		if _, err := e.svc.OMS.ExecuteIntent(ctx, intent); err != nil {
			e.logger.Info("intent not executed",
				"intent_id", intent.ID, "instrument", intent.Instrument, "error", err)
		}
	}
}

// allocationTick refreshes strategy metrics and reruns the allocator.
func (e *Engine) allocationTick(ctx context.Context) {
	refresher := allocator.NewMetricsRefresher(e.cfg.TenantID, e.svc.Store, e.svc.Registry, e.logger)
	refresher.Refresh(ctx)

	closes := e.svc.Bars.Closes(e.benchmarkVenue, e.benchmarkInstrument, e.benchmarkTimeframe)
	if _, err := e.svc.Allocator.Run(ctx, closes); err != nil {
		e.logger.Warn("allocation pass skipped", "error", err)
	}
}

// reconTick reconciles every venue; per-venue locks serialise overlap.
func (e *Engine) reconTick(ctx context.Context) {
	for _, name := range e.svc.Venues.Names() {
		if err := e.svc.Recon.RunVenue(ctx, name); err != nil {
			e.logger.Error("reconciliation failed", "venue", name, "error", err)
		}
	}
}

// healthTick persists a health snapshot per venue.
func (e *Engine) healthTick(ctx context.Context) {
	for _, name := range e.svc.Venues.Names() {
		adapter, _ := e.svc.Venues.Get(name)
		health := adapter.HealthCheck(ctx)
		if err := e.svc.Store.UpsertVenueHealth(ctx, health); err != nil {
			e.logger.Warn("persist venue health failed", "venue", name, "error", err)
		}
	}
}

func (e *Engine) loadBooks(ctx context.Context) (map[string]types.Book, error) {
	books, err := e.svc.Store.ListBooks(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]types.Book, len(books))
	for _, b := range books {
		out[b.ID.String()] = b
	}
	return out, nil
}

// collectTimeframes gathers every timeframe any strategy scans so the bar
// recorder builds exactly the series the scanner will ask for.
func collectTimeframes(reg *registry.Registry) []string {
	seen := map[string]bool{"1m": true}
	for _, def := range reg.All() {
		for _, tf := range []string{def.Timeframes.Fast, def.Timeframes.Medium, def.Timeframes.Slow} {
			if tf != "" {
				seen[tf] = true
			}
		}
	}
	out := make([]string, 0, len(seen))
	for tf := range seen {
		out = append(out, tf)
	}
	return out
}
