package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"simtrader/config"
	"simtrader/internal/console"
	"simtrader/internal/engine"
	"simtrader/internal/httpapi"
	"simtrader/internal/marketdata"
	"simtrader/internal/orderstore"
	"simtrader/internal/persistence"
	"simtrader/internal/risk"
	"simtrader/pkg/bybit"
	"simtrader/pkg/storage/postgres"

	"github.com/shopspring/decimal"
	"github.com/sourcegraph/conc"
	"go.uber.org/zap"
)

type orderStore interface {
	engine.OrderStore
	Close() error
}

// openOrderStore selects the order store backend.
func openOrderStore(cfg *config.Config) (orderStore, error) {
	switch cfg.OrderStore.Backend {
	case "", "memory":
		return orderstore.NewMemoryStore(), nil
	case "pebble":
		return orderstore.OpenPebbleStore(cfg.OrderStore.PebbleDir)
	case "postgres":
		return postgres.InitializeOrderStore(cfg.Postgres, cfg.Log.Environment, true)
	}
	return nil, fmt.Errorf("unknown order store backend %q", cfg.OrderStore.Backend)
}

// riskLimits converts the configured limits. Empty decimal strings disable a check.
func riskLimits(cfg config.RiskConfig) (risk.Limits, error) {
	limits := risk.Limits{
		OrderThrottle:  cfg.OrderThrottle,
		AllowedSymbols: cfg.AllowedSymbols,
	}
	if cfg.MaxOrderQty != "" {
		d, err := decimal.NewFromString(cfg.MaxOrderQty)
		if err != nil {
			return risk.Limits{}, fmt.Errorf("risk.max_order_qty: %w", err)
		}
		limits.MaxOrderQty = d
	}
	if cfg.MaxOrderNotional != "" {
		d, err := decimal.NewFromString(cfg.MaxOrderNotional)
		if err != nil {
			return risk.Limits{}, fmt.Errorf("risk.max_order_notional: %w", err)
		}
		limits.MaxOrderNotional = d
	}
	return limits, nil
}

// App holds the wired components of one process.
type App struct {
	cfg     *config.Config
	log     *zap.Logger
	store   orderStore
	state   *engine.EngineState
	persist *persistence.StatePersistence
	rest    *bybit.RESTClient
	mode    persistence.RestoreMode
}

// NewApp builds the engine and its collaborators. Snapshot directory
// initialization failure is returned as an error.
func NewApp(cfg *config.Config, log *zap.Logger) (*App, error) {
	mode, err := persistence.ParseRestoreMode(cfg.Snapshot.RestoreMode)
	if err != nil {
		return nil, err
	}
	limits, err := riskLimits(cfg.Risk)
	if err != nil {
		return nil, err
	}

	persist := persistence.NewStatePersistence(persistence.Config{
		Dir:          cfg.Snapshot.Dir,
		MaxSnapshots: cfg.Snapshot.MaxSnapshots,
	}, log.Named("snapshot"))
	if err := persist.Initialize(); err != nil {
		return nil, fmt.Errorf("initialize snapshots: %w", err)
	}

	store, err := openOrderStore(cfg)
	if err != nil {
		return nil, fmt.Errorf("open order store: %w", err)
	}

	ledger := engine.NewLedger(cfg.Engine.QuoteAsset, cfg.Engine.BaseAsset, cfg.Engine.InitialQuote, cfg.Engine.InitialBase)
	state := engine.NewEngineState(ledger, risk.NewManager(limits, ledger), store,
		engine.Options{FillLatency: cfg.Engine.FillLatency}, log.Named("engine"))

	return &App{
		cfg:     cfg,
		log:     log,
		store:   store,
		state:   state,
		persist: persist,
		rest:    bybit.NewRESTClient(cfg.Bybit.REST.BaseURL, cfg.Bybit.REST.Timeout),
		mode:    mode,
	}, nil
}

// Restore applies the newest valid snapshot, or seeds the mark price when there is none.
func (a *App) Restore(ctx context.Context) {
	if snap, ok := a.persist.LoadLatestSnapshot(); ok {
		a.persist.RestoreState(snap, a.state, a.mode)
		return
	}

	if a.cfg.Market.Source == "bybit" {
		reqCtx, cancel := context.WithTimeout(ctx, a.cfg.Bybit.REST.Timeout)
		defer cancel()
		p, err := a.rest.GetLastPrice(reqCtx, a.cfg.Market.Category, a.cfg.Engine.Symbol)
		if err == nil {
			a.state.SetPrice(p)
			a.log.Info("seeded price from bybit", zap.String("symbol", a.cfg.Engine.Symbol), zap.Float64("price", p))
			return
		}
		a.log.Warn("failed to fetch initial price", zap.Error(err))
	}
	if a.cfg.Engine.InitialPrice > 0 {
		a.state.SetPrice(a.cfg.Engine.InitialPrice)
	}
}

// Snapshot takes and saves one snapshot now.
func (a *App) Snapshot() (uint64, error) {
	snap := a.persist.CreateSnapshot(a.state)
	if err := a.persist.SaveSnapshot(snap); err != nil {
		return 0, err
	}
	return snap.SequenceNum, nil
}

// Run starts every background loop and blocks until ctx is cancelled and all
// loops have exited. A final snapshot is taken after the periodic loop stops.
func (a *App) Run(ctx context.Context, in io.Reader, out io.Writer) {
	a.Restore(ctx)

	var wg conc.WaitGroup

	fills := engine.NewFillSimulator(a.state, a.cfg.Engine.FillInterval, engine.WallClock, a.log.Named("fill"))
	wg.Go(func() { fills.Run(ctx) })

	wg.Go(func() { a.runPriceFeed(ctx) })

	con := console.New(a.state, a.Snapshot, a.cfg.Engine.Symbol, out, a.log.Named("console"))
	wg.Go(func() {
		if err := con.Run(ctx, in); err != nil && ctx.Err() == nil {
			a.log.Warn("console stopped", zap.Error(err))
		}
	})

	if a.cfg.HTTP.Addr != "" {
		api := httpapi.NewServer(a.state, a.cfg.Engine.Symbol, a.cfg.HTTP.AllowedOrigins, a.log.Named("http"))
		wg.Go(func() {
			if err := api.Run(ctx, a.cfg.HTTP.Addr); err != nil {
				a.log.Error("http api stopped", zap.Error(err))
			}
		})
	}

	if a.cfg.Snapshot.Interval > 0 {
		a.persist.StartPeriodicSnapshots(ctx, a.cfg.Snapshot.Interval, a.state)
	}

	<-ctx.Done()
	a.persist.StopPeriodicSnapshots()
	a.persist.Wait()
	wg.Wait()

	if seq, err := a.Snapshot(); err != nil {
		a.log.Error("final snapshot failed", zap.Error(err))
	} else {
		a.log.Info("final snapshot saved", zap.Uint64("sequence_num", seq))
	}
}

func (a *App) runPriceFeed(ctx context.Context) {
	switch a.cfg.Market.Source {
	case "bybit":
		ws := bybit.NewWSClient(a.cfg.Bybit.WS.URL, []string{bybit.TickerTopic(a.cfg.Engine.Symbol)},
			a.cfg.Bybit.WS.Timeout, a.log.Named("bybit"))
		ws.SetMessageHandler(marketdata.MakeTickerHandler(a.log.Named("marketdata"), a.cfg.Engine.Symbol, a.state))
		_ = ws.Run(ctx)
	default:
		walk := marketdata.NewRandomWalk(a.state, a.cfg.Engine.InitialPrice, a.cfg.Market.Volatility,
			a.cfg.Market.TickInterval, time.Now().UnixNano(), a.log.Named("marketdata"))
		_ = walk.Run(ctx, a.state.Price)
	}
}

// Close releases the order store.
func (a *App) Close() error {
	return a.store.Close()
}
