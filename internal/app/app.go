package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"zs-hedge-bot/internal/account"
	"zs-hedge-bot/internal/alerts"
	"zs-hedge-bot/internal/config"
	"zs-hedge-bot/internal/exec"
	"zs-hedge-bot/internal/market"
	"zs-hedge-bot/internal/metrics"
	"zs-hedge-bot/internal/ratelimit"
	"zs-hedge-bot/internal/state"
	"zs-hedge-bot/internal/state/sqlite"
	"zs-hedge-bot/internal/strategy"
	"zs-hedge-bot/internal/timescale"
	"zs-hedge-bot/internal/venue/exchange"
	"zs-hedge-bot/internal/venue/ws"

	"go.uber.org/zap"
)

// operatorChannel is the chat transport for alerts and operator commands.
type operatorChannel interface {
	Send(ctx context.Context, message string) error
	GetUpdates(ctx context.Context, offset int64, wait time.Duration) ([]alerts.Update, error)
}

type App struct {
	cfg        *config.Config
	log        *zap.Logger
	store      state.Store
	gov        *ratelimit.Governor
	clients    [2]*exchange.Client
	sessions   [2]*account.ExchangeSession
	ws         *ws.Client
	feed       *market.Feed
	recorder   *market.Recorder
	tsdb       *timescale.Writer
	executor   *exec.Executor
	controller *Controller
	metrics    *metrics.Metrics
	prom       *metrics.Prometheus
	alerts     operatorChannel

	operatorWarned bool
}

func New(cfg *config.Config, log *zap.Logger) (*App, error) {
	if err := cfg.ValidateCredentials(); err != nil {
		return nil, err
	}
	store, err := sqlite.New(cfg.State.SQLitePath)
	if err != nil {
		return nil, fmt.Errorf("open state store: %w", err)
	}
	a := &App{cfg: cfg, log: log, store: store}
	if err := a.build(); err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

func (a *App) build() error {
	cfg, log := a.cfg, a.log
	a.gov = ratelimit.New(ratelimit.Limits{
		PerMinute: cfg.Rate.PerMinute,
		PerHour:   cfg.Rate.PerHour,
		PerDay:    cfg.Rate.PerDay,
		MinGap:    cfg.Rate.MinGap,
	}, log)

	for i, acct := range []config.AccountConfig{cfg.Accounts.A, cfg.Accounts.B} {
		signer, err := exchange.NewSigner(acct.PrivateKey, cfg.Venue.ChainID)
		if err != nil {
			return fmt.Errorf("account %s signer: %w", acct.Name, err)
		}
		if !strings.EqualFold(acct.Address, signer.Address().Hex()) {
			return fmt.Errorf("account %s address does not match private key: got %s expected %s", acct.Name, acct.Address, signer.Address().Hex())
		}
		acctLog := log.With(zap.String("account", acct.Name))
		client, err := exchange.NewClient(cfg.Venue.RESTURL, cfg.Venue.Timeout, signer, cfg.Venue.TokenMaxAge, acctLog)
		if err != nil {
			return fmt.Errorf("account %s client: %w", acct.Name, err)
		}
		a.clients[i] = client
		a.sessions[i] = account.New(acct.Name, client, acctLog)
	}

	a.ws = ws.New(cfg.Venue.WSURL, cfg.Venue.ReconnectDelay, cfg.Venue.PingInterval, log)
	a.ws.OnDial(func(ctx context.Context) (map[string]any, error) {
		token, err := a.clients[0].SessionToken(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]any{"bearer": token}, nil
	})
	a.feed = market.NewFeed(a.ws, cfg.Market.Instrument, cfg.Market.StaleTimeout, log)

	detCfg := strategy.DetectorConfig{
		Epsilon:            cfg.Market.ZeroSpreadEpsilon,
		ZeroSpreadPct:      cfg.Market.ZeroSpreadPct,
		MinZeroDuration:    cfg.Market.MinZeroDuration,
		SprintWindow:       cfg.Market.SprintWindow,
		SprintMinDepth:     cfg.Market.SprintMinDepth,
		EvalInterval:       cfg.Market.EvalInterval,
		SprintEvalInterval: cfg.Market.SprintEvalInterval,
		Capacity:           cfg.Market.WindowCapacity,
	}
	if cfg.History.Enabled {
		rec, err := market.NewRecorder(cfg.History.Dir, cfg.History.BufferSize, detCfg.IsZero, log)
		if err != nil {
			return fmt.Errorf("bbo recorder: %w", err)
		}
		a.recorder = rec
		a.feed.AddSink(rec)
	}
	tsdb, err := timescale.New(cfg.Timescale, log)
	if err != nil {
		return fmt.Errorf("timescale: %w", err)
	}
	if tsdb != nil {
		a.tsdb = tsdb
		a.feed.AddSink(tsdb)
	}

	if cfg.Metrics.EnabledValue() {
		a.prom = metrics.NewPrometheus()
		a.metrics = a.prom.Metrics
	} else {
		a.metrics = metrics.NewNoop()
	}

	executor, err := exec.New(a.sessions[0], a.sessions[1], a.gov, exec.Config{
		FillTimeout:      cfg.Exec.FillTimeout,
		FillPollInterval: cfg.Exec.FillPollInterval,
		UnwindRetries:    cfg.Exec.UnwindRetries,
		ReconcileTimeout: cfg.Exec.ReconcileTimeout,
		SizeTolerance:    cfg.Exec.SizeTolerance,
	}, log)
	if err != nil {
		return err
	}
	executor.SetObserver(a.metrics)
	a.executor = executor

	tg := alerts.NewTelegram(cfg.Telegram, log)
	a.alerts = tg

	deps := ControllerDeps{
		Detector: strategy.NewDetector(detCfg),
		Sizer: strategy.NewSizer(strategy.SizerConfig{
			MaxDepthFraction:   cfg.Sizing.MaxDepthFraction,
			MinSize:            cfg.Sizing.MinSize,
			MaxSize:            cfg.Sizing.MaxSize,
			SizeStep:           cfg.Sizing.SizeStep,
			MinDepthMultiplier: cfg.Sizing.MinDepthMultiplier,
			MaxSlippageBps:     cfg.Sizing.MaxSlippageBps,
		}),
		Executor: executor,
		A:        a.sessions[0],
		B:        a.sessions[1],
		Budget:   a.gov,
		Store:    a.store,
		Stats:    strategy.NewStats(0),
		Metrics:  a.metrics,
		Notifier: tg,
	}
	if a.tsdb != nil {
		deps.Cycles = a.tsdb
	}
	a.controller = NewController(ControllerConfig{
		Instrument:             cfg.Market.Instrument,
		StartDirection:         strategy.Direction(cfg.Cycle.StartDirection),
		MaxCycles:              cfg.Cycle.MaxCycles,
		MaxHold:                cfg.Cycle.MaxHold,
		MaxConsecutiveFailures: cfg.Cycle.MaxConsecutiveFailures,
		MaxRoundsPerBurst:      cfg.Cycle.MaxRoundsPerBurst,
		StopFile:               cfg.Cycle.StopFile,
		StaleTimeout:           cfg.Market.StaleTimeout,
		MaxSlippageBps:         cfg.Sizing.MaxSlippageBps,
		SizeTolerance:          cfg.Exec.SizeTolerance,
		ProgressEvery:          cfg.Telegram.ProgressEvery,
	}, deps, log)
	return nil
}

func (a *App) Run(ctx context.Context) error {
	defer a.close()
	if err := a.connect(ctx); err != nil {
		return err
	}
	history, err := state.LoadRateHistory(ctx, a.store, time.Now(), rateHistoryHorizon)
	if err != nil {
		a.log.Warn("rate history load failed", zap.Error(err))
	} else {
		a.gov.Restore(history)
	}
	if err := a.controller.Reconcile(ctx); err != nil {
		return err
	}
	if err := a.controller.RefreshEquity(ctx); err != nil {
		a.log.Warn("balance read failed", zap.Error(err))
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if a.prom != nil {
		srv := metrics.NewServer(a.cfg.Metrics.Address, a.cfg.Metrics.Path, a.prom.Handler(), a.controller.Health, a.log)
		go func() {
			if err := srv.Run(runCtx); err != nil {
				a.log.Warn("metrics server stopped", zap.Error(err))
			}
		}()
	}
	if a.tsdb != nil {
		a.tsdb.Start(runCtx)
	}
	if err := a.feed.Start(runCtx); err != nil {
		return fmt.Errorf("bbo feed: %w", err)
	}
	go a.balanceLoop(runCtx)
	a.startOperator(runCtx)
	a.notifyStartup(ctx)
	return a.controller.Run(runCtx, a.feed.Events())
}

// connect authenticates both accounts and seeds nonce persistence.
func (a *App) connect(ctx context.Context) error {
	for i, client := range a.clients {
		if err := client.InitNonceStore(ctx, a.store); err != nil {
			a.log.Warn("nonce store init failed", zap.String("account", a.sessions[i].ID()), zap.Error(err))
		}
	}
	for _, s := range a.sessions {
		if err := s.Authenticate(ctx); err != nil {
			return fmt.Errorf("authenticate %s: %w", s.ID(), err)
		}
	}
	return nil
}

func (a *App) balanceLoop(ctx context.Context) {
	interval := a.cfg.Cycle.BalanceInterval
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := a.controller.RefreshEquity(ctx); err != nil {
				a.log.Debug("balance refresh failed", zap.Error(err))
			}
		}
	}
}

func (a *App) notifyStartup(ctx context.Context) {
	lines := []string{fmt.Sprintf("zs-hedge-bot started on %s (%s)", a.cfg.Market.Instrument, a.controller.State())}
	for _, s := range a.sessions {
		snap := s.Snapshot()
		lines = append(lines, fmt.Sprintf("%s balance %.2f", s.ID(), snap.Balance))
	}
	a.controller.notify(ctx, strings.Join(lines, "\n"))
}

func (a *App) close() {
	if a.recorder != nil {
		if err := a.recorder.Close(); err != nil {
			a.log.Warn("bbo recorder close failed", zap.Error(err))
		}
	}
	if a.tsdb != nil {
		if err := a.tsdb.Close(); err != nil {
			a.log.Warn("timescale close failed", zap.Error(err))
		}
	}
	if a.executor != nil {
		a.executor.Close()
	}
	if a.ws != nil {
		_ = a.ws.Close()
	}
	if a.store != nil {
		_ = a.store.Close()
	}
}

// Verify authenticates both accounts, prints balances and positions and
// waits for one snapshot from the feed.
func (a *App) Verify(ctx context.Context, out io.Writer) error {
	defer a.close()
	if err := a.connect(ctx); err != nil {
		return err
	}
	for _, s := range a.sessions {
		st, err := s.Reconcile(ctx)
		if err != nil {
			return fmt.Errorf("reconcile %s: %w", s.ID(), err)
		}
		fmt.Fprintf(out, "account %s: balance=%.4f free=%.4f position(%s)=%.8f\n",
			s.ID(), st.Balance, st.FreeCollateral, a.cfg.Market.Instrument, st.Positions[a.cfg.Market.Instrument])
	}
	feedCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := a.feed.Start(feedCtx); err != nil {
		return fmt.Errorf("bbo feed: %w", err)
	}
	for {
		select {
		case <-feedCtx.Done():
			return errors.New("no bbo snapshot received within 10s")
		case ev := <-a.feed.Events():
			if ev.Stale {
				continue
			}
			snap := ev.Snapshot
			fmt.Fprintf(out, "bbo %s: bid %.6f x %.6f ask %.6f x %.6f spread %.6f (%.4f%%)\n",
				snap.Instrument, snap.Bid, snap.BidSize, snap.Ask, snap.AskSize, snap.Spread(), snap.SpreadPct())
			return nil
		}
	}
}
