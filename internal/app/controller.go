package app

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"strings"
	"sync"
	"time"

	"zs-hedge-bot/internal/account"
	"zs-hedge-bot/internal/exec"
	"zs-hedge-bot/internal/market"
	"zs-hedge-bot/internal/metrics"
	"zs-hedge-bot/internal/ratelimit"
	"zs-hedge-bot/internal/state"
	"zs-hedge-bot/internal/strategy"

	"go.uber.org/zap"
)

// HaltReasonStop marks a halt caused by the stop file. Startup
// reconciliation treats it like a clean shutdown.
const HaltReasonStop = "emergency stop"

const (
	defaultTickInterval = 250 * time.Millisecond
	defaultBurstWait    = time.Second
	notifyDrainTimeout  = 5 * time.Second
	rateHistoryHorizon  = 24 * time.Hour
)

type PairExecutor interface {
	OpenPair(ctx context.Context, plan strategy.Plan) (strategy.HedgePair, error)
	ClosePair(ctx context.Context, pair strategy.HedgePair, quote strategy.Plan) error
}

// Budget is the read side of the rate governor.
type Budget interface {
	NextAdmission(accountID string) time.Duration
	Usage(accountID string) ratelimit.Usage
	Export() map[string][]time.Time
}

type Notifier interface {
	Send(ctx context.Context, message string) error
}

type CycleSink interface {
	RecordCycle(instrument string, rec strategy.CycleRecord)
}

type ControllerConfig struct {
	Instrument             string
	StartDirection         strategy.Direction
	MaxCycles              int
	MaxHold                time.Duration
	MaxConsecutiveFailures int
	MaxRoundsPerBurst      int
	StopFile               string
	StaleTimeout           time.Duration
	MaxSlippageBps         float64
	SizeTolerance          float64
	ProgressEvery          int
	TickInterval           time.Duration
	BurstWait              time.Duration
}

type ControllerDeps struct {
	Detector *strategy.Detector
	Sizer    strategy.Sizer
	Executor PairExecutor
	A, B     account.Session
	Budget   Budget
	Store    state.Store
	Stats    *strategy.Stats
	Metrics  *metrics.Metrics
	Notifier Notifier
	Cycles   CycleSink
}

// Controller drives the hedge cycle from market state transitions. Run,
// Reconcile and the event handlers execute on one goroutine; the operator
// accessors may be called from any goroutine.
type Controller struct {
	cfg        ControllerConfig
	log        *zap.Logger
	detector   *strategy.Detector
	sizer      strategy.Sizer
	machine    *strategy.StateMachine
	exec       PairExecutor
	sessions   [2]account.Session
	budget     Budget
	store      state.Store
	stats      *strategy.Stats
	metrics    *metrics.Metrics
	notifier   Notifier
	cycles     CycleSink
	now        func() time.Time
	stopExists func(path string) bool

	mu          sync.Mutex
	direction   strategy.Direction
	pair        *strategy.HedgePair
	paused      bool
	haltRequest string
	haltReason  string
	marketState strategy.MarketState

	openLatency time.Duration
	burstRounds int
	burstNext   bool
	runCycles   int
	windowStart time.Time
	planSeq     uint64
	stopped     bool
	finished    bool
	pending     sync.WaitGroup
}

func NewController(cfg ControllerConfig, deps ControllerDeps, log *zap.Logger) *Controller {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = defaultTickInterval
	}
	if cfg.BurstWait <= 0 {
		cfg.BurstWait = defaultBurstWait
	}
	if !cfg.StartDirection.Valid() {
		cfg.StartDirection = strategy.DirectionALong
	}
	stats := deps.Stats
	if stats == nil {
		stats = strategy.NewStats(0)
	}
	m := deps.Metrics
	if m == nil {
		m = metrics.NewNoop()
	}
	return &Controller{
		cfg:         cfg,
		log:         log,
		detector:    deps.Detector,
		sizer:       deps.Sizer,
		machine:     strategy.NewStateMachine(),
		exec:        deps.Executor,
		sessions:    [2]account.Session{deps.A, deps.B},
		budget:      deps.Budget,
		store:       deps.Store,
		stats:       stats,
		metrics:     m,
		notifier:    deps.Notifier,
		cycles:      deps.Cycles,
		now:         time.Now,
		stopExists:  fileExists,
		direction:   cfg.StartDirection,
		marketState: strategy.MarketNoWindow,
	}
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// Reconcile decides the starting state from the persisted snapshot and live
// positions.
func (c *Controller) Reconcile(ctx context.Context) error {
	snap, found, err := state.LoadCycleSnapshot(ctx, c.store)
	if err != nil {
		return fmt.Errorf("load cycle snapshot: %w", err)
	}
	if found {
		if snap.Instrument != "" && snap.Instrument != c.cfg.Instrument {
			return fmt.Errorf("state store records instrument %s, configured %s", snap.Instrument, c.cfg.Instrument)
		}
		c.stats.Restore(snap.Cycles, snap.Volume)
		c.mu.Lock()
		if snap.Direction.Valid() {
			c.direction = snap.Direction
		}
		c.paused = snap.Paused
		c.mu.Unlock()
	}
	posA, err := c.sessions[0].Position(ctx, c.cfg.Instrument)
	if err != nil {
		return fmt.Errorf("read position %s: %w", c.sessions[0].ID(), err)
	}
	posB, err := c.sessions[1].Position(ctx, c.cfg.Instrument)
	if err != nil {
		return fmt.Errorf("read position %s: %w", c.sessions[1].ID(), err)
	}
	tol := c.cfg.SizeTolerance
	stopped := found && snap.Halted() && snap.HaltReason == HaltReasonStop
	switch {
	case found && snap.Halted() && !stopped:
		c.machine.Restore(strategy.StateHalted)
		c.mu.Lock()
		c.haltReason = snap.HaltReason
		c.pair = snap.Pair
		c.mu.Unlock()
		c.log.Error("resuming in halted state", zap.String("reason", snap.HaltReason), zap.Float64("pos_a", posA), zap.Float64("pos_b", posB))
	case found && snap.Pair != nil && strategy.MatchesPair(*snap.Pair, posA, posB, tol):
		c.machine.Restore(strategy.StateOpen)
		c.mu.Lock()
		c.pair = snap.Pair
		c.mu.Unlock()
		c.log.Info("resuming open pair", zap.Float64("size", snap.Pair.Size()), zap.String("direction", string(snap.Pair.Direction)))
	case strategy.CheckPositions(posA, posB, false, tol) == nil:
		if found && snap.Pair != nil {
			c.log.Warn("recorded pair no longer present on venue, starting flat")
		}
		c.machine.Restore(strategy.StateIdle)
	default:
		c.machine.Restore(strategy.StateIdle)
		exposure := c.pairFromPositions(posA, posB)
		c.halt(ctx, fmt.Sprintf("startup exposure mismatch: a=%v b=%v", posA, posB), &exposure)
		return nil
	}
	c.metrics.CycleState.Set(stateGauge(c.machine.Current()))
	c.persist(ctx)
	return nil
}

func (c *Controller) pairFromPositions(posA, posB float64) strategy.HedgePair {
	leg := func(s account.Session, pos float64) strategy.Leg {
		side := strategy.SideBuy
		if pos < 0 {
			side = strategy.SideSell
		}
		return strategy.Leg{Account: s.ID(), Side: side, Size: math.Abs(pos)}
	}
	c.mu.Lock()
	dir := c.direction
	c.mu.Unlock()
	return strategy.HedgePair{
		Instrument: c.cfg.Instrument,
		Direction:  dir,
		A:          leg(c.sessions[0], posA),
		B:          leg(c.sessions[1], posB),
	}
}

// Run consumes feed events until ctx ends, the stop file appears or the
// configured cycle count is reached.
func (c *Controller) Run(ctx context.Context, events <-chan market.Event) error {
	ticker := time.NewTicker(c.cfg.TickInterval)
	defer ticker.Stop()
	defer c.shutdown(ctx)
	for !c.stopped && !c.finished {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return errors.New("bbo feed closed")
			}
			c.handleEvent(ctx, ev)
		case <-ticker.C:
			c.onTick(ctx)
		}
	}
	if c.finished {
		c.log.Info("max cycles reached", zap.Int("cycles", c.runCycles))
	}
	if c.stopped {
		c.log.Warn("stop file observed, exiting", zap.String("path", c.cfg.StopFile))
	}
	return nil
}

func (c *Controller) shutdown(ctx context.Context) {
	c.persist(ctx)
	sum := c.stats.Summary()
	c.notify(ctx, fmt.Sprintf("zs-hedge-bot stopped (%s)\n%s", c.machine.Current(), formatSummary(sum)))
	done := make(chan struct{})
	go func() {
		c.pending.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(notifyDrainTimeout):
		c.log.Warn("pending notifications dropped")
	}
}

func (c *Controller) halted() bool {
	return c.machine.Current() == strategy.StateHalted
}

func (c *Controller) handleEvent(ctx context.Context, ev market.Event) {
	if c.halted() {
		return
	}
	var (
		tr strategy.Transition
		ok bool
	)
	if ev.Stale {
		c.metrics.FeedStale.Inc()
		tr, ok = c.detector.MarkStale(ev.At)
	} else {
		if ev.Gap {
			c.detector.Reset()
		}
		tr, ok = c.detector.Observe(ev.Snapshot)
	}
	if ok {
		c.onTransition(ctx, tr)
	}
	c.runBurst(ctx)
}

func (c *Controller) onTransition(ctx context.Context, tr strategy.Transition) {
	c.mu.Lock()
	c.marketState = tr.To
	c.mu.Unlock()
	c.metrics.MarketState.Set(marketGauge(tr.To))
	c.syncAcceleration()
	switch {
	case !tr.From.Actionable() && tr.To.Actionable():
		c.windowStart = tr.At
	case tr.From.Actionable() && !tr.To.Actionable() && !c.windowStart.IsZero():
		c.metrics.WindowDuration.Observe(tr.At.Sub(c.windowStart).Seconds())
		c.windowStart = time.Time{}
	}
	if tr.To != strategy.MarketSprint {
		c.burstRounds = 0
	} else if tr.From != strategy.MarketSprint {
		c.log.Info("sprint detected", zap.Float64("bid", tr.Snapshot.Bid), zap.Float64("depth", tr.Snapshot.MinDepth()))
		c.notify(ctx, fmt.Sprintf("sprint on %s: bid %.6f depth %.6f", c.cfg.Instrument, tr.Snapshot.Bid, tr.Snapshot.MinDepth()))
	}
	c.log.Debug("market state", zap.String("from", string(tr.From)), zap.String("to", string(tr.To)), zap.Bool("stale", tr.Stale))
	if !tr.To.Actionable() {
		return
	}
	if c.checkBoundary(ctx) {
		return
	}
	switch c.machine.Current() {
	case strategy.StateIdle:
		c.open(ctx)
	case strategy.StateOpen:
		c.closePair(ctx, false)
	}
}

func (c *Controller) onTick(ctx context.Context) {
	if c.halted() {
		if c.cfg.StopFile != "" && c.stopExists(c.cfg.StopFile) {
			c.stopped = true
		}
		return
	}
	if c.checkBoundary(ctx) {
		return
	}
	if tr, ok := c.detector.Reevaluate(c.now()); ok {
		c.onTransition(ctx, tr)
		if c.halted() {
			return
		}
	}
	if c.machine.Current() == strategy.StateOpen {
		if pair := c.currentPair(); pair != nil && strategy.HoldExpired(*pair, c.now(), c.cfg.MaxHold) {
			c.log.Info("max hold elapsed, closing pair", zap.Duration("held", c.now().Sub(pair.OpenedAt)))
			c.closePair(ctx, true)
		}
	}
	c.runBurst(ctx)
}

// checkBoundary applies a pending stop or halt request. It reports whether
// the controller is halted.
func (c *Controller) checkBoundary(ctx context.Context) bool {
	if c.halted() {
		return true
	}
	if c.cfg.StopFile != "" && c.stopExists(c.cfg.StopFile) {
		c.stopped = true
		c.halt(ctx, HaltReasonStop, nil)
		return true
	}
	c.mu.Lock()
	reason := c.haltRequest
	c.haltRequest = ""
	c.mu.Unlock()
	if reason != "" {
		c.halt(ctx, reason, nil)
		return true
	}
	return false
}

// runBurst keeps trading without a fresh transition while the market stays
// in sprint and the round budget allows.
func (c *Controller) runBurst(ctx context.Context) {
	for c.burstNext {
		c.burstNext = false
		if c.detector.State() != strategy.MarketSprint || c.checkBoundary(ctx) {
			return
		}
		c.awaitBudget(ctx)
		switch c.machine.Current() {
		case strategy.StateIdle:
			c.open(ctx)
		case strategy.StateOpen:
			c.closePair(ctx, false)
		}
	}
}

// awaitBudget blocks until both accounts can be admitted, if that is within
// BurstWait.
func (c *Controller) awaitBudget(ctx context.Context) {
	if c.budget == nil {
		return
	}
	var wait time.Duration
	for _, s := range c.sessions {
		if d := c.budget.NextAdmission(s.ID()); d > wait {
			wait = d
		}
	}
	if wait <= 0 || wait > c.cfg.BurstWait {
		return
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

func (c *Controller) open(ctx context.Context) {
	if c.isPaused() || c.finished {
		return
	}
	snap, ok := c.detector.Latest()
	if !ok {
		return
	}
	c.apply(strategy.EventWindow)
	if err := strategy.CheckConnectivity(c.cfg.StaleTimeout, c.now().Sub(snap.At)); err != nil {
		c.log.Warn("skipping window", zap.Error(err))
		c.apply(strategy.EventTooThin)
		return
	}
	c.mu.Lock()
	dir := c.direction
	c.mu.Unlock()
	plan, err := c.sizer.Plan(snap, dir)
	if err != nil {
		c.log.Debug("window not sized", zap.Error(err))
		c.apply(strategy.EventTooThin)
		return
	}
	plan.Seq = c.nextSeq()
	if latest, ok := c.detector.Latest(); ok {
		if err := strategy.CheckPlanFresh(plan, latest.At); err != nil {
			c.log.Debug("plan superseded", zap.Error(err))
			c.apply(strategy.EventTooThin)
			return
		}
	}
	c.apply(strategy.EventPlanReady)
	start := c.now()
	pair, err := c.exec.OpenPair(context.WithoutCancel(ctx), plan)
	c.afterOrders(ctx)
	switch {
	case err == nil:
		c.apply(strategy.EventOpened)
		c.mu.Lock()
		c.pair = &pair
		c.mu.Unlock()
		c.openLatency = c.now().Sub(start)
		c.metrics.ObserveOpen(c.openLatency)
		c.stats.ResetFailures()
		c.persist(ctx)
		c.burstNext = c.detector.State() == strategy.MarketSprint
	case errors.Is(err, exec.ErrDeferred):
		c.apply(strategy.EventOpenDeferred)
		c.metrics.Deferrals.Inc()
		c.log.Info("open deferred by rate budget")
	case exec.Fatal(err) || errors.Is(err, account.ErrAuth):
		var exposure *strategy.HedgePair
		if p, ok := exec.Exposure(err); ok && (p.A.Size > c.cfg.SizeTolerance || p.B.Size > c.cfg.SizeTolerance) {
			exposure = &p
		}
		c.halt(ctx, "open failed: "+err.Error(), exposure)
	default:
		c.apply(strategy.EventOpenFailed)
		c.recordFailure(ctx, "open", err)
	}
}

func (c *Controller) closePair(ctx context.Context, forced bool) {
	pair := c.currentPair()
	if pair == nil {
		c.halt(ctx, "open state without a recorded pair", nil)
		return
	}
	if forced {
		c.apply(strategy.EventForceClose)
		c.metrics.ForcedCloses.Inc()
	} else {
		c.apply(strategy.EventWindow)
	}
	quote := c.quote(*pair)
	start := c.now()
	err := c.exec.ClosePair(context.WithoutCancel(ctx), *pair, quote)
	c.afterOrders(ctx)
	switch {
	case err == nil:
		c.completeCycle(ctx, *pair, quote, c.now().Sub(start), forced)
	case errors.Is(err, exec.ErrDeferred):
		c.apply(strategy.EventCloseFailed)
		c.metrics.Deferrals.Inc()
		c.log.Info("close deferred by rate budget")
	case exec.Fatal(err) || errors.Is(err, account.ErrAuth):
		exposure := pair
		if p, ok := exec.Exposure(err); ok {
			exposure = &p
		}
		c.halt(ctx, "close failed: "+err.Error(), exposure)
	default:
		if p, ok := exec.Exposure(err); ok {
			c.mu.Lock()
			c.pair = &p
			c.mu.Unlock()
		}
		c.apply(strategy.EventCloseFailed)
		c.recordFailure(ctx, "close", err)
	}
}

// quote builds the close price bounds from the latest fresh snapshot. A stale
// or missing book yields a zero quote, which closes at market.
func (c *Controller) quote(pair strategy.HedgePair) strategy.Plan {
	q := strategy.Plan{Instrument: pair.Instrument, Size: pair.Size(), Direction: pair.Direction, Seq: c.nextSeq()}
	snap, ok := c.detector.Latest()
	if !ok || strategy.CheckConnectivity(c.cfg.StaleTimeout, c.now().Sub(snap.At)) != nil {
		return q
	}
	q.MaxSlippageBps = c.cfg.MaxSlippageBps
	q.Bid = snap.Bid
	q.Ask = snap.Ask
	q.SnapshotAt = snap.At
	return q
}

func (c *Controller) completeCycle(ctx context.Context, pair strategy.HedgePair, quote strategy.Plan, closeLatency time.Duration, forced bool) {
	closePrice := quote.Mid()
	if closePrice <= 0 {
		closePrice = pair.EntryPrice()
	}
	now := c.now()
	rec := strategy.CycleRecord{
		Direction:    pair.Direction,
		Size:         pair.Size(),
		OpenPrice:    pair.EntryPrice(),
		ClosePrice:   closePrice,
		OpenLatency:  c.openLatency,
		CloseLatency: closeLatency,
		OpenedAt:     pair.OpenedAt,
		ClosedAt:     now,
		Forced:       forced,
	}
	vol := c.stats.RecordCycle(rec)
	if c.cycles != nil {
		c.cycles.RecordCycle(c.cfg.Instrument, rec)
	}
	c.apply(strategy.EventClosed)
	c.mu.Lock()
	c.pair = nil
	c.direction = c.direction.Flip()
	next := c.direction
	c.mu.Unlock()
	c.apply(strategy.EventFlipped)
	c.runCycles++

	sum := c.stats.Summary()
	c.metrics.Cycles.Inc()
	c.metrics.Volume.Set(sum.Volume)
	c.metrics.ObserveClose(closeLatency)
	c.persist(ctx)
	c.log.Info("cycle complete",
		zap.Int("cycles", sum.Cycles),
		zap.Float64("size", rec.Size),
		zap.Float64("volume", vol),
		zap.Bool("forced", forced),
		zap.String("next_direction", string(next)),
	)
	if every := c.cfg.ProgressEvery; every > 0 && sum.Cycles%every == 0 {
		c.notify(ctx, fmt.Sprintf("progress %s\n%s", c.cfg.Instrument, formatSummary(sum)))
	}
	if c.cfg.MaxCycles > 0 && c.runCycles >= c.cfg.MaxCycles {
		c.finished = true
		return
	}
	if c.detector.State() == strategy.MarketSprint {
		c.burstRounds++
		c.burstNext = c.burstRounds < c.cfg.MaxRoundsPerBurst
	}
}

func (c *Controller) recordFailure(ctx context.Context, op string, err error) {
	n := c.stats.RecordFailure()
	c.metrics.CycleFailures.Inc()
	c.burstNext = false
	c.log.Warn(op+" failed", zap.Error(err), zap.Int("consecutive", n))
	if c.cfg.MaxConsecutiveFailures > 0 && n >= c.cfg.MaxConsecutiveFailures {
		c.halt(ctx, fmt.Sprintf("%d consecutive failures, last: %v", n, err), nil)
		return
	}
	c.persist(ctx)
}

// halt moves to HALTED. exposure, when set, replaces the recorded pair.
func (c *Controller) halt(ctx context.Context, reason string, exposure *strategy.HedgePair) {
	if c.halted() {
		return
	}
	c.apply(strategy.EventHalt)
	c.burstNext = false
	c.mu.Lock()
	c.haltReason = reason
	if exposure != nil {
		c.pair = exposure
	}
	pair := c.pair
	c.mu.Unlock()
	c.metrics.Halts.Inc()
	msg := fmt.Sprintf("HALTED %s: %s", c.cfg.Instrument, reason)
	if pair != nil {
		msg += fmt.Sprintf("\nexposure %s %s %.8f / %s %s %.8f", pair.A.Account, pair.A.Side, pair.A.Size, pair.B.Account, pair.B.Side, pair.B.Size)
	}
	if reason == HaltReasonStop {
		c.log.Warn("controller halted", zap.String("reason", reason))
	} else {
		c.log.Error("controller halted", zap.String("reason", reason), zap.Any("pair", pair))
	}
	c.persist(ctx)
	c.notify(ctx, msg)
}

func (c *Controller) apply(ev strategy.Event) strategy.State {
	next := c.machine.Apply(ev)
	c.metrics.CycleState.Set(stateGauge(next))
	c.syncAcceleration()
	return next
}

// syncAcceleration uses the sprint evaluation interval only while a sprint
// is being traded.
func (c *Controller) syncAcceleration() {
	cur := c.machine.Current()
	c.detector.SetAccelerated(c.detector.State() == strategy.MarketSprint && cur != strategy.StateIdle && cur != strategy.StateHalted)
}

func (c *Controller) nextSeq() uint64 {
	c.planSeq++
	return c.planSeq
}

// afterOrders persists the rate history and refreshes usage gauges.
func (c *Controller) afterOrders(ctx context.Context) {
	if c.budget == nil {
		return
	}
	if c.store != nil {
		if err := state.SaveRateHistory(context.WithoutCancel(ctx), c.store, c.budget.Export()); err != nil {
			c.log.Warn("rate history save failed", zap.Error(err))
		}
	}
	for _, s := range c.sessions {
		u := c.budget.Usage(s.ID())
		c.metrics.RateUsage.Set(float64(u.Minute), s.ID(), "minute")
		c.metrics.RateUsage.Set(float64(u.Hour), s.ID(), "hour")
		c.metrics.RateUsage.Set(float64(u.Day), s.ID(), "day")
	}
}

func (c *Controller) persist(ctx context.Context) {
	if c.store == nil {
		return
	}
	if err := state.SaveCycleSnapshot(context.WithoutCancel(ctx), c.store, c.Snapshot()); err != nil {
		c.log.Warn("cycle snapshot save failed", zap.Error(err))
	}
}

// notify sends without blocking the decision loop.
func (c *Controller) notify(ctx context.Context, msg string) {
	if c.notifier == nil {
		return
	}
	c.pending.Add(1)
	go func() {
		defer c.pending.Done()
		if err := c.notifier.Send(context.WithoutCancel(ctx), msg); err != nil {
			c.log.Warn("alert send failed", zap.Error(err))
		}
	}()
}

func (c *Controller) currentPair() *strategy.HedgePair {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pair == nil {
		return nil
	}
	p := *c.pair
	return &p
}

func (c *Controller) isPaused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused
}

// SetPaused blocks or allows new opens. Closes are never paused.
func (c *Controller) SetPaused(paused bool) (before bool) {
	c.mu.Lock()
	before = c.paused
	c.paused = paused
	c.mu.Unlock()
	return before
}

// RequestHalt halts at the next state boundary.
func (c *Controller) RequestHalt(reason string) {
	if strings.TrimSpace(reason) == "" {
		reason = "operator halt"
	}
	c.mu.Lock()
	c.haltRequest = reason
	c.mu.Unlock()
}

func (c *Controller) State() strategy.State {
	return c.machine.Current()
}

// Health returns an error while halted.
func (c *Controller) Health() error {
	if !c.halted() {
		return nil
	}
	c.mu.Lock()
	reason := c.haltReason
	c.mu.Unlock()
	return fmt.Errorf("halted: %s", reason)
}

func (c *Controller) Snapshot() state.CycleSnapshot {
	sum := c.stats.Summary()
	c.mu.Lock()
	defer c.mu.Unlock()
	var pair *strategy.HedgePair
	if c.pair != nil {
		p := *c.pair
		pair = &p
	}
	return state.CycleSnapshot{
		Instrument:  c.cfg.Instrument,
		State:       c.machine.Current(),
		Direction:   c.direction,
		Pair:        pair,
		Cycles:      sum.Cycles,
		Volume:      sum.Volume,
		Failures:    sum.ConsecutiveFailures,
		Paused:      c.paused,
		HaltReason:  c.haltReason,
		UpdatedAtMS: c.now().UnixMilli(),
	}
}

// RefreshEquity reads both balances and updates pnl.
func (c *Controller) RefreshEquity(ctx context.Context) error {
	var total float64
	for _, s := range c.sessions {
		bal, err := s.Balance(ctx)
		if err != nil {
			return fmt.Errorf("balance %s: %w", s.ID(), err)
		}
		total += bal
	}
	c.stats.SetEquity(total)
	c.metrics.PnL.Set(c.stats.Summary().PnL)
	return nil
}

func (c *Controller) Status() string {
	snap := c.Snapshot()
	sum := c.stats.Summary()
	c.mu.Lock()
	ms := c.marketState
	c.mu.Unlock()
	lines := []string{
		fmt.Sprintf("instrument: %s", snap.Instrument),
		fmt.Sprintf("state: %s", snap.State),
		fmt.Sprintf("market: %s", ms),
		fmt.Sprintf("direction: %s", snap.Direction),
		fmt.Sprintf("paused: %t", snap.Paused),
	}
	if snap.Pair != nil {
		lines = append(lines, fmt.Sprintf("pair: %s size %.8f held %s", snap.Pair.Direction, snap.Pair.Size(), c.now().Sub(snap.Pair.OpenedAt).Round(time.Millisecond)))
	}
	if snap.HaltReason != "" {
		lines = append(lines, fmt.Sprintf("halt_reason: %s", snap.HaltReason))
	}
	lines = append(lines, formatSummary(sum))
	if c.budget != nil {
		for _, s := range c.sessions {
			lines = append(lines, formatUsage(s.ID(), c.budget.Usage(s.ID())))
		}
	}
	return strings.Join(lines, "\n")
}

func formatSummary(sum strategy.Summary) string {
	return strings.Join([]string{
		fmt.Sprintf("cycles: %d", sum.Cycles),
		fmt.Sprintf("volume: %.2f", sum.Volume),
		fmt.Sprintf("pnl: %.4f (%.4f per 10k)", sum.PnL, sum.PnLPer10k),
		fmt.Sprintf("failures: %d (consecutive %d)", sum.Failures, sum.ConsecutiveFailures),
		fmt.Sprintf("latency: open %s close %s", sum.AvgOpenLatency.Round(time.Millisecond), sum.AvgCloseLatency.Round(time.Millisecond)),
	}, "\n")
}

func formatUsage(id string, u ratelimit.Usage) string {
	return fmt.Sprintf("rate %s: %d/min %d/h %d/day", id, u.Minute, u.Hour, u.Day)
}

func marketGauge(s strategy.MarketState) float64 {
	switch s {
	case strategy.MarketZeroSpread:
		return 1
	case strategy.MarketSprint:
		return 2
	default:
		return 0
	}
}

func stateGauge(s strategy.State) float64 {
	switch s {
	case strategy.StateSizing:
		return 1
	case strategy.StateOpening:
		return 2
	case strategy.StateOpen:
		return 3
	case strategy.StateClosing:
		return 4
	case strategy.StateAlternating:
		return 5
	case strategy.StateHalted:
		return 6
	default:
		return 0
	}
}
