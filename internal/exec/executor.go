package exec

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"zs-hedge-bot/internal/account"
	"zs-hedge-bot/internal/strategy"

	"github.com/dgraph-io/ristretto"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type Governor interface {
	Admit(accountID string) bool
	AdmitAll(accountIDs ...string) bool
	Wait(ctx context.Context, accountID string) error
}

// Observer receives per-order outcomes.
type Observer interface {
	OrderPlaced(account string)
	OrderFailed(account string)
}

type noopObserver struct{}

func (noopObserver) OrderPlaced(string) {}
func (noopObserver) OrderFailed(string) {}

type Config struct {
	FillTimeout      time.Duration
	FillPollInterval time.Duration
	UnwindRetries    int
	ReconcileTimeout time.Duration
	SizeTolerance    float64
	PlaceRetries     int
	PlaceBackoff     time.Duration
	ClientIDTTL      time.Duration
}

func (c Config) withDefaults() Config {
	if c.FillTimeout <= 0 {
		c.FillTimeout = 2 * time.Second
	}
	if c.FillPollInterval <= 0 {
		c.FillPollInterval = 100 * time.Millisecond
	}
	if c.UnwindRetries <= 0 {
		c.UnwindRetries = 3
	}
	if c.ReconcileTimeout <= 0 {
		c.ReconcileTimeout = 5 * time.Second
	}
	if c.SizeTolerance <= 0 {
		c.SizeTolerance = 1e-9
	}
	if c.PlaceRetries <= 0 {
		c.PlaceRetries = 2
	}
	if c.PlaceBackoff <= 0 {
		c.PlaceBackoff = 100 * time.Millisecond
	}
	if c.ClientIDTTL <= 0 {
		c.ClientIDTTL = 10 * time.Minute
	}
	return c
}

// Executor opens and closes hedge pairs across two accounts.
type Executor struct {
	a, b     account.Session
	gov      Governor
	cfg      Config
	log      *zap.Logger
	observer Observer
	placed   *ristretto.Cache
	newID    func() string
	now      func() time.Time
}

func New(a, b account.Session, gov Governor, cfg Config, log *zap.Logger) (*Executor, error) {
	if a == nil || b == nil {
		return nil, errors.New("both account sessions are required")
	}
	if a.ID() == b.ID() {
		return nil, fmt.Errorf("account sessions must be distinct, both are %q", a.ID())
	}
	if gov == nil {
		return nil, errors.New("rate governor is required")
	}
	if log == nil {
		log = zap.NewNop()
	}
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 10000,
		MaxCost:     1000,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &Executor{
		a:        a,
		b:        b,
		gov:      gov,
		cfg:      cfg.withDefaults(),
		log:      log,
		observer: noopObserver{},
		placed:   cache,
		newID:    uuid.NewString,
		now:      time.Now,
	}, nil
}

func (e *Executor) SetObserver(o Observer) {
	if o == nil {
		o = noopObserver{}
	}
	e.observer = o
}

func (e *Executor) Close() {
	e.placed.Close()
}

// legSpec is one order of a pair operation. Exposure is measured on the
// position side of the leg; closing orders reduce it.
type legSpec struct {
	session account.Session
	legSide strategy.Side
	base    float64
	closing bool
	request account.OrderRequest
}

type legOutcome struct {
	spec     legSpec
	orderID  string
	fill     account.Fill
	known    bool
	exposure float64
	err      error
}

func (o legOutcome) leg() strategy.Leg {
	return strategy.Leg{
		Account: o.spec.session.ID(),
		Side:    o.spec.legSide,
		Size:    o.exposure,
		Price:   o.fill.Price,
		OrderID: o.orderID,
	}
}

// OpenPair opens the plan's long and short legs on A and B. Both legs are
// admitted together or not at all. Calling it again with the same plan
// returns the orders already placed for it instead of placing new ones.
func (e *Executor) OpenPair(ctx context.Context, plan strategy.Plan) (strategy.HedgePair, error) {
	if plan.Size <= 0 || plan.Instrument == "" {
		return strategy.HedgePair{}, fmt.Errorf("%w: invalid plan", ErrLegRejected)
	}
	if !plan.Direction.Valid() {
		return strategy.HedgePair{}, fmt.Errorf("%w: invalid direction %q", ErrLegRejected, plan.Direction)
	}
	if !e.gov.AdmitAll(e.a.ID(), e.b.ID()) {
		return strategy.HedgePair{}, ErrDeferred
	}
	sideA, sideB := plan.Direction.Sides()
	outs := e.runPair(ctx, [2]legSpec{
		e.openSpec(e.a, sideA, plan),
		e.openSpec(e.b, sideB, plan),
	})
	pair := strategy.HedgePair{
		Instrument: plan.Instrument,
		Direction:  plan.Direction,
		A:          outs[0].leg(),
		B:          outs[1].leg(),
		OpenedAt:   e.now(),
	}
	pair, err := e.balance(ctx, pair, outs)
	if err != nil {
		return pair, err
	}
	if pair.Size() <= e.cfg.SizeTolerance {
		return strategy.HedgePair{}, &PairError{Kind: ErrLegRejected, Err: joinLegErrors(outs)}
	}
	if math.Abs(pair.Size()-plan.Size) > e.cfg.SizeTolerance {
		e.log.Warn("pair opened below plan size",
			zap.Float64("planned", plan.Size),
			zap.Float64("opened", pair.Size()),
		)
	}
	e.log.Info("pair opened",
		zap.String("instrument", pair.Instrument),
		zap.String("direction", string(pair.Direction)),
		zap.Float64("size", pair.Size()),
		zap.Float64("price_a", pair.A.Price),
		zap.Float64("price_b", pair.B.Price),
	)
	return pair, nil
}

// ClosePair closes both legs of pair with reduce-only orders. quote supplies
// the book used for slippage bounds; a zero quote closes at market. When the
// close only partly succeeds the returned error carries the pair that
// remains open.
func (e *Executor) ClosePair(ctx context.Context, pair strategy.HedgePair, quote strategy.Plan) error {
	if pair.A.Size <= e.cfg.SizeTolerance && pair.B.Size <= e.cfg.SizeTolerance {
		return nil
	}
	var ids []string
	if pair.A.Size > e.cfg.SizeTolerance {
		ids = append(ids, e.a.ID())
	}
	if pair.B.Size > e.cfg.SizeTolerance {
		ids = append(ids, e.b.ID())
	}
	if !e.gov.AdmitAll(ids...) {
		return ErrDeferred
	}
	outs := e.runPair(ctx, [2]legSpec{
		e.closeSpec(e.a, pair.A, pair.Instrument, quote),
		e.closeSpec(e.b, pair.B, pair.Instrument, quote),
	})
	residual := pair
	residual.A.Size = outs[0].exposure
	residual.B.Size = outs[1].exposure
	residual, err := e.balance(ctx, residual, outs)
	if err != nil {
		return err
	}
	if residual.A.Size <= e.cfg.SizeTolerance && residual.B.Size <= e.cfg.SizeTolerance {
		e.log.Info("pair closed",
			zap.String("instrument", pair.Instrument),
			zap.Float64("size", pair.Size()),
			zap.Float64("price_a", outs[0].fill.Price),
			zap.Float64("price_b", outs[1].fill.Price),
		)
		return nil
	}
	return &PairError{Kind: ErrLegRejected, Pair: residual, Err: joinLegErrors(outs)}
}

func (e *Executor) openSpec(s account.Session, side strategy.Side, plan strategy.Plan) legSpec {
	return legSpec{
		session: s,
		legSide: side,
		request: account.OrderRequest{
			Instrument: plan.Instrument,
			Side:       side,
			Size:       plan.Size,
			WorstPrice: plan.WorstPrice(side),
			ClientID:   clientID("open", s.ID(), side, plan.Instrument, plan.SnapshotAt.UnixNano(), plan.Seq),
		},
	}
}

func (e *Executor) closeSpec(s account.Session, leg strategy.Leg, instrument string, quote strategy.Plan) legSpec {
	side := leg.Side.Opposite()
	return legSpec{
		session: s,
		legSide: leg.Side,
		base:    leg.Size,
		closing: true,
		request: account.OrderRequest{
			Instrument: instrument,
			Side:       side,
			Size:       leg.Size,
			WorstPrice: quote.WorstPrice(side),
			ReduceOnly: true,
			ClientID:   clientID("close", s.ID(), side, instrument, leg.OrderID, quote.SnapshotAt.UnixNano(), quote.Seq),
		},
	}
}

// runPair executes both legs concurrently and joins them.
func (e *Executor) runPair(ctx context.Context, specs [2]legSpec) [2]legOutcome {
	var outs [2]legOutcome
	var wg sync.WaitGroup
	for i := range specs {
		if specs[i].request.Size <= e.cfg.SizeTolerance {
			outs[i] = legOutcome{spec: specs[i], known: true, exposure: e.exposure(specs[i], 0)}
			continue
		}
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outs[i] = e.execute(ctx, specs[i])
		}(i)
	}
	wg.Wait()
	return outs
}

func (e *Executor) execute(ctx context.Context, spec legSpec) legOutcome {
	out := legOutcome{spec: spec}
	orderID, definite, err := e.submit(ctx, spec.session, spec.request)
	if err != nil {
		out.err = err
		if definite {
			out.known = true
			out.exposure = e.exposure(spec, 0)
			return out
		}
		return e.resolveFromPosition(ctx, out)
	}
	out.orderID = orderID
	fill, err := account.SettleOrder(ctx, spec.session, orderID, e.cfg.FillTimeout, e.cfg.FillPollInterval)
	out.fill = fill
	if err != nil {
		out.err = err
		return e.resolveFromPosition(ctx, out)
	}
	out.known = true
	out.exposure = e.exposure(spec, fill.FilledSize)
	return out
}

func (e *Executor) exposure(spec legSpec, filled float64) float64 {
	if spec.closing {
		return math.Max(spec.base-filled, 0)
	}
	return filled
}

// resolveFromPosition reads the account position when a fill could not be
// confirmed.
func (e *Executor) resolveFromPosition(ctx context.Context, out legOutcome) legOutcome {
	pos, err := out.spec.session.Position(context.WithoutCancel(ctx), out.spec.request.Instrument)
	if err != nil {
		e.log.Error("leg outcome unknown",
			zap.String("account", out.spec.session.ID()),
			zap.String("order_id", out.orderID),
			zap.Error(out.err),
			zap.NamedError("position_error", err),
		)
		// Assume the worst case.
		out.exposure = e.exposure(out.spec, 0)
		if !out.spec.closing {
			out.exposure = out.spec.request.Size
		}
		return out
	}
	out.known = true
	out.exposure = math.Max(pos*out.spec.legSide.Sign(), 0)
	return out
}

// submit places req, retrying transient failures with the same client id.
// definite is false when the venue may have accepted the order without us
// learning its id.
func (e *Executor) submit(ctx context.Context, s account.Session, req account.OrderRequest) (string, bool, error) {
	if oid, ok := e.placed.Get(req.ClientID); ok {
		return oid.(string), true, nil
	}
	backoff := e.cfg.PlaceBackoff
	var lastErr error
	for attempt := 0; attempt <= e.cfg.PlaceRetries; attempt++ {
		if attempt > 0 {
			if oid, found, err := s.FindOrder(ctx, req.ClientID); err == nil && found {
				e.remember(req.ClientID, oid)
				return oid, true, nil
			}
			select {
			case <-ctx.Done():
				return "", false, ctx.Err()
			case <-time.After(backoff):
				backoff *= 2
			}
			if !e.gov.Admit(s.ID()) {
				break
			}
		}
		orderID, err := s.PlaceOrder(ctx, req)
		if err == nil {
			e.observer.OrderPlaced(s.ID())
			e.remember(req.ClientID, orderID)
			return orderID, true, nil
		}
		e.observer.OrderFailed(s.ID())
		lastErr = err
		if !account.Retriable(err) {
			return "", true, err
		}
		e.log.Warn("order placement failed, retrying",
			zap.String("account", s.ID()),
			zap.String("client_id", req.ClientID),
			zap.Int("attempt", attempt+1),
			zap.Error(err),
		)
	}
	oid, found, err := s.FindOrder(ctx, req.ClientID)
	if err != nil {
		return "", false, fmt.Errorf("%w (lookup failed: %v)", lastErr, err)
	}
	if found {
		e.remember(req.ClientID, oid)
		return oid, true, nil
	}
	return "", true, lastErr
}

func (e *Executor) remember(clientID, orderID string) {
	e.placed.SetWithTTL(clientID, orderID, 1, e.cfg.ClientIDTTL)
	e.placed.Wait()
}

var clientIDSpace = uuid.MustParse("5b1f0a4e-8c3d-4f6a-9e2b-7d4c1a0f3e85")

// clientID derives a stable order client id for one leg of an open or close,
// so the same plan maps to the same venue order.
func clientID(parts ...any) string {
	var name []byte
	for i, p := range parts {
		if i > 0 {
			name = append(name, '|')
		}
		name = fmt.Append(name, p)
	}
	return uuid.NewSHA1(clientIDSpace, name).String()
}

// balance trims the larger leg down to the smaller one. Any exposure that
// cannot be trimmed is reported as half open or imbalanced.
func (e *Executor) balance(ctx context.Context, pair strategy.HedgePair, outs [2]legOutcome) (strategy.HedgePair, error) {
	cause := joinLegErrors(outs)
	if !outs[0].known || !outs[1].known {
		kind := ErrImbalanced
		if pair.Size() <= e.cfg.SizeTolerance {
			kind = ErrHalfOpen
		}
		return pair, &PairError{Kind: kind, Pair: pair, Err: cause}
	}
	excess := pair.A.Size - pair.B.Size
	if math.Abs(excess) <= e.cfg.SizeTolerance {
		return pair, nil
	}
	leg, session := &pair.A, e.a
	if excess < 0 {
		leg, session = &pair.B, e.b
	}
	target := math.Abs(excess)
	e.log.Warn("trimming unmatched leg",
		zap.String("account", session.ID()),
		zap.String("side", string(leg.Side)),
		zap.Float64("excess", target),
		zap.NamedError("cause", cause),
	)
	remaining, err := e.reduce(ctx, session, pair.Instrument, leg.Side.Opposite(), target)
	leg.Size -= target - remaining
	if remaining > e.cfg.SizeTolerance {
		kind := ErrImbalanced
		if pair.Size() <= e.cfg.SizeTolerance {
			kind = ErrHalfOpen
		}
		return pair, &PairError{Kind: kind, Pair: pair, Err: errors.Join(cause, err)}
	}
	return pair, nil
}

// reduce sends reduce-only market orders on side until size has filled,
// the retry budget is spent or the reconcile timeout elapses. Each order
// waits for rate admission.
func (e *Executor) reduce(ctx context.Context, s account.Session, instrument string, side strategy.Side, size float64) (float64, error) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.ReconcileTimeout)
	defer cancel()
	remaining := size
	var lastErr error
	for attempt := 0; attempt < e.cfg.UnwindRetries && remaining > e.cfg.SizeTolerance; attempt++ {
		if err := e.gov.Wait(rctx, s.ID()); err != nil {
			lastErr = fmt.Errorf("rate admission: %w", err)
			break
		}
		out := e.execute(rctx, legSpec{
			session: s,
			legSide: side,
			request: account.OrderRequest{
				Instrument: instrument,
				Side:       side,
				Size:       remaining,
				ReduceOnly: true,
				ClientID:   e.newID(),
			},
		})
		if out.err == nil {
			remaining = math.Max(remaining-out.fill.FilledSize, 0)
		}
		if out.err != nil {
			lastErr = out.err
			e.log.Warn("unwind attempt failed",
				zap.String("account", s.ID()),
				zap.Int("attempt", attempt+1),
				zap.Float64("remaining", remaining),
				zap.Error(out.err),
			)
			if errors.Is(out.err, account.ErrAuth) {
				break
			}
		}
	}
	if remaining > e.cfg.SizeTolerance && lastErr == nil {
		lastErr = fmt.Errorf("unwind left %.8f of %.8f on %s", remaining, size, s.ID())
	}
	return remaining, lastErr
}

func joinLegErrors(outs [2]legOutcome) error {
	var errs []error
	for _, out := range outs {
		if out.err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", out.spec.session.ID(), out.err))
		}
	}
	return errors.Join(errs...)
}
