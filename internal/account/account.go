package account

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"zs-hedge-bot/internal/venue/exchange"

	"go.uber.org/zap"
)

// Exchange is the venue client used by ExchangeSession.
type Exchange interface {
	Authenticate(ctx context.Context) error
	PlaceOrder(ctx context.Context, req exchange.OrderRequest) (exchange.Order, error)
	CancelOrder(ctx context.Context, orderID string) error
	GetOrder(ctx context.Context, orderID string) (exchange.Order, error)
	GetOrderByClientID(ctx context.Context, clientID string) (exchange.Order, error)
	Positions(ctx context.Context) ([]exchange.Position, error)
	Account(ctx context.Context) (exchange.Account, error)
}

const maxFillOrderIDs = 2000

type State struct {
	Positions      map[string]float64
	Balance        float64
	FreeCollateral float64
	UpdatedAt      time.Time
}

// ExchangeSession implements Session on top of the signed REST client.
type ExchangeSession struct {
	id     string
	client Exchange
	log    *zap.Logger
	now    func() time.Time

	mu            sync.RWMutex
	state         State
	terminalFills map[string]Fill
	fillOrderList *list.List
	fillOrderElem map[string]*list.Element
}

func New(id string, client Exchange, log *zap.Logger) *ExchangeSession {
	if log == nil {
		log = zap.NewNop()
	}
	return &ExchangeSession{
		id:            strings.TrimSpace(id),
		client:        client,
		log:           log,
		now:           time.Now,
		terminalFills: make(map[string]Fill),
		fillOrderList: list.New(),
		fillOrderElem: make(map[string]*list.Element),
	}
}

func (s *ExchangeSession) ID() string {
	return s.id
}

func (s *ExchangeSession) Authenticate(ctx context.Context) error {
	return classify(s.client.Authenticate(ctx))
}

func (s *ExchangeSession) PlaceOrder(ctx context.Context, req OrderRequest) (string, error) {
	if req.Instrument == "" {
		return "", fmt.Errorf("%w: instrument is required", ErrRejected)
	}
	if req.Size <= 0 {
		return "", fmt.Errorf("%w: size must be > 0", ErrRejected)
	}
	order := exchange.OrderRequest{
		Market:      req.Instrument,
		Side:        exchange.Side(req.Side),
		Type:        exchange.OrderTypeMarket,
		Size:        req.Size,
		Instruction: exchange.InstructionIOC,
		ReduceOnly:  req.ReduceOnly,
		ClientID:    req.ClientID,
	}
	if req.WorstPrice > 0 {
		order.Type = exchange.OrderTypeLimit
		order.Price = req.WorstPrice
	}
	placed, err := s.client.PlaceOrder(ctx, order)
	if err != nil {
		return "", classify(err)
	}
	if placed.ID == "" {
		return "", fmt.Errorf("%w: empty order id", ErrTransient)
	}
	s.log.Debug("order placed",
		zap.String("account", s.id),
		zap.String("order_id", placed.ID),
		zap.String("client_id", req.ClientID),
		zap.String("side", string(req.Side)),
		zap.Float64("size", req.Size),
	)
	return placed.ID, nil
}

func (s *ExchangeSession) CancelOrder(ctx context.Context, orderID string) error {
	err := s.client.CancelOrder(ctx, orderID)
	if errors.Is(err, exchange.ErrNotFound) {
		// Already terminal.
		return nil
	}
	return classify(err)
}

func (s *ExchangeSession) GetFill(ctx context.Context, orderID string) (Fill, error) {
	if orderID == "" {
		return Fill{}, fmt.Errorf("%w: order id is required", ErrRejected)
	}
	s.mu.RLock()
	cached, ok := s.terminalFills[orderID]
	s.mu.RUnlock()
	if ok {
		return cached, nil
	}
	order, err := s.client.GetOrder(ctx, orderID)
	if err != nil {
		return Fill{}, classify(err)
	}
	fill := fillFromOrder(order)
	fill.OrderID = orderID
	if !fill.Pending {
		s.rememberFill(fill)
	}
	return fill, nil
}

func (s *ExchangeSession) FindOrder(ctx context.Context, clientID string) (string, bool, error) {
	if clientID == "" {
		return "", false, nil
	}
	order, err := s.client.GetOrderByClientID(ctx, clientID)
	if errors.Is(err, exchange.ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, classify(err)
	}
	return order.ID, order.ID != "", nil
}

func (s *ExchangeSession) Position(ctx context.Context, instrument string) (float64, error) {
	positions, err := s.positions(ctx)
	if err != nil {
		return 0, err
	}
	return positions[instrument], nil
}

func (s *ExchangeSession) Balance(ctx context.Context) (float64, error) {
	acct, err := s.client.Account(ctx)
	if err != nil {
		return 0, classify(err)
	}
	s.mu.Lock()
	s.state.Balance = acct.Value()
	s.state.FreeCollateral = parseFloat(acct.FreeCollateral)
	s.state.UpdatedAt = s.now()
	s.mu.Unlock()
	return acct.Value(), nil
}

// Reconcile refreshes positions and balance from the venue.
func (s *ExchangeSession) Reconcile(ctx context.Context) (State, error) {
	if _, err := s.positions(ctx); err != nil {
		return State{}, err
	}
	if _, err := s.Balance(ctx); err != nil {
		return State{}, err
	}
	return s.Snapshot(), nil
}

func (s *ExchangeSession) Snapshot() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := s.state
	out.Positions = copyFloatMap(s.state.Positions)
	return out
}

func (s *ExchangeSession) positions(ctx context.Context) (map[string]float64, error) {
	raw, err := s.client.Positions(ctx)
	if err != nil {
		return nil, classify(err)
	}
	positions := parsePositions(raw)
	s.mu.Lock()
	s.state.Positions = positions
	s.state.UpdatedAt = s.now()
	s.mu.Unlock()
	return positions, nil
}

func (s *ExchangeSession) rememberFill(fill Fill) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.fillOrderElem[fill.OrderID]; !ok {
		s.fillOrderElem[fill.OrderID] = s.fillOrderList.PushBack(fill.OrderID)
	}
	s.terminalFills[fill.OrderID] = fill
	for len(s.terminalFills) > maxFillOrderIDs {
		front := s.fillOrderList.Front()
		if front == nil {
			break
		}
		orderID, ok := front.Value.(string)
		s.fillOrderList.Remove(front)
		if ok {
			delete(s.fillOrderElem, orderID)
			delete(s.terminalFills, orderID)
		}
	}
}

func parsePositions(raw []exchange.Position) map[string]float64 {
	positions := make(map[string]float64)
	for _, pos := range raw {
		market := strings.TrimSpace(pos.Market)
		if market == "" || strings.EqualFold(pos.Status, "CLOSED") {
			continue
		}
		size := pos.Signed()
		if size == 0 {
			continue
		}
		positions[market] += size
	}
	return positions
}

func fillFromOrder(order exchange.Order) Fill {
	fill := Fill{
		OrderID:    order.ID,
		FilledSize: order.FilledSize(),
		Price:      order.FillPrice(),
		Pending:    !order.Closed(),
	}
	if order.Closed() && order.CancelReason != "" {
		fill.Canceled = true
	}
	return fill
}

// classify maps venue errors onto the account error taxonomy.
func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	case errors.Is(err, exchange.ErrUnauthorized):
		return fmt.Errorf("%w: %w", ErrAuth, err)
	case errors.Is(err, exchange.ErrTransient):
		return fmt.Errorf("%w: %w", ErrTransient, err)
	default:
		return fmt.Errorf("%w: %w", ErrRejected, err)
	}
}

func copyFloatMap(src map[string]float64) map[string]float64 {
	if len(src) == 0 {
		return nil
	}
	out := make(map[string]float64, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}

func parseFloat(s string) float64 {
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0
	}
	return f
}
