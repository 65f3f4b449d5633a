package exchange

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/goccy/go-json"
	"go.uber.org/zap"
)

const authPath = "/auth"

// Client is an authenticated REST client for one trading account.
type Client struct {
	baseURL     string
	http        *resty.Client
	signer      *Signer
	tokenMaxAge time.Duration
	log         *zap.Logger
	now         func() time.Time

	authMu  sync.Mutex
	token   string
	tokenAt time.Time

	lastNonce     atomic.Uint64
	lastPersisted atomic.Uint64
	nonceStore    NonceStore
	nonceKey      string
	persistMu     sync.Mutex
	persistWarned atomic.Bool
}

type NonceStore interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
}

func NewClient(baseURL string, timeout time.Duration, signer *Signer, tokenMaxAge time.Duration, log *zap.Logger) (*Client, error) {
	if signer == nil {
		return nil, errors.New("signer is required")
	}
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("base url is required")
	}
	if log == nil {
		log = zap.NewNop()
	}
	httpClient := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json").
		SetJSONMarshaler(json.Marshal).
		SetJSONUnmarshaler(json.Unmarshal)
	return &Client{
		baseURL:     baseURL,
		http:        httpClient,
		signer:      signer,
		tokenMaxAge: tokenMaxAge,
		log:         log,
		now:         time.Now,
	}, nil
}

func (c *Client) Address() string {
	return c.signer.Address().Hex()
}

// Authenticate obtains a fresh session token.
func (c *Client) Authenticate(ctx context.Context) error {
	c.authMu.Lock()
	defer c.authMu.Unlock()
	return c.authenticateLocked(ctx)
}

func (c *Client) authenticateLocked(ctx context.Context) error {
	now := c.now()
	ts := now.Unix()
	exp := ts + int64(c.tokenLifetime().Seconds())
	sig, err := c.signer.SignAuth(http.MethodPost, authPath, ts, exp)
	if err != nil {
		return err
	}
	var out authResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("X-Address", c.Address()).
		SetHeader("X-Timestamp", strconv.FormatInt(ts, 10)).
		SetHeader("X-Expiration", strconv.FormatInt(exp, 10)).
		SetHeader("X-Signature", sig).
		SetResult(&out).
		Post(authPath)
	if err != nil {
		return fmt.Errorf("auth: %w: %v", ErrTransient, err)
	}
	if resp.IsError() {
		return fmt.Errorf("auth: %w", apiErrorFromResponse(resp))
	}
	if out.JWTToken == "" {
		return fmt.Errorf("auth: %w: empty token", ErrUnauthorized)
	}
	c.token = out.JWTToken
	c.tokenAt = now
	c.log.Debug("exchange token refreshed", zap.String("account", c.Address()))
	return nil
}

func (c *Client) tokenLifetime() time.Duration {
	if c.tokenMaxAge > 0 {
		return c.tokenMaxAge + time.Minute
	}
	return 5 * time.Minute
}

// bearer returns a token no older than tokenMaxAge.
func (c *Client) bearer(ctx context.Context) (string, error) {
	c.authMu.Lock()
	defer c.authMu.Unlock()
	if c.token == "" || (c.tokenMaxAge > 0 && c.now().Sub(c.tokenAt) >= c.tokenMaxAge) {
		if err := c.authenticateLocked(ctx); err != nil {
			return "", err
		}
	}
	return c.token, nil
}

// SessionToken exposes the current bearer token for the websocket auth
// handshake.
func (c *Client) SessionToken(ctx context.Context) (string, error) {
	return c.bearer(ctx)
}

func (c *Client) invalidate(token string) {
	c.authMu.Lock()
	if c.token == token {
		c.token = ""
	}
	c.authMu.Unlock()
}

func (c *Client) PlaceOrder(ctx context.Context, req OrderRequest) (Order, error) {
	wire, err := orderWire(req)
	if err != nil {
		return Order{}, fmt.Errorf("%w: %v", ErrRejected, err)
	}
	wire.SignatureTimestamp = c.nextNonce()
	sig, err := c.signer.SignOrder(wire)
	if err != nil {
		return Order{}, err
	}
	wire.Signature = sig
	var out Order
	if err := c.do(ctx, http.MethodPost, "/orders", wire, &out); err != nil {
		return Order{}, err
	}
	return out, nil
}

func (c *Client) CancelOrder(ctx context.Context, orderID string) error {
	if orderID == "" {
		return errors.New("order id is required")
	}
	return c.do(ctx, http.MethodDelete, "/orders/"+url.PathEscape(orderID), nil, nil)
}

func (c *Client) GetOrder(ctx context.Context, orderID string) (Order, error) {
	if orderID == "" {
		return Order{}, errors.New("order id is required")
	}
	var out Order
	err := c.do(ctx, http.MethodGet, "/orders/"+url.PathEscape(orderID), nil, &out)
	return out, err
}

func (c *Client) GetOrderByClientID(ctx context.Context, clientID string) (Order, error) {
	if clientID == "" {
		return Order{}, errors.New("client id is required")
	}
	var out Order
	err := c.do(ctx, http.MethodGet, "/orders/by_client_id/"+url.PathEscape(clientID), nil, &out)
	return out, err
}

func (c *Client) Positions(ctx context.Context) ([]Position, error) {
	var out listResponse[Position]
	if err := c.do(ctx, http.MethodGet, "/positions", nil, &out); err != nil {
		return nil, err
	}
	return out.Results, nil
}

func (c *Client) Account(ctx context.Context) (Account, error) {
	var out Account
	err := c.do(ctx, http.MethodGet, "/account", nil, &out)
	return out, err
}

// do performs an authenticated call. A 401 invalidates the token and the
// call is retried once with a fresh one.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	for attempt := 0; attempt < 2; attempt++ {
		token, err := c.bearer(ctx)
		if err != nil {
			return err
		}
		req := c.http.R().SetContext(ctx).SetAuthToken(token)
		if body != nil {
			req.SetHeader("Content-Type", "application/json").SetBody(body)
		}
		if out != nil {
			req.SetResult(out)
		}
		resp, err := req.Execute(method, path)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%s %s: %w: %v", method, path, ErrTransient, err)
		}
		if resp.StatusCode() == http.StatusUnauthorized && attempt == 0 {
			c.invalidate(token)
			continue
		}
		if resp.IsError() {
			return fmt.Errorf("%s %s: %w", method, path, apiErrorFromResponse(resp))
		}
		return nil
	}
	return fmt.Errorf("%s %s: %w", method, path, ErrUnauthorized)
}

func (c *Client) InitNonceStore(ctx context.Context, store NonceStore) error {
	if store == nil {
		return nil
	}
	key := nonceStoreKey(c.baseURL, c.signer)
	seed := uint64(c.now().UnixMilli())
	if raw, ok, err := store.Get(ctx, key); err != nil {
		return err
	} else if ok {
		parsed, err := strconv.ParseUint(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return fmt.Errorf("invalid stored nonce %q: %w", raw, err)
		}
		if parsed > seed {
			seed = parsed
		}
	}
	if current := c.lastNonce.Load(); current > seed {
		seed = current
	}
	c.nonceStore = store
	c.nonceKey = key
	c.lastNonce.Store(seed)
	c.lastPersisted.Store(seed)
	return nil
}

// nextNonce returns a strictly increasing millisecond timestamp used as the
// order signature timestamp.
func (c *Client) nextNonce() uint64 {
	now := uint64(c.now().UnixMilli())
	for {
		prev := c.lastNonce.Load()
		next := now
		if prev >= next {
			next = prev + 1
		}
		if c.lastNonce.CompareAndSwap(prev, next) {
			c.persistNonce(next)
			return next
		}
	}
}

func (c *Client) persistNonce(nonce uint64) {
	if c.nonceStore == nil || c.nonceKey == "" {
		return
	}
	c.persistMu.Lock()
	defer c.persistMu.Unlock()
	if nonce <= c.lastPersisted.Load() {
		return
	}
	if err := c.nonceStore.Set(context.Background(), c.nonceKey, strconv.FormatUint(nonce, 10)); err != nil {
		if c.persistWarned.CompareAndSwap(false, true) {
			c.log.Warn("nonce persistence failed", zap.String("nonce_key", c.nonceKey), zap.Error(err))
		}
		return
	}
	c.lastPersisted.Store(nonce)
	c.persistWarned.Store(false)
}

func nonceStoreKey(baseURL string, signer *Signer) string {
	return fmt.Sprintf("exchange:nonce:%s:%s", strings.ToLower(baseURL), strings.ToLower(signer.Address().Hex()))
}
