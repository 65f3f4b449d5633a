// Package ws is a reconnecting JSON-RPC websocket client. Subscriptions are
// replayed on every reconnect.
package ws

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

const readLimit = 1 << 20

type Request struct {
	JSONRPC string         `json:"jsonrpc"`
	Method  string         `json:"method"`
	Params  map[string]any `json:"params,omitempty"`
	ID      int64          `json:"id"`
}

type Client struct {
	url            string
	reconnectDelay time.Duration
	pingInterval   time.Duration
	log            *zap.Logger

	nextID atomic.Int64

	mu       sync.Mutex
	conn     *websocket.Conn
	channels []string
	onDial   func(ctx context.Context) (map[string]any, error)
}

func New(url string, reconnectDelay, pingInterval time.Duration, log *zap.Logger) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{url: url, reconnectDelay: reconnectDelay, pingInterval: pingInterval, log: log}
}

// OnDial registers a hook producing auth params sent as an "auth" request
// before subscriptions on every (re)connect.
func (c *Client) OnDial(fn func(ctx context.Context) (map[string]any, error)) {
	c.mu.Lock()
	c.onDial = fn
	c.mu.Unlock()
}

func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return nil
	}
	conn, _, err := websocket.Dial(ctx, c.url, nil)
	if err != nil {
		return err
	}
	conn.SetReadLimit(readLimit)
	c.conn = conn
	return nil
}

// Subscribe records the channel and sends the subscription when connected.
func (c *Client) Subscribe(ctx context.Context, channel string) error {
	c.mu.Lock()
	c.channels = append(c.channels, channel)
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	return c.send(ctx, conn, "subscribe", map[string]any{"channel": channel})
}

func (c *Client) Run(ctx context.Context, handler func([]byte)) error {
	for {
		err := c.ensureConnected(ctx)
		if err == nil {
			pingCtx, cancel := context.WithCancel(ctx)
			pingDone := make(chan struct{})
			go func() {
				defer close(pingDone)
				c.pingLoop(pingCtx)
			}()
			err = c.readLoop(ctx, handler)
			cancel()
			<-pingDone
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.logReadLoopError(err)
		c.resetConn()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.reconnectDelay):
		}
	}
}

func (c *Client) ensureConnected(ctx context.Context) error {
	if err := c.Connect(ctx); err != nil {
		return err
	}
	c.mu.Lock()
	conn := c.conn
	channels := append([]string(nil), c.channels...)
	onDial := c.onDial
	c.mu.Unlock()
	if onDial != nil {
		params, err := onDial(ctx)
		if err != nil {
			return err
		}
		if err := c.send(ctx, conn, "auth", params); err != nil {
			return err
		}
	}
	for _, channel := range channels {
		if err := c.send(ctx, conn, "subscribe", map[string]any{"channel": channel}); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) readLoop(ctx context.Context, handler func([]byte)) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return errors.New("ws not connected")
	}
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		if handler != nil {
			handler(data)
		}
	}
}

func (c *Client) pingLoop(ctx context.Context) {
	c.mu.Lock()
	conn := c.conn
	interval := c.pingInterval
	c.mu.Unlock()
	if conn == nil || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, interval)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				if ctx.Err() == nil {
					c.log.Warn("ws ping failed", zap.Error(err))
					_ = conn.Close(websocket.StatusGoingAway, "ping timeout")
				}
				return
			}
		}
	}
}

func (c *Client) logReadLoopError(err error) {
	if err == nil {
		return
	}
	if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
		var closeErr websocket.CloseError
		if errors.As(err, &closeErr) {
			c.log.Info("ws read loop ended", zap.Int("status", int(closeErr.Code)), zap.String("reason", closeErr.Reason))
			return
		}
		c.log.Info("ws read loop ended", zap.Error(err))
		return
	}
	c.log.Warn("ws read loop ended", zap.Error(err))
}

func (c *Client) resetConn() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		_ = c.conn.Close(websocket.StatusNormalClosure, "reset")
		c.conn = nil
	}
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close(websocket.StatusNormalClosure, "shutdown")
	c.conn = nil
	return err
}

func (c *Client) send(ctx context.Context, conn *websocket.Conn, method string, params map[string]any) error {
	req := Request{JSONRPC: "2.0", Method: method, Params: params, ID: c.nextID.Add(1)}
	data, err := json.Marshal(req)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}
