package ws

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

const (
	LiveURL = "wss://socket.india.delta.exchange"
	DemoURL = "wss://socket-ind.testnet.deltaex.org"
)

// Client maintains an authenticated socket with automatic reconnection.
// Subscriptions are replayed after every reconnect; the handler receives
// raw frames and the lifecycle callback fires on connection loss and
// recovery.
type Client struct {
	url            string
	apiKey         string
	apiSecret      string
	reconnectDelay time.Duration
	pingInterval   time.Duration
	log            *zap.Logger

	mu   sync.Mutex
	conn *websocket.Conn
	subs []any

	onLifecycle func(connected bool)
}

func New(url, apiKey, apiSecret string, reconnectDelay, pingInterval time.Duration, log *zap.Logger) *Client {
	if url == "" {
		url = LiveURL
	}
	return &Client{
		url:            url,
		apiKey:         apiKey,
		apiSecret:      apiSecret,
		reconnectDelay: reconnectDelay,
		pingInterval:   pingInterval,
		log:            log,
	}
}

// SetLifecycleHook registers a callback for connection loss and recovery.
// Must be called before Run.
func (c *Client) SetLifecycleHook(fn func(connected bool)) {
	c.onLifecycle = fn
}

// Subscribe registers a channel subscription. Registered subscriptions are
// replayed on every reconnect; subscribing before Run is allowed.
func (c *Client) Subscribe(ctx context.Context, channel string, symbols []string) error {
	sub := map[string]any{
		"type": "subscribe",
		"payload": map[string]any{
			"channels": []map[string]any{{"name": channel, "symbols": symbols}},
		},
	}
	c.mu.Lock()
	c.subs = append(c.subs, sub)
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	return writeJSON(ctx, conn, sub)
}

// Run owns the socket until ctx is cancelled: dial, authenticate, replay
// subscriptions, then pump frames into handler. Read failures trigger a
// delayed reconnect rather than an error return.
func (c *Client) Run(ctx context.Context, handler func(json.RawMessage)) error {
	first := true
	for {
		if err := c.connect(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.log.Warn("ws connect failed", zap.Error(err))
			if !first {
				c.notifyLifecycle(false)
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.reconnectDelay):
			}
			continue
		}
		if !first {
			c.notifyLifecycle(true)
		}
		first = false

		pingCtx, cancel := context.WithCancel(ctx)
		pingDone := make(chan struct{})
		go func() {
			defer close(pingDone)
			c.pingLoop(pingCtx)
		}()
		err := c.readLoop(ctx, handler)
		cancel()
		<-pingDone
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.log.Warn("ws read loop ended", zap.Error(err))
		c.notifyLifecycle(false)
		c.resetConn()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.reconnectDelay):
		}
	}
}

func (c *Client) connect(ctx context.Context) error {
	c.mu.Lock()
	if c.conn != nil {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	conn, _, err := websocket.Dial(ctx, c.url, nil)
	if err != nil {
		return err
	}
	if c.apiKey != "" {
		if err := writeJSON(ctx, conn, authMessage(c.apiKey, c.apiSecret, time.Now())); err != nil {
			_ = conn.Close(websocket.StatusInternalError, "auth write failed")
			return err
		}
	}

	c.mu.Lock()
	c.conn = conn
	subs := append([]any(nil), c.subs...)
	c.mu.Unlock()
	for _, sub := range subs {
		if err := writeJSON(ctx, conn, sub); err != nil {
			c.resetConn()
			return err
		}
	}
	return nil
}

func (c *Client) readLoop(ctx context.Context, handler func(json.RawMessage)) error {
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
			handler(json.RawMessage(data))
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
			if err := writeJSON(ctx, conn, pingMessage); err != nil {
				return
			}
		}
	}
}

func (c *Client) notifyLifecycle(connected bool) {
	if c.onLifecycle != nil {
		c.onLifecycle(connected)
	}
}

func (c *Client) resetConn() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		_ = c.conn.Close(websocket.StatusNormalClosure, "reset")
		c.conn = nil
	}
}

// authMessage signs GET{timestamp}/live with the API secret, the socket
// equivalent of the REST request signature.
func authMessage(apiKey, apiSecret string, now time.Time) map[string]any {
	timestamp := strconv.FormatInt(now.Unix(), 10)
	mac := hmac.New(sha256.New, []byte(apiSecret))
	mac.Write([]byte("GET" + timestamp + "/live"))
	return map[string]any{
		"type": "auth",
		"payload": map[string]any{
			"api-key":   apiKey,
			"timestamp": timestamp,
			"signature": hex.EncodeToString(mac.Sum(nil)),
		},
	}
}

func writeJSON(ctx context.Context, conn *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

var pingMessage = map[string]any{"type": "ping"}
