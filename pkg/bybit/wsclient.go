package bybit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	defaultPingInterval = 20 * time.Second
	maxReconnectWait    = 30 * time.Second
)

// WSClient handles a public WebSocket connection to Bybit and message routing.
type WSClient struct {
	url          string
	args         []string
	handshake    time.Duration
	pingInterval time.Duration
	handler      func([]byte)
	logger       *zap.Logger

	mu   sync.Mutex
	conn *websocket.Conn
}

// NewWSClient creates a client that subscribes to the given topics on every connect.
func NewWSClient(url string, topics []string, handshake time.Duration, logger *zap.Logger) *WSClient {
	return &WSClient{
		url:          url,
		args:         topics,
		handshake:    handshake,
		pingInterval: defaultPingInterval,
		logger:       logger,
	}
}

// SetMessageHandler sets the function to handle incoming messages.
func (c *WSClient) SetMessageHandler(h func([]byte)) {
	c.handler = h
}

// Connect dials the server and sends the subscription. It does not start the listener.
func (c *WSClient) Connect(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: c.handshake}
	conn, _, err := dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.url, err)
	}

	subMsg := map[string]interface{}{
		"op":   "subscribe",
		"args": c.args,
	}
	if err := conn.WriteJSON(subMsg); err != nil {
		_ = conn.Close()
		return fmt.Errorf("websocket subscribe failed: %w", err)
	}

	c.mu.Lock()
	old := c.conn
	c.conn = conn
	c.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}

	c.logger.Info("WebSocket connected", zap.String("url", c.url), zap.Strings("topics", c.args))
	return nil
}

// Run keeps a subscribed session alive until ctx is cancelled, reconnecting with
// exponential backoff after dial or read failures.
func (c *WSClient) Run(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.MaxInterval = maxReconnectWait

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if err := c.Connect(ctx); err != nil {
			c.logger.Warn("WebSocket connect failed", zap.Error(err))
		} else {
			bo.Reset()
			if err := c.listen(ctx); err != nil && ctx.Err() == nil {
				c.logger.Error("WebSocket read error", zap.Error(err))
			}
		}

		sleep := bo.NextBackOff()
		if sleep == backoff.Stop {
			sleep = maxReconnectWait
		}
		select {
		case <-ctx.Done():
			c.Close()
			return ctx.Err()
		case <-time.After(sleep):
			c.logger.Info("Reconnecting WebSocket", zap.Duration("after", sleep))
		}
	}
}

// listen reads until the connection fails or ctx is cancelled.
func (c *WSClient) listen(ctx context.Context) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(c.pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				_ = conn.Close()
				return
			case <-done:
				return
			case <-ticker.C:
				c.mu.Lock()
				err := conn.WriteJSON(map[string]string{"op": "ping"})
				c.mu.Unlock()
				if err != nil {
					c.logger.Warn("WebSocket ping failed", zap.Error(err))
				}
			}
		}
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		if c.handler != nil {
			c.handler(msg)
		}
	}
}

// Close closes the current connection, if any.
func (c *WSClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
}
