// Package stream maintains the market data and order postback feed over
// a single websocket, with automatic reconnect and resubscribe.
package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"

	"tradexec/internal/broker"
	"tradexec/internal/config"
	"tradexec/internal/models"
)

const (
	writeWait    = 5 * time.Second
	pongWait     = 30 * time.Second
	pingInterval = 10 * time.Second
)

// Envelope is the wire frame for all feed messages.
type Envelope struct {
	Type string          `json:"type"` // tick | order | pong
	Data json.RawMessage `json:"data"`
}

// Callbacks receive decoded feed messages. They are invoked from the
// reader goroutine; handlers must hand off quickly.
type Callbacks struct {
	OnTick        func(models.Tick)
	OnOrderUpdate func(broker.Order)
	OnConnect     func()
	OnDisconnect  func(err error)
}

// Client is the reconnecting feed client.
type Client struct {
	cfg    config.StreamConfig
	logger *log.Logger
	cb     Callbacks

	dialer *websocket.Dialer
}

// NewClient builds a feed client. Callbacks may be partially nil.
func NewClient(cfg config.StreamConfig, logger *log.Logger, cb Callbacks) *Client {
	return &Client{
		cfg:    cfg,
		logger: logger,
		cb:     cb,
		dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
	}
}

// Run connects and reads until ctx is done, reconnecting with jittered
// exponential backoff on any failure.
func (c *Client) Run(ctx context.Context) error {
	b := &backoff.Backoff{
		Min:    c.cfg.ReconnectMin.Std(),
		Max:    c.cfg.ReconnectMax.Std(),
		Factor: 2,
		Jitter: true,
	}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := c.runOnce(ctx, b)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if c.cb.OnDisconnect != nil {
			c.cb.OnDisconnect(err)
		}
		d := b.Duration()
		c.logger.Printf("stream: connection lost (%v), reconnecting in %s", err, d.Truncate(time.Millisecond))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(d):
		}
	}
}

func (c *Client) runOnce(ctx context.Context, b *backoff.Backoff) error {
	conn, _, err := c.dialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("dialing %s: %w", c.cfg.URL, err)
	}
	defer conn.Close()

	if err := c.subscribe(conn); err != nil {
		return err
	}
	b.Reset()
	c.logger.Printf("stream: connected to %s, %d instruments", c.cfg.URL, len(c.cfg.InstrumentTokens))
	if c.cb.OnConnect != nil {
		c.cb.OnConnect()
	}

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	done := make(chan struct{})
	defer close(done)
	go c.keepalive(ctx, conn, done)

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("reading frame: %w", err)
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))
		if err := c.dispatch(msg); err != nil {
			c.logger.Printf("stream: dropping frame: %v", err)
		}
	}
}

// keepalive pings until the connection or context ends. A failed ping
// closes the connection so the reader unblocks.
func (c *Client) keepalive(ctx context.Context, conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			conn.Close()
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				conn.Close()
				return
			}
		}
	}
}

func (c *Client) subscribe(conn *websocket.Conn) error {
	if len(c.cfg.InstrumentTokens) == 0 {
		return nil
	}
	sub := map[string]interface{}{
		"a": "subscribe",
		"v": c.cfg.InstrumentTokens,
	}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(sub); err != nil {
		return fmt.Errorf("subscribing: %w", err)
	}
	return nil
}

func (c *Client) dispatch(msg []byte) error {
	env, err := Decode(msg)
	if err != nil {
		return err
	}
	switch env.Type {
	case "tick":
		var t models.Tick
		if err := json.Unmarshal(env.Data, &t); err != nil {
			return fmt.Errorf("decoding tick: %w", err)
		}
		if c.cb.OnTick != nil {
			c.cb.OnTick(t)
		}
	case "order":
		var o broker.Order
		if err := json.Unmarshal(env.Data, &o); err != nil {
			return fmt.Errorf("decoding order update: %w", err)
		}
		o.Normalize()
		if c.cb.OnOrderUpdate != nil {
			c.cb.OnOrderUpdate(o)
		}
	case "pong", "instruments_meta":
		// Ignored.
	default:
		return fmt.Errorf("unknown frame type %q", env.Type)
	}
	return nil
}

// Decode parses one wire frame.
func Decode(msg []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(msg, &env); err != nil {
		return nil, fmt.Errorf("decoding frame: %w", err)
	}
	if env.Type == "" {
		return nil, fmt.Errorf("frame missing type")
	}
	return &env, nil
}
