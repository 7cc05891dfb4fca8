// Package server manages individual WebSocket clients, handling read/write
// pumps, rate limiting, and lifecycle control for each connection.
package server

import (
	"encoding/json"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/Tyrowin/relayhub/internal/config"
	"github.com/Tyrowin/relayhub/internal/relay"
)

const (
	writeWait      = 10 * time.Second
	sendBufferSize = 256
)

var (
	errClientClosed   = errors.New("client closed")
	errSendBufferFull = errors.New("send buffer full")
)

// Client represents a WebSocket connection attached to the relay broker.
// It implements relay.Handle so the registry can deliver to it.
type Client struct {
	conn           *websocket.Conn
	send           chan []byte
	hub            *Hub
	id             relay.ConnID
	addr           string
	metadata       json.RawMessage
	maxMessageSize int64
	readTimeout    time.Duration
	rateLimiter    *rate.Limiter
	rateLimit      config.RateLimitConfig

	mu     sync.Mutex
	closed bool
}

var _ relay.Handle = (*Client)(nil)

// NewClient creates a new Client instance with the provided WebSocket connection,
// hub reference, and client address. The client's send channel is buffered
// to handle message queuing.
func NewClient(conn *websocket.Conn, hub *Hub, addr string, metadata json.RawMessage) *Client {
	cfg := hub.cfg
	if conn != nil {
		conn.SetReadLimit(cfg.MaxMessageSize)
	}

	return &Client{
		conn:           conn,
		send:           make(chan []byte, sendBufferSize),
		hub:            hub,
		addr:           addr,
		metadata:       metadata,
		maxMessageSize: cfg.MaxMessageSize,
		// Two missed probes plus slack before the read side gives up on its own.
		readTimeout: 2*cfg.HeartbeatInterval + writeWait,
		rateLimiter: newRateLimiter(cfg.RateLimit),
		rateLimit:   cfg.RateLimit,
	}
}

// ID returns the broker connection id, empty until the hub registered the client.
func (c *Client) ID() relay.ConnID {
	return c.id
}

// GetSendChan returns the client's send channel for reading outgoing messages.
// This channel is read-only from the caller's perspective.
func (c *Client) GetSendChan() <-chan []byte {
	return c.send
}

// Send queues payload for the write pump without blocking.
func (c *Client) Send(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return errClientClosed
	}
	select {
	case c.send <- payload:
		return nil
	default:
		return errSendBufferFull
	}
}

// Ping writes a liveness probe. Control frames may be written concurrently
// with the write pump.
func (c *Client) Ping() error {
	if c.conn == nil {
		return errClientClosed
	}
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

// Close terminates the underlying connection; the read pump then runs the
// normal disconnect path.
func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

// markClosed stops further sends and closes the send channel exactly once.
func (c *Client) markClosed() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

// setupReadConnection configures read deadlines and the pong handler that
// acknowledges liveness probes.
func (c *Client) setupReadConnection() {
	c.extendReadDeadline()
	c.conn.SetPongHandler(func(string) error {
		c.hub.broker.Alive(c.id)
		c.extendReadDeadline()
		return nil
	})
}

func (c *Client) extendReadDeadline() {
	if err := c.conn.SetReadDeadline(time.Now().Add(c.readTimeout)); err != nil {
		log.Debugw("setting read deadline", "addr", c.addr, "err", err)
	}
}

// logReadError logs the reason the read loop ended at a level matching how
// expected it is.
func (c *Client) logReadError(err error) {
	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		log.Warnw("message exceeded maximum size", "conn", c.id, "addr", c.addr, "limit", c.maxMessageSize)
	case websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure):
		log.Infow("client disconnected", "conn", c.id, "addr", c.addr, "reason", err)
	case errors.Is(err, io.EOF) || isExpectedCloseError(err):
		log.Infow("client connection closed", "conn", c.id, "addr", c.addr, "reason", err)
	case websocket.IsUnexpectedCloseError(err,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure,
		websocket.CloseMessageTooBig):
		log.Warnw("unexpected websocket close", "conn", c.id, "addr", c.addr, "err", err)
	default:
		log.Warnw("websocket read error", "conn", c.id, "addr", c.addr, "err", err)
	}
}

// checkRateLimit verifies if the client has exceeded rate limits
// and returns true if the message should be processed
func (c *Client) checkRateLimit() bool {
	if c.rateLimiter != nil && !c.rateLimiter.Allow() {
		log.Warnw("rate limit exceeded; discarding message",
			"conn", c.id, "addr", c.addr, "burst", c.rateLimit.Burst, "interval", c.rateLimit.RefillInterval)
		return false
	}
	return true
}

func (c *Client) readPump() {
	defer func() {
		c.hub.leave(c)
		c.closeConnection()
	}()

	c.setupReadConnection()

	for {
		messageType, rawMessage, err := c.conn.ReadMessage()
		if err != nil {
			c.logReadError(err)
			return
		}
		c.extendReadDeadline()

		if messageType != websocket.TextMessage {
			log.Debugw("ignoring non-text frame", "conn", c.id, "type", messageType)
			continue
		}

		if !c.checkRateLimit() {
			continue
		}

		// Frames from one connection are handled strictly in order.
		_ = c.hub.broker.HandleFrame(c.id, rawMessage)
	}
}

func (c *Client) writePump() {
	defer c.closeConnection()

	for message := range c.send {
		if !c.writeTextMessage(message) {
			return
		}
	}
	c.writeCloseMessage()
}

// closeConnection safely closes the WebSocket connection with proper error handling
func (c *Client) closeConnection() {
	if err := c.conn.Close(); err != nil {
		if !isExpectedCloseError(err) {
			log.Debugw("closing connection", "conn", c.id, "err", err)
		}
	}
}

// writeCloseMessage sends a close message to the client
func (c *Client) writeCloseMessage() {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return
	}
	if err := c.conn.WriteMessage(websocket.CloseMessage, []byte{}); err != nil {
		if !isExpectedCloseError(err) {
			log.Debugw("writing close message", "conn", c.id, "err", err)
		}
	}
}

// writeTextMessage writes one message as its own frame; every frame is a
// complete JSON document.
func (c *Client) writeTextMessage(message []byte) bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		log.Debugw("setting write deadline", "conn", c.id, "err", err)
		return false
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
		if !isExpectedCloseError(err) {
			log.Warnw("writing message", "conn", c.id, "addr", c.addr, "err", err)
		}
		return false
	}
	return true
}
