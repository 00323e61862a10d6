// Package ws provides a gorilla/websocket implementation of transport.Transport.
package ws

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/omochice/arena-client/internal/log"
	"github.com/omochice/arena-client/internal/metrics"
	"github.com/omochice/arena-client/internal/transport"
	"github.com/omochice/arena-client/pkg/protocol"
)

const (
	defaultDialTimeout = 10 * time.Second
	writeWait          = 10 * time.Second
)

// Client is a websocket transport adapter. Every connect starts a new
// connection epoch; events from a previous epoch are discarded.
type Client struct {
	transport.Listeners

	address     string
	header      http.Header
	dialer      *websocket.Dialer
	dialTimeout time.Duration
	logger      *slog.Logger
	metrics     *metrics.Collector

	mu         sync.RWMutex
	conn       *websocket.Conn
	connecting bool
	epoch      uint64

	writeMu sync.Mutex
	wg      sync.WaitGroup
}

var _ transport.Transport = (*Client)(nil)

type Option func(*Client)

func WithDialTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.dialTimeout = d
		}
	}
}

func WithHeader(h http.Header) Option {
	return func(c *Client) {
		c.header = h
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		c.logger = l
	}
}

func WithMetrics(m *metrics.Collector) Option {
	return func(c *Client) {
		c.metrics = m
	}
}

// New creates a new Client for the ws:// or wss:// address.
func New(address string, opts ...Option) *Client {
	c := &Client{
		address:     address,
		dialer:      websocket.DefaultDialer,
		dialTimeout: defaultDialTimeout,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Connect dials in the background and fires connect or connect_error.
func (c *Client) Connect() {
	c.mu.Lock()
	if c.conn != nil || c.connecting {
		c.mu.Unlock()
		return
	}
	c.connecting = true
	c.epoch++
	epoch := c.epoch
	c.mu.Unlock()

	c.wg.Add(1)
	go c.dial(epoch)
}

func (c *Client) dial(epoch uint64) {
	defer c.wg.Done()

	ctx, cancel := context.WithTimeout(context.Background(), c.dialTimeout)
	defer cancel()

	conn, resp, err := c.dialer.DialContext(ctx, c.address, c.header)
	if resp != nil && resp.Body != nil {
		log.Closer(resp.Body)
	}

	c.mu.Lock()
	if epoch != c.epoch {
		// Disconnect was called while dialing.
		c.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		return
	}
	c.connecting = false
	if err != nil {
		c.mu.Unlock()
		c.logger.Debug("Failed to connect to server", slog.String("addr", c.address), log.ErrAttr(err))
		c.Fire(transport.EventConnectError, protocol.Payload{protocol.KeyReason: err.Error()})
		return
	}
	c.conn = conn
	c.mu.Unlock()

	c.logger.Debug("Connected to server", slog.String("addr", c.address))
	c.Fire(transport.EventConnect, protocol.Payload{})

	c.receiveMessages(epoch, conn)
}

// Disconnect closes the connection. It does not wait for the read loop, so it
// is safe to call from inside a callback.
func (c *Client) Disconnect() {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.connecting = false
	c.epoch++
	c.mu.Unlock()

	if conn == nil {
		return
	}

	c.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()
	_ = conn.Close()

	c.Fire(transport.EventDisconnect, protocol.Payload{protocol.KeyReason: "io client disconnect"})
}

// Close disconnects and waits for background goroutines to exit.
func (c *Client) Close() {
	c.Disconnect()
	c.wg.Wait()
}

// IsConnected returns whether the client is connected
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn != nil
}

// Emit encodes and writes one event frame.
func (c *Client) Emit(event string, payload protocol.Payload) error {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()

	if conn == nil {
		return transport.ErrNotConnected
	}

	env := protocol.Envelope{Event: event, Data: payload}
	data, err := env.Encode()
	if err != nil {
		return fmt.Errorf("%w: %w", transport.ErrEmit, err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		return fmt.Errorf("%w: %w", transport.ErrEmit, err)
	}

	c.metrics.Emitted(event)

	return nil
}

// receiveMessages reads frames until the connection fails or a newer epoch
// replaces it.
func (c *Client) receiveMessages(epoch uint64, conn *websocket.Conn) {
	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			current := epoch == c.epoch
			if current {
				c.conn = nil
			}
			c.mu.Unlock()

			if !current {
				return
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn("WebSocket error", log.ErrAttr(err))
			}
			_ = conn.Close()
			c.Fire(transport.EventDisconnect, protocol.Payload{protocol.KeyReason: err.Error()})
			return
		}

		if messageType != websocket.BinaryMessage {
			continue
		}

		var env protocol.Envelope
		if err := env.Decode(data); err != nil {
			c.logger.Warn("Failed to decode message", log.ErrAttr(err))
			continue
		}

		if !c.isEpoch(epoch) {
			return
		}
		c.Fire(env.Event, env.Data)
	}
}

func (c *Client) isEpoch(epoch uint64) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return epoch == c.epoch
}
