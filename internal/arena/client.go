package arena

import (
	"log/slog"
	"net"
	"sync"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/omochice/arena-client/internal/log"
	"github.com/omochice/arena-client/pkg/protocol"
	"go.uber.org/ratelimit"
)

const outgoingBuffer = 32

// client is a connected player on a gobwas/ws connection.
type client struct {
	id       string
	conn     net.Conn
	outgoing chan []byte
	limiter  ratelimit.Limiter
	logger   *slog.Logger

	closeOnce sync.Once
}

func newClient(id string, conn net.Conn, chatPerSecond int, logger *slog.Logger) *client {
	return &client{
		id:       id,
		conn:     conn,
		outgoing: make(chan []byte, outgoingBuffer),
		limiter:  ratelimit.New(chatPerSecond),
		logger:   logger.With(slog.String("sid", id)),
	}
}

func (c *client) ID() string {
	return c.id
}

// Send queues env for the write loop. A full queue drops the envelope rather
// than stalling the hub.
func (c *client) Send(env protocol.Envelope) {
	data, err := env.Encode()
	if err != nil {
		c.logger.Error("Failed to encode envelope", slog.String("event", env.Event), log.ErrAttr(err))
		return
	}

	select {
	case c.outgoing <- data:
	default:
		c.logger.Warn("Client channel full, skipping", slog.String("event", env.Event))
	}
}

// read returns the next binary frame. Control frames are handled by wsutil.
func (c *client) read() ([]byte, error) {
	for {
		data, op, err := wsutil.ReadClientData(c.conn)
		if err != nil {
			return nil, err
		}
		if op == ws.OpBinary {
			return data, nil
		}
	}
}

func (c *client) writeLoop() {
	for data := range c.outgoing {
		if err := wsutil.WriteServerBinary(c.conn, data); err != nil {
			c.logger.Debug("Failed to write to client", log.ErrAttr(err))
			c.close()
			// Keep draining so the hub never sees a blocked queue.
			continue
		}
	}
}

func (c *client) close() {
	c.closeOnce.Do(func() {
		_ = wsutil.WriteServerMessage(c.conn, ws.OpClose, ws.NewCloseFrameBody(ws.StatusNormalClosure, ""))
		_ = c.conn.Close()
	})
}
