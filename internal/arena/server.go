package arena

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/lithammer/shortuuid"
	"github.com/omochice/arena-client/internal/log"
	"github.com/omochice/arena-client/internal/metrics"
	"github.com/omochice/arena-client/pkg/protocol"
)

const defaultChatPerSecond = 5

// Server accepts websocket players on /ws and delegates to a Hub.
type Server struct {
	address       string
	chatPerSecond int
	logger        *slog.Logger
	metrics       *metrics.Collector
	hub           *Hub

	mu       sync.Mutex
	listener net.Listener
	server   *http.Server
	clients  map[*client]struct{}
	stopped  bool
	wg       sync.WaitGroup
}

type Option func(*Server)

func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		s.logger = l
	}
}

// WithMetrics exports player and match gauges on c.
func WithMetrics(c *metrics.Collector) Option {
	return func(s *Server) {
		s.metrics = c
	}
}

// WithChatRate limits each player to n chat messages per second.
func WithChatRate(n int) Option {
	return func(s *Server) {
		if n > 0 {
			s.chatPerSecond = n
		}
	}
}

// New creates a new Server instance
func New(address string, opts ...Option) *Server {
	s := &Server{
		address:       address,
		chatPerSecond: defaultChatPerSecond,
		logger:        slog.Default(),
		clients:       make(map[*client]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.hub = NewHub(s.logger)
	s.metrics.TrackArena(s.hub.PlayerCount, s.hub.MatchCount)
	return s
}

// Hub returns the server's hub.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Listen binds the listening socket so Addr is known before Serve.
func (s *Server) Listen() error {
	listener, err := net.Listen("tcp", s.address)
	if err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)

	s.mu.Lock()
	s.listener = listener
	s.server = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	s.mu.Unlock()

	s.logger.Info("Arena server listening", slog.String("addr", listener.Addr().String()))

	return nil
}

// Serve blocks until Stop is called.
func (s *Server) Serve() error {
	s.mu.Lock()
	server, listener := s.server, s.listener
	s.mu.Unlock()

	if server == nil {
		return errors.New("server is not listening")
	}
	if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to serve: %w", err)
	}
	return nil
}

// Start listens and serves.
func (s *Server) Start() error {
	if err := s.Listen(); err != nil {
		return err
	}
	return s.Serve()
}

// Stop closes the listener and every player connection, then waits for the
// connection goroutines.
func (s *Server) Stop() {
	s.mu.Lock()
	s.stopped = true
	server := s.server
	clients := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	if server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			s.logger.Warn("Failed to shut down cleanly", log.ErrAttr(err))
		}
	}
	for _, c := range clients {
		c.close()
	}

	s.wg.Wait()
}

// Addr returns the server's listening address
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}

// ClientCount returns the number of connected clients
func (s *Server) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.logger.Warn("Failed to upgrade connection", log.ErrAttr(err))
		return
	}

	c := newClient(shortuuid.New(), conn, s.chatPerSecond, s.logger)

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		c.close()
		return
	}
	s.clients[c] = struct{}{}
	s.wg.Add(2)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		c.writeLoop()
	}()
	go func() {
		defer s.wg.Done()
		s.handleClient(c)
	}()
}

// handleClient reads envelopes until the connection fails.
func (s *Server) handleClient(c *client) {
	defer func() {
		s.hub.Leave(c.id)
		close(c.outgoing)
		c.close()

		s.mu.Lock()
		delete(s.clients, c)
		s.mu.Unlock()
	}()

	s.hub.Join(c)

	for {
		data, err := c.read()
		if err != nil {
			c.logger.Debug("Client read ended", log.ErrAttr(err))
			return
		}

		var env protocol.Envelope
		if err := env.Decode(data); err != nil {
			c.logger.Warn("Failed to decode message", log.ErrAttr(err))
			continue
		}

		if env.Event == protocol.EventChat {
			c.limiter.Take()
		}
		s.hub.Handle(c.id, env)
	}
}
