package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/omochice/arena-client/internal/fsm"
	"github.com/omochice/arena-client/internal/router"
	"github.com/omochice/arena-client/internal/session"
	"github.com/omochice/arena-client/pkg/protocol"
)

// arenaSession is the part of session.Session the console drives.
type arenaSession interface {
	Connect()
	Phase() fsm.Phase
	SessionID() string
	SendChat(text string) error
	RequestMatch(skillTier string) error
	LeaveMatch() error
}

// console reads commands from the terminal and prints session events. After
// a transport error it redials once retry has elapsed; a zero retry leaves
// reconnecting to /connect.
type console struct {
	sess  arenaSession
	skill string
	retry time.Duration

	mu  sync.Mutex
	out io.Writer

	retryMu sync.Mutex
	timer   *time.Timer
	stopped bool

	// reconnectMu is held while a scheduled reconnect runs so stop can wait
	// for it.
	reconnectMu sync.Mutex
}

func newConsole(sess arenaSession, out io.Writer, skill string, retry time.Duration) *console {
	return &console{sess: sess, out: out, skill: skill, retry: retry}
}

// attach installs the console's presentation handlers on s.
func (c *console) attach(s *session.Session) {
	s.OnPhaseChange(c.onPhase)
	s.OnError(c.onError)
	s.Handle(protocol.EventChat, c.onEvent)
	s.Handle(protocol.EventNotice, c.onEvent)
	s.Handle(protocol.EventStartGame, c.onEvent)
	s.Handle(protocol.EventGameEnded, c.onEvent)
}

func (c *console) printf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, _ = fmt.Fprintf(c.out, format, args...)
}

func (c *console) onPhase(t fsm.Transition) {
	if t.Changed() {
		c.printf("*** %s ***\n", t.To)
	}
}

func (c *console) onError(err *session.Error) {
	c.printf("!!! %v\n", err)
	if err.Kind == session.TransportError {
		c.scheduleReconnect()
	}
}

func (c *console) scheduleReconnect() {
	c.retryMu.Lock()
	defer c.retryMu.Unlock()

	if c.retry <= 0 || c.stopped || c.timer != nil {
		return
	}
	c.printf("*** reconnecting in %s ***\n", c.retry)
	c.timer = time.AfterFunc(c.retry, c.reconnect)
}

func (c *console) reconnect() {
	c.reconnectMu.Lock()
	defer c.reconnectMu.Unlock()

	c.retryMu.Lock()
	c.timer = nil
	stopped := c.stopped
	c.retryMu.Unlock()

	if stopped {
		return
	}
	c.sess.Connect()
}

// stop cancels a pending reconnect and waits for one already running. The
// session is never redialled afterwards.
func (c *console) stop() {
	c.retryMu.Lock()
	c.stopped = true
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.retryMu.Unlock()

	c.reconnectMu.Lock()
	defer c.reconnectMu.Unlock()
}

func (c *console) onEvent(ev router.Event) {
	switch e := ev.(type) {
	case router.ChatMessage:
		name := e.SenderID
		if name == c.sess.SessionID() {
			name = "you"
		}
		c.printf("[%s]: %s\n", name, e.Text)
	case router.Notice:
		c.printf("--- %s\n", e.Text)
	case router.MatchStarted:
		c.printf("*** match %s started: %s ***\n", e.MatchID, strings.Join(e.Players, " vs "))
	case router.GameEnded:
		c.printf("*** match %s ended (%s) ***\n", e.MatchID, e.Reason)
	}
}

// exec runs one input line. It reports true when the user asked to quit.
func (c *console) exec(line string) bool {
	line = strings.TrimSpace(line)
	if line == "" {
		return false
	}

	var err error
	switch cmd, arg, _ := strings.Cut(line, " "); cmd {
	case "/quit", "/exit":
		return true
	case "/find":
		skill := strings.TrimSpace(arg)
		if skill == "" {
			skill = c.skill
		}
		err = c.sess.RequestMatch(skill)
		if err == nil {
			c.printf("*** searching for a %s match ***\n", skill)
		}
	case "/connect":
		if phase := c.sess.Phase(); phase != fsm.Disconnected {
			c.printf("already %s\n", phase)
			break
		}
		c.sess.Connect()
	case "/leave":
		err = c.sess.LeaveMatch()
	case "/status":
		sid := c.sess.SessionID()
		if sid == "" {
			sid = "-"
		}
		c.printf("phase=%s sid=%s\n", c.sess.Phase(), sid)
	case "/help":
		c.printf("commands: /find [tier], /leave, /connect, /status, /quit\n")
	default:
		err = c.sess.SendChat(line)
	}

	if err != nil {
		c.printf("!!! %v\n", err)
	}
	return false
}

// run executes lines from in until it is exhausted, /quit is entered or ctx
// is done.
func (c *console) run(ctx context.Context, in io.Reader) error {
	lines := make(chan string)
	scanErr := make(chan error, 1)

	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		scanErr <- scanner.Err()
	}()

	c.printf("Type a message, or /help for commands\n")
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				select {
				case err := <-scanErr:
					if err != nil {
						return fmt.Errorf("failed to read input: %w", err)
					}
				default:
				}
				return nil
			}
			if c.exec(line) {
				return nil
			}
		}
	}
}
