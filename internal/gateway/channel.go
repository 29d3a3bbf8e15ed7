package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// State is the lifecycle state of a Channel
type State int

const (
	StateConnecting State = iota
	StateOpen
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

var (
	// ErrNotOpen is returned when sending on a channel that is not open
	ErrNotOpen = errors.New("gateway channel is not open")

	// ErrClosed is returned when connecting a channel that was closed
	ErrClosed = errors.New("gateway channel is closed")
)

// Options configures a Channel
type Options struct {
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	// PongWait is how long the peer may stay silent before the channel
	// is considered dead. Pings go out at 9/10 of this interval.
	PongWait time.Duration
	// Buffer is the capacity of the inbound message queue
	Buffer int
	Header http.Header
}

// DefaultOptions returns the options used when none are given
func DefaultOptions() Options {
	return Options{
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     10 * time.Second,
		PongWait:         60 * time.Second,
		Buffer:           64,
	}
}

func (o Options) normalize() Options {
	out := o
	def := DefaultOptions()
	if out.HandshakeTimeout <= 0 {
		out.HandshakeTimeout = def.HandshakeTimeout
	}
	if out.WriteTimeout <= 0 {
		out.WriteTimeout = def.WriteTimeout
	}
	if out.PongWait <= 0 {
		out.PongWait = def.PongWait
	}
	if out.Buffer <= 0 {
		out.Buffer = def.Buffer
	}
	return out
}

// Channel is a long-lived connection to the gateway.
// It moves Connecting → Open → Closed; Closed is terminal and
// reachable from any state. A closed channel is never reconnected.
type Channel struct {
	url  string
	opts Options

	mu    sync.Mutex
	state State
	conn  *websocket.Conn
	err   error

	writeMu  sync.Mutex
	messages chan Message
	done     chan struct{}
}

// New creates a channel in the Connecting state
func New(url string, opts Options) *Channel {
	opts = opts.normalize()
	return &Channel{
		url:      url,
		opts:     opts,
		state:    StateConnecting,
		messages: make(chan Message, opts.Buffer),
		done:     make(chan struct{}),
	}
}

// Dial creates a channel and connects it
func Dial(ctx context.Context, url string, opts Options) (*Channel, error) {
	c := New(url, opts)
	if err := c.Connect(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// Connect performs the websocket handshake. On failure the channel is closed.
func (c *Channel) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateConnecting {
		state := c.state
		c.mu.Unlock()
		if state == StateClosed {
			return ErrClosed
		}
		return fmt.Errorf("connecting gateway channel: already %s", state)
	}
	c.mu.Unlock()

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: c.opts.HandshakeTimeout,
	}
	conn, resp, err := dialer.DialContext(ctx, c.url, c.opts.Header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		err = fmt.Errorf("dialing gateway: %w", err)
		if c.fail(err) {
			c.closeQueue()
		}
		return err
	}

	c.mu.Lock()
	if c.state == StateClosed {
		// Close raced with the handshake
		c.mu.Unlock()
		conn.Close()
		return ErrClosed
	}
	c.conn = conn
	c.state = StateOpen
	c.mu.Unlock()

	conn.SetReadDeadline(time.Now().Add(c.opts.PongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(c.opts.PongWait))
	})

	go c.readLoop(conn)
	go c.pingLoop(conn)

	slog.Info("Gateway channel open", "url", c.url)
	return nil
}

// Send writes an upload intent. It fails with ErrNotOpen unless the channel is open.
func (c *Channel) Send(ctx context.Context, intent UploadIntent) error {
	c.mu.Lock()
	state, conn := c.state, c.conn
	c.mu.Unlock()
	if state != StateOpen {
		return ErrNotOpen
	}

	data, err := json.Marshal(intent)
	if err != nil {
		return fmt.Errorf("marshaling upload intent: %w", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	deadline := time.Now().Add(c.opts.WriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	conn.SetWriteDeadline(deadline)
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		err = fmt.Errorf("writing upload intent: %w", err)
		c.fail(err)
		conn.Close()
		return err
	}
	return nil
}

// Messages returns inbound messages in the order the gateway sent them.
// The returned channel is closed once the connection ends.
func (c *Channel) Messages() <-chan Message {
	return c.messages
}

// Done is closed when the channel enters the Closed state
func (c *Channel) Done() <-chan struct{} {
	return c.done
}

// State returns the current lifecycle state
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Err returns the error that closed the channel, if any
func (c *Channel) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close tears the channel down. It is safe to call more than once.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return nil
	}
	c.state = StateClosed
	close(c.done)
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		c.closeQueue()
		return nil
	}

	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	if err := conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(c.opts.WriteTimeout)); err != nil {
		slog.Debug("Failed to write close frame", "error", err)
	}
	if err := conn.Close(); err != nil {
		return fmt.Errorf("closing gateway connection: %w", err)
	}
	return nil
}

// fail moves the channel to Closed, recording the cause.
// It reports whether this call performed the transition.
func (c *Channel) fail(err error) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateClosed {
		return false
	}
	c.state = StateClosed
	c.err = err
	close(c.done)
	return true
}

// closeQueue closes the inbound queue when no reader was ever started
func (c *Channel) closeQueue() {
	close(c.messages)
}

func (c *Channel) readLoop(conn *websocket.Conn) {
	defer close(c.messages)
	defer conn.Close()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
				// Closed locally
			default:
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					slog.Info("Gateway closed the channel")
					c.fail(nil)
				} else {
					slog.Error("Gateway channel failed", "error", err)
					c.fail(fmt.Errorf("reading from gateway: %w", err))
				}
			}
			return
		}

		msg, err := DecodeMessage(data)
		if err != nil {
			slog.Warn("Dropping malformed gateway message", "error", err)
			continue
		}
		if msg == nil {
			slog.Debug("Ignoring unrecognized gateway message", "size", len(data))
			continue
		}

		select {
		case c.messages <- msg:
		case <-c.done:
			return
		}
	}
}

func (c *Channel) pingLoop(conn *websocket.Conn) {
	ticker := time.NewTicker(c.opts.PongWait * 9 / 10)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.opts.WriteTimeout)); err != nil {
				slog.Warn("Failed to ping gateway", "error", err)
				c.fail(fmt.Errorf("pinging gateway: %w", err))
				conn.Close()
				return
			}
		}
	}
}
