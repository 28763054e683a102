// Package chat implements the live messaging channel and the chat view
// that merges it with conversation history.
package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/alsin/internal/domain"
)

var (
	ErrNotAuthenticated = errors.New("chat requires an authenticated session")
	ErrNotReady         = errors.New("chat channel is not open")
	ErrClosed           = errors.New("chat channel is closed")
	ErrRejected         = errors.New("chat credential rejected by server")
)

// State is the connection state of a Channel.
type State int

const (
	Closed State = iota
	Connecting
	Open
	Backoff
	Failed
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Connecting:
		return "connecting"
	case Open:
		return "open"
	case Backoff:
		return "backoff"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// ReconnectPolicy bounds redial attempts after a connection is lost.
// MaxAttempts of zero disables reconnection.
type ReconnectPolicy struct {
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int
}

// DefaultReconnectPolicy returns 500ms base, 10s cap, 5 attempts.
func DefaultReconnectPolicy() ReconnectPolicy {
	return ReconnectPolicy{
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    10 * time.Second,
		MaxAttempts: 5,
	}
}

// Delay returns the wait before the given 1-based attempt.
func (p ReconnectPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 || p.BaseDelay <= 0 {
		return 0
	}
	d := p.BaseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if p.MaxDelay > 0 && d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// Conn is one established duplex connection.
type Conn interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	Close() error
}

// Dialer opens connections scoped to a credential.
type Dialer interface {
	Dial(ctx context.Context, credential string) (Conn, error)
}

type options struct {
	policy  ReconnectPolicy
	logger  *slog.Logger
	onState func(State)
}

// Option configures a Channel or View.
type Option func(*options)

// WithReconnectPolicy overrides DefaultReconnectPolicy.
func WithReconnectPolicy(p ReconnectPolicy) Option {
	return func(o *options) { o.policy = p }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithStateHandler is called on every connection state change.
func WithStateHandler(fn func(State)) Option {
	return func(o *options) { o.onState = fn }
}

func buildOptions(opts []Option) options {
	o := options{
		policy: DefaultReconnectPolicy(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Channel is the live connection for one credential. A Channel is opened at
// most once; after Close a new Channel is needed.
type Channel struct {
	dialer     Dialer
	credential string
	onMessage  func(domain.Message)
	opts       options

	mu      sync.Mutex
	state   State
	conn    Conn
	started bool
	closed  bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewChannel creates a closed channel. onMessage receives every valid
// inbound message on the channel's read goroutine.
func NewChannel(dialer Dialer, credential string, onMessage func(domain.Message), opts ...Option) *Channel {
	return &Channel{
		dialer:     dialer,
		credential: credential,
		onMessage:  onMessage,
		opts:       buildOptions(opts),
	}
}

// State returns the current connection state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Open dials the server. If the first dial fails, Open returns its error and
// redialing continues in the background as the policy allows.
func (c *Channel) Open(ctx context.Context) error {
	if c.credential == "" {
		return ErrNotAuthenticated
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.started {
		c.mu.Unlock()
		return nil
	}
	c.started = true
	runCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.done = make(chan struct{})
	c.mu.Unlock()

	c.setState(Connecting)
	conn, err := c.dialer.Dial(ctx, c.credential)
	if err != nil {
		c.opts.logger.Warn("chat dial failed", "error", err)
		go c.run(runCtx, nil)
		return fmt.Errorf("dial chat: %w", err)
	}
	if !c.attach(conn) {
		close(c.done)
		return ErrClosed
	}
	go c.run(runCtx, conn)
	return nil
}

// Send writes one outbound message. It returns ErrNotReady unless the
// channel is Open.
func (c *Channel) Send(ctx context.Context, msg domain.OutboundMessage) error {
	c.mu.Lock()
	conn := c.conn
	ready := c.state == Open && conn != nil
	c.mu.Unlock()
	if !ready {
		return ErrNotReady
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	if err := conn.Write(ctx, data); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	return nil
}

// Close tears the channel down. It may be called any number of times,
// including on a channel that was never opened.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	cancel, conn, done := c.cancel, c.conn, c.done
	c.conn = nil
	prev := c.state
	c.state = Closed
	c.mu.Unlock()

	var err error
	if conn != nil {
		err = conn.Close()
	}
	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
	if prev != Closed && c.opts.onState != nil {
		c.opts.onState(Closed)
	}
	return err
}

func (c *Channel) run(ctx context.Context, conn Conn) {
	defer close(c.done)
	for {
		if conn != nil {
			err := c.readLoop(ctx, conn)
			c.detach(conn)
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, ErrRejected) {
				c.opts.logger.Error("chat credential rejected, not reconnecting", "error", err)
				c.setState(Failed)
				return
			}
			c.opts.logger.Warn("chat connection lost", "error", err)
		}
		conn = c.reconnect(ctx)
		if conn == nil {
			return
		}
	}
}

func (c *Channel) reconnect(ctx context.Context) Conn {
	for attempt := 1; attempt <= c.opts.policy.MaxAttempts; attempt++ {
		delay := c.opts.policy.Delay(attempt)
		c.setState(Backoff)
		c.opts.logger.Info("chat reconnecting", "attempt", attempt, "delay", delay)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}

		c.setState(Connecting)
		conn, err := c.dialer.Dial(ctx, c.credential)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.opts.logger.Warn("chat redial failed", "attempt", attempt, "error", err)
			continue
		}
		if !c.attach(conn) {
			return nil
		}
		return conn
	}

	c.opts.logger.Error("chat reconnect gave up", "attempts", c.opts.policy.MaxAttempts)
	c.setState(Failed)
	return nil
}

func (c *Channel) readLoop(ctx context.Context, conn Conn) error {
	for {
		data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		c.handleFrame(data)
	}
}

func (c *Channel) handleFrame(data []byte) {
	var probe struct {
		Error *string `json:"error"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		c.opts.logger.Warn("dropping undecodable chat frame", "error", err)
		return
	}
	if probe.Error != nil {
		c.opts.logger.Warn("chat server error", "error", *probe.Error)
		return
	}

	var msg domain.Message
	if err := json.Unmarshal(data, &msg); err != nil || msg.ID == 0 {
		c.opts.logger.Warn("dropping malformed chat message", "payload", string(data))
		return
	}
	if c.onMessage != nil {
		c.onMessage(msg)
	}
}

// attach installs conn unless the channel was closed meanwhile.
func (c *Channel) attach(conn Conn) bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = conn.Close()
		return false
	}
	c.conn = conn
	c.state = Open
	c.mu.Unlock()

	if c.opts.onState != nil {
		c.opts.onState(Open)
	}
	return true
}

func (c *Channel) detach(conn Conn) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.mu.Unlock()
	_ = conn.Close()
}

func (c *Channel) setState(s State) {
	c.mu.Lock()
	if c.closed || c.state == s {
		c.mu.Unlock()
		return
	}
	c.state = s
	c.mu.Unlock()

	if c.opts.onState != nil {
		c.opts.onState(s)
	}
}
