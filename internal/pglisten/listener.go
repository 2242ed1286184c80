package pglisten

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

const DefaultReconnectDelay = 5 * time.Second

var (
	ErrInvalidInput     = errors.New("invalid input")
	ErrNotConnected     = errors.New("listener is not connected")
	ErrAlreadyConnected = errors.New("listener is already connected")
	ErrClosed           = errors.New("listener is closed")
)

type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateListening
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateListening:
		return "listening"
	case StateReconnecting:
		return "reconnecting"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// ConnectionError reports a failure to establish or keep the notification
// connection.
type ConnectionError struct {
	Op  string
	Err error
}

func (e *ConnectionError) Error() string {
	if e.Err == nil {
		return e.Op + ": connection error"
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

type Notification struct {
	Channel string
	Payload string
}

// Handler is invoked once per notification on the subscribed channel. Calls
// never overlap.
type Handler func(ctx context.Context, payload string) error

// Conn is one live connection to the source store: a LISTEN subscription plus
// a query handle. Notifications is closed when the connection is lost.
type Conn interface {
	Notifications() <-chan Notification
	Err() error
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	Close() error
}

// Dialer opens a connection and subscribes it to channel.
type Dialer interface {
	Dial(ctx context.Context, channel string) (Conn, error)
}

type Timer interface {
	Stop() bool
}

type Scheduler interface {
	AfterFunc(delay time.Duration, fn func()) Timer
}

type realScheduler struct{}

func (realScheduler) AfterFunc(delay time.Duration, fn func()) Timer {
	return time.AfterFunc(delay, fn)
}

type Options struct {
	Dialer         Dialer
	ReconnectDelay time.Duration
	Scheduler      Scheduler
	Logger         *slog.Logger
}

type session struct {
	conn Conn
	stop chan struct{}
	done chan struct{}
}

// Listener owns a single notification connection and keeps it alive. A lost
// connection is retried after a fixed delay, forever, with at most one
// reconnect pending at a time.
type Listener struct {
	dialer    Dialer
	delay     time.Duration
	scheduler Scheduler
	logger    *slog.Logger

	mu           sync.Mutex
	state        State
	session      *session
	timer        Timer
	reconnecting bool
	closed       bool
}

func New(opts Options) (*Listener, error) {
	if opts.Dialer == nil {
		return nil, fmt.Errorf("%w: dialer is required", ErrInvalidInput)
	}
	delay := opts.ReconnectDelay
	if delay <= 0 {
		delay = DefaultReconnectDelay
	}
	scheduler := opts.Scheduler
	if scheduler == nil {
		scheduler = realScheduler{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Listener{
		dialer:    opts.Dialer,
		delay:     delay,
		scheduler: scheduler,
		logger:    logger,
		state:     StateDisconnected,
	}, nil
}

func (l *Listener) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Connect dials the source store, subscribes to channel and starts dispatching
// its notifications to handler. Cancelling ctx after Connect returns does not
// stop dispatch; use Disconnect.
func (l *Listener) Connect(ctx context.Context, channel string, handler Handler) error {
	channel = strings.TrimSpace(channel)
	if channel == "" || handler == nil {
		return ErrInvalidInput
	}
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrClosed
	}
	if l.session != nil {
		l.mu.Unlock()
		return ErrAlreadyConnected
	}
	l.state = StateConnecting
	l.mu.Unlock()

	conn, err := l.dialer.Dial(ctx, channel)
	if err != nil {
		l.mu.Lock()
		if l.session == nil {
			l.state = StateDisconnected
		}
		l.mu.Unlock()
		var connErr *ConnectionError
		if errors.As(err, &connErr) {
			return err
		}
		return &ConnectionError{Op: "connect", Err: err}
	}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		l.closeConn(conn)
		return ErrClosed
	}
	sess := &session{
		conn: conn,
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	l.session = sess
	l.state = StateListening
	l.mu.Unlock()

	l.logger.Info("listening for notifications", "channel", channel)
	go l.dispatch(context.WithoutCancel(ctx), sess, channel, handler)
	return nil
}

// Run connects and blocks until ctx is done, then disconnects. The handler call
// in flight when ctx is cancelled is allowed to finish.
func (l *Listener) Run(ctx context.Context, channel string, handler Handler) error {
	if err := l.Connect(ctx, channel, handler); err != nil {
		return err
	}
	<-ctx.Done()
	l.Disconnect()
	return nil
}

// Disconnect stops reconnecting, waits for the in-flight handler call and
// closes the connection. It never fails and is safe to call more than once. It
// must not be called from a Handler.
func (l *Listener) Disconnect() {
	l.mu.Lock()
	l.closed = true
	if l.timer != nil {
		l.timer.Stop()
		l.timer = nil
	}
	l.reconnecting = false
	l.mu.Unlock()

	l.release()

	l.mu.Lock()
	l.state = StateDisconnected
	l.mu.Unlock()
}

// QueryContext runs query on the connection currently held by the listener.
func (l *Listener) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	l.mu.Lock()
	sess := l.session
	l.mu.Unlock()
	if sess == nil {
		return nil, ErrNotConnected
	}
	return sess.conn.QueryContext(ctx, query, args...)
}

func (l *Listener) dispatch(ctx context.Context, sess *session, channel string, handler Handler) {
	defer close(sess.done)
	notifications := sess.conn.Notifications()
	for {
		select {
		case <-sess.stop:
			return
		default:
		}
		select {
		case <-sess.stop:
			return
		case n, ok := <-notifications:
			if !ok {
				l.connectionLost(ctx, sess, channel, handler)
				return
			}
			if n.Channel != channel {
				continue
			}
			l.deliver(ctx, handler, n)
		}
	}
}

func (l *Listener) deliver(ctx context.Context, handler Handler, n Notification) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("notification handler panicked", "channel", n.Channel, "payload", n.Payload, "panic", r)
		}
	}()
	if err := handler(ctx, n.Payload); err != nil {
		l.logger.Error("notification handler failed", "channel", n.Channel, "payload", n.Payload, "error", err)
	}
}

func (l *Listener) connectionLost(ctx context.Context, sess *session, channel string, handler Handler) {
	l.mu.Lock()
	if l.closed || l.session != sess {
		l.mu.Unlock()
		return
	}
	l.state = StateReconnecting
	l.mu.Unlock()

	l.logger.Error("database connection lost", "channel", channel, "error", sess.conn.Err())
	l.scheduleReconnect(ctx, channel, handler)
}

func (l *Listener) scheduleReconnect(ctx context.Context, channel string, handler Handler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed || l.reconnecting {
		return
	}
	l.reconnecting = true
	l.state = StateReconnecting
	l.logger.Info("scheduling reconnect", "channel", channel, "delay", l.delay)
	l.timer = l.scheduler.AfterFunc(l.delay, func() {
		l.reconnect(ctx, channel, handler)
	})
}

func (l *Listener) reconnect(ctx context.Context, channel string, handler Handler) {
	l.mu.Lock()
	l.reconnecting = false
	l.timer = nil
	closed := l.closed
	l.mu.Unlock()
	if closed {
		return
	}

	l.release()
	if err := l.Connect(ctx, channel, handler); err != nil {
		if errors.Is(err, ErrClosed) {
			return
		}
		l.logger.Error("reconnection failed", "channel", channel, "error", err)
		l.scheduleReconnect(ctx, channel, handler)
	}
}

// release detaches the current session, waits for its dispatch goroutine and
// closes its connection.
func (l *Listener) release() {
	l.mu.Lock()
	sess := l.session
	l.session = nil
	l.mu.Unlock()
	if sess == nil {
		return
	}
	close(sess.stop)
	<-sess.done
	l.closeConn(sess.conn)
}

func (l *Listener) closeConn(conn Conn) {
	if err := conn.Close(); err != nil {
		l.logger.Error("error closing database connection", "error", err)
		return
	}
	l.logger.Info("database connection closed")
}
