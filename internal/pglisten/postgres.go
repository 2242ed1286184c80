package pglisten

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/lib/pq"
)

const (
	postgresOperationTimeout   = 5 * time.Second
	postgresNotificationBuffer = 32
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

type listenerConnFunc func(dsn string, notifications chan<- *pq.Notification) (*pq.ListenerConn, error)

// PostgresDialer opens a query pool and a dedicated LISTEN connection against
// the same DSN.
type PostgresDialer struct {
	dsn         string
	openDB      sqlOpenFunc
	openListen  listenerConnFunc
	bufferDepth int
}

func NewPostgresDialer(dsn string) (*PostgresDialer, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &PostgresDialer{
		dsn:         dsn,
		openDB:      sql.Open,
		openListen:  pq.NewListenerConn,
		bufferDepth: postgresNotificationBuffer,
	}, nil
}

func (d *PostgresDialer) Dial(ctx context.Context, channel string) (Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	db, err := d.openDB("postgres", d.dsn)
	if err != nil {
		return nil, &ConnectionError{Op: "open", Err: err}
	}
	pingCtx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, &ConnectionError{Op: "ping", Err: err}
	}

	raw := make(chan *pq.Notification, d.bufferDepth)
	listenConn, err := d.openListen(d.dsn, raw)
	if err != nil {
		_ = db.Close()
		return nil, &ConnectionError{Op: "listen connect", Err: err}
	}
	// ListenerConn.Listen quotes the channel identifier itself.
	if _, err := listenConn.Listen(channel); err != nil {
		_ = listenConn.Close()
		_ = db.Close()
		return nil, &ConnectionError{Op: "listen " + channel, Err: err}
	}

	conn := &postgresConn{
		db:            db,
		listenConn:    listenConn,
		notifications: make(chan Notification),
		closing:       make(chan struct{}),
	}
	go conn.pump(raw)
	return conn, nil
}

type postgresConn struct {
	db            *sql.DB
	listenConn    *pq.ListenerConn
	notifications chan Notification
	closing       chan struct{}
	closeOnce     sync.Once
	closeErr      error
}

func (c *postgresConn) Notifications() <-chan Notification {
	return c.notifications
}

func (c *postgresConn) Err() error {
	return c.listenConn.Err()
}

func (c *postgresConn) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return c.db.QueryContext(ctx, query, args...)
}

func (c *postgresConn) Close() error {
	c.closeOnce.Do(func() {
		close(c.closing)
		c.closeErr = errors.Join(c.listenConn.Close(), c.db.Close())
	})
	return c.closeErr
}

// pump forwards pq notifications until the listen connection closes raw. Once
// closing, it keeps draining raw so the pq receive loop can exit.
func (c *postgresConn) pump(raw <-chan *pq.Notification) {
	defer close(c.notifications)
	for n := range raw {
		if n == nil {
			continue
		}
		select {
		case c.notifications <- Notification{Channel: n.Channel, Payload: n.Extra}:
		case <-c.closing:
			for range raw {
			}
			return
		}
	}
}
