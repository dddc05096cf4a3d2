package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	log "github.com/sirupsen/logrus"
)

const (
	postgresReconnectDelay  = 2 * time.Second
	postgresUnlistenTimeout = 5 * time.Second
)

// PostgresBus publishes with pg_notify and consumes with LISTEN.
type PostgresBus struct {
	pool    *pgxpool.Pool
	channel string
}

// NewPostgresBus connects a pool to dsn.
func NewPostgresBus(ctx context.Context, dsn, channel string) (*PostgresBus, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("notify: parse dsn: %w", err)
	}
	cfg.MaxConns = 4
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("notify: connect: %w", err)
	}
	return &PostgresBus{pool: pool, channel: channel}, nil
}

// Publish implements Publisher.
func (b *PostgresBus) Publish(ctx context.Context, ev Event) error {
	payload, err := encodeEvent(ev)
	if err != nil {
		return fmt.Errorf("notify: encode: %w", err)
	}
	if _, errExec := b.pool.Exec(ctx, "SELECT pg_notify($1, $2)", b.channel, string(payload)); errExec != nil {
		return fmt.Errorf("notify: pg_notify: %w", errExec)
	}
	return nil
}

// Subscribe implements Subscriber. The connection is re-established after failures
// until ctx is done.
func (b *PostgresBus) Subscribe(ctx context.Context, handler Handler) error {
	logger := log.WithFields(log.Fields{"component": "notify", "channel": b.channel})
	for {
		errListen := b.listen(ctx, handler)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		logger.WithError(errListen).Warn("notify: listener stopped, reconnecting")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(postgresReconnectDelay):
		}
	}
}

func (b *PostgresBus) listen(ctx context.Context, handler Handler) error {
	conn, err := b.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer releaseListener(conn)

	if _, errExec := conn.Exec(ctx, "LISTEN "+pgx.Identifier{b.channel}.Sanitize()); errExec != nil {
		return errExec
	}
	for {
		notification, errWait := conn.Conn().WaitForNotification(ctx)
		if errWait != nil {
			return errWait
		}
		ev, errDecode := decodeEvent([]byte(notification.Payload))
		if errDecode != nil {
			log.WithError(errDecode).WithField("component", "notify").Warn("notify: drop malformed payload")
			continue
		}
		if errHandle := handler(ctx, ev); errHandle != nil {
			log.WithError(errHandle).WithFields(log.Fields{"component": "notify", "username": ev.Username}).
				Warn("notify: handler failed")
		}
	}
}

type listenConn interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Hijack() *pgx.Conn
	Release()
}

// releaseListener returns conn to the pool only once it has stopped listening. A
// connection that cannot UNLISTEN is taken out of the pool and closed.
func releaseListener(conn listenConn) {
	ctx, cancel := context.WithTimeout(context.Background(), postgresUnlistenTimeout)
	defer cancel()
	if _, errExec := conn.Exec(ctx, "UNLISTEN *"); errExec != nil {
		if raw := conn.Hijack(); raw != nil {
			_ = raw.Close(ctx)
		}
		return
	}
	conn.Release()
}

// Close closes the pool.
func (b *PostgresBus) Close() error {
	b.pool.Close()
	return nil
}
