// Package leader elects one scheduler among many with a Postgres session advisory lock.
package leader

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Lock holds pg_try_advisory_lock(key) on a dedicated connection. Leadership lasts as
// long as that connection does.
type Lock struct {
	db  *sql.DB
	key int64
	log *zap.Logger

	mu   sync.Mutex
	conn *sql.Conn
}

func NewLock(db *sql.DB, key int64, log *zap.Logger) *Lock {
	return &Lock{db: db, key: key, log: log}
}

// TryLead reports whether this process holds the lock, taking it if it is free.
func (l *Lock) TryLead(ctx context.Context) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.conn != nil {
		if err := l.conn.PingContext(ctx); err == nil {
			return true, nil
		}
		l.log.Warn("leader connection lost", zap.Int64("key", l.key))
		_ = l.conn.Close()
		l.conn = nil
	}

	conn, err := l.db.Conn(ctx)
	if err != nil {
		return false, errors.Wrap(err, "leader: conn")
	}
	var ok bool
	if err := conn.QueryRowContext(ctx, "select pg_try_advisory_lock($1)", l.key).Scan(&ok); err != nil {
		_ = conn.Close()
		return false, errors.Wrap(err, "leader: try lock")
	}
	if !ok {
		_ = conn.Close()
		return false, nil
	}
	l.conn = conn
	l.log.Info("acquired leadership", zap.Int64("key", l.key))
	return true, nil
}

// Release gives up leadership if held.
func (l *Lock) Release(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn == nil {
		return nil
	}
	_, err := l.conn.ExecContext(ctx, "select pg_advisory_unlock($1)", l.key)
	cerr := l.conn.Close()
	l.conn = nil
	if err != nil {
		return errors.Wrap(err, "leader: unlock")
	}
	return cerr
}

type Elector interface {
	TryLead(ctx context.Context) (bool, error)
}

// Run calls fn every interval while this process leads, until ctx ends. The first
// attempt happens immediately.
func Run(ctx context.Context, e Elector, interval time.Duration, log *zap.Logger, fn func(context.Context)) error {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		ok, err := e.TryLead(ctx)
		switch {
		case err != nil:
			log.Warn("leader election failed", zap.Error(err))
		case ok:
			fn(ctx)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
	}
}
