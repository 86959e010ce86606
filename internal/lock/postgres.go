package lock

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/vipul43/finsync-worker/internal/metrics"
)

// probeKey is never used by a sync target
const probeKey = int64(-1)

// PostgresLocker uses session advisory locks. Each held key pins its own
// connection, since the lock belongs to the session that took it.
type PostgresLocker struct {
	db       *sql.DB
	degraded bool
	guard    *localGuard

	mu    sync.Mutex
	conns map[int64]*sql.Conn
}

// NewPostgresLocker probes advisory lock support once. Without it the locker
// runs degraded: only in-process exclusion applies.
func NewPostgresLocker(ctx context.Context, db *gorm.DB) *PostgresLocker {
	l := &PostgresLocker{
		guard: newLocalGuard(),
		conns: make(map[int64]*sql.Conn),
	}

	sqlDB, err := db.DB()
	if err != nil {
		l.degrade(err, "failed to get sql.DB")
		return l
	}
	l.db = sqlDB

	if db.Dialector.Name() != "postgres" {
		l.degrade(nil, "database "+db.Dialector.Name()+" has no advisory locks")
		return l
	}
	if err := probe(ctx, sqlDB); err != nil {
		l.degrade(err, "advisory lock probe failed")
		return l
	}
	metrics.AdvisoryLockDegraded.Set(0)
	log.Info().Msg("Postgres advisory locks available")
	return l
}

// probe takes and releases the probe key on one session, since session
// advisory locks belong to the connection that took them
func probe(ctx context.Context, sqlDB *sql.DB) error {
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to get connection: %w", err)
	}
	defer conn.Close()

	var ok bool
	if err := conn.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", probeKey).Scan(&ok); err != nil {
		return err
	}
	if ok {
		if _, err := conn.ExecContext(ctx, "SELECT pg_advisory_unlock($1)", probeKey); err != nil {
			return fmt.Errorf("failed to release probe lock: %w", err)
		}
	}
	return nil
}

func (l *PostgresLocker) degrade(err error, reason string) {
	l.degraded = true
	metrics.AdvisoryLockDegraded.Set(1)
	log.Warn().Err(err).Str("reason", reason).Msg("Advisory locks unavailable, syncs are only exclusive within this process")
}

func (l *PostgresLocker) Degraded() bool { return l.degraded }

func (l *PostgresLocker) TryAcquire(ctx context.Context, key Key) bool {
	id := key.ID()
	if !l.guard.acquire(id) {
		return false
	}
	if l.degraded {
		return true
	}

	conn, err := l.db.Conn(ctx)
	if err != nil {
		// fail open, the local guard still holds
		log.Warn().Err(err).Str("lock_key", key.String()).Msg("Failed to get lock connection, continuing without advisory lock")
		return true
	}
	var ok bool
	if err := conn.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", id).Scan(&ok); err != nil {
		conn.Close()
		log.Warn().Err(err).Str("lock_key", key.String()).Msg("Advisory lock query failed, continuing without advisory lock")
		return true
	}
	if !ok {
		conn.Close()
		l.guard.release(id)
		return false
	}

	l.mu.Lock()
	l.conns[id] = conn
	l.mu.Unlock()
	return true
}

func (l *PostgresLocker) Release(ctx context.Context, key Key) {
	id := key.ID()
	defer l.guard.release(id)

	l.mu.Lock()
	conn, ok := l.conns[id]
	delete(l.conns, id)
	l.mu.Unlock()
	if !ok {
		return
	}
	defer conn.Close()

	if _, err := conn.ExecContext(context.WithoutCancel(ctx), "SELECT pg_advisory_unlock($1)", id); err != nil {
		log.Warn().Err(err).Str("lock_key", key.String()).Msg("Failed to release advisory lock")
	}
}
