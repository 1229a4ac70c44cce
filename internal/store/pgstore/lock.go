// Package pgstore holds the PostgreSQL-only pieces that bypass gorm: session-scoped advisory locks
// that keep replicas from running the same scheduled job twice.
package pgstore

import (
	"context"
	"errors"
	"hash/fnv"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MarkoPoloResearchLab/rewardpool/pkg/ledger"
)

const (
	errorOperationStore  = "store"
	errorSubjectLock     = "advisory_lock"
	errorSubjectPool     = "pool"
	errorCodeAcquire     = "acquire"
	errorCodeConfig      = "config"
	errorCodeConnect     = "connect"
	errorCodePing        = "ping"
	errorCodeTryLock     = "try_lock"
	defaultNamespace     = "rewardpool"
	unlockTimeout        = 5 * time.Second
	sqlTryAdvisoryLock   = `select pg_try_advisory_lock($1)`
	sqlAdvisoryUnlock    = `select pg_advisory_unlock($1)`
	maxPoolConnsForLocks = 4
)

// Open connects a small pgx pool dedicated to advisory locks.
func Open(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, wrapStoreError(errorSubjectPool, errorCodeConfig, err)
	}
	poolConfig.MaxConns = maxPoolConnsForLocks
	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, wrapStoreError(errorSubjectPool, errorCodeConnect, err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, wrapStoreError(errorSubjectPool, errorCodePing, err)
	}
	return pool, nil
}

// Locker hands out named advisory locks. Each held lock pins one pooled connection until released.
type Locker struct {
	pool      *pgxpool.Pool
	namespace string
}

// NewLocker scopes lock names under namespace so unrelated applications sharing a database do not collide.
func NewLocker(pool *pgxpool.Pool, namespace string) (*Locker, error) {
	if pool == nil {
		return nil, errors.New("pgstore: pool is nil")
	}
	if namespace == "" {
		namespace = defaultNamespace
	}
	return &Locker{pool: pool, namespace: namespace}, nil
}

// TryLock takes the lock without waiting.
func (locker *Locker) TryLock(ctx context.Context, name string) (func(), bool, error) {
	key := LockKey(locker.namespace, name)
	conn, err := locker.pool.Acquire(ctx)
	if err != nil {
		return nil, false, wrapStoreError(errorSubjectLock, errorCodeAcquire, err)
	}
	var acquired bool
	if err := conn.QueryRow(ctx, sqlTryAdvisoryLock, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, wrapStoreError(errorSubjectLock, errorCodeTryLock, err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}
	release := func() {
		unlockCtx, cancel := context.WithTimeout(context.Background(), unlockTimeout)
		defer cancel()
		if _, err := conn.Exec(unlockCtx, sqlAdvisoryUnlock, key); err != nil {
			// Closing the session drops the lock server-side.
			_ = conn.Conn().Close(unlockCtx)
		}
		conn.Release()
	}
	return release, true, nil
}

// LockKey maps a namespaced name onto the bigint key space of pg advisory locks.
func LockKey(namespace string, name string) int64 {
	hasher := fnv.New64a()
	_, _ = hasher.Write([]byte(namespace))
	_, _ = hasher.Write([]byte{0})
	_, _ = hasher.Write([]byte(name))
	return int64(hasher.Sum64())
}

func wrapStoreError(subject string, code string, err error) error {
	return ledger.WrapError(errorOperationStore, subject, code, err)
}
