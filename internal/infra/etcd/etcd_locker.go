// internal/infra/etcd/etcd_locker.go
package etcd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"contractor-dispatch/internal/domain"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"
)

const (
	LockPrefix = "/dispatch/locks/"
	// LockSessionTTL bounds how long a crashed holder keeps a job locked, in seconds.
	LockSessionTTL = 10
	// lockAttemptTimeout is how long TryLock may wait on etcd before giving up.
	lockAttemptTimeout = 100 * time.Millisecond
)

type etcdLock struct {
	mutex   *concurrency.Mutex
	session *concurrency.Session
	name    string
}

// Unlock releases the mutex and closes the session so the lease is revoked.
func (l *etcdLock) Unlock(ctx context.Context) error {
	defer func() {
		if l.session != nil {
			_ = l.session.Close()
		}
	}()

	if err := l.mutex.Unlock(ctx); err != nil {
		return fmt.Errorf("failed to unlock %s: %w", l.name, err)
	}
	return nil
}

type etcdLocker struct {
	client *clientv3.Client
	ttl    int
	logger *slog.Logger
}

// NewEtcdLocker creates a locker whose locks live under LockPrefix. A non-positive
// ttlSeconds uses LockSessionTTL.
func NewEtcdLocker(client *clientv3.Client, ttlSeconds int, logger *slog.Logger) domain.Locker {
	if ttlSeconds <= 0 {
		ttlSeconds = LockSessionTTL
	}
	return &etcdLocker{
		client: client,
		ttl:    ttlSeconds,
		logger: logger.With("component", "etcd-locker"),
	}
}

// Lock tries once to take the named lock. Each attempt gets its own session so the
// lock disappears with its lease if this process dies while holding it.
func (l *etcdLocker) Lock(ctx context.Context, name string) (domain.Lock, error) {
	session, err := concurrency.NewSession(l.client, concurrency.WithTTL(l.ttl), concurrency.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("failed to create etcd session for lock %s: %w", name, err)
	}

	mutex := concurrency.NewMutex(session, LockPrefix+name)

	tryCtx, cancel := context.WithTimeout(ctx, lockAttemptTimeout)
	defer cancel()

	if err := mutex.TryLock(tryCtx); err != nil {
		_ = session.Close()
		if errors.Is(err, concurrency.ErrLocked) || errors.Is(err, context.DeadlineExceeded) {
			l.logger.Debug("lock held elsewhere", "lock", name)
			return nil, domain.ErrLockNotAcquired
		}
		return nil, fmt.Errorf("failed to try acquiring etcd lock %s: %w", name, err)
	}

	return &etcdLock{
		mutex:   mutex,
		session: session,
		name:    name,
	}, nil
}
