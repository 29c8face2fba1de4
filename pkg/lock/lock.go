// Package lock provides the named, TTL'd distributed lock collaborator
// the pipeline uses for short mutual-exclusion critical sections (owner
// reconciliation, commit dispatch). Acquisition is always non-blocking:
// failure to acquire is reported via ErrUnableToAcquire and callers treat
// it as a silent no-op, not a failure.
package lock

import (
	"context"
	"errors"
	"time"

	"github.com/cuemby/postprocess-forwarder/pkg/metrics"
)

// ErrUnableToAcquire is returned by Manager.Acquire when the named lock
// is already held by someone else.
var ErrUnableToAcquire = errors.New("lock: unable to acquire")

// Lock is a held lease; Release gives it up before its TTL expires.
// There is no automatic renewal — callers must finish their critical
// section well inside the TTL.
type Lock interface {
	Release(ctx context.Context) error
}

// Manager acquires named leases with a finite TTL.
type Manager interface {
	// Acquire attempts a non-blocking acquisition of name for duration
	// ttl. It returns ErrUnableToAcquire if the lock is already held.
	Acquire(ctx context.Context, name string, ttl time.Duration) (Lock, error)
}

// Named lock identifiers from the spec's catalog.
func GroupOwnerBulkLock(groupID int64) string {
	return "groupowner-bulk:" + formatID(groupID)
}

func PostProcessCommitLock(groupID int64) string {
	return "post-process-commit:" + formatID(groupID)
}

const (
	GroupOwnerBulkTTL    = 10 * time.Second
	PostProcessCommitTTL = 10 * time.Second
)

func formatID(id int64) string {
	if id == 0 {
		return "0"
	}
	neg := id < 0
	if neg {
		id = -id
	}
	var buf [20]byte
	i := len(buf)
	for id > 0 {
		i--
		buf[i] = byte('0' + id%10)
		id /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// WithLock acquires name, runs fn if acquisition succeeds, and always
// releases afterward. If acquisition fails with ErrUnableToAcquire, it
// returns nil — the spec treats contention on these best-effort stages
// as a successful no-op, not an error.
func WithLock(ctx context.Context, mgr Manager, name string, ttl time.Duration, fn func() error) error {
	l, err := mgr.Acquire(ctx, name, ttl)
	if err != nil {
		if errors.Is(err, ErrUnableToAcquire) {
			metrics.LockAcquisitions.WithLabelValues(lockPrefix(name), "contended").Inc()
			return nil
		}
		return err
	}
	metrics.LockAcquisitions.WithLabelValues(lockPrefix(name), "acquired").Inc()
	defer l.Release(ctx)
	return fn()
}

// lockPrefix strips the per-group/per-project id off a lock name for
// metric labeling, so cardinality stays bounded to the handful of named
// lock kinds (groupowner-bulk, post-process-commit) rather than one
// series per id.
func lockPrefix(name string) string {
	for i := 0; i < len(name); i++ {
		if name[i] == ':' {
			return name[:i]
		}
	}
	return name
}
