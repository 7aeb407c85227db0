package txn

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
)

const (
	// DefaultLockTimeout bounds how long a transaction waits for a row lock or connection.
	DefaultLockTimeout = 5 * time.Second

	dialectPostgres = "postgres"

	pgCodeLockNotAvailable = "55P03"
	pgCodeDeadlockDetected = "40P01"
	pgCodeQueryCanceled    = "57014"
)

// ErrResourceBusy reports a lock-wait timeout or lock contention. Callers may retry it.
var ErrResourceBusy = errors.New("resource busy")

var errMissingDatabase = errors.New("txn: database handle is required")

// Runner executes units of work inside bounded transactions.
type Runner struct {
	db          *gorm.DB
	lockTimeout time.Duration
}

// NewRunner constructs a Runner. A non-positive timeout falls back to DefaultLockTimeout.
func NewRunner(db *gorm.DB, lockTimeout time.Duration) (*Runner, error) {
	if db == nil {
		return nil, errMissingDatabase
	}
	if lockTimeout <= 0 {
		lockTimeout = DefaultLockTimeout
	}
	return &Runner{db: db, lockTimeout: lockTimeout}, nil
}

// DB exposes the underlying handle for read-only scans outside a transaction.
func (r *Runner) DB() *gorm.DB {
	return r.db
}

// LockTimeout reports the configured bound.
func (r *Runner) LockTimeout() time.Duration {
	return r.lockTimeout
}

// Run opens a transaction bounded by the lock timeout and commits when fn returns nil.
// Any error from fn rolls the transaction back. Contention failures are reported as
// ErrResourceBusy wrapping the driver error.
func (r *Runner) Run(ctx context.Context, fn func(tx *gorm.DB) error) error {
	boundedCtx, cancel := context.WithTimeout(ctx, r.lockTimeout)
	defer cancel()

	err := r.db.WithContext(boundedCtx).Transaction(func(tx *gorm.DB) error {
		if tx.Dialector.Name() == dialectPostgres {
			statement := fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", r.lockTimeout.Milliseconds())
			if err := tx.Exec(statement).Error; err != nil {
				return err
			}
		}
		return fn(tx)
	})
	if err == nil {
		return nil
	}
	if IsBusy(err) {
		if errors.Is(err, ErrResourceBusy) {
			return err
		}
		return fmt.Errorf("%w: %v", ErrResourceBusy, err)
	}
	return err
}

// IsBusy reports whether err signals lock contention or a bounded wait that expired.
func IsBusy(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrResourceBusy) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgCodeLockNotAvailable, pgCodeDeadlockDetected, pgCodeQueryCanceled:
			return true
		}
		return false
	}
	message := strings.ToLower(err.Error())
	return strings.Contains(message, "database is locked") ||
		strings.Contains(message, "sqlite_busy") ||
		strings.Contains(message, "database table is locked")
}
