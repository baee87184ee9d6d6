// Package gorm provides GORM-based database operations for runsift.
package gorm

import (
	"context"
	"database/sql/driver"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"

	"github.com/thebtf/runsift/pkg/models"
)

// ErrEventNotFound is returned when no event exists for a key.
var ErrEventNotFound = errors.New("event not found")

// eventKeyFilter restricts a query to one (run_id, severity, ts) tuple.
func eventKeyFilter(runID uuid.UUID, sev models.Severity, ts time.Time) func(*gorm.DB) *gorm.DB {
	return func(db *gorm.DB) *gorm.DB {
		return db.Where("run_id = ? AND severity = ? AND ts = ?", runID, sev, models.NormalizeTS(ts))
	}
}

// IsTransient reports whether err is worth retrying: connection loss, timeouts,
// serialization failures and server shutdowns.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, driver.ErrBadConn) {
		return true
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case strings.HasPrefix(pgErr.Code, "08"): // connection exception
			return true
		case strings.HasPrefix(pgErr.Code, "40"): // serialization failure, deadlock
			return true
		case strings.HasPrefix(pgErr.Code, "53"): // insufficient resources
			return true
		case pgErr.Code == "57P01", pgErr.Code == "57P02", pgErr.Code == "57P03":
			return true
		}
		return false
	}
	if pgconn.SafeToRetry(err) || pgconn.Timeout(err) {
		return true
	}

	var netErr net.Error
	return errors.As(err, &netErr)
}

// retryTransient runs fn up to attempts times while it fails with a transient error.
func retryTransient(ctx context.Context, attempts int, backoff time.Duration, fn func() error) error {
	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(); err == nil || !IsTransient(err) {
			return err
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return err
		case <-time.After(backoff * time.Duration(i+1)):
		}
	}
	return err
}
