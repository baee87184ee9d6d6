package gorm

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
)

func TestIsTransient(t *testing.T) {
	tests := []struct {
		err  error
		name string
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "canceled", err: context.Canceled, want: false},
		{name: "deadline", err: context.DeadlineExceeded, want: true},
		{name: "bad conn wrapped", err: fmt.Errorf("query: %w", driver.ErrBadConn), want: true},
		{name: "pg connection failure", err: &pgconn.PgError{Code: "08006"}, want: true},
		{name: "pg serialization", err: &pgconn.PgError{Code: "40001"}, want: true},
		{name: "pg admin shutdown", err: &pgconn.PgError{Code: "57P01"}, want: true},
		{name: "pg unique violation", err: &pgconn.PgError{Code: "23505"}, want: false},
		{name: "plain error", err: errors.New("syntax error"), want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsTransient(tt.err))
		})
	}
}

func TestRetryTransient(t *testing.T) {
	ctx := context.Background()

	calls := 0
	err := retryTransient(ctx, 3, time.Millisecond, func() error {
		calls++
		if calls < 2 {
			return driver.ErrBadConn
		}
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 2, calls)

	calls = 0
	permanent := errors.New("permanent")
	err = retryTransient(ctx, 3, time.Millisecond, func() error {
		calls++
		return permanent
	})
	assert.ErrorIs(t, err, permanent)
	assert.Equal(t, 1, calls)

	calls = 0
	err = retryTransient(ctx, 3, time.Millisecond, func() error {
		calls++
		return driver.ErrBadConn
	})
	assert.ErrorIs(t, err, driver.ErrBadConn)
	assert.Equal(t, 3, calls)
}
