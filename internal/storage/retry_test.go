package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func serializationFailure() error {
	return &pgconn.PgError{Code: "40001", Message: "could not serialize access"}
}

func TestWithRetrySerializationFailure(t *testing.T) {
	calls := 0
	err := WithRetry(context.Background(), 3, time.Millisecond, func() error {
		calls++
		if calls < 3 {
			return serializationFailure()
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestWithRetryGivesUpAfterMaxRetries(t *testing.T) {
	calls := 0
	err := WithRetry(context.Background(), 2, time.Millisecond, func() error {
		calls++
		return serializationFailure()
	})
	require.Error(t, err)
	assert.True(t, isRetriable(err))
	assert.Equal(t, 3, calls) // initial attempt plus two retries
}

func TestWithRetryNonRetriableFailsFast(t *testing.T) {
	calls := 0
	sentinel := errors.New("constraint violation")
	err := WithRetry(context.Background(), 3, time.Millisecond, func() error {
		calls++
		return sentinel
	})
	assert.ErrorIs(t, err, sentinel)
	assert.Equal(t, 1, calls)
}

func TestWithRetryStopsOnCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	err := WithRetry(ctx, 3, time.Millisecond, func() error {
		calls++
		return serializationFailure()
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestReadWithRetryRecoversDeadlock(t *testing.T) {
	calls := 0
	got, err := readWithRetry(context.Background(), func() (int, error) {
		calls++
		if calls == 1 {
			return 0, &pgconn.PgError{Code: "40P01", Message: "deadlock detected"}
		}
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, got)
	assert.Equal(t, 2, calls)
}

func TestIsRetriable(t *testing.T) {
	assert.True(t, isRetriable(serializationFailure()))
	assert.True(t, isRetriable(&pgconn.PgError{Code: "40P01"}))
	assert.False(t, isRetriable(&pgconn.PgError{Code: "23505"}))
	assert.False(t, isRetriable(errors.New("plain")))
	assert.False(t, isRetriable(nil))
}
