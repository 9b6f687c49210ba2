package remotelog_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/keepsakebot/keepsake/remotelog"
	"github.com/keepsakebot/keepsake/remotelog/logtest"
	"github.com/keepsakebot/keepsake/retry"
	"github.com/stretchr/testify/require"
)

func TestMemoryLogContract(t *testing.T) {
	logtest.Contract(t, remotelog.NewMemoryLog())
}

func TestWalkStopsEarly(t *testing.T) {
	var ctx = context.Background()
	var l = remotelog.NewMemoryLog()

	for i := 0; i != 5; i++ {
		var _, err = l.Post(ctx, fmt.Sprint(i), nil, "")
		require.NoError(t, err)
	}
	var lists int
	var cl = &remotelog.CallbackLog{
		Log: l,
		ListFunc: func(ctx context.Context, pageSize int, before string) ([]remotelog.Entry, error) {
			lists++
			return l.List(ctx, pageSize, before)
		},
	}

	var seen []string
	require.NoError(t, remotelog.Walk(ctx, cl, 2, func(e remotelog.Entry) error {
		if seen = append(seen, e.Name); len(seen) == 3 {
			return remotelog.Stop
		}
		return nil
	}))
	require.Equal(t, []string{"4", "3", "2"}, seen)
	require.Equal(t, 2, lists)

	// Errors of the callback are passed through.
	var errFixture = errors.New("fixture")
	require.Equal(t, errFixture, remotelog.Walk(ctx, l, 2, func(remotelog.Entry) error { return errFixture }))

	// A walk of exactly full pages requires a final, empty page.
	lists = 0
	require.NoError(t, l.Delete(ctx, l.Entries()[0].ID))
	require.NoError(t, remotelog.Walk(ctx, cl, 2, func(remotelog.Entry) error { return nil }))
	require.Equal(t, 3, lists)

	require.EqualError(t, remotelog.Walk(ctx, l, 0, nil), "invalid page size 0")
}

func TestTransientClassification(t *testing.T) {
	var err = remotelog.Transient("post", io.ErrUnexpectedEOF)
	require.True(t, remotelog.IsTransient(err))
	require.True(t, remotelog.IsTransient(fmt.Errorf("wrapped: %w", err)))
	require.True(t, errors.Is(err, io.ErrUnexpectedEOF))
	require.EqualError(t, err, "post: unexpected EOF")

	require.False(t, remotelog.IsTransient(io.ErrUnexpectedEOF))
	require.NoError(t, remotelog.Transient("post", nil))
}

func TestRetryingLog(t *testing.T) {
	var ctx = context.Background()
	var clock = retry.NewFakeClock(time.Unix(0, 0))
	var inner = remotelog.NewMemoryLog()

	var failures = 2
	var cl = &remotelog.CallbackLog{
		Log: inner,
		PostFunc: func(ctx context.Context, name string, blob []byte, caption string) (remotelog.Entry, error) {
			if failures != 0 {
				failures--
				return remotelog.Entry{}, remotelog.Transient("post", errors.New("503 Service Unavailable"))
			}
			return inner.Post(ctx, name, blob, caption)
		},
		DeleteFunc: func(context.Context, string) error {
			return errors.New("403 Forbidden")
		},
	}
	var l = remotelog.WithRetry(cl, retry.Policy{MaxAttempts: 3, Initial: time.Second}, clock, time.Minute)

	var done = make(chan error)
	go func() {
		var _, err = l.Post(ctx, "name", []byte("blob"), "")
		done <- err
	}()
	clock.BlockUntil(1)
	clock.Advance(time.Second)
	clock.BlockUntil(1)
	clock.Advance(time.Minute)

	require.NoError(t, <-done)
	require.Equal(t, 1, inner.Len())

	// Non-transient errors are returned immediately.
	require.EqualError(t, l.Delete(ctx, "id"), "403 Forbidden")
	require.Equal(t, 0, clock.Timers())

	// The Signer of a wrapped Log is reachable.
	var _, ok = remotelog.AsSigner(l)
	require.False(t, ok)
	require.Equal(t, remotelog.Log(cl), l.Unwrap())
}

func TestRetryingLogTimesOutCalls(t *testing.T) {
	var calls int
	var cl = &remotelog.CallbackLog{
		ListFunc: func(ctx context.Context, _ int, _ string) ([]remotelog.Entry, error) {
			calls++
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	var l = remotelog.WithRetry(cl, retry.Policy{MaxAttempts: 2, Initial: time.Nanosecond}, nil, time.Millisecond)

	var _, err = l.List(context.Background(), 10, "")
	require.True(t, remotelog.IsTransient(err))
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Equal(t, 2, calls)
}
