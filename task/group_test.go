package task

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFailedTaskCancelsGroup(t *testing.T) {
	var g = NewGroup(context.Background())

	g.Queue("waiter", func() error {
		<-g.Context().Done()
		return nil
	})
	g.Queue("failer", func() error { return errors.New("whoops") })
	g.GoRun()

	require.EqualError(t, g.Wait(), "failer: whoops")
	require.Error(t, g.Context().Err())
}

func TestCancelStopsTasks(t *testing.T) {
	var g = NewGroup(context.Background())
	var ran = make(chan struct{})

	g.Queue("waiter", func() error {
		close(ran)
		<-g.Context().Done()
		return nil
	})
	g.GoRun()

	<-ran
	g.Cancel()
	require.NoError(t, g.Wait())
}

func TestMisuse(t *testing.T) {
	var g = NewGroup(context.Background())
	require.PanicsWithValue(t, "Wait called before GoRun", func() { _ = g.Wait() })

	g.GoRun()
	require.PanicsWithValue(t, "GoRun already called", g.GoRun)
	require.PanicsWithValue(t, "Queue called after GoRun", func() { g.Queue("late", nil) })
	require.NoError(t, g.Wait())
}
