package server

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionManagerTracksRuns(t *testing.T) {
	sm := NewSessionManager()

	var closed atomic.Bool
	as := sm.Add("127.0.0.1:1", func() { closed.Store(true) })

	got, ok := sm.Get(as.ID)
	require.True(t, ok)
	assert.Same(t, as, got)

	ctx, cancel := context.WithCancel(context.Background())
	require.True(t, as.track("b", cancel))
	require.True(t, as.track("a", func() {}))
	assert.Equal(t, []string{"a", "b"}, as.InFlight())
	assert.Equal(t, 2, sm.InFlight())

	assert.True(t, as.Cancel("b"))
	assert.Error(t, ctx.Err())
	assert.False(t, as.Cancel("zzz"))

	as.untrack("a")
	as.untrack("b")
	assert.Empty(t, as.InFlight())

	assert.True(t, sm.Remove(as.ID))
	assert.False(t, sm.Remove(as.ID))
	assert.True(t, closed.Load())

	// A closed session accepts nothing new.
	assert.False(t, as.track("c", func() {}))
}

func TestSessionManagerCloseAllWaits(t *testing.T) {
	sm := NewSessionManager()
	as := sm.Add("remote", nil)

	ctx, cancel := context.WithCancel(context.Background())
	require.True(t, as.track("run", cancel))

	// Simulates a submission that releases its workspace once cancelled.
	finished := make(chan struct{})
	go func() {
		<-ctx.Done()
		time.Sleep(50 * time.Millisecond)
		as.untrack("run")
		close(finished)
	}()

	require.NoError(t, sm.CloseAll(context.Background()))
	select {
	case <-finished:
	default:
		t.Fatal("CloseAll returned before the submission finished")
	}
	assert.Empty(t, sm.List())
}

func TestSessionManagerCloseAllTimeout(t *testing.T) {
	sm := NewSessionManager()
	as := sm.Add("remote", nil)
	require.True(t, as.track("stuck", func() {}))
	defer as.untrack("stuck")

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, sm.CloseAll(ctx), context.DeadlineExceeded)
}

func TestSessionListOrder(t *testing.T) {
	sm := NewSessionManager()
	first := sm.Add("one", nil)
	time.Sleep(time.Millisecond)
	second := sm.Add("two", nil)

	list := sm.List()
	require.Len(t, list, 2)
	assert.Equal(t, first.ID, list[0].ID)
	assert.Equal(t, second.ID, list[1].ID)
	assert.NotNil(t, list[0].Submissions)
}
