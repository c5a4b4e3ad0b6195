package audiocore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func frame(seq uint64) Frame {
	return Frame{Seq: seq, Timestamp: time.Now(), Data: []byte{byte(seq), 0}}
}

func TestFrameQueueDropsNewestWhenFull(t *testing.T) {
	t.Parallel()

	q := NewFrameQueue(2)
	drops := 0
	q.OnDrop(func() { drops++ })

	assert.True(t, q.Push(frame(1)))
	assert.True(t, q.Push(frame(2)))
	assert.False(t, q.Push(frame(3)))

	assert.Equal(t, uint64(1), q.Dropped())
	assert.Equal(t, uint64(2), q.Pushed())
	assert.Equal(t, 1, drops)

	ctx := context.Background()
	f, err := q.Pop(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), f.Seq)
	f, err = q.Pop(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), f.Seq, "the dropped frame is the newest one")
}

func TestFrameQueueLastPushIncludesDrops(t *testing.T) {
	t.Parallel()

	q := NewFrameQueue(1)
	assert.True(t, q.LastPush().IsZero())

	q.Push(frame(1))
	first := q.LastPush()
	require.False(t, first.IsZero())

	time.Sleep(2 * time.Millisecond)
	assert.False(t, q.Push(frame(2)))
	assert.True(t, q.LastPush().After(first))
}

func TestFrameQueueDrainsAfterClose(t *testing.T) {
	t.Parallel()

	q := NewFrameQueue(4)
	q.Push(frame(1))
	q.Push(frame(2))
	q.Close()
	q.Close()

	assert.False(t, q.Push(frame(3)), "closed queue refuses frames")

	ctx := context.Background()
	for _, want := range []uint64{1, 2} {
		f, err := q.Pop(ctx)
		require.NoError(t, err)
		assert.Equal(t, want, f.Seq)
	}
	_, err := q.Pop(ctx)
	require.ErrorIs(t, err, ErrQueueClosed)
}

func TestFrameQueuePopHonoursContext(t *testing.T) {
	t.Parallel()

	q := NewFrameQueue(1)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := q.Pop(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestFrameQueuePopWakesOnClose(t *testing.T) {
	t.Parallel()

	q := NewFrameQueue(1)
	errCh := make(chan error, 1)
	go func() {
		_, err := q.Pop(context.Background())
		errCh <- err
	}()

	time.Sleep(10 * time.Millisecond)
	q.Close()

	select {
	case err := <-errCh:
		require.ErrorIs(t, err, ErrQueueClosed)
	case <-time.After(time.Second):
		t.Fatal("Pop did not return after Close")
	}
}
