package contentcore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOperationStream_EmptyRangeClosesImmediately(t *testing.T) {
	s := NewOperationStream("T", "d1", 5, 5, 0)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err := s.Recv(ctx)
	assert.ErrorIs(t, err, ErrStreamClosed)
}

func TestOperationStream_InOrderDeliveryThenClose(t *testing.T) {
	s := NewOperationStream("T", "d1", 1, 4, 0)

	for v := uint64(1); v < 4; v++ {
		require.NoError(t, s.pushOperation(Operation{Type: "T", ID: "d1", Version: v}))
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	for v := uint64(1); v < 4; v++ {
		op, err := s.Recv(ctx)
		require.NoError(t, err)
		assert.Equal(t, v, op.Version)
	}

	_, err := s.Recv(ctx)
	assert.ErrorIs(t, err, ErrStreamClosed)
}

func TestOperationStream_DuplicatePushIsIdempotent(t *testing.T) {
	s := NewOperationStream("T", "d1", 1, 10, 4)

	require.NoError(t, s.pushOperation(Operation{Type: "T", ID: "d1", Version: 1}))
	// Replay of the same version must be silently discarded.
	require.NoError(t, s.pushOperation(Operation{Type: "T", ID: "d1", Version: 1}))
	require.NoError(t, s.pushOperation(Operation{Type: "T", ID: "d1", Version: 2}))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	op, err := s.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), op.Version)

	op, err = s.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), op.Version)
	assert.Equal(t, uint64(3), s.VersionNext())
}

func TestOperationStream_OutOfSequenceIsFatal(t *testing.T) {
	s := NewOperationStream("T", "d1", 1, 10, 4)

	err := s.pushOperation(Operation{Type: "T", ID: "d1", Version: 3})
	require.Error(t, err)

	var oose *OutOfSequenceError
	require.True(t, errors.As(err, &oose))
	assert.True(t, errors.Is(err, ErrAssertion))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, recvErr := s.Recv(ctx)
	require.Error(t, recvErr)
	assert.True(t, errors.Is(recvErr, ErrAssertion))
}

func TestOperationStream_NeedsUpdate(t *testing.T) {
	s := NewOperationStream("T", "d1", 1, 3, 0)
	assert.True(t, s.NeedsUpdate())

	require.NoError(t, s.pushOperation(Operation{Type: "T", ID: "d1", Version: 1}))
	assert.True(t, s.NeedsUpdate())

	require.NoError(t, s.pushOperation(Operation{Type: "T", ID: "d1", Version: 2}))
	assert.False(t, s.NeedsUpdate()) // closed: versionNext == versionEnd
}

func TestOperationStream_CloseIsIdempotentAndNotifiesOnce(t *testing.T) {
	s := NewOperationStream("T", "d1", 1, 10, 0)

	calls := 0
	s.OnClose(func() { calls++ })

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	assert.Equal(t, 1, calls)
}

func TestOperationStream_CloseUnblocksPendingPushOnFullBuffer(t *testing.T) {
	s := NewOperationStream("T", "d1", 1, 10, 1)

	require.NoError(t, s.pushOperation(Operation{Type: "T", ID: "d1", Version: 1}))

	done := make(chan error, 1)
	go func() {
		// Buffer (size 1) already holds version 1's item and nobody is
		// draining it, so this blocks until something unblocks the send.
		done <- s.pushOperation(Operation{Type: "T", ID: "d1", Version: 2})
	}()

	// Give the goroutine a chance to actually block on the full buffer
	// before closing, so this exercises the blocked-send path.
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, s.Close())

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("pushOperation did not return after Close: the producer goroutine leaked")
	}
}

func TestOperationStream_ProducerCloseOnCompletionNotifiesOwner(t *testing.T) {
	s := NewOperationStream("T", "d1", 1, 2, 0)

	calls := 0
	s.OnClose(func() { calls++ })

	require.NoError(t, s.pushOperation(Operation{Type: "T", ID: "d1", Version: 1}))
	assert.Equal(t, 1, calls)
}
