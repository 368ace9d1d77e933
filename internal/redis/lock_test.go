package redisclient

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalLocker_AcquireHandsOffRelease(t *testing.T) {
	ctx := context.Background()
	l := NewLocalLocker()

	release, err := l.Acquire(ctx, "exam-sync:a")
	require.NoError(t, err)

	err = l.WithLock(ctx, "exam-sync:a", func(context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrLockNotAcquired)

	ran := false
	require.NoError(t, l.WithLock(ctx, "exam-sync:b", func(context.Context) error { ran = true; return nil }))
	assert.True(t, ran)

	done := make(chan struct{})
	go func() {
		defer close(done)
		release()
	}()
	<-done
	release()

	again, err := l.Acquire(ctx, "exam-sync:a")
	require.NoError(t, err)
	again()
}
