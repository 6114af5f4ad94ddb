package bridge

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startLoop(t *testing.T) *Loop {
	t.Helper()
	l := NewLoop(8, nil)
	ctx, cancel := context.WithCancel(context.Background())
	go l.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-l.Done()
	})
	return l
}

func TestCallReturnsValue(t *testing.T) {
	l := startLoop(t)
	v, err := Call(context.Background(), l, time.Second, func(context.Context) (int, error) {
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, v)
}

func TestCallPropagatesError(t *testing.T) {
	l := startLoop(t)
	boom := errors.New("boom")
	_, err := Call(context.Background(), l, time.Second, func(context.Context) (string, error) {
		return "", boom
	})
	assert.ErrorIs(t, err, boom)
}

func TestCallTimeout(t *testing.T) {
	l := startLoop(t)
	_, err := Call(context.Background(), l, 50*time.Millisecond, func(ctx context.Context) (int, error) {
		time.Sleep(200 * time.Millisecond)
		return 1, nil
	})
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestInnerDeadlineFiresFirst(t *testing.T) {
	l := startLoop(t)
	_, err := Call(context.Background(), l, 100*time.Millisecond, func(ctx context.Context) (int, error) {
		<-ctx.Done()
		return 0, ctx.Err()
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCallRecoversPanic(t *testing.T) {
	l := startLoop(t)
	_, err := Call(context.Background(), l, time.Second, func(context.Context) (int, error) {
		panic("adapter blew up")
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "adapter blew up")

	v, err := Call(context.Background(), l, time.Second, func(context.Context) (int, error) { return 7, nil })
	require.NoError(t, err)
	assert.Equal(t, 7, v)
}

func TestCallsAreSerialised(t *testing.T) {
	l := startLoop(t)
	var inFlight, maxSeen int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = Call(context.Background(), l, time.Second, func(context.Context) (struct{}, error) {
				n := atomic.AddInt32(&inFlight, 1)
				for {
					m := atomic.LoadInt32(&maxSeen)
					if n <= m || atomic.CompareAndSwapInt32(&maxSeen, m, n) {
						break
					}
				}
				time.Sleep(time.Millisecond)
				atomic.AddInt32(&inFlight, -1)
				return struct{}{}, nil
			})
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), atomic.LoadInt32(&maxSeen))
}

func TestCallAfterStop(t *testing.T) {
	l := NewLoop(1, nil)
	ctx, cancel := context.WithCancel(context.Background())
	go l.Run(ctx)
	cancel()
	<-l.Done()

	_, err := Call(context.Background(), l, time.Second, func(context.Context) (int, error) { return 1, nil })
	assert.ErrorIs(t, err, ErrStopped)
}
