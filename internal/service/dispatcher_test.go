package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/relaypub/relay/internal/config"
)

func newTestDispatcher(t *testing.T, handler JobHandler) *Dispatcher {
	t.Helper()
	d := NewDispatcher(&config.DispatcherConfig{
		Workers:     2,
		MaxAttempts: 3,
		BackoffBase: "10ms",
	}, zap.NewNop(), handler)
	t.Cleanup(d.Stop)
	return d
}

func TestDispatcherFiresAtTime(t *testing.T) {
	rec := newHandlerRecorder()
	d := newTestDispatcher(t, rec.handle)

	d.Schedule(7, time.Now().Add(20*time.Millisecond))

	fireAt, ok := d.Pending(7)
	require.True(t, ok)
	assert.WithinDuration(t, time.Now().Add(20*time.Millisecond), fireAt, time.Second)

	id := rec.waitForFire(t, time.Second)
	assert.Equal(t, uint(7), id)

	assert.Eventually(t, func() bool {
		_, ok := d.Pending(7)
		return !ok
	}, time.Second, 5*time.Millisecond)
}

func TestDispatcherPastTimeFiresImmediately(t *testing.T) {
	rec := newHandlerRecorder()
	d := newTestDispatcher(t, rec.handle)

	d.Schedule(3, time.Now().Add(-time.Hour))
	rec.waitForFire(t, time.Second)
}

func TestDispatcherRescheduleReplacesJob(t *testing.T) {
	rec := newHandlerRecorder()
	d := newTestDispatcher(t, rec.handle)

	first := time.Now().Add(time.Hour)
	second := time.Now().Add(30 * time.Millisecond)

	d.Schedule(5, first)
	d.Schedule(5, second)

	fireAt, ok := d.Pending(5)
	require.True(t, ok)
	assert.Equal(t, second, fireAt)

	rec.waitForFire(t, time.Second)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, rec.callCount())
}

func TestDispatcherCancelPreventsFire(t *testing.T) {
	rec := newHandlerRecorder()
	d := newTestDispatcher(t, rec.handle)

	d.Schedule(9, time.Now().Add(30*time.Millisecond))
	d.Cancel(9)

	_, ok := d.Pending(9)
	assert.False(t, ok)

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 0, rec.callCount())

	// Cancelling an absent job is a no-op.
	d.Cancel(9)
	d.Cancel(12345)
}

func TestDispatcherRetryBudget(t *testing.T) {
	rec := newHandlerRecorder()
	rec.err = errors.New("boom")
	d := newTestDispatcher(t, rec.handle)

	d.Schedule(4, time.Now())

	for i := 0; i < 3; i++ {
		rec.waitForFire(t, time.Second)
	}

	// Dropped after the attempt budget: no fourth invocation, entry gone.
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 3, rec.callCount())
	_, ok := d.Pending(4)
	assert.False(t, ok)
}

func TestDispatcherRetryStopsOnSuccess(t *testing.T) {
	var attempts int
	fired := make(chan struct{}, 8)
	d := newTestDispatcher(t, func(ctx context.Context, postID uint) error {
		attempts++
		fired <- struct{}{}
		if attempts < 2 {
			return errors.New("transient")
		}
		return nil
	})

	d.Schedule(6, time.Now())

	<-fired
	<-fired
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 2, attempts)
}

func TestDispatcherStopIsSafeWithDueTimers(t *testing.T) {
	rec := newHandlerRecorder()
	d := newTestDispatcher(t, rec.handle)

	for i := uint(1); i <= 8; i++ {
		d.Schedule(i, time.Now())
	}
	d.Stop()

	// Stop waits for in-flight jobs; afterwards nothing new may fire.
	settled := rec.callCount()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, settled, rec.callCount())

	d.Schedule(99, time.Now())
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, settled, rec.callCount())
	_, ok := d.Pending(99)
	assert.False(t, ok, "a stopped dispatcher accepts no jobs")
}
