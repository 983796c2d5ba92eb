package reconcile

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeReconciler struct {
	mu     sync.Mutex
	calls  int
	grace  time.Duration
	batch  int
	billed int
	err    error

	// gate, when set, holds every pass until closed.
	gate        chan struct{}
	inFlight    int
	maxInFlight int
}

func (f *fakeReconciler) ReconcileBilling(_ context.Context, grace time.Duration, batch int) (int, error) {
	f.mu.Lock()
	f.calls++
	f.grace, f.batch = grace, batch
	f.inFlight++
	f.maxInFlight = max(f.maxInFlight, f.inFlight)
	gate := f.gate
	f.mu.Unlock()

	if gate != nil {
		<-gate
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.inFlight--
	return f.billed, f.err
}

func (f *fakeReconciler) MaxInFlight() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.maxInFlight
}

func (f *fakeReconciler) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func TestNew_InvalidSchedule(t *testing.T) {
	_, err := New(&fakeReconciler{}, "every now and then", time.Minute, 10)
	assert.Error(t, err)
}

func TestRunOnce_PassesSettings(t *testing.T) {
	target := &fakeReconciler{billed: 3}
	s, err := New(target, "*/5 * * * *", 2*time.Minute, 50)
	require.NoError(t, err)

	n, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, 2*time.Minute, target.grace)
	assert.Equal(t, 50, target.batch)
}

func TestStart_RunsImmediatelyAndOnSchedule(t *testing.T) {
	target := &fakeReconciler{err: errors.New("payments down")}
	s, err := New(target, "@every 1s", time.Minute, 10)
	require.NoError(t, err)

	s.Start(context.Background())
	defer s.Stop(context.Background())

	require.Eventually(t, func() bool { return target.Calls() >= 1 }, 500*time.Millisecond, 10*time.Millisecond)
	require.Eventually(t, func() bool { return target.Calls() >= 2 }, 3*time.Second, 50*time.Millisecond)
}

func TestStart_SkipsTicksWhileStartupPassRuns(t *testing.T) {
	target := &fakeReconciler{gate: make(chan struct{})}
	s, err := New(target, "@every 1s", time.Minute, 10)
	require.NoError(t, err)

	s.Start(context.Background())
	defer s.Stop(context.Background())

	require.Eventually(t, func() bool { return target.Calls() == 1 }, 500*time.Millisecond, 10*time.Millisecond)
	time.Sleep(2500 * time.Millisecond)
	assert.Equal(t, 1, target.Calls(), "ticks during the startup pass are skipped")

	close(target.gate)
	require.Eventually(t, func() bool { return target.Calls() >= 2 }, 3*time.Second, 50*time.Millisecond)
	assert.Equal(t, 1, target.MaxInFlight())
}

func TestStop_HaltsTicks(t *testing.T) {
	target := &fakeReconciler{}
	s, err := New(target, "@every 1s", time.Minute, 10)
	require.NoError(t, err)

	s.Start(context.Background())
	require.Eventually(t, func() bool { return target.Calls() >= 1 }, 500*time.Millisecond, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s.Stop(ctx)

	calls := target.Calls()
	time.Sleep(1500 * time.Millisecond)
	assert.Equal(t, calls, target.Calls())
}
