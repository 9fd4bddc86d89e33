package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Cue/greplin-exception-catcher/pkg/report"
)

type mockSyncer struct {
	calls   atomic.Int32
	err     error
	started chan struct{}
	release chan struct{}
}

func (m *mockSyncer) Sync(ctx context.Context) (report.SyncResult, error) {
	m.calls.Add(1)
	if m.started != nil {
		m.started <- struct{}{}
	}
	if m.release != nil {
		select {
		case <-m.release:
		case <-ctx.Done():
		}
	}
	if m.err != nil {
		return report.SyncResult{Status: report.SyncFailed}, m.err
	}
	return report.SyncResult{Status: report.SyncSent, Sent: 1}, nil
}

func startScheduler(t *testing.T, s *Scheduler) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("scheduler did not stop")
		}
	})
}

func TestNew(t *testing.T) {
	_, err := New(nil, Config{})
	assert.Error(t, err)

	_, err = New(&mockSyncer{}, Config{Schedule: "every now and then"})
	assert.Error(t, err)

	s, err := New(&mockSyncer{}, Config{})
	require.NoError(t, err)
	assert.Equal(t, DefaultSchedule, s.spec)

	_, err = New(&mockSyncer{}, Config{Schedule: "*/5 * * * *"})
	assert.NoError(t, err)
}

func TestScheduler_Trigger(t *testing.T) {
	m := &mockSyncer{}
	s, err := New(m, Config{Schedule: "@every 1h"})
	require.NoError(t, err)
	startScheduler(t, s)

	require.True(t, s.Trigger())

	require.Eventually(t, func() bool { return m.calls.Load() == 1 }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return s.Status().Runs == 1 }, 2*time.Second, 5*time.Millisecond)

	st := s.Status()
	assert.Equal(t, report.SyncSent, st.LastResult.Status)
	assert.Zero(t, st.Failures)
	assert.Empty(t, st.LastError)
}

func TestScheduler_TriggersCoalesce(t *testing.T) {
	m := &mockSyncer{
		started: make(chan struct{}, 10),
		release: make(chan struct{}),
	}
	s, err := New(m, Config{Schedule: "@every 1h", TriggerRate: 0.001, TriggerBurst: 10})
	require.NoError(t, err)
	startScheduler(t, s)

	require.True(t, s.Trigger())
	<-m.started

	// While the first sync runs, later triggers collapse into one pending run
	for range 5 {
		assert.True(t, s.Trigger())
	}
	close(m.release)

	require.Eventually(t, func() bool { return s.Status().Runs == 2 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(2), m.calls.Load())
}

func TestScheduler_TriggerRateLimited(t *testing.T) {
	s, err := New(&mockSyncer{}, Config{Schedule: "@every 1h", TriggerRate: 0.001, TriggerBurst: 1})
	require.NoError(t, err)

	assert.True(t, s.Trigger())
	assert.False(t, s.Trigger())
}

func TestScheduler_RunsOnSchedule(t *testing.T) {
	m := &mockSyncer{}
	s, err := New(m, Config{Schedule: "@every 1s"})
	require.NoError(t, err)
	startScheduler(t, s)

	require.Eventually(t, func() bool { return m.calls.Load() >= 1 }, 3*time.Second, 10*time.Millisecond)
}

func TestScheduler_RecordsFailures(t *testing.T) {
	m := &mockSyncer{err: errors.New("collector down")}
	s, err := New(m, Config{Schedule: "@every 1h"})
	require.NoError(t, err)
	startScheduler(t, s)

	require.True(t, s.Trigger())
	require.Eventually(t, func() bool { return s.Status().Failures == 1 }, 2*time.Second, 5*time.Millisecond)

	st := s.Status()
	assert.Equal(t, "collector down", st.LastError)
	assert.Equal(t, report.SyncFailed, st.LastResult.Status)
}

func TestScheduler_StopsOnCancel(t *testing.T) {
	s, err := New(&mockSyncer{}, Config{Schedule: "@every 1h"})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
