package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestEveryValidation(t *testing.T) {
	s := NewScheduler()
	noop := func(ctx context.Context) error { return nil }

	assert.Error(t, s.Every("zero", 0, noop))
	require.NoError(t, s.Every("sweep", time.Second, noop))
	assert.Error(t, s.Every("sweep", time.Second, noop), "duplicate names are rejected")
	assert.Equal(t, []string{"sweep"}, s.Jobs())
}

func TestRunsSurviveErrorsAndPanics(t *testing.T) {
	s := NewScheduler()

	var runs atomic.Int32
	require.NoError(t, s.Every("flaky", time.Second, func(ctx context.Context) error {
		n := runs.Add(1)
		if n == 1 {
			panic("first run explodes")
		}
		return errors.New("later runs fail")
	}))

	s.Start()
	defer s.Stop()

	require.Eventually(t, func() bool { return runs.Load() >= 3 }, 6*time.Second, 50*time.Millisecond)
}

func TestRunRecoversPanic(t *testing.T) {
	s := NewScheduler()
	defer s.Stop()

	var runs int
	job := func(ctx context.Context) error {
		runs++
		panic("boom")
	}
	assert.NotPanics(t, func() { s.run("explode", job) })
	assert.NotPanics(t, func() { s.run("explode", job) })
	assert.Equal(t, 2, runs)
}

func TestStopCancelsJitterWait(t *testing.T) {
	s := NewScheduler(WithJitter(time.Hour))

	var runs atomic.Int32
	require.NoError(t, s.Every("slow", time.Second, func(ctx context.Context) error {
		runs.Add(1)
		return nil
	}))

	s.Start()
	time.Sleep(1500 * time.Millisecond)

	done := make(chan struct{})
	go func() {
		s.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not interrupt the jitter delay")
	}
	assert.Zero(t, runs.Load())
}

func TestStopWaitsForRunningJob(t *testing.T) {
	s := NewScheduler()

	started := make(chan struct{})
	var finished atomic.Bool
	require.NoError(t, s.Every("long", time.Second, func(ctx context.Context) error {
		select {
		case started <- struct{}{}:
		default:
		}
		<-ctx.Done()
		finished.Store(true)
		return ctx.Err()
	}))

	s.Start()
	select {
	case <-started:
	case <-time.After(3 * time.Second):
		t.Fatal("job never started")
	}

	s.Stop()
	assert.True(t, finished.Load())
}
