package scheduler

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

// unthrottled admits everything instantly; used to isolate priority and
// retry behavior from the token bucket.
func unthrottled(maxConcurrent, retryAttempts int) ServiceConfig {
	return ServiceConfig{
		MaxRequestsPerMinute: 60000,
		MaxConcurrent:        maxConcurrent,
		RetryAttempts:        retryAttempts,
		BackoffMultiplier:    2,
		JitterRange:          0.2,
		BurstSize:            1000,
	}
}

func setFastRetries(t *testing.T) {
	t.Helper()
	old := retryBaseDelay
	retryBaseDelay = 5 * time.Millisecond
	t.Cleanup(func() { retryBaseDelay = old })
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestPriorityOrderingUnderSaturation(t *testing.T) {
	s := New(WithServiceConfig("test", unthrottled(1, 0)))
	ctx := context.Background()

	var (
		mu    sync.Mutex
		order []string
	)
	record := func(name string) CallFunc {
		return func(ctx context.Context) (any, error) {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return name, nil
		}
	}

	started := make(chan struct{})
	release := make(chan struct{})
	var wg sync.WaitGroup

	// Saturate the single slot so everything below queues.
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = s.Execute(ctx, "test", "blocker", func(ctx context.Context) (any, error) {
			close(started)
			<-release
			return nil, nil
		}, 0)
	}()
	<-started

	// Low priority is submitted first, high priority second. High must run
	// first anyway.
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = s.Execute(ctx, "test", "low", record("low"), 0)
	}()
	waitFor(t, func() bool { return s.GetStats("test").QueueLength == 1 })

	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = s.Execute(ctx, "test", "high", record("high"), 5)
	}()
	waitFor(t, func() bool { return s.GetStats("test").QueueLength == 2 })

	close(release)
	wg.Wait()

	require.Equal(t, []string{"high", "low"}, order)
}

func TestRetryRecoversFromTransientFailure(t *testing.T) {
	setFastRetries(t)
	s := New(WithServiceConfig("test", unthrottled(5, 2)))

	var calls atomic.Int32
	v, err := s.Execute(context.Background(), "test", "flaky", func(ctx context.Context) (any, error) {
		if calls.Add(1) == 1 {
			return nil, &APIError{StatusCode: 500}
		}
		return "recovered", nil
	}, 0)

	require.NoError(t, err)
	assert.Equal(t, "recovered", v)
	assert.Equal(t, int32(2), calls.Load())
}

func TestExhaustedRetriesRejectWithOriginalError(t *testing.T) {
	setFastRetries(t)
	s := New(WithServiceConfig("test", unthrottled(5, 2)))

	terminal := &APIError{StatusCode: 429, Message: "quota exceeded"}
	var calls atomic.Int32
	_, err := s.Execute(context.Background(), "test", "doomed", func(ctx context.Context) (any, error) {
		calls.Add(1)
		return nil, terminal
	}, 0)

	require.ErrorIs(t, err, terminal)
	// Initial attempt plus RetryAttempts retries.
	assert.Equal(t, int32(3), calls.Load())
}

func TestPermanentErrorsAreNotRetried(t *testing.T) {
	setFastRetries(t)
	s := New(WithServiceConfig("test", unthrottled(5, 3)))

	notFound := &APIError{StatusCode: 404, Message: "torrent not found"}
	var calls atomic.Int32
	_, err := s.Execute(context.Background(), "test", "missing", func(ctx context.Context) (any, error) {
		calls.Add(1)
		return nil, notFound
	}, 0)

	require.ErrorIs(t, err, notFound)
	assert.Equal(t, int32(1), calls.Load())
}

func TestErrorsWithoutStatusAreNotRetried(t *testing.T) {
	setFastRetries(t)
	s := New(WithServiceConfig("test", unthrottled(5, 3)))

	boom := errors.New("connection reset")
	var calls atomic.Int32
	_, err := s.Execute(context.Background(), "test", "netfail", func(ctx context.Context) (any, error) {
		calls.Add(1)
		return nil, boom
	}, 0)

	require.ErrorIs(t, err, boom)
	assert.Equal(t, int32(1), calls.Load())
}

func TestTokenBucketCapsAdmissions(t *testing.T) {
	s := New(WithServiceConfig("test", ServiceConfig{
		MaxRequestsPerMinute: 0, // never refills: only the burst is admitted
		MaxConcurrent:        10,
		BurstSize:            2,
	}))
	ctx := context.Background()

	var admitted atomic.Int32
	count := func(ctx context.Context) (any, error) {
		admitted.Add(1)
		return nil, nil
	}

	_, err := s.Execute(ctx, "test", "one", count, 0)
	require.NoError(t, err)
	_, err = s.Execute(ctx, "test", "two", count, 0)
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() {
		_, err := s.Execute(ctx, "test", "three", count, 0)
		errCh <- err
	}()

	// The third item must still be queued after a bounded wait.
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, int32(2), admitted.Load())
	assert.Equal(t, 1, s.GetStats("test").QueueLength)

	s.Reset("test")
	require.ErrorIs(t, <-errCh, ErrServiceReset)
}

func TestBatchIsolatesFailures(t *testing.T) {
	s := New()
	boom := errors.New("fail")

	results := s.ExecuteBatch(context.Background(), ServiceRealDebrid, []BatchItem{
		{ID: "good", Fn: func(ctx context.Context) (any, error) { return "ok", nil }},
		{ID: "bad", Fn: func(ctx context.Context) (any, error) { return nil, boom }},
	})

	require.Len(t, results, 2)
	require.NoError(t, results["good"].Err)
	assert.Equal(t, "ok", results["good"].Value)
	require.ErrorIs(t, results["bad"].Err, boom)
}

func TestResetRestoresCapacityAndRejectsQueued(t *testing.T) {
	s := New(WithServiceConfig("test", ServiceConfig{
		MaxRequestsPerMinute: 0,
		MaxConcurrent:        1,
		BurstSize:            1,
	}))
	ctx := context.Background()

	started := make(chan struct{})
	release := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = s.Execute(ctx, "test", "blocker", func(ctx context.Context) (any, error) {
			close(started)
			<-release
			return nil, nil
		}, 0)
	}()
	<-started

	errCh := make(chan error, 1)
	go func() {
		_, err := s.Execute(ctx, "test", "stuck", func(ctx context.Context) (any, error) {
			return nil, nil
		}, 0)
		errCh <- err
	}()
	waitFor(t, func() bool { return s.GetStats("test").QueueLength == 1 })

	s.Reset("test")

	require.ErrorIs(t, <-errCh, ErrServiceReset)
	st := s.GetStats("test")
	assert.Equal(t, 0, st.QueueLength)
	assert.InDelta(t, 1, st.Tokens, 0.01) // refilled to burst
	assert.Equal(t, 1, st.ActiveRequests) // in-flight work is untouched

	close(release)
	wg.Wait()
}

func TestRetryWaitingWorkSurvivesReset(t *testing.T) {
	old := retryBaseDelay
	retryBaseDelay = 100 * time.Millisecond
	t.Cleanup(func() { retryBaseDelay = old })

	s := New(WithServiceConfig("test", unthrottled(5, 2)))

	var calls atomic.Int32
	failed := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		_, err := s.Execute(context.Background(), "test", "flaky", func(ctx context.Context) (any, error) {
			if calls.Add(1) == 1 {
				close(failed)
				return nil, &APIError{StatusCode: 500}
			}
			return "recovered", nil
		}, 0)
		done <- err
	}()
	<-failed

	// A reset rejects queued items only. This item is waiting out its
	// backoff, not queued, so it requeues afterward and still recovers.
	s.Reset("test")

	require.NoError(t, <-done)
	assert.Equal(t, int32(2), calls.Load())
}

func TestUpdateConfigUnblocksQueuedWork(t *testing.T) {
	s := New(WithServiceConfig("test", ServiceConfig{
		MaxRequestsPerMinute: 0,
		MaxConcurrent:        1,
		BurstSize:            0,
	}))

	done := make(chan error, 1)
	go func() {
		_, err := s.Execute(context.Background(), "test", "stuck", func(ctx context.Context) (any, error) {
			return nil, nil
		}, 0)
		done <- err
	}()
	waitFor(t, func() bool { return s.GetStats("test").QueueLength == 1 })

	rpm := 60000.0
	burst := 10
	require.NoError(t, s.UpdateConfig("test", ConfigPatch{MaxRequestsPerMinute: &rpm, BurstSize: &burst}))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("queued work not admitted after config update")
	}
}

func TestUpdateConfigMergesPartially(t *testing.T) {
	s := New()

	mc := 7
	require.NoError(t, s.UpdateConfig(ServiceTorBox, ConfigPatch{MaxConcurrent: &mc}))

	cfg := s.Config(ServiceTorBox)
	assert.Equal(t, 7, cfg.MaxConcurrent)
	assert.Equal(t, DefaultConfig(ServiceTorBox).RetryAttempts, cfg.RetryAttempts)
	assert.Equal(t, DefaultConfig(ServiceTorBox).BurstSize, cfg.BurstSize)
}

func TestUpdateConfigRejectsNegativeValues(t *testing.T) {
	s := New()

	burst := -1
	err := s.UpdateConfig(ServiceTorBox, ConfigPatch{BurstSize: &burst})

	require.Error(t, err)
	assert.Equal(t, DefaultConfig(ServiceTorBox), s.Config(ServiceTorBox))
}

func TestAllStatsCoversKnownServices(t *testing.T) {
	stats := New().AllStats()

	for _, svc := range KnownServices() {
		st, ok := stats[svc]
		require.True(t, ok, "missing stats for %s", svc)
		assert.Zero(t, st.QueueLength)
		assert.Zero(t, st.ActiveRequests)
		assert.Equal(t, float64(DefaultConfig(svc).BurstSize), st.Tokens)
	}
}

func TestRecentRequestsCountsAdmissions(t *testing.T) {
	s := New(WithServiceConfig("test", unthrottled(5, 0)))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := s.Execute(ctx, "test", "", func(ctx context.Context) (any, error) {
			return nil, nil
		}, 0)
		require.NoError(t, err)
	}

	assert.Equal(t, 3, s.GetStats("test").RecentRequests)
}

func TestDefaultReturnsSameInstance(t *testing.T) {
	require.Same(t, Default(), Default())
}

func TestContextCancelledWhileQueued(t *testing.T) {
	s := New(WithServiceConfig("test", ServiceConfig{
		MaxRequestsPerMinute: 0,
		MaxConcurrent:        1,
		BurstSize:            0, // nothing is ever admitted
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := s.Execute(ctx, "test", "abandoned", func(ctx context.Context) (any, error) {
		return nil, nil
	}, 0)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRunReturnsTypedValue(t *testing.T) {
	s := New()

	v, err := Run(context.Background(), s, ServiceAllDebrid, "typed", func(ctx context.Context) ([]string, error) {
		return []string{"magnet-a", "magnet-b"}, nil
	}, 0)

	require.NoError(t, err)
	assert.Equal(t, []string{"magnet-a", "magnet-b"}, v)
}
