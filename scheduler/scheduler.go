// Package scheduler routes every outbound call to a rate-limited debrid
// provider through a per-service token bucket, concurrency gate and priority
// queue, with automatic retry of transient failures.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/lkozma/debridgate/observability"
	"github.com/lkozma/debridgate/timeline"
)

// ErrServiceReset settles work that was still queued when Reset was called.
var ErrServiceReset = errors.New("scheduler: service reset while request was queued")

// CallFunc is the unit of work submitted to the scheduler. It performs the
// actual provider call; the context is the submitting caller's.
type CallFunc func(ctx context.Context) (any, error)

type result struct {
	value any
	err   error
}

// workItem is created and exclusively owned by the scheduler for the item's
// lifetime. It is settled exactly once through done; the channel is buffered
// so settlement never blocks, even if the caller already gave up.
type workItem struct {
	id         string
	service    string
	priority   int
	attempt    int // invocations completed so far
	seq        uint64
	enqueuedAt time.Time
	ctx        context.Context
	fn         CallFunc
	done       chan result
}

func (it *workItem) settle(v any, err error) {
	it.done <- result{value: v, err: err}
}

// serviceState bundles everything tracked for one provider. It is owned and
// mutated only by the Scheduler, under its lock, and lives for the process
// lifetime.
type serviceState struct {
	config  ServiceConfig
	limiter *rate.Limiter
	queue   requestQueue
	active  int
	recent  []time.Time

	// refillTimer is the pending wake-up for the next token, if any. At most
	// one is outstanding per service.
	refillTimer *time.Timer
}

func newServiceState(cfg ServiceConfig) *serviceState {
	return &serviceState{
		config:  cfg,
		limiter: newBucket(cfg),
	}
}

// Scheduler is the per-service request scheduler. Construct one with New and
// inject it into the API clients, or share the process-wide instance from
// Default.
type Scheduler struct {
	mu       sync.Mutex
	services map[string]*serviceState
	seq      atomic.Uint64
	log      *zap.Logger
	events   *timeline.Store
}

// Option configures a Scheduler at construction.
type Option func(*Scheduler)

// WithLogger attaches a zap logger for scheduling decisions.
func WithLogger(l *zap.Logger) Option {
	return func(s *Scheduler) { s.log = l }
}

// WithTimeline shares an existing request event log instead of the
// scheduler's own.
func WithTimeline(t *timeline.Store) Option {
	return func(s *Scheduler) { s.events = t }
}

// WithServiceConfig overrides the built-in defaults for one service.
func WithServiceConfig(service string, cfg ServiceConfig) Option {
	return func(s *Scheduler) { s.services[service] = newServiceState(cfg) }
}

// New creates a Scheduler with state pre-registered for every known provider.
func New(opts ...Option) *Scheduler {
	s := &Scheduler{
		services: make(map[string]*serviceState),
		log:      zap.NewNop(),
		events:   timeline.NewStore(0),
	}
	for _, svc := range KnownServices() {
		s.services[svc] = newServiceState(DefaultConfig(svc))
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var (
	defaultOnce  sync.Once
	defaultSched *Scheduler
)

// Default returns the process-wide scheduler shared by all callers,
// constructing it on first use. Prefer New plus explicit injection where
// practical; Default exists so independent sync jobs still share one set of
// per-provider buckets.
func Default() *Scheduler {
	defaultOnce.Do(func() { defaultSched = New() })
	return defaultSched
}

// Timeline returns the scheduler's request event log.
func (s *Scheduler) Timeline() *timeline.Store {
	return s.events
}

// state returns the bundle for service, creating it with defaults on first
// reference. Caller must hold s.mu.
func (s *Scheduler) state(service string) *serviceState {
	st, ok := s.services[service]
	if !ok {
		st = newServiceState(DefaultConfig(service))
		s.services[service] = st
	}
	return st
}

// Execute runs fn under the named service's limits at the given priority
// (higher runs sooner, default 0). It blocks until the call settles or ctx
// is done. Transient failures (HTTP 429/5xx) are retried with exponential
// backoff and jitter up to the service's RetryAttempts; terminal errors
// propagate unchanged.
func (s *Scheduler) Execute(ctx context.Context, service, id string, fn CallFunc, priority int) (any, error) {
	if id == "" {
		id = uuid.NewString()
	}
	it := &workItem{
		id:         id,
		service:    service,
		priority:   priority,
		seq:        s.seq.Add(1),
		enqueuedAt: time.Now(),
		ctx:        ctx,
		fn:         fn,
		done:       make(chan result, 1),
	}

	s.mu.Lock()
	st := s.state(service)
	st.queue.push(it)
	observability.QueueDepth.WithLabelValues(service).Set(float64(st.queue.Len()))
	s.mu.Unlock()

	s.events.Record(timeline.Event{
		RequestID: id,
		Service:   service,
		Stage:     timeline.StageQueued,
		Priority:  priority,
	})
	s.log.Debug("request queued",
		zap.String("service", service),
		zap.String("request_id", id),
		zap.Int("priority", priority))

	s.drain(service)

	select {
	case r := <-it.done:
		return r.value, r.err
	case <-ctx.Done():
		// The item keeps its queue slot; if it is admitted later the wrapped
		// call sees the cancelled context and fails fast. done is buffered,
		// so the eventual settlement is never lost.
		return nil, ctx.Err()
	}
}

// Run is a typed wrapper around Execute.
func Run[T any](ctx context.Context, s *Scheduler, service, id string, fn func(ctx context.Context) (T, error), priority int) (T, error) {
	v, err := s.Execute(ctx, service, id, func(ctx context.Context) (any, error) {
		return fn(ctx)
	}, priority)
	if err != nil {
		var zero T
		return zero, err
	}
	t, _ := v.(T)
	return t, nil
}

// drain admits queued work while a token and a concurrency slot are both
// available. It runs on enqueue, on settlement, when a retry delay elapses
// and when the refill timer fires. Admitted work executes on its own
// goroutine; the loop never waits for it.
func (s *Scheduler) drain(service string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.state(service)

	for st.queue.Len() > 0 {
		if st.active >= st.config.MaxConcurrent {
			return // a completion will re-run the loop
		}
		if !st.limiter.Allow() {
			s.scheduleRefillWake(service, st)
			return
		}

		it := st.queue.pop()
		st.active++
		now := time.Now()
		st.recent = append(st.recent, now)
		pruneRecent(st, now)

		observability.QueueDepth.WithLabelValues(service).Set(float64(st.queue.Len()))
		observability.ActiveRequests.WithLabelValues(service).Set(float64(st.active))
		observability.AdmissionsTotal.WithLabelValues(service).Inc()
		observability.Decisions.WithLabelValues(service, "dispatch").Inc()
		observability.QueueWait.WithLabelValues(service).Observe(now.Sub(it.enqueuedAt).Seconds())

		s.events.Record(timeline.Event{
			RequestID: it.id,
			Service:   service,
			Stage:     timeline.StageDispatched,
			Priority:  it.priority,
			Attempt:   it.attempt + 1,
		})

		go s.run(it)
	}
}

// scheduleRefillWake arms a one-shot timer for the moment the bucket next
// holds a full token. Caller must hold s.mu.
func (s *Scheduler) scheduleRefillWake(service string, st *serviceState) {
	if st.refillTimer != nil {
		return
	}
	d, ok := nextTokenDelay(st.limiter)
	if !ok {
		// Bucket never refills (zero rate). Queued work can still drain if
		// a config update or reset restores capacity.
		return
	}
	st.refillTimer = time.AfterFunc(d, func() {
		s.mu.Lock()
		s.state(service).refillTimer = nil
		s.mu.Unlock()
		s.drain(service)
	})
}

func (s *Scheduler) run(it *workItem) {
	start := time.Now()
	v, err := it.fn(it.ctx)
	s.complete(it, v, err, time.Since(start))
}

// complete releases the concurrency slot, then settles the item or schedules
// a retry, and finally re-runs the drain loop.
func (s *Scheduler) complete(it *workItem, v any, err error, took time.Duration) {
	s.mu.Lock()
	st := s.state(it.service)
	st.active--
	cfg := st.config
	observability.ActiveRequests.WithLabelValues(it.service).Set(float64(st.active))
	s.mu.Unlock()

	it.attempt++

	switch {
	case err == nil:
		observability.RequestDuration.WithLabelValues(it.service, "success").Observe(took.Seconds())
		s.events.Record(timeline.Event{
			RequestID: it.id,
			Service:   it.service,
			Stage:     timeline.StageCompleted,
			Attempt:   it.attempt,
		})
		it.settle(v, nil)

	case IsRetryable(err) && it.attempt <= cfg.RetryAttempts:
		delay := retryDelay(it.attempt, cfg, retryAfterValue(err))
		observability.RequestDuration.WithLabelValues(it.service, "error").Observe(took.Seconds())
		observability.RetriesTotal.WithLabelValues(it.service).Inc()
		observability.Decisions.WithLabelValues(it.service, "retry").Inc()
		s.events.Record(timeline.Event{
			RequestID: it.id,
			Service:   it.service,
			Stage:     timeline.StageRetry,
			Attempt:   it.attempt,
			Detail:    err.Error(),
		})
		s.log.Warn("transient failure, retrying",
			zap.String("service", it.service),
			zap.String("request_id", it.id),
			zap.Int("attempt", it.attempt),
			zap.Duration("delay", delay),
			zap.Error(err))
		time.AfterFunc(delay, func() { s.requeue(it) })

	default:
		observability.RequestDuration.WithLabelValues(it.service, "error").Observe(took.Seconds())
		observability.Decisions.WithLabelValues(it.service, "reject").Inc()
		s.events.Record(timeline.Event{
			RequestID: it.id,
			Service:   it.service,
			Stage:     timeline.StageFailed,
			Attempt:   it.attempt,
			Detail:    err.Error(),
		})
		s.log.Warn("request failed",
			zap.String("service", it.service),
			zap.String("request_id", it.id),
			zap.Int("attempt", it.attempt),
			zap.Error(err))
		it.settle(nil, err)
	}

	s.drain(it.service)
}

// requeue returns a retry-waiting item to the queue once its backoff has
// elapsed. The item keeps its priority but takes a fresh sequence number, so
// it queues behind peers of the same priority.
func (s *Scheduler) requeue(it *workItem) {
	s.mu.Lock()
	st := s.state(it.service)
	it.seq = s.seq.Add(1)
	it.enqueuedAt = time.Now()
	st.queue.push(it)
	observability.QueueDepth.WithLabelValues(it.service).Set(float64(st.queue.Len()))
	s.mu.Unlock()
	s.drain(it.service)
}

// RegisterService creates or retunes a service with an explicit config. An
// existing service keeps its queued and active work; its bucket is rebuilt
// full at the new capacity.
func (s *Scheduler) RegisterService(service string, cfg ServiceConfig) {
	s.mu.Lock()
	st, ok := s.services[service]
	if !ok {
		s.services[service] = newServiceState(cfg)
		s.mu.Unlock()
		return
	}
	st.config = cfg
	st.limiter = newBucket(cfg)
	s.mu.Unlock()
	s.drain(service)
}

// UpdateConfig merges a partial config into the service's config. It affects
// future admissions immediately and never disturbs in-flight work. Patches
// carrying negative values are rejected without touching the config.
func (s *Scheduler) UpdateConfig(service string, patch ConfigPatch) error {
	if err := patch.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	st := s.state(service)
	patch.apply(&st.config)
	st.limiter.SetLimit(perMinute(st.config.MaxRequestsPerMinute))
	st.limiter.SetBurst(st.config.BurstSize)
	cfg := st.config
	s.mu.Unlock()

	s.log.Info("service config updated",
		zap.String("service", service),
		zap.Float64("max_requests_per_minute", cfg.MaxRequestsPerMinute),
		zap.Int("max_concurrent", cfg.MaxConcurrent),
		zap.Int("burst_size", cfg.BurstSize))

	s.drain(service)
	return nil
}

// Config returns a copy of the service's current config.
func (s *Scheduler) Config(service string) ServiceConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state(service).config
}

// Reset rejects all queued (not yet executing) work with ErrServiceReset,
// clears the admission log and refills the bucket to its burst capacity.
// In-flight calls and retry-waiting items are not affected.
func (s *Scheduler) Reset(service string) {
	s.mu.Lock()
	st := s.state(service)
	dropped := st.queue
	st.queue = nil
	st.recent = nil
	st.limiter = newBucket(st.config)
	if st.refillTimer != nil {
		st.refillTimer.Stop()
		st.refillTimer = nil
	}
	observability.QueueDepth.WithLabelValues(service).Set(0)
	s.mu.Unlock()

	for _, it := range dropped {
		s.events.Record(timeline.Event{
			RequestID: it.id,
			Service:   service,
			Stage:     timeline.StageReset,
			Attempt:   it.attempt,
		})
		it.settle(nil, ErrServiceReset)
	}
	observability.Decisions.WithLabelValues(service, "reset").Inc()
	s.log.Info("service reset",
		zap.String("service", service),
		zap.Int("dropped", len(dropped)))
}

// GetStats snapshots one service, lazily initializing default state for an
// unseen name.
func (s *Scheduler) GetStats(service string) Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statsLocked(s.state(service))
}

// AllStats snapshots every known service.
func (s *Scheduler) AllStats() map[string]Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]Stats, len(s.services))
	for name, st := range s.services {
		out[name] = s.statsLocked(st)
	}
	return out
}

func (s *Scheduler) statsLocked(st *serviceState) Stats {
	now := time.Now()
	pruneRecent(st, now)
	tokens := st.limiter.TokensAt(now)
	if tokens < 0 {
		tokens = 0
	}
	if b := float64(st.config.BurstSize); tokens > b {
		tokens = b
	}
	return Stats{
		QueueLength:    st.queue.Len(),
		ActiveRequests: st.active,
		Tokens:         tokens,
		RecentRequests: len(st.recent),
	}
}

// pruneRecent drops admission timestamps older than the reporting window.
// Caller must hold s.mu.
func pruneRecent(st *serviceState, now time.Time) {
	cutoff := now.Add(-recentWindow)
	i := 0
	for i < len(st.recent) && !st.recent[i].After(cutoff) {
		i++
	}
	if i > 0 {
		st.recent = append(st.recent[:0], st.recent[i:]...)
	}
}
