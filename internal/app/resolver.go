package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Amund211/fetchcache/internal/adapters/cache"
	"github.com/Amund211/fetchcache/internal/domain"
	"github.com/Amund211/fetchcache/internal/logging"
	"github.com/Amund211/fetchcache/internal/reporting"
	"github.com/Amund211/fetchcache/internal/resilience"
	"github.com/Amund211/fetchcache/internal/strutils"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const MaxKeyLength = 256

var ErrResolverClosed = errors.New("resolver closed")

// RawFetch gets the value for a normalized key from the data source.
// It must return when ctx is cancelled.
type RawFetch[V any] func(ctx context.Context, key string) (V, error)

type resolverMetricsCollection struct {
	resolveCount       metric.Int64Counter
	fetchDuration      metric.Float64Histogram
	breakerTransitions metric.Int64Counter
	sweptEntries       metric.Int64Counter
}

func setupResolverMetrics(meter metric.Meter) (resolverMetricsCollection, error) {
	resolveCount, err := meter.Int64Counter("resolver/resolve_count")
	if err != nil {
		return resolverMetricsCollection{}, fmt.Errorf("failed to create resolve count metric: %w", err)
	}

	fetchDuration, err := meter.Float64Histogram(
		"resolver/fetch_duration",
		metric.WithUnit("ms"),
	)
	if err != nil {
		return resolverMetricsCollection{}, fmt.Errorf("failed to create fetch duration metric: %w", err)
	}

	breakerTransitions, err := meter.Int64Counter("resolver/breaker_transitions")
	if err != nil {
		return resolverMetricsCollection{}, fmt.Errorf("failed to create breaker transitions metric: %w", err)
	}

	sweptEntries, err := meter.Int64Counter("resolver/swept_entries")
	if err != nil {
		return resolverMetricsCollection{}, fmt.Errorf("failed to create swept entries metric: %w", err)
	}

	return resolverMetricsCollection{
		resolveCount:       resolveCount,
		fetchDuration:      fetchDuration,
		breakerTransitions: breakerTransitions,
		sweptEntries:       sweptEntries,
	}, nil
}

// One in flight fetch for a subject
type requestToken struct {
	id         string
	cancel     context.CancelCauseFunc
	superseded bool
}

type resolverDeps struct {
	nowFunc      func() time.Time
	guardTimer   resilience.TimerFunc
	backoffTimer resilience.TimerFunc
	randFunc     func(n int64) int64
	logger       *slog.Logger
}

type ResolverOption func(*resolverDeps)

func WithNowFunc(nowFunc func() time.Time) ResolverOption {
	return func(d *resolverDeps) {
		d.nowFunc = nowFunc
	}
}

// WithTimers replaces the timers used for the per attempt fetch timeout and the retry backoff
func WithTimers(guardTimer, backoffTimer resilience.TimerFunc) ResolverOption {
	return func(d *resolverDeps) {
		d.guardTimer = guardTimer
		d.backoffTimer = backoffTimer
	}
}

func WithRandFunc(randFunc func(n int64) int64) ResolverOption {
	return func(d *resolverDeps) {
		d.randFunc = randFunc
	}
}

func WithLogger(logger *slog.Logger) ResolverOption {
	return func(d *resolverDeps) {
		d.logger = logger
	}
}

// Resolver serves values from a ttl/lru store and fetches missing values from the data source
// through a timeout, retries and a circuit breaker. A newer request for a subject supersedes the
// in flight request for that subject.
type Resolver[V any] struct {
	fetch   RawFetch[V]
	store   *cache.TTLLRU[V]
	breaker *resilience.CircuitBreaker
	retry   resilience.RetryPolicy
	timeout time.Duration

	guardTimer resilience.TimerFunc
	nowFunc    func() time.Time
	logger     *slog.Logger

	stats *statistics

	// Guards tokens and closed. Held while committing the result of a fetch.
	mu     sync.Mutex
	tokens map[string]*requestToken
	closed bool

	stopSweeper func()

	metrics resolverMetricsCollection
	tracer  trace.Tracer
}

func NewResolver[V any](name string, fetch RawFetch[V], options ResolverOptions, opts ...ResolverOption) (*Resolver[V], error) {
	err := options.Validate()
	if err != nil {
		return nil, err
	}

	deps := resolverDeps{
		nowFunc:      time.Now,
		guardTimer:   resilience.RealTimer,
		backoffTimer: resilience.RealTimer,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(&deps)
	}

	instrumentationName := fmt.Sprintf("fetchcache/app/resolver/%s", name)
	metrics, err := setupResolverMetrics(otel.Meter(instrumentationName))
	if err != nil {
		return nil, fmt.Errorf("failed to set up metrics: %w", err)
	}

	logger := deps.logger.With(slog.String("resolver", name))

	r := &Resolver[V]{
		fetch:   fetch,
		store:   cache.NewTTLLRU[V](options.MaxSize, options.TTL, deps.nowFunc),
		timeout: options.Timeout,
		retry: resilience.RetryPolicy{
			MaxRetries: options.MaxRetries,
			BaseDelay:  options.BaseDelay,
			MaxJitter:  options.MaxJitter,
			TimerFunc:  deps.backoffTimer,
			RandFunc:   deps.randFunc,
		},

		guardTimer: deps.guardTimer,
		nowFunc:    deps.nowFunc,
		logger:     logger,

		stats:  newStatistics(options.LatencyWindow),
		tokens: make(map[string]*requestToken),

		metrics: metrics,
		tracer:  otel.Tracer(instrumentationName),
	}

	r.retry.OnRetry = func(ctx context.Context, attempt int, delay time.Duration, err error) {
		logging.FromContext(ctx).InfoContext(
			ctx,
			"Retrying fetch",
			slog.Int("attempt", attempt+1),
			slog.Duration("delay", delay),
			slog.String("error", err.Error()),
		)
	}

	r.breaker = resilience.NewCircuitBreaker(
		name,
		options.FailureThreshold,
		options.RecoveryTimeout,
		deps.nowFunc,
		resilience.WithStateChangeHook(r.onBreakerStateChange),
	)

	r.stopSweeper = r.store.StartCleanup(options.CleanupInterval, r.onCleanup)

	return r, nil
}

func (r *Resolver[V]) onBreakerStateChange(name string, from, to resilience.BreakerState) {
	level := slog.LevelInfo
	if to == resilience.BreakerOpen {
		level = slog.LevelWarn
	}
	r.logger.Log(
		context.Background(),
		level,
		"Circuit breaker changed state",
		slog.String("breaker", name),
		slog.String("from", from.String()),
		slog.String("to", to.String()),
	)
	r.metrics.breakerTransitions.Add(
		context.Background(),
		1,
		metric.WithAttributes(
			attribute.String("from", from.String()),
			attribute.String("to", to.String()),
		),
	)
}

func (r *Resolver[V]) onCleanup(removed int) {
	if removed == 0 {
		return
	}
	r.logger.Debug("Removed expired entries", slog.Int("removed", removed))
	r.metrics.sweptEntries.Add(context.Background(), int64(removed))
}

// register makes a new token the active one for subject, superseding the previous token
func (r *Resolver[V]) register(ctx context.Context, subject string) (context.Context, *requestToken, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, nil, ErrResolverClosed
	}

	if previous, ok := r.tokens[subject]; ok {
		previous.superseded = true
		previous.cancel(domain.ErrSuperseded)
		logging.FromContext(ctx).InfoContext(ctx, "Superseding in flight request", slog.String("supersededToken", previous.id))
	}

	fetchCtx, cancel := context.WithCancelCause(ctx)
	token := &requestToken{
		id:     uuid.NewString(),
		cancel: cancel,
	}
	r.tokens[subject] = token

	return fetchCtx, token, nil
}

// release drops token if it is still the active one for subject
func (r *Resolver[V]) release(subject string, token *requestToken) {
	r.mu.Lock()
	defer r.mu.Unlock()

	token.cancel(nil)
	if r.tokens[subject] == token {
		delete(r.tokens, subject)
	}
}

// fetchWithResilience gives every attempt its own timeout, so a slow attempt is retried like any
// other network failure and settles the breaker as soon as it times out.
func (r *Resolver[V]) fetchWithResilience(ctx context.Context, key string) (V, error) {
	return resilience.Retry(ctx, r.retry, func(ctx context.Context) (V, error) {
		return resilience.Call(ctx, r.breaker, func(ctx context.Context) (V, error) {
			return resilience.Guard(ctx, r.timeout, r.guardTimer, func(ctx context.Context) (V, error) {
				return r.fetch(ctx, key)
			})
		})
	})
}

func (r *Resolver[V]) countResolve(ctx context.Context, outcome string) {
	r.metrics.resolveCount.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// Resolve resolves key as its own subject, so it only supersedes requests for the same key.
// Use ResolveFor with a shared subject for latest-request-wins across keys.
func (r *Resolver[V]) Resolve(ctx context.Context, key string) (V, error) {
	return r.ResolveFor(ctx, "", key)
}

// ResolveFor returns the value for key, from the store if possible, otherwise from the data source.
//
// Any in flight request for the same subject is superseded and gets domain.ErrSuperseded.
// An empty subject means the normalized key.
func (r *Resolver[V]) ResolveFor(ctx context.Context, subject string, key string) (V, error) {
	var empty V

	normalized := strutils.NormalizeKey(key)
	if normalized == "" {
		return empty, fmt.Errorf("%w: key must not be empty", domain.ErrValidation)
	}
	if len(normalized) > MaxKeyLength {
		return empty, fmt.Errorf("%w: key must be at most %d bytes", domain.ErrValidation, MaxKeyLength)
	}
	if subject == "" {
		subject = normalized
	}

	ctx = logging.AddMetaToContext(ctx, slog.String("key", key), slog.String("subject", subject))
	ctx = reporting.AddExtrasToContext(ctx, map[string]string{"key": key, "subject": subject})

	ctx, span := r.tracer.Start(ctx, "Resolver.Resolve")
	defer span.End()
	span.SetAttributes(attribute.String("key", normalized))

	fetchCtx, token, err := r.register(ctx, subject)
	if err != nil {
		return empty, err
	}
	defer r.release(subject, token)

	if value, ok := r.store.Get(normalized); ok {
		r.stats.recordHit()
		r.countResolve(ctx, "hit")
		span.SetAttributes(attribute.Bool("cache_hit", true))
		return value, nil
	}

	r.stats.recordMiss()
	span.SetAttributes(attribute.Bool("cache_hit", false))

	start := r.nowFunc()
	value, err := r.fetchWithResilience(fetchCtx, normalized)
	latency := r.nowFunc().Sub(start)

	if dropErr := r.commit(ctx, token, normalized, value, latency, err); dropErr != nil {
		if errors.Is(dropErr, domain.ErrSuperseded) {
			r.countResolve(ctx, "superseded")
			logging.FromContext(ctx).InfoContext(ctx, "Dropping result of superseded request")
		} else {
			r.countResolve(ctx, "abandoned")
		}
		return empty, dropErr
	}

	r.metrics.fetchDuration.Record(ctx, float64(latency.Microseconds())/1000)

	if err != nil {
		kind := domain.Classify(err)
		r.countResolve(ctx, string(kind))
		span.SetStatus(codes.Error, err.Error())

		err = fmt.Errorf("failed to fetch key %q: %w", key, err)
		switch kind {
		case domain.KindTimeout, domain.KindUnknown:
			// The data source reports its own errors
			reporting.Report(ctx, err, map[string]string{"kind": string(kind)})
		default:
			logging.FromContext(ctx).InfoContext(ctx, "Fetch failed", slog.String("kind", string(kind)), slog.String("error", err.Error()))
		}
		return empty, err
	}

	r.countResolve(ctx, "fetched")

	return value, nil
}

// commit stores the result of a finished fetch and records it in the statistics, unless the request
// no longer owns its result. The ownership check and the side effects are atomic with respect to
// register, so a superseded request can never write after the request that replaced it.
func (r *Resolver[V]) commit(ctx context.Context, token *requestToken, key string, value V, latency time.Duration, fetchErr error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch {
	case token.superseded:
		return domain.ErrSuperseded
	case r.closed:
		return ErrResolverClosed
	case ctx.Err() != nil:
		// The caller gave up, nobody is waiting for the result
		return context.Cause(ctx)
	}

	if fetchErr != nil {
		r.stats.recordFetch(latency, true)
		return nil
	}

	r.store.Set(key, value)
	r.stats.recordFetch(latency, false)
	return nil
}

// Invalidate removes key from the store and reports whether it was present
func (r *Resolver[V]) Invalidate(ctx context.Context, key string) bool {
	removed := r.store.Delete(strutils.NormalizeKey(key))
	logging.FromContext(ctx).InfoContext(ctx, "Invalidated key", slog.String("key", key), slog.Bool("removed", removed))
	return removed
}

// Clear empties the store and resets the statistics
func (r *Resolver[V]) Clear(ctx context.Context) {
	r.store.Clear()
	r.stats.reset()
	logging.FromContext(ctx).InfoContext(ctx, "Cleared cache and statistics")
}

func (r *Resolver[V]) Statistics() Statistics {
	storeStats := r.store.Stats()

	stats := Statistics{
		Size:         storeStats.Size,
		MaxSize:      storeStats.MaxSize,
		OldestEntry:  storeStats.OldestEntry,
		NewestEntry:  storeStats.NewestEntry,
		BreakerState: r.breaker.State(),
	}
	r.stats.fill(&stats)

	return stats
}

// Close stops the background sweep and cancels every in flight request.
// Resolving after Close fails with ErrResolverClosed.
func (r *Resolver[V]) Close() {
	r.mu.Lock()
	r.closed = true
	for _, token := range r.tokens {
		token.cancel(ErrResolverClosed)
	}
	r.mu.Unlock()

	r.stopSweeper()
}
