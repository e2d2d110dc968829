package entropy

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/smartcontractkit/chainlink-common/pkg/logger"
)

var promCacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "observer",
	Subsystem: "entropy",
	Name:      "cache_lookups_total",
	Help:      "Entropy cache lookups by result (hit, miss, degraded)",
},
	[]string{"result"},
)

var _ Source = (*CachedSource)(nil)

type CachedSourceOpts struct {
	Logger logger.Logger
	Source Source
	Store  Store
	// ScopeFunc maps an epoch height to the cache scope key. Defaults to the
	// decimal height, i.e. one value per epoch.
	ScopeFunc func(height uint64) string
}

// CachedSource returns the same value for every call within one scope, even
// across restarts, while each new scope gets a freshly generated value.
//
// Persistence failures never fail a call: they are logged and the lookup is
// treated as a miss. The last generated value is also remembered in memory so
// that a broken store still gives a stable value within the process.
type CachedSource struct {
	lggr  logger.Logger
	inner Source
	store Store
	scope func(uint64) string

	mu    sync.Mutex
	locks map[string]*scopeLock

	memMu    sync.Mutex
	memScope string
	memValue Value
}

// scopeLock is a one-slot channel rather than a mutex so that waiters can
// give up when their ctx is done.
type scopeLock struct {
	ch   chan struct{}
	refs int
}

func NewCachedSource(opts CachedSourceOpts) (*CachedSource, error) {
	if opts.Logger == nil {
		return nil, fmt.Errorf("logger is required for cached entropy source")
	}
	if opts.Source == nil {
		return nil, fmt.Errorf("inner source is required for cached entropy source")
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("store is required for cached entropy source")
	}
	scope := opts.ScopeFunc
	if scope == nil {
		scope = func(h uint64) string { return strconv.FormatUint(h, 10) }
	}
	return &CachedSource{
		lggr:  logger.Named(opts.Logger, "CachedEntropySource"),
		inner: opts.Source,
		store: opts.Store,
		scope: scope,
		locks: make(map[string]*scopeLock),
	}, nil
}

func (s *CachedSource) Entropy(ctx context.Context, height uint64) (Value, error) {
	scope := s.scope(height)
	// Serialize per scope so concurrent first calls don't each generate
	// their own "fresh" value.
	unlock, err := s.lock(ctx, scope)
	if err != nil {
		return nil, fmt.Errorf("waiting for entropy scope %s: %w", scope, err)
	}
	defer unlock()

	v, ok, err := s.store.Load(ctx, scope)
	switch {
	case err != nil:
		promCacheLookups.WithLabelValues("degraded").Inc()
		s.lggr.Warnw("Failed to load cached entropy, treating as miss", "scope", scope, "err", fmt.Errorf("%w: %w", ErrCacheDegraded, err))
		if mv, ok := s.fromMemory(scope); ok {
			return mv, nil
		}
	case ok:
		promCacheLookups.WithLabelValues("hit").Inc()
		s.remember(scope, v)
		return v.clone(), nil
	default:
		promCacheLookups.WithLabelValues("miss").Inc()
		// The store may have been wiped or replaced; memory still wins so
		// the value does not change underneath a running cycle.
		if mv, ok := s.fromMemory(scope); ok {
			s.persist(ctx, scope, mv)
			return mv, nil
		}
	}

	v, err = s.inner.Entropy(ctx, height)
	if err != nil {
		return nil, err
	}
	s.persist(ctx, scope, v)
	s.remember(scope, v)
	return v.clone(), nil
}

func (s *CachedSource) persist(ctx context.Context, scope string, v Value) {
	if err := s.store.Store(ctx, scope, v); err != nil {
		promCacheLookups.WithLabelValues("degraded").Inc()
		s.lggr.Warnw("Failed to persist entropy", "scope", scope, "err", fmt.Errorf("%w: %w", ErrCacheDegraded, err))
	}
}

func (s *CachedSource) fromMemory(scope string) (Value, bool) {
	s.memMu.Lock()
	defer s.memMu.Unlock()
	if s.memValue == nil || s.memScope != scope {
		return nil, false
	}
	return s.memValue.clone(), true
}

func (s *CachedSource) remember(scope string, v Value) {
	s.memMu.Lock()
	defer s.memMu.Unlock()
	s.memScope = scope
	s.memValue = v.clone()
}

func (s *CachedSource) lock(ctx context.Context, scope string) (unlock func(), err error) {
	s.mu.Lock()
	l, ok := s.locks[scope]
	if !ok {
		l = &scopeLock{ch: make(chan struct{}, 1)}
		s.locks[scope] = l
	}
	l.refs++
	s.mu.Unlock()

	release := func() {
		s.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(s.locks, scope)
		}
		s.mu.Unlock()
	}
	select {
	case l.ch <- struct{}{}:
	case <-ctx.Done():
		release()
		return nil, ctx.Err()
	}
	return func() {
		<-l.ch
		release()
	}, nil
}
