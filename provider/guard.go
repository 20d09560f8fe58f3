// File: provider/guard.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package provider

import (
	"context"
	"errors"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/circuitbreaker"
	"go.uber.org/zap"
)

// ErrUnavailable is returned while the guard's circuit is open.
var ErrUnavailable = errors.New("provider: temporarily unavailable")

// Call names reported to an Observer.
const (
	CallDashboard   = "dashboard"
	CallPerformance = "performance"
	CallMarketplace = "marketplace_status"
	CallStartSync   = "start_sync"
)

const (
	DefaultFailureThreshold = 5
	DefaultOpenDelay        = 30 * time.Second
)

// Observer receives the latency and outcome of every guarded call.
type Observer func(call string, elapsed time.Duration, err error)

// GuardConfig tunes a Guard.
type GuardConfig struct {
	FailureThreshold uint          // consecutive failures that open the circuit
	OpenDelay        time.Duration // time spent open before a trial call
	Logger           *zap.Logger
	Observer         Observer
}

// Guard wraps a DataProvider with a circuit breaker. Caller mistakes such as
// an unknown platform or a sync already running do not count as failures.
type Guard struct {
	next     DataProvider
	breaker  circuitbreaker.CircuitBreaker[any]
	executor failsafe.Executor[any]
	observe  Observer
	log      *zap.Logger
}

var _ DataProvider = (*Guard)(nil)

// NewGuard wraps next.
func NewGuard(next DataProvider, cfg GuardConfig) *Guard {
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = DefaultFailureThreshold
	}
	if cfg.OpenDelay <= 0 {
		cfg.OpenDelay = DefaultOpenDelay
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	g := &Guard{next: next, observe: cfg.Observer, log: cfg.Logger}
	g.breaker = circuitbreaker.NewBuilder[any]().
		HandleIf(func(_ any, err error) bool { return countsAsFailure(err) }).
		WithFailureThreshold(cfg.FailureThreshold).
		WithDelay(cfg.OpenDelay).
		OnStateChanged(func(e circuitbreaker.StateChangedEvent) {
			g.log.Warn("provider circuit state changed",
				zap.String("from", e.OldState.String()),
				zap.String("to", e.NewState.String()))
		}).
		Build()
	g.executor = failsafe.With[any](g.breaker)
	return g
}

// Open reports whether calls are currently being rejected.
func (g *Guard) Open() bool {
	return g.breaker.IsOpen()
}

func countsAsFailure(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, context.Canceled),
		errors.Is(err, ErrUnknownPlatform),
		errors.Is(err, ErrSyncInProgress),
		errors.Is(err, ErrSyncQueueFull),
		errors.Is(err, ErrClosed):
		return false
	}
	return true
}

func (g *Guard) call(ctx context.Context, name string, fn func(context.Context) (any, error)) (any, error) {
	start := time.Now()
	v, err := g.executor.WithContext(ctx).Get(func() (any, error) {
		return fn(ctx)
	})
	if errors.Is(err, circuitbreaker.ErrOpen) {
		err = ErrUnavailable
	}
	if g.observe != nil {
		g.observe(name, time.Since(start), err)
	}
	return v, err
}

func (g *Guard) DashboardSnapshot(ctx context.Context) (Dashboard, error) {
	v, err := g.call(ctx, CallDashboard, func(ctx context.Context) (any, error) {
		return g.next.DashboardSnapshot(ctx)
	})
	if err != nil {
		return Dashboard{}, err
	}
	return v.(Dashboard), nil
}

func (g *Guard) PerformanceSnapshot(ctx context.Context) (Performance, error) {
	v, err := g.call(ctx, CallPerformance, func(ctx context.Context) (any, error) {
		return g.next.PerformanceSnapshot(ctx)
	})
	if err != nil {
		return Performance{}, err
	}
	return v.(Performance), nil
}

func (g *Guard) MarketplaceStatus(ctx context.Context) (MarketplaceStatus, error) {
	v, err := g.call(ctx, CallMarketplace, func(ctx context.Context) (any, error) {
		return g.next.MarketplaceStatus(ctx)
	})
	if err != nil {
		return MarketplaceStatus{}, err
	}
	return v.(MarketplaceStatus), nil
}

func (g *Guard) StartSync(ctx context.Context, platform string) (*SyncJob, error) {
	v, err := g.call(ctx, CallStartSync, func(ctx context.Context) (any, error) {
		return g.next.StartSync(ctx, platform)
	})
	if err != nil {
		return nil, err
	}
	return v.(*SyncJob), nil
}
