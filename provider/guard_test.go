package provider_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/momentics/syncpulse-ws/provider"
)

type flakyProvider struct {
	mu    sync.Mutex
	err   error
	calls int
}

func (f *flakyProvider) result() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.err
}

func (f *flakyProvider) DashboardSnapshot(context.Context) (provider.Dashboard, error) {
	if err := f.result(); err != nil {
		return provider.Dashboard{}, err
	}
	return provider.Dashboard{Marketplaces: 7}, nil
}

func (f *flakyProvider) PerformanceSnapshot(context.Context) (provider.Performance, error) {
	return provider.Performance{}, f.result()
}

func (f *flakyProvider) MarketplaceStatus(context.Context) (provider.MarketplaceStatus, error) {
	return provider.MarketplaceStatus{}, f.result()
}

func (f *flakyProvider) StartSync(_ context.Context, platform string) (*provider.SyncJob, error) {
	if err := f.result(); err != nil {
		return nil, err
	}
	return &provider.SyncJob{ID: "job-1", Platform: platform}, nil
}

func TestGuard_PassesThrough(t *testing.T) {
	var observed []string
	g := provider.NewGuard(&flakyProvider{}, provider.GuardConfig{
		Logger:   zaptest.NewLogger(t),
		Observer: func(call string, _ time.Duration, _ error) { observed = append(observed, call) },
	})

	d, err := g.DashboardSnapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 7, d.Marketplaces)

	job, err := g.StartSync(context.Background(), "amazon")
	require.NoError(t, err)
	assert.Equal(t, "amazon", job.Platform)
	assert.Equal(t, []string{provider.CallDashboard, provider.CallStartSync}, observed)
}

func TestGuard_OpensAfterConsecutiveFailures(t *testing.T) {
	backend := &flakyProvider{err: errors.New("backend down")}
	g := provider.NewGuard(backend, provider.GuardConfig{
		FailureThreshold: 3,
		OpenDelay:        time.Minute,
		Logger:           zaptest.NewLogger(t),
	})

	for i := 0; i < 3; i++ {
		_, err := g.DashboardSnapshot(context.Background())
		assert.EqualError(t, err, "backend down")
	}
	assert.True(t, g.Open())

	_, err := g.PerformanceSnapshot(context.Background())
	assert.ErrorIs(t, err, provider.ErrUnavailable)
	assert.Equal(t, 3, backend.calls, "open circuit does not reach the backend")
}

func TestGuard_CallerErrorsDoNotTrip(t *testing.T) {
	backend := &flakyProvider{err: provider.ErrUnknownPlatform}
	g := provider.NewGuard(backend, provider.GuardConfig{FailureThreshold: 2, Logger: zaptest.NewLogger(t)})

	for i := 0; i < 5; i++ {
		_, err := g.StartSync(context.Background(), "ebay")
		assert.ErrorIs(t, err, provider.ErrUnknownPlatform)
	}
	assert.False(t, g.Open())
}
