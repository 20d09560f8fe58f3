package router_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/momentics/syncpulse-ws/internal/router"
	"github.com/momentics/syncpulse-ws/provider"
)

type sink struct {
	mu        sync.Mutex
	direct    map[string][]router.Event
	broadcast []router.Event
	gone      map[string]bool
}

func newSink() *sink {
	return &sink{direct: make(map[string][]router.Event), gone: make(map[string]bool)}
}

func (s *sink) SendTo(id string, ev router.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gone[id] {
		return errors.New("client gone")
	}
	s.direct[id] = append(s.direct[id], ev)
	return nil
}

func (s *sink) Broadcast(ev router.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.broadcast = append(s.broadcast, ev)
}

func (s *sink) to(id string) []router.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]router.Event(nil), s.direct[id]...)
}

func (s *sink) broadcasts() []router.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]router.Event(nil), s.broadcast...)
}

type subs struct {
	mu     sync.Mutex
	topics map[string][]string
}

func (s *subs) AddSubscription(id, topic string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.topics == nil {
		s.topics = make(map[string][]string)
	}
	s.topics[id] = append(s.topics[id], topic)
	return true
}

type countingMetrics struct {
	mu        sync.Mutex
	processed map[string]int
	failed    map[string]int
}

func newCountingMetrics() *countingMetrics {
	return &countingMetrics{processed: map[string]int{}, failed: map[string]int{}}
}

func (m *countingMetrics) MessageProcessed(t string) {
	m.mu.Lock()
	m.processed[t]++
	m.mu.Unlock()
}

func (m *countingMetrics) MessageFailed(r string) {
	m.mu.Lock()
	m.failed[r]++
	m.mu.Unlock()
}

type brokenProvider struct{ provider.DataProvider }

func (brokenProvider) DashboardSnapshot(context.Context) (provider.Dashboard, error) {
	return provider.Dashboard{}, errors.New("database unreachable")
}

type fixture struct {
	clock   clockwork.FakeClock
	data    *provider.Memory
	out     *sink
	subs    *subs
	metrics *countingMetrics
	router  *router.Router
}

func newFixture(t *testing.T, mutate func(*router.Config)) *fixture {
	t.Helper()
	clock := clockwork.NewFakeClockAt(time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC))
	data := provider.NewMemory([]provider.Marketplace{
		{Name: "amazon", Products: 10, Orders: 2},
		{Name: "trendyol", Products: 20, Orders: 3},
	}, provider.WithClock(clock), provider.WithSyncDuration(time.Second))
	f := &fixture{clock: clock, data: data, out: newSink(), subs: &subs{}, metrics: newCountingMetrics()}
	cfg := router.Config{
		Provider:   data,
		Subscriber: f.subs,
		Outbound:   f.out,
		Metrics:    f.metrics,
		Clock:      clock,
		Logger:     zaptest.NewLogger(t),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	f.router = router.New(cfg)
	t.Cleanup(func() {
		f.router.Close()
		_ = data.Close()
	})
	return f
}

func (f *fixture) handle(t *testing.T, client, payload string) error {
	t.Helper()
	return f.router.Handle(context.Background(), client, []byte(payload))
}

func TestHandle_Subscribe(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.handle(t, "c1", `{"type":"subscribe","platform":"amazon"}`))

	assert.Equal(t, []string{"amazon"}, f.subs.topics["c1"])
	events := f.out.to("c1")
	require.Len(t, events, 1)
	assert.Equal(t, router.EventSubscriptionConfirmed, events[0].Type)
	assert.Equal(t, "amazon", events[0].Platform)
	assert.Equal(t, f.clock.Now().Unix(), events[0].Timestamp)
}

func TestHandle_SubscribeWithoutPlatform(t *testing.T) {
	f := newFixture(t, nil)
	err := f.handle(t, "c1", `{"type":"subscribe"}`)
	assert.ErrorIs(t, err, router.ErrMissingPlatform)
	assert.Empty(t, f.subs.topics["c1"])

	events := f.out.to("c1")
	require.Len(t, events, 1)
	assert.Equal(t, router.EventError, events[0].Type)
	assert.Equal(t, router.ErrorData{Message: "platform required for subscription", RequestType: "subscribe"}, events[0].Data)
}

func TestHandle_SnapshotRequests(t *testing.T) {
	cases := []struct {
		msgType string
		event   string
	}{
		{router.TypeDashboardRequest, router.EventDashboardUpdate},
		{router.TypePerformanceRequest, router.EventPerformanceMetrics},
		{router.TypeMarketplaceStatus, router.EventMarketplaceStatus},
	}
	for _, tc := range cases {
		t.Run(tc.msgType, func(t *testing.T) {
			f := newFixture(t, nil)
			require.NoError(t, f.handle(t, "c1", `{"type":"`+tc.msgType+`"}`))
			events := f.out.to("c1")
			require.Len(t, events, 1, "exactly one reply")
			assert.Equal(t, tc.event, events[0].Type)
			assert.NotNil(t, events[0].Data)
			assert.Equal(t, 1, f.metrics.processed[tc.msgType])
		})
	}
}

func TestHandle_DashboardReplyWireShape(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.handle(t, "c1", `{"type":"dashboard_request"}`))

	raw, err := json.Marshal(f.out.to("c1")[0])
	require.NoError(t, err)
	var wire map[string]any
	require.NoError(t, json.Unmarshal(raw, &wire))
	assert.Equal(t, "dashboard_update", wire["type"])
	assert.EqualValues(t, f.clock.Now().Unix(), wire["timestamp"])
	data := wire["data"].(map[string]any)
	assert.EqualValues(t, 30, data["active_products"])
	assert.NotContains(t, wire, "platform")
}

func TestHandle_ProviderFailureRepliesWithError(t *testing.T) {
	f := newFixture(t, func(c *router.Config) {
		c.Provider = brokenProvider{c.Provider}
	})
	err := f.handle(t, "c1", `{"type":"dashboard_request"}`)
	assert.Error(t, err)

	events := f.out.to("c1")
	require.Len(t, events, 1)
	assert.Equal(t, router.EventError, events[0].Type)
	assert.Equal(t, "dashboard_request", events[0].Data.(router.ErrorData).RequestType)
	assert.Equal(t, 1, f.metrics.failed[router.ReasonProvider])
}

func TestHandle_InvalidJSONIsDropped(t *testing.T) {
	f := newFixture(t, nil)
	err := f.handle(t, "c1", `{"type":`)
	assert.ErrorIs(t, err, router.ErrInvalidJSON)
	assert.Empty(t, f.out.to("c1"))
	assert.Equal(t, 1, f.metrics.failed[router.ReasonInvalidJSON])
}

func TestHandle_UnknownTypeIsIgnored(t *testing.T) {
	f := newFixture(t, nil)
	err := f.handle(t, "c1", `{"type":"launch_rockets"}`)
	assert.ErrorIs(t, err, router.ErrUnknownType)
	assert.Empty(t, f.out.to("c1"))

	err = f.handle(t, "c1", `{}`)
	assert.ErrorIs(t, err, router.ErrUnknownType)
}

func TestHandle_Heartbeat(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.handle(t, "c1", `{"type":"heartbeat"}`))
	events := f.out.to("c1")
	require.Len(t, events, 1)
	assert.Equal(t, router.EventHeartbeatResponse, events[0].Type)
	assert.Equal(t, router.HeartbeatData{ClientID: "c1", ServerTime: "2025-06-10T12:00:00Z"}, events[0].Data)
}

func TestHandle_ManualSyncBroadcastsCompletion(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.handle(t, "c1", `{"type":"manual_sync","platform":"trendyol"}`))

	events := f.out.to("c1")
	require.Len(t, events, 1)
	assert.Equal(t, router.EventSyncStarted, events[0].Type)
	assert.Equal(t, "trendyol", events[0].Platform)
	assert.NotEmpty(t, events[0].SyncID)
	assert.Empty(t, f.out.broadcasts())

	f.clock.BlockUntil(1)
	f.clock.Advance(time.Second)
	require.Eventually(t, func() bool { return len(f.out.broadcasts()) == 1 }, 2*time.Second, 5*time.Millisecond)

	done := f.out.broadcasts()[0]
	assert.Equal(t, router.EventSyncCompleted, done.Type)
	assert.Equal(t, "trendyol", done.Platform)
	assert.Equal(t, provider.SyncSuccess, done.Status)
	assert.Equal(t, events[0].SyncID, done.SyncID)
	require.NotNil(t, done.RecordsUpdated)
	assert.Equal(t, 23, *done.RecordsUpdated)
}

func TestHandle_ManualSyncDefaultsToAll(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.handle(t, "c1", `{"type":"manual_sync"}`))
	events := f.out.to("c1")
	require.Len(t, events, 1)
	assert.Equal(t, provider.PlatformAll, events[0].Platform)
	assert.Equal(t, []string{"amazon", "trendyol"}, f.data.Running())
}

func TestHandle_ManualSyncAlreadyRunning(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.handle(t, "c1", `{"type":"manual_sync","platform":"amazon"}`))
	err := f.handle(t, "c2", `{"type":"manual_sync","platform":"amazon"}`)
	assert.ErrorIs(t, err, provider.ErrSyncInProgress)

	events := f.out.to("c2")
	require.Len(t, events, 1)
	assert.Equal(t, router.EventError, events[0].Type)
}

func TestHandle_AuthorizerDeniesMutation(t *testing.T) {
	f := newFixture(t, func(c *router.Config) {
		c.Authorizer = router.AuthorizerFunc(func(_ context.Context, _ string, msg router.Message) error {
			if msg.Type == router.TypeManualSync {
				return errors.New("read-only client")
			}
			return nil
		})
	})
	err := f.handle(t, "c1", `{"type":"manual_sync","platform":"amazon"}`)
	assert.ErrorIs(t, err, router.ErrUnauthorized)
	assert.Empty(t, f.data.Running())
	assert.Equal(t, router.EventError, f.out.to("c1")[0].Type)

	require.NoError(t, f.handle(t, "c1", `{"type":"subscribe","platform":"amazon"}`))
}

func TestHandle_RateLimit(t *testing.T) {
	f := newFixture(t, func(c *router.Config) {
		c.RateLimit = 1
		c.RateBurst = 2
	})
	require.NoError(t, f.handle(t, "c1", `{"type":"heartbeat"}`))
	require.NoError(t, f.handle(t, "c1", `{"type":"heartbeat"}`))
	assert.ErrorIs(t, f.handle(t, "c1", `{"type":"heartbeat"}`), router.ErrRateLimited)
	require.NoError(t, f.handle(t, "c2", `{"type":"heartbeat"}`), "limits are per client")

	f.clock.Advance(time.Second)
	assert.NoError(t, f.handle(t, "c1", `{"type":"heartbeat"}`))

	f.router.Forget("c1")
	assert.NoError(t, f.handle(t, "c1", `{"type":"heartbeat"}`))
	assert.NoError(t, f.handle(t, "c1", `{"type":"heartbeat"}`))
}

func TestHandle_ReplyToVanishedClient(t *testing.T) {
	f := newFixture(t, nil)
	f.out.gone["c1"] = true
	err := f.handle(t, "c1", `{"type":"dashboard_request"}`)
	assert.Error(t, err)
	assert.Equal(t, 1, f.metrics.failed[router.ReasonDelivery])
}

func TestWelcomeAndPeriodicUpdate(t *testing.T) {
	f := newFixture(t, nil)
	ev := f.router.Welcome("c9", f.router.WelcomeSnapshot(context.Background()))
	assert.Equal(t, router.EventConnectionEstablished, ev.Type)
	assert.Equal(t, "c9", ev.ClientID)
	assert.Equal(t, 2, ev.DashboardData.(provider.Dashboard).Marketplaces)

	upd, err := f.router.PeriodicUpdate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, router.EventPeriodicUpdate, upd.Type)
	assert.NotNil(t, upd.DashboardData)
	assert.NotNil(t, upd.PerformanceData)
}

func TestEventFrame(t *testing.T) {
	frame, err := router.SubscriptionConfirmed("n11", time.Unix(1700000000, 0)).Frame()
	require.NoError(t, err)
	payload := `{"type":"subscription_confirmed","platform":"n11","timestamp":1700000000}`
	assert.Equal(t, byte(0x81), frame[0])
	assert.Equal(t, byte(len(payload)), frame[1])
	assert.Equal(t, payload, string(frame[2:]))
}

func TestClose_RacesWithManualSync(t *testing.T) {
	f := newFixture(t, nil)

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			platform := "amazon"
			if i%2 == 1 {
				platform = "trendyol"
			}
			_ = f.handle(t, fmt.Sprintf("client-%d", i), `{"type":"manual_sync","platform":"`+platform+`"}`)
		}(i)
	}
	f.router.Close()
	wg.Wait()

	err := f.handle(t, "late", `{"type":"manual_sync","platform":"amazon"}`)
	assert.ErrorIs(t, err, router.ErrClosed)
	f.router.Close()
}
