// File: internal/router/router.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/momentics/syncpulse-ws/provider"
)

var (
	ErrInvalidJSON     = errors.New("router: invalid json")
	ErrUnknownType     = errors.New("router: unknown message type")
	ErrUnauthorized    = errors.New("router: unauthorized")
	ErrRateLimited     = errors.New("router: rate limited")
	ErrMissingPlatform = errors.New("router: platform required for subscription")
	ErrClosed          = errors.New("router: closed")
)

// Error reasons reported to Metrics.MessageFailed.
const (
	ReasonInvalidJSON  = "invalid_json"
	ReasonUnknownType  = "unknown_type"
	ReasonUnauthorized = "unauthorized"
	ReasonRateLimited  = "rate_limited"
	ReasonBadRequest   = "bad_request"
	ReasonProvider     = "provider"
	ReasonDelivery     = "delivery"
)

// Outbound delivers events produced by the router.
type Outbound interface {
	// SendTo queues ev for one client.
	SendTo(clientID string, ev Event) error
	// Broadcast queues ev for every registered client.
	Broadcast(ev Event)
}

// Subscriber records topic subscriptions.
type Subscriber interface {
	AddSubscription(clientID, topic string) bool
}

// Authorizer decides whether a client may issue a state-changing message.
type Authorizer interface {
	Authorize(ctx context.Context, clientID string, msg Message) error
}

// AuthorizerFunc adapts a function to Authorizer.
type AuthorizerFunc func(ctx context.Context, clientID string, msg Message) error

func (f AuthorizerFunc) Authorize(ctx context.Context, clientID string, msg Message) error {
	return f(ctx, clientID, msg)
}

// AllowAll permits every message.
var AllowAll Authorizer = AuthorizerFunc(func(context.Context, string, Message) error { return nil })

// Metrics receives routing outcomes.
type Metrics interface {
	MessageProcessed(msgType string)
	MessageFailed(reason string)
}

type nopMetrics struct{}

func (nopMetrics) MessageProcessed(string) {}
func (nopMetrics) MessageFailed(string)    {}

// Config wires a Router.
type Config struct {
	Provider   provider.DataProvider
	Subscriber Subscriber
	Outbound   Outbound
	Authorizer Authorizer
	Metrics    Metrics
	Clock      clockwork.Clock
	Logger     *zap.Logger

	// RateLimit is the sustained messages per second allowed per client.
	// Zero disables limiting.
	RateLimit float64
	RateBurst int
	// CallTimeout bounds each provider call. Zero means no bound.
	CallTimeout time.Duration
}

// Router dispatches control messages. Handle is safe for concurrent use
// across clients; messages of one client must be handled sequentially by
// the caller to keep their order.
type Router struct {
	data    provider.DataProvider
	subs    Subscriber
	out     Outbound
	auth    Authorizer
	metrics Metrics
	clock   clockwork.Clock
	log     *zap.Logger
	timeout time.Duration

	limit rate.Limit
	burst int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	closed   bool

	syncs   sync.WaitGroup
	closing chan struct{}
	once    sync.Once
}

// New builds a Router. Provider, Subscriber and Outbound are required.
func New(cfg Config) *Router {
	if cfg.Authorizer == nil {
		cfg.Authorizer = AllowAll
	}
	if cfg.Metrics == nil {
		cfg.Metrics = nopMetrics{}
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	r := &Router{
		data:     cfg.Provider,
		subs:     cfg.Subscriber,
		out:      cfg.Outbound,
		auth:     cfg.Authorizer,
		metrics:  cfg.Metrics,
		clock:    cfg.Clock,
		log:      cfg.Logger,
		timeout:  cfg.CallTimeout,
		limit:    rate.Inf,
		limiters: make(map[string]*rate.Limiter),
		closing:  make(chan struct{}),
	}
	if cfg.RateLimit > 0 {
		r.limit = rate.Limit(cfg.RateLimit)
		r.burst = cfg.RateBurst
		if r.burst <= 0 {
			r.burst = int(cfg.RateLimit) + 1
		}
	}
	return r
}

// Handle decodes payload and runs the matching handler. The returned error
// is informational: the connection stays open whatever it is.
func (r *Router) Handle(ctx context.Context, clientID string, payload []byte) error {
	var msg Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		r.metrics.MessageFailed(ReasonInvalidJSON)
		r.log.Warn("dropping invalid json", zap.String("client", clientID), zap.Error(err))
		return fmt.Errorf("%w: %v", ErrInvalidJSON, err)
	}

	if !r.allow(clientID) {
		r.metrics.MessageFailed(ReasonRateLimited)
		r.log.Warn("client rate limited", zap.String("client", clientID), zap.String("type", msg.Type))
		r.replyError(clientID, msg.Type, "rate limit exceeded")
		return ErrRateLimited
	}

	var err error
	switch msg.Type {
	case TypeSubscribe:
		err = r.subscribe(ctx, clientID, msg)
	case TypeDashboardRequest:
		err = r.dashboard(ctx, clientID, msg)
	case TypeManualSync:
		err = r.manualSync(ctx, clientID, msg)
	case TypePerformanceRequest:
		err = r.performance(ctx, clientID, msg)
	case TypeMarketplaceStatus:
		err = r.marketplaces(ctx, clientID, msg)
	case TypeHeartbeat:
		err = r.deliver(clientID, HeartbeatResponse(clientID, r.clock.Now()))
	default:
		r.metrics.MessageFailed(ReasonUnknownType)
		r.log.Warn("ignoring unknown message type", zap.String("client", clientID), zap.String("type", msg.Type))
		return fmt.Errorf("%w: %q", ErrUnknownType, msg.Type)
	}
	if err == nil {
		r.metrics.MessageProcessed(msg.Type)
	}
	return err
}

func (r *Router) subscribe(ctx context.Context, clientID string, msg Message) error {
	if msg.Platform == "" {
		r.metrics.MessageFailed(ReasonBadRequest)
		r.replyError(clientID, msg.Type, "platform required for subscription")
		return ErrMissingPlatform
	}
	if err := r.authorize(ctx, clientID, msg); err != nil {
		return err
	}
	if !r.subs.AddSubscription(clientID, msg.Platform) {
		return fmt.Errorf("subscribe %s: client gone", clientID)
	}
	r.log.Debug("client subscribed", zap.String("client", clientID), zap.String("platform", msg.Platform))
	return r.deliver(clientID, SubscriptionConfirmed(msg.Platform, r.clock.Now()))
}

func (r *Router) dashboard(ctx context.Context, clientID string, msg Message) error {
	ctx, cancel := r.callContext(ctx)
	defer cancel()
	d, err := r.data.DashboardSnapshot(ctx)
	if err != nil {
		return r.providerFailed(clientID, msg, err)
	}
	return r.deliver(clientID, Reply(EventDashboardUpdate, d, r.clock.Now()))
}

func (r *Router) performance(ctx context.Context, clientID string, msg Message) error {
	ctx, cancel := r.callContext(ctx)
	defer cancel()
	p, err := r.data.PerformanceSnapshot(ctx)
	if err != nil {
		return r.providerFailed(clientID, msg, err)
	}
	return r.deliver(clientID, Reply(EventPerformanceMetrics, p, r.clock.Now()))
}

func (r *Router) marketplaces(ctx context.Context, clientID string, msg Message) error {
	ctx, cancel := r.callContext(ctx)
	defer cancel()
	s, err := r.data.MarketplaceStatus(ctx)
	if err != nil {
		return r.providerFailed(clientID, msg, err)
	}
	return r.deliver(clientID, Reply(EventMarketplaceStatus, s, r.clock.Now()))
}

func (r *Router) manualSync(ctx context.Context, clientID string, msg Message) error {
	if msg.Platform == "" {
		msg.Platform = provider.PlatformAll
	}
	if err := r.authorize(ctx, clientID, msg); err != nil {
		return err
	}
	select {
	case <-r.closing:
		r.replyError(clientID, msg.Type, "server shutting down")
		return ErrClosed
	default:
	}

	cctx, cancel := r.callContext(ctx)
	job, err := r.data.StartSync(cctx, msg.Platform)
	cancel()
	if err != nil {
		return r.providerFailed(clientID, msg, err)
	}
	r.log.Info("manual sync started",
		zap.String("client", clientID),
		zap.String("platform", msg.Platform),
		zap.String("sync_id", job.ID))

	// sync_started must be queued before the watcher can broadcast completion.
	err = r.deliver(clientID, SyncStarted(job, r.clock.Now()))

	if r.watch() {
		go r.awaitSync(job)
	}
	return err
}

// watch reserves a sync watcher slot. It reports false once Close has begun.
func (r *Router) watch() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false
	}
	r.syncs.Add(1)
	return true
}

func (r *Router) awaitSync(job *provider.SyncJob) {
	defer r.syncs.Done()
	select {
	case res := <-job.Done:
		if res.Status == provider.SyncCancelled {
			r.log.Debug("sync cancelled", zap.String("sync_id", job.ID))
			return
		}
		if res.Platform == "" {
			res.Platform = job.Platform
		}
		if res.Err != nil {
			r.log.Error("sync failed", zap.String("sync_id", job.ID), zap.Error(res.Err))
		}
		r.out.Broadcast(SyncCompleted(res, r.clock.Now()))
	case <-r.closing:
	}
}

// WelcomeSnapshot fetches the dashboard sent in connection_established. A
// failing provider yields an empty dashboard rather than no welcome.
func (r *Router) WelcomeSnapshot(ctx context.Context) provider.Dashboard {
	ctx, cancel := r.callContext(ctx)
	defer cancel()
	d, err := r.data.DashboardSnapshot(ctx)
	if err != nil {
		r.metrics.MessageFailed(ReasonProvider)
		r.log.Error("dashboard snapshot for welcome", zap.Error(err))
	}
	return d
}

// Welcome builds the connection_established event for a new client.
func (r *Router) Welcome(clientID string, d provider.Dashboard) Event {
	return ConnectionEstablished(clientID, d, r.clock.Now())
}

// PeriodicUpdate builds the periodic broadcast from fresh snapshots.
func (r *Router) PeriodicUpdate(ctx context.Context) (Event, error) {
	ctx, cancel := r.callContext(ctx)
	defer cancel()
	d, err := r.data.DashboardSnapshot(ctx)
	if err != nil {
		return Event{}, fmt.Errorf("dashboard snapshot: %w", err)
	}
	p, err := r.data.PerformanceSnapshot(ctx)
	if err != nil {
		return Event{}, fmt.Errorf("performance snapshot: %w", err)
	}
	return PeriodicUpdate(d, p, r.clock.Now()), nil
}

// Forget drops per-client state once the client is gone.
func (r *Router) Forget(clientID string) {
	r.mu.Lock()
	delete(r.limiters, clientID)
	r.mu.Unlock()
}

// Close stops watching running syncs and waits for the watchers to exit.
func (r *Router) Close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	r.once.Do(func() { close(r.closing) })
	r.syncs.Wait()
}

func (r *Router) allow(clientID string) bool {
	if r.limit == rate.Inf {
		return true
	}
	r.mu.Lock()
	lim, ok := r.limiters[clientID]
	if !ok {
		lim = rate.NewLimiter(r.limit, r.burst)
		r.limiters[clientID] = lim
	}
	r.mu.Unlock()
	return lim.AllowN(r.clock.Now(), 1)
}

func (r *Router) authorize(ctx context.Context, clientID string, msg Message) error {
	if err := r.auth.Authorize(ctx, clientID, msg); err != nil {
		r.metrics.MessageFailed(ReasonUnauthorized)
		r.log.Warn("message not authorized",
			zap.String("client", clientID),
			zap.String("type", msg.Type),
			zap.Error(err))
		r.replyError(clientID, msg.Type, "not authorized")
		return fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	return nil
}

func (r *Router) providerFailed(clientID string, msg Message, err error) error {
	r.metrics.MessageFailed(ReasonProvider)
	r.log.Error("provider call failed",
		zap.String("client", clientID),
		zap.String("type", msg.Type),
		zap.Error(err))
	r.replyError(clientID, msg.Type, err.Error())
	return fmt.Errorf("%s: %w", msg.Type, err)
}

func (r *Router) replyError(clientID, requestType, text string) {
	_ = r.deliver(clientID, ErrorReply(requestType, text, r.clock.Now()))
}

func (r *Router) deliver(clientID string, ev Event) error {
	if err := r.out.SendTo(clientID, ev); err != nil {
		r.metrics.MessageFailed(ReasonDelivery)
		r.log.Debug("reply not delivered",
			zap.String("client", clientID),
			zap.String("event", ev.Type),
			zap.Error(err))
		return fmt.Errorf("deliver %s: %w", ev.Type, err)
	}
	return nil
}

func (r *Router) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.timeout > 0 {
		return context.WithTimeout(ctx, r.timeout)
	}
	return context.WithCancel(ctx)
}
