// File: internal/concurrency/eventloop.go
// Package concurrency implements the single-consumer event loop.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Events posted from any goroutine are handled one at a time, in post order,
// on the loop goroutine. A tick at fixed resolution checks registered
// periodic tasks and runs those whose interval has elapsed.

package concurrency

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

// ErrLoopRunning is returned by Run when the loop was already started.
var ErrLoopRunning = errors.New("event loop already running")

// DefaultTickResolution is how often periodic tasks are checked.
const DefaultTickResolution = time.Second

type Event struct {
	Data any
}

type EventHandler interface {
	HandleEvent(ev Event)
}

// HandlerFunc adapts a function to EventHandler.
type HandlerFunc func(ev Event)

// HandleEvent calls f(ev).
func (f HandlerFunc) HandleEvent(ev Event) { f(ev) }

type periodicTask struct {
	name     string
	interval time.Duration
	last     time.Time
	fn       func(now time.Time)
}

type EventLoop struct {
	queue    chan Event
	handlers atomic.Value // []EventHandler

	mu    sync.Mutex
	tasks []*periodicTask

	clock   clockwork.Clock
	tick    time.Duration
	log     *zap.Logger
	stopCh  chan struct{}
	stopped chan struct{}
	once    sync.Once
	running atomic.Bool
}

// Option customizes an EventLoop.
type Option func(*EventLoop)

// WithClock sets the clock driving the tick.
func WithClock(c clockwork.Clock) Option {
	return func(el *EventLoop) { el.clock = c }
}

// WithTickResolution sets how often periodic tasks are checked.
func WithTickResolution(d time.Duration) Option {
	return func(el *EventLoop) {
		if d > 0 {
			el.tick = d
		}
	}
}

// WithLogger sets the loop logger.
func WithLogger(l *zap.Logger) Option {
	return func(el *EventLoop) { el.log = l }
}

// NewEventLoop creates a new EventLoop with an inbox of queueSize events.
func NewEventLoop(queueSize int, opts ...Option) *EventLoop {
	if queueSize <= 0 {
		queueSize = 256
	}
	loop := &EventLoop{
		queue:   make(chan Event, queueSize),
		clock:   clockwork.NewRealClock(),
		tick:    DefaultTickResolution,
		log:     zap.NewNop(),
		stopCh:  make(chan struct{}),
		stopped: make(chan struct{}),
	}
	for _, o := range opts {
		o(loop)
	}
	loop.handlers.Store([]EventHandler{})
	return loop
}

func (el *EventLoop) Pending() int {
	return len(el.queue)
}

// RegisterHandler adds h. Handlers registered while the loop runs see the
// next dispatched event.
func (el *EventLoop) RegisterHandler(h EventHandler) {
	el.mu.Lock()
	defer el.mu.Unlock()
	old := el.handlers.Load().([]EventHandler)
	next := make([]EventHandler, len(old), len(old)+1)
	copy(next, old)
	el.handlers.Store(append(next, h))
}

// Every registers fn to run on the loop goroutine whenever interval has
// elapsed since its previous run (or since Run started). Tasks registered
// after Run starts are measured from their first tick.
func (el *EventLoop) Every(name string, interval time.Duration, fn func(now time.Time)) {
	el.mu.Lock()
	defer el.mu.Unlock()
	el.tasks = append(el.tasks, &periodicTask{name: name, interval: interval, fn: fn})
}

// Post enqueues ev without blocking. It reports false when the inbox is full
// or the loop has stopped.
func (el *EventLoop) Post(ev Event) bool {
	select {
	case <-el.stopCh:
		return false
	default:
	}
	select {
	case el.queue <- ev:
		return true
	default:
		return false
	}
}

// Run processes events and ticks until ctx is cancelled or Stop is called.
func (el *EventLoop) Run(ctx context.Context) error {
	if !el.running.CompareAndSwap(false, true) {
		return ErrLoopRunning
	}
	defer close(el.stopped)

	el.startTasks(el.clock.Now())
	ticker := el.clock.NewTicker(el.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			el.once.Do(func() { close(el.stopCh) })
			return ctx.Err()
		case <-el.stopCh:
			return nil
		case ev := <-el.queue:
			el.dispatch(ev)
		case <-ticker.Chan():
			el.runDue(el.clock.Now())
		}
	}
}

// Stop signals Run to return and waits for it when it is running.
// It must not be called from a handler running on the loop.
func (el *EventLoop) Stop() {
	el.once.Do(func() { close(el.stopCh) })
	if el.running.Load() {
		<-el.stopped
	}
}

func (el *EventLoop) dispatch(ev Event) {
	for _, h := range el.handlers.Load().([]EventHandler) {
		el.safely("event", func() { h.HandleEvent(ev) })
	}
}

func (el *EventLoop) startTasks(now time.Time) {
	el.mu.Lock()
	defer el.mu.Unlock()
	for _, t := range el.tasks {
		if t.last.IsZero() {
			t.last = now
		}
	}
}

func (el *EventLoop) runDue(now time.Time) {
	el.mu.Lock()
	var due []*periodicTask
	for _, t := range el.tasks {
		if t.last.IsZero() {
			t.last = now
			continue
		}
		if now.Sub(t.last) >= t.interval {
			t.last = now
			due = append(due, t)
		}
	}
	el.mu.Unlock()

	for _, t := range due {
		el.safely(t.name, func() { t.fn(now) })
	}
}

// safely keeps the loop alive when a handler panics.
func (el *EventLoop) safely(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			el.log.Error("event loop handler panic", zap.String("handler", name), zap.Any("panic", r))
		}
	}()
	fn()
}
