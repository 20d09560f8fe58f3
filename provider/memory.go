// File: provider/memory.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// In-process DataProvider seeded from configuration. Syncs run on a bounded
// worker pool and complete after a fixed duration measured on the injected
// clock.

package provider

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/alitto/pond"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"
)

// Marketplace seeds one marketplace of the in-memory provider.
type Marketplace struct {
	Name     string `yaml:"name"`
	Products int    `yaml:"products"`
	Orders   int    `yaml:"orders"`
}

// DefaultMarketplaces is used when no marketplaces are configured.
var DefaultMarketplaces = []Marketplace{
	{Name: "trendyol", Products: 1250, Orders: 87},
	{Name: "amazon", Products: 980, Orders: 45},
	{Name: "n11", Products: 640, Orders: 23},
	{Name: "hepsiburada", Products: 720, Orders: 31},
}

// Marketplace status values.
const (
	StatusIdle    = "idle"
	StatusSyncing = "syncing"
	StatusSynced  = "synced"
)

const (
	DefaultSyncDuration = 2 * time.Second
	DefaultSyncWorkers  = 4
	DefaultSyncQueue    = 64
)

type marketState struct {
	MarketplaceState
	syncID string
}

// Memory is a DataProvider backed by process memory.
type Memory struct {
	clock    clockwork.Clock
	log      *zap.Logger
	stats    Stats
	duration time.Duration
	workers  int
	queue    int
	started  time.Time

	pool *pond.WorkerPool
	proc *process.Process

	mu        sync.Mutex
	markets   map[string]*marketState
	order     []string
	completed int
	lastSync  time.Time

	stop      chan struct{}
	closeOnce sync.Once
}

// MemoryOption customizes a Memory provider.
type MemoryOption func(*Memory)

func WithClock(c clockwork.Clock) MemoryOption {
	return func(m *Memory) { m.clock = c }
}

func WithLogger(l *zap.Logger) MemoryOption {
	return func(m *Memory) { m.log = l }
}

// WithStats folds live server counters into the snapshots.
func WithStats(s Stats) MemoryOption {
	return func(m *Memory) { m.stats = s }
}

// WithSyncDuration sets how long a simulated sync takes.
func WithSyncDuration(d time.Duration) MemoryOption {
	return func(m *Memory) {
		if d >= 0 {
			m.duration = d
		}
	}
}

// WithSyncWorkers bounds concurrent syncs and queued sync submissions.
func WithSyncWorkers(workers, queue int) MemoryOption {
	return func(m *Memory) {
		if workers > 0 {
			m.workers = workers
		}
		if queue >= 0 {
			m.queue = queue
		}
	}
}

// NewMemory builds a provider for markets. DefaultMarketplaces is used when
// markets is empty.
func NewMemory(markets []Marketplace, opts ...MemoryOption) *Memory {
	m := &Memory{
		clock:    clockwork.NewRealClock(),
		log:      zap.NewNop(),
		duration: DefaultSyncDuration,
		workers:  DefaultSyncWorkers,
		queue:    DefaultSyncQueue,
		markets:  make(map[string]*marketState),
		stop:     make(chan struct{}),
	}
	for _, o := range opts {
		o(m)
	}
	if len(markets) == 0 {
		markets = DefaultMarketplaces
	}
	for _, mk := range markets {
		if _, dup := m.markets[mk.Name]; dup || mk.Name == "" {
			continue
		}
		m.markets[mk.Name] = &marketState{MarketplaceState: MarketplaceState{
			Name:     mk.Name,
			Status:   StatusIdle,
			Products: mk.Products,
			Orders:   mk.Orders,
		}}
		m.order = append(m.order, mk.Name)
	}
	m.started = m.clock.Now()
	m.pool = pond.New(m.workers, m.queue)
	if p, err := process.NewProcess(int32(os.Getpid())); err == nil {
		m.proc = p
	} else {
		m.log.Warn("process stats unavailable", zap.Error(err))
	}
	return m
}

// Platforms lists the configured marketplace names in configuration order.
func (m *Memory) Platforms() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.order...)
}

func (m *Memory) DashboardSnapshot(ctx context.Context) (Dashboard, error) {
	if err := ctx.Err(); err != nil {
		return Dashboard{}, err
	}
	m.mu.Lock()
	d := Dashboard{
		Marketplaces:   len(m.order),
		SyncsCompleted: m.completed,
	}
	for _, name := range m.order {
		st := m.markets[name]
		d.ActiveProducts += st.Products
		d.PendingOrders += st.Orders
		if st.Status == StatusSyncing {
			d.SyncsRunning++
		}
	}
	if !m.lastSync.IsZero() {
		d.LastSyncAt = m.lastSync.Unix()
	}
	m.mu.Unlock()

	if m.stats != nil {
		d.ConnectedClients = m.stats.ConnectedClients()
	}
	return d, nil
}

func (m *Memory) PerformanceSnapshot(ctx context.Context) (Performance, error) {
	if err := ctx.Err(); err != nil {
		return Performance{}, err
	}
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	p := Performance{
		UptimeSeconds:  int64(m.clock.Since(m.started) / time.Second),
		Goroutines:     runtime.NumGoroutine(),
		HeapAllocBytes: ms.HeapAlloc,
	}
	if m.proc != nil {
		if cpu, err := m.proc.CPUPercentWithContext(ctx); err == nil {
			p.ProcessCPUPercent = cpu
		}
		if info, err := m.proc.MemoryInfoWithContext(ctx); err == nil && info != nil {
			p.ProcessRSSBytes = info.RSS
		}
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil && vm != nil {
		p.SystemMemoryPercent = vm.UsedPercent
	}
	if m.stats != nil {
		p.ConnectedClients = m.stats.ConnectedClients()
		p.MessagesProcessed = m.stats.MessagesProcessed()
		p.ErrorsCount = m.stats.ErrorsCount()
	}
	return p, nil
}

func (m *Memory) MarketplaceStatus(ctx context.Context) (MarketplaceStatus, error) {
	if err := ctx.Err(); err != nil {
		return MarketplaceStatus{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := MarketplaceStatus{Marketplaces: make([]MarketplaceState, 0, len(m.order))}
	for _, name := range m.order {
		out.Marketplaces = append(out.Marketplaces, m.markets[name].MarketplaceState)
	}
	return out, nil
}

// StartSync marks the selected marketplaces as syncing and schedules the
// sync on the worker pool. PlatformAll selects every marketplace that is not
// already syncing.
func (m *Memory) StartSync(ctx context.Context, platform string) (*SyncJob, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	select {
	case <-m.stop:
		return nil, ErrClosed
	default:
	}

	id := uuid.NewString()
	targets, err := m.claim(platform, id)
	if err != nil {
		return nil, err
	}

	done := make(chan SyncResult, 1)
	job := &SyncJob{ID: id, Platform: platform, Done: done}
	ok := m.pool.TrySubmit(func() {
		done <- m.runSync(id, platform, targets)
	})
	if !ok {
		m.release(targets, id, false)
		return nil, ErrSyncQueueFull
	}
	m.log.Debug("sync scheduled", zap.String("sync_id", id), zap.String("platform", platform), zap.Strings("targets", targets))
	return job, nil
}

// claim reserves the marketplaces a sync will touch.
func (m *Memory) claim(platform, id string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var targets []string
	if platform == PlatformAll {
		for _, name := range m.order {
			if m.markets[name].syncID == "" {
				targets = append(targets, name)
			}
		}
		if len(targets) == 0 {
			return nil, ErrSyncInProgress
		}
	} else {
		st, ok := m.markets[platform]
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownPlatform, platform)
		}
		if st.syncID != "" {
			return nil, fmt.Errorf("%w: %s", ErrSyncInProgress, platform)
		}
		targets = []string{platform}
	}
	for _, name := range targets {
		st := m.markets[name]
		st.syncID = id
		st.Status = StatusSyncing
	}
	return targets, nil
}

// release ends a claim. A successful release stamps the sync time.
func (m *Memory) release(targets []string, id string, synced bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock.Now()
	for _, name := range targets {
		st := m.markets[name]
		if st.syncID != id {
			continue
		}
		st.syncID = ""
		if synced {
			st.Status = StatusSynced
			st.LastSyncAt = now.Unix()
		} else {
			st.Status = StatusIdle
		}
	}
	if synced {
		m.completed++
		m.lastSync = now
	}
}

func (m *Memory) runSync(id, platform string, targets []string) SyncResult {
	res := SyncResult{SyncID: id, Platform: platform}
	select {
	case <-m.clock.After(m.duration):
	case <-m.stop:
		m.release(targets, id, false)
		res.Status = SyncCancelled
		res.Err = ErrClosed
		res.FinishedAt = m.clock.Now()
		return res
	}

	m.mu.Lock()
	for _, name := range targets {
		st := m.markets[name]
		res.RecordsUpdated += st.Products + st.Orders
	}
	m.mu.Unlock()

	m.release(targets, id, true)
	res.Status = SyncSuccess
	res.FinishedAt = m.clock.Now()
	m.log.Info("sync completed",
		zap.String("sync_id", id),
		zap.String("platform", platform),
		zap.Int("records_updated", res.RecordsUpdated))
	return res
}

// Running lists marketplaces with a sync in flight, sorted by name.
func (m *Memory) Running() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for name, st := range m.markets {
		if st.syncID != "" {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// Close cancels pending syncs and waits for the worker pool to drain.
func (m *Memory) Close() error {
	m.closeOnce.Do(func() {
		close(m.stop)
		m.pool.StopAndWait()
	})
	return nil
}
