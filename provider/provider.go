// File: provider/provider.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package provider

import (
	"context"
	"errors"
	"time"
)

// PlatformAll selects every configured marketplace.
const PlatformAll = "all"

// Sync status values.
const (
	SyncSuccess   = "success"
	SyncFailed    = "failed"
	SyncCancelled = "cancelled"
)

var (
	ErrUnknownPlatform = errors.New("provider: unknown platform")
	ErrSyncInProgress  = errors.New("provider: sync already in progress")
	ErrSyncQueueFull   = errors.New("provider: sync queue full")
	ErrClosed          = errors.New("provider: closed")
)

// DataProvider is the collaborator interface the router consumes.
// Implementations must be safe for concurrent use.
type DataProvider interface {
	DashboardSnapshot(ctx context.Context) (Dashboard, error)
	PerformanceSnapshot(ctx context.Context) (Performance, error)
	MarketplaceStatus(ctx context.Context) (MarketplaceStatus, error)
	// StartSync launches a sync for platform and returns immediately.
	// The job's Done channel yields exactly one SyncResult.
	StartSync(ctx context.Context, platform string) (*SyncJob, error)
}

// Stats exposes live server counters to snapshot producers.
type Stats interface {
	ConnectedClients() int
	MessagesProcessed() uint64
	ErrorsCount() uint64
}

// Dashboard is the summary view pushed on connect and on every periodic update.
type Dashboard struct {
	Marketplaces     int   `json:"marketplaces"`
	ActiveProducts   int   `json:"active_products"`
	PendingOrders    int   `json:"pending_orders"`
	SyncsCompleted   int   `json:"syncs_completed"`
	SyncsRunning     int   `json:"syncs_running"`
	LastSyncAt       int64 `json:"last_sync_at,omitempty"`
	ConnectedClients int   `json:"connected_clients"`
}

// Performance describes the serving process.
type Performance struct {
	UptimeSeconds       int64   `json:"uptime_seconds"`
	Goroutines          int     `json:"goroutines"`
	HeapAllocBytes      uint64  `json:"heap_alloc_bytes"`
	ProcessRSSBytes     uint64  `json:"process_rss_bytes,omitempty"`
	ProcessCPUPercent   float64 `json:"process_cpu_percent"`
	SystemMemoryPercent float64 `json:"system_memory_percent,omitempty"`
	ConnectedClients    int     `json:"connected_clients"`
	MessagesProcessed   uint64  `json:"messages_processed"`
	ErrorsCount         uint64  `json:"errors_count"`
}

// MarketplaceState is the sync state of one marketplace.
type MarketplaceState struct {
	Name       string `json:"name"`
	Status     string `json:"status"`
	Products   int    `json:"products"`
	Orders     int    `json:"orders"`
	LastSyncAt int64  `json:"last_sync_at,omitempty"`
}

// MarketplaceStatus lists every configured marketplace.
type MarketplaceStatus struct {
	Marketplaces []MarketplaceState `json:"marketplaces"`
}

// SyncJob is a running sync.
type SyncJob struct {
	ID       string
	Platform string
	Done     <-chan SyncResult
}

// SyncResult is the outcome of a SyncJob.
type SyncResult struct {
	SyncID         string
	Platform       string
	Status         string
	RecordsUpdated int
	FinishedAt     time.Time
	Err            error
}
