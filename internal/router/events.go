// File: internal/router/events.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package router

import (
	"encoding/json"
	"time"

	"github.com/momentics/syncpulse-ws/core/protocol"
	"github.com/momentics/syncpulse-ws/provider"
)

// Inbound message types.
const (
	TypeSubscribe          = "subscribe"
	TypeDashboardRequest   = "dashboard_request"
	TypeManualSync         = "manual_sync"
	TypePerformanceRequest = "performance_request"
	TypeMarketplaceStatus  = "marketplace_status"
	TypeHeartbeat          = "heartbeat"
)

// Outbound event types.
const (
	EventConnectionEstablished = "connection_established"
	EventSubscriptionConfirmed = "subscription_confirmed"
	EventSyncStarted           = "sync_started"
	EventSyncCompleted         = "sync_completed"
	EventDashboardUpdate       = "dashboard_update"
	EventPerformanceMetrics    = "performance_metrics"
	EventMarketplaceStatus     = "marketplace_status"
	EventPeriodicUpdate        = "periodic_update"
	EventHeartbeatResponse     = "heartbeat_response"
	EventError                 = "error"
)

// Message is a client control message.
type Message struct {
	Type     string `json:"type"`
	Platform string `json:"platform,omitempty"`
}

// Event is a server-to-client message. Fields that do not apply to a given
// type are omitted from the wire form.
type Event struct {
	Type            string `json:"type"`
	ClientID        string `json:"client_id,omitempty"`
	Platform        string `json:"platform,omitempty"`
	SyncID          string `json:"sync_id,omitempty"`
	Status          string `json:"status,omitempty"`
	RecordsUpdated  *int   `json:"records_updated,omitempty"`
	Data            any    `json:"data,omitempty"`
	DashboardData   any    `json:"dashboard_data,omitempty"`
	PerformanceData any    `json:"performance_data,omitempty"`
	Timestamp       int64  `json:"timestamp"`
}

// ErrorData is the payload of an error event.
type ErrorData struct {
	Message     string `json:"message"`
	RequestType string `json:"request_type,omitempty"`
}

// HeartbeatData is the payload of a heartbeat_response event.
type HeartbeatData struct {
	ClientID   string `json:"client_id"`
	ServerTime string `json:"server_time"`
}

// Frame encodes ev as one unmasked text frame.
func (ev Event) Frame() ([]byte, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return nil, err
	}
	return protocol.EncodeFrame(protocol.OpcodeText, payload), nil
}

func stamp(now time.Time) int64 { return now.Unix() }

func ConnectionEstablished(clientID string, d provider.Dashboard, now time.Time) Event {
	return Event{Type: EventConnectionEstablished, ClientID: clientID, DashboardData: d, Timestamp: stamp(now)}
}

func SubscriptionConfirmed(platform string, now time.Time) Event {
	return Event{Type: EventSubscriptionConfirmed, Platform: platform, Timestamp: stamp(now)}
}

func SyncStarted(job *provider.SyncJob, now time.Time) Event {
	return Event{Type: EventSyncStarted, Platform: job.Platform, SyncID: job.ID, Timestamp: stamp(now)}
}

func SyncCompleted(res provider.SyncResult, now time.Time) Event {
	n := res.RecordsUpdated
	return Event{
		Type:           EventSyncCompleted,
		Platform:       res.Platform,
		SyncID:         res.SyncID,
		Status:         res.Status,
		RecordsUpdated: &n,
		Timestamp:      stamp(now),
	}
}

func PeriodicUpdate(d provider.Dashboard, p provider.Performance, now time.Time) Event {
	return Event{Type: EventPeriodicUpdate, DashboardData: d, PerformanceData: p, Timestamp: stamp(now)}
}

// Reply wraps a snapshot in the data envelope used by direct replies.
func Reply(eventType string, data any, now time.Time) Event {
	return Event{Type: eventType, Data: data, Timestamp: stamp(now)}
}

func ErrorReply(requestType, message string, now time.Time) Event {
	return Reply(EventError, ErrorData{Message: message, RequestType: requestType}, now)
}

func HeartbeatResponse(clientID string, now time.Time) Event {
	return Reply(EventHeartbeatResponse, HeartbeatData{
		ClientID:   clientID,
		ServerTime: now.UTC().Format(time.RFC3339),
	}, now)
}
