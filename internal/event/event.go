// Package event provides the in-process event bus that fans registration and
// report outcomes out to the ledger and optional sinks.
package event

import (
	"context"
	"time"
)

// Topics published by the registration workflow.
const (
	TopicHostCreated    = "host.created"
	TopicHostExists     = "host.exists"
	TopicHostAbandoned  = "host.abandoned"
	TopicReportAccepted = "report.accepted"
	TopicReportRejected = "report.rejected"
)

// Event is a message delivered to subscribers.
type Event struct {
	Topic     string    `json:"topic"`
	Source    string    `json:"source"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload,omitempty"`
}

// Handler receives events.
type Handler func(ctx context.Context, e Event)

// Publisher is the publishing half of the bus.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
	PublishAsync(ctx context.Context, e Event)
}

// Subscriber is the subscribing half of the bus.
type Subscriber interface {
	Subscribe(topic string, h Handler) (unsubscribe func())
	SubscribeAll(h Handler) (unsubscribe func())
}

// HostEvent is the payload of the host.* topics.
type HostEvent struct {
	ItemID    string    `json:"item_id"`
	Host      string    `json:"host"`
	Address   string    `json:"address"`
	ArrivedAt time.Time `json:"arrived_at"`
	HostID    string    `json:"host_id,omitempty"`
	Reason    string    `json:"reason,omitempty"`
}

// ReportEvent is the payload of the report.* topics.
type ReportEvent struct {
	ItemID string `json:"item_id"`
	Host   string `json:"host"`
	State  int    `json:"state"`
	Clock  int64  `json:"clock"`
	Error  string `json:"error,omitempty"`
}
