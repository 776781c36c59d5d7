package models

import (
	"net/netip"
	"time"

	"github.com/google/uuid"
)

// WorkItem is one admitted echo request waiting to be processed by a worker.
// It is created by the capture loop and never modified afterwards.
type WorkItem struct {
	ID        string     `json:"id"`
	Source    netip.Addr `json:"source"`
	ArrivedAt time.Time  `json:"arrived_at"`
}

// NewWorkItem returns a WorkItem for source with a fresh correlation ID.
func NewWorkItem(source netip.Addr, arrivedAt time.Time) WorkItem {
	return WorkItem{
		ID:        uuid.NewString(),
		Source:    source.Unmap(),
		ArrivedAt: arrivedAt,
	}
}

// HostName returns the derived monitoring host name for the item's source.
func (w WorkItem) HostName() string {
	return HostName(w.Source)
}
