package testutil

import (
	"net/netip"
	"time"

	"github.com/HerbHall/icmpreceiver/pkg/models"
)

// NewWorkItem returns a WorkItem for addr arriving at the fixed test epoch.
func NewWorkItem(addr string) models.WorkItem {
	return models.NewWorkItem(netip.MustParseAddr(addr), time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
}

// NewHost returns a ledger Host with sensible defaults. Override individual
// fields with options.
func NewHost(opts ...func(*models.Host)) models.Host {
	seen := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	h := models.Host{
		Name:         "10_0_0_5",
		Address:      "10.0.0.5",
		Created:      true,
		Observations: 1,
		LastOutcome:  models.HostOutcomeCreated,
		FirstSeen:    seen,
		LastSeen:     seen,
	}
	for _, opt := range opts {
		opt(&h)
	}
	return h
}

// WithAddress sets the host address and the name derived from it.
func WithAddress(addr string) func(*models.Host) {
	return func(h *models.Host) {
		h.Address = addr
		h.Name = models.HostName(netip.MustParseAddr(addr))
	}
}

// WithOutcome sets the last registration outcome.
func WithOutcome(o models.HostOutcome) func(*models.Host) {
	return func(h *models.Host) { h.LastOutcome = o }
}

// WithLastSeen sets the host's last_seen timestamp.
func WithLastSeen(t time.Time) func(*models.Host) {
	return func(h *models.Host) { h.LastSeen = t }
}
