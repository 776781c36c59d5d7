package models

import (
	"net/netip"
	"strings"
	"time"
)

// HostOutcome is the result of a registration attempt for one observation.
type HostOutcome string

const (
	HostOutcomeCreated   HostOutcome = "created"
	HostOutcomeExists    HostOutcome = "exists"
	HostOutcomeAbandoned HostOutcome = "abandoned"
)

// HostName derives the Zabbix host name for a source address.
//
// IPv4 dots and IPv6 colons become underscores, so 10.0.0.5 maps to
// 10_0_0_5. IPv4-mapped IPv6 addresses are unmapped and zones dropped first;
// the textual forms of the two families never share a separator, which keeps
// the mapping injective.
func HostName(addr netip.Addr) string {
	addr = addr.Unmap().WithZone("")
	if addr.Is4() {
		return strings.ReplaceAll(addr.String(), ".", "_")
	}
	return strings.ReplaceAll(addr.String(), ":", "_")
}

// Host is the locally recorded view of a host this agent has registered or
// refreshed on the monitoring server.
type Host struct {
	Name            string      `json:"name" example:"10_0_0_5"`
	Address         string      `json:"address" example:"10.0.0.5"`
	HostID          string      `json:"host_id,omitempty" example:"10105"`
	Created         bool        `json:"created"`
	Observations    int         `json:"observations"`
	ReportsAccepted int         `json:"reports_accepted"`
	ReportsRejected int         `json:"reports_rejected"`
	LastOutcome     HostOutcome `json:"last_outcome"`
	FirstSeen       time.Time   `json:"first_seen"`
	LastSeen        time.Time   `json:"last_seen"`
	LastReportedAt  time.Time   `json:"last_reported_at,omitzero"`
}
