package models

import (
	"net/netip"
	"testing"
	"time"
)

func TestHostName(t *testing.T) {
	tests := []struct {
		addr string
		want string
	}{
		{"10.0.0.5", "10_0_0_5"},
		{"192.168.1.1", "192_168_1_1"},
		{"::ffff:10.0.0.5", "10_0_0_5"},
		{"2001:db8::1", "2001_db8__1"},
		{"fe80::1%eth0", "fe80__1"},
	}

	for _, tt := range tests {
		t.Run(tt.addr, func(t *testing.T) {
			got := HostName(netip.MustParseAddr(tt.addr))
			if got != tt.want {
				t.Errorf("HostName(%s) = %q, want %q", tt.addr, got, tt.want)
			}
		})
	}
}

func TestHostNameInjective(t *testing.T) {
	addrs := []string{
		"10.0.0.5", "10.0.0.50", "10.0.5.0", "100.0.0.5",
		"2001:db8::1", "2001:db8::10", "2001:db8:0:1::",
	}
	seen := make(map[string]string)
	for _, a := range addrs {
		name := HostName(netip.MustParseAddr(a))
		if prev, ok := seen[name]; ok {
			t.Fatalf("HostName collision: %s and %s both map to %q", prev, a, name)
		}
		seen[name] = a
	}
}

func TestNewWorkItem(t *testing.T) {
	at := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	a := NewWorkItem(netip.MustParseAddr("::ffff:10.0.0.5"), at)
	b := NewWorkItem(netip.MustParseAddr("10.0.0.5"), at)

	if a.ID == "" || a.ID == b.ID {
		t.Errorf("expected distinct non-empty IDs, got %q and %q", a.ID, b.ID)
	}
	if !a.Source.Is4() {
		t.Errorf("Source = %s, want unmapped IPv4", a.Source)
	}
	if a.HostName() != "10_0_0_5" {
		t.Errorf("HostName() = %q, want 10_0_0_5", a.HostName())
	}
	if !a.ArrivedAt.Equal(at) {
		t.Errorf("ArrivedAt = %v, want %v", a.ArrivedAt, at)
	}
}
