// Package probe actively pings newly registered hosts.
package probe

import (
	"context"
	"fmt"
	"net/netip"
	"time"

	probing "github.com/prometheus-community/pro-bing"
)

// Pinger checks reachability with ICMP echo requests via pro-bing.
type Pinger struct {
	timeout    time.Duration
	count      int
	privileged bool
}

// NewPinger creates a Pinger sending count echoes within timeout. The agent
// already runs with CAP_NET_RAW, so privileged raw sockets are the default.
func NewPinger(timeout time.Duration, count int, privileged bool) *Pinger {
	if count < 1 {
		count = 1
	}
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Pinger{timeout: timeout, count: count, privileged: privileged}
}

// Reachable reports whether addr answered at least one echo request.
func (p *Pinger) Reachable(ctx context.Context, addr netip.Addr) (bool, error) {
	pinger, err := probing.NewPinger(addr.String())
	if err != nil {
		return false, fmt.Errorf("create pinger: %w", err)
	}
	pinger.Count = p.count
	pinger.Timeout = p.timeout
	pinger.SetPrivileged(p.privileged)

	done := make(chan error, 1)
	go func() {
		done <- pinger.Run()
	}()

	select {
	case err := <-done:
		if err != nil {
			return false, fmt.Errorf("ping %s: %w", addr, err)
		}
		return pinger.Statistics().PacketsRecv > 0, nil
	case <-ctx.Done():
		pinger.Stop()
		<-done
		return false, ctx.Err()
	}
}
