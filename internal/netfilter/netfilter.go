// Package netfilter decides whether an observed source address belongs to
// one of the configured allowed networks.
package netfilter

import (
	"fmt"
	"net/netip"
	"strings"
)

// AllowList is an ordered set of allowed network prefixes. The zero value
// admits nothing.
type AllowList struct {
	prefixes []netip.Prefix
}

// ParseAllowList parses CIDR strings such as "10.0.0.0/24" or "2001:db8::/32".
// A bare address is accepted as a single-host prefix. Blank entries are
// skipped so that a trailing comma in an environment variable is harmless.
func ParseAllowList(cidrs []string) (AllowList, error) {
	prefixes := make([]netip.Prefix, 0, len(cidrs))
	for _, raw := range cidrs {
		s := strings.TrimSpace(raw)
		if s == "" {
			continue
		}
		p, err := parsePrefix(s)
		if err != nil {
			return AllowList{}, fmt.Errorf("parse allowed network %q: %w", s, err)
		}
		prefixes = append(prefixes, p)
	}
	return AllowList{prefixes: prefixes}, nil
}

// MustParseAllowList is like ParseAllowList but panics on error. Intended for
// tests and static tables.
func MustParseAllowList(cidrs ...string) AllowList {
	l, err := ParseAllowList(cidrs)
	if err != nil {
		panic(err)
	}
	return l
}

func parsePrefix(s string) (netip.Prefix, error) {
	if !strings.Contains(s, "/") {
		addr, err := netip.ParseAddr(s)
		if err != nil {
			return netip.Prefix{}, err
		}
		addr = addr.Unmap()
		return netip.PrefixFrom(addr, addr.BitLen()), nil
	}
	p, err := netip.ParsePrefix(s)
	if err != nil {
		return netip.Prefix{}, err
	}
	// 10.0.0.1/24 is accepted as 10.0.0.0/24.
	return p.Masked(), nil
}

// Admit reports whether addr falls inside at least one allowed prefix.
func (l AllowList) Admit(addr netip.Addr) bool {
	return Admit(addr, l.prefixes)
}

// Len returns the number of prefixes in the list.
func (l AllowList) Len() int {
	return len(l.prefixes)
}

// Prefixes returns a copy of the configured prefixes.
func (l AllowList) Prefixes() []netip.Prefix {
	out := make([]netip.Prefix, len(l.prefixes))
	copy(out, l.prefixes)
	return out
}

// String renders the list as comma separated CIDRs.
func (l AllowList) String() string {
	parts := make([]string, len(l.prefixes))
	for i, p := range l.prefixes {
		parts[i] = p.String()
	}
	return strings.Join(parts, ",")
}

// Admit reports whether addr is contained in any of prefixes. An empty
// prefix list admits nothing.
func Admit(addr netip.Addr, prefixes []netip.Prefix) bool {
	if !addr.IsValid() {
		return false
	}
	addr = addr.Unmap().WithZone("")
	for _, p := range prefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}
