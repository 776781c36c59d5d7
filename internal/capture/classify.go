// Package capture reads raw ICMP datagrams, classifies them and hands
// admitted echo requests to the work queue.
package capture

import (
	"errors"
	"fmt"
	"net/netip"

	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"
)

const protocolICMP = 1

var (
	// ErrMalformed reports a datagram whose IPv4 header or ICMP message
	// could not be parsed. Such datagrams are dropped silently.
	ErrMalformed = errors.New("malformed datagram")
	// ErrNotICMP reports a well-formed IPv4 datagram carrying another
	// protocol.
	ErrNotICMP = errors.New("not an ICMP datagram")
)

// Packet is the classification of one captured datagram.
type Packet struct {
	Source netip.Addr
	Type   ipv4.ICMPType
	Code   int
}

// IsEchoRequest reports whether the packet is an ICMP echo request (type 8).
func (p Packet) IsEchoRequest() bool {
	return p.Type == ipv4.ICMPTypeEcho
}

// Classify parses a raw IPv4 datagram as delivered by a raw socket with
// IP_HDRINCL set. The ICMP message starts after the IHL-derived header
// length, so datagrams carrying IP options are handled.
func Classify(raw []byte) (Packet, error) {
	h, err := ipv4.ParseHeader(raw)
	if err != nil {
		return Packet{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if h.Len < ipv4.HeaderLen {
		return Packet{}, fmt.Errorf("%w: header length %d", ErrMalformed, h.Len)
	}
	if h.Version != ipv4.Version {
		return Packet{}, fmt.Errorf("%w: ip version %d", ErrMalformed, h.Version)
	}
	if h.Protocol != protocolICMP {
		return Packet{}, fmt.Errorf("%w: protocol %d", ErrNotICMP, h.Protocol)
	}

	src, ok := netip.AddrFromSlice(h.Src)
	if !ok {
		return Packet{}, fmt.Errorf("%w: source address", ErrMalformed)
	}

	end := len(raw)
	if h.TotalLen >= h.Len && h.TotalLen < end {
		end = h.TotalLen
	}
	msg, err := icmp.ParseMessage(protocolICMP, raw[h.Len:end])
	if err != nil {
		return Packet{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	typ, ok := msg.Type.(ipv4.ICMPType)
	if !ok {
		return Packet{}, fmt.Errorf("%w: icmp type %v", ErrMalformed, msg.Type)
	}

	return Packet{Source: src.Unmap(), Type: typ, Code: msg.Code}, nil
}
