package testutil

import (
	"net"
	"testing"

	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"
)

// EchoRequest builds a raw IPv4 datagram carrying an ICMP echo request from
// src to 10.0.0.1, as read from a raw socket with IP_HDRINCL.
func EchoRequest(t testing.TB, src string) []byte {
	t.Helper()
	msg := icmp.Message{
		Type: ipv4.ICMPTypeEcho,
		Body: &icmp.Echo{ID: 0x4242, Seq: 1, Data: []byte("icmpreceiver")},
	}
	payload, err := msg.Marshal(nil)
	if err != nil {
		t.Fatalf("testutil.EchoRequest: marshal icmp: %v", err)
	}
	h := &ipv4.Header{
		Version:  ipv4.Version,
		Len:      ipv4.HeaderLen,
		TotalLen: ipv4.HeaderLen + len(payload),
		TTL:      64,
		Protocol: 1,
		Src:      net.ParseIP(src),
		Dst:      net.ParseIP("10.0.0.1"),
	}
	hdr, err := h.Marshal()
	if err != nil {
		t.Fatalf("testutil.EchoRequest: marshal header: %v", err)
	}
	return append(hdr, payload...)
}
