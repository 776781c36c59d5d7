package capture

import (
	"errors"
	"net"
	"net/netip"
	"testing"

	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"
)

// icmpMessage marshals an ICMP message of the given type.
func icmpMessage(t *testing.T, typ ipv4.ICMPType) []byte {
	t.Helper()
	msg := icmp.Message{
		Type: typ,
		Body: &icmp.Echo{ID: 0x1234, Seq: 1, Data: []byte("abcdefgh")},
	}
	b, err := msg.Marshal(nil)
	if err != nil {
		t.Fatalf("marshal icmp: %v", err)
	}
	return b
}

// datagram builds a raw IPv4 datagram carrying payload.
func datagram(t *testing.T, src string, protocol int, options []byte, payload []byte) []byte {
	t.Helper()
	hdrLen := ipv4.HeaderLen + len(options)
	h := &ipv4.Header{
		Version:  ipv4.Version,
		Len:      hdrLen,
		TotalLen: hdrLen + len(payload),
		TTL:      64,
		Protocol: protocol,
		Src:      net.ParseIP(src),
		Dst:      net.ParseIP("10.0.0.1"),
		Options:  options,
	}
	b, err := h.Marshal()
	if err != nil {
		t.Fatalf("marshal header: %v", err)
	}
	return append(b, payload...)
}

func echoRequest(t *testing.T, src string) []byte {
	t.Helper()
	return datagram(t, src, protocolICMP, nil, icmpMessage(t, ipv4.ICMPTypeEcho))
}

func TestClassify(t *testing.T) {
	// Record route option padded to a 4-byte boundary: IHL 6.
	options := []byte{0x07, 0x03, 0x04, 0x00}

	tests := []struct {
		name     string
		raw      []byte
		wantSrc  string
		wantType ipv4.ICMPType
		wantEcho bool
	}{
		{
			name:     "echo request",
			raw:      echoRequest(t, "10.0.0.5"),
			wantSrc:  "10.0.0.5",
			wantType: ipv4.ICMPTypeEcho,
			wantEcho: true,
		},
		{
			name:     "echo reply",
			raw:      datagram(t, "10.0.0.5", protocolICMP, nil, icmpMessage(t, ipv4.ICMPTypeEchoReply)),
			wantSrc:  "10.0.0.5",
			wantType: ipv4.ICMPTypeEchoReply,
		},
		{
			name:     "echo request with ip options",
			raw:      datagram(t, "192.168.7.9", protocolICMP, options, icmpMessage(t, ipv4.ICMPTypeEcho)),
			wantSrc:  "192.168.7.9",
			wantType: ipv4.ICMPTypeEcho,
			wantEcho: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pkt, err := Classify(tt.raw)
			if err != nil {
				t.Fatalf("Classify: %v", err)
			}
			if pkt.Source != netip.MustParseAddr(tt.wantSrc) {
				t.Errorf("Source = %v, want %s", pkt.Source, tt.wantSrc)
			}
			if !pkt.Source.Is4() {
				t.Errorf("Source %v should be a plain IPv4 address", pkt.Source)
			}
			if pkt.Type != tt.wantType {
				t.Errorf("Type = %v, want %v", pkt.Type, tt.wantType)
			}
			if pkt.IsEchoRequest() != tt.wantEcho {
				t.Errorf("IsEchoRequest() = %v, want %v", pkt.IsEchoRequest(), tt.wantEcho)
			}
		})
	}
}

func TestClassify_OptionsShiftPayload(t *testing.T) {
	// With a fixed 20-byte offset the option bytes would be read as the
	// ICMP type; the IHL-derived offset must find the real message.
	options := []byte{0x08, 0x00, 0x00, 0x00}
	raw := datagram(t, "10.0.0.5", protocolICMP, options, icmpMessage(t, ipv4.ICMPTypeEchoReply))

	pkt, err := Classify(raw)
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if pkt.IsEchoRequest() {
		t.Error("echo reply behind IP options classified as echo request")
	}
}

func TestClassify_Errors(t *testing.T) {
	valid := echoRequest(t, "10.0.0.5")

	badIHL := append([]byte(nil), valid...)
	badIHL[0] = 0x42

	tests := []struct {
		name string
		raw  []byte
		want error
	}{
		{"empty", nil, ErrMalformed},
		{"short header", valid[:12], ErrMalformed},
		{"header only", valid[:ipv4.HeaderLen], ErrMalformed},
		{"truncated icmp", valid[:ipv4.HeaderLen+2], ErrMalformed},
		{"ihl below minimum", badIHL, ErrMalformed},
		{"udp", datagram(t, "10.0.0.5", 17, nil, []byte{0, 53, 0, 53, 0, 8, 0, 0}), ErrNotICMP},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Classify(tt.raw)
			if !errors.Is(err, tt.want) {
				t.Errorf("Classify() error = %v, want %v", err, tt.want)
			}
		})
	}
}
