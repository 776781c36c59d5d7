package zabbix

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"regexp"
	"strconv"
	"time"
)

// DefaultSenderPort is the Zabbix trapper port.
const DefaultSenderPort = "10051"

const (
	headerMagic      = "ZBXD"
	flagProtocol     = 0x01
	flagCompressed   = 0x02
	headerLen        = 13
	maxSenderPayload = 16 << 20
)

var (
	// ErrBadHeader reports a response that does not start with the ZBXD
	// protocol header.
	ErrBadHeader = errors.New("invalid zabbix protocol header")
	// ErrCompressed reports a compressed response, which is not supported.
	ErrCompressed = errors.New("compressed zabbix response not supported")
)

// SenderItem is one trapper value.
type SenderItem struct {
	Host  string `json:"host"`
	Key   string `json:"key"`
	Value string `json:"value"`
	Clock int64  `json:"clock,omitempty"`
}

// SenderResponse is the acknowledgement returned by the trapper.
type SenderResponse struct {
	Response     string  `json:"response"`
	Info         string  `json:"info"`
	Processed    int     `json:"-"`
	Failed       int     `json:"-"`
	Total        int     `json:"-"`
	SecondsSpent float64 `json:"-"`
}

type senderRequest struct {
	Request string       `json:"request"`
	Data    []SenderItem `json:"data"`
}

// Sender transmits values over the Zabbix sender protocol. It opens one TCP
// connection per Send.
type Sender struct {
	addr    string
	timeout time.Duration
	dialer  net.Dialer
}

// NewSender creates a Sender for addr ("host" or "host:port"). A missing
// port defaults to 10051.
func NewSender(addr string, timeout time.Duration) *Sender {
	if _, _, err := net.SplitHostPort(addr); err != nil {
		addr = net.JoinHostPort(addr, DefaultSenderPort)
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Sender{
		addr:    addr,
		timeout: timeout,
		dialer:  net.Dialer{Timeout: timeout},
	}
}

// Addr returns the trapper address.
func (s *Sender) Addr() string {
	return s.addr
}

// Send transmits items and returns the parsed acknowledgement.
func (s *Sender) Send(ctx context.Context, items []SenderItem) (SenderResponse, error) {
	payload, err := EncodeSenderRequest(items)
	if err != nil {
		return SenderResponse{}, err
	}

	conn, err := s.dialer.DialContext(ctx, "tcp", s.addr)
	if err != nil {
		return SenderResponse{}, fmt.Errorf("dial trapper %s: %w", s.addr, err)
	}
	defer conn.Close()

	deadline := time.Now().Add(s.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return SenderResponse{}, fmt.Errorf("set deadline: %w", err)
	}

	if _, err := conn.Write(payload); err != nil {
		return SenderResponse{}, fmt.Errorf("write to trapper %s: %w", s.addr, err)
	}

	return ReadSenderResponse(conn)
}

// EncodeSenderRequest frames a "sender data" request.
func EncodeSenderRequest(items []SenderItem) ([]byte, error) {
	body, err := json.Marshal(senderRequest{Request: "sender data", Data: items})
	if err != nil {
		return nil, fmt.Errorf("encode sender data: %w", err)
	}
	return frame(body), nil
}

func frame(body []byte) []byte {
	buf := make([]byte, headerLen, headerLen+len(body))
	copy(buf, headerMagic)
	buf[4] = flagProtocol
	binary.LittleEndian.PutUint64(buf[5:], uint64(len(body)))
	return append(buf, body...)
}

// ReadFrame reads one framed message and returns its body.
func ReadFrame(r io.Reader) ([]byte, error) {
	hdr := make([]byte, headerLen)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	if !bytes.Equal(hdr[:4], []byte(headerMagic)) || hdr[4]&flagProtocol == 0 {
		return nil, ErrBadHeader
	}
	if hdr[4]&flagCompressed != 0 {
		return nil, ErrCompressed
	}
	// Data length is the low four bytes; the high four are reserved.
	n := binary.LittleEndian.Uint32(hdr[5:9])
	if n > maxSenderPayload {
		return nil, fmt.Errorf("payload of %d bytes exceeds limit", n)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	return body, nil
}

// ReadSenderResponse reads and parses a trapper acknowledgement.
func ReadSenderResponse(r io.Reader) (SenderResponse, error) {
	body, err := ReadFrame(r)
	if err != nil {
		return SenderResponse{}, err
	}
	var resp SenderResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return SenderResponse{}, fmt.Errorf("decode sender response: %w", err)
	}
	if resp.Response != "success" {
		return resp, fmt.Errorf("trapper responded %q: %s", resp.Response, resp.Info)
	}
	parseInfo(&resp)
	return resp, nil
}

var infoPattern = regexp.MustCompile(`processed:\s*(\d+);\s*failed:\s*(\d+);\s*total:\s*(\d+);\s*seconds spent:\s*([0-9.]+)`)

func parseInfo(resp *SenderResponse) {
	m := infoPattern.FindStringSubmatch(resp.Info)
	if m == nil {
		return
	}
	resp.Processed, _ = strconv.Atoi(m[1])
	resp.Failed, _ = strconv.Atoi(m[2])
	resp.Total, _ = strconv.Atoi(m[3])
	resp.SecondsSpent, _ = strconv.ParseFloat(m[4], 64)
}

// EncodeSenderResponse frames an acknowledgement. Used by test servers.
func EncodeSenderResponse(processed, failed int) []byte {
	info := fmt.Sprintf("processed: %d; failed: %d; total: %d; seconds spent: 0.000042",
		processed, failed, processed+failed)
	body, _ := json.Marshal(map[string]string{"response": "success", "info": info})
	return frame(body)
}

// DecodeSenderRequest parses a framed "sender data" request. Used by test
// servers.
func DecodeSenderRequest(r io.Reader) ([]SenderItem, error) {
	body, err := ReadFrame(r)
	if err != nil {
		return nil, err
	}
	var req senderRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("decode sender request: %w", err)
	}
	return req.Data, nil
}
