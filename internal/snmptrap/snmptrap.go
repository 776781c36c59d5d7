// Package snmptrap delivers availability report items as SNMPv2c traps.
package snmptrap

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gosnmp/gosnmp"
	"go.uber.org/zap"

	"github.com/HerbHall/icmpreceiver/internal/zabbix"
)

// Standard notification varbinds (SNMPv2-MIB).
const (
	oidSysUpTime   = ".1.3.6.1.2.1.1.3.0"
	oidSnmpTrapOID = ".1.3.6.1.6.3.1.1.4.1.0"
)

// Varbind suffixes under the enterprise OID.
const (
	suffixNotification = ".0.1"
	suffixHost         = ".1.1"
	suffixKey          = ".1.2"
	suffixValue        = ".1.3"
	suffixClock        = ".1.4"
)

// DefaultPort is the standard SNMP trap port.
const DefaultPort = 162

// Config configures the trap destination.
type Config struct {
	Target        string
	Port          uint16
	Community     string
	EnterpriseOID string
	Timeout       time.Duration
	Retries       int
}

// Sender sends one trap per report item. It satisfies the reporter's
// transport interface, so SNMP can stand in for the trapper protocol.
type Sender struct {
	cfg     Config
	logger  *zap.Logger
	started time.Time
}

// New validates cfg and returns a Sender.
func New(cfg Config, logger *zap.Logger) (*Sender, error) {
	if cfg.Target == "" {
		return nil, errors.New("snmp target is required")
	}
	if err := validateOID(cfg.EnterpriseOID); err != nil {
		return nil, fmt.Errorf("enterprise oid: %w", err)
	}
	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}
	if cfg.Community == "" {
		cfg.Community = "public"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	cfg.EnterpriseOID = "." + strings.Trim(cfg.EnterpriseOID, ".")
	return &Sender{cfg: cfg, logger: logger, started: time.Now()}, nil
}

// Send transmits items as traps. Every trap written to the wire counts as
// processed; SNMPv2c traps carry no acknowledgement.
func (s *Sender) Send(ctx context.Context, items []zabbix.SenderItem) (zabbix.SenderResponse, error) {
	client := &gosnmp.GoSNMP{
		Target:    s.cfg.Target,
		Port:      s.cfg.Port,
		Community: s.cfg.Community,
		Version:   gosnmp.Version2c,
		Timeout:   s.cfg.Timeout,
		Retries:   s.cfg.Retries,
		Context:   ctx,
	}
	if err := client.Connect(); err != nil {
		return zabbix.SenderResponse{}, fmt.Errorf("connect to %s:%d: %w", s.cfg.Target, s.cfg.Port, err)
	}
	defer client.Conn.Close()

	resp := zabbix.SenderResponse{Total: len(items)}
	for _, item := range items {
		if _, err := client.SendTrap(s.trap(item)); err != nil {
			resp.Failed = len(items) - resp.Processed
			return resp, fmt.Errorf("send trap for %q: %w", item.Host, err)
		}
		resp.Processed++
		s.logger.Debug("trap sent",
			zap.String("host", item.Host),
			zap.String("key", item.Key),
			zap.String("value", item.Value),
		)
	}
	resp.Response = "success"
	resp.Info = fmt.Sprintf("processed: %d; failed: 0; total: %d", resp.Processed, resp.Total)
	return resp, nil
}

func (s *Sender) trap(item zabbix.SenderItem) gosnmp.SnmpTrap {
	base := s.cfg.EnterpriseOID
	return gosnmp.SnmpTrap{
		Variables: []gosnmp.SnmpPDU{
			{Name: oidSysUpTime, Type: gosnmp.TimeTicks, Value: s.uptime()},
			{Name: oidSnmpTrapOID, Type: gosnmp.ObjectIdentifier, Value: base + suffixNotification},
			{Name: base + suffixHost, Type: gosnmp.OctetString, Value: item.Host},
			{Name: base + suffixKey, Type: gosnmp.OctetString, Value: item.Key},
			valuePDU(base+suffixValue, item.Value),
			{Name: base + suffixClock, Type: gosnmp.Counter64, Value: uint64(max(item.Clock, 0))},
		},
	}
}

// uptime is the sender's age in hundredths of a second.
func (s *Sender) uptime() uint32 {
	return uint32(time.Since(s.started) / (10 * time.Millisecond))
}

func valuePDU(name, value string) gosnmp.SnmpPDU {
	if n, err := strconv.Atoi(value); err == nil {
		return gosnmp.SnmpPDU{Name: name, Type: gosnmp.Integer, Value: n}
	}
	return gosnmp.SnmpPDU{Name: name, Type: gosnmp.OctetString, Value: value}
}

func validateOID(oid string) error {
	trimmed := strings.Trim(oid, ".")
	if trimmed == "" {
		return errors.New("empty")
	}
	for _, arc := range strings.Split(trimmed, ".") {
		if _, err := strconv.ParseUint(arc, 10, 32); err != nil {
			return fmt.Errorf("invalid arc %q in %q", arc, oid)
		}
	}
	return nil
}
