package snmptrap

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/gosnmp/gosnmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/HerbHall/icmpreceiver/internal/zabbix"
)

const testEnterprise = "1.3.6.1.4.1.99999.7"

func TestNew_Validation(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"valid", Config{Target: "127.0.0.1", EnterpriseOID: testEnterprise}, false},
		{"leading dot", Config{Target: "127.0.0.1", EnterpriseOID: "." + testEnterprise}, false},
		{"missing target", Config{EnterpriseOID: testEnterprise}, true},
		{"empty oid", Config{Target: "127.0.0.1"}, true},
		{"bad arc", Config{Target: "127.0.0.1", EnterpriseOID: "1.3.x.4"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.cfg, zap.NewNop())
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestNew_Defaults(t *testing.T) {
	s, err := New(Config{Target: "127.0.0.1", EnterpriseOID: testEnterprise + "."}, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, uint16(DefaultPort), s.cfg.Port)
	assert.Equal(t, "public", s.cfg.Community)
	assert.Equal(t, "."+testEnterprise, s.cfg.EnterpriseOID)
}

func TestTrapVarbinds(t *testing.T) {
	s, err := New(Config{Target: "127.0.0.1", EnterpriseOID: testEnterprise}, zap.NewNop())
	require.NoError(t, err)

	trap := s.trap(zabbix.SenderItem{Host: "10_0_0_5", Key: "icmpping", Value: "1", Clock: 1700000000})
	require.Len(t, trap.Variables, 6)

	base := "." + testEnterprise
	assert.Equal(t, oidSysUpTime, trap.Variables[0].Name)
	assert.Equal(t, gosnmp.TimeTicks, trap.Variables[0].Type)
	assert.Equal(t, base+".0.1", trap.Variables[1].Value)

	assert.Equal(t, base+".1.1", trap.Variables[2].Name)
	assert.Equal(t, "10_0_0_5", trap.Variables[2].Value)
	assert.Equal(t, "icmpping", trap.Variables[3].Value)
	assert.Equal(t, gosnmp.Integer, trap.Variables[4].Type)
	assert.Equal(t, 1, trap.Variables[4].Value)
	assert.Equal(t, uint64(1700000000), trap.Variables[5].Value)
}

func TestValuePDU_NonNumeric(t *testing.T) {
	pdu := valuePDU(".1.2", "up")
	assert.Equal(t, gosnmp.OctetString, pdu.Type)
	assert.Equal(t, "up", pdu.Value)
}

func TestSend_DeliversTrap(t *testing.T) {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer conn.Close()

	s, err := New(Config{
		Target:        "127.0.0.1",
		Port:          uint16(conn.LocalAddr().(*net.UDPAddr).Port),
		Community:     "monitor",
		EnterpriseOID: testEnterprise,
		Timeout:       time.Second,
	}, zap.NewNop())
	require.NoError(t, err)

	items := []zabbix.SenderItem{
		{Host: "10_0_0_5", Key: "icmpping", Value: "0", Clock: 1700000000},
		{Host: "10_0_0_5", Key: "icmpping", Value: "1", Clock: 1700000000},
	}
	resp, err := s.Send(context.Background(), items)
	require.NoError(t, err)
	assert.Equal(t, 2, resp.Processed)
	assert.Equal(t, 2, resp.Total)

	buf := make([]byte, 4096)
	for i, item := range items {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		n, _, err := conn.ReadFromUDP(buf)
		require.NoError(t, err, "trap %d", i)

		pkt, err := gosnmp.Default.SnmpDecodePacket(buf[:n])
		require.NoError(t, err)
		assert.Equal(t, gosnmp.SNMPv2Trap, pkt.PDUType)
		assert.Equal(t, "monitor", pkt.Community)

		values := map[string]any{}
		for _, v := range pkt.Variables {
			values[v.Name] = v.Value
		}
		base := "." + testEnterprise
		assert.Equal(t, []byte(item.Host), values[base+".1.1"])
		assert.Equal(t, []byte(item.Key), values[base+".1.2"])
		want, _ := strconv.Atoi(item.Value)
		assert.Equal(t, want, values[base+".1.3"])
	}
}
