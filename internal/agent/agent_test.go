package agent

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/netip"
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/HerbHall/icmpreceiver/internal/config"
	"github.com/HerbHall/icmpreceiver/internal/session"
	"github.com/HerbHall/icmpreceiver/internal/snmptrap"
	"github.com/HerbHall/icmpreceiver/internal/testutil"
	"github.com/HerbHall/icmpreceiver/internal/zabbix"
	"github.com/HerbHall/icmpreceiver/internal/zabbix/zabbixtest"
	"github.com/HerbHall/icmpreceiver/pkg/models"
)

// chanReader hands out datagrams sent on its channel and times out
// otherwise, like a raw socket with SO_RCVTIMEO.
type chanReader struct {
	packets chan []byte
}

func newChanReader() *chanReader {
	return &chanReader{packets: make(chan []byte, 16)}
}

func (r *chanReader) ReadPacket(buf []byte) (int, error) {
	select {
	case p := <-r.packets:
		return copy(buf, p), nil
	case <-time.After(5 * time.Millisecond):
		return 0, os.ErrDeadlineExceeded
	}
}

type fixture struct {
	api     *zabbixtest.API
	trapper *zabbixtest.Trapper
	cfg     config.Config
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	api := zabbixtest.NewAPI(t)
	api.AddGroup("Discovered hosts", "22")
	api.AddTemplate("ICMP Ping", "10564")
	trapper := zabbixtest.NewTrapper(t)

	cfg, err := config.Load(viper.New(), "")
	require.NoError(t, err)
	cfg.Zabbix.URL = api.URL()
	cfg.Zabbix.Server = "127.0.0.1"
	cfg.Zabbix.Username = "Admin"
	cfg.Zabbix.Password = "zabbix"
	cfg.Capture.AllowedNetworks = []string{"10.0.0.0/24"}
	cfg.Workers.Count = 2
	cfg.Workers.ConnectAttempts = 2
	cfg.Workers.ConnectDelay = time.Millisecond
	cfg.Workers.RetryDelay = time.Millisecond
	cfg.Workers.SettleDelay = 10 * time.Millisecond
	cfg.Workers.ShutdownTimeout = 5 * time.Second
	cfg.Registration.HostGroup = "Discovered hosts"
	cfg.Registration.Template = "ICMP Ping"
	cfg.Reporter.SenderAddr = trapper.Addr()
	cfg.Reporter.SenderKey = "icmpping"
	cfg.Reporter.RetryDelay = time.Millisecond
	cfg.Reporter.Timeout = time.Second

	return &fixture{api: api, trapper: trapper, cfg: cfg}
}

func (f *fixture) values(host string) []string {
	var out []string
	for _, item := range f.trapper.Items() {
		if item.Host == host {
			out = append(out, item.Value)
		}
	}
	return out
}

func startAgent(t *testing.T, a *Agent) (cancel func() error) {
	t.Helper()
	ctx, stop := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()
	t.Cleanup(a.Close)
	return func() error {
		stop()
		select {
		case err := <-done:
			return err
		case <-time.After(10 * time.Second):
			t.Fatal("agent did not stop")
			return nil
		}
	}
}

func TestAgent_EndToEnd(t *testing.T) {
	f := newFixture(t)
	f.cfg.Ledger.Enabled = true
	f.cfg.Ledger.Path = filepath.Join(t.TempDir(), "ledger.db")
	f.cfg.HTTP.Enabled = true

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	logger, logs := testutil.ObservedLogger(zapcore.InfoLevel)
	reader := newChanReader()
	a, err := New(f.cfg, logger,
		WithPacketReader(reader),
		WithRegistry(prometheus.NewRegistry()),
		WithHTTPListener(ln),
	)
	require.NoError(t, err)
	stop := startAgent(t, a)

	reader.packets <- testutil.EchoRequest(t, "10.0.0.5")
	reader.packets <- testutil.EchoRequest(t, "192.168.1.1")

	require.Eventually(t, func() bool { return len(f.values("10_0_0_5")) == 2 },
		5*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"0", "1"}, f.values("10_0_0_5"))

	hc, ok := f.api.Host("10_0_0_5")
	require.True(t, ok)
	require.Len(t, hc.Interfaces, 1)
	assert.Equal(t, "10.0.0.5", hc.Interfaces[0].IP)
	assert.Equal(t, 1, f.api.HostCount())

	filtered := logs.FilterMessage("source not in allowed networks").All()
	require.Len(t, filtered, 1)
	assert.Equal(t, "192.168.1.1", filtered[0].ContextMap()["source"])

	// Seen again: conflict, one more Available report.
	reader.packets <- testutil.EchoRequest(t, "10.0.0.5")
	require.Eventually(t, func() bool { return len(f.values("10_0_0_5")) == 3 },
		5*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"0", "1", "1"}, f.values("10_0_0_5"))
	assert.Equal(t, 2, f.api.Calls(zabbix.MethodHostCreate))
	assert.Equal(t, 1, f.api.HostCount())

	require.Eventually(t, func() bool {
		h, err := a.Ledger().Get(context.Background(), "10_0_0_5")
		return err == nil && h.Observations == 2 && h.ReportsAccepted == 3
	}, 5*time.Second, 5*time.Millisecond)

	resp, err := http.Get("http://" + ln.Addr().String() + "/api/v1/hosts/10_0_0_5")
	require.NoError(t, err)
	var h models.Host
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&h))
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, models.HostOutcomeExists, h.LastOutcome)
	assert.True(t, h.Created)

	require.NoError(t, stop())
	assert.True(t, a.Queue().Closed())
}

func TestAgent_ConcurrentEchoRequestsFromOneSource(t *testing.T) {
	f := newFixture(t)
	f.cfg.Workers.Count = 2
	f.cfg.Workers.SettleDelay = 200 * time.Millisecond

	reader := newChanReader()
	a, err := New(f.cfg, zap.NewNop(), WithPacketReader(reader), WithRegistry(prometheus.NewRegistry()))
	require.NoError(t, err)
	stop := startAgent(t, a)

	// Both arrive before either worker finishes: one creates, the other
	// hits the conflict while the first is still settling.
	reader.packets <- testutil.EchoRequest(t, "10.0.0.5")
	reader.packets <- testutil.EchoRequest(t, "10.0.0.5")

	require.Eventually(t, func() bool { return len(f.values("10_0_0_5")) == 3 },
		5*time.Second, 5*time.Millisecond)
	got := f.values("10_0_0_5")
	slices.Sort(got)
	assert.Equal(t, []string{"0", "1", "1"}, got)
	assert.Equal(t, 2, f.api.Calls(zabbix.MethodHostCreate))
	assert.Equal(t, 1, f.api.HostCount())

	require.NoError(t, stop())
	assert.Equal(t, 2, f.api.Calls(zabbix.MethodUserLogout), "each worker logs out on exit")
}

func TestAgent_ConnectFailureAbortsStartup(t *testing.T) {
	f := newFixture(t)
	f.api.FailNext(1000)

	a, err := New(f.cfg, zap.NewNop(), WithPacketReader(newChanReader()), WithRegistry(prometheus.NewRegistry()))
	require.NoError(t, err)
	defer a.Close()

	err = a.Run(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, session.ErrConnectExhausted), "err = %v", err)
}

func TestAgent_ShutdownDrainsQueue(t *testing.T) {
	f := newFixture(t)
	f.cfg.Workers.Count = 1

	a, err := New(f.cfg, zap.NewNop(), WithPacketReader(newChanReader()), WithRegistry(prometheus.NewRegistry()))
	require.NoError(t, err)
	defer a.Close()

	for _, src := range []string{"10.0.0.5", "10.0.0.6", "10.0.0.7"} {
		_, err := a.Queue().Push(models.NewWorkItem(netip.MustParseAddr(src), time.Now()))
		require.NoError(t, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, a.Run(ctx))

	assert.Equal(t, 0, a.Queue().Len())
	assert.Equal(t, 3, f.api.HostCount())
	for _, host := range []string{"10_0_0_5", "10_0_0_6", "10_0_0_7"} {
		assert.Equal(t, []string{"0", "1"}, f.values(host), host)
	}
}

func TestAgent_ShutdownTimeoutCancelsWork(t *testing.T) {
	f := newFixture(t)
	f.cfg.Workers.Count = 1
	f.cfg.Workers.SettleDelay = time.Hour
	f.cfg.Workers.ShutdownTimeout = 200 * time.Millisecond

	logger, logs := testutil.ObservedLogger(zapcore.WarnLevel)
	a, err := New(f.cfg, logger, WithPacketReader(newChanReader()), WithRegistry(prometheus.NewRegistry()))
	require.NoError(t, err)
	defer a.Close()

	_, err = a.Queue().Push(models.NewWorkItem(netip.MustParseAddr("10.0.0.5"), time.Now()))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	start := time.Now()
	require.NoError(t, a.Run(ctx))

	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Equal(t, 1, logs.FilterMessage("shutdown timeout reached, canceling in-flight work").Len())
	assert.NotContains(t, f.values("10_0_0_5"), "1", "Available never sent")
}

func TestAgent_AbortBeforeRunIsNoop(t *testing.T) {
	f := newFixture(t)
	a, err := New(f.cfg, zap.NewNop(), WithPacketReader(newChanReader()), WithRegistry(prometheus.NewRegistry()))
	require.NoError(t, err)
	assert.NotPanics(t, a.Abort)
}

func TestNew_InvalidConfig(t *testing.T) {
	f := newFixture(t)
	f.cfg.Registration.HostGroup = ""
	f.cfg.Capture.AllowedNetworks = []string{"not-a-cidr"}

	_, err := New(f.cfg, zap.NewNop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "registration.host_group")
	assert.Contains(t, err.Error(), "capture.allowed_networks")
}

func TestNew_SelectsTransport(t *testing.T) {
	f := newFixture(t)

	a, err := New(f.cfg, zap.NewNop(), WithRegistry(prometheus.NewRegistry()))
	require.NoError(t, err)
	_, ok := a.sender.(*zabbix.Sender)
	assert.True(t, ok, "zabbix transport by default")

	f.cfg.Reporter.Transport = config.TransportSNMP
	f.cfg.SNMP.Target = "127.0.0.1"
	a, err = New(f.cfg, zap.NewNop(), WithRegistry(prometheus.NewRegistry()))
	require.NoError(t, err)
	_, ok = a.sender.(*snmptrap.Sender)
	assert.True(t, ok, "snmp transport when selected")
}
