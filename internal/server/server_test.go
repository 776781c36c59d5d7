package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/HerbHall/icmpreceiver/internal/event"
	"github.com/HerbHall/icmpreceiver/internal/ledger"
	"github.com/HerbHall/icmpreceiver/internal/metrics"
	"github.com/HerbHall/icmpreceiver/internal/testutil"
	"github.com/HerbHall/icmpreceiver/internal/version"
	"github.com/HerbHall/icmpreceiver/pkg/models"
)

type fakeQueue struct {
	depth, capacity int
	closed          bool
}

func (q fakeQueue) Len() int      { return q.depth }
func (q fakeQueue) Capacity() int { return q.capacity }
func (q fakeQueue) Closed() bool  { return q.closed }

type failingHosts struct{}

func (failingHosts) Get(context.Context, string) (models.Host, error) {
	return models.Host{}, errors.New("disk on fire")
}

func (failingHosts) List(context.Context, ledger.ListOptions) (ledger.ListResult, error) {
	return ledger.ListResult{}, errors.New("disk on fire")
}

func newLedger(t *testing.T) *ledger.Ledger {
	t.Helper()
	l, err := ledger.New(context.Background(), testutil.NewStore(t), zap.NewNop())
	require.NoError(t, err)

	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i, addr := range []string{"10.0.0.5", "10.0.0.6"} {
		e := event.HostEvent{Host: strings.ReplaceAll(addr, ".", "_"), Address: addr, ArrivedAt: at.Add(time.Duration(i) * time.Second)}
		require.NoError(t, l.RecordHost(context.Background(), models.HostOutcomeCreated, e))
	}
	return l
}

func get(t *testing.T, h http.Handler, target string) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, target, http.NoBody))
	return w
}

func TestHealth(t *testing.T) {
	s := New(":0", Options{Queue: fakeQueue{depth: 3, capacity: 100}}, zap.NewNop())

	w := get(t, s.Handler(), "/api/v1/health")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, version.Short(), w.Header().Get("X-Icmpreceiver-Version"))

	var body healthResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, "icmpreceiver", body.Service)
	require.NotNil(t, body.Queue)
	assert.Equal(t, 3, body.Queue.Depth)
	assert.Equal(t, 100, body.Queue.Capacity)
}

func TestHealth_ClosedQueue(t *testing.T) {
	s := New(":0", Options{Queue: fakeQueue{closed: true}}, zap.NewNop())
	w := get(t, s.Handler(), "/api/v1/health")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "application/problem+json", w.Header().Get("Content-Type"))
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.NewMetricsWithRegistry(reg)
	m.RecordPacket(metrics.PacketEcho)

	s := New(":0", Options{Gatherer: reg}, zap.NewNop())
	w := get(t, s.Handler(), "/metrics")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "icmpreceiver_packets_total")
}

func TestRoutesDisabledWithoutBackends(t *testing.T) {
	s := New(":0", Options{}, zap.NewNop())
	assert.Equal(t, http.StatusNotFound, get(t, s.Handler(), "/metrics").Code)
	assert.Equal(t, http.StatusNotFound, get(t, s.Handler(), "/api/v1/hosts").Code)
}

func TestListHosts(t *testing.T) {
	s := New(":0", Options{Hosts: newLedger(t)}, zap.NewNop())

	tests := []struct {
		name       string
		target     string
		wantStatus int
		wantNames  []string
	}{
		{"default order", "/api/v1/hosts", http.StatusOK, []string{"10_0_0_6", "10_0_0_5"}},
		{"sorted by name", "/api/v1/hosts?sort=name&order=asc", http.StatusOK, []string{"10_0_0_5", "10_0_0_6"}},
		{"limit", "/api/v1/hosts?sort=name&order=asc&limit=1", http.StatusOK, []string{"10_0_0_5"}},
		{"outcome filter", "/api/v1/hosts?outcome=exists", http.StatusOK, []string{}},
		{"bad limit", "/api/v1/hosts?limit=ten", http.StatusBadRequest, nil},
		{"negative offset", "/api/v1/hosts?offset=-1", http.StatusBadRequest, nil},
		{"bad outcome", "/api/v1/hosts?outcome=maybe", http.StatusBadRequest, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := get(t, s.Handler(), tt.target)
			require.Equal(t, tt.wantStatus, w.Code, w.Body.String())
			if tt.wantNames == nil {
				return
			}
			var res ledger.ListResult
			require.NoError(t, json.NewDecoder(w.Body).Decode(&res))
			wantTotal := 2
			if len(tt.wantNames) == 0 {
				wantTotal = 0
			}
			assert.Equal(t, wantTotal, res.Total)
			names := []string{}
			for _, h := range res.Items {
				names = append(names, h.Name)
			}
			assert.Equal(t, tt.wantNames, names)
		})
	}
}

func TestGetHost(t *testing.T) {
	s := New(":0", Options{Hosts: newLedger(t)}, zap.NewNop())

	w := get(t, s.Handler(), "/api/v1/hosts/10_0_0_5")
	require.Equal(t, http.StatusOK, w.Code)
	var h models.Host
	require.NoError(t, json.NewDecoder(w.Body).Decode(&h))
	assert.Equal(t, "10.0.0.5", h.Address)
	assert.True(t, h.Created)

	w = get(t, s.Handler(), "/api/v1/hosts/10_9_9_9")
	require.Equal(t, http.StatusNotFound, w.Code)
	var p Problem
	require.NoError(t, json.NewDecoder(w.Body).Decode(&p))
	assert.Equal(t, ProblemTypeNotFound, p.Type)
	assert.Equal(t, "/api/v1/hosts/10_9_9_9", p.Instance)
}

func TestLedgerErrors(t *testing.T) {
	s := New(":0", Options{Hosts: failingHosts{}}, zap.NewNop())
	assert.Equal(t, http.StatusInternalServerError, get(t, s.Handler(), "/api/v1/hosts").Code)
	assert.Equal(t, http.StatusInternalServerError, get(t, s.Handler(), "/api/v1/hosts/x").Code)
}

func TestServeAndShutdown(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	s := New(ln.Addr().String(), Options{}, zap.NewNop())

	done := make(chan error, 1)
	go func() { done <- s.Serve(ln) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/api/v1/health")
	require.NoError(t, err)
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Shutdown(ctx))
	require.NoError(t, <-done)
}
