// Package zabbixtest provides in-process fakes of the Zabbix JSON-RPC API and
// trapper for tests.
package zabbixtest

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"

	"github.com/HerbHall/icmpreceiver/internal/zabbix"
)

// API is a fake Zabbix frontend holding host groups, templates and hosts in
// memory.
type API struct {
	Server *httptest.Server

	mu         sync.Mutex
	groups     map[string]string
	templates  map[string]string
	hosts      map[string]zabbix.HostCreate
	calls      map[string]int
	failNext   int
	logins     int
	nextHostID int
}

// NewAPI starts a fake API server. It is closed when the test ends.
func NewAPI(t testing.TB) *API {
	t.Helper()
	a := &API{
		groups:     make(map[string]string),
		templates:  make(map[string]string),
		hosts:      make(map[string]zabbix.HostCreate),
		calls:      make(map[string]int),
		nextHostID: 10000,
	}
	a.Server = httptest.NewServer(http.HandlerFunc(a.serve))
	t.Cleanup(a.Server.Close)
	return a
}

// URL returns the API endpoint.
func (a *API) URL() string {
	return a.Server.URL + zabbix.DefaultAPIPath
}

// AddGroup registers a host group.
func (a *API) AddGroup(name, id string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.groups[name] = id
}

// AddTemplate registers a template.
func (a *API) AddTemplate(name, id string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.templates[name] = id
}

// FailNext makes the next n requests fail with HTTP 503.
func (a *API) FailNext(n int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.failNext = n
}

// Calls returns how many times method was invoked successfully.
func (a *API) Calls(method string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls[method]
}

// Logins returns the number of successful user.login calls.
func (a *API) Logins() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.logins
}

// Host returns the create request recorded for name.
func (a *API) Host(name string) (zabbix.HostCreate, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	h, ok := a.hosts[name]
	return h, ok
}

// HostCount returns the number of created hosts.
func (a *API) HostCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.hosts)
}

type rpcRequest struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
	ID     int64           `json:"id"`
	Auth   string          `json:"auth"`
}

func (a *API) serve(w http.ResponseWriter, r *http.Request) {
	a.mu.Lock()
	if a.failNext > 0 {
		a.failNext--
		a.mu.Unlock()
		http.Error(w, "service unavailable", http.StatusServiceUnavailable)
		return
	}
	a.mu.Unlock()

	var req rpcRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, 0, zabbix.CodeParseError, "Parse error.", err.Error())
		return
	}

	if req.Method != zabbix.MethodUserLogin && req.Auth == "" && r.Header.Get("Authorization") == "" {
		writeError(w, req.ID, zabbix.CodeInvalidParams, "Invalid params.", "Not authorized.")
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	switch req.Method {
	case zabbix.MethodUserLogin:
		a.logins++
		a.calls[req.Method]++
		writeResult(w, req.ID, "token-"+strconv.Itoa(a.logins))
	case zabbix.MethodUserLogout:
		a.calls[req.Method]++
		writeResult(w, req.ID, true)
	case zabbix.MethodHostGroupGet:
		a.calls[req.Method]++
		name := filterName(req.Params)
		out := []zabbix.HostGroup{}
		if id, ok := a.groups[name]; ok {
			out = append(out, zabbix.HostGroup{GroupID: id, Name: name})
		}
		writeResult(w, req.ID, out)
	case zabbix.MethodTemplateGet:
		a.calls[req.Method]++
		name := filterName(req.Params)
		out := []zabbix.Template{}
		if id, ok := a.templates[name]; ok {
			out = append(out, zabbix.Template{TemplateID: id, Name: name})
		}
		writeResult(w, req.ID, out)
	case zabbix.MethodHostCreate:
		a.calls[req.Method]++
		var hc zabbix.HostCreate
		if err := json.Unmarshal(req.Params, &hc); err != nil {
			writeError(w, req.ID, zabbix.CodeInvalidParams, "Invalid params.", err.Error())
			return
		}
		if _, exists := a.hosts[hc.Host]; exists {
			writeError(w, req.ID, zabbix.CodeInvalidParams, "Invalid params.",
				fmt.Sprintf("Host with the same name %q already exists.", hc.Host))
			return
		}
		a.hosts[hc.Host] = hc
		a.nextHostID++
		writeResult(w, req.ID, zabbix.HostCreateResult{HostIDs: []string{strconv.Itoa(a.nextHostID)}})
	default:
		writeError(w, req.ID, zabbix.CodeMethodNotFound, "Method not found.", req.Method)
	}
}

func filterName(raw json.RawMessage) string {
	var f zabbix.NameFilter
	_ = json.Unmarshal(raw, &f)
	return f.Filter["name"]
}

func writeResult(w http.ResponseWriter, id int64, result any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"jsonrpc": "2.0", "result": result, "id": id})
}

func writeError(w http.ResponseWriter, id int64, code int, message, data string) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"jsonrpc": "2.0",
		"error":   map[string]any{"code": code, "message": message, "data": data},
		"id":      id,
	})
}

// Trapper is a fake Zabbix trapper that records received items and answers
// with a configurable processed count.
type Trapper struct {
	ln net.Listener

	mu        sync.Mutex
	items     []zabbix.SenderItem
	processed func(n int) int
	wg        sync.WaitGroup
}

// NewTrapper starts a fake trapper on a loopback port. By default every
// received item is reported as processed.
func NewTrapper(t testing.TB) *Trapper {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("zabbixtest: listen: %v", err)
	}
	tr := &Trapper{ln: ln, processed: func(n int) int { return n }}
	tr.wg.Add(1)
	go tr.serve()
	t.Cleanup(func() {
		ln.Close()
		tr.wg.Wait()
	})
	return tr
}

// Addr returns the trapper's host:port.
func (tr *Trapper) Addr() string {
	return tr.ln.Addr().String()
}

// RejectAll makes the trapper report zero processed items.
func (tr *Trapper) RejectAll() {
	tr.SetProcessed(func(int) int { return 0 })
}

// SetProcessed overrides how many of n received items are acknowledged.
func (tr *Trapper) SetProcessed(fn func(n int) int) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.processed = fn
}

// Items returns every item received so far, in arrival order.
func (tr *Trapper) Items() []zabbix.SenderItem {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	out := make([]zabbix.SenderItem, len(tr.items))
	copy(out, tr.items)
	return out
}

func (tr *Trapper) serve() {
	defer tr.wg.Done()
	for {
		conn, err := tr.ln.Accept()
		if err != nil {
			return
		}
		tr.handle(conn)
	}
}

func (tr *Trapper) handle(conn net.Conn) {
	defer conn.Close()
	items, err := zabbix.DecodeSenderRequest(conn)
	if err != nil {
		return
	}
	tr.mu.Lock()
	tr.items = append(tr.items, items...)
	processed := tr.processed(len(items))
	tr.mu.Unlock()
	_, _ = conn.Write(zabbix.EncodeSenderResponse(processed, len(items)-processed))
}
