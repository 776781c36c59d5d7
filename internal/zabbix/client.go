// Package zabbix implements the two Zabbix server interfaces the agent
// consumes: the JSON-RPC frontend API and the trapper (sender) protocol.
package zabbix

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/HerbHall/icmpreceiver/internal/version"
)

// DefaultAPIPath is appended to a bare server address to form the API URL.
const DefaultAPIPath = "/api_jsonrpc.php"

// maxResponseBytes bounds how much of an API response is read.
const maxResponseBytes = 16 << 20

// ClientConfig configures a JSON-RPC client.
type ClientConfig struct {
	// URL is the full API endpoint, e.g. http://zabbix/api_jsonrpc.php.
	URL      string
	Username string
	Password string
	// Timeout bounds each HTTP round trip.
	Timeout time.Duration
	// RateLimit caps requests per second; 0 disables limiting.
	RateLimit float64
	// AuthHeader sends the session token as an Authorization bearer header
	// (Zabbix 6.4+) instead of the "auth" request member.
	AuthHeader bool
	// LegacyLogin sends "user" instead of "username" to user.login, as
	// required by Zabbix releases before 5.4.
	LegacyLogin bool
}

// APIURL builds the API endpoint for a server given as host, host:port or a
// full URL.
func APIURL(server string) string {
	s := strings.TrimRight(strings.TrimSpace(server), "/")
	if s == "" {
		return ""
	}
	if !strings.Contains(s, "://") {
		s = "http://" + s
	}
	if strings.HasSuffix(s, ".php") {
		return s
	}
	return s + DefaultAPIPath
}

// Client is a JSON-RPC client for the Zabbix API. A Client holds one session
// token and is intended to be owned by a single worker.
type Client struct {
	cfg     ClientConfig
	http    *http.Client
	limiter *rate.Limiter
	logger  *zap.Logger
	nextID  atomic.Int64

	mu    sync.Mutex
	token string
}

// NewClient creates an unauthenticated client. Call Login before Call.
func NewClient(cfg ClientConfig, logger *zap.Logger) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	c := &Client{
		cfg:    cfg,
		http:   &http.Client{Timeout: timeout},
		logger: logger,
	}
	if cfg.RateLimit > 0 {
		burst := int(cfg.RateLimit)
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	return c
}

type request struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
	ID      int64  `json:"id"`
	Auth    string `json:"auth,omitempty"`
}

type response struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result"`
	Error   *APIError       `json:"error"`
	ID      int64           `json:"id"`
}

// Login authenticates with user.login and stores the session token,
// replacing any previous one.
func (c *Client) Login(ctx context.Context) error {
	params := map[string]string{"password": c.cfg.Password}
	if c.cfg.LegacyLogin {
		params["user"] = c.cfg.Username
	} else {
		params["username"] = c.cfg.Username
	}

	var token string
	if err := c.do(ctx, "user.login", params, "", &token); err != nil {
		return fmt.Errorf("login as %q: %w", c.cfg.Username, err)
	}
	if token == "" {
		return errors.New("login: empty session token")
	}

	c.mu.Lock()
	c.token = token
	c.mu.Unlock()

	c.logger.Debug("zabbix session established", zap.String("url", c.cfg.URL))
	return nil
}

// Logout ends the current session with user.logout. The local token is
// dropped even when the server call fails. Logging out without a session
// is a no-op.
func (c *Client) Logout(ctx context.Context) error {
	c.mu.Lock()
	token := c.token
	c.token = ""
	c.mu.Unlock()
	if token == "" {
		return nil
	}
	if err := c.do(ctx, MethodUserLogout, []any{}, token, nil); err != nil {
		return fmt.Errorf("logout: %w", err)
	}
	return nil
}

// Authenticated reports whether Login has succeeded at least once.
func (c *Client) Authenticated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token != ""
}

// Call invokes method with params and decodes the result into out, which
// may be nil. API faults are returned as *APIError.
func (c *Client) Call(ctx context.Context, method string, params, out any) error {
	c.mu.Lock()
	token := c.token
	c.mu.Unlock()
	if token == "" {
		return errors.New("not logged in")
	}
	return c.do(ctx, method, params, token, out)
}

func (c *Client) do(ctx context.Context, method string, params any, token string, out any) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
	}

	req := request{
		JSONRPC: "2.0",
		Method:  method,
		Params:  params,
		ID:      c.nextID.Add(1),
	}
	if token != "" && !c.cfg.AuthHeader {
		req.Auth = token
	}

	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode %s request: %w", method, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build %s request: %w", method, err)
	}
	httpReq.Header.Set("Content-Type", "application/json-rpc")
	httpReq.Header.Set("User-Agent", version.UserAgent())
	if token != "" && c.cfg.AuthHeader {
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("%s: read response: %w", method, err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s: unexpected status %d", method, resp.StatusCode)
	}

	var rpcResp response
	if err := json.Unmarshal(raw, &rpcResp); err != nil {
		return fmt.Errorf("%s: decode response: %w", method, err)
	}
	if rpcResp.Error != nil {
		rpcResp.Error.Method = method
		return rpcResp.Error
	}
	if out == nil || len(rpcResp.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(rpcResp.Result, out); err != nil {
		return fmt.Errorf("%s: decode result: %w", method, err)
	}
	return nil
}
