// Package session manages a worker's authenticated handle to the Zabbix API
// and its reconnect discipline.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/HerbHall/icmpreceiver/internal/metrics"
	"github.com/HerbHall/icmpreceiver/internal/zabbix"
)

// ErrConnectExhausted is returned by Connect when every login attempt failed.
var ErrConnectExhausted = errors.New("connect attempts exhausted")

// Client is the API surface a Session drives. *zabbix.Client satisfies it.
type Client interface {
	Login(ctx context.Context) error
	Logout(ctx context.Context) error
	Call(ctx context.Context, method string, params, out any) error
}

// State is the connection state of a Session.
type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
	RequestFailed
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case RequestFailed:
		return "request_failed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Config holds the retry timings of a Session.
type Config struct {
	// ConnectAttempts bounds Connect. Values below 1 mean 1.
	ConnectAttempts int
	// ConnectDelay separates failed Connect attempts.
	ConnectDelay time.Duration
	// RetryDelay separates steady-state request retries.
	RetryDelay time.Duration
}

// Session is a per-worker handle to the API. It is not safe for concurrent
// use; each worker owns one.
type Session struct {
	client  Client
	cfg     Config
	logger  *zap.Logger
	metrics *metrics.Metrics
	state   atomic.Int32
}

// New creates a disconnected Session.
func New(client Client, cfg Config, logger *zap.Logger, m *metrics.Metrics) *Session {
	if cfg.ConnectAttempts < 1 {
		cfg.ConnectAttempts = 1
	}
	return &Session{
		client:  client,
		cfg:     cfg,
		logger:  logger,
		metrics: m,
	}
}

// State returns the current connection state.
func (s *Session) State() State {
	return State(s.state.Load())
}

func (s *Session) setState(st State) {
	s.state.Store(int32(st))
}

// Connect logs in, retrying with a fixed delay up to ConnectAttempts times.
// Exhaustion returns an error wrapping ErrConnectExhausted.
func (s *Session) Connect(ctx context.Context) error {
	var lastErr error
	for attempt := 1; attempt <= s.cfg.ConnectAttempts; attempt++ {
		if lastErr = s.login(ctx); lastErr == nil {
			return nil
		}
		if ctx.Err() != nil {
			s.setState(Disconnected)
			return ctx.Err()
		}
		s.logger.Warn("login failed",
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", s.cfg.ConnectAttempts),
			zap.Error(lastErr),
		)
		if attempt < s.cfg.ConnectAttempts {
			if err := sleep(ctx, s.cfg.ConnectDelay); err != nil {
				s.setState(Disconnected)
				return err
			}
		}
	}
	s.setState(Disconnected)
	return fmt.Errorf("%w after %d attempts: %w", ErrConnectExhausted, s.cfg.ConnectAttempts, lastErr)
}

func (s *Session) login(ctx context.Context) error {
	s.setState(Connecting)
	err := s.client.Login(ctx)
	s.metrics.RecordLogin(err == nil)
	if err != nil {
		return err
	}
	s.setState(Connected)
	return nil
}

// Request issues method with params and decodes the result into out.
//
// A duplicate-name fault is returned at once and wraps zabbix.ErrConflict.
// Every other failure marks the session failed, reconnects, waits RetryDelay
// and retries the same request. The loop ends only on success, a conflict or
// cancellation of ctx.
func (s *Session) Request(ctx context.Context, method string, params, out any) error {
	for attempt := 1; ; attempt++ {
		if s.State() != Connected {
			if err := s.reconnect(ctx); err != nil {
				return err
			}
		}

		start := time.Now()
		err := s.client.Call(ctx, method, params, out)
		if err == nil || zabbix.IsConflict(err) {
			s.metrics.RecordRequest(method, time.Since(start).Seconds())
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		s.setState(RequestFailed)
		s.metrics.RecordRetry()
		s.logger.Warn("api request failed, reconnecting",
			zap.String("method", method),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
		if err := sleep(ctx, s.cfg.RetryDelay); err != nil {
			return err
		}
	}
}

// Close logs out and leaves the session Disconnected. A session that never
// connected is closed without contacting the server.
func (s *Session) Close(ctx context.Context) error {
	if s.State() == Disconnected {
		return nil
	}
	s.setState(Disconnected)
	return s.client.Logout(ctx)
}

// reconnect logs in until it succeeds or ctx is canceled.
func (s *Session) reconnect(ctx context.Context) error {
	for {
		err := s.login(ctx)
		if err == nil {
			s.logger.Info("session re-established")
			return nil
		}
		if ctx.Err() != nil {
			s.setState(Disconnected)
			return ctx.Err()
		}
		s.setState(RequestFailed)
		s.logger.Warn("reconnect failed", zap.Error(err))
		if err := sleep(ctx, s.cfg.RetryDelay); err != nil {
			s.setState(Disconnected)
			return err
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
