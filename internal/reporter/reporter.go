// Package reporter sends availability values for monitored hosts through
// the Zabbix sender protocol.
package reporter

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/HerbHall/icmpreceiver/internal/metrics"
	"github.com/HerbHall/icmpreceiver/internal/zabbix"
)

// ErrNotAccepted is returned when every attempt to deliver a report failed
// or was acknowledged with zero processed items.
var ErrNotAccepted = errors.New("report not accepted")

// State is the availability value reported for a host.
type State int

const (
	Unavailable State = 0
	Available   State = 1
)

func (s State) String() string {
	switch s {
	case Unavailable:
		return "unavailable"
	case Available:
		return "available"
	default:
		return "state(" + strconv.Itoa(int(s)) + ")"
	}
}

// Sender transmits trapper items. *zabbix.Sender and *snmptrap.Sender
// satisfy it.
type Sender interface {
	Send(ctx context.Context, items []zabbix.SenderItem) (zabbix.SenderResponse, error)
}

// Config configures a Reporter.
type Config struct {
	// Key is the trapper item key, e.g. "icmpping".
	Key string
	// MaxAttempts bounds transmissions per report. Values below 1 mean 1.
	MaxAttempts int
	// RetryDelay separates attempts.
	RetryDelay time.Duration
}

// Reporter delivers availability reports with bounded retry.
type Reporter struct {
	sender  Sender
	cfg     Config
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// New creates a Reporter.
func New(sender Sender, cfg Config, logger *zap.Logger, m *metrics.Metrics) *Reporter {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	return &Reporter{sender: sender, cfg: cfg, logger: logger, metrics: m}
}

// Report sends state for host stamped with ts. An acknowledgement with a
// processed count above zero is success. Otherwise the item is resent after
// RetryDelay up to MaxAttempts times, after which the failure is logged and
// an error wrapping ErrNotAccepted is returned.
func (r *Reporter) Report(ctx context.Context, host string, ts time.Time, state State) error {
	item := zabbix.SenderItem{
		Host:  host,
		Key:   r.cfg.Key,
		Value: strconv.Itoa(int(state)),
		Clock: ts.Unix(),
	}
	log := r.logger.With(
		zap.String("host", host),
		zap.Stringer("state", state),
		zap.Int64("clock", item.Clock),
	)

	var lastErr error
	for attempt := 1; attempt <= r.cfg.MaxAttempts; attempt++ {
		if attempt > 1 {
			if err := sleep(ctx, r.cfg.RetryDelay); err != nil {
				return err
			}
		}

		r.metrics.RecordReportAttempt()
		resp, err := r.sender.Send(ctx, []zabbix.SenderItem{item})
		switch {
		case err != nil:
			lastErr = err
		case resp.Processed == 0:
			lastErr = fmt.Errorf("trapper processed 0 items (%s)", resp.Info)
		default:
			r.metrics.RecordReport(true)
			log.Debug("availability reported", zap.Int("attempt", attempt))
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.Debug("availability report not accepted", zap.Int("attempt", attempt), zap.Error(lastErr))
	}

	r.metrics.RecordReport(false)
	log.Error("giving up on availability report",
		zap.Int("attempts", r.cfg.MaxAttempts),
		zap.Error(lastErr),
	)
	return fmt.Errorf("%w after %d attempts: %w", ErrNotAccepted, r.cfg.MaxAttempts, lastErr)
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
