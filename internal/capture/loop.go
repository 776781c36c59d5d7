package capture

import (
	"context"
	"errors"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/HerbHall/icmpreceiver/internal/metrics"
	"github.com/HerbHall/icmpreceiver/internal/netfilter"
	"github.com/HerbHall/icmpreceiver/internal/queue"
	"github.com/HerbHall/icmpreceiver/pkg/models"
)

// DefaultBufferSize is the receive buffer size per datagram.
const DefaultBufferSize = 1058

// DefaultReadTimeout bounds a single socket read when none is configured.
const DefaultReadTimeout = time.Second

// readTimeoutOrDefault never returns a non-positive timeout; a zero
// SO_RCVTIMEO blocks reads indefinitely.
func readTimeoutOrDefault(d time.Duration) time.Duration {
	if d <= 0 {
		return DefaultReadTimeout
	}
	return d
}

// PacketReader reads one datagram per call. A read that times out without
// data returns an error wrapping os.ErrDeadlineExceeded.
type PacketReader interface {
	ReadPacket(buf []byte) (int, error)
}

// LoopConfig tunes the capture loop.
type LoopConfig struct {
	BufferSize int
	// ErrorPause is how long the loop sleeps after a read error.
	ErrorPause time.Duration
}

// Loop is the capture loop. It owns no goroutines; Run blocks until the
// context is canceled or the queue is closed.
type Loop struct {
	reader  PacketReader
	allow   netfilter.AllowList
	queue   *queue.Queue[models.WorkItem]
	cfg     LoopConfig
	logger  *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// NewLoop creates a capture loop feeding q with admitted echo requests.
func NewLoop(reader PacketReader, allow netfilter.AllowList, q *queue.Queue[models.WorkItem], cfg LoopConfig, logger *zap.Logger, m *metrics.Metrics) *Loop {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultBufferSize
	}
	if cfg.ErrorPause <= 0 {
		cfg.ErrorPause = 100 * time.Millisecond
	}
	return &Loop{
		reader:  reader,
		allow:   allow,
		queue:   q,
		cfg:     cfg,
		logger:  logger,
		metrics: m,
		now:     time.Now,
	}
}

// Run reads datagrams until ctx is canceled. It returns nil on cancellation
// and queue.ErrClosed if the queue was closed underneath it.
func (l *Loop) Run(ctx context.Context) error {
	buf := make([]byte, l.cfg.BufferSize)
	l.logger.Info("capture started", zap.Stringer("allowed", l.allow))

	for {
		if ctx.Err() != nil {
			l.logger.Info("capture stopped")
			return nil
		}

		n, err := l.reader.ReadPacket(buf)
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				continue
			}
			l.metrics.RecordReadError()
			l.logger.Error("raw socket read failed", zap.Error(err))
			select {
			case <-ctx.Done():
			case <-time.After(l.cfg.ErrorPause):
			}
			continue
		}

		if err := l.handle(buf[:n], l.now()); errors.Is(err, queue.ErrClosed) {
			l.logger.Info("capture stopped: queue closed")
			return err
		}
	}
}

func (l *Loop) handle(raw []byte, arrived time.Time) error {
	pkt, err := Classify(raw)
	if err != nil {
		if errors.Is(err, ErrMalformed) {
			l.metrics.RecordPacket(metrics.PacketMalformed)
		} else {
			l.metrics.RecordPacket(metrics.PacketIgnored)
		}
		return nil
	}

	if !l.allow.Admit(pkt.Source) {
		l.metrics.RecordPacket(metrics.PacketFiltered)
		l.logger.Info("source not in allowed networks",
			zap.Stringer("source", pkt.Source),
			zap.Int("icmp_type", int(pkt.Type)),
		)
		return nil
	}

	if !pkt.IsEchoRequest() {
		l.metrics.RecordPacket(metrics.PacketIgnored)
		return nil
	}
	l.metrics.RecordPacket(metrics.PacketEcho)

	item := models.NewWorkItem(pkt.Source, arrived)
	evicted, err := l.queue.Push(item)
	switch {
	case errors.Is(err, queue.ErrFull):
		l.metrics.RecordDrop(l.queue.Policy().String())
		l.logger.Warn("queue full, dropping echo request",
			zap.Stringer("source", pkt.Source),
			zap.String("item_id", item.ID),
		)
		return nil
	case err != nil:
		return err
	}

	if evicted != nil {
		l.metrics.RecordDrop(l.queue.Policy().String())
		l.logger.Warn("queue full, evicted oldest echo request",
			zap.Stringer("source", evicted.Source),
			zap.String("item_id", evicted.ID),
		)
	}
	l.metrics.RecordEnqueue(l.queue.Len())
	l.logger.Debug("echo request queued",
		zap.Stringer("source", pkt.Source),
		zap.String("item_id", item.ID),
	)
	return nil
}
