// Package worker runs the fixed pool of goroutines that consume the work
// queue.
package worker

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/HerbHall/icmpreceiver/internal/metrics"
	"github.com/HerbHall/icmpreceiver/internal/queue"
	"github.com/HerbHall/icmpreceiver/internal/recovery"
	"github.com/HerbHall/icmpreceiver/pkg/models"
)

// Handler processes one work item. *registration.Workflow satisfies it.
type Handler interface {
	Handle(ctx context.Context, item models.WorkItem) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, item models.WorkItem) error

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, item models.WorkItem) error {
	return f(ctx, item)
}

// Closer is implemented by handlers that hold a resource, such as a logged-in
// API session, to release when their worker stops.
type Closer interface {
	Close(ctx context.Context) error
}

// closeTimeout bounds releasing one handler.
const closeTimeout = 5 * time.Second

// Factory builds the handler owned by worker id. It typically establishes
// the worker's API session; an error aborts Start.
type Factory func(ctx context.Context, id int) (Handler, error)

// Pool is a fixed-size set of workers popping from one queue.
type Pool struct {
	queue   *queue.Queue[models.WorkItem]
	size    int
	factory Factory
	logger  *zap.Logger
	metrics *metrics.Metrics

	wg sync.WaitGroup
}

// NewPool creates a pool of size workers. Values below 1 mean 1.
func NewPool(q *queue.Queue[models.WorkItem], size int, factory Factory, logger *zap.Logger, m *metrics.Metrics) *Pool {
	if size < 1 {
		size = 1
	}
	return &Pool{
		queue:   q,
		size:    size,
		factory: factory,
		logger:  logger,
		metrics: m,
	}
}

// Size returns the number of workers.
func (p *Pool) Size() int {
	return p.size
}

// Start builds every worker's handler concurrently and, if all succeed,
// launches the workers. Workers run until the queue is closed and drained
// or ctx is canceled. When any factory fails, the handlers already built
// are closed before Start returns.
func (p *Pool) Start(ctx context.Context) error {
	handlers := make([]Handler, p.size)
	g, gctx := errgroup.WithContext(ctx)
	for i := range handlers {
		g.Go(func() error {
			h, err := p.factory(gctx, i)
			if err != nil {
				return fmt.Errorf("worker %d: %w", i, err)
			}
			handlers[i] = h
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		for i, h := range handlers {
			if h != nil {
				p.closeHandler(ctx, p.logger.With(zap.Int("worker", i)), h)
			}
		}
		return err
	}

	for i, h := range handlers {
		p.wg.Add(1)
		go p.run(ctx, i, h)
	}
	p.logger.Info("workers started", zap.Int("count", p.size))
	return nil
}

// Wait blocks until every worker has exited.
func (p *Pool) Wait() {
	p.wg.Wait()
}

func (p *Pool) run(ctx context.Context, id int, h Handler) {
	defer p.wg.Done()
	p.metrics.WorkerStarted()
	defer p.metrics.WorkerStopped()

	log := p.logger.With(zap.Int("worker", id))
	defer p.closeHandler(ctx, log, h)
	for {
		item, err := p.queue.Pop(ctx)
		if err != nil {
			if errors.Is(err, queue.ErrClosed) {
				log.Debug("queue drained, worker exiting")
			} else {
				log.Info("worker canceled", zap.Error(err))
			}
			return
		}
		p.metrics.RecordDequeue(p.queue.Len())
		p.process(ctx, log, id, h, item)
	}
}

// process runs one item. Errors and panics end only this item.
func (p *Pool) process(ctx context.Context, log *zap.Logger, id int, h Handler, item models.WorkItem) {
	defer recovery.RecoverWithCallback(log, "worker-"+strconv.Itoa(id), func(any) {
		p.metrics.RecordPanic()
	})

	log.Debug("processing item",
		zap.String("item_id", item.ID),
		zap.Stringer("source", item.Source),
	)
	if err := h.Handle(ctx, item); err != nil {
		if ctx.Err() != nil {
			log.Warn("item interrupted by shutdown", zap.String("item_id", item.ID))
			return
		}
		log.Error("item failed",
			zap.String("item_id", item.ID),
			zap.Stringer("source", item.Source),
			zap.Error(err),
		)
	}
}

func (p *Pool) closeHandler(ctx context.Context, log *zap.Logger, h Handler) {
	c, ok := h.(Closer)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), closeTimeout)
	defer cancel()
	if err := c.Close(ctx); err != nil {
		log.Warn("closing worker handler", zap.Error(err))
	}
}
