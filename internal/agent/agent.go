// Package agent assembles the receiver: capture loop, hand-off queue,
// worker pool and the optional ledger, MQTT sink and HTTP surface.
package agent

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/HerbHall/icmpreceiver/internal/capture"
	"github.com/HerbHall/icmpreceiver/internal/config"
	"github.com/HerbHall/icmpreceiver/internal/event"
	"github.com/HerbHall/icmpreceiver/internal/ledger"
	"github.com/HerbHall/icmpreceiver/internal/metrics"
	"github.com/HerbHall/icmpreceiver/internal/mqttsink"
	"github.com/HerbHall/icmpreceiver/internal/netfilter"
	"github.com/HerbHall/icmpreceiver/internal/probe"
	"github.com/HerbHall/icmpreceiver/internal/queue"
	"github.com/HerbHall/icmpreceiver/internal/registration"
	"github.com/HerbHall/icmpreceiver/internal/reporter"
	"github.com/HerbHall/icmpreceiver/internal/server"
	"github.com/HerbHall/icmpreceiver/internal/session"
	"github.com/HerbHall/icmpreceiver/internal/snmptrap"
	"github.com/HerbHall/icmpreceiver/internal/store"
	"github.com/HerbHall/icmpreceiver/internal/worker"
	"github.com/HerbHall/icmpreceiver/internal/zabbix"
	"github.com/HerbHall/icmpreceiver/pkg/models"
)

// Option customizes an Agent.
type Option func(*Agent)

// WithPacketReader replaces the raw socket. The agent does not close r.
func WithPacketReader(r capture.PacketReader) Option {
	return func(a *Agent) { a.reader = r }
}

// WithRegistry registers metrics on reg instead of a private registry.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(a *Agent) { a.registry = reg }
}

// WithHTTPListener serves the HTTP surface on ln instead of http.addr.
func WithHTTPListener(ln net.Listener) Option {
	return func(a *Agent) { a.listener = ln }
}

// WithVerifier overrides the reachability checker used when
// registration.verify_reachability is set.
func WithVerifier(v registration.Verifier) Option {
	return func(a *Agent) { a.verifier = v }
}

type closer struct {
	name string
	fn   func() error
}

// Agent is one receiver process.
type Agent struct {
	cfg      config.Config
	logger   *zap.Logger
	registry *prometheus.Registry
	metrics  *metrics.Metrics

	allow  netfilter.AllowList
	queue  *queue.Queue[models.WorkItem]
	bus    *event.Bus
	sender reporter.Sender
	ledger *ledger.Ledger
	pool   *worker.Pool
	server *server.Server

	reader   capture.PacketReader
	listener net.Listener
	verifier registration.Verifier

	mu      sync.Mutex
	abort   context.CancelFunc
	closers []closer
}

// New validates cfg and builds every component that does not need the
// network. Run opens the socket and connects the workers.
func New(cfg config.Config, logger *zap.Logger, opts ...Option) (*Agent, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	allow, err := cfg.AllowList()
	if err != nil {
		return nil, err
	}

	a := &Agent{
		cfg:    cfg,
		logger: logger,
		allow:  allow,
		queue:  queue.New[models.WorkItem](cfg.Capture.QueueCapacity, cfg.DropPolicy()),
		bus:    event.NewBus(logger.Named("event")),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.registry == nil {
		a.registry = prometheus.NewRegistry()
		a.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	a.metrics = metrics.NewMetricsWithRegistry(a.registry)

	if a.sender, err = a.newSender(); err != nil {
		return nil, err
	}
	if a.verifier == nil && cfg.Registration.VerifyReachability {
		a.verifier = probe.NewPinger(cfg.Registration.VerifyTimeout, cfg.Registration.VerifyCount, true)
	}

	if cfg.Ledger.Enabled {
		if err := a.openLedger(); err != nil {
			a.Close()
			return nil, err
		}
	}

	a.pool = worker.NewPool(a.queue, cfg.Workers.Count, a.newHandler, logger.Named("worker"), a.metrics)

	if cfg.HTTP.Enabled {
		srvOpts := server.Options{Queue: a.queue, Gatherer: a.registry}
		if a.ledger != nil {
			srvOpts.Hosts = a.ledger
		}
		a.server = server.New(cfg.HTTP.Addr, srvOpts, logger.Named("http"))
	}
	return a, nil
}

func (a *Agent) newSender() (reporter.Sender, error) {
	switch a.cfg.Reporter.Transport {
	case config.TransportSNMP:
		s, err := snmptrap.New(snmptrap.Config{
			Target:        a.cfg.SNMP.Target,
			Port:          a.cfg.SNMP.Port,
			Community:     a.cfg.SNMP.Community,
			EnterpriseOID: a.cfg.SNMP.EnterpriseOID,
			Timeout:       a.cfg.SNMP.Timeout,
			Retries:       a.cfg.SNMP.Retries,
		}, a.logger.Named("snmp"))
		if err != nil {
			return nil, fmt.Errorf("snmp transport: %w", err)
		}
		return s, nil
	default:
		return zabbix.NewSender(a.cfg.SenderAddr(), a.cfg.Reporter.Timeout), nil
	}
}

func (a *Agent) openLedger() error {
	st, err := store.New(a.cfg.Ledger.Path)
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	a.closers = append(a.closers, closer{name: "ledger", fn: st.Close})

	l, err := ledger.New(context.Background(), st, a.logger.Named("ledger"))
	if err != nil {
		return fmt.Errorf("migrate ledger: %w", err)
	}
	a.ledger = l
	unsubscribe := l.Subscribe(a.bus)
	a.closers = append(a.closers, closer{name: "ledger subscription", fn: func() error {
		unsubscribe()
		return nil
	}})
	return nil
}

// newHandler builds one worker's API session and workflow. A session that
// cannot connect fails startup.
func (a *Agent) newHandler(ctx context.Context, id int) (worker.Handler, error) {
	log := a.logger.Named("worker").With(zap.Int("worker", id))

	client := zabbix.NewClient(zabbix.ClientConfig{
		URL:         a.cfg.APIURL(),
		Username:    a.cfg.Zabbix.Username,
		Password:    a.cfg.Zabbix.Password,
		Timeout:     a.cfg.Zabbix.Timeout,
		RateLimit:   a.cfg.Zabbix.RateLimit,
		AuthHeader:  a.cfg.Zabbix.AuthHeader,
		LegacyLogin: a.cfg.Zabbix.LegacyLogin,
	}, log)
	sess := session.New(client, session.Config{
		ConnectAttempts: a.cfg.Workers.ConnectAttempts,
		ConnectDelay:    a.cfg.Workers.ConnectDelay,
		RetryDelay:      a.cfg.Workers.RetryDelay,
	}, log, a.metrics)
	if err := sess.Connect(ctx); err != nil {
		return nil, err
	}

	rep := reporter.New(a.sender, reporter.Config{
		Key:         a.cfg.Reporter.SenderKey,
		MaxAttempts: a.cfg.Reporter.MaxAttempts,
		RetryDelay:  a.cfg.Reporter.RetryDelay,
	}, log, a.metrics)

	opts := []registration.Option{
		registration.WithPublisher(a.bus),
		registration.WithMetrics(a.metrics),
	}
	if a.verifier != nil {
		opts = append(opts, registration.WithVerifier(a.verifier))
	}
	return registration.New(sess, rep, registration.Config{
		HostGroup:     a.cfg.Registration.HostGroup,
		Template:      a.cfg.Registration.Template,
		SettleDelay:   a.cfg.Workers.SettleDelay,
		AgentPort:     a.cfg.Registration.AgentPort,
		InventoryMode: a.cfg.Registration.InventoryMode,
		Inventory:     a.cfg.Registration.Inventory,
	}, log, opts...), nil
}

// Run starts every component and blocks until ctx is canceled or one of
// them fails. On cancellation capture stops first, the queue is closed and
// workers drain what is left within workers.shutdown_timeout; Abort cuts
// the drain short.
func (a *Agent) Run(ctx context.Context) error {
	if a.reader == nil {
		sock, err := capture.OpenRawSocket(a.cfg.Capture.ReadTimeout)
		if err != nil {
			return fmt.Errorf("open raw socket: %w", err)
		}
		a.reader = sock
		a.closers = append(a.closers, closer{name: "raw socket", fn: sock.Close})
	}

	if a.cfg.MQTT.Enabled {
		sink, err := mqttsink.Connect(mqttsink.Config{
			Broker:      a.cfg.MQTT.Broker,
			ClientID:    a.cfg.MQTT.ClientID,
			TopicPrefix: a.cfg.MQTT.TopicPrefix,
			Username:    a.cfg.MQTT.Username,
			Password:    a.cfg.MQTT.Password,
		}, a.logger.Named("mqtt"))
		if err != nil {
			return fmt.Errorf("mqtt sink: %w", err)
		}
		detach := sink.Attach(a.bus)
		a.closers = append(a.closers, closer{name: "mqtt sink", fn: func() error {
			detach()
			sink.Close()
			return nil
		}})
	}

	// Workers outlive ctx so they can drain the queue after capture stops.
	workCtx, cancelWork := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelWork()
	a.mu.Lock()
	a.abort = cancelWork
	a.mu.Unlock()

	if err := a.pool.Start(workCtx); err != nil {
		return fmt.Errorf("start workers: %w", err)
	}

	loop := capture.NewLoop(a.reader, a.allow, a.queue, capture.LoopConfig{
		BufferSize: a.cfg.Capture.BufferSize,
		ErrorPause: a.cfg.Capture.ErrorPause,
	}, a.logger.Named("capture"), a.metrics)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := loop.Run(gctx)
		if errors.Is(err, queue.ErrClosed) {
			return nil
		}
		return err
	})

	g.Go(func() error {
		<-gctx.Done()
		a.queue.Close()
		a.drain(cancelWork)
		return nil
	})

	if a.server != nil {
		g.Go(func() error {
			if a.listener != nil {
				return a.server.Serve(a.listener)
			}
			return a.server.Start()
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return a.server.Shutdown(shutdownCtx)
		})
	}

	a.logger.Info("receiver running",
		zap.Stringer("allowed", a.allow),
		zap.Int("workers", a.pool.Size()),
		zap.Int("queue_capacity", a.queue.Capacity()),
		zap.Stringer("drop_policy", a.queue.Policy()),
	)
	err := g.Wait()
	a.logger.Info("receiver stopped", zap.Int("abandoned_items", a.queue.Len()))
	return err
}

func (a *Agent) drain(cancelWork context.CancelFunc) {
	if pending := a.queue.Len(); pending > 0 {
		a.logger.Info("draining queue", zap.Int("pending", pending))
	}
	done := make(chan struct{})
	go func() {
		a.pool.Wait()
		close(done)
	}()

	timeout := a.cfg.Workers.ShutdownTimeout
	if timeout <= 0 {
		<-done
		return
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		a.logger.Warn("shutdown timeout reached, canceling in-flight work",
			zap.Duration("timeout", timeout),
			zap.Int("pending", a.queue.Len()),
		)
		cancelWork()
		<-done
	}
}

// Abort cancels in-flight work during shutdown.
func (a *Agent) Abort() {
	a.mu.Lock()
	abort := a.abort
	a.mu.Unlock()
	if abort != nil {
		a.logger.Warn("aborting in-flight work")
		abort()
	}
}

// Queue exposes the hand-off queue.
func (a *Agent) Queue() *queue.Queue[models.WorkItem] {
	return a.queue
}

// Ledger returns the host ledger, or nil when it is disabled.
func (a *Agent) Ledger() *ledger.Ledger {
	return a.ledger
}

// Bus returns the event bus.
func (a *Agent) Bus() *event.Bus {
	return a.bus
}

// Close releases resources in reverse order of acquisition.
func (a *Agent) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		c := a.closers[i]
		if err := c.fn(); err != nil {
			a.logger.Error("failed to close", zap.String("component", c.name), zap.Error(err))
		}
	}
	a.closers = nil
}
