// Package registration turns an observed echo request into a Zabbix host and
// its availability reports.
package registration

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"time"

	"go.uber.org/zap"

	"github.com/HerbHall/icmpreceiver/internal/event"
	"github.com/HerbHall/icmpreceiver/internal/metrics"
	"github.com/HerbHall/icmpreceiver/internal/reporter"
	"github.com/HerbHall/icmpreceiver/internal/zabbix"
	"github.com/HerbHall/icmpreceiver/pkg/models"
)

// ErrNotFound reports that the configured host group or template does not
// exist. The work item is abandoned.
var ErrNotFound = errors.New("not found")

// Requester issues API requests. *session.Session satisfies it.
type Requester interface {
	Request(ctx context.Context, method string, params, out any) error
}

// Reporter sends availability values. *reporter.Reporter satisfies it.
type Reporter interface {
	Report(ctx context.Context, host string, ts time.Time, state reporter.State) error
}

// Verifier actively checks that an address answers. *probe.Pinger
// satisfies it.
type Verifier interface {
	Reachable(ctx context.Context, addr netip.Addr) (bool, error)
}

// Config describes the hosts the workflow creates.
type Config struct {
	HostGroup     string
	Template      string
	SettleDelay   time.Duration
	AgentPort     string
	InventoryMode string
	Inventory     map[string]string
}

// Option configures optional collaborators of a Workflow.
type Option func(*Workflow)

// WithPublisher publishes registration and report outcomes to p.
func WithPublisher(p event.Publisher) Option {
	return func(w *Workflow) { w.bus = p }
}

// WithVerifier pings newly created hosts before reporting them available.
func WithVerifier(v Verifier) Option {
	return func(w *Workflow) { w.verifier = v }
}

// WithMetrics records outcomes in m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(w *Workflow) { w.metrics = m }
}

// Workflow handles one work item at a time on behalf of a single worker.
type Workflow struct {
	api      Requester
	reporter Reporter
	cfg      Config
	logger   *zap.Logger

	bus      event.Publisher
	verifier Verifier
	metrics  *metrics.Metrics
}

// New creates a Workflow.
func New(api Requester, rep Reporter, cfg Config, logger *zap.Logger, opts ...Option) *Workflow {
	if cfg.AgentPort == "" {
		cfg.AgentPort = zabbix.DefaultAgentPort
	}
	w := &Workflow{
		api:      api,
		reporter: rep,
		cfg:      cfg,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Handle registers the item's source address and reports its availability.
//
// A new host gets an Unavailable baseline, then Available after the settle
// delay. A host that already exists gets Available only. A missing host
// group or template abandons the item with an error wrapping ErrNotFound.
// Reports that are not accepted are logged and do not fail the item.
func (w *Workflow) Handle(ctx context.Context, item models.WorkItem) error {
	host := item.HostName()
	log := w.logger.With(
		zap.String("item_id", item.ID),
		zap.String("host", host),
		zap.Stringer("source", item.Source),
	)

	hostID, err := w.create(ctx, host, item.Source)
	switch {
	case err == nil:
		log.Info("host created", zap.String("host_id", hostID))
		w.metrics.RecordRegistration(string(models.HostOutcomeCreated))
		w.publishHost(ctx, event.TopicHostCreated, item, hostID, "")

		w.report(ctx, log, item, reporter.Unavailable)
		if err := sleep(ctx, w.cfg.SettleDelay); err != nil {
			return err
		}
		if !w.reachable(ctx, log, item.Source) {
			return ctx.Err()
		}
		w.report(ctx, log, item, reporter.Available)
		return ctx.Err()

	case zabbix.IsConflict(err):
		log.Debug("host already exists")
		w.metrics.RecordRegistration(string(models.HostOutcomeExists))
		w.publishHost(ctx, event.TopicHostExists, item, "", "")

		w.report(ctx, log, item, reporter.Available)
		return ctx.Err()

	case errors.Is(err, ErrNotFound):
		log.Warn("abandoning item", zap.Error(err))
		w.metrics.RecordRegistration(string(models.HostOutcomeAbandoned))
		w.publishHost(ctx, event.TopicHostAbandoned, item, "", err.Error())
		return err

	default:
		return fmt.Errorf("register %s: %w", host, err)
	}
}

// create resolves the group and template and issues host.create. It returns
// the new host ID.
// Close releases the API session behind the workflow, if it holds one.
func (w *Workflow) Close(ctx context.Context) error {
	if c, ok := w.api.(interface{ Close(context.Context) error }); ok {
		return c.Close(ctx)
	}
	return nil
}

func (w *Workflow) create(ctx context.Context, host string, addr netip.Addr) (string, error) {
	var groups []zabbix.HostGroup
	if err := w.api.Request(ctx, zabbix.MethodHostGroupGet, zabbix.ByName(w.cfg.HostGroup), &groups); err != nil {
		return "", fmt.Errorf("look up host group %q: %w", w.cfg.HostGroup, err)
	}
	if len(groups) == 0 {
		return "", fmt.Errorf("host group %q: %w", w.cfg.HostGroup, ErrNotFound)
	}

	var templates []zabbix.Template
	if err := w.api.Request(ctx, zabbix.MethodTemplateGet, zabbix.ByName(w.cfg.Template), &templates); err != nil {
		return "", fmt.Errorf("look up template %q: %w", w.cfg.Template, err)
	}
	if len(templates) == 0 {
		return "", fmt.Errorf("template %q: %w", w.cfg.Template, ErrNotFound)
	}

	params := w.hostCreate(host, addr, groups[0].GroupID, templates[0].TemplateID)
	var result zabbix.HostCreateResult
	if err := w.api.Request(ctx, zabbix.MethodHostCreate, params, &result); err != nil {
		return "", err
	}
	if len(result.HostIDs) == 0 {
		return "", nil
	}
	return result.HostIDs[0], nil
}

func (w *Workflow) hostCreate(host string, addr netip.Addr, groupID, templateID string) zabbix.HostCreate {
	return zabbix.HostCreate{
		Host:      host,
		Groups:    []zabbix.GroupRef{{GroupID: groupID}},
		Templates: []zabbix.TemplateRef{{TemplateID: templateID}},
		Interfaces: []zabbix.HostInterface{{
			Type:  zabbix.InterfaceTypeAgent,
			Main:  1,
			UseIP: 1,
			IP:    addr.String(),
			DNS:   "",
			Port:  w.cfg.AgentPort,
		}},
		InventoryMode: w.cfg.InventoryMode,
		Inventory:     w.cfg.Inventory,
	}
}

func (w *Workflow) report(ctx context.Context, log *zap.Logger, item models.WorkItem, state reporter.State) {
	host := item.HostName()
	err := w.reporter.Report(ctx, host, item.ArrivedAt, state)

	payload := event.ReportEvent{
		ItemID: item.ID,
		Host:   host,
		State:  int(state),
		Clock:  item.ArrivedAt.Unix(),
	}
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		payload.Error = err.Error()
		w.publish(ctx, event.TopicReportRejected, payload)
		log.Debug("availability report rejected", zap.Stringer("state", state), zap.Error(err))
		return
	}
	w.publish(ctx, event.TopicReportAccepted, payload)
	log.Info("availability reported", zap.Stringer("state", state))
}

func (w *Workflow) reachable(ctx context.Context, log *zap.Logger, addr netip.Addr) bool {
	if w.verifier == nil {
		return true
	}
	ok, err := w.verifier.Reachable(ctx, addr)
	if err != nil {
		log.Warn("reachability check failed", zap.Error(err))
		return false
	}
	if !ok {
		log.Info("host did not answer, leaving it unavailable")
	}
	return ok
}

func (w *Workflow) publishHost(ctx context.Context, topic string, item models.WorkItem, hostID, reason string) {
	w.publish(ctx, topic, event.HostEvent{
		ItemID:    item.ID,
		Host:      item.HostName(),
		Address:   item.Source.String(),
		ArrivedAt: item.ArrivedAt,
		HostID:    hostID,
		Reason:    reason,
	})
}

func (w *Workflow) publish(ctx context.Context, topic string, payload any) {
	if w.bus == nil {
		return
	}
	_ = w.bus.Publish(ctx, event.Event{
		Topic:     topic,
		Source:    "registration",
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	})
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
