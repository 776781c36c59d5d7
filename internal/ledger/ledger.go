// Package ledger records every registration and report outcome per host in
// the local SQLite database.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/HerbHall/icmpreceiver/internal/event"
	"github.com/HerbHall/icmpreceiver/internal/store"
	"github.com/HerbHall/icmpreceiver/pkg/models"
)

// ErrNotFound is returned by Get for an unknown host name.
var ErrNotFound = errors.New("not found")

const component = "ledger"

var migrations = []store.Migration{
	{
		Version:     1,
		Description: "create hosts table",
		Up: func(tx *sql.Tx) error {
			_, err := tx.Exec(`
				CREATE TABLE hosts (
					name             TEXT     PRIMARY KEY,
					address          TEXT     NOT NULL,
					host_id          TEXT     NOT NULL DEFAULT '',
					created          INTEGER  NOT NULL DEFAULT 0,
					observations     INTEGER  NOT NULL DEFAULT 0,
					reports_accepted INTEGER  NOT NULL DEFAULT 0,
					reports_rejected INTEGER  NOT NULL DEFAULT 0,
					last_outcome     TEXT     NOT NULL,
					first_seen       DATETIME NOT NULL,
					last_seen        DATETIME NOT NULL,
					last_reported_at DATETIME
				)`)
			return err
		},
	},
	{
		Version:     2,
		Description: "index hosts by last_seen",
		Up: func(tx *sql.Tx) error {
			_, err := tx.Exec(`CREATE INDEX idx_hosts_last_seen ON hosts(last_seen)`)
			return err
		},
	},
}

// ListOptions controls pagination and sorting for List.
type ListOptions struct {
	Limit     int    // Max results per page (default 50, max 1000).
	Offset    int    // Number of results to skip.
	SortBy    string // name, last_seen, first_seen or observations.
	SortOrder string // "asc" or "desc" (default "desc").
	Outcome   models.HostOutcome
}

// ListResult wraps a page of hosts with the total count.
type ListResult struct {
	Items []models.Host `json:"items"`
	Total int           `json:"total"`
}

func normalizeListOptions(opts ListOptions) ListOptions {
	if opts.Limit <= 0 {
		opts.Limit = 50
	}
	if opts.Limit > 1000 {
		opts.Limit = 1000
	}
	if opts.Offset < 0 {
		opts.Offset = 0
	}
	if opts.SortOrder != "asc" {
		opts.SortOrder = "desc"
	}
	return opts
}

// Ledger is the SQLite-backed host ledger.
type Ledger struct {
	db     *sql.DB
	logger *zap.Logger
}

// New migrates the ledger schema in s and returns a Ledger over it.
func New(ctx context.Context, s *store.SQLiteStore, logger *zap.Logger) (*Ledger, error) {
	if err := s.Migrate(ctx, component, migrations); err != nil {
		return nil, err
	}
	return &Ledger{db: s.DB(), logger: logger}, nil
}

// RecordHost upserts the host named in e with the given outcome. Workers
// finish out of order, so first_seen and last_seen only ever widen.
func (l *Ledger) RecordHost(ctx context.Context, outcome models.HostOutcome, e event.HostEvent) error {
	seen := e.ArrivedAt.UTC()
	if seen.IsZero() {
		seen = time.Now().UTC()
	}
	created := outcome == models.HostOutcomeCreated

	_, err := l.db.ExecContext(ctx, `
		INSERT INTO hosts (name, address, host_id, created, observations, last_outcome, first_seen, last_seen)
		VALUES (?, ?, ?, ?, 1, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			address      = excluded.address,
			host_id      = CASE WHEN excluded.host_id != '' THEN excluded.host_id ELSE hosts.host_id END,
			created      = MAX(hosts.created, excluded.created),
			observations = hosts.observations + 1,
			last_outcome = excluded.last_outcome,
			first_seen   = MIN(hosts.first_seen, excluded.first_seen),
			last_seen    = MAX(hosts.last_seen, excluded.last_seen)`,
		e.Host, e.Address, e.HostID, created, string(outcome), seen, seen,
	)
	if err != nil {
		return fmt.Errorf("record host %q: %w", e.Host, err)
	}
	return nil
}

// RecordReport counts an accepted or rejected report against its host.
func (l *Ledger) RecordReport(ctx context.Context, e event.ReportEvent, accepted bool) error {
	var err error
	if accepted {
		_, err = l.db.ExecContext(ctx,
			`UPDATE hosts SET reports_accepted = reports_accepted + 1, last_reported_at = ? WHERE name = ?`,
			time.Unix(e.Clock, 0).UTC(), e.Host)
	} else {
		_, err = l.db.ExecContext(ctx,
			`UPDATE hosts SET reports_rejected = reports_rejected + 1 WHERE name = ?`, e.Host)
	}
	if err != nil {
		return fmt.Errorf("record report for %q: %w", e.Host, err)
	}
	return nil
}

const hostColumns = `name, address, host_id, created, observations, reports_accepted,
	reports_rejected, last_outcome, first_seen, last_seen, last_reported_at`

// Get returns the host with the given name.
func (l *Ledger) Get(ctx context.Context, name string) (models.Host, error) {
	row := l.db.QueryRowContext(ctx, `SELECT `+hostColumns+` FROM hosts WHERE name = ?`, name)
	h, err := scanHost(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Host{}, ErrNotFound
		}
		return models.Host{}, fmt.Errorf("get host %q: %w", name, err)
	}
	return h, nil
}

// List returns a page of hosts.
func (l *Ledger) List(ctx context.Context, opts ListOptions) (ListResult, error) {
	opts = normalizeListOptions(opts)

	sortCol := "last_seen"
	allowedSorts := map[string]string{
		"name":         "name",
		"last_seen":    "last_seen",
		"first_seen":   "first_seen",
		"observations": "observations",
	}
	if col, ok := allowedSorts[opts.SortBy]; ok {
		sortCol = col
	}
	orderDir := "DESC"
	if opts.SortOrder == "asc" {
		orderDir = "ASC"
	}

	where := "1=1"
	var args []any
	if opts.Outcome != "" {
		where += " AND last_outcome = ?"
		args = append(args, string(opts.Outcome))
	}

	var total int
	//nolint:gosec // where uses parameterized placeholders only
	if err := l.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM hosts WHERE "+where, args...).Scan(&total); err != nil {
		return ListResult{}, fmt.Errorf("count hosts: %w", err)
	}

	//nolint:gosec // sortCol and orderDir are validated above
	query := fmt.Sprintf("SELECT %s FROM hosts WHERE %s ORDER BY %s %s, name ASC LIMIT ? OFFSET ?",
		hostColumns, where, sortCol, orderDir)
	rows, err := l.db.QueryContext(ctx, query, append(args, opts.Limit, opts.Offset)...)
	if err != nil {
		return ListResult{}, fmt.Errorf("list hosts: %w", err)
	}
	defer rows.Close()

	hosts := []models.Host{}
	for rows.Next() {
		h, err := scanHost(rows)
		if err != nil {
			return ListResult{}, fmt.Errorf("scan host: %w", err)
		}
		hosts = append(hosts, h)
	}
	if err := rows.Err(); err != nil {
		return ListResult{}, fmt.Errorf("iterate hosts: %w", err)
	}
	return ListResult{Items: hosts, Total: total}, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanHost(s scanner) (models.Host, error) {
	var h models.Host
	var outcome string
	var reported sql.NullTime
	err := s.Scan(
		&h.Name, &h.Address, &h.HostID, &h.Created, &h.Observations, &h.ReportsAccepted,
		&h.ReportsRejected, &outcome, &h.FirstSeen, &h.LastSeen, &reported,
	)
	if err != nil {
		return models.Host{}, err
	}
	h.LastOutcome = models.HostOutcome(outcome)
	if reported.Valid {
		h.LastReportedAt = reported.Time
	}
	return h, nil
}

// Subscribe feeds the ledger from bus and returns a function that detaches
// it. Write failures are logged.
func (l *Ledger) Subscribe(bus event.Subscriber) func() {
	hostTopics := map[string]models.HostOutcome{
		event.TopicHostCreated:   models.HostOutcomeCreated,
		event.TopicHostExists:    models.HostOutcomeExists,
		event.TopicHostAbandoned: models.HostOutcomeAbandoned,
	}

	var unsubs []func()
	for topic, outcome := range hostTopics {
		unsubs = append(unsubs, bus.Subscribe(topic, func(ctx context.Context, e event.Event) {
			payload, ok := e.Payload.(event.HostEvent)
			if !ok {
				return
			}
			if err := l.RecordHost(context.WithoutCancel(ctx), outcome, payload); err != nil {
				l.logger.Error("ledger write failed", zap.String("topic", e.Topic), zap.Error(err))
			}
		}))
	}
	for topic, accepted := range map[string]bool{
		event.TopicReportAccepted: true,
		event.TopicReportRejected: false,
	} {
		unsubs = append(unsubs, bus.Subscribe(topic, func(ctx context.Context, e event.Event) {
			payload, ok := e.Payload.(event.ReportEvent)
			if !ok {
				return
			}
			if err := l.RecordReport(context.WithoutCancel(ctx), payload, accepted); err != nil {
				l.logger.Error("ledger write failed", zap.String("topic", e.Topic), zap.Error(err))
			}
		}))
	}

	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}
