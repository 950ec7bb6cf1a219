package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/hamed0406/domainhealth/internal/domain"
	"github.com/hamed0406/domainhealth/internal/repo"
)

var _ repo.Store = (*Store)(nil)

type Store struct {
	pool *pgxpool.Pool
	log  *zap.Logger
}

// Schema is applied on open. The partial unique index is the store-level
// guarantee of at most one ONGOING incident per target.
const Schema = `
CREATE TABLE IF NOT EXISTS clients (
  id                TEXT PRIMARY KEY,
  name              TEXT NOT NULL,
  notify_emails     TEXT[] NOT NULL DEFAULT '{}',
  slack_webhook_url TEXT NOT NULL DEFAULT '',
  telegram_chat_id  TEXT NOT NULL DEFAULT '',
  created_at        TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS data_sources (
  id              TEXT PRIMARY KEY,
  client_id       TEXT NOT NULL,
  kind            TEXT NOT NULL,
  host            TEXT NOT NULL,
  config          JSONB NOT NULL DEFAULT '{}',
  last_checked_at TIMESTAMPTZ NULL,
  created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_data_sources_kind ON data_sources (kind);

CREATE TABLE IF NOT EXISTS incidents (
  id               TEXT PRIMARY KEY,
  client_id        TEXT NOT NULL,
  target_id        TEXT NULL,
  title            TEXT NOT NULL,
  cause            TEXT NOT NULL,
  cause_code       TEXT NULL,
  last_cause_code  TEXT NULL,
  status           TEXT NOT NULL,
  checked_url      TEXT NOT NULL,
  http_method      TEXT NOT NULL DEFAULT 'GET',
  status_code      INTEGER NULL,
  response_time_ms INTEGER NULL,
  resolved_ip      TEXT NULL,
  started_at       TIMESTAMPTZ NOT NULL,
  resolved_at      TIMESTAMPTZ NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS uq_incidents_one_ongoing ON incidents (target_id) WHERE status = 'ONGOING';
CREATE INDEX IF NOT EXISTS idx_incidents_client_started ON incidents (client_id, started_at DESC);

CREATE TABLE IF NOT EXISTS incident_events (
  id          TEXT PRIMARY KEY,
  incident_id TEXT NOT NULL REFERENCES incidents(id) ON DELETE CASCADE,
  type        TEXT NOT NULL,
  message     TEXT NOT NULL,
  user_id     TEXT NULL,
  user_name   TEXT NOT NULL,
  created_at  TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_incident_events_incident ON incident_events (incident_id, created_at);

CREATE TABLE IF NOT EXISTS notifications (
  id          TEXT PRIMARY KEY,
  client_id   TEXT NOT NULL,
  kind        TEXT NOT NULL,
  title       TEXT NOT NULL,
  message     TEXT NOT NULL,
  incident_id TEXT NULL,
  target_id   TEXT NULL,
  read        BOOLEAN NOT NULL DEFAULT false,
  created_at  TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_notifications_client ON notifications (client_id, created_at DESC);
`

func New(ctx context.Context, dsn string, log *zap.Logger) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.New: %w", err)
	}
	ctxPing, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(ctxPing); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	if _, err := pool.Exec(ctx, Schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{pool: pool, log: log}, nil
}

func (s *Store) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

// ---- TargetStore ----

const targetColumns = `id, client_id, kind, host, config, last_checked_at, created_at`

func (s *Store) AddTarget(ctx context.Context, t *domain.MonitorTarget) error {
	if t.ID == "" {
		t.ID = domain.TargetID(uuid.NewString())
	}
	if t.Kind == "" {
		t.Kind = domain.KindDomain
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	cfg, err := json.Marshal(t.Config)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO data_sources (`+targetColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		string(t.ID), string(t.ClientID), t.Kind, t.Host, cfg, t.LastCheckedAt, t.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert target: %w", err)
	}
	return nil
}

func (s *Store) GetTarget(ctx context.Context, id domain.TargetID) (*domain.MonitorTarget, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+targetColumns+` FROM data_sources WHERE id = $1`, string(id))
	t, err := scanTarget(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, repo.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get target: %w", err)
	}
	return &t, nil
}

func (s *Store) ListMonitored(ctx context.Context) ([]domain.MonitorTarget, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+targetColumns+`
		   FROM data_sources
		  WHERE kind = $1
		  ORDER BY created_at, id`, domain.KindDomain)
	if err != nil {
		return nil, fmt.Errorf("list targets: %w", err)
	}
	defer rows.Close()

	var out []domain.MonitorTarget
	for rows.Next() {
		t, err := scanTarget(rows)
		if err != nil {
			return nil, fmt.Errorf("scan target: %w", err)
		}
		if t.Config.UptimeEnabled() {
			out = append(out, t)
		}
	}
	return out, rows.Err()
}

func (s *Store) MarkChecked(ctx context.Context, id domain.TargetID, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `UPDATE data_sources SET last_checked_at = $2 WHERE id = $1`, string(id), at.UTC())
	if err != nil {
		return fmt.Errorf("mark checked: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return repo.ErrNotFound
	}
	return nil
}

func (s *Store) UpdateTargetConfig(ctx context.Context, id domain.TargetID, cfg domain.TargetConfig) error {
	b, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `UPDATE data_sources SET config = $2 WHERE id = $1`, string(id), b)
	if err != nil {
		return fmt.Errorf("update config: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return repo.ErrNotFound
	}
	return nil
}

func scanTarget(row pgx.Row) (domain.MonitorTarget, error) {
	var (
		t        domain.MonitorTarget
		id, cid  string
		cfg      []byte
		lastSeen *time.Time
	)
	if err := row.Scan(&id, &cid, &t.Kind, &t.Host, &cfg, &lastSeen, &t.CreatedAt); err != nil {
		return t, err
	}
	t.ID, t.ClientID, t.LastCheckedAt = domain.TargetID(id), domain.ClientID(cid), lastSeen
	if len(cfg) > 0 {
		if err := json.Unmarshal(cfg, &t.Config); err != nil {
			return t, fmt.Errorf("decode config: %w", err)
		}
	}
	return t, nil
}

// ---- ClientStore ----

func (s *Store) AddClient(ctx context.Context, c *domain.Client) error {
	if c.ID == "" {
		c.ID = domain.ClientID(uuid.NewString())
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	emails := c.NotifyEmails
	if emails == nil {
		emails = []string{}
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO clients (id, name, notify_emails, slack_webhook_url, telegram_chat_id, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		string(c.ID), c.Name, emails, c.SlackWebhookURL, c.TelegramChatID, c.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert client: %w", err)
	}
	return nil
}

func (s *Store) GetClient(ctx context.Context, id domain.ClientID) (*domain.Client, error) {
	var (
		c   domain.Client
		cid string
	)
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, notify_emails, slack_webhook_url, telegram_chat_id, created_at
		   FROM clients WHERE id = $1`, string(id)).
		Scan(&cid, &c.Name, &c.NotifyEmails, &c.SlackWebhookURL, &c.TelegramChatID, &c.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, repo.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get client: %w", err)
	}
	c.ID = domain.ClientID(cid)
	return &c, nil
}

// ---- IncidentStore ----

const incidentColumns = `id, client_id, target_id, title, cause, cause_code, last_cause_code, status,
	checked_url, http_method, status_code, response_time_ms, resolved_ip, started_at, resolved_at`

func (s *Store) FindOngoing(ctx context.Context, targetID domain.TargetID) (*domain.Incident, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+incidentColumns+` FROM incidents WHERE target_id = $1 AND status = 'ONGOING'`,
		string(targetID))
	inc, err := scanIncident(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find ongoing: %w", err)
	}
	return &inc, nil
}

func (s *Store) GetIncident(ctx context.Context, id domain.IncidentID) (*domain.Incident, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+incidentColumns+` FROM incidents WHERE id = $1`, string(id))
	inc, err := scanIncident(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, repo.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get incident: %w", err)
	}
	return &inc, nil
}

func (s *Store) ListIncidents(ctx context.Context, f repo.IncidentFilter) ([]domain.Incident, error) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if f.ClientID != "" {
		add("client_id = $%d", string(f.ClientID))
	}
	if f.TargetID != "" {
		add("target_id = $%d", string(f.TargetID))
	}
	if f.Status != "" {
		add("status = $%d", string(f.Status))
	}
	q := `SELECT ` + incidentColumns + ` FROM incidents`
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}
	q += ` ORDER BY started_at DESC, id DESC`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		q += fmt.Sprintf(` LIMIT $%d`, len(args))
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list incidents: %w", err)
	}
	defer rows.Close()
	out := make([]domain.Incident, 0)
	for rows.Next() {
		inc, err := scanIncident(rows)
		if err != nil {
			return nil, fmt.Errorf("scan incident: %w", err)
		}
		out = append(out, inc)
	}
	return out, rows.Err()
}

func (s *Store) CreateIncident(ctx context.Context, inc *domain.Incident, created *domain.IncidentEvent) error {
	if inc.ID == "" {
		inc.ID = domain.IncidentID(uuid.NewString())
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`INSERT INTO incidents (`+incidentColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		string(inc.ID), string(inc.ClientID), targetParam(inc.TargetID), inc.Title, inc.Cause,
		codeParam(inc.CauseCode), codeParam(inc.LastCauseCode), string(inc.Status),
		inc.CheckedURL, inc.HTTPMethod, inc.StatusCode, inc.ResponseTimeMS, inc.ResolvedIP,
		inc.StartedAt, inc.ResolvedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return repo.ErrIncidentOngoing
		}
		return fmt.Errorf("insert incident: %w", err)
	}
	if created != nil {
		created.IncidentID = inc.ID
		if err := insertEvent(ctx, tx, created); err != nil {
			return err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (s *Store) ResolveIncident(ctx context.Context, id domain.IncidentID, resolvedAt time.Time, ev *domain.IncidentEvent) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		`UPDATE incidents SET status = 'RESOLVED', resolved_at = $2
		  WHERE id = $1 AND status = 'ONGOING'`, string(id), resolvedAt.UTC())
	if err != nil {
		return fmt.Errorf("resolve incident: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return repo.ErrNotFound
	}
	if ev != nil {
		ev.IncidentID = id
		if err := insertEvent(ctx, tx, ev); err != nil {
			return err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (s *Store) RecordCauseChange(ctx context.Context, id domain.IncidentID, code domain.ErrorCode, ev *domain.IncidentEvent) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `UPDATE incidents SET last_cause_code = $2 WHERE id = $1`, string(id), string(code))
	if err != nil {
		return fmt.Errorf("record cause change: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return repo.ErrNotFound
	}
	if ev != nil {
		ev.IncidentID = id
		if err := insertEvent(ctx, tx, ev); err != nil {
			return err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (s *Store) AppendEvent(ctx context.Context, ev *domain.IncidentEvent) error {
	err := insertEvent(ctx, s.pool, ev)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23503" {
		return repo.ErrNotFound
	}
	return err
}

func (s *Store) ListEvents(ctx context.Context, id domain.IncidentID) ([]domain.IncidentEvent, error) {
	if _, err := s.GetIncident(ctx, id); err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, incident_id, type, message, user_id, user_name, created_at
		   FROM incident_events
		  WHERE incident_id = $1
		  ORDER BY created_at, id`, string(id))
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	out := make([]domain.IncidentEvent, 0)
	for rows.Next() {
		var (
			ev       domain.IncidentEvent
			iid, typ string
			userID   *string
		)
		if err := rows.Scan(&ev.ID, &iid, &typ, &ev.Message, &userID, &ev.UserName, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev.IncidentID, ev.Type = domain.IncidentID(iid), domain.EventType(typ)
		if userID != nil {
			ev.UserID = *userID
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func insertEvent(ctx context.Context, db execer, ev *domain.IncidentEvent) error {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	var userID *string
	if ev.UserID != "" {
		userID = &ev.UserID
	}
	_, err := db.Exec(ctx,
		`INSERT INTO incident_events (id, incident_id, type, message, user_id, user_name, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		ev.ID, string(ev.IncidentID), string(ev.Type), ev.Message, userID, ev.UserName, ev.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

func scanIncident(row pgx.Row) (domain.Incident, error) {
	var (
		inc                      domain.Incident
		id, cid, status          string
		targetID, code, lastCode *string
	)
	err := row.Scan(&id, &cid, &targetID, &inc.Title, &inc.Cause, &code, &lastCode, &status,
		&inc.CheckedURL, &inc.HTTPMethod, &inc.StatusCode, &inc.ResponseTimeMS, &inc.ResolvedIP,
		&inc.StartedAt, &inc.ResolvedAt)
	if err != nil {
		return inc, err
	}
	inc.ID, inc.ClientID, inc.Status = domain.IncidentID(id), domain.ClientID(cid), domain.IncidentStatus(status)
	if targetID != nil {
		t := domain.TargetID(*targetID)
		inc.TargetID = &t
	}
	inc.CauseCode = codeFromParam(code)
	inc.LastCauseCode = codeFromParam(lastCode)
	return inc, nil
}

func targetParam(id *domain.TargetID) *string {
	if id == nil {
		return nil
	}
	s := string(*id)
	return &s
}

func codeParam(c *domain.ErrorCode) *string {
	if c == nil {
		return nil
	}
	s := string(*c)
	return &s
}

func codeFromParam(s *string) *domain.ErrorCode {
	if s == nil {
		return nil
	}
	c := domain.ErrorCode(*s)
	return &c
}

// ---- NotificationStore ----

func (s *Store) CreateNotification(ctx context.Context, n *domain.Notification) error {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	var incidentID *string
	if n.IncidentID != nil {
		v := string(*n.IncidentID)
		incidentID = &v
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO notifications (id, client_id, kind, title, message, incident_id, target_id, read, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		n.ID, string(n.ClientID), string(n.Kind), n.Title, n.Message, incidentID, targetParam(n.TargetID), n.Read, n.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert notification: %w", err)
	}
	return nil
}

func (s *Store) ListNotifications(ctx context.Context, clientID domain.ClientID, unreadOnly bool) ([]domain.Notification, error) {
	q := `SELECT id, client_id, kind, title, message, incident_id, target_id, read, created_at
	        FROM notifications WHERE client_id = $1`
	if unreadOnly {
		q += ` AND NOT read`
	}
	q += ` ORDER BY created_at DESC, id DESC`
	rows, err := s.pool.Query(ctx, q, string(clientID))
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	defer rows.Close()

	out := make([]domain.Notification, 0)
	for rows.Next() {
		var (
			n                  domain.Notification
			cid, kind          string
			incidentID, target *string
		)
		if err := rows.Scan(&n.ID, &cid, &kind, &n.Title, &n.Message, &incidentID, &target, &n.Read, &n.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		n.ClientID, n.Kind = domain.ClientID(cid), domain.NotificationKind(kind)
		if incidentID != nil {
			v := domain.IncidentID(*incidentID)
			n.IncidentID = &v
		}
		if target != nil {
			v := domain.TargetID(*target)
			n.TargetID = &v
		}
		out = append(out, n)
	}
	return out, rows.Err()
}
