package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/hamed0406/domainhealth/internal/domain"
	"github.com/hamed0406/domainhealth/internal/repo"
)

var _ repo.Store = (*Store)(nil)

// Store is a single-file store for small deployments and local runs.
type Store struct {
	db *sql.DB
}

// New opens (creating if needed) the database file and runs migrations.
func New(ctx context.Context, path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to open sqlite database: %w", err)
	}
	// one writer at a time keeps SQLITE_BUSY out of the picture
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate(ctx context.Context) error {
	schema := `
CREATE TABLE IF NOT EXISTS clients (
	id                TEXT PRIMARY KEY,
	name              TEXT NOT NULL,
	notify_emails     TEXT NOT NULL DEFAULT '[]',
	slack_webhook_url TEXT NOT NULL DEFAULT '',
	telegram_chat_id  TEXT NOT NULL DEFAULT '',
	created_at        TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS data_sources (
	id              TEXT PRIMARY KEY,
	client_id       TEXT NOT NULL,
	kind            TEXT NOT NULL,
	host            TEXT NOT NULL,
	config          TEXT NOT NULL DEFAULT '{}',
	last_checked_at TEXT,
	created_at      TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_data_sources_kind ON data_sources (kind, created_at, id);

CREATE TABLE IF NOT EXISTS incidents (
	id               TEXT PRIMARY KEY,
	client_id        TEXT NOT NULL,
	target_id        TEXT,
	title            TEXT NOT NULL,
	cause            TEXT NOT NULL,
	cause_code       TEXT,
	last_cause_code  TEXT,
	status           TEXT NOT NULL,
	checked_url      TEXT NOT NULL,
	http_method      TEXT NOT NULL,
	status_code      INTEGER,
	response_time_ms INTEGER,
	resolved_ip      TEXT,
	started_at       TEXT NOT NULL,
	resolved_at      TEXT
);
CREATE UNIQUE INDEX IF NOT EXISTS uq_incidents_one_ongoing ON incidents (target_id) WHERE status = 'ONGOING';
CREATE INDEX IF NOT EXISTS idx_incidents_client_started ON incidents (client_id, started_at DESC);

CREATE TABLE IF NOT EXISTS incident_events (
	id          TEXT PRIMARY KEY,
	incident_id TEXT NOT NULL,
	type        TEXT NOT NULL,
	message     TEXT NOT NULL,
	user_id     TEXT,
	user_name   TEXT NOT NULL,
	created_at  TEXT NOT NULL,
	seq         INTEGER NOT NULL DEFAULT 0,
	FOREIGN KEY(incident_id) REFERENCES incidents(id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_incident_events_incident ON incident_events (incident_id, created_at);

CREATE TABLE IF NOT EXISTS notifications (
	id          TEXT PRIMARY KEY,
	client_id   TEXT NOT NULL,
	kind        TEXT NOT NULL,
	title       TEXT NOT NULL,
	message     TEXT NOT NULL,
	incident_id TEXT,
	target_id   TEXT,
	read        INTEGER NOT NULL DEFAULT 0,
	created_at  TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_notifications_client ON notifications (client_id, created_at DESC);
`
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// fixed-width so that TEXT ordering matches time ordering
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func timePtr(ns sql.NullString) *time.Time {
	if !ns.Valid {
		return nil
	}
	t := parseTime(ns.String)
	return &t
}

func nullString[T ~string](v *T) sql.NullString {
	if v == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: string(*v), Valid: true}
}

func stringPtr[T ~string](ns sql.NullString) *T {
	if !ns.Valid {
		return nil
	}
	v := T(ns.String)
	return &v
}

func nullInt(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}

func intPtr(ni sql.NullInt64) *int {
	if !ni.Valid {
		return nil
	}
	v := int(ni.Int64)
	return &v
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
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
		return fmt.Errorf("failed to encode config: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO data_sources (`+targetColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		string(t.ID), string(t.ClientID), t.Kind, t.Host, string(cfg), nullTime(t.LastCheckedAt), formatTime(t.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to insert target: %w", err)
	}
	return nil
}

func (s *Store) GetTarget(ctx context.Context, id domain.TargetID) (*domain.MonitorTarget, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+targetColumns+` FROM data_sources WHERE id = ?`, string(id))
	t, err := scanTarget(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, repo.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get target: %w", err)
	}
	return &t, nil
}

func (s *Store) ListMonitored(ctx context.Context) ([]domain.MonitorTarget, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+targetColumns+` FROM data_sources WHERE kind = ? ORDER BY created_at, id`, domain.KindDomain)
	if err != nil {
		return nil, fmt.Errorf("failed to list targets: %w", err)
	}
	defer rows.Close()

	var out []domain.MonitorTarget
	for rows.Next() {
		t, err := scanTarget(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan target: %w", err)
		}
		if t.Config.UptimeEnabled() {
			out = append(out, t)
		}
	}
	return out, rows.Err()
}

func (s *Store) MarkChecked(ctx context.Context, id domain.TargetID, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE data_sources SET last_checked_at = ? WHERE id = ?`, formatTime(at), string(id))
	if err != nil {
		return fmt.Errorf("failed to mark checked: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return repo.ErrNotFound
	}
	return nil
}

func (s *Store) UpdateTargetConfig(ctx context.Context, id domain.TargetID, cfg domain.TargetConfig) error {
	b, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `UPDATE data_sources SET config = ? WHERE id = ?`, string(b), string(id))
	if err != nil {
		return fmt.Errorf("failed to update config: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return repo.ErrNotFound
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTarget(row scanner) (domain.MonitorTarget, error) {
	var (
		t                   domain.MonitorTarget
		id, cid, cfg, since string
		last                sql.NullString
	)
	if err := row.Scan(&id, &cid, &t.Kind, &t.Host, &cfg, &last, &since); err != nil {
		return t, err
	}
	t.ID, t.ClientID = domain.TargetID(id), domain.ClientID(cid)
	t.LastCheckedAt = timePtr(last)
	t.CreatedAt = parseTime(since)
	if cfg != "" {
		if err := json.Unmarshal([]byte(cfg), &t.Config); err != nil {
			return t, fmt.Errorf("failed to decode config: %w", err)
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
	b, _ := json.Marshal(emails)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO clients (id, name, notify_emails, slack_webhook_url, telegram_chat_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		string(c.ID), c.Name, string(b), c.SlackWebhookURL, c.TelegramChatID, formatTime(c.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to insert client: %w", err)
	}
	return nil
}

func (s *Store) GetClient(ctx context.Context, id domain.ClientID) (*domain.Client, error) {
	var (
		c                 domain.Client
		cid, emails, when string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, notify_emails, slack_webhook_url, telegram_chat_id, created_at
		   FROM clients WHERE id = ?`, string(id)).
		Scan(&cid, &c.Name, &emails, &c.SlackWebhookURL, &c.TelegramChatID, &when)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, repo.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get client: %w", err)
	}
	c.ID = domain.ClientID(cid)
	c.CreatedAt = parseTime(when)
	if err := json.Unmarshal([]byte(emails), &c.NotifyEmails); err != nil {
		return nil, fmt.Errorf("failed to decode client emails: %w", err)
	}
	return &c, nil
}

// ---- IncidentStore ----

const incidentColumns = `id, client_id, target_id, title, cause, cause_code, last_cause_code, status,
	checked_url, http_method, status_code, response_time_ms, resolved_ip, started_at, resolved_at`

func (s *Store) FindOngoing(ctx context.Context, targetID domain.TargetID) (*domain.Incident, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+incidentColumns+` FROM incidents WHERE target_id = ? AND status = 'ONGOING'`, string(targetID))
	inc, err := scanIncident(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find ongoing incident: %w", err)
	}
	return &inc, nil
}

func (s *Store) GetIncident(ctx context.Context, id domain.IncidentID) (*domain.Incident, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+incidentColumns+` FROM incidents WHERE id = ?`, string(id))
	inc, err := scanIncident(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, repo.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get incident: %w", err)
	}
	return &inc, nil
}

func (s *Store) ListIncidents(ctx context.Context, f repo.IncidentFilter) ([]domain.Incident, error) {
	var (
		where []string
		args  []any
	)
	if f.ClientID != "" {
		where, args = append(where, "client_id = ?"), append(args, string(f.ClientID))
	}
	if f.TargetID != "" {
		where, args = append(where, "target_id = ?"), append(args, string(f.TargetID))
	}
	if f.Status != "" {
		where, args = append(where, "status = ?"), append(args, string(f.Status))
	}
	q := `SELECT ` + incidentColumns + ` FROM incidents`
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}
	q += ` ORDER BY started_at DESC, id DESC`
	if f.Limit > 0 {
		q += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list incidents: %w", err)
	}
	defer rows.Close()
	out := make([]domain.Incident, 0)
	for rows.Next() {
		inc, err := scanIncident(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan incident: %w", err)
		}
		out = append(out, inc)
	}
	return out, rows.Err()
}

func (s *Store) CreateIncident(ctx context.Context, inc *domain.Incident, created *domain.IncidentEvent) error {
	if inc.ID == "" {
		inc.ID = domain.IncidentID(uuid.NewString())
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("could not begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO incidents (`+incidentColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(inc.ID), string(inc.ClientID), nullString(inc.TargetID), inc.Title, inc.Cause,
		nullString(inc.CauseCode), nullString(inc.LastCauseCode), string(inc.Status),
		inc.CheckedURL, inc.HTTPMethod, nullInt(inc.StatusCode), nullInt(inc.ResponseTimeMS),
		nullString(inc.ResolvedIP), formatTime(inc.StartedAt), nullTime(inc.ResolvedAt))
	if isUniqueViolation(err) {
		return repo.ErrIncidentOngoing
	}
	if err != nil {
		return fmt.Errorf("failed to insert incident: %w", err)
	}
	if created != nil {
		created.IncidentID = inc.ID
		if err := insertEvent(ctx, tx, created); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (s *Store) ResolveIncident(ctx context.Context, id domain.IncidentID, resolvedAt time.Time, ev *domain.IncidentEvent) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("could not begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE incidents SET status = 'RESOLVED', resolved_at = ? WHERE id = ? AND status = 'ONGOING'`,
		formatTime(resolvedAt), string(id))
	if err != nil {
		return fmt.Errorf("failed to resolve incident: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return repo.ErrNotFound
	}
	if ev != nil {
		ev.IncidentID = id
		if err := insertEvent(ctx, tx, ev); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (s *Store) RecordCauseChange(ctx context.Context, id domain.IncidentID, code domain.ErrorCode, ev *domain.IncidentEvent) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("could not begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `UPDATE incidents SET last_cause_code = ? WHERE id = ?`, string(code), string(id))
	if err != nil {
		return fmt.Errorf("failed to record cause change: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return repo.ErrNotFound
	}
	if ev != nil {
		ev.IncidentID = id
		if err := insertEvent(ctx, tx, ev); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (s *Store) AppendEvent(ctx context.Context, ev *domain.IncidentEvent) error {
	if _, err := s.GetIncident(ctx, ev.IncidentID); err != nil {
		return err
	}
	return insertEvent(ctx, s.db, ev)
}

func (s *Store) ListEvents(ctx context.Context, id domain.IncidentID) ([]domain.IncidentEvent, error) {
	if _, err := s.GetIncident(ctx, id); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, incident_id, type, message, user_id, user_name, created_at
		   FROM incident_events WHERE incident_id = ? ORDER BY created_at, seq`, string(id))
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	out := make([]domain.IncidentEvent, 0)
	for rows.Next() {
		var (
			ev             domain.IncidentEvent
			iid, typ, when string
			userID         sql.NullString
		)
		if err := rows.Scan(&ev.ID, &iid, &typ, &ev.Message, &userID, &ev.UserName, &when); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		ev.IncidentID, ev.Type = domain.IncidentID(iid), domain.EventType(typ)
		ev.UserID = userID.String
		ev.CreatedAt = parseTime(when)
		out = append(out, ev)
	}
	return out, rows.Err()
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertEvent(ctx context.Context, db execer, ev *domain.IncidentEvent) error {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	var userID sql.NullString
	if ev.UserID != "" {
		userID = sql.NullString{String: ev.UserID, Valid: true}
	}
	_, err := db.ExecContext(ctx,
		`INSERT INTO incident_events (id, incident_id, type, message, user_id, user_name, created_at, seq)
		 VALUES (?, ?, ?, ?, ?, ?, ?, (SELECT COUNT(*) FROM incident_events WHERE incident_id = ?))`,
		ev.ID, string(ev.IncidentID), string(ev.Type), ev.Message, userID, ev.UserName, formatTime(ev.CreatedAt),
		string(ev.IncidentID))
	if err != nil {
		return fmt.Errorf("failed to insert event: %w", err)
	}
	return nil
}

func scanIncident(row scanner) (domain.Incident, error) {
	var (
		inc                          domain.Incident
		id, cid, status, started     string
		targetID, code, lastCode, ip sql.NullString
		statusCode, latency          sql.NullInt64
		resolved                     sql.NullString
	)
	err := row.Scan(&id, &cid, &targetID, &inc.Title, &inc.Cause, &code, &lastCode, &status,
		&inc.CheckedURL, &inc.HTTPMethod, &statusCode, &latency, &ip, &started, &resolved)
	if err != nil {
		return inc, err
	}
	inc.ID, inc.ClientID, inc.Status = domain.IncidentID(id), domain.ClientID(cid), domain.IncidentStatus(status)
	inc.TargetID = stringPtr[domain.TargetID](targetID)
	inc.CauseCode = stringPtr[domain.ErrorCode](code)
	inc.LastCauseCode = stringPtr[domain.ErrorCode](lastCode)
	inc.ResolvedIP = stringPtr[string](ip)
	inc.StatusCode, inc.ResponseTimeMS = intPtr(statusCode), intPtr(latency)
	inc.StartedAt = parseTime(started)
	inc.ResolvedAt = timePtr(resolved)
	return inc, nil
}

// ---- NotificationStore ----

func (s *Store) CreateNotification(ctx context.Context, n *domain.Notification) error {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO notifications (id, client_id, kind, title, message, incident_id, target_id, read, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		n.ID, string(n.ClientID), string(n.Kind), n.Title, n.Message,
		nullString(n.IncidentID), nullString(n.TargetID), n.Read, formatTime(n.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to insert notification: %w", err)
	}
	return nil
}

func (s *Store) ListNotifications(ctx context.Context, clientID domain.ClientID, unreadOnly bool) ([]domain.Notification, error) {
	q := `SELECT id, client_id, kind, title, message, incident_id, target_id, read, created_at
	        FROM notifications WHERE client_id = ?`
	if unreadOnly {
		q += ` AND read = 0`
	}
	q += ` ORDER BY created_at DESC, rowid DESC`
	rows, err := s.db.QueryContext(ctx, q, string(clientID))
	if err != nil {
		return nil, fmt.Errorf("failed to list notifications: %w", err)
	}
	defer rows.Close()

	out := make([]domain.Notification, 0)
	for rows.Next() {
		var (
			n                  domain.Notification
			cid, kind, when    string
			incidentID, target sql.NullString
		)
		if err := rows.Scan(&n.ID, &cid, &kind, &n.Title, &n.Message, &incidentID, &target, &n.Read, &when); err != nil {
			return nil, fmt.Errorf("failed to scan notification: %w", err)
		}
		n.ClientID, n.Kind = domain.ClientID(cid), domain.NotificationKind(kind)
		n.IncidentID = stringPtr[domain.IncidentID](incidentID)
		n.TargetID = stringPtr[domain.TargetID](target)
		n.CreatedAt = parseTime(when)
		out = append(out, n)
	}
	return out, rows.Err()
}
