package domain

import (
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

type (
	TargetID   string
	ClientID   string
	IncidentID string
)

// KindDomain is the data source kind the monitor polls.
const KindDomain = "domain"

// MonitorTarget is a data source of kind "domain" under periodic observation.
// Host is stored without protocol and without a trailing slash.
type MonitorTarget struct {
	ID            TargetID     `json:"id"`
	ClientID      ClientID     `json:"client_id"`
	Kind          string       `json:"kind"`
	Host          string       `json:"host"`
	Config        TargetConfig `json:"config"`
	LastCheckedAt *time.Time   `json:"last_checked_at,omitempty"`
	CreatedAt     time.Time    `json:"created_at"`
}

// URL builds the probe URL for the target using the given scheme.
func (t MonitorTarget) URL(scheme string) string {
	if scheme == "" {
		scheme = "https"
	}
	return scheme + "://" + t.Host
}

// Client owns targets, incidents and notifications. Only the fields the
// alerting path needs are modelled here.
type Client struct {
	ID              ClientID  `json:"id"`
	Name            string    `json:"name"`
	NotifyEmails    []string  `json:"notify_emails,omitempty"`
	SlackWebhookURL string    `json:"slack_webhook_url,omitempty"`
	TelegramChatID  string    `json:"telegram_chat_id,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

// ErrorCode is a stable machine tag describing why a probe failed.
type ErrorCode string

const (
	ErrDNSFailure        ErrorCode = "DNS_FAILURE"
	ErrTimeout           ErrorCode = "TIMEOUT"
	ErrConnectionRefused ErrorCode = "CONNECTION_REFUSED"
	ErrTLS               ErrorCode = "TLS_ERROR"
	ErrHTTP              ErrorCode = "HTTP_ERROR"
	ErrSSLExpiring       ErrorCode = "SSL_EXPIRING"
)

// ProbeResult is produced fresh by every probe and never mutated afterwards.
type ProbeResult struct {
	Success         bool       `json:"success"`
	StatusCode      *int       `json:"status_code,omitempty"`
	ResponseTimeMS  *int       `json:"response_time_ms,omitempty"`
	ResolvedAddress string     `json:"resolved_address,omitempty"`
	ErrorCause      string     `json:"error_cause,omitempty"`
	ErrorCode       ErrorCode  `json:"error_code,omitempty"`
	CheckedURL      string     `json:"checked_url"`
	HTTPMethod      string     `json:"http_method"`
	CertExpiresAt   *time.Time `json:"cert_expires_at,omitempty"`
	CheckedAt       time.Time  `json:"checked_at"`
}

type IncidentStatus string

const (
	StatusOngoing  IncidentStatus = "ONGOING"
	StatusResolved IncidentStatus = "RESOLVED"
)

// Incident records one outage of a target. At most one incident per target
// may be ONGOING at any time.
type Incident struct {
	ID             IncidentID     `json:"id"`
	ClientID       ClientID       `json:"client_id"`
	TargetID       *TargetID      `json:"target_id,omitempty"`
	Title          string         `json:"title"`
	Cause          string         `json:"cause"`
	CauseCode      *ErrorCode     `json:"cause_code,omitempty"`
	LastCauseCode  *ErrorCode     `json:"last_cause_code,omitempty"`
	Status         IncidentStatus `json:"status"`
	CheckedURL     string         `json:"checked_url"`
	HTTPMethod     string         `json:"http_method"`
	StatusCode     *int           `json:"status_code,omitempty"`
	ResponseTimeMS *int           `json:"response_time_ms,omitempty"`
	ResolvedIP     *string        `json:"resolved_ip,omitempty"`
	StartedAt      time.Time      `json:"started_at"`
	ResolvedAt     *time.Time     `json:"resolved_at,omitempty"`
}

func (i Incident) Ongoing() bool { return i.Status == StatusOngoing }

type EventType string

const (
	EventCreated      EventType = "CREATED"
	EventComment      EventType = "COMMENT"
	EventResolved     EventType = "RESOLVED"
	EventStatusChange EventType = "STATUS_CHANGE"
)

// SystemActor is the display name used for events raised by the scheduler.
const SystemActor = "System"

// IncidentEvent is one append-only entry of an incident timeline.
type IncidentEvent struct {
	ID         string     `json:"id"`
	IncidentID IncidentID `json:"incident_id"`
	Type       EventType  `json:"type"`
	Message    string     `json:"message"`
	UserID     string     `json:"user_id,omitempty"`
	UserName   string     `json:"user_name"`
	CreatedAt  time.Time  `json:"created_at"`
}

type NotificationKind string

const (
	NotifyIncidentOpened   NotificationKind = "incident_opened"
	NotifyIncidentResolved NotificationKind = "incident_resolved"
	NotifyTest             NotificationKind = "test"
)

// Notification is the in-app record of an alert.
type Notification struct {
	ID         string           `json:"id"`
	ClientID   ClientID         `json:"client_id"`
	Kind       NotificationKind `json:"kind"`
	Title      string           `json:"title"`
	Message    string           `json:"message"`
	IncidentID *IncidentID      `json:"incident_id,omitempty"`
	TargetID   *TargetID        `json:"target_id,omitempty"`
	Read       bool             `json:"read"`
	CreatedAt  time.Time        `json:"created_at"`
}

// OutageDuration renders the time between start and end in words.
func OutageDuration(start, end time.Time) string {
	if end.Sub(start) < time.Second {
		return "less than a second"
	}
	return strings.TrimSpace(humanize.RelTime(start, end, "", ""))
}
