package repo

import (
	"context"
	"errors"
	"time"

	"github.com/hamed0406/domainhealth/internal/domain"
)

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrIncidentOngoing is returned by CreateIncident when the target already
	// has an ONGOING incident. Callers treat it as "already open".
	ErrIncidentOngoing = errors.New("target already has an ongoing incident")
)

// Ports (interfaces): memory, postgres and sqlite adapters implement them.
type TargetStore interface {
	AddTarget(ctx context.Context, t *domain.MonitorTarget) error
	GetTarget(ctx context.Context, id domain.TargetID) (*domain.MonitorTarget, error)
	// ListMonitored returns domain targets with uptime polling enabled.
	ListMonitored(ctx context.Context) ([]domain.MonitorTarget, error)
	MarkChecked(ctx context.Context, id domain.TargetID, at time.Time) error
	UpdateTargetConfig(ctx context.Context, id domain.TargetID, cfg domain.TargetConfig) error
}

type IncidentFilter struct {
	ClientID domain.ClientID
	TargetID domain.TargetID
	Status   domain.IncidentStatus
	Limit    int
}

type IncidentStore interface {
	// FindOngoing returns nil, nil when the target has no ONGOING incident.
	FindOngoing(ctx context.Context, targetID domain.TargetID) (*domain.Incident, error)
	GetIncident(ctx context.Context, id domain.IncidentID) (*domain.Incident, error)
	ListIncidents(ctx context.Context, f IncidentFilter) ([]domain.Incident, error)
	// CreateIncident writes the incident and its CREATED event atomically.
	CreateIncident(ctx context.Context, inc *domain.Incident, created *domain.IncidentEvent) error
	// ResolveIncident flips an ONGOING incident to RESOLVED and appends the
	// event atomically. ErrNotFound if no such ONGOING incident exists.
	ResolveIncident(ctx context.Context, id domain.IncidentID, resolvedAt time.Time, ev *domain.IncidentEvent) error
	// RecordCauseChange stores the latest cause code and its STATUS_CHANGE event atomically.
	RecordCauseChange(ctx context.Context, id domain.IncidentID, code domain.ErrorCode, ev *domain.IncidentEvent) error
	AppendEvent(ctx context.Context, ev *domain.IncidentEvent) error
	// ListEvents returns the timeline ordered by creation time.
	ListEvents(ctx context.Context, id domain.IncidentID) ([]domain.IncidentEvent, error)
}

type NotificationStore interface {
	CreateNotification(ctx context.Context, n *domain.Notification) error
	ListNotifications(ctx context.Context, clientID domain.ClientID, unreadOnly bool) ([]domain.Notification, error)
}

type ClientStore interface {
	AddClient(ctx context.Context, c *domain.Client) error
	GetClient(ctx context.Context, id domain.ClientID) (*domain.Client, error)
}

// Store is everything the monitor needs from persistence.
type Store interface {
	TargetStore
	IncidentStore
	NotificationStore
	ClientStore
	Close() error
}
