package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hamed0406/domainhealth/internal/domain"
	"github.com/hamed0406/domainhealth/internal/repo"
)

// Store keeps everything in maps guarded by one RWMutex. The mutex is what
// makes "at most one ONGOING incident per target" atomic here.
type Store struct {
	mu            sync.RWMutex
	targets       map[domain.TargetID]*domain.MonitorTarget
	clients       map[domain.ClientID]*domain.Client
	incidents     map[domain.IncidentID]*domain.Incident
	ongoing       map[domain.TargetID]domain.IncidentID
	events        map[domain.IncidentID][]domain.IncidentEvent
	notifications []domain.Notification
}

func New() *Store {
	return &Store{
		targets:   make(map[domain.TargetID]*domain.MonitorTarget),
		clients:   make(map[domain.ClientID]*domain.Client),
		incidents: make(map[domain.IncidentID]*domain.Incident),
		ongoing:   make(map[domain.TargetID]domain.IncidentID),
		events:    make(map[domain.IncidentID][]domain.IncidentEvent),
	}
}

func (m *Store) Close() error { return nil }

// ---- TargetStore ----

func (m *Store) AddTarget(ctx context.Context, t *domain.MonitorTarget) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.ID == "" {
		t.ID = domain.TargetID(uuid.NewString())
	}
	if t.Kind == "" {
		t.Kind = domain.KindDomain
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	cp := copyTarget(*t)
	m.targets[t.ID] = &cp
	return nil
}

func (m *Store) GetTarget(ctx context.Context, id domain.TargetID) (*domain.MonitorTarget, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.targets[id]
	if !ok {
		return nil, repo.ErrNotFound
	}
	cp := copyTarget(*t)
	return &cp, nil
}

func (m *Store) ListMonitored(ctx context.Context) ([]domain.MonitorTarget, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.MonitorTarget, 0, len(m.targets))
	for _, t := range m.targets {
		if t.Kind != domain.KindDomain || !t.Config.UptimeEnabled() {
			continue
		}
		out = append(out, copyTarget(*t))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *Store) MarkChecked(ctx context.Context, id domain.TargetID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.targets[id]
	if !ok {
		return repo.ErrNotFound
	}
	at = at.UTC()
	t.LastCheckedAt = &at
	return nil
}

func (m *Store) UpdateTargetConfig(ctx context.Context, id domain.TargetID, cfg domain.TargetConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.targets[id]
	if !ok {
		return repo.ErrNotFound
	}
	t.Config = cfg
	return nil
}

// ---- ClientStore ----

func (m *Store) AddClient(ctx context.Context, c *domain.Client) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c.ID == "" {
		c.ID = domain.ClientID(uuid.NewString())
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	cp := *c
	cp.NotifyEmails = append([]string(nil), c.NotifyEmails...)
	m.clients[c.ID] = &cp
	return nil
}

func (m *Store) GetClient(ctx context.Context, id domain.ClientID) (*domain.Client, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.clients[id]
	if !ok {
		return nil, repo.ErrNotFound
	}
	cp := *c
	cp.NotifyEmails = append([]string(nil), c.NotifyEmails...)
	return &cp, nil
}

// ---- IncidentStore ----

func (m *Store) FindOngoing(ctx context.Context, targetID domain.TargetID) (*domain.Incident, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.ongoing[targetID]
	if !ok {
		return nil, nil
	}
	cp := *m.incidents[id]
	return &cp, nil
}

func (m *Store) GetIncident(ctx context.Context, id domain.IncidentID) (*domain.Incident, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	inc, ok := m.incidents[id]
	if !ok {
		return nil, repo.ErrNotFound
	}
	cp := *inc
	return &cp, nil
}

func (m *Store) ListIncidents(ctx context.Context, f repo.IncidentFilter) ([]domain.Incident, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.Incident, 0)
	for _, inc := range m.incidents {
		if f.ClientID != "" && inc.ClientID != f.ClientID {
			continue
		}
		if f.TargetID != "" && (inc.TargetID == nil || *inc.TargetID != f.TargetID) {
			continue
		}
		if f.Status != "" && inc.Status != f.Status {
			continue
		}
		out = append(out, *inc)
	}
	// newest first
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *Store) CreateIncident(ctx context.Context, inc *domain.Incident, created *domain.IncidentEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if inc.TargetID != nil && inc.Status == domain.StatusOngoing {
		if _, exists := m.ongoing[*inc.TargetID]; exists {
			return repo.ErrIncidentOngoing
		}
	}
	if inc.ID == "" {
		inc.ID = domain.IncidentID(uuid.NewString())
	}
	cp := *inc
	m.incidents[inc.ID] = &cp
	if inc.TargetID != nil && inc.Status == domain.StatusOngoing {
		m.ongoing[*inc.TargetID] = inc.ID
	}
	if created != nil {
		created.IncidentID = inc.ID
		m.appendEventLocked(created)
	}
	return nil
}

func (m *Store) ResolveIncident(ctx context.Context, id domain.IncidentID, resolvedAt time.Time, ev *domain.IncidentEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	inc, ok := m.incidents[id]
	if !ok || inc.Status != domain.StatusOngoing {
		return repo.ErrNotFound
	}
	at := resolvedAt.UTC()
	inc.Status = domain.StatusResolved
	inc.ResolvedAt = &at
	if inc.TargetID != nil && m.ongoing[*inc.TargetID] == id {
		delete(m.ongoing, *inc.TargetID)
	}
	if ev != nil {
		ev.IncidentID = id
		m.appendEventLocked(ev)
	}
	return nil
}

func (m *Store) RecordCauseChange(ctx context.Context, id domain.IncidentID, code domain.ErrorCode, ev *domain.IncidentEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	inc, ok := m.incidents[id]
	if !ok {
		return repo.ErrNotFound
	}
	c := code
	inc.LastCauseCode = &c
	if ev != nil {
		ev.IncidentID = id
		m.appendEventLocked(ev)
	}
	return nil
}

func (m *Store) AppendEvent(ctx context.Context, ev *domain.IncidentEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.incidents[ev.IncidentID]; !ok {
		return repo.ErrNotFound
	}
	m.appendEventLocked(ev)
	return nil
}

func (m *Store) appendEventLocked(ev *domain.IncidentEvent) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	m.events[ev.IncidentID] = append(m.events[ev.IncidentID], *ev)
}

func (m *Store) ListEvents(ctx context.Context, id domain.IncidentID) ([]domain.IncidentEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.incidents[id]; !ok {
		return nil, repo.ErrNotFound
	}
	out := append([]domain.IncidentEvent(nil), m.events[id]...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// ---- NotificationStore ----

func (m *Store) CreateNotification(ctx context.Context, n *domain.Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	m.notifications = append(m.notifications, *n)
	return nil
}

func (m *Store) ListNotifications(ctx context.Context, clientID domain.ClientID, unreadOnly bool) ([]domain.Notification, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.Notification, 0)
	for i := len(m.notifications) - 1; i >= 0; i-- {
		n := m.notifications[i]
		if n.ClientID != clientID || (unreadOnly && n.Read) {
			continue
		}
		out = append(out, n)
	}
	return out, nil
}

func copyTarget(t domain.MonitorTarget) domain.MonitorTarget {
	if t.LastCheckedAt != nil {
		at := *t.LastCheckedAt
		t.LastCheckedAt = &at
	}
	return t
}
