package incident

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/hamed0406/domainhealth/internal/clock"
	"github.com/hamed0406/domainhealth/internal/domain"
	"github.com/hamed0406/domainhealth/internal/lock"
	"github.com/hamed0406/domainhealth/internal/metrics"
	"github.com/hamed0406/domainhealth/internal/repo"
)

var ErrAlreadyResolved = errors.New("incident already resolved")

// Engine persists transitions. Read-decide-write for a target runs under a
// per-target lock, and the store's one-ONGOING-per-target constraint catches
// anything that slips past it (e.g. another instance without a shared lock).
type Engine struct {
	store  repo.IncidentStore
	locker lock.Locker
	clock  clock.Clock
	log    *zap.Logger
}

func NewEngine(store repo.IncidentStore, locker lock.Locker, clk clock.Clock, log *zap.Logger) *Engine {
	if locker == nil {
		locker = lock.NewKeyedMutex()
	}
	if clk == nil {
		clk = clock.Real{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{store: store, locker: locker, clock: clk, log: log}
}

func lockKey(id domain.TargetID) string { return "target:" + string(id) }

// Apply runs the state machine for one probe result at time now.
func (e *Engine) Apply(ctx context.Context, target domain.MonitorTarget, res domain.ProbeResult, now time.Time) (Transition, error) {
	unlock, err := e.locker.Lock(ctx, lockKey(target.ID))
	if err != nil {
		return Transition{}, fmt.Errorf("lock target %s: %w", target.ID, err)
	}
	defer unlock()

	ongoing, err := e.store.FindOngoing(ctx, target.ID)
	if err != nil {
		return Transition{}, fmt.Errorf("find ongoing incident: %w", err)
	}

	t := Decide(target, res, ongoing, now)
	switch t.Action {
	case ActionOpened:
		err = e.store.CreateIncident(ctx, t.Incident, t.Event)
		if errors.Is(err, repo.ErrIncidentOngoing) {
			e.log.Debug("incident_already_open", zap.String("target_id", string(target.ID)))
			existing, ferr := e.store.FindOngoing(ctx, target.ID)
			if ferr != nil {
				e.log.Warn("incident_conflict_lookup_failed",
					zap.String("target_id", string(target.ID)),
					zap.Error(ferr),
				)
				return Transition{Action: ActionNone}, nil
			}
			return Transition{Action: ActionNone, Incident: existing}, nil
		}
		if err != nil {
			return Transition{}, fmt.Errorf("create incident: %w", err)
		}
		e.log.Info("incident_opened",
			zap.String("incident_id", string(t.Incident.ID)),
			zap.String("target_id", string(target.ID)),
			zap.String("host", target.Host),
			zap.String("cause_code", string(res.ErrorCode)),
		)

	case ActionResolved:
		err = e.store.ResolveIncident(ctx, t.Incident.ID, now, t.Event)
		if errors.Is(err, repo.ErrNotFound) {
			return Transition{Action: ActionNone}, nil
		}
		if err != nil {
			return Transition{}, fmt.Errorf("resolve incident: %w", err)
		}
		e.log.Info("incident_resolved",
			zap.String("incident_id", string(t.Incident.ID)),
			zap.String("target_id", string(target.ID)),
			zap.Duration("outage", now.Sub(t.Incident.StartedAt)),
		)

	case ActionCauseChanged:
		if err := e.store.RecordCauseChange(ctx, t.Incident.ID, res.ErrorCode, t.Event); err != nil {
			return Transition{}, fmt.Errorf("record cause change: %w", err)
		}
		e.log.Info("incident_cause_changed",
			zap.String("incident_id", string(t.Incident.ID)),
			zap.String("cause_code", string(res.ErrorCode)),
		)
	}
	metrics.ObserveTransition(string(t.Action))
	return t, nil
}

// AddComment appends a COMMENT event by the given user.
func (e *Engine) AddComment(ctx context.Context, id domain.IncidentID, userID, userName, message string) (*domain.IncidentEvent, error) {
	message = strings.TrimSpace(message)
	if message == "" {
		return nil, errors.New("comment message is required")
	}
	ev := &domain.IncidentEvent{
		IncidentID: id,
		Type:       domain.EventComment,
		Message:    message,
		UserID:     userID,
		UserName:   actor(userName),
		CreatedAt:  e.clock.Now(),
	}
	if err := e.store.AppendEvent(ctx, ev); err != nil {
		return nil, err
	}
	return ev, nil
}

// ResolveManually closes an ongoing incident on behalf of a user. The next
// failing probe opens a fresh incident.
func (e *Engine) ResolveManually(ctx context.Context, id domain.IncidentID, userID, userName, note string) (Transition, error) {
	inc, err := e.store.GetIncident(ctx, id)
	if err != nil {
		return Transition{}, err
	}
	if inc.TargetID != nil {
		unlock, err := e.locker.Lock(ctx, lockKey(*inc.TargetID))
		if err != nil {
			return Transition{}, fmt.Errorf("lock target %s: %w", *inc.TargetID, err)
		}
		defer unlock()
	}

	now := e.clock.Now()
	msg := fmt.Sprintf("Resolved manually by %s after %s", actor(userName), domain.OutageDuration(inc.StartedAt, now))
	if note = strings.TrimSpace(note); note != "" {
		msg += ": " + note
	}
	ev := &domain.IncidentEvent{
		Type:      domain.EventResolved,
		Message:   msg,
		UserID:    userID,
		UserName:  actor(userName),
		CreatedAt: now,
	}
	if err := e.store.ResolveIncident(ctx, id, now, ev); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return Transition{}, ErrAlreadyResolved
		}
		return Transition{}, fmt.Errorf("resolve incident: %w", err)
	}
	inc.Status = domain.StatusResolved
	inc.ResolvedAt = &now
	metrics.ObserveTransition(string(ActionResolved))
	e.log.Info("incident_resolved_manually", zap.String("incident_id", string(id)), zap.String("user", actor(userName)))
	return Transition{Action: ActionResolved, Incident: inc, Event: ev}, nil
}

func actor(name string) string {
	if name = strings.TrimSpace(name); name != "" {
		return name
	}
	return domain.SystemActor
}
