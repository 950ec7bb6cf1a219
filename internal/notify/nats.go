package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/hamed0406/domainhealth/internal/domain"
)

const DefaultSubject = "domainhealth.incidents"

// NATSPublisher publishes every alert on <subject>.<kind> so other services
// can follow incident transitions.
type NATSPublisher struct {
	nc      *nats.Conn
	subject string
}

type alertEvent struct {
	Kind     domain.NotificationKind `json:"kind"`
	ClientID domain.ClientID         `json:"client_id"`
	TargetID domain.TargetID         `json:"target_id,omitempty"`
	Host     string                  `json:"host,omitempty"`
	Incident *domain.Incident        `json:"incident,omitempty"`
	Event    *domain.IncidentEvent   `json:"event,omitempty"`
	At       time.Time               `json:"at"`
}

func NewNATSPublisher(url, subject string) (*NATSPublisher, error) {
	if subject == "" {
		subject = DefaultSubject
	}
	nc, err := nats.Connect(url, nats.Name("domainhealth"), nats.MaxReconnects(-1))
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	return &NATSPublisher{nc: nc, subject: subject}, nil
}

func (p *NATSPublisher) Subject(kind domain.NotificationKind) string {
	return p.subject + "." + string(kind)
}

func (p *NATSPublisher) Publish(ctx context.Context, a Alert) error {
	ev := alertEvent{
		Kind:     a.Kind,
		ClientID: a.ClientID,
		Incident: a.Incident,
		Event:    a.Event,
		At:       a.At,
	}
	if a.Target != nil {
		ev.TargetID, ev.Host = a.Target.ID, a.Target.Host
	}
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal alert event: %w", err)
	}
	msg := nats.NewMsg(p.Subject(a.Kind))
	msg.Data = body
	if a.Event != nil && a.Event.ID != "" {
		msg.Header.Set("Nats-Msg-Id", a.Event.ID)
	}
	if err := p.nc.PublishMsg(msg); err != nil {
		return fmt.Errorf("publish alert event: %w", err)
	}
	// FlushWithContext refuses contexts without a deadline
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
	}
	if err := p.nc.FlushWithContext(ctx); err != nil {
		return fmt.Errorf("flush alert event: %w", err)
	}
	return nil
}

func (p *NATSPublisher) Close() error {
	if p == nil || p.nc == nil {
		return nil
	}
	p.nc.Close()
	return nil
}
