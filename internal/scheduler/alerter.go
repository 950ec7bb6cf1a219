package scheduler

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hamed0406/domainhealth/internal/domain"
	"github.com/hamed0406/domainhealth/internal/incident"
	"github.com/hamed0406/domainhealth/internal/notify"
)

type Notifier interface {
	Notify(ctx context.Context, a notify.Alert) notify.Result
}

// Alerter hands transitions to the dispatcher. In async mode a sweep does not
// wait for slow channels; the send outlives the sweep's context.
type Alerter struct {
	notifier Notifier
	async    bool
	timeout  time.Duration
	log      *zap.Logger
	wg       sync.WaitGroup
}

func NewAlerter(n Notifier, async bool, log *zap.Logger) *Alerter {
	if log == nil {
		log = zap.NewNop()
	}
	return &Alerter{notifier: n, async: async, timeout: 30 * time.Second, log: log}
}

// Dispatch sends the alert for tr, if any. target may be nil for incidents
// resolved by hand.
func (a *Alerter) Dispatch(ctx context.Context, target *domain.MonitorTarget, tr incident.Transition, at time.Time) {
	if a == nil || a.notifier == nil || !tr.Notifiable() || tr.Incident == nil {
		return
	}
	alert := alertFor(target, tr, at)
	if !a.async {
		a.send(ctx, alert)
		return
	}
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.timeout)
		defer cancel()
		a.send(actx, alert)
	}()
}

// Wait blocks until in-flight async alerts are done.
func (a *Alerter) Wait() {
	if a != nil {
		a.wg.Wait()
	}
}

func (a *Alerter) send(ctx context.Context, alert notify.Alert) {
	res := a.notifier.Notify(ctx, alert)
	fields := []zap.Field{
		zap.String("kind", string(alert.Kind)),
		zap.String("client_id", string(alert.ClientID)),
		zap.Bool("email_sent", res.EmailSent),
		zap.Bool("slack_sent", res.SlackSent),
		zap.Bool("telegram_sent", res.TelegramSent),
	}
	if alert.Incident != nil {
		fields = append(fields, zap.String("incident_id", string(alert.Incident.ID)))
	}
	if res.Err != nil {
		a.log.Warn("alert_partially_delivered", append(fields, zap.Error(res.Err))...)
		return
	}
	a.log.Info("alert_dispatched", fields...)
}

func alertFor(target *domain.MonitorTarget, tr incident.Transition, at time.Time) notify.Alert {
	kind := domain.NotifyIncidentOpened
	if tr.Action == incident.ActionResolved {
		kind = domain.NotifyIncidentResolved
	}
	return notify.Alert{
		Kind:     kind,
		ClientID: tr.Incident.ClientID,
		Target:   target,
		Incident: tr.Incident,
		Event:    tr.Event,
		At:       at,
	}
}
