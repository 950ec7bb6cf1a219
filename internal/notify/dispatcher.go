package notify

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/hamed0406/domainhealth/internal/domain"
	"github.com/hamed0406/domainhealth/internal/metrics"
	"github.com/hamed0406/domainhealth/internal/repo"
)

// Result reports what happened on each channel. Channel failures never turn
// into a failed dispatch; they are collected in Err.
type Result struct {
	NotificationID string   `json:"notification_id,omitempty"`
	EmailSent      bool     `json:"email_sent"`
	SlackSent      bool     `json:"slack_sent"`
	TelegramSent   bool     `json:"telegram_sent"`
	EventPublished bool     `json:"event_published"`
	Errors         []string `json:"errors,omitempty"`
	Err            error    `json:"-"`
}

type Options struct {
	Mailer       Mailer
	Telegram     ChatSender
	Publisher    Publisher
	SlackTimeout time.Duration
	// NewSlack builds the per-client webhook sender; defaults to NewSlack.
	NewSlack func(webhook string) Notifier
}

// Dispatcher fans a transition out to the owning client's channels.
type Dispatcher struct {
	notes    repo.NotificationStore
	clients  repo.ClientStore
	mailer   Mailer
	telegram ChatSender
	pub      Publisher
	newSlack func(string) Notifier
	log      *zap.Logger
}

func NewDispatcher(notes repo.NotificationStore, clients repo.ClientStore, opts Options, log *zap.Logger) *Dispatcher {
	if log == nil {
		log = zap.NewNop()
	}
	d := &Dispatcher{
		notes:    notes,
		clients:  clients,
		mailer:   opts.Mailer,
		telegram: opts.Telegram,
		pub:      opts.Publisher,
		newSlack: opts.NewSlack,
		log:      log,
	}
	if d.newSlack == nil {
		timeout := opts.SlackTimeout
		d.newSlack = func(webhook string) Notifier {
			if s := NewSlack(webhook, timeout); s != nil {
				return s
			}
			return nil
		}
	}
	return d
}

// Notify records the in-app notification and attempts every configured
// channel concurrently. A client without channels is not an error.
func (d *Dispatcher) Notify(ctx context.Context, a Alert) Result {
	if a.At.IsZero() {
		a.At = time.Now().UTC()
	}

	client := domain.Client{ID: a.ClientID}
	if c, err := d.clients.GetClient(ctx, a.ClientID); err == nil {
		client = *c
	} else if !errors.Is(err, repo.ErrNotFound) {
		d.log.Warn("notify_client_lookup_failed", zap.String("client_id", string(a.ClientID)), zap.Error(err))
	}

	title, text := a.Message(client.Name)
	var (
		res Result
		mu  sync.Mutex
	)
	fail := func(channel string, err error) {
		mu.Lock()
		res.Err = multierr.Append(res.Err, err)
		mu.Unlock()
		d.log.Warn("notify_channel_failed",
			zap.String("channel", channel),
			zap.String("client_id", string(a.ClientID)),
			zap.Error(err),
		)
	}

	n := &domain.Notification{
		ClientID:  a.ClientID,
		Kind:      a.Kind,
		Title:     title,
		Message:   text,
		CreatedAt: a.At,
	}
	if a.Incident != nil {
		id := a.Incident.ID
		n.IncidentID = &id
	}
	if a.Target != nil {
		id := a.Target.ID
		n.TargetID = &id
	}
	if err := d.notes.CreateNotification(ctx, n); err != nil {
		fail("in_app", err)
	} else {
		res.NotificationID = n.ID
	}

	var wg sync.WaitGroup
	run := func(channel string, send func() error, ok *bool) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := send()
			metrics.ObserveNotification(channel, err)
			if err != nil {
				fail(channel, err)
				return
			}
			mu.Lock()
			*ok = true
			mu.Unlock()
		}()
	}

	if d.mailer != nil && len(client.NotifyEmails) > 0 {
		e := Email{
			ClientName: client.Name,
			Recipients: client.NotifyEmails,
			Subject:    title,
			StartedAt:  a.At,
		}
		if a.Incident != nil {
			e.IncidentTitle, e.IncidentCause, e.StartedAt = a.Incident.Title, a.Incident.Cause, a.Incident.StartedAt
		}
		e.Body = emailBody(e, text)
		run("email", func() error { return d.mailer.Send(ctx, e) }, &res.EmailSent)
	}
	if client.SlackWebhookURL != "" {
		if s := d.newSlack(client.SlackWebhookURL); s != nil {
			run("slack", func() error { return s.Send(ctx, title, text) }, &res.SlackSent)
		}
	}
	if d.telegram != nil && client.TelegramChatID != "" {
		run("telegram", func() error { return d.telegram.SendTo(ctx, client.TelegramChatID, title, text) }, &res.TelegramSent)
	}
	if d.pub != nil {
		run("nats", func() error { return d.pub.Publish(ctx, a) }, &res.EventPublished)
	}
	wg.Wait()

	for _, err := range multierr.Errors(res.Err) {
		res.Errors = append(res.Errors, err.Error())
	}
	return res
}

// SendTest sends a test alert to every channel of the client and waits for
// the per-channel outcome.
func (d *Dispatcher) SendTest(ctx context.Context, clientID domain.ClientID, at time.Time) (Result, error) {
	if _, err := d.clients.GetClient(ctx, clientID); err != nil {
		return Result{}, err
	}
	return d.Notify(ctx, Alert{Kind: domain.NotifyTest, ClientID: clientID, At: at}), nil
}
