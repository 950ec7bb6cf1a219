package notify

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/hamed0406/domainhealth/internal/domain"
	"github.com/hamed0406/domainhealth/internal/repo/memory"
)

type fakeMailer struct {
	mu   sync.Mutex
	sent []Email
	err  error
}

func (f *fakeMailer) Send(_ context.Context, e Email) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, e)
	return nil
}

type fakePublisher struct{ got []Alert }

func (f *fakePublisher) Publish(_ context.Context, a Alert) error {
	f.got = append(f.got, a)
	return nil
}

var started = time.Date(2025, 8, 18, 12, 0, 0, 0, time.UTC)

func openedAlert() Alert {
	code := domain.ErrConnectionRefused
	tid := domain.TargetID("T1")
	return Alert{
		Kind:     domain.NotifyIncidentOpened,
		ClientID: "C1",
		Target:   &domain.MonitorTarget{ID: tid, ClientID: "C1", Host: "example.com"},
		Incident: &domain.Incident{
			ID: "I1", ClientID: "C1", TargetID: &tid, Title: "Domain down: example.com",
			Cause: "connection refused by example.com", CauseCode: &code,
			Status: domain.StatusOngoing, CheckedURL: "https://example.com", HTTPMethod: "GET",
			StartedAt: started,
		},
		At: started,
	}
}

func TestDispatcher_SlackFailureDoesNotBlockEmail(t *testing.T) {
	ctx := context.Background()
	store := memory.New()

	dead := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	deadURL := dead.URL
	dead.Close() // unreachable webhook

	client := &domain.Client{ID: "C1", Name: "Acme", NotifyEmails: []string{"ops@acme.test"}, SlackWebhookURL: deadURL}
	require.NoError(t, store.AddClient(ctx, client))

	mailer := &fakeMailer{}
	d := NewDispatcher(store, store, Options{Mailer: mailer, SlackTimeout: time.Second}, zap.NewNop())

	res := d.Notify(ctx, openedAlert())
	assert.True(t, res.EmailSent)
	assert.False(t, res.SlackSent)
	require.Error(t, res.Err)
	require.Len(t, res.Errors, 1)
	assert.NotEmpty(t, res.NotificationID)

	require.Len(t, mailer.sent, 1)
	e := mailer.sent[0]
	assert.Equal(t, []string{"ops@acme.test"}, e.Recipients)
	assert.Equal(t, "Acme", e.ClientName)
	assert.Equal(t, "Domain down: example.com", e.IncidentTitle)
	assert.Equal(t, "connection refused by example.com", e.IncidentCause)
	assert.True(t, e.StartedAt.Equal(started))
	assert.Contains(t, e.Body, "Reason: connection refused by example.com")

	notes, err := store.ListNotifications(ctx, "C1", true)
	require.NoError(t, err)
	require.Len(t, notes, 1)
	assert.Equal(t, domain.NotifyIncidentOpened, notes[0].Kind)
	assert.Equal(t, "🔴 Domain DOWN: example.com", notes[0].Title)
	require.NotNil(t, notes[0].IncidentID)
	assert.Equal(t, domain.IncidentID("I1"), *notes[0].IncidentID)
}

func TestDispatcher_NoChannelsStillRecordsNotification(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	require.NoError(t, store.AddClient(ctx, &domain.Client{ID: "C1", Name: "Quiet"}))

	d := NewDispatcher(store, store, Options{Mailer: &fakeMailer{}}, nil)
	res := d.Notify(ctx, openedAlert())
	assert.NoError(t, res.Err)
	assert.False(t, res.EmailSent)
	assert.False(t, res.SlackSent)
	assert.NotEmpty(t, res.NotificationID)

	notes, _ := store.ListNotifications(ctx, "C1", false)
	assert.Len(t, notes, 1)
}

func TestDispatcher_UnknownClientDegrades(t *testing.T) {
	store := memory.New()
	d := NewDispatcher(store, store, Options{}, nil)
	res := d.Notify(context.Background(), openedAlert())
	assert.NoError(t, res.Err)
	assert.NotEmpty(t, res.NotificationID)
}

func TestDispatcher_AllChannels(t *testing.T) {
	ctx := context.Background()
	store := memory.New()

	var slackBody string
	slack := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		slackBody = string(b)
	}))
	defer slack.Close()

	tg := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true,"result":{"message_id":7,"date":0,"chat":{"id":42,"type":"private"}}}`))
	}))
	defer tg.Close()
	telegram, err := NewTelegram("123:abc", tg.URL)
	require.NoError(t, err)

	require.NoError(t, store.AddClient(ctx, &domain.Client{
		ID: "C1", Name: "Acme", NotifyEmails: []string{"a@acme.test"},
		SlackWebhookURL: slack.URL, TelegramChatID: "42",
	}))
	pub := &fakePublisher{}
	d := NewDispatcher(store, store, Options{Mailer: &fakeMailer{}, Telegram: telegram, Publisher: pub}, zap.NewNop())

	a := openedAlert()
	a.Kind = domain.NotifyIncidentResolved
	resolved := started.Add(6 * time.Minute)
	a.Incident.ResolvedAt = &resolved
	a.Incident.Status = domain.StatusResolved

	res := d.Notify(ctx, a)
	require.NoError(t, res.Err)
	assert.True(t, res.EmailSent)
	assert.True(t, res.SlackSent)
	assert.True(t, res.TelegramSent)
	assert.True(t, res.EventPublished)
	assert.Contains(t, slackBody, "Domain RECOVERED: example.com")
	assert.Contains(t, slackBody, "Outage: 6 minutes")
	require.Len(t, pub.got, 1)
	assert.Equal(t, domain.NotifyIncidentResolved, pub.got[0].Kind)
}

func TestDispatcher_MailerErrorReported(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	require.NoError(t, store.AddClient(ctx, &domain.Client{ID: "C1", NotifyEmails: []string{"a@acme.test"}}))

	d := NewDispatcher(store, store, Options{Mailer: &fakeMailer{err: errors.New("relay down")}}, nil)
	res := d.Notify(ctx, openedAlert())
	assert.False(t, res.EmailSent)
	require.Len(t, res.Errors, 1)
	assert.True(t, strings.Contains(res.Errors[0], "relay down"))
}

func TestDispatcher_SendTest(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	mailer := &fakeMailer{}
	d := NewDispatcher(store, store, Options{Mailer: mailer}, nil)

	_, err := d.SendTest(ctx, "nobody", started)
	require.Error(t, err)

	require.NoError(t, store.AddClient(ctx, &domain.Client{ID: "C1", Name: "Acme", NotifyEmails: []string{"a@acme.test"}}))
	res, err := d.SendTest(ctx, "C1", started)
	require.NoError(t, err)
	assert.True(t, res.EmailSent)
	require.Len(t, mailer.sent, 1)
	assert.Equal(t, "🔔 Test notification", mailer.sent[0].Subject)

	notes, _ := store.ListNotifications(ctx, "C1", false)
	require.Len(t, notes, 1)
	assert.Equal(t, domain.NotifyTest, notes[0].Kind)
}

func TestNewSMTPMailer_DisabledWithoutHost(t *testing.T) {
	assert.Nil(t, NewSMTPMailer(SMTPConfig{}))
	m := NewSMTPMailer(SMTPConfig{Host: "localhost", From: "monitor@acme.test"})
	require.NotNil(t, m)
	assert.Equal(t, 587, m.cfg.Port)
	// nothing to send is not an error
	assert.NoError(t, m.Send(context.Background(), Email{}))
}

func TestNewTelegram_DisabledWithoutToken(t *testing.T) {
	tg, err := NewTelegram("", "")
	require.NoError(t, err)
	assert.Nil(t, tg)
	assert.Equal(t, int64(42), chatIDValue(" 42 "))
	assert.Equal(t, "@ops", chatIDValue("@ops"))
}
