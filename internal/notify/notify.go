package notify

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/hamed0406/domainhealth/internal/domain"
)

// Notifier posts a titled text message to one fixed destination.
type Notifier interface {
	Send(ctx context.Context, title, text string) error
}

// Mailer delivers incident email to a list of recipients.
type Mailer interface {
	Send(ctx context.Context, e Email) error
}

// ChatSender posts to a chat identified per client.
type ChatSender interface {
	SendTo(ctx context.Context, chatID, title, text string) error
}

// Publisher emits the alert as a machine-readable event.
type Publisher interface {
	Publish(ctx context.Context, a Alert) error
}

// Email is the payload handed to the mail collaborator.
type Email struct {
	IncidentTitle string
	IncidentCause string
	ClientName    string
	StartedAt     time.Time
	Recipients    []string
	Subject       string
	Body          string
}

// Alert is one incident transition (or a test ping) addressed to a client.
type Alert struct {
	Kind     domain.NotificationKind
	ClientID domain.ClientID
	Target   *domain.MonitorTarget
	Incident *domain.Incident
	Event    *domain.IncidentEvent
	At       time.Time
}

func (a Alert) host() string {
	switch {
	case a.Target != nil:
		return a.Target.Host
	case a.Incident != nil:
		return strings.TrimPrefix(strings.TrimPrefix(a.Incident.CheckedURL, "https://"), "http://")
	}
	return ""
}

// Message renders the alert title and body shared by every channel.
func (a Alert) Message(clientName string) (string, string) {
	inc := a.Incident
	switch {
	case a.Kind == domain.NotifyTest || inc == nil:
		name := clientName
		if name == "" {
			name = string(a.ClientID)
		}
		return "🔔 Test notification",
			fmt.Sprintf("This is a test alert for %s.\nSent: %s", name, a.At.Format(time.RFC3339))

	case a.Kind == domain.NotifyIncidentResolved:
		end := a.At
		if inc.ResolvedAt != nil {
			end = *inc.ResolvedAt
		}
		text := fmt.Sprintf(
			"URL: %s\nReason: %s\nStarted: %s\nResolved: %s\nOutage: %s",
			inc.CheckedURL, inc.Cause, inc.StartedAt.Format(time.RFC3339), end.Format(time.RFC3339),
			domain.OutageDuration(inc.StartedAt, end),
		)
		if a.Event != nil && a.Event.Message != "" {
			text += "\nDetails: " + a.Event.Message
		}
		return "🟢 Domain RECOVERED: " + a.host(), text
	}

	httpTxt := "n/a"
	if inc.StatusCode != nil {
		httpTxt = fmt.Sprintf("%d", *inc.StatusCode)
	}
	latencyTxt := "n/a"
	if inc.ResponseTimeMS != nil {
		latencyTxt = fmt.Sprintf("%d ms", *inc.ResponseTimeMS)
	}
	code := "n/a"
	if inc.CauseCode != nil {
		code = string(*inc.CauseCode)
	}
	text := fmt.Sprintf(
		"URL: %s\nHTTP: %s\nLatency: %s\nCode: %s\nReason: %s\nStarted: %s",
		inc.CheckedURL, httpTxt, latencyTxt, code, inc.Cause, inc.StartedAt.Format(time.RFC3339),
	)
	return "🔴 Domain DOWN: " + a.host(), text
}
