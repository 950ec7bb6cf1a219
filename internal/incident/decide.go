// Package incident turns probe results into incident lifecycle transitions.
package incident

import (
	"fmt"
	"strings"
	"time"

	"github.com/hamed0406/domainhealth/internal/domain"
)

type Action string

const (
	ActionNone         Action = "none"
	ActionOpened       Action = "opened"
	ActionResolved     Action = "resolved"
	ActionCauseChanged Action = "cause_changed"
)

// Transition is the outcome of applying one probe result to a target.
// Incident is the affected incident (nil when the target stays healthy) and
// Event the timeline entry to append (nil for ActionNone).
type Transition struct {
	Action   Action                `json:"action"`
	Incident *domain.Incident      `json:"incident,omitempty"`
	Event    *domain.IncidentEvent `json:"event,omitempty"`
}

// Notifiable reports whether the transition must reach alert channels.
// Cause changes stay on the timeline only.
func (t Transition) Notifiable() bool {
	return t.Action == ActionOpened || t.Action == ActionResolved
}

// Decide is the pure transition function:
//
//	success, no ongoing   -> none
//	success, ongoing      -> resolve
//	failure, no ongoing   -> open
//	failure, ongoing      -> none, or cause_changed when the error code moved
func Decide(target domain.MonitorTarget, res domain.ProbeResult, ongoing *domain.Incident, now time.Time) Transition {
	switch {
	case res.Success && ongoing == nil:
		return Transition{Action: ActionNone}

	case res.Success:
		inc := *ongoing
		at := now
		inc.Status = domain.StatusResolved
		inc.ResolvedAt = &at
		return Transition{
			Action:   ActionResolved,
			Incident: &inc,
			Event:    systemEvent(domain.EventResolved, recoveryMessage(target, res, inc.StartedAt, now), now),
		}

	case ongoing == nil:
		inc := openIncident(target, res, now)
		return Transition{
			Action:   ActionOpened,
			Incident: inc,
			Event:    systemEvent(domain.EventCreated, "Incident opened: "+inc.Cause, now),
		}
	}

	current := ongoing.CauseCode
	if ongoing.LastCauseCode != nil {
		current = ongoing.LastCauseCode
	}
	if res.ErrorCode == "" || (current != nil && *current == res.ErrorCode) {
		return Transition{Action: ActionNone, Incident: ongoing}
	}

	inc := *ongoing
	code := res.ErrorCode
	inc.LastCauseCode = &code
	from := "unknown"
	if current != nil {
		from = string(*current)
	}
	msg := fmt.Sprintf("Cause changed from %s to %s: %s", from, code, res.ErrorCause)
	return Transition{
		Action:   ActionCauseChanged,
		Incident: &inc,
		Event:    systemEvent(domain.EventStatusChange, msg, now),
	}
}

func openIncident(target domain.MonitorTarget, res domain.ProbeResult, now time.Time) *domain.Incident {
	tid := target.ID
	method := res.HTTPMethod
	if method == "" {
		method = "GET"
	}
	cause := res.ErrorCause
	if cause == "" {
		cause = target.Host + " is unreachable"
	}
	inc := &domain.Incident{
		ClientID:       target.ClientID,
		TargetID:       &tid,
		Title:          title(target.Host, res.ErrorCode),
		Cause:          cause,
		Status:         domain.StatusOngoing,
		CheckedURL:     res.CheckedURL,
		HTTPMethod:     method,
		StatusCode:     res.StatusCode,
		ResponseTimeMS: res.ResponseTimeMS,
		StartedAt:      now,
	}
	if res.ErrorCode != "" {
		code := res.ErrorCode
		inc.CauseCode = &code
		last := code
		inc.LastCauseCode = &last
	}
	if res.ResolvedAddress != "" {
		ip := res.ResolvedAddress
		inc.ResolvedIP = &ip
	}
	return inc
}

func title(host string, code domain.ErrorCode) string {
	switch code {
	case domain.ErrSSLExpiring:
		return "SSL certificate expiring: " + host
	case domain.ErrDNSFailure:
		return "DNS failure: " + host
	case domain.ErrHTTP:
		return "HTTP error: " + host
	default:
		return "Domain down: " + host
	}
}

func recoveryMessage(target domain.MonitorTarget, res domain.ProbeResult, started, now time.Time) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s recovered after %s", target.Host, domain.OutageDuration(started, now))
	if res.StatusCode != nil {
		fmt.Fprintf(&b, " (HTTP %d", *res.StatusCode)
		if res.ResponseTimeMS != nil {
			fmt.Fprintf(&b, ", %d ms", *res.ResponseTimeMS)
		}
		b.WriteString(")")
	}
	return b.String()
}

func systemEvent(typ domain.EventType, msg string, now time.Time) *domain.IncidentEvent {
	return &domain.IncidentEvent{
		Type:      typ,
		Message:   msg,
		UserName:  domain.SystemActor,
		CreatedAt: now,
	}
}
