package probe

import (
	"context"
	"fmt"
	"time"

	"github.com/hamed0406/domainhealth/internal/domain"
)

// RetryProber re-runs a failing probe before reporting the failure, so a
// single dropped packet does not open an incident.
type RetryProber struct {
	Inner    Prober
	Attempts int
	Backoff  time.Duration
	// Timeout bounds each attempt on its own; 0 leaves only the caller's deadline.
	Timeout time.Duration
}

func (r *RetryProber) attempts() int {
	if r.Attempts < 1 {
		return 1
	}
	return r.Attempts
}

// Budget is the longest a full run of attempts and backoffs can take.
func (r *RetryProber) Budget() time.Duration {
	n := time.Duration(r.attempts())
	return n*r.Timeout + (n-1)*r.Backoff
}

func (r *RetryProber) Probe(ctx context.Context, target domain.MonitorTarget) domain.ProbeResult {
	attempts := r.attempts()
	var last domain.ProbeResult
	for i := 0; i < attempts; i++ {
		last = r.once(ctx, target)
		if last.Success || i == attempts-1 {
			break
		}
		// an expiring certificate will not fix itself between attempts
		if last.ErrorCode == domain.ErrSSLExpiring {
			return last
		}
		select {
		case <-ctx.Done():
			return last
		case <-time.After(r.Backoff):
		}
	}
	if !last.Success && attempts > 1 {
		last.ErrorCause = fmt.Sprintf("%s (after %d attempts)", last.ErrorCause, attempts)
	}
	return last
}

func (r *RetryProber) once(ctx context.Context, target domain.MonitorTarget) domain.ProbeResult {
	if r.Timeout <= 0 {
		return r.Inner.Probe(ctx, target)
	}
	actx, cancel := context.WithTimeout(ctx, r.Timeout)
	defer cancel()
	return r.Inner.Probe(actx, target)
}
