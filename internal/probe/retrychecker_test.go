package probe

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/hamed0406/domainhealth/internal/domain"
)

// fake prober you can control
type fakeProber struct {
	results []domain.ProbeResult
	i       int
}

func (f *fakeProber) Probe(ctx context.Context, target domain.MonitorTarget) domain.ProbeResult {
	if f.i >= len(f.results) {
		return domain.ProbeResult{ErrorCause: "no more", ErrorCode: domain.ErrHTTP}
	}
	r := f.results[f.i]
	f.i++
	return r
}

var retryTarget = domain.MonitorTarget{ID: "T1", Host: "example.com"}

func TestRetryProber_SucceedsAfterRetry(t *testing.T) {
	f := &fakeProber{
		results: []domain.ProbeResult{
			{ErrorCode: domain.ErrTimeout, ErrorCause: "first fail"},
			{Success: true},
		},
	}
	rp := &RetryProber{Inner: f, Attempts: 3, Backoff: 10 * time.Millisecond}

	out := rp.Probe(context.Background(), retryTarget)
	if !out.Success {
		t.Fatalf("expected success after retry, got %+v", out)
	}
	if f.i != 2 {
		t.Fatalf("expected 2 attempts, got %d", f.i)
	}
}

func TestRetryProber_AllFailAnnotates(t *testing.T) {
	f := &fakeProber{
		results: []domain.ProbeResult{
			{ErrorCode: domain.ErrConnectionRefused, ErrorCause: "fail1"},
			{ErrorCode: domain.ErrConnectionRefused, ErrorCause: "fail2"},
		},
	}
	rp := &RetryProber{Inner: f, Attempts: 2}

	out := rp.Probe(context.Background(), retryTarget)
	if out.Success {
		t.Fatalf("expected failure, got success")
	}
	if !strings.HasPrefix(out.ErrorCause, "fail2") || !strings.Contains(out.ErrorCause, "after 2 attempts") {
		t.Fatalf("expected annotated cause, got %q", out.ErrorCause)
	}
	if out.ErrorCode != domain.ErrConnectionRefused {
		t.Fatalf("error code lost: %q", out.ErrorCode)
	}
}

func TestRetryProber_DoesNotRetryExpiringCertificate(t *testing.T) {
	f := &fakeProber{
		results: []domain.ProbeResult{
			{ErrorCode: domain.ErrSSLExpiring, ErrorCause: "expires soon"},
			{Success: true},
		},
	}
	rp := &RetryProber{Inner: f, Attempts: 3}

	out := rp.Probe(context.Background(), retryTarget)
	if out.Success || out.ErrorCode != domain.ErrSSLExpiring || f.i != 1 {
		t.Fatalf("want single SSL_EXPIRING attempt, got %+v after %d", out, f.i)
	}
}

func TestRetryProber_StopsOnCancel(t *testing.T) {
	f := &fakeProber{
		results: []domain.ProbeResult{
			{ErrorCode: domain.ErrTimeout, ErrorCause: "slow"},
			{Success: true},
		},
	}
	rp := &RetryProber{Inner: f, Attempts: 2, Backoff: time.Hour}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	out := rp.Probe(ctx, retryTarget)
	if out.Success || f.i != 1 {
		t.Fatalf("cancelled retry should stop after first attempt, got %+v (%d)", out, f.i)
	}
}

func TestRetryProber_EachAttemptGetsItsOwnTimeout(t *testing.T) {
	calls := 0
	inner := ProberFunc(func(ctx context.Context, _ domain.MonitorTarget) domain.ProbeResult {
		calls++
		if calls == 1 {
			<-ctx.Done()
			return domain.ProbeResult{ErrorCode: domain.ErrTimeout, ErrorCause: "slow"}
		}
		return domain.ProbeResult{Success: true}
	})
	rp := &RetryProber{Inner: inner, Attempts: 2, Backoff: 10 * time.Millisecond, Timeout: 50 * time.Millisecond}

	ctx, cancel := context.WithTimeout(context.Background(), rp.Budget())
	defer cancel()
	out := rp.Probe(ctx, retryTarget)
	if !out.Success || calls != 2 {
		t.Fatalf("want success on the second attempt, got %+v after %d", out, calls)
	}
}

func TestRetryProber_Budget(t *testing.T) {
	rp := &RetryProber{Attempts: 3, Backoff: 300 * time.Millisecond, Timeout: 10 * time.Second}
	if got, want := rp.Budget(), 30*time.Second+600*time.Millisecond; got != want {
		t.Fatalf("budget = %s, want %s", got, want)
	}
	single := &RetryProber{Timeout: time.Second, Backoff: time.Minute}
	if got := single.Budget(); got != time.Second {
		t.Fatalf("single attempt budget = %s", got)
	}
}
