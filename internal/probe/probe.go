package probe

import (
	"context"

	"github.com/hamed0406/domainhealth/internal/domain"
)

// Prober performs one reachability/TLS check against a target. It never
// persists anything; every failure is reported through the result.
type Prober interface {
	Probe(ctx context.Context, target domain.MonitorTarget) domain.ProbeResult
}

// ProberFunc adapts a function to Prober.
type ProberFunc func(ctx context.Context, target domain.MonitorTarget) domain.ProbeResult

func (f ProberFunc) Probe(ctx context.Context, target domain.MonitorTarget) domain.ProbeResult {
	return f(ctx, target)
}
