package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hamed0406/domainhealth/internal/domain"
	"github.com/hamed0406/domainhealth/internal/incident"
	"github.com/hamed0406/domainhealth/internal/metrics"
	"github.com/hamed0406/domainhealth/internal/probe"
	"github.com/hamed0406/domainhealth/internal/repo"
)

const storeTimeout = 5 * time.Second

type Config struct {
	// Interval drives the internal ticker; 0 leaves sweeps to an external trigger.
	Interval time.Duration
	// Timeout bounds one probe including its retries.
	Timeout         time.Duration
	Concurrency     int
	DefaultInterval time.Duration
	DueTolerance    time.Duration
}

// Scheduler selects due targets, probes them and drives the incident engine.
// It keeps no state between sweeps: lastCheckedAt in the store is the only clock.
type Scheduler struct {
	Logger  *zap.Logger
	Targets repo.TargetStore
	Prober  probe.Prober
	Engine  *incident.Engine
	Alerts  *Alerter
	Now     func() time.Time
	cfg     Config
}

// TargetResult is the per-target line of a sweep summary.
type TargetResult struct {
	TargetID       domain.TargetID   `json:"targetId"`
	Host           string            `json:"host"`
	Success        bool              `json:"success"`
	StatusCode     *int              `json:"statusCode,omitempty"`
	ResponseTimeMS *int              `json:"responseTimeMs,omitempty"`
	Cause          string            `json:"cause,omitempty"`
	CauseCode      domain.ErrorCode  `json:"causeCode,omitempty"`
	Action         incident.Action   `json:"action,omitempty"`
	IncidentID     domain.IncidentID `json:"incidentId,omitempty"`
	Error          string            `json:"error,omitempty"`
}

type SweepSummary struct {
	CheckedCount int            `json:"checkedCount"`
	Results      []TargetResult `json:"results"`
}

// CheckOutcome is the answer to an on-demand check.
type CheckOutcome struct {
	Success    bool                `json:"success"`
	Result     domain.ProbeResult  `json:"result"`
	Transition incident.Transition `json:"transition"`
}

func New(
	logger *zap.Logger,
	targets repo.TargetStore,
	prober probe.Prober,
	engine *incident.Engine,
	alerts *Alerter,
	now func() time.Time,
	cfg Config,
) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.Interval < 0 {
		cfg.Interval = 0
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = probe.DefaultTimeout
	}
	if cfg.DefaultInterval <= 0 {
		cfg.DefaultInterval = domain.DefaultIntervalMinutes * time.Minute
	}
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Scheduler{
		Logger:  logger,
		Targets: targets,
		Prober:  prober,
		Engine:  engine,
		Alerts:  alerts,
		Now:     now,
		cfg:     cfg,
	}
}

// DueTargets returns the enabled targets whose interval elapsed at now.
func (s *Scheduler) DueTargets(ctx context.Context, now time.Time) ([]domain.MonitorTarget, error) {
	all, err := s.Targets.ListMonitored(ctx)
	if err != nil {
		return nil, fmt.Errorf("list monitored targets: %w", err)
	}
	due := make([]domain.MonitorTarget, 0, len(all))
	for _, t := range all {
		if domain.IsDue(now, t.LastCheckedAt, t.Config.Interval(s.cfg.DefaultInterval), s.cfg.DueTolerance) {
			due = append(due, t)
		}
	}
	return due, nil
}

// RunSweep checks every due target. Only a failure to select targets fails
// the sweep; per-target errors land in the matching TargetResult.
func (s *Scheduler) RunSweep(ctx context.Context, now time.Time) (SweepSummary, error) {
	due, err := s.DueTargets(ctx, now)
	if err != nil {
		metrics.ObserveSweep(0, err)
		return SweepSummary{}, err
	}

	results := make([]TargetResult, len(due))
	sem := make(chan struct{}, s.cfg.Concurrency)
	var wg sync.WaitGroup

	for i, tgt := range due {
		sem <- struct{}{}
		wg.Add(1)
		go func(i int, t domain.MonitorTarget) {
			defer func() { <-sem }()
			defer wg.Done()
			results[i] = s.RunCheck(ctx, t, now)
		}(i, tgt)
	}
	wg.Wait()

	metrics.ObserveSweep(len(due), nil)
	return SweepSummary{CheckedCount: len(due), Results: results}, nil
}

// RunCheck probes one target and applies the result, whether or not it is due.
func (s *Scheduler) RunCheck(ctx context.Context, t domain.MonitorTarget, now time.Time) TargetResult {
	res, tr, err := s.check(ctx, t, now)
	out := TargetResult{
		TargetID:       t.ID,
		Host:           t.Host,
		Success:        res.Success,
		StatusCode:     res.StatusCode,
		ResponseTimeMS: res.ResponseTimeMS,
		Cause:          res.ErrorCause,
		CauseCode:      res.ErrorCode,
		Action:         tr.Action,
	}
	if tr.Incident != nil {
		out.IncidentID = tr.Incident.ID
	}
	if err != nil {
		out.Error = err.Error()
	}
	return out
}

// RunCheckNow is the manual refresh path for a single target.
func (s *Scheduler) RunCheckNow(ctx context.Context, id domain.TargetID, now time.Time) (CheckOutcome, error) {
	t, err := s.Targets.GetTarget(ctx, id)
	if err != nil {
		return CheckOutcome{}, err
	}
	res, tr, err := s.check(ctx, *t, now)
	if err != nil {
		return CheckOutcome{Result: res}, err
	}
	return CheckOutcome{Success: res.Success, Result: res, Transition: tr}, nil
}

// check is one cancellable unit: probe, transition, stamp, alert. A probe cut
// short by the caller's context is discarded, since it says nothing about the
// target. Once a transition is stored it is always alerted; a failed stamp only
// leaves the target due for the next sweep.
func (s *Scheduler) check(ctx context.Context, t domain.MonitorTarget, now time.Time) (domain.ProbeResult, incident.Transition, error) {
	pctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	start := time.Now()
	res := s.Prober.Probe(pctx, t)
	cancel()

	if err := ctx.Err(); err != nil {
		s.Logger.Warn("check_cancelled",
			zap.String("target_id", string(t.ID)),
			zap.String("host", t.Host),
			zap.Error(err),
		)
		return res, incident.Transition{Action: incident.ActionNone}, fmt.Errorf("check cancelled: %w", err)
	}
	metrics.ObserveProbe(time.Since(start), string(res.ErrorCode))

	// the probe is done; finish recording it even if the caller goes away now
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), storeTimeout)
	defer cancel()

	tr, err := s.Engine.Apply(sctx, t, res, now)
	if err != nil {
		s.Logger.Warn("incident_apply_error",
			zap.String("target_id", string(t.ID)),
			zap.String("host", t.Host),
			zap.Error(err),
		)
		return res, tr, err
	}

	stampErr := s.Targets.MarkChecked(sctx, t.ID, now)
	if stampErr != nil {
		s.Logger.Warn("mark_checked_error",
			zap.String("target_id", string(t.ID)),
			zap.Error(stampErr),
		)
	}

	if tr.Notifiable() && s.Alerts != nil {
		s.Alerts.Dispatch(context.WithoutCancel(ctx), &t, tr, now)
	}
	if stampErr != nil {
		return res, tr, fmt.Errorf("mark checked: %w", stampErr)
	}

	s.Logger.Debug("target_checked",
		zap.String("target_id", string(t.ID)),
		zap.String("host", t.Host),
		zap.Bool("success", res.Success),
		zap.String("cause_code", string(res.ErrorCode)),
		zap.String("action", string(tr.Action)),
	)
	return res, tr, nil
}
