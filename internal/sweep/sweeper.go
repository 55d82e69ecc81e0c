// Package sweep expires transitions that stayed proposed or acknowledged
// past the TTL. A sweep is split into a plan, which only reads, and a run,
// which appends one expiry event per planned transition.
package sweep

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/diamondops/custody/internal/custody"
	"github.com/diamondops/custody/pkg/errclass"
	"github.com/diamondops/custody/pkg/logging"
	"github.com/diamondops/custody/pkg/metrics"
	"github.com/diamondops/custody/pkg/model"
	"github.com/diamondops/custody/pkg/uuidutil"
)

// Candidate is a transition the plan expects to expire.
type Candidate struct {
	ItemID       string                `json:"item_id"`
	TransitionID string                `json:"transition_id"`
	State        model.TransitionState `json:"state"`
	ProposedAt   time.Time             `json:"proposed_at"`
	Age          time.Duration         `json:"age"`
}

// Plan lists what a run would expire.
type Plan struct {
	PlanID     string        `json:"plan_id"`
	CreatedAt  time.Time     `json:"created_at"`
	TTL        time.Duration `json:"ttl"`
	Candidates []Candidate   `json:"candidates"`
}

// Skip is a planned transition the run did not expire.
type Skip struct {
	TransitionID string `json:"transition_id"`
	Reason       string `json:"reason"`
}

// Report is the outcome of a run.
type Report struct {
	PlanID   string        `json:"plan_id"`
	Expired  []string      `json:"expired"`
	Skipped  []Skip        `json:"skipped,omitempty"`
	Duration time.Duration `json:"duration"`
}

// Sweeper plans and runs expiry sweeps.
type Sweeper struct {
	svc     *custody.Service
	metrics *metrics.Registry
	log     *logging.Logger
	clock   func() time.Time
}

// New creates a sweeper over svc.
func New(svc *custody.Service, reg *metrics.Registry, log *logging.Logger, clock func() time.Time) *Sweeper {
	if log == nil {
		log = logging.Discard()
	}
	if clock == nil {
		clock = time.Now
	}
	return &Sweeper{svc: svc, metrics: reg, log: log.With("component", "sweep"), clock: clock}
}

// Plan finds every open transition older than the TTL.
func (s *Sweeper) Plan(ctx context.Context) (*Plan, error) {
	now := s.clock().UTC()
	items, err := s.svc.Items(ctx)
	if err != nil {
		return nil, err
	}

	plan := &Plan{
		PlanID:     uuidutil.NewV4(),
		CreatedAt:  now,
		TTL:        s.svc.TTL(),
		Candidates: []Candidate{},
	}
	for _, itemID := range items {
		p, err := s.svc.Get(ctx, itemID)
		if errors.Is(err, errclass.ErrUnknownItem) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("fold item %s: %w", itemID, err)
		}
		t := p.Active
		if t == nil || !custody.Expired(t, now, plan.TTL) {
			continue
		}
		plan.Candidates = append(plan.Candidates, Candidate{
			ItemID:       itemID,
			TransitionID: t.TransitionID,
			State:        t.State,
			ProposedAt:   t.ProposedAt,
			Age:          now.Sub(t.ProposedAt),
		})
	}
	return plan, nil
}

// Run expires the planned transitions. Each one is re-checked when its
// expiry is appended; a transition that moved on since planning is
// recorded as a rejected expiry and skipped. Store failures do not stop
// the run and are returned together at the end.
func (s *Sweeper) Run(ctx context.Context, plan *Plan) (*Report, error) {
	start := time.Now()
	report := &Report{PlanID: plan.PlanID, Expired: []string{}}
	var errs []error

	for _, c := range plan.Candidates {
		_, err := s.svc.Expire(ctx, c.TransitionID)
		switch {
		case err == nil:
			report.Expired = append(report.Expired, c.TransitionID)
		case errors.Is(err, errclass.ErrInvalidTransition), errors.Is(err, errclass.ErrUnknownTransition):
			report.Skipped = append(report.Skipped, Skip{TransitionID: c.TransitionID, Reason: err.Error()})
		default:
			errs = append(errs, fmt.Errorf("expire %s: %w", c.TransitionID, err))
		}
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
	}

	report.Duration = time.Since(start)
	s.metrics.RecordSweep(len(report.Expired), report.Duration)
	s.log.Info("sweep complete", map[string]any{
		"plan_id":  plan.PlanID,
		"planned":  len(plan.Candidates),
		"expired":  len(report.Expired),
		"skipped":  len(report.Skipped),
		"failures": len(errs),
	})
	return report, errors.Join(errs...)
}

// Once plans and runs one sweep.
func (s *Sweeper) Once(ctx context.Context) (*Report, error) {
	plan, err := s.Plan(ctx)
	if err != nil {
		return nil, err
	}
	return s.Run(ctx, plan)
}

// Loop sweeps every interval until ctx is done. Failures are logged and
// the next tick tries again.
func (s *Sweeper) Loop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Once(ctx); err != nil && ctx.Err() == nil {
				s.log.ErrorErr("sweep failed", err)
			}
		}
	}
}
