// Package doctor runs health checks over an engine's stored state.
package doctor

import (
	"context"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"

	"github.com/diamondops/custody/internal/eventstore"
	"github.com/diamondops/custody/internal/sweep"
	"github.com/diamondops/custody/internal/verify"
	"github.com/diamondops/custody/pkg/fsutil"
	"github.com/diamondops/custody/pkg/model"
)

// Severities, most severe first.
const (
	SeverityCritical = "critical"
	SeverityError    = "error"
	SeverityWarning  = "warning"
	SeverityInfo     = "info"
)

// Finding represents a detected issue.
type Finding struct {
	Category    string `json:"category"`
	Description string `json:"description"`
	Severity    string `json:"severity"`
	Path        string `json:"path,omitempty"`
}

// Result contains doctor check results.
type Result struct {
	Healthy  bool      `json:"healthy"`
	Findings []Finding `json:"findings"`
}

func (r *Result) add(f Finding) {
	r.Findings = append(r.Findings, f)
	if f.Severity == SeverityCritical || f.Severity == SeverityError {
		r.Healthy = false
	}
}

// Doctor performs health checks.
type Doctor struct {
	store    eventstore.Store
	sweeper  *sweep.Sweeper
	verifier *verify.Verifier
	// dataDir is the file backend's directory, or "" for other backends.
	dataDir string
}

// NewDoctor creates a doctor. dataDir is scanned for leftover temp files
// when not empty.
func NewDoctor(store eventstore.Store, sweeper *sweep.Sweeper, verifier *verify.Verifier, dataDir string) *Doctor {
	return &Doctor{store: store, sweeper: sweeper, verifier: verifier, dataDir: dataDir}
}

// Check runs all diagnostic checks. Hash chains are only verified when
// strict is set, since that reads every journal.
func (d *Doctor) Check(ctx context.Context, strict bool) (*Result, error) {
	result := &Result{Healthy: true, Findings: []Finding{}}

	if err := d.checkOverdueTransitions(ctx, result); err != nil {
		return nil, err
	}
	if err := d.checkNotifications(ctx, result); err != nil {
		return nil, err
	}
	if strict {
		d.checkChains(ctx, result)
	}
	d.checkOrphanTmp(result)

	return result, nil
}

// checkOverdueTransitions reports open transitions past the TTL. They are
// expired by the next sweep; many of them mean the sweeper is not running.
func (d *Doctor) checkOverdueTransitions(ctx context.Context, result *Result) error {
	plan, err := d.sweeper.Plan(ctx)
	if err != nil {
		return fmt.Errorf("doctor: plan sweep: %w", err)
	}
	for _, c := range plan.Candidates {
		result.add(Finding{
			Category:    "transition",
			Description: fmt.Sprintf("transition %s on %s is %s and past its TTL", c.TransitionID, c.ItemID, c.State),
			Severity:    SeverityWarning,
		})
	}
	return nil
}

func (d *Doctor) checkNotifications(ctx context.Context, result *Result) error {
	records, err := d.store.ReadNotifications(ctx, "")
	if err != nil {
		return fmt.Errorf("doctor: read notifications: %w", err)
	}
	for _, r := range model.LatestNotifications(records) {
		switch r.DeliveryStatus {
		case model.DeliveryFailed:
			result.add(Finding{
				Category:    "notification",
				Description: fmt.Sprintf("notification %s to %s failed after %d attempts: %s", r.NotificationID, r.Recipient, r.Attempt, r.Error),
				Severity:    SeverityWarning,
			})
		case model.DeliveryPending, model.DeliveryRetrying:
			result.add(Finding{
				Category:    "notification",
				Description: fmt.Sprintf("notification %s to %s is %s", r.NotificationID, r.Recipient, r.DeliveryStatus),
				Severity:    SeverityInfo,
			})
		}
	}
	return nil
}

func (d *Doctor) checkChains(ctx context.Context, result *Result) {
	results, err := d.verifier.VerifyAll(ctx)
	if err != nil {
		result.add(Finding{
			Category:    "integrity",
			Description: fmt.Sprintf("verification failed: %v", err),
			Severity:    SeverityError,
		})
		return
	}
	for _, r := range results {
		if !r.ChainValid {
			result.add(Finding{
				Category:    "integrity",
				Description: fmt.Sprintf("%s %s: %s", r.Kind, r.ID, r.Error),
				Severity:    SeverityCritical,
			})
		}
	}
}

func (d *Doctor) checkOrphanTmp(result *Result) {
	if d.dataDir == "" {
		return
	}
	filepath.WalkDir(d.dataDir, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if strings.HasPrefix(entry.Name(), fsutil.TmpPrefix) {
			result.add(Finding{
				Category:    "tmp",
				Description: fmt.Sprintf("orphan temp file: %s", entry.Name()),
				Severity:    SeverityInfo,
				Path:        path,
			})
		}
		return nil
	})
}
