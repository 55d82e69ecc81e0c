package eventstore

import (
	"context"
	"errors"
	"fmt"

	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/diamondops/custody/pkg/config"
	"github.com/diamondops/custody/pkg/errclass"
	"github.com/diamondops/custody/pkg/logging"
	"github.com/diamondops/custody/pkg/model"
)

// Retrying retries operations that fail with errclass.ErrStoreUnavailable
// using bounded exponential backoff. Every other error is returned as is.
type Retrying struct {
	inner   Store
	backoff wait.Backoff
	log     *logging.Logger
}

var _ Store = (*Retrying)(nil)

// WithRetry wraps s.
func WithRetry(s Store, cfg config.RetryConfig, log *logging.Logger) *Retrying {
	if log == nil {
		log = logging.Discard()
	}
	return &Retrying{
		inner: s,
		backoff: wait.Backoff{
			Duration: cfg.InitialDelay.Duration,
			Factor:   cfg.Factor,
			Jitter:   0.1,
			Steps:    cfg.Attempts,
			Cap:      cfg.MaxDelay.Duration,
		},
		log: log.With("component", "eventstore"),
	}
}

// Unwrap returns the wrapped store.
func (r *Retrying) Unwrap() Store { return r.inner }

func (r *Retrying) do(ctx context.Context, op string, fn func(context.Context) error) error {
	var last error
	attempt := 0
	err := wait.ExponentialBackoffWithContext(ctx, r.backoff, func(ctx context.Context) (bool, error) {
		attempt++
		err := fn(ctx)
		if err == nil {
			return true, nil
		}
		if !errors.Is(err, errclass.ErrStoreUnavailable) {
			return false, err
		}
		last = err
		r.log.Warn("store unavailable, retrying", map[string]any{
			"op":      op,
			"attempt": attempt,
			"error":   err.Error(),
		})
		return false, nil
	})
	if err != nil && last != nil && wait.Interrupted(err) {
		return fmt.Errorf("%s: gave up after %d attempts: %w", op, attempt, last)
	}
	return err
}

func (r *Retrying) Append(ctx context.Context, itemID string, expectedVersion int64, ev model.CustodyEvent) (int64, error) {
	var seq int64
	err := r.do(ctx, "append", func(ctx context.Context) error {
		var err error
		seq, err = r.inner.Append(ctx, itemID, expectedVersion, ev)
		return err
	})
	return seq, err
}

func (r *Retrying) ReadEvents(ctx context.Context, itemID string, fromSeq int64) ([]model.CustodyEvent, error) {
	var out []model.CustodyEvent
	err := r.do(ctx, "read_events", func(ctx context.Context) error {
		var err error
		out, err = r.inner.ReadEvents(ctx, itemID, fromSeq)
		return err
	})
	return out, err
}

func (r *Retrying) LocateTransition(ctx context.Context, transitionID string) (string, error) {
	var itemID string
	err := r.do(ctx, "locate_transition", func(ctx context.Context) error {
		var err error
		itemID, err = r.inner.LocateTransition(ctx, transitionID)
		return err
	})
	return itemID, err
}

func (r *Retrying) ListItems(ctx context.Context) ([]string, error) {
	var out []string
	err := r.do(ctx, "list_items", func(ctx context.Context) error {
		var err error
		out, err = r.inner.ListItems(ctx)
		return err
	})
	return out, err
}

func (r *Retrying) PutArtifact(ctx context.Context, a model.EvidenceArtifact) error {
	return r.do(ctx, "put_artifact", func(ctx context.Context) error {
		return r.inner.PutArtifact(ctx, a)
	})
}

func (r *Retrying) GetArtifact(ctx context.Context, artifactID string) (model.EvidenceArtifact, error) {
	var out model.EvidenceArtifact
	err := r.do(ctx, "get_artifact", func(ctx context.Context) error {
		var err error
		out, err = r.inner.GetArtifact(ctx, artifactID)
		return err
	})
	return out, err
}

func (r *Retrying) ListArtifacts(ctx context.Context, itemID string) ([]model.EvidenceArtifact, error) {
	var out []model.EvidenceArtifact
	err := r.do(ctx, "list_artifacts", func(ctx context.Context) error {
		var err error
		out, err = r.inner.ListArtifacts(ctx, itemID)
		return err
	})
	return out, err
}

func (r *Retrying) AppendScore(ctx context.Context, s model.ConfidenceScore) (model.ConfidenceScore, error) {
	var out model.ConfidenceScore
	err := r.do(ctx, "append_score", func(ctx context.Context) error {
		var err error
		out, err = r.inner.AppendScore(ctx, s)
		return err
	})
	return out, err
}

func (r *Retrying) ReadScores(ctx context.Context, artifactID string) ([]model.ConfidenceScore, error) {
	var out []model.ConfidenceScore
	err := r.do(ctx, "read_scores", func(ctx context.Context) error {
		var err error
		out, err = r.inner.ReadScores(ctx, artifactID)
		return err
	})
	return out, err
}

func (r *Retrying) PutPacket(ctx context.Context, p model.EscalationPacket) error {
	return r.do(ctx, "put_packet", func(ctx context.Context) error {
		return r.inner.PutPacket(ctx, p)
	})
}

func (r *Retrying) GetPacket(ctx context.Context, packetID string) (model.EscalationPacket, error) {
	var out model.EscalationPacket
	err := r.do(ctx, "get_packet", func(ctx context.Context) error {
		var err error
		out, err = r.inner.GetPacket(ctx, packetID)
		return err
	})
	return out, err
}

func (r *Retrying) AppendNotification(ctx context.Context, rec model.NotificationRecord) error {
	return r.do(ctx, "append_notification", func(ctx context.Context) error {
		return r.inner.AppendNotification(ctx, rec)
	})
}

func (r *Retrying) ReadNotifications(ctx context.Context, itemID string) ([]model.NotificationRecord, error) {
	var out []model.NotificationRecord
	err := r.do(ctx, "read_notifications", func(ctx context.Context) error {
		var err error
		out, err = r.inner.ReadNotifications(ctx, itemID)
		return err
	})
	return out, err
}

func (r *Retrying) Snapshot(ctx context.Context, itemID string) (ItemSnapshot, error) {
	var out ItemSnapshot
	err := r.do(ctx, "snapshot", func(ctx context.Context) error {
		var err error
		out, err = r.inner.Snapshot(ctx, itemID)
		return err
	})
	return out, err
}

func (r *Retrying) Close() error { return r.inner.Close() }
