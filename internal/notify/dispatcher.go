// Package notify delivers privacy-filtered notices about custody
// transitions to the custodian at the time of the event.
//
// Delivery is asynchronous and at least once. Each trigger is recorded as
// pending before it is queued; every attempt appends another record, so
// the latest record per notification is its status. Records still pending
// or retrying when the process stops are picked up again by Redeliver.
package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"k8s.io/client-go/util/workqueue"

	"github.com/diamondops/custody/internal/eventstore"
	"github.com/diamondops/custody/pkg/config"
	"github.com/diamondops/custody/pkg/logging"
	"github.com/diamondops/custody/pkg/metrics"
	"github.com/diamondops/custody/pkg/model"
	"github.com/diamondops/custody/pkg/uuidutil"
)

const attemptTimeout = 30 * time.Second

// Dispatcher queues notifications and retries failed deliveries with
// per-notification exponential backoff.
type Dispatcher struct {
	log     eventstore.NotificationLog
	sinks   []Sink
	queue   workqueue.RateLimitingInterface
	workers int
	// maxRetries counts redeliveries after the first attempt.
	maxRetries int
	metrics    *metrics.Registry
	logger     *logging.Logger
	clock      func() time.Time

	mu      sync.Mutex
	pending map[string]model.NotificationRecord

	startOnce sync.Once
	stopOnce  sync.Once
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithMetrics records delivery outcomes.
func WithMetrics(reg *metrics.Registry) Option {
	return func(d *Dispatcher) { d.metrics = reg }
}

// WithLogger sets the dispatcher logger.
func WithLogger(l *logging.Logger) Option {
	return func(d *Dispatcher) { d.logger = l }
}

// WithClock sets the clock used for record timestamps.
func WithClock(clock func() time.Time) Option {
	return func(d *Dispatcher) { d.clock = clock }
}

// NewDispatcher creates a dispatcher writing records to nl and delivering
// through sinks. Call Start to begin delivery.
func NewDispatcher(nl eventstore.NotificationLog, cfg config.NotifyConfig, sinks []Sink, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		log:        nl,
		sinks:      sinks,
		workers:    cfg.Workers,
		maxRetries: cfg.MaxRetries,
		clock:      time.Now,
		pending:    make(map[string]model.NotificationRecord),
	}
	for _, o := range opts {
		o(d)
	}
	if d.logger == nil {
		d.logger = logging.Discard()
	}
	d.logger = d.logger.With("component", "notify")
	if d.workers < 1 {
		d.workers = 1
	}
	base, maxDelay := cfg.BaseDelay.Duration, cfg.MaxDelay.Duration
	if base <= 0 {
		base = time.Second
	}
	if maxDelay < base {
		maxDelay = base
	}
	d.queue = workqueue.NewNamedRateLimitingQueue(
		workqueue.NewItemExponentialFailureRateLimiter(base, maxDelay), "custody-notifications")
	return d
}

func (d *Dispatcher) now() time.Time {
	return d.clock().UTC().Truncate(time.Microsecond)
}

// Notify records and queues a notification for an accepted event. It never
// blocks on delivery and never reports failure to the caller.
func (d *Dispatcher) Notify(t Trigger) {
	tpl, ok := Template(t.Event.EventType)
	if !ok {
		return
	}
	notice, _ := Filter(t)
	rec := model.NotificationRecord{
		NotificationID: uuidutil.New(uuidutil.PrefixNotification),
		ItemID:         t.Event.ItemID,
		TransitionID:   t.Transition.TransitionID,
		EventID:        t.Event.EventID,
		Recipient:      t.Item.CurrentCustodian,
		Template:       tpl,
		Notice:         notice,
		DeliveryStatus: model.DeliveryPending,
		RecordedAt:     d.now(),
	}
	if err := d.append(context.Background(), rec); err != nil {
		// Still attempt delivery; only redelivery after a restart is lost.
		d.logger.ErrorErr("record pending notification", err, map[string]any{"notification_id": rec.NotificationID})
	}
	d.enqueue(rec)
}

func (d *Dispatcher) enqueue(rec model.NotificationRecord) {
	d.mu.Lock()
	d.pending[rec.NotificationID] = rec
	d.mu.Unlock()
	d.queue.Add(rec.NotificationID)
}

func (d *Dispatcher) append(ctx context.Context, rec model.NotificationRecord) error {
	if err := d.log.AppendNotification(ctx, rec); err != nil {
		return err
	}
	d.metrics.RecordNotification(string(rec.DeliveryStatus))
	return nil
}

// Redeliver queues every notification whose latest record is pending or
// retrying. It returns the number queued.
func (d *Dispatcher) Redeliver(ctx context.Context) (int, error) {
	records, err := d.log.ReadNotifications(ctx, "")
	if err != nil {
		return 0, fmt.Errorf("read notification log: %w", err)
	}
	n := 0
	for _, rec := range model.LatestNotifications(records) {
		switch rec.DeliveryStatus {
		case model.DeliveryPending, model.DeliveryRetrying:
			d.enqueue(rec)
			n++
		}
	}
	if n > 0 {
		d.logger.Info("redelivering notifications", map[string]any{"count": n})
	}
	return n, nil
}

// Start redelivers unfinished notifications and starts the workers.
func (d *Dispatcher) Start(ctx context.Context) error {
	var err error
	d.startOnce.Do(func() {
		ctx, d.cancel = context.WithCancel(ctx)
		if _, err = d.Redeliver(ctx); err != nil {
			return
		}
		for i := 0; i < d.workers; i++ {
			d.wg.Add(1)
			go func() {
				defer d.wg.Done()
				for d.processNext(ctx) {
				}
			}()
		}
	})
	return err
}

// Close stops accepting work, waits for queued deliveries to finish and
// stops the workers. Deliveries waiting for a retry stay recorded as
// retrying and are redelivered by the next Start.
func (d *Dispatcher) Close() error {
	d.stopOnce.Do(func() {
		if d.cancel == nil {
			d.queue.ShutDown()
			return
		}
		d.queue.ShutDownWithDrain()
		d.wg.Wait()
		d.cancel()
	})
	return nil
}

func (d *Dispatcher) processNext(ctx context.Context) bool {
	item, shutdown := d.queue.Get()
	if shutdown {
		return false
	}
	defer d.queue.Done(item)

	id := item.(string)
	d.mu.Lock()
	rec, ok := d.pending[id]
	d.mu.Unlock()
	if !ok {
		d.queue.Forget(item)
		return true
	}

	rec.Attempt++
	rec.RecordedAt = d.now()
	err := d.deliver(ctx, rec)

	switch {
	case err == nil:
		sent := rec.RecordedAt
		rec.DeliveryStatus = model.DeliverySent
		rec.SentAt = &sent
		rec.Error = ""
		d.finish(ctx, item, rec)
	case rec.Attempt > d.maxRetries:
		rec.DeliveryStatus = model.DeliveryFailed
		rec.Error = err.Error()
		d.logger.ErrorErr("notification failed", err, map[string]any{
			"notification_id": rec.NotificationID,
			"attempt":         rec.Attempt,
		})
		d.finish(ctx, item, rec)
	default:
		rec.DeliveryStatus = model.DeliveryRetrying
		rec.Error = err.Error()
		d.mu.Lock()
		d.pending[id] = rec
		d.mu.Unlock()
		if aerr := d.append(ctx, rec); aerr != nil {
			d.logger.ErrorErr("record notification attempt", aerr, map[string]any{"notification_id": id})
		}
		d.logger.Warn("notification attempt failed", map[string]any{
			"notification_id": id,
			"attempt":         rec.Attempt,
			"error":           err.Error(),
		})
		d.queue.AddRateLimited(item)
	}
	return true
}

func (d *Dispatcher) finish(ctx context.Context, item any, rec model.NotificationRecord) {
	d.queue.Forget(item)
	d.mu.Lock()
	delete(d.pending, rec.NotificationID)
	d.mu.Unlock()
	if err := d.append(ctx, rec); err != nil {
		d.logger.ErrorErr("record notification outcome", err, map[string]any{"notification_id": rec.NotificationID})
	}
}

func (d *Dispatcher) deliver(ctx context.Context, rec model.NotificationRecord) error {
	ctx, cancel := context.WithTimeout(ctx, attemptTimeout)
	defer cancel()
	var errs []error
	for _, s := range d.sinks {
		if err := s.Deliver(ctx, rec); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
		}
	}
	return errors.Join(errs...)
}
