package custody

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/diamondops/custody/internal/doctor"
	"github.com/diamondops/custody/internal/eventstore"
	"github.com/diamondops/custody/internal/guard"
	"github.com/diamondops/custody/internal/notify"
	"github.com/diamondops/custody/internal/packet"
	"github.com/diamondops/custody/internal/scoring"
	"github.com/diamondops/custody/internal/sweep"
	"github.com/diamondops/custody/internal/verify"
	"github.com/diamondops/custody/pkg/config"
	"github.com/diamondops/custody/pkg/logging"
	"github.com/diamondops/custody/pkg/metrics"
	"github.com/diamondops/custody/pkg/model"
	"github.com/diamondops/custody/pkg/webhook"

	state "github.com/diamondops/custody/internal/custody"
)

type (
	Result          = state.Result
	Projection      = state.Projection
	RegisterRequest = state.RegisterRequest
	ProposeRequest  = state.ProposeRequest
	ConfirmRequest  = state.ConfirmRequest
	IngestRequest   = scoring.IngestRequest
	UnscoredError   = scoring.UnscoredError
	PacketOptions   = packet.Options
	Sink            = notify.Sink
	SweepPlan       = sweep.Plan
	SweepReport     = sweep.Report
	VerifyResult    = verify.Result
	DoctorResult    = doctor.Result
)

// Options configures Open.
type Options struct {
	// Root holds .custody/config.yaml and the file backend's journals.
	// Defaults to the working directory.
	Root string
	// Config overrides the config file under Root.
	Config *config.Config
	// Logger defaults to one built from Config.Logging.
	Logger *logging.Logger
	// Metrics defaults to a fresh registry.
	Metrics *metrics.Registry
	// Clock defaults to time.Now.
	Clock func() time.Time
	// Sinks are added to the sinks Config.Notify enables.
	Sinks []Sink
	// RunSweeper starts the background expiry loop.
	RunSweeper bool
}

// Engine is an open custody engine.
type Engine struct {
	root    string
	cfg     *config.Config
	log     *logging.Logger
	metrics *metrics.Registry

	store      eventstore.Store
	guard      *guard.Guard
	dispatcher *notify.Dispatcher
	svc        *state.Service
	scoring    *scoring.Engine
	packets    *packet.Builder
	sweeper    *sweep.Sweeper
	verifier   *verify.Verifier

	stopSweep context.CancelFunc
	sweepDone chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// Init writes the default configuration under root. It fails if root
// already holds one.
func Init(root string) (*config.Config, error) {
	if _, err := os.Stat(config.Path(root)); err == nil {
		return nil, fmt.Errorf("custody init: %s already exists", config.Path(root))
	}
	cfg := config.Default()
	if err := config.Save(root, cfg); err != nil {
		return nil, fmt.Errorf("custody init: %w", err)
	}
	return cfg, nil
}

// Initialized reports whether root holds a configuration.
func Initialized(root string) bool {
	info, err := os.Stat(filepath.Join(root, config.Dir))
	return err == nil && info.IsDir()
}

// Open loads configuration, opens the store and starts the notification
// workers. Close releases everything Open acquired.
func Open(ctx context.Context, opts Options) (*Engine, error) {
	root := opts.Root
	if root == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("custody open: %w", err)
		}
		root = wd
	}

	cfg := opts.Config
	if cfg == nil {
		loaded, err := config.Load(root)
		if err != nil {
			return nil, fmt.Errorf("custody open: %w", err)
		}
		loaded.ApplyEnv(os.Getenv)
		cfg = loaded
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("custody open: %w", err)
	}

	log := opts.Logger
	if log == nil {
		var err error
		if log, err = NewLogger(cfg.Logging); err != nil {
			return nil, fmt.Errorf("custody open: %w", err)
		}
	}
	reg := opts.Metrics
	if reg == nil {
		reg = metrics.NewRegistry()
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}

	store, err := OpenStore(ctx, root, cfg)
	if err != nil {
		return nil, fmt.Errorf("custody open: %w", err)
	}
	store = eventstore.WithRetry(store, cfg.Store.Retry, log)

	g, err := guard.New(cfg.Guard, clock, guard.WithMetrics(reg), guard.WithLogger(log))
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("custody open: %w", err)
	}

	var sinks []notify.Sink
	if cfg.Notify.LogSink {
		sinks = append(sinks, notify.LogSink{Log: log})
	}
	if hooks := webhook.NewClient(cfg.Notify.Webhooks); hooks.Len() > 0 {
		sinks = append(sinks, notify.WebhookSink{Client: hooks})
	}
	sinks = append(sinks, opts.Sinks...)
	d := notify.NewDispatcher(store, cfg.Notify, sinks,
		notify.WithMetrics(reg), notify.WithLogger(log), notify.WithClock(clock))

	svc := state.NewService(store, state.Options{
		Rules:              cfg.Custody.Rules,
		TTL:                cfg.Custody.TransitionTTL.Duration,
		MaxConflictRetries: cfg.Custody.MaxConflictRetries,
		Gate:               g,
		Notifier:           d,
		Metrics:            reg,
		Logger:             log,
		Clock:              clock,
	})

	e := &Engine{
		root:       root,
		cfg:        cfg,
		log:        log,
		metrics:    reg,
		store:      store,
		guard:      g,
		dispatcher: d,
		svc:        svc,
		scoring:    scoring.NewEngine(store, cfg.Scoring, reg, log, clock),
		packets:    packet.NewBuilder(store, cfg.Packet, reg, log, clock),
		sweeper:    sweep.New(svc, reg, log, clock),
		verifier:   verify.NewVerifier(store),
	}

	if err := d.Start(context.WithoutCancel(ctx)); err != nil {
		e.Close()
		return nil, fmt.Errorf("custody open: start notifications: %w", err)
	}
	if opts.RunSweeper && cfg.Custody.SweepInterval.Duration > 0 {
		sweepCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		e.stopSweep = cancel
		e.sweepDone = make(chan struct{})
		go func() {
			defer close(e.sweepDone)
			e.sweeper.Loop(sweepCtx, cfg.Custody.SweepInterval.Duration)
		}()
	}
	return e, nil
}

// NewLogger builds a logger from the logging section.
func NewLogger(cfg config.LoggingConfig) (*logging.Logger, error) {
	level := logging.LevelInfo
	if cfg.Level != "" {
		var err error
		if level, err = logging.ParseLevel(cfg.Level); err != nil {
			return nil, err
		}
	}
	log := logging.NewLogger(level)
	switch logging.Format(cfg.Format) {
	case logging.FormatText:
		log.SetFormat(logging.FormatText)
	case logging.FormatJSON, "":
	default:
		return nil, fmt.Errorf("unknown log format %q", cfg.Format)
	}
	return log, nil
}

// Close stops the sweeper, drains queued notifications and closes the
// store. It is safe to call more than once.
func (e *Engine) Close() error {
	e.closeOnce.Do(func() {
		if e.stopSweep != nil {
			e.stopSweep()
			<-e.sweepDone
		}
		var errs []error
		if err := e.dispatcher.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close notifications: %w", err))
		}
		if err := e.guard.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close guard: %w", err))
		}
		if err := e.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close store: %w", err))
		}
		e.closeErr = errors.Join(errs...)
	})
	return e.closeErr
}

// Root returns the directory the engine was opened on.
func (e *Engine) Root() string { return e.root }

// Config returns the effective configuration.
func (e *Engine) Config() *config.Config { return e.cfg }

// Metrics returns the registry every component reports to.
func (e *Engine) Metrics() *metrics.Registry { return e.metrics }

// Logger returns the engine's logger.
func (e *Engine) Logger() *logging.Logger { return e.log }

// RegisterItem records a new item with its first custodian.
func (e *Engine) RegisterItem(ctx context.Context, req RegisterRequest) (Result, error) {
	return e.svc.Register(ctx, req)
}

// LockItem blocks proposals on the item. Only its custodian may lock it.
func (e *Engine) LockItem(ctx context.Context, itemID, actor string) (Result, error) {
	return e.svc.Lock(ctx, itemID, actor)
}

// UnlockItem lifts the custodian's lock.
func (e *Engine) UnlockItem(ctx context.Context, itemID, actor string) (Result, error) {
	return e.svc.Unlock(ctx, itemID, actor)
}

// ProposeTransition opens a transition, subject to the abuse guard.
func (e *Engine) ProposeTransition(ctx context.Context, req ProposeRequest) (Result, error) {
	return e.svc.Propose(ctx, req)
}

// AcknowledgeTransition records the current custodian's acknowledgement.
func (e *Engine) AcknowledgeTransition(ctx context.Context, transitionID, actor string) (Result, error) {
	return e.svc.Acknowledge(ctx, transitionID, actor)
}

// ContestTransition records the current custodian's objection.
func (e *Engine) ContestTransition(ctx context.Context, transitionID, actor, reason string) (Result, error) {
	return e.svc.Contest(ctx, transitionID, actor, reason)
}

// AttestTransition adds one attestation to an open transition.
func (e *Engine) AttestTransition(ctx context.Context, transitionID, attester string, component model.RuleName) (Result, error) {
	return e.svc.Attest(ctx, transitionID, attester, component)
}

// ConfirmTransition closes a transition when a confirmation rule holds.
func (e *Engine) ConfirmTransition(ctx context.Context, req ConfirmRequest) (Result, error) {
	return e.svc.Confirm(ctx, req)
}

// RevokeTransition withdraws a transition on behalf of its initiator.
func (e *Engine) RevokeTransition(ctx context.Context, transitionID, actor string) (Result, error) {
	return e.svc.Revoke(ctx, transitionID, actor)
}

// GetItem returns the item's folded state.
func (e *Engine) GetItem(ctx context.Context, itemID string) (Projection, error) {
	return e.svc.Get(ctx, itemID)
}

// History returns the item's events from fromSeq on, rejected attempts
// included.
func (e *Engine) History(ctx context.Context, itemID string, fromSeq int64) ([]model.CustodyEvent, error) {
	return e.svc.History(ctx, itemID, fromSeq)
}

// GetTransition returns a transition by id.
func (e *Engine) GetTransition(ctx context.Context, transitionID string) (*model.CustodyTransition, error) {
	return e.svc.GetTransition(ctx, transitionID)
}

// Items lists every registered item id.
func (e *Engine) Items(ctx context.Context) ([]string, error) {
	return e.svc.Items(ctx)
}

// IngestArtifact stores an artifact and records its first score. When the
// artifact is stored but the score is not, the error is an *UnscoredError
// and RecomputeScore finishes the job.
func (e *Engine) IngestArtifact(ctx context.Context, req IngestRequest) (model.EvidenceArtifact, model.ConfidenceScore, error) {
	return e.scoring.Ingest(ctx, req)
}

// RecomputeScore appends a fresh score for an artifact.
func (e *Engine) RecomputeScore(ctx context.Context, artifactID string) (model.ConfidenceScore, error) {
	return e.scoring.Recompute(ctx, artifactID)
}

// Scores returns an artifact's full score history.
func (e *Engine) Scores(ctx context.Context, artifactID string) ([]model.ConfidenceScore, error) {
	return e.scoring.Scores(ctx, artifactID)
}

// Artifacts lists an item's artifacts.
func (e *Engine) Artifacts(ctx context.Context, itemID string) ([]model.EvidenceArtifact, error) {
	return e.store.ListArtifacts(ctx, itemID)
}

// BuildEscalationPacket issues an immutable packet at level.
func (e *Engine) BuildEscalationPacket(ctx context.Context, itemID string, level model.EscalationLevel, opts PacketOptions) (model.EscalationPacket, error) {
	return e.packets.Build(ctx, itemID, level, opts)
}

// GetPacket returns an issued packet after checking its content hash.
func (e *Engine) GetPacket(ctx context.Context, packetID string) (model.EscalationPacket, error) {
	return e.packets.Get(ctx, packetID)
}

// Notifications returns the latest record of every notification for the
// item, or for all items when itemID is empty.
func (e *Engine) Notifications(ctx context.Context, itemID string) ([]model.NotificationRecord, error) {
	records, err := e.store.ReadNotifications(ctx, itemID)
	if err != nil {
		return nil, err
	}
	return model.LatestNotifications(records), nil
}

// Sweep expires stale transitions. With dryRun it only returns the plan.
func (e *Engine) Sweep(ctx context.Context, dryRun bool) (*SweepPlan, *SweepReport, error) {
	plan, err := e.sweeper.Plan(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("sweep plan: %w", err)
	}
	if dryRun {
		return plan, nil, nil
	}
	report, err := e.sweeper.Run(ctx, plan)
	if err != nil {
		return plan, report, fmt.Errorf("sweep run: %w", err)
	}
	return plan, report, nil
}

// Verify checks the hash chains of one item, or of every item when itemID
// is empty. A broken chain is reported as errclass.ErrAuditChainBroken
// alongside the results.
func (e *Engine) Verify(ctx context.Context, itemID string) ([]*VerifyResult, error) {
	var (
		results []*VerifyResult
		err     error
	)
	if itemID == "" {
		results, err = e.verifier.VerifyAll(ctx)
	} else {
		results, err = e.verifier.VerifyItem(ctx, itemID)
	}
	if err != nil {
		return nil, err
	}
	return results, verify.Err(results)
}

// Doctor runs health checks. strict also verifies every hash chain.
func (e *Engine) Doctor(ctx context.Context, strict bool) (*DoctorResult, error) {
	dataDir := ""
	if e.cfg.Store.Backend == config.BackendFile || e.cfg.Store.Backend == "" {
		dataDir = e.cfg.StorePath(e.root)
	}
	return doctor.NewDoctor(e.store, e.sweeper, e.verifier, dataDir).Check(ctx, strict)
}
