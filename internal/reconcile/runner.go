package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/inboxpilot/labelsync/internal/auth"
	"github.com/inboxpilot/labelsync/internal/labels"
	"github.com/inboxpilot/labelsync/internal/store"
	"github.com/inboxpilot/labelsync/internal/template"
)

// Outcome is the run-level result. Partial convergence is normal and
// expected, so callers never get a bare success/failure boolean.
type Outcome string

const (
	OutcomeConverged  Outcome = "converged"
	OutcomePartial    Outcome = "partial"
	OutcomeSyncFailed Outcome = "sync_failed"
)

// Request triggers one reconciliation run for a (tenant, provider) pair.
type Request struct {
	TenantID string              `json:"tenant_id"`
	Provider labels.ProviderName `json:"provider"`
	Vertical string              `json:"vertical"`
	Team     []string            `json:"team"`
	Vendors  []string            `json:"vendors"`
	DryRun   bool                `json:"dry_run"`
}

// Report is the structured result of one run.
type Report struct {
	RunID         string              `json:"run_id"`
	TenantID      string              `json:"tenant_id"`
	Provider      labels.ProviderName `json:"provider"`
	DryRun        bool                `json:"dry_run"`
	Outcome       Outcome             `json:"outcome"`
	Sync          SyncResult          `json:"sync"`
	Provision     ProvisionResult     `json:"provision"`
	IdentifierMap map[string]string   `json:"identifier_map,omitempty"`
	EnvKeys       map[string]string   `json:"env_keys,omitempty"`
	Error         string              `json:"error,omitempty"`
	StartedAt     time.Time           `json:"started_at"`
	FinishedAt    time.Time           `json:"finished_at"`
}

// ResultPublisher hands a finished run off to the downstream workflow
// engine's event stream.
type ResultPublisher interface {
	PublishReconciled(ctx context.Context, report *Report) error
}

// Runner executes one reconciliation run: credential fetch, adapter build,
// sync, template resolution, provisioning, identifier map build, run
// persistence, and the downstream handoff.
type Runner struct {
	store     *store.Store
	creds     auth.CredentialSource
	factory   ProviderFactory
	resolver  *template.Resolver
	publisher ResultPublisher
	runBudget time.Duration
	sync      *Synchronizer
	prov      *Provisioner
	log       *slog.Logger
}

// RunnerConfig wires a Runner.
type RunnerConfig struct {
	Store       *store.Store
	Creds       auth.CredentialSource
	Factory     ProviderFactory
	Resolver    *template.Resolver
	Publisher   ResultPublisher // nil disables the downstream handoff
	RunBudget   time.Duration
	Workers     int
	MaxAttempts int
	Log         *slog.Logger
}

// NewRunner creates a run orchestrator.
func NewRunner(cfg RunnerConfig) *Runner {
	if cfg.RunBudget <= 0 {
		cfg.RunBudget = 2 * time.Minute
	}
	return &Runner{
		store:     cfg.Store,
		creds:     cfg.Creds,
		factory:   cfg.Factory,
		resolver:  cfg.Resolver,
		publisher: cfg.Publisher,
		runBudget: cfg.RunBudget,
		sync:      NewSynchronizer(cfg.Store, cfg.Log),
		prov:      NewProvisioner(cfg.Store, cfg.Creds, cfg.Factory, cfg.Workers, cfg.MaxAttempts, cfg.Log),
		log:       cfg.Log,
	}
}

// Run executes one reconciliation. A configuration problem (unknown
// provider or vertical) returns an error with no report and no partial
// output; anything past template resolution produces a structured Report.
// The wall-clock budget cancels unstarted work; in-flight provider calls
// finish so provider-side creations are never orphaned without a record.
func (r *Runner) Run(ctx context.Context, req Request) (*Report, error) {
	if !req.Provider.Valid() {
		return nil, fmt.Errorf("unsupported provider %q", req.Provider)
	}

	specs, err := r.resolver.Resolve(req.Vertical, template.Substitutions{
		Team:    req.Team,
		Vendors: req.Vendors,
	})
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, r.runBudget)
	defer cancel()

	report := &Report{
		RunID:     uuid.NewString(),
		TenantID:  req.TenantID,
		Provider:  req.Provider,
		DryRun:    req.DryRun,
		StartedAt: time.Now(),
	}
	r.log.Info("reconcile run started",
		"run_id", report.RunID, "tenant", req.TenantID,
		"provider", string(req.Provider), "dry_run", req.DryRun, "desired", len(specs))

	cred, err := r.creds.Token(ctx, req.TenantID, req.Provider)
	if err != nil {
		return r.finish(ctx, report, OutcomeSyncFailed, fmt.Errorf("failed to fetch credential: %w", err))
	}

	prov, err := r.factory(ctx, cred, req.TenantID, req.Provider)
	if err != nil {
		return r.finish(ctx, report, OutcomeSyncFailed, fmt.Errorf("failed to build provider adapter: %w", err))
	}

	// The provisioner must only ever see a just-completed sync.
	report.Sync, err = r.sync.Sync(ctx, req.TenantID, req.Provider, prov)
	if err != nil {
		return r.finish(ctx, report, OutcomeSyncFailed, fmt.Errorf("sync failed: %w", err))
	}

	records, err := r.store.ListActive(ctx, req.TenantID, req.Provider)
	if err != nil {
		return r.finish(ctx, report, OutcomeSyncFailed, fmt.Errorf("failed to read synced records: %w", err))
	}

	report.Provision = r.prov.Provision(ctx, req.TenantID, req.Provider, prov, specs, records, req.DryRun)

	outcome := OutcomeConverged
	if report.Provision.Failed > 0 || report.Provision.Blocked > 0 {
		outcome = OutcomePartial
	}

	if !req.DryRun && outcome == OutcomeConverged {
		final, err := r.store.ListActive(ctx, req.TenantID, req.Provider)
		if err != nil {
			return r.finish(ctx, report, OutcomePartial, fmt.Errorf("failed to read final records: %w", err))
		}
		report.IdentifierMap, err = BuildIdentifierMap(specs, final)
		if err != nil {
			// A desired leaf has no live record after a run that reported
			// no failures; surface it rather than hand off a partial map.
			return r.finish(ctx, report, OutcomePartial, err)
		}
		report.EnvKeys = EnvKeys(report.IdentifierMap)
	}

	return r.finish(ctx, report, outcome, nil)
}

// finish stamps the report, persists the run row, and publishes the result
// for real (non-dry) runs. The identifier map is only handed downstream
// when the run fully converged.
func (r *Runner) finish(ctx context.Context, report *Report, outcome Outcome, runErr error) (*Report, error) {
	report.Outcome = outcome
	report.FinishedAt = time.Now()
	if runErr != nil {
		report.Error = runErr.Error()
	}

	// Persist and publish on a fresh context: the run budget expiring must
	// not lose the record of what already happened.
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	if err := r.store.SaveRun(saveCtx, store.Run{
		RunID:        report.RunID,
		TenantID:     report.TenantID,
		Provider:     string(report.Provider),
		DryRun:       report.DryRun,
		Outcome:      string(report.Outcome),
		SyncUpserted: report.Sync.Upserted,
		SyncDeleted:  report.Sync.Deleted,
		Created:      report.Provision.Created,
		Adopted:      report.Provision.Adopted,
		Existing:     report.Provision.Existing,
		Failed:       report.Provision.Failed,
		Blocked:      report.Provision.Blocked,
		Error:        report.Error,
		StartedAt:    report.StartedAt,
		FinishedAt:   report.FinishedAt,
	}); err != nil {
		r.log.Error("failed to persist run", "run_id", report.RunID, "error", err)
	}

	if r.publisher != nil && !report.DryRun {
		if err := r.publisher.PublishReconciled(saveCtx, report); err != nil {
			r.log.Error("failed to publish run result", "run_id", report.RunID, "error", err)
		}
	}

	r.log.Info("reconcile run finished",
		"run_id", report.RunID, "tenant", report.TenantID,
		"provider", string(report.Provider), "outcome", string(report.Outcome),
		"created", report.Provision.Created, "failed", report.Provision.Failed,
		"blocked", report.Provision.Blocked)

	return report, nil
}
