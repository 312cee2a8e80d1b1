package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/inboxpilot/labelsync/internal/auth"
	"github.com/inboxpilot/labelsync/internal/labels"
	"github.com/inboxpilot/labelsync/internal/store"
)

// ItemStatus is the per-label outcome of a provisioning pass.
type ItemStatus string

const (
	StatusCreated  ItemStatus = "created"
	StatusExisting ItemStatus = "existing"
	StatusAdopted  ItemStatus = "adopted" // conflict absorbed via lookup
	StatusPlanned  ItemStatus = "planned" // dry-run only
	StatusFailed   ItemStatus = "failed"
	StatusBlocked  ItemStatus = "blocked"
)

// ItemResult reports one desired label's outcome.
type ItemResult struct {
	Path       string     `json:"path"`
	Status     ItemStatus `json:"status"`
	ProviderID string     `json:"provider_id,omitempty"`
	Error      string     `json:"error,omitempty"`
}

// ProvisionResult enumerates every desired label individually. Partial
// convergence is a normal outcome, never collapsed into a bare boolean.
type ProvisionResult struct {
	Items    []ItemResult `json:"items"`
	Created  int          `json:"created"`
	Adopted  int          `json:"adopted"`
	Existing int          `json:"existing"`
	Planned  int          `json:"planned"`
	Failed   int          `json:"failed"`
	Blocked  int          `json:"blocked"`
}

// Provisioner converges provider state toward a desired-state tree. It
// assumes the record store was synchronized immediately before; running it
// against a stale store is a contract violation owned by the caller.
type Provisioner struct {
	store       *store.Store
	creds       auth.CredentialSource
	factory     ProviderFactory
	workers     int
	maxAttempts int
	backoffBase time.Duration
	log         *slog.Logger
}

// NewProvisioner creates a provisioner. workers bounds parallel sibling
// creation; maxAttempts bounds transient retries per label.
func NewProvisioner(st *store.Store, creds auth.CredentialSource, factory ProviderFactory, workers, maxAttempts int, log *slog.Logger) *Provisioner {
	if workers < 1 {
		workers = 1
	}
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &Provisioner{
		store:       st,
		creds:       creds,
		factory:     factory,
		workers:     workers,
		maxAttempts: maxAttempts,
		backoffBase: 500 * time.Millisecond,
		log:         log,
	}
}

// providerSession holds the live adapter for one run and serializes the
// single allowed credential refresh across parallel workers.
type providerSession struct {
	mu        sync.Mutex
	provider  Provider
	refreshed bool
	aborted   bool
}

func (s *providerSession) current() Provider {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.provider
}

func (s *providerSession) isAborted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.aborted
}

// Provision walks the desired tree in ordinal order and issues the minimal
// set of creations. A label is dispatched only once its parent has a
// resolved live record; labels whose parent never resolves are reported
// blocked, not silently dropped. With dryRun set, no create call is issued.
func (p *Provisioner) Provision(ctx context.Context, tenantID string, providerName labels.ProviderName, prov Provider, specs []labels.Spec, records []labels.Record, dryRun bool) ProvisionResult {
	var result ProvisionResult

	resolved := pathIndex(records)
	session := &providerSession{provider: prov}

	var resultMu sync.Mutex
	record := func(item ItemResult) {
		resultMu.Lock()
		defer resultMu.Unlock()
		result.Items = append(result.Items, item)
		switch item.Status {
		case StatusCreated:
			result.Created++
		case StatusAdopted:
			result.Adopted++
		case StatusExisting:
			result.Existing++
		case StatusPlanned:
			result.Planned++
		case StatusFailed:
			result.Failed++
		case StatusBlocked:
			result.Blocked++
		}
	}

	pending := make([]labels.Spec, len(specs))
	copy(pending, specs)

	for len(pending) > 0 && !session.isAborted() && ctx.Err() == nil {
		var wave, rest []labels.Spec
		for _, spec := range pending {
			if spec.Parent == "" {
				wave = append(wave, spec)
				continue
			}
			resultMu.Lock()
			_, parentOK := resolved[labels.NormalizePath(spec.Parent)]
			resultMu.Unlock()
			if parentOK {
				wave = append(wave, spec)
			} else {
				rest = append(rest, spec)
			}
		}

		if len(wave) == 0 {
			break
		}

		group, groupCtx := errgroup.WithContext(ctx)
		group.SetLimit(p.workers)

		for _, spec := range wave {
			group.Go(func() error {
				if session.isAborted() || groupCtx.Err() != nil {
					record(ItemResult{Path: spec.Path(), Status: StatusFailed, Error: "run aborted"})
					return nil
				}

				resultMu.Lock()
				existingID, exists := resolved[labels.NormalizePath(spec.Path())]
				parentID := ""
				if spec.Parent != "" {
					parentID = resolved[labels.NormalizePath(spec.Parent)]
				}
				resultMu.Unlock()

				if exists {
					record(ItemResult{Path: spec.Path(), Status: StatusExisting, ProviderID: existingID})
					return nil
				}

				if dryRun {
					record(ItemResult{Path: spec.Path(), Status: StatusPlanned})
					// A planned parent still unblocks its children so the
					// dry-run diff covers the whole tree.
					resultMu.Lock()
					resolved[labels.NormalizePath(spec.Path())] = ""
					resultMu.Unlock()
					return nil
				}

				item := p.provisionOne(groupCtx, tenantID, providerName, session, spec, parentID)
				if item.Status == StatusCreated || item.Status == StatusAdopted {
					resultMu.Lock()
					resolved[labels.NormalizePath(spec.Path())] = item.ProviderID
					resultMu.Unlock()
				}
				record(item)
				return nil
			})
		}

		_ = group.Wait()
		pending = rest
	}

	// Whatever is left either never saw its parent resolve, or was cut off
	// by an abort or the run deadline.
	for _, spec := range pending {
		_, parentOK := resolved[labels.NormalizePath(spec.Parent)]
		if spec.Parent == "" || parentOK {
			record(ItemResult{Path: spec.Path(), Status: StatusFailed, Error: "run aborted before dispatch"})
			continue
		}
		blockedErr := &labels.BlockedError{Path: spec.Path(), ParentPath: spec.Parent}
		record(ItemResult{Path: spec.Path(), Status: StatusBlocked, Error: blockedErr.Error()})
	}

	return result
}

// provisionOne attempts a single create with the full failure policy:
// conflict absorbed via lookup, one credential refresh on auth rejection,
// bounded exponential backoff on transient failures.
//
// The run budget is enforced only at the dispatch and backoff checkpoints.
// Once a create is issued it runs to completion on a detached context,
// along with its record persist: cancelling an in-flight provider call can
// leave a provider-side label with no local record.
func (p *Provisioner) provisionOne(ctx context.Context, tenantID string, providerName labels.ProviderName, session *providerSession, spec labels.Spec, parentID string) ItemResult {
	path := spec.Path()
	var lastErr error

	opCtx := context.WithoutCancel(ctx)

	for attempt := 0; attempt < p.maxAttempts; attempt++ {
		if attempt > 0 {
			backoff := p.backoffBase << (attempt - 1)
			select {
			case <-ctx.Done():
				return ItemResult{Path: path, Status: StatusFailed, Error: ctx.Err().Error()}
			case <-time.After(backoff):
			}
		}
		if ctx.Err() != nil {
			return ItemResult{Path: path, Status: StatusFailed, Error: ctx.Err().Error()}
		}

		providerID, err := session.current().Create(opCtx, spec.Name, parentID, spec.Color)
		if err == nil {
			if err := p.persist(opCtx, tenantID, providerName, spec, providerID, parentID); err != nil {
				return ItemResult{Path: path, Status: StatusFailed, Error: err.Error()}
			}
			p.log.Info("label created", "tenant", tenantID, "provider", string(providerName), "path", path, "provider_id", providerID)
			return ItemResult{Path: path, Status: StatusCreated, ProviderID: providerID}
		}

		switch {
		case labels.IsConflict(err):
			// The name already lives provider-side (prior interrupted run, or
			// a record we soft-deleted that the tenant never actually
			// removed). Adopt the existing identifier.
			providerID, lookupErr := p.lookupExisting(opCtx, session, spec.Name, parentID)
			if lookupErr != nil {
				return ItemResult{Path: path, Status: StatusFailed, Error: fmt.Sprintf("conflict lookup: %v", lookupErr)}
			}
			if err := p.persist(opCtx, tenantID, providerName, spec, providerID, parentID); err != nil {
				return ItemResult{Path: path, Status: StatusFailed, Error: err.Error()}
			}
			p.log.Info("label conflict absorbed", "tenant", tenantID, "provider", string(providerName), "path", path, "provider_id", providerID)
			return ItemResult{Path: path, Status: StatusAdopted, ProviderID: providerID}

		case labels.IsAuth(err):
			if refreshErr := p.refreshSession(opCtx, tenantID, providerName, session); refreshErr != nil {
				return ItemResult{Path: path, Status: StatusFailed, Error: fmt.Sprintf("credential refresh: %v", refreshErr)}
			}
			// Retry the single operation with the fresh credential. The
			// retry does not consume a backoff attempt.
			attempt--
			lastErr = err

		case labels.IsTransient(err):
			lastErr = err

		default:
			return ItemResult{Path: path, Status: StatusFailed, Error: err.Error()}
		}
	}

	return ItemResult{Path: path, Status: StatusFailed, Error: fmt.Sprintf("retries exhausted: %v", lastErr)}
}

// refreshSession performs the single allowed credential refresh for a run.
// A second auth failure after a refresh aborts the remaining batch.
func (p *Provisioner) refreshSession(ctx context.Context, tenantID string, providerName labels.ProviderName, session *providerSession) error {
	session.mu.Lock()
	defer session.mu.Unlock()

	if session.aborted {
		return fmt.Errorf("run already aborted")
	}
	if session.refreshed {
		// Already refreshed once this run and the provider still rejects
		// the credential: abort the rest of the batch.
		session.aborted = true
		return fmt.Errorf("credential rejected after refresh")
	}
	session.refreshed = true

	cred, err := p.creds.Refresh(ctx, tenantID, providerName)
	if err != nil {
		session.aborted = true
		return fmt.Errorf("failed to refresh credential: %w", err)
	}

	prov, err := p.factory(ctx, cred, tenantID, providerName)
	if err != nil {
		session.aborted = true
		return fmt.Errorf("failed to rebuild provider adapter: %w", err)
	}

	session.provider = prov
	p.log.Info("credential refreshed", "tenant", tenantID, "provider", string(providerName))
	return nil
}

// lookupExisting resolves the provider ID of a name that reported a
// duplicate conflict, scoped to the same parent, case-insensitively.
func (p *Provisioner) lookupExisting(ctx context.Context, session *providerSession, name, parentID string) (string, error) {
	entities, err := session.current().ListAll(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to list labels: %w", err)
	}

	for _, entity := range entities {
		if entity.ParentProviderID == parentID && strings.EqualFold(entity.Name, name) {
			return entity.ProviderID, nil
		}
	}

	return "", fmt.Errorf("conflicting label %q not found in snapshot", name)
}

func (p *Provisioner) persist(ctx context.Context, tenantID string, providerName labels.ProviderName, spec labels.Spec, providerID, parentID string) error {
	rec := labels.Record{
		Provider:         providerName,
		ProviderID:       providerID,
		TenantID:         tenantID,
		Name:             spec.Name,
		ParentProviderID: parentID,
		SyncedAt:         time.Now(),
		Deleted:          false,
	}
	if err := p.store.Upsert(ctx, rec); err != nil {
		return fmt.Errorf("failed to persist record for %q: %w", spec.Path(), err)
	}
	return nil
}
