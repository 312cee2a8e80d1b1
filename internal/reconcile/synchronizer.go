package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/inboxpilot/labelsync/internal/labels"
	"github.com/inboxpilot/labelsync/internal/store"
)

// SyncResult summarizes one snapshot-diff pass.
type SyncResult struct {
	Upserted int `json:"upserted"`
	Deleted  int `json:"deleted"`
}

// Synchronizer reconciles the record store against a live provider
// snapshot. It must complete before the provisioner runs; the run
// orchestration enforces that ordering.
type Synchronizer struct {
	store *store.Store
	log   *slog.Logger
}

// NewSynchronizer creates a synchronizer over the record store.
func NewSynchronizer(st *store.Store, log *slog.Logger) *Synchronizer {
	return &Synchronizer{store: st, log: log}
}

// Sync fetches the provider's full label set and folds it into the store:
// every snapshot entity is upserted with synced_at = now and deleted = 0,
// then every live record of this (tenant, provider) absent from the
// snapshot is soft-deleted. The stale computation requires the complete
// snapshot first, so this never streams partial updates.
func (s *Synchronizer) Sync(ctx context.Context, tenantID string, providerName labels.ProviderName, p Provider) (SyncResult, error) {
	var result SyncResult

	entities, err := p.ListAll(ctx)
	if err != nil {
		return result, fmt.Errorf("failed to list provider labels: %w", err)
	}

	now := time.Now()
	seen := make(map[string]bool, len(entities))

	for _, entity := range entities {
		if entity.ProviderID == "" {
			continue
		}
		seen[entity.ProviderID] = true

		rec := labels.Record{
			Provider:         providerName,
			ProviderID:       entity.ProviderID,
			TenantID:         tenantID,
			Name:             entity.Name,
			ParentProviderID: entity.ParentProviderID,
			SyncedAt:         now,
			Deleted:          false,
		}
		if err := s.store.Upsert(ctx, rec); err != nil {
			return result, fmt.Errorf("failed to upsert %s: %w", entity.ProviderID, err)
		}
		result.Upserted++
	}

	active, err := s.store.ListActive(ctx, tenantID, providerName)
	if err != nil {
		return result, fmt.Errorf("failed to list active records: %w", err)
	}

	for _, rec := range active {
		if seen[rec.ProviderID] {
			continue
		}
		if err := s.store.MarkDeleted(ctx, providerName, rec.ProviderID, now); err != nil {
			return result, fmt.Errorf("failed to soft-delete %s: %w", rec.ProviderID, err)
		}
		result.Deleted++
		s.log.Info("label gone from provider, soft-deleted",
			"tenant", tenantID, "provider", string(providerName),
			"provider_id", rec.ProviderID, "name", rec.Name)
	}

	return result, nil
}
