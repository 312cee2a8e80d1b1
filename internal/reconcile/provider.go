package reconcile

import (
	"context"

	"github.com/inboxpilot/labelsync/internal/auth"
	"github.com/inboxpilot/labelsync/internal/labels"
)

// Provider is the narrow adapter surface every mailbox provider implements.
// Higher-level logic is provider-agnostic and only sees the normalized
// {providerId, name, parentProviderId} shape.
type Provider interface {
	// ListAll returns the full current label/folder snapshot in one logical
	// call. Providers whose nesting requires recursive traversal flatten
	// internally; every entity carries its immediate parent's provider ID.
	ListAll(ctx context.Context) ([]labels.Entity, error)

	// Create creates a label/folder under parentProviderID ("" for root).
	// Safe to call for names that may already exist: a provider duplicate
	// error surfaces as *labels.ConflictError and the caller resolves the
	// real identifier with a ListAll lookup.
	Create(ctx context.Context, name, parentProviderID, color string) (string, error)
}

// ProviderFactory builds a Provider adapter for a tenant's credential.
type ProviderFactory func(ctx context.Context, cred *auth.Credential, tenantID string, provider labels.ProviderName) (Provider, error)
