package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/inboxpilot/labelsync/internal/labels"
)

// ErrBusy signals that a run for the same (tenant, provider) pair is
// already in flight. The caller retries after the current run completes.
var ErrBusy = errors.New("reconciliation already running for this tenant and provider")

// Manager serializes reconciliation runs per (tenant, provider) pair.
// Runs for different tenants, or different providers of the same tenant,
// proceed fully in parallel.
type Manager struct {
	runner   *Runner
	inflight map[string]struct{}
	mu       sync.Mutex
}

// NewManager creates a run manager around a runner.
func NewManager(runner *Runner) *Manager {
	return &Manager{
		runner:   runner,
		inflight: make(map[string]struct{}),
	}
}

func runKey(tenantID string, provider labels.ProviderName) string {
	return fmt.Sprintf("%s:%s", tenantID, provider)
}

// Reconcile executes one run, rejecting overlapping triggers for the same
// pair with ErrBusy rather than interleaving them.
func (m *Manager) Reconcile(ctx context.Context, req Request) (*Report, error) {
	key := runKey(req.TenantID, req.Provider)

	m.mu.Lock()
	if _, exists := m.inflight[key]; exists {
		m.mu.Unlock()
		return nil, ErrBusy
	}
	m.inflight[key] = struct{}{}
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		delete(m.inflight, key)
		m.mu.Unlock()
	}()

	return m.runner.Run(ctx, req)
}

// Running returns the keys of in-flight runs, sorted for stable output.
func (m *Manager) Running() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	keys := make([]string, 0, len(m.inflight))
	for key := range m.inflight {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
