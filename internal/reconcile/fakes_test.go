package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/inboxpilot/labelsync/internal/auth"
	"github.com/inboxpilot/labelsync/internal/labels"
	"github.com/inboxpilot/labelsync/internal/store"
)

const (
	eventuallyTimeout = 5 * time.Second
	eventuallyTick    = 10 * time.Millisecond
)

// fakeProvider is an in-memory mailbox provider with configurable failures.
type fakeProvider struct {
	mu          sync.Mutex
	entities    []labels.Entity
	nextID      int
	listCalls   int
	createCalls int

	// createErr, when set, decides the outcome of a create by name.
	createErr func(name string) error

	// createDelay, when set, delays each create. The delay honors ctx
	// cancellation the way a real HTTP client does.
	createDelay time.Duration

	// listGate, when set, blocks ListAll until the channel closes;
	// listStarted receives a signal when the block is entered.
	listGate    chan struct{}
	listStarted chan struct{}

	listErr error
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{}
}

func (f *fakeProvider) ListAll(ctx context.Context) ([]labels.Entity, error) {
	if f.listGate != nil {
		if f.listStarted != nil {
			select {
			case f.listStarted <- struct{}{}:
			default:
			}
		}
		select {
		case <-f.listGate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls++
	if f.listErr != nil {
		return nil, f.listErr
	}
	out := make([]labels.Entity, len(f.entities))
	copy(out, f.entities)
	return out, nil
}

func (f *fakeProvider) Create(ctx context.Context, name, parentProviderID, color string) (string, error) {
	if f.createDelay > 0 {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(f.createDelay):
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.createCalls++

	if f.createErr != nil {
		if err := f.createErr(name); err != nil {
			return "", err
		}
	}

	for _, e := range f.entities {
		if e.ParentProviderID == parentProviderID && strings.EqualFold(e.Name, name) {
			return "", &labels.ConflictError{Name: name}
		}
	}

	f.nextID++
	id := fmt.Sprintf("L%03d", f.nextID)
	f.entities = append(f.entities, labels.Entity{
		ProviderID:       id,
		Name:             name,
		ParentProviderID: parentProviderID,
	})
	return id, nil
}

// seed inserts an entity directly, as if it existed provider-side already.
func (f *fakeProvider) seed(name, parentID string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := fmt.Sprintf("L%03d", f.nextID)
	f.entities = append(f.entities, labels.Entity{ProviderID: id, Name: name, ParentProviderID: parentID})
	return id
}

// remove drops an entity by provider ID, simulating tenant-side deletion.
func (f *fakeProvider) remove(providerID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	kept := f.entities[:0]
	for _, e := range f.entities {
		if e.ProviderID != providerID {
			kept = append(kept, e)
		}
	}
	f.entities = kept
}

func (f *fakeProvider) creates() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.createCalls
}

// fakeCreds is an in-memory credential source counting refreshes.
type fakeCreds struct {
	mu       sync.Mutex
	tokens    int
	refreshes int
}

func (f *fakeCreds) Token(ctx context.Context, tenantID string, provider labels.ProviderName) (*auth.Credential, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tokens++
	return &auth.Credential{AccessToken: "tok", Expiry: time.Now().Add(time.Hour)}, nil
}

func (f *fakeCreds) Refresh(ctx context.Context, tenantID string, provider labels.ProviderName) (*auth.Credential, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshes++
	return &auth.Credential{AccessToken: "tok-fresh", Expiry: time.Now().Add(time.Hour)}, nil
}

func (f *fakeCreds) refreshCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.refreshes
}

// capturePublisher records published reports.
type capturePublisher struct {
	mu      sync.Mutex
	reports []*Report
}

func (c *capturePublisher) PublishReconciled(ctx context.Context, report *Report) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reports = append(c.reports, report)
	return nil
}

func (c *capturePublisher) published() []*Report {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*Report(nil), c.reports...)
}

func staticFactory(p Provider) ProviderFactory {
	return func(ctx context.Context, cred *auth.Credential, tenantID string, provider labels.ProviderName) (Provider, error) {
		return p, nil
	}
}

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "labels.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(testWriter{}, &slog.HandlerOptions{Level: slog.LevelError}))
}

type testWriter struct{}

func (testWriter) Write(p []byte) (int, error) { return len(p), nil }

// specsFor builds a small desired tree in provisioning order.
func specsFor(paths ...string) []labels.Spec {
	specs := make([]labels.Spec, 0, len(paths))
	for i, path := range paths {
		name := path
		parent := ""
		if idx := strings.LastIndex(path, "/"); idx >= 0 {
			parent = path[:idx]
			name = path[idx+1:]
		}
		specs = append(specs, labels.Spec{Name: name, Parent: parent, Ordinal: i})
	}
	return specs
}
