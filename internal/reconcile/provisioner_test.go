package reconcile

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inboxpilot/labelsync/internal/labels"
	"github.com/inboxpilot/labelsync/internal/store"
)

func newTestProvisioner(st *store.Store, prov Provider) (*Provisioner, *fakeCreds) {
	creds := &fakeCreds{}
	p := NewProvisioner(st, creds, staticFactory(prov), 2, 3, testLogger())
	p.backoffBase = time.Millisecond
	return p, creds
}

func statusByPath(result ProvisionResult) map[string]ItemResult {
	out := make(map[string]ItemResult, len(result.Items))
	for _, item := range result.Items {
		out[item.Path] = item
	}
	return out
}

func TestProvisionCreatesMissingInParentOrder(t *testing.T) {
	st := openTestStore(t)
	prov := newFakeProvider()
	p, _ := newTestProvisioner(st, prov)

	specs := specsFor("SERVICE", "SERVICE/Repairs", "SERVICE/Installations", "BANKING")
	result := p.Provision(context.Background(), "t1", labels.ProviderGoogle, prov, specs, nil, false)

	assert.Equal(t, 4, result.Created)
	assert.Zero(t, result.Failed)
	assert.Zero(t, result.Blocked)

	items := statusByPath(result)
	parentID := items["SERVICE"].ProviderID
	require.NotEmpty(t, parentID)

	// Children were created under the freshly resolved parent.
	prov.mu.Lock()
	defer prov.mu.Unlock()
	for _, e := range prov.entities {
		if e.Name == "Repairs" || e.Name == "Installations" {
			assert.Equal(t, parentID, e.ParentProviderID)
		}
	}
}

func TestProvisionIsIdempotent(t *testing.T) {
	st := openTestStore(t)
	prov := newFakeProvider()
	p, _ := newTestProvisioner(st, prov)
	sync := NewSynchronizer(st, testLogger())

	specs := specsFor("BANKING", "MANAGER", "MANAGER/Hailey")

	result := p.Provision(context.Background(), "t1", labels.ProviderGoogle, prov, specs, nil, false)
	assert.Equal(t, 3, result.Created)
	firstCreates := prov.creates()

	// Second run against unchanged provider state and a fresh sync.
	_, err := sync.Sync(context.Background(), "t1", labels.ProviderGoogle, prov)
	require.NoError(t, err)
	records, err := st.ListActive(context.Background(), "t1", labels.ProviderGoogle)
	require.NoError(t, err)

	result = p.Provision(context.Background(), "t1", labels.ProviderGoogle, prov, specs, records, false)
	assert.Equal(t, 3, result.Existing)
	assert.Zero(t, result.Created)
	assert.Equal(t, firstCreates, prov.creates(), "second run must issue zero create calls")
}

func TestProvisionAbsorbsConflict(t *testing.T) {
	st := openTestStore(t)
	prov := newFakeProvider()
	existingID := prov.seed("BANKING", "")
	p, _ := newTestProvisioner(st, prov)

	// No local record for BANKING (e.g. soft-deleted by an earlier sync
	// against a different snapshot), so the provisioner attempts a create,
	// hits the duplicate, and adopts the provider's identifier.
	result := p.Provision(context.Background(), "t1", labels.ProviderGoogle, prov, specsFor("BANKING"), nil, false)

	require.Len(t, result.Items, 1)
	assert.Equal(t, StatusAdopted, result.Items[0].Status)
	assert.Equal(t, existingID, result.Items[0].ProviderID)
	assert.Zero(t, result.Failed)

	records, err := st.ListActive(context.Background(), "t1", labels.ProviderGoogle)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, existingID, records[0].ProviderID)
}

func TestProvisionBlocksDescendantsOfFailedParent(t *testing.T) {
	st := openTestStore(t)
	prov := newFakeProvider()
	prov.createErr = func(name string) error {
		if name == "SERVICE" {
			return &labels.FatalError{Err: assert.AnError}
		}
		return nil
	}
	p, _ := newTestProvisioner(st, prov)

	specs := specsFor("SERVICE", "SERVICE/Repairs", "SERVICE/Repairs/Urgent", "BANKING")
	result := p.Provision(context.Background(), "t1", labels.ProviderGoogle, prov, specs, nil, false)

	items := statusByPath(result)
	assert.Equal(t, StatusFailed, items["SERVICE"].Status)
	assert.Equal(t, StatusBlocked, items["SERVICE/Repairs"].Status)
	assert.Equal(t, StatusBlocked, items["SERVICE/Repairs/Urgent"].Status)
	assert.Equal(t, StatusCreated, items["BANKING"].Status)

	// No create call was ever attempted for the blocked subtree.
	prov.mu.Lock()
	defer prov.mu.Unlock()
	for _, e := range prov.entities {
		assert.NotEqual(t, "Repairs", e.Name)
	}
}

func TestProvisionRetriesTransientThenSucceeds(t *testing.T) {
	st := openTestStore(t)
	prov := newFakeProvider()
	failures := 2
	prov.createErr = func(name string) error {
		if name == "BANKING" && failures > 0 {
			failures--
			return &labels.TransientError{Err: assert.AnError}
		}
		return nil
	}
	p, _ := newTestProvisioner(st, prov)

	result := p.Provision(context.Background(), "t1", labels.ProviderGoogle, prov, specsFor("BANKING"), nil, false)
	require.Len(t, result.Items, 1)
	assert.Equal(t, StatusCreated, result.Items[0].Status)
}

func TestProvisionTransientExhaustionIsolatesItem(t *testing.T) {
	st := openTestStore(t)
	prov := newFakeProvider()
	prov.createErr = func(name string) error {
		if name == "BANKING" {
			return &labels.TransientError{Err: assert.AnError}
		}
		return nil
	}
	p, _ := newTestProvisioner(st, prov)

	result := p.Provision(context.Background(), "t1", labels.ProviderGoogle, prov, specsFor("BANKING", "CUSTOMERS"), nil, false)

	items := statusByPath(result)
	assert.Equal(t, StatusFailed, items["BANKING"].Status)
	assert.Equal(t, StatusCreated, items["CUSTOMERS"].Status)
	assert.Equal(t, 1, result.Failed)
	assert.Equal(t, 1, result.Created)
}

func TestProvisionRefreshesCredentialOnce(t *testing.T) {
	st := openTestStore(t)

	// The stale adapter always rejects; the factory hands back a healthy
	// one after the refresh.
	fresh := newFakeProvider()
	stale := newFakeProvider()
	stale.createErr = func(string) error {
		return &labels.AuthError{Err: assert.AnError}
	}

	creds := &fakeCreds{}
	p := NewProvisioner(st, creds, staticFactory(fresh), 1, 3, testLogger())
	p.backoffBase = time.Millisecond

	result := p.Provision(context.Background(), "t1", labels.ProviderGoogle, stale, specsFor("BANKING", "CUSTOMERS"), nil, false)

	assert.Equal(t, 2, result.Created)
	assert.Equal(t, 1, creds.refreshCount())
}

func TestProvisionAbortsAfterSecondAuthFailure(t *testing.T) {
	st := openTestStore(t)

	authFail := func(string) error { return &labels.AuthError{Err: assert.AnError} }
	stale := newFakeProvider()
	stale.createErr = authFail
	stillStale := newFakeProvider()
	stillStale.createErr = authFail

	creds := &fakeCreds{}
	p := NewProvisioner(st, creds, staticFactory(stillStale), 1, 3, testLogger())
	p.backoffBase = time.Millisecond

	result := p.Provision(context.Background(), "t1", labels.ProviderGoogle, stale, specsFor("BANKING", "CUSTOMERS", "INVOICES"), nil, false)

	assert.Zero(t, result.Created)
	assert.Equal(t, 3, result.Failed)
	assert.Equal(t, 1, creds.refreshCount(), "only one refresh attempt per run")
}

func TestProvisionDispatchedCreateOutlivesRunBudget(t *testing.T) {
	st := openTestStore(t)
	prov := newFakeProvider()
	prov.createDelay = 250 * time.Millisecond

	p := NewProvisioner(st, &fakeCreds{}, staticFactory(prov), 1, 3, testLogger())
	p.backoffBase = time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	result := p.Provision(ctx, "t1", labels.ProviderGoogle, prov, specsFor("BANKING", "CUSTOMERS"), nil, false)
	items := statusByPath(result)

	// The create dispatched before the budget expired runs to completion
	// and its record lands in the store; cutting it off mid-call would
	// strand a provider-side label with no local record.
	require.Equal(t, StatusCreated, items["BANKING"].Status)
	records, err := st.ListActive(context.Background(), "t1", labels.ProviderGoogle)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, items["BANKING"].ProviderID, records[0].ProviderID)

	// The sibling never dispatched is cut off at the checkpoint instead.
	assert.Equal(t, StatusFailed, items["CUSTOMERS"].Status)
	assert.Equal(t, 1, prov.creates())
}

func TestProvisionDryRunIssuesNoCreates(t *testing.T) {
	st := openTestStore(t)
	prov := newFakeProvider()
	existingID := prov.seed("BANKING", "")
	p, _ := newTestProvisioner(st, prov)
	sync := NewSynchronizer(st, testLogger())

	_, err := sync.Sync(context.Background(), "t1", labels.ProviderGoogle, prov)
	require.NoError(t, err)
	records, err := st.ListActive(context.Background(), "t1", labels.ProviderGoogle)
	require.NoError(t, err)

	result := p.Provision(context.Background(), "t1", labels.ProviderGoogle, prov, specsFor("BANKING", "MANAGER", "MANAGER/Hailey"), records, true)

	items := statusByPath(result)
	assert.Equal(t, StatusExisting, items["BANKING"].Status)
	assert.Equal(t, existingID, items["BANKING"].ProviderID)
	assert.Equal(t, StatusPlanned, items["MANAGER"].Status)
	assert.Equal(t, StatusPlanned, items["MANAGER/Hailey"].Status)
	assert.Zero(t, prov.creates())
}
