package directory

import (
	"context"
	"errors"
	"log"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/strandsec/strand/internal/model"
	"github.com/strandsec/strand/internal/store"
)

type fakeStore struct {
	mu        sync.Mutex
	providers []store.SyncableProvider

	applied    []store.SyncPlan
	applyErr   error
	failures   map[model.ID]int
	failMsgs   map[model.ID]string
	parked     map[model.ID]string
	parkedMsgs []string
}

func newFakeStore(providers ...store.SyncableProvider) *fakeStore {
	return &fakeStore{
		providers: providers,
		failures:  make(map[model.ID]int),
		failMsgs:  make(map[model.ID]string),
		parked:    make(map[model.ID]string),
	}
}

func (f *fakeStore) SyncableProviders(context.Context) ([]store.SyncableProvider, error) {
	return f.providers, nil
}

func (f *fakeStore) ApplyDirectorySync(_ context.Context, _ model.Provider, plan store.SyncPlan) (*store.SyncEffects, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.applyErr != nil {
		return nil, f.applyErr
	}
	f.applied = append(f.applied, plan)
	return &store.SyncEffects{}, nil
}

func (f *fakeStore) MarkProviderFailed(_ context.Context, id model.ID, message string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[id]++
	f.failMsgs[id] = message
	return f.failures[id], nil
}

func (f *fakeStore) MarkProviderRequiresIntervention(_ context.Context, id model.ID, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.parked[id] = message
	return nil
}

type mockAdapter struct {
	users   []User
	groups  []Group
	members map[string][]string
	err     error
}

func (m *mockAdapter) ListUsers(context.Context) ([]User, error) {
	return m.users, m.err
}

func (m *mockAdapter) ListGroups(context.Context) ([]Group, error) {
	return m.groups, m.err
}

func (m *mockAdapter) ListGroupMembers(_ context.Context, g Group) ([]string, error) {
	return m.members[g.ProviderIdentifier], m.err
}

func syncable(adapterKind string, idpSync bool) store.SyncableProvider {
	return store.SyncableProvider{
		Provider: model.Provider{ID: uuid.New(), AccountID: uuid.New(), Adapter: adapterKind},
		Features: model.AccountFeatures{IdPSync: idpSync},
	}
}

func registryFor(kind string, a Adapter) Registry {
	return Registry{kind: func(model.Provider) (Adapter, error) { return a, nil }}
}

func TestSyncBuildsPlanFromAdapter(t *testing.T) {
	adapter := &mockAdapter{
		users: []User{
			{ProviderIdentifier: "u1", Email: "u1@corp.test"},
			{ProviderIdentifier: "u2", Email: "u2@corp.test"},
		},
		groups: []Group{
			{ProviderIdentifier: "g1", Name: "Engineering"},
			{ProviderIdentifier: "g2", Name: "Sales"},
		},
		members: map[string][]string{"g1": {"u1", "u2"}, "g2": {"u2"}},
	}
	st := newFakeStore(syncable("mock", true))
	r := NewRunner(st, registryFor("mock", adapter), log.New(&strings.Builder{}, "", 0))

	r.SyncAll(context.Background())

	if len(st.applied) != 1 {
		t.Fatalf("applied %d plans, want 1", len(st.applied))
	}
	plan := st.applied[0]
	if len(plan.Identities) != 2 || len(plan.Groups) != 2 || len(plan.Memberships) != 3 {
		t.Fatalf("plan shape %d/%d/%d, want 2/2/3",
			len(plan.Identities), len(plan.Groups), len(plan.Memberships))
	}
}

func TestSyncFeatureDisabledRecordsFailure(t *testing.T) {
	sp := syncable("mock", false)
	st := newFakeStore(sp)
	r := NewRunner(st, registryFor("mock", &mockAdapter{}), log.New(&strings.Builder{}, "", 0))

	r.SyncAll(context.Background())

	if len(st.applied) != 0 {
		t.Fatalf("plan applied despite disabled feature")
	}
	if msg := st.failMsgs[sp.Provider.ID]; !strings.Contains(msg, "not enabled") {
		t.Fatalf("failure message %q", msg)
	}
}

// An empty directory after a populated one must surface the guard error on
// the provider without applying anything.
func TestSyncMassDeletionGuardSurfaces(t *testing.T) {
	sp := syncable("mock", true)
	st := newFakeStore(sp)
	st.applyErr = store.ErrIdentityDeletionTooLarge
	r := NewRunner(st, registryFor("mock", &mockAdapter{}), log.New(&strings.Builder{}, "", 0))

	r.SyncAll(context.Background())

	if got := st.failMsgs[sp.Provider.ID]; got != store.ErrIdentityDeletionTooLarge.Error() {
		t.Fatalf("persisted message %q, want %q", got, store.ErrIdentityDeletionTooLarge.Error())
	}
	if len(st.applied) != 0 {
		t.Fatalf("plan applied despite guard")
	}
}

func TestSyncUnauthorizedParksProvider(t *testing.T) {
	sp := syncable("mock", true)
	st := newFakeStore(sp)
	r := NewRunner(st, registryFor("mock", &mockAdapter{err: ErrUnauthorized}), log.New(&strings.Builder{}, "", 0))

	r.SyncAll(context.Background())

	if _, parked := st.parked[sp.Provider.ID]; !parked {
		t.Fatalf("provider not parked on unauthorized")
	}
	if st.failures[sp.Provider.ID] != 0 {
		t.Fatalf("unauthorized should park, not count a plain failure")
	}
}

func TestSyncRetryLaterCountsNothing(t *testing.T) {
	sp := syncable("mock", true)
	st := newFakeStore(sp)
	r := NewRunner(st, registryFor("mock", &mockAdapter{err: ErrRetryLater}), log.New(&strings.Builder{}, "", 0))

	r.SyncAll(context.Background())

	if st.failures[sp.Provider.ID] != 0 {
		t.Fatalf("retry_later bumped the failure counter")
	}
	if len(st.parked) != 0 {
		t.Fatalf("retry_later parked the provider")
	}
}

type recordingNotifier struct {
	mu    sync.Mutex
	calls int
}

func (n *recordingNotifier) NotifyProviderParked(context.Context, model.Provider, string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls++
	return nil
}

func TestAlertRequiresFailureFloorAndRateLimit(t *testing.T) {
	notifier := &recordingNotifier{}
	belowFloor := syncable("mock", true)
	belowFloor.Provider.ConsecutiveFailures = 2
	atFloor := syncable("mock", true)
	atFloor.Provider.ConsecutiveFailures = alertFailureFloor

	st := newFakeStore(belowFloor, atFloor)
	r := NewRunner(st, registryFor("mock", &mockAdapter{err: ErrUnauthorized}),
		log.New(&strings.Builder{}, "", 0), WithNotifier(notifier))

	r.SyncAll(context.Background())
	// Second tick within the rate window must not email again.
	r.SyncAll(context.Background())

	if notifier.calls != 1 {
		t.Fatalf("got %d admin alerts, want 1", notifier.calls)
	}
}

func TestUnknownAdapterKind(t *testing.T) {
	sp := syncable("ldap", true)
	st := newFakeStore(sp)
	r := NewRunner(st, Registry{}, log.New(&strings.Builder{}, "", 0))

	r.SyncAll(context.Background())

	if msg := st.failMsgs[sp.Provider.ID]; !strings.Contains(msg, "unknown directory adapter") {
		t.Fatalf("failure message %q", msg)
	}
}

func TestRegistryBuild(t *testing.T) {
	reg := registryFor("mock", &mockAdapter{})
	if _, err := reg.Build(model.Provider{Adapter: "mock"}); err != nil {
		t.Fatalf("Build: %v", err)
	}
	if _, err := reg.Build(model.Provider{Adapter: "nope"}); err == nil {
		t.Fatalf("expected error for unknown adapter")
	}
}

func TestRunnerScheduleOption(t *testing.T) {
	r := NewRunner(newFakeStore(), Registry{}, log.New(&strings.Builder{}, "", 0), WithSchedule("@every 1h"))
	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	done := make(chan struct{})
	go func() { r.Stop(); close(done) }()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("Stop did not return")
	}
}

func TestErrorsAreDistinct(t *testing.T) {
	if errors.Is(ErrUnauthorized, ErrRetryLater) {
		t.Fatalf("sentinels must be distinct")
	}
}
