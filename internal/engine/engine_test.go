package engine

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gefbiotag/biotag/internal/remote"
	"github.com/gefbiotag/biotag/internal/schema"
	"github.com/gefbiotag/biotag/internal/store"
)

var equateTime = cmp.Comparer(func(a, b time.Time) bool { return a.Equal(b) })

// testClock is a settable clock.
type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type fixture struct {
	eng    *Engine
	store  *store.MemoryStore
	remote *remote.Fake
	clock  *testClock
	reg    *prometheus.Registry
	events *eventLog
}

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) record(ev Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *eventLog) types() []EventType {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []EventType
	for _, ev := range l.events {
		out = append(out, ev.Type)
	}
	return out
}

// setupEngine builds an engine over a memory store and a fake remote.
// It does not call Initialize.
func setupEngine(t *testing.T, seed ...schema.Record) *fixture {
	t.Helper()

	f := &fixture{
		store:  store.NewMemoryStore(),
		remote: remote.NewFake(seed...),
		clock:  &testClock{t: time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)},
		reg:    prometheus.NewRegistry(),
		events: &eventLog{},
	}

	n := 0
	eng, err := New(Config{
		Store:         f.store,
		Gateway:       f.remote,
		Registerer:    f.reg,
		Now:           f.clock.Now,
		NewID:         func() string { n++; return fmt.Sprintf("p-%d", n) },
		RemoteTimeout: time.Second,
	})
	require.NoError(t, err)
	eng.Subscribe(f.events.record)
	f.eng = eng
	return f
}

// setupOnline returns an initialized engine that can reach the remote.
func setupOnline(t *testing.T, seed ...schema.Record) *fixture {
	t.Helper()
	f := setupEngine(t, seed...)
	_, err := f.eng.Initialize(context.Background())
	require.NoError(t, err)
	require.True(t, f.eng.Reachable())
	return f
}

// setupOffline returns an initialized engine whose remote is down.
func setupOffline(t *testing.T) *fixture {
	t.Helper()
	f := setupEngine(t)
	f.remote.SetOnline(false)
	_, err := f.eng.Initialize(context.Background())
	require.Error(t, err)
	require.False(t, f.eng.Reachable())
	return f
}

// assertWriteThrough checks that the store holds exactly the in-memory set.
func assertWriteThrough(t *testing.T, f *fixture) {
	t.Helper()
	stored, err := f.store.LoadAll(context.Background())
	require.NoError(t, err)
	if diff := cmp.Diff(f.eng.GetAll(), stored, equateTime); diff != "" {
		t.Errorf("store differs from memory (-memory +store):\n%s", diff)
	}
}

func remoteRecord(id, name string) schema.Record {
	at := time.Date(2024, 4, 30, 10, 0, 0, 0, time.UTC)
	return schema.Record{ID: id, Name: name, ShelterID: "shelter-1", CreatedAt: at, UpdatedAt: at}
}

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := New(Config{Gateway: remote.NewFake()})
	assert.Error(t, err)
	_, err = New(Config{Store: store.NewMemoryStore()})
	assert.Error(t, err)
}

// ===== Initialize =====

func TestInitializeFromRemote(t *testing.T) {
	ctx := context.Background()
	f := setupEngine(t, remoteRecord("r-1", "Ana"), remoteRecord("r-2", "Bruno"))

	res, err := f.eng.Initialize(ctx)
	require.NoError(t, err)
	assert.Equal(t, SourceRemote, res.Source)
	assert.Equal(t, 2, res.Records)
	assert.True(t, f.eng.Reachable())
	assert.Equal(t, 0, f.eng.PendingCount())

	all := f.eng.GetAll()
	require.Len(t, all, 2)
	assert.Equal(t, schema.SyncSynced, all[0].SyncState)
	assertWriteThrough(t, f)
	assert.Contains(t, f.events.types(), EventInitialized)
}

func TestInitializeOfflineFallsBackToStore(t *testing.T) {
	ctx := context.Background()
	f := setupEngine(t)
	stored := []schema.Record{remoteRecord("s-1", "Carla")}
	stored[0].SyncState = schema.SyncPending
	require.NoError(t, f.store.SaveAll(ctx, stored))
	f.remote.SetOnline(false)

	res, err := f.eng.Initialize(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRemote)
	assert.ErrorIs(t, err, remote.ErrUnavailable)
	assert.Equal(t, SourceStore, res.Source)
	assert.False(t, f.eng.Reachable())
	assert.Equal(t, 1, f.eng.PendingCount())
}

func TestInitializeDegradesToEmpty(t *testing.T) {
	f := setupEngine(t)
	f.remote.SetOnline(false)
	f.store.FailWith(errors.New("corrupt"))

	res, err := f.eng.Initialize(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStorage)
	assert.Equal(t, SourceEmpty, res.Source)
	assert.Empty(t, f.eng.GetAll())
}

func TestInitializeKeepsLocalPendingAndTombstones(t *testing.T) {
	ctx := context.Background()
	f := setupEngine(t, remoteRecord("r-1", "Ana"), remoteRecord("r-2", "Bruno"), remoteRecord("r-3", "Caio"))

	edited := remoteRecord("r-1", "Ana Maria")
	edited.UpdatedAt = edited.UpdatedAt.Add(time.Hour)
	edited.SyncState = schema.SyncPending
	offline := remoteRecord("p-local", "Dora")
	offline.SyncState = schema.SyncPending
	require.NoError(t, f.store.SaveAll(ctx, []schema.Record{edited, offline}))
	require.NoError(t, f.store.SavePendingDeletes(ctx, []string{"r-3"}))

	_, err := f.eng.Initialize(ctx)
	require.NoError(t, err)

	got, err := f.eng.GetByID("r-1")
	require.NoError(t, err)
	assert.Equal(t, "Ana Maria", got.Name)
	assert.True(t, got.Pending())

	_, err = f.eng.GetByID("p-local")
	assert.NoError(t, err)
	_, err = f.eng.GetByID("r-3")
	assert.ErrorIs(t, err, ErrNotFound)

	assert.Equal(t, 2, f.eng.PendingCount())
	assert.Equal(t, 1, f.eng.PendingDeletes())
	assertWriteThrough(t, f)
}

func TestInitializeRestoresLastSyncAt(t *testing.T) {
	ctx := context.Background()
	f := setupEngine(t)
	at := time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, f.store.SaveLastSyncAt(ctx, at))

	_, err := f.eng.Initialize(ctx)
	require.NoError(t, err)

	got, ok := f.eng.LastSyncAt()
	require.True(t, ok)
	assert.True(t, at.Equal(got))
}

// ===== Register =====

func TestRegisterOfflineScenario(t *testing.T) {
	f := setupOffline(t)

	rec, err := f.eng.Register(context.Background(), schema.Candidate{
		Name:      "Maria Silva",
		ShelterID: "shelter-1",
		Vital:     schema.VitalSign{BPM: 85},
	})
	require.NoError(t, err)
	assert.Equal(t, "p-1", rec.ID)
	assert.Equal(t, schema.SyncPending, rec.SyncState)
	assert.Equal(t, 1, f.eng.PendingCount())
	assert.True(t, rec.CreatedAt.Equal(rec.UpdatedAt))
	assert.Empty(t, f.remote.CallsFor(remote.OpCreate), "no remote call while offline")
	assertWriteThrough(t, f)
}

func TestRegisterOnlineIsSynced(t *testing.T) {
	f := setupOnline(t)

	rec, err := f.eng.Register(context.Background(), schema.Candidate{Name: "Joao", ShelterID: "shelter-2"})
	require.NoError(t, err)
	assert.Equal(t, schema.SyncSynced, rec.SyncState)
	assert.Equal(t, 0, f.eng.PendingCount())

	_, ok := f.remote.Record(rec.ID)
	assert.True(t, ok)
	assertWriteThrough(t, f)
	assert.Contains(t, f.events.types(), EventRecordRegistered)
}

func TestRegisterRemoteFailureStaysPending(t *testing.T) {
	f := setupOnline(t)
	f.remote.FailOn(remote.OpCreate, "", errors.New("500 internal"))

	rec, err := f.eng.Register(context.Background(), schema.Candidate{Name: "Joao"})
	require.NoError(t, err, "remote failure is not an error")
	assert.True(t, rec.Pending())
	assert.True(t, f.eng.Reachable(), "non-transport failures keep the service reachable")
	assertWriteThrough(t, f)
}

func TestRegisterRemoteUnavailableMarksOffline(t *testing.T) {
	f := setupOnline(t)
	f.remote.FailOn(remote.OpCreate, "", remote.ErrUnavailable)

	rec, err := f.eng.Register(context.Background(), schema.Candidate{Name: "Joao"})
	require.NoError(t, err)
	assert.True(t, rec.Pending())
	assert.False(t, f.eng.Reachable())
	assert.Contains(t, f.events.types(), EventConnectivity)
}

func TestRegisterInvalidInput(t *testing.T) {
	f := setupOnline(t)

	_, err := f.eng.Register(context.Background(), schema.Candidate{Name: "  "})
	assert.ErrorIs(t, err, ErrInvalidInput)
	assert.True(t, IsUserError(err))

	_, err = f.eng.Register(context.Background(), schema.Candidate{Name: "X", Vital: schema.VitalSign{BPM: 400}})
	assert.ErrorIs(t, err, ErrInvalidInput)
	assert.Empty(t, f.eng.GetAll())
}

func TestRegisterStorageFailureRollsBack(t *testing.T) {
	f := setupOffline(t)
	f.store.FailWith(errors.New("disk full"))

	_, err := f.eng.Register(context.Background(), schema.Candidate{Name: "Lia"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStorage)
	assert.Empty(t, f.eng.GetAll())
	assert.Equal(t, 0, f.eng.PendingCount())
}

func TestRegisterSkipsTakenIDs(t *testing.T) {
	f := setupEngine(t, remoteRecord("p-1", "Existing"))
	_, err := f.eng.Initialize(context.Background())
	require.NoError(t, err)

	rec, err := f.eng.Register(context.Background(), schema.Candidate{Name: "New"})
	require.NoError(t, err)
	assert.Equal(t, "p-2", rec.ID)
	assert.Len(t, f.eng.GetAll(), 2)
}

// ===== UpdateVitalSign / UpdateRecord =====

func TestUpdateVitalSignNotFoundScenario(t *testing.T) {
	f := setupOffline(t)
	_, err := f.eng.Register(context.Background(), schema.Candidate{Name: "Ana"})
	require.NoError(t, err)
	before := f.eng.GetAll()

	_, err = f.eng.UpdateVitalSign(context.Background(), "p-missing", 105, f.clock.Now())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotFound)
	if diff := cmp.Diff(before, f.eng.GetAll(), equateTime); diff != "" {
		t.Errorf("set changed after failed update:\n%s", diff)
	}
}

func TestUpdateVitalSign(t *testing.T) {
	ctx := context.Background()
	f := setupOnline(t)
	rec, err := f.eng.Register(ctx, schema.Candidate{Name: "Ana", Vital: schema.VitalSign{BPM: 70, CapturedAt: f.clock.Now()}})
	require.NoError(t, err)
	require.False(t, rec.Pending())

	f.clock.Advance(time.Minute)
	captured := f.clock.Now().Add(-5 * time.Second)
	got, err := f.eng.UpdateVitalSign(ctx, rec.ID, 125, captured)
	require.NoError(t, err)

	assert.Equal(t, 125, got.Vital.BPM)
	assert.True(t, captured.Equal(got.Vital.CapturedAt))
	assert.Equal(t, schema.HeartRateCritical, got.Vital.Status())
	assert.True(t, got.UpdatedAt.After(rec.UpdatedAt))
	assert.False(t, got.Pending(), "reachable update is pushed")

	remoteCopy, _ := f.remote.Record(rec.ID)
	assert.Equal(t, 125, remoteCopy.Vital.BPM)
	assertWriteThrough(t, f)
}

func TestUpdateVitalSignDefaultsCapturedAt(t *testing.T) {
	f := setupOffline(t)
	rec, err := f.eng.Register(context.Background(), schema.Candidate{Name: "Ana"})
	require.NoError(t, err)

	got, err := f.eng.UpdateVitalSign(context.Background(), rec.ID, 60, time.Time{})
	require.NoError(t, err)
	assert.True(t, f.clock.Now().Equal(got.Vital.CapturedAt))
}

func TestUpdateVitalSignRejectsBadBPM(t *testing.T) {
	f := setupOffline(t)
	rec, err := f.eng.Register(context.Background(), schema.Candidate{Name: "Ana"})
	require.NoError(t, err)

	_, err = f.eng.UpdateVitalSign(context.Background(), rec.ID, -3, time.Time{})
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestUpdatedAtIsMonotonic(t *testing.T) {
	ctx := context.Background()
	f := setupOffline(t)
	rec, err := f.eng.Register(ctx, schema.Candidate{Name: "Ana"})
	require.NoError(t, err)

	f.clock.Advance(-time.Hour)
	got, err := f.eng.UpdateVitalSign(ctx, rec.ID, 80, time.Time{})
	require.NoError(t, err)
	assert.False(t, got.UpdatedAt.Before(rec.UpdatedAt), "updatedAt moved backwards")
}

func TestUpdateRecordIgnoresEngineFields(t *testing.T) {
	ctx := context.Background()
	f := setupOffline(t)
	rec, err := f.eng.Register(ctx, schema.Candidate{Name: "Ana", ShelterID: "shelter-1", Vital: schema.VitalSign{BPM: 72, CapturedAt: f.clock.Now()}})
	require.NoError(t, err)

	f.clock.Advance(time.Minute)
	edit := rec
	edit.Name = "Ana Paula"
	edit.ShelterID = "shelter-4"
	edit.CreatedAt = time.Date(1999, 1, 1, 0, 0, 0, 0, time.UTC)
	edit.SyncState = schema.SyncSynced
	edit.Vital = schema.VitalSign{}

	got, err := f.eng.UpdateRecord(ctx, edit)
	require.NoError(t, err)
	assert.Equal(t, "Ana Paula", got.Name)
	assert.Equal(t, "shelter-4", got.ShelterID)
	assert.True(t, rec.CreatedAt.Equal(got.CreatedAt))
	assert.Equal(t, schema.SyncPending, got.SyncState)
	assert.Equal(t, 72, got.Vital.BPM, "zero vital sign keeps the stored reading")
	assertWriteThrough(t, f)
}

func TestUpdateRecordValidation(t *testing.T) {
	ctx := context.Background()
	f := setupOffline(t)
	rec, err := f.eng.Register(ctx, schema.Candidate{Name: "Ana"})
	require.NoError(t, err)

	rec.Name = ""
	_, err = f.eng.UpdateRecord(ctx, rec)
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = f.eng.UpdateRecord(ctx, schema.Record{ID: "nope", Name: "x"})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateFallsBackToCreate(t *testing.T) {
	ctx := context.Background()
	f := setupOffline(t)
	rec, err := f.eng.Register(ctx, schema.Candidate{Name: "Ana"})
	require.NoError(t, err)

	f.remote.SetOnline(true)
	require.True(t, f.eng.CheckConnection(ctx))

	got, err := f.eng.UpdateVitalSign(ctx, rec.ID, 90, time.Time{})
	require.NoError(t, err)
	assert.False(t, got.Pending())
	assert.Len(t, f.remote.CallsFor(remote.OpUpdate), 1)
	assert.Len(t, f.remote.CallsFor(remote.OpCreate), 1)
}

// ===== Remove =====

func TestRemoveRemoteFailureScenario(t *testing.T) {
	ctx := context.Background()
	f := setupOnline(t)
	rec, err := f.eng.Register(ctx, schema.Candidate{Name: "Ana"})
	require.NoError(t, err)
	require.Equal(t, "p-1", rec.ID)

	f.remote.FailOn(remote.OpDelete, "", errors.New("500 internal"))
	require.NoError(t, f.eng.Remove(ctx, "p-1"))

	_, err = f.eng.GetByID("p-1")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, 1, f.eng.PendingDeletes())
	assertWriteThrough(t, f)
	assert.Contains(t, f.events.types(), EventRecordRemoved)
}

func TestRemoveOnlineDeletesRemotely(t *testing.T) {
	ctx := context.Background()
	f := setupOnline(t, remoteRecord("r-1", "Ana"))

	require.NoError(t, f.eng.Remove(ctx, "r-1"))
	_, ok := f.remote.Record("r-1")
	assert.False(t, ok)
	assert.Equal(t, 0, f.eng.PendingDeletes())
}

func TestRemoveNotFound(t *testing.T) {
	f := setupOnline(t)
	assert.ErrorIs(t, f.eng.Remove(context.Background(), "ghost"), ErrNotFound)
}

func TestRemoveStorageFailureKeepsRecord(t *testing.T) {
	ctx := context.Background()
	f := setupOnline(t, remoteRecord("r-1", "Ana"))
	f.store.FailWith(errors.New("read-only"))

	err := f.eng.Remove(ctx, "r-1")
	assert.ErrorIs(t, err, ErrStorage)
	_, err = f.eng.GetByID("r-1")
	assert.NoError(t, err)
	_, ok := f.remote.Record("r-1")
	assert.True(t, ok, "remote untouched when local removal fails")
}

// ===== Synchronize =====

func TestSynchronizeScenario(t *testing.T) {
	ctx := context.Background()
	f := setupOffline(t)
	_, err := f.eng.Register(ctx, schema.Candidate{Name: "Maria Silva", ShelterID: "shelter-1", Vital: schema.VitalSign{BPM: 85}})
	require.NoError(t, err)

	f.remote.SetOnline(true)
	require.True(t, f.eng.CheckConnection(ctx))

	summary, err := f.eng.Synchronize(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Attempted)
	assert.Equal(t, 1, summary.Succeeded)
	assert.Equal(t, 0, f.eng.PendingCount())

	_, ok := f.eng.LastSyncAt()
	assert.True(t, ok)

	stored, err := f.store.LoadAll(ctx)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, schema.SyncSynced, stored[0].SyncState)
	assert.Len(t, f.remote.CallsFor(remote.OpUpdate), 1)
}

func TestSynchronizeOffline(t *testing.T) {
	f := setupOffline(t)
	_, err := f.eng.Synchronize(context.Background())
	assert.ErrorIs(t, err, ErrOffline)
	assert.True(t, IsRetryable(err))
}

func TestSynchronizeNothingPending(t *testing.T) {
	f := setupOnline(t)

	summary, err := f.eng.Synchronize(context.Background())
	require.NoError(t, err)
	assert.Zero(t, summary.Attempted)
	assert.Zero(t, summary.Succeeded)
	assert.Empty(t, summary.Failed)

	at, ok := f.eng.LastSyncAt()
	require.True(t, ok)
	stored, ok, err := f.store.LoadLastSyncAt(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, at.Equal(stored))
}

func TestSynchronizeIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := setupOffline(t)
	for _, name := range []string{"A", "B"} {
		_, err := f.eng.Register(ctx, schema.Candidate{Name: name})
		require.NoError(t, err)
	}
	f.remote.SetOnline(true)
	f.eng.CheckConnection(ctx)

	first, err := f.eng.Synchronize(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, first.Succeeded)

	second, err := f.eng.Synchronize(ctx)
	require.NoError(t, err)
	assert.Zero(t, second.Attempted)
	assert.Equal(t, 0, f.eng.PendingCount())
}

func TestSynchronizePartialFailure(t *testing.T) {
	ctx := context.Background()
	f := setupOffline(t)
	for _, name := range []string{"first", "second", "third"} {
		_, err := f.eng.Register(ctx, schema.Candidate{Name: name})
		require.NoError(t, err)
	}

	f.remote.SetOnline(true)
	f.eng.CheckConnection(ctx)
	boom := errors.New("422 rejected")
	f.remote.FailOn(remote.OpUpdate, "p-2", boom)

	summary, err := f.eng.Synchronize(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, summary.Attempted)
	assert.Equal(t, 2, summary.Succeeded)
	require.Len(t, summary.Failed, 1)
	assert.Equal(t, "p-2", summary.Failed[0].ID)
	assert.ErrorIs(t, summary.Failed[0].Err, boom)
	assert.ErrorIs(t, summary.Failed[0].Err, ErrRemote)
	assert.Equal(t, boom.Error(), summary.Failed[0].Error)

	for id, wantPending := range map[string]bool{"p-1": false, "p-2": true, "p-3": false} {
		rec, err := f.eng.GetByID(id)
		require.NoError(t, err)
		assert.Equal(t, wantPending, rec.Pending(), id)
	}

	var attempted []string
	for _, c := range f.remote.CallsFor(remote.OpUpdate) {
		attempted = append(attempted, c.ID)
	}
	assert.Equal(t, []string{"p-1", "p-2", "p-3"}, attempted)
	assertWriteThrough(t, f)
}

func TestSynchronizeRetriesPendingDeletes(t *testing.T) {
	ctx := context.Background()
	f := setupOnline(t, remoteRecord("r-1", "Ana"), remoteRecord("r-2", "Bia"))

	f.remote.SetOnline(false)
	f.eng.CheckConnection(ctx)
	require.NoError(t, f.eng.Remove(ctx, "r-1"))
	require.NoError(t, f.eng.Remove(ctx, "r-2"))
	assert.Equal(t, 2, f.eng.PendingDeletes())

	f.remote.SetOnline(true)
	f.eng.CheckConnection(ctx)
	f.remote.FailOn(remote.OpDelete, "r-2", errors.New("500"))

	summary, err := f.eng.Synchronize(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, summary.DeletesAttempted)
	assert.Equal(t, 1, summary.DeletesSucceeded)
	assert.Equal(t, 1, f.eng.PendingDeletes())

	ids, err := f.store.LoadPendingDeletes(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"r-2"}, ids)
}

func TestSynchronizeStorageFailure(t *testing.T) {
	ctx := context.Background()
	f := setupOffline(t)
	_, err := f.eng.Register(ctx, schema.Candidate{Name: "Ana"})
	require.NoError(t, err)
	f.remote.SetOnline(true)
	f.eng.CheckConnection(ctx)

	f.store.FailWith(errors.New("disk full"))
	_, err = f.eng.Synchronize(ctx)
	assert.ErrorIs(t, err, ErrStorage)
	assert.Equal(t, 1, f.eng.PendingCount(), "memory rolled back")
}

func TestSynchronizeRejectsConcurrentRun(t *testing.T) {
	ctx := context.Background()
	f := setupOffline(t)
	_, err := f.eng.Register(ctx, schema.Candidate{Name: "Ana"})
	require.NoError(t, err)
	f.remote.SetOnline(true)
	f.eng.CheckConnection(ctx)
	f.remote.SetLatency(200 * time.Millisecond)

	done := make(chan error, 1)
	go func() {
		_, err := f.eng.Synchronize(ctx)
		done <- err
	}()

	require.Eventually(t, func() bool { return f.eng.syncing.Load() }, time.Second, time.Millisecond)
	_, err = f.eng.Synchronize(ctx)
	assert.ErrorIs(t, err, ErrSyncInProgress)
	require.NoError(t, <-done)
}

func TestRemoteTimeoutLeavesPending(t *testing.T) {
	ctx := context.Background()
	f := setupOnline(t)
	f.eng.remoteTimeout = 20 * time.Millisecond
	f.remote.SetLatency(500 * time.Millisecond)

	rec, err := f.eng.Register(ctx, schema.Candidate{Name: "Slow"})
	require.NoError(t, err)
	assert.True(t, rec.Pending())
	assert.False(t, f.eng.Reachable())
}

// ===== Reads, reset, metrics =====

func TestFindAndOccupancy(t *testing.T) {
	ctx := context.Background()
	f := setupOffline(t)
	_, err := f.eng.Register(ctx, schema.Candidate{Name: "Ana", ShelterID: "shelter-5", TagID: "TAG-1", Vital: schema.VitalSign{BPM: 130, CapturedAt: f.clock.Now()}})
	require.NoError(t, err)
	_, err = f.eng.Register(ctx, schema.Candidate{Name: "Bia", ShelterID: "shelter-5", Vital: schema.VitalSign{BPM: 75, CapturedAt: f.clock.Now()}})
	require.NoError(t, err)

	critical := f.eng.Find(schema.Filter{Status: schema.HeartRateCritical})
	require.Len(t, critical, 1)
	assert.Equal(t, "Ana", critical[0].Name)

	byTag, err := f.eng.GetByTag("TAG-1")
	require.NoError(t, err)
	assert.Equal(t, "Ana", byTag.Name)
	_, err = f.eng.GetByTag("TAG-X")
	assert.ErrorIs(t, err, ErrNotFound)

	for _, o := range f.eng.Occupancy() {
		if o.Shelter.ID == "shelter-5" {
			assert.Equal(t, 2, o.Count)
		}
	}
}

func TestReset(t *testing.T) {
	ctx := context.Background()
	f := setupOffline(t)
	_, err := f.eng.Register(ctx, schema.Candidate{Name: "Ana"})
	require.NoError(t, err)

	require.NoError(t, f.eng.Reset(ctx))
	assert.Empty(t, f.eng.GetAll())
	assert.Equal(t, 0, f.eng.PendingCount())
	assertWriteThrough(t, f)
	assert.Contains(t, f.events.types(), EventReset)
}

func TestGetAllReturnsCopies(t *testing.T) {
	ctx := context.Background()
	f := setupOffline(t)
	_, err := f.eng.Register(ctx, schema.Candidate{Name: "Ana", Location: &schema.Coordinates{Latitude: 1}})
	require.NoError(t, err)

	all := f.eng.GetAll()
	all[0].Name = "mutated"
	all[0].Location.Latitude = 99

	again, err := f.eng.GetByID(all[0].ID)
	require.NoError(t, err)
	assert.Equal(t, "Ana", again.Name)
	assert.Equal(t, 1.0, again.Location.Latitude)
}

func TestMetrics(t *testing.T) {
	ctx := context.Background()
	f := setupOffline(t)
	_, err := f.eng.Register(ctx, schema.Candidate{Name: "Ana"})
	require.NoError(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(f.eng.metrics.records))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.eng.metrics.pending))
	assert.Equal(t, 0.0, testutil.ToFloat64(f.eng.metrics.reachable))

	f.remote.SetOnline(true)
	f.eng.CheckConnection(ctx)
	_, err = f.eng.Synchronize(ctx)
	require.NoError(t, err)

	assert.Equal(t, 0.0, testutil.ToFloat64(f.eng.metrics.pending))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.eng.metrics.syncRuns.WithLabelValues(syncResultOK)))

	n, err := testutil.GatherAndCount(f.reg, "biotag_records")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestListenersRunOutsideLock(t *testing.T) {
	ctx := context.Background()
	f := setupOffline(t)

	seen := make(chan int, 1)
	unsubscribe := f.eng.Subscribe(func(ev Event) {
		if ev.Type != EventRecordRegistered {
			return
		}
		// Mutating from a listener needs the lock to be free.
		rec, err := f.eng.UpdateVitalSign(ctx, ev.RecordID, 77, time.Time{})
		if err != nil {
			t.Errorf("update from listener: %v", err)
			return
		}
		seen <- rec.Vital.BPM
	})

	_, err := f.eng.Register(ctx, schema.Candidate{Name: "Ana"})
	require.NoError(t, err)
	assert.Equal(t, 77, <-seen)

	unsubscribe()
	_, err = f.eng.Register(ctx, schema.Candidate{Name: "Bia"})
	require.NoError(t, err)
	assert.Len(t, seen, 0)
}

func TestErrorClassifiers(t *testing.T) {
	assert.False(t, IsRetryable(nil))
	assert.True(t, IsRetryable(ErrSyncInProgress))
	assert.True(t, IsRetryable(fmt.Errorf("%w: %w", ErrRemote, remote.ErrUnavailable)))
	assert.False(t, IsRetryable(ErrNotFound))

	assert.True(t, IsUserError(fmt.Errorf("%w: p-1", ErrNotFound)))
	assert.False(t, IsUserError(ErrStorage))
	assert.False(t, IsUserError(nil))
}

func TestConcurrentMutationsKeepWriteThrough(t *testing.T) {
	ctx := context.Background()
	f := setupOnline(t)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rec, err := f.eng.Register(ctx, schema.Candidate{Name: fmt.Sprintf("worker-%d", i)})
			if err != nil {
				t.Errorf("register: %v", err)
				return
			}
			if _, err := f.eng.UpdateVitalSign(ctx, rec.ID, 60+i, time.Time{}); err != nil {
				t.Errorf("update: %v", err)
			}
			_ = f.eng.GetAll()
		}(i)
	}
	wg.Wait()

	assert.Len(t, f.eng.GetAll(), 8)
	assertWriteThrough(t, f)
}

// ===== Tags and vital signs =====

func TestRegisterRejectsDuplicateTag(t *testing.T) {
	ctx := context.Background()
	f := setupOffline(t)
	first, err := f.eng.Register(ctx, schema.Candidate{Name: "Ana", TagID: "TAG-1"})
	require.NoError(t, err)

	_, err = f.eng.Register(ctx, schema.Candidate{Name: "Bia", TagID: "TAG-1"})
	assert.ErrorIs(t, err, ErrInvalidInput)
	assert.Len(t, f.eng.GetAll(), 1)

	// Records without a tag never collide.
	_, err = f.eng.Register(ctx, schema.Candidate{Name: "Caio"})
	require.NoError(t, err)
	_, err = f.eng.Register(ctx, schema.Candidate{Name: "Dora"})
	require.NoError(t, err)

	byTag, err := f.eng.GetByTag("TAG-1")
	require.NoError(t, err)
	assert.Equal(t, first.ID, byTag.ID)
	assertWriteThrough(t, f)
}

func TestUpdateRecordRejectsTagOfAnotherRecord(t *testing.T) {
	ctx := context.Background()
	f := setupOffline(t)
	ana, err := f.eng.Register(ctx, schema.Candidate{Name: "Ana", TagID: "TAG-1"})
	require.NoError(t, err)
	bia, err := f.eng.Register(ctx, schema.Candidate{Name: "Bia", TagID: "TAG-2"})
	require.NoError(t, err)

	edit := bia
	edit.TagID = "TAG-1"
	_, err = f.eng.UpdateRecord(ctx, edit)
	assert.ErrorIs(t, err, ErrInvalidInput)
	got, err := f.eng.GetByID(bia.ID)
	require.NoError(t, err)
	assert.Equal(t, "TAG-2", got.TagID)

	// Keeping its own tag is fine.
	edit = ana
	edit.Notes = "asthma"
	_, err = f.eng.UpdateRecord(ctx, edit)
	require.NoError(t, err)

	// Once freed, the tag can move.
	edit.TagID = ""
	_, err = f.eng.UpdateRecord(ctx, edit)
	require.NoError(t, err)
	edit = bia
	edit.TagID = "TAG-1"
	moved, err := f.eng.UpdateRecord(ctx, edit)
	require.NoError(t, err)
	assert.Equal(t, "TAG-1", moved.TagID)
}

func TestRegisterStampsUntimedVital(t *testing.T) {
	ctx := context.Background()
	f := setupOffline(t)

	rec, err := f.eng.Register(ctx, schema.Candidate{Name: "Ana", Vital: schema.VitalSign{BPM: 85}})
	require.NoError(t, err)
	assert.True(t, f.clock.Now().Equal(rec.Vital.CapturedAt))

	rec, err = f.eng.Register(ctx, schema.Candidate{Name: "Bia"})
	require.NoError(t, err)
	assert.True(t, rec.Vital.IsZero(), "no reading stays unstamped")
	assertWriteThrough(t, f)
}

func TestUpdateRecordReplacesUntimedVital(t *testing.T) {
	ctx := context.Background()
	f := setupOffline(t)
	rec, err := f.eng.Register(ctx, schema.Candidate{Name: "Ana", Vital: schema.VitalSign{BPM: 72, CapturedAt: f.clock.Now()}})
	require.NoError(t, err)

	f.clock.Advance(time.Minute)
	edit := rec
	edit.Vital = schema.VitalSign{BPM: 118}
	got, err := f.eng.UpdateRecord(ctx, edit)
	require.NoError(t, err)
	assert.Equal(t, 118, got.Vital.BPM)
	assert.True(t, f.clock.Now().Equal(got.Vital.CapturedAt))

	// Resubmitting the stored reading does not restamp it.
	f.clock.Advance(time.Minute)
	edit = got
	edit.Notes = "checked"
	again, err := f.eng.UpdateRecord(ctx, edit)
	require.NoError(t, err)
	assert.True(t, got.Vital.CapturedAt.Equal(again.Vital.CapturedAt))

	edit.Vital = schema.VitalSign{BPM: 400}
	_, err = f.eng.UpdateRecord(ctx, edit)
	assert.ErrorIs(t, err, ErrInvalidInput)
	assertWriteThrough(t, f)
}

// ===== Pending deletes =====

func TestRemoveStorageFailureLeavesNoTombstone(t *testing.T) {
	ctx := context.Background()
	f := setupOffline(t)
	rec, err := f.eng.Register(ctx, schema.Candidate{Name: "Ana"})
	require.NoError(t, err)

	f.store.FailWith(errors.New("read-only"))
	assert.ErrorIs(t, f.eng.Remove(ctx, rec.ID), ErrStorage)
	assert.Equal(t, 0, f.eng.PendingDeletes())
	_, err = f.eng.GetByID(rec.ID)
	assert.NoError(t, err)

	f.store.FailWith(nil)
	ids, err := f.store.LoadPendingDeletes(ctx)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestResetStorageFailureKeepsPendingDeletes(t *testing.T) {
	ctx := context.Background()
	f := setupOffline(t)
	for _, name := range []string{"Ana", "Bia"} {
		_, err := f.eng.Register(ctx, schema.Candidate{Name: name})
		require.NoError(t, err)
	}
	require.NoError(t, f.eng.Remove(ctx, "p-1"))
	require.Equal(t, 1, f.eng.PendingDeletes())

	f.store.FailWith(errors.New("read-only"))
	assert.ErrorIs(t, f.eng.Reset(ctx), ErrStorage)
	assert.Equal(t, 1, f.eng.PendingDeletes())
	assert.Len(t, f.eng.GetAll(), 1)

	f.store.FailWith(nil)
	require.NoError(t, f.eng.Reset(ctx))
	assert.Equal(t, 0, f.eng.PendingDeletes())
	ids, err := f.store.LoadPendingDeletes(ctx)
	require.NoError(t, err)
	assert.Empty(t, ids)
	assertWriteThrough(t, f)
}

// tombstoneFailStore fails only when saving pending deletes.
type tombstoneFailStore struct {
	store.Store
	mu  sync.Mutex
	err error
}

func (s *tombstoneFailStore) failWith(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

func (s *tombstoneFailStore) SavePendingDeletes(ctx context.Context, ids []string) error {
	s.mu.Lock()
	err := s.err
	s.mu.Unlock()
	if err != nil {
		return err
	}
	return s.Store.SavePendingDeletes(ctx, ids)
}

func TestSynchronizeKeepsTombstonesThatCouldNotBeSaved(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemoryStore()
	st := &tombstoneFailStore{Store: mem}
	fake := remote.NewFake(remoteRecord("r-1", "Ana"))
	eng, err := New(Config{Store: st, Gateway: fake, RemoteTimeout: time.Second})
	require.NoError(t, err)
	_, err = eng.Initialize(ctx)
	require.NoError(t, err)

	fake.SetOnline(false)
	eng.CheckConnection(ctx)
	require.NoError(t, eng.Remove(ctx, "r-1"))
	require.Equal(t, 1, eng.PendingDeletes())

	fake.SetOnline(true)
	eng.CheckConnection(ctx)
	st.failWith(errors.New("disk full"))

	summary, err := eng.Synchronize(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.DeletesSucceeded)
	assert.Equal(t, 1, eng.PendingDeletes(), "memory follows the store")
	ids, err := mem.LoadPendingDeletes(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"r-1"}, ids)

	st.failWith(nil)
	summary, err = eng.Synchronize(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.DeletesSucceeded, "remote not found counts as deleted")
	assert.Equal(t, 0, eng.PendingDeletes())
}

func TestSynchronizeDropsTombstoneOfLiveRecord(t *testing.T) {
	ctx := context.Background()
	f := setupEngine(t)
	live := remoteRecord("r-1", "Ana")
	live.SyncState = schema.SyncPending
	require.NoError(t, f.store.SaveAll(ctx, []schema.Record{live}))
	require.NoError(t, f.store.SavePendingDeletes(ctx, []string{"r-1"}))
	f.remote.SetOnline(false)
	_, err := f.eng.Initialize(ctx)
	require.Error(t, err)

	f.remote.SetOnline(true)
	f.eng.CheckConnection(ctx)
	summary, err := f.eng.Synchronize(ctx)
	require.NoError(t, err)
	assert.Zero(t, summary.DeletesAttempted)
	assert.Empty(t, f.remote.CallsFor(remote.OpDelete))
	assert.Equal(t, 0, f.eng.PendingDeletes())
	_, ok := f.remote.Record("r-1")
	assert.True(t, ok)
}

// ===== Several processes on one store =====

// setupSharedEngine starts an engine with its own offline remote over st,
// the way each biotag process opens the same database.
func setupSharedEngine(t *testing.T, st store.Store, prefix string) *Engine {
	t.Helper()
	n := 0
	fake := remote.NewFake()
	fake.SetOnline(false)
	eng, err := New(Config{
		Store:         st,
		Gateway:       fake,
		NewID:         func() string { n++; return fmt.Sprintf("%s-%d", prefix, n) },
		RemoteTimeout: time.Second,
	})
	require.NoError(t, err)
	_, err = eng.Initialize(context.Background())
	require.ErrorIs(t, err, ErrRemote)
	return eng
}

func TestEnginesSharingStoreKeepEachOthersRecords(t *testing.T) {
	pairs := []struct {
		name string
		open func(t *testing.T) (store.Store, store.Store)
	}{
		{"memory", func(t *testing.T) (store.Store, store.Store) {
			a := store.NewMemoryStore()
			return a, a.Handle()
		}},
		{"sqlite", func(t *testing.T) (store.Store, store.Store) {
			path := filepath.Join(t.TempDir(), "biotag.db")
			a, err := store.OpenSQLite(path)
			require.NoError(t, err)
			t.Cleanup(func() { _ = a.Close() })
			b, err := store.OpenSQLite(path)
			require.NoError(t, err)
			t.Cleanup(func() { _ = b.Close() })
			return a, b
		}},
	}

	for _, p := range pairs {
		t.Run(p.name, func(t *testing.T) {
			ctx := context.Background()
			daemonStore, cliStore := p.open(t)
			daemon := setupSharedEngine(t, daemonStore, "d")
			cli := setupSharedEngine(t, cliStore, "c")

			seed, err := daemon.Register(ctx, schema.Candidate{Name: "Seed", ShelterID: "shelter-1"})
			require.NoError(t, err)
			maria, err := cli.Register(ctx, schema.Candidate{Name: "Maria", ShelterID: "shelter-2"})
			require.NoError(t, err)

			_, err = daemon.UpdateVitalSign(ctx, seed.ID, 90, time.Time{})
			require.NoError(t, err)

			stored, err := cliStore.LoadAll(ctx)
			require.NoError(t, err)
			var ids []string
			for _, r := range stored {
				ids = append(ids, r.ID)
			}
			assert.ElementsMatch(t, []string{seed.ID, maria.ID}, ids)

			_, err = daemon.GetByID(maria.ID)
			assert.NoError(t, err, "daemon picked up the other writer's record")
			got, err := daemon.GetByID(seed.ID)
			require.NoError(t, err)
			assert.Equal(t, 90, got.Vital.BPM)

			// The CLI sees the daemon's update once it refreshes.
			reloaded, err := cli.Refresh(ctx)
			require.NoError(t, err)
			assert.True(t, reloaded)
			got, err = cli.GetByID(seed.ID)
			require.NoError(t, err)
			assert.Equal(t, 90, got.Vital.BPM)
		})
	}
}

func TestSharedStoreRejectsTagAcrossEngines(t *testing.T) {
	ctx := context.Background()
	a := store.NewMemoryStore()
	daemon := setupSharedEngine(t, a, "d")
	cli := setupSharedEngine(t, a.Handle(), "c")

	_, err := daemon.Register(ctx, schema.Candidate{Name: "Ana", TagID: "TAG-1"})
	require.NoError(t, err)
	_, err = cli.Register(ctx, schema.Candidate{Name: "Bia", TagID: "TAG-1"})
	assert.ErrorIs(t, err, ErrInvalidInput, "the reloaded set already holds the tag")
}

func TestSharedStoreRemoveOfRecordGoneElsewhere(t *testing.T) {
	ctx := context.Background()
	a := store.NewMemoryStore()
	daemon := setupSharedEngine(t, a, "d")
	rec, err := daemon.Register(ctx, schema.Candidate{Name: "Ana"})
	require.NoError(t, err)
	cli := setupSharedEngine(t, a.Handle(), "c")

	require.NoError(t, cli.Remove(ctx, rec.ID))
	assert.ErrorIs(t, daemon.Remove(ctx, rec.ID), ErrNotFound)
	assert.Equal(t, 1, daemon.PendingDeletes(), "the other writer's pending delete survives")
}

func TestRefresh(t *testing.T) {
	ctx := context.Background()
	f := setupOffline(t)

	reloaded, err := f.eng.Refresh(ctx)
	require.NoError(t, err)
	assert.False(t, reloaded, "nothing changed since Initialize")

	_, err = f.eng.Register(ctx, schema.Candidate{Name: "Ana"})
	require.NoError(t, err)
	reloaded, err = f.eng.Refresh(ctx)
	require.NoError(t, err)
	assert.False(t, reloaded, "own saves do not trigger a reload")

	other := setupSharedEngine(t, f.store.Handle(), "c")
	_, err = other.Register(ctx, schema.Candidate{Name: "Bia"})
	require.NoError(t, err)

	reloaded, err = f.eng.Refresh(ctx)
	require.NoError(t, err)
	assert.True(t, reloaded)
	assert.Len(t, f.eng.GetAll(), 2)
	assert.Contains(t, f.events.types(), EventReloaded)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.eng.metrics.reloads))

	f.store.FailWith(errors.New("gone"))
	_, err = f.eng.Refresh(ctx)
	assert.ErrorIs(t, err, ErrStorage)
}

func TestSynchronizePushesRecordsOfOtherWriter(t *testing.T) {
	ctx := context.Background()
	f := setupOnline(t)
	cli := setupSharedEngine(t, f.store.Handle(), "c")

	rec, err := cli.Register(ctx, schema.Candidate{Name: "Maria"})
	require.NoError(t, err)
	require.True(t, rec.Pending())

	summary, err := f.eng.Synchronize(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Succeeded)
	_, ok := f.remote.Record(rec.ID)
	assert.True(t, ok)
	assertWriteThrough(t, f)
}
