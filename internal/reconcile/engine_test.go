package reconcile

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/palacepal/palsync/internal/cache"
	"github.com/palacepal/palsync/internal/importer"
	"github.com/palacepal/palsync/internal/queue"
	"github.com/palacepal/palsync/internal/storage/memory"
	"github.com/palacepal/palsync/internal/syncstate"
	"github.com/palacepal/palsync/pkg/core"
)

type fakeScheduler struct {
	mu        sync.Mutex
	account   string
	downloads []uint16
	uploads   map[uint16][]core.Marker
	markSeen  map[uint16][]core.Marker
}

func newFakeScheduler(account string) *fakeScheduler {
	return &fakeScheduler{
		account:  account,
		uploads:  make(map[uint16][]core.Marker),
		markSeen: make(map[uint16][]core.Marker),
	}
}

func (s *fakeScheduler) Download(regionID uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.downloads = append(s.downloads, regionID)
}

func (s *fakeScheduler) Upload(regionID uint16, markers []core.Marker) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.uploads[regionID] = markers
}

func (s *fakeScheduler) MarkSeen(regionID uint16, markers []core.Marker) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.markSeen[regionID] = markers
}

func (s *fakeScheduler) AccountID() string { return s.account }

// flakyBackend wraps the memory backend with injectable failures.
type flakyBackend struct {
	*memory.Backend
	loadErr map[uint16]error
	saveErr error
}

func (b *flakyBackend) LoadRegion(ctx context.Context, regionID uint16) ([]core.Marker, error) {
	if err := b.loadErr[regionID]; err != nil {
		return nil, err
	}
	return b.Backend.LoadRegion(ctx, regionID)
}

func (b *flakyBackend) SaveRegion(ctx context.Context, regionID uint16, markers []core.Marker) error {
	if b.saveErr != nil {
		return b.saveErr
	}
	return b.Backend.SaveRegion(ctx, regionID, markers)
}

type harness struct {
	engine    *Engine
	store     *cache.RegionStore
	tracker   *syncstate.Tracker
	backend   *flakyBackend
	scheduler *fakeScheduler
}

func newHarness(t *testing.T, syncEnabled bool, mode Mode) *harness {
	t.Helper()
	h := &harness{
		store:     cache.NewRegionStore(),
		tracker:   syncstate.New(syncEnabled),
		backend:   &flakyBackend{Backend: memory.New(), loadErr: map[uint16]error{}},
		scheduler: newFakeScheduler("acc-1"),
	}
	e, err := New(Dependencies{
		Store:     h.store,
		Tracker:   h.tracker,
		Queue:     queue.New[Operation](),
		Backend:   h.backend,
		Importer:  importer.NewTranslator(h.store, h.backend.LoadRegion, h.backend),
		Scheduler: h.scheduler,
		Mode:      mode,
	})
	require.NoError(t, err)
	h.engine = e
	return h
}

func (h *harness) tick(t *testing.T) {
	t.Helper()
	require.NoError(t, h.engine.Tick(context.Background()))
}

func (h *harness) enter(t *testing.T, regionID uint16) {
	t.Helper()
	h.engine.SetRegion(regionID)
	h.tick(t)
}

func (h *harness) markers(regionID uint16) []core.Marker {
	f, ok := h.store.Get(regionID)
	if !ok {
		return nil
	}
	return f.Markers()
}

func trap(x, y, z float64) core.Marker {
	return core.NewMarker(core.KindTrap, core.Position3D{X: x, Y: y, Z: z})
}

func remoteTrap(x, y, z float64, networkID string) core.Marker {
	m := trap(x, y, z)
	m.NetworkID = networkID
	return m
}

func TestNew_RequiresDependencies(t *testing.T) {
	_, err := New(Dependencies{})
	assert.Error(t, err)
}

func TestEngine_EndToEnd(t *testing.T) {
	h := newHarness(t, true, ModeOnline)

	h.enter(t, 100)
	assert.Equal(t, []uint16{100}, h.scheduler.downloads)
	assert.Equal(t, syncstate.Started, h.tracker.State())
	assert.Empty(t, h.markers(100))

	h.engine.Submit(DownloadResult{RegionID: 100, Success: true, Markers: []core.Marker{remoteTrap(1, 2, 3, "n1")}})
	h.tick(t)

	got := h.markers(100)
	require.Len(t, got, 1)
	assert.False(t, got[0].Seen)
	assert.Equal(t, "n1", got[0].NetworkID)
	assert.Equal(t, syncstate.Complete, h.tracker.State())

	h.engine.Observe(100, []core.MarkerKey{trap(1, 2, 3).MarkerKey})
	h.tick(t)

	got = h.markers(100)
	require.Len(t, got, 1, "observation must update the stored marker, not add one")
	assert.True(t, got[0].Seen)

	persisted, err := h.backend.LoadRegion(context.Background(), 100)
	require.NoError(t, err)
	require.Len(t, persisted, 1)
	assert.True(t, persisted[0].Seen)

	assert.Len(t, h.scheduler.markSeen[100], 1, "synced marker is acknowledged for the account")
	assert.Empty(t, h.scheduler.uploads[100])
}

func TestEngine_DownloadIsIdempotent(t *testing.T) {
	h := newHarness(t, true, ModeOnline)
	h.enter(t, 7)

	op := DownloadResult{RegionID: 7, Success: true, Markers: []core.Marker{
		remoteTrap(0, 0, 0, "a"),
		remoteTrap(10, 0, 0, "b"),
	}}
	h.engine.Submit(op)
	h.tick(t)
	first := len(h.markers(7))

	h.engine.Submit(op)
	h.engine.Submit(op)
	h.tick(t)

	assert.Equal(t, 2, first)
	assert.Len(t, h.markers(7), first)
}

func TestEngine_LocalPrecedence(t *testing.T) {
	h := newHarness(t, true, ModeOnline)
	local := trap(5, 5, 5)
	local.Seen = true
	require.NoError(t, h.backend.SaveRegion(context.Background(), 3, []core.Marker{local}))
	h.enter(t, 3)

	remote := remoteTrap(5.2, 5, 5, "net-9")
	remote.RemoteSeenOn = []string{"someone"}
	h.engine.Submit(DownloadResult{RegionID: 3, Success: true, Markers: []core.Marker{remote}})
	h.tick(t)

	got := h.markers(3)
	require.Len(t, got, 1)
	assert.True(t, got[0].Seen)
	assert.Equal(t, "net-9", got[0].NetworkID)
	assert.Equal(t, core.Position3D{X: 5, Y: 5, Z: 5}, got[0].Position)
	assert.Empty(t, got[0].RemoteSeenOn, "only the network id is taken from the remote marker")
}

func TestEngine_StaleRegionImmunity(t *testing.T) {
	h := newHarness(t, true, ModeOnline)
	h.enter(t, 1)
	h.enter(t, 2)
	require.Equal(t, syncstate.Started, h.tracker.State())

	h.engine.Submit(DownloadResult{RegionID: 1, Success: true, Markers: []core.Marker{remoteTrap(1, 1, 1, "x")}})
	h.tick(t)

	assert.Equal(t, uint16(2), h.tracker.Region())
	assert.Equal(t, syncstate.Started, h.tracker.State(), "a stale completion never touches the tracker")
	assert.Len(t, h.markers(1), 1, "the left region still receives the data")

	persisted, _ := h.backend.LoadRegion(context.Background(), 1)
	assert.Len(t, persisted, 1)
}

func TestEngine_StaleResultLoadsPersistedRegion(t *testing.T) {
	h := newHarness(t, true, ModeOnline)
	kept := trap(50, 0, 0)
	kept.Seen = true
	require.NoError(t, h.backend.SaveRegion(context.Background(), 8, []core.Marker{kept}))
	h.enter(t, 2)

	h.engine.Submit(DownloadResult{RegionID: 8, Success: true, Markers: []core.Marker{remoteTrap(1, 1, 1, "x")}})
	h.tick(t)

	persisted, _ := h.backend.LoadRegion(context.Background(), 8)
	assert.Len(t, persisted, 2, "persisted markers of a region not in memory survive")
}

func TestEngine_UploadNeverInserts(t *testing.T) {
	h := newHarness(t, true, ModeOnline)
	h.enter(t, 4)
	h.engine.Observe(4, []core.MarkerKey{trap(0, 0, 0).MarkerKey})
	h.tick(t)

	h.engine.Submit(UploadResult{RegionID: 4, Success: true, Markers: []core.Marker{
		remoteTrap(0, 0, 0, "up-1"),
		remoteTrap(30, 0, 0, "ghost"),
	}})
	h.tick(t)

	got := h.markers(4)
	require.Len(t, got, 1)
	assert.Equal(t, "up-1", got[0].NetworkID)
}

func TestEngine_MarkSeen(t *testing.T) {
	h := newHarness(t, true, ModeOnline)
	h.enter(t, 4)
	h.engine.Submit(DownloadResult{RegionID: 4, Success: true, Markers: []core.Marker{remoteTrap(0, 0, 0, "n")}})
	h.tick(t)

	h.engine.Submit(MarkSeenResult{RegionID: 4, Success: true, AccountID: "acc-1", Markers: []core.Marker{trap(0, 0, 0), trap(90, 0, 0)}})
	h.engine.Submit(MarkSeenResult{RegionID: 4, Success: true, AccountID: "", Markers: []core.Marker{trap(0, 0, 0)}})
	h.tick(t)

	got := h.markers(4)
	require.Len(t, got, 1)
	assert.Equal(t, []string{"acc-1"}, got[0].RemoteSeenOn)
	assert.Equal(t, syncstate.Complete, h.tracker.State())
}

func TestEngine_FailedDownload(t *testing.T) {
	h := newHarness(t, true, ModeOnline)
	h.enter(t, 6)

	h.engine.Submit(DownloadResult{RegionID: 6, Success: false, Markers: []core.Marker{remoteTrap(0, 0, 0, "n")}})
	h.tick(t)

	assert.Equal(t, syncstate.Failed, h.tracker.State())
	assert.Empty(t, h.markers(6))

	h.tick(t)
	assert.Equal(t, []uint16{6}, h.scheduler.downloads, "failures are not retried")
}

func TestEngine_EmptyDownloadCompletes(t *testing.T) {
	h := newHarness(t, true, ModeOnline)
	h.enter(t, 6)

	h.engine.Submit(DownloadResult{RegionID: 6, Success: true})
	h.tick(t)

	assert.Equal(t, syncstate.Complete, h.tracker.State())
}

func TestEngine_SyncDisabled(t *testing.T) {
	h := newHarness(t, false, ModeOnline)
	h.enter(t, 5)

	assert.Empty(t, h.scheduler.downloads)
	assert.Equal(t, syncstate.NotNeeded, h.tracker.State())

	h.engine.Submit(DownloadResult{RegionID: 5, Success: true, Markers: []core.Marker{remoteTrap(0, 0, 0, "n")}})
	h.tick(t)

	assert.Empty(t, h.markers(5))
	assert.Equal(t, syncstate.NotNeeded, h.tracker.State())
}

type panickingImporter struct{}

func (panickingImporter) Apply(context.Context, *core.ExportSnapshot) (importer.Result, error) {
	panic("boom")
}

func TestEngine_FaultDoesNotStopDrain(t *testing.T) {
	h := newHarness(t, true, ModeOnline)
	h.engine.importer = panickingImporter{}
	h.enter(t, 9)

	h.engine.Submit(ImportJob{Snapshot: &core.ExportSnapshot{}})
	h.engine.Submit(DownloadResult{RegionID: 9, Success: true, Markers: []core.Marker{remoteTrap(0, 0, 0, "n")}})
	h.tick(t)

	assert.Len(t, h.markers(9), 1)
	assert.Equal(t, syncstate.Complete, h.tracker.State())

	d, ok := h.engine.LastError()
	require.True(t, ok)
	assert.Contains(t, d.Message, "boom")
}

func TestEngine_FaultingDownloadFailsActiveRegion(t *testing.T) {
	h := newHarness(t, true, ModeOnline)
	h.backend.loadErr[11] = errors.New("disk gone")

	h.engine.SetRegion(11)
	assert.Error(t, h.engine.Tick(context.Background()))
	assert.Equal(t, uint16(11), h.tracker.Region())

	h.engine.Submit(DownloadResult{RegionID: 11, Success: true, Markers: []core.Marker{remoteTrap(0, 0, 0, "n")}})
	_ = h.engine.Tick(context.Background())

	assert.Equal(t, syncstate.Failed, h.tracker.State())
	d, ok := h.engine.LastError()
	require.True(t, ok)
	assert.Contains(t, d.Message, "disk gone")

	// Entry is retried once storage recovers.
	delete(h.backend.loadErr, 11)
	h.tick(t)
	assert.True(t, h.engine.isLoaded())
}

func TestEngine_PersistErrorPropagates(t *testing.T) {
	h := newHarness(t, true, ModeOnline)
	h.enter(t, 2)
	h.backend.saveErr = errors.New("read-only")

	h.engine.Observe(2, []core.MarkerKey{trap(0, 0, 0).MarkerKey})
	err := h.engine.Tick(context.Background())

	assert.ErrorContains(t, err, "saving region 2")
	assert.ErrorContains(t, err, "read-only")
}

func TestEngine_UploadScheduledAfterSync(t *testing.T) {
	h := newHarness(t, true, ModeOnline)
	h.enter(t, 12)

	// Observed before the download completes: nothing is uploaded yet.
	h.engine.Observe(12, []core.MarkerKey{trap(0, 0, 0).MarkerKey})
	h.tick(t)
	assert.Empty(t, h.scheduler.uploads)

	h.engine.Submit(DownloadResult{RegionID: 12, Success: true, Markers: []core.Marker{remoteTrap(40, 0, 0, "n")}})
	h.engine.Observe(12, []core.MarkerKey{trap(0, 0, 0).MarkerKey, trap(40, 0, 0).MarkerKey})
	h.tick(t)

	require.Len(t, h.scheduler.uploads[12], 1)
	assert.Equal(t, 0.0, h.scheduler.uploads[12][0].Position.X)
	require.Len(t, h.scheduler.markSeen[12], 1)
	assert.Equal(t, "n", h.scheduler.markSeen[12][0].NetworkID)
}

func TestEngine_EmptyDownloadSchedulesUpload(t *testing.T) {
	h := newHarness(t, true, ModeOnline)
	h.enter(t, 12)

	seen := []core.MarkerKey{trap(0, 0, 0).MarkerKey}
	h.engine.Observe(12, seen)
	h.tick(t)
	require.Empty(t, h.scheduler.uploads)
	h.engine.View()

	h.engine.Submit(DownloadResult{RegionID: 12, Success: true})
	h.engine.Observe(12, seen)
	h.tick(t)

	assert.Equal(t, syncstate.Complete, h.tracker.State())
	require.Len(t, h.scheduler.uploads[12], 1, "locally seen trap is uploaded once the region is synced")
	assert.True(t, h.engine.View().Recompute)
}

func TestEngine_KnownDownloadSchedulesUpload(t *testing.T) {
	h := newHarness(t, true, ModeOnline)
	require.NoError(t, h.backend.SaveRegion(context.Background(), 12, []core.Marker{remoteTrap(40, 0, 0, "n")}))
	h.enter(t, 12)

	h.engine.Observe(12, []core.MarkerKey{trap(0, 0, 0).MarkerKey})
	h.tick(t)

	h.engine.Submit(DownloadResult{RegionID: 12, Success: true, Markers: []core.Marker{remoteTrap(40, 0, 0, "n")}})
	h.tick(t)

	require.Len(t, h.scheduler.uploads[12], 1)
	assert.Equal(t, 0.0, h.scheduler.uploads[12][0].Position.X)
}

func TestEngine_FailedUploadNotRetriedDuringVisit(t *testing.T) {
	h := newHarness(t, true, ModeOnline)
	h.enter(t, 3)
	h.engine.Submit(DownloadResult{RegionID: 3, Success: true})
	h.engine.Observe(3, []core.MarkerKey{trap(0, 0, 0).MarkerKey})
	h.tick(t)
	require.Len(t, h.scheduler.uploads[3], 1)

	delete(h.scheduler.uploads, 3)
	h.engine.Submit(UploadResult{RegionID: 3, Success: false})
	h.tick(t)
	h.tick(t)
	assert.Empty(t, h.scheduler.uploads[3])

	h.enter(t, 4)
	h.enter(t, 3)
	h.engine.Submit(DownloadResult{RegionID: 3, Success: true})
	h.tick(t)
	assert.Len(t, h.scheduler.uploads[3], 1, "a new visit uploads again")
}

func TestEngine_ObserveIgnoresOtherRegions(t *testing.T) {
	h := newHarness(t, true, ModeOnline)
	h.enter(t, 1)

	h.engine.Observe(2, []core.MarkerKey{trap(0, 0, 0).MarkerKey})
	h.tick(t)

	assert.Empty(t, h.markers(1))
	assert.Empty(t, h.markers(2))
}

func TestEngine_EphemeralMarkers(t *testing.T) {
	h := newHarness(t, true, ModeOnline)
	h.enter(t, 1)
	h.engine.View()

	coffer := core.NewMarker(core.KindSilverCoffer, core.Position3D{X: 3}).MarkerKey
	h.engine.Observe(1, []core.MarkerKey{coffer})
	h.tick(t)

	v := h.engine.View()
	assert.True(t, v.Recompute)
	require.Len(t, v.Ephemeral, 1)
	assert.Empty(t, v.Markers, "silver coffers are never stored")

	h.engine.Observe(1, []core.MarkerKey{coffer})
	h.tick(t)
	assert.False(t, h.engine.View().Recompute)

	h.enter(t, 2)
	assert.Empty(t, h.engine.View().Ephemeral)
}

func TestEngine_RepeatedRegionDoesNotReset(t *testing.T) {
	h := newHarness(t, true, ModeOnline)
	h.enter(t, 5)
	h.engine.Submit(DownloadResult{RegionID: 5, Success: true})
	h.tick(t)

	h.enter(t, 5)
	assert.Equal(t, syncstate.Complete, h.tracker.State())
	assert.Len(t, h.scheduler.downloads, 1)
}

func TestEngine_SwitchToOffline(t *testing.T) {
	h := newHarness(t, true, ModeOnline)
	seen := trap(0, 0, 0)
	seen.Seen = true
	unseen := remoteTrap(10, 0, 0, "n")
	require.NoError(t, h.backend.SaveRegion(context.Background(), 3, []core.Marker{seen, unseen}))
	require.NoError(t, h.backend.SaveRegion(context.Background(), 4, []core.Marker{unseen}))
	h.enter(t, 3)
	require.Len(t, h.engine.View().Markers, 2)

	h.engine.SetMode(ModeOffline)
	h.tick(t)

	assert.Equal(t, ModeOffline, h.engine.Mode())
	assert.Equal(t, syncstate.NotNeeded, h.tracker.State())
	assert.Len(t, h.engine.View().Markers, 1)

	persisted, _ := h.backend.LoadRegion(context.Background(), 4)
	assert.Empty(t, persisted, "unseen markers are purged from storage")

	h.enter(t, 4)
	assert.Len(t, h.scheduler.downloads, 1, "offline sessions never download")
}

func TestEngine_SwitchBackOnline(t *testing.T) {
	h := newHarness(t, true, ModeOffline)
	h.enter(t, 3)
	assert.Empty(t, h.scheduler.downloads)

	h.engine.SetMode(ModeOnline)
	h.tick(t)

	assert.Equal(t, []uint16{3}, h.scheduler.downloads)
	assert.Equal(t, syncstate.Started, h.tracker.State())
}

func TestEngine_ImportJob(t *testing.T) {
	h := newHarness(t, true, ModeOnline)
	h.enter(t, 20)
	h.engine.View()

	snap := &core.ExportSnapshot{
		FormatVersion: core.ExportVersion,
		ExportID:      uuid.NewString(),
		SourceURL:     "http://x",
		CreatedAt:     time.Now(),
		Floors: []core.ExportFloor{{RegionID: 20, Objects: []core.ExportObject{
			{Kind: core.KindTrap, X: 1},
			{Kind: core.KindHoard, X: 2},
		}}},
	}

	var res importer.Result
	var resErr error
	h.engine.Submit(ImportJob{Snapshot: snap, Done: func(r importer.Result, err error) { res, resErr = r, err }})
	h.tick(t)

	require.NoError(t, resErr)
	assert.Equal(t, 1, res.Imported[core.KindTrap])
	assert.Equal(t, 1, res.Imported[core.KindHoard])

	v := h.engine.View()
	assert.True(t, v.Recompute)
	assert.Len(t, v.Markers, 2)

	persisted, _ := h.backend.LoadRegion(context.Background(), 20)
	assert.Len(t, persisted, 2)
}

func TestEngine_ImportValidationIsDiagnosed(t *testing.T) {
	h := newHarness(t, true, ModeOnline)

	var resErr error
	h.engine.Submit(ImportJob{Snapshot: &core.ExportSnapshot{FormatVersion: 99}, Done: func(_ importer.Result, err error) { resErr = err }})
	h.tick(t)

	assert.ErrorIs(t, resErr, importer.ErrIncompatibleVersion)
	_, ok := h.engine.LastError()
	assert.True(t, ok)
}

func TestEngine_Status(t *testing.T) {
	h := newHarness(t, true, ModeOnline)
	h.enter(t, 30)
	h.engine.Observe(30, []core.MarkerKey{trap(0, 0, 0).MarkerKey})
	h.tick(t)

	s := h.engine.Status()
	assert.Equal(t, "online", s.Mode)
	assert.Equal(t, uint16(30), s.RegionID)
	assert.Equal(t, "started", s.SyncState)
	assert.Equal(t, 1, s.Markers)
	assert.Nil(t, s.LastError)
}

func TestParseMode(t *testing.T) {
	m, err := ParseMode("offline")
	require.NoError(t, err)
	assert.Equal(t, ModeOffline, m)

	_, err = ParseMode("sideways")
	assert.Error(t, err)
}
