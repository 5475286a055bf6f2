// Package reconcile applies asynchronous sync results, imports and local
// observations to the region store. Every mutation happens inside Tick, which
// is driven by a single consolidating goroutine; everything else only records
// requests or pushes operations onto the queue.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/palacepal/palsync/internal/cache"
	"github.com/palacepal/palsync/internal/importer"
	"github.com/palacepal/palsync/internal/queue"
	"github.com/palacepal/palsync/internal/syncstate"
	"github.com/palacepal/palsync/pkg/core"
)

// NoRegion means the player is outside any region that carries markers.
const NoRegion uint16 = 0

// Scheduler starts remote calls in the background. Implementations push the
// outcome back through Engine.Submit and must suppress duplicate requests
// that are still in flight.
type Scheduler interface {
	Download(regionID uint16)
	Upload(regionID uint16, markers []core.Marker)
	MarkSeen(regionID uint16, markers []core.Marker)
	AccountID() string
}

// Persister loads and saves regions. storage.Backend satisfies it.
type Persister interface {
	LoadRegion(ctx context.Context, regionID uint16) ([]core.Marker, error)
	SaveRegion(ctx context.Context, regionID uint16, markers []core.Marker) error
	PurgeUnseen(ctx context.Context) error
}

// Importer applies snapshots. *importer.Translator satisfies it.
type Importer interface {
	Apply(ctx context.Context, snap *core.ExportSnapshot) (importer.Result, error)
}

// Dependencies holds everything the engine works on.
type Dependencies struct {
	Store     *cache.RegionStore
	Tracker   *syncstate.Tracker
	Queue     *queue.Queue[Operation]
	Backend   Persister
	Importer  Importer  // optional
	Scheduler Scheduler // optional; nil disables remote calls
	Logger    *slog.Logger
	Mode      Mode
}

// View is what the renderer draws for the active region.
type View struct {
	RegionID  uint16
	Markers   []core.Marker
	Ephemeral []core.Marker
	// Recompute is set when the layout changed since the previous View.
	Recompute bool
}

// Status summarizes the engine for monitoring.
type Status struct {
	Mode        string      `json:"mode"`
	RegionID    uint16      `json:"regionId"`
	SyncState   string      `json:"syncState"`
	QueueLength int         `json:"queueLength"`
	Regions     int         `json:"regions"`
	Markers     int         `json:"markers"`
	LastError   *Diagnostic `json:"lastError,omitempty"`
}

type observation struct {
	regionID uint16
	visible  []core.MarkerKey
}

// Engine is the reconciliation engine.
type Engine struct {
	store       *cache.RegionStore
	tracker     *syncstate.Tracker
	queue       *queue.Queue[Operation]
	backend     Persister
	importer    Importer
	scheduler   Scheduler
	log         *slog.Logger
	syncEnabled bool
	now         func() time.Time

	// host requests, applied on the next tick
	reqMu      sync.Mutex
	reqRegion  *uint16
	reqMode    *Mode
	reqObserve *observation

	// state owned by the tick goroutine, readable by the renderer
	stateMu   sync.RWMutex
	mode      Mode
	loaded    bool
	ephemeral []core.Marker
	recompute bool

	// markers already handed to the scheduler during the current visit
	uploadsSent  map[core.MarkerKey]struct{}
	markSeenSent map[core.MarkerKey]struct{}

	diag diagnostics

	applied metric.Int64Counter
	failed  metric.Int64Counter
}

// New creates an engine. The tracker's enabled flag at construction time is
// the session's sync setting; offline mode always disables it.
func New(deps Dependencies) (*Engine, error) {
	if deps.Store == nil || deps.Tracker == nil || deps.Queue == nil || deps.Backend == nil {
		return nil, errors.New("reconcile: store, tracker, queue and backend are required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	e := &Engine{
		store:       deps.Store,
		tracker:     deps.Tracker,
		queue:       deps.Queue,
		backend:     deps.Backend,
		importer:    deps.Importer,
		scheduler:   deps.Scheduler,
		log:         deps.Logger,
		syncEnabled: deps.Tracker.Enabled(),
		now:         time.Now,
		mode:        deps.Mode,

		uploadsSent:  make(map[core.MarkerKey]struct{}),
		markSeenSent: make(map[core.MarkerKey]struct{}),
	}
	e.tracker.SetEnabled(e.syncEnabled && e.mode == ModeOnline)

	m := meter()
	var err error
	e.applied, err = m.Int64Counter(
		"reconcile.operations.applied",
		metric.WithDescription("Queued operations applied to the region store"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating applied counter: %w", err)
	}
	e.failed, err = m.Int64Counter(
		"reconcile.operations.failed",
		metric.WithDescription("Queued operations that failed to apply"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating failed counter: %w", err)
	}
	queueSize, err := m.Int64ObservableGauge(
		"reconcile.queue.size",
		metric.WithDescription("Operations waiting for the next tick"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating queue size gauge: %w", err)
	}
	_, err = m.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		o.ObserveInt64(queueSize, int64(e.queue.Len()))
		return nil
	}, queueSize)
	if err != nil {
		return nil, fmt.Errorf("registering queue callback: %w", err)
	}

	return e, nil
}

// Submit enqueues a completed operation. Safe from any goroutine.
func (e *Engine) Submit(op Operation) {
	e.queue.Push(op)
}

// SetRegion records that the player moved to regionID.
func (e *Engine) SetRegion(regionID uint16) {
	e.reqMu.Lock()
	defer e.reqMu.Unlock()
	e.reqRegion = &regionID
}

// Observe records the markers currently visible in regionID. Only the latest
// observation before a tick is applied.
func (e *Engine) Observe(regionID uint16, visible []core.MarkerKey) {
	e.reqMu.Lock()
	defer e.reqMu.Unlock()
	e.reqObserve = &observation{regionID: regionID, visible: visible}
}

// SetMode records a mode switch.
func (e *Engine) SetMode(mode Mode) {
	e.reqMu.Lock()
	defer e.reqMu.Unlock()
	e.reqMode = &mode
}

func (e *Engine) takeRequests() (*uint16, *Mode, *observation) {
	e.reqMu.Lock()
	defer e.reqMu.Unlock()
	region, mode, obs := e.reqRegion, e.reqMode, e.reqObserve
	e.reqRegion, e.reqMode, e.reqObserve = nil, nil, nil
	return region, mode, obs
}

// Mode returns the current mode.
func (e *Engine) Mode() Mode {
	e.stateMu.RLock()
	defer e.stateMu.RUnlock()
	return e.mode
}

// LastError returns the latest recorded failure.
func (e *Engine) LastError() (Diagnostic, bool) {
	return e.diag.get()
}

// Run ticks at the given interval until ctx is done.
func (e *Engine) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := e.Tick(ctx); err != nil {
				e.log.Error("Tick failed", "error", err)
			}
		}
	}
}

// Tick applies pending host requests, drains the queue and persists dirty
// regions. Persistence errors are returned; operation faults are recorded as
// diagnostics and never stop the drain.
func (e *Engine) Tick(ctx context.Context) error {
	var errs []error

	region, mode, obs := e.takeRequests()

	if mode != nil {
		if err := e.switchMode(ctx, *mode); err != nil {
			errs = append(errs, err)
		}
		if region == nil && !e.isLoaded() {
			active := e.tracker.Region()
			region = &active
		}
	}

	if region != nil && e.needsEntry(*region) {
		if err := e.enterRegion(ctx, *region); err != nil {
			errs = append(errs, err)
			e.reqMu.Lock()
			if e.reqRegion == nil {
				e.reqRegion = region
			}
			e.reqMu.Unlock()
		}
	}

	e.requestDownload()

	for _, op := range e.queue.Drain() {
		e.applyOperation(ctx, op)
	}

	if obs != nil {
		e.applyObservation(*obs)
	}

	if err := e.persist(ctx); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

// needsEntry reports whether regionID differs from the active region or the
// active region still has to be loaded.
func (e *Engine) needsEntry(regionID uint16) bool {
	if regionID != e.tracker.Region() {
		return true
	}
	return regionID != NoRegion && !e.isLoaded()
}

func (e *Engine) isLoaded() bool {
	e.stateMu.RLock()
	defer e.stateMu.RUnlock()
	return e.loaded
}

func (e *Engine) online() bool {
	return e.Mode() == ModeOnline
}

// loadRegion reads a region from storage. Offline sessions only ever see
// locally observed markers.
func (e *Engine) loadRegion(ctx context.Context, regionID uint16) ([]core.Marker, error) {
	markers, err := e.backend.LoadRegion(ctx, regionID)
	if err != nil {
		return nil, err
	}
	if e.online() {
		return markers, nil
	}
	seen := markers[:0]
	for _, m := range markers {
		if m.Seen {
			seen = append(seen, m)
		}
	}
	return seen, nil
}

func (e *Engine) floor(ctx context.Context, regionID uint16) (*cache.Floor, error) {
	return e.store.LoadOrCreate(ctx, regionID, e.loadRegion)
}

func (e *Engine) switchMode(ctx context.Context, mode Mode) error {
	e.stateMu.Lock()
	if e.mode == mode {
		e.stateMu.Unlock()
		return nil
	}
	e.mode = mode
	e.loaded = false
	e.ephemeral = nil
	e.recompute = true
	e.stateMu.Unlock()

	e.log.Info("Switching mode", "mode", mode)
	e.tracker.SetEnabled(e.syncEnabled && mode == ModeOnline)
	e.resetSent()

	if mode != ModeOffline {
		return nil
	}
	e.store.ClearAll()
	if err := e.backend.PurgeUnseen(ctx); err != nil {
		return fmt.Errorf("purging unseen markers: %w", err)
	}
	return nil
}

func (e *Engine) enterRegion(ctx context.Context, regionID uint16) error {
	e.tracker.ChangeRegion(regionID)
	e.diag.clear()
	e.resetSent()

	e.stateMu.Lock()
	e.loaded = false
	e.ephemeral = nil
	e.recompute = true
	e.stateMu.Unlock()

	if regionID == NoRegion {
		return nil
	}

	if _, ok := e.store.Get(regionID); !ok {
		markers, err := e.loadRegion(ctx, regionID)
		if err != nil {
			return fmt.Errorf("loading region %d: %w", regionID, err)
		}
		e.store.Replace(regionID, markers)
	}

	e.stateMu.Lock()
	e.loaded = true
	e.stateMu.Unlock()

	e.log.Debug("Entered region", "region", regionID, "sync", e.tracker.State())
	return nil
}

func (e *Engine) requestDownload() {
	if e.scheduler == nil || !e.online() || !e.isLoaded() {
		return
	}
	region := e.tracker.Region()
	if region == NoRegion {
		return
	}
	if e.tracker.Begin(region) {
		e.log.Debug("Requesting download", "region", region)
		e.scheduler.Download(region)
	}
}

func (e *Engine) signalRecompute(regionID uint16) {
	if regionID != e.tracker.Region() {
		return
	}
	e.stateMu.Lock()
	e.recompute = true
	e.stateMu.Unlock()
}

func (e *Engine) applyOperation(ctx context.Context, op Operation) {
	kind := attribute.String("operation", op.operation())

	if err := e.apply(ctx, op); err != nil {
		e.failed.Add(ctx, 1, metric.WithAttributes(kind))
		e.diag.record(e.now(), err.Error())
		e.log.Error("Failed to apply operation", "operation", op.operation(), "error", err)

		if d, ok := op.(DownloadResult); ok {
			e.tracker.Fail(d.RegionID)
		}
		return
	}
	e.applied.Add(ctx, 1, metric.WithAttributes(kind))
}

func (e *Engine) apply(ctx context.Context, op Operation) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s: panic: %v", op.operation(), r)
		}
	}()

	switch op := op.(type) {
	case DownloadResult:
		return e.applyDownload(ctx, op)
	case UploadResult:
		return e.applyUpload(ctx, op)
	case MarkSeenResult:
		return e.applyMarkSeen(ctx, op)
	case ImportJob:
		return e.applyImport(ctx, op)
	default:
		return fmt.Errorf("unknown operation %T", op)
	}
}

// usable reports whether a remote result may touch the store at all.
func (e *Engine) usable(success bool, markers []core.Marker) bool {
	return e.tracker.Enabled() && success && len(markers) > 0
}

// attachNetworkIDs copies network ids onto matching local markers. Local
// fields always win. Unmatched markers are inserted only if insert is set.
func attachNetworkIDs(f *cache.Floor, remote []core.Marker, insert bool) {
	for _, r := range remote {
		if !r.Kind.Permanent() {
			continue
		}
		matched := f.Update(r.MarkerKey, func(s *core.MarkerStatus) bool {
			if r.NetworkID == "" || s.NetworkID == r.NetworkID {
				return false
			}
			s.NetworkID = r.NetworkID
			return true
		})
		if matched || !insert {
			continue
		}
		f.Insert(core.Marker{
			MarkerKey: r.MarkerKey,
			MarkerStatus: core.MarkerStatus{
				NetworkID:    r.NetworkID,
				RemoteSeenOn: r.RemoteSeenOn,
			},
		})
	}
}

func (e *Engine) applyDownload(ctx context.Context, op DownloadResult) error {
	if e.usable(op.Success, op.Markers) {
		f, err := e.floor(ctx, op.RegionID)
		if err != nil {
			return fmt.Errorf("download: %w", err)
		}
		attachNetworkIDs(f, op.Markers, true)
	}

	if e.tracker.Finish(op.RegionID, op.Success) {
		e.log.Debug("Download finished", "region", op.RegionID, "success", op.Success, "markers", len(op.Markers))
	}
	e.touch(op.RegionID)
	return nil
}

func (e *Engine) applyUpload(ctx context.Context, op UploadResult) error {
	if e.usable(op.Success, op.Markers) {
		f, err := e.floor(ctx, op.RegionID)
		if err != nil {
			return fmt.Errorf("upload: %w", err)
		}
		attachNetworkIDs(f, op.Markers, false)
	}
	e.touch(op.RegionID)
	return nil
}

func (e *Engine) applyMarkSeen(ctx context.Context, op MarkSeenResult) error {
	if op.AccountID != "" && e.usable(op.Success, op.Markers) {
		f, err := e.floor(ctx, op.RegionID)
		if err != nil {
			return fmt.Errorf("mark seen: %w", err)
		}
		for _, r := range op.Markers {
			f.Update(r.MarkerKey, func(s *core.MarkerStatus) bool {
				return s.AddRemoteSeen(op.AccountID)
			})
		}
	}
	e.touch(op.RegionID)
	return nil
}

// touch requests a save of a materialized region after any sync result, and
// a layout recompute when it is the active one.
func (e *Engine) touch(regionID uint16) {
	if f, ok := e.store.Get(regionID); ok {
		f.MarkDirty()
	}
	e.signalRecompute(regionID)
}

func (e *Engine) applyImport(ctx context.Context, op ImportJob) error {
	if e.importer == nil {
		err := errors.New("import: no importer configured")
		if op.Done != nil {
			op.Done(importer.Result{}, err)
		}
		return err
	}

	res, err := e.importer.Apply(ctx, op.Snapshot)
	if op.Done != nil {
		op.Done(res, err)
	}
	if err != nil {
		return fmt.Errorf("import: %w", err)
	}

	for _, id := range res.Regions {
		e.signalRecompute(id)
	}
	e.log.Info("Applied import", "id", res.ExportID, "regions", len(res.Regions), "removed", res.Removed)
	return nil
}

// applyObservation marks visible permanent markers as seen, inserting the ones
// not known yet, and replaces the ephemeral set when it changed.
func (e *Engine) applyObservation(obs observation) {
	if obs.regionID == NoRegion || obs.regionID != e.tracker.Region() || !e.isLoaded() {
		return
	}
	f, ok := e.store.Get(obs.regionID)
	if !ok {
		return
	}

	changed := false
	var ephemeral []core.Marker
	for _, key := range obs.visible {
		if !key.Kind.Permanent() {
			if !containsKey(ephemeral, key) {
				ephemeral = append(ephemeral, core.Marker{MarkerKey: key, MarkerStatus: core.MarkerStatus{Seen: true}})
			}
			continue
		}

		known := f.Update(key, func(s *core.MarkerStatus) bool {
			if s.Seen {
				return false
			}
			s.Seen = true
			changed = true
			return true
		})
		if !known {
			f.Insert(core.Marker{MarkerKey: key, MarkerStatus: core.MarkerStatus{Seen: true}})
			changed = true
		}
	}

	e.stateMu.Lock()
	if !sameKeys(e.ephemeral, ephemeral) {
		e.ephemeral = ephemeral
		changed = true
	}
	if changed {
		e.recompute = true
	}
	e.stateMu.Unlock()
}

func containsKey(markers []core.Marker, key core.MarkerKey) bool {
	for _, m := range markers {
		if m.Matches(key) {
			return true
		}
	}
	return false
}

func sameKeys(a, b []core.Marker) bool {
	if len(a) != len(b) {
		return false
	}
	for _, m := range a {
		if !containsKey(b, m.MarkerKey) {
			return false
		}
	}
	return true
}

// persist saves every dirty region and, once the active region is synced,
// schedules uploads and acknowledgements for what the service lacks.
func (e *Engine) persist(ctx context.Context) error {
	var errs []error
	active := e.tracker.Region()

	for _, id := range e.store.DirtyRegions() {
		f, ok := e.store.Get(id)
		if !ok {
			continue
		}
		var keep []core.Marker
		for _, m := range f.Markers() {
			if m.Justified() {
				keep = append(keep, m)
			}
		}
		if err := e.backend.SaveRegion(ctx, id, keep); err != nil {
			errs = append(errs, fmt.Errorf("saving region %d: %w", id, err))
			continue
		}
		if id == active {
			e.scheduleUploads(id, keep)
		}
	}
	return errors.Join(errs...)
}

func (e *Engine) scheduleUploads(regionID uint16, markers []core.Marker) {
	if e.scheduler == nil || !e.online() || e.tracker.State() != syncstate.Complete {
		return
	}

	account := e.scheduler.AccountID()
	var upload, markSeen []core.Marker
	for _, m := range markers {
		if !m.Kind.Permanent() || !m.Seen {
			continue
		}
		switch {
		case m.NetworkID == "":
			if _, sent := e.uploadsSent[m.MarkerKey]; !sent {
				upload = append(upload, m)
			}
		case account != "" && !m.RemoteSeenBy(account):
			if _, sent := e.markSeenSent[m.MarkerKey]; !sent {
				markSeen = append(markSeen, m)
			}
		}
	}
	for _, m := range upload {
		e.uploadsSent[m.MarkerKey] = struct{}{}
	}
	for _, m := range markSeen {
		e.markSeenSent[m.MarkerKey] = struct{}{}
	}

	if len(upload) > 0 {
		e.log.Debug("Scheduling upload", "region", regionID, "markers", len(upload))
		e.scheduler.Upload(regionID, upload)
	}
	if len(markSeen) > 0 {
		e.log.Debug("Scheduling mark seen", "region", regionID, "markers", len(markSeen))
		e.scheduler.MarkSeen(regionID, markSeen)
	}
}

// resetSent forgets what was handed to the scheduler. A failed upload is only
// attempted again on the next visit.
func (e *Engine) resetSent() {
	clear(e.uploadsSent)
	clear(e.markSeenSent)
}

// View returns the active region's markers and consumes the recompute flag.
// Offline sessions show only locally observed markers.
func (e *Engine) View() View {
	region := e.tracker.Region()

	e.stateMu.Lock()
	v := View{
		RegionID:  region,
		Ephemeral: append([]core.Marker(nil), e.ephemeral...),
		Recompute: e.recompute,
	}
	e.recompute = false
	online, loaded := e.mode == ModeOnline, e.loaded
	e.stateMu.Unlock()

	if !loaded {
		return v
	}
	if f, ok := e.store.Get(region); ok {
		for _, m := range f.Markers() {
			if m.Seen || online {
				v.Markers = append(v.Markers, m)
			}
		}
	}
	return v
}

// Status reports the engine state for monitoring.
func (e *Engine) Status() Status {
	region, state := e.tracker.Snapshot()
	s := Status{
		Mode:        e.Mode().String(),
		RegionID:    region,
		SyncState:   state.String(),
		QueueLength: e.queue.Len(),
		Regions:     e.store.Len(),
	}
	if f, ok := e.store.Get(region); ok {
		s.Markers = f.Len()
	}
	if d, ok := e.diag.get(); ok {
		s.LastError = &d
	}
	return s
}
