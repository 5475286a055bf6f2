// Package worker runs remote sync calls in the background and feeds their
// results back to the reconciliation engine.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/palacepal/palsync/internal/reconcile"
	"github.com/palacepal/palsync/internal/remote"
	"github.com/palacepal/palsync/pkg/core"
)

// Remote is the sync service. *remote.Client satisfies it.
type Remote interface {
	Download(ctx context.Context, regionID uint16) ([]core.Marker, error)
	Upload(ctx context.Context, regionID uint16, markers []core.Marker) ([]core.Marker, error)
	MarkSeen(ctx context.Context, regionID uint16, markers []core.Marker) ([]core.Marker, error)
	AccountID() string
}

// Sink receives completed operations. *reconcile.Engine satisfies it.
type Sink interface {
	Submit(op reconcile.Operation)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(op reconcile.Operation)

// Submit calls f(op).
func (f SinkFunc) Submit(op reconcile.Operation) { f(op) }

// Dependencies holds all dependencies for the worker manager
type Dependencies struct {
	Remote  Remote
	Sink    Sink
	Logger  *slog.Logger
	Timeout time.Duration
}

// Manager runs one goroutine per remote call. A download for a region that is
// already in flight is dropped, as is an upload or mark seen of the same
// marker batch.
type Manager struct {
	deps   Dependencies
	group  singleflight.Group
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

var _ reconcile.Scheduler = (*Manager)(nil)

// NewManager creates a new worker manager
func NewManager(deps Dependencies) *Manager {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Timeout <= 0 {
		deps.Timeout = 30 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{deps: deps, ctx: ctx, cancel: cancel}
}

// AccountID returns the account acknowledgements are recorded for.
func (m *Manager) AccountID() string {
	return m.deps.Remote.AccountID()
}

// Download fetches all markers of a region.
func (m *Manager) Download(regionID uint16) {
	m.spawn("download", fmt.Sprintf("download:%d", regionID), regionID, func(ctx context.Context) reconcile.Operation {
		markers, err := m.deps.Remote.Download(ctx, regionID)
		return reconcile.DownloadResult{RegionID: regionID, Success: m.ok("download", regionID, err), Markers: markers}
	})
}

// Upload submits locally observed markers.
func (m *Manager) Upload(regionID uint16, markers []core.Marker) {
	m.spawn("upload", batchKey("upload", regionID, markers), regionID, func(ctx context.Context) reconcile.Operation {
		got, err := m.deps.Remote.Upload(ctx, regionID, markers)
		return reconcile.UploadResult{RegionID: regionID, Success: m.ok("upload", regionID, err), Markers: got}
	})
}

// MarkSeen acknowledges markers for the current account.
func (m *Manager) MarkSeen(regionID uint16, markers []core.Marker) {
	m.spawn("mark_seen", batchKey("mark_seen", regionID, markers), regionID, func(ctx context.Context) reconcile.Operation {
		got, err := m.deps.Remote.MarkSeen(ctx, regionID, markers)
		return reconcile.MarkSeenResult{
			RegionID:  regionID,
			Success:   m.ok("mark seen", regionID, err),
			Markers:   got,
			AccountID: m.deps.Remote.AccountID(),
		}
	})
}

// ok logs a failed call. Permission denial is informational.
func (m *Manager) ok(op string, regionID uint16, err error) bool {
	switch {
	case err == nil:
		return true
	case errors.Is(err, remote.ErrPermissionDenied):
		m.deps.Logger.Info("Remote call not permitted", "op", op, "region", regionID)
	default:
		m.deps.Logger.Warn("Remote call failed", "op", op, "region", regionID, "error", err)
	}
	return false
}

// batchKey identifies a call by its markers, independent of their order.
func batchKey(kind string, regionID uint16, markers []core.Marker) string {
	keys := make([]string, 0, len(markers))
	for _, m := range markers {
		keys = append(keys, fmt.Sprintf("%s@%g,%g,%g", m.Kind, m.Position.X, m.Position.Y, m.Position.Z))
	}
	slices.Sort(keys)
	return fmt.Sprintf("%s:%d:%s", kind, regionID, strings.Join(keys, ";"))
}

func (m *Manager) spawn(kind, key string, regionID uint16, call func(context.Context) reconcile.Operation) {
	if m.ctx.Err() != nil {
		return
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		// Only the first caller for key runs; the rest wait and drop the result.
		_, _, _ = m.group.Do(key, func() (any, error) {
			m.deps.Sink.Submit(m.run(kind, regionID, call))
			return nil, nil
		})
	}()
}

func (m *Manager) run(kind string, regionID uint16, call func(context.Context) reconcile.Operation) (op reconcile.Operation) {
	ctx, cancel := context.WithTimeout(m.ctx, m.deps.Timeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			m.deps.Logger.Error("Remote call panicked", "op", kind, "region", regionID, "panic", r)
			op = failed(kind, regionID)
		}
	}()
	return call(ctx)
}

func failed(kind string, regionID uint16) reconcile.Operation {
	switch kind {
	case "upload":
		return reconcile.UploadResult{RegionID: regionID}
	case "mark_seen":
		return reconcile.MarkSeenResult{RegionID: regionID}
	default:
		return reconcile.DownloadResult{RegionID: regionID}
	}
}

// Close cancels in-flight calls and waits for their results to be submitted.
func (m *Manager) Close() {
	m.cancel()
	m.wg.Wait()
}
