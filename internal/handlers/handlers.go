// Package handlers implements the host commands on top of the engine.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/palacepal/palsync/internal/dispatcher"
	"github.com/palacepal/palsync/internal/importer"
	"github.com/palacepal/palsync/internal/parser"
	"github.com/palacepal/palsync/internal/reconcile"
	"github.com/palacepal/palsync/internal/remote"
	"github.com/palacepal/palsync/pkg/core"
)

// Command names understood by the host boundary.
const (
	CmdRegion  = ":REGION:"
	CmdObserve = ":OBSERVE:"
	CmdMode    = ":MODE:"
	CmdView    = ":VIEW:"
	CmdImport  = ":IMPORT:"
	CmdExport  = ":EXPORT:"
	CmdStats   = ":STATS:"
	CmdStatus  = ":STATUS:"
)

// Engine is the part of the reconciliation engine the host drives.
type Engine interface {
	SetRegion(regionID uint16)
	Observe(regionID uint16, visible []core.MarkerKey)
	SetMode(mode reconcile.Mode)
	Submit(op reconcile.Operation)
	View() reconcile.View
}

// StatisticsSource fetches per-region statistics from the sync service.
type StatisticsSource interface {
	FetchStatistics(ctx context.Context) ([]core.FloorStatistics, error)
}

// StatusReporter renders the current engine status.
type StatusReporter interface {
	ReportJSON() (string, error)
}

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Engine  Engine
	Parser  *parser.Parser
	Store   importer.Source
	Stats   StatisticsSource
	Monitor StatusReporter
	// SourceURL identifies this installation in exported snapshots.
	SourceURL string
	Timeout   time.Duration
	Logger    *slog.Logger
}

// Service provides handler methods for host commands
type Service struct {
	deps Dependencies
	log  *slog.Logger
}

// NewService creates a new handler service
func NewService(deps Dependencies) *Service {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Parser == nil {
		deps.Parser = parser.NewParser(deps.Logger)
	}
	if deps.Timeout <= 0 {
		deps.Timeout = 30 * time.Second
	}
	return &Service{deps: deps, log: deps.Logger.With("component", "handlers")}
}

// Register wires every command into d. Observations arrive every frame and
// are buffered; the rest are answered synchronously.
func (s *Service) Register(d *dispatcher.Dispatcher) {
	d.Register(CmdRegion, s.handle(s.SetRegion), dispatcher.Logged())
	d.Register(CmdObserve, s.handle(s.Observe), dispatcher.Buffered(256))
	d.Register(CmdMode, s.handle(s.SetMode), dispatcher.Logged())
	d.Register(CmdView, s.handle(s.View))
	d.Register(CmdImport, s.handle(s.Import), dispatcher.Logged())
	d.Register(CmdExport, s.handle(s.Export), dispatcher.Logged())
	d.Register(CmdStats, s.handle(s.Statistics), dispatcher.Logged())
	d.Register(CmdStatus, s.handle(s.Status))
}

func (s *Service) handle(fn func([]string) (any, error)) dispatcher.HandlerFunc {
	return func(e dispatcher.Event) (any, error) {
		return fn(e.Args)
	}
}

func (s *Service) context() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), s.deps.Timeout)
}

// SetRegion requests entering a region. Region 0 means no region.
func (s *Service) SetRegion(args []string) (any, error) {
	regionID, err := s.deps.Parser.ParseRegion(args)
	if err != nil {
		return nil, err
	}
	s.deps.Engine.SetRegion(regionID)
	return "ok", nil
}

// Observe reports the markers currently visible in a region.
func (s *Service) Observe(args []string) (any, error) {
	regionID, visible, err := s.deps.Parser.ParseObservation(args)
	if err != nil {
		return nil, err
	}
	s.deps.Engine.Observe(regionID, visible)
	return "ok", nil
}

// SetMode switches between online and offline operation.
func (s *Service) SetMode(args []string) (any, error) {
	raw, err := s.deps.Parser.ParseMode(args)
	if err != nil {
		return nil, err
	}
	mode, err := reconcile.ParseMode(raw)
	if err != nil {
		return nil, err
	}
	s.deps.Engine.SetMode(mode)
	return mode.String(), nil
}

type viewResponse struct {
	RegionID  uint16        `json:"regionId"`
	Recompute bool          `json:"recompute"`
	Markers   []core.Marker `json:"markers"`
	Ephemeral []core.Marker `json:"ephemeral"`
}

// View returns the markers to draw for the active region as JSON.
func (s *Service) View(_ []string) (any, error) {
	v := s.deps.Engine.View()
	out, err := json.Marshal(viewResponse{
		RegionID:  v.RegionID,
		Recompute: v.Recompute,
		Markers:   v.Markers,
		Ephemeral: v.Ephemeral,
	})
	if err != nil {
		return nil, fmt.Errorf("encoding view: %w", err)
	}
	return string(out), nil
}

// Import decodes a snapshot file and queues it for the engine. The outcome
// is logged once the engine applied it.
func (s *Service) Import(args []string) (any, error) {
	path, err := s.deps.Parser.ParseImport(args)
	if err != nil {
		return nil, err
	}
	snap, err := importer.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if _, err := importer.Validate(snap); err != nil {
		return nil, fmt.Errorf("invalid snapshot %s: %w", path, err)
	}

	s.deps.Engine.Submit(reconcile.ImportJob{
		Snapshot: snap,
		Done: func(res importer.Result, err error) {
			s.logImport(path, res, err)
		},
	})
	return "queued", nil
}

func (s *Service) logImport(path string, res importer.Result, err error) {
	if err != nil {
		s.log.Error("Import failed", "path", path, "error", err)
		return
	}
	attrs := []any{
		"path", path,
		"exportId", res.ExportID.String(),
		"regions", len(res.Regions),
		"superseded", len(res.Superseded),
		"removed", res.Removed,
	}
	for kind, n := range res.Imported {
		attrs = append(attrs, kind.String(), n)
	}
	s.log.Info("Import complete", attrs...)
}

// Export writes the stored permanent markers to a snapshot file.
func (s *Service) Export(args []string) (any, error) {
	req, err := s.deps.Parser.ParseExport(args)
	if err != nil {
		return nil, err
	}
	if s.deps.Store == nil {
		return nil, errors.New("export: no storage configured")
	}

	ctx, cancel := s.context()
	defer cancel()

	snap, err := importer.Export(ctx, s.deps.Store, importer.ExportOptions{
		SourceURL:           s.deps.SourceURL,
		MinAcknowledgements: req.MinAcknowledgements,
	})
	if err != nil {
		return nil, fmt.Errorf("export: %w", err)
	}
	if err := importer.WriteFile(req.Path, snap); err != nil {
		return nil, err
	}
	s.log.Info("Export written", "path", req.Path, "regions", len(snap.Floors), "exportId", snap.ExportID)
	return snap.ExportID, nil
}

// Statistics fetches per-region counts from the sync service. Accounts
// without access get an empty result rather than an error.
func (s *Service) Statistics(_ []string) (any, error) {
	if s.deps.Stats == nil {
		return nil, errors.New("statistics: sync service not configured")
	}

	ctx, cancel := s.context()
	defer cancel()

	stats, err := s.deps.Stats.FetchStatistics(ctx)
	if errors.Is(err, remote.ErrPermissionDenied) {
		s.log.Info("Statistics not available for this account")
		return "[]", nil
	}
	if err != nil {
		return nil, err
	}

	out, err := json.Marshal(stats)
	if err != nil {
		return nil, fmt.Errorf("encoding statistics: %w", err)
	}
	return string(out), nil
}

// Status returns the monitor report as JSON.
func (s *Service) Status(_ []string) (any, error) {
	if s.deps.Monitor == nil {
		return nil, errors.New("status: monitor not configured")
	}
	return s.deps.Monitor.ReportJSON()
}
