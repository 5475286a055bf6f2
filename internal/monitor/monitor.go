package monitor

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/palacepal/palsync/internal/reconcile"
)

// StatusFileName is written into the status directory on every sample.
const StatusFileName = "status.json"

// StatusProvider reports the engine state. *reconcile.Engine satisfies it.
type StatusProvider interface {
	Status() reconcile.Status
}

// StatusWriter receives every sample. *influx.Manager satisfies it.
type StatusWriter interface {
	WriteStatus(status reconcile.Status, at time.Time) error
}

// Dependencies holds all dependencies for the monitor service
type Dependencies struct {
	Engine    StatusProvider
	Writer    StatusWriter // optional
	Logger    *slog.Logger
	StatusDir string // optional; no status file when empty
	Interval  time.Duration
}

// Report is the JSON document written to the status file and returned to
// the host.
type Report struct {
	Time time.Time `json:"time"`
	reconcile.Status
}

// Service samples the engine status periodically.
type Service struct {
	deps      Dependencies
	isRunning bool
	mu        sync.RWMutex
	stopChan  chan struct{}
	done      chan struct{}
	now       func() time.Time
}

// NewService creates a new monitor service
func NewService(deps Dependencies) *Service {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Interval <= 0 {
		deps.Interval = time.Second
	}
	return &Service{deps: deps, now: time.Now}
}

// IsRunning returns whether the status monitor is running
func (s *Service) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}

// Report returns the current status.
func (s *Service) Report() Report {
	return Report{Time: s.now().UTC(), Status: s.deps.Engine.Status()}
}

// ReportJSON returns the current status as indented JSON.
func (s *Service) ReportJSON() (string, error) {
	b, err := json.MarshalIndent(s.Report(), "", "  ")
	if err != nil {
		return "", fmt.Errorf("encoding status: %w", err)
	}
	return string(b), nil
}

// Sample takes one status sample and hands it to the status file and writer.
func (s *Service) Sample() error {
	report := s.Report()

	if s.deps.StatusDir != "" {
		if err := writeStatusFile(filepath.Join(s.deps.StatusDir, StatusFileName), report); err != nil {
			return err
		}
	}
	if s.deps.Writer != nil {
		if err := s.deps.Writer.WriteStatus(report.Status, report.Time); err != nil {
			return fmt.Errorf("writing status sample: %w", err)
		}
	}
	return nil
}

func writeStatusFile(path string, report Report) error {
	b, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding status: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return fmt.Errorf("writing status file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("writing status file: %w", err)
	}
	return nil
}

// Start starts the status monitor goroutine
func (s *Service) Start() {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = true
	s.stopChan = make(chan struct{})
	s.done = make(chan struct{})
	stop, done := s.stopChan, s.done
	s.mu.Unlock()

	go func() {
		defer close(done)
		defer func() {
			s.mu.Lock()
			s.isRunning = false
			s.mu.Unlock()
		}()

		logger := s.deps.Logger
		logger.Debug("Starting status monitor", "interval", s.deps.Interval)

		ticker := time.NewTicker(s.deps.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if err := s.Sample(); err != nil {
					logger.Error("Status sample failed", "error", err)
				}
			}
		}
	}()
}

// Stop stops the status monitor and waits for it to exit.
func (s *Service) Stop() {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return
	}
	close(s.stopChan)
	done := s.done
	s.mu.Unlock()
	<-done
}
