package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/palacepal/palsync/internal/cache"
	"github.com/palacepal/palsync/internal/config"
	"github.com/palacepal/palsync/internal/importer"
	"github.com/palacepal/palsync/internal/influx"
	"github.com/palacepal/palsync/internal/monitor"
	"github.com/palacepal/palsync/internal/queue"
	"github.com/palacepal/palsync/internal/reconcile"
	"github.com/palacepal/palsync/internal/remote"
	"github.com/palacepal/palsync/internal/syncstate"
	"github.com/palacepal/palsync/internal/worker"
)

// session is one running engine together with its remote workers and
// monitoring.
type session struct {
	rt      *runtime
	tracker *syncstate.Tracker
	store   *cache.RegionStore
	queue   *queue.Queue[reconcile.Operation]

	Engine  *reconcile.Engine
	Remote  *remote.Client
	Workers *worker.Manager
	Monitor *monitor.Service
	Influx  *influx.Manager
}

func newTracker() *syncstate.Tracker {
	return syncstate.New(config.GetBool("sync.enabled"))
}

// trackerContext adds the active region and sync state to every log record.
func trackerContext(t *syncstate.Tracker) func() []slog.Attr {
	return func() []slog.Attr {
		region, state := t.Snapshot()
		return []slog.Attr{
			slog.Int("region", int(region)),
			slog.String("syncState", state.String()),
		}
	}
}

// newSession wires the engine. withRemote starts the sync service client and
// workers; without it the engine never schedules remote calls.
func newSession(ctx context.Context, rt *runtime, tracker *syncstate.Tracker, mode reconcile.Mode, withRemote bool) (*session, error) {
	s := &session{
		rt:      rt,
		tracker: tracker,
		store:   cache.NewRegionStore(),
		queue:   queue.New[reconcile.Operation](),
	}

	var scheduler reconcile.Scheduler
	if withRemote && tracker.Enabled() {
		client, err := remote.New(config.GetRemoteConfig(), remote.CertificateFromConfig(config.GetRemoteConfig()))
		if err != nil {
			return nil, fmt.Errorf("creating sync client: %w", err)
		}
		if err := client.Connect(ctx); err != nil {
			rt.Log.Warn("Sync service login failed, retrying on first call", "error", err)
		} else {
			rt.Log.Info("Connected to sync service", "url", client.BaseURL(), "account", client.AccountID())
		}
		s.Remote = client
		s.rememberAccountKey()
		s.Workers = worker.NewManager(worker.Dependencies{
			Remote:  client,
			Sink:    worker.SinkFunc(func(op reconcile.Operation) { s.queue.Push(op) }),
			Logger:  rt.Log.With("component", "worker"),
			Timeout: config.GetRemoteConfig().Timeout,
		})
		scheduler = s.Workers
	}

	engine, err := reconcile.New(reconcile.Dependencies{
		Store:     s.store,
		Tracker:   tracker,
		Queue:     s.queue,
		Backend:   rt.Backend,
		Importer:  importer.NewTranslator(s.store, rt.Backend.LoadRegion, rt.Backend),
		Scheduler: scheduler,
		Logger:    rt.Log.With("component", "engine"),
		Mode:      mode,
	})
	if err != nil {
		return nil, err
	}
	s.Engine = engine
	return s, nil
}

// startMonitoring samples the engine into the status file and, when enabled,
// InfluxDB.
func (s *session) startMonitoring(ctx context.Context) {
	deps := monitor.Dependencies{
		Engine:    s.Engine,
		Logger:    s.rt.Log.With("component", "monitor"),
		StatusDir: config.GetString("logsDir"),
		Interval:  time.Second,
	}

	if icfg := config.GetInfluxConfig(); icfg.Enabled {
		m := influx.NewManager(s.rt.ZLog.With().Str("component", "influx").Logger(), icfg)
		if err := m.Connect(ctx); err != nil {
			s.rt.Log.Warn("InfluxDB telemetry disabled", "error", err)
		} else {
			s.Influx = m
			deps.Writer = m
		}
	}

	s.Monitor = monitor.NewService(deps)
	s.Monitor.Start()
}

// rememberAccountKey keeps the key the service issued on registration, so the
// next session logs in to the same account.
func (s *session) rememberAccountKey() {
	if s.Remote == nil {
		return
	}
	key := s.Remote.AccountKey()
	if key == "" || key == config.GetRemoteConfig().AccountKey {
		return
	}
	saved, err := config.SaveAccountKey(key)
	switch {
	case err != nil:
		s.rt.Log.Warn("Failed to save issued account key", "account", s.Remote.AccountID(), "error", err)
	case saved:
		s.rt.Log.Info("Saved issued account key to config", "account", s.Remote.AccountID())
	default:
		s.rt.Log.Info("Registered sync account, set remote.accountKey to keep it",
			"account", s.Remote.AccountID(), "accountKey", key)
	}
}

// Close stops background work and persists what is left.
func (s *session) Close() error {
	if s.Monitor != nil {
		s.Monitor.Stop()
	}
	if s.Workers != nil {
		s.Workers.Close()
	}
	s.rememberAccountKey()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := s.Engine.Tick(ctx)
	if !s.queue.Empty() {
		s.rt.Log.Warn("Results left unapplied at shutdown", "operations", s.queue.Len())
	}

	if s.Influx != nil {
		if ierr := s.Influx.Close(); ierr != nil {
			s.rt.Log.Warn("Closing InfluxDB telemetry", "error", ierr)
		}
	}
	return err
}
