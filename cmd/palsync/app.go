package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/viper"

	"github.com/palacepal/palsync/internal/config"
	"github.com/palacepal/palsync/internal/database"
	"github.com/palacepal/palsync/internal/logging"
	intOtel "github.com/palacepal/palsync/internal/otel"
	"github.com/palacepal/palsync/internal/storage"
)

// loadConfig registers defaults and reads the config file when a directory
// was given. A missing file is not fatal.
func loadConfig(dir string) error {
	if dir == "" {
		config.SetDefaults()
		return nil
	}
	if err := config.Load(dir); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config, using defaults: %v\n", err)
	}
	return nil
}

func level() string {
	if logLevel != "" {
		return logLevel
	}
	return config.GetString("logLevel")
}

// runtime holds the ambient services shared by every subcommand.
type runtime struct {
	Logs    *logging.SlogManager
	Log     *slog.Logger
	ZLog    zerolog.Logger
	OTel    *intOtel.Provider
	Backend storage.Backend

	closers []io.Closer
}

// setupLogging opens the session log file and builds the slog pipeline.
// Console output is only used when toFile is false, since 'run' owns stdout.
func setupLogging(toFile bool, ctxProvider logging.ContextProvider) (*runtime, error) {
	rt := &runtime{Logs: logging.NewSlogManager()}

	var logWriter io.Writer
	if toFile {
		logsDir := config.GetString("logsDir")
		if err := os.MkdirAll(logsDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating logs dir: %w", err)
		}
		path := logging.LogFilePath(logsDir, "palsync", time.Now())
		f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0o666)
		if err != nil {
			return nil, fmt.Errorf("opening log file %s: %w", path, err)
		}
		logWriter = f
		rt.closers = append(rt.closers, f)
	}

	provider, err := intOtel.New(config.GetOTelConfig(), logWriter)
	if err != nil {
		fmt.Fprintf(os.Stderr, "OTel disabled: %v\n", err)
		provider, _ = intOtel.New(config.OTelConfig{}, nil)
	}
	rt.OTel = provider

	if gcfg := config.GetGraylogConfig(); gcfg.Enabled {
		h, closer, err := logging.NewGELFHandler(gcfg, level())
		if err != nil {
			fmt.Fprintf(os.Stderr, "Graylog disabled: %v\n", err)
		} else {
			rt.Logs.AddHandler(h)
			rt.closers = append(rt.closers, closer)
		}
	}
	rt.Logs.SetContext(ctxProvider)

	rt.Logs.Setup(logWriter, level(), provider.LoggerProvider())
	rt.Log = rt.Logs.Logger()
	rt.ZLog = logging.NewZerolog(logWriter, level(), "palsync")
	return rt, nil
}

// openStorage creates and initializes the configured storage backend.
func (rt *runtime) openStorage() error {
	cfg := config.GetStorageConfig()
	backend, err := storage.NewBackend(cfg, database.NewManager(rt.ZLog), rt.Log)
	if err != nil {
		return err
	}
	if err := backend.Init(); err != nil {
		return fmt.Errorf("initializing %s storage: %w", cfg.Type, err)
	}
	rt.Backend = backend
	rt.Log.Info("Storage ready", "type", cfg.Type)
	return nil
}

// Close releases everything in reverse order of acquisition.
func (rt *runtime) Close() error {
	var errs []error
	if rt.Backend != nil {
		errs = append(errs, rt.Backend.Close())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if rt.OTel != nil {
		errs = append(errs, rt.OTel.Shutdown(ctx))
	}

	for i := len(rt.closers) - 1; i >= 0; i-- {
		errs = append(errs, rt.closers[i].Close())
	}
	return errors.Join(errs...)
}

// sourceURL identifies this installation in exported snapshots.
func sourceURL() string {
	return viper.GetString("remote.serverUrl")
}
