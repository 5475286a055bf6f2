package logging

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/Graylog2/go-gelf/gelf"

	"github.com/palacepal/palsync/internal/config"
)

// NewGELFHandler returns a JSON handler that ships records to Graylog over
// UDP. The returned closer releases the connection.
func NewGELFHandler(cfg config.GraylogConfig, level string) (slog.Handler, io.Closer, error) {
	if !cfg.Enabled {
		return nil, nil, fmt.Errorf("graylog.enabled is false")
	}
	w, err := gelf.NewWriter(cfg.Address)
	if err != nil {
		return nil, nil, fmt.Errorf("creating GELF writer for %s: %w", cfg.Address, err)
	}
	w.Facility = "palsync"

	h := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: parseLevel(level)})
	return h, w, nil
}
