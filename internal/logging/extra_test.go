package logging

import (
	"bytes"
	"compress/gzip"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/palacepal/palsync/internal/config"
)

func TestContextHandler_AddsDynamicAttrs(t *testing.T) {
	var buf bytes.Buffer
	region := 1
	h := NewContextHandler(slog.NewTextHandler(&buf, nil), func() []slog.Attr {
		return []slog.Attr{slog.Int("region", region)}
	})
	logger := slog.New(h).With("component", "engine")

	logger.Info("first")
	region = 2
	logger.WithGroup("").Info("second")

	out := buf.String()
	assert.Contains(t, out, "component=engine region=1")
	assert.Contains(t, out, "region=2")
}

func TestNewGELFHandler_Disabled(t *testing.T) {
	_, _, err := NewGELFHandler(config.GraylogConfig{}, "info")
	assert.Error(t, err)
}

func TestNewGELFHandler_SendsRecords(t *testing.T) {
	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer conn.Close()

	h, closer, err := NewGELFHandler(config.GraylogConfig{Enabled: true, Address: conn.LocalAddr().String()}, "info")
	require.NoError(t, err)
	defer closer.Close()

	slog.New(h).Info("marker uploaded", "region", 561)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	packet := make([]byte, 8192)
	n, _, err := conn.ReadFrom(packet)
	require.NoError(t, err)

	zr, err := gzip.NewReader(bytes.NewReader(packet[:n]))
	require.NoError(t, err)
	body, err := io.ReadAll(zr)
	require.NoError(t, err)
	assert.Contains(t, string(body), "marker uploaded")
	assert.Contains(t, string(body), "palsync")
}

func TestNewZerolog(t *testing.T) {
	var buf bytes.Buffer
	logger := NewZerolog(&buf, "warn", "influx")

	logger.Info().Msg("hidden")
	logger.Warn().Str("bucket", "palsync").Msg("shown")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "shown")
	assert.Contains(t, out, "component=influx")
}

func TestParseZerologLevel(t *testing.T) {
	assert.Equal(t, "trace", parseZerologLevel("TRACE").String())
	assert.Equal(t, "debug", parseZerologLevel("debug").String())
	assert.Equal(t, "error", parseZerologLevel("Error").String())
	assert.Equal(t, "info", parseZerologLevel("").String())
}
