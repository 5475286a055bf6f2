package importer

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/klauspost/compress/zstd"

	"github.com/palacepal/palsync/pkg/core"
)

// Compression selects the container format of an encoded snapshot.
type Compression int

const (
	CompressionNone Compression = iota
	CompressionGzip
	CompressionZstd
)

var (
	gzipMagic = []byte{0x1f, 0x8b}
	zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}
)

// CompressionForPath picks a compression from a file extension.
func CompressionForPath(path string) Compression {
	switch {
	case strings.HasSuffix(path, ".zst"):
		return CompressionZstd
	case strings.HasSuffix(path, ".gz"):
		return CompressionGzip
	default:
		return CompressionNone
	}
}

// Encode writes snap as JSON wrapped in the requested compression.
func Encode(w io.Writer, snap *core.ExportSnapshot, c Compression) error {
	switch c {
	case CompressionGzip:
		gz := gzip.NewWriter(w)
		if err := json.NewEncoder(gz).Encode(snap); err != nil {
			gz.Close()
			return fmt.Errorf("encoding snapshot: %w", err)
		}
		return gz.Close()
	case CompressionZstd:
		enc, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			return err
		}
		if err := json.NewEncoder(enc).Encode(snap); err != nil {
			enc.Close()
			return fmt.Errorf("encoding snapshot: %w", err)
		}
		return enc.Close()
	default:
		if err := json.NewEncoder(w).Encode(snap); err != nil {
			return fmt.Errorf("encoding snapshot: %w", err)
		}
		return nil
	}
}

// Decode reads a snapshot, detecting gzip and zstd framing from the first bytes.
func Decode(r io.Reader) (*core.ExportSnapshot, error) {
	br := bufio.NewReader(r)
	head, _ := br.Peek(len(zstdMagic))

	var src io.Reader = br
	switch {
	case bytes.HasPrefix(head, zstdMagic):
		dec, err := zstd.NewReader(br)
		if err != nil {
			return nil, err
		}
		defer dec.Close()
		src = dec
	case bytes.HasPrefix(head, gzipMagic):
		gz, err := gzip.NewReader(br)
		if err != nil {
			return nil, err
		}
		defer gz.Close()
		src = gz
	}

	var snap core.ExportSnapshot
	if err := json.NewDecoder(src).Decode(&snap); err != nil {
		return nil, fmt.Errorf("decoding snapshot: %w", err)
	}
	return &snap, nil
}

// ReadFile decodes the snapshot stored at path.
func ReadFile(path string) (*core.ExportSnapshot, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Decode(f)
}

// WriteFile encodes snap to path, choosing compression from the extension.
func WriteFile(path string, snap *core.ExportSnapshot) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if err := Encode(f, snap, CompressionForPath(path)); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
