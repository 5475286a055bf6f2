package parser

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/palacepal/palsync/pkg/core"
)

func newTestParser() *Parser {
	return NewParser(slog.Default())
}

func TestNewParser(t *testing.T) {
	require.NotNil(t, NewParser(nil))
}

func TestParseUintFromFloat(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    uint64
		wantErr bool
	}{
		{"integer", "32", 32, false},
		{"zero", "0", 0, false},
		{"float with decimals", "32.00", 32, false},
		{"float with trailing zero", "30.0", 30, false},
		{"large integer", "65535", 65535, false},
		{"fractional rejects", "10.99", 0, true},
		{"empty string", "", 0, true},
		{"non-numeric", "abc", 0, true},
		{"negative", "-1", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseUintFromFloat(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				require.NoError(t, err)
				assert.Equal(t, tt.want, got)
			}
		})
	}
}

func TestParseRegion(t *testing.T) {
	p := newTestParser()

	tests := []struct {
		name    string
		input   []string
		want    uint16
		wantErr bool
	}{
		{"plain", []string{"561"}, 561, false},
		{"quoted float", []string{`"561.00"`}, 561, false},
		{"outside regions", []string{"0"}, 0, false},
		{"out of range", []string{"70000"}, 0, true},
		{"missing", nil, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := p.ParseRegion(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseMarker(t *testing.T) {
	p := newTestParser()

	key, err := p.ParseMarker("trap:1.5,-2,3")
	require.NoError(t, err)
	assert.Equal(t, core.MarkerKey{Kind: core.KindTrap, Position: core.Position3D{X: 1.5, Y: -2, Z: 3}}, key)

	for _, bad := range []string{"trap", "ghost:1,2,3", "hoard:1", "hoard:a,b,c", "trap:NaN,1,2", "trap:1,Inf,2"} {
		_, err := p.ParseMarker(bad)
		assert.Error(t, err, bad)
	}
}

func TestParseObservation(t *testing.T) {
	p := newTestParser()

	region, visible, err := p.ParseObservation([]string{
		"561", `"trap:1,2,3"`, "silver_coffer:4,5,6", "bogus", "hoard:7,8",
	})
	require.NoError(t, err)
	assert.Equal(t, uint16(561), region)
	require.Len(t, visible, 3)
	assert.Equal(t, core.KindSilverCoffer, visible[1].Kind)
	assert.Equal(t, core.Position3D{X: 7, Y: 8}, visible[2].Position)

	region, visible, err = p.ParseObservation([]string{"12"})
	require.NoError(t, err)
	assert.Equal(t, uint16(12), region)
	assert.Empty(t, visible)

	_, visible, err = p.ParseObservation([]string{"5", "trap:NaN,1,2", "trap:1,2,3"})
	require.NoError(t, err)
	require.Len(t, visible, 1, "non-finite coordinates are skipped")
	assert.Equal(t, core.Position3D{X: 1, Y: 2, Z: 3}, visible[0].Position)

	_, _, err = p.ParseObservation([]string{"x"})
	assert.Error(t, err)
}

func TestParseMode(t *testing.T) {
	p := newTestParser()
	mode, err := p.ParseMode([]string{`"Offline"`})
	require.NoError(t, err)
	assert.Equal(t, "offline", mode)

	_, err = p.ParseMode(nil)
	assert.Error(t, err)
}

func TestParseImportExport(t *testing.T) {
	p := newTestParser()

	path, err := p.ParseImport([]string{`"C:\exports\a.json.zst"`})
	require.NoError(t, err)
	assert.Equal(t, `C:\exports\a.json.zst`, path)

	_, err = p.ParseImport([]string{""})
	assert.Error(t, err)

	req, err := p.ParseExport([]string{"out.json.gz", "2"})
	require.NoError(t, err)
	assert.Equal(t, ExportRequest{Path: "out.json.gz", MinAcknowledgements: 2}, req)

	req, err = p.ParseExport([]string{"out.json"})
	require.NoError(t, err)
	assert.Equal(t, 0, req.MinAcknowledgements)

	_, err = p.ParseExport([]string{"out.json", "many"})
	assert.Error(t, err)
}
