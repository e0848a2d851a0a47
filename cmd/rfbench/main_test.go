package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/rfbench/internal/calibration"
	"github.com/banshee-data/rfbench/internal/config"
	"github.com/banshee-data/rfbench/internal/db"
)

func mockConfig(t *testing.T, device string) *config.BenchConfig {
	t.Helper()
	path := filepath.Join(t.TempDir(), "bench.db")
	mock := true
	return &config.BenchConfig{Database: &path, Mock: &mock, Device: &device}
}

func TestFlagDefaults(t *testing.T) {
	testCases := []struct {
		name string
		got  interface{}
		want interface{}
	}{
		{"config", *configFile, ""},
		{"db", *dbPath, ""},
		{"listen", *listen, ""},
		{"mock", *mock, false},
		{"device", *device, ""},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if tc.got != tc.want {
				t.Errorf("Expected %v, got %v", tc.want, tc.got)
			}
		})
	}

	cfg, err := loadConfig()
	require.NoError(t, err)
	assert.Nil(t, cfg.Addresses)
	assert.Equal(t, "vco", cfg.GetDevice())
	assert.Equal(t, "rfbench.db", cfg.GetDatabase())
}

func TestRun_Errors(t *testing.T) {
	cfg := mockConfig(t, "demod")
	testCases := []struct {
		name    string
		command string
		args    []string
	}{
		{"unknown command", "explode", nil},
		{"calibrate without kind", "calibrate", nil},
		{"calibrate unknown kind", "calibrate", []string{"phase"}},
		{"calibrate unsupported kind", "calibrate", []string{"mod"}},
		{"migrate without action", "migrate", nil},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			var out bytes.Buffer
			if err := run(context.Background(), cfg, tc.command, tc.args, &out); err == nil {
				t.Errorf("Expected an error for %s %v", tc.command, tc.args)
			}
		})
	}
}

func TestRun_Version(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, run(context.Background(), mockConfig(t, "vco"), "version", nil, &out))
	assert.True(t, strings.HasPrefix(out.String(), "rfbench dev"), out.String())
}

func TestRun_MeasureMock(t *testing.T) {
	cfg := mockConfig(t, "demod")
	var out bytes.Buffer
	require.NoError(t, run(context.Background(), cfg, "measure", nil, &out))

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Greater(t, len(lines), 1)
	assert.Contains(t, lines[0], "group")
	assert.Contains(t, lines[0], "k_loss")

	database, err := db.NewDB(cfg.GetDatabase())
	require.NoError(t, err)
	defer database.Close()
	runs, err := database.ListRuns(0)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "measure", runs[0].Operation)
	assert.Equal(t, db.RunCompleted, runs[0].Status)
	assert.Equal(t, "check", runs[1].Operation)
}

func TestRun_CalibrateMock(t *testing.T) {
	cfg := mockConfig(t, "demod")
	var out bytes.Buffer
	require.NoError(t, run(context.Background(), cfg, "calibrate", []string{"lo"}, &out))
	assert.True(t, strings.HasPrefix(out.String(), "lo calibration: "), out.String())

	database, err := db.NewDB(cfg.GetDatabase())
	require.NoError(t, err)
	defer database.Close()
	table, err := database.LoadCalibration(calibration.KindLO)
	require.NoError(t, err)
	require.NotNil(t, table)
	assert.Positive(t, table.Len())
}

func TestRun_Migrate(t *testing.T) {
	cfg := mockConfig(t, "vco")
	var out bytes.Buffer
	require.NoError(t, run(context.Background(), cfg, "migrate", []string{"up"}, &out))
	out.Reset()
	require.NoError(t, run(context.Background(), cfg, "migrate", []string{"status"}, &out))
	assert.Contains(t, out.String(), "Current version")
	assert.NotContains(t, out.String(), "Pending")
	assert.Contains(t, out.String(), "Latest available: 2")
}

func TestRun_ParamsExportAndApply(t *testing.T) {
	cfg := mockConfig(t, "demod")
	dir := t.TempDir()
	exported := filepath.Join(dir, "demod.json")

	var out bytes.Buffer
	require.NoError(t, run(context.Background(), cfg, "params", []string{exported}, &out))
	loaded := config.NewParameterSet()
	require.NoError(t, config.LoadParameters(exported, loaded))
	assert.Equal(t, 3.05, loaded.Float("f_lo_max"))

	small := filepath.Join(dir, "small.json")
	require.NoError(t, os.WriteFile(small, []byte(`{"f_lo_min":0.05,"f_lo_max":0.55,"f_lo_delta":0.5,
		"f_if_min":10,"f_if_max":20,"f_if_delta":10}`), 0o644))

	*paramsFile = small
	defer func() { *paramsFile = "" }()

	out.Reset()
	require.NoError(t, run(context.Background(), cfg, "measure", nil, &out))

	database, err := db.NewDB(cfg.GetDatabase())
	require.NoError(t, err)
	defer database.Close()
	runs, err := database.ListRuns(1)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, 0.55, runs[0].Params["f_lo_max"])
	// Parameters the file leaves out fall back to their defaults.
	assert.Equal(t, 5.0, runs[0].Params["u_src"])
}
