package db

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/rfbench/internal/calibration"
	"github.com/banshee-data/rfbench/internal/result"
)

func TestCalibration_RoundTrip(t *testing.T) {
	db := setupTestDB(t)

	missing, err := db.LoadCalibration(calibration.KindLO)
	require.NoError(t, err)
	assert.Nil(t, missing)

	table := calibration.NewTable(calibration.KindLO)
	table.Set(0.55, -5, 1.11)
	table.Set(0.05, -5, 1.01)
	table.Set(0.05, 0, 1.2)
	require.NoError(t, db.SaveCalibration(table))

	got, err := db.LoadCalibration(calibration.KindLO)
	require.NoError(t, err)
	if diff := cmp.Diff(table.Entries, got.Entries); diff != "" {
		t.Errorf("entries mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, 1.01, got.Loss(0.05, -5))

	// Saving again replaces the whole table.
	smaller := calibration.NewTable(calibration.KindLO)
	smaller.Set(1.05, -5, 1.21)
	require.NoError(t, db.SaveCalibration(smaller))
	got, err = db.LoadCalibration(calibration.KindLO)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Len())
	assert.Equal(t, 0.0, got.Loss(0.05, -5))

	// Other kinds are untouched.
	rf, err := db.LoadCalibration(calibration.KindRF)
	require.NoError(t, err)
	assert.Nil(t, rf)
}

func TestCalibration_EmptyTableIsSaved(t *testing.T) {
	db := setupTestDB(t)
	require.NoError(t, db.SaveCalibration(calibration.NewTable(calibration.KindMod)))

	got, err := db.LoadCalibration(calibration.KindMod)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 0, got.Len())
}

func TestCalibration_StoreUsesDatabase(t *testing.T) {
	db := setupTestDB(t)
	store := calibration.NewStore(db)

	table := calibration.NewTable(calibration.KindMod)
	table.Set(11, 0, 1.002)
	require.NoError(t, store.Replace(table))

	reloaded := calibration.NewStore(db)
	require.NoError(t, reloaded.Load())
	assert.Equal(t, 1.002, reloaded.Lookup(calibration.KindMod, 11, -40))
	assert.Equal(t, map[calibration.Kind]int{
		calibration.KindLO:  0,
		calibration.KindRF:  0,
		calibration.KindMod: 1,
	}, reloaded.Summary())
}

func TestAdjustments_RoundTrip(t *testing.T) {
	db := setupTestDB(t)

	missing, err := db.LoadAdjustments("demod")
	require.NoError(t, err)
	assert.Nil(t, missing)

	table := result.NewAdjustmentTable([]string{"k_loss"})
	table.Set(0.05, 10, "k_loss", 0.5)
	table.Set(0.55, 20, "k_loss", -0.25)
	require.NoError(t, db.SaveAdjustments("demod", table))

	got, err := db.LoadAdjustments("demod")
	require.NoError(t, err)
	assert.Equal(t, 2, got.Len())
	assert.Equal(t, 0.5, got.Lookup(0.05, 10, "k_loss"))
	assert.Equal(t, -0.25, got.Lookup(0.55, 20, "k_loss"))

	require.NoError(t, db.DeleteAdjustments("demod"))
	require.NoError(t, db.DeleteAdjustments("demod"))
	got, err = db.LoadAdjustments("demod")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestAdjustments_AccumulatorTemplate(t *testing.T) {
	db := setupTestDB(t)
	profile := result.Profile{
		Name:         "loss",
		GroupKey:     "f_lo",
		XKey:         "f_if",
		PlotX:        "f_if",
		PlotY:        "k_loss",
		AdjustFields: []string{"k_loss"},
	}

	acc := result.NewAccumulator(profile, db)
	acc.AddPoint(result.NewRawPoint(result.KindPrimary, map[string]float64{"f_lo": 0.05, "f_if": 10, "k_loss": -3}))
	acc.AddPoint(result.NewRawPoint(result.KindPrimary, map[string]float64{"f_lo": 0.05, "f_if": 20, "k_loss": -3.1}))
	require.NoError(t, acc.SaveAdjustmentTemplate())

	fresh := result.NewAccumulator(profile, db)
	require.NoError(t, fresh.Clear())
	require.NotNil(t, fresh.Adjustments())
	assert.Equal(t, 2, fresh.Adjustments().Len())
}

func TestParameters_RoundTrip(t *testing.T) {
	db := setupTestDB(t)

	missing, err := db.LoadParameters("vco")
	require.NoError(t, err)
	assert.Nil(t, missing)

	values := map[string]interface{}{"u_vco_max": 8.5, "measure_harmonics": false, "note": "bench 2"}
	require.NoError(t, db.SaveParameters("vco", values))
	require.NoError(t, db.SaveParameters("vco", values))

	got, err := db.LoadParameters("vco")
	require.NoError(t, err)
	if diff := cmp.Diff(values, got); diff != "" {
		t.Errorf("parameters mismatch (-want +got):\n%s", diff)
	}
}

func TestAddresses(t *testing.T) {
	db := setupTestDB(t)
	require.NoError(t, db.SaveAddress("analyzer", "GPIB1::18::INSTR"))
	require.NoError(t, db.SaveAddress("source", "GPIB1::3::INSTR"))
	require.NoError(t, db.SaveAddress("analyzer", "GPIB1::20::INSTR"))

	got, err := db.Addresses()
	require.NoError(t, err)
	assert.Equal(t, map[string]string{
		"analyzer": "GPIB1::20::INSTR",
		"source":   "GPIB1::3::INSTR",
	}, got)
}

func TestRuns_Lifecycle(t *testing.T) {
	db := setupTestDB(t)

	run := &MeasurementRun{
		Device:    "vco",
		Operation: "measure",
		Params:    map[string]interface{}{"u_vco_max": 1.0},
		StartedAt: 1000,
	}
	require.NoError(t, db.CreateRun(run))
	_, err := uuid.Parse(run.ID)
	require.NoError(t, err, "run id should be a UUID")
	assert.Equal(t, RunRunning, run.Status)

	points := []result.RawPoint{
		result.NewRawPoint(result.KindPrimary, map[string]float64{"u_control": 0, "read_f": 994e6}),
		result.NewRawPoint(result.KindHarmonic, map[string]float64{"u_control": 0, "multiplier": 2}),
	}
	for i, p := range points {
		require.NoError(t, db.AppendRunPoint(run.ID, i, p))
	}
	require.NoError(t, db.FinishRun(run.ID, RunCompleted, len(points), nil))

	got, err := db.GetRun(run.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, RunCompleted, got.Status)
	assert.Equal(t, 2, got.Points)
	assert.Equal(t, 1.0, got.Params["u_vco_max"])
	assert.NotZero(t, got.FinishedAt)
	assert.Empty(t, got.Error)

	stored, err := db.RunPoints(run.ID)
	require.NoError(t, err)
	if diff := cmp.Diff(points, stored); diff != "" {
		t.Errorf("points mismatch (-want +got):\n%s", diff)
	}

	require.NoError(t, db.DeleteRun(run.ID))
	stored, err = db.RunPoints(run.ID)
	require.NoError(t, err)
	assert.Empty(t, stored)
}

func TestRuns_ListNewestFirst(t *testing.T) {
	db := setupTestDB(t)
	for i, op := range []string{"check", "calibrate", "measure"} {
		require.NoError(t, db.CreateRun(&MeasurementRun{Device: "demod", Operation: op, StartedAt: int64(100 + i)}))
	}
	failed := &MeasurementRun{Device: "demod", Operation: "measure", StartedAt: 50}
	require.NoError(t, db.CreateRun(failed))
	require.NoError(t, db.FinishRun(failed.ID, RunFailed, 0, errors.New("bus error")))

	runs, err := db.ListRuns(0)
	require.NoError(t, err)
	require.Len(t, runs, 4)
	ops := []string{runs[0].Operation, runs[1].Operation, runs[2].Operation}
	assert.Equal(t, []string{"measure", "calibrate", "check"}, ops)
	assert.Equal(t, "bus error", runs[3].Error)

	limited, err := db.ListRuns(2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestRuns_Missing(t *testing.T) {
	db := setupTestDB(t)
	got, err := db.GetRun("no-such-run")
	require.NoError(t, err)
	assert.Nil(t, got)

	err = db.FinishRun("no-such-run", RunCompleted, 0, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}
