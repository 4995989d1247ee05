package kalman_test

import (
	"math"
	"testing"
	"time"

	"github.com/kalcast/kalcast/kalman"
	"github.com/kalcast/kalcast/kalman/models"
	"github.com/kalcast/kalcast/timeseries"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func pmDataset(t *testing.T) *timeseries.Dataset {
	t.Helper()
	ds, err := timeseries.NewDataset(
		[]string{"seoul"},
		[]time.Time{time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)},
		24*time.Hour,
		[]string{"pm10"},
		[]*mat.Dense{mat.NewDense(3, 1, []float64{1, math.NaN(), 2})},
	)
	require.NoError(t, err)
	return ds
}

func runForExport(t *testing.T) *kalman.StateBeliefOverTime {
	t.Helper()
	obs := []*mat.Dense{mat.NewDense(3, 1, []float64{1, math.NaN(), 2})}
	ot, err := kalman.NewFilter(levelDesign(t, 1, 4)).Run(obs)
	require.NoError(t, err)
	return ot
}

func TestToFramePredictions(t *testing.T) {
	ot := runForExport(t)
	ds := pmDataset(t)

	frame, err := ot.ToFrame(ds, kalman.ExportPredictions)
	require.NoError(t, err)
	require.Equal(t, []string{"group", "time", "measure", "mean", "lower", "upper", "actual"},
		frame.Columns())
	require.Equal(t, 4, frame.Len())

	row := frame.Row(0)
	require.Equal(t, "seoul", row[0])
	require.Equal(t, time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC), row[1])
	require.Equal(t, "pm10", row[2])
	require.InDelta(t, 0, row[3].(float64), 1e-9)
	require.InDelta(t, -1.96*math.Sqrt(11), row[4].(float64), 1e-9)
	require.InDelta(t, 1.96*math.Sqrt(11), row[5].(float64), 1e-9)
	require.InDelta(t, 1, row[6].(float64), 1e-9)

	// NaN in the source data stays NaN in the export
	require.True(t, math.IsNaN(frame.Row(1)[6].(float64)))

	// the forecast row gets a real timestamp past the data and no actual
	last := frame.Row(3)
	require.Equal(t, time.Date(2023, 1, 4, 0, 0, 0, 0, time.UTC), last[1])
	require.InDelta(t, 1.4827586206896552, last[3].(float64), 1e-9)
	require.True(t, math.IsNaN(last[6].(float64)))
}

func TestToFramePredictionsStd(t *testing.T) {
	ot := runForExport(t)
	frame, err := ot.ToFrame(pmDataset(t), kalman.ExportPredictions, kalman.ConfidenceMulti(0))
	require.NoError(t, err)
	require.Equal(t, []string{"group", "time", "measure", "mean", "std", "actual"},
		frame.Columns())
	require.InDelta(t, math.Sqrt(11), frame.Row(0)[4].(float64), 1e-9)
}

func TestToFrameColumnNames(t *testing.T) {
	ot := runForExport(t)
	frame, err := ot.ToFrame(pmDataset(t), kalman.ExportPredictions,
		kalman.GroupColumn("station"), kalman.TimeColumn("ts"))
	require.NoError(t, err)
	require.Equal(t, "station", frame.Columns()[0])
	require.Equal(t, "ts", frame.Columns()[1])
}

func TestToFrameComponents(t *testing.T) {
	reg, err := models.NewRegression("xreg", models.RegressionConfig{
		Measure:         "pm10",
		Predictors:      []string{"zero"},
		InitialVariance: 1,
	}, []*mat.Dense{mat.NewDense(4, 1, nil)})
	require.NoError(t, err)

	design, err := models.NewStackedDesign(models.DesignConfig{
		NumGroups:           1,
		NumTimesteps:        4,
		Measures:            []string{"pm10"},
		ObservationVariance: []float64{1},
	}, models.NewLocalLevel("level", models.LocalLevelConfig{
		Measure:         "pm10",
		InitialVariance: 10,
		ProcessVariance: 0.1,
	}), reg)
	require.NoError(t, err)

	obs := []*mat.Dense{mat.NewDense(3, 1, []float64{1, math.NaN(), 2})}
	ot, err := kalman.NewFilter(design).Run(obs)
	require.NoError(t, err)

	frame, err := ot.ToFrame(pmDataset(t), kalman.ExportComponents)
	require.NoError(t, err)
	require.Equal(t, []string{"group", "time", "measure", "process", "state_element", "mean", "lower", "upper"},
		frame.Columns())

	// the all-zero regressor contributes nothing and is dropped, leaving
	// the level block plus the residuals block
	require.Equal(t, 8, frame.Len())

	level := frame.Row(1)
	require.Equal(t, "level", level[3])
	require.Equal(t, "level", level[4])
	require.InDelta(t, 10.0/11, level[5].(float64), 1e-9)
	std := math.Sqrt(10.0/11 + 0.1)
	require.InDelta(t, 10.0/11-1.96*std, level[6].(float64), 1e-9)

	resid := frame.Row(4)
	require.Equal(t, "residuals", resid[3])
	require.Equal(t, "residuals", resid[4])
	require.InDelta(t, -1, resid[5].(float64), 1e-9) // predicted 0, observed 1
	require.True(t, math.IsNaN(resid[6].(float64)))

	// no observation beyond the data horizon, no residual either
	require.True(t, math.IsNaN(frame.Row(7)[5].(float64)))
}

func TestToFrameErrors(t *testing.T) {
	ot := runForExport(t)
	ds := pmDataset(t)

	_, err := ot.ToFrame(nil, kalman.ExportPredictions)
	require.ErrorContains(t, err, "dataset is required")

	_, err = ot.ToFrame(ds, "bogus")
	require.ErrorContains(t, err, "type must be")

	_, err = ot.ToFrame(ds, kalman.ExportPredictions, kalman.Attempts(1))
	require.ErrorContains(t, err, "not applicable")

	other, err := timeseries.NewDataset(
		[]string{"seoul"},
		[]time.Time{time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)},
		24*time.Hour,
		[]string{"so2"},
		[]*mat.Dense{mat.NewDense(3, 1, []float64{1, 2, 3})},
	)
	require.NoError(t, err)
	_, err = ot.ToFrame(other, kalman.ExportPredictions)
	require.ErrorContains(t, err, "not in the dataset")

	staggered, _ := runStaggered(t)
	_, err = staggered.ToFrame(ds, kalman.ExportPredictions)
	require.ErrorContains(t, err, "dataset has 1 groups, expected 2")
}
