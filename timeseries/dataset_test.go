package timeseries_test

import (
	"math"
	"testing"
	"time"

	"github.com/kalcast/kalcast/timeseries"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

var day = 24 * time.Hour

func testDataset(t *testing.T) *timeseries.Dataset {
	t.Helper()
	nan := math.NaN()
	ds, err := timeseries.NewDataset(
		[]string{"seoul", "busan"},
		[]time.Time{
			time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC),
			time.Date(2023, 1, 3, 0, 0, 0, 0, time.UTC),
		},
		day,
		[]string{"pm10", "so2"},
		[]*mat.Dense{
			mat.NewDense(3, 2, []float64{1, 10, 2, 20, 3, 30}),
			mat.NewDense(3, 2, []float64{4, 40, nan, nan, 6, 60}),
		},
	)
	require.NoError(t, err)
	return ds
}

func TestNewDatasetValidation(t *testing.T) {
	start := []time.Time{time.Now()}
	values := []*mat.Dense{mat.NewDense(2, 1, nil)}

	_, err := timeseries.NewDataset(nil, nil, day, []string{"m"}, nil)
	require.Error(t, err)

	_, err = timeseries.NewDataset([]string{"a"}, nil, day, []string{"m"}, values)
	require.Error(t, err)

	_, err = timeseries.NewDataset([]string{"a"}, start, 0, []string{"m"}, values)
	require.Error(t, err)

	_, err = timeseries.NewDataset([]string{"a"}, start, day, []string{"m", "extra"}, values)
	require.Error(t, err)

	_, err = timeseries.NewDataset([]string{"a", "b"}, append(start, time.Now()), day,
		[]string{"m"}, []*mat.Dense{mat.NewDense(2, 1, nil), mat.NewDense(3, 1, nil)})
	require.Error(t, err)

	_, err = timeseries.NewDataset([]string{"a"}, start, day, []string{"m"}, values)
	require.NoError(t, err)
}

func TestDatasetAccessors(t *testing.T) {
	ds := testDataset(t)
	require.Equal(t, 2, ds.NumGroups())
	require.Equal(t, 3, ds.NumTimesteps())
	require.Equal(t, []string{"pm10", "so2"}, ds.Measures())
	require.Equal(t, 1, ds.MeasureIndex("so2"))
	require.Equal(t, -1, ds.MeasureIndex("bogus"))
}

func TestDatasetTimeGrid(t *testing.T) {
	ds := testDataset(t)
	grid, err := ds.TimeGrid(1, 5)
	require.NoError(t, err)
	require.Len(t, grid, 5)
	require.Equal(t, time.Date(2023, 1, 3, 0, 0, 0, 0, time.UTC), grid[0])
	// grid extends beyond the observed horizon
	require.Equal(t, time.Date(2023, 1, 7, 0, 0, 0, 0, time.UTC), grid[4])

	_, err = ds.TimeGrid(9, 1)
	require.Error(t, err)
}

func TestDatasetAlign(t *testing.T) {
	ds := testDataset(t)
	obs, err := ds.Align([]string{"so2", "pm10"})
	require.NoError(t, err)
	require.Len(t, obs, 2)
	require.Equal(t, 10.0, obs[0].At(0, 0))
	require.Equal(t, 1.0, obs[0].At(0, 1))
	require.True(t, math.IsNaN(obs[1].At(1, 0)))

	_, err = ds.Align([]string{"bogus"})
	require.Error(t, err)
}

func TestDatasetTruncate(t *testing.T) {
	ds := testDataset(t)
	head, err := ds.Truncate(2)
	require.NoError(t, err)
	require.Equal(t, 2, head.NumTimesteps())
	require.Equal(t, 3, ds.NumTimesteps())
	require.Equal(t, 2.0, head.Values()[0].At(1, 0))

	_, err = ds.Truncate(0)
	require.Error(t, err)
	_, err = ds.Truncate(4)
	require.Error(t, err)
}
