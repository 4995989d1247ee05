package timeseries

import (
	"fmt"
	"time"

	"gonum.org/v1/gonum/mat"
)

// Dataset holds observed values for a batch of groups on a shared, evenly
// spaced time grid. Each group's values are a timesteps x measures matrix;
// NaN marks a missing observation. Groups whose series are shorter than the
// grid carry trailing NaN rows.
type Dataset struct {
	groupNames []string
	startTimes []time.Time
	interval   time.Duration
	measures   []string
	values     []*mat.Dense
}

// NewDataset validates and wraps the given batch. values holds one
// timesteps x measures matrix per group; every group must have the same
// number of timesteps.
func NewDataset(groupNames []string, startTimes []time.Time, interval time.Duration, measures []string, values []*mat.Dense) (*Dataset, error) {
	if len(groupNames) == 0 {
		return nil, fmt.Errorf("dataset needs at least one group")
	}
	if len(startTimes) != len(groupNames) {
		return nil, fmt.Errorf("got %d start times for %d groups", len(startTimes), len(groupNames))
	}
	if len(values) != len(groupNames) {
		return nil, fmt.Errorf("got %d value matrices for %d groups", len(values), len(groupNames))
	}
	if interval <= 0 {
		return nil, fmt.Errorf("interval must be positive")
	}
	if len(measures) == 0 {
		return nil, fmt.Errorf("dataset needs at least one measure")
	}
	rows0, _ := values[0].Dims()
	for g, v := range values {
		r, c := v.Dims()
		if c != len(measures) {
			return nil, fmt.Errorf("group %q has %d columns, dataset has %d measures", groupNames[g], c, len(measures))
		}
		if r != rows0 {
			return nil, fmt.Errorf("group %q has %d timesteps, group %q has %d", groupNames[g], r, groupNames[0], rows0)
		}
	}
	return &Dataset{
		groupNames: groupNames,
		startTimes: startTimes,
		interval:   interval,
		measures:   measures,
		values:     values,
	}, nil
}

func (ds *Dataset) GroupNames() []string    { return ds.groupNames }
func (ds *Dataset) StartTimes() []time.Time { return ds.startTimes }
func (ds *Dataset) Interval() time.Duration { return ds.interval }
func (ds *Dataset) Measures() []string      { return ds.measures }
func (ds *Dataset) Values() []*mat.Dense    { return ds.values }
func (ds *Dataset) NumGroups() int          { return len(ds.groupNames) }

func (ds *Dataset) NumTimesteps() int {
	r, _ := ds.values[0].Dims()
	return r
}

// MeasureIndex returns the column index of the named measure, or -1.
func (ds *Dataset) MeasureIndex(measure string) int {
	for i, m := range ds.measures {
		if m == measure {
			return i
		}
	}
	return -1
}

// TimeGrid returns n timestamps for the given group, starting at the group's
// start time and advancing by the dataset interval. n may exceed the number
// of observed timesteps, extending the grid into the forecast horizon.
func (ds *Dataset) TimeGrid(group, n int) ([]time.Time, error) {
	if group < 0 || group >= len(ds.groupNames) {
		return nil, fmt.Errorf("group index %d out of range", group)
	}
	grid := make([]time.Time, n)
	for i := range grid {
		grid[i] = ds.startTimes[group].Add(time.Duration(i) * ds.interval)
	}
	return grid, nil
}

// Align extracts the dataset columns named by measures, in that order,
// producing one timesteps x len(measures) matrix per group. This is the
// observation layout the filter consumes; the measure order comes from the
// model design.
func (ds *Dataset) Align(measures []string) ([]*mat.Dense, error) {
	colIdx := make([]int, len(measures))
	for i, m := range measures {
		idx := ds.MeasureIndex(m)
		if idx < 0 {
			return nil, fmt.Errorf("measure %q not in dataset (has %v)", m, ds.measures)
		}
		colIdx[i] = idx
	}
	nT := ds.NumTimesteps()
	out := make([]*mat.Dense, len(ds.values))
	for g, v := range ds.values {
		m := mat.NewDense(nT, len(measures), nil)
		for t := 0; t < nT; t++ {
			for i, c := range colIdx {
				m.Set(t, i, v.At(t, c))
			}
		}
		out[g] = m
	}
	return out, nil
}

// Truncate returns a dataset holding only the first n timesteps of every
// group; the time grid and group set are unchanged. Useful for train/forecast
// splits where the model design keeps the full horizon.
func (ds *Dataset) Truncate(n int) (*Dataset, error) {
	if n <= 0 || n > ds.NumTimesteps() {
		return nil, fmt.Errorf("cannot truncate %d timesteps to %d", ds.NumTimesteps(), n)
	}
	values := make([]*mat.Dense, len(ds.values))
	for g, v := range ds.values {
		values[g] = mat.DenseCopyOf(v.Slice(0, n, 0, len(ds.measures)))
	}
	return &Dataset{
		groupNames: ds.groupNames,
		startTimes: ds.startTimes,
		interval:   ds.interval,
		measures:   ds.measures,
		values:     values,
	}, nil
}
