package kalman

import (
	"fmt"
	"math"

	"github.com/kalcast/kalcast/timeseries"
	"gonum.org/v1/gonum/mat"
)

// ExportType selects the tabular view of a belief sequence.
type ExportType string

const (
	// ExportPredictions renders the measurement-scale predictions with
	// confidence bounds and the actual values.
	ExportPredictions ExportType = "predictions"
	// ExportComponents decomposes the predictions into per-process
	// contributions, closed by a residuals block.
	ExportComponents ExportType = "components"
)

// ToFrame renders the sequence against the dataset that produced it. The
// dataset supplies group names, the time grid and the actual values; every
// design measure must be present in it. The time grid extends past the
// dataset's horizon when the sequence does, so forecast rows carry real
// timestamps and NaN actuals.
func (ot *StateBeliefOverTime) ToFrame(ds *timeseries.Dataset, typ ExportType, opts ...Option) (*timeseries.Frame, error) {
	o := newCallOpts(opts)
	if err := o.allow("ToFrame", "ConfidenceMulti", "GroupColumn", "TimeColumn"); err != nil {
		return nil, err
	}
	if ds == nil {
		return nil, fmt.Errorf("to frame: dataset is required")
	}
	if ds.NumGroups() != ot.NumGroups() {
		return nil, fmt.Errorf("to frame: dataset has %d groups, expected %d", ds.NumGroups(), ot.NumGroups())
	}
	var missing []string
	for _, m := range ot.design.Measures() {
		if ds.MeasureIndex(m) < 0 {
			missing = append(missing, m)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("to frame: measures %v are not in the dataset", missing)
	}

	switch typ {
	case ExportPredictions:
		return ot.predictionsFrame(ds, o)
	case ExportComponents:
		return ot.componentsFrame(ds, o)
	default:
		return nil, fmt.Errorf("to frame: type must be %q or %q", ExportPredictions, ExportComponents)
	}
}

func (ot *StateBeliefOverTime) predictionsFrame(ds *timeseries.Dataset, o *callOpts) (*timeseries.Frame, error) {
	pred, err := ot.Predictions()
	if err != nil {
		return nil, err
	}
	unc, err := ot.PredictionUncertainty()
	if err != nil {
		return nil, err
	}
	actuals, err := ds.Align(ot.design.Measures())
	if err != nil {
		return nil, err
	}

	G, T := ot.NumGroups(), ot.NumTimesteps()
	groups := ds.GroupNames()

	var frame *timeseries.Frame
	if o.multi > 0 {
		frame = timeseries.NewFrame(o.groupCol, o.timeCol, "measure", "mean", "lower", "upper", "actual")
	} else {
		frame = timeseries.NewFrame(o.groupCol, o.timeCol, "measure", "mean", "std", "actual")
	}

	for mi, measure := range ot.design.Measures() {
		for g := 0; g < G; g++ {
			times, err := ds.TimeGrid(g, T)
			if err != nil {
				return nil, err
			}
			for t := 0; t < T; t++ {
				mean := pred[g].At(t, mi)
				std := math.Sqrt(unc[g][t].At(mi, mi))
				actual := actualAt(actuals[g], t, mi)
				if o.multi > 0 {
					err = frame.Append(groups[g], times[t], measure, mean, mean-o.multi*std, mean+o.multi*std, actual)
				} else {
					err = frame.Append(groups[g], times[t], measure, mean, std, actual)
				}
				if err != nil {
					return nil, err
				}
			}
		}
	}
	return frame, nil
}

func (ot *StateBeliefOverTime) componentsFrame(ds *timeseries.Dataset, o *callOpts) (*timeseries.Frame, error) {
	comps, err := ot.components()
	if err != nil {
		return nil, err
	}
	pred, err := ot.Predictions()
	if err != nil {
		return nil, err
	}
	actuals, err := ds.Align(ot.design.Measures())
	if err != nil {
		return nil, err
	}

	G, T := ot.NumGroups(), ot.NumTimesteps()
	groups := ds.GroupNames()

	var frame *timeseries.Frame
	if o.multi > 0 {
		frame = timeseries.NewFrame(o.groupCol, o.timeCol, "measure", "process", "state_element", "mean", "lower", "upper")
	} else {
		frame = timeseries.NewFrame(o.groupCol, o.timeCol, "measure", "process", "state_element", "mean", "std")
	}

	appendRow := func(group string, tm any, measure, process, element string, mean, std float64) error {
		if o.multi > 0 {
			return frame.Append(group, tm, measure, process, element, mean, mean-o.multi*std, mean+o.multi*std)
		}
		return frame.Append(group, tm, measure, process, element, mean, std)
	}

	times := make([][]any, G)
	for g := 0; g < G; g++ {
		grid, err := ds.TimeGrid(g, T)
		if err != nil {
			return nil, err
		}
		times[g] = make([]any, T)
		for t, tm := range grid {
			times[g][t] = tm
		}
	}

	for _, comp := range comps {
		for g := 0; g < G; g++ {
			for t := 0; t < T; t++ {
				if err := appendRow(groups[g], times[g][t], comp.measure, comp.process, comp.element,
					comp.mean[g][t], comp.std[g][t]); err != nil {
					return nil, err
				}
			}
		}
	}

	// residuals close the decomposition: prediction minus actual, with no
	// uncertainty attached
	for mi, measure := range ot.design.Measures() {
		for g := 0; g < G; g++ {
			for t := 0; t < T; t++ {
				resid := pred[g].At(t, mi) - actualAt(actuals[g], t, mi)
				if err := appendRow(groups[g], times[g][t], measure, "residuals", "residuals",
					resid, math.NaN()); err != nil {
					return nil, err
				}
			}
		}
	}
	return frame, nil
}

type component struct {
	measure string
	process string
	element string
	mean    [][]float64 // [group][time]
	std     [][]float64 // [group][time], signed by the observation weight
}

// components lists the contribution of each state element to each measure,
// in design order, dropping elements whose weighted mean never leaves
// zero.
func (ot *StateBeliefOverTime) components() ([]component, error) {
	h, err := ot.H()
	if err != nil {
		return nil, err
	}
	G, T, n := ot.NumGroups(), ot.NumTimesteps(), ot.StateDim()
	elements := ot.design.StateElements()
	if len(elements) != n {
		return nil, fmt.Errorf("components: design has %d state elements, beliefs have %d dimensions", len(elements), n)
	}

	var out []component
	for mi, measure := range ot.design.Measures() {
		for s := 0; s < n; s++ {
			var maxAbs float64
			mean := make([][]float64, G)
			std := make([][]float64, G)
			for g := 0; g < G; g++ {
				mean[g] = make([]float64, T)
				std[g] = make([]float64, T)
				for t := 0; t < T; t++ {
					w := h[g][t].At(mi, s)
					m := w * ot.beliefs[t].Means()[g].AtVec(s)
					mean[g][t] = m
					std[g][t] = w * math.Sqrt(ot.beliefs[t].Covs()[g].At(s, s))
					if a := math.Abs(m); a > maxAbs {
						maxAbs = a
					}
				}
			}
			if maxAbs <= 1e-8 {
				continue
			}
			out = append(out, component{
				measure: measure,
				process: elements[s].Process,
				element: elements[s].Element,
				mean:    mean,
				std:     std,
			})
		}
	}
	return out, nil
}

func actualAt(vals *mat.Dense, t, m int) float64 {
	rows, _ := vals.Dims()
	if t >= rows {
		return math.NaN()
	}
	return vals.At(t, m)
}
