package kalman

import (
	"errors"
	"fmt"

	"github.com/kalcast/kalcast/kalman/models"
	"github.com/kalcast/kalcast/logging"
	"gonum.org/v1/gonum/mat"
)

// Filter drives the predict/update recursion over a design, producing the
// one-step-ahead belief sequence.
type Filter struct {
	design models.Design
	log    logging.Log
}

func NewFilter(design models.Design) *Filter {
	return &Filter{design: design, log: logging.GetLog("kalman")}
}

func (f *Filter) Design() models.Design { return f.design }

// Run filters the observed series, one timestep-by-measure matrix per
// group with NaN marking missing values. Every timestep predicts from the
// previous step's matrices, attaches the measurement model, records the
// belief, then folds in the observations. The recorded beliefs are
// therefore one-step-ahead predictions. Timesteps at or beyond the
// observation horizon leave the belief unchanged, which turns the tail of
// the run into a pure forecast.
//
// Supplying SeriesBounds switches the run to the censored family and
// threads the bounds through every update.
func (f *Filter) Run(obs []*mat.Dense, opts ...Option) (*StateBeliefOverTime, error) {
	o := newCallOpts(opts)
	if err := o.allow("Run", "Initial", "SeriesBounds", "Progress"); err != nil {
		return nil, err
	}

	var sb StateBelief
	if o.initial != nil {
		sb = o.initial.Copy()
	} else {
		means, covs := f.design.InitialState()
		var err error
		if o.seriesLower != nil || o.seriesUpper != nil {
			sb, err = NewCensoredGaussian(means, covs)
		} else {
			sb, err = NewGaussian(means, covs)
		}
		if err != nil {
			return nil, err
		}
	}
	if sb.NumGroups() != f.design.NumGroups() {
		return nil, fmt.Errorf("run: initial belief has %d groups, design has %d",
			sb.NumGroups(), f.design.NumGroups())
	}

	var updateOpts []Option
	if o.seriesLower != nil || o.seriesUpper != nil {
		if !sb.acceptsBounds() {
			return nil, fmt.Errorf("run: censoring bounds require the censored-gaussian family")
		}
		updateOpts = append(updateOpts, SeriesBounds(o.seriesLower, o.seriesUpper))
	}

	T := f.design.NumTimesteps()
	f.log.Debugf("filter run: %d groups, %d timesteps", sb.NumGroups(), T)

	beliefs := make([]StateBelief, 0, T)
	for t := 0; t < T; t++ {
		if t > 0 {
			var err error
			sb, err = sb.Predict(f.design.F(t-1), f.design.Q(t-1))
			if err != nil {
				return nil, fmt.Errorf("run: time %d: %w", t, err)
			}
		}

		err := sb.ComputeMeasurement(f.design.H(t), f.design.R(t), false)
		if t == 0 && errors.Is(err, ErrAlreadyMeasured) {
			// an initial belief taken from a previous run arrives measured
			err = sb.ComputeMeasurement(f.design.H(t), f.design.R(t), true)
		}
		if err != nil {
			return nil, fmt.Errorf("run: time %d: %w", t, err)
		}
		beliefs = append(beliefs, sb)

		next, err := sb.UpdateAt(obs, t, updateOpts...)
		if err != nil {
			return nil, fmt.Errorf("run: time %d: %w", t, err)
		}
		sb = next
		if o.progress != nil {
			o.progress(t)
		}
	}
	return ConcatenateOverTime(beliefs, f.design)
}
