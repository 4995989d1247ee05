package models

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

type RegressionConfig struct {
	Measure    string
	Predictors []string
	// InitialVariance is the prior variance of each coefficient.
	InitialVariance float64
	// ProcessVariance lets the coefficients drift over time. Zero keeps
	// them static.
	ProcessVariance float64
	// Decay shrinks the coefficients toward zero each step. Zero means no decay.
	Decay float64
}

// Regression models a measure as a linear combination of external
// predictor series, one latent coefficient per predictor. Predictor values
// are bound per group as a timestep-by-predictor matrix and become the
// observation weights of the coefficient block.
type Regression struct {
	id   string
	cfg  RegressionConfig
	data []*mat.Dense
}

// NewRegression binds predictor data to a regression block. data holds one
// matrix per group, each with a row per timestep and a column per predictor.
func NewRegression(id string, cfg RegressionConfig, data []*mat.Dense) (*Regression, error) {
	if len(cfg.Predictors) == 0 {
		return nil, fmt.Errorf("regression %q requires at least one predictor", id)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("regression %q requires predictor data", id)
	}
	rows := -1
	for g, d := range data {
		if d == nil {
			return nil, fmt.Errorf("regression %q: predictor data for group %d is nil", id, g)
		}
		r, c := d.Dims()
		if c != len(cfg.Predictors) {
			return nil, fmt.Errorf("regression %q: group %d has %d predictor columns, expected %d",
				id, g, c, len(cfg.Predictors))
		}
		if rows == -1 {
			rows = r
		} else if r != rows {
			return nil, fmt.Errorf("regression %q: group %d has %d timesteps of predictor data, expected %d",
				id, g, r, rows)
		}
	}
	return &Regression{id: id, cfg: cfg, data: data}, nil
}

func (p *Regression) ID() string { return p.id }

func (p *Regression) StateElements() []string { return p.cfg.Predictors }

func (p *Regression) Transition() *mat.Dense {
	d := p.cfg.Decay
	if d == 0 {
		d = 1.0
	}
	k := len(p.cfg.Predictors)
	tr := mat.NewDense(k, k, nil)
	for i := 0; i < k; i++ {
		tr.Set(i, i, d)
	}
	return tr
}

func (p *Regression) ProcessCovariance() *mat.Dense {
	k := len(p.cfg.Predictors)
	q := mat.NewDense(k, k, nil)
	for i := 0; i < k; i++ {
		q.Set(i, i, p.cfg.ProcessVariance)
	}
	return q
}

func (p *Regression) InitialState() (*mat.VecDense, *mat.Dense) {
	k := len(p.cfg.Predictors)
	cov := mat.NewDense(k, k, nil)
	for i := 0; i < k; i++ {
		cov.Set(i, i, p.cfg.InitialVariance)
	}
	return mat.NewVecDense(k, nil), cov
}

func (p *Regression) ObservationRow(measure string, t, group int) []float64 {
	if measure != p.cfg.Measure {
		return nil
	}
	return mat.Row(nil, t, p.data[group])
}

func (p *Regression) TimeVarying() bool { return true }

// NumDataGroups reports how many groups have bound predictor data.
func (p *Regression) NumDataGroups() int { return len(p.data) }

// NumDataTimesteps reports how many timesteps of predictor data are bound.
func (p *Regression) NumDataTimesteps() int {
	r, _ := p.data[0].Dims()
	return r
}
