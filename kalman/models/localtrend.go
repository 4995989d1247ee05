package models

import (
	"gonum.org/v1/gonum/mat"
)

// LocalTrendConfig is used to set the variances of the level and trend
// elements and the initial belief about the level. The initial trend
// is always zero.
type LocalTrendConfig struct {
	Measure         string
	InitialMean     float64
	InitialVariance float64
	LevelVariance   float64
	TrendVariance   float64
	// TrendDecay dampens the trend toward zero each step so that long-range
	// forecasts level off. Zero means no decay.
	TrendDecay float64
}

// LocalTrend models a measure as a level plus a persistent trend, the
// discrete analogue of position and velocity.
type LocalTrend struct {
	id  string
	cfg LocalTrendConfig
}

func NewLocalTrend(id string, cfg LocalTrendConfig) *LocalTrend {
	return &LocalTrend{id: id, cfg: cfg}
}

func (p *LocalTrend) ID() string { return p.id }

func (p *LocalTrend) StateElements() []string { return []string{"level", "trend"} }

func (p *LocalTrend) Transition() *mat.Dense {
	d := p.cfg.TrendDecay
	if d == 0 {
		d = 1.0
	}
	return mat.NewDense(2, 2, []float64{
		1, 1,
		0, d,
	})
}

func (p *LocalTrend) ProcessCovariance() *mat.Dense {
	return mat.NewDense(2, 2, []float64{
		p.cfg.LevelVariance, 0,
		0, p.cfg.TrendVariance,
	})
}

func (p *LocalTrend) InitialState() (*mat.VecDense, *mat.Dense) {
	return mat.NewVecDense(2, []float64{p.cfg.InitialMean, 0}),
		mat.NewDense(2, 2, []float64{
			p.cfg.InitialVariance, 0,
			0, p.cfg.InitialVariance,
		})
}

func (p *LocalTrend) ObservationRow(measure string, t, group int) []float64 {
	if measure != p.cfg.Measure {
		return nil
	}
	return []float64{1, 0}
}

func (p *LocalTrend) TimeVarying() bool { return false }
