package models

import (
	"gonum.org/v1/gonum/mat"
)

type LocalLevelConfig struct {
	Measure         string
	InitialMean     float64
	InitialVariance float64
	ProcessVariance float64
	// Decay dampens the level toward zero each step. Zero means no decay.
	Decay float64
}

// LocalLevel models a measure as a random walk in a single latent
// dimension, optionally decaying toward zero.
type LocalLevel struct {
	id  string
	cfg LocalLevelConfig
}

func NewLocalLevel(id string, cfg LocalLevelConfig) *LocalLevel {
	return &LocalLevel{id: id, cfg: cfg}
}

func (p *LocalLevel) ID() string { return p.id }

func (p *LocalLevel) StateElements() []string { return []string{"level"} }

func (p *LocalLevel) Transition() *mat.Dense {
	d := p.cfg.Decay
	if d == 0 {
		d = 1.0
	}
	return mat.NewDense(1, 1, []float64{d})
}

func (p *LocalLevel) ProcessCovariance() *mat.Dense {
	return mat.NewDense(1, 1, []float64{p.cfg.ProcessVariance})
}

func (p *LocalLevel) InitialState() (*mat.VecDense, *mat.Dense) {
	return mat.NewVecDense(1, []float64{p.cfg.InitialMean}),
		mat.NewDense(1, 1, []float64{p.cfg.InitialVariance})
}

func (p *LocalLevel) ObservationRow(measure string, t, group int) []float64 {
	if measure != p.cfg.Measure {
		return nil
	}
	return []float64{1}
}

func (p *LocalLevel) TimeVarying() bool { return false }
