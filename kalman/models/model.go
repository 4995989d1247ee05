package models

import (
	"gonum.org/v1/gonum/mat"
)

// StateElement identifies one latent state dimension by the process that
// owns it and the element name within that process.
type StateElement struct {
	Process string
	Element string
}

// Process contributes a block of latent state to a design: the block's
// transition, process noise, initial state, and the observation weights
// that map it onto a measure.
// kalman/models provides commonly used processes.
type Process interface {
	ID() string
	StateElements() []string

	// Transition returns the process block of the transition matrix.
	Transition() *mat.Dense
	// ProcessCovariance returns the process block of the process-noise covariance.
	ProcessCovariance() *mat.Dense
	// InitialState returns the initial mean and covariance of the block.
	InitialState() (*mat.VecDense, *mat.Dense)

	// ObservationRow returns the observation weights of the block for one
	// measure at the given timestep and group, or nil when the process
	// does not contribute to that measure.
	ObservationRow(measure string, t, group int) []float64

	// TimeVarying reports whether ObservationRow depends on the timestep or group.
	TimeVarying() bool
}

// Design provides the batched per-timestep system matrices consumed by the
// filter: transition F, process noise Q, observation H, and observation
// noise R, each as one matrix per group. Matrices returned by a Design are
// shared between calls and must be treated as read-only.
type Design interface {
	F(t int) []*mat.Dense
	Q(t int) []*mat.Dense
	H(t int) []*mat.Dense
	R(t int) []*mat.Dense

	NumGroups() int
	NumTimesteps() int
	Measures() []string
	StateElements() []StateElement

	// InitialState returns fresh per-group copies of the initial state
	// mean and covariance.
	InitialState() ([]*mat.VecDense, []*mat.Dense)
}
