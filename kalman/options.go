package kalman

import (
	"fmt"
	"math/rand/v2"

	"gonum.org/v1/gonum/mat"
)

const defaultRealizeAttempts = 1000

// Option adjusts a single operation on a belief or a belief sequence. Each
// operation accepts only the options that apply to it and rejects the rest
// as usage errors.
type Option func(*callOpts)

type callOpts struct {
	set map[string]bool

	lastMeasured     []int
	lower, upper     []*mat.VecDense
	seriesLower      []*mat.Dense
	seriesUpper      []*mat.Dense
	attempts         int
	stateNoise       []*mat.VecDense
	seriesStateNoise []*mat.Dense
	measurementNoise []*mat.Dense
	noiseScale       float64
	src              rand.Source
	progress         func(t int)
	skipMeasure      bool
	initial          StateBelief
	multi            float64
	groupCol         string
	timeCol          string
}

func newCallOpts(opts []Option) *callOpts {
	o := &callOpts{
		set:        make(map[string]bool),
		attempts:   defaultRealizeAttempts,
		noiseScale: 1.0,
		multi:      1.96,
		groupCol:   "group",
		timeCol:    "time",
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// allow returns a usage error when an option outside names was supplied.
func (o *callOpts) allow(op string, names ...string) error {
	allowed := make(map[string]bool, len(names))
	for _, n := range names {
		allowed[n] = true
	}
	for n := range o.set {
		if !allowed[n] {
			return fmt.Errorf("%s: option %s not applicable", op, n)
		}
	}
	return nil
}

// LastMeasured sets the per-group count of timesteps since the last real
// observation. Beliefs start at zero without it.
func LastMeasured(counts []int) Option {
	return func(o *callOpts) {
		o.set["LastMeasured"] = true
		o.lastMeasured = counts
	}
}

// Bounds supplies per-group censoring bounds for a single-step update, one
// vector per group. A nil side or a ±Inf entry leaves that side unbounded.
func Bounds(lower, upper []*mat.VecDense) Option {
	return func(o *callOpts) {
		o.set["Bounds"] = true
		o.lower = lower
		o.upper = upper
	}
}

// SeriesBounds supplies censoring bounds across time, one timestep-by-measure
// matrix per group, shaped like the observation series.
func SeriesBounds(lower, upper []*mat.Dense) Option {
	return func(o *callOpts) {
		o.set["SeriesBounds"] = true
		o.seriesLower = lower
		o.seriesUpper = upper
	}
}

// Attempts bounds the number of diagonal-inflation retries during realize.
func Attempts(n int) Option {
	return func(o *callOpts) {
		o.set["Attempts"] = true
		o.attempts = n
	}
}

// StateNoise supplies the standard-normal draw used to realize the state,
// one vector per group, instead of sampling internally.
func StateNoise(eps []*mat.VecDense) Option {
	return func(o *callOpts) {
		o.set["StateNoise"] = true
		o.stateNoise = eps
	}
}

// SeriesStateNoise supplies per-timestep realize draws for trajectory
// simulation, one timestep-by-state matrix per group.
func SeriesStateNoise(eps []*mat.Dense) Option {
	return func(o *callOpts) {
		o.set["SeriesStateNoise"] = true
		o.seriesStateNoise = eps
	}
}

// MeasurementNoise supplies the standard-normal draws used to sample
// measurements, one timestep-by-measure matrix per group.
func MeasurementNoise(eps []*mat.Dense) Option {
	return func(o *callOpts) {
		o.set["MeasurementNoise"] = true
		o.measurementNoise = eps
	}
}

// NoiseScale multiplies the noise term when sampling measurements.
func NoiseScale(scale float64) Option {
	return func(o *callOpts) {
		o.set["NoiseScale"] = true
		o.noiseScale = scale
	}
}

// RandSource sets the random source for sampling operations. Without it
// the shared global source is used.
func RandSource(src rand.Source) Option {
	return func(o *callOpts) {
		o.set["RandSource"] = true
		o.src = src
	}
}

// Progress installs a per-timestep callback for long-running loops.
func Progress(fn func(t int)) Option {
	return func(o *callOpts) {
		o.set["Progress"] = true
		o.progress = fn
	}
}

// SkipMeasurement leaves simulated beliefs without H and R attached.
func SkipMeasurement() Option {
	return func(o *callOpts) {
		o.set["SkipMeasurement"] = true
		o.skipMeasure = true
	}
}

// Initial sets the starting belief for a filter run in place of the
// design's initial state.
func Initial(sb StateBelief) Option {
	return func(o *callOpts) {
		o.set["Initial"] = true
		o.initial = sb
	}
}

// ConfidenceMulti sets the std-dev multiplier for the lower/upper columns
// of exported frames. Zero exports a std column instead.
func ConfidenceMulti(multi float64) Option {
	return func(o *callOpts) {
		o.set["ConfidenceMulti"] = true
		o.multi = multi
	}
}

// GroupColumn renames the group column of exported frames.
func GroupColumn(name string) Option {
	return func(o *callOpts) {
		o.set["GroupColumn"] = true
		o.groupCol = name
	}
}

// TimeColumn renames the time column of exported frames.
func TimeColumn(name string) Option {
	return func(o *callOpts) {
		o.set["TimeColumn"] = true
		o.timeCol = name
	}
}
