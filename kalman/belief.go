// Package kalman implements a batched belief engine for multivariate,
// multi-group time-series filtering and forecasting. A StateBelief holds a
// Gaussian (mean, covariance) estimate of the latent state of every group
// at one timestep; Predict and Update advance it through the classic
// Kalman recursion, with per-group missing dimensions handled by grouping
// groups that share the same valid-dimension pattern. Two families are
// provided: Gaussian, and CensoredGaussian, which adjusts the update and
// the likelihood for observations censored at known bounds.
package kalman

import (
	"errors"
	"fmt"
	"math"

	"github.com/kalcast/kalcast/kalman/models"
	"github.com/kalcast/kalcast/logging"
	gometrics "github.com/rcrowley/go-metrics"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

var (
	// ErrUnmeasured is returned when H or R is accessed before ComputeMeasurement.
	ErrUnmeasured = errors.New("measurement not computed")
	// ErrAlreadyMeasured is returned when ComputeMeasurement is repeated without overwrite.
	ErrAlreadyMeasured = errors.New("measurement already computed")
	// ErrInfiniteObs is returned when observations contain infinite values.
	ErrInfiniteObs = errors.New("infinite values in observations")
	// ErrDiverged signals non-finite means after an update.
	ErrDiverged = errors.New("non-finite means after update")
	// ErrDegenerateBounds is returned when a censoring interval collapses to a point.
	ErrDegenerateBounds = errors.New("lower bound equals upper bound")
)

var (
	realizeRetryCounter gometrics.Counter
	logProbChunkCounter gometrics.Counter
)

func init() {
	realizeRetryCounter = gometrics.NewRegisteredCounter("kalman.realize.retries", gometrics.DefaultRegistry)
	logProbChunkCounter = gometrics.NewRegisteredCounter("kalman.logprob.chunks", gometrics.DefaultRegistry)
}

// StateBelief is the belief in the latent state of a batch of groups at a
// single timestep. Predict and Update return new beliefs; Realize mutates
// in place and exists for simulation only.
type StateBelief interface {
	NumGroups() int
	StateDim() int
	Means() []*mat.VecDense
	Covs() []*mat.Dense
	LastMeasured() []int

	// ComputeMeasurement attaches the observation matrices for this
	// timestep. It may be called once per belief unless overwrite is set.
	ComputeMeasurement(H, R []*mat.Dense, overwrite bool) error
	H() ([]*mat.Dense, error)
	R() ([]*mat.Dense, error)

	Predict(F, Q []*mat.Dense) (StateBelief, error)
	Update(obs []*mat.VecDense, opts ...Option) (StateBelief, error)
	// UpdateAt folds in one timestep of per-group observation series. A
	// timestep at or beyond the series horizon returns an unchanged copy.
	UpdateAt(obs []*mat.Dense, t int, opts ...Option) (StateBelief, error)
	Realize(opts ...Option) error
	SimulateTrajectories(design models.Design, opts ...Option) (*StateBeliefOverTime, error)
	Copy() StateBelief

	familyName() string
	cloneWith(means []*mat.VecDense, covs []*mat.Dense, lastMeasured []int) StateBelief
	acceptsBounds() bool
	logProbAt(ot *StateBeliefOverTime, obs []*mat.Dense, g, t int, dims []int, o *callOpts) (float64, error)
}

// belief carries the batched state shared by both families.
type belief struct {
	means        []*mat.VecDense
	covs         []*mat.Dense
	lastMeasured []int
	h            []*mat.Dense
	r            []*mat.Dense
	log          logging.Log
}

func newBelief(means []*mat.VecDense, covs []*mat.Dense, lastMeasured []int) (belief, error) {
	if len(means) == 0 {
		return belief{}, fmt.Errorf("belief requires at least one group")
	}
	if len(covs) != len(means) {
		return belief{}, fmt.Errorf("%d covariances for %d means", len(covs), len(means))
	}
	n := means[0].Len()
	for g, m := range means {
		if m == nil || m.Len() != n {
			return belief{}, fmt.Errorf("mean for group %d must have %d dimensions", g, n)
		}
		c := covs[g]
		if c == nil {
			return belief{}, fmt.Errorf("covariance for group %d is nil", g)
		}
		if r, cc := c.Dims(); r != n || cc != n {
			return belief{}, fmt.Errorf("covariance for group %d is %dx%d, expected %dx%d", g, r, cc, n, n)
		}
	}
	if lastMeasured == nil {
		lastMeasured = make([]int, len(means))
	} else if len(lastMeasured) != len(means) {
		return belief{}, fmt.Errorf("%d last-measured counts for %d groups", len(lastMeasured), len(means))
	}
	return belief{
		means:        means,
		covs:         covs,
		lastMeasured: lastMeasured,
		log:          logging.GetLog("kalman"),
	}, nil
}

func (b *belief) NumGroups() int { return len(b.means) }

func (b *belief) StateDim() int { return b.means[0].Len() }

func (b *belief) Means() []*mat.VecDense { return b.means }

func (b *belief) Covs() []*mat.Dense { return b.covs }

func (b *belief) LastMeasured() []int { return b.lastMeasured }

func (b *belief) ComputeMeasurement(H, R []*mat.Dense, overwrite bool) error {
	if b.h != nil && !overwrite {
		return ErrAlreadyMeasured
	}
	G := len(b.means)
	if len(H) != G || len(R) != G {
		return fmt.Errorf("compute measurement: expected %d observation and noise matrices, got %d and %d",
			G, len(H), len(R))
	}
	n := b.means[0].Len()
	m, hc := H[0].Dims()
	if hc != n {
		return fmt.Errorf("compute measurement: observation matrix has %d state columns, expected %d", hc, n)
	}
	for g := range H {
		if hr, hcc := H[g].Dims(); hr != m || hcc != n {
			return fmt.Errorf("compute measurement: observation matrix for group %d is %dx%d, expected %dx%d",
				g, hr, hcc, m, n)
		}
		if rr, rc := R[g].Dims(); rr != m || rc != m {
			return fmt.Errorf("compute measurement: noise matrix for group %d is %dx%d, expected %dx%d",
				g, rr, rc, m, m)
		}
	}
	b.h = H
	b.r = R
	return nil
}

func (b *belief) H() ([]*mat.Dense, error) {
	if b.h == nil {
		return nil, ErrUnmeasured
	}
	return b.h, nil
}

func (b *belief) R() ([]*mat.Dense, error) {
	if b.r == nil {
		return nil, ErrUnmeasured
	}
	return b.r, nil
}

// predict advances every group one step: mean' = F·mean, cov' = F·cov·Fᵗ + Q.
// The result carries no measurement.
func (b *belief) predict(F, Q []*mat.Dense) (*belief, error) {
	G := len(b.means)
	if len(F) != G || len(Q) != G {
		return nil, fmt.Errorf("predict: expected %d transition and process-noise matrices, got %d and %d",
			G, len(F), len(Q))
	}
	n := b.means[0].Len()
	means := make([]*mat.VecDense, G)
	covs := make([]*mat.Dense, G)
	lm := make([]int, G)
	for g := 0; g < G; g++ {
		if r, c := F[g].Dims(); r != n || c != n {
			return nil, fmt.Errorf("predict: transition for group %d is %dx%d, expected %dx%d", g, r, c, n, n)
		}
		if r, c := Q[g].Dims(); r != n || c != n {
			return nil, fmt.Errorf("predict: process noise for group %d is %dx%d, expected %dx%d", g, r, c, n, n)
		}
		mv := mat.NewVecDense(n, nil)
		mv.MulVec(F[g], b.means[g])
		means[g] = mv

		cv := mat.NewDense(n, n, nil)
		cv.Product(F[g], b.covs[g], F[g].T())
		cv.Add(cv, Q[g])
		covs[g] = cv

		lm[g] = b.lastMeasured[g] + 1
	}
	return &belief{means: means, covs: covs, lastMeasured: lm, log: b.log}, nil
}

// groupUpdater computes one bucket's posterior and scatters it into
// newMeans/newCovs at the bucket's group indices. dims is nil when every
// observation dimension is valid.
type groupUpdater func(groups, dims []int, obs []*mat.VecDense, o *callOpts,
	newMeans []*mat.VecDense, newCovs []*mat.Dense) error

// update runs the bucketed measurement update shared by both families.
// Groups whose observation is entirely missing keep their prior belief.
func (b *belief) update(obs []*mat.VecDense, o *callOpts, up groupUpdater) ([]*mat.VecDense, []*mat.Dense, []int, error) {
	if b.h == nil {
		return nil, nil, nil, fmt.Errorf("update: %w", ErrUnmeasured)
	}
	G := len(b.means)
	if len(obs) != G {
		return nil, nil, nil, fmt.Errorf("update: %d observation vectors for %d groups", len(obs), G)
	}
	m, _ := b.h[0].Dims()
	for g, v := range obs {
		if v == nil || v.Len() != m {
			return nil, nil, nil, fmt.Errorf("update: observation for group %d must have %d dimensions", g, m)
		}
		for i := 0; i < m; i++ {
			if math.IsInf(v.AtVec(i), 0) {
				return nil, nil, nil, fmt.Errorf("update: group %d: %w", g, ErrInfiniteObs)
			}
		}
	}

	newMeans := make([]*mat.VecDense, G)
	newCovs := make([]*mat.Dense, G)
	for g := 0; g < G; g++ {
		newMeans[g] = mat.VecDenseCopyOf(b.means[g])
		newCovs[g] = mat.DenseCopyOf(b.covs[g])
	}

	buckets, anyMeasured := bucketByValid(obs, m)
	for _, bk := range buckets {
		if err := up(bk.groups, bk.dims, obs, o, newMeans, newCovs); err != nil {
			return nil, nil, nil, err
		}
	}

	for g := 0; g < G; g++ {
		if floats.HasNaN(newMeans[g].RawVector().Data) {
			return nil, nil, nil, fmt.Errorf("update: group %d: %w", g, ErrDiverged)
		}
	}

	lm := make([]int, G)
	copy(lm, b.lastMeasured)
	for g, measured := range anyMeasured {
		if measured {
			lm[g] = 0
		}
	}
	return newMeans, newCovs, lm, nil
}

type updateBucket struct {
	groups []int
	dims   []int
}

// bucketByValid partitions groups by which observation dimensions are
// present. When nothing is missing a single full bucket covers the whole
// batch; fully-missing groups are excluded entirely.
func bucketByValid(obs []*mat.VecDense, m int) ([]updateBucket, []bool) {
	anyMeasured := make([]bool, len(obs))
	anyNaN := false
	for g, v := range obs {
		for i := 0; i < m; i++ {
			if math.IsNaN(v.AtVec(i)) {
				anyNaN = true
			} else {
				anyMeasured[g] = true
			}
		}
	}
	if !anyNaN {
		all := make([]int, len(obs))
		for g := range all {
			all[g] = g
		}
		return []updateBucket{{groups: all}}, anyMeasured
	}

	var order []string
	groupsByKey := make(map[string][]int)
	dimsByKey := make(map[string][]int)
	var full []int
	for g, v := range obs {
		var dims []int
		mask := make([]byte, m)
		for i := 0; i < m; i++ {
			if math.IsNaN(v.AtVec(i)) {
				mask[i] = '0'
			} else {
				mask[i] = '1'
				dims = append(dims, i)
			}
		}
		switch len(dims) {
		case 0:
			// fully missing, belief unchanged
		case m:
			full = append(full, g)
		default:
			key := string(mask)
			if _, ok := groupsByKey[key]; !ok {
				order = append(order, key)
				dimsByKey[key] = dims
			}
			groupsByKey[key] = append(groupsByKey[key], g)
		}
	}

	var buckets []updateBucket
	for _, key := range order {
		buckets = append(buckets, updateBucket{groups: groupsByKey[key], dims: dimsByKey[key]})
	}
	if len(full) > 0 {
		buckets = append(buckets, updateBucket{groups: full})
	}
	return buckets, anyMeasured
}

// transitionSampler draws one state vector per group, or fails when a
// covariance cannot be decomposed.
type transitionSampler func(o *callOpts) ([]*mat.VecDense, error)

// realize replaces the means with a sample from the belief and zeroes the
// covariances in place. A decomposition failure inflates every diagonal by
// 1e-9 and retries up to the attempt bound; exhaustion returns the last
// decomposition error.
func (b *belief) realize(o *callOpts, sample transitionSampler) error {
	if o.attempts < 1 {
		return fmt.Errorf("realize: attempt bound must be at least 1")
	}
	n := b.means[0].Len()
	var sampled []*mat.VecDense
	var lastErr error
	for try := 0; try < o.attempts; try++ {
		var err error
		sampled, err = sample(o)
		if err == nil {
			break
		}
		lastErr = err
		sampled = nil
		realizeRetryCounter.Inc(1)
		b.log.Tracef("realize attempt %d/%d failed: %s", try+1, o.attempts, err.Error())
		for g := range b.covs {
			for i := 0; i < n; i++ {
				b.covs[g].Set(i, i, b.covs[g].At(i, i)+1e-9)
			}
		}
	}
	if sampled == nil {
		return lastErr
	}
	for g := range b.means {
		b.means[g] = sampled[g]
		b.covs[g].Zero()
	}
	return nil
}

func (b *belief) copyCore() belief {
	G := len(b.means)
	nb := belief{
		means:        make([]*mat.VecDense, G),
		covs:         make([]*mat.Dense, G),
		lastMeasured: make([]int, G),
		log:          b.log,
	}
	for g := 0; g < G; g++ {
		nb.means[g] = mat.VecDenseCopyOf(b.means[g])
		nb.covs[g] = mat.DenseCopyOf(b.covs[g])
	}
	copy(nb.lastMeasured, b.lastMeasured)
	if b.h != nil {
		nb.h = make([]*mat.Dense, G)
		nb.r = make([]*mat.Dense, G)
		for g := 0; g < G; g++ {
			nb.h[g] = mat.DenseCopyOf(b.h[g])
			nb.r[g] = mat.DenseCopyOf(b.r[g])
		}
	}
	return nb
}

// simulate drives realize, predict and measurement attachment over the
// design's horizon, producing the realized belief sequence.
func simulate(sb StateBelief, design models.Design, o *callOpts) (*StateBeliefOverTime, error) {
	if design == nil {
		return nil, fmt.Errorf("simulate: design is required")
	}
	G := sb.NumGroups()
	n := sb.StateDim()
	T := design.NumTimesteps()
	if o.seriesStateNoise != nil {
		if len(o.seriesStateNoise) != G {
			return nil, fmt.Errorf("simulate: %d noise series for %d groups", len(o.seriesStateNoise), G)
		}
		for g, eps := range o.seriesStateNoise {
			if r, c := eps.Dims(); r < T || c != n {
				return nil, fmt.Errorf("simulate: noise series for group %d is %dx%d, expected at least %dx%d",
					g, r, c, T, n)
			}
		}
	}

	state := sb.Copy()
	beliefs := make([]StateBelief, 0, T)
	for t := 0; t < T; t++ {
		if t > 0 {
			var err error
			state, err = state.Predict(design.F(t-1), design.Q(t-1))
			if err != nil {
				return nil, err
			}
		}

		ropts := []Option{Attempts(o.attempts)}
		if o.src != nil {
			ropts = append(ropts, RandSource(o.src))
		}
		if o.seriesStateNoise != nil {
			eps := make([]*mat.VecDense, G)
			for g := range eps {
				eps[g] = mat.NewVecDense(n, mat.Row(nil, t, o.seriesStateNoise[g]))
			}
			ropts = append(ropts, StateNoise(eps))
		}
		if err := state.Realize(ropts...); err != nil {
			return nil, fmt.Errorf("simulate: time %d: %w", t, err)
		}

		if !o.skipMeasure {
			if err := state.ComputeMeasurement(design.H(t), design.R(t), false); err != nil {
				return nil, fmt.Errorf("simulate: time %d: %w", t, err)
			}
		}
		beliefs = append(beliefs, state)
		if o.progress != nil {
			o.progress(t)
		}
	}
	return ConcatenateOverTime(beliefs, design)
}

// obsAt slices one timestep out of per-group observation series. ok is
// false when t is at or beyond the series horizon.
func obsAt(obs []*mat.Dense, numGroups, t int) ([]*mat.VecDense, bool, error) {
	if len(obs) != numGroups {
		return nil, false, fmt.Errorf("%d observation series for %d groups", len(obs), numGroups)
	}
	if t < 0 {
		return nil, false, fmt.Errorf("negative timestep %d", t)
	}
	rows, cols := obs[0].Dims()
	for g := range obs {
		if r, c := obs[g].Dims(); r != rows || c != cols {
			return nil, false, fmt.Errorf("observation series for group %d is %dx%d, others are %dx%d",
				g, r, c, rows, cols)
		}
	}
	if t >= rows {
		return nil, false, nil
	}
	out := make([]*mat.VecDense, len(obs))
	for g := range obs {
		out[g] = mat.NewVecDense(cols, mat.Row(nil, t, obs[g]))
	}
	return out, true, nil
}

// invert computes dst = a⁻¹. mat.Condition marks an ill-conditioned but
// still computed inverse; anything else is fatal.
func invert(dst *mat.Dense, a mat.Matrix) error {
	err := dst.Inverse(a)
	if err == nil {
		return nil
	}
	var cond mat.Condition
	if errors.As(err, &cond) {
		return nil
	}
	return err
}

func eye(n int) *mat.Dense {
	result := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		result.Set(i, i, 1.0)
	}
	return result
}

func symFromDense(m *mat.Dense) *mat.SymDense {
	n, _ := m.Dims()
	s := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			s.SetSym(i, j, m.At(i, j))
		}
	}
	return s
}

// subVec selects dims out of v. A nil dims keeps v as is.
func subVec(v *mat.VecDense, dims []int) *mat.VecDense {
	if dims == nil {
		return v
	}
	out := mat.NewVecDense(len(dims), nil)
	for i, d := range dims {
		out.SetVec(i, v.AtVec(d))
	}
	return out
}

// subMatrixRows selects rows of m at dims, keeping all columns.
func subMatrixRows(m *mat.Dense, dims []int) *mat.Dense {
	if dims == nil {
		return m
	}
	_, c := m.Dims()
	out := mat.NewDense(len(dims), c, nil)
	for i, d := range dims {
		out.SetRow(i, mat.Row(nil, d, m))
	}
	return out
}

// subMatrix selects the square submatrix of m at dims×dims.
func subMatrix(m *mat.Dense, dims []int) *mat.Dense {
	if dims == nil {
		return m
	}
	out := mat.NewDense(len(dims), len(dims), nil)
	for i, di := range dims {
		for j, dj := range dims {
			out.Set(i, j, m.At(di, dj))
		}
	}
	return out
}
