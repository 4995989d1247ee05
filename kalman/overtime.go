package kalman

import (
	"fmt"
	"math"

	"github.com/kalcast/kalcast/kalman/models"
	"github.com/kalcast/kalcast/logging"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distmv"
)

// StateBeliefOverTime is a finalized per-timestep belief sequence, as
// produced by a filter or simulation pass. Each belief is the one-step
// prediction for its timestep, so derived quantities such as Predictions
// and LogProb measure forecast quality rather than fit.
//
// Derived views are computed lazily and cached; the sequence is not safe
// for concurrent use.
type StateBeliefOverTime struct {
	beliefs []StateBelief
	design  models.Design
	log     logging.Log

	lastUpdateIdx []int

	means       []*mat.Dense
	covs        [][]*mat.Dense
	h           [][]*mat.Dense
	r           [][]*mat.Dense
	predictions []*mat.Dense
	uncertainty [][]*mat.Dense
}

// ConcatenateOverTime wraps a finished belief sequence. All beliefs must
// share the family, group count and state dimension.
func ConcatenateOverTime(beliefs []StateBelief, design models.Design) (*StateBeliefOverTime, error) {
	if len(beliefs) == 0 {
		return nil, fmt.Errorf("concatenate: no beliefs")
	}
	if design == nil {
		return nil, fmt.Errorf("concatenate: design is required")
	}
	first := beliefs[0]
	for i, sb := range beliefs[1:] {
		if sb.familyName() != first.familyName() {
			return nil, fmt.Errorf("concatenate: belief %d is %s, expected %s", i+1, sb.familyName(), first.familyName())
		}
		if sb.NumGroups() != first.NumGroups() {
			return nil, fmt.Errorf("concatenate: belief %d has %d groups, expected %d", i+1, sb.NumGroups(), first.NumGroups())
		}
		if sb.StateDim() != first.StateDim() {
			return nil, fmt.Errorf("concatenate: belief %d has %d state dimensions, expected %d", i+1, sb.StateDim(), first.StateDim())
		}
	}

	ot := &StateBeliefOverTime{
		beliefs:       beliefs,
		design:        design,
		log:           logging.GetLog("kalman"),
		lastUpdateIdx: make([]int, first.NumGroups()),
	}
	// the last belief still within one step of an observation marks each
	// group's forecast origin
	for t, sb := range beliefs {
		for g, lm := range sb.LastMeasured() {
			if lm <= 1 {
				ot.lastUpdateIdx[g] = t
			}
		}
	}
	return ot, nil
}

func (ot *StateBeliefOverTime) NumGroups() int { return ot.beliefs[0].NumGroups() }

func (ot *StateBeliefOverTime) NumTimesteps() int { return len(ot.beliefs) }

func (ot *StateBeliefOverTime) StateDim() int { return ot.beliefs[0].StateDim() }

func (ot *StateBeliefOverTime) Design() models.Design { return ot.design }

func (ot *StateBeliefOverTime) Beliefs() []StateBelief { return ot.beliefs }

// LastUpdateIdx returns, per group, the index of the last belief within
// one step of a real observation.
func (ot *StateBeliefOverTime) LastUpdateIdx() []int { return ot.lastUpdateIdx }

// Means returns the state means stacked over time, one timestep-by-state
// matrix per group.
func (ot *StateBeliefOverTime) Means() []*mat.Dense {
	if ot.means == nil {
		G, T, n := ot.NumGroups(), ot.NumTimesteps(), ot.StateDim()
		means := make([]*mat.Dense, G)
		for g := 0; g < G; g++ {
			m := mat.NewDense(T, n, nil)
			for t, sb := range ot.beliefs {
				m.SetRow(t, sb.Means()[g].RawVector().Data)
			}
			means[g] = m
		}
		ot.means = means
	}
	return ot.means
}

// Covs returns the state covariances indexed by group then timestep.
func (ot *StateBeliefOverTime) Covs() [][]*mat.Dense {
	if ot.covs == nil {
		G, T := ot.NumGroups(), ot.NumTimesteps()
		covs := make([][]*mat.Dense, G)
		for g := 0; g < G; g++ {
			covs[g] = make([]*mat.Dense, T)
			for t, sb := range ot.beliefs {
				covs[g][t] = sb.Covs()[g]
			}
		}
		ot.covs = covs
	}
	return ot.covs
}

// H returns the observation matrices indexed by group then timestep, or
// ErrUnmeasured when any belief has no measurement attached.
func (ot *StateBeliefOverTime) H() ([][]*mat.Dense, error) {
	if ot.h == nil {
		G, T := ot.NumGroups(), ot.NumTimesteps()
		h := make([][]*mat.Dense, G)
		for g := 0; g < G; g++ {
			h[g] = make([]*mat.Dense, T)
		}
		for t, sb := range ot.beliefs {
			hs, err := sb.H()
			if err != nil {
				return nil, fmt.Errorf("time %d: %w", t, err)
			}
			for g := range hs {
				h[g][t] = hs[g]
			}
		}
		ot.h = h
	}
	return ot.h, nil
}

// R returns the observation noise matrices indexed by group then timestep.
func (ot *StateBeliefOverTime) R() ([][]*mat.Dense, error) {
	if ot.r == nil {
		G, T := ot.NumGroups(), ot.NumTimesteps()
		r := make([][]*mat.Dense, G)
		for g := 0; g < G; g++ {
			r[g] = make([]*mat.Dense, T)
		}
		for t, sb := range ot.beliefs {
			rs, err := sb.R()
			if err != nil {
				return nil, fmt.Errorf("time %d: %w", t, err)
			}
			for g := range rs {
				r[g][t] = rs[g]
			}
		}
		ot.r = r
	}
	return ot.r, nil
}

// Predictions returns the belief means on the measurement scale, H·mean,
// one timestep-by-measure matrix per group.
func (ot *StateBeliefOverTime) Predictions() ([]*mat.Dense, error) {
	if ot.predictions == nil {
		h, err := ot.H()
		if err != nil {
			return nil, err
		}
		G, T := ot.NumGroups(), ot.NumTimesteps()
		m, _ := h[0][0].Dims()
		out := make([]*mat.Dense, G)
		for g := 0; g < G; g++ {
			p := mat.NewDense(T, m, nil)
			v := mat.NewVecDense(m, nil)
			for t := 0; t < T; t++ {
				v.MulVec(h[g][t], ot.beliefs[t].Means()[g])
				p.SetRow(t, v.RawVector().Data)
			}
			out[g] = p
		}
		ot.predictions = out
	}
	return ot.predictions, nil
}

// PredictionUncertainty returns the covariance on the measurement scale,
// H·cov·Hᵗ + R, indexed by group then timestep. A negative variance on
// the diagonal means the state covariance lost positive definiteness; it
// is reported once per sequence as a warning.
func (ot *StateBeliefOverTime) PredictionUncertainty() ([][]*mat.Dense, error) {
	if ot.uncertainty == nil {
		h, err := ot.H()
		if err != nil {
			return nil, err
		}
		r, err := ot.R()
		if err != nil {
			return nil, err
		}
		G, T := ot.NumGroups(), ot.NumTimesteps()
		m, _ := h[0][0].Dims()
		covs := ot.Covs()
		negative := false
		out := make([][]*mat.Dense, G)
		for g := 0; g < G; g++ {
			out[g] = make([]*mat.Dense, T)
			for t := 0; t < T; t++ {
				u := mat.NewDense(m, m, nil)
				u.Product(h[g][t], covs[g][t], h[g][t].T())
				u.Add(u, r[g][t])
				for i := 0; i < m; i++ {
					if u.At(i, i) < 0 {
						negative = true
					}
				}
				out[g][t] = u
			}
		}
		if negative {
			ot.log.Warnf("negative variance in prediction uncertainty, state covariance may not be positive definite")
		}
		ot.uncertainty = out
	}
	return ot.uncertainty, nil
}

// LogProb scores the observation series against the one-step predictions,
// returning a group-by-timestep matrix of log likelihoods. Fully missing
// timesteps score zero. The series may be shorter than the belief
// sequence; trailing beliefs are forecasts and are not scored.
//
// Positions are evaluated in chunks: a leading run of complete timesteps,
// the remaining complete timesteps, and the rest grouped by their exact
// valid-dimension pattern.
func (ot *StateBeliefOverTime) LogProb(obs []*mat.Dense, opts ...Option) (*mat.Dense, error) {
	o := newCallOpts(opts)
	if err := o.allow("LogProb", "SeriesBounds"); err != nil {
		return nil, err
	}
	fam := ot.beliefs[0]
	G := ot.NumGroups()
	if len(obs) != G {
		return nil, fmt.Errorf("log prob: %d observation series for %d groups", len(obs), G)
	}
	T, m := obs[0].Dims()
	for g := range obs {
		if r, c := obs[g].Dims(); r != T || c != m {
			return nil, fmt.Errorf("log prob: observation series for group %d is %dx%d, others are %dx%d",
				g, r, c, T, m)
		}
	}
	if T > ot.NumTimesteps() {
		return nil, fmt.Errorf("log prob: %d timesteps of observations for %d beliefs", T, ot.NumTimesteps())
	}
	pred, err := ot.Predictions()
	if err != nil {
		return nil, err
	}
	if _, pm := pred[0].Dims(); pm != m {
		return nil, fmt.Errorf("log prob: observations have %d measures, expected %d", m, pm)
	}
	if o.seriesLower != nil || o.seriesUpper != nil {
		if !fam.acceptsBounds() {
			return nil, fmt.Errorf("log prob: censoring bounds require the censored-gaussian family")
		}
		for _, side := range []struct {
			name   string
			bounds []*mat.Dense
		}{{"lower", o.seriesLower}, {"upper", o.seriesUpper}} {
			if side.bounds == nil {
				continue
			}
			if len(side.bounds) != G {
				return nil, fmt.Errorf("log prob: %d %s bound series for %d groups", len(side.bounds), side.name, G)
			}
			for g, b := range side.bounds {
				if b == nil {
					continue
				}
				if br, bc := b.Dims(); br != T || bc != m {
					return nil, fmt.Errorf("log prob: %s bound series for group %d is %dx%d, observations are %dx%d",
						side.name, g, br, bc, T, m)
				}
			}
		}
	}

	allGroups := make([]int, G)
	for g := range allGroups {
		allGroups[g] = g
	}
	allDims := make([]int, m)
	for d := range allDims {
		allDims[d] = d
	}

	chunks := buildLogProbChunks(obs, G, T, m)
	out := mat.NewDense(G, T, nil)
	for _, ch := range chunks {
		logProbChunkCounter.Inc(1)
		groups := ch.groups
		if groups == nil {
			groups = allGroups
		}
		dims := ch.dims
		if dims == nil {
			dims = allDims
		}
		for _, t := range ch.times {
			for _, g := range groups {
				lp, err := fam.logProbAt(ot, obs, g, t, dims, o)
				if err != nil {
					return nil, err
				}
				out.Set(g, t, lp)
			}
		}
	}
	ot.log.Tracef("log prob evaluated %d chunks over %d groups x %d timesteps", len(chunks), G, T)
	return out, nil
}

type lpChunk struct {
	groups []int // nil selects every group
	times  []int
	dims   []int // nil selects every dimension
}

// buildLogProbChunks partitions the positions needing evaluation. Fully
// missing timesteps are left out; a leading run of complete timesteps
// merges into one chunk and later complete timesteps batch into another;
// each remaining position joins a chunk keyed by timestep and pattern.
func buildLogProbChunks(obs []*mat.Dense, G, T, m int) []lpChunk {
	type sigKey struct {
		t   int
		sig string
	}
	var order []sigKey
	sigGroups := make(map[sigKey][]int)
	sigDims := make(map[sigKey][]int)

	var timesWithoutNaN []int
	lastNoNaNT := -1

	for t := 0; t < T; t++ {
		allNaN, anyNaN := true, false
		for g := 0; g < G; g++ {
			for d := 0; d < m; d++ {
				if math.IsNaN(obs[g].At(t, d)) {
					anyNaN = true
				} else {
					allNaN = false
				}
			}
		}
		if allNaN {
			continue
		}
		if !anyNaN {
			if lastNoNaNT == t-1 {
				lastNoNaNT++
			} else {
				timesWithoutNaN = append(timesWithoutNaN, t)
			}
			continue
		}
		for g := 0; g < G; g++ {
			var dims []int
			mask := make([]byte, m)
			for d := 0; d < m; d++ {
				if math.IsNaN(obs[g].At(t, d)) {
					mask[d] = '0'
				} else {
					mask[d] = '1'
					dims = append(dims, d)
				}
			}
			if len(dims) == 0 {
				continue
			}
			key := sigKey{t: t, sig: string(mask)}
			if _, ok := sigGroups[key]; !ok {
				order = append(order, key)
				sigDims[key] = dims
			}
			sigGroups[key] = append(sigGroups[key], g)
		}
	}

	var chunks []lpChunk
	for _, key := range order {
		chunks = append(chunks, lpChunk{groups: sigGroups[key], times: []int{key.t}, dims: sigDims[key]})
	}
	if lastNoNaNT >= 0 {
		times := make([]int, lastNoNaNT+1)
		for i := range times {
			times[i] = i
		}
		chunks = append(chunks, lpChunk{times: times})
	}
	if len(timesWithoutNaN) > 0 {
		chunks = append(chunks, lpChunk{times: timesWithoutNaN})
	}
	return chunks
}

// SampleMeasurements draws one observation series per group from the
// prediction distribution at every timestep.
func (ot *StateBeliefOverTime) SampleMeasurements(opts ...Option) ([]*mat.Dense, error) {
	o := newCallOpts(opts)
	if err := o.allow("SampleMeasurements",
		"MeasurementNoise", "NoiseScale", "RandSource", "SeriesBounds"); err != nil {
		return nil, err
	}
	if o.seriesLower != nil || o.seriesUpper != nil {
		if !ot.beliefs[0].acceptsBounds() {
			return nil, fmt.Errorf("sample measurements: censoring bounds require the censored-gaussian family")
		}
		return nil, fmt.Errorf("sample measurements: sampling with censoring bounds is not implemented")
	}
	pred, err := ot.Predictions()
	if err != nil {
		return nil, err
	}
	unc, err := ot.PredictionUncertainty()
	if err != nil {
		return nil, err
	}
	G, T := ot.NumGroups(), ot.NumTimesteps()
	_, m := pred[0].Dims()
	if o.measurementNoise != nil {
		if len(o.measurementNoise) != G {
			return nil, fmt.Errorf("sample measurements: %d noise series for %d groups", len(o.measurementNoise), G)
		}
		for g, eps := range o.measurementNoise {
			if r, c := eps.Dims(); r < T || c != m {
				return nil, fmt.Errorf("sample measurements: noise series for group %d is %dx%d, expected at least %dx%d",
					g, r, c, T, m)
			}
		}
	}

	out := make([]*mat.Dense, G)
	var chol mat.Cholesky
	for g := 0; g < G; g++ {
		s := mat.NewDense(T, m, nil)
		for t := 0; t < T; t++ {
			if ok := chol.Factorize(symFromDense(unc[g][t])); !ok {
				return nil, fmt.Errorf("sample measurements: uncertainty for group %d time %d is not positive definite", g, t)
			}
			mean := mat.Row(nil, t, pred[g])
			var row []float64
			if o.measurementNoise != nil {
				var l mat.TriDense
				chol.LTo(&l)
				noise := mat.NewVecDense(m, nil)
				noise.MulVec(&l, mat.NewVecDense(m, mat.Row(nil, t, o.measurementNoise[g])))
				row = make([]float64, m)
				for i := 0; i < m; i++ {
					row[i] = mean[i] + o.noiseScale*noise.AtVec(i)
				}
			} else {
				row = distmv.NormalRand(nil, mean, &chol, o.src)
				if o.noiseScale != 1 {
					for i := 0; i < m; i++ {
						row[i] = mean[i] + o.noiseScale*(row[i]-mean[i])
					}
				}
			}
			s.SetRow(t, row)
		}
		out[g] = s
	}
	return out, nil
}

// StateBeliefForTime extracts one timestep per group into a single belief,
// carrying the measurement matrices along when every source belief has
// them.
func (ot *StateBeliefOverTime) StateBeliefForTime(timeIdx []int) (StateBelief, error) {
	G := ot.NumGroups()
	if len(timeIdx) != G {
		return nil, fmt.Errorf("state belief for time: %d indices for %d groups", len(timeIdx), G)
	}
	for g, t := range timeIdx {
		if t < 0 || t >= ot.NumTimesteps() {
			return nil, fmt.Errorf("state belief for time: index %d out of range for group %d", t, g)
		}
	}

	means := make([]*mat.VecDense, G)
	covs := make([]*mat.Dense, G)
	hs := make([]*mat.Dense, G)
	rs := make([]*mat.Dense, G)
	measured := true
	for g, t := range timeIdx {
		sb := ot.beliefs[t]
		means[g] = mat.VecDenseCopyOf(sb.Means()[g])
		covs[g] = mat.DenseCopyOf(sb.Covs()[g])
		h, err := sb.H()
		if err != nil {
			measured = false
			continue
		}
		r, _ := sb.R()
		hs[g] = mat.DenseCopyOf(h[g])
		rs[g] = mat.DenseCopyOf(r[g])
	}

	out := ot.beliefs[0].cloneWith(means, covs, nil)
	if measured {
		if err := out.ComputeMeasurement(hs, rs, false); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// LastUpdate returns the belief at each group's last-update index, the
// natural starting point for forecasting past the observed span.
func (ot *StateBeliefOverTime) LastUpdate() (StateBelief, error) {
	return ot.StateBeliefForTime(ot.lastUpdateIdx)
}
