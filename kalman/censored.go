package kalman

import (
	"fmt"
	"math"

	"github.com/kalcast/kalcast/kalman/models"
	"gonum.org/v1/gonum/floats/scalar"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"
)

// CensoredGaussian is the belief family for observations censored at known
// bounds. The measurement update replaces the usual residual with the
// moments of the censored distribution, and the likelihood scores values
// at a bound by tail mass instead of density. With every bound infinite it
// reduces to the Gaussian family.
type CensoredGaussian struct {
	belief
}

// NewCensoredGaussian constructs a censored belief over batched state, one
// mean vector and one covariance matrix per group.
func NewCensoredGaussian(means []*mat.VecDense, covs []*mat.Dense, opts ...Option) (*CensoredGaussian, error) {
	o := newCallOpts(opts)
	if err := o.allow("NewCensoredGaussian", "LastMeasured"); err != nil {
		return nil, err
	}
	b, err := newBelief(means, covs, o.lastMeasured)
	if err != nil {
		return nil, err
	}
	return &CensoredGaussian{belief: b}, nil
}

func (c *CensoredGaussian) familyName() string { return "censored-gaussian" }

func (c *CensoredGaussian) acceptsBounds() bool { return true }

func (c *CensoredGaussian) cloneWith(means []*mat.VecDense, covs []*mat.Dense, lastMeasured []int) StateBelief {
	if lastMeasured == nil {
		lastMeasured = make([]int, len(means))
	}
	return &CensoredGaussian{belief: belief{means: means, covs: covs, lastMeasured: lastMeasured, log: c.log}}
}

func (c *CensoredGaussian) Copy() StateBelief {
	return &CensoredGaussian{belief: c.copyCore()}
}

func (c *CensoredGaussian) Predict(F, Q []*mat.Dense) (StateBelief, error) {
	nb, err := c.predict(F, Q)
	if err != nil {
		return nil, err
	}
	return &CensoredGaussian{belief: *nb}, nil
}

func (c *CensoredGaussian) Update(obs []*mat.VecDense, opts ...Option) (StateBelief, error) {
	o := newCallOpts(opts)
	if err := o.allow("Update", "Bounds"); err != nil {
		return nil, err
	}
	if err := c.checkBounds(o); err != nil {
		return nil, err
	}
	means, covs, lm, err := c.update(obs, o, c.updateGroups)
	if err != nil {
		return nil, err
	}
	return &CensoredGaussian{belief: belief{means: means, covs: covs, lastMeasured: lm, log: c.log}}, nil
}

func (c *CensoredGaussian) UpdateAt(obs []*mat.Dense, t int, opts ...Option) (StateBelief, error) {
	o := newCallOpts(opts)
	if err := o.allow("UpdateAt", "SeriesBounds"); err != nil {
		return nil, err
	}
	step, ok, err := obsAt(obs, len(c.means), t)
	if err != nil {
		return nil, fmt.Errorf("update: %w", err)
	}
	if !ok {
		return c.Copy(), nil
	}
	if o.seriesLower != nil {
		if o.lower, err = sliceBounds(o.seriesLower, obs, t, "lower"); err != nil {
			return nil, err
		}
	}
	if o.seriesUpper != nil {
		if o.upper, err = sliceBounds(o.seriesUpper, obs, t, "upper"); err != nil {
			return nil, err
		}
	}
	if err := c.checkBounds(o); err != nil {
		return nil, err
	}
	means, covs, lm, err := c.update(step, o, c.updateGroups)
	if err != nil {
		return nil, err
	}
	return &CensoredGaussian{belief: belief{means: means, covs: covs, lastMeasured: lm, log: c.log}}, nil
}

// checkBounds verifies the single-step bound vectors against the attached
// measurement shape.
func (c *CensoredGaussian) checkBounds(o *callOpts) error {
	if o.lower == nil && o.upper == nil {
		return nil
	}
	if c.h == nil {
		return fmt.Errorf("update: %w", ErrUnmeasured)
	}
	m, _ := c.h[0].Dims()
	for _, side := range []struct {
		name   string
		bounds []*mat.VecDense
	}{{"lower", o.lower}, {"upper", o.upper}} {
		if side.bounds == nil {
			continue
		}
		if len(side.bounds) != len(c.means) {
			return fmt.Errorf("update: %d %s bound vectors for %d groups", len(side.bounds), side.name, len(c.means))
		}
		for g, v := range side.bounds {
			if v != nil && v.Len() != m {
				return fmt.Errorf("update: %s bounds for group %d have %d dimensions, expected %d",
					side.name, g, v.Len(), m)
			}
		}
	}
	return nil
}

// updateGroups applies the censoring-adjusted measurement update to one
// bucket of groups sharing the same valid dimensions.
func (c *CensoredGaussian) updateGroups(groups, dims []int, obs []*mat.VecDense, o *callOpts,
	newMeans []*mat.VecDense, newCovs []*mat.Dense) error {
	for _, gi := range groups {
		h := subMatrixRows(c.h[gi], dims)
		r := subMatrix(c.r[gi], dims)
		z := subVec(obs[gi], dims)
		mean := c.means[gi]
		cov := c.covs[gi]
		n := mean.Len()
		d := z.Len()

		lower, err := resolveBounds(o.lower, gi, dims, d, math.Inf(-1), "lower")
		if err != nil {
			return err
		}
		upper, err := resolveBounds(o.upper, gi, dims, d, math.Inf(1), "upper")
		if err != nil {
			return err
		}
		for i := 0; i < d; i++ {
			if lower.AtVec(i) == upper.AtVec(i) {
				dim := i
				if dims != nil {
					dim = dims[i]
				}
				return fmt.Errorf("update: group %d dimension %d: %w", gi, dim, ErrDegenerateBounds)
			}
		}

		measured := mat.NewVecDense(d, nil)
		measured.MulVec(h, mean)

		probLo, probUp := tobitProbs(measured, r, lower, upper)
		mAdj, rAdj := tobitAdjustment(measured, r, lower, upper, probLo, probUp)

		probObs := mat.NewDense(d, d, nil)
		for i := 0; i < d; i++ {
			probObs.Set(i, i, 1-probLo.AtVec(i)-probUp.AtVec(i))
		}

		stateUncertainty := mat.NewDense(n, d, nil)
		stateUncertainty.Product(cov, h.T(), probObs)

		systemUncertainty := mat.NewDense(d, d, nil)
		systemUncertainty.Product(probObs, h, cov, h.T(), probObs)
		systemUncertainty.Add(systemUncertainty, rAdj)

		systemUncertaintyInv := mat.NewDense(d, d, nil)
		if err := invert(systemUncertaintyInv, systemUncertainty); err != nil {
			return fmt.Errorf("update: group %d: %w", gi, err)
		}

		gain := mat.NewDense(n, d, nil)
		gain.Mul(stateUncertainty, systemUncertaintyInv)

		residual := mat.NewVecDense(d, nil)
		residual.SubVec(z, mAdj)

		newState := mat.NewVecDense(n, nil)
		newState.MulVec(gain, residual)
		newState.AddVec(mean, newState)

		newCovariance := mat.NewDense(n, n, nil)
		newCovariance.Product(gain, probObs, h)
		newCovariance.Sub(eye(n), newCovariance)
		newCovariance.Mul(newCovariance, cov)

		newMeans[gi] = newState
		newCovs[gi] = newCovariance
	}
	return nil
}

func (c *CensoredGaussian) Realize(opts ...Option) error {
	o := newCallOpts(opts)
	if err := o.allow("Realize", "Attempts", "StateNoise", "RandSource", "Bounds"); err != nil {
		return err
	}
	if o.lower != nil || o.upper != nil {
		return fmt.Errorf("realize: sampling with censoring bounds is not implemented")
	}
	return c.realize(o, c.sampleTransition)
}

// sampleTransition draws the latent state, which censoring does not touch:
// bounds constrain observations, not the state itself.
func (c *CensoredGaussian) sampleTransition(o *callOpts) ([]*mat.VecDense, error) {
	g := Gaussian{belief: belief{means: c.means, covs: c.covs, lastMeasured: c.lastMeasured, log: c.log}}
	return g.sampleTransition(o)
}

func (c *CensoredGaussian) SimulateTrajectories(design models.Design, opts ...Option) (*StateBeliefOverTime, error) {
	o := newCallOpts(opts)
	if err := o.allow("SimulateTrajectories",
		"Attempts", "SeriesStateNoise", "RandSource", "Progress", "SkipMeasurement"); err != nil {
		return nil, err
	}
	return simulate(c, design, o)
}

// logProbAt scores one group's observation at one timestep dimension by
// dimension: the normal density off the bounds and the tail mass at them.
func (c *CensoredGaussian) logProbAt(ot *StateBeliefOverTime, obs []*mat.Dense, gi, t int, dims []int, o *callOpts) (float64, error) {
	pred, err := ot.Predictions()
	if err != nil {
		return 0, err
	}
	unc, err := ot.PredictionUncertainty()
	if err != nil {
		return 0, err
	}
	var sum float64
	for _, d := range dims {
		y := obs[gi].At(t, d)
		std := math.Sqrt(unc[gi][t].At(d, d))
		z := (pred[gi].At(t, d) - y) / std

		lower, upper := math.Inf(-1), math.Inf(1)
		if o.seriesLower != nil && o.seriesLower[gi] != nil {
			lower = o.seriesLower[gi].At(t, d)
		}
		if o.seriesUpper != nil && o.seriesUpper[gi] != nil {
			upper = o.seriesUpper[gi].At(t, d)
		}

		switch {
		case atBound(y, lower):
			sum += math.Log(1 - distuv.UnitNormal.CDF(clamp(z, -cdfClamp, cdfClamp)))
		case atBound(y, upper):
			sum += math.Log(distuv.UnitNormal.CDF(clamp(z, -cdfClamp, cdfClamp)))
		default:
			sum += distuv.UnitNormal.LogProb(z) - math.Log(std)
		}
	}
	return sum, nil
}

func atBound(y, bound float64) bool {
	if math.IsInf(bound, 0) {
		return false
	}
	return scalar.EqualWithinAbsOrRel(y, bound, 1e-8, 1e-5)
}

// resolveBounds extracts one group's bounds restricted to dims, with def
// filling absent entries. NaN bounds at a valid dimension are rejected.
func resolveBounds(series []*mat.VecDense, gi int, dims []int, d int, def float64, name string) (*mat.VecDense, error) {
	out := mat.NewVecDense(d, nil)
	for i := 0; i < d; i++ {
		idx := i
		if dims != nil {
			idx = dims[i]
		}
		v := def
		if series != nil && series[gi] != nil {
			v = series[gi].AtVec(idx)
		}
		if math.IsNaN(v) {
			return nil, fmt.Errorf("update: group %d: NaN in %s censoring bounds", gi, name)
		}
		out.SetVec(i, v)
	}
	return out, nil
}

// sliceBounds extracts the timestep-t row of per-group bound series, which
// must be shaped like the observation series.
func sliceBounds(bounds, obs []*mat.Dense, t int, name string) ([]*mat.VecDense, error) {
	if len(bounds) != len(obs) {
		return nil, fmt.Errorf("update: %d %s bound series for %d groups", len(bounds), name, len(obs))
	}
	out := make([]*mat.VecDense, len(bounds))
	for g := range bounds {
		if bounds[g] == nil {
			continue
		}
		br, bc := bounds[g].Dims()
		or, oc := obs[g].Dims()
		if br != or || bc != oc {
			return nil, fmt.Errorf("update: %s bound series for group %d is %dx%d, observations are %dx%d",
				name, g, br, bc, or, oc)
		}
		out[g] = mat.NewVecDense(bc, mat.Row(nil, t, bounds[g]))
	}
	return out, nil
}
