package kalman

import (
	"fmt"

	"github.com/kalcast/kalcast/kalman/models"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distmv"
)

// Gaussian is the unconstrained multivariate-normal belief family.
type Gaussian struct {
	belief
}

// NewGaussian constructs a belief over batched state, one mean vector and
// one covariance matrix per group.
func NewGaussian(means []*mat.VecDense, covs []*mat.Dense, opts ...Option) (*Gaussian, error) {
	o := newCallOpts(opts)
	if err := o.allow("NewGaussian", "LastMeasured"); err != nil {
		return nil, err
	}
	b, err := newBelief(means, covs, o.lastMeasured)
	if err != nil {
		return nil, err
	}
	return &Gaussian{belief: b}, nil
}

func (g *Gaussian) familyName() string { return "gaussian" }

func (g *Gaussian) acceptsBounds() bool { return false }

func (g *Gaussian) cloneWith(means []*mat.VecDense, covs []*mat.Dense, lastMeasured []int) StateBelief {
	if lastMeasured == nil {
		lastMeasured = make([]int, len(means))
	}
	return &Gaussian{belief: belief{means: means, covs: covs, lastMeasured: lastMeasured, log: g.log}}
}

func (g *Gaussian) Copy() StateBelief {
	return &Gaussian{belief: g.copyCore()}
}

func (g *Gaussian) Predict(F, Q []*mat.Dense) (StateBelief, error) {
	nb, err := g.predict(F, Q)
	if err != nil {
		return nil, err
	}
	return &Gaussian{belief: *nb}, nil
}

func (g *Gaussian) Update(obs []*mat.VecDense, opts ...Option) (StateBelief, error) {
	o := newCallOpts(opts)
	if err := o.allow("Update"); err != nil {
		return nil, err
	}
	means, covs, lm, err := g.update(obs, o, g.updateGroups)
	if err != nil {
		return nil, err
	}
	return &Gaussian{belief: belief{means: means, covs: covs, lastMeasured: lm, log: g.log}}, nil
}

func (g *Gaussian) UpdateAt(obs []*mat.Dense, t int, opts ...Option) (StateBelief, error) {
	o := newCallOpts(opts)
	if err := o.allow("UpdateAt"); err != nil {
		return nil, err
	}
	step, ok, err := obsAt(obs, len(g.means), t)
	if err != nil {
		return nil, fmt.Errorf("update: %w", err)
	}
	if !ok {
		return g.Copy(), nil
	}
	means, covs, lm, err := g.update(step, o, g.updateGroups)
	if err != nil {
		return nil, err
	}
	return &Gaussian{belief: belief{means: means, covs: covs, lastMeasured: lm, log: g.log}}, nil
}

// updateGroups applies the standard Kalman measurement update to one
// bucket of groups sharing the same valid dimensions.
func (g *Gaussian) updateGroups(groups, dims []int, obs []*mat.VecDense, _ *callOpts,
	newMeans []*mat.VecDense, newCovs []*mat.Dense) error {
	for _, gi := range groups {
		h := subMatrixRows(g.h[gi], dims)
		r := subMatrix(g.r[gi], dims)
		z := subVec(obs[gi], dims)
		mean := g.means[gi]
		cov := g.covs[gi]
		n := mean.Len()
		d := z.Len()

		preFitResidual := mat.NewVecDense(d, nil)
		preFitResidual.MulVec(h, mean)
		preFitResidual.SubVec(z, preFitResidual)

		preFitResidualCov := mat.NewDense(d, d, nil)
		preFitResidualCov.Product(h, cov, h.T())
		preFitResidualCov.Add(preFitResidualCov, r)

		preFitResidualCovInv := mat.NewDense(d, d, nil)
		if err := invert(preFitResidualCovInv, preFitResidualCov); err != nil {
			return fmt.Errorf("update: group %d: %w", gi, err)
		}

		gain := mat.NewDense(n, d, nil)
		gain.Product(cov, h.T(), preFitResidualCovInv)

		newState := mat.NewVecDense(n, nil)
		newState.MulVec(gain, preFitResidual)
		newState.AddVec(mean, newState)

		newCovariance := mat.NewDense(n, n, nil)
		newCovariance.Mul(gain, h)
		newCovariance.Sub(eye(n), newCovariance)
		newCovariance.Mul(newCovariance, cov)

		newMeans[gi] = newState
		newCovs[gi] = newCovariance
	}
	return nil
}

func (g *Gaussian) Realize(opts ...Option) error {
	o := newCallOpts(opts)
	if err := o.allow("Realize", "Attempts", "StateNoise", "RandSource"); err != nil {
		return err
	}
	return g.realize(o, g.sampleTransition)
}

// sampleTransition draws one state vector per group from the current
// belief via Cholesky decomposition of each covariance.
func (g *Gaussian) sampleTransition(o *callOpts) ([]*mat.VecDense, error) {
	G := len(g.means)
	n := g.means[0].Len()
	if o.stateNoise != nil {
		if len(o.stateNoise) != G {
			return nil, fmt.Errorf("realize: %d noise vectors for %d groups", len(o.stateNoise), G)
		}
		for gi, eps := range o.stateNoise {
			if eps == nil || eps.Len() != n {
				return nil, fmt.Errorf("realize: noise vector for group %d must have %d dimensions", gi, n)
			}
		}
	}
	out := make([]*mat.VecDense, G)
	var chol mat.Cholesky
	for gi := 0; gi < G; gi++ {
		if ok := chol.Factorize(symFromDense(g.covs[gi])); !ok {
			return nil, fmt.Errorf("realize: covariance for group %d is not positive definite", gi)
		}
		if o.stateNoise != nil {
			var l mat.TriDense
			chol.LTo(&l)
			s := mat.NewVecDense(n, nil)
			s.MulVec(&l, o.stateNoise[gi])
			s.AddVec(g.means[gi], s)
			out[gi] = s
		} else {
			s := distmv.NormalRand(nil, g.means[gi].RawVector().Data, &chol, o.src)
			out[gi] = mat.NewVecDense(n, s)
		}
	}
	return out, nil
}

func (g *Gaussian) SimulateTrajectories(design models.Design, opts ...Option) (*StateBeliefOverTime, error) {
	o := newCallOpts(opts)
	if err := o.allow("SimulateTrajectories",
		"Attempts", "SeriesStateNoise", "RandSource", "Progress", "SkipMeasurement"); err != nil {
		return nil, err
	}
	return simulate(g, design, o)
}

// logProbAt evaluates the multivariate-normal log density of one group's
// observation at one timestep, restricted to the valid dimensions.
func (g *Gaussian) logProbAt(ot *StateBeliefOverTime, obs []*mat.Dense, gi, t int, dims []int, _ *callOpts) (float64, error) {
	pred, err := ot.Predictions()
	if err != nil {
		return 0, err
	}
	unc, err := ot.PredictionUncertainty()
	if err != nil {
		return 0, err
	}
	mu := make([]float64, len(dims))
	x := make([]float64, len(dims))
	for i, d := range dims {
		mu[i] = pred[gi].At(t, d)
		x[i] = obs[gi].At(t, d)
	}
	var chol mat.Cholesky
	if ok := chol.Factorize(symFromDense(subMatrix(unc[gi][t], dims))); !ok {
		return 0, fmt.Errorf("log prob: prediction uncertainty for group %d time %d is not positive definite", gi, t)
	}
	return distmv.NormalLogProb(x, mu, &chol), nil
}
