package kalman_test

import (
	"math"
	"math/rand/v2"
	"testing"

	"github.com/kalcast/kalcast/kalman"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

// scalarBelief is a one-group, one-dimensional belief with the given mean
// and variance.
func scalarBelief(t *testing.T, mean, variance float64) *kalman.Gaussian {
	t.Helper()
	sb, err := kalman.NewGaussian(
		[]*mat.VecDense{mat.NewVecDense(1, []float64{mean})},
		[]*mat.Dense{mat.NewDense(1, 1, []float64{variance})},
	)
	require.NoError(t, err)
	return sb
}

func attachScalarMeasurement(t *testing.T, sb kalman.StateBelief, obsVariance float64) {
	t.Helper()
	require.NoError(t, sb.ComputeMeasurement(
		[]*mat.Dense{mat.NewDense(1, 1, []float64{1})},
		[]*mat.Dense{mat.NewDense(1, 1, []float64{obsVariance})},
		false,
	))
}

func TestNewGaussianValidation(t *testing.T) {
	mean := mat.NewVecDense(2, []float64{0, 0})
	cov := mat.NewDense(2, 2, []float64{1, 0, 0, 1})

	_, err := kalman.NewGaussian(nil, nil)
	require.ErrorContains(t, err, "at least one group")

	_, err = kalman.NewGaussian([]*mat.VecDense{mean}, nil)
	require.ErrorContains(t, err, "covariances")

	_, err = kalman.NewGaussian(
		[]*mat.VecDense{mean, mat.NewVecDense(3, nil)},
		[]*mat.Dense{cov, mat.NewDense(3, 3, nil)})
	require.ErrorContains(t, err, "mean for group 1")

	_, err = kalman.NewGaussian(
		[]*mat.VecDense{mean},
		[]*mat.Dense{mat.NewDense(2, 3, nil)})
	require.ErrorContains(t, err, "covariance for group 0")

	_, err = kalman.NewGaussian([]*mat.VecDense{mean}, []*mat.Dense{cov},
		kalman.LastMeasured([]int{1, 2}))
	require.ErrorContains(t, err, "last-measured")

	sb, err := kalman.NewGaussian([]*mat.VecDense{mean}, []*mat.Dense{cov},
		kalman.LastMeasured([]int{3}))
	require.NoError(t, err)
	require.Equal(t, []int{3}, sb.LastMeasured())
	require.Equal(t, 1, sb.NumGroups())
	require.Equal(t, 2, sb.StateDim())

	// options outside the constructor's scope are usage errors
	_, err = kalman.NewGaussian([]*mat.VecDense{mean}, []*mat.Dense{cov}, kalman.Attempts(3))
	require.ErrorContains(t, err, "not applicable")
}

func TestGaussianPredict(t *testing.T) {
	sb := scalarBelief(t, 1.0, 2.0)

	next, err := sb.Predict(
		[]*mat.Dense{mat.NewDense(1, 1, []float64{0.5})},
		[]*mat.Dense{mat.NewDense(1, 1, []float64{0.1})},
	)
	require.NoError(t, err)

	require.InDelta(t, 0.5, next.Means()[0].AtVec(0), 1e-12)
	require.InDelta(t, 0.6, next.Covs()[0].At(0, 0), 1e-12) // 0.25*2 + 0.1
	require.Equal(t, []int{1}, next.LastMeasured())

	// the prior is untouched and the prediction carries no measurement
	require.InDelta(t, 1.0, sb.Means()[0].AtVec(0), 1e-12)
	_, err = next.H()
	require.ErrorIs(t, err, kalman.ErrUnmeasured)

	_, err = sb.Predict(nil, nil)
	require.ErrorContains(t, err, "expected 1 transition")

	_, err = sb.Predict(
		[]*mat.Dense{mat.NewDense(2, 2, nil)},
		[]*mat.Dense{mat.NewDense(1, 1, nil)})
	require.ErrorContains(t, err, "transition for group 0")
}

func TestGaussianUpdateScalar(t *testing.T) {
	sb := scalarBelief(t, 0, 1.0)
	pred, err := sb.Predict(
		[]*mat.Dense{mat.NewDense(1, 1, []float64{1})},
		[]*mat.Dense{mat.NewDense(1, 1, []float64{0.1})},
	)
	require.NoError(t, err)
	attachScalarMeasurement(t, pred, 1.0)

	post, err := pred.Update([]*mat.VecDense{mat.NewVecDense(1, []float64{1.0})})
	require.NoError(t, err)

	// gain = 1.1/2.1, mean = gain*1.0, cov = (1-gain)*1.1
	require.InDelta(t, 1.1/2.1, post.Means()[0].AtVec(0), 1e-9)
	require.InDelta(t, (1-1.1/2.1)*1.1, post.Covs()[0].At(0, 0), 1e-9)
	require.Equal(t, []int{0}, post.LastMeasured())

	// the posterior is a fresh, unmeasured belief
	require.InDelta(t, 0.0, pred.Means()[0].AtVec(0), 1e-12)
	_, err = post.H()
	require.ErrorIs(t, err, kalman.ErrUnmeasured)
}

func TestGaussianUpdateRequiresMeasurement(t *testing.T) {
	sb := scalarBelief(t, 0, 1)
	_, err := sb.Update([]*mat.VecDense{mat.NewVecDense(1, []float64{1})})
	require.ErrorIs(t, err, kalman.ErrUnmeasured)
}

func TestGaussianUpdateRejectsInfinite(t *testing.T) {
	sb := scalarBelief(t, 0, 1)
	attachScalarMeasurement(t, sb, 1)
	_, err := sb.Update([]*mat.VecDense{mat.NewVecDense(1, []float64{math.Inf(1)})})
	require.ErrorIs(t, err, kalman.ErrInfiniteObs)
}

func TestGaussianUpdateShapeErrors(t *testing.T) {
	sb := scalarBelief(t, 0, 1)
	attachScalarMeasurement(t, sb, 1)

	_, err := sb.Update(nil)
	require.ErrorContains(t, err, "0 observation vectors for 1 groups")

	_, err = sb.Update([]*mat.VecDense{mat.NewVecDense(2, nil)})
	require.ErrorContains(t, err, "must have 1 dimensions")

	// bounds belong to the censored family
	_, err = sb.Update([]*mat.VecDense{mat.NewVecDense(1, nil)},
		kalman.Bounds(nil, nil))
	require.ErrorContains(t, err, "not applicable")
}

// twoMeasureBelief builds a three-group belief observing two independent
// measures, so per-dimension updates can be checked by hand.
func twoMeasureBelief(t *testing.T) *kalman.Gaussian {
	t.Helper()
	means := []*mat.VecDense{
		mat.NewVecDense(2, []float64{1, 2}),
		mat.NewVecDense(2, []float64{3, 4}),
		mat.NewVecDense(2, []float64{5, 6}),
	}
	covs := []*mat.Dense{
		mat.NewDense(2, 2, []float64{2, 0, 0, 2}),
		mat.NewDense(2, 2, []float64{2, 0, 0, 2}),
		mat.NewDense(2, 2, []float64{2, 0, 0, 2}),
	}
	sb, err := kalman.NewGaussian(means, covs, kalman.LastMeasured([]int{4, 4, 4}))
	require.NoError(t, err)

	h := mat.NewDense(2, 2, []float64{1, 0, 0, 1})
	r := mat.NewDense(2, 2, []float64{1, 0, 0, 1})
	require.NoError(t, sb.ComputeMeasurement(
		[]*mat.Dense{h, h, h}, []*mat.Dense{r, r, r}, false))
	return sb
}

func TestGaussianUpdateMissingness(t *testing.T) {
	sb := twoMeasureBelief(t)
	nan := math.NaN()

	obs := []*mat.VecDense{
		mat.NewVecDense(2, []float64{2, 3}),     // fully observed
		mat.NewVecDense(2, []float64{nan, nan}), // fully missing
		mat.NewVecDense(2, []float64{7, nan}),   // first dimension only
	}
	post, err := sb.Update(obs)
	require.NoError(t, err)

	// scalar update with cov 2, r 1: gain 2/3
	require.InDelta(t, 1+2.0/3.0*(2-1), post.Means()[0].AtVec(0), 1e-9)
	require.InDelta(t, 2+2.0/3.0*(3-2), post.Means()[0].AtVec(1), 1e-9)
	require.InDelta(t, 2.0/3.0, post.Covs()[0].At(0, 0), 1e-9)

	// fully missing keeps the prior belief and its staleness
	require.InDelta(t, 3, post.Means()[1].AtVec(0), 1e-12)
	require.InDelta(t, 4, post.Means()[1].AtVec(1), 1e-12)
	require.InDelta(t, 2, post.Covs()[1].At(0, 0), 1e-12)

	// partial observation updates only the valid dimension
	require.InDelta(t, 5+2.0/3.0*(7-5), post.Means()[2].AtVec(0), 1e-9)
	require.InDelta(t, 6, post.Means()[2].AtVec(1), 1e-12)
	require.InDelta(t, 2.0/3.0, post.Covs()[2].At(0, 0), 1e-9)
	require.InDelta(t, 2, post.Covs()[2].At(1, 1), 1e-12)

	// any valid dimension resets the staleness counter
	require.Equal(t, []int{0, 4, 0}, post.LastMeasured())
}

func TestGaussianUpdateBucketsMatchSingleGroups(t *testing.T) {
	nan := math.NaN()
	obs := []*mat.VecDense{
		mat.NewVecDense(2, []float64{2, 3}),
		mat.NewVecDense(2, []float64{nan, nan}),
		mat.NewVecDense(2, []float64{7, nan}),
	}

	batched, err := twoMeasureBelief(t).Update(obs)
	require.NoError(t, err)

	whole := twoMeasureBelief(t)
	for g := 0; g < 3; g++ {
		single, err := kalman.NewGaussian(
			[]*mat.VecDense{mat.VecDenseCopyOf(whole.Means()[g])},
			[]*mat.Dense{mat.DenseCopyOf(whole.Covs()[g])})
		require.NoError(t, err)
		h, errH := whole.H()
		require.NoError(t, errH)
		r, errR := whole.R()
		require.NoError(t, errR)
		require.NoError(t, single.ComputeMeasurement(
			[]*mat.Dense{mat.DenseCopyOf(h[g])}, []*mat.Dense{mat.DenseCopyOf(r[g])}, false))

		got, err := single.Update([]*mat.VecDense{obs[g]})
		require.NoError(t, err)
		require.True(t, mat.EqualApprox(batched.Means()[g], got.Means()[0], 1e-12),
			"group %d means diverge between batched and single update", g)
		require.True(t, mat.EqualApprox(batched.Covs()[g], got.Covs()[0], 1e-12),
			"group %d covariances diverge between batched and single update", g)
	}
}

func TestComputeMeasurementGuard(t *testing.T) {
	sb := scalarBelief(t, 0, 1)
	h := []*mat.Dense{mat.NewDense(1, 1, []float64{1})}
	r := []*mat.Dense{mat.NewDense(1, 1, []float64{1})}

	require.NoError(t, sb.ComputeMeasurement(h, r, false))
	err := sb.ComputeMeasurement(h, r, false)
	require.ErrorIs(t, err, kalman.ErrAlreadyMeasured)

	h2 := []*mat.Dense{mat.NewDense(1, 1, []float64{2})}
	require.NoError(t, sb.ComputeMeasurement(h2, r, true))
	got, err := sb.H()
	require.NoError(t, err)
	require.InDelta(t, 2, got[0].At(0, 0), 1e-12)
}

func TestComputeMeasurementShapeErrors(t *testing.T) {
	sb := scalarBelief(t, 0, 1)

	err := sb.ComputeMeasurement(nil, nil, false)
	require.ErrorContains(t, err, "expected 1 observation and noise matrices")

	err = sb.ComputeMeasurement(
		[]*mat.Dense{mat.NewDense(1, 2, nil)},
		[]*mat.Dense{mat.NewDense(1, 1, nil)}, false)
	require.ErrorContains(t, err, "state columns")

	err = sb.ComputeMeasurement(
		[]*mat.Dense{mat.NewDense(1, 1, nil)},
		[]*mat.Dense{mat.NewDense(2, 2, nil)}, false)
	require.ErrorContains(t, err, "noise matrix for group 0")
}

func TestGaussianCopy(t *testing.T) {
	sb := scalarBelief(t, 1, 2)
	attachScalarMeasurement(t, sb, 0.5)

	cp := sb.Copy()
	cp.Means()[0].SetVec(0, 99)
	cp.Covs()[0].Set(0, 0, 99)
	require.InDelta(t, 1, sb.Means()[0].AtVec(0), 1e-12)
	require.InDelta(t, 2, sb.Covs()[0].At(0, 0), 1e-12)

	// the measurement travels with the copy, deeply
	h, err := cp.H()
	require.NoError(t, err)
	h[0].Set(0, 0, 99)
	orig, err := sb.H()
	require.NoError(t, err)
	require.InDelta(t, 1, orig[0].At(0, 0), 1e-12)
}

func TestGaussianRealizeDeterministic(t *testing.T) {
	sb := scalarBelief(t, 3, 4)

	// with a zero draw the sample is the mean itself
	err := sb.Realize(kalman.StateNoise([]*mat.VecDense{mat.NewVecDense(1, nil)}))
	require.NoError(t, err)
	require.InDelta(t, 3, sb.Means()[0].AtVec(0), 1e-12)
	require.InDelta(t, 0, sb.Covs()[0].At(0, 0), 1e-12)

	// a unit draw lands one standard deviation away
	sb = scalarBelief(t, 3, 4)
	err = sb.Realize(kalman.StateNoise([]*mat.VecDense{mat.NewVecDense(1, []float64{1})}))
	require.NoError(t, err)
	require.InDelta(t, 5, sb.Means()[0].AtVec(0), 1e-9)
}

func TestGaussianRealizeRandom(t *testing.T) {
	sb := scalarBelief(t, 3, 4)
	err := sb.Realize(kalman.RandSource(rand.NewPCG(7, 11)))
	require.NoError(t, err)
	require.False(t, math.IsNaN(sb.Means()[0].AtVec(0)))
	require.InDelta(t, 0, sb.Covs()[0].At(0, 0), 1e-12)
}

func TestGaussianRealizeInflatesSingularCovariance(t *testing.T) {
	// a zero covariance cannot be decomposed; the retry loop inflates the
	// diagonal until it can
	sb := scalarBelief(t, 3, 0)
	err := sb.Realize(kalman.StateNoise([]*mat.VecDense{mat.NewVecDense(1, nil)}))
	require.NoError(t, err)
	require.InDelta(t, 3, sb.Means()[0].AtVec(0), 1e-6)

	sb = scalarBelief(t, 3, 0)
	err = sb.Realize(
		kalman.StateNoise([]*mat.VecDense{mat.NewVecDense(1, nil)}),
		kalman.Attempts(1))
	require.ErrorContains(t, err, "not positive definite")

	sb = scalarBelief(t, 3, 1)
	err = sb.Realize(kalman.Attempts(0))
	require.ErrorContains(t, err, "at least 1")
}

func TestGaussianRealizeNoiseShapeError(t *testing.T) {
	sb := scalarBelief(t, 0, 1)
	err := sb.Realize(kalman.StateNoise([]*mat.VecDense{mat.NewVecDense(2, nil)}))
	require.ErrorContains(t, err, "noise vector for group 0")

	err = sb.Realize(kalman.StateNoise(nil))
	require.NoError(t, err)
}

func TestGaussianUpdateAtHorizon(t *testing.T) {
	sb := twoMeasureBelief(t)
	obs := []*mat.Dense{
		mat.NewDense(2, 2, []float64{2, 3, 2, 3}),
		mat.NewDense(2, 2, []float64{2, 3, 2, 3}),
		mat.NewDense(2, 2, []float64{2, 3, 2, 3}),
	}

	// beyond the horizon nothing changes, but the belief is a new object
	same, err := sb.UpdateAt(obs, 5)
	require.NoError(t, err)
	require.NotSame(t, sb, same)
	require.True(t, mat.EqualApprox(sb.Means()[0], same.Means()[0], 1e-12))
	require.Equal(t, sb.LastMeasured(), same.LastMeasured())

	// within the horizon it behaves like a plain update of that timestep
	got, err := sb.UpdateAt(obs, 1)
	require.NoError(t, err)
	want, err := sb.Update([]*mat.VecDense{
		mat.NewVecDense(2, []float64{2, 3}),
		mat.NewVecDense(2, []float64{2, 3}),
		mat.NewVecDense(2, []float64{2, 3}),
	})
	require.NoError(t, err)
	for g := 0; g < 3; g++ {
		require.True(t, mat.EqualApprox(want.Means()[g], got.Means()[g], 1e-12))
		require.True(t, mat.EqualApprox(want.Covs()[g], got.Covs()[g], 1e-12))
	}

	_, err = sb.UpdateAt(obs, -1)
	require.ErrorContains(t, err, "negative timestep")

	_, err = sb.UpdateAt(obs[:2], 0)
	require.ErrorContains(t, err, "2 observation series for 3 groups")

	ragged := []*mat.Dense{obs[0], obs[1], mat.NewDense(3, 2, nil)}
	_, err = sb.UpdateAt(ragged, 0)
	require.ErrorContains(t, err, "observation series for group 2")
}
