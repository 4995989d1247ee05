package kalman

import (
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"
)

// cdfClamp bounds standard-normal CDF arguments; the CDF saturates in the
// tails beyond this range.
const cdfClamp = 5.0

// tobitProbs returns the per-dimension probability mass below the lower
// bound and above the upper bound under N(mean, diag(cov)). An infinite
// bound carries no mass.
func tobitProbs(mean *mat.VecDense, cov *mat.Dense, lower, upper *mat.VecDense) (probLo, probUp *mat.VecDense) {
	d := mean.Len()
	probLo = mat.NewVecDense(d, nil)
	probUp = mat.NewVecDense(d, nil)
	for i := 0; i < d; i++ {
		std := math.Sqrt(cov.At(i, i))
		if lo := lower.AtVec(i); !math.IsInf(lo, 0) {
			alpha := (lo - mean.AtVec(i)) / std
			probLo.SetVec(i, distuv.UnitNormal.CDF(clamp(alpha, -cdfClamp, cdfClamp)))
		}
		if up := upper.AtVec(i); !math.IsInf(up, 0) {
			beta := (up - mean.AtVec(i)) / std
			probUp.SetVec(i, 1-distuv.UnitNormal.CDF(clamp(beta, -cdfClamp, cdfClamp)))
		}
	}
	return probLo, probUp
}

// tobitAdjustment returns the expected observation and the diagonal
// observation covariance of the censored distribution: the bounds absorb
// the tail mass and the interior contributes its truncated moments.
func tobitAdjustment(mean *mat.VecDense, cov *mat.Dense, lower, upper *mat.VecDense,
	probLo, probUp *mat.VecDense) (*mat.VecDense, *mat.Dense) {
	d := mean.Len()
	mAdj := mat.NewVecDense(d, nil)
	rAdj := mat.NewDense(d, d, nil)
	for i := 0; i < d; i++ {
		mu := mean.AtVec(i)
		std := math.Sqrt(cov.At(i, i))
		lo := lower.AtVec(i)
		up := upper.AtVec(i)

		var densLo, densUp float64
		var loMean, upMean, loSq, upSq, loDens, upDens float64
		if !math.IsInf(lo, 0) {
			densLo = distuv.UnitNormal.Prob((lo - mu) / std)
			loMean = probLo.AtVec(i) * lo
			loSq = probLo.AtVec(i) * lo * lo
			loDens = (lo + mu) * densLo
		}
		if !math.IsInf(up, 0) {
			densUp = distuv.UnitNormal.Prob((up - mu) / std)
			upMean = probUp.AtVec(i) * up
			upSq = probUp.AtVec(i) * up * up
			upDens = (up + mu) * densUp
		}

		pIn := 1 - probLo.AtVec(i) - probUp.AtVec(i)
		m := loMean + upMean + pIn*mu + std*(densLo-densUp)
		expectedSq := loSq + upSq + pIn*(mu*mu+std*std) + std*(loDens-upDens)
		mAdj.SetVec(i, m)
		rAdj.Set(i, i, expectedSq-m*m)
	}
	return mAdj, rAdj
}

func clamp(x, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, x))
}
