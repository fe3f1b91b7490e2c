package stats

import (
	"math"

	"gonum.org/v1/gonum/optimize"
	"gonum.org/v1/gonum/stat"
)

// GPD is a generalized Pareto distribution with location zero.
type GPD struct {
	Shape float64
	Scale float64
}

// shapeEpsilon is the band around zero where the exponential limit of the
// distribution is used.
const shapeEpsilon = 1e-9

// FitGPD estimates shape and scale of a zero-location generalized Pareto
// distribution from positive exceedances by maximum likelihood, starting the
// Nelder-Mead search at the method-of-moments estimate.
func FitGPD(x []float64) (GPD, error) {
	if len(x) < 3 {
		return GPD{}, ErrInsufficientData
	}
	for _, v := range x {
		if v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
			return GPD{}, ErrFitFailed
		}
	}

	m, v := stat.MeanVariance(x, nil)
	if v <= 0 || m <= 0 {
		return GPD{}, ErrFitFailed
	}
	ratio := m * m / v
	shape0 := 0.5 * (1 - ratio)
	scale0 := 0.5 * m * (ratio + 1)

	problem := optimize.Problem{
		Func: func(p []float64) float64 {
			return gpdNegLogLik(x, p[0], math.Exp(p[1]))
		},
	}
	res, err := optimize.Minimize(problem, []float64{shape0, math.Log(scale0)}, nil, &optimize.NelderMead{})
	if err != nil || res == nil {
		return GPD{}, ErrFitFailed
	}

	g := GPD{Shape: res.X[0], Scale: math.Exp(res.X[1])}
	if math.IsNaN(g.Shape) || math.IsInf(g.Shape, 0) || math.IsNaN(g.Scale) || math.IsInf(g.Scale, 0) || g.Scale <= 0 {
		return GPD{}, ErrFitFailed
	}
	if math.IsInf(res.F, 0) || math.IsNaN(res.F) || res.F >= invalidLogLik {
		return GPD{}, ErrFitFailed
	}
	return g, nil
}

// Quantile returns the inverse CDF at p in (0, 1).
func (g GPD) Quantile(p float64) float64 {
	if p <= 0 {
		return 0
	}
	if p >= 1 {
		if g.Shape >= 0 {
			return math.Inf(1)
		}
		return -g.Scale / g.Shape
	}
	if math.Abs(g.Shape) < shapeEpsilon {
		return -g.Scale * math.Log1p(-p)
	}
	return g.Scale / g.Shape * (math.Pow(1-p, -g.Shape) - 1)
}

// invalidLogLik is returned for parameters outside the distribution support.
const invalidLogLik = 1e300

func gpdNegLogLik(x []float64, shape, scale float64) float64 {
	if scale <= 0 || math.IsNaN(scale) || math.IsInf(scale, 0) {
		return invalidLogLik
	}
	n := float64(len(x))
	if math.Abs(shape) < shapeEpsilon {
		sum := 0.0
		for _, v := range x {
			sum += v
		}
		return n*math.Log(scale) + sum/scale
	}
	sum := 0.0
	for _, v := range x {
		z := 1 + shape*v/scale
		if z <= 0 {
			return invalidLogLik
		}
		sum += math.Log(z)
	}
	return n*math.Log(scale) + (1+1/shape)*sum
}
