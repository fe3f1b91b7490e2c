// Package stats provides the numerical routines used by strategies and the
// risk engine: least-squares fits, rolling window aggregates, quantiles, the
// augmented Dickey-Fuller unit-root test and generalized Pareto tail fits.
package stats

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

var (
	// ErrInsufficientData is returned when there are too few observations
	// for the requested computation.
	ErrInsufficientData = errors.New("stats: insufficient data")

	// ErrSingular is returned when a design matrix cannot be inverted.
	ErrSingular = errors.New("stats: singular matrix")

	// ErrFitFailed is returned when an iterative fit does not converge to a
	// finite solution.
	ErrFitFailed = errors.New("stats: fit failed")
)

// LinearFit is the result of regressing y on x with an intercept.
type LinearFit struct {
	Intercept float64
	Slope     float64
}

// Predict returns Intercept + Slope*x.
func (f LinearFit) Predict(x float64) float64 {
	return f.Intercept + f.Slope*x
}

// SimpleOLS fits y = a + b*x by ordinary least squares. A constant x yields a
// zero slope and the mean of y as intercept, matching a minimum-norm
// least-squares solution.
func SimpleOLS(x, y []float64) (LinearFit, error) {
	if len(x) != len(y) {
		return LinearFit{}, fmt.Errorf("stats: x has %d values, y has %d", len(x), len(y))
	}
	if len(x) < 2 {
		return LinearFit{}, ErrInsufficientData
	}
	if stat.Variance(x, nil) == 0 {
		return LinearFit{Intercept: stat.Mean(y, nil)}, nil
	}
	alpha, beta := stat.LinearRegression(x, y, nil, false)
	if math.IsNaN(alpha) || math.IsNaN(beta) {
		return LinearFit{}, ErrFitFailed
	}
	return LinearFit{Intercept: alpha, Slope: beta}, nil
}

// OLSResult holds the estimates of a multiple regression.
type OLSResult struct {
	Params []float64
	StdErr []float64
	RSS    float64
	NObs   int
}

// TValue returns the t statistic of parameter i.
func (r OLSResult) TValue(i int) float64 {
	if r.StdErr[i] == 0 {
		return math.NaN()
	}
	return r.Params[i] / r.StdErr[i]
}

// AIC returns the Akaike information criterion of a Gaussian linear model.
func (r OLSResult) AIC() float64 {
	n := float64(r.NObs)
	llf := -n / 2 * (math.Log(2*math.Pi) + math.Log(r.RSS/n) + 1)
	return -2*llf + 2*float64(len(r.Params))
}

// OLS regresses y on the columns of x (no implicit intercept) and returns the
// parameters with their standard errors.
func OLS(x *mat.Dense, y []float64) (OLSResult, error) {
	n, k := x.Dims()
	if n != len(y) {
		return OLSResult{}, fmt.Errorf("stats: design has %d rows, y has %d", n, len(y))
	}
	if n <= k {
		return OLSResult{}, ErrInsufficientData
	}

	var xtx mat.Dense
	xtx.Mul(x.T(), x)
	var inv mat.Dense
	if err := inv.Inverse(&xtx); err != nil {
		return OLSResult{}, fmt.Errorf("%w: %v", ErrSingular, err)
	}

	yv := mat.NewVecDense(n, y)
	var xty mat.VecDense
	xty.MulVec(x.T(), yv)
	var beta mat.VecDense
	beta.MulVec(&inv, &xty)

	var fitted mat.VecDense
	fitted.MulVec(x, &beta)
	rss := 0.0
	for i := 0; i < n; i++ {
		e := y[i] - fitted.AtVec(i)
		rss += e * e
	}

	sigma2 := rss / float64(n-k)
	res := OLSResult{
		Params: make([]float64, k),
		StdErr: make([]float64, k),
		RSS:    rss,
		NObs:   n,
	}
	for i := 0; i < k; i++ {
		res.Params[i] = beta.AtVec(i)
		res.StdErr[i] = math.Sqrt(sigma2 * inv.At(i, i))
	}
	return res, nil
}

// PseudoInverse returns the Moore-Penrose pseudo-inverse of a computed from
// its singular value decomposition. Singular values below 1e-15 times the
// largest are treated as zero.
func PseudoInverse(a mat.Matrix) (*mat.Dense, error) {
	r, c := a.Dims()
	if r == 0 || c == 0 {
		return nil, ErrInsufficientData
	}

	var svd mat.SVD
	if ok := svd.Factorize(a, mat.SVDThin); !ok {
		return nil, ErrSingular
	}
	vals := svd.Values(nil)
	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)

	cutoff := 1e-15 * vals[0]
	inv := make([]float64, len(vals))
	for i, s := range vals {
		if s > cutoff {
			inv[i] = 1 / s
		}
	}

	var vs mat.Dense
	vs.Mul(&v, mat.NewDiagDense(len(inv), inv))
	out := mat.NewDense(c, r, nil)
	out.Mul(&vs, u.T())
	return out, nil
}
