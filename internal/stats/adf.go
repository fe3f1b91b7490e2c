package stats

import (
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"
)

// ADFResult is the outcome of an augmented Dickey-Fuller test.
type ADFResult struct {
	Statistic float64
	PValue    float64
	UsedLag   int
	NObs      int
}

// DefaultADFMaxLag returns floor((n-1)^(1/3)), the lag ceiling used by
// cointegration checks.
func DefaultADFMaxLag(n int) int {
	if n < 2 {
		return 0
	}
	return int(math.Pow(float64(n-1), 1.0/3.0))
}

// ADF runs the augmented Dickey-Fuller unit-root test on y with a constant
// term. The number of lagged differences (0..maxLag) is chosen by minimum
// AIC over a common sample, then the test regression is refit on the full
// sample available for that lag. The p-value uses MacKinnon's (1994)
// approximate distribution for a single series.
func ADF(y []float64, maxLag int) (ADFResult, error) {
	n := len(y)
	if maxLag < 0 {
		maxLag = 0
	}
	if n-1-maxLag < maxLag+3 {
		return ADFResult{}, ErrInsufficientData
	}

	dy := make([]float64, n-1)
	for i := range dy {
		dy[i] = y[i+1] - y[i]
	}

	bestLag := 0
	if maxLag > 0 {
		bestAIC := math.Inf(1)
		for lag := 0; lag <= maxLag; lag++ {
			res, err := adfRegression(y, dy, maxLag, lag)
			if err != nil {
				return ADFResult{}, err
			}
			if aic := res.AIC(); aic < bestAIC {
				bestAIC = aic
				bestLag = lag
			}
		}
	}

	res, err := adfRegression(y, dy, bestLag, bestLag)
	if err != nil {
		return ADFResult{}, err
	}
	// Column 1 is the lagged level.
	tstat := res.TValue(1)
	if math.IsNaN(tstat) || math.IsInf(tstat, 0) {
		return ADFResult{}, ErrFitFailed
	}
	return ADFResult{
		Statistic: tstat,
		PValue:    mackinnonP(tstat),
		UsedLag:   bestLag,
		NObs:      res.NObs,
	}, nil
}

// adfRegression fits dy[t] = c + g*y[t] + sum_i b_i*dy[t-i], i=1..lags, over
// the rows t = trim..len(dy)-1.
func adfRegression(y, dy []float64, trim, lags int) (OLSResult, error) {
	nobs := len(dy) - trim
	k := 2 + lags
	x := mat.NewDense(nobs, k, nil)
	dep := make([]float64, nobs)
	for r := 0; r < nobs; r++ {
		t := trim + r
		dep[r] = dy[t]
		x.Set(r, 0, 1)
		x.Set(r, 1, y[t])
		for i := 1; i <= lags; i++ {
			x.Set(r, 1+i, dy[t-i])
		}
	}
	return OLS(x, dep)
}

// MacKinnon (1994) response surface coefficients, constant-only regression,
// one series.
const (
	tauMaxC  = 2.74
	tauMinC  = -18.83
	tauStarC = -1.61
)

var (
	tauCSmallP = [3]float64{2.1659, 1.4412, 0.038269}
	tauCLargeP = [4]float64{1.7339, 0.93202, -0.12745, -0.010368}
)

func mackinnonP(tstat float64) float64 {
	switch {
	case tstat > tauMaxC:
		return 1
	case tstat < tauMinC:
		return 0
	}
	var z float64
	if tstat <= tauStarC {
		z = polyval(tauCSmallP[:], tstat)
	} else {
		z = polyval(tauCLargeP[:], tstat)
	}
	return distuv.UnitNormal.CDF(z)
}

// polyval evaluates sum_i c[i]*x^i.
func polyval(c []float64, x float64) float64 {
	v := 0.0
	for i := len(c) - 1; i >= 0; i-- {
		v = v*x + c[i]
	}
	return v
}
