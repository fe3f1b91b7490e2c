package stats

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"
)

// RollingMean returns the mean of each trailing window of x. Missing (NaN)
// values are skipped; a window with fewer than minPeriods valid values yields
// NaN.
func RollingMean(x []float64, window, minPeriods int) []float64 {
	return rolling(x, window, minPeriods, func(w []float64) float64 {
		return stat.Mean(w, nil)
	})
}

// RollingStd returns the sample standard deviation (ddof 1) of each trailing
// window of x, with the same missing-value rules as RollingMean. Windows with
// a single valid value yield NaN.
func RollingStd(x []float64, window, minPeriods int) []float64 {
	return rolling(x, window, minPeriods, func(w []float64) float64 {
		if len(w) < 2 {
			return math.NaN()
		}
		return stat.StdDev(w, nil)
	})
}

func rolling(x []float64, window, minPeriods int, agg func([]float64) float64) []float64 {
	out := make([]float64, len(x))
	if minPeriods < 1 {
		minPeriods = 1
	}
	buf := make([]float64, 0, window)
	for i := range x {
		buf = buf[:0]
		for j := max(0, i-window+1); j <= i; j++ {
			if !math.IsNaN(x[j]) {
				buf = append(buf, x[j])
			}
		}
		if len(buf) < minPeriods {
			out[i] = math.NaN()
			continue
		}
		out[i] = agg(buf)
	}
	return out
}

// Percentile returns the p-quantile (0 <= p <= 1) of x using linear
// interpolation between closest ranks (the "linear" quantile method).
// It returns NaN for empty input.
func Percentile(x []float64, p float64) float64 {
	if len(x) == 0 {
		return math.NaN()
	}
	s := append([]float64(nil), x...)
	sort.Float64s(s)
	p = math.Min(math.Max(p, 0), 1)

	h := float64(len(s)-1) * p
	lo := int(math.Floor(h))
	if lo >= len(s)-1 {
		return s[len(s)-1]
	}
	frac := h - float64(lo)
	return s[lo] + frac*(s[lo+1]-s[lo])
}

// Median returns the median of x, averaging the two middle values for an
// even count.
func Median(x []float64) float64 {
	return Percentile(x, 0.5)
}

// DropNaN returns the non-NaN values of x.
func DropNaN(x []float64) []float64 {
	out := make([]float64, 0, len(x))
	for _, v := range x {
		if !math.IsNaN(v) {
			out = append(out, v)
		}
	}
	return out
}
