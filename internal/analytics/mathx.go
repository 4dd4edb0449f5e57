package analytics

import (
	"math"

	"github.com/montanaflynn/stats"
)

const (
	huberEpsilon  = 1.35
	huberMaxIter  = 100
	madNormalizer = 0.6744897501960817 // median(|N(0,1)|)
)

func mean(xs []float64) float64 {
	m, err := stats.Mean(xs)
	if err != nil {
		return math.NaN()
	}
	return m
}

// sampleStd is the n-1 standard deviation; NaN for fewer than two values.
func sampleStd(xs []float64) float64 {
	if len(xs) < 2 {
		return math.NaN()
	}
	s, err := stats.StandardDeviationSample(xs)
	if err != nil {
		return math.NaN()
	}
	return s
}

func maxOf(xs []float64) float64 {
	m, _ := stats.Max(xs)
	return m
}

func minOf(xs []float64) float64 {
	m, _ := stats.Min(xs)
	return m
}

func tail(xs []float64, n int) []float64 {
	if n >= len(xs) {
		return xs
	}
	return xs[len(xs)-n:]
}

// pctChange returns x[i]/x[i-1] - 1 for i >= 1.
func pctChange(xs []float64) []float64 {
	if len(xs) < 2 {
		return nil
	}
	out := make([]float64, len(xs)-1)
	for i := 1; i < len(xs); i++ {
		out[i-1] = xs[i]/xs[i-1] - 1
	}
	return out
}

// pearson returns the correlation of x and y; ok is false if either is constant.
func pearson(x, y []float64) (float64, bool) {
	if sampleStd(x) == 0 || sampleStd(y) == 0 {
		return 0, false
	}
	r, err := stats.Correlation(x, y)
	if err != nil || math.IsNaN(r) {
		return 0, false
	}
	return r, true
}

type linearFit struct {
	slope     float64
	intercept float64
}

func (f linearFit) predict(x float64) float64 { return f.slope*x + f.intercept }

// fitOLS regresses y on x with an intercept. ok is false when x is constant.
func fitOLS(x, y []float64) (linearFit, bool) {
	if len(x) < 2 || len(x) != len(y) {
		return linearFit{}, false
	}
	vx, err := stats.PopulationVariance(x)
	if err != nil || vx == 0 {
		return linearFit{}, false
	}
	cov, err := stats.CovariancePopulation(x, y)
	if err != nil {
		return linearFit{}, false
	}
	slope := cov / vx
	return linearFit{slope: slope, intercept: mean(y) - slope*mean(x)}, true
}

// fitHuber is a robust regression by iteratively reweighted least squares
// with Huber weights and a MAD scale estimate, started from the OLS fit.
func fitHuber(x, y []float64) (linearFit, bool) {
	f, ok := fitOLS(x, y)
	if !ok {
		return f, false
	}
	resid := make([]float64, len(x))
	absDev := make([]float64, len(x))
	for iter := 0; iter < huberMaxIter; iter++ {
		for i := range x {
			resid[i] = y[i] - f.predict(x[i])
		}
		med, _ := stats.Median(resid)
		for i, r := range resid {
			absDev[i] = math.Abs(r - med)
		}
		mad, _ := stats.Median(absDev)
		scale := mad / madNormalizer
		if scale == 0 {
			break
		}

		var sw, swx, swy, swxx, swxy float64
		for i := range x {
			w := 1.0
			if u := math.Abs(resid[i]) / scale; u > huberEpsilon {
				w = huberEpsilon / u
			}
			sw += w
			swx += w * x[i]
			swy += w * y[i]
			swxx += w * x[i] * x[i]
			swxy += w * x[i] * y[i]
		}
		den := sw*swxx - swx*swx
		if den == 0 {
			break
		}
		slope := (sw*swxy - swx*swy) / den
		next := linearFit{slope: slope, intercept: (swy - slope*swx) / sw}
		done := math.Abs(next.slope-f.slope) <= 1e-10*(1+math.Abs(f.slope)) &&
			math.Abs(next.intercept-f.intercept) <= 1e-10*(1+math.Abs(f.intercept))
		f = next
		if done {
			break
		}
	}
	return f, true
}

// rSquared is 1 - SSR/SST. A constant y gives 1 for an exact fit and 0 otherwise.
func rSquared(f linearFit, x, y []float64) float64 {
	my := mean(y)
	var ssr, sst float64
	for i := range x {
		e := y[i] - f.predict(x[i])
		ssr += e * e
		d := y[i] - my
		sst += d * d
	}
	if sst == 0 {
		if ssr == 0 {
			return 1
		}
		return 0
	}
	return 1 - ssr/sst
}

// rollingMeanStd returns the mean and sample std of the last window values.
func rollingMeanStd(xs []float64, window int) (float64, float64) {
	w := tail(xs, window)
	return mean(w), sampleStd(w)
}

// zScore returns (v-mean)/std, or 0 when std is zero or undefined.
func zScore(v, m, s float64) float64 {
	if s == 0 || math.IsNaN(s) {
		return 0
	}
	return (v - m) / s
}
