package analytics

import (
	"errors"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"
)

// MinADFObservations is the smallest series the stationarity test accepts.
const MinADFObservations = 50

// StationaritySignificance is the p-value below which a series is called stationary.
const StationaritySignificance = 0.05

var errDegenerate = errors.New("degenerate series")

// MacKinnon (2010) response-surface coefficients for the constant-only
// case with one variable.
var (
	critC = map[string][4]float64{
		"1%":  {-3.43035, -6.5393, -16.786, -79.433},
		"5%":  {-2.86154, -2.8903, -4.234, -40.040},
		"10%": {-2.56677, -1.5384, -2.809, 0},
	}
	pSmallC = []float64{2.1659, 1.4412, 0.038269}
	pLargeC = []float64{1.7339, 0.93202, -0.12745, -0.010368}
)

const (
	pMaxStatC  = 2.74
	pMinStatC  = -18.83
	pStarStatC = -1.61
)

type adfResult struct {
	stat     float64
	pvalue   float64
	usedLag  int
	nobs     int
	critical map[string]float64
}

// adfTest runs the Augmented Dickey-Fuller test with a constant term,
// choosing the lag order in [0, maxLag] by AIC over a common sample.
func adfTest(x []float64, maxLag int) (adfResult, error) {
	n := len(x)
	if limit := n/2 - 2; maxLag > limit {
		maxLag = limit
	}
	if maxLag < 0 {
		return adfResult{}, errDegenerate
	}

	dx := make([]float64, n-1)
	for i := range dx {
		dx[i] = x[i+1] - x[i]
	}

	// Lag selection: every candidate uses the same nobs rows.
	nobs := len(dx) - maxLag
	y := dx[maxLag:]
	full := adfDesign(x, dx, maxLag, maxLag)

	bestLag, bestAIC := -1, math.Inf(1)
	for lag := 0; lag <= maxLag; lag++ {
		cols := lag + 2
		res, err := olsFit(full.Slice(0, nobs, 0, cols).(*mat.Dense), y)
		if err != nil {
			continue
		}
		aic := -2*logLik(res.ssr, nobs) + 2*float64(cols)
		if aic < bestAIC {
			bestAIC, bestLag = aic, lag
		}
	}
	if bestLag < 0 {
		return adfResult{}, errDegenerate
	}

	// Refit on the longest sample the chosen lag allows.
	nobs = len(dx) - bestLag
	res, err := olsFit(adfDesign(x, dx, bestLag, bestLag), dx[bestLag:])
	if err != nil {
		return adfResult{}, err
	}
	stat := res.tvalue(1)
	if math.IsNaN(stat) || math.IsInf(stat, 0) {
		return adfResult{}, errDegenerate
	}

	return adfResult{
		stat:     stat,
		pvalue:   mackinnonP(stat),
		usedLag:  bestLag,
		nobs:     nobs,
		critical: mackinnonCrit(nobs),
	}, nil
}

// adfDesign builds rows t = start..len(dx)-1 of [1, x_t, dx_{t-1}, ..., dx_{t-lags}].
func adfDesign(x, dx []float64, start, lags int) *mat.Dense {
	rows := len(dx) - start
	m := mat.NewDense(rows, lags+2, nil)
	for i := 0; i < rows; i++ {
		t := start + i
		m.Set(i, 0, 1)
		m.Set(i, 1, x[t])
		for j := 1; j <= lags; j++ {
			m.Set(i, j+1, dx[t-j])
		}
	}
	return m
}

type olsResult struct {
	beta *mat.VecDense
	cov  *mat.SymDense // (X'X)^-1
	ssr  float64
	dof  int
}

func (r olsResult) tvalue(i int) float64 {
	sigma2 := r.ssr / float64(r.dof)
	return r.beta.AtVec(i) / math.Sqrt(sigma2*r.cov.At(i, i))
}

func olsFit(X *mat.Dense, yv []float64) (olsResult, error) {
	rows, cols := X.Dims()
	if rows <= cols {
		return olsResult{}, errDegenerate
	}
	y := mat.NewVecDense(rows, append([]float64(nil), yv...))

	xtx := mat.NewSymDense(cols, nil)
	xtx.SymOuterK(1, X.T())
	var chol mat.Cholesky
	if ok := chol.Factorize(xtx); !ok {
		return olsResult{}, errDegenerate
	}

	var xty mat.VecDense
	xty.MulVec(X.T(), y)
	var beta mat.VecDense
	if err := chol.SolveVecTo(&beta, &xty); err != nil {
		return olsResult{}, errDegenerate
	}
	var inv mat.SymDense
	if err := chol.InverseTo(&inv); err != nil {
		return olsResult{}, errDegenerate
	}

	var fitted mat.VecDense
	fitted.MulVec(X, &beta)
	var resid mat.VecDense
	resid.SubVec(y, &fitted)
	ssr := mat.Dot(&resid, &resid)

	return olsResult{beta: &beta, cov: &inv, ssr: ssr, dof: rows - cols}, nil
}

// logLik is the Gaussian log-likelihood of an OLS fit.
func logLik(ssr float64, nobs int) float64 {
	n := float64(nobs)
	return -n / 2 * (math.Log(2*math.Pi) + math.Log(ssr/n) + 1)
}

// mackinnonP is the approximate p-value of an ADF statistic.
func mackinnonP(stat float64) float64 {
	if stat > pMaxStatC {
		return 1
	}
	if stat < pMinStatC {
		return 0
	}
	coef := pLargeC
	if stat <= pStarStatC {
		coef = pSmallC
	}
	return distuv.UnitNormal.CDF(polyval(coef, stat))
}

// mackinnonCrit returns the 1%, 5% and 10% critical values for nobs observations.
func mackinnonCrit(nobs int) map[string]float64 {
	inv := 1 / float64(nobs)
	out := make(map[string]float64, len(critC))
	for level, b := range critC {
		out[level] = polyval(b[:], inv)
	}
	return out
}

// polyval evaluates c[0] + c[1]*x + c[2]*x^2 + ...
func polyval(c []float64, x float64) float64 {
	v := 0.0
	for i := len(c) - 1; i >= 0; i-- {
		v = v*x + c[i]
	}
	return v
}
