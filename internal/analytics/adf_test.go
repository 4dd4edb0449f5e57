package analytics

import (
	"context"
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ar1(n int, phi, drift float64, seed int64) []float64 {
	rng := rand.New(rand.NewSource(seed))
	x := make([]float64, n)
	x[0] = 100
	for i := 1; i < n; i++ {
		x[i] = drift + phi*x[i-1] + rng.NormFloat64()
	}
	return x
}

func TestMackinnonPValue(t *testing.T) {
	assert.InDelta(t, 0.05, mackinnonP(-2.86), 0.002)
	assert.InDelta(t, 0.01, mackinnonP(-3.43), 0.002)
	assert.Equal(t, 1.0, mackinnonP(3))
	assert.Equal(t, 0.0, mackinnonP(-20))

	// The two polynomial branches meet near the switch point.
	below := mackinnonP(pStarStatC - 1e-9)
	above := mackinnonP(pStarStatC + 1e-9)
	assert.InDelta(t, below, above, 0.002)
}

func TestMackinnonCriticalValues(t *testing.T) {
	cv := mackinnonCrit(100)
	assert.InDelta(t, -3.4977, cv["1%"], 1e-3)
	assert.InDelta(t, -2.8909, cv["5%"], 1e-3)
	assert.InDelta(t, -2.5825, cv["10%"], 1e-3)
}

func TestADFMeanReverting(t *testing.T) {
	// Demeaned AR(1) with phi 0.3 around 100.
	x := ar1(300, 0.3, 70, 7)
	r, err := adfTest(x, 10)
	require.NoError(t, err)
	assert.Less(t, r.pvalue, 0.01)
	assert.Less(t, r.stat, r.critical["1%"])
	assert.LessOrEqual(t, r.usedLag, 10)
	assert.Equal(t, len(x)-1-r.usedLag, r.nobs)
}

func TestADFExplosive(t *testing.T) {
	x := ar1(200, 1.02, 0, 11)
	r, err := adfTest(x, 10)
	require.NoError(t, err)
	assert.Greater(t, r.pvalue, 0.5)
}

func TestADFClampsMaxLag(t *testing.T) {
	x := ar1(20, 0.2, 80, 3)
	r, err := adfTest(x, 50)
	require.NoError(t, err)
	assert.LessOrEqual(t, r.usedLag, len(x)/2-2)
}

func TestADFConstantSeries(t *testing.T) {
	x := make([]float64, 60)
	for i := range x {
		x[i] = 42
	}
	_, err := adfTest(x, 5)
	assert.Error(t, err)
}

func TestStationarityTestResult(t *testing.T) {
	s := &memStore{}
	s.addCloses("btcusdt", ar1(120, 0.2, 80, 5)...)
	e := newEngine(s)

	res, err := e.StationarityTest(context.Background(), "btcusdt", "1m", 0)
	require.NoError(t, err)
	require.True(t, res.OK, res.Reason)
	v := res.Value
	assert.True(t, v.IsStationary)
	assert.Equal(t, "Stationary", v.Interpretation)
	assert.Len(t, v.CriticalValues, 3)
	assert.False(t, math.IsNaN(v.ADFStatistic))

	short := &memStore{}
	short.addCloses("btcusdt", ar1(49, 0.2, 80, 5)...)
	res, err = newEngine(short).StationarityTest(context.Background(), "btcusdt", "1m", 0)
	require.NoError(t, err)
	assert.False(t, res.OK)
}

func TestSpreadStationarityTest(t *testing.T) {
	s := &memStore{}
	b := ar1(100, 1, 0, 21) // random walk
	rng := rand.New(rand.NewSource(22))
	a := make([]float64, len(b))
	for i := range b {
		a[i] = 2*b[i] + 0.5*rng.NormFloat64()
	}
	s.addCloses("a", a...)
	s.addCloses("b", b...)

	res, err := newEngine(s).SpreadStationarityTest(context.Background(), "a", "b", "1m", 100)
	require.NoError(t, err)
	require.True(t, res.OK, res.Reason)
	assert.InDelta(t, 2.0, res.Value.HedgeRatio, 0.1)
	assert.True(t, res.Value.IsStationary)
	assert.Contains(t, res.Value.Interpretation, "stationary")

	_, err = newEngine(s).SpreadStationarityTest(context.Background(), "a", "b", "1m", 20)
	assert.ErrorIs(t, err, ErrInvalidWindow)
}
