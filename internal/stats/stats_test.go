package stats

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClip01(t *testing.T) {
	require.Equal(t, 0.0, Clip01(-1))
	require.Equal(t, 1.0, Clip01(2))
	require.Equal(t, 0.5, Clip01(0.5))
}

func TestEWMABootstraps(t *testing.T) {
	e := NewEWMA(0.01)
	require.Equal(t, 10.0, e.Update(10))
	v := e.Update(20)
	require.InDelta(t, 10.1, v, 1e-9)
}

func TestPercentileRank(t *testing.T) {
	hist := []float64{1, 2, 3, 4, 5}
	require.Equal(t, 0.0, PercentileRank(hist, 0))
	require.Equal(t, 1.0, PercentileRank(hist, 6))
	require.Equal(t, 0.4, PercentileRank(hist, 3))
}

func TestMedianOddEven(t *testing.T) {
	require.Equal(t, 3.0, Median([]float64{1, 3, 2}))
	require.Equal(t, 2.5, Median([]float64{1, 2, 3, 4}))
}

func TestMAD(t *testing.T) {
	require.Equal(t, 1.0, MAD([]float64{1, 2, 3, 4, 5}))
}

func TestZLikeZeroDiffsFallsBackToEps(t *testing.T) {
	z := ZLike(2, []float64{0, 0, 0}, 1e-9)
	require.InDelta(t, 2/1e-9, z, 1e3)
}

func TestRoundTo(t *testing.T) {
	require.Equal(t, 0.05, RoundTo(0.0499999, 0.05))
	require.Equal(t, 95.0, RoundTo(97, 5))
}

func TestFNV1aDeterministic(t *testing.T) {
	require.Equal(t, FNV1a("abc"), FNV1a("abc"))
	require.NotEqual(t, FNV1a("abc"), FNV1a("abd"))
}

func TestSign(t *testing.T) {
	require.Equal(t, 1.0, Sign(5))
	require.Equal(t, -1.0, Sign(-5))
	require.Equal(t, 0.0, Sign(0))
}
