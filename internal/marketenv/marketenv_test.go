package marketenv

import (
	"testing"

	"github.com/stretchr/testify/require"

	"signalbackbone/internal/bus"
)

func TestMapToGateClipsEffMin0(t *testing.T) {
	snap := mapToGate(0.65, 2000, 1.0, 1.0, 2.0, true, 1, 1000)
	require.LessOrEqual(t, snap.EffMin0, 0.78)
	require.GreaterOrEqual(t, snap.EffMin0, 0.6)
	require.Equal(t, "v1.1", snap.Version)
}

func TestMapToGateMinNotionalLowerBound(t *testing.T) {
	snap := mapToGate(0.65, 2000, 0, 0, 0, false, 0, 1000)
	require.GreaterOrEqual(t, snap.MinNotional3s, 2000.0)
}

func TestDownsampleLastPerMinuteDeduplicates(t *testing.T) {
	msgs := []bus.Msg{
		{Symbol: "BTC-USDT-SWAP", Ts: 60000, Fields: map[string]string{"oi": "100"}},
		{Symbol: "BTC-USDT-SWAP", Ts: 65000, Fields: map[string]string{"oi": "110"}},
		{Symbol: "BTC-USDT-SWAP", Ts: 120000, Fields: map[string]string{"oi": "120"}},
	}
	series := downsampleLastPerMinute(msgs)
	require.Equal(t, []float64{110, 120}, series)
}

func TestDiffSeries(t *testing.T) {
	require.Equal(t, []float64{1, 1}, diffSeries([]float64{1, 2, 3}))
	require.Nil(t, diffSeries([]float64{1}))
}
