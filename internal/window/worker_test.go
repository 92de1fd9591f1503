package window

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"signalbackbone/internal/bus"
	"signalbackbone/internal/detect"
	"signalbackbone/internal/testsupport"
)

func newTestWorker(t *testing.T, cfg Config) (*Worker, bus.Bus) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	b := bus.New(rdb, testsupport.NoopLogger{})
	w := NewWorker(b, testsupport.NoopLogger{}, cfg, "", "c1", []string{"BTC-USDT-SWAP"})
	return w, b
}

func tradeMsg(sym string, ts int64, px, qty, side string) bus.Msg {
	return bus.Msg{
		Symbol: sym, Ts: ts, Key: "ws:{" + sym + "}:trades", ID: "1-1",
		Fields: map[string]string{"px": px, "qty": qty, "side": side},
	}
}

// a single aggressive buy with no opposing sell flow must clear D1's
// one-sided-dominance gate on the very first tick, before the bar ever
// seals (spec.md §4.2 step 7's "intra-bar" dispatch).
func TestHandleBatchDetectsOnFirstTick(t *testing.T) {
	w, b := newTestWorker(t, Config{
		Flow3sSpanMs: 3000,
		PriceRingLen: 50,
		EWMAAlpha:    0.01,
		LiqK:         1.5,
		DynDeltaK:    1.2,
		ContractMult: 1,
		Static: detect.StaticParams{
			ConsensusK:              0.05,
			ConsensusKHiVolDiscount: 0.5,
			SymmetryStrengthEps:     0.05,
		},
	})

	now := time.Now().UnixMilli()
	w.handleBatch(context.Background(), []bus.Msg{
		tradeMsg("BTC-USDT-SWAP", now, "50000", "10", "buy"),
	})

	ctx := context.Background()
	entries, err := b.XRevRangeLatest(ctx, "signal:detected:{BTC-USDT-SWAP}", 1)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "buy", entries[0].Fields["dir"])
}

func TestHandleBatchDropsMalformedRow(t *testing.T) {
	w, b := newTestWorker(t, Config{Flow3sSpanMs: 3000, PriceRingLen: 50, EWMAAlpha: 0.01})
	ctx := context.Background()

	w.handleBatch(ctx, []bus.Msg{
		tradeMsg("BTC-USDT-SWAP", time.Now().UnixMilli(), "-1", "10", "buy"),
	})

	entries, err := b.XRevRangeLatest(ctx, "win:1m:{BTC-USDT-SWAP}", 1)
	require.NoError(t, err)
	require.Empty(t, entries)
}
