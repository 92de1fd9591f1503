package router

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"signalbackbone/internal/bus"
	"signalbackbone/internal/testsupport"
)

func newTestRouter(t *testing.T, cfg Config) (*Router, bus.Bus) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	b := bus.New(rdb, testsupport.NoopLogger{})
	return New(b, testsupport.NoopLogger{}, cfg, ""), b
}

func detectedMsg(sym, dir, strength string, ts int64) bus.Msg {
	return bus.Msg{
		Symbol: sym, Ts: ts,
		Fields: map[string]string{"dir": dir, "strength": strength, "src": "flow", "approx_key": "k1"},
	}
}

// detectedMsgWithEvidence mirrors what internal/window/worker.go actually
// writes to signal:detected:{sym}: plain keys alongside already-prefixed
// evidence.* keys.
func detectedMsgWithEvidence(sym, dir, strength string, ts int64) bus.Msg {
	m := detectedMsg(sym, dir, strength, ts)
	m.Fields["evidence.zLike_max"] = "2.5"
	m.Fields["evidence.buyShare3s_max"] = "0.87"
	m.Fields["evidence.src"] = "flow"
	return m
}

func TestProcessDropsBadRow(t *testing.T) {
	r, _ := newTestRouter(t, Config{})
	out, err := r.Process(context.Background(), bus.Msg{Symbol: "X", Fields: map[string]string{"dir": "up"}})
	require.NoError(t, err)
	require.Equal(t, DropBadRow, out.Dropped)
}

func TestProcessDropsStrengthBelowFloor(t *testing.T) {
	r, _ := newTestRouter(t, Config{})
	out, err := r.Process(context.Background(), detectedMsg("BTC-USDT-SWAP", "buy", "0.1", 1000))
	require.NoError(t, err)
	require.Equal(t, DropStrength, out.Dropped)
}

func TestProcessAcceptsAndThenCooldownBlocksNext(t *testing.T) {
	r, b := newTestRouter(t, Config{IdemTTL: time.Second, IdemBucketMs: 8000, MinSpacingMs: 1})
	ctx := context.Background()

	require.NoError(t, b.HSet(ctx, "dyn:gate:{BTC-USDT-SWAP}", map[string]any{
		"effMin0": "0.6", "cooldownMs": "6000",
	}))

	out1, err := r.Process(ctx, detectedMsg("BTC-USDT-SWAP", "buy", "0.9", 1000))
	require.NoError(t, err)
	require.Empty(t, out1.Dropped)
	require.NotNil(t, out1.Final)

	out2, err := r.Process(ctx, detectedMsg("BTC-USDT-SWAP", "buy", "0.9", 2000))
	require.NoError(t, err)
	require.Equal(t, DropCooldown, out2.Dropped)
}

func TestProcessIdempotentLockBlocksDuplicateBucket(t *testing.T) {
	r, b := newTestRouter(t, Config{IdemTTL: time.Minute, IdemBucketMs: 8000, MinSpacingMs: 1, HystLo: 0.01, HystHi: 0.01})
	ctx := context.Background()
	require.NoError(t, b.HSet(ctx, "dyn:gate:{BTC-USDT-SWAP}", map[string]any{
		"effMin0": "0.6", "cooldownMs": "0",
	}))

	m1 := detectedMsg("BTC-USDT-SWAP", "buy", "0.9", 1000)
	out1, err := r.Process(ctx, m1)
	require.NoError(t, err)
	require.NotNil(t, out1.Final)

	m2 := detectedMsg("BTC-USDT-SWAP", "buy", "0.9", 1001)
	out2, err := r.Process(ctx, m2)
	require.NoError(t, err)
	require.Equal(t, DropIdempotentLock, out2.Dropped)
}

func TestProcessCopiesEvidenceFieldsVerbatim(t *testing.T) {
	r, b := newTestRouter(t, Config{IdemTTL: time.Minute, IdemBucketMs: 8000, MinSpacingMs: 1})
	ctx := context.Background()
	require.NoError(t, b.HSet(ctx, "dyn:gate:{BTC-USDT-SWAP}", map[string]any{
		"effMin0": "0.6", "cooldownMs": "0",
	}))

	out, err := r.Process(ctx, detectedMsgWithEvidence("BTC-USDT-SWAP", "buy", "0.9", 1000))
	require.NoError(t, err)
	require.NotNil(t, out.Final)

	require.Equal(t, "2.5", out.Final["evidence.zLike_max"])
	require.Equal(t, "0.87", out.Final["evidence.buyShare3s_max"])
	require.Equal(t, "flow", out.Final["evidence.src"])
	require.NotContains(t, out.Final, "evidence.evidence.zLike_max")
	require.NotContains(t, out.Final, "evidence.evidence.buyShare3s_max")
	require.NotContains(t, out.Final, "evidence.evidence.src")
}
