// Package eval implements the Signal Evaluator of spec.md §4.6: an intake
// loop that schedules fixed-horizon price resolutions for each accepted
// signal, a resolve tick that walks due jobs, and the price resolver both
// activities share. Grounded on the teacher's consumer-group worker
// pattern (internal/service/aggregator.go), generalized to this system's
// two-activity intake/resolve split with no teacher analogue for the
// resolver itself — built straight from the spec's source-preference list.
package eval

import (
	"context"

	"github.com/shopspring/decimal"

	"signalbackbone/internal/bus"
	"signalbackbone/internal/market"
)

const DefaultSearchWindowMs = 15000

// PriceSample is one resolved (px, ts, source) triple.
type PriceSample struct {
	Px     decimal.Decimal
	Ts     int64
	Source string
}

// Resolver walks the configured source-preference list and returns the
// closest-in-time sample, or ok=false if every source came up empty
// (spec.md §4.6.1).
type Resolver struct {
	bus       bus.Bus
	prefix    string
	windowMs  int64
	preferred []string
}

func NewResolver(b bus.Bus, redisPrefix string, windowMs int64, preferred []string) *Resolver {
	if windowMs <= 0 {
		windowMs = DefaultSearchWindowMs
	}
	if len(preferred) == 0 {
		preferred = []string{"mid", "last", "win:1m", "ws:kline1m", "bf:kline1m"}
	}
	return &Resolver{bus: b, prefix: redisPrefix, windowMs: windowMs, preferred: preferred}
}

// Resolve implements the preference-ordered, closest-in-time search.
// Errors in one source never abort the search — they fall through to the
// next configured source.
func (r *Resolver) Resolve(ctx context.Context, sym string, t int64) (PriceSample, bool) {
	for _, src := range r.preferred {
		if sample, ok := r.resolveSource(ctx, sym, t, src); ok {
			return sample, true
		}
	}
	return PriceSample{}, false
}

func (r *Resolver) resolveSource(ctx context.Context, sym string, t int64, src string) (PriceSample, bool) {
	switch src {
	case "mid":
		return r.closest(ctx, "ws:{"+sym+"}:book", t, func(m bus.Msg) (decimal.Decimal, bool) {
			bf, err := market.DecodeBook(sym, m.Ts, m.Fields)
			if err != nil {
				return decimal.Zero, false
			}
			return bf.Mid()
		}, "mid")
	case "last":
		return r.closest(ctx, "ws:{"+sym+"}:trades", t, func(m bus.Msg) (decimal.Decimal, bool) {
			tr, err := market.DecodeTrade(sym, m.Ts, m.Fields)
			if err != nil || !tr.Px.IsPositive() {
				return decimal.Zero, false
			}
			return tr.Px, true
		}, "last")
	case "win:1m":
		return r.closest(ctx, r.prefix+"win:1m:{"+sym+"}", t, closeExtractor(sym, "1m"), "win:1m")
	case "ws:kline1m":
		return r.closest(ctx, "ws:{"+sym+"}:kline1m", t, closeExtractor(sym, "1m"), "ws:kline1m")
	case "bf:kline1m":
		return r.closest(ctx, "bf:kline1m:{"+sym+"}", t, closeExtractor(sym, "1m"), "bf:kline1m")
	default:
		return PriceSample{}, false
	}
}

func closeExtractor(sym, tf string) func(bus.Msg) (decimal.Decimal, bool) {
	return func(m bus.Msg) (decimal.Decimal, bool) {
		kf, err := market.DecodeKline(sym, tf, m.Ts, m.Fields)
		if err != nil || !kf.Close.IsPositive() {
			return decimal.Zero, false
		}
		return kf.Close, true
	}
}

func (r *Resolver) closest(ctx context.Context, key string, t int64, extract func(bus.Msg) (decimal.Decimal, bool), source string) (PriceSample, bool) {
	msgs, err := r.bus.XRangeByTime(ctx, key, t-r.windowMs, t+r.windowMs, 0)
	if err != nil || len(msgs) == 0 {
		return PriceSample{}, false
	}

	var best *bus.Msg
	var bestPx decimal.Decimal
	bestDist := int64(1) << 62

	for i := range msgs {
		px, ok := extract(msgs[i])
		if !ok {
			continue
		}
		dist := absInt64(msgs[i].Ts - t)
		if dist < bestDist {
			bestDist = dist
			best = &msgs[i]
			bestPx = px
		}
	}

	if best == nil {
		return PriceSample{}, false
	}
	return PriceSample{Px: bestPx, Ts: best.Ts, Source: source}, true
}

func absInt64(x int64) int64 {
	if x < 0 {
		return -x
	}
	return x
}
