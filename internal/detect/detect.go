// Package detect implements the three pure detectors of spec.md §4.3.1:
// order-flow imbalance (D1), delta z-like (D2), and breakout (D3). Each is a
// stateless function over a DetectorCtx snapshot, grounded on the teacher's
// rolling-window engine generalized from trade-count aggregates to
// notional-flow thresholds — the detectors themselves have no teacher
// analogue and are built straight from the spec's formulas.
package detect

import (
	"signalbackbone/internal/stats"
)

// Dir is the signal direction.
type Dir string

const (
	DirBuy  Dir = "buy"
	DirSell Dir = "sell"
)

// Source names which detector produced a candidate, used for the stable
// sort rank (breakout=3 > delta=2 > flow=1) in the Aggregator.
type Source string

const (
	SrcFlow     Source = "flow"
	SrcDelta    Source = "delta"
	SrcBreakout Source = "breakout"
)

func (s Source) Rank() int {
	switch s {
	case SrcBreakout:
		return 3
	case SrcDelta:
		return 2
	case SrcFlow:
		return 1
	default:
		return 0
	}
}

// Candidate is one detector's output: {ts, dir, strength, evidence}.
type Candidate struct {
	Ts       int64
	Dir      Dir
	Strength float64
	Src      Source
	Evidence map[string]any
}

// DetectorCtx is the read-only snapshot every detector runs against
// (spec.md §4.3).
type DetectorCtx struct {
	Now             int64
	Sym             string
	High            float64 // live Win1m high
	Low             float64 // live Win1m low
	ATR             float64 // win.atr if finite, else NaN
	LastPrices      []float64
	BuyNotional3s   float64
	SellNotional3s  float64
	MinNotional3s   float64
	BreakoutBandPct float64
	DynAbsDelta     float64
	DynDeltaK       float64
	LiqK            float64
}

func round3(x float64) float64 {
	return stats.RoundTo(x, 0.001)
}

// D1AggressiveFlow detects one-sided notional dominance over the 3s window.
func D1AggressiveFlow(ctx DetectorCtx) *Candidate {
	buy, sell := ctx.BuyNotional3s, ctx.SellNotional3s
	sum := buy + sell

	liqTh := maxf(ctx.MinNotional3s, ctx.LiqK*ctx.DynAbsDelta)
	if sum <= liqTh {
		return nil
	}

	buyShare := 0.5
	if sum != 0 {
		buyShare = buy / sum
	}

	var dir Dir
	var shareStrength float64
	switch {
	case buyShare >= 0.8:
		dir = DirBuy
		shareStrength = stats.Clip01((buyShare - 0.75) / 0.25)
	case buyShare <= 0.2:
		dir = DirSell
		shareStrength = stats.Clip01((0.25 - buyShare) / 0.25)
	default:
		return nil
	}

	denom := 3 * maxf(ctx.MinNotional3s, ctx.DynAbsDelta)
	signif := 0.0
	if denom != 0 {
		signif = stats.Clip01(absf(buy-sell) / denom)
	}

	strength := round3(stats.Clip01(0.6*shareStrength + 0.4*signif))

	return &Candidate{
		Ts:       ctx.Now,
		Dir:      dir,
		Strength: strength,
		Src:      SrcFlow,
		Evidence: map[string]any{
			"src":      SrcFlow,
			"buyShare": buyShare,
			"buy3s":    buy,
			"sell3s":   sell,
		},
	}
}

// D2DeltaZLike detects a notional-delta that exceeds a dynamic threshold.
func D2DeltaZLike(ctx DetectorCtx) *Candidate {
	buy, sell := ctx.BuyNotional3s, ctx.SellNotional3s
	sum := buy + sell

	sumFloor := maxf(0.5*ctx.MinNotional3s, 0.5*ctx.LiqK*ctx.DynAbsDelta)
	if sum < sumFloor {
		return nil
	}

	dynTh := maxf(ctx.MinNotional3s, ctx.DynAbsDelta*ctx.DynDeltaK)
	delta := buy - sell
	if absf(delta) <= dynTh {
		return nil
	}

	strength := round3(stats.Clip01(absf(delta) / (4 * dynTh)))
	dir := DirBuy
	if stats.Sign(delta) < 0 {
		dir = DirSell
	}

	zLike := 0.0
	if dynTh != 0 {
		zLike = delta / dynTh
	}

	return &Candidate{
		Ts:       ctx.Now,
		Dir:      dir,
		Strength: strength,
		Src:      SrcDelta,
		Evidence: map[string]any{
			"src":   SrcDelta,
			"delta": delta,
			"dynTh": dynTh,
			"zLike": zLike,
		},
	}
}

// D3Breakout detects a close breaking out of the live 1m bar's range.
func D3Breakout(ctx DetectorCtx) *Candidate {
	band := ctx.High - ctx.Low
	if band <= 0 || len(ctx.LastPrices) < 3 {
		return nil
	}

	pct := stats.Clip(ctx.BreakoutBandPct, 0, 0.2)
	eps := band * pct

	n := len(ctx.LastPrices)
	slope := (ctx.LastPrices[n-1] - ctx.LastPrices[0]) / float64(n-1)
	last := ctx.LastPrices[n-1]

	sum3s := ctx.BuyNotional3s + ctx.SellNotional3s
	volConfirm := sum3s >= 0.5*ctx.DynAbsDelta

	upperBound := ctx.High + eps
	lowerBound := ctx.Low - eps

	switch {
	case last >= upperBound && (slope > 0 || volConfirm):
		dist := (last - upperBound) / band
		bonus := 0.0
		if slope > 0 {
			bonus = 0.1
		}
		strength := round3(stats.Clip01(0.55 + minf(0.35, 2*dist) + bonus))
		return &Candidate{
			Ts: ctx.Now, Dir: DirBuy, Strength: strength, Src: SrcBreakout,
			Evidence: map[string]any{"src": SrcBreakout, "dist": dist, "slope": slope},
		}
	case last <= lowerBound && (slope < 0 || volConfirm):
		dist := (lowerBound - last) / band
		bonus := 0.0
		if slope < 0 {
			bonus = 0.1
		}
		strength := round3(stats.Clip01(0.55 + minf(0.35, 2*dist) + bonus))
		return &Candidate{
			Ts: ctx.Now, Dir: DirSell, Strength: strength, Src: SrcBreakout,
			Evidence: map[string]any{"src": SrcBreakout, "dist": dist, "slope": slope},
		}
	default:
		return nil
	}
}

// All runs every detector and returns only the non-nil candidates
// (spec.md §4.3.2 step 1: "Generate the three candidates; discard nulls").
func All(ctx DetectorCtx) []Candidate {
	var out []Candidate
	for _, c := range []*Candidate{D1AggressiveFlow(ctx), D2DeltaZLike(ctx), D3Breakout(ctx)} {
		if c != nil {
			out = append(out, *c)
		}
	}
	return out
}

func maxf(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

func minf(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

func absf(a float64) float64 {
	if a < 0 {
		return -a
	}
	return a
}
