// Package marketenv implements the Market-Env Updater of spec.md §4.4: a
// 10-second cooperative cycle per symbol that computes volatility/liquidity
// percentiles (via go-talib's ATR, grounded on shockley6668-brale's
// talib.Atr(highs, lows, closes, period) usage in
// internal/analysis/indicator/indicator.go), OI regime with a persistence
// filter, funding-event proximity, and signal-rate anomaly, then maps them
// onto the dyn-gate parameters the Router and Aggregator read.
package marketenv

import (
	"context"
	"fmt"
	"time"

	"github.com/markcheno/go-talib"
	"gitlab.com/nevasik7/alerting/logger"

	"signalbackbone/internal/bus"
	"signalbackbone/internal/gate"
	"signalbackbone/internal/market"
	"signalbackbone/internal/stats"
)

// Config is the tunable subset of §4.4's constants.
type Config struct {
	CycleInterval  time.Duration
	KlineHistoryN  int
	OIHistoryMin   int
	PersistenceMin int
	BaseMinNotion  float64
	BaseMin        float64
}

// oiRegimeState is the per-symbol persistence-filter state (spec.md §4.4
// "Persistence filter"), owned exclusively by this worker.
type oiRegimeState struct {
	sign       int
	sinceMs    int64
	surfaced   int
}

// Updater runs the 10s cycle for a fixed symbol set.
type Updater struct {
	bus     bus.Bus
	log     logger.Logger
	cfg     Config
	symbols []string
	prefix  string

	oiState map[string]*oiRegimeState
}

func New(b bus.Bus, log logger.Logger, cfg Config, symbols []string, redisPrefix string) *Updater {
	return &Updater{
		bus: b, log: log, cfg: cfg, symbols: symbols, prefix: redisPrefix,
		oiState: make(map[string]*oiRegimeState, len(symbols)),
	}
}

// Run blocks, ticking every cfg.CycleInterval until ctx is canceled.
func (u *Updater) Run(ctx context.Context) {
	ticker := time.NewTicker(u.cfg.CycleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, sym := range u.symbols {
				if err := u.cycle(ctx, sym); err != nil {
					u.log.Warnf("marketenv: cycle %s: %v", sym, err)
				}
			}
		}
	}
}

func (u *Updater) cycle(ctx context.Context, sym string) error {
	now := time.Now().UnixMilli()

	volPct, liqPct, err := u.volLiqPercentiles(ctx, sym)
	if err != nil {
		return fmt.Errorf("vol/liq: %w", err)
	}

	oiRegime, err := u.oiRegime(ctx, sym, now, volPct, liqPct)
	if err != nil {
		return fmt.Errorf("oi regime: %w", err)
	}

	eventFlag, err := u.fundingEventFlag(ctx, sym, now)
	if err != nil {
		return fmt.Errorf("funding: %w", err)
	}

	rateExc, err := u.signalRateExcess(ctx, sym, now)
	if err != nil {
		return fmt.Errorf("rate excess: %w", err)
	}

	snap := mapToGate(u.cfg.BaseMin, u.cfg.BaseMinNotion, volPct, liqPct, rateExc, eventFlag, oiRegime, now)

	key := u.prefix + "dyn:gate:" + tag(sym)
	if err := u.bus.HSet(ctx, key, snap.Fields()); err != nil {
		return fmt.Errorf("hset dyn:gate: %w", err)
	}

	logKey := u.prefix + "dyn:gate:log:" + tag(sym)
	if _, err := u.bus.XAdd(ctx, logKey, snap.Fields(), bus.XAddOpts{MaxLenApprox: 2000}); err != nil {
		u.log.Warnf("marketenv: audit append %s: %v", logKey, err)
	}

	return nil
}

func mapToGate(baseMin, baseMinNotion, volPct, liqPct, rateExc float64, eventFlag bool, oiRegime int, now int64) gate.Snapshot {
	eventBit := 0.0
	if eventFlag {
		eventBit = 1
	}
	oiBit := 0.0
	if oiRegime != 0 {
		oiBit = 1
	}
	volBit := 0.0
	if volPct > 0.8 {
		volBit = 1
	}

	effMin0 := stats.Clip(baseMin+0.05*volBit+0.05*minf(1, rateExc)+0.08*eventBit+0.02*oiBit, 0.6, 0.78)
	minNotional3s := maxf(baseMinNotion, round0(baseMinNotion*(0.9+0.35*liqPct)))
	minMoveBp := round0(2 + 4*volPct)
	minMoveAtrRatio := stats.RoundTo(0.15+0.2*volPct, 0.001)
	cooldownMs := int64(round0(6000 * (1 + 0.6*minf(1, rateExc) + 0.6*eventBit)))
	breakoutBandPct := stats.RoundTo(minf(0.05, 0.02*(1+0.5*volPct)), 0.0001)

	return gate.Snapshot{
		EffMin0:         effMin0,
		MinNotional3s:   minNotional3s,
		MinMoveBp:       minMoveBp,
		MinMoveAtrRatio: minMoveAtrRatio,
		CooldownMs:      cooldownMs,
		DedupMs:         8000,
		BreakoutBandPct: breakoutBandPct,
		VolPct:          volPct,
		LiqPct:          liqPct,
		RateExc:         rateExc,
		EventFlag:       eventFlag,
		OIRegime:        oiRegime,
		UpdatedAt:       now,
		Version:         gate.Version,
	}
}

// volLiqPercentiles implements the vol/liq bullet of spec.md §4.4: a
// TR-based volatility series at 5m and 15m, normalized to bp of close, and
// a liquidity series preferring quoteVol else vol*close — each taken as the
// max of its own percentile rank within history across both timeframes.
func (u *Updater) volLiqPercentiles(ctx context.Context, sym string) (volPct, liqPct float64, err error) {
	vol5, liq5, err := u.tfSeries(ctx, sym, "5m")
	if err != nil {
		return 0, 0, err
	}
	vol15, liq15, err := u.tfSeries(ctx, sym, "15m")
	if err != nil {
		return 0, 0, err
	}

	v5pct := lastPercentile(vol5)
	v15pct := lastPercentile(vol15)
	l5pct := lastPercentile(liq5)
	l15pct := lastPercentile(liq15)

	return stats.Clip01(maxf(v5pct, v15pct)), stats.Clip01(maxf(l5pct, l15pct)), nil
}

func lastPercentile(series []float64) float64 {
	if len(series) == 0 {
		return 0
	}
	last := series[len(series)-1]
	return stats.PercentileRank(series[:len(series)-1], last)
}

func (u *Updater) tfSeries(ctx context.Context, sym, tf string) (volBp, liq []float64, err error) {
	key := "ws:" + tag(sym) + ":kline" + tf
	msgs, err := u.bus.XRevRangeLatest(ctx, key, int64(u.cfg.KlineHistoryN))
	if err != nil {
		return nil, nil, err
	}
	bus.SortMsgs(msgs)

	highs := make([]float64, 0, len(msgs))
	lows := make([]float64, 0, len(msgs))
	closes := make([]float64, 0, len(msgs))
	liqs := make([]float64, 0, len(msgs))

	for _, m := range msgs {
		kf, decErr := market.DecodeKline(sym, tf, m.Ts, m.Fields)
		if decErr != nil {
			continue
		}
		h, _ := kf.High.Float64()
		l, _ := kf.Low.Float64()
		c, _ := kf.Close.Float64()
		v, _ := kf.Vol.Float64()
		qv, _ := kf.QuoteVol.Float64()

		highs = append(highs, h)
		lows = append(lows, l)
		closes = append(closes, c)

		if qv != 0 {
			liqs = append(liqs, qv)
		} else {
			liqs = append(liqs, v*c)
		}
	}

	if len(closes) == 0 {
		return nil, nil, nil
	}

	tr := talib.Atr(highs, lows, closes, 1)
	volBp = make([]float64, 0, len(tr))
	for i, v := range tr {
		if closes[i] == 0 {
			volBp = append(volBp, 0)
			continue
		}
		volBp = append(volBp, v/closes[i]*10000)
	}

	return volBp, liqs, nil
}

// oiRegime implements the OI-regime bullet of spec.md §4.4, including the
// ≥10-minute persistence filter and the vol/liq force-to-zero override.
func (u *Updater) oiRegime(ctx context.Context, sym string, now int64, volPct, liqPct float64) (int, error) {
	key := "ws:" + tag(sym) + ":oi"
	fromMs := now - int64(u.cfg.OIHistoryMin)*60000
	msgs, err := u.bus.XRangeByTime(ctx, key, fromMs, now, 0)
	if err != nil {
		return 0, err
	}
	bus.SortMsgs(msgs)

	perMinute := downsampleLastPerMinute(msgs)
	if len(perMinute) < 4 {
		return u.surfaceRegime(sym, 0, now), nil
	}

	const windowMin = 15
	n := len(perMinute)
	aFrom := n - windowMin
	if aFrom < 0 {
		aFrom = 0
	}
	bFrom := aFrom - windowMin
	if bFrom < 0 {
		bFrom = 0
	}
	seriesA := perMinute[aFrom:]  // last 15m
	seriesB := perMinute[bFrom:aFrom] // prior 15m

	meanA := stats.Mean(seriesA)
	meanB := stats.Mean(seriesB)
	median := stats.Median(perMinute)
	if median < 1 {
		median = 1
	}
	pct := (meanA - meanB) / median

	diffs := diffSeries(perMinute)
	lastDiff := 0.0
	if len(diffs) > 0 {
		lastDiff = diffs[len(diffs)-1]
	}
	zLike := stats.ZLike(lastDiff, diffs, 1e-9)

	raw := 0
	switch {
	case pct >= 0.012 && zLike >= 2.0:
		raw = 1
	case pct <= -0.012 && zLike <= -2.0:
		raw = -1
	}

	if volPct < 0.4 || liqPct < 0.4 {
		raw = 0
	}

	return u.surfaceRegime(sym, raw, now), nil
}

func (u *Updater) surfaceRegime(sym string, raw int, now int64) int {
	st := u.oiState[sym]
	if st == nil {
		st = &oiRegimeState{}
		u.oiState[sym] = st
	}

	if raw == 0 {
		st.sign = 0
		st.sinceMs = 0
		return 0
	}

	if raw != st.sign {
		st.sign = raw
		st.sinceMs = now
		return 0
	}

	heldMs := now - st.sinceMs
	if heldMs >= int64(u.cfg.PersistenceMin)*60000 {
		return raw
	}
	return 0
}

func (u *Updater) fundingEventFlag(ctx context.Context, sym string, now int64) (bool, error) {
	key := "state:funding:" + tag(sym)
	fields, err := u.bus.HGetAll(ctx, key)
	if err != nil {
		return false, err
	}
	if len(fields) == 0 {
		return false, nil
	}
	ff, err := market.DecodeFunding(sym, now, fields)
	if err != nil {
		return false, nil
	}
	delta := ff.NextFundingTime - now
	return delta >= 0 && delta <= 10*60000, nil
}

func (u *Updater) signalRateExcess(ctx context.Context, sym string, now int64) (float64, error) {
	key := "signal:detected:" + tag(sym)

	recent, err := u.bus.XRangeByTime(ctx, key, now-60000, now, 0)
	if err != nil {
		return 0, err
	}
	base, err := u.bus.XRangeByTime(ctx, key, now-15*60000, now, 0)
	if err != nil {
		return 0, err
	}

	recentRate := float64(len(recent)) / 60
	baseRate := float64(len(base)) / (15 * 60)

	if baseRate < 1e-9 {
		if len(recent) > 0 {
			return 1, nil
		}
		return 0, nil
	}

	return maxf(0, recentRate/baseRate-1), nil
}

func downsampleLastPerMinute(msgs []bus.Msg) []float64 {
	byMinute := map[int64]float64{}
	order := []int64{}
	for _, m := range msgs {
		of, err := market.DecodeOI(m.Symbol, m.Ts, m.Fields)
		if err != nil {
			continue
		}
		minute := m.Ts / 60000
		if _, ok := byMinute[minute]; !ok {
			order = append(order, minute)
		}
		v, _ := of.PreferredOI().Float64()
		byMinute[minute] = v
	}
	out := make([]float64, 0, len(order))
	for _, minute := range order {
		out = append(out, byMinute[minute])
	}
	return out
}

func diffSeries(xs []float64) []float64 {
	if len(xs) < 2 {
		return nil
	}
	out := make([]float64, 0, len(xs)-1)
	for i := 1; i < len(xs); i++ {
		out = append(out, xs[i]-xs[i-1])
	}
	return out
}

func tag(sym string) string {
	return "{" + sym + "}"
}

func round0(x float64) float64 {
	return stats.RoundTo(x, 1)
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
