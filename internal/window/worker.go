package window

import (
	"context"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"gitlab.com/nevasik7/alerting/logger"

	"signalbackbone/internal/bus"
	"signalbackbone/internal/detect"
	"signalbackbone/internal/gate"
	"signalbackbone/internal/market"
	"signalbackbone/internal/obsmetrics"
)

const (
	group        = "cg:window"
	stateTTL     = 600 * time.Second
	claimMinIdle = 30 * time.Second
)

// Config is the Window Worker's tunables (spec.md §4.2, §6 env knobs).
type Config struct {
	ReadCount     int64
	Block         time.Duration
	Flow3sSpanMs int64
	PriceRingLen int
	EWMAAlpha    float64
	LiqK         float64
	DynDeltaK    float64
	ContractMult float64
	Static       detect.StaticParams
}

// Worker owns one goroutine's worth of per-symbol SymbolState; nothing here
// is shared with another goroutine, so none of it needs locking (spec.md
// §4.2's "each stream worker owns its state exclusively"). Grounded on the
// teacher's rolling-window consumer loop, generalized from fixed 5m/1h/24h
// windows to bar sealing/roll-up/Flow3s/detector dispatch.
type Worker struct {
	bus      bus.Bus
	log      logger.Logger
	cfg      Config
	prefix   string
	consumer string
	symbols  []string

	agg     *detect.Aggregator
	cache   *gate.Cache
	states  map[string]*SymbolState
	contMul decimal.Decimal
}

func NewWorker(b bus.Bus, log logger.Logger, cfg Config, redisPrefix, consumer string, symbols []string) *Worker {
	contMul := decimal.Zero
	if cfg.ContractMult > 0 {
		contMul = decimal.NewFromFloat(cfg.ContractMult)
	}
	return &Worker{
		bus: b, log: log, cfg: cfg, prefix: redisPrefix, consumer: consumer, symbols: symbols,
		agg:     detect.NewAggregator(),
		cache:   gate.NewCache(time.Second),
		states:  make(map[string]*SymbolState),
		contMul: contMul,
	}
}

// Run blocks until ctx is cancelled, owning the full warm-start/read/seal/
// detect/claim cycle for every configured symbol.
func (w *Worker) Run(ctx context.Context) error {
	keys := make([]string, 0, len(w.symbols))
	for _, sym := range w.symbols {
		keys = append(keys, "ws:{"+sym+"}:trades")
		if err := w.bus.EnsureGroup(ctx, "ws:{"+sym+"}:trades", group, "$"); err != nil {
			return err
		}
		w.warmStart(ctx, sym)
	}

	claimTicker := time.NewTicker(30 * time.Second)
	defer claimTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-claimTicker.C:
			w.reclaim(ctx, keys)
		default:
		}

		msgs, err := w.bus.ReadGroup(ctx, bus.ReadGroupArgs{
			Keys: keys, Group: group, Consumer: w.consumer,
			Count: w.cfg.ReadCount, Block: w.cfg.Block,
		})
		if err != nil {
			w.log.Warnf("window: read group: %v", err)
			continue
		}
		w.handleBatch(ctx, msgs)
	}
}

func (w *Worker) reclaim(ctx context.Context, keys []string) {
	for _, k := range keys {
		msgs, err := w.bus.XAutoClaim(ctx, k, group, w.consumer, claimMinIdle, 200)
		if err != nil {
			w.log.Warnf("window: xautoclaim %s: %v", k, err)
			continue
		}
		w.handleBatch(ctx, msgs)
	}
}

func (w *Worker) handleBatch(ctx context.Context, msgs []bus.Msg) {
	for _, m := range msgs {
		trade, err := market.DecodeTrade(m.Symbol, m.Ts, m.Fields)
		if err != nil {
			// malformed row: leave unacked, XAUTOCLAIM will retry it later
			w.log.Warnf("window: malformed trade %s: %v", m.ID, err)
			continue
		}

		st := w.stateFor(m.Symbol)
		res := st.ApplyTrade(trade)

		notional, _ := trade.Notional(w.contMul).Float64()
		buyUSD, sellUSD := 0.0, 0.0
		if trade.Side == market.SideBuy {
			buyUSD = notional
		} else {
			sellUSD = notional
		}
		st.Flow3s.Add(m.Ts, buyUSD, sellUSD)

		px, _ := trade.Px.Float64()
		st.Prices.Push(px)
		delta := buyUSD - sellUSD
		st.DynAbsEW.Update(absf(delta))

		w.persistCurrent(ctx, m.Symbol, st)
		if res.M1 != nil {
			w.publishSealed(ctx, m.Symbol, "1m", *res.M1)
		}
		for tf, sealed := range res.TF {
			w.publishSealed(ctx, m.Symbol, tf, sealed)
		}
		w.onTick(ctx, m.Symbol, st, trade.Ts)

		if err := w.bus.Ack(ctx, m.Key, group, m.ID); err != nil {
			w.log.Warnf("window: ack %s/%s: %v", m.Key, m.ID, err)
		}
	}
}

func (w *Worker) stateFor(sym string) *SymbolState {
	st, ok := w.states[sym]
	if !ok {
		st = NewSymbolState(sym, w.cfg.Flow3sSpanMs, w.cfg.PriceRingLen, w.cfg.EWMAAlpha)
		w.states[sym] = st
	}
	return st
}

// warmStart rehydrates in-flight bar state from the externally visible
// win:state:{tf}:{sym} hashes instead of a private snapshot blob, so a
// restarted worker and a live HTTP reader see the identical wire contract.
func (w *Worker) warmStart(ctx context.Context, sym string) {
	st := w.stateFor(sym)
	restoreBar(w.bus, ctx, w.prefix+"win:state:1m:{"+sym+"}", func(b Bar) { st.restoreM1(b) })
	for _, tf := range RollupTFs {
		restoreBar(w.bus, ctx, w.prefix+"win:state:"+tf.Name+":{"+sym+"}", func(b Bar) { st.restoreTF(tf.Name, b) })
	}
}

func restoreBar(b bus.Bus, ctx context.Context, key string, apply func(Bar)) {
	fields, err := b.HGetAll(ctx, key)
	if err != nil || len(fields) == 0 {
		return
	}
	apply(barFromHashFields(fields))
}

func (w *Worker) persistCurrent(ctx context.Context, sym string, st *SymbolState) {
	if bar, ok := st.M1State(); ok {
		key := w.prefix + "win:state:1m:{" + sym + "}"
		if err := w.bus.HSet(ctx, key, bar.HashFields(time.Now().UnixMilli())); err != nil {
			w.log.Warnf("window: hset %s: %v", key, err)
			return
		}
		_ = w.bus.Expire(ctx, key, stateTTL)
	}
	for _, tf := range RollupTFs {
		if bar, ok := st.TFState(tf.Name); ok {
			key := w.prefix + "win:state:" + tf.Name + ":{" + sym + "}"
			if err := w.bus.HSet(ctx, key, bar.HashFields(time.Now().UnixMilli())); err != nil {
				w.log.Warnf("window: hset %s: %v", key, err)
				continue
			}
			_ = w.bus.Expire(ctx, key, stateTTL)
		}
	}
}

func (w *Worker) publishSealed(ctx context.Context, sym, tf string, sealed Sealed) {
	key := w.prefix + "win:" + tf + ":{" + sym + "}"
	if _, err := w.bus.XAdd(ctx, key, sealed.Fields(), bus.XAddOpts{MaxLenApprox: 5000}); err != nil {
		w.log.Warnf("window: publish %s: %v", key, err)
		return
	}
	obsmetrics.WindowBarsSealed.WithLabelValues(sym, tf).Inc()
}

// onTick implements the detector/aggregator dispatch that fires on every
// trade (spec.md §4.2 step 7, §4.3): it runs D1-D3 against the *live*,
// still-open Win1m bucket's high/low (the detector family is called
// "intra-bar" precisely because it must not wait for the bar to seal) and
// emits at most one signal:detected row per tick.
func (w *Worker) onTick(ctx context.Context, sym string, st *SymbolState, ts int64) {
	m1, ok := st.M1State()
	if !ok {
		return
	}

	snap, _ := w.gateSnapshot(ctx, sym)
	buy, sell := st.Flow3s.Sums()
	high, _ := m1.High.Float64()
	low, _ := m1.Low.Float64()

	dctx := detect.DetectorCtx{
		Now: ts, Sym: sym, High: high, Low: low,
		ATR:             atrFallback(snap, high, low),
		LastPrices:      st.Prices.Values(),
		BuyNotional3s:   buy,
		SellNotional3s:  sell,
		MinNotional3s:   snap.MinNotional3s,
		BreakoutBandPct: snap.BreakoutBandPct,
		DynAbsDelta:     st.DynAbsEW.Value(),
		DynDeltaK:       w.cfg.DynDeltaK,
		LiqK:            w.cfg.LiqK,
	}
	cands := detect.All(dctx)
	if len(cands) == 0 {
		return
	}

	lastPx, hasLastPx := 0.0, false
	if vs := st.Prices.Values(); len(vs) > 0 {
		lastPx, hasLastPx = vs[len(vs)-1], true
	}

	gp := detect.GateParams{
		MinStrength: snap.EffMin0, MinStrengthFlr: 0.6,
		CooldownMs: snap.CooldownMs, DedupMs: snap.DedupMs,
		MinMoveBp: snap.MinMoveBp, MinMoveAtrRatio: snap.MinMoveAtrRatio,
	}
	res := w.agg.Run(sym, ts, lastPx, hasLastPx, dctx.ATR, high-low, cands, gp, w.cfg.Static, st.DynAbsEW.Value(), snap.MinNotional3s)
	if res == nil {
		return
	}

	fields := map[string]any{
		"ts": res.Ts, "dir": string(res.Dir), "strength": strconv.FormatFloat(res.Strength, 'f', 3, 64),
		"src": string(res.Src), "approx_key": res.ApproxKey, "candidates_hash": res.CandsHash,
	}
	for k, v := range res.Evidence {
		fields["evidence."+k] = v
	}
	key := w.prefix + "signal:detected:{" + sym + "}"
	if _, err := w.bus.XAdd(ctx, key, fields, bus.XAddOpts{MaxLenApprox: 5000}); err != nil {
		w.log.Warnf("window: publish detected %s: %v", key, err)
		return
	}
	obsmetrics.SignalsDetected.WithLabelValues(sym, string(res.Dir)).Inc()
}

func (w *Worker) gateSnapshot(ctx context.Context, sym string) (gate.Snapshot, error) {
	now := time.Now()
	if snap, ok := w.cache.Get(sym, now); ok {
		return snap, nil
	}
	fields, err := w.bus.HGetAll(ctx, w.prefix+"dyn:gate:{"+sym+"}")
	if err != nil {
		return gate.Snapshot{}, err
	}
	snap := gate.FromFields(fields)
	w.cache.Put(sym, snap, now)
	return snap, nil
}

// atrFallback approximates ATR as two thirds of the live 1m bucket's
// high-low range (spec.md glossary ATR fallback); no ATR series is read.
func atrFallback(snap gate.Snapshot, high, low float64) float64 {
	return (high - low) * 2.0 / 3.0
}

func absf(x float64) float64 {
	if x < 0 {
		return -x
	}
	return x
}
