// Package router implements the Signal Router of spec.md §4.5: it consumes
// signal:detected:{sym}, applies the strength/cooldown/dedup/min-spacing/
// hysteresis/idempotency-lock gating pipeline, resolves a reference price,
// and republishes to signal:final:{sym}. Grounded on the teacher's
// internal/dedupe/redis.RedisDeduper SETNX+TTL idempotency pattern, adapted
// from a generic event deduper into the Router's idemKey contract.
package router

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"gitlab.com/nevasik7/alerting/logger"

	"signalbackbone/internal/bus"
	"signalbackbone/internal/gate"
	"signalbackbone/internal/market"
)

const (
	StrengthFloor = 0.6
	DefaultHystHi = 0.75
	DefaultHystLo = 0.55
)

// Config is the Router's static tunables (spec.md §4.5, §6 env knobs).
type Config struct {
	ExtraCooldownMs int64
	MinSpacingMs    int64
	HystHi          float64
	HystLo          float64
	IdemBucketMs    int64
	IdemTTL         time.Duration
	RefPxStaleMs    int64
}

type emitState struct {
	lastEmitTs  int64
	lastDir     string
	lastSigKey  string
}

// Router owns its per (sym,dir) emission state exclusively.
type Router struct {
	bus    bus.Bus
	log    logger.Logger
	cfg    Config
	prefix string
	cache  *gate.Cache
	state  map[string]*emitState // key: sym|dir
}

func New(b bus.Bus, log logger.Logger, cfg Config, redisPrefix string) *Router {
	return &Router{
		bus: b, log: log, cfg: cfg, prefix: redisPrefix,
		cache: gate.NewCache(time.Second),
		state: make(map[string]*emitState),
	}
}

// Drop enumerates the reasons §4.5 names for rejecting a detected signal.
type Drop string

const (
	DropBadRow         Drop = "bad_row"
	DropStrength       Drop = "strength"
	DropCooldown       Drop = "cooldown"
	DropDedup          Drop = "dedup"
	DropMinSpacing     Drop = "min_spacing"
	DropHysteresis     Drop = "hysteresis"
	DropIdempotentLock Drop = "idempotent_lock"
)

// Outcome is the result of processing one detected-signal message.
type Outcome struct {
	Dropped Drop
	Final   map[string]any
}

// Process runs the full §4.5 pipeline over one signal:detected:{sym} row.
func (r *Router) Process(ctx context.Context, m bus.Msg) (Outcome, error) {
	sym := m.Symbol
	dir := m.Fields["dir"]
	if sym == "" || (dir != "buy" && dir != "sell") {
		return Outcome{Dropped: DropBadRow}, nil
	}
	strength, err := strconv.ParseFloat(m.Fields["strength"], 64)
	if err != nil {
		return Outcome{Dropped: DropBadRow}, nil
	}
	src := m.Fields["src"]
	approxKey := m.Fields["approx_key"]
	ts := m.Ts

	snap, err := r.gateSnapshot(ctx, sym)
	if err != nil {
		return Outcome{}, fmt.Errorf("gate snapshot: %w", err)
	}

	finalMin := maxf(StrengthFloor, snap.EffMin0)
	if strength < finalMin {
		return Outcome{Dropped: DropStrength}, nil
	}

	key := sym + "|" + dir
	st := r.state[key]
	if st == nil {
		st = &emitState{}
		r.state[key] = st
	}

	cool := snap.CooldownMs + r.cfg.ExtraCooldownMs
	if st.lastEmitTs != 0 && ts-st.lastEmitTs < cool {
		return Outcome{Dropped: DropCooldown}, nil
	}

	if approxKey != "" && approxKey == st.lastSigKey && st.lastEmitTs != 0 && ts-st.lastEmitTs < cool {
		return Outcome{Dropped: DropDedup}, nil
	}

	wallNow := time.Now().UnixMilli()
	spacing := r.cfg.MinSpacingMs
	if spacing <= 0 {
		spacing = 10000
	}
	if st.lastEmitTs != 0 && wallNow-st.lastEmitTs < spacing {
		return Outcome{Dropped: DropMinSpacing}, nil
	}

	hystHi, hystLo := r.cfg.HystHi, r.cfg.HystLo
	if hystHi <= 0 {
		hystHi = DefaultHystHi
	}
	if hystLo <= 0 {
		hystLo = DefaultHystLo
	}
	if st.lastDir != "" {
		if st.lastDir != dir && strength < hystHi {
			return Outcome{Dropped: DropHysteresis}, nil
		}
		if st.lastDir == dir && strength < hystLo {
			return Outcome{Dropped: DropHysteresis}, nil
		}
	}

	bucket := r.cfg.IdemBucketMs
	if bucket <= 0 {
		bucket = 8000
	}
	idemKey := r.prefix + fmt.Sprintf("idem:final:%s:%s:%s:%d", sym, dir, src, floorTo(ts, bucket))
	ok, err := r.bus.SetNX(ctx, idemKey, 1, r.cfg.IdemTTL)
	if err != nil {
		return Outcome{}, fmt.Errorf("idempotency lock: %w", err)
	}
	if !ok {
		return Outcome{Dropped: DropIdempotentLock}, nil
	}

	refPx, refPxSrc, refPxTs, hasRef := r.resolveRefPx(ctx, sym)

	final := map[string]any{
		"ts":         ts,
		"dir":        dir,
		"strength":   fmt.Sprintf("%.3f", strength),
		"src":        src,
		"approx_key": approxKey,
		"strategyId": strategyID(m.Fields["strategyId"]),
		"ttlMs":      maxInt64(3000, snap.CooldownMs),
	}
	// m.Fields carries both the plain keys already seeded above and the
	// evidence.* keys the Window worker attached (internal/window/worker.go);
	// only the latter belong on signal:final, and already carry their prefix.
	for k, v := range m.Fields {
		if strings.HasPrefix(k, "evidence.") {
			final[k] = v
		}
	}
	if hasRef {
		final["refPx"] = refPx.String()
		final["refPx_source"] = refPxSrc
		final["refPx_ts"] = refPxTs
		staleMs := r.cfg.RefPxStaleMs
		if staleMs <= 0 {
			staleMs = 200
		}
		final["refPx_stale"] = wallNow-refPxTs > staleMs
	}

	st.lastEmitTs = ts
	st.lastDir = dir
	st.lastSigKey = approxKey

	return Outcome{Final: final}, nil
}

func (r *Router) gateSnapshot(ctx context.Context, sym string) (gate.Snapshot, error) {
	now := time.Now()
	if snap, ok := r.cache.Get(sym, now); ok {
		return snap, nil
	}
	fields, err := r.bus.HGetAll(ctx, r.prefix+"dyn:gate:{"+sym+"}")
	if err != nil {
		return gate.Snapshot{}, err
	}
	snap := gate.FromFields(fields)
	r.cache.Put(sym, snap, now)
	return snap, nil
}

// resolveRefPx implements §4.5 step 9: book mid, else last trade.
func (r *Router) resolveRefPx(ctx context.Context, sym string) (px interface{ String() string }, source string, ts int64, ok bool) {
	bookMsgs, err := r.bus.XRevRangeLatest(ctx, "ws:{"+sym+"}:book", 1)
	if err == nil && len(bookMsgs) > 0 {
		bf, decErr := market.DecodeBook(sym, bookMsgs[0].Ts, bookMsgs[0].Fields)
		if decErr == nil {
			if mid, midOk := bf.Mid(); midOk {
				return mid, "mid", bookMsgs[0].Ts, true
			}
		}
	}

	tradeMsgs, err := r.bus.XRevRangeLatest(ctx, "ws:{"+sym+"}:trades", 1)
	if err == nil && len(tradeMsgs) > 0 {
		tr, decErr := market.DecodeTrade(sym, tradeMsgs[0].Ts, tradeMsgs[0].Fields)
		if decErr == nil {
			return tr.Px, "last", tradeMsgs[0].Ts, true
		}
	}

	return nil, "", 0, false
}

func strategyID(passthrough string) string {
	if passthrough != "" {
		return passthrough
	}
	return "intra.v1"
}

func floorTo(x, span int64) int64 {
	return (x / span) * span
}

func maxf(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
