// Package gate defines the dyn-gate snapshot written by MarketEnv and read
// by the Router and Aggregator (spec.md §4.4, §4.5 step 2): a per-symbol
// Hash of gating parameters plus a small client-side cache so readers
// "tolerate stale values" while bounding their own read rate (spec.md §5).
package gate

import (
	"strconv"
	"time"
)

const Version = "v1.1"

// Snapshot mirrors the dyn:gate:{sym} Hash fields.
type Snapshot struct {
	EffMin0         float64
	MinNotional3s   float64
	MinMoveBp       float64
	MinMoveAtrRatio float64
	CooldownMs      int64
	DedupMs         int64
	BreakoutBandPct float64
	VolPct          float64
	LiqPct          float64
	RateExc         float64
	EventFlag       bool
	OIRegime        int
	UpdatedAt       int64
	Version         string
}

// Fields renders the snapshot as the Redis Hash field map.
func (s Snapshot) Fields() map[string]any {
	eventFlag := "0"
	if s.EventFlag {
		eventFlag = "1"
	}
	return map[string]any{
		"effMin0":         fmtFloat(s.EffMin0),
		"minNotional3s":   fmtFloat(s.MinNotional3s),
		"minMoveBp":       fmtFloat(s.MinMoveBp),
		"minMoveAtrRatio": fmtFloat(s.MinMoveAtrRatio),
		"cooldownMs":      s.CooldownMs,
		"dedupMs":         s.DedupMs,
		"breakoutBandPct": fmtFloat(s.BreakoutBandPct),
		"volPct":          fmtFloat(s.VolPct),
		"liqPct":          fmtFloat(s.LiqPct),
		"rateExc":         fmtFloat(s.RateExc),
		"eventFlag":       eventFlag,
		"oiRegime":        s.OIRegime,
		"updated_at":      s.UpdatedAt,
		"version":         s.Version,
	}
}

// FromFields parses the Hash back into a Snapshot; zero values for any
// fields absent or unparsable (readers must tolerate stale/missing gates).
func FromFields(m map[string]string) Snapshot {
	return Snapshot{
		EffMin0:         pf(m["effMin0"]),
		MinNotional3s:   pf(m["minNotional3s"]),
		MinMoveBp:       pf(m["minMoveBp"]),
		MinMoveAtrRatio: pf(m["minMoveAtrRatio"]),
		CooldownMs:      pi(m["cooldownMs"]),
		DedupMs:         pi(m["dedupMs"]),
		BreakoutBandPct: pf(m["breakoutBandPct"]),
		VolPct:          pf(m["volPct"]),
		LiqPct:          pf(m["liqPct"]),
		RateExc:         pf(m["rateExc"]),
		EventFlag:       m["eventFlag"] == "1",
		OIRegime:        int(pi(m["oiRegime"])),
		UpdatedAt:       pi(m["updated_at"]),
		Version:         m["version"],
	}
}

func fmtFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

func pf(s string) float64 {
	v, _ := strconv.ParseFloat(s, 64)
	return v
}

func pi(s string) int64 {
	v, _ := strconv.ParseInt(s, 10, 64)
	return v
}

// Cache is the 1s local read-through cache the Router and Aggregator use
// to bound dyn:gate read rate (spec.md §4.5 step 2, §5).
type Cache struct {
	ttl   time.Duration
	byKey map[string]cacheEntry
}

type cacheEntry struct {
	snap    Snapshot
	fetched time.Time
}

func NewCache(ttl time.Duration) *Cache {
	return &Cache{ttl: ttl, byKey: make(map[string]cacheEntry)}
}

// Get returns the cached snapshot if fresh, else reports a miss the caller
// must resolve with Put after fetching from Redis.
func (c *Cache) Get(sym string, now time.Time) (Snapshot, bool) {
	e, ok := c.byKey[sym]
	if !ok || now.Sub(e.fetched) > c.ttl {
		return Snapshot{}, false
	}
	return e.snap, true
}

func (c *Cache) Put(sym string, snap Snapshot, now time.Time) {
	c.byKey[sym] = cacheEntry{snap: snap, fetched: now}
}
