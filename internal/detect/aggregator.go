package detect

import (
	"encoding/json"
	"fmt"
	"sort"

	"signalbackbone/internal/stats"
)

// GateParams is the subset of the dyn-gate snapshot the Aggregator's
// dyn-gate-driven config tier reads every tick (spec.md §4.3.2).
type GateParams struct {
	MinStrength     float64
	MinStrengthFlr  float64
	CooldownMs      int64
	DedupMs         int64
	MinMoveBp       float64
	MinMoveAtrRatio float64
}

// StaticParams is the Aggregator's baseline static config tier.
type StaticParams struct {
	ConsensusK              float64
	ConsensusKHiVolDiscount float64
	SymmetryStrengthEps     float64
}

// emitState is per (sym,dir) state the Aggregator owns exclusively.
type emitState struct {
	lastEmitTs int64
	lastEmitPx float64
	hasPx      bool
	lastSigKey string
}

// Aggregator owns the per-symbol consensus/cooldown/dedup state machine; it
// is created once per Window Worker and is never shared across goroutines
// (spec.md §4.1 "Ownership").
type Aggregator struct {
	state map[string]*emitState // key: sym|dir
}

func NewAggregator() *Aggregator {
	return &Aggregator{state: make(map[string]*emitState)}
}

// Result is the one signal the Aggregator accepted, or nil.
type Result struct {
	Ts           int64
	Sym          string
	Dir          Dir
	Strength     float64
	Src          Source
	Evidence     map[string]any
	ApproxKey    string
	CandsHash    uint32
}

// Run executes the full pipeline of spec.md §4.3.2 over this tick's
// candidates and either returns a signal or nil.
func (a *Aggregator) Run(sym string, now int64, lastPx float64, hasLastPx bool, atr, bandHL float64, cands []Candidate, gate GateParams, static StaticParams, dynAbsDelta, minNotional3s float64) *Result {
	if len(cands) == 0 {
		return nil
	}

	ordered := stableOrder(cands)

	byDir := map[Dir][]Candidate{}
	for _, c := range ordered {
		byDir[c.Dir] = append(byDir[c.Dir], c)
	}

	kEff := static.ConsensusK
	if dynAbsDelta > 1.5*minNotional3s {
		kEff = static.ConsensusK * static.ConsensusKHiVolDiscount
	}

	survivors := map[Dir][]Candidate{}
	for dir, group := range byDir {
		effMin := maxf(gate.MinStrengthFlr, gate.MinStrength-kEff*float64(len(group)-1))
		for _, c := range group {
			if c.Strength >= effMin {
				survivors[dir] = append(survivors[dir], c)
			}
		}
	}
	if len(survivors) == 0 {
		return nil
	}

	buySurv, sellSurv := survivors[DirBuy], survivors[DirSell]
	if len(buySurv) > 0 && len(sellSurv) > 0 && len(buySurv) == len(sellSurv) {
		if absf(maxStrength(buySurv)-maxStrength(sellSurv)) < static.SymmetryStrengthEps {
			return nil
		}
	}

	chosen := chooseHighest(survivors)
	if chosen == nil {
		return nil
	}

	key := sym + "|" + string(chosen.Dir)
	st := a.state[key]
	if st == nil {
		st = &emitState{}
		a.state[key] = st
	}

	if st.lastEmitTs != 0 && now-st.lastEmitTs < gate.CooldownMs {
		return nil
	}

	if st.hasPx && hasLastPx {
		deltaBp := absf(lastPx-st.lastEmitPx) / lastPx * 1e4
		useATR := atr
		if !isFinite(useATR) {
			useATR = bandHL * 2 / 3
		}
		ratio := 0.0
		if useATR != 0 {
			ratio = absf(lastPx-st.lastEmitPx) / useATR
		}
		if deltaBp < gate.MinMoveBp || ratio < gate.MinMoveAtrRatio {
			return nil
		}
	}

	buyShare, _ := chosen.Evidence["buyShare"].(float64)
	zLike, _ := chosen.Evidence["zLike"].(float64)
	approxKey := fmt.Sprintf("%s|%s|%s|%.0f|z:%.2f|sh:%.2f",
		sym, chosen.Dir, chosen.Src, stats.RoundTo(chosen.Strength*100, 1),
		stats.RoundTo(zLike, 0.05), stats.RoundTo(buyShare, 0.02))

	if approxKey == st.lastSigKey && now-st.lastEmitTs < gate.DedupMs {
		return nil
	}

	candsJSON, _ := json.Marshal(ordered)
	candsHash := stats.FNV1a(string(candsJSON))

	st.lastEmitTs = now
	st.lastEmitPx = lastPx
	st.hasPx = true
	st.lastSigKey = approxKey

	evidence := map[string]any{}
	for k, v := range chosen.Evidence {
		evidence[k] = v
	}
	evidence["dir"] = chosen.Dir
	evidence["candidates_hash"] = candsHash
	evidence["approx_key"] = approxKey
	evidence["zLike_max"] = zLike
	evidence["buyShare3s_max"] = buyShare
	evidence["kind"] = "intra"

	return &Result{
		Ts: now, Sym: sym, Dir: chosen.Dir, Strength: chosen.Strength, Src: chosen.Src,
		Evidence: evidence, ApproxKey: approxKey, CandsHash: candsHash,
	}
}

// stableOrder sorts by source rank desc, then dir (buy first), then
// strength desc (spec.md §4.3.2 step 2).
func stableOrder(cands []Candidate) []Candidate {
	out := append([]Candidate(nil), cands...)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Src.Rank() != out[j].Src.Rank() {
			return out[i].Src.Rank() > out[j].Src.Rank()
		}
		if out[i].Dir != out[j].Dir {
			return out[i].Dir == DirBuy
		}
		return out[i].Strength > out[j].Strength
	})
	return out
}

func chooseHighest(survivors map[Dir][]Candidate) *Candidate {
	var best *Candidate
	for _, group := range survivors {
		for i := range group {
			c := group[i]
			if best == nil || c.Strength > best.Strength ||
				(c.Strength == best.Strength && c.Src.Rank() > best.Src.Rank()) {
				best = &c
			}
		}
	}
	return best
}

func maxStrength(cs []Candidate) float64 {
	m := 0.0
	for _, c := range cs {
		if c.Strength > m {
			m = c.Strength
		}
	}
	return m
}

func isFinite(x float64) bool {
	return x == x && x < 1e308 && x > -1e308
}
