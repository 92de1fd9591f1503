package window

import (
	"signalbackbone/internal/market"
	"signalbackbone/internal/stats"
)

// TFSpec names a roll-up timeframe and its span in milliseconds.
type TFSpec struct {
	Name   string
	SpanMs int64
}

var RollupTFs = []TFSpec{
	{Name: "5m", SpanMs: 5 * 60 * 1000},
	{Name: "15m", SpanMs: 15 * 60 * 1000},
}

// SymbolState is the full per-symbol state a Window Worker owns exclusively
// (spec.md §4.1 "Ownership"): the live 1m bucket, the open 5m/15m roll-ups,
// the Flow3s sliding window, the price ring, and the dynAbsDelta EWMA.
type SymbolState struct {
	Symbol string

	m1         *Bar
	m1PrevSeal int64 // closeTs of the previous sealed 1m bar, for gap detection

	tf     map[string]*Bar
	tfPrev map[string]int64

	Flow3s   *Flow3s
	Prices   *PriceRing
	DynAbsEW *stats.EWMA
}

func NewSymbolState(sym string, flowSpanMs int64, priceRingLen int, ewmaAlpha float64) *SymbolState {
	return &SymbolState{
		Symbol:   sym,
		tf:       make(map[string]*Bar, len(RollupTFs)),
		tfPrev:   make(map[string]int64, len(RollupTFs)),
		Flow3s:   NewFlow3s(flowSpanMs),
		Prices:   NewPriceRing(priceRingLen),
		DynAbsEW: stats.NewEWMA(ewmaAlpha),
	}
}

// RollupResult carries every sealed bar produced by one trade application:
// at most one 1m seal, and at most one seal per configured higher timeframe.
type RollupResult struct {
	M1 *Sealed
	TF map[string]Sealed
}

// ApplyTrade runs §4.2 steps 1-2 and §4.2.1's roll-up, returning any bars
// that sealed as a side effect of this trade landing in a new bucket.
func (s *SymbolState) ApplyTrade(t market.Trade) RollupResult {
	res := RollupResult{}

	closeTs := floorTo(t.Ts, 60000) + 60000
	if s.m1 == nil || s.m1.CloseTs != closeTs {
		if s.m1 != nil {
			sealed := s.m1.seal(s.m1PrevSeal, 60000)
			res.M1 = &sealed
			s.m1PrevSeal = sealed.Ts
			s.rollup(sealed, &res)
		}
		b := newBar(closeTs-60000, closeTs, t.Px)
		s.m1 = &b
	}
	s.m1.apply(t)

	return res
}

// rollup folds a freshly sealed 1m bar into every configured higher
// timeframe, sealing the open TF bucket first if its tfClose changed
// (spec.md §4.2.1 "Roll-up").
func (s *SymbolState) rollup(m1 Sealed, res *RollupResult) {
	if res.TF == nil {
		res.TF = make(map[string]Sealed, len(RollupTFs))
	}

	for _, spec := range RollupTFs {
		tfClose := floorTo(m1.Ts-1, spec.SpanMs) + spec.SpanMs

		open := s.tf[spec.Name]
		if open != nil && open.CloseTs != tfClose {
			sealed := open.seal(s.tfPrev[spec.Name], spec.SpanMs)
			res.TF[spec.Name] = sealed
			s.tfPrev[spec.Name] = sealed.Ts
			open = nil
		}

		if open == nil {
			b := newBar(tfClose-spec.SpanMs, tfClose, m1.Open)
			open = &b
			s.tf[spec.Name] = open
		}

		open.Last = m1.Close
		if m1.High.GreaterThan(open.High) {
			open.High = m1.High
		}
		if m1.Low.LessThan(open.Low) {
			open.Low = m1.Low
		}
		open.Vol = open.Vol.Add(m1.Vol)
		open.VBuy = open.VBuy.Add(m1.VBuy)
		open.VSell = open.VSell.Add(m1.VSell)
		open.TickN += m1.TickN
		open.VWAPNum = open.VWAPNum.Add(m1.VWAP.Mul(m1.Vol))
		open.VWAPDen = open.VWAPDen.Add(m1.Vol)
	}
}

// restoreM1 seeds the live 1m bucket from a warm-start Hash read.
func (s *SymbolState) restoreM1(b Bar) {
	s.m1 = &b
	s.m1PrevSeal = b.CloseTs
}

// restoreTF seeds an open roll-up bucket from a warm-start Hash read.
func (s *SymbolState) restoreTF(tf string, b Bar) {
	s.tf[tf] = &b
	s.tfPrev[tf] = b.CloseTs
}

// TFState returns the currently-open bucket for a timeframe, if any, for
// building win:state:{tf}:{sym} Hash writes.
func (s *SymbolState) TFState(tf string) (*Bar, bool) {
	b, ok := s.tf[tf]
	return b, ok && b != nil
}

// M1State returns the currently-open 1m bucket, if any.
func (s *SymbolState) M1State() (*Bar, bool) {
	return s.m1, s.m1 != nil
}

func floorTo(x, span int64) int64 {
	q := x / span
	if x%span != 0 && x < 0 {
		q--
	}
	return q * span
}
