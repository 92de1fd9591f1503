// Package window implements the Window Worker of spec.md §4.2: it turns a
// trade stream into closed 1m bars, rolls them into 5m/15m, and maintains a
// 3-second notional-flow sliding window per symbol. It is grounded on the
// teacher's internal/window ring-buffer sliding-window engine
// (rolling.go/watermark.go/snapshot.go), generalized from fixed 5m/1h/24h
// windows over trade counts to the spec's bar-sealing/roll-up/Flow3s model.
package window

import (
	"strconv"

	"github.com/shopspring/decimal"

	"signalbackbone/internal/market"
)

// Bar is an in-progress or sealed OHLCV bucket. OHLCV fields stay decimal
// because sealed rows round-trip back onto the wire and the roll-up
// conservation invariant (spec.md §8) compares exact sums (spec.md §9).
type Bar struct {
	OpenTs  int64 // bucket open time, ms
	CloseTs int64 // bucket close time, ms (= ts field on the sealed row)

	Open  decimal.Decimal
	High  decimal.Decimal
	Low   decimal.Decimal
	Last  decimal.Decimal
	Vol   decimal.Decimal
	VBuy  decimal.Decimal
	VSell decimal.Decimal

	VWAPNum decimal.Decimal
	VWAPDen decimal.Decimal
	TickN   int64
}

// newBar seeds a bucket the way §4.2 step 1 describes: open=high=low=last=px.
func newBar(openTs, closeTs int64, px decimal.Decimal) Bar {
	return Bar{
		OpenTs:  openTs,
		CloseTs: closeTs,
		Open:    px,
		High:    px,
		Low:     px,
		Last:    px,
		Vol:     decimal.Zero,
		VBuy:    decimal.Zero,
		VSell:   decimal.Zero,
		VWAPNum: decimal.Zero,
		VWAPDen: decimal.Zero,
	}
}

// apply folds one trade into the bucket per §4.2 step 2.
func (b *Bar) apply(t market.Trade) {
	b.Last = t.Px
	if t.Px.GreaterThan(b.High) {
		b.High = t.Px
	}
	if t.Px.LessThan(b.Low) {
		b.Low = t.Px
	}

	b.Vol = b.Vol.Add(t.Qty)
	switch t.Side {
	case market.SideBuy:
		b.VBuy = b.VBuy.Add(t.Qty)
	case market.SideSell:
		b.VSell = b.VSell.Add(t.Qty)
	}

	b.VWAPNum = b.VWAPNum.Add(t.Px.Mul(t.Qty))
	b.VWAPDen = b.VWAPDen.Add(t.Qty)
	b.TickN++
}

// Sealed is an immutable closed bar ready to append to win:{tf}:{sym}.
type Sealed struct {
	Ts    int64 // bar close time
	Open  decimal.Decimal
	High  decimal.Decimal
	Low   decimal.Decimal
	Close decimal.Decimal
	Vol   decimal.Decimal
	VBuy  decimal.Decimal
	VSell decimal.Decimal
	VWAP  decimal.Decimal
	TickN int64
	Gap   bool
}

// seal computes vwap (falling back to last when the denominator is zero)
// and marks the gap flag, per §4.2.1.
func (b Bar) seal(prevCloseTs int64, spanMs int64) Sealed {
	vwap := b.Last
	if b.VWAPDen.IsPositive() {
		vwap = b.VWAPNum.Div(b.VWAPDen)
	}

	gap := prevCloseTs != 0 && b.CloseTs-prevCloseTs > spanMs

	return Sealed{
		Ts:    b.CloseTs,
		Open:  b.Open,
		High:  b.High,
		Low:   b.Low,
		Close: b.Last,
		Vol:   b.Vol,
		VBuy:  b.VBuy,
		VSell: b.VSell,
		VWAP:  vwap,
		TickN: b.TickN,
		Gap:   gap,
	}
}

// Fields renders a sealed bar as the Redis Stream field map for
// win:{tf}:{sym} (spec.md §6 "Produced streams").
func (s Sealed) Fields() map[string]any {
	gap := "0"
	if s.Gap {
		gap = "1"
	}
	return map[string]any{
		"ts":    s.Ts,
		"open":  s.Open.String(),
		"high":  s.High.String(),
		"low":   s.Low.String(),
		"close": s.Close.String(),
		"vol":   s.Vol.String(),
		"vbuy":  s.VBuy.String(),
		"vsell": s.VSell.String(),
		"vwap":  s.VWAP.String(),
		"tickN": s.TickN,
		"gap":   gap,
	}
}

// HashFields renders the in-progress bucket for win:state:{tf}:{sym}
// (spec.md §4.2 step 3).
func (b Bar) HashFields(updatedTs int64) map[string]any {
	return map[string]any{
		"openTs":    b.OpenTs,
		"closeTs":   b.CloseTs,
		"open":      b.Open.String(),
		"high":      b.High.String(),
		"low":       b.Low.String(),
		"last":      b.Last.String(),
		"vol":       b.Vol.String(),
		"vbuy":      b.VBuy.String(),
		"vsell":     b.VSell.String(),
		"vwapNum":   b.VWAPNum.String(),
		"vwapDen":   b.VWAPDen.String(),
		"tickN":     b.TickN,
		"updatedTs": updatedTs,
	}
}

// barFromHashFields rebuilds an in-progress Bar from a win:state:{tf}:{sym}
// Hash read, the inverse of HashFields — used by the Window worker's
// warm-start restore (spec.md Supplemented feature 1).
func barFromHashFields(fields map[string]string) Bar {
	return Bar{
		OpenTs:  parseI64(fields["openTs"]),
		CloseTs: parseI64(fields["closeTs"]),
		Open:    parseDec(fields["open"]),
		High:    parseDec(fields["high"]),
		Low:     parseDec(fields["low"]),
		Last:    parseDec(fields["last"]),
		Vol:     parseDec(fields["vol"]),
		VBuy:    parseDec(fields["vbuy"]),
		VSell:   parseDec(fields["vsell"]),
		VWAPNum: parseDec(fields["vwapNum"]),
		VWAPDen: parseDec(fields["vwapDen"]),
		TickN:   parseI64(fields["tickN"]),
	}
}

func parseDec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func parseI64(s string) int64 {
	v, _ := strconv.ParseInt(s, 10, 64)
	return v
}
