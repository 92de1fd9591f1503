// Package market holds the wire-level types every worker decodes from the
// Redis Streams bus: trades, order-book frames, klines, open interest, and
// funding (spec.md §3, §6 "Consumed streams"). Decoding is strict — every
// numeric field round-trips through shopspring/decimal so price and
// quantity precision survives the hop across Redis (spec.md §9).
package market

import "github.com/shopspring/decimal"

type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Trade is one execution on ws:{sym}:trades.
type Trade struct {
	Symbol   string
	Ts       int64
	Px       decimal.Decimal
	Qty      decimal.Decimal
	Side     Side
	TradeID  string
	Taker    string
	RecvTs   int64
	IngestID string
}

// Notional returns px*qty*contractMultiplier in quote currency (glossary).
func (t Trade) Notional(contractMultiplier decimal.Decimal) decimal.Decimal {
	n := t.Px.Mul(t.Qty)
	if contractMultiplier.IsZero() {
		return n
	}
	return n.Mul(contractMultiplier)
}

// BookFrame is one top-of-book update on ws:{sym}:book.
type BookFrame struct {
	Symbol   string
	Ts       int64
	Bid1Px   decimal.Decimal
	Bid1Sz   decimal.Decimal
	Ask1Px   decimal.Decimal
	Ask1Sz   decimal.Decimal
	BidSz10  decimal.Decimal
	AskSz10  decimal.Decimal
	Spread   decimal.Decimal
	Snapshot bool
	U        int64
	PU       int64
	Checksum string
	Action   string
}

// Mid returns (bid1+ask1)/2 when both sides are positive, per the Router's
// refPx rule (§4.5 step 9).
func (b BookFrame) Mid() (decimal.Decimal, bool) {
	if b.Bid1Px.IsPositive() && b.Ask1Px.IsPositive() {
		return b.Bid1Px.Add(b.Ask1Px).Div(decimal.NewFromInt(2)), true
	}
	return decimal.Zero, false
}

// KlineFrame is one bar on ws:{sym}:kline{tf}. Confirm=true rows are final.
type KlineFrame struct {
	Symbol   string
	Ts       int64 // bar-open ms
	TF       string
	Open     decimal.Decimal
	High     decimal.Decimal
	Low      decimal.Decimal
	Close    decimal.Decimal
	Vol      decimal.Decimal
	QuoteVol decimal.Decimal
	Confirm  bool
}

// OIFrame is one open-interest sample on ws:{sym}:oi.
type OIFrame struct {
	Symbol string
	Ts     int64
	OI     decimal.Decimal
	OICcy  decimal.Decimal
}

// PreferredOI returns OICcy when present, else OI, per §4.4.
func (o OIFrame) PreferredOI() decimal.Decimal {
	if !o.OICcy.IsZero() {
		return o.OICcy
	}
	return o.OI
}

// FundingFrame is one sample on ws:{sym}:funding / state:funding:{sym}.
type FundingFrame struct {
	Symbol          string
	Ts              int64
	Rate            decimal.Decimal
	NextFundingTime int64
}
