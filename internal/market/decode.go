package market

import (
	"fmt"
	"math"

	"signalbackbone/pkg/decimalx"
)

// ErrMalformed marks a row that should be counted under drop:bad_row and
// left un-acked without crashing the consumer (spec.md §7).
type ErrMalformed struct {
	Field string
	Cause error
}

func (e *ErrMalformed) Error() string {
	return fmt.Sprintf("malformed field %s: %v", e.Field, e.Cause)
}

func (e *ErrMalformed) Unwrap() error { return e.Cause }

func malformed(field string, cause error) error {
	return &ErrMalformed{Field: field, Cause: cause}
}

// requireField parses a field that must be present on the wire; an absent
// key is malformed even though decimalx.Parse treats "" as zero for the
// genuinely-optional fields that call Parse directly.
func requireField(fields map[string]string, key string) (string, error) {
	v, ok := fields[key]
	if !ok || v == "" {
		return "", fmt.Errorf("missing required field %q", key)
	}
	return v, nil
}

// requireAny is requireField over a list of accepted aliases (§9 Open
// Question c: some streams use "c" where others use "close").
func requireAny(fields map[string]string, keys ...string) (string, error) {
	for _, k := range keys {
		if v, ok := fields[k]; ok && v != "" {
			return v, nil
		}
	}
	return "", fmt.Errorf("missing required field, tried %v", keys)
}

// DecodeTrade validates and decodes a normalized field map into a Trade.
// px>0, qty>=0 (spec.md §3); ts must parse; side must be buy/sell.
func DecodeTrade(symbol string, ts int64, fields map[string]string) (Trade, error) {
	pxs, err := requireField(fields, "px")
	if err != nil {
		return Trade{}, malformed("px", err)
	}
	px, err := decimalx.Parse(pxs)
	if err != nil {
		return Trade{}, malformed("px", err)
	}
	if !px.IsPositive() {
		return Trade{}, malformed("px", fmt.Errorf("must be > 0"))
	}

	qtys, err := requireField(fields, "qty")
	if err != nil {
		return Trade{}, malformed("qty", err)
	}
	qty, err := decimalx.Parse(qtys)
	if err != nil {
		return Trade{}, malformed("qty", err)
	}
	if qty.IsNegative() {
		return Trade{}, malformed("qty", fmt.Errorf("must be >= 0"))
	}

	side := Side(fields["side"])
	if side != SideBuy && side != SideSell {
		return Trade{}, malformed("side", fmt.Errorf("must be buy|sell, got %q", fields["side"]))
	}

	var recvTs int64
	if s, ok := fields["recvTs"]; ok {
		if v, err := decimalx.ParseFloat(s); err == nil {
			recvTs = int64(v)
		}
	}

	return Trade{
		Symbol:   symbol,
		Ts:       ts,
		Px:       px,
		Qty:      qty,
		Side:     side,
		TradeID:  fields["tradeId"],
		Taker:    fields["taker"],
		RecvTs:   recvTs,
		IngestID: fields["ingestId"],
	}, nil
}

func DecodeBook(symbol string, ts int64, fields map[string]string) (BookFrame, error) {
	bidPxs, err := requireField(fields, "bid1.px")
	if err != nil {
		return BookFrame{}, malformed("bid1.px", err)
	}
	bidPx, err := decimalx.Parse(bidPxs)
	if err != nil {
		return BookFrame{}, malformed("bid1.px", err)
	}
	askPxs, err := requireField(fields, "ask1.px")
	if err != nil {
		return BookFrame{}, malformed("ask1.px", err)
	}
	askPx, err := decimalx.Parse(askPxs)
	if err != nil {
		return BookFrame{}, malformed("ask1.px", err)
	}
	bidSz, _ := decimalx.Parse(fields["bid1.sz"])
	askSz, _ := decimalx.Parse(fields["ask1.sz"])
	bidSz10, _ := decimalx.Parse(fields["bidSz10"])
	askSz10, _ := decimalx.Parse(fields["askSz10"])
	spread, _ := decimalx.Parse(fields["spread"])

	var u, pu int64
	if v, err := decimalx.ParseFloat(fields["u"]); err == nil {
		u = int64(v)
	}
	if v, err := decimalx.ParseFloat(fields["pu"]); err == nil {
		pu = int64(v)
	}

	return BookFrame{
		Symbol:   symbol,
		Ts:       ts,
		Bid1Px:   bidPx,
		Bid1Sz:   bidSz,
		Ask1Px:   askPx,
		Ask1Sz:   askSz,
		BidSz10:  bidSz10,
		AskSz10:  askSz10,
		Spread:   spread,
		Snapshot: fields["snapshot"] == "1" || fields["snapshot"] == "true",
		U:        u,
		PU:       pu,
		Checksum: fields["checksum"],
		Action:   fields["action"],
	}, nil
}

// DecodeKline accepts either o/h/l/c or open/high/low/close, and either c or
// close for the alias the resolver must also accept (§9 Open Question c).
func DecodeKline(symbol, tf string, ts int64, fields map[string]string) (KlineFrame, error) {
	os, err := requireAny(fields, "o", "open")
	if err != nil {
		return KlineFrame{}, malformed("o", err)
	}
	o, err := decimalx.Parse(os)
	if err != nil {
		return KlineFrame{}, malformed("o", err)
	}
	hs, err := requireAny(fields, "h", "high")
	if err != nil {
		return KlineFrame{}, malformed("h", err)
	}
	h, err := decimalx.Parse(hs)
	if err != nil {
		return KlineFrame{}, malformed("h", err)
	}
	ls, err := requireAny(fields, "l", "low")
	if err != nil {
		return KlineFrame{}, malformed("l", err)
	}
	l, err := decimalx.Parse(ls)
	if err != nil {
		return KlineFrame{}, malformed("l", err)
	}
	cs, err := requireAny(fields, "c", "close")
	if err != nil {
		return KlineFrame{}, malformed("c", err)
	}
	c, err := decimalx.Parse(cs)
	if err != nil {
		return KlineFrame{}, malformed("c", err)
	}
	vol, _ := decimalx.Parse(fields["vol"])
	quoteVol, _ := decimalx.Parse(firstNonEmpty(fields, "volCcyQuote", "quoteVol"))

	return KlineFrame{
		Symbol:   symbol,
		Ts:       ts,
		TF:       tf,
		Open:     o,
		High:     h,
		Low:      l,
		Close:    c,
		Vol:      vol,
		QuoteVol: quoteVol,
		Confirm:  fields["confirm"] == "1" || fields["confirm"] == "true",
	}, nil
}

func DecodeOI(symbol string, ts int64, fields map[string]string) (OIFrame, error) {
	ois, err := requireField(fields, "oi")
	if err != nil {
		return OIFrame{}, malformed("oi", err)
	}
	oi, err := decimalx.Parse(ois)
	if err != nil {
		return OIFrame{}, malformed("oi", err)
	}
	oiCcy, _ := decimalx.Parse(fields["oiCcy"])

	return OIFrame{Symbol: symbol, Ts: ts, OI: oi, OICcy: oiCcy}, nil
}

func DecodeFunding(symbol string, ts int64, fields map[string]string) (FundingFrame, error) {
	rates, err := requireField(fields, "rate")
	if err != nil {
		return FundingFrame{}, malformed("rate", err)
	}
	rate, err := decimalx.Parse(rates)
	if err != nil {
		return FundingFrame{}, malformed("rate", err)
	}

	var next int64
	if s, ok := fields["nextFundingTime"]; ok && s != "" {
		if v, err := decimalx.ParseFloat(s); err == nil && !math.IsNaN(v) {
			next = int64(v)
		}
	}

	return FundingFrame{Symbol: symbol, Ts: ts, Rate: rate, NextFundingTime: next}, nil
}

func firstNonEmpty(fields map[string]string, keys ...string) string {
	for _, k := range keys {
		if v, ok := fields[k]; ok && v != "" {
			return v
		}
	}
	return ""
}
