// Run: go run ./cmd/loadgen -addr localhost:6379 -rps 1000 -duration 60s -symbols btc,eth,sol
package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"math"
	mrand "math/rand"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"signalbackbone/internal/bus"
	"signalbackbone/internal/symbols"
	"signalbackbone/internal/testsupport"
)

func main() {
	var (
		addr        = flag.String("addr", "localhost:6379", "redis address")
		rps         = flag.Int("rps", 1000, "trades per second target")
		duration    = flag.Duration("duration", 30*time.Second, "how long to run")
		symbolsCSV  = flag.String("symbols", "btc,eth,sol", "comma-separated short symbols")
		quoteSuffix = flag.String("quote-suffix", "-USDT-SWAP", "instId quote suffix")
	)
	flag.Parse()

	tokens := splitTrim(*symbolsCSV)
	if len(tokens) == 0 {
		fmt.Println("no symbols provided")
		os.Exit(1)
	}
	instIDs := symbols.Resolve(tokens, *quoteSuffix)

	rdb := goredis.NewClient(&goredis.Options{Addr: *addr})
	defer func() { _ = rdb.Close() }()

	b := bus.New(rdb, testsupport.NoopLogger{})

	fmt.Printf("loadgen -> addr=%s symbols=%v rps=%d duration=%s\n", *addr, instIDs, *rps, duration.String())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	start := time.Now()
	end := start.Add(*duration)

	gens := make([]*tradeGen, len(instIDs))
	for i, id := range instIDs {
		gens[i] = newTradeGen(id)
	}

	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()

	perTick := float64(*rps) / 10.0
	accum := 0.0

loop:
	for {
		select {
		case <-ctx.Done():
			fmt.Println("signal received, stopping...")
			break loop
		case now := <-tick.C:
			if now.After(end) {
				break loop
			}

			accum += perTick
			batch := int(math.Floor(accum))
			if batch <= 0 {
				continue
			}
			accum -= float64(batch)

			for i := 0; i < batch; i++ {
				gen := gens[mrand.Intn(len(gens))]
				fields := gen.next()
				key := "ws:{" + gen.sym + "}:trades"
				if _, err := b.XAdd(ctx, key, fields, bus.XAddOpts{MaxLenApprox: 100_000}); err != nil {
					fmt.Printf("xadd error: %v\n", err)
				}
			}
		}
	}

	fmt.Println("done")
}

// tradeGen produces a plausible random walk of trades for one symbol,
// mirroring the shape DecodeTrade expects (spec.md §3 "Trade").
type tradeGen struct {
	sym string
	px  float64
}

func newTradeGen(sym string) *tradeGen {
	return &tradeGen{sym: sym, px: 100 + mrand.Float64()*50000}
}

func (g *tradeGen) next() map[string]any {
	g.px *= 1 + (mrand.Float64()-0.5)*0.0006
	if g.px <= 0 {
		g.px = 1
	}
	qty := 0.001 + mrand.Float64()*5
	side := "buy"
	if mrand.Intn(2) == 0 {
		side = "sell"
	}
	now := time.Now().UnixMilli()

	return map[string]any{
		"px":      strconv.FormatFloat(g.px, 'f', 6, 64),
		"qty":     strconv.FormatFloat(qty, 'f', 6, 64),
		"side":    side,
		"ts":      now,
		"tradeId": randHex(16),
		"taker":   side,
	}
}

func splitTrim(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func randHex(n int) string {
	b := make([]byte, n/2)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
