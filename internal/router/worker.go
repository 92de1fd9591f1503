package router

import (
	"context"
	"time"

	"gitlab.com/nevasik7/alerting/logger"

	"signalbackbone/internal/bus"
	"signalbackbone/internal/fanout"
	"signalbackbone/internal/obsmetrics"
)

const (
	group        = "cg:signal-router"
	claimMinIdle = 30 * time.Second
)

// Worker drives Process over signal:detected:{sym} as a consumer-group loop,
// publishing survivors to signal:final:{sym} and recording drops for the
// debug HTTP surface (spec.md Supplemented feature 3).
type Worker struct {
	r        *Router
	bus      bus.Bus
	log      logger.Logger
	prefix   string
	consumer string
	symbols  []string
	readCnt  int64
	block    time.Duration
	fanout   fanout.Broadcaster // optional; nil disables NATS fan-out
}

func NewWorker(r *Router, b bus.Bus, log logger.Logger, redisPrefix, consumer string, symbols []string, readCount int64, block time.Duration, bc fanout.Broadcaster) *Worker {
	return &Worker{r: r, bus: b, log: log, prefix: redisPrefix, consumer: consumer, symbols: symbols, readCnt: readCount, block: block, fanout: bc}
}

func (w *Worker) Run(ctx context.Context) error {
	keys := make([]string, 0, len(w.symbols))
	for _, sym := range w.symbols {
		key := w.prefix + "signal:detected:{" + sym + "}"
		keys = append(keys, key)
		if err := w.bus.EnsureGroup(ctx, key, group, "$"); err != nil {
			return err
		}
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
			Count: w.readCnt, Block: w.block,
		})
		if err != nil {
			w.log.Warnf("router: read group: %v", err)
			continue
		}
		w.handleBatch(ctx, msgs)
	}
}

func (w *Worker) reclaim(ctx context.Context, keys []string) {
	for _, k := range keys {
		msgs, err := w.bus.XAutoClaim(ctx, k, group, w.consumer, claimMinIdle, 200)
		if err != nil {
			w.log.Warnf("router: xautoclaim %s: %v", k, err)
			continue
		}
		w.handleBatch(ctx, msgs)
	}
}

func (w *Worker) handleBatch(ctx context.Context, msgs []bus.Msg) {
	for _, m := range msgs {
		outcome, err := w.r.Process(ctx, m)
		if err != nil {
			w.log.Warnf("router: process %s: %v", m.ID, err)
			continue // leave unacked, XAUTOCLAIM retries
		}

		if outcome.Dropped != "" {
			w.recordDrop(ctx, m.Symbol, outcome.Dropped)
		} else {
			w.publishFinal(ctx, m.Symbol, outcome.Final)
		}

		if err := w.bus.Ack(ctx, m.Key, group, m.ID); err != nil {
			w.log.Warnf("router: ack %s/%s: %v", m.Key, m.ID, err)
		}
	}
}

func (w *Worker) publishFinal(ctx context.Context, sym string, final map[string]any) {
	key := w.prefix + "signal:final:{" + sym + "}"
	if _, err := w.bus.XAdd(ctx, key, final, bus.XAddOpts{MaxLenApprox: 5000}); err != nil {
		w.log.Warnf("router: publish final %s: %v", key, err)
		return
	}
	dir, _ := final["dir"].(string)
	obsmetrics.SignalsFinal.WithLabelValues(sym, dir).Inc()

	if w.fanout != nil {
		if err := w.fanout.Publish(ctx, "signal.final."+sym, final); err != nil {
			w.log.Warnf("router: fanout publish %s: %v", sym, err)
		}
	}
}

// recordDrop appends to a capped debug stream so /api/drops can surface
// recent rejections without instrumenting every gate with its own counter.
func (w *Worker) recordDrop(ctx context.Context, sym string, reason Drop) {
	obsmetrics.SignalsDropped.WithLabelValues(sym, string(reason)).Inc()

	key := w.prefix + "ops:drops"
	fields := map[string]any{"sym": sym, "reason": string(reason), "ts": time.Now().UnixMilli()}
	if _, err := w.bus.XAdd(ctx, key, fields, bus.XAddOpts{MaxLenApprox: 2000}); err != nil {
		w.log.Warnf("router: record drop: %v", err)
	}
}
