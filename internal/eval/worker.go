package eval

import (
	"context"
	"time"

	"gitlab.com/nevasik7/alerting/logger"

	"signalbackbone/internal/bus"
)

const (
	group        = "cg:signal-eval"
	claimMinIdle = 30 * time.Second
)

// Worker runs the Evaluator's two cooperating activities (spec.md §4.6) on
// one goroutine: Intake over signal:final:{sym}, and a once-a-second
// ResolveTick over every symbol's due jobs.
type Worker struct {
	e        *Evaluator
	bus      bus.Bus
	log      logger.Logger
	prefix   string
	consumer string
	symbols  []string
	readCnt  int64
	block    time.Duration
}

func NewWorker(e *Evaluator, b bus.Bus, log logger.Logger, redisPrefix, consumer string, symbols []string, readCount int64, block time.Duration) *Worker {
	return &Worker{e: e, bus: b, log: log, prefix: redisPrefix, consumer: consumer, symbols: symbols, readCnt: readCount, block: block}
}

func (w *Worker) Run(ctx context.Context) error {
	keys := make([]string, 0, len(w.symbols))
	for _, sym := range w.symbols {
		key := w.prefix + "signal:final:{" + sym + "}"
		keys = append(keys, key)
		if err := w.bus.EnsureGroup(ctx, key, group, "$"); err != nil {
			return err
		}
	}

	claimTicker := time.NewTicker(30 * time.Second)
	defer claimTicker.Stop()
	resolveTicker := time.NewTicker(time.Second)
	defer resolveTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-resolveTicker.C:
			w.e.ResolveTick(ctx, time.Now().UnixMilli())
			continue
		case <-claimTicker.C:
			w.reclaim(ctx, keys)
		default:
		}

		msgs, err := w.bus.ReadGroup(ctx, bus.ReadGroupArgs{
			Keys: keys, Group: group, Consumer: w.consumer,
			Count: w.readCnt, Block: w.block,
		})
		if err != nil {
			w.log.Warnf("eval: read group: %v", err)
			continue
		}
		w.handleBatch(ctx, msgs)
	}
}

func (w *Worker) reclaim(ctx context.Context, keys []string) {
	for _, k := range keys {
		msgs, err := w.bus.XAutoClaim(ctx, k, group, w.consumer, claimMinIdle, 200)
		if err != nil {
			w.log.Warnf("eval: xautoclaim %s: %v", k, err)
			continue
		}
		w.handleBatch(ctx, msgs)
	}
}

func (w *Worker) handleBatch(ctx context.Context, msgs []bus.Msg) {
	for _, m := range msgs {
		if err := w.e.Intake(ctx, m); err != nil {
			w.log.Warnf("eval: intake %s: %v", m.ID, err)
			continue // leave unacked, XAUTOCLAIM retries
		}
		if err := w.bus.Ack(ctx, m.Key, group, m.ID); err != nil {
			w.log.Warnf("eval: ack %s/%s: %v", m.Key, m.ID, err)
		}
	}
}
