package eval

import (
	"context"
	"strconv"

	"gitlab.com/nevasik7/alerting/logger"

	"signalbackbone/internal/bus"
	"signalbackbone/internal/fanout"
	"signalbackbone/internal/obsmetrics"
)

// Horizon names a fixed-horizon resolution target.
type Horizon struct {
	Name string
	Ms   int64
}

// Config is the Evaluator's tunables (spec.md §4.6, §6 env knobs).
type Config struct {
	Horizons      []Horizon
	SuccessBp     float64
	NeutralBandBp float64
	FeeBp         float64
	MaxRetry      int
	PriceSearchMs int64
}

// Job is one pending fixed-horizon resolution (spec.md §3 "Eval job").
type Job struct {
	FinalID string
	Sym     string
	Dir     string
	Ts0     int64
	P0      float64
	P0Src   string
	HzMs    int64
	HzName  string
	DueAt   int64
	Retry   int
}

func jobKey(j Job) string {
	return j.FinalID + "|" + j.HzName
}

// Evaluator owns its pending-jobs map exclusively; Intake and ResolveTick
// run as the same worker's two cooperating activities (spec.md §4.6).
type Evaluator struct {
	bus      bus.Bus
	resolver *Resolver
	log      logger.Logger
	cfg      Config
	prefix   string
	fanout   fanout.Broadcaster // optional; nil disables NATS fan-out

	jobs map[string]*Job
}

func New(b bus.Bus, resolver *Resolver, log logger.Logger, cfg Config, redisPrefix string) *Evaluator {
	return &Evaluator{bus: b, resolver: resolver, log: log, cfg: cfg, prefix: redisPrefix, jobs: make(map[string]*Job)}
}

// WithFanout attaches a best-effort NATS broadcaster for eval:done rows.
func (e *Evaluator) WithFanout(bc fanout.Broadcaster) *Evaluator {
	e.fanout = bc
	return e
}

func (e *Evaluator) OpenJobs() int { return len(e.jobs) }

// Intake implements §4.6's intake loop for one signal:final:{sym} row.
func (e *Evaluator) Intake(ctx context.Context, m bus.Msg) error {
	ts0 := m.Ts
	dir := m.Fields["dir"]
	if dir != "buy" && dir != "sell" {
		return nil // missing -> ack+skip
	}

	p0, p0Src, ok := e.resolveEntry(ctx, m, ts0)
	if !ok {
		return nil
	}

	for _, hz := range e.cfg.Horizons {
		dueAt := ceilToNextMinute(ts0 + hz.Ms)
		j := &Job{
			FinalID: m.ID, Sym: m.Symbol, Dir: dir, Ts0: ts0,
			P0: p0, P0Src: p0Src, HzMs: hz.Ms, HzName: hz.Name, DueAt: dueAt,
		}
		e.jobs[jobKey(*j)] = j
	}
	return nil
}

// resolveEntry implements step 2 of the intake loop: prefer the Router's
// transparent refPx when it's fresh enough, else fall back to the resolver.
func (e *Evaluator) resolveEntry(ctx context.Context, m bus.Msg, ts0 int64) (float64, string, bool) {
	refPxStr := m.Fields["refPx"]
	refStale := m.Fields["refPx_stale"] == "true" || m.Fields["refPx_stale"] == "1"
	refTs, _ := strconv.ParseInt(m.Fields["refPx_ts"], 10, 64)

	if refPxStr != "" && !refStale {
		if px, err := strconv.ParseFloat(refPxStr, 64); err == nil && px > 0 {
			if absInt64(refTs-ts0) <= e.searchMs() {
				return px, m.Fields["refPx_source"], true
			}
		}
	}

	sample, ok := e.resolver.Resolve(ctx, m.Symbol, ts0)
	if !ok {
		return 0, "", false
	}
	px, _ := sample.Px.Float64()
	return px, sample.Source, true
}

func (e *Evaluator) searchMs() int64 {
	if e.cfg.PriceSearchMs > 0 {
		return e.cfg.PriceSearchMs
	}
	return DefaultSearchWindowMs
}

// ResolveTick implements §4.6's once-a-second resolve activity over every
// currently due job.
func (e *Evaluator) ResolveTick(ctx context.Context, now int64) {
	for key, j := range e.jobs {
		if j.DueAt > now {
			continue
		}

		sample, ok := e.resolver.Resolve(ctx, j.Sym, j.DueAt)
		if !ok {
			if j.Retry < e.cfg.MaxRetry {
				j.Retry++
				continue
			}
			e.emitMiss(ctx, j)
			delete(e.jobs, key)
			continue
		}

		e.emitResult(ctx, j, sample)
		delete(e.jobs, key)
	}
}

func (e *Evaluator) emitMiss(ctx context.Context, j *Job) {
	key := e.prefix + "eval:done:{" + j.Sym + "}"
	fields := map[string]any{
		"ts0": j.Ts0, "dueAt": j.DueAt, "horizon": j.HzName, "dir": j.Dir,
		"p0": j.P0, "usedPx_source": j.P0Src, "miss_px": "true", "retry": j.Retry,
		"finalId": j.FinalID,
	}
	if _, err := e.bus.XAdd(ctx, key, fields, bus.XAddOpts{MaxLenApprox: 5000}); err != nil {
		e.log.Warnf("eval: emit miss %s: %v", key, err)
		return
	}
	obsmetrics.EvalOutcomes.WithLabelValues(j.Sym, j.HzName, "miss").Inc()
}

func (e *Evaluator) emitResult(ctx context.Context, j *Job, sample PriceSample) {
	p1, _ := sample.Px.Float64()

	var rawBp float64
	if j.Dir == "buy" {
		rawBp = (p1/j.P0 - 1) * 1e4
	} else {
		rawBp = (j.P0/p1 - 1) * 1e4
	}
	netBp := rawBp - e.cfg.FeeBp
	neutral := absf(netBp) < e.cfg.NeutralBandBp
	success := !neutral && netBp >= e.cfg.SuccessBp

	priceLagMs := sample.Ts - j.DueAt
	if priceLagMs < 0 {
		priceLagMs = 0
	}

	key := e.prefix + "eval:done:{" + j.Sym + "}"
	fields := map[string]any{
		"ts0": j.Ts0, "dueAt": j.DueAt, "horizon": j.HzName, "dir": j.Dir,
		"p0": j.P0, "usedPx": p1, "usedPx_source": sample.Source, "usedPx_ts": sample.Ts,
		"priceLagMs": priceLagMs, "retRawBp": rawBp, "retNetBp": netBp,
		"thresholdBp": e.cfg.SuccessBp, "neutralBandBp": e.cfg.NeutralBandBp,
		"neutral": boolStr(neutral), "success": boolStr(success),
		"finalId": j.FinalID, "retry": j.Retry,
	}
	if _, err := e.bus.XAdd(ctx, key, fields, bus.XAddOpts{MaxLenApprox: 5000}); err != nil {
		e.log.Warnf("eval: emit result %s: %v", key, err)
		return
	}

	outcome := "fail"
	switch {
	case neutral:
		outcome = "neutral"
	case success:
		outcome = "success"
	}
	obsmetrics.EvalOutcomes.WithLabelValues(j.Sym, j.HzName, outcome).Inc()

	if e.fanout != nil {
		if err := e.fanout.Publish(ctx, "eval.done."+j.Sym, fields); err != nil {
			e.log.Warnf("eval: fanout publish %s: %v", j.Sym, err)
		}
	}
}

// ceilToNextMinute rounds ms up to the next whole minute boundary.
func ceilToNextMinute(ms int64) int64 {
	const minute = 60000
	if ms%minute == 0 {
		return ms
	}
	return (ms/minute + 1) * minute
}

func absf(x float64) float64 {
	if x < 0 {
		return -x
	}
	return x
}

func boolStr(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
