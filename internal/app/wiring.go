package app

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"gitlab.com/nevasik7/alerting/logger"

	"signalbackbone/internal/bus"
	"signalbackbone/internal/config"
	"signalbackbone/internal/detect"
	"signalbackbone/internal/eval"
	"signalbackbone/internal/fanout"
	"signalbackbone/internal/fanout/nats"
	"signalbackbone/internal/httpapi"
	"signalbackbone/internal/httpapi/mw"
	"signalbackbone/internal/marketenv"
	"signalbackbone/internal/obsmetrics"
	"signalbackbone/internal/router"
	"signalbackbone/internal/security"
	storeredis "signalbackbone/internal/stores/redis"
	"signalbackbone/internal/symbols"
	"signalbackbone/internal/window"
)

// Container holds everything Build assembled, so Run can start it and,
// later, release it in reverse order on shutdown. Grounded on the
// teacher's internal/app.Container, repointed at this system's Redis bus
// and worker set instead of ClickHouse/Bloom-dedupe/Kafka.
type Container struct {
	App      *App
	rdb      *storeredis.Client
	natsConn *nats.Client
}

func (c *Container) Start() error { return c.App.Start() }

func (c *Container) Stop(ctx context.Context) error {
	err := c.App.Shutdown(ctx)
	if c.natsConn != nil {
		_ = c.natsConn.Close()
	}
	if c.rdb != nil {
		_ = c.rdb.Close()
	}
	return err
}

// logAdapter satisfies httpapi/mw.Logger on top of the ambient
// alerting.Logger, whose Info/Warn/Error take a plain string rather than
// mw's (msg string, kv ...any) shape.
type logAdapter struct{ log logger.Logger }

func (a logAdapter) format(msg string, kv ...any) string {
	if len(kv) == 0 {
		return msg
	}
	var b strings.Builder
	b.WriteString(msg)
	for i := 0; i < len(kv); i += 2 {
		b.WriteString(" ")
		fmt.Fprintf(&b, "%v", kv[i])
		b.WriteString("=")
		if i+1 < len(kv) {
			fmt.Fprintf(&b, "%v", kv[i+1])
		}
	}
	return b.String()
}

func (a logAdapter) Info(msg string, kv ...any)  { a.log.Info(a.format(msg, kv...)) }
func (a logAdapter) Warn(msg string, kv ...any)  { a.log.Warn(a.format(msg, kv...)) }
func (a logAdapter) Error(msg string, kv ...any) { a.log.Error(a.format(msg, kv...)) }

// Build wires every ambient and domain component into a running Container:
// the Redis stream bus, the Window/Router/Eval workers, the MarketEnv
// updater, optional NATS fan-out and JWT auth, and the HTTP observability
// surface. Grounded on the teacher's internal/app.Build, generalized from
// its ClickHouse/Bloom-dedupe/Kafka pipeline to this system's Redis-Streams
// worker set.
func Build(ctx context.Context, cfg *config.Config, log logger.Logger) (*Container, error) {
	rc, err := config.LoadRuntime()
	if err != nil {
		return nil, fmt.Errorf("build: %w", err)
	}

	rdb, err := storeredis.New(ctx, cfg.Stores.Redis)
	if err != nil {
		return nil, fmt.Errorf("build: connect redis: %w", err)
	}

	b := bus.New(rdb.Client, log)
	prefix := cfg.Stores.Redis.Prefix
	syms := symbols.Resolve(rc.Symbols, rc.QuoteSuffix)

	var bc fanout.Broadcaster
	var natsConn *nats.Client
	if cfg.PubSub.NATS.Enabled {
		natsConn, err = nats.New(log, &cfg.PubSub.NATS)
		if err != nil {
			_ = rdb.Close()
			return nil, fmt.Errorf("build: connect nats: %w", err)
		}
		bc = natsConn
	}

	instanceID := cfg.App.InstanceID
	if instanceID == "" {
		instanceID = "signalbackbone"
	}
	// a random suffix keeps consumer names distinct across replicas of the
	// same instanceID, so XREADGROUP never hands the same pending entry to
	// two live consumers at once.
	replica := uuid.NewString()[:8]

	windowWorker := window.NewWorker(b, log, window.Config{
		ReadCount:    rc.Window.ReadCount,
		Block:        rc.Window.BlockMs,
		Flow3sSpanMs: rc.Window.Flow3sSpan.Milliseconds(),
		PriceRingLen: rc.Window.PriceRingLen,
		EWMAAlpha:    rc.Window.EwmaAlpha,
		LiqK:         rc.Aggregator.LiqK,
		DynDeltaK:    rc.Aggregator.DynDeltaK,
		ContractMult: rc.ContractMult,
		Static: detect.StaticParams{
			ConsensusK:              rc.Aggregator.ConsensusK,
			ConsensusKHiVolDiscount: rc.Aggregator.ConsensusKHiVolDiscount,
			SymmetryStrengthEps:     rc.Aggregator.SymmetryStrengthEps,
		},
	}, prefix, instanceID+":window:"+replica, syms)

	rt := router.New(b, log, router.Config{
		ExtraCooldownMs: rc.Signal.ExtraCooldownMs,
		MinSpacingMs:    rc.Signal.MinSpacing.Milliseconds(),
		HystHi:          rc.Signal.HystHi,
		HystLo:          rc.Signal.HystLo,
		IdemBucketMs:    rc.Signal.IdemBucketMs,
		IdemTTL:         rc.Signal.IdemTTL,
		RefPxStaleMs:    200,
	}, prefix)
	routerWorker := router.NewWorker(rt, b, log, prefix, instanceID+":router:"+replica, syms, 200, 200*time.Millisecond, bc)

	horizons := make([]eval.Horizon, 0, len(rc.Eval.Horizons))
	for _, h := range rc.Eval.Horizons {
		h = strings.TrimSpace(h)
		if h == "" {
			continue
		}
		ms, err := parseHorizon(h)
		if err != nil {
			_ = rdb.Close()
			return nil, fmt.Errorf("build: %w", err)
		}
		horizons = append(horizons, eval.Horizon{Name: h, Ms: ms})
	}

	resolver := eval.NewResolver(b, prefix, rc.Eval.PriceSearchMs.Milliseconds(), rc.Eval.PricePref)
	evaluator := eval.New(b, resolver, log, eval.Config{
		Horizons:      horizons,
		SuccessBp:     rc.Eval.SuccessBp,
		NeutralBandBp: rc.Eval.NeutralBandBp,
		FeeBp:         rc.Eval.FeeBp,
		MaxRetry:      rc.Eval.MaxRetry,
		PriceSearchMs: rc.Eval.PriceSearchMs.Milliseconds(),
	}, prefix).WithFanout(bc)
	evalWorker := eval.NewWorker(evaluator, b, log, prefix, instanceID+":eval:"+replica, syms, 200, 200*time.Millisecond)

	marketEnv := marketenv.New(b, log, marketenv.Config{
		CycleInterval:  rc.MarketEnv.CycleInterval,
		KlineHistoryN:  rc.MarketEnv.KlineHistoryN,
		OIHistoryMin:   rc.MarketEnv.OIHistoryMin,
		PersistenceMin: rc.MarketEnv.PersistenceMin,
		BaseMinNotion:  rc.MarketEnv.BaseMinNotion,
		BaseMin:        rc.MarketEnv.BaseMin,
	}, syms, prefix)

	if _, err := obsmetrics.InitPProf(instanceID, cfg.Metrics.Pyroscope); err != nil {
		log.Warnf("build: pyroscope disabled: %v", err)
	}

	httpSrv, err := buildHTTP(cfg, log, b, prefix, rdb)
	if err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("build: http: %w", err)
	}

	a := New(log, httpSrv,
		[]runner{windowWorker, routerWorker, evalWorker},
		[]cycler{marketEnv},
	)

	return &Container{App: a, rdb: rdb, natsConn: natsConn}, nil
}

func buildHTTP(cfg *config.Config, log logger.Logger, b bus.Bus, prefix string, rdb *storeredis.Client) (*httpapi.Server, error) {
	pinger := func(ctx context.Context) error { return rdb.Client.Ping(ctx).Err() }
	api := httpapi.NewAPI(log, b, prefix, pinger)

	logMW := mw.NewLogging(logAdapter{log: log})
	gzipMW := mw.NewGzip(0, log)

	var corsMW *mw.CORSMiddleware
	if cfg.API.HTTP.CORS.Enabled {
		corsMW = mw.NewCORSConfig(&cfg.API.HTTP.CORS)
	}

	var verifier *security.RS256Verifier
	var jwtMW *mw.JWTMiddleware
	if cfg.Security.JWT.Enabled {
		v, err := security.NewRS256Verifier(&cfg.Security.JWT)
		if err != nil {
			return nil, err
		}
		verifier = v
		jm, err := mw.NewJWTMiddleware(verifier)
		if err != nil {
			return nil, err
		}
		jwtMW = jm
	}

	rateLimitMW := mw.NewRateLimit(&cfg.API.RateLimit, rdb, verifier)

	chiRouter := httpapi.BuildRouter(api, logMW, gzipMW, rateLimitMW, jwtMW, corsMW)
	return httpapi.NewServer(log, &cfg.API.HTTP, chiRouter), nil
}

// parseHorizon turns a "5m"/"15m"/"1h" token from EVAL_HORIZONS into
// milliseconds.
func parseHorizon(s string) (int64, error) {
	if len(s) < 2 {
		return 0, fmt.Errorf("bad horizon %q", s)
	}
	unit := s[len(s)-1]
	n, err := strconv.Atoi(s[:len(s)-1])
	if err != nil {
		return 0, fmt.Errorf("bad horizon %q: %w", s, err)
	}
	switch unit {
	case 's':
		return int64(n) * 1000, nil
	case 'm':
		return int64(n) * 60 * 1000, nil
	case 'h':
		return int64(n) * 3600 * 1000, nil
	default:
		return 0, fmt.Errorf("bad horizon unit %q", s)
	}
}
