package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// RuntimeConfig is the domain-tunable half of configuration: the options
// spec.md §6 says are "consumed from process env". Grounded on the
// envconfig.Process("", &cfg) idiom used throughout ivensfernando-adminapi's
// src/*/config.go files — every subsystem there loads its own small env
// struct the same way.
type RuntimeConfig struct {
	Symbols      []string `envconfig:"SYMBOLS"`
	SymbolsAlt   []string `envconfig:"OKX_SYMBOLS"`
	AssetsAlt    []string `envconfig:"OKX_ASSETS"`
	QuoteSuffix  string   `envconfig:"SYMBOL_QUOTE_SUFFIX" default:"-USDT-SWAP"`
	Signal       SignalConfig
	Eval         EvalConfig
	Window       WindowConfig
	MarketEnv    MarketEnvConfig
	Aggregator   AggregatorConfig
	RedisPrefix  string  `envconfig:"REDIS_KEY_PREFIX" default:""`
	ContractMult float64 `envconfig:"CONTRACT_MULTIPLIER" default:"1"`
}

type SignalConfig struct {
	Enabled          bool          `envconfig:"SIGNALS_ENABLED" default:"true"`
	MinStrengthFloor float64       `envconfig:"SIGNAL_MIN_STRENGTH_FLOOR" default:"0.6"`
	ExtraCooldownMs  int64         `envconfig:"SIGNAL_EXTRA_COOLDOWN_MS" default:"0"`
	MinSpacing       time.Duration `envconfig:"SIGNAL_MIN_SPACING_MS" default:"10000ms"`
	HystHi           float64       `envconfig:"SIGNAL_HYST_HI" default:"0.75"`
	HystLo           float64       `envconfig:"SIGNAL_HYST_LO" default:"0.55"`
	IdemBucketMs     int64         `envconfig:"SIGNAL_IDEM_BUCKET_MS" default:"8000"`
	IdemTTL          time.Duration `envconfig:"SIGNAL_IDEM_TTL_MS" default:"10000ms"`
}

type EvalConfig struct {
	Horizons       []string      `envconfig:"EVAL_HORIZONS" default:"5m,15m"`
	SuccessBp      float64       `envconfig:"EVAL_SUCCESS_BP" default:"5"`
	NeutralBandBp  float64       `envconfig:"EVAL_NEUTRAL_BAND_BP" default:"2"`
	FeeBp          float64       `envconfig:"EVAL_FEE_BP" default:"0"`
	MaxRetry       int           `envconfig:"EVAL_MAX_RETRY" default:"6"`
	PriceSearchMs  time.Duration `envconfig:"EVAL_PX_SEARCH_MS" default:"15000ms"`
	PricePref      []string      `envconfig:"EVAL_PRICE_PREF" default:"mid,last,win:1m,ws:kline1m,bf:kline1m"`
}

type WindowConfig struct {
	ReadCount    int64         `envconfig:"WINDOW_READ_COUNT" default:"200"`
	BlockMs      time.Duration `envconfig:"WINDOW_BLOCK_MS" default:"200ms"`
	Flow3sSpan   time.Duration `envconfig:"WINDOW_FLOW3S_SPAN_MS" default:"3000ms"`
	PriceRingLen int           `envconfig:"WINDOW_PRICE_RING_LEN" default:"50"`
	EwmaAlpha    float64       `envconfig:"WINDOW_EWMA_ALPHA" default:"0.01"`
}

// AggregatorConfig holds the Aggregator's baseline static tier (§4.3.2):
// the symmetry epsilon is set here, while the approx_key bucket granularity
// is fixed in internal/detect/aggregator.go; minStrength,
// cooldownMs, dedupMs, minMoveBp, minMoveAtrRatio instead come from the
// dyn-gate and are not duplicated in this struct. consensusK, its high-vol
// discount, and the detector k-factors have no numeric default in the
// source material; the values below are this implementation's decision.
type AggregatorConfig struct {
	ConsensusK              float64 `envconfig:"AGG_CONSENSUS_K" default:"0.05"`
	ConsensusKHiVolDiscount float64 `envconfig:"AGG_CONSENSUS_K_HIVOL_DISCOUNT" default:"0.5"`
	SymmetryStrengthEps     float64 `envconfig:"AGG_SYMMETRY_STRENGTH_EPS" default:"0.05"`
	LiqK                    float64 `envconfig:"AGG_LIQ_K" default:"1.5"`
	DynDeltaK               float64 `envconfig:"AGG_DYN_DELTA_K" default:"1.2"`
}

type MarketEnvConfig struct {
	CycleInterval  time.Duration `envconfig:"MARKETENV_CYCLE_MS" default:"10000ms"`
	KlineHistoryN  int           `envconfig:"MARKETENV_KLINE_HISTORY" default:"48"`
	OIHistoryMin   int           `envconfig:"MARKETENV_OI_HISTORY_MIN" default:"90"`
	PersistenceMin int           `envconfig:"MARKETENV_OI_PERSISTENCE_MIN" default:"10"`
	BaseMinNotion  float64       `envconfig:"MARKETENV_BASE_MIN_NOTIONAL_3S" default:"2000"`
	BaseMin        float64       `envconfig:"MARKETENV_BASE_MIN" default:"0.65"`
}

// LoadRuntime reads every recognized option from the process environment.
func LoadRuntime() (*RuntimeConfig, error) {
	var rc RuntimeConfig
	if err := envconfig.Process("", &rc); err != nil {
		return nil, fmt.Errorf("load runtime config: %w", err)
	}

	if len(rc.Symbols) == 0 {
		rc.Symbols = rc.SymbolsAlt
	}
	if len(rc.Symbols) == 0 {
		rc.Symbols = rc.AssetsAlt
	}

	cleaned := make([]string, 0, len(rc.Symbols))
	for _, s := range rc.Symbols {
		s = strings.TrimSpace(s)
		if s != "" {
			cleaned = append(cleaned, s)
		}
	}
	rc.Symbols = cleaned

	if len(rc.Symbols) == 0 {
		return nil, fmt.Errorf("no symbols configured: set SYMBOLS or OKX_SYMBOLS/OKX_ASSETS")
	}

	return &rc, nil
}
