package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds the fully-resolved application configuration. The engine
// never reads the environment itself; everything it needs arrives here.
type Config struct {
	// Exchange access
	APIKey     string
	APISecret  string
	RESTHost   string
	WSPublicURL string
	RecvWindow string
	PongWait   int64
	PingPeriod int64

	// Instrument
	Symbol     string
	Multiplier float64 // scales the minimum order size

	// Trailing
	Wiggle       string  // Fixed | Spot | Wave | EMA | Hybrid | ATR
	Distance     float64 // base trailing distance, percent
	Profit       float64 // minimum profit per matched buy, percent
	WaveTimeframeMs int64
	WaveMultiplier  float64
	StuckIntervalMs int64 // slow-path order check interval
	SpikeConfirms   int   // consecutive observations before a spike cancel

	// Price window / candles
	PriceLimit int // ticker samples kept
	KlineLimit int // candles kept per interval

	// Buy matrix: indicator intervals in minutes, zero disables a slot
	Interval1 int
	Interval2 int
	Interval3 int

	IndicatorsEnabled bool
	IndicatorsMinimum float64
	IndicatorsMaximum float64
	IndicatorsAverage bool // mean of enabled intervals instead of per-interval AND

	SpreadEnabled  bool
	SpreadDistance float64 // percent

	OrderbookEnabled   bool
	OrderbookMinimum   float64
	OrderbookMaximum   float64
	OrderbookAverage   bool
	OrderbookLimit     int
	OrderbookTimeframeMs int64
	Depth              float64 // depth percent around spot for imbalance

	TradeEnabled   bool
	TradeMinimum   float64
	TradeMaximum   float64
	TradeLimit     int
	TradeTimeframeMs int64

	PriceCeilingEnabled bool
	PriceCeiling        float64 // never buy above this price, 0 disables

	// Post-sell buy cooldown
	BuyDelayEnabled bool
	BuyDelayMs      int64

	// Ledger
	LedgerFile       string
	RebalanceOnStart bool

	// Notifications
	NotifyEnabled bool
	NotifyURL     string
	NotifyLevel   int

	// Logging
	LogFile       string
	LogMaxSize    int // megabytes
	LogMaxBackups int
	LogMaxAge     int // days
	LogCompress   bool
	LogLevel      int // 0=DEBUG, 1=INFO, 2=WARNING, 3=ERROR

	// Status server (JSON snapshot + Prometheus metrics)
	StatusAddr string

	// Daemon
	DaemonMode bool

	Debug bool
}

// StrategyFile is the optional YAML overrides file: only the trading
// thresholds, never credentials.
type StrategyFile struct {
	Wiggle            *string  `yaml:"wiggle"`
	Distance          *float64 `yaml:"distance"`
	Profit            *float64 `yaml:"profit"`
	WaveMultiplier    *float64 `yaml:"waveMultiplier"`
	IndicatorsMinimum *float64 `yaml:"indicatorsMinimum"`
	IndicatorsMaximum *float64 `yaml:"indicatorsMaximum"`
	SpreadDistance    *float64 `yaml:"spreadDistance"`
	OrderbookMinimum  *float64 `yaml:"orderbookMinimum"`
	OrderbookMaximum  *float64 `yaml:"orderbookMaximum"`
	TradeMinimum      *float64 `yaml:"tradeMinimum"`
	TradeMaximum      *float64 `yaml:"tradeMaximum"`
	PriceCeiling      *float64 `yaml:"priceCeiling"`
}

// LoadConfig loads configuration from the environment (a .env file is
// honoured when present) and applies the optional strategy file.
func LoadConfig() (*Config, error) {
	// Missing .env is fine, the environment may be set directly.
	_ = godotenv.Load()

	cfg := &Config{
		APIKey:      getEnv("BYBIT_API_KEY", ""),
		APISecret:   getEnv("BYBIT_API_SECRET", ""),
		RESTHost:    getEnv("BYBIT_REST_HOST", "https://api.bybit.com"),
		WSPublicURL: getEnv("BYBIT_WS_PUBLIC", "wss://stream.bybit.com/v5/public/spot"),
		RecvWindow:  getEnv("BYBIT_RECV_WINDOW", "5000"),
		PongWait:    70,
		PingPeriod:  30,

		Symbol:     getEnv("SYMBOL", "BTCUSDT"),
		Multiplier: getEnvAsFloat("ORDER_MULTIPLIER", 1.0),

		Wiggle:          getEnv("WIGGLE", "Spot"),
		Distance:        getEnvAsFloat("DISTANCE", 0.2),
		Profit:          getEnvAsFloat("PROFIT", 0.4),
		WaveTimeframeMs: int64(getEnvAsInt("WAVE_TIMEFRAME_MS", 10000)),
		WaveMultiplier:  getEnvAsFloat("WAVE_MULTIPLIER", 1.0),
		StuckIntervalMs: int64(getEnvAsInt("STUCK_INTERVAL_MS", 10000)),
		SpikeConfirms:   getEnvAsInt("SPIKE_CONFIRMS", 3),

		PriceLimit: getEnvAsInt("PRICE_LIMIT", 250),
		KlineLimit: getEnvAsInt("KLINE_LIMIT", 250),

		Interval1: getEnvAsInt("INTERVAL_1", 1),
		Interval2: getEnvAsInt("INTERVAL_2", 0),
		Interval3: getEnvAsInt("INTERVAL_3", 0),

		IndicatorsEnabled: getEnvAsBool("INDICATORS_ENABLED", true),
		IndicatorsMinimum: getEnvAsFloat("INDICATORS_MINIMUM", -1),
		IndicatorsMaximum: getEnvAsFloat("INDICATORS_MAXIMUM", 0.5),
		IndicatorsAverage: getEnvAsBool("INDICATORS_AVERAGE", false),

		SpreadEnabled:  getEnvAsBool("SPREAD_ENABLED", true),
		SpreadDistance: getEnvAsFloat("SPREAD_DISTANCE", 0.3),

		OrderbookEnabled:     getEnvAsBool("ORDERBOOK_ENABLED", false),
		OrderbookMinimum:     getEnvAsFloat("ORDERBOOK_MINIMUM", 0),
		OrderbookMaximum:     getEnvAsFloat("ORDERBOOK_MAXIMUM", 100),
		OrderbookAverage:     getEnvAsBool("ORDERBOOK_AVERAGE", true),
		OrderbookLimit:       getEnvAsInt("ORDERBOOK_LIMIT", 100),
		OrderbookTimeframeMs: int64(getEnvAsInt("ORDERBOOK_TIMEFRAME_MS", 5000)),
		Depth:                getEnvAsFloat("DEPTH", 0.1),

		TradeEnabled:     getEnvAsBool("TRADE_ENABLED", false),
		TradeMinimum:     getEnvAsFloat("TRADE_MINIMUM", 0),
		TradeMaximum:     getEnvAsFloat("TRADE_MAXIMUM", 100),
		TradeLimit:       getEnvAsInt("TRADE_LIMIT", 500),
		TradeTimeframeMs: int64(getEnvAsInt("TRADE_TIMEFRAME_MS", 5000)),

		PriceCeilingEnabled: getEnvAsBool("PRICE_CEILING_ENABLED", false),
		PriceCeiling:        getEnvAsFloat("PRICE_CEILING", 0),

		BuyDelayEnabled: getEnvAsBool("BUY_DELAY_ENABLED", false),
		BuyDelayMs:      int64(getEnvAsInt("BUY_DELAY_MS", 60000)),

		LedgerFile:       getEnv("LEDGER_FILE", "data/buys.json"),
		RebalanceOnStart: getEnvAsBool("REBALANCE_ON_START", true),

		NotifyEnabled: getEnvAsBool("NOTIFY_ENABLED", false),
		NotifyURL:     getEnv("NOTIFY_URL", ""),
		NotifyLevel:   getEnvAsInt("NOTIFY_LEVEL", 1),

		LogFile:       getEnv("LOG_FILE", "logs/trailbot.log"),
		LogMaxSize:    10,
		LogMaxBackups: 5,
		LogMaxAge:     30,
		LogCompress:   true,
		LogLevel:      getEnvAsInt("LOG_LEVEL", 1),

		StatusAddr: getEnv("STATUS_ADDR", "127.0.0.1:6061"),
		DaemonMode: getEnvAsBool("DAEMON_MODE", false),
		Debug:      getEnvAsBool("DEBUG", false),
	}

	if path := getEnv("STRATEGY_FILE", ""); path != "" {
		if err := cfg.applyStrategyFile(path); err != nil {
			return nil, err
		}
	}
	return cfg, cfg.validate()
}

func (c *Config) applyStrategyFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read strategy file %q: %w", path, err)
	}
	var s StrategyFile
	if err := yaml.Unmarshal(raw, &s); err != nil {
		return fmt.Errorf("parse strategy file %q: %w", path, err)
	}
	if s.Wiggle != nil {
		c.Wiggle = *s.Wiggle
	}
	if s.Distance != nil {
		c.Distance = *s.Distance
	}
	if s.Profit != nil {
		c.Profit = *s.Profit
	}
	if s.WaveMultiplier != nil {
		c.WaveMultiplier = *s.WaveMultiplier
	}
	if s.IndicatorsMinimum != nil {
		c.IndicatorsMinimum = *s.IndicatorsMinimum
	}
	if s.IndicatorsMaximum != nil {
		c.IndicatorsMaximum = *s.IndicatorsMaximum
	}
	if s.SpreadDistance != nil {
		c.SpreadDistance = *s.SpreadDistance
	}
	if s.OrderbookMinimum != nil {
		c.OrderbookMinimum = *s.OrderbookMinimum
	}
	if s.OrderbookMaximum != nil {
		c.OrderbookMaximum = *s.OrderbookMaximum
	}
	if s.TradeMinimum != nil {
		c.TradeMinimum = *s.TradeMinimum
	}
	if s.TradeMaximum != nil {
		c.TradeMaximum = *s.TradeMaximum
	}
	if s.PriceCeiling != nil {
		c.PriceCeiling = *s.PriceCeiling
		c.PriceCeilingEnabled = *s.PriceCeiling > 0
	}
	return nil
}

func (c *Config) validate() error {
	if c.Interval3 != 0 && c.Interval2 == 0 {
		return fmt.Errorf("INTERVAL_2 must be set when INTERVAL_3 is used for confirmation")
	}
	if !c.SpreadEnabled && !c.IndicatorsEnabled {
		return fmt.Errorf("need indicators or spread enabled to decide buys")
	}
	if c.Distance <= 0 {
		return fmt.Errorf("DISTANCE must be positive, got %v", c.Distance)
	}
	return nil
}

// Intervals returns the configured kline intervals with zeros dropped.
func (c *Config) Intervals() []int {
	var out []int
	for _, iv := range []int{c.Interval1, c.Interval2, c.Interval3} {
		if iv != 0 {
			out = append(out, iv)
		}
	}
	return out
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	value := getEnv(key, "")
	if value == "" {
		return defaultValue
	}
	switch value {
	case "true", "1", "yes", "on", "True", "TRUE":
		return true
	default:
		return false
	}
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	value := getEnv(key, "")
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return defaultValue
	}
	return parsed
}

func getEnvAsInt(key string, defaultValue int) int {
	value := getEnv(key, "")
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue
	}
	return parsed
}
