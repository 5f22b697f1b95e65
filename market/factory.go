package market

import (
	"strings"
	"time"

	"go.uber.org/zap"
)

// SourceConfig 选择并构造行情源。
type SourceConfig struct {
	Provider     string // synthetic / broker / history
	Seed         *int64
	TickInterval time.Duration
	BasePrice    float64
	Volatility   float64

	BrokerAPIKey    string
	BrokerAPISecret string
	BrokerBaseURL   string

	// History 在 provider=history 时使用，例如 storage.HistoryStore。
	History Source

	Calendar *Calendar
	Logger   *zap.Logger
}

// NewSource 按配置构造行情源；配置错误立即返回，不重试。
func NewSource(cfg SourceConfig) (Source, error) {
	switch strings.ToLower(cfg.Provider) {
	case "", "synthetic":
		sc := DefaultSyntheticConfig()
		sc.Seed = cfg.Seed
		sc.Calendar = cfg.Calendar
		sc.Logger = cfg.Logger
		if cfg.TickInterval > 0 {
			sc.TickInterval = cfg.TickInterval
		}
		if cfg.BasePrice > 0 {
			sc.BasePrice = cfg.BasePrice
		}
		if cfg.Volatility > 0 {
			sc.Volatility = cfg.Volatility
		}
		return NewSyntheticGenerator(sc), nil
	case "broker":
		if cfg.BrokerAPIKey == "" || cfg.BrokerAPISecret == "" {
			return nil, &ConfigError{Field: "broker credentials", Reason: "apiKey/apiSecret are required"}
		}
		return &BrokerSource{
			APIKey:    cfg.BrokerAPIKey,
			APISecret: cfg.BrokerAPISecret,
			BaseURL:   cfg.BrokerBaseURL,
		}, nil
	case "history":
		if cfg.History == nil {
			return nil, &ConfigError{Field: "history", Reason: "history store is required"}
		}
		if !cfg.History.Capabilities().Has(CapHistory) {
			return nil, &ConfigError{Field: "history", Reason: "source does not provide history"}
		}
		return cfg.History, nil
	default:
		return nil, &ConfigError{Field: "provider", Reason: "unsupported provider " + cfg.Provider}
	}
}
