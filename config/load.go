package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"trading-sim-go/infrastructure/logger"
)

// AppConfig holds the main runtime configuration.
type AppConfig struct {
	Env      string        `yaml:"env"`
	Sessions []SessionSpec `yaml:"sessions"`
	Source   SourceConfig  `yaml:"source"`
	Hub      HubConfig     `yaml:"hub"`
	Replay   ReplayConfig  `yaml:"replay"`
	Storage  StorageConfig `yaml:"storage"`
	Ingress  IngressConfig `yaml:"ingress"`
	Server   ServerConfig  `yaml:"server"`
	Log      logger.Config `yaml:"log"`
	Alert    AlertConfig   `yaml:"alert"`
}

// SessionSpec 描述启动时创建的会话。
type SessionSpec struct {
	ID        string   `yaml:"id"`
	Symbols   []string `yaml:"symbols"`
	Mode      string   `yaml:"mode"`      // live 或 replay
	ReplayDay string   `yaml:"replayDay"` // YYYY-MM-DD，仅 replay 模式
}

// SourceConfig 行情源配置。
type SourceConfig struct {
	Provider       string       `yaml:"provider"` // synthetic / broker / history
	Seed           *int64       `yaml:"seed"`
	TickIntervalMs int          `yaml:"tickIntervalMs"`
	BasePrice      float64      `yaml:"basePrice"`
	Volatility     float64      `yaml:"volatility"`
	Broker         BrokerConfig `yaml:"broker"`
}

type BrokerConfig struct {
	APIKey    string `yaml:"apiKey"`
	APISecret string `yaml:"apiSecret"`
	BaseURL   string `yaml:"baseURL"`
}

// HubConfig 分发中心参数，flushIntervalMs 支持热更新。
type HubConfig struct {
	FlushIntervalMs int `yaml:"flushIntervalMs"`
	QueueSize       int `yaml:"queueSize"`
}

type ReplayConfig struct {
	BaseIntervalMs int `yaml:"baseIntervalMs"`
	Speed          int `yaml:"speed"`
}

// StorageConfig 历史行情存储，driver 为 sqlite 或 postgres。
type StorageConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

type IngressConfig struct {
	Kafka KafkaConfig `yaml:"kafka"`
	Redis RedisConfig `yaml:"redis"`
}

type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
	GroupID string   `yaml:"groupID"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Pattern  string `yaml:"pattern"`
}

type ServerConfig struct {
	Addr        string `yaml:"addr"`
	MetricsAddr string `yaml:"metricsAddr"`
	// EventRate 每个会话每秒可注入的事件数，0 表示不限
	EventRate  float64 `yaml:"eventRate"`
	EventBurst int     `yaml:"eventBurst"`
}

type AlertConfig struct {
	ThrottleSeconds int `yaml:"throttleSeconds"`
	// Channels 启用的告警通道：log / metrics
	Channels []string `yaml:"channels"`
}

// FlushInterval 返回分发中心刷新间隔，缺省 100ms。
func (h HubConfig) FlushInterval() time.Duration {
	if h.FlushIntervalMs <= 0 {
		return 100 * time.Millisecond
	}
	return time.Duration(h.FlushIntervalMs) * time.Millisecond
}

// TickInterval 返回实时行情基础间隔，缺省 5s。
func (s SourceConfig) TickInterval() time.Duration {
	if s.TickIntervalMs <= 0 {
		return 5 * time.Second
	}
	return time.Duration(s.TickIntervalMs) * time.Millisecond
}

// BaseInterval 返回回放驱动间隔，缺省 1s。
func (r ReplayConfig) BaseInterval() time.Duration {
	if r.BaseIntervalMs <= 0 {
		return time.Second
	}
	return time.Duration(r.BaseIntervalMs) * time.Millisecond
}

// Load reads YAML config from path and applies basic validation.
func Load(path string) (AppConfig, error) {
	var cfg AppConfig
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("parse yaml: %w", err)
	}
	applyDefaults(&cfg)
	if err := Validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// LoadWithEnvOverrides loads config then overrides sensitive fields from env vars if present.
func LoadWithEnvOverrides(path string) (AppConfig, error) {
	cfg, err := Load(path)
	if err != nil {
		return cfg, err
	}
	if v := os.Getenv("SIM_BROKER_API_KEY"); v != "" {
		cfg.Source.Broker.APIKey = v
	}
	if v := os.Getenv("SIM_BROKER_API_SECRET"); v != "" {
		cfg.Source.Broker.APISecret = v
	}
	if v := os.Getenv("SIM_STORAGE_DSN"); v != "" {
		cfg.Storage.DSN = v
	}
	if v := os.Getenv("SIM_REDIS_ADDR"); v != "" {
		cfg.Ingress.Redis.Addr = v
	}
	if v := os.Getenv("SIM_KAFKA_BROKERS"); v != "" {
		cfg.Ingress.Kafka.Brokers = strings.Split(v, ",")
	}
	return cfg, Validate(cfg)
}

func applyDefaults(cfg *AppConfig) {
	if cfg.Source.Provider == "" {
		cfg.Source.Provider = "synthetic"
	}
	if cfg.Hub.QueueSize <= 0 {
		cfg.Hub.QueueSize = 256
	}
	if cfg.Replay.Speed == 0 {
		cfg.Replay.Speed = 1
	}
	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = "sqlite"
	}
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8080"
	}
	if cfg.Log.Level == "" {
		cfg.Log = logger.DefaultConfig()
	}
	if cfg.Alert.ThrottleSeconds <= 0 {
		cfg.Alert.ThrottleSeconds = 30
	}
	if len(cfg.Alert.Channels) == 0 {
		cfg.Alert.Channels = []string{"log", "metrics"}
	}
	if cfg.Ingress.Redis.Pattern == "" {
		cfg.Ingress.Redis.Pattern = "session:*"
	}
	for i := range cfg.Sessions {
		if cfg.Sessions[i].Mode == "" {
			cfg.Sessions[i].Mode = "live"
		}
	}
}
