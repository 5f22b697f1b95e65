package config

import (
	"fmt"
	"time"
)

// ErrInvalid 用于参数验证错误。
type ErrInvalid string

func (e ErrInvalid) Error() string { return string(e) }

var validSpeeds = map[int]bool{1: true, 2: true, 4: true, 8: true}

// Validate ensures required fields are present.
func Validate(cfg AppConfig) error {
	if cfg.Env == "" {
		return ErrInvalid("env is required")
	}
	switch cfg.Source.Provider {
	case "synthetic", "history":
	case "broker":
		if cfg.Source.Broker.APIKey == "" || cfg.Source.Broker.APISecret == "" {
			return ErrInvalid("source.broker.apiKey/apiSecret is required (or env overrides)")
		}
	default:
		return ErrInvalid(fmt.Sprintf("source.provider %q is not supported", cfg.Source.Provider))
	}
	if cfg.Source.TickIntervalMs < 0 {
		return ErrInvalid("source.tickIntervalMs must be >= 0")
	}
	if cfg.Source.BasePrice < 0 || cfg.Source.Volatility < 0 {
		return ErrInvalid("source.basePrice/volatility must be >= 0")
	}
	if cfg.Hub.FlushIntervalMs < 0 {
		return ErrInvalid("hub.flushIntervalMs must be >= 0")
	}
	if cfg.Replay.BaseIntervalMs < 0 {
		return ErrInvalid("replay.baseIntervalMs must be >= 0")
	}
	if !validSpeeds[cfg.Replay.Speed] {
		return ErrInvalid("replay.speed must be one of 1,2,4,8")
	}
	switch cfg.Storage.Driver {
	case "sqlite", "postgres":
	default:
		return ErrInvalid(fmt.Sprintf("storage.driver %q is not supported", cfg.Storage.Driver))
	}
	if cfg.Source.Provider == "history" && cfg.Storage.DSN == "" {
		return ErrInvalid("storage.dsn is required for history provider")
	}
	if cfg.Server.EventRate < 0 || cfg.Server.EventBurst < 0 {
		return ErrInvalid("server.eventRate/eventBurst must be >= 0")
	}
	if len(cfg.Ingress.Kafka.Brokers) > 0 && cfg.Ingress.Kafka.Topic == "" {
		return ErrInvalid("ingress.kafka.topic is required when brokers are set")
	}
	for _, ch := range cfg.Alert.Channels {
		if ch != "log" && ch != "metrics" {
			return ErrInvalid(fmt.Sprintf("alert channel %q is not supported", ch))
		}
	}
	seen := make(map[string]bool, len(cfg.Sessions))
	for _, s := range cfg.Sessions {
		if s.ID == "" {
			return ErrInvalid("sessions[].id is required")
		}
		if seen[s.ID] {
			return ErrInvalid(fmt.Sprintf("session %s is duplicated", s.ID))
		}
		seen[s.ID] = true
		if len(s.Symbols) == 0 {
			return fmt.Errorf("session %s: %w", s.ID, ErrInvalid("symbols is required"))
		}
		switch s.Mode {
		case "live":
		case "replay":
			if _, err := time.Parse("2006-01-02", s.ReplayDay); err != nil {
				return fmt.Errorf("session %s: %w", s.ID, ErrInvalid("replayDay must be YYYY-MM-DD"))
			}
		default:
			return fmt.Errorf("session %s: %w", s.ID, ErrInvalid(fmt.Sprintf("mode %q is not supported", s.Mode)))
		}
	}
	return nil
}
