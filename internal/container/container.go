package container

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"trading-sim-go/api"
	"trading-sim-go/config"
	"trading-sim-go/infrastructure/alert"
	"trading-sim-go/infrastructure/logger"
	"trading-sim-go/infrastructure/monitor"
	"trading-sim-go/ingress"
	"trading-sim-go/market"
	"trading-sim-go/realtime"
	"trading-sim-go/replay"
	"trading-sim-go/session"
	"trading-sim-go/storage"
)

// Container 依赖注入容器，管理所有组件的生命周期
type Container struct {
	// 配置
	cfg        *config.AppConfig
	configPath string

	// 基础设施
	logger  *logger.Logger
	monitor *monitor.Monitor
	alerts  *alert.Manager

	// 核心服务
	calendar *market.Calendar
	store    *storage.HistoryStore
	registry *realtime.Registry
	sessions *session.Manager
	server   *api.Server

	// 外部接入
	redisClient *redis.Client

	reloader *config.HotReloader

	// 生命周期管理
	lifecycle *LifecycleManager
}

// New 创建新的Container实例
func New(configPath string) (*Container, error) {
	cfg, err := config.LoadWithEnvOverrides(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config failed: %w", err)
	}
	return NewFromConfig(cfg, configPath), nil
}

// NewFromConfig configPath 为空时不启用热更新。
func NewFromConfig(cfg config.AppConfig, configPath string) *Container {
	return &Container{
		cfg:        &cfg,
		configPath: configPath,
		lifecycle:  NewLifecycleManager(),
	}
}

// Build 构建所有组件
func (c *Container) Build(ctx context.Context) error {
	if err := c.buildInfrastructure(); err != nil {
		return fmt.Errorf("build infrastructure failed: %w", err)
	}
	if err := c.buildStorage(ctx); err != nil {
		return fmt.Errorf("build storage failed: %w", err)
	}
	if err := c.buildCoreServices(); err != nil {
		return fmt.Errorf("build core services failed: %w", err)
	}
	if err := c.buildSessions(ctx); err != nil {
		return fmt.Errorf("build sessions failed: %w", err)
	}
	if err := c.buildIngress(); err != nil {
		return fmt.Errorf("build ingress failed: %w", err)
	}
	if err := c.buildHotReload(); err != nil {
		return fmt.Errorf("build hot reload failed: %w", err)
	}
	c.logger.Info("container built successfully")
	return nil
}

func (c *Container) buildInfrastructure() error {
	var err error
	c.logger, err = logger.New(c.cfg.Log)
	if err != nil {
		return fmt.Errorf("create logger failed: %w", err)
	}
	c.monitor = monitor.New(monitor.DefaultConfig())
	c.alerts = alert.NewManager(nil, time.Duration(c.cfg.Alert.ThrottleSeconds)*time.Second)
	for _, name := range c.cfg.Alert.Channels {
		switch name {
		case alert.ChannelLog:
			c.alerts.AddChannel(alert.NewLogChannel(alert.ChannelLog, c.logger.Logger))
		case alert.ChannelMetrics:
			c.alerts.AddChannel(alert.NewMetricsChannel(c.monitor))
		default:
			return fmt.Errorf("unknown alert channel %q", name)
		}
	}
	c.calendar = market.NewCalendar("xnys")
	c.logger.Info("infrastructure built",
		zap.String("env", c.cfg.Env),
		zap.Strings("alert_channels", c.alerts.Channels()))
	return nil
}

func (c *Container) buildStorage(ctx context.Context) error {
	if c.cfg.Storage.DSN == "" {
		return nil
	}
	store, err := storage.Open(ctx, c.cfg.Storage.Driver, c.cfg.Storage.DSN, c.logger.Named("storage"))
	if err != nil {
		return err
	}
	c.store = store
	return nil
}

// newSource 每个会话一个独立行情源。
func (c *Container) newSource() (market.Source, error) {
	sc := market.SourceConfig{
		Provider:        c.cfg.Source.Provider,
		Seed:            c.cfg.Source.Seed,
		TickInterval:    c.cfg.Source.TickInterval(),
		BasePrice:       c.cfg.Source.BasePrice,
		Volatility:      c.cfg.Source.Volatility,
		BrokerAPIKey:    c.cfg.Source.Broker.APIKey,
		BrokerAPISecret: c.cfg.Source.Broker.APISecret,
		BrokerBaseURL:   c.cfg.Source.Broker.BaseURL,
		Calendar:        c.calendar,
		Logger:          c.logger.Named("market"),
	}
	if c.store != nil {
		sc.History = c.store
	}
	return market.NewSource(sc)
}

func (c *Container) buildCoreServices() error {
	c.registry = realtime.NewRegistry(realtime.Options{
		FlushInterval: c.cfg.Hub.FlushInterval(),
		QueueSize:     c.cfg.Hub.QueueSize,
		Logger:        c.logger.Named("realtime"),
		Monitor:       c.monitor,
	})

	var err error
	c.sessions, err = session.NewManager(session.ManagerConfig{
		Template: session.Config{
			Publisher: c.registry,
			Calendar:  c.calendar,
			Replay: replay.Options{
				BaseInterval: c.cfg.Replay.BaseInterval(),
				Speed:        c.cfg.Replay.Speed,
			},
			Alerts:  c.alerts,
			Logger:  c.logger.Named("session"),
			Monitor: c.monitor,
		},
		NewSource: c.newSource,
	})
	if err != nil {
		return err
	}

	srvCfg := api.Config{
		Addr:       c.cfg.Server.Addr,
		Debug:      c.cfg.Log.Level == "debug",
		Sessions:   c.sessions,
		Registry:   c.registry,
		Monitor:    c.monitor,
		Logger:     c.logger.Named("api"),
		EventRate:  c.cfg.Server.EventRate,
		EventBurst: c.cfg.Server.EventBurst,
	}
	if c.store != nil {
		srvCfg.Days = c.store
	}
	c.server, err = api.New(srvCfg)
	if err != nil {
		return err
	}
	c.lifecycle.Register(newRunComponent("api_server", c.server.Run, c.logger.Logger))
	if c.cfg.Server.MetricsAddr != "" {
		c.lifecycle.Register(&httpServerComponent{
			name:    "metrics_server",
			handler: c.monitor.Handler(),
			addr:    c.cfg.Server.MetricsAddr,
			logger:  c.logger.Logger,
		})
	}
	c.logger.Info("core services built")
	return nil
}

// buildSessions 创建配置中预置的会话；回放会话加载指定交易日并保持暂停。
func (c *Container) buildSessions(ctx context.Context) error {
	for _, spec := range c.cfg.Sessions {
		e, err := c.sessions.Create(spec.ID, spec.Symbols, spec.Mode == "live")
		if err != nil {
			return err
		}
		if spec.Mode != "replay" {
			continue
		}
		day, err := time.Parse("2006-01-02", spec.ReplayDay)
		if err != nil {
			return fmt.Errorf("session %s: %w", spec.ID, err)
		}
		ctrl, err := e.StartReplay(ctx, day, nil)
		if err != nil {
			return fmt.Errorf("session %s: load replay: %w", spec.ID, err)
		}
		c.logger.LogSession("replay_loaded", spec.ID, map[string]interface{}{
			"day":   spec.ReplayDay,
			"ticks": ctrl.State().TotalTicks,
		})
	}
	return nil
}

func (c *Container) buildIngress() error {
	if kc := c.cfg.Ingress.Kafka; len(kc.Brokers) > 0 {
		k, err := ingress.NewKafkaIngress(ingress.KafkaConfig{
			Brokers: kc.Brokers,
			Topic:   kc.Topic,
			GroupID: kc.GroupID,
		}, c.registry, c.logger.Named("ingress"), c.monitor)
		if err != nil {
			return err
		}
		c.lifecycle.Register(newRunComponent("kafka_ingress", func(ctx context.Context) error {
			defer k.Close()
			return k.Run(ctx)
		}, c.logger.Logger))
	}
	if rc := c.cfg.Ingress.Redis; rc.Addr != "" {
		c.redisClient = redis.NewClient(&redis.Options{
			Addr:     rc.Addr,
			Password: rc.Password,
			DB:       rc.DB,
		})
		r := ingress.NewRedisIngress(c.redisClient, rc.Pattern, c.registry, c.logger.Named("ingress"), c.monitor)
		c.lifecycle.Register(newRunComponent("redis_ingress", r.Run, c.logger.Logger))
	}
	return nil
}

func (c *Container) buildHotReload() error {
	if c.configPath == "" {
		return nil
	}
	hr, err := config.NewHotReloader(c.configPath, config.DefaultHotReloadConfig(), c.logger.Logger)
	if err != nil {
		return err
	}
	hr.OnReload(c.applyReload)
	c.reloader = hr
	c.lifecycle.Register(newRunComponent("config_reloader", func(ctx context.Context) error {
		if err := hr.Start(ctx); err != nil {
			return err
		}
		<-ctx.Done()
		return hr.Stop()
	}, c.logger.Logger))
	return nil
}

// applyReload 只应用可热更新的字段：日志级别与分发刷新间隔。
func (c *Container) applyReload(next config.AppConfig) {
	if next.Log.Level != "" && next.Log.Level != c.logger.Level() {
		if err := c.logger.SetLevel(next.Log.Level); err != nil {
			c.logger.Warn("invalid log level in reloaded config", zap.String("level", next.Log.Level))
		} else {
			c.logger.Info("log level updated", zap.String("level", next.Log.Level))
		}
	}
	if d := next.Hub.FlushInterval(); d != c.cfg.Hub.FlushInterval() {
		c.registry.SetFlushInterval(d)
		c.logger.Info("hub flush interval updated", zap.Duration("interval", d))
	}
	c.cfg.Log.Level = next.Log.Level
	c.cfg.Hub.FlushIntervalMs = next.Hub.FlushIntervalMs
}

func (c *Container) Start(ctx context.Context) error {
	c.logger.Info("starting container...")
	if err := c.lifecycle.StartAll(ctx); err != nil {
		return fmt.Errorf("start failed: %w", err)
	}
	c.logger.Info("container started")
	return nil
}

// Stop 逆序停止组件，然后关闭会话、分发中心与存储。
func (c *Container) Stop() error {
	if c.logger == nil {
		return nil
	}
	c.logger.Info("stopping container...")
	err := c.lifecycle.StopAll()
	if err != nil {
		c.logger.LogError(err, map[string]interface{}{"action": "stop"})
	}
	if c.sessions != nil {
		c.sessions.Close()
	}
	if c.registry != nil {
		c.registry.Close()
	}
	if c.redisClient != nil {
		if cerr := c.redisClient.Close(); cerr != nil {
			c.logger.LogError(cerr, map[string]interface{}{"action": "close_redis"})
		}
	}
	if c.store != nil {
		if cerr := c.store.Close(); cerr != nil {
			c.logger.LogError(cerr, map[string]interface{}{"action": "close_store"})
		}
	}
	c.logger.Info("container stopped")
	c.logger.Close()
	return err
}

func (c *Container) HealthCheck() error {
	return c.lifecycle.CheckHealth()
}

func (c *Container) Logger() *logger.Logger       { return c.logger }
func (c *Container) Sessions() *session.Manager   { return c.sessions }
func (c *Container) Registry() *realtime.Registry { return c.registry }
