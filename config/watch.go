package config

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// HotReloadConfig 热更新配置
type HotReloadConfig struct {
	Enabled      bool          // 是否启用热更新
	CooldownTime time.Duration // 冷却时间，避免频繁更新
}

// DefaultHotReloadConfig 默认热更新配置
func DefaultHotReloadConfig() HotReloadConfig {
	return HotReloadConfig{
		Enabled:      true,
		CooldownTime: 2 * time.Second,
	}
}

// HotReloader 基于 fsnotify 的配置热更新器。
// 只有通过 Validate 的新配置才会交给回调；失败时保留旧配置。
type HotReloader struct {
	config     HotReloadConfig
	configPath string
	watcher    *fsnotify.Watcher
	logger     *zap.Logger
	handlers   []func(AppConfig)
	lastReload time.Time
	mu         sync.Mutex
	stopOnce   sync.Once
	stopChan   chan struct{}
	doneChan   chan struct{}
}

// NewHotReloader 创建热更新器
func NewHotReloader(configPath string, cfg HotReloadConfig, logger *zap.Logger) (*HotReloader, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HotReloader{
		config:     cfg,
		configPath: configPath,
		watcher:    watcher,
		logger:     logger.Named("config"),
		stopChan:   make(chan struct{}),
		doneChan:   make(chan struct{}),
	}, nil
}

// OnReload 注册配置更新回调
func (h *HotReloader) OnReload(fn func(AppConfig)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handlers = append(h.handlers, fn)
}

// Start 启动热更新监听
func (h *HotReloader) Start(ctx context.Context) error {
	if !h.config.Enabled {
		close(h.doneChan)
		return nil
	}
	if err := h.watcher.Add(h.configPath); err != nil {
		return fmt.Errorf("failed to watch config file: %w", err)
	}
	go h.watch(ctx)
	return nil
}

// Stop 停止热更新
func (h *HotReloader) Stop() error {
	h.stopOnce.Do(func() { close(h.stopChan) })
	select {
	case <-h.doneChan:
	case <-time.After(time.Second):
		// watch goroutine 可能没有启动
	}
	return h.watcher.Close()
}

func (h *HotReloader) watch(ctx context.Context) {
	defer close(h.doneChan)
	for {
		select {
		case <-ctx.Done():
			return
		case <-h.stopChan:
			return
		case event, ok := <-h.watcher.Events:
			if !ok {
				return
			}
			if event.Op&fsnotify.Write == fsnotify.Write || event.Op&fsnotify.Create == fsnotify.Create {
				h.handleConfigChange()
			}
		case err, ok := <-h.watcher.Errors:
			if !ok {
				return
			}
			h.logger.Warn("config watcher error", zap.Error(err))
		}
	}
}

func (h *HotReloader) handleConfigChange() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if time.Since(h.lastReload) < h.config.CooldownTime {
		return
	}
	cfg, err := LoadWithEnvOverrides(h.configPath)
	if err != nil {
		h.logger.Warn("config reload rejected", zap.String("path", h.configPath), zap.Error(err))
		return
	}
	for _, fn := range h.handlers {
		fn(cfg)
	}
	h.lastReload = time.Now()
	h.logger.Info("config reloaded", zap.String("path", h.configPath))
}

// LastReloadTime 获取最后重载时间
func (h *HotReloader) LastReloadTime() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastReload
}
