package config

import (
	"fmt"
	"strings"
	"sync"

	"klinevault/internal/logger"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// ChangeListener 在配置热更新成功后被调用。
type ChangeListener func(*Config)

// Watcher 监听主配置文件，变更后重新加载并通知监听器。
// 仅日志级别等运行期可调参数会被消费；存储路径等需重启生效。
type Watcher struct {
	path string
	v    *viper.Viper

	mu        sync.RWMutex
	current   *Config
	listeners []ChangeListener
}

// Watch loads path and starts an fsnotify watch on it.
func Watch(path string) (*Watcher, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("config watcher requires path")
	}
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config failed: %w", err)
	}
	w := &Watcher{path: path, v: v, current: cfg}
	v.OnConfigChange(func(evt fsnotify.Event) {
		if evt.Op&(fsnotify.Write|fsnotify.Create) == 0 {
			return
		}
		w.reload(evt.Name)
	})
	v.WatchConfig()
	return w, nil
}

func (w *Watcher) reload(name string) {
	cfg, err := Load(w.path)
	if err != nil {
		logger.Errorf("[config] reload failed (%s): %v", name, err)
		return
	}
	w.mu.Lock()
	prev := w.current
	w.current = cfg
	listeners := append([]ChangeListener(nil), w.listeners...)
	w.mu.Unlock()

	if prev == nil || prev.App.LogLevel != cfg.App.LogLevel {
		logger.SetLevel(cfg.App.LogLevel)
		logger.Infof("[config] log level -> %s", logger.Level())
	}
	for _, fn := range listeners {
		fn := fn
		func() {
			defer func() {
				if r := recover(); r != nil {
					logger.Errorf("[config] listener panic: %v", r)
				}
			}()
			fn(cfg)
		}()
	}
}

// Current returns the latest successfully loaded configuration.
func (w *Watcher) Current() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

func (w *Watcher) Subscribe(fn ChangeListener) {
	if fn == nil {
		return
	}
	w.mu.Lock()
	w.listeners = append(w.listeners, fn)
	w.mu.Unlock()
}
