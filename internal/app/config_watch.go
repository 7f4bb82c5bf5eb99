package app

import (
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/charlesng35/termrelay/pkg/logger"
)

const configWatchDebounce = 500 * time.Millisecond

// ConfigWatcher reloads non-disruptive settings (default geometry, the
// producer reconnect window, the viewer write queue size, the session max
// age) from the config file without restarting the process. The sweep
// interval and the viewer setup timeout keep their startup values. Settings
// that would be disruptive to reload in place — the
// listener address, the room store driver/DSN, the control token secret —
// are read once at startup and are not watched.
type ConfigWatcher struct {
	fsWatcher *fsnotify.Watcher
	configDir string
	reload    func() (*Config, error)
	onReload  func(*Config)
	done      chan struct{}
}

// WatchConfig starts watching the directory containing the config file used
// by a prior LoadConfig call. reload is invoked on every debounced change and
// should return a freshly loaded Config; onReload receives it and is
// responsible for applying whichever fields it considers safe to hot-swap.
func WatchConfig(configPath string, reload func() (*Config, error), onReload func(*Config)) (*ConfigWatcher, error) {
	fsW, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	dir := filepath.Dir(configPath)
	if err := fsW.Add(dir); err != nil {
		fsW.Close()
		return nil, err
	}

	cw := &ConfigWatcher{
		fsWatcher: fsW,
		configDir: dir,
		reload:    reload,
		onReload:  onReload,
		done:      make(chan struct{}),
	}

	go cw.loop()
	return cw, nil
}

func (cw *ConfigWatcher) loop() {
	log := logger.WithModule("config_watch")
	var timer *time.Timer

	for {
		select {
		case <-cw.done:
			if timer != nil {
				timer.Stop()
			}
			return

		case event, ok := <-cw.fsWatcher.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(configWatchDebounce, cw.applyReload)

		case err, ok := <-cw.fsWatcher.Errors:
			if !ok {
				return
			}
			log.Warn("config watch error", zap.Error(err))
		}
	}
}

func (cw *ConfigWatcher) applyReload() {
	log := logger.WithModule("config_watch")

	cfg, err := cw.reload()
	if err != nil {
		log.Warn("config reload failed, keeping current settings", zap.Error(err))
		return
	}

	log.Info("config reloaded")
	cw.onReload(cfg)
}

// Close stops the watcher.
func (cw *ConfigWatcher) Close() error {
	close(cw.done)
	return cw.fsWatcher.Close()
}
