package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/charlesng35/termrelay/internal/api"
	"github.com/charlesng35/termrelay/internal/app"
	iauth "github.com/charlesng35/termrelay/internal/auth"
	"github.com/charlesng35/termrelay/internal/registry"
	"github.com/charlesng35/termrelay/internal/relayhttp"
	"github.com/charlesng35/termrelay/internal/room"
	"github.com/charlesng35/termrelay/internal/room/store"
	"github.com/charlesng35/termrelay/internal/session"
	"github.com/charlesng35/termrelay/pkg/logger"
)

const shutdownTimeout = 15 * time.Second

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	defer stop()

	if err := run(ctx, os.Args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("termrelay", flag.ContinueOnError)
	fs.SetOutput(os.Stdout)

	var configPath string
	fs.StringVar(&configPath, "config", "", "Path to configuration directory or file")

	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadApplicationConfig(configPath)
	if err != nil {
		return err
	}

	generated, err := app.ApplyRuntimeDefaults(cfg)
	if err != nil {
		return err
	}

	if err := app.ConfigureLogging(cfg.Server.LogLevel); err != nil {
		return fmt.Errorf("configure logging: %w", err)
	}
	defer logger.Sync() // best effort

	log := logger.WithModule("bootstrap")
	for key := range generated {
		log.Info("generated runtime secret", zap.String("key", key))
	}

	tokens, err := iauth.NewTokenVerifier(iauth.TokenConfig{
		Secret: cfg.Auth.ControlToken.Secret,
		Issuer: cfg.Auth.ControlToken.Issuer,
	})
	if err != nil {
		return fmt.Errorf("initialise token verifier: %w", err)
	}

	reg := registry.New(session.Config{
		DefaultCols:       cfg.Session.DefaultCols,
		DefaultRows:       cfg.Session.DefaultRows,
		ProducerReconnect: cfg.Session.ProducerReconnect,
		ViewerWriteQueue:  cfg.Session.ViewerWriteQueueSize,
	}, cfg.Session.ClosedRingSize)

	sweeper := registry.NewSweeper(reg, cfg.Session.SessionMaxAge, registry.WithSweepInterval(cfg.Session.SweepInterval))
	if err := sweeper.Start(); err != nil {
		return fmt.Errorf("start session sweeper: %w", err)
	}
	defer sweeper.Stop()

	roomStore, closeStore, err := initialiseRoomStore(cfg)
	if err != nil {
		return fmt.Errorf("initialise room store: %w", err)
	}
	defer closeStore()

	broker := room.NewBroker(roomStore, reg)

	handlers := relayhttp.New(reg, tokens, relayhttp.Config{
		MaxFrameBytes:        cfg.Session.MaxFrameBytes,
		ViewerSetupTimeout:   cfg.Session.ViewerSetupTimeout,
		ViewerWriteQueueSize: cfg.Session.ViewerWriteQueueSize,
	})

	roomHandlers := room.New(broker, tokens, room.Config{
		MaxFrameBytes:        cfg.Session.MaxFrameBytes,
		ViewerWriteQueueSize: cfg.Session.ViewerWriteQueueSize,
	})

	router := api.NewRouter(api.Dependencies{
		Handlers: handlers,
		Room:     roomHandlers,
		Config:   cfg,
	})

	var watcher *app.ConfigWatcher
	if configPath != "" {
		watcher, err = app.WatchConfig(configPath, func() (*app.Config, error) {
			return loadApplicationConfig(configPath)
		}, func(reloaded *app.Config) {
			applyHotReload(cfg, reloaded, reg, sweeper, log)
		})
		if err != nil {
			log.Warn("config watch disabled", zap.Error(err))
		} else {
			defer watcher.Close()
		}
	}

	server := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Server.ListenHost, cfg.Server.ListenPort),
		Handler: router,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Info("relay listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("graceful shutdown: %w", err)
	}

	if err, ok := <-serverErr; ok && err != nil {
		return fmt.Errorf("server error: %w", err)
	}

	log.Info("relay stopped gracefully")
	return nil
}

func loadApplicationConfig(path string) (*app.Config, error) {
	switch {
	case strings.TrimSpace(path) == "":
		return app.LoadConfig()
	default:
		info, err := os.Stat(path)
		if err == nil {
			if info.IsDir() {
				return app.LoadConfig(path)
			}
			return app.LoadConfig(filepath.Dir(path))
		}
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("config path %q does not exist", path)
		}
		return nil, fmt.Errorf("stat config path: %w", err)
	}
}

// applyHotReload swaps in the subset of settings ConfigWatcher documents as
// safe to change without a restart: default geometry, the producer reconnect
// window, and the viewer write queue size apply to sessions created after
// the reload, and the session max age applies from the next sweep. The sweep
// interval and the viewer setup timeout keep their startup values, and the
// listener address, room store driver/DSN, and control token secret are
// read once at startup and are not touched here.
func applyHotReload(live, reloaded *app.Config, reg *registry.Registry, sweeper *registry.Sweeper, log *zap.Logger) {
	live.Session = reloaded.Session

	reg.SetSessionConfig(session.Config{
		DefaultCols:       reloaded.Session.DefaultCols,
		DefaultRows:       reloaded.Session.DefaultRows,
		ProducerReconnect: reloaded.Session.ProducerReconnect,
		ViewerWriteQueue:  reloaded.Session.ViewerWriteQueueSize,
	})
	sweeper.SetMaxAge(reloaded.Session.SessionMaxAge)
	log.Info("applied hot-reloadable session settings")
}

func initialiseRoomStore(cfg *app.Config) (store.Store, func(), error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Room.Store.Driver))
	switch driver {
	case "", "sqlite":
		db, err := store.OpenSQLite(cfg.Room.Store.Path, cfg.Room.Store.DSN)
		if err != nil {
			return nil, func() {}, err
		}
		closeFn := func() {
			if sqlDB, err := db.DB(); err == nil {
				_ = sqlDB.Close()
			}
		}
		return store.NewGormStore(db), closeFn, nil
	default:
		return nil, func() {}, fmt.Errorf("unsupported room store driver %q", cfg.Room.Store.Driver)
	}
}
