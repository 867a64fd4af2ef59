// chatd — headless realtime-клиент мессенджера CRM: держит соединение с
// бэкендом, кэширует диалоги и отдаёт локальный HTTP API фронтенду.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rentchat/internal/client"
	"github.com/rentchat/internal/config"
	"github.com/rentchat/internal/gateway"
	"github.com/rentchat/internal/logger"
	"github.com/rentchat/internal/notify"
	"github.com/rentchat/internal/storage"
	"github.com/rentchat/internal/storage/memory"
	storageredis "github.com/rentchat/internal/storage/redis"
)

func main() {
	logger.SetPrefix("chatd")
	dev := flag.Bool("dev", false, "in-memory settings storage (no Redis required)")
	flag.Parse()

	logger.Info("starting realtime client daemon")
	cfg := config.Load()
	if cfg.UserID == "" || cfg.Token == "" {
		logger.Error("USER_ID and AUTH_TOKEN are required")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var settingsStore storage.SettingsStore
	if *dev || cfg.RedisURL == "" {
		logger.Info("settings storage: in-memory (settings will not survive restart)")
		settingsStore = memory.New()
	} else {
		initCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		rdb, err := storageredis.New(initCtx, cfg.RedisURL, cfg.UserID)
		cancel()
		if err != nil {
			logger.Errorf("redis: %v", err)
			os.Exit(1)
		}
		settingsStore = rdb
		logger.Info("settings storage: redis")
	}
	defer settingsStore.Close()

	keys, err := notify.EnsureVAPIDKeys("")
	if err != nil {
		logger.Errorf("vapid keys: %v", err)
		os.Exit(1)
	}
	push := notify.NewWebPushNotifier(settingsStore, keys, cfg.PushContact)
	if err := push.Load(ctx); err != nil {
		logger.Warnf("push subscription not loaded: %v", err)
	}

	dispatcher := notify.New(settingsStore, push, nil, nil, cfg.DismissAfter)
	if err := dispatcher.LoadSettings(ctx); err != nil {
		logger.Warnf("settings not loaded, using defaults: %v", err)
	}

	rt := client.New(cfg, dispatcher, nil)
	connectCtx, cancel := context.WithTimeout(ctx, cfg.HandshakeTimeout)
	err = rt.Connect(connectCtx)
	cancel()
	if err != nil {
		// Не фатально: менеджер соединения дальше переподключается сам,
		// а очередь исходящих копится до подключения.
		logger.Errorf("initial connect: %v", err)
	}

	gw := gateway.New(rt, push, cfg.CORSAllowedOrigins)
	srv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      gw.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Infof("gateway listening on %s", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Errorf("gateway: %v", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("gateway shutdown: %v", err)
	}
	rt.Close()
	logger.Info("bye")
}
