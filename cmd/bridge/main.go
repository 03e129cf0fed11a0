package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/codexbridge/codexbridge/internal/bridge"
	"github.com/codexbridge/codexbridge/internal/codex"
	"github.com/codexbridge/codexbridge/internal/common/config"
	"github.com/codexbridge/codexbridge/internal/common/logger"
	"github.com/codexbridge/codexbridge/internal/events/bus"
	"github.com/codexbridge/codexbridge/internal/notify"
	"github.com/codexbridge/codexbridge/internal/provider"
	"github.com/codexbridge/codexbridge/internal/store"
	"github.com/codexbridge/codexbridge/internal/webhook"
	"github.com/codexbridge/codexbridge/pkg/codex/jsonrpc"
)

const version = "0.1.0"

// exitRelaunch asks the supervising wrapper script to start a fresh process
const exitRelaunch = 42

func main() {
	os.Exit(run())
}

func run() int {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		return 1
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		return 1
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting codex bridge...", zap.String("version", version))

	// 3. Single-instance lock
	lock, err := bridge.AcquireLock(cfg.Store.DBPath + ".lock")
	if err != nil {
		log.Error("Failed to acquire instance lock", zap.Error(err))
		return 1
	}
	defer lock.Release()

	// 4. Open the store
	st, err := store.Open(cfg.Store.DBPath)
	if err != nil {
		log.Error("Failed to open store", zap.Error(err))
		return 1
	}
	defer st.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 5. Event bus
	eventBus := bus.NewInProcessBus(log)
	defer eventBus.Close()

	// 6. Provider client and trusted number
	providerClient := provider.NewClient(cfg.Provider, cfg.Poll, log)
	phone, err := provider.NormalizePhoneNumber(cfg.Provider.TrustedNumber)
	if err != nil {
		log.Error("Invalid trusted number", zap.Error(err))
		return 1
	}

	// 7. Agent session manager; a fresh transport per child lifetime
	newTransport := func() codex.Transport {
		return jsonrpc.NewClient(jsonrpc.ProcessConfig{
			BinaryPath:     cfg.Codex.BinaryPath,
			Args:           cfg.Codex.Args,
			WorkingDir:     cfg.Codex.WorkingDir,
			ClientName:     "codexbridge",
			ClientVersion:  version,
			DefaultTimeout: cfg.Codex.RequestTimeout(),
		}, log)
	}
	manager := codex.NewManager(cfg.Codex, phone, st, newTransport, log)

	// 8. Orchestrator and notification pipeline
	br, err := bridge.New(cfg, providerClient, st, manager, eventBus, log)
	if err != nil {
		log.Error("Failed to create bridge", zap.Error(err))
		return 1
	}
	pipeline := notify.NewPipeline(cfg.Notifications, st, manager, phone, br.Dispatch, log)
	br.SetPipeline(pipeline)

	// 9. Webhook ingress
	if cfg.Webhook.Enabled {
		if cfg.Logging.Level != "debug" {
			gin.SetMode(gin.ReleaseMode)
		}
		hub := webhook.NewHub(log)
		go hub.Run(ctx)
		sub, err := hub.Attach(eventBus)
		if err != nil {
			log.Error("Failed to attach debug stream", zap.Error(err))
			return 1
		}
		defer sub.Unsubscribe()

		srv := webhook.NewServer(cfg.Webhook, pipeline, hub, log)
		srv.Start()
		defer func() {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				log.Warn("Webhook server shutdown failed", zap.Error(err))
			}
		}()
	}

	// 10. Signal handling
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Info("Shutdown signal received", zap.String("signal", sig.String()))
		br.Stop()
		cancel()
	}()

	// 11. Poll loop; blocks until stop or restart
	if err := br.Run(ctx); err != nil {
		log.Error("Bridge exited with error", zap.Error(err))
		return 1
	}

	if br.ConsumeRestartRequested() {
		log.Info("Relaunch requested, exiting with sentinel code")
		return exitRelaunch
	}
	return 0
}
