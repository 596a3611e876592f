package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rookdaemon/agora-relay/internal/config"
	"github.com/rookdaemon/agora-relay/internal/logging"
	"github.com/rookdaemon/agora-relay/internal/relay"
	"github.com/rookdaemon/agora-relay/internal/server"
	"github.com/rookdaemon/agora-relay/internal/store"
	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "", "Path to YAML/JSON config file (optional)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync() // best-effort flush

	var st store.Store
	if cfg.StorageEnabled() {
		fileStore, err := store.NewFileStore(cfg.Storage.Dir, cfg.StorePassphrase())
		if err != nil {
			logger.Fatal("open offline store", zap.Error(err))
		}
		st = fileStore
		logger.Info("offline storage enabled",
			zap.String("dir", fileStore.Dir()),
			zap.Int("allow_list", len(cfg.Storage.AllowList)))
	} else {
		logger.Info("offline storage disabled; undeliverable messages are rejected")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// The allow-list only shapes presence when buffering is actually active;
	// without a store those identities are plain offline peers.
	var allowList []string
	if cfg.StorageEnabled() {
		allowList = cfg.Storage.AllowList
	}
	reg := relay.NewRegistry(allowList)
	srv := server.NewRelayServer(cfg, logger, reg, st)

	if err := srv.Start(ctx); err != nil {
		logger.Fatal("server exited with error", zap.Error(err))
	}
}
