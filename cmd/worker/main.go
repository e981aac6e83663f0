package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"
	"time"

	"p2pex/internal/chain"
	"p2pex/internal/config"
	"p2pex/internal/db"
	"p2pex/internal/logging"
	"p2pex/internal/store"
	"p2pex/internal/worker"

	"go.uber.org/zap"
)

func main() {
	cfg, err := config.Load("")
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		log.Fatalf("logger init failed: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	if cfg.DB.Driver == "memory" {
		logger.Fatal("worker needs a shared database; the api runs the reconciler itself with db.driver=memory")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := db.Connect(ctx, cfg.DB.DSN)
	if err != nil {
		logger.Fatal("db connect failed", zap.Error(err))
	}
	defer pool.Close()

	chains, err := chain.Build(ctx, cfg.Chains.ERC20, cfg.Chains.Native, logger.Named("chain"))
	if err != nil {
		logger.Fatal("chain clients init failed", zap.Error(err))
	}

	var wsEndpoints []string
	for _, n := range []config.NetworkConfig{cfg.Chains.ERC20, cfg.Chains.Native} {
		if len(n.WSEndpoints) > 0 {
			wsEndpoints = append(wsEndpoints, n.WSEndpoints...)
			continue
		}
		for _, rpc := range n.RPCEndpoints {
			if ws := chain.DefaultWSEndpoint(rpc); ws != "" {
				wsEndpoints = append(wsEndpoints, ws)
			}
		}
	}

	w := &worker.Reconciler{
		Store:               store.New(pool),
		Chains:              chains,
		Interval:            time.Duration(cfg.Worker.IntervalSeconds) * time.Second,
		StaleAfter:          time.Duration(cfg.Worker.StaleAfterSeconds) * time.Second,
		BatchSize:           cfg.Worker.BatchSize,
		WSEndpoints:         wsEndpoints,
		WSFailoverThreshold: cfg.Worker.WSFailoverThreshold,
		Logger:              logger.Named("worker"),
	}

	logger.Info("worker started", zap.Strings("ws_endpoints", wsEndpoints))
	w.Run(ctx)
	logger.Info("worker stopped")
}
