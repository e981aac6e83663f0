package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"p2pex/internal/chain"
	"p2pex/internal/config"
	"p2pex/internal/db"
	internalhttp "p2pex/internal/http"
	"p2pex/internal/logging"
	"p2pex/internal/payments"
	"p2pex/internal/pricing"
	"p2pex/internal/services"
	"p2pex/internal/store"
	"p2pex/internal/worker"

	"go.uber.org/zap"
)

type backend interface {
	services.OrderStore
	services.IntentStore
	services.SettlementStore
	services.JournalStore
	services.WebhookStore
	worker.Store
}

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

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var st backend
	switch cfg.DB.Driver {
	case "memory":
		st = store.NewMemory()
		logger.Warn("using in-memory store; state is lost on restart")
	default:
		pool, err := db.Connect(ctx, cfg.DB.DSN)
		if err != nil {
			logger.Fatal("db connect failed", zap.Error(err))
		}
		defer pool.Close()
		st = store.New(pool)
	}

	chains, err := chain.Build(ctx, cfg.Chains.ERC20, cfg.Chains.Native, logger.Named("chain"))
	if err != nil {
		logger.Fatal("chain clients init failed", zap.Error(err))
	}
	for _, n := range chains.Networks() {
		logger.Info("network ready",
			zap.String("network", n.Name()),
			zap.String("chain_id", n.ChainID().String()),
			zap.String("sender", n.Sender()))
	}

	gateway := payments.NewGateway(cfg.Gateway.BaseURL, cfg.Gateway.KeyID, cfg.Gateway.KeySecret,
		time.Duration(cfg.Gateway.TimeoutSeconds)*time.Second)
	price := pricing.Service{
		MinFiatMinor:   cfg.Settlement.MinFiatMinor,
		ToleranceMinor: cfg.Settlement.FiatToleranceMinor,
	}

	h := &internalhttp.Handler{
		Orders: &services.OrderService{Store: st, Chains: chains},
		Payments: &services.PaymentService{
			Store:          st,
			Gateway:        gateway,
			Pricing:        price,
			Chains:         chains,
			CheckoutSecret: gateway.Secret(),
			Logger:         logger.Named("payments"),
		},
		Settlement: &services.SettlementService{
			Store:           st,
			Chains:          chains,
			Pricing:         price,
			TransferTimeout: time.Duration(cfg.Settlement.TransferTimeoutSecond) * time.Second,
			Logger:          logger.Named("settlement"),
		},
		Balances: &services.BalanceService{
			Chains:      chains,
			ReadTimeout: 10 * time.Second,
			Logger:      logger.Named("balance"),
		},
		Portfolios: &services.PortfolioService{Store: st},
		Webhooks: &services.WebhookService{
			Store:  st,
			Secret: []byte(cfg.Gateway.WebhookSecret),
			Logger: logger.Named("webhook"),
		},
		SignatureHeader: cfg.Gateway.SignatureHeader,
		Logger:          logger.Named("http"),
	}
	srv := internalhttp.NewServer(h, cfg.Server.CORSOrigins, logger.Named("http"))

	// The in-memory store is process local, so the reconciler has to live in this process.
	if cfg.DB.Driver == "memory" {
		rec := &worker.Reconciler{
			Store:      st,
			Chains:     chains,
			Interval:   time.Duration(cfg.Worker.IntervalSeconds) * time.Second,
			StaleAfter: time.Duration(cfg.Worker.StaleAfterSeconds) * time.Second,
			BatchSize:  cfg.Worker.BatchSize,
			Logger:     logger.Named("worker"),
		}
		go rec.Run(ctx)
	}

	httpServer := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           srv.Router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("api listening", zap.String("addr", cfg.Server.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(ctxShutdown)
}
