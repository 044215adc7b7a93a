package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alexbotov/spworlds/internal/api"
	"github.com/alexbotov/spworlds/internal/audit"
	"github.com/alexbotov/spworlds/internal/auth"
	"github.com/alexbotov/spworlds/internal/config"
	"github.com/alexbotov/spworlds/internal/control"
	"github.com/alexbotov/spworlds/internal/database"
	"github.com/alexbotov/spworlds/internal/limits"
	"github.com/alexbotov/spworlds/internal/logger"
	"github.com/alexbotov/spworlds/internal/metrics"
	"github.com/alexbotov/spworlds/internal/payments"
	"github.com/alexbotov/spworlds/internal/replay"
	"github.com/alexbotov/spworlds/internal/webhook"
	"github.com/alexbotov/spworlds/pkg/spworlds"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.New("info").Fatal("Failed to load configuration", zap.Error(err))
	}
	log := logger.New(cfg.LogLevel)
	defer log.Sync()

	if err := cfg.Validate(); err != nil {
		log.Fatal("Invalid configuration", zap.Error(err))
	}

	var (
		auditSvc     *audit.Service
		paymentStore payments.Store
		eventStore   webhook.EventStore
		stateStore   control.StateStore
		limitStore   limits.Store
	)
	if cfg.Database.DSN != "" {
		db, err := database.New(cfg.Database.Driver, cfg.Database.DSN)
		if err != nil {
			log.Fatal("Failed to connect to database", zap.Error(err))
		}
		defer db.Close()
		if err := db.Migrate(); err != nil {
			log.Fatal("Failed to migrate database", zap.Error(err))
		}
		auditSvc = audit.New(db.DB)
		paymentStore = payments.NewPostgresStore(db.DB)
		eventStore = webhook.NewPostgresStore(db.DB)
		stateStore = control.NewPostgresStore(db.DB)
		limitStore = limits.NewPostgresStore(db.DB)
	} else {
		log.Warn("No database configured, records are kept in memory")
		auditSvc = audit.NewWithStore(audit.NewMemoryStore())
		paymentStore = payments.NewMemoryStore()
		eventStore = webhook.NewMemoryStore()
		stateStore = control.NewMemoryStore()
		limitStore = limits.NewMemoryStore()
	}

	controlSvc := control.New(stateStore, auditSvc)
	if err := controlSvc.LoadState(context.Background()); err != nil {
		log.Fatal("Failed to load operations state", zap.Error(err))
	}
	if controlSvc.Status().Paused {
		log.Warn("Money operations are paused", zap.String("reason", controlSvc.Status().Reason))
	}
	limitsSvc := limits.New(limitStore, auditSvc)

	var guard replay.Guard
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		guard = replay.NewRedisGuard(rdb, cfg.Redis.ReplayTTL)
	} else {
		guard = replay.NewMemoryGuard(cfg.Redis.ReplayTTL)
	}

	client := spworlds.NewClient(spworlds.ClientConfig{
		ID:       cfg.SPWorlds.CardID,
		Token:    cfg.SPWorlds.CardToken,
		Timeout:  cfg.SPWorlds.Timeout,
		Endpoint: cfg.SPWorlds.Endpoint,
		Mirror:   cfg.SPWorlds.Mirror,
	})

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New()
	if err := m.Register(reg); err != nil {
		log.Fatal("Failed to register metrics", zap.Error(err))
	}

	webhookURL := cfg.Server.PublicURL + "/webhooks/spworlds"
	hub := api.NewHub(log)
	paymentSvc := payments.New(client, paymentStore, auditSvc, m, webhookURL,
		payments.WithGate(controlSvc), payments.WithBudget(limitsSvc))
	webhookSvc := webhook.New(client, guard, eventStore, paymentSvc, hub, auditSvc, m, log)
	authSvc := auth.New(&cfg.Auth, auditSvc)

	handler := api.New(api.Dependencies{
		Client:     client,
		Auth:       authSvc,
		Payments:   paymentSvc,
		Webhooks:   webhookSvc,
		Audit:      auditSvc,
		Control:    controlSvc,
		Limits:     limitsSvc,
		Hub:        hub,
		Metrics:    m,
		Gatherer:   reg,
		Logger:     log,
		WebhookURL: webhookURL,
	})

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      handler.SetupRouter(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	serverErrors := make(chan error, 1)
	go func() {
		log.Info("SPWorlds gateway listening",
			zap.String("addr", server.Addr),
			zap.String("endpoint", client.BaseURL()),
			zap.String("webhook_url", webhookURL))
		serverErrors <- server.ListenAndServe()
	}()

	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("Server error", zap.Error(err))
		}
	case sig := <-quit:
		log.Info("Shutting down", zap.String("signal", sig.String()))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Error("Graceful shutdown failed", zap.Error(err))
	}
}
