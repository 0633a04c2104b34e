package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	auditHandler "custodia/internal/audit/handler"
	auditpg "custodia/internal/audit/store/postgres"
	"custodia/internal/dsr"
	dsrHandler "custodia/internal/dsr/handler"
	dsrMetrics "custodia/internal/dsr/metrics"
	"custodia/internal/integrity"
	integrityHandler "custodia/internal/integrity/handler"
	"custodia/internal/kms"
	"custodia/internal/outbox"
	"custodia/internal/platform/config"
	"custodia/internal/platform/httpserver"
	"custodia/internal/platform/logger"
	"custodia/internal/platform/middleware"
	"custodia/internal/platform/postgres"
	platformredis "custodia/internal/platform/redis"
	pseudonympg "custodia/internal/pseudonym/store/postgres"
	"custodia/internal/retention"
	retentionHandler "custodia/internal/retention/handler"
	retentionMetrics "custodia/internal/retention/metrics"
	retentionpg "custodia/internal/retention/store/postgres"
	httptransport "custodia/internal/transport/http"
)

// main wires high-level dependencies and keeps the server lifecycle small.
// Business logic lives in the internal services packages.
func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("configuration error", "error", err)
		os.Exit(1)
	}
	log := logger.New(cfg.LogLevel)

	if err := run(cfg, log); err != nil {
		log.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := postgres.Open(ctx, cfg.Postgres)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := postgres.Migrate(db); err != nil {
		return err
	}

	// Key management: external collaborator when configured, in-process
	// encrypt-only fallback otherwise.
	var keys kms.Service
	sealerOpts := []integrity.Option{}
	if cfg.KMS.BaseURL != "" {
		client := kms.NewClient(kms.ClientConfig{
			BaseURL:       cfg.KMS.BaseURL,
			APIKey:        cfg.KMS.APIKey,
			Timeout:       cfg.KMS.Timeout,
			RetryAttempts: cfg.KMS.RetryAttempts,
			InitialDelay:  cfg.KMS.RetryInitial,
			MaxDelay:      cfg.KMS.RetryMax,
		}, log)
		keys = client
		sealerOpts = append(sealerOpts, integrity.WithSigner(client, "", cfg.KMS.SigningKeyID))
	} else {
		local, err := kms.NewLocal(cfg.DSR.PseudonymSalt)
		if err != nil {
			return err
		}
		keys = local
		log.Warn("no external key management configured; events are hash-sealed only")
	}

	events := auditpg.New(db)
	sealer := integrity.NewSealer(log, sealerOpts...)
	writer := integrity.NewWriter(sealer, events, log)
	sweeper := integrity.NewSweeper(sealer, events, log)

	var policies retention.PolicyStore = retentionpg.New(db)
	rdb, err := platformredis.New(cfg.Redis)
	if err != nil {
		return err
	}
	if rdb != nil {
		defer rdb.Close()
		policies = retention.NewCachedPolicyStore(policies, rdb.Client, cfg.Redis.PolicyTTL, log)
	}

	engine := retention.NewEngine(policies, events, writer, log,
		retention.WithMetrics(retentionMetrics.New()),
		retention.WithBatchSize(cfg.Retention.BatchSize),
		retention.WithConcurrency(cfg.Retention.Concurrency),
	)

	processor, err := dsr.NewProcessor(
		events,
		pseudonympg.New(db),
		writer,
		keys,
		dsr.NewSQLTxRunner(db),
		cfg.DSR.PseudonymSalt,
		log,
		dsr.WithMetrics(dsrMetrics.New()),
	)
	if err != nil {
		return err
	}

	router := httptransport.NewRouter(httptransport.Deps{
		Audit:        auditHandler.New(writer, events, log),
		DSR:          dsrHandler.New(processor, log),
		Retention:    retentionHandler.New(engine, policies, log),
		Integrity:    integrityHandler.New(sweeper, log),
		JWTValidator: middleware.NewHMACValidator(cfg.Auth.JWTSigningKey),
		AdminKeyHash: cfg.Auth.AdminKeyHash,
		DB:           db,
		Logger:       log,
	})
	srv := httpserver.New(cfg.Server, router)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info("starting custodia", "addr", cfg.Server.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	// Scheduled retention sweeps.
	g.Go(func() error {
		ticker := time.NewTicker(cfg.Retention.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				if _, err := engine.ApplyRetentionPolicies(ctx); err != nil {
					log.ErrorContext(ctx, "scheduled retention sweep failed", "error", err)
				}
			}
		}
	})

	// Outbox relay, when Kafka is configured.
	if len(cfg.Kafka.Brokers) > 0 {
		relay, err := outbox.NewRelay(ctx, outbox.NewStore(db), cfg.Kafka, log)
		if err != nil {
			return err
		}
		defer relay.Close()
		g.Go(func() error {
			if err := relay.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	} else {
		log.Warn("no kafka brokers configured; outbox rows accumulate unpublished")
	}

	return g.Wait()
}
