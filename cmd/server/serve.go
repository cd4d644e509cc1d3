package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"restops/internal/gateway"
	apphttp "restops/internal/http"
	"restops/internal/integrations/events"
	"restops/internal/integrations/messaging"
	"restops/internal/service/instances"
	"restops/internal/service/oauth"
	"restops/internal/service/retention"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP gateway (default)",
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	for _, warning := range cfg.Warnings() {
		logger.Warn(warning)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	b, err := openBackend(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer b.Close()

	var verifier gateway.IdentityVerifier = gateway.NewJWTVerifier(cfg.JWTSecret)
	if cfg.IdentityURL != "" {
		verifier = gateway.NewRemoteVerifier(cfg.IdentityURL, cfg.IdentityAPIKey, cfg.IdentityTimeout)
	}
	pipeline := gateway.NewPipeline(gateway.Options{
		Verifier:     verifier,
		Capabilities: gateway.NewCapabilityChecker(b.grants, logger.Named("capabilities")),
		RateLimiter:  gateway.NewRateLimiter(b.rateLimits, logger.Named("ratelimit")),
		Idempotency:  gateway.NewIdempotencyGuard(b.idempotency),
		Logger:       logger.Named("pipeline"),
	})

	audit := gateway.NewAuditRecorder(b.store, logger.Named("audit"))
	manager := oauth.NewManager(
		oauth.NewMerchantClient(cfg.MerchantBaseURL, cfg.MerchantClientID, cfg.MerchantClientSecret, cfg.MerchantTimeout),
		b.store, audit, logger.Named("oauth"),
	)
	publisher := events.NewPublisher(cfg.EventsWebhookURL, cfg.EventsTimeout, cfg.EventsMaxRetries, cfg.EventsRetryBase, cfg.EventsRetryMax)
	controller := instances.NewController(
		messaging.NewClient(cfg.MessagingBaseURL, cfg.MessagingAdminToken, cfg.MessagingTimeout, cfg.MessagingRPS),
		b.store, audit, publisher,
		webhookSettings(cfg),
		logger.Named("instances"),
	)

	srv := apphttp.NewServer(pipeline, manager, controller, b.store, cfg.MessagingWebhookSecret, logger.Named("http"))
	httpServer := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      srv.Router(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	janitor := retention.NewJanitor(b.rateLimits, b.idempotency, cfg.RateLimitRetention, cfg.IdempotencyTTL, logger.Named("retention"))
	go janitor.Run(ctx, cfg.JanitorInterval)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("restops gateway listening", zap.String("addr", cfg.ListenAddr), zap.String("store", cfg.StoreMode))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return err
		}
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
		return err
	}
	logger.Info("restops gateway stopped")
	return nil
}
