package main

import (
	"context"
	"errors"
	"fmt"
	"net/url"

	"go.uber.org/zap"

	"restops/internal/config"
	"restops/internal/policy"
	"restops/internal/security/secretbox"
	"restops/internal/service/instances"
	storepkg "restops/internal/store"
	"restops/internal/store/memory"
	redisstore "restops/internal/store/redis"
	sqlstore "restops/internal/store/sql"
)

// backend is the storage wiring for one process. Rate limits and idempotency
// keys move to redis when REDIS_URL is set; grants come from the policy file
// when one is configured.
type backend struct {
	store       storepkg.Store
	sql         *sqlstore.Store
	rateLimits  storepkg.RateLimitStore
	idempotency storepkg.IdempotencyStore
	grants      storepkg.GrantStore
	closers     []func() error
}

func (b *backend) Close() error {
	var errs []error
	for i := len(b.closers) - 1; i >= 0; i-- {
		errs = append(errs, b.closers[i]())
	}
	return errors.Join(errs...)
}

func openBackend(ctx context.Context, cfg config.Config, logger *zap.Logger) (*backend, error) {
	b := &backend{}
	switch cfg.StoreMode {
	case config.StoreMemory:
		b.store = memory.NewStore()
	case config.StorePostgres, config.StoreSQLite:
		st, err := b.openSQL(ctx, cfg)
		if err != nil {
			_ = b.Close()
			return nil, err
		}
		b.store, b.sql = st, st
	default:
		return nil, fmt.Errorf("unsupported STORE_MODE %q", cfg.StoreMode)
	}
	b.rateLimits, b.idempotency, b.grants = b.store, b.store, b.store

	if cfg.RedisURL != "" {
		client, err := redisstore.Connect(ctx, cfg.RedisURL)
		if err != nil {
			_ = b.Close()
			return nil, err
		}
		b.closers = append(b.closers, client.Close)
		rs := redisstore.New(client, cfg.RateLimitRetention, cfg.IdempotencyTTL)
		b.rateLimits, b.idempotency = rs, rs
		logger.Info("rate limits and idempotency keys stored in redis")
	}

	if cfg.CapabilityPolicyFile != "" {
		grants, err := policy.LoadFile(cfg.CapabilityPolicyFile)
		if err != nil {
			_ = b.Close()
			return nil, err
		}
		b.grants = grants
		logger.Info("capability grants loaded from policy file", zap.String("path", cfg.CapabilityPolicyFile))
	}
	return b, nil
}

func (b *backend) openSQL(ctx context.Context, cfg config.Config) (*sqlstore.Store, error) {
	driver := sqlstore.DriverPostgres
	if cfg.StoreMode == config.StoreSQLite {
		driver = sqlstore.DriverSQLite
	}
	client, err := sqlstore.Open(driver, cfg.DatabaseURL, cfg.DatabaseDebug)
	if err != nil {
		return nil, err
	}
	b.closers = append(b.closers, client.Close)

	db := client.DB()
	if err := sqlstore.EnsureSchema(ctx, db); err != nil {
		return nil, err
	}
	sealer, err := secretbox.FromKey(cfg.TokenEncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("token encryption key: %w", err)
	}
	return sqlstore.New(db, sealer)
}

func webhookSettings(cfg config.Config) instances.WebhookSettings {
	settings := instances.WebhookSettings{
		URL:             cfg.WebhookURL(),
		Events:          cfg.MessagingWebhookEvents,
		ExcludeMessages: cfg.MessagingWebhookExclude,
	}
	if settings.URL != "" && cfg.MessagingWebhookSecret != "" {
		settings.CallbackURL = settings.URL + "?secret=" + url.QueryEscape(cfg.MessagingWebhookSecret)
	}
	return settings
}
