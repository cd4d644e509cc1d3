package gateway

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"restops/internal/apperr"
	"restops/internal/domain"
	"restops/internal/store"
)

// Permission is the (feature, action) pair a route requires.
type Permission struct {
	Feature string
	Action  string
}

// CapabilityChecker denies when the grant is missing and also when the grant
// lookup itself fails.
type CapabilityChecker struct {
	grants store.GrantStore
	logger *zap.Logger
}

func NewCapabilityChecker(grants store.GrantStore, logger *zap.Logger) *CapabilityChecker {
	return &CapabilityChecker{grants: grants, logger: orNop(logger)}
}

func (c *CapabilityChecker) Check(ctx context.Context, identity domain.Identity, perm Permission) error {
	ok, err := c.grants.HasGrant(ctx, identity.ID, perm.Feature, perm.Action)
	if err != nil {
		c.logger.Error("capability evaluation failed",
			zap.String("identity", identity.ID),
			zap.String("feature", perm.Feature),
			zap.String("action", perm.Action),
			zap.Error(err),
		)
		return apperr.Wrap(err, apperr.KindForbidden, "Permission check failed")
	}
	if !ok {
		return apperr.Forbidden("Permission denied: " + perm.Feature + ":" + perm.Action)
	}
	return nil
}

// RateLimit bounds a route to Max requests per trailing Window.
type RateLimit struct {
	Max    int
	Window time.Duration
}

// RateLimiter counts then records, so concurrent callers can both pass near
// the limit. A failing count lets the request through.
type RateLimiter struct {
	store  store.RateLimitStore
	logger *zap.Logger
	now    func() time.Time
}

func NewRateLimiter(records store.RateLimitStore, logger *zap.Logger) *RateLimiter {
	return &RateLimiter{store: records, logger: orNop(logger), now: time.Now}
}

func (l *RateLimiter) Allow(ctx context.Context, functionName, key string, limit RateLimit) error {
	if limit.Max <= 0 || limit.Window <= 0 {
		return nil
	}
	now := l.now().UTC()
	count, err := l.store.CountRequests(ctx, functionName, key, now.Add(-limit.Window))
	if err != nil {
		l.logger.Warn("rate limit check failed, allowing request",
			zap.String("function", functionName),
			zap.String("key", key),
			zap.Error(err),
		)
		return nil
	}
	if count >= limit.Max {
		return apperr.RateLimited("Rate limit exceeded. Please try again later.")
	}
	if err := l.store.RecordRequest(ctx, functionName, key, now); err != nil {
		l.logger.Warn("rate limit record failed",
			zap.String("function", functionName),
			zap.String("key", key),
			zap.Error(err),
		)
	}
	return nil
}

// IdempotencyGuard rejects a request whose key was already seen. The store's
// unique key is what actually enforces it; the lookup only fails fast.
type IdempotencyGuard struct {
	store store.IdempotencyStore
	now   func() time.Time
}

func NewIdempotencyGuard(keys store.IdempotencyStore) *IdempotencyGuard {
	return &IdempotencyGuard{store: keys, now: time.Now}
}

func (g *IdempotencyGuard) Check(ctx context.Context, key string) error {
	if key == "" {
		return nil
	}
	exists, err := g.store.KeyExists(ctx, key)
	if err != nil {
		return apperr.Wrap(err, apperr.KindInternal, "Idempotency check failed")
	}
	if exists {
		return apperr.Conflict("Duplicate request")
	}
	if err := g.store.InsertKey(ctx, key, g.now().UTC()); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return apperr.Conflict("Duplicate request")
		}
		return apperr.Wrap(err, apperr.KindInternal, "Idempotency check failed")
	}
	return nil
}

// AuditRecorder writes audit entries on a best-effort basis. Record logs any
// failure and returns it so callers discard it explicitly.
type AuditRecorder struct {
	store  store.AuditStore
	logger *zap.Logger
	now    func() time.Time
}

func NewAuditRecorder(entries store.AuditStore, logger *zap.Logger) *AuditRecorder {
	return &AuditRecorder{store: entries, logger: orNop(logger), now: time.Now}
}

func (a *AuditRecorder) Record(ctx context.Context, entry domain.AuditEntry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = a.now().UTC()
	}
	if err := a.store.AppendAudit(ctx, entry); err != nil {
		a.logger.Error("audit log failed",
			zap.String("action", entry.Action),
			zap.String("entity", entry.Entity),
			zap.String("entity_id", entry.EntityID),
			zap.Error(err),
		)
		return err
	}
	return nil
}

func orNop(logger *zap.Logger) *zap.Logger {
	if logger == nil {
		return zap.NewNop()
	}
	return logger
}
