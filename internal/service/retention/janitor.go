package retention

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"restops/internal/store"
)

// Janitor deletes rate-limit records and idempotency keys past their
// retention. Both tables are append-only, so nothing else ever shrinks them.
type Janitor struct {
	requests         store.RateLimitStore
	keys             store.IdempotencyStore
	requestRetention time.Duration
	keyTTL           time.Duration
	logger           *zap.Logger
	now              func() time.Time
}

type Result struct {
	Requests int
	Keys     int
}

func NewJanitor(requests store.RateLimitStore, keys store.IdempotencyStore, requestRetention, keyTTL time.Duration, logger *zap.Logger) *Janitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Janitor{
		requests:         requests,
		keys:             keys,
		requestRetention: requestRetention,
		keyTTL:           keyTTL,
		logger:           logger,
		now:              time.Now,
	}
}

// RunOnce prunes both stores. A failure in one does not skip the other.
func (j *Janitor) RunOnce(ctx context.Context) (Result, error) {
	now := j.now().UTC()
	var res Result
	var errs []error

	if j.requests != nil && j.requestRetention > 0 {
		n, err := j.requests.PruneRequests(ctx, now.Add(-j.requestRetention))
		if err != nil {
			errs = append(errs, err)
		}
		res.Requests = n
	}
	if j.keys != nil && j.keyTTL > 0 {
		n, err := j.keys.PruneKeys(ctx, now.Add(-j.keyTTL))
		if err != nil {
			errs = append(errs, err)
		}
		res.Keys = n
	}
	return res, errors.Join(errs...)
}

// Run prunes every interval until ctx is done.
func (j *Janitor) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			res, err := j.RunOnce(ctx)
			if err != nil {
				j.logger.Error("retention pass failed", zap.Error(err))
			}
			if res.Requests > 0 || res.Keys > 0 {
				j.logger.Info("retention pass",
					zap.Int("rate_limit_records", res.Requests),
					zap.Int("idempotency_keys", res.Keys),
				)
			}
		}
	}
}
