package store

import (
	"context"
	"errors"
	"time"

	"restops/internal/domain"
)

var (
	ErrNotFound  = errors.New("not found")
	ErrDuplicate = errors.New("duplicate")
)

// RateLimitStore keeps append-only request records. Counting and recording
// are separate calls, so limits are approximate under concurrency.
type RateLimitStore interface {
	CountRequests(ctx context.Context, functionName, key string, since time.Time) (int, error)
	RecordRequest(ctx context.Context, functionName, key string, at time.Time) error
	PruneRequests(ctx context.Context, before time.Time) (int, error)
}

// IdempotencyStore must return ErrDuplicate from InsertKey when the key is
// already present; that is the real enforcement boundary.
type IdempotencyStore interface {
	KeyExists(ctx context.Context, key string) (bool, error)
	InsertKey(ctx context.Context, key string, at time.Time) error
	PruneKeys(ctx context.Context, before time.Time) (int, error)
}

type AuditStore interface {
	AppendAudit(ctx context.Context, entry domain.AuditEntry) error
	ListAudit(ctx context.Context, limit int) ([]domain.AuditEntry, error)
}

type GrantStore interface {
	HasGrant(ctx context.Context, identity, featureCode, action string) (bool, error)
}

type AccountStore interface {
	// CreateAccount stores the account and grants owner access to it in one
	// step; neither is visible unless both succeed. An empty owner skips the
	// grant.
	CreateAccount(ctx context.Context, account domain.ExternalAccount, owner string) (domain.ExternalAccount, error)
	GetAccount(ctx context.Context, id string) (domain.ExternalAccount, error)
	FindAccountByMerchant(ctx context.Context, merchantID string) (domain.ExternalAccount, error)
	UpdateAccountTokens(ctx context.Context, id, accessToken, refreshToken string, expiresAt time.Time) error
	SetAccountActive(ctx context.Context, id string, active bool) error
	GrantAccountAccess(ctx context.Context, accountID, identity string) error
	ListAccountsFor(ctx context.Context, identity string) ([]domain.ExternalAccount, error)
}

type InstanceStore interface {
	CreateInstance(ctx context.Context, instance domain.MessagingInstance) (domain.MessagingInstance, error)
	GetInstance(ctx context.Context, id string) (domain.MessagingInstance, error)
	FindInstanceByExternalID(ctx context.Context, externalID string) (domain.MessagingInstance, error)
	UpdateInstance(ctx context.Context, instance domain.MessagingInstance) error
	DeleteInstance(ctx context.Context, id string) error
	ListInstances(ctx context.Context) ([]domain.MessagingInstance, error)
}

// Store defines the runtime persistence contract used by the gateway.
type Store interface {
	RateLimitStore
	IdempotencyStore
	AuditStore
	GrantStore
	AccountStore
	InstanceStore
}
