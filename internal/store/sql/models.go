package sqlstore

import (
	"time"

	"github.com/uptrace/bun"
)

type rateLimitRecord struct {
	bun.BaseModel `bun:"table:rate_limit_records,alias:rlr"`

	ID           string    `bun:"id,pk"`
	FunctionName string    `bun:"function_name,notnull"`
	Identifier   string    `bun:"identifier,notnull"`
	CreatedAt    time.Time `bun:"created_at,notnull"`
}

type idempotencyKeyRecord struct {
	bun.BaseModel `bun:"table:idempotency_keys,alias:ik"`

	Key       string    `bun:"idempotency_key,pk"`
	CreatedAt time.Time `bun:"created_at,notnull"`
}

type auditLogRecord struct {
	bun.BaseModel `bun:"table:audit_logs,alias:al"`

	ID        string         `bun:"id,pk"`
	Identity  string         `bun:"identity,notnull"`
	Action    string         `bun:"action,notnull"`
	Entity    string         `bun:"entity,notnull"`
	EntityID  string         `bun:"entity_id"`
	OldData   map[string]any `bun:"old_data,type:jsonb"`
	NewData   map[string]any `bun:"new_data,type:jsonb"`
	IP        string         `bun:"ip"`
	CreatedAt time.Time      `bun:"created_at,nullzero,notnull,default:current_timestamp"`
}

type capabilityGrantRecord struct {
	bun.BaseModel `bun:"table:capability_grants,alias:cg"`

	ID          string    `bun:"id,pk"`
	Identity    string    `bun:"identity,notnull,unique:capability_grants_key"`
	FeatureCode string    `bun:"feature_code,notnull,unique:capability_grants_key"`
	Action      string    `bun:"action,notnull,unique:capability_grants_key"`
	CreatedAt   time.Time `bun:"created_at,nullzero,notnull,default:current_timestamp"`
}

type externalAccountRecord struct {
	bun.BaseModel `bun:"table:external_accounts,alias:ea"`

	ID             string    `bun:"id,pk"`
	MerchantID     string    `bun:"merchant_id,notnull,unique"`
	Name           string    `bun:"name"`
	AccessToken    string    `bun:"access_token,notnull"`
	RefreshToken   string    `bun:"refresh_token"`
	TokenExpiresAt time.Time `bun:"token_expires_at,nullzero"`
	IsActive       bool      `bun:"is_active,notnull"`
	CreatedAt      time.Time `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	UpdatedAt      time.Time `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}

type accountMemberRecord struct {
	bun.BaseModel `bun:"table:account_members,alias:am"`

	AccountID string    `bun:"account_id,pk"`
	Identity  string    `bun:"identity,pk"`
	CreatedAt time.Time `bun:"created_at,nullzero,notnull,default:current_timestamp"`
}

type messagingInstanceRecord struct {
	bun.BaseModel `bun:"table:messaging_instances,alias:mi"`

	ID                 string    `bun:"id,pk"`
	Name               string    `bun:"name,notnull"`
	ExternalInstanceID string    `bun:"external_instance_id,notnull"`
	InstanceToken      string    `bun:"instance_token,notnull"`
	Status             string    `bun:"status,notnull"`
	ProfileName        string    `bun:"profile_name"`
	PhoneNumber        string    `bun:"phone_number"`
	WebhookURL         string    `bun:"webhook_url"`
	WebhookEnabled     bool      `bun:"webhook_enabled,notnull"`
	CreatedAt          time.Time `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	UpdatedAt          time.Time `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}
