package domain

import "time"

// Identity is the resolved caller of a request.
type Identity struct {
	ID string `json:"id"`
}

func (i Identity) IsZero() bool {
	return i.ID == ""
}

// Actor is the identity and client address behind a state change, carried
// into audit entries.
type Actor struct {
	Identity string
	IP       string
}

type CapabilityGrant struct {
	Identity    string `json:"identity"`
	FeatureCode string `json:"feature_code"`
	Action      string `json:"action"`
}

type AuditEntry struct {
	ID        string                 `json:"id"`
	Identity  string                 `json:"identity"`
	Action    string                 `json:"action"`
	Entity    string                 `json:"entity"`
	EntityID  string                 `json:"entity_id"`
	OldData   map[string]interface{} `json:"old_data,omitempty"`
	NewData   map[string]interface{} `json:"new_data,omitempty"`
	IP        string                 `json:"ip,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
}

type ExternalAccount struct {
	ID             string    `json:"id"`
	MerchantID     string    `json:"merchant_id"`
	Name           string    `json:"name"`
	AccessToken    string    `json:"-"`
	RefreshToken   string    `json:"-"`
	TokenExpiresAt time.Time `json:"token_expires_at"`
	IsActive       bool      `json:"is_active"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// AuthorizationSession is returned by the first device-flow step and never
// persisted. CodeVerifier must come back unmodified to complete authorization.
type AuthorizationSession struct {
	UserCode                string `json:"user_code"`
	VerificationURL         string `json:"verification_url"`
	VerificationURLComplete string `json:"verification_url_complete,omitempty"`
	CodeVerifier            string `json:"code_verifier"`
	ExpiresIn               int64  `json:"expires_in"`
}

type InstanceStatus string

const (
	InstanceDisconnected InstanceStatus = "disconnected"
	InstanceConnecting   InstanceStatus = "connecting"
	InstanceConnected    InstanceStatus = "connected"
)

type MessagingInstance struct {
	ID                 string         `json:"id"`
	Name               string         `json:"name"`
	ExternalInstanceID string         `json:"external_instance_id"`
	InstanceToken      string         `json:"-"`
	Status             InstanceStatus `json:"status"`
	ProfileName        string         `json:"profile_name,omitempty"`
	PhoneNumber        string         `json:"phone_number,omitempty"`
	WebhookURL         string         `json:"webhook_url,omitempty"`
	WebhookEnabled     bool           `json:"webhook_enabled"`
	CreatedAt          time.Time      `json:"created_at"`
	UpdatedAt          time.Time      `json:"updated_at"`
}

type EventType string

const (
	EventInstanceStatusChanged     EventType = "instance.status_changed"
	EventInstanceWebhookConfigured EventType = "instance.webhook_configured"
	EventMessagingWebhookReceived  EventType = "messaging.webhook_received"
)

// Event is an internal notification pushed to subscribers alongside the
// polling contract.
type Event struct {
	ID        string                 `json:"event_id"`
	Type      EventType              `json:"event_type"`
	Subject   string                 `json:"subject,omitempty"`
	Payload   map[string]interface{} `json:"payload"`
	CreatedAt time.Time              `json:"created_at"`
}
