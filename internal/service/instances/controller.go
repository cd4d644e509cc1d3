package instances

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"restops/internal/apperr"
	"restops/internal/domain"
	"restops/internal/integrations/events"
	"restops/internal/integrations/messaging"
	"restops/internal/store"
)

const (
	entityInstance = "messaging_instance"

	providerIdentity = "messaging_provider"
	publishTimeout   = 10 * time.Second
)

// Provider is the messaging API surface the controller drives.
type Provider interface {
	InitInstance(ctx context.Context, name string) (messaging.Instance, error)
	Connect(ctx context.Context, instanceToken, phone string) (messaging.ConnectResult, error)
	Status(ctx context.Context, instanceToken string) (messaging.Status, error)
	Disconnect(ctx context.Context, instanceToken string) error
	ConfigureWebhook(ctx context.Context, instanceToken string, cfg messaging.WebhookConfig) error
}

type Auditor interface {
	Record(ctx context.Context, entry domain.AuditEntry) error
}

type EventSink interface {
	Publish(ctx context.Context, event domain.Event) error
}

// WebhookSettings describe the inbound endpoint instances are pointed at once
// they connect. CallbackURL may embed a secret and is never stored.
type WebhookSettings struct {
	URL             string
	CallbackURL     string
	Events          []string
	ExcludeMessages []string
}

func (w WebhookSettings) callback() string {
	if w.CallbackURL != "" {
		return w.CallbackURL
	}
	return w.URL
}

// Controller owns the messaging instance state machine:
// disconnected -> connecting -> connected -> disconnected, delete from any.
type Controller struct {
	provider  Provider
	instances store.InstanceStore
	audit     Auditor
	events    EventSink
	webhook   WebhookSettings
	logger    *zap.Logger
}

func NewController(provider Provider, instances store.InstanceStore, audit Auditor, sink EventSink, webhook WebhookSettings, logger *zap.Logger) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{
		provider:  provider,
		instances: instances,
		audit:     audit,
		events:    sink,
		webhook:   webhook,
		logger:    logger,
	}
}

func (c *Controller) Create(ctx context.Context, actor domain.Actor, name string) (domain.MessagingInstance, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return domain.MessagingInstance{}, apperr.Validation("name is required")
	}
	remote, err := c.provider.InitInstance(ctx, name)
	if err != nil {
		c.logger.Error("messaging instance init failed", zap.String("name", name), zap.Error(err))
		return domain.MessagingInstance{}, apperr.Wrap(err, apperr.KindExternalService, "Failed to create instance with messaging provider")
	}
	instance, err := c.instances.CreateInstance(ctx, domain.MessagingInstance{
		Name:               name,
		ExternalInstanceID: remote.ID,
		InstanceToken:      remote.Token,
		Status:             domain.InstanceDisconnected,
	})
	if err != nil {
		return domain.MessagingInstance{}, apperr.Wrap(err, apperr.KindInternal, "Failed to store instance")
	}

	_ = c.audit.Record(ctx, domain.AuditEntry{
		Identity: actor.Identity,
		Action:   "create",
		Entity:   entityInstance,
		EntityID: instance.ID,
		NewData:  snapshot(instance),
		IP:       actor.IP,
	})
	return instance, nil
}

type ConnectResult struct {
	Instance domain.MessagingInstance `json:"instance"`
	QRCode   string                   `json:"qrcode,omitempty"`
	PairCode string                   `json:"paircode,omitempty"`
}

// Connect starts provider authentication: a QR code without phone, a pairing
// code with one. The code is for a human to approve out of band.
func (c *Controller) Connect(ctx context.Context, actor domain.Actor, id, phone string) (ConnectResult, error) {
	instance, err := c.load(ctx, id)
	if err != nil {
		return ConnectResult{}, err
	}
	creds, err := c.provider.Connect(ctx, instance.InstanceToken, strings.TrimSpace(phone))
	if err != nil {
		c.logger.Error("messaging instance connect failed", zap.String("instance_id", instance.ID), zap.Error(err))
		return ConnectResult{}, apperr.Wrap(err, apperr.KindExternalService, "Failed to connect instance")
	}

	before := instance
	instance.Status = domain.InstanceConnecting
	if err := c.instances.UpdateInstance(ctx, instance); err != nil {
		return ConnectResult{}, c.storeErr(err, "Failed to update instance")
	}
	_ = c.audit.Record(ctx, domain.AuditEntry{
		Identity: actor.Identity,
		Action:   "connect",
		Entity:   entityInstance,
		EntityID: instance.ID,
		OldData:  snapshot(before),
		NewData:  snapshot(instance),
		IP:       actor.IP,
	})
	_ = c.statusChanged(ctx, before.Status, instance)

	return ConnectResult{Instance: instance, QRCode: creds.QRCode, PairCode: creds.PairCode}, nil
}

// PollStatus refreshes the stored status from the provider. The webhook is
// configured only on the transition into connected, never on later polls.
func (c *Controller) PollStatus(ctx context.Context, actor domain.Actor, id string) (domain.MessagingInstance, error) {
	instance, err := c.load(ctx, id)
	if err != nil {
		return domain.MessagingInstance{}, err
	}
	remote, err := c.provider.Status(ctx, instance.InstanceToken)
	if err != nil {
		c.logger.Error("messaging instance status failed", zap.String("instance_id", instance.ID), zap.Error(err))
		return domain.MessagingInstance{}, apperr.Wrap(err, apperr.KindExternalService, "Failed to check instance status")
	}

	before := instance
	instance.Status = DeriveStatus(remote)
	if instance.Status == domain.InstanceConnected {
		if remote.ProfileName != "" {
			instance.ProfileName = remote.ProfileName
		}
		if remote.PhoneNumber != "" {
			instance.PhoneNumber = remote.PhoneNumber
		}
	}
	if instance.Status == domain.InstanceConnected && before.Status != domain.InstanceConnected {
		_ = c.provisionWebhook(ctx, &instance)
	}
	if instance == before {
		return instance, nil
	}

	if err := c.instances.UpdateInstance(ctx, instance); err != nil {
		return domain.MessagingInstance{}, c.storeErr(err, "Failed to update instance")
	}
	if instance.Status != before.Status {
		_ = c.audit.Record(ctx, domain.AuditEntry{
			Identity: actor.Identity,
			Action:   "status_change",
			Entity:   entityInstance,
			EntityID: instance.ID,
			OldData:  snapshot(before),
			NewData:  snapshot(instance),
			IP:       actor.IP,
		})
		_ = c.statusChanged(ctx, before.Status, instance)
	}
	return instance, nil
}

// DeriveStatus maps the provider flags: both set is connected, either one is
// still connecting, neither is disconnected.
func DeriveStatus(s messaging.Status) domain.InstanceStatus {
	switch {
	case s.Connected && s.LoggedIn:
		return domain.InstanceConnected
	case s.Connected || s.LoggedIn:
		return domain.InstanceConnecting
	default:
		return domain.InstanceDisconnected
	}
}

func (c *Controller) Disconnect(ctx context.Context, actor domain.Actor, id string) (domain.MessagingInstance, error) {
	instance, err := c.load(ctx, id)
	if err != nil {
		return domain.MessagingInstance{}, err
	}
	if err := c.provider.Disconnect(ctx, instance.InstanceToken); err != nil {
		c.logger.Error("messaging instance disconnect failed", zap.String("instance_id", instance.ID), zap.Error(err))
		return domain.MessagingInstance{}, apperr.Wrap(err, apperr.KindExternalService, "Failed to disconnect instance")
	}

	before := instance
	instance.Status = domain.InstanceDisconnected
	instance.ProfileName = ""
	instance.PhoneNumber = ""
	if err := c.instances.UpdateInstance(ctx, instance); err != nil {
		return domain.MessagingInstance{}, c.storeErr(err, "Failed to update instance")
	}
	_ = c.audit.Record(ctx, domain.AuditEntry{
		Identity: actor.Identity,
		Action:   "disconnect",
		Entity:   entityInstance,
		EntityID: instance.ID,
		OldData:  snapshot(before),
		NewData:  snapshot(instance),
		IP:       actor.IP,
	})
	_ = c.statusChanged(ctx, before.Status, instance)
	return instance, nil
}

// Delete removes the local record whatever the provider says about the
// disconnect that precedes it.
func (c *Controller) Delete(ctx context.Context, actor domain.Actor, id string) error {
	instance, err := c.load(ctx, id)
	if err != nil {
		return err
	}
	if err := c.provider.Disconnect(ctx, instance.InstanceToken); err != nil {
		c.logger.Warn("disconnect before delete failed, deleting anyway",
			zap.String("instance_id", instance.ID),
			zap.Error(err),
		)
	}
	if err := c.instances.DeleteInstance(ctx, instance.ID); err != nil {
		return c.storeErr(err, "Failed to delete instance")
	}
	_ = c.audit.Record(ctx, domain.AuditEntry{
		Identity: actor.Identity,
		Action:   "delete",
		Entity:   entityInstance,
		EntityID: instance.ID,
		OldData:  snapshot(instance),
		IP:       actor.IP,
	})
	return nil
}

func (c *Controller) List(ctx context.Context) ([]domain.MessagingInstance, error) {
	list, err := c.instances.ListInstances(ctx)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.KindInternal, "Failed to list instances")
	}
	return list, nil
}

// ReceiveWebhook turns a provider callback into an internal event. Instance
// state is only ever changed by the polling path.
func (c *Controller) ReceiveWebhook(ctx context.Context, ip string, payload map[string]interface{}) error {
	if len(payload) == 0 {
		return apperr.Validation("empty webhook payload")
	}
	subject := externalID(payload)
	entityID := ""
	if subject != "" {
		instance, err := c.instances.FindInstanceByExternalID(ctx, subject)
		switch {
		case err == nil:
			entityID = instance.ID
		case errors.Is(err, store.ErrNotFound):
			c.logger.Warn("webhook for unknown instance", zap.String("external_instance_id", subject))
		default:
			c.logger.Error("webhook instance lookup failed", zap.Error(err))
		}
	}
	eventName, _ := payload["EventType"].(string)
	if eventName == "" {
		eventName, _ = payload["event"].(string)
	}

	_ = c.audit.Record(ctx, domain.AuditEntry{
		Identity: providerIdentity,
		Action:   "webhook_received",
		Entity:   entityInstance,
		EntityID: entityID,
		NewData:  map[string]interface{}{"event": eventName, "external_instance_id": subject},
		IP:       ip,
	})
	_ = c.publish(ctx, events.New(domain.EventMessagingWebhookReceived, entityID, payload))
	return nil
}

func (c *Controller) provisionWebhook(ctx context.Context, instance *domain.MessagingInstance) error {
	if c.webhook.callback() == "" {
		c.logger.Warn("webhook url not configured, skipping provisioning", zap.String("instance_id", instance.ID))
		return nil
	}
	cfg := messaging.WebhookConfig{
		Enabled:         true,
		URL:             c.webhook.callback(),
		Events:          c.webhook.Events,
		ExcludeMessages: c.webhook.ExcludeMessages,
	}
	if err := c.provider.ConfigureWebhook(ctx, instance.InstanceToken, cfg); err != nil {
		c.logger.Error("webhook provisioning failed",
			zap.String("instance_id", instance.ID),
			zap.Error(err),
		)
		return err
	}
	instance.WebhookEnabled = true
	instance.WebhookURL = c.webhook.URL
	_ = c.publish(ctx, events.New(domain.EventInstanceWebhookConfigured, instance.ID, map[string]interface{}{
		"webhook_url": instance.WebhookURL,
	}))
	return nil
}

func (c *Controller) statusChanged(ctx context.Context, previous domain.InstanceStatus, instance domain.MessagingInstance) error {
	if previous == instance.Status {
		return nil
	}
	return c.publish(ctx, events.New(domain.EventInstanceStatusChanged, instance.ID, map[string]interface{}{
		"previous_status": string(previous),
		"status":          string(instance.Status),
	}))
}

func (c *Controller) publish(ctx context.Context, event domain.Event) error {
	if c.events == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	if err := c.events.Publish(ctx, event); err != nil {
		c.logger.Warn("event publish failed",
			zap.String("event_id", event.ID),
			zap.String("event_type", string(event.Type)),
			zap.Error(err),
		)
		return err
	}
	return nil
}

func (c *Controller) load(ctx context.Context, id string) (domain.MessagingInstance, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.MessagingInstance{}, apperr.Validation("instance id is required")
	}
	instance, err := c.instances.GetInstance(ctx, id)
	if err != nil {
		return domain.MessagingInstance{}, c.storeErr(err, "Failed to load instance")
	}
	return instance, nil
}

func (c *Controller) storeErr(err error, message string) error {
	if errors.Is(err, store.ErrNotFound) {
		return apperr.NotFound("Instance not found")
	}
	return apperr.Wrap(err, apperr.KindInternal, message)
}

func snapshot(instance domain.MessagingInstance) map[string]interface{} {
	return map[string]interface{}{
		"name":            instance.Name,
		"status":          string(instance.Status),
		"profile_name":    instance.ProfileName,
		"phone_number":    instance.PhoneNumber,
		"webhook_enabled": instance.WebhookEnabled,
	}
}

func externalID(payload map[string]interface{}) string {
	for _, key := range []string{"instance", "instanceId", "instance_id"} {
		if v, ok := payload[key].(string); ok && v != "" {
			return v
		}
	}
	return ""
}
