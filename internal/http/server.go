package http

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"restops/internal/apperr"
	"restops/internal/gateway"
	"restops/internal/service/instances"
	"restops/internal/service/oauth"
	storepkg "restops/internal/store"
)

const (
	featureMerchantAccounts   = "merchant_accounts"
	featureMessagingInstances = "messaging_instances"
	featureAuditLog           = "audit_log"

	headerWebhookSecret = "X-Webhook-Secret"

	defaultAuditLimit = 50
	maxAuditLimit     = 200
)

type Server struct {
	pipeline      *gateway.Pipeline
	accounts      *oauth.Manager
	instances     *instances.Controller
	audit         storepkg.AuditStore
	webhookSecret string
	logger        *zap.Logger
}

func NewServer(
	pipeline *gateway.Pipeline,
	accounts *oauth.Manager,
	controller *instances.Controller,
	audit storepkg.AuditStore,
	webhookSecret string,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		pipeline:      pipeline,
		accounts:      accounts,
		instances:     controller,
		audit:         audit,
		webhookSecret: webhookSecret,
		logger:        logger,
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Recoverer)
	p := s.pipeline

	r.Handle("/health", p.Endpoint(gateway.Route{
		Name: "health", Methods: get, Public: true, Handle: s.handleHealth,
	}))

	r.Handle("/merchant/oauth/user-code", p.Endpoint(gateway.Route{
		Name:       "merchant-oauth-user-code",
		Permission: can(featureMerchantAccounts, "create"),
		RateLimit:  perMinute(10),
		Handle:     s.handleRequestUserCode,
	}))
	r.Handle("/merchant/oauth/authorize", p.Endpoint(gateway.Route{
		Name:       "merchant-oauth-authorize",
		Permission: can(featureMerchantAccounts, "create"),
		RateLimit:  perMinute(5),
		Idempotent: true,
		Handle:     s.handleAuthorize,
	}))
	r.Handle("/merchant/accounts", p.Endpoint(gateway.Route{
		Name:       "merchant-accounts-list",
		Methods:    get,
		Permission: can(featureMerchantAccounts, "read"),
		Handle:     s.handleListAccounts,
	}))
	r.Handle("/merchant/accounts/{id}/refresh", p.Endpoint(gateway.Route{
		Name:       "merchant-oauth-refresh",
		Permission: can(featureMerchantAccounts, "update"),
		RateLimit:  perMinute(10),
		Idempotent: true,
		Handle:     s.handleRefresh,
	}))
	r.Handle("/merchant/accounts/{id}/deactivate", p.Endpoint(gateway.Route{
		Name:       "merchant-account-deactivate",
		Permission: can(featureMerchantAccounts, "update"),
		Idempotent: true,
		Handle:     s.handleDeactivate,
	}))

	r.Handle("/messaging/instances", p.Endpoint(
		gateway.Route{
			Name:       "messaging-instance-create",
			Permission: can(featureMessagingInstances, "create"),
			RateLimit:  perMinute(5),
			Idempotent: true,
			Handle:     s.handleCreateInstance,
		},
		gateway.Route{
			Name:       "messaging-instance-list",
			Methods:    get,
			Permission: can(featureMessagingInstances, "read"),
			Handle:     s.handleListInstances,
		},
	))
	r.Handle("/messaging/instances/{id}/connect", p.Endpoint(gateway.Route{
		Name:       "messaging-instance-connect",
		Permission: can(featureMessagingInstances, "update"),
		RateLimit:  perMinute(10),
		Handle:     s.handleConnect,
	}))
	r.Handle("/messaging/instances/{id}/status", p.Endpoint(gateway.Route{
		Name:       "messaging-instance-status",
		Methods:    []string{http.MethodGet, http.MethodPost},
		Permission: can(featureMessagingInstances, "read"),
		RateLimit:  perMinute(60),
		Handle:     s.handlePollStatus,
	}))
	r.Handle("/messaging/instances/{id}/disconnect", p.Endpoint(gateway.Route{
		Name:       "messaging-instance-disconnect",
		Permission: can(featureMessagingInstances, "update"),
		Idempotent: true,
		Handle:     s.handleDisconnect,
	}))
	r.Handle("/messaging/instances/{id}/delete", p.Endpoint(gateway.Route{
		Name:       "messaging-instance-delete",
		Methods:    []string{http.MethodDelete, http.MethodPost},
		Permission: can(featureMessagingInstances, "delete"),
		Idempotent: true,
		Handle:     s.handleDeleteInstance,
	}))

	r.Handle("/webhooks/messaging", p.Endpoint(gateway.Route{
		Name:      "messaging-webhook",
		Public:    true,
		RateLimit: perMinute(120),
		Handle:    s.handleMessagingWebhook,
	}))

	r.Handle("/audit", p.Endpoint(gateway.Route{
		Name:       "audit-list",
		Methods:    get,
		Permission: can(featureAuditLog, "read"),
		Handle:     s.handleListAudit,
	}))

	return r
}

var get = []string{http.MethodGet}

func can(feature, action string) *gateway.Permission {
	return &gateway.Permission{Feature: feature, Action: action}
}

func perMinute(n int) *gateway.RateLimit {
	return &gateway.RateLimit{Max: n, Window: time.Minute}
}

func (s *Server) handleHealth(context.Context, *gateway.Request) (gateway.Response, error) {
	return gateway.OK(map[string]interface{}{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	}), nil
}

func (s *Server) handleRequestUserCode(ctx context.Context, _ *gateway.Request) (gateway.Response, error) {
	session, err := s.accounts.RequestAuthorizationCode(ctx)
	if err != nil {
		return gateway.Response{}, err
	}
	return gateway.OK(session), nil
}

func (s *Server) handleAuthorize(ctx context.Context, req *gateway.Request) (gateway.Response, error) {
	var in oauth.AuthorizeInput
	if err := req.Decode(&in); err != nil {
		return gateway.Response{}, err
	}
	account, err := s.accounts.Authorize(ctx, req.Actor(), in)
	if err != nil {
		return gateway.Response{}, err
	}
	return gateway.Created(map[string]interface{}{"account": account}), nil
}

func (s *Server) handleRefresh(ctx context.Context, req *gateway.Request) (gateway.Response, error) {
	account, err := s.accounts.Refresh(ctx, req.Actor(), req.Param("id"))
	if err != nil {
		return gateway.Response{}, err
	}
	return gateway.OK(map[string]interface{}{"account": account}), nil
}

func (s *Server) handleDeactivate(ctx context.Context, req *gateway.Request) (gateway.Response, error) {
	account, err := s.accounts.Deactivate(ctx, req.Actor(), req.Param("id"))
	if err != nil {
		return gateway.Response{}, err
	}
	return gateway.OK(map[string]interface{}{"account": account}), nil
}

func (s *Server) handleListAccounts(ctx context.Context, req *gateway.Request) (gateway.Response, error) {
	accounts, err := s.accounts.ListAccounts(ctx, req.Actor())
	if err != nil {
		return gateway.Response{}, err
	}
	return gateway.OK(map[string]interface{}{"accounts": accounts}), nil
}

func (s *Server) handleCreateInstance(ctx context.Context, req *gateway.Request) (gateway.Response, error) {
	var in struct {
		Name string `json:"name"`
	}
	if err := req.Decode(&in); err != nil {
		return gateway.Response{}, err
	}
	instance, err := s.instances.Create(ctx, req.Actor(), in.Name)
	if err != nil {
		return gateway.Response{}, err
	}
	return gateway.Created(map[string]interface{}{"instance": instance}), nil
}

func (s *Server) handleListInstances(ctx context.Context, _ *gateway.Request) (gateway.Response, error) {
	list, err := s.instances.List(ctx)
	if err != nil {
		return gateway.Response{}, err
	}
	return gateway.OK(map[string]interface{}{"instances": list}), nil
}

func (s *Server) handleConnect(ctx context.Context, req *gateway.Request) (gateway.Response, error) {
	var in struct {
		Phone string `json:"phone"`
	}
	if err := req.Decode(&in); err != nil {
		return gateway.Response{}, err
	}
	result, err := s.instances.Connect(ctx, req.Actor(), req.Param("id"), in.Phone)
	if err != nil {
		return gateway.Response{}, err
	}
	return gateway.OK(result), nil
}

func (s *Server) handlePollStatus(ctx context.Context, req *gateway.Request) (gateway.Response, error) {
	instance, err := s.instances.PollStatus(ctx, req.Actor(), req.Param("id"))
	if err != nil {
		return gateway.Response{}, err
	}
	return gateway.OK(map[string]interface{}{"instance": instance}), nil
}

func (s *Server) handleDisconnect(ctx context.Context, req *gateway.Request) (gateway.Response, error) {
	instance, err := s.instances.Disconnect(ctx, req.Actor(), req.Param("id"))
	if err != nil {
		return gateway.Response{}, err
	}
	return gateway.OK(map[string]interface{}{"instance": instance}), nil
}

func (s *Server) handleDeleteInstance(ctx context.Context, req *gateway.Request) (gateway.Response, error) {
	if err := s.instances.Delete(ctx, req.Actor(), req.Param("id")); err != nil {
		return gateway.Response{}, err
	}
	return gateway.OK(map[string]interface{}{"deleted": true}), nil
}

// The provider cannot send a bearer token, so the callback URL carries a
// shared secret instead.
func (s *Server) handleMessagingWebhook(ctx context.Context, req *gateway.Request) (gateway.Response, error) {
	provided := req.Query("secret")
	if provided == "" {
		provided = req.HTTP.Header.Get(headerWebhookSecret)
	}
	if s.webhookSecret == "" || subtle.ConstantTimeCompare([]byte(provided), []byte(s.webhookSecret)) != 1 {
		return gateway.Response{}, apperr.Unauthorized("Invalid webhook secret")
	}

	var payload map[string]interface{}
	if err := req.Decode(&payload); err != nil {
		return gateway.Response{}, err
	}
	if err := s.instances.ReceiveWebhook(ctx, req.ClientIP, payload); err != nil {
		return gateway.Response{}, err
	}
	return gateway.OK(map[string]interface{}{"received": true}), nil
}

func (s *Server) handleListAudit(ctx context.Context, req *gateway.Request) (gateway.Response, error) {
	limit := parseInt(req.Query("limit"), defaultAuditLimit)
	if limit > maxAuditLimit {
		limit = maxAuditLimit
	}
	entries, err := s.audit.ListAudit(ctx, limit)
	if err != nil {
		s.logger.Error("audit listing failed", zap.Error(err))
		return gateway.Response{}, apperr.Wrap(err, apperr.KindInternal, "Failed to list audit entries")
	}
	return gateway.OK(map[string]interface{}{"entries": entries}), nil
}

func parseInt(raw string, fallback int) int {
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return fallback
	}
	return v
}
