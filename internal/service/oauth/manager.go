package oauth

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"restops/internal/apperr"
	"restops/internal/domain"
	"restops/internal/store"
)

const entityExternalAccount = "external_account"

// Provider is the merchant API surface the manager needs.
type Provider interface {
	RequestUserCode(ctx context.Context) (UserCodeResponse, error)
	ExchangeCode(ctx context.Context, codeVerifier string) (TokenResponse, error)
	Refresh(ctx context.Context, refreshToken string) (TokenResponse, error)
}

type Auditor interface {
	Record(ctx context.Context, entry domain.AuditEntry) error
}

// Manager runs the merchant device-authorization flow and explicit token
// refreshes. Token expiry is never checked locally; callers refresh on demand.
type Manager struct {
	provider Provider
	accounts store.AccountStore
	audit    Auditor
	logger   *zap.Logger
	now      func() time.Time
}

func NewManager(provider Provider, accounts store.AccountStore, audit Auditor, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		provider: provider,
		accounts: accounts,
		audit:    audit,
		logger:   logger,
		now:      time.Now,
	}
}

// RequestAuthorizationCode starts the device flow. Nothing is stored; the
// verifier travels back to the caller.
func (m *Manager) RequestAuthorizationCode(ctx context.Context) (domain.AuthorizationSession, error) {
	resp, err := m.provider.RequestUserCode(ctx)
	if err != nil {
		m.logger.Error("merchant user code request failed", zap.Error(err))
		return domain.AuthorizationSession{}, apperr.Wrap(err, apperr.KindExternalService, "Failed to request authorization code from merchant API")
	}
	return domain.AuthorizationSession{
		UserCode:                resp.UserCode,
		VerificationURL:         resp.VerificationURL,
		VerificationURLComplete: resp.VerificationURLComplete,
		CodeVerifier:            resp.AuthorizationCodeVerifier,
		ExpiresIn:               resp.ExpiresIn,
	}, nil
}

type AuthorizeInput struct {
	MerchantID   string `json:"merchant_id"`
	Name         string `json:"name"`
	CodeVerifier string `json:"code_verifier"`
}

// Authorize completes the device flow and registers the merchant account.
// The merchant must be new; that is checked before the token exchange.
func (m *Manager) Authorize(ctx context.Context, actor domain.Actor, in AuthorizeInput) (domain.ExternalAccount, error) {
	in.MerchantID = strings.TrimSpace(in.MerchantID)
	in.Name = strings.TrimSpace(in.Name)
	in.CodeVerifier = strings.TrimSpace(in.CodeVerifier)
	if in.MerchantID == "" || in.CodeVerifier == "" {
		return domain.ExternalAccount{}, apperr.Validation("merchant_id and code_verifier are required")
	}
	if in.Name == "" {
		in.Name = in.MerchantID
	}

	_, err := m.accounts.FindAccountByMerchant(ctx, in.MerchantID)
	switch {
	case err == nil:
		return domain.ExternalAccount{}, apperr.Validation("Merchant account already exists")
	case !errors.Is(err, store.ErrNotFound):
		return domain.ExternalAccount{}, apperr.Wrap(err, apperr.KindInternal, "Failed to look up merchant account")
	}

	tokens, err := m.provider.ExchangeCode(ctx, in.CodeVerifier)
	if err != nil {
		var providerErr *ProviderError
		if errors.As(err, &providerErr) && providerErr.Rejected() {
			m.logger.Warn("merchant rejected authorization code",
				zap.String("merchant_id", in.MerchantID),
				zap.Int("status", providerErr.Status),
			)
			return domain.ExternalAccount{}, apperr.Wrap(err, apperr.KindValidation, "Authorization code rejected by merchant API")
		}
		m.logger.Error("merchant token exchange failed", zap.String("merchant_id", in.MerchantID), zap.Error(err))
		return domain.ExternalAccount{}, apperr.Wrap(err, apperr.KindExternalService, "Failed to exchange authorization code")
	}

	account, err := m.accounts.CreateAccount(ctx, domain.ExternalAccount{
		MerchantID:     in.MerchantID,
		Name:           in.Name,
		AccessToken:    tokens.AccessToken,
		RefreshToken:   tokens.RefreshToken,
		TokenExpiresAt: m.expiry(tokens.ExpiresIn),
		IsActive:       true,
	}, actor.Identity)
	if err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return domain.ExternalAccount{}, apperr.Validation("Merchant account already exists")
		}
		m.logger.Error("store merchant account failed",
			zap.String("merchant_id", in.MerchantID),
			zap.String("identity", actor.Identity),
			zap.Error(err),
		)
		return domain.ExternalAccount{}, apperr.Wrap(err, apperr.KindInternal, "Failed to store merchant account")
	}

	_ = m.audit.Record(ctx, domain.AuditEntry{
		Identity: actor.Identity,
		Action:   "oauth_authorize",
		Entity:   entityExternalAccount,
		EntityID: account.ID,
		NewData: map[string]interface{}{
			"merchant_id":      account.MerchantID,
			"name":             account.Name,
			"token_expires_at": account.TokenExpiresAt,
		},
		IP: actor.IP,
	})
	return account, nil
}

// Refresh swaps the stored refresh token for a new token pair.
func (m *Manager) Refresh(ctx context.Context, actor domain.Actor, accountID string) (domain.ExternalAccount, error) {
	account, err := m.accessibleAccount(ctx, actor, accountID)
	if err != nil {
		return domain.ExternalAccount{}, err
	}
	if strings.TrimSpace(account.RefreshToken) == "" {
		return domain.ExternalAccount{}, apperr.Validation("Account has no refresh token")
	}

	tokens, err := m.provider.Refresh(ctx, account.RefreshToken)
	if err != nil {
		m.logger.Error("merchant token refresh failed", zap.String("account_id", account.ID), zap.Error(err))
		return domain.ExternalAccount{}, apperr.Wrap(err, apperr.KindExternalService, "Failed to refresh merchant token")
	}
	refreshToken := tokens.RefreshToken
	if refreshToken == "" {
		refreshToken = account.RefreshToken
	}
	expiresAt := m.expiry(tokens.ExpiresIn)
	if err := m.accounts.UpdateAccountTokens(ctx, account.ID, tokens.AccessToken, refreshToken, expiresAt); err != nil {
		return domain.ExternalAccount{}, apperr.Wrap(err, apperr.KindInternal, "Failed to store refreshed tokens")
	}

	previousExpiry := account.TokenExpiresAt
	account.AccessToken = tokens.AccessToken
	account.RefreshToken = refreshToken
	account.TokenExpiresAt = expiresAt
	account.UpdatedAt = m.now().UTC()

	_ = m.audit.Record(ctx, domain.AuditEntry{
		Identity: actor.Identity,
		Action:   "oauth_refresh",
		Entity:   entityExternalAccount,
		EntityID: account.ID,
		OldData:  map[string]interface{}{"token_expires_at": previousExpiry},
		NewData:  map[string]interface{}{"token_expires_at": expiresAt},
		IP:       actor.IP,
	})
	return account, nil
}

// Deactivate marks the account inactive. Stored tokens are kept so the
// account can be refreshed again later.
func (m *Manager) Deactivate(ctx context.Context, actor domain.Actor, accountID string) (domain.ExternalAccount, error) {
	account, err := m.accessibleAccount(ctx, actor, accountID)
	if err != nil {
		return domain.ExternalAccount{}, err
	}
	if err := m.accounts.SetAccountActive(ctx, account.ID, false); err != nil {
		return domain.ExternalAccount{}, apperr.Wrap(err, apperr.KindInternal, "Failed to deactivate account")
	}
	wasActive := account.IsActive
	account.IsActive = false

	_ = m.audit.Record(ctx, domain.AuditEntry{
		Identity: actor.Identity,
		Action:   "deactivate",
		Entity:   entityExternalAccount,
		EntityID: account.ID,
		OldData:  map[string]interface{}{"is_active": wasActive},
		NewData:  map[string]interface{}{"is_active": false},
		IP:       actor.IP,
	})
	return account, nil
}

func (m *Manager) ListAccounts(ctx context.Context, actor domain.Actor) ([]domain.ExternalAccount, error) {
	accounts, err := m.accounts.ListAccountsFor(ctx, actor.Identity)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.KindInternal, "Failed to list accounts")
	}
	return accounts, nil
}

// accessibleAccount hides accounts the caller was never granted.
func (m *Manager) accessibleAccount(ctx context.Context, actor domain.Actor, accountID string) (domain.ExternalAccount, error) {
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return domain.ExternalAccount{}, apperr.Validation("account id is required")
	}
	accounts, err := m.accounts.ListAccountsFor(ctx, actor.Identity)
	if err != nil {
		return domain.ExternalAccount{}, apperr.Wrap(err, apperr.KindInternal, "Failed to load account")
	}
	for _, account := range accounts {
		if account.ID == accountID {
			return account, nil
		}
	}
	return domain.ExternalAccount{}, apperr.NotFound("Account not found")
}

func (m *Manager) expiry(expiresIn int64) time.Time {
	if expiresIn <= 0 {
		expiresIn = int64(defaultTokenLifetime.Seconds())
	}
	return m.now().UTC().Add(time.Duration(expiresIn) * time.Second)
}
