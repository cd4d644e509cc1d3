package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"restops/internal/apperr"
	"restops/internal/domain"
	"restops/internal/gateway"
	"restops/internal/store"
	"restops/internal/store/memory"
)

type fakeMerchant struct {
	server        *httptest.Server
	tokenCalls    atomic.Int32
	refreshSerial atomic.Int32

	mu          sync.Mutex
	tokenStatus int
	lastForm    map[string]string
}

func (f *fakeMerchant) form() map[string]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastForm
}

func (f *fakeMerchant) setTokenStatus(status int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tokenStatus = status
}

func newFakeMerchant(t *testing.T) *fakeMerchant {
	t.Helper()
	f := &fakeMerchant{tokenStatus: http.StatusOK}
	f.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		form := map[string]string{}
		for k := range r.PostForm {
			form[k] = r.PostForm.Get(k)
		}
		f.mu.Lock()
		f.lastForm = form
		status := f.tokenStatus
		f.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case userCodePath:
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"userCode":                  "ABCD-EFGH",
				"authorizationCodeVerifier": "verifier-1",
				"verificationUrl":           "https://portal.example.com/apps",
				"verificationUrlComplete":   "https://portal.example.com/apps/ABCD-EFGH",
				"expiresIn":                 600,
			})
		case tokenPath:
			f.tokenCalls.Add(1)
			if status != http.StatusOK {
				w.WriteHeader(status)
				_, _ = w.Write([]byte(`{"error":"invalid_grant"}`))
				return
			}
			serial := f.refreshSerial.Add(1)
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"accessToken":  "access-" + string(rune('0'+serial)),
				"refreshToken": "refresh-" + string(rune('0'+serial)),
				"type":         "bearer",
				"expiresIn":    21600,
			})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(f.server.Close)
	return f
}

func newTestManager(t *testing.T, merchant *fakeMerchant) (*Manager, *memory.Store) {
	t.Helper()
	s := memory.NewStore()
	client := NewMerchantClient(merchant.server.URL, "client-id", "client-secret", time.Second)
	m := NewManager(client, s, gateway.NewAuditRecorder(s, nil), nil)
	m.now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	return m, s
}

var owner = domain.Actor{Identity: "user-1", IP: "203.0.113.9"}

func TestRequestAuthorizationCode(t *testing.T) {
	merchant := newFakeMerchant(t)
	m, _ := newTestManager(t, merchant)

	session, err := m.RequestAuthorizationCode(context.Background())
	require.NoError(t, err)
	require.Equal(t, "ABCD-EFGH", session.UserCode)
	require.Equal(t, "verifier-1", session.CodeVerifier)
	require.EqualValues(t, 600, session.ExpiresIn)
	require.Equal(t, "client-id", merchant.form()["clientId"])
	require.NotContains(t, merchant.form(), "clientSecret")
}

func TestAuthorizeIsUniquePerMerchant(t *testing.T) {
	merchant := newFakeMerchant(t)
	m, s := newTestManager(t, merchant)
	ctx := context.Background()

	account, err := m.Authorize(ctx, owner, AuthorizeInput{MerchantID: "M1", Name: "Bistro", CodeVerifier: "verifier-1"})
	require.NoError(t, err)
	require.Equal(t, "access-1", account.AccessToken)
	require.Equal(t, time.Date(2026, 3, 1, 18, 0, 0, 0, time.UTC), account.TokenExpiresAt)
	require.Equal(t, "authorization_code", merchant.form()["grantType"])
	require.Equal(t, "verifier-1", merchant.form()["authorizationCode"])
	require.Equal(t, "verifier-1", merchant.form()["authorizationCodeVerifier"])

	_, err = m.Authorize(ctx, owner, AuthorizeInput{MerchantID: "M1", Name: "Bistro", CodeVerifier: "verifier-2"})
	require.True(t, apperr.Is(err, apperr.KindValidation))
	require.EqualValues(t, 1, merchant.tokenCalls.Load(), "duplicate must fail before the token exchange")

	mine, err := s.ListAccountsFor(ctx, owner.Identity)
	require.NoError(t, err)
	require.Len(t, mine, 1)

	entries, err := s.ListAudit(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "oauth_authorize", entries[0].Action)
	require.NotContains(t, entries[0].NewData, "access_token")
}

// failingAccounts rejects the next account creation, the way a store does
// when the owner grant cannot be written and the whole insert is undone.
type failingAccounts struct {
	*memory.Store
	failNext atomic.Bool
}

func (f *failingAccounts) CreateAccount(ctx context.Context, account domain.ExternalAccount, owner string) (domain.ExternalAccount, error) {
	if f.failNext.CompareAndSwap(true, false) {
		return domain.ExternalAccount{}, errors.New("insert account member: database is locked")
	}
	return f.Store.CreateAccount(ctx, account, owner)
}

func TestAuthorizeFailedStoreLeavesMerchantRetryable(t *testing.T) {
	merchant := newFakeMerchant(t)
	accounts := &failingAccounts{Store: memory.NewStore()}
	accounts.failNext.Store(true)
	client := NewMerchantClient(merchant.server.URL, "client-id", "client-secret", time.Second)
	m := NewManager(client, accounts, gateway.NewAuditRecorder(accounts.Store, nil), nil)
	ctx := context.Background()

	_, err := m.Authorize(ctx, owner, AuthorizeInput{MerchantID: "M9", CodeVerifier: "verifier-1"})
	require.True(t, apperr.Is(err, apperr.KindInternal))

	_, err = accounts.FindAccountByMerchant(ctx, "M9")
	require.ErrorIs(t, err, store.ErrNotFound)
	mine, err := accounts.ListAccountsFor(ctx, owner.Identity)
	require.NoError(t, err)
	require.Empty(t, mine)

	account, err := m.Authorize(ctx, owner, AuthorizeInput{MerchantID: "M9", CodeVerifier: "verifier-2"})
	require.NoError(t, err)
	mine, err = accounts.ListAccountsFor(ctx, owner.Identity)
	require.NoError(t, err)
	require.Len(t, mine, 1)
	require.Equal(t, account.ID, mine[0].ID)

	entries, err := accounts.ListAudit(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestAuthorizeMapsProviderFailures(t *testing.T) {
	merchant := newFakeMerchant(t)
	m, _ := newTestManager(t, merchant)
	ctx := context.Background()

	merchant.setTokenStatus(http.StatusBadRequest)
	_, err := m.Authorize(ctx, owner, AuthorizeInput{MerchantID: "M2", CodeVerifier: "bad"})
	require.True(t, apperr.Is(err, apperr.KindValidation))

	merchant.setTokenStatus(http.StatusServiceUnavailable)
	_, err = m.Authorize(ctx, owner, AuthorizeInput{MerchantID: "M2", CodeVerifier: "ok"})
	require.True(t, apperr.Is(err, apperr.KindExternalService))

	merchant.server.Close()
	_, err = m.Authorize(ctx, owner, AuthorizeInput{MerchantID: "M2", CodeVerifier: "ok"})
	require.True(t, apperr.Is(err, apperr.KindExternalService))

	_, err = m.Authorize(ctx, owner, AuthorizeInput{MerchantID: "", CodeVerifier: "ok"})
	require.True(t, apperr.Is(err, apperr.KindValidation))
}

func TestRefresh(t *testing.T) {
	merchant := newFakeMerchant(t)
	m, s := newTestManager(t, merchant)
	ctx := context.Background()

	bare, err := s.CreateAccount(ctx, domain.ExternalAccount{MerchantID: "M3", AccessToken: "old", IsActive: true}, owner.Identity)
	require.NoError(t, err)
	_, err = m.Refresh(ctx, owner, bare.ID)
	require.True(t, apperr.Is(err, apperr.KindValidation))

	account, err := m.Authorize(ctx, owner, AuthorizeInput{MerchantID: "M4", CodeVerifier: "verifier-1"})
	require.NoError(t, err)
	m.now = func() time.Time { return time.Date(2026, 3, 1, 20, 0, 0, 0, time.UTC) }

	refreshed, err := m.Refresh(ctx, owner, account.ID)
	require.NoError(t, err)
	require.Equal(t, "refresh_token", merchant.form()["grantType"])
	require.Equal(t, "refresh-1", merchant.form()["refreshToken"])

	stored, err := s.GetAccount(ctx, account.ID)
	require.NoError(t, err)
	require.Equal(t, "access-2", stored.AccessToken)
	require.Equal(t, "refresh-2", stored.RefreshToken)
	require.Equal(t, time.Date(2026, 3, 2, 2, 0, 0, 0, time.UTC), stored.TokenExpiresAt)
	require.Equal(t, stored.AccessToken, refreshed.AccessToken)

	_, err = m.Refresh(ctx, domain.Actor{Identity: "someone-else"}, account.ID)
	require.True(t, apperr.Is(err, apperr.KindNotFound))
}

func TestDeactivateAndList(t *testing.T) {
	merchant := newFakeMerchant(t)
	m, _ := newTestManager(t, merchant)
	ctx := context.Background()

	account, err := m.Authorize(ctx, owner, AuthorizeInput{MerchantID: "M5", CodeVerifier: "verifier-1"})
	require.NoError(t, err)

	deactivated, err := m.Deactivate(ctx, owner, account.ID)
	require.NoError(t, err)
	require.False(t, deactivated.IsActive)

	accounts, err := m.ListAccounts(ctx, owner)
	require.NoError(t, err)
	require.Len(t, accounts, 1)
	require.False(t, accounts[0].IsActive)

	none, err := m.ListAccounts(ctx, domain.Actor{Identity: "stranger"})
	require.NoError(t, err)
	require.Empty(t, none)
}
