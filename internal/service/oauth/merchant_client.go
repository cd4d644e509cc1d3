package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	userCodePath = "/authentication/v1.0/oauth/userCode"
	tokenPath    = "/authentication/v1.0/oauth/token"

	defaultTokenLifetime = time.Hour
)

// MerchantClient speaks the merchant API's device-authorization protocol.
// All requests use the application credentials, never per-account ones.
type MerchantClient struct {
	BaseURL      string
	ClientID     string
	ClientSecret string
	HTTPClient   *http.Client
}

func NewMerchantClient(baseURL, clientID, clientSecret string, timeout time.Duration) *MerchantClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &MerchantClient{
		BaseURL:      strings.TrimRight(baseURL, "/"),
		ClientID:     clientID,
		ClientSecret: clientSecret,
		HTTPClient:   &http.Client{Timeout: timeout},
	}
}

type UserCodeResponse struct {
	UserCode                  string `json:"userCode"`
	AuthorizationCodeVerifier string `json:"authorizationCodeVerifier"`
	VerificationURL           string `json:"verificationUrl"`
	VerificationURLComplete   string `json:"verificationUrlComplete"`
	ExpiresIn                 int64  `json:"expiresIn"`
}

type TokenResponse struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	Type         string `json:"type"`
	ExpiresIn    int64  `json:"expiresIn"`
}

// ProviderError is a non-2xx answer from the merchant API.
type ProviderError struct {
	Status int
	Body   string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("merchant api responded with status %d", e.Status)
}

// Rejected reports whether the provider refused the request itself rather
// than failing to process it.
func (e *ProviderError) Rejected() bool {
	return e.Status >= 400 && e.Status < 500
}

func (c *MerchantClient) RequestUserCode(ctx context.Context) (UserCodeResponse, error) {
	if c.ClientID == "" {
		return UserCodeResponse{}, fmt.Errorf("merchant oauth client id missing")
	}
	values := url.Values{}
	values.Set("clientId", c.ClientID)

	var out UserCodeResponse
	if err := c.post(ctx, userCodePath, values, &out); err != nil {
		return UserCodeResponse{}, err
	}
	if out.UserCode == "" || out.AuthorizationCodeVerifier == "" {
		return UserCodeResponse{}, fmt.Errorf("user code response missing userCode or verifier")
	}
	return out, nil
}

// ExchangeCode trades the verifier for tokens. The verifier doubles as the
// authorization code.
func (c *MerchantClient) ExchangeCode(ctx context.Context, codeVerifier string) (TokenResponse, error) {
	values := c.credentials()
	values.Set("grantType", "authorization_code")
	values.Set("authorizationCode", codeVerifier)
	values.Set("authorizationCodeVerifier", codeVerifier)
	return c.requestToken(ctx, values)
}

func (c *MerchantClient) Refresh(ctx context.Context, refreshToken string) (TokenResponse, error) {
	values := c.credentials()
	values.Set("grantType", "refresh_token")
	values.Set("refreshToken", refreshToken)
	return c.requestToken(ctx, values)
}

func (c *MerchantClient) credentials() url.Values {
	values := url.Values{}
	values.Set("clientId", c.ClientID)
	values.Set("clientSecret", c.ClientSecret)
	return values
}

func (c *MerchantClient) requestToken(ctx context.Context, values url.Values) (TokenResponse, error) {
	if c.ClientID == "" || c.ClientSecret == "" {
		return TokenResponse{}, fmt.Errorf("merchant oauth credentials missing")
	}
	var tokenResp TokenResponse
	if err := c.post(ctx, tokenPath, values, &tokenResp); err != nil {
		return TokenResponse{}, err
	}
	if tokenResp.AccessToken == "" {
		return TokenResponse{}, fmt.Errorf("token response missing accessToken")
	}
	if tokenResp.ExpiresIn <= 0 {
		tokenResp.ExpiresIn = int64(defaultTokenLifetime.Seconds())
	}
	return tokenResp, nil
}

func (c *MerchantClient) post(ctx context.Context, path string, values url.Values, out interface{}) error {
	if c.BaseURL == "" {
		return fmt.Errorf("merchant api base url missing")
	}
	httpClient := c.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, strings.NewReader(values.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &ProviderError{Status: resp.StatusCode, Body: string(body)}
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
