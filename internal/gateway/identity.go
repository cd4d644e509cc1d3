package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"restops/internal/apperr"
	"restops/internal/domain"
)

// IdentityVerifier resolves a bearer credential to a caller identity.
type IdentityVerifier interface {
	Verify(ctx context.Context, credential string) (domain.Identity, error)
}

// JWTVerifier accepts HS256 tokens signed with a shared secret; the subject
// claim is the identity.
type JWTVerifier struct {
	secret []byte
}

func NewJWTVerifier(secret string) *JWTVerifier {
	return &JWTVerifier{secret: []byte(secret)}
}

func (v *JWTVerifier) Verify(_ context.Context, credential string) (domain.Identity, error) {
	if credential == "" {
		return domain.Identity{}, apperr.Unauthorized("Missing authorization header")
	}
	parsed, err := jwt.Parse(credential, func(token *jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil || !parsed.Valid {
		return domain.Identity{}, apperr.Unauthorized("Invalid or expired token")
	}
	sub, err := parsed.Claims.GetSubject()
	if err != nil || strings.TrimSpace(sub) == "" {
		return domain.Identity{}, apperr.Unauthorized("Invalid token claims")
	}
	return domain.Identity{ID: sub}, nil
}

// SignToken issues a token JWTVerifier accepts.
func SignToken(secret, subject string, ttl time.Duration) (string, time.Time, error) {
	now := time.Now().UTC()
	expiresAt := now.Add(ttl)
	claims := jwt.MapClaims{
		"sub": subject,
		"exp": expiresAt.Unix(),
		"iat": now.Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expiresAt, nil
}

// RemoteVerifier asks an identity backend who owns the credential with a
// single GET {baseURL}/user round trip.
type RemoteVerifier struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
}

func NewRemoteVerifier(baseURL, apiKey string, timeout time.Duration) *RemoteVerifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &RemoteVerifier{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		APIKey:     apiKey,
		HTTPClient: &http.Client{Timeout: timeout},
	}
}

func (v *RemoteVerifier) Verify(ctx context.Context, credential string) (domain.Identity, error) {
	if credential == "" {
		return domain.Identity{}, apperr.Unauthorized("Missing authorization header")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.BaseURL+"/user", nil)
	if err != nil {
		return domain.Identity{}, err
	}
	req.Header.Set("Authorization", "Bearer "+credential)
	if v.APIKey != "" {
		req.Header.Set("apikey", v.APIKey)
	}
	resp, err := v.HTTPClient.Do(req)
	if err != nil {
		return domain.Identity{}, apperr.Wrap(err, apperr.KindUnauthorized, "Unable to verify credential")
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return domain.Identity{}, apperr.Unauthorized("Invalid or expired token")
	}
	var user struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&user); err != nil {
		return domain.Identity{}, apperr.Wrap(fmt.Errorf("decode identity: %w", err), apperr.KindUnauthorized, "Invalid or expired token")
	}
	if strings.TrimSpace(user.ID) == "" {
		return domain.Identity{}, apperr.Unauthorized("Invalid or expired token")
	}
	return domain.Identity{ID: user.ID}, nil
}

func bearerToken(header string) string {
	header = strings.TrimSpace(header)
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
		return strings.TrimSpace(parts[1])
	}
	return ""
}
