package messaging

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// Client calls the messaging provider's instance API. Instance creation uses
// the admin token; everything else is authenticated with the per-instance
// token the provider issued.
type Client struct {
	baseURL    string
	adminToken string
	httpClient *http.Client
	limiter    *rate.Limiter
}

// NewClient paces outbound calls to rps requests per second; rps <= 0
// disables pacing.
func NewClient(baseURL, adminToken string, timeout time.Duration, rps float64) *Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	limiter := rate.NewLimiter(rate.Inf, 0)
	if rps > 0 {
		limiter = rate.NewLimiter(rate.Limit(rps), max(1, int(rps)))
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		adminToken: adminToken,
		httpClient: &http.Client{Timeout: timeout},
		limiter:    limiter,
	}
}

type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("messaging provider responded with status %d", e.Status)
}

type Instance struct {
	ID    string `json:"id"`
	Token string `json:"token"`
	Name  string `json:"name"`
}

type ConnectResult struct {
	QRCode   string `json:"qrcode,omitempty"`
	PairCode string `json:"paircode,omitempty"`
}

// Status carries the provider's two connection flags plus profile details.
type Status struct {
	Connected   bool
	LoggedIn    bool
	ProfileName string
	PhoneNumber string
}

type WebhookConfig struct {
	Enabled         bool     `json:"enabled"`
	URL             string   `json:"url"`
	Events          []string `json:"events"`
	ExcludeMessages []string `json:"excludeMessages"`
}

func (c *Client) InitInstance(ctx context.Context, name string) (Instance, error) {
	var out struct {
		Token    string   `json:"token"`
		Instance Instance `json:"instance"`
	}
	if err := c.do(ctx, http.MethodPost, "/instance/init", "admintoken", c.adminToken, map[string]string{"name": name}, &out); err != nil {
		return Instance{}, err
	}
	instance := out.Instance
	if instance.Token == "" {
		instance.Token = out.Token
	}
	if instance.ID == "" || instance.Token == "" {
		return Instance{}, fmt.Errorf("instance init response missing id or token")
	}
	return instance, nil
}

// Connect asks for a QR code, or a pairing code when phone is set.
func (c *Client) Connect(ctx context.Context, instanceToken, phone string) (ConnectResult, error) {
	body := map[string]string{}
	if phone != "" {
		body["phone"] = phone
	}
	var out struct {
		Instance ConnectResult `json:"instance"`
	}
	if err := c.do(ctx, http.MethodPost, "/instance/connect", "token", instanceToken, body, &out); err != nil {
		return ConnectResult{}, err
	}
	return out.Instance, nil
}

func (c *Client) Status(ctx context.Context, instanceToken string) (Status, error) {
	var out struct {
		Instance struct {
			ProfileName string `json:"profileName"`
			Owner       string `json:"owner"`
		} `json:"instance"`
		Status struct {
			Connected bool   `json:"connected"`
			LoggedIn  bool   `json:"loggedIn"`
			JID       string `json:"jid"`
		} `json:"status"`
	}
	if err := c.do(ctx, http.MethodGet, "/instance/status", "token", instanceToken, nil, &out); err != nil {
		return Status{}, err
	}
	phone := out.Instance.Owner
	if phone == "" {
		phone, _, _ = strings.Cut(out.Status.JID, "@")
		phone, _, _ = strings.Cut(phone, ":")
	}
	return Status{
		Connected:   out.Status.Connected,
		LoggedIn:    out.Status.LoggedIn,
		ProfileName: out.Instance.ProfileName,
		PhoneNumber: phone,
	}, nil
}

func (c *Client) Disconnect(ctx context.Context, instanceToken string) error {
	return c.do(ctx, http.MethodPost, "/instance/disconnect", "token", instanceToken, map[string]string{}, nil)
}

func (c *Client) ConfigureWebhook(ctx context.Context, instanceToken string, cfg WebhookConfig) error {
	return c.do(ctx, http.MethodPost, "/webhook", "token", instanceToken, cfg, nil)
}

func (c *Client) do(ctx context.Context, method, path, authHeader, authValue string, body, out interface{}) error {
	if c.baseURL == "" {
		return fmt.Errorf("messaging provider url missing")
	}
	if authValue == "" {
		return fmt.Errorf("messaging provider %s missing", authHeader)
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set(authHeader, authValue)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &StatusError{Status: resp.StatusCode, Body: string(raw)}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
