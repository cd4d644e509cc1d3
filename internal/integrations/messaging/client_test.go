package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestInitInstanceUsesAdminToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/instance/init" || r.Header.Get("admintoken") != "admin-secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"token":    "inst-token",
			"instance": map[string]string{"id": "ext-1", "name": body["name"]},
		})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "admin-secret", time.Second, 0)
	instance, err := client.InitInstance(context.Background(), "front-desk")
	require.NoError(t, err)
	require.Equal(t, "ext-1", instance.ID)
	require.Equal(t, "inst-token", instance.Token)
	require.Equal(t, "front-desk", instance.Name)
}

func TestConnectStatusAndWebhook(t *testing.T) {
	webhooks := make(chan WebhookConfig, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("token") != "inst-token" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		switch r.URL.Path {
		case "/instance/connect":
			var body map[string]string
			_ = json.NewDecoder(r.Body).Decode(&body)
			if body["phone"] != "" {
				_, _ = w.Write([]byte(`{"instance":{"paircode":"PAIR-1234"}}`))
				return
			}
			_, _ = w.Write([]byte(`{"instance":{"qrcode":"data:image/png;base64,AAAA"}}`))
		case "/instance/status":
			_, _ = w.Write([]byte(`{"instance":{"profileName":"Bistro"},"status":{"connected":true,"loggedIn":true,"jid":"5511999999999:12@s.whatsapp.net"}}`))
		case "/webhook":
			var cfg WebhookConfig
			_ = json.NewDecoder(r.Body).Decode(&cfg)
			webhooks <- cfg
			_, _ = w.Write([]byte(`{}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "admin-secret", time.Second, 50)
	ctx := context.Background()

	qr, err := client.Connect(ctx, "inst-token", "")
	require.NoError(t, err)
	require.NotEmpty(t, qr.QRCode)

	pair, err := client.Connect(ctx, "inst-token", "5511999999999")
	require.NoError(t, err)
	require.Equal(t, "PAIR-1234", pair.PairCode)

	status, err := client.Status(ctx, "inst-token")
	require.NoError(t, err)
	require.True(t, status.Connected)
	require.True(t, status.LoggedIn)
	require.Equal(t, "Bistro", status.ProfileName)
	require.Equal(t, "5511999999999", status.PhoneNumber)

	require.NoError(t, client.ConfigureWebhook(ctx, "inst-token", WebhookConfig{
		Enabled:         true,
		URL:             "https://api.example.com/webhooks/messaging",
		Events:          []string{"messages", "connection"},
		ExcludeMessages: []string{"wasSentByApi"},
	}))
	webhook := <-webhooks
	require.True(t, webhook.Enabled)
	require.Equal(t, []string{"messages", "connection"}, webhook.Events)
}

func TestNonSuccessStatusIsTyped(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("boom"))
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "admin-secret", time.Second, 0)
	err := client.Disconnect(context.Background(), "inst-token")
	var statusErr *StatusError
	require.True(t, errors.As(err, &statusErr))
	require.Equal(t, http.StatusInternalServerError, statusErr.Status)

	require.Error(t, client.Disconnect(context.Background(), ""))
}
