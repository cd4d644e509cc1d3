package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"restops/internal/apperr"
	"restops/internal/domain"
	"restops/internal/store/memory"
)

const testSecret = "gateway-test-secret"

type harness struct {
	store    *memory.Store
	limiter  *RateLimiter
	pipeline *Pipeline
	now      time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{store: memory.NewStore(), now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	h.limiter = NewRateLimiter(h.store, nil)
	h.limiter.now = func() time.Time { return h.now }
	h.pipeline = NewPipeline(Options{
		Verifier:     NewJWTVerifier(testSecret),
		Capabilities: NewCapabilityChecker(h.store, nil),
		RateLimiter:  h.limiter,
		Idempotency:  NewIdempotencyGuard(h.store),
	})
	return h
}

func token(t *testing.T, subject string) string {
	t.Helper()
	signed, _, err := SignToken(testSecret, subject, time.Hour)
	require.NoError(t, err)
	return signed
}

func call(t *testing.T, handler http.Handler, method, bearer string, headers map[string]string) (*httptest.ResponseRecorder, apperr.Body) {
	t.Helper()
	req := httptest.NewRequest(method, "/thing", strings.NewReader(`{}`))
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	var body apperr.Body
	if rec.Code >= 400 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	}
	return rec, body
}

func okHandler(counter *atomic.Int32) HandlerFunc {
	return func(context.Context, *Request) (Response, error) {
		if counter != nil {
			counter.Add(1)
		}
		return OK(map[string]string{"status": "done"}), nil
	}
}

func TestPreflightSkipsAuth(t *testing.T) {
	h := newHarness(t)
	handler := h.pipeline.Endpoint(Route{Name: "thing", Permission: &Permission{"f", "create"}, Handle: okHandler(nil)})

	rec, _ := call(t, handler, http.MethodOptions, "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	require.Contains(t, rec.Header().Get("Access-Control-Allow-Headers"), "x-idempotency-key")
	require.Equal(t, "POST, GET, OPTIONS, PUT, DELETE", rec.Header().Get("Access-Control-Allow-Methods"))
}

func TestPreflightIsLogged(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	pipeline := NewPipeline(Options{
		Verifier:     NewJWTVerifier(testSecret),
		Capabilities: NewCapabilityChecker(memory.NewStore(), nil),
		Logger:       zap.New(core),
	})
	handler := pipeline.Endpoint(Route{Name: "thing", Handle: okHandler(nil)})

	rec, _ := call(t, handler, http.MethodOptions, "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	require.Equal(t, 1, logs.FilterMessage("request received").Len())
	completed := logs.FilterMessage("request completed").All()
	require.Len(t, completed, 1)
	fields := completed[0].ContextMap()
	require.Equal(t, http.MethodOptions, fields["method"])
	require.EqualValues(t, http.StatusOK, fields["status"])
	require.Equal(t, "/thing", fields["route"])
}

func TestMethodNotAllowed(t *testing.T) {
	h := newHarness(t)
	handler := h.pipeline.Endpoint(Route{Name: "thing", Public: true, Handle: okHandler(nil)})

	rec, body := call(t, handler, http.MethodGet, "", nil)
	require.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	require.Equal(t, apperr.CodeMethodNotAllowed, body.Error.Code)
}

func TestMissingCredentialIsUnauthorized(t *testing.T) {
	h := newHarness(t)
	var calls atomic.Int32
	handler := h.pipeline.Endpoint(Route{Name: "thing", Permission: &Permission{"f", "create"}, Handle: okHandler(&calls)})

	rec, body := call(t, handler, http.MethodPost, "", nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Equal(t, apperr.CodeUnauthorized, body.Error.Code)

	rec, _ = call(t, handler, http.MethodPost, "not-a-jwt", nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	wrongKey, _, err := SignToken("other-secret", "user-1", time.Hour)
	require.NoError(t, err)
	rec, _ = call(t, handler, http.MethodPost, wrongKey, nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Zero(t, calls.Load())
}

func TestMissingGrantIsForbidden(t *testing.T) {
	h := newHarness(t)
	h.store.Grant("user-1", "f", "read")
	var calls atomic.Int32
	handler := h.pipeline.Endpoint(Route{Name: "thing", Permission: &Permission{"f", "create"}, Handle: okHandler(&calls)})

	rec, body := call(t, handler, http.MethodPost, token(t, "user-1"), nil)
	require.Equal(t, http.StatusForbidden, rec.Code)
	require.Equal(t, apperr.CodeForbidden, body.Error.Code)
	require.Zero(t, calls.Load())

	h.store.Grant("user-1", "f", "create")
	rec, _ = call(t, handler, http.MethodPost, token(t, "user-1"), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.EqualValues(t, 1, calls.Load())
}

type brokenGrants struct{}

func (brokenGrants) HasGrant(context.Context, string, string, string) (bool, error) {
	return true, errors.New("policy store down")
}

func TestCapabilityFailureDenies(t *testing.T) {
	checker := NewCapabilityChecker(brokenGrants{}, nil)
	err := checker.Check(context.Background(), domain.Identity{ID: "user-1"}, Permission{"f", "read"})
	require.True(t, apperr.Is(err, apperr.KindForbidden))
}

func TestRateLimitWindow(t *testing.T) {
	h := newHarness(t)
	h.store.Grant("user-1", "f", "read")
	handler := h.pipeline.Endpoint(Route{
		Name:       "limited",
		Methods:    []string{http.MethodGet},
		Permission: &Permission{"f", "read"},
		RateLimit:  &RateLimit{Max: 3, Window: 60 * time.Second},
		Handle:     okHandler(nil),
	})
	bearer := token(t, "user-1")

	for i := 0; i < 3; i++ {
		rec, _ := call(t, handler, http.MethodGet, bearer, nil)
		require.Equal(t, http.StatusOK, rec.Code, "request %d", i+1)
		h.now = h.now.Add(time.Second)
	}
	rec, body := call(t, handler, http.MethodGet, bearer, nil)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	require.Equal(t, apperr.CodeRateLimited, body.Error.Code)

	h.now = h.now.Add(61 * time.Second)
	rec, _ = call(t, handler, http.MethodGet, bearer, nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

type brokenRecords struct{}

func (brokenRecords) CountRequests(context.Context, string, string, time.Time) (int, error) {
	return 0, errors.New("store unavailable")
}
func (brokenRecords) RecordRequest(context.Context, string, string, time.Time) error {
	return errors.New("store unavailable")
}
func (brokenRecords) PruneRequests(context.Context, time.Time) (int, error) { return 0, nil }

func TestRateLimitFailsOpen(t *testing.T) {
	limiter := NewRateLimiter(brokenRecords{}, nil)
	for i := 0; i < 5; i++ {
		require.NoError(t, limiter.Allow(context.Background(), "fn", "user-1", RateLimit{Max: 1, Window: time.Minute}))
	}
}

func TestIdempotentRetryConflicts(t *testing.T) {
	h := newHarness(t)
	h.store.Grant("user-1", "f", "create")
	var mutations atomic.Int32
	handler := h.pipeline.Endpoint(Route{
		Name:       "create",
		Permission: &Permission{"f", "create"},
		Idempotent: true,
		Handle:     okHandler(&mutations),
	})
	bearer := token(t, "user-1")
	headers := map[string]string{HeaderIdempotencyKey: "retry-1"}

	rec, _ := call(t, handler, http.MethodPost, bearer, headers)
	require.Equal(t, http.StatusOK, rec.Code)
	rec, body := call(t, handler, http.MethodPost, bearer, headers)
	require.Equal(t, http.StatusConflict, rec.Code)
	require.Equal(t, apperr.CodeConflict, body.Error.Code)
	require.EqualValues(t, 1, mutations.Load())

	// no key means no guard
	rec, _ = call(t, handler, http.MethodPost, bearer, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rec, _ = call(t, handler, http.MethodPost, bearer, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.EqualValues(t, 3, mutations.Load())
}

func TestUnclassifiedErrorsBecomeInternal(t *testing.T) {
	h := newHarness(t)
	handler := h.pipeline.Endpoint(
		Route{Name: "boom", Public: true, Handle: func(context.Context, *Request) (Response, error) {
			return Response{}, errors.New("pq: connection refused at 10.0.0.3")
		}},
		Route{Name: "panic", Public: true, Methods: []string{http.MethodDelete}, Handle: func(context.Context, *Request) (Response, error) {
			panic("nil map")
		}},
	)

	rec, body := call(t, handler, http.MethodPost, "", nil)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.Equal(t, apperr.CodeInternal, body.Error.Code)
	require.NotContains(t, body.Error.Message, "10.0.0.3")

	rec, body = call(t, handler, http.MethodDelete, "", nil)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.Equal(t, apperr.CodeInternal, body.Error.Code)
}

func callFrom(t *testing.T, handler http.Handler, remoteAddr string, headers map[string]string) int {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/thing", strings.NewReader(`{}`))
	req.RemoteAddr = remoteAddr
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec.Code
}

func TestPublicRouteRateLimitsByIP(t *testing.T) {
	h := newHarness(t)
	handler := h.pipeline.Endpoint(Route{
		Name:      "hook",
		Public:    true,
		RateLimit: &RateLimit{Max: 1, Window: time.Minute},
		Handle:    okHandler(nil),
	})

	require.Equal(t, http.StatusOK, callFrom(t, handler, "203.0.113.7:41000", nil))
	require.Equal(t, http.StatusTooManyRequests, callFrom(t, handler, "203.0.113.7:41001", nil))
	require.Equal(t, http.StatusOK, callFrom(t, handler, "198.51.100.2:41000", nil))
}

func TestRateLimitKeyIgnoresForwardedHeader(t *testing.T) {
	h := newHarness(t)
	handler := h.pipeline.Endpoint(Route{
		Name:      "hook",
		Public:    true,
		RateLimit: &RateLimit{Max: 1, Window: time.Minute},
		Handle:    okHandler(nil),
	})

	require.Equal(t, http.StatusOK,
		callFrom(t, handler, "203.0.113.7:41000", map[string]string{"X-Forwarded-For": "10.1.1.1"}))
	require.Equal(t, http.StatusTooManyRequests,
		callFrom(t, handler, "203.0.113.7:41000", map[string]string{"X-Forwarded-For": "10.2.2.2"}))
	require.Equal(t, http.StatusTooManyRequests,
		callFrom(t, handler, "203.0.113.7:41000", map[string]string{"X-Forwarded-For": "10.3.3.3, 203.0.113.7"}))

	n, err := h.store.CountRequests(context.Background(), "hook", "203.0.113.7", h.now.Add(-time.Minute))
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

type brokenAudit struct{}

func (brokenAudit) AppendAudit(context.Context, domain.AuditEntry) error {
	return errors.New("audit table locked")
}
func (brokenAudit) ListAudit(context.Context, int) ([]domain.AuditEntry, error) { return nil, nil }

func TestAuditRecorderReportsButNeverPanics(t *testing.T) {
	recorder := NewAuditRecorder(brokenAudit{}, nil)
	err := recorder.Record(context.Background(), domain.AuditEntry{Action: "connect"})
	require.Error(t, err)

	s := memory.NewStore()
	recorder = NewAuditRecorder(s, nil)
	require.NoError(t, recorder.Record(context.Background(), domain.AuditEntry{Action: "connect", Entity: "messaging_instance"}))
	entries, err := s.ListAudit(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.False(t, entries[0].CreatedAt.IsZero())
}
