package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"restops/internal/apperr"
	"restops/internal/domain"
)

const (
	HeaderIdempotencyKey = "x-idempotency-key"

	corsAllowHeaders = "authorization, x-client-info, apikey, content-type, x-idempotency-key"
	corsAllowMethods = "POST, GET, OPTIONS, PUT, DELETE"
	maxBodyBytes     = 1 << 20
)

// Request is what a route handler sees once the guards have passed.
type Request struct {
	HTTP           *http.Request
	Identity       domain.Identity
	ClientIP       string
	IdempotencyKey string
}

func (r *Request) Param(name string) string {
	return strings.TrimSpace(chi.URLParam(r.HTTP, name))
}

func (r *Request) Query(name string) string {
	return strings.TrimSpace(r.HTTP.URL.Query().Get(name))
}

func (r *Request) Actor() domain.Actor {
	return domain.Actor{Identity: r.Identity.ID, IP: r.ClientIP}
}

// Decode reads a JSON body into target. An empty body leaves target untouched.
func (r *Request) Decode(target interface{}) error {
	if r.HTTP.Body == nil {
		return nil
	}
	dec := json.NewDecoder(io.LimitReader(r.HTTP.Body, maxBodyBytes))
	if err := dec.Decode(target); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return apperr.Validation("Invalid JSON body")
	}
	return nil
}

type Response struct {
	Status int
	Body   interface{}
}

func OK(body interface{}) Response      { return Response{Status: http.StatusOK, Body: body} }
func Created(body interface{}) Response { return Response{Status: http.StatusCreated, Body: body} }

type HandlerFunc func(ctx context.Context, req *Request) (Response, error)

// Route declares one handler and the guards it runs behind. Name keys rate
// limit records and logs; Methods defaults to POST.
type Route struct {
	Name       string
	Methods    []string
	Public     bool
	Permission *Permission
	RateLimit  *RateLimit
	Idempotent bool
	Handle     HandlerFunc
}

func (rt Route) allows(method string) bool {
	methods := rt.Methods
	if len(methods) == 0 {
		methods = []string{http.MethodPost}
	}
	for _, m := range methods {
		if strings.EqualFold(m, method) {
			return true
		}
	}
	return false
}

type Options struct {
	Verifier     IdentityVerifier
	Capabilities *CapabilityChecker
	RateLimiter  *RateLimiter
	Idempotency  *IdempotencyGuard
	Logger       *zap.Logger
}

// Pipeline runs every request through preflight, method check, identity,
// capability, rate limit and idempotency before the route handler. Errors
// from any step are mapped to a JSON error body in one place.
type Pipeline struct {
	verifier     IdentityVerifier
	capabilities *CapabilityChecker
	limiter      *RateLimiter
	idempotency  *IdempotencyGuard
	logger       *zap.Logger
}

func NewPipeline(opts Options) *Pipeline {
	return &Pipeline{
		verifier:     opts.Verifier,
		capabilities: opts.Capabilities,
		limiter:      opts.RateLimiter,
		idempotency:  opts.Idempotency,
		logger:       orNop(opts.Logger),
	}
}

// Endpoint serves every route registered for one path, picking the route by
// HTTP method.
func (p *Pipeline) Endpoint(routes ...Route) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		setCORS(w.Header())
		if r.Method == http.MethodOptions {
			p.preflight(w, r)
			return
		}
		p.serve(w, r, routes)
	})
}

func (p *Pipeline) serve(w http.ResponseWriter, r *http.Request, routes []Route) {
	started := time.Now()
	req := &Request{
		HTTP:           r,
		ClientIP:       clientIP(r),
		IdempotencyKey: strings.TrimSpace(r.Header.Get(HeaderIdempotencyKey)),
	}
	name := r.URL.Path
	status := http.StatusInternalServerError

	defer func() {
		if rec := recover(); rec != nil {
			err := apperr.Wrap(fmt.Errorf("panic: %v", rec), apperr.KindInternal, "An unexpected error occurred")
			status = p.writeFailure(w, name, req, err)
		}
		p.logCompletion(r, name, req, status, started)
	}()

	route, ok := match(routes, r.Method)
	if !ok {
		p.logEntry(r, name, req)
		status = p.writeFailure(w, name, req, apperr.MethodNotAllowed("Method "+r.Method+" not allowed"))
		return
	}
	if route.Name != "" {
		name = route.Name
	}

	resp, err := p.run(r.Context(), route, req)
	if err != nil {
		status = p.writeFailure(w, name, req, err)
		return
	}
	if resp.Status == 0 {
		resp.Status = http.StatusOK
	}
	if resp.Body == nil {
		resp.Body = map[string]interface{}{}
	}
	status = resp.Status
	writeJSON(w, resp.Status, resp.Body)
}

func (p *Pipeline) run(ctx context.Context, route Route, req *Request) (Response, error) {
	var verifyErr error
	if !route.Public {
		req.Identity, verifyErr = p.verifier.Verify(ctx, bearerToken(req.HTTP.Header.Get("Authorization")))
	}
	p.logEntry(req.HTTP, route.Name, req)
	if verifyErr != nil {
		return Response{}, verifyErr
	}

	if route.Permission != nil {
		if err := p.capabilities.Check(ctx, req.Identity, *route.Permission); err != nil {
			return Response{}, err
		}
	}
	if route.RateLimit != nil && p.limiter != nil {
		key := req.Identity.ID
		if key == "" {
			key = req.ClientIP
		}
		if err := p.limiter.Allow(ctx, route.Name, key, *route.RateLimit); err != nil {
			return Response{}, err
		}
	}
	if route.Idempotent && p.idempotency != nil {
		if err := p.idempotency.Check(ctx, req.IdempotencyKey); err != nil {
			return Response{}, err
		}
	}

	// The handler finishes even if the client goes away mid-request.
	return route.Handle(context.WithoutCancel(ctx), req)
}

// preflight answers CORS OPTIONS requests before any guard runs.
func (p *Pipeline) preflight(w http.ResponseWriter, r *http.Request) {
	started := time.Now()
	req := &Request{HTTP: r, ClientIP: clientIP(r)}
	p.logEntry(r, r.URL.Path, req)
	w.WriteHeader(http.StatusOK)
	p.logCompletion(r, r.URL.Path, req, http.StatusOK, started)
}

func (p *Pipeline) logCompletion(r *http.Request, name string, req *Request, status int, started time.Time) {
	fields := []zap.Field{
		zap.String("method", r.Method),
		zap.String("route", name),
		zap.String("identity", req.Identity.ID),
		zap.Int("status", status),
		zap.Duration("latency", time.Since(started)),
		zap.String("request_id", middleware.GetReqID(r.Context())),
	}
	switch {
	case status >= http.StatusInternalServerError:
		p.logger.Error("request completed", fields...)
	case status >= http.StatusBadRequest:
		p.logger.Warn("request completed", fields...)
	default:
		p.logger.Info("request completed", fields...)
	}
}

func (p *Pipeline) logEntry(r *http.Request, name string, req *Request) {
	p.logger.Info("request received",
		zap.String("method", r.Method),
		zap.String("route", name),
		zap.String("identity", req.Identity.ID),
	)
}

func (p *Pipeline) writeFailure(w http.ResponseWriter, name string, req *Request, err error) int {
	status, body := apperr.ToBody(err)
	fields := []zap.Field{
		zap.String("route", name),
		zap.String("identity", req.Identity.ID),
		zap.String("code", body.Error.Code),
		zap.Error(err),
	}
	if status >= http.StatusInternalServerError {
		fields = append(fields, zap.Stack("stack"))
		p.logger.Error("request failed", fields...)
	} else {
		p.logger.Debug("request rejected", fields...)
	}
	writeJSON(w, status, body)
	return status
}

func match(routes []Route, method string) (Route, bool) {
	for _, rt := range routes {
		if rt.allows(method) {
			return rt, true
		}
	}
	return Route{}, false
}

func setCORS(h http.Header) {
	h.Set("Access-Control-Allow-Origin", "*")
	h.Set("Access-Control-Allow-Headers", corsAllowHeaders)
	h.Set("Access-Control-Allow-Methods", corsAllowMethods)
}

// clientIP is the peer address. Forwarded headers are honoured only through
// the router's RealIP middleware, which has already rewritten RemoteAddr.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
