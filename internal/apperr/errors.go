// Package apperr is the single error taxonomy shared by the gateway and the
// services behind it. Every error is a *goerrors.Error tagged with a text code
// from the table below; HTTP status is looked up from that code.
package apperr

import (
	"net/http"
	"strings"

	goerrors "github.com/goliatone/go-errors"
)

const (
	CodeValidation       = "VALIDATION_ERROR"
	CodeUnauthorized     = "UNAUTHORIZED"
	CodeForbidden        = "FORBIDDEN"
	CodeNotFound         = "NOT_FOUND"
	CodeMethodNotAllowed = "METHOD_NOT_ALLOWED"
	CodeConflict         = "CONFLICT"
	CodeRateLimited      = "RATE_LIMIT_EXCEEDED"
	CodeExternalService  = "EXTERNAL_SERVICE_ERROR"
	CodeInternal         = "INTERNAL_ERROR"
)

// Kind selects one entry of the taxonomy.
type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindUnauthorized
	KindForbidden
	KindNotFound
	KindMethodNotAllowed
	KindConflict
	KindRateLimited
	KindExternalService
)

type kindInfo struct {
	code     string
	status   int
	category goerrors.Category
}

var kinds = map[Kind]kindInfo{
	KindInternal:         {CodeInternal, http.StatusInternalServerError, goerrors.CategoryInternal},
	KindValidation:       {CodeValidation, http.StatusBadRequest, goerrors.CategoryValidation},
	KindUnauthorized:     {CodeUnauthorized, http.StatusUnauthorized, goerrors.CategoryAuth},
	KindForbidden:        {CodeForbidden, http.StatusForbidden, goerrors.CategoryAuthz},
	KindNotFound:         {CodeNotFound, http.StatusNotFound, goerrors.CategoryNotFound},
	KindMethodNotAllowed: {CodeMethodNotAllowed, http.StatusMethodNotAllowed, goerrors.CategoryBadInput},
	KindConflict:         {CodeConflict, http.StatusConflict, goerrors.CategoryConflict},
	KindRateLimited:      {CodeRateLimited, http.StatusTooManyRequests, goerrors.CategoryRateLimit},
	KindExternalService:  {CodeExternalService, http.StatusBadGateway, goerrors.CategoryExternal},
}

var statusByCode = func() map[string]int {
	out := make(map[string]int, len(kinds))
	for _, info := range kinds {
		out[info.code] = info.status
	}
	return out
}()

func New(kind Kind, message string) error {
	info, ok := kinds[kind]
	if !ok {
		info = kinds[KindInternal]
	}
	return goerrors.New(message, info.category).
		WithCode(info.status).
		WithTextCode(info.code)
}

// Wrap keeps source as the cause while exposing only message to callers.
// The result always carries the category of kind, even when source is itself
// a *goerrors.Error.
func Wrap(source error, kind Kind, message string) error {
	if source == nil {
		return New(kind, message)
	}
	info, ok := kinds[kind]
	if !ok {
		info = kinds[KindInternal]
	}
	out := goerrors.New(message, info.category).
		WithCode(info.status).
		WithTextCode(info.code)
	out.Source = source
	return out
}

func Validation(message string) error       { return New(KindValidation, message) }
func Unauthorized(message string) error     { return New(KindUnauthorized, message) }
func Forbidden(message string) error        { return New(KindForbidden, message) }
func NotFound(message string) error         { return New(KindNotFound, message) }
func MethodNotAllowed(message string) error { return New(KindMethodNotAllowed, message) }
func Conflict(message string) error         { return New(KindConflict, message) }
func RateLimited(message string) error      { return New(KindRateLimited, message) }
func External(message string) error         { return New(KindExternalService, message) }
func Internal(message string) error         { return New(KindInternal, message) }

// From classifies any error into the taxonomy. Errors that were not built by
// this package become INTERNAL_ERROR with a generic message. The argument is
// never modified.
func From(err error) *goerrors.Error {
	if err == nil {
		return nil
	}
	var found *goerrors.Error
	if goerrors.As(err, &found) && found != nil {
		rich := found.Clone()
		if strings.TrimSpace(rich.TextCode) == "" {
			rich.TextCode = CodeInternal
		}
		if status, ok := statusByCode[rich.TextCode]; ok {
			rich.Code = status
		} else if rich.Code == 0 {
			rich.Code = http.StatusInternalServerError
		}
		return rich
	}
	out := goerrors.Wrap(err, goerrors.CategoryInternal, "An unexpected error occurred").
		WithCode(http.StatusInternalServerError).
		WithTextCode(CodeInternal)
	return out
}

func Code(err error) string {
	mapped := From(err)
	if mapped == nil {
		return ""
	}
	return mapped.TextCode
}

func Status(err error) int {
	mapped := From(err)
	if mapped == nil {
		return http.StatusOK
	}
	return mapped.Code
}

// Is reports whether err carries the taxonomy code of kind.
func Is(err error, kind Kind) bool {
	if err == nil {
		return false
	}
	var rich *goerrors.Error
	if !goerrors.As(err, &rich) || rich == nil {
		return kind == KindInternal
	}
	return rich.TextCode == kinds[kind].code
}

// Body is the wire shape of every error response.
type Body struct {
	Error BodyError `json:"error"`
}

type BodyError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func ToBody(err error) (int, Body) {
	mapped := From(err)
	if mapped == nil {
		return http.StatusInternalServerError, Body{Error: BodyError{Code: CodeInternal, Message: "An unexpected error occurred"}}
	}
	message := strings.TrimSpace(mapped.Message)
	if message == "" {
		message = "An unexpected error occurred"
	}
	return mapped.Code, Body{Error: BodyError{Code: mapped.TextCode, Message: message}}
}
