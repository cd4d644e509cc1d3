package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	goerrors "github.com/goliatone/go-errors"
	"github.com/stretchr/testify/require"
)

func TestTaxonomyStatusTable(t *testing.T) {
	cases := []struct {
		err    error
		code   string
		status int
	}{
		{Validation("bad"), CodeValidation, http.StatusBadRequest},
		{Unauthorized("no"), CodeUnauthorized, http.StatusUnauthorized},
		{Forbidden("no"), CodeForbidden, http.StatusForbidden},
		{NotFound("gone"), CodeNotFound, http.StatusNotFound},
		{MethodNotAllowed("nope"), CodeMethodNotAllowed, http.StatusMethodNotAllowed},
		{Conflict("dup"), CodeConflict, http.StatusConflict},
		{RateLimited("slow"), CodeRateLimited, http.StatusTooManyRequests},
		{External("upstream"), CodeExternalService, http.StatusBadGateway},
		{Internal("boom"), CodeInternal, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.code, func(t *testing.T) {
			require.Equal(t, tc.code, Code(tc.err))
			require.Equal(t, tc.status, Status(tc.err))
		})
	}
}

func TestFrom_UnknownErrorBecomesInternal(t *testing.T) {
	status, body := ToBody(errors.New("pq: connection refused"))
	require.Equal(t, http.StatusInternalServerError, status)
	require.Equal(t, CodeInternal, body.Error.Code)
	require.NotContains(t, body.Error.Message, "pq:")
}

func TestFrom_WrappedRichErrorKeepsCode(t *testing.T) {
	err := fmt.Errorf("authorize: %w", Conflict("duplicate request"))
	require.Equal(t, CodeConflict, Code(err))
	require.Equal(t, http.StatusConflict, Status(err))
	require.True(t, Is(err, KindConflict))
	require.False(t, Is(err, KindValidation))
}

func TestWrap_ExposesOnlyMessage(t *testing.T) {
	err := Wrap(errors.New("dial tcp: timeout"), KindExternalService, "merchant token endpoint unavailable")
	status, body := ToBody(err)
	require.Equal(t, http.StatusBadGateway, status)
	require.Equal(t, CodeExternalService, body.Error.Code)
	require.Equal(t, "merchant token endpoint unavailable", body.Error.Message)
}

func TestWrap_RichSourceTakesNewKind(t *testing.T) {
	source := NotFound("account row missing")
	err := Wrap(source, KindInternal, "Failed to store merchant account")

	var rich *goerrors.Error
	require.True(t, errors.As(err, &rich))
	require.Equal(t, "Failed to store merchant account", rich.Message)
	require.Equal(t, goerrors.CategoryInternal, rich.Category)
	require.Equal(t, CodeInternal, rich.TextCode)
	require.Equal(t, http.StatusInternalServerError, rich.Code)
	require.ErrorIs(t, err, source)

	_, body := ToBody(err)
	require.Equal(t, "Failed to store merchant account", body.Error.Message)
	require.True(t, Is(source, KindNotFound))
}

func TestFrom_DoesNotModifyArgument(t *testing.T) {
	bare := goerrors.New("plain failure", goerrors.CategoryInternal)
	mapped := From(bare)
	require.Equal(t, CodeInternal, mapped.TextCode)
	require.Equal(t, http.StatusInternalServerError, mapped.Code)
	require.Empty(t, bare.TextCode)
	require.Zero(t, bare.Code)

	drifted := goerrors.New("slow down", goerrors.CategoryRateLimit).
		WithCode(http.StatusTeapot).
		WithTextCode(CodeRateLimited)
	require.Equal(t, http.StatusTooManyRequests, Status(drifted))
	require.Equal(t, http.StatusTeapot, drifted.Code)
}
