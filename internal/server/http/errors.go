package httpserver

import (
	"errors"
	"net/http"

	"github.com/kinder2149/paperclip-cloud/internal/errs"
)

// errorBody is the JSON shape of every error response.
type errorBody struct {
	Error  string `json:"error"`
	Detail string `json:"detail"`
}

type errMapping struct {
	sentinel error
	status   int
	code     string
}

// Order matters: ErrTokenExpired wraps ErrUnauthenticated.
var mappings = []errMapping{
	{errs.ErrTokenExpired, http.StatusUnauthorized, "token_expired"},
	{errs.ErrUnauthenticated, http.StatusUnauthorized, "unauthenticated"},
	{errs.ErrInvalidArgument, http.StatusUnprocessableEntity, "invalid_argument"},
	{errs.ErrForbidden, http.StatusForbidden, "forbidden"},
	{errs.ErrNotFound, http.StatusNotFound, "not_found"},
	{errs.ErrPreconditionRequired, http.StatusPreconditionRequired, "precondition_required"},
	{errs.ErrPreconditionFailed, http.StatusPreconditionFailed, "precondition_failed"},
	{errs.ErrPayloadTooLarge, http.StatusRequestEntityTooLarge, "payload_too_large"},
	{errs.ErrRateLimited, http.StatusTooManyRequests, "rate_limited"},
	{errs.ErrUnavailable, http.StatusServiceUnavailable, "unavailable"},
}

// mapError converts a service error to status and body. Server-side failures
// never expose the underlying error text.
func mapError(err error) (int, errorBody) {
	for _, m := range mappings {
		if !errors.Is(err, m.sentinel) {
			continue
		}
		if m.status >= 500 {
			return m.status, errorBody{Error: m.code, Detail: "storage backend unavailable"}
		}
		return m.status, errorBody{Error: m.code, Detail: errs.Reason(err, m.sentinel)}
	}
	return http.StatusInternalServerError, errorBody{Error: "internal", Detail: "internal error"}
}

// loginStatus maps login validation failures to 400 instead of 422.
func loginStatus(err error) (int, errorBody) {
	status, body := mapError(err)
	if status == http.StatusUnprocessableEntity {
		status = http.StatusBadRequest
	}
	return status, body
}
