package errors

import (
	"fmt"
	"net/http"
	"testing"
)

func TestGetServiceErrorUnwrapsChain(t *testing.T) {
	base := NotFound("bounty", "42")
	wrapped := fmt.Errorf("load: %w", base)

	got := GetServiceError(wrapped)
	if got == nil {
		t.Fatal("GetServiceError() = nil, want ServiceError")
	}
	if got.HTTPStatus != http.StatusNotFound {
		t.Errorf("HTTPStatus = %d, want %d", got.HTTPStatus, http.StatusNotFound)
	}
	if got.Details["id"] != "42" {
		t.Errorf("Details[id] = %v, want 42", got.Details["id"])
	}
}

func TestGetServiceErrorPlainError(t *testing.T) {
	if got := GetServiceError(New("boom")); got != nil {
		t.Fatalf("GetServiceError() = %v, want nil", got)
	}
}

func TestServiceErrorMessageIncludesCause(t *testing.T) {
	err := Upstream("github", New("connection reset"))
	want := "UPSTREAM_ERROR: github request failed: connection reset"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
	if !Is(err, err.Err) {
		t.Error("errors.Is should match wrapped cause")
	}
}

func TestStatusMapping(t *testing.T) {
	cases := []struct {
		err  *ServiceError
		want int
	}{
		{BadRequest("x"), http.StatusBadRequest},
		{Validation("amount", "must be positive"), http.StatusBadRequest},
		{Unauthorized(""), http.StatusUnauthorized},
		{InvalidToken(nil), http.StatusUnauthorized},
		{Forbidden("x"), http.StatusForbidden},
		{Conflict("x"), http.StatusConflict},
		{RateLimitExceeded(10, "1s"), http.StatusTooManyRequests},
		{Reverted(nil), http.StatusUnprocessableEntity},
		{Timeout("x", nil), http.StatusGatewayTimeout},
		{Unavailable("x"), http.StatusServiceUnavailable},
		{Internal("x", nil), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		if tc.err.HTTPStatus != tc.want {
			t.Errorf("%s: HTTPStatus = %d, want %d", tc.err.Code, tc.err.HTTPStatus, tc.want)
		}
	}
}
