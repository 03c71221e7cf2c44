package api

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"

	"github.com/bswinnerton/prefixd/internal/config"
)

func TestConstantTimeEq(t *testing.T) {
	if !constantTimeEq("hello", "hello") {
		t.Error("equal strings compared unequal")
	}
	if constantTimeEq("hello", "world") {
		t.Error("different strings compared equal")
	}
	if constantTimeEq("hello", "hell") {
		t.Error("different lengths compared equal")
	}
}

func authedHandler(t *testing.T, mode, token string) http.Handler {
	t.Helper()
	mw := bearerAuth(zap.NewNop(), config.AuthConfig{Mode: mode}, token)
	return mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
}

func TestAuthModeNoneAllowsAll(t *testing.T) {
	h := authedHandler(t, config.AuthModeNone, "")

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/mitigations", nil))
	if rec.Code != http.StatusNoContent {
		t.Errorf("status = %d, want 204", rec.Code)
	}
}

func TestBearerAuth(t *testing.T) {
	h := authedHandler(t, config.AuthModeBearer, "s3cret")

	cases := []struct {
		name   string
		header string
		want   int
	}{
		{"valid token", "Bearer s3cret", http.StatusNoContent},
		{"wrong token", "Bearer nope", http.StatusUnauthorized},
		{"missing header", "", http.StatusUnauthorized},
		{"not bearer", "Basic s3cret", http.StatusUnauthorized},
	}

	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodGet, "/v1/mitigations", nil)
		if tc.header != "" {
			req.Header.Set("Authorization", tc.header)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != tc.want {
			t.Errorf("%s: status = %d, want %d", tc.name, rec.Code, tc.want)
		}
	}
}

func TestBearerWithoutTokenIsServerError(t *testing.T) {
	h := authedHandler(t, config.AuthModeBearer, "")

	req := httptest.NewRequest(http.MethodGet, "/v1/mitigations", nil)
	req.Header.Set("Authorization", "Bearer anything")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rec.Code)
	}
}
