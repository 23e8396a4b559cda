package middleware_test

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pumpsync/pumpsync/internal/api/middleware"
	"github.com/pumpsync/pumpsync/internal/api/models"
	"github.com/pumpsync/pumpsync/internal/auth"
)

// stubValidator accepts one token and returns a fixed error otherwise.
type stubValidator struct {
	token  string
	claims *auth.Claims
	err    error
}

func (v *stubValidator) ValidateToken(token string) (*auth.Claims, error) {
	if token == v.token && v.err == nil {
		return v.claims, nil
	}
	if v.err != nil {
		return nil, v.err
	}
	return nil, auth.ErrInvalidToken
}

func operatorClaims(scopes ...string) *auth.Claims {
	return &auth.Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "op-alice"},
		Scopes:           scopes,
	}
}

func serveAuth(t *testing.T, validator middleware.TokenValidator, header string, chain ...func(http.Handler) http.Handler) (*httptest.ResponseRecorder, string) {
	t.Helper()
	var operator string
	var handler http.Handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		operator = middleware.GetOperator(r.Context())
		w.WriteHeader(http.StatusNoContent)
	})
	for i := len(chain) - 1; i >= 0; i-- {
		handler = chain[i](handler)
	}
	handler = middleware.Auth(validator)(handler)

	req := httptest.NewRequest(http.MethodGet, "/v1/pumps", http.NoBody)
	if header != "" {
		req.Header.Set("Authorization", header)
	}
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	return w, operator
}

func TestAuth_ValidToken(t *testing.T) {
	v := &stubValidator{token: "good", claims: operatorClaims(auth.ScopeRead)}

	w, operator := serveAuth(t, v, "Bearer good")

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "op-alice", operator)
}

func TestAuth_SchemeCaseInsensitive(t *testing.T) {
	v := &stubValidator{token: "good", claims: operatorClaims()}

	w, _ := serveAuth(t, v, "bearer good")

	assert.Equal(t, http.StatusNoContent, w.Code)
}

func TestAuth_Rejections(t *testing.T) {
	tests := []struct {
		name   string
		header string
		err    error
		detail string
	}{
		{name: "missing header", detail: "missing authorization header"},
		{name: "basic auth", header: "Basic dXNlcjpwYXNz", detail: "invalid authorization header format"},
		{name: "empty token", header: "Bearer   ", detail: "missing bearer token"},
		{name: "unknown token", header: "Bearer other", detail: "invalid operator token"},
		{name: "expired", header: "Bearer good", err: auth.ErrTokenExpired, detail: "operator token has expired"},
		{name: "no subject", header: "Bearer good", err: auth.ErrMissingSubject, detail: "invalid operator token"},
		{name: "other failure", header: "Bearer good", err: fmt.Errorf("keyset unavailable"), detail: "authentication failed"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := &stubValidator{token: "good", claims: operatorClaims(), err: tt.err}

			w, operator := serveAuth(t, v, tt.header)

			assert.Equal(t, http.StatusUnauthorized, w.Code)
			assert.Empty(t, operator)
			assert.Equal(t, `Bearer realm="pumpsync"`, w.Header().Get("WWW-Authenticate"))

			var problem models.Problem
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &problem))
			assert.Equal(t, tt.detail, problem.Detail)
			assert.Equal(t, "/v1/pumps", problem.Instance)
		})
	}
}

func TestRequireScope(t *testing.T) {
	tests := []struct {
		name   string
		scopes []string
		want   int
	}{
		{name: "granted", scopes: []string{auth.ScopeRead, auth.ScopeCommand}, want: http.StatusNoContent},
		{name: "missing", scopes: []string{auth.ScopeRead}, want: http.StatusForbidden},
		{name: "none", want: http.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := &stubValidator{token: "good", claims: operatorClaims(tt.scopes...)}

			w, _ := serveAuth(t, v, "Bearer good", middleware.RequireScope(auth.ScopeCommand))

			assert.Equal(t, tt.want, w.Code)
		})
	}
}

func TestRequireScope_WithoutAuth(t *testing.T) {
	handler := middleware.RequireScope(auth.ScopeRead)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", http.NoBody))

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}
