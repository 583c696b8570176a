package credstore

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func signToken(t *testing.T, sub string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": sub,
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte(testSecret))
	require.NoError(t, err)
	return signed
}

func newTestServer(t *testing.T) (*httptest.Server, *memoryRepo) {
	t.Helper()
	repo := newMemoryRepo()
	svc := NewService(repo, requiredScopes, reauthURL)
	metrics := NewMetrics(prometheus.NewRegistry())
	handler := NewHandler(svc, metrics)
	auth := NewAuthMiddleware(testSecret)

	passthrough := func(next http.Handler) http.Handler { return next }

	r := chi.NewRouter()
	r.Route("/v1/auth", func(r chi.Router) {
		r.Use(auth.Handler)
		r.Mount("/", handler.Routes(passthrough))
	})

	server := httptest.NewServer(r)
	t.Cleanup(server.Close)
	return server, repo
}

func doPost(t *testing.T, server *httptest.Server, path, token string, body any) *http.Response {
	t.Helper()
	payload, err := json.Marshal(body)
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodPost, server.URL+path, bytes.NewReader(payload))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestHandlerAuth(t *testing.T) {
	server, _ := newTestServer(t)

	t.Run("rejects requests without a bearer token", func(t *testing.T) {
		resp := doPost(t, server, "/v1/auth/check", "", map[string]string{"userId": "u1"})
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("rejects a token signed with the wrong secret", func(t *testing.T) {
		token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "u1"})
		signed, err := token.SignedString([]byte("wrong-secret-wrong-secret-wrong!"))
		require.NoError(t, err)

		resp := doPost(t, server, "/v1/auth/check", signed, map[string]string{"userId": "u1"})
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("rejects touching another user's grant", func(t *testing.T) {
		resp := doPost(t, server, "/v1/auth/check", signToken(t, "u2"), map[string]string{"userId": "u1"})
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	})
}

func TestHandlerFlow(t *testing.T) {
	server, _ := newTestServer(t)
	token := signToken(t, "u1")

	t.Run("check before store reports not connected", func(t *testing.T) {
		resp := doPost(t, server, "/v1/auth/check", token, map[string]string{"userId": "u1"})
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var body checkResponse
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
		assert.False(t, body.Authenticated)
	})

	t.Run("store then check reports authenticated", func(t *testing.T) {
		storeBody := map[string]any{
			"userId":       "u1",
			"accessToken":  "at",
			"refreshToken": "rt",
			"expiry":       time.Now().Add(time.Hour).Format(time.RFC3339),
			"scopes":       requiredScopes,
			"profile":      map[string]string{"email": "user@example.com"},
		}
		resp := doPost(t, server, "/v1/auth/store", token, storeBody)
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var stored storeResponse
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&stored))
		assert.True(t, stored.Success)

		resp = doPost(t, server, "/v1/auth/check", token, map[string]string{"userId": "u1"})
		var checked checkResponse
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&checked))
		assert.True(t, checked.Authenticated)
	})

	t.Run("incomplete grant is rejected as a client failure, not a 500", func(t *testing.T) {
		resp := doPost(t, server, "/v1/auth/store", token, map[string]any{
			"userId":      "u1",
			"accessToken": "at",
		})
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var stored storeResponse
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&stored))
		assert.False(t, stored.Success)
		assert.NotEmpty(t, stored.Error)
	})

	t.Run("clear removes the grant", func(t *testing.T) {
		resp := doPost(t, server, "/v1/auth/clear", token, map[string]string{"userId": "u1"})
		require.Equal(t, http.StatusOK, resp.StatusCode)

		resp = doPost(t, server, "/v1/auth/check", token, map[string]string{"userId": "u1"})
		var checked checkResponse
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&checked))
		assert.False(t, checked.Authenticated)
	})
}
