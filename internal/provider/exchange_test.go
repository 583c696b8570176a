package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/echocal/echocal-go/internal/apperr"
	"github.com/echocal/echocal-go/internal/model"
)

func exchangeServer(t *testing.T, respond func(path string, req map[string]any) exchangeResponse) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		json.NewEncoder(w).Encode(respond(r.URL.Path, req))
	}))
	t.Cleanup(server.Close)
	return server
}

func TestExchange(t *testing.T) {
	t.Run("returns credential and identity on success", func(t *testing.T) {
		server := exchangeServer(t, func(path string, req map[string]any) exchangeResponse {
			assert.Equal(t, "/v1/session/exchange", path)
			assert.Equal(t, "native", req["provider"])
			return exchangeResponse{
				Token:     "session-token",
				UserID:    "u1",
				Email:     "user@example.com",
				Providers: []model.ProviderID{model.ProviderNative},
			}
		})
		client := NewExchangeClient(server.URL, nil)

		cred, ident, err := client.Exchange(context.Background(), "id-token", model.ProviderNative, "")

		require.NoError(t, err)
		assert.Equal(t, "session-token", cred.Token)
		assert.Equal(t, "u1", ident.ID)
		assert.True(t, ident.HasProvider(model.ProviderNative))
	})

	t.Run("passes the link target through", func(t *testing.T) {
		server := exchangeServer(t, func(path string, req map[string]any) exchangeResponse {
			assert.Equal(t, "u1", req["link_to"])
			return exchangeResponse{Token: "t", UserID: "u1"}
		})
		client := NewExchangeClient(server.URL, nil)

		_, _, err := client.Exchange(context.Background(), "id-token", model.ProviderGoogle, "u1")
		require.NoError(t, err)
	})

	t.Run("rejects an empty identity token locally", func(t *testing.T) {
		client := NewExchangeClient("http://unreachable.invalid", nil)

		_, _, err := client.Exchange(context.Background(), "", model.ProviderNative, "")

		assert.True(t, apperr.Is(err, apperr.CodeTokenInvalid))
	})

	t.Run("maps a provider conflict", func(t *testing.T) {
		server := exchangeServer(t, func(path string, req map[string]any) exchangeResponse {
			return exchangeResponse{Error: "provider_conflict", Message: "account belongs to someone else"}
		})
		client := NewExchangeClient(server.URL, nil)

		_, _, err := client.Exchange(context.Background(), "id-token", model.ProviderGoogle, "u1")

		require.True(t, apperr.Is(err, apperr.CodeCredentialConflict))
		appErr, _ := apperr.As(err)
		assert.Equal(t, "account belongs to someone else", appErr.Message)
	})

	t.Run("maps already-linked to the benign sentinel", func(t *testing.T) {
		server := exchangeServer(t, func(path string, req map[string]any) exchangeResponse {
			return exchangeResponse{Error: "provider_already_linked"}
		})
		client := NewExchangeClient(server.URL, nil)

		_, _, err := client.Exchange(context.Background(), "id-token", model.ProviderGoogle, "u1")

		assert.ErrorIs(t, err, ErrProviderAlreadyLinked)
	})
}

func TestExchangeRefresh(t *testing.T) {
	t.Run("returns the renewed credential", func(t *testing.T) {
		server := exchangeServer(t, func(path string, req map[string]any) exchangeResponse {
			assert.Equal(t, "/v1/session/refresh", path)
			return exchangeResponse{Token: "fresh", UserID: "u1"}
		})
		client := NewExchangeClient(server.URL, nil)

		cred, err := client.Refresh(context.Background(), "stale")

		require.NoError(t, err)
		assert.Equal(t, "fresh", cred.Token)
	})

	t.Run("maps refusal to exchange failure", func(t *testing.T) {
		server := exchangeServer(t, func(path string, req map[string]any) exchangeResponse {
			return exchangeResponse{Error: "token_revoked"}
		})
		client := NewExchangeClient(server.URL, nil)

		_, err := client.Refresh(context.Background(), "stale")

		assert.True(t, apperr.Is(err, apperr.CodeTokenExchangeFailed))
	})
}

func TestExchangeUnlink(t *testing.T) {
	t.Run("returns the updated identity", func(t *testing.T) {
		server := exchangeServer(t, func(path string, req map[string]any) exchangeResponse {
			assert.Equal(t, "/v1/session/unlink", path)
			assert.Equal(t, "google", req["provider"])
			return exchangeResponse{UserID: "u1", Providers: []model.ProviderID{model.ProviderNative}}
		})
		client := NewExchangeClient(server.URL, nil)

		ident, err := client.Unlink(context.Background(), "token", model.ProviderGoogle)

		require.NoError(t, err)
		assert.False(t, ident.HasProvider(model.ProviderGoogle))
	})

	t.Run("carries the remote rejection verbatim", func(t *testing.T) {
		server := exchangeServer(t, func(path string, req map[string]any) exchangeResponse {
			return exchangeResponse{Error: "cannot unlink last provider"}
		})
		client := NewExchangeClient(server.URL, nil)

		_, err := client.Unlink(context.Background(), "token", model.ProviderNative)

		require.True(t, apperr.Is(err, apperr.CodeRemoteRejected))
		appErr, _ := apperr.As(err)
		assert.Equal(t, "cannot unlink last provider", appErr.Message)
	})
}
