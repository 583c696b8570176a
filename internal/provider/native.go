package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/rs/zerolog/log"

	"github.com/echocal/echocal-go/internal/apperr"
	"github.com/echocal/echocal-go/internal/util"
)

// IDTokenVerifier validates an identity token and exposes its claims.
// *oidc.IDTokenVerifier satisfies it; tests inject fakes.
type IDTokenVerifier interface {
	Verify(ctx context.Context, rawIDToken string) (*oidc.IDToken, error)
}

var _ IDTokenVerifier = (*oidc.IDTokenVerifier)(nil)

// NativeClient talks to the device-native identity provider. Sign-in requests
// carry the nonce hash; the returned identity token must prove it was issued
// for that exact request.
type NativeClient struct {
	baseURL  string
	http     *http.Client
	verifier IDTokenVerifier
}

func NewNativeClient(baseURL string, httpClient *http.Client, verifier IDTokenVerifier) *NativeClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &NativeClient{baseURL: baseURL, http: httpClient, verifier: verifier}
}

// NewNativeVerifier builds an ID token verifier from the provider's OIDC
// discovery document. Requires network access.
func NewNativeVerifier(ctx context.Context, issuer, clientID string) (IDTokenVerifier, error) {
	oidcProvider, err := oidc.NewProvider(ctx, issuer)
	if err != nil {
		return nil, fmt.Errorf("discover native identity provider: %w", err)
	}
	return oidcProvider.Verifier(&oidc.Config{ClientID: clientID}), nil
}

type nativeSignInRequest struct {
	NonceHash       string   `json:"nonce_hash"`
	RequestedClaims []string `json:"requested_claims"`
}

type nativeSignInResponse struct {
	IdentityToken string `json:"identity_token"`
	Nonce         string `json:"nonce"`
	Error         string `json:"error,omitempty"`
}

func (c *NativeClient) SignIn(ctx context.Context, nonceHash string, claims []string) (*NativeResult, error) {
	if c.verifier == nil {
		return nil, apperr.Internal("native identity verifier not configured")
	}

	body, err := json.Marshal(nativeSignInRequest{NonceHash: nonceHash, RequestedClaims: claims})
	if err != nil {
		return nil, apperr.Internal("encode native sign-in request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/signin", bytes.NewReader(body))
	if err != nil {
		return nil, apperr.Internal("build native sign-in request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, apperr.Network("native sign-in", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apperr.Network("native sign-in", err)
	}

	var parsed nativeSignInResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, apperr.Network("native sign-in", fmt.Errorf("malformed response: %w", err))
	}

	if parsed.Error != "" {
		return nil, mapProviderErrorCode(parsed.Error)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, apperr.Network("native sign-in", fmt.Errorf("status %d", resp.StatusCode))
	}
	if parsed.IdentityToken == "" {
		return nil, apperr.TokenInvalid("native provider returned an empty identity token")
	}

	// The echoed nonce and the token's nonce claim must both match the hash
	// this request was bound to.
	if !util.ConstantTimeEqual(parsed.Nonce, nonceHash) {
		log.Warn().Msg("native sign-in: nonce echo mismatch")
		return nil, apperr.InvalidNonceState()
	}

	idToken, err := c.verifier.Verify(ctx, parsed.IdentityToken)
	if err != nil {
		return nil, apperr.TokenExchangeFailed(fmt.Errorf("identity token verification: %w", err))
	}
	if !util.ConstantTimeEqual(idToken.Nonce, nonceHash) {
		log.Warn().Msg("native sign-in: identity token nonce claim mismatch")
		return nil, apperr.InvalidNonceState()
	}

	return &NativeResult{IdentityToken: parsed.IdentityToken, NonceEcho: parsed.Nonce}, nil
}
