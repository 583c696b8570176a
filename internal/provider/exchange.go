package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/echocal/echocal-go/internal/apperr"
	"github.com/echocal/echocal-go/internal/model"
)

// ExchangeClient talks to the session credential exchange endpoint, which
// trades provider identity tokens for internal session credentials.
type ExchangeClient struct {
	baseURL string
	http    *http.Client
}

func NewExchangeClient(baseURL string, httpClient *http.Client) *ExchangeClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &ExchangeClient{baseURL: baseURL, http: httpClient}
}

var _ Exchanger = (*ExchangeClient)(nil)

type exchangeRequest struct {
	Provider      model.ProviderID `json:"provider"`
	IdentityToken string           `json:"identity_token"`
	LinkTo        string           `json:"link_to,omitempty"`
}

type exchangeResponse struct {
	Token       string             `json:"token"`
	UserID      string             `json:"user_id"`
	Email       string             `json:"email"`
	DisplayName string             `json:"display_name"`
	Providers   []model.ProviderID `json:"providers"`
	Error       string             `json:"error,omitempty"`
	Message     string             `json:"message,omitempty"`
}

func (c *ExchangeClient) Exchange(ctx context.Context, identityToken string, p model.ProviderID, linkTo string) (*model.SessionCredential, *model.Identity, error) {
	if identityToken == "" {
		return nil, nil, apperr.TokenInvalid("identity token is empty")
	}

	var parsed exchangeResponse
	if err := c.post(ctx, "/v1/session/exchange", exchangeRequest{
		Provider:      p,
		IdentityToken: identityToken,
		LinkTo:        linkTo,
	}, &parsed); err != nil {
		return nil, nil, err
	}

	switch parsed.Error {
	case "":
	case "provider_conflict":
		return nil, nil, apperr.CredentialConflict(parsed.Message)
	case "provider_already_linked":
		return nil, nil, ErrProviderAlreadyLinked
	default:
		return nil, nil, apperr.TokenExchangeFailed(errors.New(parsed.Error))
	}

	if parsed.Token == "" || parsed.UserID == "" {
		return nil, nil, apperr.TokenExchangeFailed(errors.New("exchange response missing token or user id"))
	}

	cred := &model.SessionCredential{
		Token:  parsed.Token,
		UserID: parsed.UserID,
		Expiry: tokenExpiry(parsed.Token),
	}
	identity := &model.Identity{
		ID:          parsed.UserID,
		Email:       parsed.Email,
		DisplayName: parsed.DisplayName,
		Providers:   parsed.Providers,
	}
	return cred, identity, nil
}

func (c *ExchangeClient) Refresh(ctx context.Context, token string) (*model.SessionCredential, error) {
	var parsed exchangeResponse
	if err := c.post(ctx, "/v1/session/refresh", map[string]string{"token": token}, &parsed); err != nil {
		return nil, err
	}
	if parsed.Error != "" {
		return nil, apperr.TokenExchangeFailed(errors.New(parsed.Error))
	}
	if parsed.Token == "" {
		return nil, apperr.TokenExchangeFailed(errors.New("refresh response missing token"))
	}
	return &model.SessionCredential{
		Token:  parsed.Token,
		UserID: parsed.UserID,
		Expiry: tokenExpiry(parsed.Token),
	}, nil
}

func (c *ExchangeClient) Unlink(ctx context.Context, token string, p model.ProviderID) (*model.Identity, error) {
	var parsed exchangeResponse
	if err := c.post(ctx, "/v1/session/unlink", map[string]string{
		"token":    token,
		"provider": string(p),
	}, &parsed); err != nil {
		return nil, err
	}
	if parsed.Error != "" {
		return nil, apperr.RemoteRejected(parsed.Error)
	}
	return &model.Identity{
		ID:          parsed.UserID,
		Email:       parsed.Email,
		DisplayName: parsed.DisplayName,
		Providers:   parsed.Providers,
	}, nil
}

func (c *ExchangeClient) post(ctx context.Context, path string, payload any, out *exchangeResponse) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return apperr.Internal("encode exchange request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return apperr.Internal("build exchange request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return apperr.Network("session exchange", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return apperr.Network("session exchange", err)
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return apperr.Network("session exchange", fmt.Errorf("malformed response (status %d): %w", resp.StatusCode, err))
	}
	return nil
}

// tokenExpiry inspects the session credential's expiry claim without
// verifying the signature; validation is the exchange endpoint's job and the
// expiry is only used to schedule refreshes.
func tokenExpiry(token string) time.Time {
	parser := jwt.NewParser()
	parsed, _, err := parser.ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		return time.Time{}
	}
	exp, err := parsed.Claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}
	}
	return exp.Time
}
