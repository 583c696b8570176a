package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/echocal/echocal-go/internal/apperr"
	"github.com/echocal/echocal-go/internal/config"
	"github.com/echocal/echocal-go/internal/model"
)

// CredentialSource supplies the session credential attached to every call.
type CredentialSource interface {
	SessionToken(ctx context.Context) (string, error)
}

// Client talks to the command-processing endpoint, which also fronts the
// remote credential store.
type Client struct {
	baseURL string
	http    *http.Client
	creds   CredentialSource
	sleep   func(time.Duration)
}

func NewClient(baseURL string, httpClient *http.Client, creds CredentialSource) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: config.HTTPClientTimeout}
	}
	return &Client{baseURL: baseURL, http: httpClient, creds: creds, sleep: time.Sleep}
}

// CheckAuthResult mirrors the store's checkAuth response.
type CheckAuthResult struct {
	Authenticated bool   `json:"authenticated"`
	Message       string `json:"message,omitempty"`
	AuthURL       string `json:"authUrl,omitempty"`
}

// StoreAuthResult mirrors the store's storeAuth response.
type StoreAuthResult struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

// ClearAuthResult mirrors the store's clearAuth response.
type ClearAuthResult struct {
	Success bool `json:"success"`
}

// CommandRequest is a natural-language command bound for the interpreter.
type CommandRequest struct {
	CommandText          string `json:"commandText"`
	Timezone             string `json:"timezone"`
	CalendarAccessToken  string `json:"calendarAccessToken,omitempty"`
	ConversationThreadID string `json:"conversationThreadId,omitempty"`
}

// CommandResult carries the interpreter's response. Message and Error are
// surfaced verbatim; this client never reinterprets them.
type CommandResult struct {
	Success              bool            `json:"success"`
	Message              string          `json:"message,omitempty"`
	StructuredResult     json.RawMessage `json:"structuredResult,omitempty"`
	ConversationThreadID string          `json:"conversationThreadId,omitempty"`
	Error                string          `json:"error,omitempty"`
}

type storeAuthRequest struct {
	UserID       string        `json:"userId"`
	AccessToken  string        `json:"accessToken"`
	RefreshToken string        `json:"refreshToken"`
	Expiry       time.Time     `json:"expiry"`
	Scopes       []string      `json:"scopes"`
	Profile      model.Profile `json:"profile"`
}

// CheckAuth asks whether a valid, sufficiently scoped grant is on file for
// the user. It is the one idempotent read here, so transport failures are
// retried a bounded number of times.
func (c *Client) CheckAuth(ctx context.Context, userID string) (*CheckAuthResult, error) {
	var result CheckAuthResult
	var lastErr error
	for attempt := 1; attempt <= config.CheckAuthMaxAttempts; attempt++ {
		lastErr = c.post(ctx, "/v1/auth/check", map[string]string{"userId": userID}, &result)
		if lastErr == nil {
			return &result, nil
		}
		if ctx.Err() != nil {
			break
		}
		// Only transport failures are worth retrying; a definitive answer
		// like a rejected credential will not change on the next attempt.
		if !apperr.Is(lastErr, apperr.CodeNetworkFailure) {
			break
		}
		if attempt < config.CheckAuthMaxAttempts {
			log.Debug().Err(lastErr).Int("attempt", attempt).Msg("checkAuth failed, retrying")
			c.sleep(config.CheckAuthRetryInterval)
		}
	}
	return nil, lastErr
}

// StoreAuth uploads a grant. Never retried: it mutates remote state.
func (c *Client) StoreAuth(ctx context.Context, userID string, cred model.Credential, profile model.Profile) (*StoreAuthResult, error) {
	var result StoreAuthResult
	err := c.post(ctx, "/v1/auth/store", storeAuthRequest{
		UserID:       userID,
		AccessToken:  cred.AccessToken,
		RefreshToken: cred.RefreshToken,
		Expiry:       cred.Expiry,
		Scopes:       cred.Scopes,
		Profile:      profile,
	}, &result)
	if err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *Client) ClearAuth(ctx context.Context, userID string) (*ClearAuthResult, error) {
	var result ClearAuthResult
	if err := c.post(ctx, "/v1/auth/clear", map[string]string{"userId": userID}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *Client) ProcessCommand(ctx context.Context, req CommandRequest) (*CommandResult, error) {
	var result CommandResult
	if err := c.post(ctx, "/v1/command", req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *Client) post(ctx context.Context, path string, payload, out any) error {
	token, err := c.creds.SessionToken(ctx)
	if err != nil {
		return err
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return apperr.Internal("encode backend request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return apperr.Internal("build backend request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.http.Do(req)
	if err != nil {
		return apperr.Network(path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return apperr.Network(path, err)
	}
	if resp.StatusCode == http.StatusUnauthorized {
		return apperr.New(apperr.CodeSessionExpired, "session credential rejected by backend")
	}
	if resp.StatusCode >= http.StatusInternalServerError {
		return apperr.Network(path, fmt.Errorf("status %d", resp.StatusCode))
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return apperr.Network(path, fmt.Errorf("malformed response (status %d): %w", resp.StatusCode, err))
	}
	return nil
}
