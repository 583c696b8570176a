package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"

	"github.com/echocal/echocal-go/internal/apperr"
	"github.com/echocal/echocal-go/internal/model"
	"github.com/echocal/echocal-go/internal/util"
)

const (
	defaultGoogleAuthURL     = "https://accounts.google.com/o/oauth2/v2/auth"
	defaultGoogleTokenURL    = "https://oauth2.googleapis.com/token"
	defaultGoogleUserInfoURL = "https://www.googleapis.com/oauth2/v2/userinfo"
	defaultGoogleRevokeURL   = "https://oauth2.googleapis.com/revoke"
)

// BaselineScopes is what plain OAuth sign-in requests. Calendar scopes are
// only ever requested by the link manager through incremental consent.
var BaselineScopes = []string{"openid", "email", "profile"}

// CodeReceiver obtains an authorization code for an interactive consent
// request. The production implementation listens on a loopback address; an
// embedded web view is deliberately not an option here.
type CodeReceiver interface {
	Receive(ctx context.Context, authURL, state string) (code string, err error)
}

// GoogleConfig configures the OAuth provider client. URL fields default to
// Google's endpoints and exist so tests can point at a local server.
type GoogleConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string

	AuthURL     string
	TokenURL    string
	UserInfoURL string
	RevokeURL   string
}

// GoogleProvider implements OAuthProvider against Google's OAuth 2.0
// endpoints. It also mirrors the SDK-singleton notion of a "current user":
// the last account that completed consent, tracked independently of the
// app's own Identity.
type GoogleProvider struct {
	cfg      GoogleConfig
	receiver CodeReceiver
	http     *http.Client

	mu          sync.Mutex
	currentHint string
	current     *model.Credential
}

func NewGoogleProvider(cfg GoogleConfig, receiver CodeReceiver, httpClient *http.Client) *GoogleProvider {
	if cfg.AuthURL == "" {
		cfg.AuthURL = defaultGoogleAuthURL
	}
	if cfg.TokenURL == "" {
		cfg.TokenURL = defaultGoogleTokenURL
	}
	if cfg.UserInfoURL == "" {
		cfg.UserInfoURL = defaultGoogleUserInfoURL
	}
	if cfg.RevokeURL == "" {
		cfg.RevokeURL = defaultGoogleRevokeURL
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &GoogleProvider{cfg: cfg, receiver: receiver, http: httpClient}
}

func (p *GoogleProvider) oauthConfig(scopes []string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     p.cfg.ClientID,
		ClientSecret: p.cfg.ClientSecret,
		RedirectURL:  p.cfg.RedirectURL,
		Scopes:       scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:  p.cfg.AuthURL,
			TokenURL: p.cfg.TokenURL,
		},
	}
}

func (p *GoogleProvider) SignIn(ctx context.Context, hint string, scopes []string) (*OAuthResult, error) {
	state, err := util.GenerateToken()
	if err != nil {
		return nil, apperr.Internal("generate oauth state")
	}

	conf := p.oauthConfig(scopes)

	opts := []oauth2.AuthCodeOption{
		oauth2.AccessTypeOffline,
		oauth2.SetAuthURLParam("prompt", "consent"),
		oauth2.SetAuthURLParam("include_granted_scopes", "true"),
	}
	if hint != "" {
		opts = append(opts, oauth2.SetAuthURLParam("login_hint", hint))
	}

	code, err := p.receiver.Receive(ctx, conf.AuthCodeURL(state, opts...), state)
	if err != nil {
		return nil, err
	}

	tok, err := conf.Exchange(ctx, code)
	if err != nil {
		return nil, mapExchangeError(err)
	}

	cred := credentialFromToken(tok)
	profile, err := p.fetchProfile(ctx, cred.AccessToken)
	if err != nil {
		return nil, err
	}

	idToken, _ := tok.Extra("id_token").(string)
	if idToken == "" {
		return nil, apperr.TokenInvalid("oauth response carried no identity token")
	}

	p.mu.Lock()
	p.currentHint = profile.Email
	p.current = &cred
	p.mu.Unlock()

	log.Info().
		Str("email", profile.Email).
		Strs("scopes", cred.Scopes).
		Msg("oauth consent completed")

	return &OAuthResult{Credential: cred, Profile: *profile, IDToken: idToken}, nil
}

func (p *GoogleProvider) Refresh(ctx context.Context, cred *model.Credential) (*model.Credential, error) {
	if cred == nil || cred.RefreshToken == "" {
		return nil, apperr.TokenInvalid("no refresh token available")
	}

	conf := p.oauthConfig(cred.Scopes)
	tok, err := conf.TokenSource(ctx, &oauth2.Token{RefreshToken: cred.RefreshToken}).Token()
	if err != nil {
		return nil, mapExchangeError(err)
	}

	refreshed := credentialFromToken(tok)
	if refreshed.RefreshToken == "" {
		refreshed.RefreshToken = cred.RefreshToken
	}
	if len(refreshed.Scopes) == 0 {
		refreshed.Scopes = append([]string(nil), cred.Scopes...)
	}

	p.mu.Lock()
	p.current = &refreshed
	p.mu.Unlock()

	return &refreshed, nil
}

func (p *GoogleProvider) CurrentAccount() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.currentHint
}

func (p *GoogleProvider) Revoke(ctx context.Context) error {
	p.mu.Lock()
	cred := p.current
	p.currentHint = ""
	p.current = nil
	p.mu.Unlock()

	if cred == nil {
		return nil
	}

	token := cred.RefreshToken
	if token == "" {
		token = cred.AccessToken
	}

	data := url.Values{"token": {token}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.RevokeURL, strings.NewReader(data.Encode()))
	if err != nil {
		return apperr.Internal("build revoke request")
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := p.http.Do(req)
	if err != nil {
		return apperr.Network("oauth revoke", err)
	}
	defer resp.Body.Close()

	// Google returns 400 for already-revoked tokens; both mean the grant is
	// gone, which is what the caller wanted.
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusBadRequest {
		return apperr.Network("oauth revoke", fmt.Errorf("status %d", resp.StatusCode))
	}
	return nil
}

func (p *GoogleProvider) fetchProfile(ctx context.Context, accessToken string) (*model.Profile, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.cfg.UserInfoURL, nil)
	if err != nil {
		return nil, apperr.Internal("build userinfo request")
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := p.http.Do(req)
	if err != nil {
		return nil, apperr.Network("oauth userinfo", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apperr.Network("oauth userinfo", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, apperr.Network("oauth userinfo", fmt.Errorf("status %d", resp.StatusCode))
	}

	var info struct {
		Email string `json:"email"`
		Name  string `json:"name"`
	}
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, apperr.Network("oauth userinfo", fmt.Errorf("malformed response: %w", err))
	}

	return &model.Profile{Email: info.Email, DisplayName: info.Name}, nil
}

func credentialFromToken(tok *oauth2.Token) model.Credential {
	var scopes []string
	if raw, ok := tok.Extra("scope").(string); ok && raw != "" {
		scopes = strings.Fields(raw)
	}
	return model.Credential{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		Expiry:       tok.Expiry,
		Scopes:       scopes,
	}
}

func mapExchangeError(err error) error {
	if errors.Is(err, context.Canceled) {
		return apperr.UserCanceled()
	}
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		return apperr.TokenExchangeFailed(err)
	}
	return apperr.Network("oauth token exchange", err)
}
