package callink

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/echocal/echocal-go/internal/apperr"
	"github.com/echocal/echocal-go/internal/backend"
	"github.com/echocal/echocal-go/internal/model"
	"github.com/echocal/echocal-go/internal/provider"
)

// ErrCoolingDown signals that an automatic reauthentication was skipped
// because the backoff window has not elapsed. Callers retry on a later
// trigger; it is never shown to the user.
var ErrCoolingDown = errors.New("reauthentication backoff in effect")

// refreshLookahead is how close to expiry an access token may get before
// AccessToken refreshes it, so an outbound token is never already expired.
const refreshLookahead = 2 * time.Minute

// IdentitySource is the session as seen from the link manager: a non-owning
// handle injected at composition time.
type IdentitySource interface {
	CurrentIdentity() *model.Identity
	SetCalendarStatus(status model.GrantStatus)
	EnsureOAuthLinked(ctx context.Context, identityToken string) error
}

// GrantStore is the remote credential store, reached through the backend.
type GrantStore interface {
	CheckAuth(ctx context.Context, userID string) (*backend.CheckAuthResult, error)
	StoreAuth(ctx context.Context, userID string, cred model.Credential, profile model.Profile) (*backend.StoreAuthResult, error)
	ClearAuth(ctx context.Context, userID string) (*backend.ClearAuthResult, error)
}

// Manager owns the calendar grant: acquiring consent with the required
// scopes, uploading the grant to the remote store, and reconnecting a lapsed
// grant with bounded, backed-off retries.
type Manager struct {
	oauth    provider.OAuthProvider
	store    GrantStore
	session  IdentitySource
	required []string

	maxAttempts int
	backoffBase time.Duration
	clock       func() time.Time

	mu          sync.Mutex
	linking     bool
	attempts    int
	lastAttempt time.Time
	grant       *model.Credential
	profile     model.Profile
}

func New(
	oauth provider.OAuthProvider,
	store GrantStore,
	session IdentitySource,
	requiredScopes []string,
	maxAttempts int,
	backoffBase time.Duration,
) *Manager {
	return &Manager{
		oauth:       oauth,
		store:       store,
		session:     session,
		required:    append([]string(nil), requiredScopes...),
		maxAttempts: maxAttempts,
		backoffBase: backoffBase,
		clock:       time.Now,
	}
}

// RequestCalendarAccess obtains a grant covering the required calendar
// scopes and uploads it. When the held grant already covers them, no consent
// prompt is shown. An insufficient-scope result gets exactly one automatic
// retry; a second refusal is returned to the caller.
func (m *Manager) RequestCalendarAccess(ctx context.Context) error {
	user := m.session.CurrentIdentity()
	if user == nil {
		return apperr.NotSignedIn()
	}
	if !m.tryBegin() {
		return apperr.AlreadyLinking()
	}
	defer m.end()

	err := m.acquireAndStore(ctx, user)
	if apperr.Is(err, apperr.CodeScopeInsufficient) {
		log.Warn().Err(err).Msg("consent granted without required scopes, retrying once")
		err = m.acquireAndStore(ctx, user)
	}
	if err != nil {
		if !apperr.Is(err, apperr.CodeUserCanceled) {
			log.Error().Err(err).Msg("calendar access request failed")
		}
		return err
	}

	m.clearAttempts()
	m.session.SetCalendarStatus(model.GrantAuthenticated)
	log.Info().Str("userId", user.ID).Msg("calendar grant stored")
	return nil
}

func (m *Manager) acquireAndStore(ctx context.Context, user *model.Identity) error {
	m.mu.Lock()
	held := m.grant
	profile := m.profile
	m.mu.Unlock()

	cred := held
	if held == nil || !held.HasScopes(m.required) {
		// Incremental consent: request only what is missing and let the
		// provider merge previously granted scopes into the new token.
		var requestScopes []string
		if held == nil {
			requestScopes = append(append([]string(nil), provider.BaselineScopes...), m.required...)
		} else {
			requestScopes = model.MissingScopes(held.Scopes, m.required)
		}

		hint := m.oauth.CurrentAccount()
		if hint == "" {
			hint = user.Email
		}

		res, err := m.oauth.SignIn(ctx, hint, requestScopes)
		if err != nil {
			return err
		}
		if missing := model.MissingScopes(res.Credential.Scopes, m.required); len(missing) > 0 {
			return apperr.ScopeInsufficient(missing)
		}
		if err := m.session.EnsureOAuthLinked(ctx, res.IDToken); err != nil {
			return err
		}
		cred = &res.Credential
		profile = res.Profile
	}

	if err := m.storeGrant(ctx, user.ID, *cred, profile); err != nil {
		return err
	}

	m.mu.Lock()
	m.grant = cred
	m.profile = profile
	m.mu.Unlock()
	return nil
}

// StoreGrant validates and uploads a grant obtained outside the manager's
// own consent flow.
func (m *Manager) StoreGrant(ctx context.Context, cred model.Credential, profile model.Profile) error {
	user := m.session.CurrentIdentity()
	if user == nil {
		return apperr.NotSignedIn()
	}
	if err := m.storeGrant(ctx, user.ID, cred, profile); err != nil {
		return err
	}

	m.mu.Lock()
	credCopy := cred
	m.grant = &credCopy
	m.profile = profile
	m.mu.Unlock()

	m.clearAttempts()
	m.session.SetCalendarStatus(model.GrantAuthenticated)
	return nil
}

// storeGrant rejects incomplete bearer material before any network call: a
// grant without both tokens could never be refreshed server-side.
func (m *Manager) storeGrant(ctx context.Context, userID string, cred model.Credential, profile model.Profile) error {
	if cred.AccessToken == "" || cred.RefreshToken == "" {
		return apperr.TokenInvalid("grant is missing access or refresh token")
	}

	res, err := m.store.StoreAuth(ctx, userID, cred, profile)
	if err != nil {
		return err
	}
	if !res.Success {
		// The store's message is surfaced verbatim.
		msg := res.Error
		if msg == "" {
			msg = res.Message
		}
		return apperr.RemoteRejected(msg)
	}
	return nil
}

// CheckRemoteGrant asks the remote store whether a usable grant is on file
// and records the answer on the published snapshot.
func (m *Manager) CheckRemoteGrant(ctx context.Context) (*model.GrantCheck, error) {
	user := m.session.CurrentIdentity()
	if user == nil {
		return nil, apperr.NotSignedIn()
	}

	res, err := m.store.CheckAuth(ctx, user.ID)
	if err != nil {
		return nil, err
	}

	check := &model.GrantCheck{Reason: res.Message, AuthURL: res.AuthURL}
	switch {
	case res.Authenticated:
		check.Status = model.GrantAuthenticated
	case res.AuthURL != "":
		// An auth URL on a negative answer is the store's re-auth signal: a
		// grant exists but can no longer be refreshed.
		check.Status = model.GrantExpired
	default:
		check.Status = model.GrantNotConnected
	}

	m.session.SetCalendarStatus(check.Status)
	return check, nil
}

// EnsureConnected verifies the remote grant and, when it has lapsed, kicks
// off automatic reauthentication. A grant that was never connected is left
// alone; connecting is a user decision.
func (m *Manager) EnsureConnected(ctx context.Context) error {
	check, err := m.CheckRemoteGrant(ctx)
	if err != nil {
		return err
	}
	if check.Status != model.GrantExpired {
		return nil
	}
	return m.AutoReauthenticate(ctx)
}

// AutoReauthenticate retries grant acquisition with exponential backoff and
// a hard attempt cap. Inside the backoff window it returns ErrCoolingDown;
// past the cap it stops retrying until the user reconnects manually.
func (m *Manager) AutoReauthenticate(ctx context.Context) error {
	m.mu.Lock()
	if m.attempts >= m.maxAttempts {
		m.mu.Unlock()
		m.session.SetCalendarStatus(model.GrantExpired)
		return apperr.TooManyAttempts()
	}
	delay := m.backoffBase << m.attempts
	if elapsed := m.clock().Sub(m.lastAttempt); !m.lastAttempt.IsZero() && elapsed < delay {
		m.mu.Unlock()
		log.Debug().Dur("remaining", delay-elapsed).Msg("reauthentication cooling down")
		return ErrCoolingDown
	}
	m.attempts++
	m.lastAttempt = m.clock()
	attempt := m.attempts
	m.mu.Unlock()

	log.Info().Int("attempt", attempt).Int("max", m.maxAttempts).Msg("reauthenticating calendar grant")
	return m.RequestCalendarAccess(ctx)
}

// Disconnect deletes the remote grant and forgets the local one. The
// provider's own session is untouched: disconnecting the calendar must not
// sign the user out of the provider elsewhere.
func (m *Manager) Disconnect(ctx context.Context) error {
	user := m.session.CurrentIdentity()
	if user == nil {
		return apperr.NotSignedIn()
	}

	if _, err := m.store.ClearAuth(ctx, user.ID); err != nil {
		return err
	}

	m.mu.Lock()
	m.grant = nil
	m.profile = model.Profile{}
	m.mu.Unlock()

	m.clearAttempts()
	m.session.SetCalendarStatus(model.GrantNotConnected)
	log.Info().Str("userId", user.ID).Msg("calendar grant cleared")
	return nil
}

// AccessToken returns a calendar access token, refreshing first when the
// held one expires inside the lookahead window.
func (m *Manager) AccessToken(ctx context.Context) (string, error) {
	m.mu.Lock()
	held := m.grant
	m.mu.Unlock()

	if held == nil {
		return "", apperr.TokenInvalid("no calendar grant held")
	}
	if !held.ExpiresWithin(m.clock(), refreshLookahead) {
		return held.AccessToken, nil
	}

	refreshed, err := m.oauth.Refresh(ctx, held)
	if err != nil {
		return "", err
	}

	m.mu.Lock()
	m.grant = refreshed
	m.mu.Unlock()

	// Keep the remote copy fresh too; failure here only means the store
	// refreshes on its own next time.
	if user := m.session.CurrentIdentity(); user != nil {
		if storeErr := m.storeGrant(ctx, user.ID, *refreshed, m.profile); storeErr != nil {
			log.Warn().Err(storeErr).Msg("uploading refreshed grant failed")
		}
	}

	return refreshed.AccessToken, nil
}

// ResetAttempts clears the reauthentication counter, typically after a
// manual reconnect.
func (m *Manager) ResetAttempts() {
	m.clearAttempts()
}

func (m *Manager) clearAttempts() {
	m.mu.Lock()
	m.attempts = 0
	m.lastAttempt = time.Time{}
	m.mu.Unlock()
}

// tryBegin claims the linking guard without blocking: at most one linking
// flow may be in flight, and a concurrent request is rejected, not queued.
func (m *Manager) tryBegin() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.linking {
		return false
	}
	m.linking = true
	return true
}

func (m *Manager) end() {
	m.mu.Lock()
	m.linking = false
	m.mu.Unlock()
}
