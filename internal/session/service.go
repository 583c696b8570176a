package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/echocal/echocal-go/internal/apperr"
	"github.com/echocal/echocal-go/internal/cache"
	"github.com/echocal/echocal-go/internal/config"
	"github.com/echocal/echocal-go/internal/model"
	"github.com/echocal/echocal-go/internal/provider"
	"github.com/echocal/echocal-go/internal/state"
	"github.com/echocal/echocal-go/internal/util"
)

var nativeClaims = []string{"email", "fullName"}

// SessionCache is the local advisory store consulted on cold start.
type SessionCache interface {
	SaveSession(ctx context.Context, sess *cache.CachedSession) error
	LoadSession(ctx context.Context) (*cache.CachedSession, error)
	Clear(ctx context.Context) error
}

// CalendarLinker is the link manager as seen from the session: a non-owning
// handle injected at composition time.
type CalendarLinker interface {
	RequestCalendarAccess(ctx context.Context) error
	Disconnect(ctx context.Context) error
}

// Service is the single source of truth for who is signed in. All mutating
// operations are serialized through one in-flight guard; a second mutating
// call while one is suspended on the network is rejected, not queued.
type Service struct {
	native   provider.NativeProvider
	oauth    provider.OAuthProvider
	exchange provider.Exchanger
	cache    SessionCache
	broker   *state.Broker
	linker   CalendarLinker

	refreshLookahead time.Duration
	clock            func() time.Time

	mu          sync.Mutex
	inFlight    bool
	st          model.SessionState
	identity    *model.Identity
	cred        *model.SessionCredential
	nonce       *model.Nonce
	calendar    model.GrantStatus
	softExpired bool
	errMsg      string
}

func New(
	native provider.NativeProvider,
	oauth provider.OAuthProvider,
	exchange provider.Exchanger,
	sessionCache SessionCache,
	broker *state.Broker,
	refreshLookahead time.Duration,
) *Service {
	return &Service{
		native:           native,
		oauth:            oauth,
		exchange:         exchange,
		cache:            sessionCache,
		broker:           broker,
		refreshLookahead: refreshLookahead,
		clock:            time.Now,
		st:               model.SessionSignedOut,
		calendar:         model.GrantUnknown,
	}
}

// SetCalendarLinker wires the link manager after both services exist.
func (s *Service) SetCalendarLinker(linker CalendarLinker) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.linker = linker
}

// SignInNative runs the device-native sign-in flow. When an Identity is
// already current this links the native provider onto it instead of
// replacing it, so an OAuth-linked account is never orphaned.
func (s *Service) SignInNative(ctx context.Context) error {
	prior, linking, err := s.begin()
	if err != nil {
		return err
	}
	defer s.end()

	nonce, err := s.issueNonce()
	if err != nil {
		s.restore(prior, err)
		return err
	}
	// The nonce is consumed once the callback resolves, on every path.
	defer s.consumeNonce()

	res, err := s.native.SignIn(ctx, nonce.Hash, nativeClaims)
	if err != nil {
		s.restore(prior, err)
		return err
	}

	return s.exchangeAndComplete(ctx, prior, linking, res.IdentityToken, model.ProviderNative)
}

// SignInOAuth runs the OAuth consent flow with baseline identity scopes
// only. Calendar scope is acquired afterwards by the link manager, off this
// call's critical path.
func (s *Service) SignInOAuth(ctx context.Context) error {
	prior, linking, err := s.begin()
	if err != nil {
		return err
	}
	defer s.end()

	res, err := s.oauth.SignIn(ctx, s.oauth.CurrentAccount(), provider.BaselineScopes)
	if err != nil {
		s.restore(prior, err)
		return err
	}

	if err := s.exchangeAndComplete(ctx, prior, linking, res.IDToken, model.ProviderGoogle); err != nil {
		return err
	}

	s.mu.Lock()
	linker := s.linker
	s.mu.Unlock()
	if linker != nil {
		go func() {
			linkCtx, cancel := context.WithTimeout(context.Background(), config.ConsentTimeout)
			defer cancel()
			if linkErr := linker.RequestCalendarAccess(linkCtx); linkErr != nil {
				log.Warn().Err(linkErr).Msg("calendar access request after oauth sign-in failed")
			}
		}()
	}
	return nil
}

// Link attaches a provider to the current Identity. Linking a provider that
// is already linked is a no-op.
func (s *Service) Link(ctx context.Context, p model.ProviderID) error {
	s.mu.Lock()
	if s.identity == nil {
		s.mu.Unlock()
		return apperr.NotSignedIn()
	}
	if s.identity.HasProvider(p) {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	switch p {
	case model.ProviderNative:
		return s.SignInNative(ctx)
	case model.ProviderGoogle:
		return s.SignInOAuth(ctx)
	default:
		return apperr.Internal("unknown provider: " + string(p))
	}
}

// EnsureOAuthLinked makes sure the OAuth provider is attached to the current
// Identity, linking it with the given identity token if needed. An
// already-linked response from the exchange endpoint is benign.
func (s *Service) EnsureOAuthLinked(ctx context.Context, identityToken string) error {
	s.mu.Lock()
	if s.identity == nil {
		s.mu.Unlock()
		return apperr.NotSignedIn()
	}
	if s.identity.HasProvider(model.ProviderGoogle) {
		s.mu.Unlock()
		return nil
	}
	linkTo := s.identity.ID
	s.mu.Unlock()

	cred, ident, err := s.exchange.Exchange(ctx, identityToken, model.ProviderGoogle, linkTo)
	if errors.Is(err, provider.ErrProviderAlreadyLinked) {
		s.mu.Lock()
		s.identity = s.identity.WithProvider(model.ProviderGoogle)
		s.publishLocked()
		s.mu.Unlock()
		return nil
	}
	if err != nil {
		return err
	}

	s.adopt(ctx, cred, ident.WithProvider(model.ProviderGoogle))
	return nil
}

// Unlink detaches a provider. The last remaining provider can never be
// unlinked: an Identity with zero sign-in methods would be unrecoverable.
func (s *Service) Unlink(ctx context.Context, p model.ProviderID) error {
	prior, linking, err := s.begin()
	if err != nil {
		return err
	}
	defer s.end()

	if !linking {
		s.restore(prior, nil)
		return apperr.NotSignedIn()
	}

	s.mu.Lock()
	if !s.identity.HasProvider(p) {
		s.mu.Unlock()
		s.restore(prior, nil)
		return nil
	}
	if len(s.identity.Providers) <= 1 {
		s.mu.Unlock()
		s.restore(prior, nil)
		return apperr.LastProvider()
	}
	token := s.cred.Token
	s.mu.Unlock()

	ident, err := s.exchange.Unlink(ctx, token, p)
	if err != nil {
		s.restore(prior, err)
		return err
	}

	s.mu.Lock()
	s.identity = ident
	s.st = model.SessionSignedIn
	s.errMsg = ""
	s.publishLocked()
	cred := *s.cred
	identity := *s.identity.Clone()
	s.mu.Unlock()

	s.saveCache(ctx, cred, identity)
	log.Info().Str("provider", string(p)).Msg("provider unlinked")
	return nil
}

// SignOut clears local session state. The remotely stored calendar
// credential is deliberately left in place: it is keyed by user id, not by
// session, so calendar access survives an ordinary sign-out.
func (s *Service) SignOut(ctx context.Context) error {
	s.mu.Lock()
	if s.inFlight {
		s.mu.Unlock()
		return apperr.AlreadyLinking()
	}
	s.clearLocked()
	s.publishLocked()
	s.mu.Unlock()

	if err := s.cache.Clear(ctx); err != nil {
		log.Warn().Err(err).Msg("clearing session cache failed")
	}
	log.Info().Msg("signed out")
	return nil
}

// SignOutEverywhere additionally severs the calendar linkage and revokes the
// OAuth provider's local grant before clearing local state.
func (s *Service) SignOutEverywhere(ctx context.Context) error {
	s.mu.Lock()
	if s.inFlight {
		s.mu.Unlock()
		return apperr.AlreadyLinking()
	}
	linker := s.linker
	s.mu.Unlock()

	// Remote teardown needs the still-valid session credential, so it runs
	// before the local clear. Failures are logged, not fatal: the user asked
	// to leave.
	if linker != nil {
		if err := linker.Disconnect(ctx); err != nil {
			log.Warn().Err(err).Msg("remote credential deletion failed during sign-out-everywhere")
		}
	}
	if err := s.oauth.Revoke(ctx); err != nil {
		log.Warn().Err(err).Msg("oauth grant revocation failed during sign-out-everywhere")
	}

	return s.SignOut(ctx)
}

// RestoreSession reconstructs the Identity from the local cache on cold
// start, refreshing the session credential when it is stale. An invalid or
// unrefreshable credential leaves the session signed out; interactive
// re-auth is then required.
func (s *Service) RestoreSession(ctx context.Context) error {
	if _, _, err := s.begin(); err != nil {
		return err
	}
	defer s.end()

	cached, err := s.cache.LoadSession(ctx)
	if err != nil || cached == nil {
		if err != nil {
			log.Warn().Err(err).Msg("session cache read failed")
		}
		s.restore(model.SessionSignedOut, nil)
		return nil
	}

	cred := cached.Credential
	if cred.Expired(s.clock()) {
		refreshed, refreshErr := s.exchange.Refresh(ctx, cred.Token)
		if refreshErr != nil {
			log.Info().Err(refreshErr).Msg("cached session credential not refreshable, interactive sign-in required")
			_ = s.cache.Clear(ctx)
			s.restore(model.SessionSignedOut, nil)
			return nil
		}
		cred = *refreshed
	}

	// The OAuth SDK keeps its own notion of a current user; it may lag or
	// disagree with the restored Identity and must be reconciled, not
	// assumed.
	if cached.Identity.HasProvider(model.ProviderGoogle) && s.oauth.CurrentAccount() == "" {
		log.Debug().Msg("restored identity is oauth-linked but provider session is absent")
	}

	s.adopt(ctx, &cred, cached.Identity.Clone())
	log.Info().Str("userId", cred.UserID).Msg("session restored")
	return nil
}

// ValidateCredential refreshes the session credential when it expires inside
// the lookahead window. It reports whether the current Identity is
// OAuth-linked so the caller can follow up with a remote grant check.
func (s *Service) ValidateCredential(ctx context.Context) (bool, error) {
	s.mu.Lock()
	if s.cred == nil {
		s.mu.Unlock()
		return false, nil
	}
	cred := *s.cred
	linked := s.identity.HasProvider(model.ProviderGoogle)
	s.mu.Unlock()

	if !cred.Expired(s.clock()) && !expiresWithin(cred, s.clock(), s.refreshLookahead) {
		return linked, nil
	}

	refreshed, err := s.exchange.Refresh(ctx, cred.Token)
	if err != nil {
		if apperr.Is(err, apperr.CodeTokenExchangeFailed) {
			// Stale beyond refresh: soft-expire rather than force sign-out.
			s.MarkSoftExpired(true)
		}
		return linked, err
	}

	s.mu.Lock()
	s.cred = refreshed
	s.softExpired = false
	identity := *s.identity.Clone()
	s.publishLocked()
	s.mu.Unlock()

	s.saveCache(ctx, *refreshed, identity)
	return linked, nil
}

// MarkSoftExpired flags the session as stale without signing the user out;
// cached data stays usable and privileged calls will prompt re-auth on
// rejection.
func (s *Service) MarkSoftExpired(expired bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.softExpired == expired {
		return
	}
	s.softExpired = expired
	s.publishLocked()
}

// SessionToken implements backend.CredentialSource.
func (s *Service) SessionToken(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cred == nil {
		return "", apperr.NotSignedIn()
	}
	return s.cred.Token, nil
}

// CurrentIdentity returns a copy of the signed-in Identity, or nil.
func (s *Service) CurrentIdentity() *model.Identity {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.identity == nil {
		return nil
	}
	return s.identity.Clone()
}

func (s *Service) State() model.SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st
}

// SetCalendarStatus records the link manager's latest grant status on the
// published snapshot.
func (s *Service) SetCalendarStatus(status model.GrantStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.calendar == status {
		return
	}
	s.calendar = status
	s.publishLocked()
}

// --- internals ---

// begin claims the in-flight guard and moves to the transient state:
// Authenticating from SignedOut, Linking from SignedIn. It reports the prior
// state and whether this is a link operation.
func (s *Service) begin() (model.SessionState, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.inFlight {
		return "", false, apperr.AlreadyLinking()
	}
	s.inFlight = true

	prior := s.st
	linking := s.identity != nil
	if linking {
		s.st = model.SessionLinking
	} else {
		s.st = model.SessionAuthenticating
	}
	s.publishLocked()
	return prior, linking, nil
}

func (s *Service) end() {
	s.mu.Lock()
	s.inFlight = false
	s.mu.Unlock()
}

// restore returns to the prior stable state after a failed or abandoned
// attempt. Only terminal, non-cancellation failures populate the visible
// error slot.
func (s *Service) restore(prior model.SessionState, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.st = prior
	if err != nil {
		if apperr.Is(err, apperr.CodeUserCanceled) {
			log.Info().Msg("sign-in canceled by user")
		} else {
			if appErr, ok := apperr.As(err); ok {
				s.errMsg = appErr.Message
			} else {
				s.errMsg = err.Error()
			}
			log.Error().Err(err).Msg("session operation failed")
		}
	}
	s.publishLocked()
}

func (s *Service) issueNonce() (*model.Nonce, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.nonce != nil {
		// A live nonce with no in-flight request means a callback was lost.
		return nil, apperr.InvalidNonceState()
	}
	value, err := util.GenerateToken()
	if err != nil {
		return nil, apperr.Internal("generate nonce")
	}
	s.nonce = &model.Nonce{Value: value, Hash: util.HashToken(value)}
	return s.nonce, nil
}

func (s *Service) consumeNonce() {
	s.mu.Lock()
	s.nonce = nil
	s.mu.Unlock()
}

func (s *Service) exchangeAndComplete(ctx context.Context, prior model.SessionState, linking bool, identityToken string, p model.ProviderID) error {
	linkTo := ""
	if linking {
		s.mu.Lock()
		linkTo = s.identity.ID
		s.mu.Unlock()
	}

	cred, ident, err := s.exchange.Exchange(ctx, identityToken, p, linkTo)
	if errors.Is(err, provider.ErrProviderAlreadyLinked) && linking {
		s.mu.Lock()
		s.identity = s.identity.WithProvider(p)
		s.st = model.SessionSignedIn
		s.errMsg = ""
		s.publishLocked()
		s.mu.Unlock()
		return nil
	}
	if err != nil {
		s.restore(prior, err)
		return err
	}

	s.adopt(ctx, cred, ident.WithProvider(p))
	log.Info().
		Str("provider", string(p)).
		Str("userId", cred.UserID).
		Bool("linked", linking).
		Msg("sign-in completed")
	return nil
}

// adopt installs a credential and identity as the signed-in session and
// persists the advisory cache copy.
func (s *Service) adopt(ctx context.Context, cred *model.SessionCredential, ident *model.Identity) {
	s.mu.Lock()
	s.cred = cred
	s.identity = ident
	s.st = model.SessionSignedIn
	s.softExpired = false
	s.errMsg = ""
	s.publishLocked()
	credCopy := *cred
	identCopy := *ident.Clone()
	s.mu.Unlock()

	s.saveCache(ctx, credCopy, identCopy)
}

func (s *Service) saveCache(ctx context.Context, cred model.SessionCredential, ident model.Identity) {
	if err := s.cache.SaveSession(ctx, &cache.CachedSession{Credential: cred, Identity: ident}); err != nil {
		log.Warn().Err(err).Msg("persisting session cache failed")
	}
}

func (s *Service) clearLocked() {
	s.identity = nil
	s.cred = nil
	s.nonce = nil
	s.st = model.SessionSignedOut
	s.calendar = model.GrantUnknown
	s.softExpired = false
	s.errMsg = ""
}

func (s *Service) publishLocked() {
	if s.broker == nil {
		return
	}
	var ident *model.Identity
	if s.identity != nil {
		ident = s.identity.Clone()
	}
	s.broker.Publish(state.Snapshot{
		State:        s.st,
		Identity:     ident,
		Calendar:     s.calendar,
		SoftExpired:  s.softExpired,
		ErrorMessage: s.errMsg,
	})
}

func expiresWithin(cred model.SessionCredential, now time.Time, window time.Duration) bool {
	return !cred.Expiry.IsZero() && now.Add(window).After(cred.Expiry)
}
