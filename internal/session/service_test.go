package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/echocal/echocal-go/internal/apperr"
	"github.com/echocal/echocal-go/internal/cache"
	"github.com/echocal/echocal-go/internal/model"
	"github.com/echocal/echocal-go/internal/provider"
	"github.com/echocal/echocal-go/internal/state"
)

type fakeNative struct {
	result    *provider.NativeResult
	err       error
	nonceHash string
	calls     int
}

func (f *fakeNative) SignIn(ctx context.Context, nonceHash string, claims []string) (*provider.NativeResult, error) {
	f.calls++
	f.nonceHash = nonceHash
	if f.err != nil {
		return nil, f.err
	}
	if f.result != nil {
		return f.result, nil
	}
	// Echo the hash back like a well-behaved provider.
	return &provider.NativeResult{IdentityToken: "native-id-token", NonceEcho: nonceHash}, nil
}

type fakeOAuth struct {
	result  *provider.OAuthResult
	err     error
	account string
	revoked int
	calls   int
}

func (f *fakeOAuth) SignIn(ctx context.Context, hint string, scopes []string) (*provider.OAuthResult, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

func (f *fakeOAuth) Refresh(ctx context.Context, cred *model.Credential) (*model.Credential, error) {
	return cred, nil
}

func (f *fakeOAuth) CurrentAccount() string { return f.account }

func (f *fakeOAuth) Revoke(ctx context.Context) error {
	f.revoked++
	return nil
}

type fakeExchanger struct {
	exchangeFn func(identityToken string, p model.ProviderID, linkTo string) (*model.SessionCredential, *model.Identity, error)
	refreshFn  func(token string) (*model.SessionCredential, error)
	unlinkFn   func(token string, p model.ProviderID) (*model.Identity, error)

	lastLinkTo string
	calls      int
}

func (f *fakeExchanger) Exchange(ctx context.Context, identityToken string, p model.ProviderID, linkTo string) (*model.SessionCredential, *model.Identity, error) {
	f.calls++
	f.lastLinkTo = linkTo
	return f.exchangeFn(identityToken, p, linkTo)
}

func (f *fakeExchanger) Refresh(ctx context.Context, token string) (*model.SessionCredential, error) {
	if f.refreshFn == nil {
		return nil, apperr.TokenExchangeFailed(nil)
	}
	return f.refreshFn(token)
}

func (f *fakeExchanger) Unlink(ctx context.Context, token string, p model.ProviderID) (*model.Identity, error) {
	return f.unlinkFn(token, p)
}

type fakeCache struct {
	saved   *cache.CachedSession
	cleared int
}

func (f *fakeCache) SaveSession(ctx context.Context, sess *cache.CachedSession) error {
	f.saved = sess
	return nil
}

func (f *fakeCache) LoadSession(ctx context.Context) (*cache.CachedSession, error) {
	if f.saved == nil {
		return nil, nil
	}
	copied := *f.saved
	return &copied, nil
}

func (f *fakeCache) Clear(ctx context.Context) error {
	f.cleared++
	f.saved = nil
	return nil
}

type fakeLinker struct {
	requested    int
	disconnected int
}

func (f *fakeLinker) RequestCalendarAccess(ctx context.Context) error {
	f.requested++
	return nil
}

func (f *fakeLinker) Disconnect(ctx context.Context) error {
	f.disconnected++
	return nil
}

func successfulExchange(userID string, providers ...model.ProviderID) func(string, model.ProviderID, string) (*model.SessionCredential, *model.Identity, error) {
	return func(identityToken string, p model.ProviderID, linkTo string) (*model.SessionCredential, *model.Identity, error) {
		return &model.SessionCredential{
				Token:  "session-token",
				UserID: userID,
				Expiry: time.Now().Add(time.Hour),
			}, &model.Identity{
				ID:        userID,
				Email:     "user@example.com",
				Providers: providers,
			}, nil
	}
}

func newTestService(native *fakeNative, oauth *fakeOAuth, exchange *fakeExchanger, store *fakeCache) *Service {
	if native == nil {
		native = &fakeNative{}
	}
	if oauth == nil {
		oauth = &fakeOAuth{}
	}
	if store == nil {
		store = &fakeCache{}
	}
	return New(native, oauth, exchange, store, state.NewBroker(), 10*time.Minute)
}

func TestSignInNative(t *testing.T) {
	t.Run("successful sign-in reaches signed-in with native provider linked", func(t *testing.T) {
		native := &fakeNative{}
		store := &fakeCache{}
		exchange := &fakeExchanger{exchangeFn: successfulExchange("u1", model.ProviderNative)}
		svc := newTestService(native, nil, exchange, store)

		err := svc.SignInNative(context.Background())

		require.NoError(t, err)
		assert.Equal(t, model.SessionSignedIn, svc.State())
		ident := svc.CurrentIdentity()
		require.NotNil(t, ident)
		assert.True(t, ident.HasProvider(model.ProviderNative))
		assert.NotEmpty(t, native.nonceHash, "sign-in request should carry the nonce hash")
		require.NotNil(t, store.saved, "successful sign-in should persist the cache copy")
		assert.Equal(t, "u1", store.saved.Credential.UserID)
	})

	t.Run("nonce is consumed after the callback on success and failure", func(t *testing.T) {
		exchange := &fakeExchanger{exchangeFn: successfulExchange("u1", model.ProviderNative)}
		svc := newTestService(nil, nil, exchange, nil)

		require.NoError(t, svc.SignInNative(context.Background()))
		assert.Nil(t, svc.nonce)

		failing := &fakeNative{err: apperr.TokenInvalid("keychain")}
		svc2 := newTestService(failing, nil, exchange, nil)
		require.Error(t, svc2.SignInNative(context.Background()))
		assert.Nil(t, svc2.nonce)
	})

	t.Run("provider failure reverts to signed-out and surfaces the error", func(t *testing.T) {
		native := &fakeNative{err: apperr.TokenInvalid("keychain access failed")}
		svc := newTestService(native, nil, &fakeExchanger{}, nil)

		err := svc.SignInNative(context.Background())

		assert.True(t, apperr.Is(err, apperr.CodeTokenInvalid))
		assert.Equal(t, model.SessionSignedOut, svc.State())
		snap, ok := svc.broker.Last()
		require.True(t, ok)
		assert.NotEmpty(t, snap.ErrorMessage)
	})

	t.Run("user cancellation reverts silently", func(t *testing.T) {
		native := &fakeNative{err: apperr.UserCanceled()}
		svc := newTestService(native, nil, &fakeExchanger{}, nil)

		err := svc.SignInNative(context.Background())

		assert.True(t, apperr.Is(err, apperr.CodeUserCanceled))
		assert.Equal(t, model.SessionSignedOut, svc.State())
		snap, ok := svc.broker.Last()
		require.True(t, ok)
		assert.Empty(t, snap.ErrorMessage, "cancellation is not an error to show")
	})

	t.Run("concurrent mutation is rejected not queued", func(t *testing.T) {
		svc := newTestService(nil, nil, &fakeExchanger{}, nil)
		svc.mu.Lock()
		svc.inFlight = true
		svc.mu.Unlock()

		err := svc.SignInNative(context.Background())

		assert.True(t, apperr.Is(err, apperr.CodeAlreadyLinking))
	})

	t.Run("signing in while signed in links onto the current identity", func(t *testing.T) {
		exchange := &fakeExchanger{exchangeFn: successfulExchange("u1", model.ProviderGoogle)}
		oauth := &fakeOAuth{result: &provider.OAuthResult{
			Credential: model.Credential{AccessToken: "at", RefreshToken: "rt", Scopes: provider.BaselineScopes},
			Profile:    model.Profile{Email: "user@example.com"},
			IDToken:    "google-id-token",
		}}
		svc := newTestService(nil, oauth, exchange, nil)
		require.NoError(t, svc.SignInOAuth(context.Background()))

		exchange.exchangeFn = successfulExchange("u1", model.ProviderGoogle, model.ProviderNative)
		require.NoError(t, svc.SignInNative(context.Background()))

		assert.Equal(t, "u1", exchange.lastLinkTo, "second sign-in should link, not replace")
		ident := svc.CurrentIdentity()
		assert.True(t, ident.HasProvider(model.ProviderGoogle))
		assert.True(t, ident.HasProvider(model.ProviderNative))
	})
}

func TestLink(t *testing.T) {
	t.Run("requires a signed-in identity", func(t *testing.T) {
		svc := newTestService(nil, nil, &fakeExchanger{}, nil)

		err := svc.Link(context.Background(), model.ProviderNative)

		assert.True(t, apperr.Is(err, apperr.CodeNotSignedIn))
	})

	t.Run("linking an already linked provider is a no-op", func(t *testing.T) {
		exchange := &fakeExchanger{exchangeFn: successfulExchange("u1", model.ProviderNative)}
		svc := newTestService(nil, nil, exchange, nil)
		require.NoError(t, svc.SignInNative(context.Background()))
		callsBefore := exchange.calls

		err := svc.Link(context.Background(), model.ProviderNative)

		require.NoError(t, err)
		assert.Equal(t, callsBefore, exchange.calls, "no exchange call for an idempotent link")
	})

	t.Run("already-linked response from the exchange is benign", func(t *testing.T) {
		exchange := &fakeExchanger{exchangeFn: successfulExchange("u1", model.ProviderGoogle)}
		oauth := &fakeOAuth{result: &provider.OAuthResult{
			Credential: model.Credential{AccessToken: "at", RefreshToken: "rt"},
			IDToken:    "google-id-token",
		}}
		native := &fakeNative{}
		svc := newTestService(native, oauth, exchange, nil)
		require.NoError(t, svc.SignInOAuth(context.Background()))

		exchange.exchangeFn = func(string, model.ProviderID, string) (*model.SessionCredential, *model.Identity, error) {
			return nil, nil, provider.ErrProviderAlreadyLinked
		}

		err := svc.Link(context.Background(), model.ProviderNative)

		require.NoError(t, err)
		assert.Equal(t, model.SessionSignedIn, svc.State())
		assert.True(t, svc.CurrentIdentity().HasProvider(model.ProviderNative))
	})
}

func TestUnlink(t *testing.T) {
	signedInBoth := func(t *testing.T) (*Service, *fakeExchanger) {
		t.Helper()
		exchange := &fakeExchanger{exchangeFn: successfulExchange("u1", model.ProviderNative, model.ProviderGoogle)}
		svc := newTestService(nil, nil, exchange, nil)
		require.NoError(t, svc.SignInNative(context.Background()))
		return svc, exchange
	}

	t.Run("unlinking one of two providers succeeds", func(t *testing.T) {
		svc, exchange := signedInBoth(t)
		exchange.unlinkFn = func(token string, p model.ProviderID) (*model.Identity, error) {
			return &model.Identity{ID: "u1", Providers: []model.ProviderID{model.ProviderNative}}, nil
		}

		err := svc.Unlink(context.Background(), model.ProviderGoogle)

		require.NoError(t, err)
		ident := svc.CurrentIdentity()
		assert.False(t, ident.HasProvider(model.ProviderGoogle))
		assert.True(t, ident.HasProvider(model.ProviderNative))
	})

	t.Run("the last provider can never be unlinked", func(t *testing.T) {
		exchange := &fakeExchanger{exchangeFn: successfulExchange("u1", model.ProviderNative)}
		svc := newTestService(nil, nil, exchange, nil)
		require.NoError(t, svc.SignInNative(context.Background()))

		err := svc.Unlink(context.Background(), model.ProviderNative)

		assert.True(t, apperr.Is(err, apperr.CodeLastProvider))
		assert.Equal(t, model.SessionSignedIn, svc.State(), "identity must stay intact")
	})

	t.Run("unlinking a provider that is not linked is a no-op", func(t *testing.T) {
		svc, _ := signedInBoth(t)

		require.NoError(t, svc.Unlink(context.Background(), "unknown"))
		assert.Equal(t, model.SessionSignedIn, svc.State())
	})
}

func TestSignOut(t *testing.T) {
	signedIn := func(t *testing.T, oauth *fakeOAuth, store *fakeCache) *Service {
		t.Helper()
		exchange := &fakeExchanger{exchangeFn: successfulExchange("u1", model.ProviderGoogle)}
		svc := newTestService(nil, oauth, exchange, store)
		require.NoError(t, svc.SignInNative(context.Background()))
		return svc
	}

	t.Run("clears local state and cache but leaves the remote grant", func(t *testing.T) {
		oauth := &fakeOAuth{}
		store := &fakeCache{}
		linker := &fakeLinker{}
		svc := signedIn(t, oauth, store)
		svc.SetCalendarLinker(linker)

		require.NoError(t, svc.SignOut(context.Background()))

		assert.Equal(t, model.SessionSignedOut, svc.State())
		assert.Nil(t, svc.CurrentIdentity())
		assert.Equal(t, 1, store.cleared)
		assert.Zero(t, linker.disconnected, "plain sign-out keeps the stored grant")
		assert.Zero(t, oauth.revoked)
	})

	t.Run("sign-out-everywhere severs the grant and revokes the provider", func(t *testing.T) {
		oauth := &fakeOAuth{}
		store := &fakeCache{}
		linker := &fakeLinker{}
		svc := signedIn(t, oauth, store)
		svc.SetCalendarLinker(linker)

		require.NoError(t, svc.SignOutEverywhere(context.Background()))

		assert.Equal(t, model.SessionSignedOut, svc.State())
		assert.Equal(t, 1, linker.disconnected)
		assert.Equal(t, 1, oauth.revoked)
	})

	t.Run("session token is unavailable after sign-out", func(t *testing.T) {
		svc := signedIn(t, &fakeOAuth{}, &fakeCache{})
		require.NoError(t, svc.SignOut(context.Background()))

		_, err := svc.SessionToken(context.Background())

		assert.True(t, apperr.Is(err, apperr.CodeNotSignedIn))
	})
}

func TestRestoreSession(t *testing.T) {
	t.Run("empty cache leaves the session signed out", func(t *testing.T) {
		svc := newTestService(nil, nil, &fakeExchanger{}, &fakeCache{})

		require.NoError(t, svc.RestoreSession(context.Background()))
		assert.Equal(t, model.SessionSignedOut, svc.State())
	})

	t.Run("valid cached credential restores the identity", func(t *testing.T) {
		store := &fakeCache{saved: &cache.CachedSession{
			Credential: model.SessionCredential{Token: "tok", UserID: "u1", Expiry: time.Now().Add(time.Hour)},
			Identity:   model.Identity{ID: "u1", Providers: []model.ProviderID{model.ProviderNative}},
		}}
		svc := newTestService(nil, nil, &fakeExchanger{}, store)

		require.NoError(t, svc.RestoreSession(context.Background()))

		assert.Equal(t, model.SessionSignedIn, svc.State())
		token, err := svc.SessionToken(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "tok", token)
	})

	t.Run("expired cached credential is refreshed before adoption", func(t *testing.T) {
		store := &fakeCache{saved: &cache.CachedSession{
			Credential: model.SessionCredential{Token: "stale", UserID: "u1", Expiry: time.Now().Add(-time.Hour)},
			Identity:   model.Identity{ID: "u1", Providers: []model.ProviderID{model.ProviderNative}},
		}}
		exchange := &fakeExchanger{refreshFn: func(token string) (*model.SessionCredential, error) {
			return &model.SessionCredential{Token: "fresh", UserID: "u1", Expiry: time.Now().Add(time.Hour)}, nil
		}}
		svc := newTestService(nil, nil, exchange, store)

		require.NoError(t, svc.RestoreSession(context.Background()))

		token, err := svc.SessionToken(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "fresh", token)
	})

	t.Run("unrefreshable credential falls back to signed out", func(t *testing.T) {
		store := &fakeCache{saved: &cache.CachedSession{
			Credential: model.SessionCredential{Token: "stale", UserID: "u1", Expiry: time.Now().Add(-time.Hour)},
			Identity:   model.Identity{ID: "u1", Providers: []model.ProviderID{model.ProviderNative}},
		}}
		svc := newTestService(nil, nil, &fakeExchanger{}, store)

		require.NoError(t, svc.RestoreSession(context.Background()))

		assert.Equal(t, model.SessionSignedOut, svc.State())
		assert.Equal(t, 1, store.cleared, "stale cache should be dropped")
	})
}

func TestValidateCredential(t *testing.T) {
	signedIn := func(t *testing.T, exchange *fakeExchanger, expiry time.Time) *Service {
		t.Helper()
		exchange.exchangeFn = func(string, model.ProviderID, string) (*model.SessionCredential, *model.Identity, error) {
			return &model.SessionCredential{Token: "tok", UserID: "u1", Expiry: expiry},
				&model.Identity{ID: "u1", Providers: []model.ProviderID{model.ProviderGoogle}}, nil
		}
		oauth := &fakeOAuth{result: &provider.OAuthResult{
			Credential: model.Credential{AccessToken: "at", RefreshToken: "rt"},
			IDToken:    "id-token",
		}}
		svc := newTestService(nil, oauth, exchange, nil)
		require.NoError(t, svc.SignInOAuth(context.Background()))
		return svc
	}

	t.Run("fresh credential skips the refresh call", func(t *testing.T) {
		exchange := &fakeExchanger{refreshFn: func(string) (*model.SessionCredential, error) {
			t.Fatal("refresh should not be called for a fresh credential")
			return nil, nil
		}}
		svc := signedIn(t, exchange, time.Now().Add(time.Hour))

		linked, err := svc.ValidateCredential(context.Background())

		require.NoError(t, err)
		assert.True(t, linked)
	})

	t.Run("credential inside the lookahead window is refreshed", func(t *testing.T) {
		refreshed := false
		exchange := &fakeExchanger{refreshFn: func(string) (*model.SessionCredential, error) {
			refreshed = true
			return &model.SessionCredential{Token: "fresh", UserID: "u1", Expiry: time.Now().Add(time.Hour)}, nil
		}}
		svc := signedIn(t, exchange, time.Now().Add(time.Minute))

		_, err := svc.ValidateCredential(context.Background())

		require.NoError(t, err)
		assert.True(t, refreshed)
	})

	t.Run("failed refresh soft-expires instead of signing out", func(t *testing.T) {
		exchange := &fakeExchanger{}
		svc := signedIn(t, exchange, time.Now().Add(-time.Minute))

		_, err := svc.ValidateCredential(context.Background())

		require.Error(t, err)
		assert.Equal(t, model.SessionSignedIn, svc.State(), "soft expiry keeps the identity")
		snap, ok := svc.broker.Last()
		require.True(t, ok)
		assert.True(t, snap.SoftExpired)
	})

	t.Run("nothing to validate when signed out", func(t *testing.T) {
		svc := newTestService(nil, nil, &fakeExchanger{}, nil)

		linked, err := svc.ValidateCredential(context.Background())

		require.NoError(t, err)
		assert.False(t, linked)
	})
}
