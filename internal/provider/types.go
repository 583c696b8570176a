package provider

import (
	"context"
	"errors"

	"github.com/echocal/echocal-go/internal/apperr"
	"github.com/echocal/echocal-go/internal/model"
)

var (
	// ErrProviderAlreadyLinked signals that the provider account is already
	// bound to the current Identity. Callers treat it as benign and proceed.
	ErrProviderAlreadyLinked = errors.New("provider already linked to this identity")

	// ErrInvalidState signals an OAuth callback whose state does not match
	// the in-flight request.
	ErrInvalidState = errors.New("oauth callback state mismatch")
)

// NativeResult is the native identity provider's successful sign-in response.
type NativeResult struct {
	IdentityToken string
	NonceEcho     string
}

// NativeProvider is the device-native identity provider boundary. The request
// carries only the nonce hash; the raw nonce never leaves the client.
type NativeProvider interface {
	SignIn(ctx context.Context, nonceHash string, claims []string) (*NativeResult, error)
}

// OAuthResult bundles what an interactive OAuth consent yields.
type OAuthResult struct {
	Credential model.Credential
	Profile    model.Profile
	IDToken    string
}

// OAuthProvider is the third-party OAuth identity/calendar provider boundary.
type OAuthProvider interface {
	// SignIn runs the interactive consent flow for the given scopes, using
	// hint to preselect an account when one is known.
	SignIn(ctx context.Context, hint string, scopes []string) (*OAuthResult, error)

	// Refresh exchanges the refresh token for fresh access material.
	Refresh(ctx context.Context, cred *model.Credential) (*model.Credential, error)

	// CurrentAccount reads the provider SDK's own session state. It may be
	// empty even while an Identity is signed in; callers must not assume the
	// two stay in sync.
	CurrentAccount() string

	// Revoke invalidates the provider's local grant (sign-out-everywhere).
	Revoke(ctx context.Context) error
}

// Exchanger is the session credential exchange endpoint boundary.
type Exchanger interface {
	// Exchange trades a provider identity token for a session credential.
	// A non-empty linkTo attaches the provider to that existing Identity
	// instead of creating a fresh one.
	Exchange(ctx context.Context, identityToken string, p model.ProviderID, linkTo string) (*model.SessionCredential, *model.Identity, error)

	// Refresh renews a session credential that is nearing expiry.
	Refresh(ctx context.Context, token string) (*model.SessionCredential, error)

	// Unlink detaches a provider from the identity and returns the updated
	// Identity.
	Unlink(ctx context.Context, token string, p model.ProviderID) (*model.Identity, error)
}

// mapProviderErrorCode translates the providers' closed error code set.
func mapProviderErrorCode(code string) error {
	switch code {
	case "canceled", "access_denied":
		return apperr.UserCanceled()
	case "no_auth_in_keychain":
		return apperr.TokenInvalid("no stored authorization in keychain")
	case "keychain_error":
		return apperr.TokenInvalid("keychain access failed")
	default:
		return apperr.TokenExchangeFailed(errors.New("provider error: " + code))
	}
}
