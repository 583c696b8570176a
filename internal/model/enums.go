package model

// SessionState is the Identity Session's lifecycle state.
type SessionState string

const (
	SessionSignedOut      SessionState = "signed_out"
	SessionAuthenticating SessionState = "authenticating"
	SessionSignedIn       SessionState = "signed_in"
	SessionLinking        SessionState = "linking"
)

// ProviderID identifies a credential source.
type ProviderID string

const (
	ProviderNative ProviderID = "native"
	ProviderGoogle ProviderID = "google"
)

// GrantStatus is the calendar link manager's view of the remote grant.
type GrantStatus string

const (
	GrantUnknown       GrantStatus = "unknown"
	GrantAuthenticated GrantStatus = "authenticated"
	GrantNotConnected  GrantStatus = "not_connected"
	GrantExpired       GrantStatus = "expired"
)

// GrantCheck is the outcome of a remote grant check.
type GrantCheck struct {
	Status  GrantStatus
	Reason  string
	AuthURL string
}
