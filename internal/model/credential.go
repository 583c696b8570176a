package model

import "time"

// Credential is provider-issued bearer material for the calendar grant.
type Credential struct {
	AccessToken  string    `json:"accessToken"`
	RefreshToken string    `json:"refreshToken,omitempty"`
	Expiry       time.Time `json:"expiry"`
	Scopes       []string  `json:"scopes"`
}

func (c *Credential) Expired(now time.Time) bool {
	return !c.Expiry.IsZero() && now.After(c.Expiry)
}

// ExpiresWithin reports whether the credential is expired or will expire
// inside the lookahead window.
func (c *Credential) ExpiresWithin(now time.Time, window time.Duration) bool {
	return !c.Expiry.IsZero() && now.Add(window).After(c.Expiry)
}

// HasScopes checks required scopes by exact membership. A partially granted
// scope list does not satisfy the check.
func (c *Credential) HasScopes(required []string) bool {
	return len(MissingScopes(c.Scopes, required)) == 0
}

// MissingScopes returns the required scopes absent from granted, preserving
// order. Matching is exact, never prefix or substring.
func MissingScopes(granted, required []string) []string {
	have := make(map[string]struct{}, len(granted))
	for _, s := range granted {
		have[s] = struct{}{}
	}
	var missing []string
	for _, s := range required {
		if _, ok := have[s]; !ok {
			missing = append(missing, s)
		}
	}
	return missing
}

// SessionCredential is the internal credential returned by the exchange
// endpoint. It represents the authenticated Identity toward the backend.
type SessionCredential struct {
	Token  string    `json:"token"`
	UserID string    `json:"userId"`
	Expiry time.Time `json:"expiry"`
}

func (s *SessionCredential) Expired(now time.Time) bool {
	return !s.Expiry.IsZero() && now.After(s.Expiry)
}

// Profile is the metadata uploaded alongside a stored grant.
type Profile struct {
	Email       string `json:"email,omitempty"`
	DisplayName string `json:"displayName,omitempty"`
}
