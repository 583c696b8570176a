package credstore

import (
	"strings"
	"time"
)

// Grant is a stored calendar credential, keyed by user id. One grant per
// user: storing again replaces the previous one.
type Grant struct {
	UserID       string    `db:"user_id"`
	AccessToken  string    `db:"access_token"`
	RefreshToken string    `db:"refresh_token"`
	Expiry       time.Time `db:"expiry"`
	Scopes       string    `db:"scopes"`
	Email        string    `db:"email"`
	DisplayName  string    `db:"display_name"`
	CreatedAt    time.Time `db:"created_at"`
	UpdatedAt    time.Time `db:"updated_at"`
}

// ScopeList splits the space-separated scopes column.
func (g *Grant) ScopeList() []string {
	return strings.Fields(g.Scopes)
}

func (g *Grant) Expired(now time.Time) bool {
	return !g.Expiry.IsZero() && now.After(g.Expiry)
}
