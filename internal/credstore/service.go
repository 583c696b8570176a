package credstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/echocal/echocal-go/internal/model"
)

// ErrInvalidGrant rejects a store request whose bearer material is
// incomplete. Handlers surface it as a client error, never a 500.
var ErrInvalidGrant = errors.New("grant is missing required fields")

// CheckResult answers whether a usable grant is on file. AuthURL is the
// re-auth signal: set whenever the only way forward is a fresh consent.
type CheckResult struct {
	Authenticated bool
	Message       string
	AuthURL       string
}

// StoreParams carries an uploaded grant.
type StoreParams struct {
	UserID       string
	AccessToken  string
	RefreshToken string
	Expiry       time.Time
	Scopes       []string
	Email        string
	DisplayName  string
}

// Service owns grant storage semantics: what counts as a valid upload and
// what counts as a usable grant.
type Service struct {
	repo           GrantRepository
	requiredScopes []string
	reauthURL      string
	clock          func() time.Time
}

func NewService(repo GrantRepository, requiredScopes []string, reauthURL string) *Service {
	return &Service{
		repo:           repo,
		requiredScopes: append([]string(nil), requiredScopes...),
		reauthURL:      reauthURL,
		clock:          time.Now,
	}
}

// Check reports grant usability for a user. A grant that is merely expired
// but refreshable still counts as authenticated; refresh happens at use
// time. Missing scopes or an unrefreshable expiry demand a new consent.
func (s *Service) Check(ctx context.Context, userID string) (*CheckResult, error) {
	grant, err := s.repo.FindByUserID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("find grant: %w", err)
	}
	if grant == nil {
		return &CheckResult{Message: "calendar not connected"}, nil
	}

	if missing := model.MissingScopes(grant.ScopeList(), s.requiredScopes); len(missing) > 0 {
		return &CheckResult{
			Message: fmt.Sprintf("grant is missing required scopes: %s", strings.Join(missing, " ")),
			AuthURL: s.reauthURL,
		}, nil
	}

	if grant.Expired(s.clock()) && grant.RefreshToken == "" {
		return &CheckResult{
			Message: "grant expired and cannot be refreshed",
			AuthURL: s.reauthURL,
		}, nil
	}

	return &CheckResult{Authenticated: true}, nil
}

// Store validates and persists a grant. Both tokens and at least one scope
// are mandatory; a grant that cannot be refreshed server-side is useless.
func (s *Service) Store(ctx context.Context, p StoreParams) error {
	if p.UserID == "" || p.AccessToken == "" || p.RefreshToken == "" || len(p.Scopes) == 0 {
		return ErrInvalidGrant
	}

	err := s.repo.Upsert(ctx, &Grant{
		UserID:       p.UserID,
		AccessToken:  p.AccessToken,
		RefreshToken: p.RefreshToken,
		Expiry:       p.Expiry,
		Scopes:       strings.Join(p.Scopes, " "),
		Email:        p.Email,
		DisplayName:  p.DisplayName,
	})
	if err != nil {
		return fmt.Errorf("upsert grant: %w", err)
	}

	log.Info().Str("userId", p.UserID).Strs("scopes", p.Scopes).Msg("grant stored")
	return nil
}

// Clear deletes the user's grant. Clearing an absent grant succeeds; the
// caller wanted it gone and it is.
func (s *Service) Clear(ctx context.Context, userID string) error {
	if err := s.repo.Delete(ctx, userID); err != nil {
		return fmt.Errorf("delete grant: %w", err)
	}
	log.Info().Str("userId", userID).Msg("grant cleared")
	return nil
}
