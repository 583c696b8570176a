package credstore

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"
)

const schema = `
CREATE TABLE IF NOT EXISTS grants (
	user_id TEXT PRIMARY KEY,
	access_token TEXT NOT NULL,
	refresh_token TEXT NOT NULL,
	expiry TIMESTAMPTZ NOT NULL,
	scopes TEXT NOT NULL,
	email TEXT NOT NULL DEFAULT '',
	display_name TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
`

func EnsureSchema(ctx context.Context, db *sqlx.DB) error {
	_, err := db.ExecContext(ctx, schema)
	return err
}

type GrantRepository interface {
	FindByUserID(ctx context.Context, userID string) (*Grant, error)
	Upsert(ctx context.Context, grant *Grant) error
	Delete(ctx context.Context, userID string) error
	DeleteDead(ctx context.Context, cutoff time.Time) (int64, error)
}

type grantRepo struct {
	db *sqlx.DB
}

func NewGrantRepository(db *sqlx.DB) GrantRepository {
	return &grantRepo{db: db}
}

func (r *grantRepo) FindByUserID(ctx context.Context, userID string) (*Grant, error) {
	var grant Grant
	err := r.db.GetContext(ctx, &grant, `
		SELECT * FROM grants
		WHERE user_id = $1
	`, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &grant, nil
}

func (r *grantRepo) Upsert(ctx context.Context, grant *Grant) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO grants (user_id, access_token, refresh_token, expiry, scopes, email, display_name)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (user_id) DO UPDATE SET
			access_token = EXCLUDED.access_token,
			refresh_token = EXCLUDED.refresh_token,
			expiry = EXCLUDED.expiry,
			scopes = EXCLUDED.scopes,
			email = EXCLUDED.email,
			display_name = EXCLUDED.display_name,
			updated_at = NOW()
	`, grant.UserID, grant.AccessToken, grant.RefreshToken, grant.Expiry, grant.Scopes, grant.Email, grant.DisplayName)
	return err
}

func (r *grantRepo) Delete(ctx context.Context, userID string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM grants WHERE user_id = $1`, userID)
	return err
}

// DeleteDead removes grants that expired before cutoff and carry no refresh
// token; nothing can revive those.
func (r *grantRepo) DeleteDead(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx, `
		DELETE FROM grants
		WHERE refresh_token = '' AND expiry < $1
	`, cutoff)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
