package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/echocal/echocal-go/internal/model"
)

const schema = `
CREATE TABLE IF NOT EXISTS session_cache (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	payload TEXT NOT NULL,
	updated_at TIMESTAMP NOT NULL
);
`

// CachedSession is the advisory local copy of the last authenticated session.
// The remote store stays authoritative; this exists only so a cold start can
// restore the Identity without prompting the user.
type CachedSession struct {
	Credential model.SessionCredential `json:"credential"`
	Identity   model.Identity          `json:"identity"`
}

type Cache struct {
	db *sqlx.DB
}

func Open(path string) (*Cache, error) {
	db, err := sqlx.Connect("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open session cache: %w", err)
	}

	// modernc sqlite serializes writes; a single connection avoids lock
	// contention errors.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init session cache schema: %w", err)
	}

	return &Cache{db: db}, nil
}

func (c *Cache) SaveSession(ctx context.Context, sess *CachedSession) error {
	payload, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("encode cached session: %w", err)
	}

	_, err = c.db.ExecContext(ctx, `
		INSERT INTO session_cache (id, payload, updated_at) VALUES (1, ?, ?)
		ON CONFLICT (id) DO UPDATE SET payload = excluded.payload, updated_at = excluded.updated_at
	`, string(payload), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("save cached session: %w", err)
	}
	return nil
}

// LoadSession returns nil without error when no session is cached.
func (c *Cache) LoadSession(ctx context.Context) (*CachedSession, error) {
	var payload string
	err := c.db.GetContext(ctx, &payload, `SELECT payload FROM session_cache WHERE id = 1`)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load cached session: %w", err)
	}

	var sess CachedSession
	if err := json.Unmarshal([]byte(payload), &sess); err != nil {
		// A corrupt cache row is equivalent to no cache at all.
		return nil, nil
	}
	return &sess, nil
}

func (c *Cache) Clear(ctx context.Context) error {
	_, err := c.db.ExecContext(ctx, `DELETE FROM session_cache WHERE id = 1`)
	if err != nil {
		return fmt.Errorf("clear cached session: %w", err)
	}
	return nil
}

func (c *Cache) Close() error {
	return c.db.Close()
}
