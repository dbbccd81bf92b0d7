package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const sessionColumns = `session_id, user_id, client_id, tier, device_hash, ua_hash, ip_hash,
	jti, kid, issuer, audience, created_at, updated_at, last_seen, expires_at, revoked_at`

// PostgresStore keeps sessions in the chat_sessions table.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) FindActiveByDevice(ctx context.Context, userID, deviceHash string) (*Session, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+sessionColumns+`
		FROM chat_sessions
		WHERE user_id = $1 AND device_hash = $2 AND revoked_at IS NULL
		ORDER BY created_at DESC
		LIMIT 1`, userID, deviceHash)
	return scanSession(row)
}

func (p *PostgresStore) Touch(ctx context.Context, id string, seen, expiresAt time.Time) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE chat_sessions
		SET last_seen = $2, updated_at = $2, expires_at = $3
		WHERE session_id = $1 AND revoked_at IS NULL`, id, seen, expiresAt)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// CreateWithCap serialises creations per user with a transaction-scoped
// advisory lock, so the device check and the cap hold across gateway instances.
func (p *PostgresStore) CreateWithCap(ctx context.Context, s *Session, limit int) (res *Result, err error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, s.UserID); err != nil {
		return nil, fmt.Errorf("lock user sessions: %w", err)
	}

	existing, err := scanSession(tx.QueryRowContext(ctx, `
		SELECT `+sessionColumns+`
		FROM chat_sessions
		WHERE user_id = $1 AND device_hash = $2 AND revoked_at IS NULL
		ORDER BY created_at DESC
		LIMIT 1`, s.UserID, s.DeviceHash))
	switch {
	case err == nil:
		if _, err = tx.ExecContext(ctx, `
			UPDATE chat_sessions
			SET last_seen = $2, updated_at = $2, expires_at = $3
			WHERE session_id = $1`, existing.ID, s.LastSeen, s.ExpiresAt); err != nil {
			return nil, fmt.Errorf("touch session: %w", err)
		}
		if err = tx.Commit(); err != nil {
			return nil, err
		}
		existing.LastSeen, existing.UpdatedAt, existing.ExpiresAt = s.LastSeen, s.LastSeen, s.ExpiresAt
		return &Result{Session: existing, Reused: true}, nil
	case !errors.Is(err, ErrNotFound):
		return nil, fmt.Errorf("recheck device: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO chat_sessions (`+sessionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		s.ID, s.UserID, nullString(s.ClientID), s.Tier, s.DeviceHash, s.UAHash, s.IPHash,
		nullString(s.JTI), nullString(s.KID), nullString(s.Issuer), nullString(s.Audience),
		s.CreatedAt, s.UpdatedAt, s.LastSeen, s.ExpiresAt, s.RevokedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert session: %w", err)
	}

	capped, err := tx.ExecContext(ctx, `
		UPDATE chat_sessions
		SET revoked_at = $2, updated_at = $2
		WHERE session_id IN (
			SELECT session_id FROM chat_sessions
			WHERE user_id = $1 AND revoked_at IS NULL
			ORDER BY created_at DESC, session_id DESC
			OFFSET $3
		)`, s.UserID, s.CreatedAt, limit)
	if err != nil {
		return nil, fmt.Errorf("enforce session cap: %w", err)
	}
	n, err := capped.RowsAffected()
	if err != nil {
		return nil, err
	}
	if err = tx.Commit(); err != nil {
		return nil, err
	}
	return &Result{Session: s, Revoked: int(n)}, nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Session, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM chat_sessions WHERE session_id = $1`, id)
	return scanSession(row)
}

func (p *PostgresStore) Revoke(ctx context.Context, id string, at time.Time) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE chat_sessions SET revoked_at = $2, updated_at = $2
		WHERE session_id = $1 AND revoked_at IS NULL`, id, at)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// ListActive returns the user's non-revoked sessions, newest first. No
// request path uses it; it lets tests and operators inspect a user's sessions.
func (p *PostgresStore) ListActive(ctx context.Context, userID string) ([]*Session, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+sessionColumns+`
		FROM chat_sessions
		WHERE user_id = $1 AND revoked_at IS NULL
		ORDER BY created_at DESC, session_id DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (*Session, error) {
	var (
		s                            Session
		clientID, jti, kid, iss, aud sql.NullString
		revokedAt                    sql.NullTime
	)
	err := row.Scan(
		&s.ID, &s.UserID, &clientID, &s.Tier, &s.DeviceHash, &s.UAHash, &s.IPHash,
		&jti, &kid, &iss, &aud,
		&s.CreatedAt, &s.UpdatedAt, &s.LastSeen, &s.ExpiresAt, &revokedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	s.ClientID, s.JTI, s.KID, s.Issuer, s.Audience = clientID.String, jti.String, kid.String, iss.String, aud.String
	if revokedAt.Valid {
		t := revokedAt.Time
		s.RevokedAt = &t
	}
	return &s, nil
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
