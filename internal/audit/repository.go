package audit

import (
	"context"
	"database/sql"

	"github.com/rs/zerolog"
)

// PostgresRepository writes records to the session_audit table.
type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository uses db as is; the caller owns and closes it.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) Create(ctx context.Context, rec *Record) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO session_audit
			(id, route, status, user_id, client_id, session_id, latency_ms, error, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		rec.ID, rec.Route, rec.Status,
		nullString(rec.UserID), nullString(rec.ClientID), nullString(rec.SessionID),
		rec.LatencyMs, nullString(rec.Error), rec.CreatedAt,
	)
	return err
}

// LogRepository emits records as structured log lines. Used when no
// database is configured.
type LogRepository struct {
	logger zerolog.Logger
}

func NewLogRepository(logger zerolog.Logger) *LogRepository {
	return &LogRepository{logger: logger.With().Str("component", "audit").Logger()}
}

func (r *LogRepository) Create(_ context.Context, rec *Record) error {
	r.logger.Info().
		Str("audit_id", rec.ID).
		Str("route", rec.Route).
		Int("status", rec.Status).
		Str("user_id", rec.UserID).
		Str("client_id", rec.ClientID).
		Str("session_id", rec.SessionID).
		Int64("latency_ms", rec.LatencyMs).
		Str("error", rec.Error).
		Time("created_at", rec.CreatedAt).
		Msg("session audit")
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
