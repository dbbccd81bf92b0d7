// Package audit records session exchange attempts. Writes are best-effort
// and run off the request path: a failed write is counted and logged, never
// returned.
package audit

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"tripp/gateway/internal/metrics"
)

const writeTimeout = 2 * time.Second

// Record is one row of session_audit.
type Record struct {
	ID        string
	Route     string
	Status    int
	UserID    string
	ClientID  string
	SessionID string
	LatencyMs int64
	Error     string
	CreatedAt time.Time
}

// Repository persists audit records.
type Repository interface {
	Create(ctx context.Context, rec *Record) error
}

// Logger writes records to a Repository in the background.
type Logger struct {
	repo Repository
	wg   sync.WaitGroup
}

// NewLogger returns a Logger for repo. A nil repo disables auditing.
func NewLogger(repo Repository) *Logger {
	return &Logger{repo: repo}
}

// Log queues rec and returns without waiting for the write. The write
// outlives a cancelled request but not writeTimeout.
func (l *Logger) Log(ctx context.Context, rec Record) {
	if l == nil || l.repo == nil {
		return
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	ctx = context.WithoutCancel(ctx)
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		ctx, cancel := context.WithTimeout(ctx, writeTimeout)
		defer cancel()
		if err := l.repo.Create(ctx, &rec); err != nil {
			metrics.AuditDropped.Inc()
			log.Warn().Err(err).Str("route", rec.Route).Int("status", rec.Status).Msg("audit write failed")
		}
	}()
}

// Wait blocks until every queued write has finished or timed out.
func (l *Logger) Wait() {
	if l == nil {
		return
	}
	l.wg.Wait()
}
