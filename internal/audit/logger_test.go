package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type memRepo struct {
	mu      sync.Mutex
	records []*Record
	err     error
	ctxErr  error
}

func (m *memRepo) Create(ctx context.Context, rec *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ctxErr = ctx.Err()
	if m.err != nil {
		return m.err
	}
	m.records = append(m.records, rec)
	return nil
}

// blockingRepo stalls every write until release is closed.
type blockingRepo struct {
	release chan struct{}
	memRepo
}

func (b *blockingRepo) Create(ctx context.Context, rec *Record) error {
	select {
	case <-b.release:
	case <-ctx.Done():
		return ctx.Err()
	}
	return b.memRepo.Create(ctx, rec)
}

func TestLogger_FillsIDAndTime(t *testing.T) {
	repo := &memRepo{}
	l := NewLogger(repo)
	l.Log(context.Background(), Record{Route: "/api/session/exchange", Status: 200})
	l.Wait()

	if len(repo.records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(repo.records))
	}
	rec := repo.records[0]
	if rec.ID == "" {
		t.Error("expected generated id")
	}
	if rec.CreatedAt.IsZero() {
		t.Error("expected created_at")
	}
}

func TestLogger_SwallowsErrors(t *testing.T) {
	repo := &memRepo{err: errors.New("db down")}
	l := NewLogger(repo)
	// Must not panic or block.
	l.Log(context.Background(), Record{Route: "/x", Status: 401})
	l.Wait()
}

func TestLogger_StalledRepositoryDoesNotBlockCaller(t *testing.T) {
	repo := &blockingRepo{release: make(chan struct{})}
	l := NewLogger(repo)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			l.Log(context.Background(), Record{Route: "/api/session/exchange", Status: 200})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Log blocked on a stalled repository")
	}

	close(repo.release)
	l.Wait()
	if len(repo.records) != 10 {
		t.Errorf("expected 10 records after release, got %d", len(repo.records))
	}
}

func TestLogger_SurvivesCancelledRequest(t *testing.T) {
	repo := &memRepo{}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	l := NewLogger(repo)
	l.Log(ctx, Record{Route: "/x", Status: 200})
	l.Wait()
	if repo.ctxErr != nil {
		t.Errorf("write context should not inherit cancellation, got %v", repo.ctxErr)
	}
	if len(repo.records) != 1 {
		t.Error("record should still be written")
	}
}

func TestLogger_NilRepoIsNoop(t *testing.T) {
	NewLogger(nil).Log(context.Background(), Record{})
	var l *Logger
	l.Log(context.Background(), Record{})
	l.Wait()
}

func TestLogRepository_WritesLine(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(NewLogRepository(zerolog.New(&buf)))
	l.Log(context.Background(), Record{Route: "/api/session/exchange", Status: 200, UserID: "u1"})
	l.Wait()

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("log line is not json: %v", err)
	}
	if line["user_id"] != "u1" || line["component"] != "audit" {
		t.Errorf("unexpected log line %v", line)
	}
}
