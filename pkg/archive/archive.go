// Package archive persists session transcripts and turn events to Postgres.
package archive

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/harunnryd/duplex/pkg/logging"
	"github.com/harunnryd/duplex/pkg/redact"
	"github.com/harunnryd/duplex/pkg/session"
)

//go:embed migrations/*.sql
var migrations embed.FS

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// SessionRecord describes a session when it is opened.
type SessionRecord struct {
	ID              string
	TraceID         string
	Room            string
	Participant     string
	ParticipantKind string
	StartedAt       time.Time
}

// Recorder is what the engine writes to. Store is the Postgres
// implementation.
type Recorder interface {
	OpenSession(ctx context.Context, rec SessionRecord) error
	Record(ctx context.Context, ev session.Event) error
}

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

type Store struct {
	db     execer
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// Open connects to dsn, applies pending migrations and returns a ready
// store.
func Open(ctx context.Context, dsn string, logger *slog.Logger) (*Store, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("archive: dsn is required")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("archive: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("archive: ping: %w", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	s := newStore(pool, logger)
	s.pool = pool
	return s, nil
}

func newStore(db execer, logger *slog.Logger) *Store {
	return &Store{db: db, logger: logging.NewComponentLogger(logger, "archive")}
}

// Migrate brings the schema up to date with the embedded migrations.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	fsys, err := fs.Sub(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("archive: migrations: %w", err)
	}
	db := stdlib.OpenDBFromPool(pool)
	defer db.Close()
	provider, err := goose.NewProvider(goose.DialectPostgres, db, fsys)
	if err != nil {
		return fmt.Errorf("archive: migrations: %w", err)
	}
	results, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("archive: migrate: %w", err)
	}
	for _, r := range results {
		slog.Debug("archive_migration_applied", "version", r.Source.Version, "duration", r.Duration)
	}
	return nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

const (
	insertSession = `INSERT INTO sessions (id, trace_id, room, participant, participant_kind, started_at)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (id) DO NOTHING`

	closeSession = `UPDATE sessions SET closed_at = $2, close_reason = $3 WHERE id = $1`

	insertTranscript = `INSERT INTO transcripts (session_id, turn_id, role, content, interrupted, created_at)
VALUES ($1, $2, $3, $4, $5, $6)`

	insertEvent = `INSERT INTO session_events (session_id, turn_id, kind, reason, error_kind, latency_ms, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)`
)

func (s *Store) OpenSession(ctx context.Context, rec SessionRecord) error {
	if rec.StartedAt.IsZero() {
		rec.StartedAt = time.Now()
	}
	_, err := s.db.Exec(ctx, insertSession, rec.ID, rec.TraceID, rec.Room, rec.Participant, rec.ParticipantKind, rec.StartedAt.UTC())
	if err != nil {
		return fmt.Errorf("archive: open session %s: %w", rec.ID, err)
	}
	return nil
}

// Record stores what a session event says about the conversation. State
// changes and interim transcripts are not archived.
func (s *Store) Record(ctx context.Context, ev session.Event) error {
	at := ev.At.UTC()
	switch ev.Kind {
	case session.EventStateChanged, session.EventSpeechTranscribed, session.EventSessionStarted:
		return nil
	case session.EventSpeechCommitted:
		return s.transcript(ctx, ev.SessionID, ev.TurnID, RoleUser, ev.Transcript, false, at)
	case session.EventResponseCompleted:
		if err := s.transcript(ctx, ev.SessionID, ev.TurnID, RoleAssistant, ev.Reply, false, at); err != nil {
			return err
		}
	case session.EventInterruption:
		if err := s.transcript(ctx, ev.SessionID, ev.TurnID, RoleAssistant, ev.Reply, true, at); err != nil {
			return err
		}
	case session.EventSessionClosed:
		if _, err := s.db.Exec(ctx, closeSession, ev.SessionID, at, ev.Reason); err != nil {
			return fmt.Errorf("archive: close session %s: %w", ev.SessionID, err)
		}
		return nil
	}
	errKind := ""
	if ev.Err != nil {
		errKind = ev.ErrKind.String()
	}
	_, err := s.db.Exec(ctx, insertEvent, ev.SessionID, int64(ev.TurnID), string(ev.Kind), ev.Reason, errKind, ev.Latency.Milliseconds(), at)
	if err != nil {
		return fmt.Errorf("archive: event %s: %w", ev.Kind, err)
	}
	return nil
}

func (s *Store) transcript(ctx context.Context, sessionID string, turnID uint64, role, text string, interrupted bool, at time.Time) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	_, err := s.db.Exec(ctx, insertTranscript, sessionID, int64(turnID), role, redact.Text(text), interrupted, at)
	if err != nil {
		return fmt.Errorf("archive: transcript turn %d: %w", turnID, err)
	}
	s.logger.Debug("transcript_archived", "session_id", sessionID, "turn_id", turnID, "role", role)
	return nil
}

var _ Recorder = (*Store)(nil)
