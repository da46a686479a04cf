package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ashureev/improv-stage/internal/domain"
	"github.com/ashureev/improv-stage/internal/shared"
)

type dialect int

const (
	dialectSQLite dialect = iota
	dialectPostgres
)

const (
	updateMaxRetries = 5
	updateBaseDelay  = 20 * time.Millisecond
)

// SQLStore implements Repository on database/sql for SQLite and Postgres.
// Updates use an optimistic version check, so concurrent writers to the same
// session never overwrite each other; the loser re-reads and re-applies its
// mutator.
type SQLStore struct {
	db      *sql.DB
	dialect dialect
	writeMu sync.Mutex // serializes SQLite writers to avoid SQLITE_BUSY
	now     func() time.Time
}

const sessionColumns = `session_id, phase, modality, scene_length, turn_count,
	current_sentiment, stability_count, degraded_turns, coach_feedback,
	history_json, sentiment_json, version, created_at, updated_at, expires_at`

func newSQLStore(db *sql.DB, d dialect) *SQLStore {
	return &SQLStore{db: db, dialect: d, now: time.Now}
}

func (s *SQLStore) initSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS stage_sessions (
			session_id        TEXT PRIMARY KEY,
			phase             TEXT    NOT NULL,
			modality          TEXT    NOT NULL,
			scene_length      INTEGER NOT NULL,
			turn_count        INTEGER NOT NULL DEFAULT 0,
			current_sentiment TEXT    NOT NULL,
			stability_count   INTEGER NOT NULL DEFAULT 0,
			degraded_turns    INTEGER NOT NULL DEFAULT 0,
			coach_feedback    TEXT    NOT NULL DEFAULT '',
			history_json      TEXT    NOT NULL,
			sentiment_json    TEXT    NOT NULL,
			version           BIGINT  NOT NULL DEFAULT 0,
			created_at        BIGINT  NOT NULL,
			updated_at        BIGINT  NOT NULL,
			expires_at        BIGINT  NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_stage_sessions_expires ON stage_sessions(expires_at)`,
	}
	if s.dialect == dialectSQLite {
		stmts = append([]string{`PRAGMA busy_timeout = 5000`}, stmts...)
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
	}
	return nil
}

// rebind rewrites ? placeholders into $n for Postgres.
func (s *SQLStore) rebind(query string) string {
	if s.dialect != dialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQLStore) lockWrites() func() {
	if s.dialect != dialectSQLite {
		return func() {}
	}
	s.writeMu.Lock()
	return s.writeMu.Unlock
}

// Ping verifies database connectivity.
func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// CreateSession inserts a new session row.
func (s *SQLStore) CreateSession(ctx context.Context, session *domain.Session) (string, error) {
	if session.ID == "" {
		return "", errors.New("session id is required")
	}
	history, sentiments, err := encodeHistories(session)
	if err != nil {
		return "", err
	}

	unlock := s.lockWrites()
	defer unlock()

	query := s.rebind(`INSERT INTO stage_sessions (` + sessionColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err = s.db.ExecContext(ctx, query,
		session.ID, string(session.Phase), string(session.Modality), session.SceneLength, session.TurnCount,
		string(session.CurrentSentiment), session.StabilityCount, session.DegradedTurns, session.CoachFeedback,
		history, sentiments, session.Version,
		session.CreatedAt.UnixMilli(), session.UpdatedAt.UnixMilli(), session.ExpiresAt.UnixMilli(),
	)
	if err != nil {
		return "", fmt.Errorf("insert session: %w", err)
	}
	return session.ID, nil
}

// GetSession retrieves a live session.
func (s *SQLStore) GetSession(ctx context.Context, sessionID string) (*domain.Session, error) {
	return s.getSession(ctx, sessionID, s.now())
}

func (s *SQLStore) getSession(ctx context.Context, sessionID string, now time.Time) (*domain.Session, error) {
	query := s.rebind(`SELECT ` + sessionColumns + ` FROM stage_sessions
		WHERE session_id = ? AND expires_at > ?`)
	row := s.db.QueryRowContext(ctx, query, sessionID, now.UnixMilli())

	var (
		session                         domain.Session
		phase, modality, sentiment      string
		historyJSON, sentimentJSON      string
		createdAt, updatedAt, expiresAt int64
	)
	err := row.Scan(
		&session.ID, &phase, &modality, &session.SceneLength, &session.TurnCount,
		&sentiment, &session.StabilityCount, &session.DegradedTurns, &session.CoachFeedback,
		&historyJSON, &sentimentJSON, &session.Version,
		&createdAt, &updatedAt, &expiresAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan session row: %w", err)
	}

	session.Phase = domain.Phase(phase)
	session.Modality = domain.Modality(modality)
	session.CurrentSentiment = domain.Sentiment(sentiment)
	session.CreatedAt = time.UnixMilli(createdAt)
	session.UpdatedAt = time.UnixMilli(updatedAt)
	session.ExpiresAt = time.UnixMilli(expiresAt)
	if err := json.Unmarshal([]byte(historyJSON), &session.History); err != nil {
		return nil, fmt.Errorf("decode history: %w", err)
	}
	if err := json.Unmarshal([]byte(sentimentJSON), &session.SentimentHistory); err != nil {
		return nil, fmt.Errorf("decode sentiment history: %w", err)
	}
	return &session, nil
}

// UpdateSession applies mutate against the latest persisted state and writes
// it back only if no other writer committed in between.
// Implements retry logic with exponential backoff to handle version
// conflicts and SQLITE_BUSY errors.
func (s *SQLStore) UpdateSession(ctx context.Context, sessionID string, mutate Mutator) (*domain.Session, error) {
	var lastErr error
	for i := 0; i < updateMaxRetries; i++ {
		updated, err := s.updateOnce(ctx, sessionID, mutate)
		if err == nil {
			return updated, nil
		}
		if !shared.IsRetryableConflict(err) {
			return nil, err
		}
		lastErr = err

		if i < updateMaxRetries-1 {
			delay := updateBaseDelay * time.Duration(1<<i)
			slog.Debug("UpdateSession conflicted, retrying",
				"session_id", sessionID,
				"attempt", i+1,
				"delay", delay,
				"error", err)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}
	}
	return nil, fmt.Errorf("update session %s after %d attempts: %w", sessionID, updateMaxRetries, lastErr)
}

func (s *SQLStore) updateOnce(ctx context.Context, sessionID string, mutate Mutator) (*domain.Session, error) {
	unlock := s.lockWrites()
	defer unlock()

	now := s.now()
	current, err := s.getSession(ctx, sessionID, now)
	if err != nil {
		return nil, err
	}

	next := current.Clone()
	if err := mutate(next); err != nil {
		return nil, err
	}
	next.ID = current.ID
	next.Version = current.Version + 1
	next.UpdatedAt = now

	history, sentiments, err := encodeHistories(next)
	if err != nil {
		return nil, err
	}

	query := s.rebind(`UPDATE stage_sessions SET
		phase = ?, modality = ?, scene_length = ?, turn_count = ?, current_sentiment = ?,
		stability_count = ?, degraded_turns = ?, coach_feedback = ?,
		history_json = ?, sentiment_json = ?, version = ?, updated_at = ?, expires_at = ?
		WHERE session_id = ? AND version = ?`)
	result, err := s.db.ExecContext(ctx, query,
		string(next.Phase), string(next.Modality), next.SceneLength, next.TurnCount, string(next.CurrentSentiment),
		next.StabilityCount, next.DegradedTurns, next.CoachFeedback,
		history, sentiments, next.Version, next.UpdatedAt.UnixMilli(), next.ExpiresAt.UnixMilli(),
		sessionID, current.Version,
	)
	if err != nil {
		return nil, fmt.Errorf("update session: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		return nil, shared.ErrVersionConflict
	}
	return next, nil
}

// DeleteExpiredSessions removes sessions past their expiry.
func (s *SQLStore) DeleteExpiredSessions(ctx context.Context, now time.Time) ([]string, error) {
	unlock := s.lockWrites()
	defer unlock()

	query := s.rebind(`DELETE FROM stage_sessions WHERE expires_at <= ? RETURNING session_id`)
	rows, err := s.db.QueryContext(ctx, query, now.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("delete expired sessions: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close expired sessions rows", "error", closeErr)
		}
	}()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan expired session id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate expired sessions: %w", err)
	}
	return ids, nil
}

func encodeHistories(session *domain.Session) (string, string, error) {
	history := session.History
	if history == nil {
		history = []domain.Message{}
	}
	sentiments := session.SentimentHistory
	if sentiments == nil {
		sentiments = []domain.Sentiment{}
	}
	h, err := json.Marshal(history)
	if err != nil {
		return "", "", fmt.Errorf("encode history: %w", err)
	}
	sh, err := json.Marshal(sentiments)
	if err != nil {
		return "", "", fmt.Errorf("encode sentiment history: %w", err)
	}
	return string(h), string(sh), nil
}
