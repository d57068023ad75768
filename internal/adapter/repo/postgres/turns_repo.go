package postgres

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/ai-chat-proxy/internal/domain"
)

// TurnRepo persists chat turns. The seq column fixes insertion order.
type TurnRepo struct{ Pool PgxPool }

// NewTurnRepo constructs a TurnRepo with the given pool.
func NewTurnRepo(p PgxPool) *TurnRepo { return &TurnRepo{Pool: p} }

var _ domain.TurnRepository = (*TurnRepo)(nil)

// Append stores turns in one transaction, in order.
func (r *TurnRepo) Append(ctx domain.Context, turns ...domain.Turn) error {
	if len(turns) == 0 {
		return nil
	}
	for _, t := range turns {
		if !t.Role.Valid() {
			return fmt.Errorf("op=turn.append: %w: role %q", domain.ErrInvalidArgument, t.Role)
		}
	}
	tracer := otel.Tracer("repo.chat_turns")
	ctx, span := tracer.Start(ctx, "chat_turns.Append")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "INSERT"),
		attribute.String("db.sql.table", "chat_turns"),
		attribute.Int("chat.turns", len(turns)),
	)

	tx, err := r.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("op=turn.append: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	q := `INSERT INTO chat_turns (id, session_id, user_id, role, text, created_at) VALUES ($1,$2,$3,$4,$5,$6)`
	now := time.Now().UTC()
	for _, t := range turns {
		id := t.ID
		if id == "" {
			id = uuid.New().String()
		}
		createdAt := t.CreatedAt
		if createdAt.IsZero() {
			createdAt = now
		}
		if _, err := tx.Exec(ctx, q, id, t.SessionID, t.UserID, string(t.Role), t.Text, createdAt); err != nil {
			return fmt.Errorf("op=turn.append: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("op=turn.append: commit: %w", err)
	}
	return nil
}

// Recent returns the last n turns of a session, oldest first.
func (r *TurnRepo) Recent(ctx domain.Context, userID, sessionID string, n int) ([]domain.Turn, error) {
	tracer := otel.Tracer("repo.chat_turns")
	ctx, span := tracer.Start(ctx, "chat_turns.Recent")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "SELECT"),
		attribute.String("db.sql.table", "chat_turns"),
	)
	// LIMIT NULL means no limit.
	var limit any
	if n > 0 {
		limit = n
	}
	q := `SELECT id, session_id, user_id, role, text, created_at FROM (
		SELECT seq, id, session_id, user_id, role, text, created_at FROM chat_turns
		WHERE user_id=$1 AND session_id=$2 ORDER BY seq DESC LIMIT $3
	) recent ORDER BY seq ASC`
	rows, err := r.Pool.Query(ctx, q, userID, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("op=turn.recent: %w", err)
	}
	defer rows.Close()

	out := make([]domain.Turn, 0)
	for rows.Next() {
		var t domain.Turn
		var role string
		if err := rows.Scan(&t.ID, &t.SessionID, &t.UserID, &role, &t.Text, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("op=turn.recent: scan: %w", err)
		}
		t.Role = domain.Role(role)
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=turn.recent: %w", err)
	}
	return out, nil
}

// ListSessions summarises a user's sessions, most recently active first.
func (r *TurnRepo) ListSessions(ctx domain.Context, userID string) ([]domain.SessionSummary, error) {
	tracer := otel.Tracer("repo.chat_turns")
	ctx, span := tracer.Start(ctx, "chat_turns.ListSessions")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "SELECT"),
		attribute.String("db.sql.table", "chat_turns"),
	)
	q := `SELECT session_id, MAX(created_at) AS last_message, COUNT(*) AS message_count
		FROM chat_turns WHERE user_id=$1
		GROUP BY session_id ORDER BY MAX(seq) DESC`
	rows, err := r.Pool.Query(ctx, q, userID)
	if err != nil {
		return nil, fmt.Errorf("op=turn.list_sessions: %w", err)
	}
	defer rows.Close()

	out := make([]domain.SessionSummary, 0)
	for rows.Next() {
		var s domain.SessionSummary
		var count int64
		if err := rows.Scan(&s.SessionID, &s.LastMessage, &count); err != nil {
			return nil, fmt.Errorf("op=turn.list_sessions: scan: %w", err)
		}
		s.MessageCount = int(count)
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=turn.list_sessions: %w", err)
	}
	return out, nil
}

// LatestSessionID returns the session holding the user's newest turn.
func (r *TurnRepo) LatestSessionID(ctx domain.Context, userID string) (string, error) {
	tracer := otel.Tracer("repo.chat_turns")
	ctx, span := tracer.Start(ctx, "chat_turns.LatestSessionID")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "SELECT"),
		attribute.String("db.sql.table", "chat_turns"),
	)
	q := `SELECT session_id FROM chat_turns WHERE user_id=$1 ORDER BY seq DESC LIMIT 1`
	var id string
	if err := r.Pool.QueryRow(ctx, q, userID).Scan(&id); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", fmt.Errorf("op=turn.latest_session: %w", domain.ErrNotFound)
		}
		return "", fmt.Errorf("op=turn.latest_session: %w", err)
	}
	return id, nil
}

// CountActiveSessions counts sessions with a turn at or after since.
func (r *TurnRepo) CountActiveSessions(ctx domain.Context, since time.Time) (int64, error) {
	tracer := otel.Tracer("repo.chat_turns")
	ctx, span := tracer.Start(ctx, "chat_turns.CountActiveSessions")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "COUNT"),
		attribute.String("db.sql.table", "chat_turns"),
	)
	q := `SELECT COUNT(DISTINCT session_id) FROM chat_turns WHERE created_at >= $1`
	var count int64
	if err := r.Pool.QueryRow(ctx, q, since).Scan(&count); err != nil {
		return 0, fmt.Errorf("op=turn.count_active: %w", err)
	}
	return count, nil
}
