package postgres_test

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	pgxmock "github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/ai-chat-proxy/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/ai-chat-proxy/internal/domain"
)

func newMock(t *testing.T) pgxmock.PgxPoolIface {
	t.Helper()
	m, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(m.Close)
	return m
}

func TestTurnRepo_Append_InOrderInOneTx(t *testing.T) {
	m := newMock(t)
	m.ExpectBegin()
	m.ExpectExec("INSERT INTO chat_turns").
		WithArgs(pgxmock.AnyArg(), "s1", "u1", "user", "hi", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	m.ExpectExec("INSERT INTO chat_turns").
		WithArgs(pgxmock.AnyArg(), "s1", "u1", "assistant", "hello", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	m.ExpectCommit()

	err := postgres.NewTurnRepo(m).Append(context.Background(),
		domain.Turn{SessionID: "s1", UserID: "u1", Role: domain.RoleUser, Text: "hi"},
		domain.Turn{SessionID: "s1", UserID: "u1", Role: domain.RoleAssistant, Text: "hello"},
	)
	require.NoError(t, err)
	require.NoError(t, m.ExpectationsWereMet())
}

func TestTurnRepo_Append_InvalidRole(t *testing.T) {
	m := newMock(t)

	err := postgres.NewTurnRepo(m).Append(context.Background(),
		domain.Turn{SessionID: "s1", UserID: "u1", Role: "model", Text: "x"})
	require.ErrorIs(t, err, domain.ErrInvalidArgument)
	require.NoError(t, m.ExpectationsWereMet())
}

func TestTurnRepo_Append_Empty(t *testing.T) {
	m := newMock(t)
	require.NoError(t, postgres.NewTurnRepo(m).Append(context.Background()))
	require.NoError(t, m.ExpectationsWereMet())
}

func TestTurnRepo_Recent(t *testing.T) {
	m := newMock(t)
	now := time.Now().UTC()
	m.ExpectQuery("SELECT id, session_id, user_id, role, text, created_at FROM").
		WithArgs("u1", "s1", 2).
		WillReturnRows(pgxmock.NewRows([]string{"id", "session_id", "user_id", "role", "text", "created_at"}).
			AddRow("t1", "s1", "u1", "user", "hi", now).
			AddRow("t2", "s1", "u1", "assistant", "hello", now.Add(time.Millisecond)))

	turns, err := postgres.NewTurnRepo(m).Recent(context.Background(), "u1", "s1", 2)
	require.NoError(t, err)
	require.Len(t, turns, 2)
	assert.Equal(t, domain.RoleUser, turns[0].Role)
	assert.Equal(t, domain.RoleAssistant, turns[1].Role)
	assert.Equal(t, "hello", turns[1].Text)
	require.NoError(t, m.ExpectationsWereMet())
}

func TestTurnRepo_Recent_QueryError(t *testing.T) {
	m := newMock(t)
	m.ExpectQuery("FROM chat_turns").WillReturnError(assert.AnError)

	_, err := postgres.NewTurnRepo(m).Recent(context.Background(), "u1", "s1", 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "op=turn.recent")
}

func TestTurnRepo_ListSessions(t *testing.T) {
	m := newMock(t)
	now := time.Now().UTC()
	m.ExpectQuery("SELECT session_id, MAX\\(created_at\\)").
		WithArgs("u1").
		WillReturnRows(pgxmock.NewRows([]string{"session_id", "last_message", "message_count"}).
			AddRow("s2", now, int64(4)).
			AddRow("s1", now.Add(-time.Hour), int64(2)))

	sessions, err := postgres.NewTurnRepo(m).ListSessions(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, []domain.SessionSummary{
		{SessionID: "s2", LastMessage: now, MessageCount: 4},
		{SessionID: "s1", LastMessage: now.Add(-time.Hour), MessageCount: 2},
	}, sessions)
}

func TestTurnRepo_LatestSessionID(t *testing.T) {
	m := newMock(t)
	m.ExpectQuery("SELECT session_id FROM chat_turns").WithArgs("u1").
		WillReturnRows(pgxmock.NewRows([]string{"session_id"}).AddRow("s9"))
	m.ExpectQuery("SELECT session_id FROM chat_turns").WithArgs("u2").
		WillReturnError(pgx.ErrNoRows)

	repo := postgres.NewTurnRepo(m)
	id, err := repo.LatestSessionID(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, "s9", id)

	_, err = repo.LatestSessionID(context.Background(), "u2")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestTurnRepo_CountActiveSessions(t *testing.T) {
	m := newMock(t)
	since := time.Now().Add(-time.Hour)
	m.ExpectQuery("SELECT COUNT\\(DISTINCT session_id\\)").WithArgs(since).
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(int64(3)))

	n, err := postgres.NewTurnRepo(m).CountActiveSessions(context.Background(), since)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
}
