package db

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"notifypipe/internal/deadletter"
	"notifypipe/internal/types"
)

func sampleEntry() types.DeadLetterEntry {
	history := []types.DeliveryOutcome{
		{Status: types.OutcomeTransientFailure, ErrorKind: types.KindSendTransient, AttemptNumber: 1, OccurredAt: now},
		{Status: types.OutcomeTransientFailure, ErrorKind: types.KindSendTransient, AttemptNumber: 2, OccurredAt: now},
	}
	return types.DeadLetterEntry{
		RequestID: "r1",
		Channel:   types.ChannelEmail,
		Request: types.NotificationRequest{
			RequestID:    "r1",
			Channel:      types.ChannelEmail,
			Recipient:    "a@b.com",
			TemplateID:   "welcome_email",
			TemplateData: map[string]any{"name": "John"},
			RetryCount:   1,
			History:      history,
		},
		History:      history,
		Attempts:     2,
		LastError:    types.KindRetriesExhausted,
		MovedToDLQAt: now,
	}
}

func entryRow(t *testing.T, e types.DeadLetterEntry) []any {
	t.Helper()
	payload, err := encodePayload(e)
	require.NoError(t, err)
	var replayedAt any
	if e.ReplayedAt != nil {
		replayedAt = *e.ReplayedAt
	}
	return []any{e.RequestID, string(e.Channel), e.Attempts, string(e.LastError), payload, e.MovedToDLQAt, replayedAt, e.ReplayedAs}
}

func TestPayloadRoundTripIsCompressed(t *testing.T) {
	e := sampleEntry()
	e.Request.TemplateData["body"] = string(make([]byte, 4096))

	payload, err := encodePayload(e)
	require.NoError(t, err)
	assert.Less(t, len(payload), 1024, "zero-filled body should compress well")

	p, err := decodePayload(payload)
	require.NoError(t, err)
	assert.Equal(t, "welcome_email", p.Request.TemplateID)
	assert.Len(t, p.History, 2)
}

func TestDecodePayload_Corrupt(t *testing.T) {
	_, err := decodePayload([]byte("not zstd"))
	var appErr *types.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, types.ErrCodeInternalUnexpected, appErr.Code)
}

func TestDeadLetterRepository_Record_RearmsOnlyReplayed(t *testing.T) {
	db := new(mockDBTX)
	repo := NewDeadLetterRepository(db)

	db.On("Exec", mock.Anything, sqlContains("WHERE dead_letters.replayed_at IS NOT NULL"), mock.MatchedBy(func(args []any) bool {
		payload, ok := args[4].([]byte)
		return ok && len(payload) > 0 &&
			args[0] == "r1" && args[1] == types.ChannelEmail && args[2] == 2 && args[3] == types.KindRetriesExhausted
	})).Return(pgconn.NewCommandTag("INSERT 0 1"), nil)

	require.NoError(t, repo.Record(context.Background(), sampleEntry()))
	db.AssertExpectations(t)
}

func TestDeadLetterRepository_Get(t *testing.T) {
	db := new(mockDBTX)
	repo := NewDeadLetterRepository(db)
	db.On("QueryRow", mock.Anything, sqlContains("FROM dead_letters WHERE request_id = $1"), []any{"r1"}).
		Return(&mockRow{values: entryRow(t, sampleEntry())})

	e, err := repo.Get(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, types.KindRetriesExhausted, e.LastError)
	assert.Equal(t, "a@b.com", e.Request.Recipient)
	assert.Equal(t, "John", e.Request.TemplateData["name"])
	assert.Len(t, e.History, 2)
	assert.False(t, e.Replayed())
}

func TestDeadLetterRepository_Get_NotFound(t *testing.T) {
	db := new(mockDBTX)
	repo := NewDeadLetterRepository(db)
	db.On("QueryRow", mock.Anything, mock.Anything, mock.Anything).Return(&mockRow{scanErr: pgx.ErrNoRows})

	_, err := repo.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, deadletter.ErrNotFound)
}

func TestDeadLetterRepository_List_BuildsFilter(t *testing.T) {
	db := new(mockDBTX)
	repo := NewDeadLetterRepository(db)
	since := now.Add(-time.Hour)

	replayed := sampleEntry()
	replayed.RequestID = "r0"
	at := now.Add(time.Minute)
	replayed.ReplayedAt = &at
	replayed.ReplayedAs = "r0-new"

	db.On("Query", mock.Anything,
		mock.MatchedBy(func(sql string) bool {
			return assert.ObjectsAreEqual(
				"SELECT "+deadLetterColumns+" FROM dead_letters WHERE channel = $1 AND moved_to_dlq_at >= $2 ORDER BY moved_to_dlq_at DESC, request_id ASC LIMIT $3",
				sql)
		}),
		[]any{types.ChannelEmail, since, 20},
	).Return(newMockRows([][]any{entryRow(t, sampleEntry()), entryRow(t, replayed)}), nil)

	out, err := repo.List(context.Background(), deadletter.Filter{
		Channel:         types.ChannelEmail,
		Since:           since,
		IncludeReplayed: true,
		Limit:           20,
	})
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, "r1", out[0].RequestID)
	assert.True(t, out[1].Replayed())
	assert.Equal(t, "r0-new", out[1].ReplayedAs)
	db.AssertExpectations(t)
}

func TestDeadLetterRepository_List_DefaultsExcludeReplayed(t *testing.T) {
	db := new(mockDBTX)
	repo := NewDeadLetterRepository(db)

	db.On("Query", mock.Anything, sqlContains("WHERE replayed_at IS NULL ORDER BY"), []any{deadletter.DefaultListLimit}).
		Return(newMockRows(nil), nil)

	out, err := repo.List(context.Background(), deadletter.Filter{})
	require.NoError(t, err)
	assert.Empty(t, out)
	assert.NotNil(t, out)
}

func TestDeadLetterRepository_MarkReplayed(t *testing.T) {
	at := now.Add(time.Hour)

	t.Run("first call wins", func(t *testing.T) {
		db := new(mockDBTX)
		repo := NewDeadLetterRepository(db)
		db.On("Exec", mock.Anything, sqlContains("replayed_at IS NULL"), []any{"r1", at, "r1-new"}).
			Return(pgconn.NewCommandTag("UPDATE 1"), nil)

		require.NoError(t, repo.MarkReplayed(context.Background(), "r1", "r1-new", at))
	})

	t.Run("second call conflicts", func(t *testing.T) {
		db := new(mockDBTX)
		repo := NewDeadLetterRepository(db)
		db.On("Exec", mock.Anything, mock.Anything, mock.Anything).Return(pgconn.NewCommandTag("UPDATE 0"), nil)
		db.On("QueryRow", mock.Anything, sqlContains("SELECT EXISTS"), []any{"r1"}).Return(&mockRow{values: []any{true}})

		assert.ErrorIs(t, repo.MarkReplayed(context.Background(), "r1", "x", at), deadletter.ErrAlreadyReplayed)
	})

	t.Run("missing entry", func(t *testing.T) {
		db := new(mockDBTX)
		repo := NewDeadLetterRepository(db)
		db.On("Exec", mock.Anything, mock.Anything, mock.Anything).Return(pgconn.NewCommandTag("UPDATE 0"), nil)
		db.On("QueryRow", mock.Anything, mock.Anything, mock.Anything).Return(&mockRow{values: []any{false}})

		assert.ErrorIs(t, repo.MarkReplayed(context.Background(), "nope", "x", at), deadletter.ErrNotFound)
	})
}

func TestDeadLetterRepository_ReleaseReplay(t *testing.T) {
	t.Run("conditional on replayed_as", func(t *testing.T) {
		db := new(mockDBTX)
		repo := NewDeadLetterRepository(db)
		db.On("Exec", mock.Anything, sqlContains("replayed_as = $2"), []any{"r1", "r1-new"}).
			Return(pgconn.NewCommandTag("UPDATE 1"), nil)

		require.NoError(t, repo.ReleaseReplay(context.Background(), "r1", "r1-new"))
		db.AssertExpectations(t)
	})

	t.Run("db error", func(t *testing.T) {
		db := new(mockDBTX)
		repo := NewDeadLetterRepository(db)
		db.On("Exec", mock.Anything, mock.Anything, mock.Anything).
			Return(pgconn.CommandTag{}, errors.New("conn reset"))

		err := repo.ReleaseReplay(context.Background(), "r1", "r1-new")
		var appErr *types.AppError
		require.ErrorAs(t, err, &appErr)
		assert.Equal(t, types.ErrCodeInternalDB, appErr.Code)
	})
}
