package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"corpmsg-backend/internal/domain"
	"corpmsg-backend/internal/repository"
	apperrors "corpmsg-backend/pkg/errors"
)

var base = time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)

func newCall(mode domain.CallMode, initiator uuid.UUID, chatID *uuid.UUID, createdAt time.Time) *domain.Call {
	return &domain.Call{
		CallID:      uuid.New(),
		CallType:    domain.CallTypeAudio,
		CallMode:    mode,
		ChatID:      chatID,
		InitiatedBy: initiator,
		RoomName:    "call-" + uuid.NewString(),
		Status:      domain.CallStatusInitiated,
		CreatedAt:   createdAt,
	}
}

func TestCallRepository_CreateAndGet(t *testing.T) {
	ctx := context.Background()
	repo := NewCallRepository()
	chatID := uuid.New()
	c := newCall(domain.CallModeGroup, uuid.New(), &chatID, base)
	c.Invite = &domain.InviteToken{Token: "tok", CallID: c.CallID, IssuedAt: base}

	require.NoError(t, repo.Create(ctx, c))
	assert.Error(t, repo.Create(ctx, c))

	got, err := repo.GetByID(ctx, c.CallID)
	require.NoError(t, err)
	assert.Equal(t, c.RoomName, got.RoomName)

	// returned values are copies
	got.Status = domain.CallStatusEnded
	again, err := repo.GetByID(ctx, c.CallID)
	require.NoError(t, err)
	assert.Equal(t, domain.CallStatusInitiated, again.Status)

	byToken, err := repo.GetByInviteToken(ctx, "tok")
	require.NoError(t, err)
	assert.Equal(t, c.CallID, byToken.CallID)

	_, err = repo.GetByInviteToken(ctx, "nope")
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeInvalidToken))

	_, err = repo.GetByID(ctx, uuid.New())
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeCallNotFound))
}

func TestCallRepository_InCallRollsBackOnError(t *testing.T) {
	ctx := context.Background()
	repo := NewCallRepository()
	c := newCall(domain.CallModeDirect, uuid.New(), nil, base)
	require.NoError(t, repo.Create(ctx, c))

	boom := errors.New("boom")
	err := repo.InCall(ctx, c.CallID, func(tx repository.CallTx) error {
		require.NoError(t, tx.InsertParticipant(ctx, &domain.CallParticipant{ID: uuid.New(), CallID: c.CallID, UserID: c.InitiatedBy, JoinedAt: base}))
		call := tx.Call()
		call.Status = domain.CallStatusOngoing
		require.NoError(t, tx.SaveCall(ctx, call))
		return boom
	})
	assert.ErrorIs(t, err, boom)

	got, rows, err := repo.Snapshot(ctx, c.CallID)
	require.NoError(t, err)
	assert.Equal(t, domain.CallStatusInitiated, got.Status)
	assert.Empty(t, rows)
}

func TestCallRepository_TxGuards(t *testing.T) {
	ctx := context.Background()
	repo := NewCallRepository()
	c := newCall(domain.CallModeDirect, uuid.New(), nil, base)
	require.NoError(t, repo.Create(ctx, c))
	userID := uuid.New()

	err := repo.InCall(ctx, c.CallID, func(tx repository.CallTx) error {
		p := &domain.CallParticipant{ID: uuid.New(), CallID: c.CallID, UserID: userID, JoinedAt: base}
		require.NoError(t, tx.InsertParticipant(ctx, p))

		dup := &domain.CallParticipant{ID: uuid.New(), CallID: c.CallID, UserID: userID, JoinedAt: base}
		assert.True(t, apperrors.HasCode(tx.InsertParticipant(ctx, dup), apperrors.ErrCodeAlreadyActive))

		require.NoError(t, tx.CloseParticipant(ctx, p.ID, base.Add(time.Second)))
		assert.True(t, apperrors.HasCode(tx.CloseParticipant(ctx, p.ID, base.Add(time.Second)), apperrors.ErrCodeNotActive))
		assert.True(t, apperrors.HasCode(tx.CloseParticipant(ctx, uuid.New(), base), apperrors.ErrCodeNotActive))

		other := newCall(domain.CallModeDirect, uuid.New(), nil, base)
		assert.Error(t, tx.SaveCall(ctx, other))
		return nil
	})
	require.NoError(t, err)

	_, rows, err := repo.Snapshot(ctx, c.CallID)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.NotNil(t, rows[0].LeftAt)
}

func TestCallRepository_SnapshotOrdersByJoinTime(t *testing.T) {
	ctx := context.Background()
	repo := NewCallRepository()
	c := newCall(domain.CallModeDirect, uuid.New(), nil, base)
	require.NoError(t, repo.Create(ctx, c))

	late := &domain.CallParticipant{ID: uuid.New(), UserID: uuid.New(), JoinedAt: base.Add(2 * time.Second)}
	tieA := &domain.CallParticipant{ID: uuid.New(), UserID: uuid.New(), JoinedAt: base}
	tieB := &domain.CallParticipant{ID: uuid.New(), UserID: uuid.New(), JoinedAt: base}

	require.NoError(t, repo.InCall(ctx, c.CallID, func(tx repository.CallTx) error {
		for _, p := range []*domain.CallParticipant{late, tieA, tieB} {
			if err := tx.InsertParticipant(ctx, p); err != nil {
				return err
			}
		}
		return nil
	}))

	_, rows, err := repo.Snapshot(ctx, c.CallID)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, tieA.ID, rows[0].ID)
	assert.Equal(t, tieB.ID, rows[1].ID)
	assert.Equal(t, late.ID, rows[2].ID)
}

func TestCallRepository_InCallSerializesPerCall(t *testing.T) {
	ctx := context.Background()
	repo := NewCallRepository()
	c := newCall(domain.CallModeGroup, uuid.New(), nil, base)
	require.NoError(t, repo.Create(ctx, c))

	const workers = 50
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = repo.InCall(ctx, c.CallID, func(tx repository.CallTx) error {
				n := len(tx.Participants())
				return tx.InsertParticipant(ctx, &domain.CallParticipant{
					ID:       uuid.New(),
					UserID:   uuid.New(),
					JoinedAt: base.Add(time.Duration(n) * time.Second),
				})
			})
		}(i)
	}
	wg.Wait()

	_, rows, err := repo.Snapshot(ctx, c.CallID)
	require.NoError(t, err)
	require.Len(t, rows, workers)
	// each writer saw every earlier write
	for i, p := range rows {
		assert.Equal(t, base.Add(time.Duration(i)*time.Second), p.JoinedAt)
	}
}

func TestCallRepository_DifferentCallsDoNotBlock(t *testing.T) {
	ctx := context.Background()
	repo := NewCallRepository()
	a := newCall(domain.CallModeDirect, uuid.New(), nil, base)
	b := newCall(domain.CallModeDirect, uuid.New(), nil, base)
	require.NoError(t, repo.Create(ctx, a))
	require.NoError(t, repo.Create(ctx, b))

	entered := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = repo.InCall(ctx, a.CallID, func(tx repository.CallTx) error {
			close(entered)
			<-release
			return nil
		})
	}()
	<-entered

	done := make(chan error, 1)
	go func() {
		done <- repo.InCall(ctx, b.CallID, func(tx repository.CallTx) error { return nil })
	}()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("call b was blocked by call a")
	}
	close(release)
}

func TestCallRepository_ListVisibilityAndCursor(t *testing.T) {
	ctx := context.Background()
	repo := NewCallRepository()
	viewer, stranger := uuid.New(), uuid.New()
	memberChat, foreignChat := uuid.New(), uuid.New()

	own := newCall(domain.CallModeGroup, viewer, &memberChat, base)
	asCounterpart := newCall(domain.CallModeDirect, stranger, nil, base.Add(time.Second))
	asCounterpart.CounterpartID = &viewer
	foreign := newCall(domain.CallModeGroup, stranger, &foreignChat, base.Add(2*time.Second))
	unrelated := newCall(domain.CallModeDirect, stranger, nil, base.Add(3*time.Second))
	for _, c := range []*domain.Call{own, asCounterpart, foreign, unrelated} {
		require.NoError(t, repo.Create(ctx, c))
	}

	items, err := repo.List(ctx, domain.CallFilter{ViewerID: viewer, ViewerChatIDs: []uuid.UUID{memberChat}})
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, asCounterpart.CallID, items[0].Call.CallID)
	assert.Equal(t, own.CallID, items[1].Call.CallID)

	items, err = repo.List(ctx, domain.CallFilter{
		ViewerID:      viewer,
		ViewerChatIDs: []uuid.UUID{memberChat},
		After:         &domain.CallCursor{CreatedAt: asCounterpart.CreatedAt, CallID: asCounterpart.CallID},
	})
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, own.CallID, items[0].Call.CallID)

	items, err = repo.List(ctx, domain.CallFilter{ViewerID: viewer, ViewerChatIDs: []uuid.UUID{memberChat}, Limit: 1})
	require.NoError(t, err)
	assert.Len(t, items, 1)
}

func TestCallRepository_ListIdleGroupCalls(t *testing.T) {
	ctx := context.Background()
	repo := NewCallRepository()

	idle := newCall(domain.CallModeGroup, uuid.New(), nil, base)
	idle.Status = domain.CallStatusOngoing
	empty := newCall(domain.CallModeGroup, uuid.New(), nil, base)
	empty.Status = domain.CallStatusOngoing
	for _, c := range []*domain.Call{idle, empty} {
		require.NoError(t, repo.Create(ctx, c))
	}

	left := base.Add(time.Minute)
	require.NoError(t, repo.InCall(ctx, idle.CallID, func(tx repository.CallTx) error {
		return tx.InsertParticipant(ctx, &domain.CallParticipant{ID: uuid.New(), UserID: uuid.New(), JoinedAt: base, LeftAt: &left})
	}))

	ids, err := repo.ListIdleGroupCalls(ctx, left.Add(-time.Second))
	require.NoError(t, err)
	assert.Empty(t, ids)

	ids, err = repo.ListIdleGroupCalls(ctx, left)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{idle.CallID}, ids)
}

func TestCallRepository_InCallHonoursCancelledContext(t *testing.T) {
	repo := NewCallRepository()
	c := newCall(domain.CallModeDirect, uuid.New(), nil, base)
	require.NoError(t, repo.Create(context.Background(), c))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	err := repo.InCall(ctx, c.CallID, func(tx repository.CallTx) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, called)
}
