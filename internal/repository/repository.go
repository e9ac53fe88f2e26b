// Package repository declares the storage contracts of the call engine.
package repository

import (
	"context"
	"time"

	"github.com/google/uuid"

	"corpmsg-backend/internal/domain"
)

// CallRepository persists calls and their participant rows.
//
// All mutations of one call go through InCall, which gives fn exclusive access
// to that call: concurrent InCall invocations for the same call id run one at a
// time, while different calls never block each other. Changes made through the
// CallTx become visible only if fn returns nil. fn may be invoked more than once
// when a transaction has to be retried, so it must not leak state from a
// failed attempt.
type CallRepository interface {
	Create(ctx context.Context, call *domain.Call) error
	GetByID(ctx context.Context, callID uuid.UUID) (*domain.Call, error)
	GetByInviteToken(ctx context.Context, token string) (*domain.Call, error)

	// Snapshot reads a call and all of its participant rows as of one instant.
	// Rows are ordered by joined_at, ties broken by insertion order.
	Snapshot(ctx context.Context, callID uuid.UUID) (*domain.Call, []*domain.CallParticipant, error)

	InCall(ctx context.Context, callID uuid.UUID, fn func(tx CallTx) error) error

	// List returns calls visible to filter.ViewerID, newest first, with a
	// distinct-participant count per call.
	List(ctx context.Context, filter domain.CallFilter) ([]*domain.CallListItem, error)

	// ListIdleGroupCalls returns ongoing group calls with no active participant
	// whose last departure happened at or before idleSince.
	ListIdleGroupCalls(ctx context.Context, idleSince time.Time) ([]uuid.UUID, error)
}

// CallTx is the view of one locked call inside CallRepository.InCall.
// Call and Participants return copies; persist changes with the mutators.
type CallTx interface {
	Call() *domain.Call
	Participants() []*domain.CallParticipant

	SaveCall(ctx context.Context, call *domain.Call) error
	InsertParticipant(ctx context.Context, p *domain.CallParticipant) error
	CloseParticipant(ctx context.Context, participantID uuid.UUID, leftAt time.Time) error
}

// ChatDirectory answers chat membership questions owned by the chat service
type ChatDirectory interface {
	// GetChat returns a NotFound AppError for unknown chats
	GetChat(ctx context.Context, chatID uuid.UUID) (*domain.Chat, error)
	IsMember(ctx context.Context, userID, chatID uuid.UUID) (bool, error)
	ChatsOf(ctx context.Context, userID uuid.UUID) ([]uuid.UUID, error)
}

// UserDirectory resolves user ids to display data
type UserDirectory interface {
	GetUsers(ctx context.Context, userIDs []uuid.UUID) (map[uuid.UUID]*domain.User, error)
}
