package call

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"corpmsg-backend/internal/access"
	"corpmsg-backend/internal/domain"
	"corpmsg-backend/internal/repository"
	apperrors "corpmsg-backend/pkg/errors"
	"corpmsg-backend/pkg/events"
	"corpmsg-backend/pkg/logger"
)

// CreateCallInput contains call creation data
type CreateCallInput struct {
	CallType domain.CallType
	CallMode domain.CallMode
	// ChatID is required for group calls and optional for direct calls
	ChatID *uuid.UUID
	// CalleeIDs names the counterpart of a direct call. It may be omitted when
	// ChatID is a two-member chat.
	CalleeIDs []uuid.UUID
}

// CreateCall creates a call in the initiated state. Group calls get an invite
// token right away.
func (s *Service) CreateCall(ctx context.Context, req Requester, input *CreateCallInput) (*domain.Call, error) {
	if !input.CallType.Valid() {
		return nil, apperrors.InvalidRequestError("call_type must be audio or video")
	}
	if !input.CallMode.Valid() {
		return nil, apperrors.InvalidRequestError("call_mode must be direct or group")
	}
	if !access.CanPerform(req.Role, access.ActionInitiateCall, access.ScopeAny) {
		return nil, apperrors.ForbiddenError("Your role may not initiate calls")
	}

	now := s.now()
	call := &domain.Call{
		CallID:      uuid.New(),
		CallType:    input.CallType,
		CallMode:    input.CallMode,
		InitiatedBy: req.UserID,
		RoomName:    newRoomName(),
		Status:      domain.CallStatusInitiated,
		CreatedAt:   now,
	}

	switch input.CallMode {
	case domain.CallModeDirect:
		counterpart, err := s.resolveCounterpart(ctx, req, input)
		if err != nil {
			return nil, err
		}
		call.CounterpartID = &counterpart
		call.ChatID = input.ChatID
	case domain.CallModeGroup:
		if input.ChatID == nil {
			return nil, apperrors.InvalidRequestError("chat_id is required for group calls")
		}
		chat, err := s.lookupChat(ctx, *input.ChatID)
		if err != nil {
			return nil, err
		}
		if !containsID(chat.Members, req.UserID) {
			return nil, apperrors.ForbiddenError("You are not a member of this chat")
		}
		call.ChatID = &chat.ChatID

		invite, err := newInvite(call.CallID, now, s.opts.InviteTTL)
		if err != nil {
			return nil, err
		}
		call.Invite = invite
	}

	if err := s.calls.Create(ctx, call); err != nil {
		return nil, fmt.Errorf("failed to create call record: %w", err)
	}

	s.metrics.RecordCallCreated(string(call.CallType), string(call.CallMode))
	logger.FromContext(ctx).Info("Call created",
		zap.String("call_id", call.CallID.String()),
		zap.String("call_type", string(call.CallType)),
		zap.String("call_mode", string(call.CallMode)),
		zap.String("initiated_by", req.UserID.String()))

	evs := []*events.CallEvent{
		events.NewCallEvent(events.EventCallCreated, call.CallID, string(call.Status), now).ForUser(req.UserID),
	}
	if call.Invite != nil {
		s.metrics.RecordInvite("issue", "minted")
		evs = append(evs, events.NewCallEvent(events.EventInviteIssued, call.CallID, string(call.Status), now))
	}
	s.publish(ctx, evs...)

	return call, nil
}

// lookupChat loads the chat a call is created in. An unknown chat id is a bad
// request rather than a missing resource.
func (s *Service) lookupChat(ctx context.Context, chatID uuid.UUID) (*domain.Chat, error) {
	chat, err := s.chats.GetChat(ctx, chatID)
	if apperrors.HasCode(err, apperrors.ErrCodeNotFound) {
		return nil, apperrors.InvalidRequestError("Chat not found")
	}
	return chat, err
}

// resolveCounterpart finds the single other party of a direct call
func (s *Service) resolveCounterpart(ctx context.Context, req Requester, input *CreateCallInput) (uuid.UUID, error) {
	var candidates []uuid.UUID
	for _, id := range input.CalleeIDs {
		if id != req.UserID && !containsID(candidates, id) {
			candidates = append(candidates, id)
		}
	}

	if input.ChatID != nil {
		chat, err := s.lookupChat(ctx, *input.ChatID)
		if err != nil {
			return uuid.Nil, err
		}
		if !containsID(chat.Members, req.UserID) {
			return uuid.Nil, apperrors.ForbiddenError("You are not a member of this chat")
		}
		if len(candidates) == 0 {
			for _, id := range chat.Members {
				if id != req.UserID {
					candidates = append(candidates, id)
				}
			}
		}
		for _, id := range candidates {
			if !containsID(chat.Members, id) {
				return uuid.Nil, apperrors.InvalidRequestError("Callee is not a member of this chat")
			}
		}
	}

	if len(candidates) != 1 {
		return uuid.Nil, apperrors.InvalidRequestError("Direct calls need exactly one counterpart")
	}
	return candidates[0], nil
}

// transitionToOngoing moves an initiated call to ongoing and stamps startedAt.
// It reports whether the transition happened; callers hold the call's lock.
func transitionToOngoing(c *domain.Call, now time.Time) bool {
	if c.Status != domain.CallStatusInitiated {
		return false
	}
	startedAt := notBefore(now, c.CreatedAt)
	c.Status = domain.CallStatusOngoing
	c.StartedAt = &startedAt
	return true
}

// endResult describes what an end transition changed
type endResult struct {
	call       *domain.Call
	closed     []*domain.CallParticipant
	changed    bool
	wasOngoing bool
}

// endLocked ends c inside an InCall transaction: every active row is closed at
// endedAt, the status flips and the invite is revoked. Ending an ended call
// changes nothing.
func endLocked(ctx context.Context, tx repository.CallTx, c *domain.Call, rows []*domain.CallParticipant, reason domain.EndReason, now time.Time) (endResult, error) {
	if c.IsEnded() {
		return endResult{call: c}, nil
	}

	endedAt := notBefore(now, c.CreatedAt)
	if c.StartedAt != nil {
		endedAt = notBefore(endedAt, *c.StartedAt)
	}
	for _, p := range rows {
		if p.IsActive() {
			endedAt = notBefore(endedAt, p.JoinedAt)
		}
	}

	var closed []*domain.CallParticipant
	for _, p := range rows {
		if !p.IsActive() {
			continue
		}
		if err := tx.CloseParticipant(ctx, p.ID, endedAt); err != nil {
			return endResult{}, fmt.Errorf("failed to close participant: %w", err)
		}
		leftAt := endedAt
		p.LeftAt = &leftAt
		closed = append(closed, p)
	}

	res := endResult{closed: closed, changed: true, wasOngoing: c.Status == domain.CallStatusOngoing}
	c.Status = domain.CallStatusEnded
	c.EndedAt = &endedAt
	c.EndReason = reason
	invalidateInvite(c, endedAt)

	if err := tx.SaveCall(ctx, c); err != nil {
		return endResult{}, fmt.Errorf("failed to save ended call: %w", err)
	}
	res.call = c
	return res, nil
}

// afterEnd records metrics and publishes events for a committed end transition
func (s *Service) afterEnd(ctx context.Context, res endResult) {
	if !res.changed {
		return
	}
	c := res.call

	var duration time.Duration
	if c.StartedAt != nil {
		duration = c.EndedAt.Sub(*c.StartedAt)
	}
	s.metrics.RecordCallEnded(string(c.CallType), string(c.CallMode), string(c.EndReason), duration, res.wasOngoing)
	s.metrics.RecordLeave(len(res.closed))

	logger.FromContext(ctx).Info("Call ended",
		zap.String("call_id", c.CallID.String()),
		zap.String("reason", string(c.EndReason)),
		zap.Int("closed_participants", len(res.closed)),
		zap.Duration("duration", duration))

	evs := make([]*events.CallEvent, 0, len(res.closed)+1)
	for _, p := range res.closed {
		evs = append(evs, events.NewCallEvent(events.EventParticipantLeft, c.CallID, string(c.Status), *p.LeftAt).
			ForUser(p.UserID).
			WithReason(string(c.EndReason)))
	}
	evs = append(evs, events.NewCallEvent(events.EventCallEnded, c.CallID, string(c.Status), *c.EndedAt).
		WithReason(string(c.EndReason)))
	s.publish(ctx, evs...)
}

// EndCall ends a call on behalf of a user. Parties, active moderators and roles
// granted end_any_call may end a call. Ending an ended call returns it as is.
func (s *Service) EndCall(ctx context.Context, req Requester, callID uuid.UUID) (*domain.Call, error) {
	current, err := s.calls.GetByID(ctx, callID)
	if err != nil {
		return nil, err
	}
	privileged, err := s.privileged(ctx, req, access.ActionEndAnyCall, current.InitiatedBy)
	if err != nil {
		return nil, err
	}

	var res endResult
	err = s.calls.InCall(ctx, callID, func(tx repository.CallTx) error {
		res = endResult{}

		c := tx.Call()
		rows := tx.Participants()
		if !privileged && !isParty(c, req.UserID) && !isActiveModerator(rows, req.UserID) {
			return apperrors.ForbiddenError("You may not end this call")
		}
		var err error
		res, err = endLocked(ctx, tx, c, rows, domain.EndReasonUser, s.now())
		return err
	})
	if err != nil {
		s.recordRejected(ctx, "end", err)
		return nil, err
	}

	s.afterEnd(ctx, res)
	return res.call, nil
}

// GetCall returns a call the requester may view
func (s *Service) GetCall(ctx context.Context, req Requester, callID uuid.UUID) (*domain.Call, error) {
	c, rows, err := s.calls.Snapshot(ctx, callID)
	if err != nil {
		return nil, err
	}
	if err := s.ensureCanView(ctx, req, c, rows); err != nil {
		return nil, err
	}
	return c, nil
}

func isActiveModerator(rows []*domain.CallParticipant, userID uuid.UUID) bool {
	p := activeRowOf(rows, userID)
	return p != nil && p.Role == domain.RoleModerator
}

// newRoomName returns a globally unique media room identifier
func newRoomName() string {
	return "call-" + uuid.New().String()
}
