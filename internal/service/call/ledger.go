package call

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"corpmsg-backend/internal/domain"
	"corpmsg-backend/internal/repository"
	apperrors "corpmsg-backend/pkg/errors"
	"corpmsg-backend/pkg/events"
	"corpmsg-backend/pkg/logger"
)

// JoinResult is the outcome of a successful join
type JoinResult struct {
	Call        *domain.Call
	Participant *domain.CallParticipant
	// Started is true for the join that moved the call to ongoing
	Started bool
}

// LeaveResult is the outcome of a successful leave
type LeaveResult struct {
	Call        *domain.Call
	Participant *domain.CallParticipant
	// Ended is true when the departure ended a direct call
	Ended bool
}

// JoinCall adds the requester to a call they have ordinary join rights on.
// moderatorHint lets the initiator reclaim the moderator role on a re-join.
func (s *Service) JoinCall(ctx context.Context, req Requester, callID uuid.UUID, moderatorHint bool) (*JoinResult, error) {
	c, err := s.calls.GetByID(ctx, callID)
	if err != nil {
		return nil, err
	}
	if err := s.ensureCanJoin(ctx, req, c); err != nil {
		s.recordRejected(ctx, "join", err)
		return nil, err
	}
	return s.join(ctx, callID, req.UserID, moderatorHint, "member", nil)
}

// join records a new participant row under the call's lock. check, when set,
// re-validates the call after the lock is taken.
func (s *Service) join(ctx context.Context, callID, userID uuid.UUID, moderatorHint bool, via string, check func(c *domain.Call) error) (*JoinResult, error) {
	var res JoinResult
	err := s.calls.InCall(ctx, callID, func(tx repository.CallTx) error {
		res = JoinResult{}

		c := tx.Call()
		if c.IsEnded() {
			return apperrors.CallEndedError()
		}
		if check != nil {
			if err := check(c); err != nil {
				return err
			}
		}
		rows := tx.Participants()
		if activeRowOf(rows, userID) != nil {
			return apperrors.AlreadyActiveError()
		}

		p := &domain.CallParticipant{
			ID:       uuid.New(),
			CallID:   callID,
			UserID:   userID,
			Role:     roleFor(c, rows, userID, moderatorHint),
			JoinedAt: notBefore(s.now(), c.CreatedAt),
		}
		if err := tx.InsertParticipant(ctx, p); err != nil {
			return err
		}

		started := transitionToOngoing(c, p.JoinedAt)
		if started {
			if err := tx.SaveCall(ctx, c); err != nil {
				return fmt.Errorf("failed to start call: %w", err)
			}
		}

		res = JoinResult{Call: c, Participant: p, Started: started}
		return nil
	})
	if err != nil {
		s.recordRejected(ctx, "join", err)
		return nil, err
	}

	c, p := res.Call, res.Participant
	s.metrics.RecordJoin(string(c.CallMode), via)
	log := logger.FromContext(ctx)
	evs := make([]*events.CallEvent, 0, 2)
	if res.Started {
		s.metrics.RecordCallStarted()
		log.Info("Call started",
			zap.String("call_id", c.CallID.String()),
			zap.Time("started_at", *c.StartedAt))
		evs = append(evs, events.NewCallEvent(events.EventCallStarted, c.CallID, string(c.Status), *c.StartedAt))
	}
	log.Info("Participant joined call",
		zap.String("call_id", c.CallID.String()),
		zap.String("user_id", userID.String()),
		zap.String("role", string(p.Role)),
		zap.String("via", via))
	evs = append(evs, events.NewCallEvent(events.EventParticipantJoined, c.CallID, string(c.Status), p.JoinedAt).
		ForUser(userID).
		WithReason(via))
	s.publish(ctx, evs...)

	return &res, nil
}

// roleFor picks the role of a new row. The initiator moderates on the first
// join; on a re-join they keep a previous moderator role or reclaim it with the
// hint. Everyone else participates.
func roleFor(c *domain.Call, rows []*domain.CallParticipant, userID uuid.UUID, moderatorHint bool) domain.ParticipantRole {
	if userID != c.InitiatedBy {
		return domain.RoleParticipant
	}
	var last *domain.CallParticipant
	for _, p := range rows {
		if p.UserID == userID {
			last = p
		}
	}
	if last == nil || last.Role == domain.RoleModerator || moderatorHint {
		return domain.RoleModerator
	}
	return domain.RoleParticipant
}

// LeaveCall closes the requester's active row. When the last participant of a
// direct call leaves, the call ends.
func (s *Service) LeaveCall(ctx context.Context, req Requester, callID uuid.UUID) (*LeaveResult, error) {
	var (
		res   LeaveResult
		ended endResult
	)
	err := s.calls.InCall(ctx, callID, func(tx repository.CallTx) error {
		// fn may run again after a serialization failure
		res, ended = LeaveResult{}, endResult{}

		c := tx.Call()
		rows := tx.Participants()
		p := activeRowOf(rows, req.UserID)
		if p == nil {
			return apperrors.NotActiveError()
		}

		leftAt := notBefore(s.now(), p.JoinedAt)
		if err := tx.CloseParticipant(ctx, p.ID, leftAt); err != nil {
			return err
		}
		p.LeftAt = &leftAt
		res = LeaveResult{Call: c, Participant: p}

		if c.CallMode == domain.CallModeDirect && countActive(rows) == 0 {
			var err error
			ended, err = endLocked(ctx, tx, c, rows, domain.EndReasonLastParticipant, leftAt)
			if err != nil {
				return err
			}
			res.Call = ended.call
			res.Ended = ended.changed
		}
		return nil
	})
	if err != nil {
		s.recordRejected(ctx, "leave", err)
		return nil, err
	}

	p := res.Participant
	s.metrics.RecordLeave(1)
	logger.FromContext(ctx).Info("Participant left call",
		zap.String("call_id", callID.String()),
		zap.String("user_id", req.UserID.String()),
		zap.Duration("duration", p.LeftAt.Sub(p.JoinedAt)))
	s.publish(ctx, events.NewCallEvent(events.EventParticipantLeft, callID, string(res.Call.Status), *p.LeftAt).
		ForUser(req.UserID))
	s.afterEnd(ctx, ended)

	return &res, nil
}

// ActiveCount returns the number of participants currently in the call
func (s *Service) ActiveCount(ctx context.Context, callID uuid.UUID) (int, error) {
	_, rows, err := s.calls.Snapshot(ctx, callID)
	if err != nil {
		return 0, err
	}
	return countActive(rows), nil
}

// Participants returns every row of the call ordered by join time
func (s *Service) Participants(ctx context.Context, req Requester, callID uuid.UUID) ([]*domain.CallParticipant, error) {
	c, rows, err := s.calls.Snapshot(ctx, callID)
	if err != nil {
		return nil, err
	}
	if err := s.ensureCanView(ctx, req, c, rows); err != nil {
		return nil, err
	}
	return rows, nil
}
