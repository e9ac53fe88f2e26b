package call

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"corpmsg-backend/internal/access"
	"corpmsg-backend/internal/domain"
	apperrors "corpmsg-backend/pkg/errors"
)

// isParty reports whether the user is the initiator or counterpart of the call
func isParty(c *domain.Call, userID uuid.UUID) bool {
	if c.InitiatedBy == userID {
		return true
	}
	return c.CounterpartID != nil && *c.CounterpartID == userID
}

// ensureCanJoin checks ordinary join rights: chat membership for group calls,
// being one of the two parties for direct calls.
func (s *Service) ensureCanJoin(ctx context.Context, req Requester, c *domain.Call) error {
	if c.CallMode == domain.CallModeDirect {
		if isParty(c, req.UserID) {
			return nil
		}
		return apperrors.ForbiddenError("You are not a party to this call")
	}

	if c.ChatID == nil {
		return apperrors.ForbiddenError("You are not a member of this chat")
	}
	ok, err := s.chats.IsMember(ctx, req.UserID, *c.ChatID)
	if err != nil {
		return fmt.Errorf("failed to check chat membership: %w", err)
	}
	if !ok {
		return apperrors.ForbiddenError("You are not a member of this chat")
	}
	return nil
}

// ensureCanView allows parties, chat members, anyone who ever joined the call
// and roles granted view_any_call_history.
func (s *Service) ensureCanView(ctx context.Context, req Requester, c *domain.Call, rows []*domain.CallParticipant) error {
	for _, p := range rows {
		if p.UserID == req.UserID {
			return nil
		}
	}

	err := s.ensureCanJoin(ctx, req, c)
	if err == nil || !apperrors.HasCode(err, apperrors.ErrCodeForbidden) {
		return err
	}

	ok, perr := s.privileged(ctx, req, access.ActionViewAnyCallHistory, c.InitiatedBy)
	if perr != nil {
		return perr
	}
	if !ok {
		return err
	}
	return nil
}

// privileged resolves a role-based permission against the call owner.
// Conditional grants apply only when requester and owner share a department.
func (s *Service) privileged(ctx context.Context, req Requester, action access.Action, ownerID uuid.UUID) (bool, error) {
	switch access.Lookup(req.Role, action) {
	case access.Allow:
		return true, nil
	case access.Conditional:
		scope, err := s.scopeFor(ctx, req.UserID, ownerID)
		if err != nil {
			return false, err
		}
		return access.CanPerform(req.Role, action, scope), nil
	default:
		return false, nil
	}
}

func (s *Service) scopeFor(ctx context.Context, requesterID, ownerID uuid.UUID) (access.Scope, error) {
	if requesterID == ownerID {
		return access.ScopeOwnDepartment, nil
	}
	users, err := s.users.GetUsers(ctx, []uuid.UUID{requesterID, ownerID})
	if err != nil {
		return access.ScopeAny, fmt.Errorf("failed to resolve departments: %w", err)
	}
	a, b := users[requesterID], users[ownerID]
	if a != nil && b != nil && a.DepartmentID != "" && a.DepartmentID == b.DepartmentID {
		return access.ScopeOwnDepartment, nil
	}
	return access.ScopeAny, nil
}
