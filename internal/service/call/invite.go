package call

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"corpmsg-backend/internal/domain"
	"corpmsg-backend/internal/repository"
	apperrors "corpmsg-backend/pkg/errors"
	"corpmsg-backend/pkg/events"
	"corpmsg-backend/pkg/logger"
)

const inviteTokenBytes = 32

// IssueInvite returns the live invite token of a group call, minting a new one
// when the current token has expired.
func (s *Service) IssueInvite(ctx context.Context, req Requester, callID uuid.UUID) (*domain.InviteToken, error) {
	c, err := s.calls.GetByID(ctx, callID)
	if err != nil {
		return nil, err
	}
	if c.CallMode == domain.CallModeGroup {
		if err := s.ensureCanJoin(ctx, req, c); err != nil {
			return nil, err
		}
	}

	var (
		invite *domain.InviteToken
		status domain.CallStatus
		minted bool
	)
	err = s.calls.InCall(ctx, callID, func(tx repository.CallTx) error {
		invite, status, minted = nil, "", false

		c := tx.Call()
		if c.CallMode != domain.CallModeGroup {
			return apperrors.NotGroupCallError()
		}
		if c.IsEnded() {
			return apperrors.CallEndedError()
		}

		status = c.Status
		now := s.now()
		if c.Invite != nil && c.Invite.Live(now) {
			invite = c.Invite
			return nil
		}

		fresh, err := newInvite(c.CallID, now, s.opts.InviteTTL)
		if err != nil {
			return err
		}
		c.Invite = fresh
		if err := tx.SaveCall(ctx, c); err != nil {
			return fmt.Errorf("failed to save invite token: %w", err)
		}
		invite, minted = fresh, true
		return nil
	})
	if err != nil {
		s.recordRejected(ctx, "issue_invite", err)
		return nil, err
	}

	if !minted {
		s.metrics.RecordInvite("issue", "reused")
		return invite, nil
	}

	s.metrics.RecordInvite("issue", "minted")
	logger.FromContext(ctx).Info("Invite token rotated", zap.String("call_id", callID.String()))
	s.publish(ctx, events.NewCallEvent(events.EventInviteIssued, callID, string(status), invite.IssuedAt).
		ForUser(req.UserID))
	return invite, nil
}

// ResolveInvite returns the call an invite token grants access to.
// An ended call wins over an expired token.
func (s *Service) ResolveInvite(ctx context.Context, token string) (*domain.Call, error) {
	if token == "" {
		return nil, apperrors.InvalidTokenError("Invite token is required")
	}
	c, err := s.calls.GetByInviteToken(ctx, token)
	if err != nil {
		s.metrics.RecordInvite("resolve", "invalid")
		return nil, err
	}
	if err := checkInvite(c, token, s.now()); err != nil {
		s.metrics.RecordInvite("resolve", "rejected")
		return nil, err
	}
	s.metrics.RecordInvite("resolve", "ok")
	return c, nil
}

// JoinByInvite joins the call an invite token points at, without requiring
// chat membership.
func (s *Service) JoinByInvite(ctx context.Context, req Requester, token string, moderatorHint bool) (*JoinResult, error) {
	c, err := s.ResolveInvite(ctx, token)
	if err != nil {
		return nil, err
	}
	return s.join(ctx, c.CallID, req.UserID, moderatorHint, "invite", func(locked *domain.Call) error {
		return checkInvite(locked, token, s.now())
	})
}

// InviteLink renders the shareable link for a token; empty without a base URL
func (s *Service) InviteLink(token string) string {
	if s.opts.InviteBaseURL == "" || token == "" {
		return ""
	}
	return strings.TrimRight(s.opts.InviteBaseURL, "/") + "/" + token
}

func checkInvite(c *domain.Call, token string, now time.Time) error {
	if c.Invite == nil || c.Invite.Token != token {
		return apperrors.InvalidTokenError("Invite token is invalid")
	}
	if c.IsEnded() {
		return apperrors.CallEndedError()
	}
	if c.Invite.RevokedAt != nil {
		return apperrors.InvalidTokenError("Invite token was revoked")
	}
	if c.Invite.Expired(now) {
		return apperrors.TokenExpiredError()
	}
	return nil
}

// invalidateInvite revokes the call's token; it stays indexed so that
// resolving it reports the ended call.
func invalidateInvite(c *domain.Call, at time.Time) {
	if c.Invite == nil || c.Invite.RevokedAt != nil {
		return
	}
	revokedAt := at
	c.Invite.RevokedAt = &revokedAt
}

func newInvite(callID uuid.UUID, now time.Time, ttl time.Duration) (*domain.InviteToken, error) {
	token, err := generateToken()
	if err != nil {
		return nil, err
	}
	invite := &domain.InviteToken{
		Token:    token,
		CallID:   callID,
		IssuedAt: now,
	}
	if ttl > 0 {
		expiresAt := now.Add(ttl)
		invite.ExpiresAt = &expiresAt
	}
	return invite, nil
}

func generateToken() (string, error) {
	b := make([]byte, inviteTokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate invite token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
