// Package call implements the call session lifecycle: the call state machine,
// the participant ledger, invite tokens, summaries and call history.
package call

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"corpmsg-backend/internal/access"
	"corpmsg-backend/internal/domain"
	"corpmsg-backend/internal/repository"
	apperrors "corpmsg-backend/pkg/errors"
	"corpmsg-backend/pkg/events"
	"corpmsg-backend/pkg/logger"
	"corpmsg-backend/pkg/metrics"
)

const (
	defaultHistoryLimit    = 20
	defaultHistoryMaxLimit = 100
)

// Requester is the authenticated identity performing an operation
type Requester struct {
	UserID uuid.UUID
	Role   access.Role
}

// Options tunes call policy
type Options struct {
	// InviteTTL is the lifetime of a group invite token; 0 means tokens never expire
	InviteTTL time.Duration
	// InviteBaseURL prefixes invite links; empty disables links
	InviteBaseURL string
	// HistoryMaxLimit clamps history page sizes
	HistoryMaxLimit int
	// Now overrides the clock, for tests
	Now func() time.Time
}

// Service handles call business logic
type Service struct {
	calls   repository.CallRepository
	chats   repository.ChatDirectory
	users   repository.UserDirectory
	events  events.Publisher
	metrics *metrics.Metrics
	opts    Options
}

// NewService creates a new call service
func NewService(
	calls repository.CallRepository,
	chats repository.ChatDirectory,
	users repository.UserDirectory,
	publisher events.Publisher,
	m *metrics.Metrics,
	opts Options,
) *Service {
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	if opts.HistoryMaxLimit <= 0 {
		opts.HistoryMaxLimit = defaultHistoryMaxLimit
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Service{
		calls:   calls,
		chats:   chats,
		users:   users,
		events:  publisher,
		metrics: m,
		opts:    opts,
	}
}

func (s *Service) now() time.Time {
	return s.opts.Now().UTC()
}

// publish delivers events once the call's critical section has committed.
// Delivery failures are logged and counted, never returned.
func (s *Service) publish(ctx context.Context, evs ...*events.CallEvent) {
	ctx = context.WithoutCancel(ctx)
	for _, ev := range evs {
		if err := s.events.Publish(ctx, ev); err != nil {
			s.metrics.RecordEventPublishFailure(string(ev.Type))
			logger.FromContext(ctx).Warn("Failed to publish call event",
				zap.String("event", string(ev.Type)),
				zap.String("call_id", ev.CallID.String()),
				zap.Error(err))
		}
	}
}

// recordRejected counts and logs an operation refused with an AppError
func (s *Service) recordRejected(ctx context.Context, operation string, err error) {
	var appErr *apperrors.AppError
	if !errors.As(err, &appErr) {
		return
	}
	s.metrics.RecordRejected(operation, string(appErr.Code))
	logger.FromContext(ctx).Debug("Call operation rejected",
		zap.String("operation", operation),
		zap.String("code", string(appErr.Code)))
}

// notBefore returns t, moved forward to floor when it is earlier
func notBefore(t, floor time.Time) time.Time {
	if t.Before(floor) {
		return floor
	}
	return t
}

func containsID(ids []uuid.UUID, id uuid.UUID) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

func activeRowOf(rows []*domain.CallParticipant, userID uuid.UUID) *domain.CallParticipant {
	for _, p := range rows {
		if p.UserID == userID && p.IsActive() {
			return p
		}
	}
	return nil
}

func countActive(rows []*domain.CallParticipant) int {
	n := 0
	for _, p := range rows {
		if p.IsActive() {
			n++
		}
	}
	return n
}
