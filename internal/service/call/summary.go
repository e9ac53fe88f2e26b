package call

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"corpmsg-backend/internal/domain"
	"corpmsg-backend/pkg/logger"
)

// Duration is a length of time in whole seconds with its display form
type Duration struct {
	Seconds   int64  `json:"seconds"`
	Formatted string `json:"formatted"`
}

// NewDuration truncates d to whole seconds; negative values count as zero
func NewDuration(d time.Duration) Duration {
	secs := int64(d / time.Second)
	if secs < 0 {
		secs = 0
	}
	return Duration{Seconds: secs, Formatted: FormatDuration(secs)}
}

// FormatDuration renders seconds as H:MM:SS from one hour up, M:SS below
func FormatDuration(seconds int64) string {
	if seconds < 0 {
		seconds = 0
	}
	h := seconds / 3600
	m := (seconds % 3600) / 60
	sec := seconds % 60
	if h > 0 {
		return fmt.Sprintf("%d:%02d:%02d", h, m, sec)
	}
	return fmt.Sprintf("%d:%02d", m, sec)
}

// Statistics are the aggregate counts of a summary. Counts are per distinct
// user, so Active + Completed == Total.
type Statistics struct {
	TotalParticipants     int      `json:"total_participants"`
	ActiveParticipants    int      `json:"active_participants"`
	CompletedParticipants int      `json:"completed_participants"`
	TotalDuration         Duration `json:"total_duration"`
}

// ParticipantSummary aggregates every row of one user
type ParticipantSummary struct {
	UserID   uuid.UUID              `json:"user_id"`
	Name     string                 `json:"name"`
	Role     domain.ParticipantRole `json:"role"`
	JoinedAt time.Time              `json:"joined_at"`
	// LeftAt is the last departure; nil while the user is in the call
	LeftAt   *time.Time `json:"left_at,omitempty"`
	Active   bool       `json:"active"`
	Sessions int        `json:"sessions"`
	Duration Duration   `json:"duration"`
}

// Summary is a point-in-time view of a call
type Summary struct {
	Call         *domain.Call          `json:"call"`
	Statistics   Statistics            `json:"statistics"`
	Participants []*ParticipantSummary `json:"participants"`
	GeneratedAt  time.Time             `json:"generated_at"`
}

// Summary computes the summary of a call from one consistent snapshot
func (s *Service) Summary(ctx context.Context, req Requester, callID uuid.UUID) (*Summary, error) {
	c, rows, err := s.calls.Snapshot(ctx, callID)
	if err != nil {
		return nil, err
	}
	if err := s.ensureCanView(ctx, req, c, rows); err != nil {
		return nil, err
	}

	sum := Summarize(c, rows, s.now())

	ids := make([]uuid.UUID, 0, len(sum.Participants))
	for _, p := range sum.Participants {
		ids = append(ids, p.UserID)
	}
	if len(ids) > 0 {
		users, err := s.users.GetUsers(ctx, ids)
		if err != nil {
			logger.FromContext(ctx).Warn("Failed to resolve participant names",
				zap.String("call_id", callID.String()),
				zap.Error(err))
		}
		for _, p := range sum.Participants {
			if u := users[p.UserID]; u != nil {
				p.Name = u.Name()
			}
		}
	}
	return sum, nil
}

// Summarize aggregates a call and its rows as of now. Rows must be ordered by
// join time. Participant names are left for the caller to fill in.
func Summarize(c *domain.Call, rows []*domain.CallParticipant, now time.Time) *Summary {
	// an ended call is frozen at its end
	at := now
	if c.EndedAt != nil {
		at = *c.EndedAt
	}

	byUser := make(map[uuid.UUID]*ParticipantSummary)
	var order []*ParticipantSummary
	elapsed := make(map[uuid.UUID]time.Duration)

	for _, row := range rows {
		ps, ok := byUser[row.UserID]
		if !ok {
			ps = &ParticipantSummary{
				UserID:   row.UserID,
				Name:     row.UserID.String(),
				JoinedAt: row.JoinedAt,
			}
			byUser[row.UserID] = ps
			order = append(order, ps)
		}
		ps.Sessions++
		ps.Role = row.Role

		end := at
		if row.LeftAt != nil {
			end = *row.LeftAt
			if ps.LeftAt == nil || end.After(*ps.LeftAt) {
				left := end
				ps.LeftAt = &left
			}
		} else {
			ps.Active = true
		}
		if d := end.Sub(row.JoinedAt); d > 0 {
			elapsed[row.UserID] += d
		}
	}

	stats := Statistics{TotalParticipants: len(order)}
	for _, ps := range order {
		if ps.Active {
			ps.LeftAt = nil
			stats.ActiveParticipants++
		} else {
			stats.CompletedParticipants++
		}
		ps.Duration = NewDuration(elapsed[ps.UserID])
	}
	if c.StartedAt != nil {
		stats.TotalDuration = NewDuration(at.Sub(*c.StartedAt))
	} else {
		stats.TotalDuration = NewDuration(0)
	}

	return &Summary{
		Call:         c,
		Statistics:   stats,
		Participants: order,
		GeneratedAt:  now,
	}
}
