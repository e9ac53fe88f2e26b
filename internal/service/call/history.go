package call

import (
	"context"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"corpmsg-backend/internal/domain"
	apperrors "corpmsg-backend/pkg/errors"
	"corpmsg-backend/pkg/logger"
)

// HistoryQuery filters and pages a call history listing
type HistoryQuery struct {
	Status   domain.CallStatus
	CallType domain.CallType
	CallMode domain.CallMode
	ChatID   *uuid.UUID
	// Limit of 0 selects the default page size
	Limit  int
	Cursor string
}

// HistoryEntry is one call in a history page
type HistoryEntry struct {
	Call              *domain.Call
	InitiatorName     string
	ParticipantsCount int
}

// HistoryPage is one page of call history, newest first
type HistoryPage struct {
	Calls []*HistoryEntry
	// NextCursor is empty on the last page
	NextCursor string
}

// History lists the calls visible to the requester: calls of chats they belong
// to and direct calls they are a party of.
func (s *Service) History(ctx context.Context, req Requester, q HistoryQuery) (*HistoryPage, error) {
	limit, err := s.normalizeLimit(q.Limit)
	if err != nil {
		return nil, err
	}
	if q.Status != "" && q.Status != domain.CallStatusInitiated && q.Status != domain.CallStatusOngoing && q.Status != domain.CallStatusEnded {
		return nil, apperrors.InvalidRequestError("Unknown status filter")
	}
	if q.CallType != "" && !q.CallType.Valid() {
		return nil, apperrors.InvalidRequestError("Unknown call_type filter")
	}
	if q.CallMode != "" && !q.CallMode.Valid() {
		return nil, apperrors.InvalidRequestError("Unknown call_mode filter")
	}

	var after *domain.CallCursor
	if q.Cursor != "" {
		after, err = DecodeCursor(q.Cursor)
		if err != nil {
			return nil, err
		}
	}

	chats, err := s.chats.ChatsOf(ctx, req.UserID)
	if err != nil {
		return nil, fmt.Errorf("failed to load chats of user: %w", err)
	}
	if q.ChatID != nil && !containsID(chats, *q.ChatID) {
		return nil, apperrors.ForbiddenError("You are not a member of this chat")
	}

	// one extra row tells whether another page exists
	items, err := s.calls.List(ctx, domain.CallFilter{
		ViewerID:      req.UserID,
		ViewerChatIDs: chats,
		Status:        q.Status,
		CallType:      q.CallType,
		CallMode:      q.CallMode,
		ChatID:        q.ChatID,
		Limit:         limit + 1,
		After:         after,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list calls: %w", err)
	}

	page := &HistoryPage{}
	if len(items) > limit {
		items = items[:limit]
		last := items[len(items)-1].Call
		page.NextCursor = EncodeCursor(domain.CallCursor{CreatedAt: last.CreatedAt, CallID: last.CallID})
	}

	names := s.initiatorNames(ctx, items)
	page.Calls = make([]*HistoryEntry, 0, len(items))
	for _, it := range items {
		page.Calls = append(page.Calls, &HistoryEntry{
			Call:              it.Call,
			InitiatorName:     names[it.Call.InitiatedBy],
			ParticipantsCount: it.ParticipantsCount,
		})
	}
	return page, nil
}

func (s *Service) normalizeLimit(limit int) (int, error) {
	switch {
	case limit < 0:
		return 0, apperrors.InvalidRequestError("limit must not be negative")
	case limit == 0:
		limit = defaultHistoryLimit
	}
	if limit > s.opts.HistoryMaxLimit {
		limit = s.opts.HistoryMaxLimit
	}
	return limit, nil
}

func (s *Service) initiatorNames(ctx context.Context, items []*domain.CallListItem) map[uuid.UUID]string {
	names := make(map[uuid.UUID]string, len(items))
	var ids []uuid.UUID
	for _, it := range items {
		if _, ok := names[it.Call.InitiatedBy]; !ok {
			names[it.Call.InitiatedBy] = it.Call.InitiatedBy.String()
			ids = append(ids, it.Call.InitiatedBy)
		}
	}
	if len(ids) == 0 {
		return names
	}

	users, err := s.users.GetUsers(ctx, ids)
	if err != nil {
		logger.FromContext(ctx).Warn("Failed to resolve initiator names", zap.Error(err))
		return names
	}
	for id, u := range users {
		names[id] = u.Name()
	}
	return names
}

// EncodeCursor renders a keyset position as an opaque string
func EncodeCursor(c domain.CallCursor) string {
	raw := strconv.FormatInt(c.CreatedAt.UnixNano(), 10) + "_" + c.CallID.String()
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// DecodeCursor parses a string produced by EncodeCursor
func DecodeCursor(s string) (*domain.CallCursor, error) {
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, apperrors.InvalidRequestError("Invalid cursor")
	}
	nanos, id, ok := strings.Cut(string(raw), "_")
	if !ok {
		return nil, apperrors.InvalidRequestError("Invalid cursor")
	}
	n, err := strconv.ParseInt(nanos, 10, 64)
	if err != nil {
		return nil, apperrors.InvalidRequestError("Invalid cursor")
	}
	callID, err := uuid.Parse(id)
	if err != nil {
		return nil, apperrors.InvalidRequestError("Invalid cursor")
	}
	return &domain.CallCursor{CreatedAt: time.Unix(0, n).UTC(), CallID: callID}, nil
}
