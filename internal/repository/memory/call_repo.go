// Package memory implements the call repository in process memory. It backs
// development deployments and tests, and serializes writers per call.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"corpmsg-backend/internal/domain"
	"corpmsg-backend/internal/repository"
	apperrors "corpmsg-backend/pkg/errors"
)

// callEntry holds one call and its rows. mu is the per-call lock: InCall holds
// it exclusively for the whole transaction, readers take it shared.
type callEntry struct {
	mu   sync.RWMutex
	call *domain.Call
	rows []*domain.CallParticipant
}

// CallRepository is an in-memory repository.CallRepository
type CallRepository struct {
	// mu guards the maps only, never a call's contents
	mu     sync.RWMutex
	calls  map[uuid.UUID]*callEntry
	tokens map[string]uuid.UUID
}

// NewCallRepository creates an empty in-memory call repository
func NewCallRepository() *CallRepository {
	return &CallRepository{
		calls:  make(map[uuid.UUID]*callEntry),
		tokens: make(map[string]uuid.UUID),
	}
}

var _ repository.CallRepository = (*CallRepository)(nil)

// Create stores a new call
func (r *CallRepository) Create(ctx context.Context, call *domain.Call) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.calls[call.CallID]; exists {
		return apperrors.InvalidRequestError("call already exists")
	}
	r.calls[call.CallID] = &callEntry{call: call.Clone()}
	if call.Invite != nil {
		r.tokens[call.Invite.Token] = call.CallID
	}
	return nil
}

func (r *CallRepository) entry(callID uuid.UUID) (*callEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.calls[callID]
	if !ok {
		return nil, apperrors.CallNotFoundError()
	}
	return e, nil
}

// GetByID retrieves a call by ID
func (r *CallRepository) GetByID(ctx context.Context, callID uuid.UUID) (*domain.Call, error) {
	e, err := r.entry(callID)
	if err != nil {
		return nil, err
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.call.Clone(), nil
}

// GetByInviteToken retrieves the call owning an invite token
func (r *CallRepository) GetByInviteToken(ctx context.Context, token string) (*domain.Call, error) {
	r.mu.RLock()
	callID, ok := r.tokens[token]
	r.mu.RUnlock()
	if !ok {
		return nil, apperrors.InvalidTokenError("Invite token is invalid")
	}
	return r.GetByID(ctx, callID)
}

// Snapshot reads a call and its rows under the call's shared lock
func (r *CallRepository) Snapshot(ctx context.Context, callID uuid.UUID) (*domain.Call, []*domain.CallParticipant, error) {
	e, err := r.entry(callID)
	if err != nil {
		return nil, nil, err
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.call.Clone(), orderedRows(e.rows), nil
}

// InCall runs fn against a staged copy of the call and publishes the copy
// only when fn succeeds.
func (r *CallRepository) InCall(ctx context.Context, callID uuid.UUID, fn func(tx repository.CallTx) error) error {
	e, err := r.entry(callID)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	tx := &callTx{
		call: e.call.Clone(),
		rows: cloneRows(e.rows),
	}
	if err := fn(tx); err != nil {
		return err
	}

	oldToken := tokenOf(e.call)
	newToken := tokenOf(tx.call)
	if oldToken != newToken {
		r.mu.Lock()
		if oldToken != "" {
			delete(r.tokens, oldToken)
		}
		if newToken != "" {
			r.tokens[newToken] = callID
		}
		r.mu.Unlock()
	}

	e.call = tx.call
	e.rows = tx.rows
	return nil
}

// List returns visible calls newest first using keyset pagination
func (r *CallRepository) List(ctx context.Context, filter domain.CallFilter) ([]*domain.CallListItem, error) {
	r.mu.RLock()
	entries := make([]*callEntry, 0, len(r.calls))
	for _, e := range r.calls {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	viewerChats := make(map[uuid.UUID]bool, len(filter.ViewerChatIDs))
	for _, id := range filter.ViewerChatIDs {
		viewerChats[id] = true
	}

	var items []*domain.CallListItem
	for _, e := range entries {
		e.mu.RLock()
		c := e.call
		if matches(c, filter, viewerChats) {
			items = append(items, &domain.CallListItem{
				Call:              c.Clone(),
				ParticipantsCount: distinctUsers(e.rows),
			})
		}
		e.mu.RUnlock()
	}

	sort.Slice(items, func(i, j int) bool {
		return newerThan(items[i].Call.CreatedAt, items[i].Call.CallID, items[j].Call.CreatedAt, items[j].Call.CallID)
	})

	if filter.Limit > 0 && len(items) > filter.Limit {
		items = items[:filter.Limit]
	}
	return items, nil
}

// ListIdleGroupCalls returns ongoing group calls that have been empty since idleSince
func (r *CallRepository) ListIdleGroupCalls(ctx context.Context, idleSince time.Time) ([]uuid.UUID, error) {
	r.mu.RLock()
	entries := make([]*callEntry, 0, len(r.calls))
	for _, e := range r.calls {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	var ids []uuid.UUID
	for _, e := range entries {
		e.mu.RLock()
		if e.call.CallMode == domain.CallModeGroup && e.call.Status == domain.CallStatusOngoing {
			if last, idle := lastDeparture(e.rows); idle && !last.After(idleSince) {
				ids = append(ids, e.call.CallID)
			}
		}
		e.mu.RUnlock()
	}
	return ids, nil
}

func matches(c *domain.Call, f domain.CallFilter, viewerChats map[uuid.UUID]bool) bool {
	visible := c.InitiatedBy == f.ViewerID ||
		(c.CounterpartID != nil && *c.CounterpartID == f.ViewerID) ||
		(c.ChatID != nil && viewerChats[*c.ChatID])
	if !visible {
		return false
	}
	if f.Status != "" && c.Status != f.Status {
		return false
	}
	if f.CallType != "" && c.CallType != f.CallType {
		return false
	}
	if f.CallMode != "" && c.CallMode != f.CallMode {
		return false
	}
	if f.ChatID != nil && (c.ChatID == nil || *c.ChatID != *f.ChatID) {
		return false
	}
	if f.After != nil && !newerThan(f.After.CreatedAt, f.After.CallID, c.CreatedAt, c.CallID) {
		return false
	}
	return true
}

// newerThan orders by created_at descending, then id descending
func newerThan(aAt time.Time, aID uuid.UUID, bAt time.Time, bID uuid.UUID) bool {
	if !aAt.Equal(bAt) {
		return aAt.After(bAt)
	}
	return aID.String() > bID.String()
}

func distinctUsers(rows []*domain.CallParticipant) int {
	seen := make(map[uuid.UUID]struct{}, len(rows))
	for _, p := range rows {
		seen[p.UserID] = struct{}{}
	}
	return len(seen)
}

// lastDeparture reports the latest leave time and whether nobody is active.
// A call without rows is not idle: it never started.
func lastDeparture(rows []*domain.CallParticipant) (time.Time, bool) {
	if len(rows) == 0 {
		return time.Time{}, false
	}
	var last time.Time
	for _, p := range rows {
		if p.LeftAt == nil {
			return time.Time{}, false
		}
		if p.LeftAt.After(last) {
			last = *p.LeftAt
		}
	}
	return last, true
}

func tokenOf(c *domain.Call) string {
	if c.Invite == nil {
		return ""
	}
	return c.Invite.Token
}

// orderedRows copies rows sorted by joined_at; rows are stored in insertion
// order, so a stable sort keeps insertion order for equal join times.
func orderedRows(rows []*domain.CallParticipant) []*domain.CallParticipant {
	out := cloneRows(rows)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].JoinedAt.Before(out[j].JoinedAt)
	})
	return out
}

func cloneRows(rows []*domain.CallParticipant) []*domain.CallParticipant {
	out := make([]*domain.CallParticipant, len(rows))
	for i, p := range rows {
		out[i] = p.Clone()
	}
	return out
}

// callTx stages changes to one call; see CallRepository.InCall
type callTx struct {
	call *domain.Call
	rows []*domain.CallParticipant
}

func (tx *callTx) Call() *domain.Call {
	return tx.call.Clone()
}

// Participants returns rows ordered by joined_at, ties by insertion order
func (tx *callTx) Participants() []*domain.CallParticipant {
	return orderedRows(tx.rows)
}

func (tx *callTx) SaveCall(ctx context.Context, call *domain.Call) error {
	if call.CallID != tx.call.CallID {
		return apperrors.InternalError("call id mismatch in transaction")
	}
	tx.call = call.Clone()
	return nil
}

func (tx *callTx) InsertParticipant(ctx context.Context, p *domain.CallParticipant) error {
	for _, existing := range tx.rows {
		if existing.UserID == p.UserID && existing.IsActive() {
			return apperrors.AlreadyActiveError()
		}
	}
	tx.rows = append(tx.rows, p.Clone())
	return nil
}

func (tx *callTx) CloseParticipant(ctx context.Context, participantID uuid.UUID, leftAt time.Time) error {
	for _, p := range tx.rows {
		if p.ID != participantID {
			continue
		}
		if !p.IsActive() {
			return apperrors.NotActiveError()
		}
		t := leftAt
		p.LeftAt = &t
		return nil
	}
	return apperrors.NotActiveError()
}
