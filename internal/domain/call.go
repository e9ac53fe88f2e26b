package domain

import (
	"time"

	"github.com/google/uuid"
)

// CallType is the media kind of a call
type CallType string

const (
	CallTypeAudio CallType = "audio"
	CallTypeVideo CallType = "video"
)

// Valid reports whether t is a known call type
func (t CallType) Valid() bool {
	return t == CallTypeAudio || t == CallTypeVideo
}

// CallMode distinguishes two-party calls from chat-scoped group calls
type CallMode string

const (
	CallModeDirect CallMode = "direct"
	CallModeGroup  CallMode = "group"
)

// Valid reports whether m is a known call mode
func (m CallMode) Valid() bool {
	return m == CallModeDirect || m == CallModeGroup
}

// CallStatus is the lifecycle state of a call: initiated -> ongoing -> ended
type CallStatus string

const (
	CallStatusInitiated CallStatus = "initiated"
	CallStatusOngoing   CallStatus = "ongoing"
	CallStatusEnded     CallStatus = "ended"
)

// EndReason records why a call reached the ended state
type EndReason string

const (
	EndReasonUser            EndReason = "ended_by_user"
	EndReasonLastParticipant EndReason = "last_participant_left"
	EndReasonIdleTimeout     EndReason = "idle_timeout"
)

// ParticipantRole is the role a participant holds within one call
type ParticipantRole string

const (
	RoleModerator   ParticipantRole = "moderator"
	RoleParticipant ParticipantRole = "participant"
)

// Call represents a video/audio call session
type Call struct {
	CallID        uuid.UUID    `json:"id"`
	CallType      CallType     `json:"call_type"`
	CallMode      CallMode     `json:"call_mode"`
	ChatID        *uuid.UUID   `json:"chat_id,omitempty"`
	InitiatedBy   uuid.UUID    `json:"initiated_by"`
	CounterpartID *uuid.UUID   `json:"counterpart_id,omitempty"` // direct calls only
	RoomName      string       `json:"room_name"`
	Invite        *InviteToken `json:"-"`
	Status        CallStatus   `json:"status"`
	EndReason     EndReason    `json:"end_reason,omitempty"`
	CreatedAt     time.Time    `json:"created_at"`
	StartedAt     *time.Time   `json:"started_at,omitempty"`
	EndedAt       *time.Time   `json:"ended_at,omitempty"`
}

// IsEnded reports whether the call reached its terminal state
func (c *Call) IsEnded() bool {
	return c.Status == CallStatusEnded
}

// Clone returns a deep copy so callers never share mutable state with a store
func (c *Call) Clone() *Call {
	if c == nil {
		return nil
	}
	out := *c
	out.ChatID = cloneUUID(c.ChatID)
	out.CounterpartID = cloneUUID(c.CounterpartID)
	out.StartedAt = cloneTime(c.StartedAt)
	out.EndedAt = cloneTime(c.EndedAt)
	if c.Invite != nil {
		inv := *c.Invite
		inv.ExpiresAt = cloneTime(c.Invite.ExpiresAt)
		inv.RevokedAt = cloneTime(c.Invite.RevokedAt)
		out.Invite = &inv
	}
	return &out
}

// CallParticipant is one join/leave interval of a user in a call.
// A user re-joining after leaving gets a new row.
type CallParticipant struct {
	ID       uuid.UUID       `json:"id"`
	CallID   uuid.UUID       `json:"call_id"`
	UserID   uuid.UUID       `json:"user_id"`
	Role     ParticipantRole `json:"role"`
	JoinedAt time.Time       `json:"joined_at"`
	LeftAt   *time.Time      `json:"left_at,omitempty"`
}

// IsActive reports whether the participant has not left yet
func (p *CallParticipant) IsActive() bool {
	return p.LeftAt == nil
}

// Clone returns a deep copy of the participant row
func (p *CallParticipant) Clone() *CallParticipant {
	if p == nil {
		return nil
	}
	out := *p
	out.LeftAt = cloneTime(p.LeftAt)
	return &out
}

// InviteToken grants join rights to one group call
type InviteToken struct {
	Token     string     `json:"token"`
	CallID    uuid.UUID  `json:"call_id"`
	IssuedAt  time.Time  `json:"issued_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"` // nil never expires
	RevokedAt *time.Time `json:"-"`
}

// Expired reports whether the token is past its expiry at now
func (t *InviteToken) Expired(now time.Time) bool {
	return t.ExpiresAt != nil && !now.Before(*t.ExpiresAt)
}

// Live reports whether the token may still be handed out
func (t *InviteToken) Live(now time.Time) bool {
	return t.RevokedAt == nil && !t.Expired(now)
}

// CallListItem is the lightweight projection used by call history
type CallListItem struct {
	Call              *Call
	ParticipantsCount int
}

// CallFilter narrows a call history listing
type CallFilter struct {
	ViewerID uuid.UUID
	// ViewerChatIDs are the chats the viewer belongs to
	ViewerChatIDs []uuid.UUID

	Status   CallStatus
	CallType CallType
	CallMode CallMode
	ChatID   *uuid.UUID

	Limit int
	// After continues a listing strictly after this (created_at, id) position
	After *CallCursor
}

// CallCursor is a keyset position in newest-first order
type CallCursor struct {
	CreatedAt time.Time
	CallID    uuid.UUID
}

func cloneUUID(id *uuid.UUID) *uuid.UUID {
	if id == nil {
		return nil
	}
	v := *id
	return &v
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
