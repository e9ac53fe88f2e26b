// Package audit keeps a day-partitioned trail of security-relevant call
// actions in Redis.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"corpmsg-backend/pkg/events"
)

// Retention is how long a day of audit events is kept
const Retention = 90 * 24 * time.Hour

// AuditEventType represents the type of audit event
type AuditEventType string

const (
	EventCallInitiate   AuditEventType = "call_initiate"
	EventCallEnd        AuditEventType = "call_end"
	EventInviteIssue    AuditEventType = "invite_issue"
	EventInviteRedeemed AuditEventType = "invite_redeemed"
)

// AuditEvent represents an audit log entry
type AuditEvent struct {
	EventID   uuid.UUID      `json:"event_id"`
	UserID    *uuid.UUID     `json:"user_id,omitempty"`
	EventType AuditEventType `json:"event_type"`
	Resource  string         `json:"resource"`
	Details   string         `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Key returns the Redis list holding the audit events of one UTC day
func Key(day time.Time) string {
	return "audit:calls:" + day.UTC().Format("2006-01-02")
}

// AuditLogger records audit events. It consumes call lifecycle events, so it
// plugs into the service as an events.Publisher.
type AuditLogger struct {
	redisClient redis.Cmdable
}

// NewAuditLogger creates an AuditLogger
func NewAuditLogger(redisClient redis.Cmdable) *AuditLogger {
	return &AuditLogger{redisClient: redisClient}
}

var _ events.Publisher = (*AuditLogger)(nil)

// Publish records the event if it is audit-relevant and ignores it otherwise
func (al *AuditLogger) Publish(ctx context.Context, e *events.CallEvent) error {
	entry, ok := FromCallEvent(e)
	if !ok {
		return nil
	}
	return al.Log(ctx, entry)
}

// Log appends an event to its day's list and refreshes the list's retention
func (al *AuditLogger) Log(ctx context.Context, event *AuditEvent) error {
	if event.EventID == uuid.Nil {
		event.EventID = uuid.New()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	eventJSON, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal audit event: %w", err)
	}

	key := Key(event.Timestamp)
	pipe := al.redisClient.TxPipeline()
	pipe.LPush(ctx, key, eventJSON)
	pipe.Expire(ctx, key, Retention)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to store audit event: %w", err)
	}
	return nil
}

// FromCallEvent maps a call lifecycle event to its audit entry. Joins are
// audited only when they went through an invite token.
func FromCallEvent(e *events.CallEvent) (*AuditEvent, bool) {
	entry := &AuditEvent{
		EventID:   e.EventID,
		UserID:    e.UserID,
		Resource:  "call:" + e.CallID.String(),
		Details:   e.Reason,
		Timestamp: e.OccurredAt,
	}

	switch e.Type {
	case events.EventCallCreated:
		entry.EventType = EventCallInitiate
	case events.EventCallEnded:
		entry.EventType = EventCallEnd
	case events.EventInviteIssued:
		entry.EventType = EventInviteIssue
	case events.EventParticipantJoined:
		if e.Reason != "invite" {
			return nil, false
		}
		entry.EventType = EventInviteRedeemed
		entry.Details = ""
	default:
		return nil, false
	}
	return entry, true
}
