// Package events carries call lifecycle events to other services and to
// connected clients.
package events

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EventType names a call lifecycle event
type EventType string

const (
	EventCallCreated       EventType = "call.created"
	EventCallStarted       EventType = "call.started"
	EventCallEnded         EventType = "call.ended"
	EventParticipantJoined EventType = "participant.joined"
	EventParticipantLeft   EventType = "participant.left"
	EventInviteIssued      EventType = "invite.issued"
)

// CallEvent is one call lifecycle event
type CallEvent struct {
	EventID    uuid.UUID  `json:"event_id"`
	Type       EventType  `json:"type"`
	CallID     uuid.UUID  `json:"call_id"`
	UserID     *uuid.UUID `json:"user_id,omitempty"`
	Status     string     `json:"status"`
	Reason     string     `json:"reason,omitempty"`
	OccurredAt time.Time  `json:"occurred_at"`
}

// NewCallEvent builds an event with a fresh id
func NewCallEvent(eventType EventType, callID uuid.UUID, status string, at time.Time) *CallEvent {
	return &CallEvent{
		EventID:    uuid.New(),
		Type:       eventType,
		CallID:     callID,
		Status:     status,
		OccurredAt: at.UTC(),
	}
}

// ForUser sets the user the event is about
func (e *CallEvent) ForUser(userID uuid.UUID) *CallEvent {
	id := userID
	e.UserID = &id
	return e
}

// WithReason sets the event reason
func (e *CallEvent) WithReason(reason string) *CallEvent {
	e.Reason = reason
	return e
}

// Publisher delivers call events
type Publisher interface {
	Publish(ctx context.Context, event *CallEvent) error
}

// ChannelPattern matches the channel of every call
const ChannelPattern = "call:*:events"

// Channel returns the Redis Pub/Sub channel carrying one call's events
func Channel(callID uuid.UUID) string {
	return fmt.Sprintf("call:%s:events", callID)
}

// NopPublisher drops every event
type NopPublisher struct{}

func (NopPublisher) Publish(ctx context.Context, event *CallEvent) error { return nil }

// MultiPublisher fans an event out to several publishers. Every publisher is
// tried; failures are joined.
type MultiPublisher []Publisher

func (m MultiPublisher) Publish(ctx context.Context, event *CallEvent) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
