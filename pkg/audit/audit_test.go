package audit

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"corpmsg-backend/pkg/events"
)

func TestFromCallEvent(t *testing.T) {
	callID := uuid.New()
	userID := uuid.New()
	at := time.Date(2026, 5, 4, 23, 59, 0, 0, time.UTC)

	tests := []struct {
		name     string
		event    *events.CallEvent
		wantType AuditEventType
		wantOK   bool
	}{
		{
			name:     "call created",
			event:    events.NewCallEvent(events.EventCallCreated, callID, "initiated", at).ForUser(userID),
			wantType: EventCallInitiate,
			wantOK:   true,
		},
		{
			name:     "call ended",
			event:    events.NewCallEvent(events.EventCallEnded, callID, "ended", at).WithReason("idle_timeout"),
			wantType: EventCallEnd,
			wantOK:   true,
		},
		{
			name:     "invite issued",
			event:    events.NewCallEvent(events.EventInviteIssued, callID, "ongoing", at),
			wantType: EventInviteIssue,
			wantOK:   true,
		},
		{
			name:     "join through invite",
			event:    events.NewCallEvent(events.EventParticipantJoined, callID, "ongoing", at).ForUser(userID).WithReason("invite"),
			wantType: EventInviteRedeemed,
			wantOK:   true,
		},
		{
			name:   "ordinary join",
			event:  events.NewCallEvent(events.EventParticipantJoined, callID, "ongoing", at).ForUser(userID).WithReason("member"),
			wantOK: false,
		},
		{
			name:   "leave",
			event:  events.NewCallEvent(events.EventParticipantLeft, callID, "ongoing", at).ForUser(userID),
			wantOK: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			entry, ok := FromCallEvent(tt.event)
			assert.Equal(t, tt.wantOK, ok)
			if !ok {
				return
			}
			assert.Equal(t, tt.wantType, entry.EventType)
			assert.Equal(t, tt.event.EventID, entry.EventID)
			assert.Equal(t, "call:"+callID.String(), entry.Resource)
			assert.True(t, at.Equal(entry.Timestamp))
		})
	}
}

func TestFromCallEvent_KeepsEndReason(t *testing.T) {
	e := events.NewCallEvent(events.EventCallEnded, uuid.New(), "ended", time.Now()).WithReason("last_participant_left")
	entry, ok := FromCallEvent(e)
	require.True(t, ok)
	assert.Equal(t, "last_participant_left", entry.Details)
}

func TestKey(t *testing.T) {
	day := time.Date(2026, 5, 4, 23, 30, 0, 0, time.FixedZone("UTC-2", -2*3600))
	assert.Equal(t, "audit:calls:2026-05-05", Key(day))
}

func TestAuditLogger_IgnoresIrrelevantEvents(t *testing.T) {
	// unreachable redis: an ignored event must not touch it
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", DialTimeout: 50 * time.Millisecond})
	defer client.Close()
	al := NewAuditLogger(client)

	left := events.NewCallEvent(events.EventParticipantLeft, uuid.New(), "ongoing", time.Now())
	assert.NoError(t, al.Publish(context.Background(), left))

	created := events.NewCallEvent(events.EventCallCreated, uuid.New(), "initiated", time.Now())
	assert.Error(t, al.Publish(context.Background(), created))
}
