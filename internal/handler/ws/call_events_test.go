package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"corpmsg-backend/internal/domain"
	"corpmsg-backend/internal/middleware"
	"corpmsg-backend/internal/service/call"
	apperrors "corpmsg-backend/pkg/errors"
	"corpmsg-backend/pkg/events"
)

const testOrigin = "http://localhost:3000"

// MockCallViewer is a mock implementation of CallViewer
type MockCallViewer struct {
	mock.Mock
}

func (m *MockCallViewer) GetCall(ctx context.Context, req call.Requester, callID uuid.UUID) (*domain.Call, error) {
	args := m.Called(ctx, req, callID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Call), args.Error(1)
}

type hubFixture struct {
	hub    *CallEventHub
	viewer *MockCallViewer
	server *httptest.Server
	userID uuid.UUID
}

func newHubFixture(t *testing.T, maxConnections int) *hubFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	f := &hubFixture{viewer: &MockCallViewer{}, userID: uuid.New()}
	f.hub = NewCallEventHub(f.viewer, []string{testOrigin}, maxConnections, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go f.hub.Run(ctx)

	r := gin.New()
	r.GET("/v1/calls/:id/events", func(c *gin.Context) {
		c.Set(middleware.ContextUserID, f.userID)
		c.Next()
	}, f.hub.ServeWS)
	f.server = httptest.NewServer(r)

	t.Cleanup(func() {
		cancel()
		f.server.Close()
	})
	return f
}

func (f *hubFixture) dial(t *testing.T, callID uuid.UUID) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/v1/calls/" + callID.String() + "/events"
	header := http.Header{"Origin": []string{testOrigin}}
	return websocket.DefaultDialer.Dial(url, header)
}

func (f *hubFixture) ongoing(callID uuid.UUID) {
	f.viewer.On("GetCall", mock.Anything, mock.Anything, callID).
		Return(&domain.Call{CallID: callID, Status: domain.CallStatusOngoing}, nil)
}

func waitClients(t *testing.T, hub *CallEventHub, callID uuid.UUID, want int) {
	t.Helper()
	require.Eventually(t, func() bool { return hub.Clients(callID) == want },
		time.Second, 5*time.Millisecond)
}

func TestCallEventHub_StreamsEventsOfWatchedCall(t *testing.T) {
	f := newHubFixture(t, 10)
	callID, otherID := uuid.New(), uuid.New()
	f.ongoing(callID)

	conn, _, err := f.dial(t, callID)
	require.NoError(t, err)
	defer conn.Close()
	waitClients(t, f.hub, callID, 1)

	ctx := context.Background()
	require.NoError(t, f.hub.Publish(ctx, events.NewCallEvent(events.EventParticipantJoined, otherID, "ongoing", time.Now())))
	joined := events.NewCallEvent(events.EventParticipantJoined, callID, "ongoing", time.Now()).ForUser(f.userID)
	require.NoError(t, f.hub.Publish(ctx, joined))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))
	_, payload, err := conn.ReadMessage()
	require.NoError(t, err)

	var got events.CallEvent
	require.NoError(t, json.Unmarshal(payload, &got))
	assert.Equal(t, joined.EventID, got.EventID, "events of other calls are not delivered")
	assert.Equal(t, events.EventParticipantJoined, got.Type)
}

func TestCallEventHub_ClosesStreamWhenCallEnds(t *testing.T) {
	f := newHubFixture(t, 10)
	callID := uuid.New()
	f.ongoing(callID)

	conn, _, err := f.dial(t, callID)
	require.NoError(t, err)
	defer conn.Close()
	waitClients(t, f.hub, callID, 1)

	require.NoError(t, f.hub.Publish(context.Background(),
		events.NewCallEvent(events.EventCallEnded, callID, "ended", time.Now()).WithReason("ended_by_user")))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))
	_, payload, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Contains(t, string(payload), `"call.ended"`)

	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
	waitClients(t, f.hub, callID, 0)
}

func TestCallEventHub_RejectsBeforeUpgrade(t *testing.T) {
	f := newHubFixture(t, 10)

	forbidden, ended := uuid.New(), uuid.New()
	f.viewer.On("GetCall", mock.Anything, mock.Anything, forbidden).
		Return(nil, apperrors.ForbiddenError("Not allowed to view this call"))
	f.viewer.On("GetCall", mock.Anything, mock.Anything, ended).
		Return(&domain.Call{CallID: ended, Status: domain.CallStatusEnded}, nil)

	_, resp, err := f.dial(t, forbidden)
	require.Error(t, err)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	_, resp, err = f.dial(t, ended)
	require.Error(t, err)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestCallEventHub_RejectsUnknownOrigin(t *testing.T) {
	f := newHubFixture(t, 10)
	callID := uuid.New()
	f.ongoing(callID)

	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/v1/calls/" + callID.String() + "/events"
	_, resp, err := websocket.DefaultDialer.Dial(url, http.Header{"Origin": []string{"https://evil.example"}})
	require.Error(t, err)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestCallEventHub_ConnectionLimit(t *testing.T) {
	f := newHubFixture(t, 1)
	callID := uuid.New()
	f.ongoing(callID)

	first, _, err := f.dial(t, callID)
	require.NoError(t, err)
	waitClients(t, f.hub, callID, 1)

	_, resp, err := f.dial(t, callID)
	require.Error(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	require.NoError(t, first.Close())
	waitClients(t, f.hub, callID, 0)

	// the slot is released once the first connection is gone
	require.Eventually(t, func() bool {
		conn, _, err := f.dial(t, callID)
		if err != nil {
			return false
		}
		conn.Close()
		return true
	}, time.Second, 10*time.Millisecond)
}
