package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"corpmsg-backend/internal/domain"
	"corpmsg-backend/internal/middleware"
	"corpmsg-backend/internal/service/call"
	"corpmsg-backend/pkg/constants"
	apperrors "corpmsg-backend/pkg/errors"
	"corpmsg-backend/pkg/events"
	"corpmsg-backend/pkg/logger"
	"corpmsg-backend/pkg/metrics"
	"corpmsg-backend/pkg/response"
)

// CallViewer authorizes a user to watch a call
type CallViewer interface {
	GetCall(ctx context.Context, req call.Requester, callID uuid.UUID) (*domain.Call, error)
}

// CallEventHub streams call lifecycle events to websocket clients watching a call
type CallEventHub struct {
	// Registered clients per call
	calls map[uuid.UUID]map[*eventClient]bool
	mu    sync.Mutex

	register   chan *eventClient
	unregister chan *eventClient
	deliver    chan *events.CallEvent
	done       chan struct{}

	viewer   CallViewer
	upgrader websocket.Upgrader
	metrics  *metrics.Metrics

	maxConnections int
	semaphore      chan struct{}
}

// eventClient is one websocket connection watching one call
type eventClient struct {
	hub    *CallEventHub
	conn   *websocket.Conn
	send   chan []byte
	userID uuid.UUID
	callID uuid.UUID
}

// NewCallEventHub creates a hub. Browser connections must come from one of
// allowedOrigins. Start it with Run.
func NewCallEventHub(viewer CallViewer, allowedOrigins []string, maxConnections int, m *metrics.Metrics) *CallEventHub {
	if maxConnections <= 0 {
		maxConnections = 1000
	}
	origins := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		origins[o] = true
	}

	return &CallEventHub{
		calls:      make(map[uuid.UUID]map[*eventClient]bool),
		register:   make(chan *eventClient),
		unregister: make(chan *eventClient),
		deliver:    make(chan *events.CallEvent, 256),
		done:       make(chan struct{}),
		viewer:     viewer,
		metrics:    m,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return origins[r.Header.Get("Origin")]
			},
		},
		maxConnections: maxConnections,
		semaphore:      make(chan struct{}, maxConnections),
	}
}

// Run dispatches events to clients until ctx is done, then disconnects everyone
func (h *CallEventHub) Run(ctx context.Context) {
	defer h.shutdown()

	for {
		select {
		case <-ctx.Done():
			return

		case client := <-h.register:
			h.mu.Lock()
			if h.calls[client.callID] == nil {
				h.calls[client.callID] = make(map[*eventClient]bool)
			}
			h.calls[client.callID][client] = true
			h.mu.Unlock()
			h.metrics.AddWebSocketConnections(1)

		case client := <-h.unregister:
			h.mu.Lock()
			h.removeLocked(client)
			h.mu.Unlock()

		case event := <-h.deliver:
			h.dispatch(event)
		}
	}
}

func (h *CallEventHub) dispatch(event *events.CallEvent) {
	payload, err := json.Marshal(event)
	if err != nil {
		logger.Warn("Failed to marshal call event", zap.Error(err))
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	for client := range h.calls[event.CallID] {
		select {
		case client.send <- payload:
			h.metrics.RecordWebSocketMessage(string(event.Type), "out")
		default:
			// slow client; it can reconnect and read the call status
			h.removeLocked(client)
		}
	}

	// nothing more will happen on an ended call
	if event.Type == events.EventCallEnded {
		for client := range h.calls[event.CallID] {
			h.removeLocked(client)
		}
	}
}

// removeLocked drops a client and closes its queue; the write pump then
// sends a close frame
func (h *CallEventHub) removeLocked(client *eventClient) {
	clients, ok := h.calls[client.callID]
	if !ok || !clients[client] {
		return
	}
	delete(clients, client)
	close(client.send)
	h.metrics.AddWebSocketConnections(-1)
	if len(clients) == 0 {
		delete(h.calls, client.callID)
	}
}

func (h *CallEventHub) shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()

	close(h.done)
	for _, clients := range h.calls {
		for client := range clients {
			h.removeLocked(client)
		}
	}
}

// Publish hands an event to the hub. It lets the hub act as an
// events.Publisher when the service runs as a single instance.
func (h *CallEventHub) Publish(ctx context.Context, event *events.CallEvent) error {
	select {
	case h.deliver <- event:
		return nil
	case <-h.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Clients returns the number of connections watching a call
func (h *CallEventHub) Clients(callID uuid.UUID) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.calls[callID])
}

// SubscribeRedis feeds the hub from the call event channels of every
// call-service instance until ctx is done
func (h *CallEventHub) SubscribeRedis(ctx context.Context, client *redis.Client) {
	pubsub := client.PSubscribe(ctx, events.ChannelPattern)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		logger.Error("Failed to subscribe to call event channels", zap.Error(err))
		return
	}

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var event events.CallEvent
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				logger.Warn("Failed to unmarshal call event",
					zap.String("channel", msg.Channel),
					zap.Error(err))
				continue
			}
			_ = h.Publish(ctx, &event)
		}
	}
}

// ServeWS upgrades GET /v1/calls/:id/events for a user allowed to view the call
func (h *CallEventHub) ServeWS(c *gin.Context) {
	callID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.FromError(c, apperrors.InvalidRequestError("Invalid call ID"))
		return
	}

	userID, ok := middleware.UserID(c)
	if !ok {
		response.Unauthorized(c, "Not authenticated")
		return
	}

	current, err := h.viewer.GetCall(c.Request.Context(), call.Requester{UserID: userID, Role: middleware.Role(c)}, callID)
	if err != nil {
		response.FromError(c, err)
		return
	}
	if current.IsEnded() {
		response.FromError(c, apperrors.CallEndedError())
		return
	}

	select {
	case h.semaphore <- struct{}{}:
	default:
		logger.Warn("WebSocket connection rejected: max connections reached",
			zap.Int("max_connections", h.maxConnections))
		response.FromError(c, apperrors.ServiceUnavailableError("Server at capacity, please try again later"))
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		<-h.semaphore
		logger.FromContext(c.Request.Context()).Debug("WebSocket upgrade failed",
			zap.String("call_id", callID.String()),
			zap.String("user_id", userID.String()),
			zap.Error(err))
		return
	}

	client := &eventClient{
		hub:    h,
		conn:   conn,
		send:   make(chan []byte, constants.WebSocketSendBuffer),
		userID: userID,
		callID: callID,
	}

	select {
	case h.register <- client:
	case <-h.done:
		<-h.semaphore
		_ = conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

// readPump only processes control frames; clients do not send events
func (c *eventClient) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		_ = c.conn.Close()
		<-c.hub.semaphore
	}()

	c.conn.SetReadLimit(constants.WebSocketMaxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(constants.WebSocketPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(constants.WebSocketPongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Debug("WebSocket connection closed",
					zap.String("call_id", c.callID.String()),
					zap.String("user_id", c.userID.String()),
					zap.Error(err))
			}
			return
		}
	}
}

func (c *eventClient) writePump() {
	ticker := time.NewTicker(constants.WebSocketPingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(constants.WebSocketWriteWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(constants.WebSocketWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
