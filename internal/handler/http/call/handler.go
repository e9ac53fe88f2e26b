package call

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"corpmsg-backend/internal/domain"
	"corpmsg-backend/internal/middleware"
	"corpmsg-backend/internal/service/call"
	apperrors "corpmsg-backend/pkg/errors"
	"corpmsg-backend/pkg/response"
)

// Handler handles call HTTP requests
type Handler struct {
	callService *call.Service
}

// NewHandler creates a new call handler
func NewHandler(callService *call.Service) *Handler {
	return &Handler{
		callService: callService,
	}
}

// CreateCallRequest represents call creation request
type CreateCallRequest struct {
	CallType  string   `json:"call_type" binding:"required"`
	CallMode  string   `json:"call_mode" binding:"required"`
	ChatID    string   `json:"chat_id"`
	CalleeIDs []string `json:"callee_ids"`
}

// JoinCallRequest represents an optional join body
type JoinCallRequest struct {
	Moderator bool `json:"moderator"`
}

// JoinByInviteRequest represents a join through an invite token
type JoinByInviteRequest struct {
	InviteToken string `json:"invite_token" binding:"required"`
	Moderator   bool   `json:"moderator"`
}

// InviteResponse is an invite token with its shareable link
type InviteResponse struct {
	Token     string     `json:"token"`
	Link      string     `json:"link,omitempty"`
	IssuedAt  time.Time  `json:"issued_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// CallResponse is a call as returned by the API
type CallResponse struct {
	*domain.Call
	Invite *InviteResponse `json:"invite,omitempty"`
}

// ParticipationResponse is returned by join and leave
type ParticipationResponse struct {
	Call        *CallResponse           `json:"call"`
	Participant *domain.CallParticipant `json:"participant"`
	CallStarted bool                    `json:"call_started,omitempty"`
	CallEnded   bool                    `json:"call_ended,omitempty"`
}

// HistoryEntryResponse is one call in a history page
type HistoryEntryResponse struct {
	*domain.Call
	InitiatorName     string `json:"initiator_name"`
	ParticipantsCount int    `json:"participants_count"`
}

// HistoryResponse is one page of call history
type HistoryResponse struct {
	Calls      []*HistoryEntryResponse `json:"calls"`
	NextCursor string                  `json:"next_cursor,omitempty"`
}

// RegisterRoutes mounts the call endpoints on an authenticated group.
// inviteJoin guards join-by-invite, e.g. with a rate limiter; it may be nil.
func (h *Handler) RegisterRoutes(calls *gin.RouterGroup, create, inviteJoin gin.HandlerFunc) {
	calls.POST("", chain(create, h.CreateCall)...)
	calls.GET("", h.ListCalls)
	calls.POST("/join-by-invite", chain(inviteJoin, h.JoinByInvite)...)
	calls.GET("/:id", h.GetCall)
	calls.POST("/:id/join", h.JoinCall)
	calls.POST("/:id/leave", h.LeaveCall)
	calls.POST("/:id/end", h.EndCall)
	calls.POST("/:id/invite", h.IssueInvite)
	calls.GET("/:id/summary", h.GetSummary)
	calls.GET("/:id/participants", h.GetParticipants)
}

func chain(guard, handler gin.HandlerFunc) []gin.HandlerFunc {
	if guard == nil {
		return []gin.HandlerFunc{handler}
	}
	return []gin.HandlerFunc{guard, handler}
}

// CreateCall creates a new call
// POST /v1/calls
func (h *Handler) CreateCall(c *gin.Context) {
	requester, ok := requesterFrom(c)
	if !ok {
		return
	}

	var req CreateCallRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.FromError(c, apperrors.InvalidRequestError("Invalid request body"))
		return
	}

	input := &call.CreateCallInput{
		CallType: domain.CallType(req.CallType),
		CallMode: domain.CallMode(req.CallMode),
	}
	if req.ChatID != "" {
		chatID, err := uuid.Parse(req.ChatID)
		if err != nil {
			response.FromError(c, apperrors.InvalidRequestError("Invalid chat ID"))
			return
		}
		input.ChatID = &chatID
	}
	for _, idStr := range req.CalleeIDs {
		id, err := uuid.Parse(idStr)
		if err != nil {
			response.FromError(c, apperrors.InvalidRequestError("Invalid callee ID: "+idStr))
			return
		}
		input.CalleeIDs = append(input.CalleeIDs, id)
	}

	created, err := h.callService.CreateCall(c.Request.Context(), requester, input)
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusCreated, h.callResponse(created))
}

// GetCall returns call status
// GET /v1/calls/:id
func (h *Handler) GetCall(c *gin.Context) {
	requester, callID, ok := requesterAndCall(c)
	if !ok {
		return
	}

	current, err := h.callService.GetCall(c.Request.Context(), requester, callID)
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusOK, h.callResponse(current))
}

// JoinCall joins a call
// POST /v1/calls/:id/join
func (h *Handler) JoinCall(c *gin.Context) {
	requester, callID, ok := requesterAndCall(c)
	if !ok {
		return
	}

	var req JoinCallRequest
	if !bindOptionalJSON(c, &req) {
		return
	}

	res, err := h.callService.JoinCall(c.Request.Context(), requester, callID, req.Moderator)
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusOK, &ParticipationResponse{
		Call:        h.callResponse(res.Call),
		Participant: res.Participant,
		CallStarted: res.Started,
	})
}

// JoinByInvite joins the call an invite token belongs to
// POST /v1/calls/join-by-invite
func (h *Handler) JoinByInvite(c *gin.Context) {
	requester, ok := requesterFrom(c)
	if !ok {
		return
	}

	var req JoinByInviteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.FromError(c, apperrors.InvalidRequestError("invite_token is required"))
		return
	}

	res, err := h.callService.JoinByInvite(c.Request.Context(), requester, req.InviteToken, req.Moderator)
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusOK, &ParticipationResponse{
		Call:        h.callResponse(res.Call),
		Participant: res.Participant,
		CallStarted: res.Started,
	})
}

// LeaveCall leaves a call
// POST /v1/calls/:id/leave
func (h *Handler) LeaveCall(c *gin.Context) {
	requester, callID, ok := requesterAndCall(c)
	if !ok {
		return
	}

	res, err := h.callService.LeaveCall(c.Request.Context(), requester, callID)
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusOK, &ParticipationResponse{
		Call:        h.callResponse(res.Call),
		Participant: res.Participant,
		CallEnded:   res.Ended,
	})
}

// EndCall terminates a call
// POST /v1/calls/:id/end
func (h *Handler) EndCall(c *gin.Context) {
	requester, callID, ok := requesterAndCall(c)
	if !ok {
		return
	}

	ended, err := h.callService.EndCall(c.Request.Context(), requester, callID)
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusOK, h.callResponse(ended))
}

// IssueInvite returns the live invite of a group call, minting one if needed
// POST /v1/calls/:id/invite
func (h *Handler) IssueInvite(c *gin.Context) {
	requester, callID, ok := requesterAndCall(c)
	if !ok {
		return
	}

	invite, err := h.callService.IssueInvite(c.Request.Context(), requester, callID)
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusOK, h.inviteResponse(invite))
}

// GetSummary returns the point-in-time summary of a call
// GET /v1/calls/:id/summary
func (h *Handler) GetSummary(c *gin.Context) {
	requester, callID, ok := requesterAndCall(c)
	if !ok {
		return
	}

	summary, err := h.callService.Summary(c.Request.Context(), requester, callID)
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusOK, summary)
}

// GetParticipants returns every participant row of a call in join order
// GET /v1/calls/:id/participants
func (h *Handler) GetParticipants(c *gin.Context) {
	requester, callID, ok := requesterAndCall(c)
	if !ok {
		return
	}

	rows, err := h.callService.Participants(c.Request.Context(), requester, callID)
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{"participants": rows})
}

// ListCalls returns the requester's call history
// GET /v1/calls?status=&call_type=&call_mode=&chat_id=&limit=&cursor=
func (h *Handler) ListCalls(c *gin.Context) {
	requester, ok := requesterFrom(c)
	if !ok {
		return
	}

	q := call.HistoryQuery{
		Status:   domain.CallStatus(c.Query("status")),
		CallType: domain.CallType(c.Query("call_type")),
		CallMode: domain.CallMode(c.Query("call_mode")),
		Cursor:   c.Query("cursor"),
	}
	if s := c.Query("chat_id"); s != "" {
		chatID, err := uuid.Parse(s)
		if err != nil {
			response.FromError(c, apperrors.InvalidRequestError("Invalid chat ID"))
			return
		}
		q.ChatID = &chatID
	}
	if s := c.Query("limit"); s != "" {
		limit, err := strconv.Atoi(s)
		if err != nil {
			response.FromError(c, apperrors.InvalidRequestError("Invalid limit"))
			return
		}
		q.Limit = limit
	}

	page, err := h.callService.History(c.Request.Context(), requester, q)
	if err != nil {
		response.FromError(c, err)
		return
	}

	out := &HistoryResponse{
		Calls:      make([]*HistoryEntryResponse, 0, len(page.Calls)),
		NextCursor: page.NextCursor,
	}
	for _, e := range page.Calls {
		out.Calls = append(out.Calls, &HistoryEntryResponse{
			Call:              e.Call,
			InitiatorName:     e.InitiatorName,
			ParticipantsCount: e.ParticipantsCount,
		})
	}
	response.Success(c, http.StatusOK, out)
}

// callResponse attaches the live invite of a group call
func (h *Handler) callResponse(c *domain.Call) *CallResponse {
	out := &CallResponse{Call: c}
	if c.Invite != nil && c.Invite.Live(time.Now()) && !c.IsEnded() {
		out.Invite = h.inviteResponse(c.Invite)
	}
	return out
}

func (h *Handler) inviteResponse(inv *domain.InviteToken) *InviteResponse {
	return &InviteResponse{
		Token:     inv.Token,
		Link:      h.callService.InviteLink(inv.Token),
		IssuedAt:  inv.IssuedAt,
		ExpiresAt: inv.ExpiresAt,
	}
}

func requesterFrom(c *gin.Context) (call.Requester, bool) {
	userID, ok := middleware.UserID(c)
	if !ok {
		response.Unauthorized(c, "Not authenticated")
		return call.Requester{}, false
	}
	return call.Requester{UserID: userID, Role: middleware.Role(c)}, true
}

func requesterAndCall(c *gin.Context) (call.Requester, uuid.UUID, bool) {
	requester, ok := requesterFrom(c)
	if !ok {
		return call.Requester{}, uuid.Nil, false
	}
	callID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.FromError(c, apperrors.InvalidRequestError("Invalid call ID"))
		return call.Requester{}, uuid.Nil, false
	}
	return requester, callID, true
}

// bindOptionalJSON accepts an empty body
func bindOptionalJSON(c *gin.Context, dst any) bool {
	if err := c.ShouldBindJSON(dst); err != nil && !errors.Is(err, io.EOF) {
		response.FromError(c, apperrors.InvalidRequestError("Invalid request body"))
		return false
	}
	return true
}
