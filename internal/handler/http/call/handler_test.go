package call

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"corpmsg-backend/internal/access"
	"corpmsg-backend/internal/domain"
	"corpmsg-backend/internal/membership"
	"corpmsg-backend/internal/middleware"
	"corpmsg-backend/internal/repository/memory"
	"corpmsg-backend/internal/service/call"
)

const testUserHeader = "X-Test-User"

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

type handlerFixture struct {
	router *gin.Engine
	dir    *membership.StaticDirectory

	alice, bob, carol uuid.UUID
	chatID            uuid.UUID
}

func newHandlerFixture(t *testing.T) *handlerFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	f := &handlerFixture{
		dir:    membership.NewStaticDirectory(),
		alice:  uuid.New(),
		bob:    uuid.New(),
		carol:  uuid.New(),
		chatID: uuid.New(),
	}
	f.dir.PutUser(&domain.User{UserID: f.alice, Username: "alice", DisplayName: "Alice"})
	f.dir.PutUser(&domain.User{UserID: f.bob, Username: "bob"})
	f.dir.PutChat(&domain.Chat{ChatID: f.chatID, Type: "group", Members: []uuid.UUID{f.alice, f.bob}})

	svc := call.NewService(memory.NewCallRepository(), f.dir, f.dir, nil, nil, call.Options{
		InviteBaseURL: "https://corpmsg.example/join",
	})

	f.router = gin.New()
	v1 := f.router.Group("/v1/calls", func(c *gin.Context) {
		if id, err := uuid.Parse(c.GetHeader(testUserHeader)); err == nil {
			c.Set(middleware.ContextUserID, id)
			c.Set(middleware.ContextRole, access.RoleUser)
		}
		c.Next()
	})
	NewHandler(svc).RegisterRoutes(v1, nil, nil)
	return f
}

func (f *handlerFixture) do(t *testing.T, user uuid.UUID, method, path string, body any) (int, envelope) {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if user != uuid.Nil {
		req.Header.Set(testUserHeader, user.String())
	}

	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)

	var env envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env), w.Body.String())
	return w.Code, env
}

func (f *handlerFixture) createGroupCall(t *testing.T) CallResponse {
	t.Helper()
	code, env := f.do(t, f.alice, http.MethodPost, "/v1/calls", gin.H{
		"call_type": "video",
		"call_mode": "group",
		"chat_id":   f.chatID.String(),
	})
	require.Equal(t, http.StatusCreated, code, string(env.Data))

	var out struct {
		ID     uuid.UUID       `json:"id"`
		Status string          `json:"status"`
		Invite *InviteResponse `json:"invite"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &out))
	return CallResponse{Call: &domain.Call{CallID: out.ID, Status: domain.CallStatus(out.Status)}, Invite: out.Invite}
}

func TestHandler_CreateCall(t *testing.T) {
	f := newHandlerFixture(t)

	t.Run("group call carries an invite link", func(t *testing.T) {
		created := f.createGroupCall(t)
		assert.Equal(t, domain.CallStatusInitiated, created.Status)
		require.NotNil(t, created.Invite)
		assert.Equal(t, "https://corpmsg.example/join/"+created.Invite.Token, created.Invite.Link)
	})

	t.Run("direct call", func(t *testing.T) {
		code, env := f.do(t, f.alice, http.MethodPost, "/v1/calls", gin.H{
			"call_type":  "audio",
			"call_mode":  "direct",
			"callee_ids": []string{f.bob.String()},
		})
		assert.Equal(t, http.StatusCreated, code)
		assert.NotContains(t, string(env.Data), `"invite"`)
	})

	t.Run("missing fields", func(t *testing.T) {
		code, env := f.do(t, f.alice, http.MethodPost, "/v1/calls", gin.H{"call_type": "video"})
		assert.Equal(t, http.StatusBadRequest, code)
		assert.Equal(t, "INVALID_REQUEST", env.Error.Code)
	})

	t.Run("malformed callee id", func(t *testing.T) {
		code, _ := f.do(t, f.alice, http.MethodPost, "/v1/calls", gin.H{
			"call_type":  "audio",
			"call_mode":  "direct",
			"callee_ids": []string{"not-a-uuid"},
		})
		assert.Equal(t, http.StatusBadRequest, code)
	})

	t.Run("unknown chat", func(t *testing.T) {
		code, env := f.do(t, f.alice, http.MethodPost, "/v1/calls", gin.H{
			"call_type": "video",
			"call_mode": "group",
			"chat_id":   uuid.New().String(),
		})
		assert.Equal(t, http.StatusBadRequest, code)
		assert.Equal(t, "INVALID_REQUEST", env.Error.Code)
	})

	t.Run("unauthenticated", func(t *testing.T) {
		code, env := f.do(t, uuid.Nil, http.MethodPost, "/v1/calls", gin.H{})
		assert.Equal(t, http.StatusUnauthorized, code)
		assert.False(t, env.Success)
		assert.Equal(t, "UNAUTHORIZED", env.Error.Code)
	})
}

func TestHandler_JoinLeaveLifecycle(t *testing.T) {
	f := newHandlerFixture(t)
	created := f.createGroupCall(t)
	base := "/v1/calls/" + created.CallID.String()

	code, env := f.do(t, f.alice, http.MethodPost, base+"/join", nil)
	require.Equal(t, http.StatusOK, code, string(env.Data))
	var joined struct {
		CallStarted bool                   `json:"call_started"`
		Participant domain.CallParticipant `json:"participant"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &joined))
	assert.True(t, joined.CallStarted)
	assert.Equal(t, domain.RoleModerator, joined.Participant.Role)

	code, env = f.do(t, f.alice, http.MethodPost, base+"/join", nil)
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "ALREADY_ACTIVE", env.Error.Code)

	code, env = f.do(t, f.carol, http.MethodPost, base+"/join", nil)
	assert.Equal(t, http.StatusForbidden, code)

	code, env = f.do(t, f.bob, http.MethodPost, base+"/leave", nil)
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "NOT_ACTIVE", env.Error.Code)

	code, env = f.do(t, f.alice, http.MethodPost, base+"/leave", nil)
	require.Equal(t, http.StatusOK, code)
	var left struct {
		CallEnded bool `json:"call_ended"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &left))
	assert.False(t, left.CallEnded, "group calls stay open for the reaper")

	code, env = f.do(t, f.alice, http.MethodGet, base+"/participants", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(env.Data), f.alice.String())

	code, _ = f.do(t, f.alice, http.MethodPost, base+"/end", gin.H{"reason": "done"})
	require.Equal(t, http.StatusOK, code)

	code, env = f.do(t, f.bob, http.MethodPost, base+"/join", nil)
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "CALL_ENDED", env.Error.Code)
}

func TestHandler_JoinByInvite(t *testing.T) {
	f := newHandlerFixture(t)
	created := f.createGroupCall(t)
	require.NotNil(t, created.Invite)

	// carol is not in the chat; the token is her only way in
	code, env := f.do(t, f.carol, http.MethodPost, "/v1/calls/join-by-invite", gin.H{
		"invite_token": created.Invite.Token,
	})
	require.Equal(t, http.StatusOK, code, string(env.Data))
	assert.Contains(t, string(env.Data), f.carol.String())

	code, env = f.do(t, f.carol, http.MethodPost, "/v1/calls/join-by-invite", gin.H{
		"invite_token": "bogus",
	})
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "INVALID_TOKEN", env.Error.Code)

	code, _ = f.do(t, f.carol, http.MethodPost, "/v1/calls/join-by-invite", gin.H{})
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestHandler_IssueInviteRequiresGroupCall(t *testing.T) {
	f := newHandlerFixture(t)

	code, env := f.do(t, f.alice, http.MethodPost, "/v1/calls", gin.H{
		"call_type":  "audio",
		"call_mode":  "direct",
		"callee_ids": []string{f.bob.String()},
	})
	require.Equal(t, http.StatusCreated, code)
	var created struct {
		ID uuid.UUID `json:"id"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &created))

	code, env = f.do(t, f.alice, http.MethodPost, "/v1/calls/"+created.ID.String()+"/invite", nil)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "NOT_GROUP_CALL", env.Error.Code)
}

func TestHandler_GetCallAndSummary(t *testing.T) {
	f := newHandlerFixture(t)
	created := f.createGroupCall(t)
	base := "/v1/calls/" + created.CallID.String()

	code, _ := f.do(t, f.bob, http.MethodGet, base, nil)
	assert.Equal(t, http.StatusOK, code)

	code, env := f.do(t, f.carol, http.MethodGet, base, nil)
	assert.Equal(t, http.StatusForbidden, code)

	code, env = f.do(t, f.alice, http.MethodGet, "/v1/calls/not-a-uuid", nil)
	assert.Equal(t, http.StatusBadRequest, code)

	code, env = f.do(t, f.alice, http.MethodGet, "/v1/calls/"+uuid.NewString(), nil)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "CALL_NOT_FOUND", env.Error.Code)

	code, env = f.do(t, f.alice, http.MethodGet, base+"/summary", nil)
	require.Equal(t, http.StatusOK, code)
	var summary struct {
		Statistics struct {
			TotalParticipants int `json:"total_participants"`
		} `json:"statistics"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &summary))
	assert.Zero(t, summary.Statistics.TotalParticipants)
}

func TestHandler_ListCalls(t *testing.T) {
	f := newHandlerFixture(t)
	for i := 0; i < 3; i++ {
		f.createGroupCall(t)
	}

	code, env := f.do(t, f.bob, http.MethodGet, "/v1/calls?limit=2", nil)
	require.Equal(t, http.StatusOK, code, string(env.Data))
	var page HistoryResponse
	require.NoError(t, json.Unmarshal(env.Data, &page))
	require.Len(t, page.Calls, 2)
	assert.Equal(t, "Alice", page.Calls[0].InitiatorName)
	require.NotEmpty(t, page.NextCursor)

	code, env = f.do(t, f.bob, http.MethodGet, "/v1/calls?limit=2&cursor="+page.NextCursor, nil)
	require.Equal(t, http.StatusOK, code)
	var rest HistoryResponse
	require.NoError(t, json.Unmarshal(env.Data, &rest))
	assert.Len(t, rest.Calls, 1)
	assert.Empty(t, rest.NextCursor)

	code, _ = f.do(t, f.bob, http.MethodGet, "/v1/calls?limit=abc", nil)
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = f.do(t, f.bob, http.MethodGet, "/v1/calls?limit=-1", nil)
	assert.Equal(t, http.StatusBadRequest, code)

	code, env = f.do(t, f.carol, http.MethodGet, "/v1/calls", nil)
	require.Equal(t, http.StatusOK, code)
	var none HistoryResponse
	require.NoError(t, json.Unmarshal(env.Data, &none))
	assert.Empty(t, none.Calls)
}
