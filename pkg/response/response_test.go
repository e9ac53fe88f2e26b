package response

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "corpmsg-backend/pkg/errors"
)

func render(t *testing.T, fn func(c *gin.Context)) (int, Response) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, "/", nil)
	c.Set("request_id", "req-1")

	fn(c)

	var body Response
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return w.Code, body
}

func TestUnauthorized(t *testing.T) {
	code, body := render(t, func(c *gin.Context) { Unauthorized(c, "Token revoked") })

	assert.Equal(t, http.StatusUnauthorized, code)
	assert.False(t, body.Success)
	require.NotNil(t, body.Error)
	assert.Equal(t, string(apperrors.ErrCodeUnauthorized), body.Error.Code)
	assert.Equal(t, "Token revoked", body.Error.Message)
	assert.Equal(t, "req-1", body.Meta.RequestID)
}

func TestFromError(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		status  int
		code    apperrors.ErrorCode
		message string
	}{
		{"conflict", apperrors.CallEndedError(), http.StatusConflict, apperrors.ErrCodeCallEnded, "Call has ended"},
		{"wrapped app error", errors.Join(errors.New("lookup"), apperrors.NotActiveError()), http.StatusConflict, apperrors.ErrCodeNotActive, "User is not in the call"},
		{"plain error is hidden", errors.New("pq: connection refused"), http.StatusInternalServerError, apperrors.ErrCodeInternal, "Internal server error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, body := render(t, func(c *gin.Context) { FromError(c, tt.err) })

			assert.Equal(t, tt.status, status)
			require.NotNil(t, body.Error)
			assert.Equal(t, string(tt.code), body.Error.Code)
			assert.Equal(t, tt.message, body.Error.Message)
		})
	}
}
