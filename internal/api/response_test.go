package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	apperrors "github.com/wfunc/encounter-room/internal/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestRespondError_CriticalLogsStack(t *testing.T) {
	gin.SetMode(gin.TestMode)
	core, logs := observer.New(zap.InfoLevel)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)

	respondError(c, zap.New(core), apperrors.New(apperrors.ErrInvariantViolation, "turn 3"))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	entries := logs.FilterMessage("请求处理出现严重错误").All()
	require.Len(t, entries, 1)
	assert.NotEmpty(t, entries[0].ContextMap()["stack"])

	// 调用栈只进日志，不返回给客户端
	var body ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, apperrors.ErrInvariantViolation, body.Error.Code)
	assert.NotContains(t, w.Body.String(), "stack")
}

func TestRespondError_ClientErrorNotLogged(t *testing.T) {
	gin.SetMode(gin.TestMode)
	core, logs := observer.New(zap.InfoLevel)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)

	respondError(c, zap.New(core), apperrors.New(apperrors.ErrRoomNotFound))

	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Zero(t, logs.Len())
}
