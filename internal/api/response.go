package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	apperrors "github.com/wfunc/encounter-room/internal/errors"
	"go.uber.org/zap"
)

// ErrorBody 返回给客户端的错误内容，不含调用栈
type ErrorBody struct {
	Code    apperrors.ErrorCode `json:"code"`
	Message string              `json:"message"`
	Details string              `json:"details,omitempty"`
}

// ErrorResponse API错误响应
type ErrorResponse struct {
	Success   bool      `json:"success"`
	Error     ErrorBody `json:"error"`
	Timestamp int64     `json:"timestamp"`
}

// respondError 按错误码输出错误响应
func respondError(c *gin.Context, log *zap.Logger, err error) {
	appErr, ok := apperrors.As(err)
	if !ok {
		appErr = apperrors.Wrap(err, apperrors.ErrUnknown)
	}
	status := appErr.HTTPStatus()
	switch {
	case apperrors.IsCritical(appErr):
		log.Error("请求处理出现严重错误",
			zap.String("path", c.FullPath()),
			zap.Int("code", int(appErr.Code)),
			zap.String("stack", appErr.GetStack()),
			zap.Error(err))
	case status >= http.StatusInternalServerError:
		log.Error("请求处理失败",
			zap.String("path", c.FullPath()),
			zap.Int("code", int(appErr.Code)),
			zap.Error(err))
	}
	c.AbortWithStatusJSON(status, ErrorResponse{
		Success: false,
		Error: ErrorBody{
			Code:    appErr.Code,
			Message: appErr.Message,
			Details: appErr.Details,
		},
		Timestamp: time.Now().Unix(),
	})
}

// badRequest 请求参数错误
func badRequest(c *gin.Context, log *zap.Logger, err error) {
	respondError(c, log, apperrors.Wrap(err, apperrors.ErrInvalidParam, "请求参数错误"))
}
