package errors

import (
	stderrors "errors"
	"fmt"
	"runtime"
	"strings"
)

// ErrorCode 错误码类型
type ErrorCode int

// 错误码定义（按模块分组）
const (
	// 通用错误 (1000-1999)
	ErrUnknown          ErrorCode = 1000
	ErrInvalidParam     ErrorCode = 1001
	ErrNotFound         ErrorCode = 1002
	ErrAlreadyExists    ErrorCode = 1003
	ErrPermissionDenied ErrorCode = 1004
	ErrTimeout          ErrorCode = 1005
	ErrCanceled         ErrorCode = 1006
	ErrNotImplemented   ErrorCode = 1007

	// 房间错误 (2000-2999)
	ErrRoomNotFound         ErrorCode = 2000
	ErrAlreadyJoined        ErrorCode = 2001
	ErrRoomFull             ErrorCode = 2002
	ErrInteractionPaused    ErrorCode = 2003
	ErrNotPaused            ErrorCode = 2004
	ErrNotYourTurn          ErrorCode = 2005
	ErrTurnNotFound         ErrorCode = 2006
	ErrInvalidRecipients    ErrorCode = 2007
	ErrInteractionNotActive ErrorCode = 2008
	ErrInitiativeEmpty      ErrorCode = 2009
	ErrEntityNotFound       ErrorCode = 2010
	ErrInvalidAction        ErrorCode = 2011
	ErrNotParticipant       ErrorCode = 2012
	ErrRoomClosed           ErrorCode = 2013
	ErrInvariantViolation   ErrorCode = 2999

	// 通信错误 (4000-4999)
	ErrSubscriberLagged ErrorCode = 4004

	// 数据库错误 (5000-5999)
	ErrDatabaseConnect ErrorCode = 5000
	ErrDatabaseQuery   ErrorCode = 5001
	ErrDatabaseInsert  ErrorCode = 5002
	ErrDatabaseUpdate  ErrorCode = 5003
	ErrDatabaseDelete  ErrorCode = 5004
	ErrTransaction     ErrorCode = 5005
	ErrDataIntegrity   ErrorCode = 5006

	// 配置错误 (6000-6999)
	ErrConfigLoad  ErrorCode = 6000
	ErrConfigParse ErrorCode = 6001

	// 安全错误 (7000-7999)
	ErrAuthentication ErrorCode = 7000
	ErrUnauthorized   ErrorCode = 7001
	ErrTokenExpired   ErrorCode = 7002
	ErrTokenInvalid   ErrorCode = 7003
)

// 错误码消息映射
var errorMessages = map[ErrorCode]string{
	// 通用错误
	ErrUnknown:          "未知错误",
	ErrInvalidParam:     "无效的参数",
	ErrNotFound:         "资源未找到",
	ErrAlreadyExists:    "资源已存在",
	ErrPermissionDenied: "权限不足",
	ErrTimeout:          "操作超时",
	ErrCanceled:         "操作已取消",
	ErrNotImplemented:   "功能未实现",

	// 房间错误
	ErrRoomNotFound:         "房间不存在",
	ErrAlreadyJoined:        "已加入房间",
	ErrRoomFull:             "房间已满",
	ErrInteractionPaused:    "遭遇已暂停",
	ErrNotPaused:            "遭遇未暂停",
	ErrNotYourTurn:          "不是你的回合",
	ErrTurnNotFound:         "回合不存在",
	ErrInvalidRecipients:    "无效的私聊接收者",
	ErrInteractionNotActive: "遭遇未进行中",
	ErrInitiativeEmpty:      "先攻顺序为空",
	ErrEntityNotFound:       "实体不存在",
	ErrInvalidAction:        "无效的行动",
	ErrNotParticipant:       "不是房间参与者",
	ErrRoomClosed:           "房间已关闭",
	ErrInvariantViolation:   "引擎状态不一致",

	// 通信错误
	ErrSubscriberLagged: "订阅者消费过慢，需要重新同步",

	// 数据库错误
	ErrDatabaseConnect: "数据库连接失败",
	ErrDatabaseQuery:   "数据库查询失败",
	ErrDatabaseInsert:  "数据库插入失败",
	ErrDatabaseUpdate:  "数据库更新失败",
	ErrDatabaseDelete:  "数据库删除失败",
	ErrTransaction:     "事务处理失败",
	ErrDataIntegrity:   "数据完整性错误",

	// 配置错误
	ErrConfigLoad:  "配置加载失败",
	ErrConfigParse: "配置解析失败",

	// 安全错误
	ErrAuthentication: "认证失败",
	ErrUnauthorized:   "无权执行该操作",
	ErrTokenExpired:   "令牌已过期",
	ErrTokenInvalid:   "无效的令牌",
}

// AppError 应用错误结构
type AppError struct {
	Code    ErrorCode    `json:"code"`            // 错误码
	Message string       `json:"message"`         // 错误消息
	Details string       `json:"details"`         // 详细信息
	Cause   error        `json:"-"`               // 原始错误
	Stack   []StackFrame `json:"stack,omitempty"` // 调用栈
}

// StackFrame 调用栈帧
type StackFrame struct {
	Function string `json:"function"`
	File     string `json:"file"`
	Line     int    `json:"line"`
}

// Error 实现error接口
func (e *AppError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("[%d] %s: %s", e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("[%d] %s", e.Code, e.Message)
}

// Unwrap 返回原始错误
func (e *AppError) Unwrap() error {
	return e.Cause
}

// WithDetails 添加详细信息
func (e *AppError) WithDetails(details string) *AppError {
	e.Details = details
	return e
}

// WithCause 添加原因错误
func (e *AppError) WithCause(cause error) *AppError {
	e.Cause = cause
	if cause != nil && e.Details == "" {
		e.Details = cause.Error()
	}
	return e
}

// New 创建新的应用错误
func New(code ErrorCode, details ...string) *AppError {
	message, ok := errorMessages[code]
	if !ok {
		message = errorMessages[ErrUnknown]
	}

	err := &AppError{
		Code:    code,
		Message: message,
	}

	if len(details) > 0 {
		err.Details = strings.Join(details, "; ")
	}

	// 捕获调用栈
	err.captureStack(2)

	return err
}

// Newf 创建格式化的应用错误
func Newf(code ErrorCode, format string, args ...interface{}) *AppError {
	details := fmt.Sprintf(format, args...)
	return New(code, details)
}

// Wrap 包装错误
func Wrap(err error, code ErrorCode, details ...string) *AppError {
	if err == nil {
		return nil
	}

	// 如果已经是AppError，保留原始错误码
	if appErr, ok := err.(*AppError); ok {
		if len(details) > 0 {
			appErr.Details = strings.Join(details, "; ") + "; " + appErr.Details
		}
		return appErr
	}

	appErr := New(code, details...)
	appErr.Cause = err
	if appErr.Details == "" {
		appErr.Details = err.Error()
	}

	return appErr
}

// Wrapf 包装格式化错误
func Wrapf(err error, code ErrorCode, format string, args ...interface{}) *AppError {
	details := fmt.Sprintf(format, args...)
	return Wrap(err, code, details)
}

// Is 判断错误是否为指定错误码
func Is(err error, code ErrorCode) bool {
	if err == nil {
		return false
	}

	appErr, ok := As(err)
	return ok && appErr.Code == code
}

// GetCode 获取错误码
func GetCode(err error) ErrorCode {
	if err == nil {
		return 0
	}

	if appErr, ok := As(err); ok {
		return appErr.Code
	}

	return ErrUnknown
}

// As 从错误链中提取AppError
func As(err error) (*AppError, bool) {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// captureStack 捕获调用栈
func (e *AppError) captureStack(skip int) {
	pcs := make([]uintptr, 32)
	n := runtime.Callers(skip+1, pcs)

	if n > 0 {
		frames := runtime.CallersFrames(pcs[:n])
		for {
			frame, more := frames.Next()

			// 跳过runtime和本包的调用
			if strings.Contains(frame.Function, "runtime.") ||
				strings.Contains(frame.Function, "github.com/wfunc/encounter-room/internal/errors") {
				if !more {
					break
				}
				continue
			}

			e.Stack = append(e.Stack, StackFrame{
				Function: frame.Function,
				File:     frame.File,
				Line:     frame.Line,
			})

			if !more {
				break
			}

			// 只保留前10个栈帧
			if len(e.Stack) >= 10 {
				break
			}
		}
	}
}

// GetStack 获取格式化的调用栈
func (e *AppError) GetStack() string {
	if len(e.Stack) == 0 {
		return ""
	}

	var builder strings.Builder
	for i, frame := range e.Stack {
		builder.WriteString(fmt.Sprintf("%d. %s\n   %s:%d\n",
			i+1, frame.Function, frame.File, frame.Line))
	}

	return builder.String()
}

// HTTPStatus 返回对应的HTTP状态码
func (e *AppError) HTTPStatus() int {
	switch e.Code {
	case ErrInvalidParam, ErrInvalidRecipients, ErrInvalidAction:
		return 400 // Bad Request
	case ErrNotFound, ErrRoomNotFound, ErrTurnNotFound, ErrEntityNotFound, ErrNotParticipant:
		return 404 // Not Found
	case ErrPermissionDenied, ErrUnauthorized, ErrNotYourTurn:
		return 403 // Forbidden
	case ErrAlreadyExists, ErrAlreadyJoined, ErrRoomFull, ErrInteractionPaused, ErrNotPaused,
		ErrInteractionNotActive, ErrInitiativeEmpty, ErrRoomClosed:
		return 409 // Conflict
	case ErrTimeout:
		return 408 // Request Timeout
	case ErrAuthentication, ErrTokenExpired, ErrTokenInvalid:
		return 401 // Unauthorized
	}
	if e.Code >= 5000 && e.Code <= 5999 {
		return 503 // Service Unavailable
	}
	return 500 // Internal Server Error
}

// IsRetryable 判断错误是否可重试
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	switch GetCode(err) {
	case ErrTimeout,
		ErrDatabaseConnect,
		ErrSubscriberLagged:
		return true
	default:
		return false
	}
}

// IsCritical 判断是否为严重错误
func IsCritical(err error) bool {
	if err == nil {
		return false
	}

	switch GetCode(err) {
	case ErrDatabaseConnect,
		ErrConfigLoad,
		ErrDataIntegrity,
		ErrInvariantViolation:
		return true
	default:
		return false
	}
}
