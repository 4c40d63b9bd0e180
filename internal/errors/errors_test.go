package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/suite"
)

// ErrorsTestSuite 错误包测试套件
type ErrorsTestSuite struct {
	suite.Suite
}

// 测试创建新错误
func (suite *ErrorsTestSuite) TestNew() {
	err := New(ErrInvalidParam)
	suite.NotNil(err)
	suite.Equal(ErrInvalidParam, err.Code)
	suite.Equal("无效的参数", err.Message)
	suite.Empty(err.Details)

	// 测试带详情的错误
	err = New(ErrRoomNotFound, "interaction-1")
	suite.Equal(ErrRoomNotFound, err.Code)
	suite.Equal("房间不存在", err.Message)
	suite.Equal("interaction-1", err.Details)

	// 测试多个详情
	err = New(ErrNotYourTurn, "当前实体: goblin", "请求实体: hero")
	suite.Equal("当前实体: goblin; 请求实体: hero", err.Details)
}

// 测试格式化错误创建
func (suite *ErrorsTestSuite) TestNewf() {
	err := Newf(ErrTurnNotFound, "回合 %d 不在历史中", 7)
	suite.Equal(ErrTurnNotFound, err.Code)
	suite.Equal("回合 7 不在历史中", err.Details)
}

// 测试错误包装
func (suite *ErrorsTestSuite) TestWrap() {
	originalErr := errors.New("原始错误")
	wrappedErr := Wrap(originalErr, ErrDatabaseQuery)
	suite.Equal(ErrDatabaseQuery, wrappedErr.Code)
	suite.Equal("原始错误", wrappedErr.Details)
	suite.Equal(originalErr, wrappedErr.Cause)

	// 包装nil错误
	suite.Nil(Wrap(nil, ErrUnknown))

	// 包装已有的AppError，保留原始错误码
	appErr := New(ErrRoomFull, "上限 6")
	wrappedAppErr := Wrap(appErr, ErrInvalidParam, "额外信息")
	suite.Equal(ErrRoomFull, wrappedAppErr.Code)
	suite.Contains(wrappedAppErr.Details, "额外信息")
}

// 测试格式化错误包装
func (suite *ErrorsTestSuite) TestWrapf() {
	originalErr := errors.New("连接超时")
	wrappedErr := Wrapf(originalErr, ErrDatabaseConnect, "数据库 %s 连接失败", "sqlite")
	suite.Equal(ErrDatabaseConnect, wrappedErr.Code)
	suite.Equal("数据库 sqlite 连接失败", wrappedErr.Details)
	suite.Equal(originalErr, wrappedErr.Cause)
}

// 测试错误码判断
func (suite *ErrorsTestSuite) TestIs() {
	err := New(ErrUnauthorized)
	suite.True(Is(err, ErrUnauthorized))
	suite.False(Is(err, ErrNotFound))
	suite.False(Is(nil, ErrUnauthorized))
	suite.False(Is(errors.New("标准错误"), ErrUnknown))

	// 经过fmt.Errorf包装后仍能识别
	chained := fmt.Errorf("take turn: %w", New(ErrNotYourTurn))
	suite.True(Is(chained, ErrNotYourTurn))
}

// 测试获取错误码
func (suite *ErrorsTestSuite) TestGetCode() {
	suite.Equal(ErrTokenExpired, GetCode(New(ErrTokenExpired)))
	suite.Equal(ErrUnknown, GetCode(errors.New("标准错误")))
	suite.Equal(ErrorCode(0), GetCode(nil))
}

// 测试错误消息
func (suite *ErrorsTestSuite) TestError() {
	err := &AppError{
		Code:    ErrRoomNotFound,
		Message: "房间不存在",
	}
	suite.Equal("[2000] 房间不存在", err.Error())

	err.Details = "interaction-9"
	suite.Equal("[2000] 房间不存在: interaction-9", err.Error())
}

// 测试Unwrap
func (suite *ErrorsTestSuite) TestUnwrap() {
	originalErr := errors.New("原始错误")
	wrappedErr := Wrap(originalErr, ErrUnknown)
	suite.Equal(originalErr, wrappedErr.Unwrap())
	suite.Nil(New(ErrUnknown).Unwrap())
}

// 测试WithDetails和WithCause
func (suite *ErrorsTestSuite) TestWithDetailsAndCause() {
	err := New(ErrInvalidParam)
	err.WithDetails("turnNumber不能为空")
	suite.Equal("turnNumber不能为空", err.Details)

	cause := errors.New("SQL语法错误")
	err2 := New(ErrDatabaseQuery)
	err2.WithCause(cause)
	suite.Equal(cause, err2.Cause)
	suite.Equal("SQL语法错误", err2.Details)

	// 已有Details的情况
	err3 := New(ErrDatabaseQuery, "查询失败")
	err3.WithCause(cause)
	suite.Equal("查询失败", err3.Details)
}

// 测试HTTP状态码映射
func (suite *ErrorsTestSuite) TestHTTPStatus() {
	testCases := []struct {
		code     ErrorCode
		expected int
	}{
		{ErrInvalidParam, 400},
		{ErrInvalidRecipients, 400},
		{ErrRoomNotFound, 404},
		{ErrTurnNotFound, 404},
		{ErrUnauthorized, 403},
		{ErrNotYourTurn, 403},
		{ErrAlreadyJoined, 409},
		{ErrRoomFull, 409},
		{ErrInteractionPaused, 409},
		{ErrNotPaused, 409},
		{ErrTimeout, 408},
		{ErrTokenInvalid, 401},
		{ErrDatabaseConnect, 503},
		{ErrInvariantViolation, 500},
		{ErrUnknown, 500},
	}

	for _, tc := range testCases {
		err := New(tc.code)
		suite.Equal(tc.expected, err.HTTPStatus(), "错误码 %d 应该返回HTTP状态码 %d", tc.code, tc.expected)
	}
}

// 测试可重试判断
func (suite *ErrorsTestSuite) TestIsRetryable() {
	for _, code := range []ErrorCode{ErrTimeout, ErrDatabaseConnect, ErrSubscriberLagged} {
		suite.True(IsRetryable(New(code)), "错误码 %d 应该是可重试的", code)
	}
	for _, code := range []ErrorCode{ErrInvalidParam, ErrNotYourTurn, ErrUnauthorized} {
		suite.False(IsRetryable(New(code)), "错误码 %d 不应该是可重试的", code)
	}
	suite.False(IsRetryable(nil))
}

// 测试严重错误判断
func (suite *ErrorsTestSuite) TestIsCritical() {
	for _, code := range []ErrorCode{ErrDatabaseConnect, ErrConfigLoad, ErrDataIntegrity, ErrInvariantViolation} {
		suite.True(IsCritical(New(code)), "错误码 %d 应该是严重错误", code)
	}
	for _, code := range []ErrorCode{ErrInvalidParam, ErrRoomNotFound, ErrTimeout} {
		suite.False(IsCritical(New(code)), "错误码 %d 不应该是严重错误", code)
	}
	suite.False(IsCritical(nil))
}

// 测试调用栈捕获
func (suite *ErrorsTestSuite) TestStackCapture() {
	err := New(ErrUnknown)
	suite.Greater(len(err.Stack), 0)
	suite.NotEmpty(err.GetStack())
}

// 测试未知错误码
func (suite *ErrorsTestSuite) TestUnknownErrorCode() {
	err := New(ErrorCode(99999))
	suite.Equal(ErrorCode(99999), err.Code)
	suite.Equal("未知错误", err.Message)
}

// 测试房间相关错误
func (suite *ErrorsTestSuite) TestRoomErrors() {
	roomErrors := map[ErrorCode]string{
		ErrRoomNotFound:      "房间不存在",
		ErrAlreadyJoined:     "已加入房间",
		ErrRoomFull:          "房间已满",
		ErrInteractionPaused: "遭遇已暂停",
		ErrNotPaused:         "遭遇未暂停",
		ErrNotYourTurn:       "不是你的回合",
		ErrTurnNotFound:      "回合不存在",
		ErrInvalidRecipients: "无效的私聊接收者",
	}

	for code, expectedMsg := range roomErrors {
		suite.Equal(expectedMsg, New(code).Message)
	}
}

func TestErrorsSuite(t *testing.T) {
	suite.Run(t, new(ErrorsTestSuite))
}
