package utils

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/suite"
)

// JWTTestSuite JWT工具测试套件
type JWTTestSuite struct {
	suite.Suite
	manager *JWTManager
}

func (suite *JWTTestSuite) SetupTest() {
	suite.manager = NewJWTManager("test-secret-key", "encounter-auth", time.Hour)
}

// 测试签发并验证令牌
func (suite *JWTTestSuite) TestGenerateAndValidate() {
	token, err := suite.manager.GenerateToken("alice", "player")
	suite.Require().NoError(err)
	suite.NotEmpty(token)

	claims, err := suite.manager.ValidateToken(token)
	suite.Require().NoError(err)
	suite.Equal("alice", claims.UserID)
	suite.Equal("player", claims.Role)
	suite.Equal("alice", claims.Subject)
	suite.Equal(time.Hour, suite.manager.Expiry())
}

// 测试过期令牌
func (suite *JWTTestSuite) TestExpiredToken() {
	manager := NewJWTManager("test-secret-key", "encounter-auth", -time.Minute)
	token, err := manager.GenerateToken("alice", "player")
	suite.Require().NoError(err)

	_, err = suite.manager.ValidateToken(token)
	suite.ErrorIs(err, ErrExpiredToken)
}

// 测试签名密钥不一致
func (suite *JWTTestSuite) TestWrongSecret() {
	other := NewJWTManager("other-secret", "encounter-auth", time.Hour)
	token, err := other.GenerateToken("alice", "dm")
	suite.Require().NoError(err)

	_, err = suite.manager.ValidateToken(token)
	suite.Error(err)
}

// 测试签发者不一致
func (suite *JWTTestSuite) TestWrongIssuer() {
	other := NewJWTManager("test-secret-key", "someone-else", time.Hour)
	token, err := other.GenerateToken("alice", "dm")
	suite.Require().NoError(err)

	_, err = suite.manager.ValidateToken(token)
	suite.Error(err)
}

// 测试缺少角色与用户
func (suite *JWTTestSuite) TestMissingClaims() {
	token, err := suite.manager.GenerateToken("alice", "")
	suite.Require().NoError(err)
	_, err = suite.manager.ValidateToken(token)
	suite.ErrorIs(err, ErrMissingRole)

	token, err = suite.manager.GenerateToken("", "dm")
	suite.Require().NoError(err)
	_, err = suite.manager.ValidateToken(token)
	suite.ErrorIs(err, ErrInvalidToken)
}

// 测试拒绝非HS256签名
func (suite *JWTTestSuite) TestRejectsNoneAlgorithm() {
	claims := &JWTClaims{UserID: "alice", Role: "dm", RegisteredClaims: jwt.RegisteredClaims{Issuer: "encounter-auth"}}
	token, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
	suite.Require().NoError(err)

	_, err = suite.manager.ValidateToken(token)
	suite.Error(err)
}

// 测试格式错误的令牌
func (suite *JWTTestSuite) TestMalformedToken() {
	_, err := suite.manager.ValidateToken("not.a.token")
	suite.Error(err)
}

func TestJWTSuite(t *testing.T) {
	suite.Run(t, new(JWTTestSuite))
}
